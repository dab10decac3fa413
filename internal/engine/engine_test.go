package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"chronoplan/internal/calendar"
	"chronoplan/internal/plan"
)

func newTestEngine(t *testing.T, filter WriteFilter) (*Engine, *calendar.Store) {
	t.Helper()
	store, err := calendar.NewStore(filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(NewCalendarRegistry(store), filter, zap.NewNop(), nil), store
}

func seedEvent(t *testing.T, store *calendar.Store, title, start, end string) *calendar.Event {
	t.Helper()
	ev, err := store.CreateEvent(calendar.CreateEventParams{Title: title, Start: start, End: end})
	require.NoError(t, err)
	return ev
}

func TestRegistryRejectsKindMismatch(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, map[string]any) (Output, error) { return Output{}, nil }

	err := r.Register(plan.ActionCreateEvent, Handler{Kind: KindRead, Func: noop})
	require.ErrorIs(t, err, plan.ErrActionTypeMismatch)

	err = r.Register("frobnicate", Handler{Kind: KindRead, Func: noop})
	require.ErrorIs(t, err, ErrUnknownActionType)

	require.NoError(t, r.Register(plan.ActionFetchEvents, Handler{Kind: KindRead, Func: noop}))
	err = r.Register(plan.ActionFetchEvents, Handler{Kind: KindRead, Func: noop})
	require.Error(t, err)
}

func TestExecuteReadsPopulateTraceAndFocus(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seedEvent(t, store, "Standup", "2025-03-06T09:00:00", "2025-03-06T09:15:00")

	pl := &plan.Plan{
		ReplyText: "Here's Thursday.",
		RequiredActions: []plan.Action{
			{Type: plan.ActionFetchEvents, Parameters: map[string]any{"date": "2025-03-06"}},
			{Type: plan.ActionGetFreeSlots, Parameters: map[string]any{
				"date": "2025-03-06", "start_range": "09:00", "end_range": "12:00", "min_duration": 30,
			}},
		},
	}
	res, err := e.Execute(context.Background(), pl)
	require.NoError(t, err)
	require.Len(t, res.Trace, 2)
	for _, tr := range res.Trace {
		require.Equal(t, StatusCompleted, tr.Status)
		require.Equal(t, "read", tr.Kind)
	}
	require.Equal(t, ResultOK, res.Status)
	require.Len(t, res.Focus.Events, 1)
	require.Len(t, res.Focus.FreeSlots, 1)
	require.False(t, res.NeedsConfirmation)
}

func TestFreeSlotsHonorRequestedRange(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seedEvent(t, store, "Standup", "2025-03-06T10:30:00", "2025-03-06T11:00:00")

	pl := &plan.Plan{
		RequiredActions: []plan.Action{
			{Type: plan.ActionGetFreeSlots, Parameters: map[string]any{
				"date": "2025-03-06", "start_range": "10:00", "end_range": "12:00", "min_duration": 30,
			}},
		},
	}
	res, err := e.Execute(context.Background(), pl)
	require.NoError(t, err)
	require.Len(t, res.Focus.FreeSlots, 1)
	slots := res.Focus.FreeSlots[0].Slots
	require.NotEmpty(t, slots)
	for _, s := range slots {
		require.GreaterOrEqual(t, s.Start, "2025-03-06T10:00:00")
		require.LessOrEqual(t, s.End, "2025-03-06T12:00:00")
	}
}

func TestExecuteFailedReadDoesNotAbort(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	pl := &plan.Plan{
		RequiredActions: []plan.Action{
			{Type: plan.ActionGetFreeSlots, Parameters: map[string]any{}}, // no date
			{Type: plan.ActionListHolding, Parameters: map[string]any{}},
		},
	}
	res, err := e.Execute(context.Background(), pl)
	require.NoError(t, err)
	require.Len(t, res.Trace, 2)
	require.Equal(t, StatusError, res.Trace[0].Status)
	require.Contains(t, res.Trace[0].Error, "date")
	require.Equal(t, StatusCompleted, res.Trace[1].Status)
	require.Equal(t, ResultError, res.Status)
}

func TestExecuteMisSlottedWriteDoesNotAbortReads(t *testing.T) {
	e, store := newTestEngine(t, nil)

	pl := &plan.Plan{
		RequiredActions: []plan.Action{
			{Type: plan.ActionListHolding, Parameters: map[string]any{}},
			{Type: plan.ActionCreateEvent, Parameters: map[string]any{
				"title": "Sneaky", "start_time": "2025-03-06T09:00:00", "end_time": "2025-03-06T10:00:00",
			}},
		},
	}
	res, err := e.Execute(context.Background(), pl)
	require.NoError(t, err)
	require.Len(t, res.Trace, 2)
	require.Equal(t, StatusCompleted, res.Trace[0].Status)
	require.Equal(t, StatusError, res.Trace[1].Status)
	require.Contains(t, res.Trace[1].Error, "required_actions")
	require.Equal(t, ResultError, res.Status)

	events, err := store.FetchEvents("2025-03-06", "", "", nil)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestExecuteStagesWritesWhenConfirmationRequired(t *testing.T) {
	e, store := newTestEngine(t, nil)

	pl := &plan.Plan{
		ReplyText: "Create a review meeting Friday at 10?",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionCreateEvent, Parameters: map[string]any{
				"title": "Review", "start_time": "2025-03-07T10:00:00", "end_time": "2025-03-07T11:00:00",
			}},
		},
		ConfirmationRequired: true,
	}
	res, err := e.Execute(context.Background(), pl)
	require.NoError(t, err)
	require.True(t, res.NeedsConfirmation)
	require.Zero(t, res.AppliedWrites)
	require.Empty(t, res.Trace)
	require.Len(t, res.StagedWrites, 1)

	events, err := store.FetchEvents("2025-03-07", "", "", nil)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestApplyCreateEventTakesStartEndTime(t *testing.T) {
	e, store := newTestEngine(t, nil)

	res, err := e.Apply(context.Background(), []plan.Action{
		{Type: plan.ActionCreateEvent, Parameters: map[string]any{
			"title": "Review", "start_time": "2025-03-07T10:00:00", "end_time": "2025-03-07T11:00:00",
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.AppliedWrites)
	require.Equal(t, ResultOK, res.Status)

	events, err := store.FetchEvents("2025-03-07", "", "", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "2025-03-07T10:00:00", events[0].Start)
}

func TestApplyWritesIndependently(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ev := seedEvent(t, store, "Dentist", "2025-03-06T09:00:00", "2025-03-06T10:00:00")

	res, err := e.Apply(context.Background(), []plan.Action{
		{Type: plan.ActionRescheduleEvent, Parameters: map[string]any{
			"event_id": "nope", "new_start": "2025-03-07T09:00:00", "new_end": "2025-03-07T10:00:00",
		}},
		{Type: plan.ActionRescheduleEvent, Parameters: map[string]any{
			"event_id": ev.ID, "new_start": "2025-03-07T10:00:00", "new_end": "2025-03-07T11:00:00",
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.AppliedWrites)
	require.Equal(t, StatusError, res.Trace[0].Status)
	require.Equal(t, StatusCompleted, res.Trace[1].Status)
	require.Equal(t, ResultError, res.Status)

	moved, err := store.FetchEvents("2025-03-07", "", "", nil)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, "2025-03-07T10:00:00", moved[0].Start)
}

func TestApplyRejectsReadsPerAction(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ev := seedEvent(t, store, "Dentist", "2025-03-06T09:00:00", "2025-03-06T10:00:00")

	res, err := e.Apply(context.Background(), []plan.Action{
		{Type: plan.ActionFetchEvents, Parameters: map[string]any{"date": "2025-03-06"}},
		{Type: plan.ActionDeleteEvent, Parameters: map[string]any{"event_id": ev.ID}},
	})
	require.NoError(t, err)
	require.Len(t, res.Trace, 2)
	require.Equal(t, StatusError, res.Trace[0].Status)
	require.Contains(t, res.Trace[0].Error, "confirmed writes")
	require.Equal(t, StatusCompleted, res.Trace[1].Status)
	require.Equal(t, 1, res.AppliedWrites)
	require.Equal(t, ResultError, res.Status)
}

func TestConfirmAppliesSuppliedWrites(t *testing.T) {
	e, store := newTestEngine(t, nil)

	writes := []plan.Action{
		{Type: plan.ActionBlockTime, Parameters: map[string]any{
			"start_time": "2025-03-07T13:00:00", "end_time": "2025-03-07T14:00:00", "reason": "Focus",
		}},
	}

	res, err := e.Confirm(context.Background(), false, writes)
	require.NoError(t, err)
	require.Zero(t, res.AppliedWrites)
	require.Empty(t, res.Trace)
	require.Equal(t, ResultOK, res.Status)

	res, err = e.Confirm(context.Background(), true, writes)
	require.NoError(t, err)
	require.Equal(t, 1, res.AppliedWrites)
	require.Equal(t, ResultOK, res.Status)

	events, err := store.FetchEvents("2025-03-07", "", "", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestWriteFilterVetoesWrites(t *testing.T) {
	filter := func(writes []plan.Action) ([]plan.Action, string) {
		kept := make([]plan.Action, 0, len(writes))
		for _, w := range writes {
			if w.Type != plan.ActionDeleteEvent {
				kept = append(kept, w)
			}
		}
		return kept, "Some items were blocked by your policies."
	}
	e, store := newTestEngine(t, filter)
	ev := seedEvent(t, store, "Focus block", "2025-03-06T14:00:00", "2025-03-06T15:00:00")

	pl := &plan.Plan{
		ReplyText: "Deleting it.",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionDeleteEvent, Parameters: map[string]any{"event_id": ev.ID}},
		},
		ConfirmationRequired: true,
	}
	res, err := e.Execute(context.Background(), pl)
	require.NoError(t, err)
	require.False(t, res.NeedsConfirmation)
	require.Empty(t, res.Trace)
	require.Contains(t, res.ReplyText, "blocked by your policies")

	still, err := store.FetchEvents("2025-03-06", "", "", nil)
	require.NoError(t, err)
	require.Len(t, still, 1)
}

func TestExecuteStreamEmitsTraceThenResult(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seedEvent(t, store, "Standup", "2025-03-06T09:00:00", "2025-03-06T09:15:00")

	pl := &plan.Plan{
		ReplyText: "Thursday and the holding area.",
		RequiredActions: []plan.Action{
			{Type: plan.ActionFetchEvents, Parameters: map[string]any{"date": "2025-03-06"}},
			{Type: plan.ActionListHolding, Parameters: map[string]any{}},
		},
	}

	var traces []TraceEntry
	var final *Result
	for ev := range e.ExecuteStream(context.Background(), pl) {
		require.NoError(t, ev.Err)
		if ev.Trace != nil {
			traces = append(traces, *ev.Trace)
		}
		if ev.Result != nil {
			final = ev.Result
		}
	}
	require.Len(t, traces, 4)
	for i := 0; i < len(traces); i += 2 {
		require.Equal(t, StatusInProgress, traces[i].Status)
		require.Equal(t, StatusCompleted, traces[i+1].Status)
		require.Equal(t, traces[i].ID, traces[i+1].ID)
	}
	require.NotNil(t, final)
	require.Len(t, final.Trace, 2)
	require.Equal(t, ResultOK, final.Status)

	store.Close()
	goleak.VerifyNone(t)
}

func TestExecuteStreamStopsOnCancel(t *testing.T) {
	e, store := newTestEngine(t, nil)

	actions := make([]plan.Action, 8)
	for i := range actions {
		actions[i] = plan.Action{Type: plan.ActionListHolding, Parameters: map[string]any{}}
	}
	pl := &plan.Plan{RequiredActions: actions}

	ctx, cancel := context.WithCancel(context.Background())
	ch := e.ExecuteStream(ctx, pl)

	first := <-ch
	require.NotNil(t, first.Trace)
	cancel()

	var sawResult bool
	for ev := range ch {
		if ev.Result != nil {
			sawResult = true
		}
	}
	require.False(t, sawResult)

	store.Close()
	goleak.VerifyNone(t)
}
