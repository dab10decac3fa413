package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronoplan/internal/calendar"
	"chronoplan/internal/engine"
	"chronoplan/internal/nlu"
	"chronoplan/internal/plan"
	"chronoplan/internal/policy"
	"chronoplan/internal/router"
	"chronoplan/internal/session"
)

// scriptedPlanner returns its plans in order, one per BuildPlan call.
type scriptedPlanner struct {
	plans []*plan.Plan
	calls int
}

func (s *scriptedPlanner) BuildPlan(_ context.Context, _, _, _ string) (*plan.Plan, error) {
	if s.calls >= len(s.plans) {
		return plan.Fallback(""), nil
	}
	p := s.plans[s.calls]
	s.calls++
	return p, nil
}

type scriptedClassifier struct {
	results []router.Classification
	calls   int
}

func (s *scriptedClassifier) ClassifyFollowUp(_ context.Context, _ string, _ *plan.Plan) (router.Classification, error) {
	if s.calls >= len(s.results) {
		return router.Classification{}, nil
	}
	c := s.results[s.calls]
	s.calls++
	return c, nil
}

// scriptedIntents answers intent classification; it defaults to an
// in-scope calendar request so planning proceeds.
type scriptedIntents struct {
	results []nlu.Intent
	calls   int
}

func (s *scriptedIntents) Classify(_ context.Context, _, _ string) (nlu.Intent, error) {
	if s.calls >= len(s.results) {
		return nlu.Intent{Intent: "calendar_query", InScope: true}, nil
	}
	i := s.results[s.calls]
	s.calls++
	return i, nil
}

type policyList []policy.Policy

type fixture struct {
	orch    *Orchestrator
	store   *calendar.Store
	planner *scriptedPlanner
	class   *scriptedClassifier
	intents *scriptedIntents
	pols    *policyList
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := calendar.NewStore(filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	planner := &scriptedPlanner{}
	class := &scriptedClassifier{}
	intents := &scriptedIntents{}
	pols := &policyList{}
	eng := engine.New(
		engine.NewCalendarRegistry(store),
		engine.WriteFilter(policy.NewWriteFilter(func() []policy.Policy { return *pols })),
		zap.NewNop(),
		nil,
	)
	orch := New(
		session.NewStore(zap.NewNop()),
		router.New(class, zap.NewNop()),
		intents,
		planner,
		eng,
		zap.NewNop(),
	)
	return &fixture{orch: orch, store: store, planner: planner, class: class, intents: intents, pols: pols}
}

func confirmCls() router.Classification {
	return router.Classification{FollowUp: true, Decision: router.DecisionConfirm, Confidence: 0.95}
}

func TestRescheduleConfirmationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dentist, err := f.store.CreateEvent(calendar.CreateEventParams{
		Title: "Dentist", Start: "2025-03-06T09:00:00", End: "2025-03-06T10:00:00",
	})
	require.NoError(t, err)

	// Turn 1: a pure read.
	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "Your dentist appointment is Thursday 09:00.",
		RequiredActions: []plan.Action{
			{Type: plan.ActionFindEventByKeyword, Parameters: map[string]any{
				"query": "dentist", "start_date": "2025-03-03", "end_date": "2025-03-09",
			}},
		},
	})
	resp, err := f.orch.HandleMessage(ctx, "s1", "when is my dentist appointment?")
	require.NoError(t, err)
	require.False(t, resp.NeedsConfirmation)
	require.Len(t, resp.Trace, 1)

	// Turn 2: a write gets staged, not applied.
	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "I'll move the dentist appointment to Friday 10:00. Proceed?",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionRescheduleEvent, Parameters: map[string]any{
				"event_id": dentist.ID, "new_start": "2025-03-07T10:00:00", "new_end": "2025-03-07T11:00:00",
			}},
		},
		ConfirmationRequired: true,
	})
	resp, err = f.orch.HandleMessage(ctx, "s1", "move it to friday at 10")
	require.NoError(t, err)
	require.True(t, resp.NeedsConfirmation)
	require.Zero(t, resp.AppliedWrites)

	unchanged, err := f.store.FetchEvents("2025-03-06", "", "", nil)
	require.NoError(t, err)
	require.Len(t, unchanged, 1)

	// Turn 3: confirmation applies the staged write.
	f.class.results = append(f.class.results, confirmCls())
	resp, err = f.orch.HandleMessage(ctx, "s1", "yes please")
	require.NoError(t, err)
	require.Equal(t, 1, resp.AppliedWrites)
	require.False(t, resp.NeedsConfirmation)

	moved, err := f.store.FetchEvents("2025-03-07", "", "", nil)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, "2025-03-07T10:00:00", moved[0].Start)

	// Turn 4: a second "yes" has nothing to apply; it goes back to
	// planning instead of re-running the write.
	resp, err = f.orch.HandleMessage(ctx, "s1", "yes")
	require.NoError(t, err)
	require.Zero(t, resp.AppliedWrites)

	again, err := f.store.FetchEvents("2025-03-07", "", "", nil)
	require.NoError(t, err)
	require.Len(t, again, 1)
}

func TestCancelDiscardsStagedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "Create a review block tomorrow 14:00?",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionCreateEvent, Parameters: map[string]any{
				"title": "Review", "start_time": "2025-03-06T14:00:00", "end_time": "2025-03-06T15:00:00",
			}},
		},
		ConfirmationRequired: true,
	})
	resp, err := f.orch.HandleMessage(ctx, "s1", "block time for review tomorrow")
	require.NoError(t, err)
	require.True(t, resp.NeedsConfirmation)

	f.class.results = append(f.class.results, router.Classification{
		FollowUp: true, Decision: router.DecisionCancel, Confidence: 0.9,
	})
	resp, err = f.orch.HandleMessage(ctx, "s1", "actually no")
	require.NoError(t, err)
	require.True(t, resp.Cancelled)

	events, err := f.store.FetchEvents("2025-03-06", "", "", nil)
	require.NoError(t, err)
	require.Empty(t, events)

	// Nothing pending anymore.
	_, err = f.orch.ConfirmPending(ctx, "s1")
	require.ErrorIs(t, err, ErrNoPendingPlan)
}

func TestAmbiguousReplyKeepsPlanStaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "Delete the standup series?",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionCreateEvent, Parameters: map[string]any{
				"title": "X", "start_time": "2025-03-06T09:00:00", "end_time": "2025-03-06T10:00:00",
			}},
		},
		ConfirmationRequired: true,
	})
	_, err := f.orch.HandleMessage(ctx, "s1", "set up X tomorrow morning")
	require.NoError(t, err)

	f.class.results = append(f.class.results, router.Classification{
		FollowUp: true, Decision: router.DecisionConfirm, Confidence: 0.4,
	})
	resp, err := f.orch.HandleMessage(ctx, "s1", "maybe")
	require.NoError(t, err)
	require.True(t, resp.NeedsConfirmation)

	// The plan survived the re-ask; an explicit confirm still applies it.
	resp, err = f.orch.ConfirmPending(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, resp.AppliedWrites)
}

func TestHardPolicyBlocksAtStaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.store.CreateEvent(calendar.CreateEventParams{
		Title: "Board meeting", Start: "2025-03-06T09:00:00", End: "2025-03-06T10:00:00",
	})
	require.NoError(t, err)

	*f.pols = policyList{{
		ID:       "pol-1",
		Name:     "never delete events",
		Strength: policy.StrengthHard,
		Scope:    policy.Scope{Global: true},
		Targets:  []string{plan.ActionDeleteEvent},
		Priority: 10,
		Status:   policy.StatusEnabled,
	}}

	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "I'll delete the board meeting.",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionDeleteEvent, Parameters: map[string]any{"event_id": ev.ID}},
		},
		ConfirmationRequired: true,
	})
	resp, err := f.orch.HandleMessage(ctx, "s1", "delete the board meeting")
	require.NoError(t, err)
	require.False(t, resp.NeedsConfirmation)
	require.Contains(t, resp.ReplyText, "blocked")

	still, err := f.store.FetchEvents("2025-03-06", "", "", nil)
	require.NoError(t, err)
	require.Len(t, still, 1)
}

func TestHardPolicySurvivesConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.store.CreateEvent(calendar.CreateEventParams{
		Title: "Board meeting", Start: "2025-03-06T09:00:00", End: "2025-03-06T10:00:00",
	})
	require.NoError(t, err)

	// No policies at staging time.
	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "I'll delete the board meeting. Proceed?",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionDeleteEvent, Parameters: map[string]any{"event_id": ev.ID}},
		},
		ConfirmationRequired: true,
	})
	resp, err := f.orch.HandleMessage(ctx, "s1", "delete the board meeting")
	require.NoError(t, err)
	require.True(t, resp.NeedsConfirmation)

	// A hard block arrives before the user confirms.
	*f.pols = policyList{{
		ID:       "pol-1",
		Strength: policy.StrengthHard,
		Scope:    policy.Scope{Global: true},
		Targets:  []string{plan.ActionDeleteEvent},
		Status:   policy.StatusEnabled,
	}}

	f.class.results = append(f.class.results, confirmCls())
	resp, err = f.orch.HandleMessage(ctx, "s1", "yes")
	require.NoError(t, err)
	require.Zero(t, resp.AppliedWrites)
	require.Contains(t, resp.ReplyText, "nothing was applied")

	still, err := f.store.FetchEvents("2025-03-06", "", "", nil)
	require.NoError(t, err)
	require.Len(t, still, 1)
}

func TestPartialFailureClearsPlanOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.store.CreateEvent(calendar.CreateEventParams{
		Title: "Sync", Start: "2025-03-06T09:00:00", End: "2025-03-06T10:00:00",
	})
	require.NoError(t, err)

	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "Reschedule both?",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionRescheduleEvent, Parameters: map[string]any{
				"event_id": "missing", "new_start": "2025-03-07T09:00:00", "new_end": "2025-03-07T10:00:00",
			}},
			{Type: plan.ActionRescheduleEvent, Parameters: map[string]any{
				"event_id": ev.ID, "new_start": "2025-03-07T11:00:00", "new_end": "2025-03-07T12:00:00",
			}},
		},
		ConfirmationRequired: true,
	})
	_, err = f.orch.HandleMessage(ctx, "s1", "push both to friday")
	require.NoError(t, err)

	f.class.results = append(f.class.results, confirmCls())
	resp, err := f.orch.HandleMessage(ctx, "s1", "yes")
	require.NoError(t, err)
	require.Equal(t, 1, resp.AppliedWrites)
	require.Contains(t, resp.ReplyText, "1 failed")

	// The plan cleared despite the partial failure.
	_, err = f.orch.ConfirmPending(ctx, "s1")
	require.ErrorIs(t, err, ErrNoPendingPlan)
}

func TestPlannerFailureDegradesToClarification(t *testing.T) {
	f := newFixture(t)
	// Empty script: the planner falls through to the fallback plan.
	resp, err := f.orch.HandleMessage(context.Background(), "s1", "gibberish")
	require.NoError(t, err)
	require.False(t, resp.NeedsConfirmation)
	require.NotEmpty(t, resp.ReplyText)
	require.Empty(t, resp.Trace)
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "Create it?",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionCreateEvent, Parameters: map[string]any{
				"title": "A", "start_time": "2025-03-06T09:00:00", "end_time": "2025-03-06T10:00:00",
			}},
		},
		ConfirmationRequired: true,
	})
	_, err := f.orch.HandleMessage(ctx, "alice", "create A tomorrow")
	require.NoError(t, err)

	// Bob has nothing staged, so his confirm fails.
	_, err = f.orch.ConfirmPending(ctx, "bob")
	require.ErrorIs(t, err, ErrNoPendingPlan)

	// Alice's plan is still there.
	resp, err := f.orch.ConfirmPending(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, resp.AppliedWrites)
}

func TestSmalltalkAnsweredWithoutPlanning(t *testing.T) {
	f := newFixture(t)

	f.intents.results = append(f.intents.results, nlu.Intent{
		Intent: "smalltalk", InScope: true, Reply: "Hi! What can I do for your calendar?",
	})
	resp, err := f.orch.HandleMessage(context.Background(), "s1", "good morning!")
	require.NoError(t, err)
	require.Equal(t, "Hi! What can I do for your calendar?", resp.ReplyText)
	require.Zero(t, f.planner.calls)
	require.Empty(t, resp.Trace)
}

func TestOutOfScopeAnsweredWithoutPlanning(t *testing.T) {
	f := newFixture(t)

	f.intents.results = append(f.intents.results, nlu.Intent{
		Intent: "out_of_scope", InScope: false, Reply: "I only handle your calendar.",
	})
	resp, err := f.orch.HandleMessage(context.Background(), "s1", "translate this sentence")
	require.NoError(t, err)
	require.Equal(t, "I only handle your calendar.", resp.ReplyText)
	require.Zero(t, f.planner.calls)
}

func TestMisSlottedWriteReportsPerAction(t *testing.T) {
	f := newFixture(t)

	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "Checking your holding list.",
		RequiredActions: []plan.Action{
			{Type: plan.ActionListHolding, Parameters: map[string]any{}},
			{Type: plan.ActionCreateEvent, Parameters: map[string]any{
				"title": "Sneaky", "start_time": "2025-03-06T09:00:00", "end_time": "2025-03-06T10:00:00",
			}},
		},
	})
	resp, err := f.orch.HandleMessage(context.Background(), "s1", "what's on hold?")
	require.NoError(t, err)
	require.Len(t, resp.Trace, 2)
	require.Equal(t, engine.StatusCompleted, resp.Trace[0].Status)
	require.Equal(t, engine.StatusError, resp.Trace[1].Status)
	require.Equal(t, engine.ResultError, resp.Status)

	events, err := f.store.FetchEvents("2025-03-06", "", "", nil)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestConfirmWritesOutOfBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	writes := []plan.Action{
		{Type: plan.ActionCreateEvent, Parameters: map[string]any{
			"title": "Review", "start_time": "2025-03-07T10:00:00", "end_time": "2025-03-07T11:00:00",
		}},
	}

	resp, err := f.orch.ConfirmWrites(ctx, "s1", false, writes)
	require.NoError(t, err)
	require.True(t, resp.Cancelled)
	require.Zero(t, resp.AppliedWrites)

	events, err := f.store.FetchEvents("2025-03-07", "", "", nil)
	require.NoError(t, err)
	require.Empty(t, events)

	resp, err = f.orch.ConfirmWrites(ctx, "s1", true, writes)
	require.NoError(t, err)
	require.Equal(t, 1, resp.AppliedWrites)
	require.Equal(t, engine.ResultOK, resp.Status)

	events, err = f.store.FetchEvents("2025-03-07", "", "", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestConfirmWritesLeavesStagedPlanAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.planner.plans = append(f.planner.plans, &plan.Plan{
		ReplyText: "Create it?",
		ProposedWrites: []plan.Action{
			{Type: plan.ActionCreateEvent, Parameters: map[string]any{
				"title": "Staged", "start_time": "2025-03-06T09:00:00", "end_time": "2025-03-06T10:00:00",
			}},
		},
		ConfirmationRequired: true,
	})
	_, err := f.orch.HandleMessage(ctx, "s1", "create staged tomorrow")
	require.NoError(t, err)

	_, err = f.orch.ConfirmWrites(ctx, "s1", true, []plan.Action{
		{Type: plan.ActionBlockTime, Parameters: map[string]any{
			"start_time": "2025-03-08T13:00:00", "end_time": "2025-03-08T14:00:00",
		}},
	})
	require.NoError(t, err)

	// The staged plan is still confirmable afterwards.
	resp, err := f.orch.ConfirmPending(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, resp.AppliedWrites)
}
