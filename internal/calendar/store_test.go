package calendar

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	// Pin the clock so created/updated stamps are stable.
	s.now = func() time.Time {
		return time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	}
	return s
}

func TestCreateAndFetchEvents(t *testing.T) {
	s := newTestStore(t)

	ev, err := s.CreateEvent(CreateEventParams{
		Title: "Dentist",
		Start: "2025-03-10T09:00",
		End:   "2025-03-10T09:30:00",
	})
	require.NoError(t, err)
	require.Equal(t, "2025-03-10T09:00:00", ev.Start, "seconds normalized on save")

	events, err := s.FetchEvents("2025-03-10", "", "", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Dentist", events[0].Title)

	none, err := s.FetchEvents("2025-03-11", "", "", nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestFetchEventsRange(t *testing.T) {
	s := newTestStore(t)
	for _, d := range []string{"2025-03-10", "2025-03-11", "2025-03-13"} {
		_, err := s.CreateEvent(CreateEventParams{
			Title: "Standup", Start: d + "T09:00:00", End: d + "T09:15:00",
		})
		require.NoError(t, err)
	}

	events, err := s.FetchEvents("", "2025-03-10", "2025-03-12", nil)
	require.NoError(t, err)
	require.Len(t, events, 2)

	_, err = s.FetchEvents("", "2025-03-12", "2025-03-10", nil)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = s.FetchEvents("", "", "", nil)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestFreeSlots(t *testing.T) {
	s := newTestStore(t)
	mustCreate := func(title, start, end string) {
		_, err := s.CreateEvent(CreateEventParams{Title: title, Start: start, End: end})
		require.NoError(t, err)
	}
	mustCreate("Standup", "2025-03-10T09:00:00", "2025-03-10T09:30:00")
	mustCreate("Sync", "2025-03-10T11:00:00", "2025-03-10T12:00:00")
	mustCreate("Overlap", "2025-03-10T11:30:00", "2025-03-10T12:30:00")

	slots, err := s.FreeSlots("2025-03-10", 60, "09:00", "18:00")
	require.NoError(t, err)
	require.Equal(t, []FreeSlot{
		{Start: "2025-03-10T09:30:00", End: "2025-03-10T11:00:00"},
		{Start: "2025-03-10T12:30:00", End: "2025-03-10T18:00:00"},
	}, slots)

	// Slots are disjoint, ordered, >= min_duration, inside the window,
	// and disjoint from every event.
	for i, sl := range slots {
		st, _ := time.Parse("2006-01-02T15:04:05", sl.Start)
		en, _ := time.Parse("2006-01-02T15:04:05", sl.End)
		require.True(t, en.Sub(st) >= 60*time.Minute)
		if i > 0 {
			prevEnd, _ := time.Parse("2006-01-02T15:04:05", slots[i-1].End)
			require.False(t, st.Before(prevEnd))
		}
	}
}

func TestFreeSlotsEmptyDay(t *testing.T) {
	s := newTestStore(t)
	slots, err := s.FreeSlots("2025-03-10", 30, "09:00", "10:00")
	require.NoError(t, err)
	require.Equal(t, []FreeSlot{{Start: "2025-03-10T09:00:00", End: "2025-03-10T10:00:00"}}, slots)

	_, err = s.FreeSlots("2025-03-10", 30, "12:00", "09:00")
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestRescheduleAndDelete(t *testing.T) {
	s := newTestStore(t)
	ev, err := s.CreateEvent(CreateEventParams{
		Title: "Sync", Start: "2025-03-10T14:00:00", End: "2025-03-10T15:00:00",
	})
	require.NoError(t, err)

	moved, err := s.RescheduleEvent(ev.ID, "2025-03-11T14:00:00", "2025-03-11T15:00:00", true)
	require.NoError(t, err)
	require.Equal(t, "2025-03-11T14:00:00", moved.Start)

	_, err = s.RescheduleEvent("missing", "2025-03-11T14:00:00", "2025-03-11T15:00:00", false)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteEvent(ev.ID, "cancelled"))
	require.ErrorIs(t, s.DeleteEvent(ev.ID, ""), ErrNotFound)
}

func TestShiftEventsBatch(t *testing.T) {
	s := newTestStore(t)
	for _, tt := range [][2]string{
		{"2025-03-10T09:00:00", "2025-03-10T09:30:00"},
		{"2025-03-10T14:00:00", "2025-03-10T15:30:00"},
	} {
		_, err := s.CreateEvent(CreateEventParams{Title: "Ev", Start: tt[0], End: tt[1]})
		require.NoError(t, err)
	}

	shifted, err := s.ShiftEventsBatch("2025-03-10", "2025-03-12")
	require.NoError(t, err)
	require.Len(t, shifted, 2)

	events, err := s.FetchEvents("2025-03-12", "", "", nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "2025-03-12T09:00:00", events[0].Start)
	require.Equal(t, "2025-03-12T09:30:00", events[0].End, "duration preserved")
}

func TestSummarizeDay(t *testing.T) {
	s := newTestStore(t)
	sum, err := s.SummarizeDay("2025-03-10")
	require.NoError(t, err)
	require.Contains(t, sum.Summary, "clear")

	_, err = s.CreateEvent(CreateEventParams{
		Title: "Retro", Start: "2025-03-10T15:30:00", End: "2025-03-10T16:30:00",
	})
	require.NoError(t, err)

	sum, err = s.SummarizeDay("2025-03-10")
	require.NoError(t, err)
	require.Contains(t, sum.Summary, "Retro (15:30–16:30)")
	require.Len(t, sum.Events, 1)
}

func TestFindEventByKeyword(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEvent(CreateEventParams{
		Title: "Client Sync", Start: "2025-03-04T10:00:00", End: "2025-03-04T11:00:00",
	})
	require.NoError(t, err)

	// Default range is the week around the store clock (Wed 2025-03-05).
	found, err := s.FindEventByKeyword("client", nil)
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = s.FindEventByKeyword("client", []string{"2025-03-10", "2025-03-14"})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestHoldingLifecycle(t *testing.T) {
	s := newTestStore(t)

	item, err := s.CreateHolding("Call plumber", "no date yet", "personal")
	require.NoError(t, err)

	items, err := s.ListHolding()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Call plumber", items[0].Title)

	// Held items never appear in ordinary fetches.
	events, err := s.FetchEvents("", "2025-03-01", "2025-03-31", nil)
	require.NoError(t, err)
	require.Empty(t, events)

	ev, err := s.PromoteHolding(item.ID, "2025-03-12T10:00:00", "2025-03-12T10:30:00", "Home", nil)
	require.NoError(t, err)
	require.Equal(t, item.ID, ev.ID, "identity preserved across promotion")

	// Promoted: gone from holding, visible on its date.
	items, err = s.ListHolding()
	require.NoError(t, err)
	require.Empty(t, items)

	events, err = s.FetchEvents("2025-03-12", "", "", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Call plumber", events[0].Title)

	// One-way transition: promoting again fails.
	_, err = s.PromoteHolding(item.ID, "2025-03-13T10:00:00", "2025-03-13T10:30:00", "", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMoveToHolding(t *testing.T) {
	s := newTestStore(t)
	ev, err := s.CreateEvent(CreateEventParams{
		Title: "Gym", Start: "2025-03-10T18:00:00", End: "2025-03-10T19:00:00",
	})
	require.NoError(t, err)

	require.NoError(t, s.MoveToHolding(ev.ID, "conflicts with dinner"))

	events, err := s.FetchEvents("2025-03-10", "", "", nil)
	require.NoError(t, err)
	require.Empty(t, events)

	items, err := s.ListHolding()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Contains(t, items[0].Notes, "conflicts with dinner")

	require.True(t, errors.Is(s.MoveToHolding("missing", ""), ErrNotFound))
}
