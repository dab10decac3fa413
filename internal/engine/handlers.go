package engine

import (
	"context"
	"errors"
	"fmt"

	"chronoplan/internal/calendar"
	"chronoplan/internal/plan"
	"chronoplan/internal/session"
)

// ErrMissingParameter is returned when a required action parameter is
// absent or empty.
var ErrMissingParameter = errors.New("missing parameter")

// NewCalendarRegistry wires every action type to the calendar store.
func NewCalendarRegistry(store *calendar.Store) *Registry {
	r := NewRegistry()

	r.MustRegister(plan.ActionFetchEvents, Handler{Kind: KindRead, Func: func(_ context.Context, p map[string]any) (Output, error) {
		var filters *calendar.Filters
		if q := str(p, "query"); q != "" {
			filters = &calendar.Filters{Query: q}
		}
		events, err := store.FetchEvents(str(p, "date"), str(p, "start_date"), str(p, "end_date"), filters)
		if err != nil {
			return Output{}, err
		}
		return Output{
			Data:  events,
			Focus: session.FocusSet{Events: events, Date: str(p, "date")},
		}, nil
	}})

	r.MustRegister(plan.ActionGetFreeSlots, Handler{Kind: KindRead, Func: func(_ context.Context, p map[string]any) (Output, error) {
		date, err := need(p, "date")
		if err != nil {
			return Output{}, err
		}
		slots, err := store.FreeSlots(date, intOr(p, "min_duration", 30), str(p, "start_range", "window_start"), str(p, "end_range", "window_end"))
		if err != nil {
			return Output{}, err
		}
		result := session.FreeSlotResult{Date: date, Slots: slots}
		return Output{
			Data:  result,
			Focus: session.FocusSet{FreeSlots: []session.FreeSlotResult{result}, Date: date},
		}, nil
	}})

	r.MustRegister(plan.ActionSummarizeDay, Handler{Kind: KindRead, Func: func(_ context.Context, p map[string]any) (Output, error) {
		date, err := need(p, "date")
		if err != nil {
			return Output{}, err
		}
		summary, err := store.SummarizeDay(date)
		if err != nil {
			return Output{}, err
		}
		return Output{
			Data:  summary,
			Focus: session.FocusSet{Summary: summary, Date: date},
		}, nil
	}})

	r.MustRegister(plan.ActionFindEventByKeyword, Handler{Kind: KindRead, Func: func(_ context.Context, p map[string]any) (Output, error) {
		query, err := need(p, "query")
		if err != nil {
			return Output{}, err
		}
		var dateRange []string
		if s, e := str(p, "start_date"), str(p, "end_date"); s != "" && e != "" {
			dateRange = []string{s, e}
		}
		events, err := store.FindEventByKeyword(query, dateRange)
		if err != nil {
			return Output{}, err
		}
		search := session.SearchResult{Query: query, Events: events}
		return Output{
			Data:  search,
			Focus: session.FocusSet{Events: events, Searches: []session.SearchResult{search}},
		}, nil
	}})

	r.MustRegister(plan.ActionListHolding, Handler{Kind: KindRead, Func: func(_ context.Context, p map[string]any) (Output, error) {
		items, err := store.ListHolding()
		if err != nil {
			return Output{}, err
		}
		return Output{Data: items}, nil
	}})

	r.MustRegister(plan.ActionCreateEvent, Handler{Kind: KindWrite, Func: func(_ context.Context, p map[string]any) (Output, error) {
		title, err := need(p, "title")
		if err != nil {
			return Output{}, err
		}
		start, err := need(p, "start_time", "start")
		if err != nil {
			return Output{}, err
		}
		end, err := need(p, "end_time", "end")
		if err != nil {
			return Output{}, err
		}
		ev, err := store.CreateEvent(calendar.CreateEventParams{
			Title:       title,
			Start:       start,
			End:         end,
			Attendees:   strSlice(p, "attendees"),
			Location:    str(p, "location"),
			Description: str(p, "description"),
			Layer:       str(p, "layer"),
		})
		if err != nil {
			return Output{}, err
		}
		return Output{Data: ev, Focus: session.FocusSet{Events: []calendar.Event{*ev}}}, nil
	}})

	r.MustRegister(plan.ActionRescheduleEvent, Handler{Kind: KindWrite, Func: func(_ context.Context, p map[string]any) (Output, error) {
		id, err := need(p, "event_id")
		if err != nil {
			return Output{}, err
		}
		start, err := need(p, "new_start")
		if err != nil {
			return Output{}, err
		}
		end, err := need(p, "new_end")
		if err != nil {
			return Output{}, err
		}
		ev, err := store.RescheduleEvent(id, start, end, boolOr(p, "notify_attendees", false))
		if err != nil {
			return Output{}, err
		}
		return Output{Data: ev, Focus: session.FocusSet{Events: []calendar.Event{*ev}}}, nil
	}})

	r.MustRegister(plan.ActionDeleteEvent, Handler{Kind: KindWrite, Func: func(_ context.Context, p map[string]any) (Output, error) {
		id, err := need(p, "event_id")
		if err != nil {
			return Output{}, err
		}
		if err := store.DeleteEvent(id, str(p, "reason")); err != nil {
			return Output{}, err
		}
		return Output{Data: map[string]any{"deleted": id}}, nil
	}})

	r.MustRegister(plan.ActionBlockTime, Handler{Kind: KindWrite, Func: func(_ context.Context, p map[string]any) (Output, error) {
		start, err := need(p, "start_time", "start")
		if err != nil {
			return Output{}, err
		}
		end, err := need(p, "end_time", "end")
		if err != nil {
			return Output{}, err
		}
		ev, err := store.BlockTime(start, end, str(p, "reason"))
		if err != nil {
			return Output{}, err
		}
		return Output{Data: ev, Focus: session.FocusSet{Events: []calendar.Event{*ev}}}, nil
	}})

	r.MustRegister(plan.ActionShiftEventsBatch, Handler{Kind: KindWrite, Func: func(_ context.Context, p map[string]any) (Output, error) {
		source, err := need(p, "source_date")
		if err != nil {
			return Output{}, err
		}
		target, err := need(p, "target_date")
		if err != nil {
			return Output{}, err
		}
		moved, err := store.ShiftEventsBatch(source, target)
		if err != nil {
			return Output{}, err
		}
		return Output{Data: map[string]any{"moved_event_ids": moved, "target_date": target}}, nil
	}})

	r.MustRegister(plan.ActionCreateHolding, Handler{Kind: KindWrite, Func: func(_ context.Context, p map[string]any) (Output, error) {
		title, err := need(p, "title")
		if err != nil {
			return Output{}, err
		}
		item, err := store.CreateHolding(title, str(p, "notes"), str(p, "layer"))
		if err != nil {
			return Output{}, err
		}
		return Output{Data: item}, nil
	}})

	r.MustRegister(plan.ActionMoveToHolding, Handler{Kind: KindWrite, Func: func(_ context.Context, p map[string]any) (Output, error) {
		id, err := need(p, "event_id")
		if err != nil {
			return Output{}, err
		}
		if err := store.MoveToHolding(id, str(p, "reason")); err != nil {
			return Output{}, err
		}
		return Output{Data: map[string]any{"held": id}}, nil
	}})

	r.MustRegister(plan.ActionPromoteHolding, Handler{Kind: KindWrite, Func: func(_ context.Context, p map[string]any) (Output, error) {
		id, err := need(p, "item_id")
		if err != nil {
			return Output{}, err
		}
		start, err := need(p, "start_time", "start")
		if err != nil {
			return Output{}, err
		}
		end, err := need(p, "end_time", "end")
		if err != nil {
			return Output{}, err
		}
		ev, err := store.PromoteHolding(id, start, end, str(p, "location"), strSlice(p, "attendees"))
		if err != nil {
			return Output{}, err
		}
		return Output{Data: ev, Focus: session.FocusSet{Events: []calendar.Event{*ev}}}, nil
	}})

	return r
}

// str reads the first non-empty string among key and its aliases.
func str(p map[string]any, key string, aliases ...string) string {
	if s, _ := p[key].(string); s != "" {
		return s
	}
	for _, alias := range aliases {
		if s, _ := p[alias].(string); s != "" {
			return s
		}
	}
	return ""
}

func need(p map[string]any, key string, aliases ...string) (string, error) {
	s := str(p, key, aliases...)
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	return s, nil
}

func intOr(p map[string]any, key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func boolOr(p map[string]any, key string, fallback bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return fallback
}

func strSlice(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
