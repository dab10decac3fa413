// Package plan defines the canonical shape of a proposed unit of work: the
// read actions a turn needs, the write actions it may only apply after
// explicit confirmation, and the user-facing narrative around them.
package plan

import (
	"errors"
)

// Action is a single invocation of a read or write verb.
type Action struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// Plan is a proposed unit of work produced by the planner for one user
// turn. It is held unmodified in the session until confirmed or cancelled.
type Plan struct {
	ReplyText            string         `json:"reply_text"`
	InternalSteps        []string       `json:"internal_steps"`
	RequiredActions      []Action       `json:"required_actions"`
	ProposedWrites       []Action       `json:"proposed_writes"`
	ConfirmationRequired bool           `json:"confirmation_required"`
	Debug                map[string]any `json:"debug"`
}

// Read action verbs.
const (
	ActionFetchEvents        = "fetch_events"
	ActionGetFreeSlots       = "get_free_slots"
	ActionSummarizeDay       = "summarize_day"
	ActionFindEventByKeyword = "find_event_by_keyword"
	ActionListHolding        = "list_holding"
)

// Write action verbs.
const (
	ActionCreateEvent      = "create_event"
	ActionRescheduleEvent  = "reschedule_event"
	ActionDeleteEvent      = "delete_event"
	ActionBlockTime        = "block_time"
	ActionShiftEventsBatch = "shift_events_batch"
	ActionCreateHolding    = "create_holding"
	ActionMoveToHolding    = "move_to_holding"
	ActionPromoteHolding   = "promote_holding"
)

var readActions = map[string]bool{
	ActionFetchEvents:        true,
	ActionGetFreeSlots:       true,
	ActionSummarizeDay:       true,
	ActionFindEventByKeyword: true,
	ActionListHolding:        true,
}

var writeActions = map[string]bool{
	ActionCreateEvent:      true,
	ActionRescheduleEvent:  true,
	ActionDeleteEvent:      true,
	ActionBlockTime:        true,
	ActionShiftEventsBatch: true,
	ActionCreateHolding:    true,
	ActionMoveToHolding:    true,
	ActionPromoteHolding:   true,
}

// ErrActionTypeMismatch marks a write verb placed among reads or vice versa.
var ErrActionTypeMismatch = errors.New("action type not allowed in this slot")

// IsRead reports whether t belongs to the read taxonomy.
func IsRead(t string) bool { return readActions[t] }

// IsWrite reports whether t belongs to the write taxonomy.
func IsWrite(t string) bool { return writeActions[t] }

// IsKnown reports whether t is any recognized verb.
func IsKnown(t string) bool { return readActions[t] || writeActions[t] }

// HasWrites reports whether the plan proposes any mutation.
func (p *Plan) HasWrites() bool { return len(p.ProposedWrites) > 0 }

// Fallback returns a safe plan with no actions carrying a clarification
// request. Used when planner output cannot be repaired: failures degrade
// to asking, never to a guessed action.
func Fallback(clarification string) *Plan {
	if clarification == "" {
		clarification = "I didn't quite catch that. Could you rephrase your request?"
	}
	return &Plan{
		ReplyText: clarification,
		Debug:     map[string]any{"fallback": true},
	}
}
