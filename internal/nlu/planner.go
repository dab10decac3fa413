package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chronoplan/internal/plan"
	"chronoplan/internal/router"
	"chronoplan/internal/timeparse"
)

// Planner turns user messages into structured plans and classifies
// follow-up replies against a staged plan.
type Planner struct {
	client Client
	logger *zap.Logger
	now    func() time.Time
}

// NewPlanner wires a Planner over a completion client. now is the
// reference clock for date resolution; nil means time.Now.
func NewPlanner(client Client, logger *zap.Logger, now func() time.Time) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Planner{client: client, logger: logger, now: now}
}

const plannerSystemPrompt = `You are the planning layer of a calendar assistant.
Given the user's message and conversation context, respond with a single JSON
object and nothing else:

{
  "reply_text": "what to say to the user",
  "internal_steps": ["short reasoning notes"],
  "required_actions": [{"type": "...", "parameters": {...}}],
  "proposed_writes": [{"type": "...", "parameters": {...}}],
  "confirmation_required": true|false
}

Read actions (required_actions): fetch_events, get_free_slots,
summarize_day, find_event_by_keyword, list_holding.
Write actions (proposed_writes): create_event, reschedule_event,
delete_event, block_time, shift_events_batch, create_holding,
move_to_holding, promote_holding.

Parameter names: create_event, block_time and promote_holding take
"start_time" and "end_time"; reschedule_event takes "new_start" and
"new_end"; get_free_slots takes "date" or "start_date"/"end_date" plus
optional "min_duration", "start_range", "end_range" (HH:MM).

Rules:
- Reads go in required_actions, writes in proposed_writes. Never mix.
- Any proposed write means confirmation_required must be true, and
  reply_text must describe the writes and ask the user to confirm.
- Use relative dates freely ("tomorrow", "next friday"); the system
  resolves them.
- When the user only asks a question, proposed_writes is empty and
  confirmation_required is false.`

// BuildPlan asks the model for a plan and repairs/validates its output.
// summary and focusContext are prior-conversation context; either may
// be empty.
func (p *Planner) BuildPlan(ctx context.Context, message, summary, focusContext string) (*plan.Plan, error) {
	ref := p.now()

	var b strings.Builder
	fmt.Fprintf(&b, "Current date and time: %s (%s)\n\n",
		ref.Format("Monday, 2006-01-02 15:04"), ref.Location())
	if summary != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", summary)
	}
	if focusContext != "" {
		fmt.Fprintf(&b, "Items currently under discussion:\n%s\n\n", focusContext)
	}
	fmt.Fprintf(&b, "User message: %s", message)

	raw, err := p.client.CompleteWithSystem(ctx, plannerSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("planner completion: %w", err)
	}

	pl, err := plan.ParsePlannerOutput(raw)
	if err != nil {
		p.logger.Warn("planner output unusable", zap.Error(err))
		return nil, err
	}

	pl.RequiredActions = expandFreeSlotRanges(pl.RequiredActions, ref)
	return pl, nil
}

const intentSystemPrompt = `You are the routing layer of a calendar assistant.
Decide how the user's message should be handled. Respond with a single JSON
object and nothing else:

{"intent": "calendar_query"|"calendar_write"|"smalltalk"|"out_of_scope",
 "in_scope": true|false, "needs_context": true|false,
 "reply": "only for smalltalk and out_of_scope: a short direct answer"}

- calendar_query / calendar_write: anything about the user's schedule,
  events, free time, or the holding list. in_scope is true.
- smalltalk: greetings, thanks, chit-chat. in_scope is true; fill reply.
- out_of_scope: requests unrelated to the calendar. in_scope is false;
  reply politely says what you can help with.
- needs_context is true when the message refers back to something
  discussed earlier ("move it", "those meetings").`

// Intent is the routing decision made before any planning happens.
type Intent struct {
	Intent       string `json:"intent"`
	InScope      bool   `json:"in_scope"`
	NeedsContext bool   `json:"needs_context"`
	Reply        string `json:"reply,omitempty"`
}

// Smalltalk reports whether the message should be answered directly,
// without building a plan.
func (i Intent) Smalltalk() bool {
	return i.Intent == "smalltalk" || !i.InScope
}

// Classify routes a message before planning: calendar requests go on to
// the planner, smalltalk and out-of-scope messages carry a ready reply.
func (p *Planner) Classify(ctx context.Context, message, convo string) (Intent, error) {
	var b strings.Builder
	if convo != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", convo)
	}
	fmt.Fprintf(&b, "User message: %s", message)

	raw, err := p.client.CompleteWithSystem(ctx, intentSystemPrompt, b.String())
	if err != nil {
		return Intent{}, fmt.Errorf("intent classification: %w", err)
	}

	block, err := plan.ExtractJSONBlock(raw)
	if err != nil {
		return Intent{}, fmt.Errorf("intent classification: %w", err)
	}
	var intent Intent
	if err := json.Unmarshal([]byte(block), &intent); err != nil {
		return Intent{}, fmt.Errorf("intent classification: %w", err)
	}
	return intent, nil
}

const classifySystemPrompt = `A calendar assistant proposed some changes and asked
the user to confirm. Classify the user's next message. Respond with a single
JSON object and nothing else:

{"follow_up": true|false, "decision": "confirm"|"cancel"|"modify"|"other",
 "confidence": 0.0-1.0, "reason": "short explanation"}

- "confirm": the user agrees to the proposed changes.
- "cancel": the user declines them.
- "modify": the user wants the proposal changed (different time, scope, ...).
- "other" with follow_up=false: the message is an unrelated new request.`

// ClassifyFollowUp implements router.Classifier.
func (p *Planner) ClassifyFollowUp(ctx context.Context, message string, pending *plan.Plan) (router.Classification, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Assistant's pending proposal: %s\n", pending.ReplyText)
	if len(pending.ProposedWrites) > 0 {
		writes, _ := json.Marshal(pending.ProposedWrites)
		fmt.Fprintf(&b, "Proposed writes: %s\n", writes)
	}
	fmt.Fprintf(&b, "User's reply: %s", message)

	raw, err := p.client.CompleteWithSystem(ctx, classifySystemPrompt, b.String())
	if err != nil {
		return router.Classification{}, fmt.Errorf("follow-up classification: %w", err)
	}

	block, err := plan.ExtractJSONBlock(raw)
	if err != nil {
		return router.Classification{}, fmt.Errorf("follow-up classification: %w", err)
	}
	var cls router.Classification
	if err := json.Unmarshal([]byte(block), &cls); err != nil {
		return router.Classification{}, fmt.Errorf("follow-up classification: %w", err)
	}
	return cls, nil
}

// Free-slot query defaults when the planner leaves them out.
const (
	defaultRangeStart  = "06:00"
	defaultRangeEnd    = "22:00"
	defaultMinDuration = 30
)

// expandFreeSlotRanges fans a get_free_slots action with a date range
// (or a week expression in "date") out into one action per day, filling
// in range and duration defaults. Single-date actions keep their shape
// but still get the defaults.
func expandFreeSlotRanges(actions []plan.Action, ref time.Time) []plan.Action {
	out := make([]plan.Action, 0, len(actions))
	for _, a := range actions {
		if a.Type != plan.ActionGetFreeSlots {
			out = append(out, a)
			continue
		}

		params := a.Parameters
		if params == nil {
			params = map[string]any{}
		}
		base := map[string]any{
			"start_range":  stringOr(params["start_range"], defaultRangeStart),
			"end_range":    stringOr(params["end_range"], defaultRangeEnd),
			"min_duration": params["min_duration"],
		}
		if base["min_duration"] == nil {
			base["min_duration"] = defaultMinDuration
		}

		start, okStart := params["start_date"].(string)
		end, okEnd := params["end_date"].(string)
		if !okStart || !okEnd {
			if d, ok := params["date"].(string); ok {
				if days, err := timeparse.ResolveWeek(d, ref); err == nil {
					for _, day := range days {
						one := cloneParams(base)
						one["date"] = day
						out = append(out, plan.Action{Type: plan.ActionGetFreeSlots, Parameters: one})
					}
					continue
				}
			}
			single := cloneParams(base)
			if d, ok := params["date"]; ok {
				single["date"] = d
			}
			out = append(out, plan.Action{Type: plan.ActionGetFreeSlots, Parameters: single})
			continue
		}

		fromStr, err1 := timeparse.ResolveDate(start, ref)
		toStr, err2 := timeparse.ResolveDate(end, ref)
		if err1 != nil || err2 != nil {
			out = append(out, a)
			continue
		}
		from, err1 := time.Parse(timeparse.DateLayout, fromStr)
		to, err2 := time.Parse(timeparse.DateLayout, toStr)
		if err1 != nil || err2 != nil || to.Before(from) {
			out = append(out, a)
			continue
		}
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			day := cloneParams(base)
			day["date"] = d.Format(timeparse.DateLayout)
			out = append(out, plan.Action{Type: plan.ActionGetFreeSlots, Parameters: day})
		}
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func cloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
