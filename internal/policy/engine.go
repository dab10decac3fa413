package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chronoplan/internal/plan"
	"chronoplan/internal/timeparse"
)

// Simulate decides the effect of the given policies on one proposed write.
// Matching filters to enabled policies whose targets, scope, timeframe and
// conditions all apply; the final decision is the strongest among matches.
// With no matching policies the action is allowed.
func Simulate(action plan.Action, policies []Policy) Result {
	matched := make([]MatchedPolicy, 0)
	decision := DecisionAllow
	var matchedFull []Policy

	for i := range policies {
		p := &policies[i]
		reason, ok := matches(p, action)
		if !ok {
			continue
		}
		matched = append(matched, MatchedPolicy{
			ID:       p.ID,
			Name:     p.Name,
			Strength: p.Strength,
			Priority: p.Priority,
			Reason:   reason,
		})
		matchedFull = append(matchedFull, *p)
		if d := DecisionOf(p.Strength); Stronger(d, decision) {
			decision = d
		}
	}

	explanation := "No policies matched; action allowed."
	if len(matchedFull) > 0 {
		lead := surfaced(matchedFull, decision)
		explanation = fmt.Sprintf("%s (%s): %s", lead.Name, lead.Strength, rationaleOf(lead))
	}

	return Result{Decision: decision, Matched: matched, Explanation: explanation}
}

func rationaleOf(p Policy) string {
	if p.Rationale != "" {
		return p.Rationale
	}
	return "matched " + strings.Join(p.Targets, ", ")
}

// surfaced picks which matched policy's rationale to show: among policies
// forcing the winning decision, lowest numeric priority wins; remaining
// ties resolve by scope specificity (entities > tags > global), then
// timeframe specificity (timeofday > weekday > date_range > ongoing),
// then longer date range, then policy ID. The order is total, so the
// outcome never depends on iteration order.
func surfaced(matched []Policy, decision Decision) Policy {
	winning := make([]Policy, 0, len(matched))
	for _, p := range matched {
		if DecisionOf(p.Strength) == decision {
			winning = append(winning, p)
		}
	}
	if len(winning) == 0 {
		winning = matched
	}
	sort.Slice(winning, func(i, j int) bool {
		a, b := winning[i], winning[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if sa, sb := scopeSpecificity(a.Scope), scopeSpecificity(b.Scope); sa != sb {
			return sa > sb
		}
		if ta, tb := timeframeSpecificity(a.Timeframe), timeframeSpecificity(b.Timeframe); ta != tb {
			return ta > tb
		}
		if da, db := rangeLength(a.Timeframe), rangeLength(b.Timeframe); da != db {
			return da > db // longer blocked window subsumes a shorter one
		}
		return a.ID < b.ID
	})
	return winning[0]
}

func scopeSpecificity(s Scope) int {
	switch {
	case len(s.Entities) > 0:
		return 3
	case len(s.Tags) > 0:
		return 2
	default:
		return 1
	}
}

func timeframeSpecificity(tf Timeframe) int {
	switch tf.Kind {
	case TimeframeTimeOfDayWindow:
		return 4
	case TimeframeWeekdayWindow:
		return 3
	case TimeframeDateRange:
		return 2
	default:
		return 1
	}
}

func rangeLength(tf Timeframe) int {
	if tf.Kind != TimeframeDateRange {
		return 0
	}
	start, _ := tf.Value["start"].(string)
	end, _ := tf.Value["end"].(string)
	st, err1 := time.Parse(timeparse.DateLayout, start)
	en, err2 := time.Parse(timeparse.DateLayout, end)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(en.Sub(st).Hours() / 24)
}

// matches checks enabled status, targets, scope, timeframe and conditions.
func matches(p *Policy, action plan.Action) (string, bool) {
	if !p.Enabled() {
		return "", false
	}
	if !containsString(p.Targets, action.Type) {
		return "", false
	}
	if !scopeApplies(p.Scope, action) {
		return "", false
	}
	if !timeframeApplies(p.Timeframe, action) {
		return "", false
	}
	if !conditionsHold(p.Conditions, action.Parameters) {
		return "", false
	}
	return fmt.Sprintf("targets %s within scope/timeframe", action.Type), true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func scopeApplies(s Scope, action plan.Action) bool {
	if s.Global {
		return true
	}
	layer, _ := action.Parameters["layer"].(string)
	for _, tag := range s.Tags {
		if strings.EqualFold(tag, layer) {
			return true
		}
	}
	if len(s.Entities) > 0 {
		title, _ := action.Parameters["title"].(string)
		lowTitle := strings.ToLower(title)
		var attendees []string
		if raw, ok := action.Parameters["attendees"].([]any); ok {
			for _, a := range raw {
				if str, ok := a.(string); ok {
					attendees = append(attendees, strings.ToLower(str))
				}
			}
		}
		for _, ent := range s.Entities {
			e := strings.ToLower(ent)
			if lowTitle != "" && strings.Contains(lowTitle, e) {
				return true
			}
			for _, a := range attendees {
				if strings.Contains(a, e) {
					return true
				}
			}
		}
	}
	return false
}

// actionDate extracts the target date of the write, if any.
func actionDate(params map[string]any) (string, bool) {
	for _, k := range []string{"start_time", "start", "new_start", "date", "target_date", "source_date"} {
		if v, ok := params[k].(string); ok && v != "" {
			return strings.SplitN(v, "T", 2)[0], true
		}
	}
	return "", false
}

// actionClock extracts the target time-of-day, if any.
func actionClock(params map[string]any) (string, bool) {
	for _, k := range []string{"start_time", "start", "new_start"} {
		if v, ok := params[k].(string); ok {
			if i := strings.IndexByte(v, 'T'); i >= 0 && len(v) >= i+6 {
				return v[i+1 : i+6], true
			}
		}
	}
	return "", false
}

func timeframeApplies(tf Timeframe, action plan.Action) bool {
	switch tf.Kind {
	case "", TimeframeOngoing:
		return true

	case TimeframeDateRange:
		date, ok := actionDate(action.Parameters)
		if !ok {
			// Dateless writes (create_holding) fall outside dated windows.
			return false
		}
		start, _ := tf.Value["start"].(string)
		end, _ := tf.Value["end"].(string)
		return (start == "" || date >= start) && (end == "" || date <= end)

	case TimeframeWeekdayWindow:
		date, ok := actionDate(action.Parameters)
		if !ok {
			return false
		}
		t, err := time.Parse(timeparse.DateLayout, date)
		if err != nil {
			return false
		}
		day := strings.ToLower(t.Weekday().String())
		if raw, ok := tf.Value["days"].([]any); ok {
			for _, d := range raw {
				if s, ok := d.(string); ok && strings.EqualFold(s, day) {
					return true
				}
			}
		}
		if raw, ok := tf.Value["days"].([]string); ok {
			for _, s := range raw {
				if strings.EqualFold(s, day) {
					return true
				}
			}
		}
		return false

	case TimeframeTimeOfDayWindow:
		clock, ok := actionClock(action.Parameters)
		if !ok {
			return false
		}
		start, _ := tf.Value["start"].(string)
		end, _ := tf.Value["end"].(string)
		return (start == "" || clock >= start) && (end == "" || clock < end)

	default:
		return false
	}
}

// conditionsHold checks each condition key for equality against the
// action's parameters. A condition on a parameter the action does not
// carry fails the match.
func conditionsHold(conds map[string]any, params map[string]any) bool {
	for k, want := range conds {
		got, ok := params[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// FilterResult is the outcome of running every proposed write through
// simulation.
type FilterResult struct {
	// Executable holds the writes that survived (blocked items removed),
	// in their original order.
	Executable []plan.Action
	// PerItem pairs each input write with its simulation result.
	PerItem []ItemResult
	// ConfirmationMessage consolidates the annotations for the user.
	ConfirmationMessage string
}

// ItemResult is one write's simulation outcome.
type ItemResult struct {
	Action plan.Action `json:"action"`
	Result Result      `json:"result"`
}

// FilterWrites simulates each proposed write. Blocked items are removed
// from the executable set; ask/warn items remain executable but annotate
// the consolidated confirmation message.
func FilterWrites(writes []plan.Action, policies []Policy) FilterResult {
	out := FilterResult{Executable: make([]plan.Action, 0, len(writes))}
	var hadBlock, hadAsk, hadWarn bool

	for _, w := range writes {
		res := Simulate(w, policies)
		out.PerItem = append(out.PerItem, ItemResult{Action: w, Result: res})
		switch res.Decision {
		case DecisionBlock:
			hadBlock = true
		case DecisionAsk:
			hadAsk = true
			out.Executable = append(out.Executable, w)
		case DecisionWarn:
			hadWarn = true
			out.Executable = append(out.Executable, w)
		default:
			out.Executable = append(out.Executable, w)
		}
	}

	var bits []string
	if hadBlock {
		bits = append(bits, "Some items were blocked by your policies.")
	}
	if hadAsk {
		bits = append(bits, "Some items need your confirmation due to policy.")
	}
	if hadWarn {
		bits = append(bits, "Some items include warnings.")
	}
	out.ConfirmationMessage = strings.Join(bits, " ")
	if out.ConfirmationMessage == "" {
		out.ConfirmationMessage = "Please confirm these changes."
	}
	return out
}

// Annotated reports whether any write drew a decision other than allow,
// meaning the confirmation message carries real policy content.
func (f FilterResult) Annotated() bool {
	for _, item := range f.PerItem {
		if item.Result.Decision != DecisionAllow {
			return true
		}
	}
	return false
}

// NewWriteFilter adapts a policy source into the engine's write-filter
// shape: the surviving writes plus a note, empty when no policy fired.
func NewWriteFilter(enabled func() []Policy) func([]plan.Action) ([]plan.Action, string) {
	return func(writes []plan.Action) ([]plan.Action, string) {
		f := FilterWrites(writes, enabled())
		note := ""
		if f.Annotated() {
			note = f.ConfirmationMessage
		}
		return f.Executable, note
	}
}
