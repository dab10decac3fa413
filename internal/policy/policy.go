// Package policy evaluates declarative rules over proposed calendar
// writes. Policies can allow, warn on, require confirmation for, or block
// an action; when several match, conflict resolution is a deterministic
// reduction over their strengths.
package policy

// Strength is policy severity. Conflicts resolve by strength first;
// Priority only breaks ties among policies of equal strength.
type Strength string

const (
	StrengthHard Strength = "hard" // blocks the action
	StrengthAsk  Strength = "ask"  // requires confirmation
	StrengthWarn Strength = "warn" // annotates, still executable
	StrengthSoft Strength = "soft" // advisory, allows
)

// Decision is the outcome of simulating policies against an action.
type Decision string

const (
	DecisionBlock Decision = "block"
	DecisionAsk   Decision = "ask"
	DecisionWarn  Decision = "warn"
	DecisionAllow Decision = "allow"
)

// decisionRank orders decisions: block > ask > warn > allow.
var decisionRank = map[Decision]int{
	DecisionBlock: 3,
	DecisionAsk:   2,
	DecisionWarn:  1,
	DecisionAllow: 0,
}

// DecisionOf maps a policy's strength to the decision it forces.
func DecisionOf(s Strength) Decision {
	switch s {
	case StrengthHard:
		return DecisionBlock
	case StrengthAsk:
		return DecisionAsk
	case StrengthWarn:
		return DecisionWarn
	default:
		return DecisionAllow
	}
}

// Stronger reports whether a outranks b.
func Stronger(a, b Decision) bool {
	return decisionRank[a] > decisionRank[b]
}

// Scope limits which actions a policy covers. Global applies everywhere;
// otherwise Tags match the action's layer and Entities match attendees or
// words of the title.
type Scope struct {
	Global   bool     `json:"global"`
	Tags     []string `json:"tags,omitempty"`
	Entities []string `json:"entities,omitempty"`
}

// Timeframe kinds, from always-on down to a daily time window.
const (
	TimeframeOngoing         = "ongoing"
	TimeframeDateRange       = "date_range"
	TimeframeWeekdayWindow   = "weekday_window"
	TimeframeTimeOfDayWindow = "timeofday_window"
)

// Timeframe restricts when a policy applies. Value is kind-specific:
// date_range {"start","end"} ISO dates; weekday_window {"days":[...]}
// lowercase weekday names; timeofday_window {"start","end"} HH:MM.
type Timeframe struct {
	Kind  string         `json:"kind"`
	Value map[string]any `json:"value,omitempty"`
}

// Policy statuses.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// Policy is the canonical stored rule shape.
type Policy struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Strength   Strength       `json:"strength"`
	Scope      Scope          `json:"scope"`
	Timeframe  Timeframe      `json:"timeframe"`
	Targets    []string       `json:"targets"`
	Conditions map[string]any `json:"conditions,omitempty"`
	Priority   int            `json:"priority"` // lower = stronger within equal strength
	Status     string         `json:"status"`
	Rationale  string         `json:"rationale,omitempty"`
	Version    int            `json:"version"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// Enabled reports whether the policy participates in simulation.
func (p *Policy) Enabled() bool {
	return p.Status == "" || p.Status == StatusEnabled
}

// MatchedPolicy records why a policy matched, for the explanation.
type MatchedPolicy struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Strength Strength `json:"strength"`
	Priority int      `json:"priority"`
	Reason   string   `json:"reason"`
}

// Result is the outcome of Simulate for one action.
type Result struct {
	Decision    Decision        `json:"decision"`
	Matched     []MatchedPolicy `json:"matched"`
	Explanation string          `json:"explanation"`
}
