package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedPlannerOutput is returned when planner output is not valid
// JSON and the bounded repair pass could not fix it, or when required
// fields are missing after parsing.
var ErrMalformedPlannerOutput = errors.New("malformed planner output")

var (
	fencedJSONRe  = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	bareObjectRe  = regexp.MustCompile(`(?s)\{.*\}`)
	unquotedValRe = regexp.MustCompile(`("(?:intent|decision)":\s*)([A-Za-z_]+)`)
)

// ExtractJSONBlock pulls a JSON object out of raw model output,
// preferring a ```json fenced block over the first {...} span.
func ExtractJSONBlock(text string) (string, error) {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	if m := bareObjectRe.FindString(text); m != "" {
		return m, nil
	}
	return "", fmt.Errorf("%w: no JSON object found", ErrMalformedPlannerOutput)
}

// repair applies the bounded fixes for drifts the planner is known to
// produce: unquoted enum values and trailing commas. Anything beyond
// these is treated as malformed rather than guessed at.
func repair(raw string) string {
	fixed := unquotedValRe.ReplaceAllString(raw, `$1"$2"`)
	fixed = strings.ReplaceAll(fixed, ",\n}", "\n}")
	fixed = strings.ReplaceAll(fixed, ",}", "}")
	fixed = strings.ReplaceAll(fixed, ",]", "]")
	return fixed
}

// ParsePlannerOutput parses raw planner text into a Plan. Missing optional
// lists default to empty; a plan proposing writes always requires
// confirmation regardless of what the planner claimed.
func ParsePlannerOutput(raw string) (*Plan, error) {
	block, err := ExtractJSONBlock(raw)
	if err != nil {
		return nil, err
	}

	var p Plan
	if err := json.Unmarshal([]byte(block), &p); err != nil {
		if err2 := json.Unmarshal([]byte(repair(block)), &p); err2 != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPlannerOutput, err)
		}
	}

	if p.ReplyText == "" {
		return nil, fmt.Errorf("%w: missing reply_text", ErrMalformedPlannerOutput)
	}
	if p.RequiredActions == nil {
		p.RequiredActions = []Action{}
	}
	if p.ProposedWrites == nil {
		p.ProposedWrites = []Action{}
	}
	if p.Debug == nil {
		p.Debug = map[string]any{}
	}
	for _, a := range append(append([]Action{}, p.RequiredActions...), p.ProposedWrites...) {
		if a.Type == "" {
			return nil, fmt.Errorf("%w: action without type", ErrMalformedPlannerOutput)
		}
	}
	if len(p.ProposedWrites) > 0 {
		p.ConfirmationRequired = true
	}
	return &p, nil
}
