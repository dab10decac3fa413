package timeparse

import (
	"fmt"
	"strings"
	"time"
)

// Parameter keys that carry date-only values.
var dateKeys = map[string]bool{
	"date":        true,
	"start_date":  true,
	"end_date":    true,
	"source_date": true,
	"target_date": true,
}

// Parameter keys that carry datetime values.
var dateTimeKeys = map[string]bool{
	"start":      true,
	"end":        true,
	"start_time": true,
	"end_time":   true,
	"new_start":  true,
	"new_end":    true,
	"when":       true,
	"due_at":     true,
}

// Keys that carry HH:MM time windows (get_free_slots).
var timeOfDayKeys = map[string]bool{
	"start_range":  true,
	"end_range":    true,
	"window_start": true,
	"window_end":   true,
}

// looksLikeDateTime reports whether a string under a date key should be
// treated as a datetime anyway (contains a time-ish pattern).
func looksLikeDateTime(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.Contains(s, ":") {
		return true
	}
	for _, kw := range []string{" am", " pm", "at ", "noon", "midnight"} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// NormalizeParams resolves every relative date/time expression in an
// action's parameter map against now, recursing into nested maps and
// slices. It returns a normalized copy plus warnings for values it could
// not resolve; unresolvable values pass through untouched so the failing
// action can report precisely.
func NormalizeParams(params map[string]any, now time.Time) (map[string]any, []string) {
	if params == nil {
		return map[string]any{}, nil
	}

	norm := make(map[string]any, len(params))
	var warnings []string

	for k, v := range params {
		switch val := v.(type) {
		case map[string]any:
			sub, warns := NormalizeParams(val, now)
			norm[k] = sub
			warnings = append(warnings, warns...)
			continue
		case []any:
			list := make([]any, 0, len(val))
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					sub, warns := NormalizeParams(m, now)
					list = append(list, sub)
					warnings = append(warnings, warns...)
				} else {
					list = append(list, item)
				}
			}
			norm[k] = list
			continue
		}

		if timeOfDayKeys[k] {
			if s, ok := v.(string); ok {
				hm, err := ResolveTimeOfDay(s)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("could not parse %s %q: %v", k, s, err))
					norm[k] = v
				} else {
					norm[k] = hm
				}
				continue
			}
		}

		if k == "min_duration" {
			mins, err := ResolveDuration(v)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("could not parse min_duration %v: %v", v, err))
				norm[k] = v
			} else {
				norm[k] = mins
			}
			continue
		}

		if s, ok := v.(string); ok {
			raw := strings.TrimSpace(s)
			if dateTimeKeys[k] || (dateKeys[k] && looksLikeDateTime(raw)) {
				dt, err := ResolveDateTime(raw, now)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("unrecognized datetime for %s: %q", k, raw))
					norm[k] = v
				} else {
					norm[k] = dt
				}
				continue
			}
			if dateKeys[k] {
				d, err := ResolveDate(raw, now)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("unrecognized date for %s: %q", k, raw))
					norm[k] = v
				} else {
					norm[k] = d
				}
				continue
			}
		}

		norm[k] = v
	}

	return norm, warnings
}
