// Package timeparse resolves relative date and time expressions against a
// caller-supplied reference clock. Resolution is deterministic and happens
// exactly once, at the orchestration boundary: downstream execution only
// ever sees absolute ISO values.
package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DateLayout is the wire format for date-only fields.
	DateLayout = "2006-01-02"

	// DateTimeLayout is the wire format for datetime fields, always with seconds.
	DateTimeLayout = "2006-01-02T15:04:05"

	dateTimeNoSeconds = "2006-01-02T15:04"
)

var (
	// ErrUnresolvedExpression is returned when no resolution rule matches.
	// Callers must surface this as a need for clarification, never guess.
	ErrUnresolvedExpression = errors.New("unresolved date/time expression")

	// ErrInvalidDuration is returned for durations that cannot be
	// normalized to integer minutes.
	ErrInvalidDuration = errors.New("invalid duration")
)

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

var (
	timeOnlyRe     = regexp.MustCompile(`(?i)^\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\s*$`)
	dateThenTimeRe = regexp.MustCompile(`^(.+?)\s+(\d{1,2}:\d{2})$`)
)

// ResolveDate resolves a free-form date expression to YYYY-MM-DD.
// Recognized forms: today, tomorrow, yesterday, weekday names with an
// optional "this "/"next " prefix, and ISO dates (pass-through).
func ResolveDate(expr string, now time.Time) (string, error) {
	s := strings.ToLower(strings.TrimSpace(expr))

	switch s {
	case "today":
		return now.Format(DateLayout), nil
	case "tomorrow":
		return now.AddDate(0, 0, 1).Format(DateLayout), nil
	case "yesterday":
		return now.AddDate(0, 0, -1).Format(DateLayout), nil
	}

	if d, ok := resolveWeekday(s, now); ok {
		return d, nil
	}

	if _, err := time.Parse(DateLayout, s); err == nil {
		return s, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnresolvedExpression, expr)
}

// resolveWeekday handles "friday", "this friday", "next friday".
// "this"/bare weekday means the next occurrence counting today;
// "next" always lands in the following week.
func resolveWeekday(s string, now time.Time) (string, bool) {
	next := false
	name := s
	if rest, ok := strings.CutPrefix(s, "this "); ok {
		name = rest
	} else if rest, ok := strings.CutPrefix(s, "next "); ok {
		name = rest
		next = true
	}
	dow, ok := weekdays[name]
	if !ok {
		return "", false
	}
	delta := (int(dow) - int(now.Weekday()) + 7) % 7
	if next {
		delta += 7
	}
	return now.AddDate(0, 0, delta).Format(DateLayout), true
}

// ResolveDateTime resolves a free-form datetime expression to
// YYYY-MM-DDTHH:MM:SS. Accepts ISO datetimes (normalized to include
// seconds, trailing Z stripped), "<date phrase> HH:MM",
// "YYYY-MM-DD HH:MM", and bare date phrases (midnight).
func ResolveDateTime(expr string, now time.Time) (string, error) {
	s := strings.TrimSpace(expr)

	if m := dateThenTimeRe.FindStringSubmatch(s); m != nil {
		if ymd, err := ResolveDate(m[1], now); err == nil {
			hm, err := ResolveTimeOfDay(m[2])
			if err == nil {
				return ymd + "T" + hm + ":00", nil
			}
		}
	}

	iso := strings.TrimSuffix(s, "Z")
	if norm, err := EnsureSeconds(iso); err == nil {
		return norm, nil
	}

	if ymd, err := ResolveDate(s, now); err == nil {
		return ymd + "T00:00:00", nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnresolvedExpression, expr)
}

// ResolveTimeOfDay normalizes a time-of-day value to 24h "HH:MM".
// Accepts "19:00", "7pm", "7 pm", "07:30pm", ISO datetimes, and
// "YYYY-MM-DD HH:MM".
func ResolveTimeOfDay(expr string) (string, error) {
	s := strings.TrimSpace(expr)

	if t, err := time.Parse(DateTimeLayout, strings.TrimSuffix(s, "Z")); err == nil {
		return t.Format("15:04"), nil
	}
	if t, err := time.Parse(dateTimeNoSeconds, strings.TrimSuffix(s, "Z")); err == nil {
		return t.Format("15:04"), nil
	}
	if t, err := time.Parse("2006-01-02 15:04", s); err == nil {
		return t.Format("15:04"), nil
	}

	if m := timeOnlyRe.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm := 0
		if m[2] != "" {
			mm, _ = strconv.Atoi(m[2])
		}
		switch strings.ToLower(m[3]) {
		case "pm":
			if hh != 12 {
				hh += 12
			}
		case "am":
			if hh == 12 {
				hh = 0
			}
		}
		if hh > 23 || mm > 59 {
			return "", fmt.Errorf("%w: %q", ErrUnresolvedExpression, expr)
		}
		return fmt.Sprintf("%02d:%02d", hh, mm), nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnresolvedExpression, expr)
}

// ResolveDuration normalizes a duration value to integer minutes.
// Accepts int, a digit string, "Nm", "Nh", and "H:MM".
func ResolveDuration(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		// JSON numbers decode as float64.
		if n == float64(int(n)) {
			return int(n), nil
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, v)
	}

	s := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
	switch {
	case s == "":
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	case strings.Contains(s, ":"):
		parts := strings.SplitN(s, ":", 2)
		hh, err1 := strconv.Atoi(parts[0])
		mm, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || mm < 0 || mm > 59 || hh < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		return hh*60 + mm, nil
	case strings.HasSuffix(s, "h"):
		hh, err := strconv.Atoi(strings.TrimSuffix(s, "h"))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		return hh * 60, nil
	case strings.HasSuffix(s, "m"):
		mm, err := strconv.Atoi(strings.TrimSuffix(s, "m"))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		return mm, nil
	default:
		mm, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		return mm, nil
	}
}

// EnsureSeconds normalizes an ISO datetime to always carry seconds.
func EnsureSeconds(isoDT string) (string, error) {
	if isoDT == "" {
		return "", nil
	}
	if _, err := time.Parse(DateTimeLayout, isoDT); err == nil {
		return isoDT, nil
	}
	t, err := time.Parse(dateTimeNoSeconds, isoDT)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnresolvedExpression, isoDT)
	}
	return t.Format(DateTimeLayout), nil
}

// ResolveWeek expands a week expression into its seven ISO dates,
// Monday first. Recognized: "this week", "current week", "next week",
// "week of YYYY-MM-DD".
func ResolveWeek(expr string, now time.Time) ([]string, error) {
	s := strings.ToLower(strings.TrimSpace(expr))

	switch s {
	case "this week", "current week":
		return WeekDates(now), nil
	case "next week":
		return WeekDates(now.AddDate(0, 0, 7)), nil
	}

	if anchor, ok := strings.CutPrefix(s, "week of "); ok {
		t, err := time.Parse(DateLayout, strings.TrimSpace(anchor))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnresolvedExpression, expr)
		}
		return WeekDates(t), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnresolvedExpression, expr)
}

// WeekDates returns the Monday-based week containing t as seven ISO dates.
func WeekDates(t time.Time) []string {
	delta := (int(t.Weekday()) - int(time.Monday) + 7) % 7
	start := t.AddDate(0, 0, -delta)
	out := make([]string, 7)
	for i := range out {
		out[i] = start.AddDate(0, 0, i).Format(DateLayout)
	}
	return out
}
