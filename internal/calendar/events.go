package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronoplan/internal/timeparse"
)

// Filters narrows FetchEvents results. Only Query is supported today.
type Filters struct {
	Query string `json:"query,omitempty"`
}

// FetchEvents returns scheduled events for a single date or an inclusive
// date range, sorted by start time. Holding items never appear here.
func (s *Store) FetchEvents(date, startDate, endDate string, filters *Filters) ([]Event, error) {
	days, err := expandDays(date, startDate, endDate)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		"SELECT "+eventColumns+" FROM events WHERE status != ? AND start_at IS NOT NULL ORDER BY start_at",
		StatusHolding)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	daySet := make(map[string]bool, len(days))
	for _, d := range days {
		daySet[d] = true
	}

	out := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if ev.Status == StatusHolding || ev.Start == "" {
			continue
		}
		if !daySet[strings.SplitN(ev.Start, "T", 2)[0]] {
			continue
		}
		if filters != nil && filters.Query != "" &&
			!strings.Contains(strings.ToLower(ev.Title), strings.ToLower(filters.Query)) {
			continue
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func expandDays(date, startDate, endDate string) ([]string, error) {
	if date != "" {
		return []string{date}, nil
	}
	if startDate == "" || endDate == "" {
		return nil, fmt.Errorf("%w: provide date or start_date+end_date", ErrInvalidRange)
	}
	start, err := time.Parse(timeparse.DateLayout, startDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, startDate)
	}
	end, err := time.Parse(timeparse.DateLayout, endDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, endDate)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end_date before start_date", ErrInvalidRange)
	}
	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(timeparse.DateLayout))
	}
	return days, nil
}

// FreeSlots computes the gaps between events on date within
// [startRange, endRange], keeping only gaps of at least minDuration
// minutes. The result is disjoint and time-ordered. Never accepts a date
// range: callers fan out one call per day.
func (s *Store) FreeSlots(date string, minDuration int, startRange, endRange string) ([]FreeSlot, error) {
	if startRange == "" {
		startRange = "09:00"
	}
	if endRange == "" {
		endRange = "18:00"
	}

	windowStart, err := time.Parse(timeparse.DateTimeLayout, date+"T"+startRange+":00")
	if err != nil {
		return nil, fmt.Errorf("%w: bad window start %q", ErrInvalidRange, startRange)
	}
	windowEnd, err := time.Parse(timeparse.DateTimeLayout, date+"T"+endRange+":00")
	if err != nil {
		return nil, fmt.Errorf("%w: bad window end %q", ErrInvalidRange, endRange)
	}
	if !windowEnd.After(windowStart) {
		return nil, fmt.Errorf("%w: end_range must be after start_range", ErrInvalidRange)
	}

	events, err := s.FetchEvents(date, "", "", nil)
	if err != nil {
		return nil, err
	}

	type interval struct{ start, end time.Time }
	var busy []interval
	for _, ev := range events {
		st, err1 := time.Parse(timeparse.DateTimeLayout, ev.Start)
		en, err2 := time.Parse(timeparse.DateTimeLayout, ev.End)
		if err1 != nil || err2 != nil {
			continue
		}
		busy = append(busy, interval{st, en})
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].start.Before(busy[j].start) })

	var merged []interval
	for _, b := range busy {
		if len(merged) == 0 || b.start.After(merged[len(merged)-1].end) {
			merged = append(merged, b)
		} else if b.end.After(merged[len(merged)-1].end) {
			merged[len(merged)-1].end = b.end
		}
	}

	slots := []FreeSlot{}
	cursor := windowStart
	emit := func(from, to time.Time) {
		if to.Sub(from) >= time.Duration(minDuration)*time.Minute {
			slots = append(slots, FreeSlot{
				Start: from.Format(timeparse.DateTimeLayout),
				End:   to.Format(timeparse.DateTimeLayout),
			})
		}
	}
	for _, b := range merged {
		if b.start.After(cursor) {
			end := b.start
			if end.After(windowEnd) {
				end = windowEnd
			}
			if end.After(cursor) {
				emit(cursor, end)
			}
		}
		if b.end.After(cursor) {
			cursor = b.end
		}
		if !cursor.Before(windowEnd) {
			break
		}
	}
	if cursor.Before(windowEnd) {
		emit(cursor, windowEnd)
	}
	return slots, nil
}

// SummarizeDay returns a one-paragraph agenda for date plus the events it
// covers.
func (s *Store) SummarizeDay(date string) (*DaySummary, error) {
	events, err := s.FetchEvents(date, "", "", nil)
	if err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("On %s, your calendar is clear.", date)
	if len(events) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "On %s, you have %d event(s):", date, len(events))
		for _, ev := range events {
			b.WriteString(fmt.Sprintf("\n- %s (%s–%s)", ev.Title, clockOf(ev.Start), clockOf(ev.End)))
		}
		summary = b.String()
	}
	return &DaySummary{Date: date, Summary: summary, Events: events}, nil
}

func clockOf(isoDT string) string {
	if i := strings.IndexByte(isoDT, 'T'); i >= 0 && len(isoDT) >= i+6 {
		return isoDT[i+1 : i+6]
	}
	return isoDT
}

// FindEventByKeyword searches event titles over dateRange, defaulting to
// the current week when no range is given.
func (s *Store) FindEventByKeyword(query string, dateRange []string) ([]Event, error) {
	var startD, endD string
	if len(dateRange) == 2 {
		startD, endD = dateRange[0], dateRange[1]
	} else {
		week := timeparse.WeekDates(s.now())
		startD, endD = week[0], week[6]
	}
	return s.FetchEvents("", startD, endD, &Filters{Query: query})
}

// CreateEventParams are the create_event parameters.
type CreateEventParams struct {
	Title       string
	Start       string
	End         string
	Attendees   []string
	Location    string
	Description string
	Layer       string
}

// CreateEvent stores a new scheduled event and returns it.
func (s *Store) CreateEvent(p CreateEventParams) (*Event, error) {
	start, err := timeparse.EnsureSeconds(p.Start)
	if err != nil {
		return nil, err
	}
	end, err := timeparse.EnsureSeconds(p.End)
	if err != nil {
		return nil, err
	}
	if p.Layer == "" {
		p.Layer = "work"
	}
	if p.Attendees == nil {
		p.Attendees = []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowISO()
	ev := Event{
		ID:          uuid.NewString(),
		Title:       p.Title,
		Start:       start,
		End:         end,
		Location:    p.Location,
		Description: p.Description,
		Layer:       p.Layer,
		Attendees:   p.Attendees,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insertEvent(ev); err != nil {
		return nil, err
	}
	s.logger.Debug("event created",
		zap.String("event_id", ev.ID),
		zap.String("title", ev.Title),
		zap.String("start", ev.Start))
	return &ev, nil
}

// RescheduleEvent moves an existing event to a new start/end.
func (s *Store) RescheduleEvent(eventID, newStart, newEnd string, notifyAttendees bool) (*Event, error) {
	start, err := timeparse.EnsureSeconds(newStart)
	if err != nil {
		return nil, err
	}
	end, err := timeparse.EnsureSeconds(newEnd)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.getEvent(eventID)
	if err != nil {
		return nil, err
	}
	ev.Start = start
	ev.End = end
	ev.UpdatedAt = s.nowISO()
	if err := s.updateEvent(ev); err != nil {
		return nil, err
	}
	s.logger.Debug("event rescheduled",
		zap.String("event_id", eventID),
		zap.String("new_start", start),
		zap.Bool("notify_attendees", notifyAttendees))
	return &ev, nil
}

// DeleteEvent removes an event. The reason is recorded in the log only.
func (s *Store) DeleteEvent(eventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM events WHERE id = ?", eventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, eventID)
	}
	s.logger.Debug("event deleted",
		zap.String("event_id", eventID),
		zap.String("reason", reason))
	return nil
}

// BlockTime creates a blocking event titled by reason.
func (s *Store) BlockTime(start, end, reason string) (*Event, error) {
	if reason == "" {
		reason = "Blocked time"
	}
	return s.CreateEvent(CreateEventParams{
		Title:       reason,
		Start:       start,
		End:         end,
		Layer:       "work",
		Description: "Auto block",
	})
}

// ShiftEventsBatch moves every event on sourceDate to targetDate,
// preserving time-of-day and duration. Failing events are skipped; the
// returned slice holds the ids that moved.
func (s *Store) ShiftEventsBatch(sourceDate, targetDate string) ([]string, error) {
	if _, err := time.Parse(timeparse.DateLayout, targetDate); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, targetDate)
	}
	events, err := s.FetchEvents(sourceDate, "", "", nil)
	if err != nil {
		return nil, err
	}

	var shifted []string
	for _, ev := range events {
		st, err1 := time.Parse(timeparse.DateTimeLayout, ev.Start)
		en, err2 := time.Parse(timeparse.DateTimeLayout, ev.End)
		if err1 != nil || err2 != nil {
			continue
		}
		newStart := targetDate + "T" + st.Format("15:04:05")
		newEndT, _ := time.Parse(timeparse.DateTimeLayout, newStart)
		newEnd := newEndT.Add(en.Sub(st)).Format(timeparse.DateTimeLayout)
		if _, err := s.RescheduleEvent(ev.ID, newStart, newEnd, false); err != nil {
			s.logger.Warn("shift skipped event",
				zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		shifted = append(shifted, ev.ID)
	}
	return shifted, nil
}
