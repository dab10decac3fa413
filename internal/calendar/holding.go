package calendar

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronoplan/internal/timeparse"
)

// ListHolding returns every held item. Held items never appear in
// FetchEvents or free-slot computation: they have no time.
func (s *Store) ListHolding() ([]HoldingItem, error) {
	rows, err := s.db.Query(
		"SELECT "+eventColumns+" FROM events WHERE status = ? ORDER BY created_at",
		StatusHolding)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []HoldingItem{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, HoldingItem{
			ID:        ev.ID,
			Title:     ev.Title,
			Notes:     ev.Description,
			Layer:     ev.Layer,
			CreatedAt: ev.CreatedAt,
			UpdatedAt: ev.UpdatedAt,
		})
	}
	return items, rows.Err()
}

// CreateHolding parks an intention whose title is clear but whose time is
// not.
func (s *Store) CreateHolding(title, notes, layer string) (*HoldingItem, error) {
	if layer == "" {
		layer = "work"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowISO()
	ev := Event{
		ID:          uuid.NewString(),
		Title:       title,
		Description: notes,
		Layer:       layer,
		Attendees:   []string{},
		Status:      StatusHolding,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insertEvent(ev); err != nil {
		return nil, err
	}
	s.logger.Debug("holding item created",
		zap.String("item_id", ev.ID), zap.String("title", title))
	return &HoldingItem{
		ID: ev.ID, Title: ev.Title, Notes: ev.Description,
		Layer: ev.Layer, CreatedAt: ev.CreatedAt, UpdatedAt: ev.UpdatedAt,
	}, nil
}

// MoveToHolding unschedules an existing event, clearing its time fields
// and recording the reason in its description.
func (s *Store) MoveToHolding(eventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.getEvent(eventID)
	if err != nil {
		return err
	}
	ev.Status = StatusHolding
	ev.Start = ""
	ev.End = ""
	if reason != "" {
		ev.Description = appendReason(ev.Description, reason)
	}
	ev.UpdatedAt = s.nowISO()
	if err := s.updateEvent(ev); err != nil {
		return err
	}
	s.logger.Debug("event moved to holding",
		zap.String("event_id", eventID), zap.String("reason", reason))
	return nil
}

func appendReason(desc, reason string) string {
	note := fmt.Sprintf("(Moved to holding: %s)", reason)
	if desc == "" {
		return note
	}
	return desc + " " + note
}

// PromoteHolding schedules a held item, assigning start/end and optional
// location/attendees while preserving its identity. The transition is
// one-way: the promoted record is an ordinary event afterwards.
func (s *Store) PromoteHolding(itemID, start, end, location string, attendees []string) (*Event, error) {
	startISO, err := timeparse.EnsureSeconds(start)
	if err != nil {
		return nil, err
	}
	endISO, err := timeparse.EnsureSeconds(end)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.getEvent(itemID)
	if err != nil {
		return nil, err
	}
	if ev.Status != StatusHolding {
		return nil, fmt.Errorf("%w: holding item %q", ErrNotFound, itemID)
	}
	ev.Status = ""
	ev.Start = startISO
	ev.End = endISO
	if location != "" {
		ev.Location = location
	}
	if attendees != nil {
		ev.Attendees = attendees
	}
	ev.UpdatedAt = s.nowISO()
	if err := s.updateEvent(ev); err != nil {
		return nil, err
	}
	s.logger.Debug("holding item promoted",
		zap.String("item_id", itemID), zap.String("start", startISO))
	return &ev, nil
}
