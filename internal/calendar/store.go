// Package calendar provides the event store the execution engine writes
// to: scheduled events, blocked time, and the holding area for intentions
// that have no committed time slot yet.
package calendar

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"chronoplan/internal/timeparse"
)

var (
	// ErrNotFound is returned when a referenced event or holding item
	// does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrInvalidRange is returned for inverted or missing date ranges.
	ErrInvalidRange = errors.New("invalid date range")
)

// StatusHolding marks an event-shaped record parked without a time slot.
const StatusHolding = "holding"

// Event is the stored shape for both scheduled events and holding items.
// Start and End are empty for holding items and always carry seconds
// otherwise.
type Event struct {
	ID          string   `json:"event_id"`
	Title       string   `json:"title"`
	Start       string   `json:"start,omitempty"`
	End         string   `json:"end,omitempty"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
	Layer       string   `json:"layer"`
	Attendees   []string `json:"attendees"`
	Status      string   `json:"status,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// HoldingItem is the list_holding view of a held record.
type HoldingItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Notes     string `json:"notes"`
	Layer     string `json:"layer"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// FreeSlot is a gap between events, at least min_duration long.
type FreeSlot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DaySummary is the summarize_day output.
type DaySummary struct {
	Date    string  `json:"date"`
	Summary string  `json:"summary"`
	Events  []Event `json:"events"`
}

// Store persists events in sqlite. All methods are safe for concurrent
// use; the database externally synchronizes writers.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the event database at dbPath.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != ":" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewMemoryStore opens an in-memory store, used by tests and the demo CLI.
func NewMemoryStore(logger *zap.Logger) (*Store, error) {
	return NewStore("file::memory:?cache=shared", logger)
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		start_at TEXT,
		end_at TEXT,
		location TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		layer TEXT NOT NULL DEFAULT 'work',
		attendees_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_at);
	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) nowISO() string {
	return s.now().UTC().Format(timeparse.DateTimeLayout)
}

const eventColumns = "id, title, start_at, end_at, location, description, layer, attendees_json, status, created_at, updated_at"

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var start, end sql.NullString
	var attendeesJSON string
	err := row.Scan(&ev.ID, &ev.Title, &start, &end, &ev.Location,
		&ev.Description, &ev.Layer, &attendeesJSON, &ev.Status,
		&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.Start = start.String
	ev.End = end.String
	if err := json.Unmarshal([]byte(attendeesJSON), &ev.Attendees); err != nil {
		ev.Attendees = nil
	}
	if ev.Attendees == nil {
		ev.Attendees = []string{}
	}
	return ev, nil
}

func (s *Store) getEvent(id string) (Event, error) {
	row := s.db.QueryRow("SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return ev, err
}

func (s *Store) insertEvent(ev Event) error {
	attendees, _ := json.Marshal(ev.Attendees)
	_, err := s.db.Exec(
		"INSERT INTO events ("+eventColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?)",
		ev.ID, ev.Title, nullable(ev.Start), nullable(ev.End), ev.Location,
		ev.Description, ev.Layer, string(attendees), ev.Status,
		ev.CreatedAt, ev.UpdatedAt,
	)
	return err
}

func (s *Store) updateEvent(ev Event) error {
	attendees, _ := json.Marshal(ev.Attendees)
	res, err := s.db.Exec(
		`UPDATE events SET title=?, start_at=?, end_at=?, location=?, description=?,
		 layer=?, attendees_json=?, status=?, updated_at=? WHERE id=?`,
		ev.Title, nullable(ev.Start), nullable(ev.End), ev.Location,
		ev.Description, ev.Layer, string(attendees), ev.Status,
		ev.UpdatedAt, ev.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, ev.ID)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
