// Package session holds per-conversation state: the rolling summary shown
// to the planner, the focus set used to resolve deictic references, and
// the single pending plan awaiting confirmation. Access is single-writer
// per session; independent sessions run fully in parallel.
package session

import (
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"chronoplan/internal/calendar"
	"chronoplan/internal/plan"
)

// maxSummaryEntries bounds the rolling summary handed to the planner.
const maxSummaryEntries = 10

// FreeSlotResult is one get_free_slots output kept in the focus set.
type FreeSlotResult struct {
	Date  string              `json:"date"`
	Slots []calendar.FreeSlot `json:"slots"`
}

// SearchResult is one find_event_by_keyword output kept in the focus set.
type SearchResult struct {
	Query  string           `json:"query"`
	Events []calendar.Event `json:"events"`
}

// FocusSet accumulates recent read results so later turns can resolve
// "it" / "that day" without re-querying.
type FocusSet struct {
	Events    []calendar.Event     `json:"focus_events,omitempty"`
	FreeSlots []FreeSlotResult     `json:"focus_free_slots,omitempty"`
	Summary   *calendar.DaySummary `json:"focus_summary,omitempty"`
	Searches  []SearchResult       `json:"focus_search,omitempty"`
	Date      string               `json:"focus_date,omitempty"`
}

// Merge folds newer read results into the set: events, slot results and
// searches append; a day summary replaces the previous one.
func (f *FocusSet) Merge(update FocusSet) {
	f.Events = append(f.Events, update.Events...)
	f.FreeSlots = append(f.FreeSlots, update.FreeSlots...)
	f.Searches = append(f.Searches, update.Searches...)
	if update.Summary != nil {
		f.Summary = update.Summary
	}
	if update.Date != "" {
		f.Date = update.Date
	}
}

// Exchange is one logged turn, kept for audit beyond the bounded summary.
type Exchange struct {
	Role    string `json:"role"` // "user" or "assistant"
	Message string `json:"message"`
}

type state struct {
	// turnMu serializes whole turns (Do); mu guards the fields for the
	// fine-grained accessors called inside a turn.
	turnMu  sync.Mutex
	mu      sync.Mutex
	summary []string
	history []Exchange
	focus   FocusSet
	pending *plan.Plan
}

// Store keeps all session state in memory, keyed by session id.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*state
	logger   *zap.Logger
}

// NewStore creates an empty session store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{sessions: make(map[string]*state), logger: logger}
}

// get creates the session on first touch.
func (s *Store) get(sessionID string) *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &state{}
		s.sessions[sessionID] = st
		s.logger.Debug("session created", zap.String("session_id", sessionID))
	}
	return st
}

// Do runs fn while holding the session's lock. Turn handlers use this to
// honor the single-writer contract: two confirmations for the same
// session cannot race to apply the same staged writes twice.
func (s *Store) Do(sessionID string, fn func()) {
	st := s.get(sessionID)
	st.turnMu.Lock()
	defer st.turnMu.Unlock()
	fn()
}

// AppendUser records a user message in the summary and history.
func (s *Store) AppendUser(sessionID, message string) {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.addSummary("- User: " + message)
	st.history = append(st.history, Exchange{Role: "user", Message: message})
}

// AppendAssistant records an assistant-visible reply in the summary and
// history. Every reply the user sees passes through here.
func (s *Store) AppendAssistant(sessionID, message string) {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.addSummary("- AI: responded: '" + truncate(message, 100) + "'")
	st.history = append(st.history, Exchange{Role: "assistant", Message: message})
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (st *state) addSummary(entry string) {
	st.summary = append(st.summary, entry)
	if len(st.summary) > maxSummaryEntries {
		st.summary = st.summary[len(st.summary)-maxSummaryEntries:]
	}
}

// Summary returns the bounded rolling summary, newest last.
func (s *Store) Summary(sessionID string) []string {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, len(st.summary))
	copy(out, st.summary)
	return out
}

// SummaryString joins the rolling summary for prompt embedding.
func (s *Store) SummaryString(sessionID string) string {
	return strings.Join(s.Summary(sessionID), "\n")
}

// History returns the full exchange log.
func (s *Store) History(sessionID string) []Exchange {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Exchange, len(st.history))
	copy(out, st.history)
	return out
}

// FocusSet returns a copy of the session's focus set.
func (s *Store) FocusSet(sessionID string) FocusSet {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.focus
}

// MergeFocus folds newer read results into the session's focus set.
func (s *Store) MergeFocus(sessionID string, update FocusSet) {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.focus.Merge(update)
}

// SetFocusSet replaces the focus set wholesale.
func (s *Store) SetFocusSet(sessionID string, fs FocusSet) {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.focus = fs
}

// PendingPlan returns the staged plan, or nil.
func (s *Store) PendingPlan(sessionID string) *plan.Plan {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending
}

// SetPendingPlan stages a plan. At most one plan is staged per session;
// staging over an existing plan discards the old one.
func (s *Store) SetPendingPlan(sessionID string, p *plan.Plan) {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending != nil {
		s.logger.Debug("replacing staged plan", zap.String("session_id", sessionID))
	}
	st.pending = p
}

// ClearPendingPlan discards the staged plan, if any. Terminal transitions
// (apply or cancel) both land here exactly once.
func (s *Store) ClearPendingPlan(sessionID string) {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending = nil
}

// Reset wipes a session entirely.
func (s *Store) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
