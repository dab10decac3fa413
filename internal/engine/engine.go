// Package engine executes validated plans against the calendar store.
// It is the only place actions run: reads always, writes only once the
// confirmation protocol has released them. A trace of every action is
// produced for transparency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"chronoplan/internal/plan"
	"chronoplan/internal/session"
)

// ErrUnknownActionType is returned when no handler is registered for an
// action's type.
var ErrUnknownActionType = errors.New("unknown action type")

// Kind separates read handlers from write handlers. The registry
// enforces that a handler's kind matches the action taxonomy.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Output is what a handler produces: the raw data for the trace and an
// optional focus-set contribution for the session.
type Output struct {
	Data  any
	Focus session.FocusSet
}

// HandlerFunc executes one action.
type HandlerFunc func(ctx context.Context, params map[string]any) (Output, error)

// Handler pairs an action implementation with its kind.
type Handler struct {
	Kind Kind
	Func HandlerFunc
}

// Registry maps action types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for an action type. The type must belong to
// the action taxonomy and its read/write classification must match the
// handler's kind.
func (r *Registry) Register(actionType string, h Handler) error {
	if h.Func == nil {
		return fmt.Errorf("handler for %q has no function", actionType)
	}
	if !plan.IsKnown(actionType) {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, actionType)
	}
	if (h.Kind == KindRead) != plan.IsRead(actionType) {
		return fmt.Errorf("%w: %q registered as %s", plan.ErrActionTypeMismatch, actionType, h.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[actionType]; exists {
		return fmt.Errorf("handler already registered for %q", actionType)
	}
	r.handlers[actionType] = h
	return nil
}

// MustRegister registers a handler and panics on error. Use for static
// wiring at startup.
func (r *Registry) MustRegister(actionType string, h Handler) {
	if err := r.Register(actionType, h); err != nil {
		panic(fmt.Sprintf("failed to register handler %s: %v", actionType, err))
	}
}

// Get returns the handler for an action type.
func (r *Registry) Get(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns all registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Per-action trace statuses. Streaming emits an in_progress entry when
// an action starts and a terminal entry (completed or error) when it
// finishes; both share the same ID.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Aggregate result statuses.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// TraceEntry records one executed (or attempted) action.
type TraceEntry struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Type   string `json:"type"`   // action type
	Kind   string `json:"kind"`   // "read" or "write"
	Status string `json:"status"` // in_progress, completed, error
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}
