package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronoplan/internal/timeparse"
)

// Store persists policies as a JSON object keyed by policy id. Policies
// are authored elsewhere; execution consumes them read-mostly, so a flat
// file plus an in-memory cache is enough.
type Store struct {
	path   string
	mu     sync.RWMutex
	cache  map[string]Policy
	logger *zap.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the policy file at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, cache: map[string]Policy{}, logger: logger, now: time.Now}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the policy file into the cache. A missing file is an
// empty policy set, not an error.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.cache = map[string]Policy{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	loaded := map[string]Policy{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &loaded); err != nil {
			return fmt.Errorf("failed to parse policy file: %w", err)
		}
	}

	s.mu.Lock()
	s.cache = loaded
	s.mu.Unlock()
	s.logger.Debug("policies reloaded", zap.Int("count", len(loaded)))
	return nil
}

func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o644)
}

// List returns every stored policy, ordered by id for determinism.
func (s *Store) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.cache))
	for _, p := range s.cache {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns the policies that participate in simulation.
func (s *Store) Enabled() []Policy {
	all := s.List()
	out := make([]Policy, 0, len(all))
	for _, p := range all {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

// Get returns one policy by id.
func (s *Store) Get(id string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cache[id]
	return p, ok
}

// Create stores a new policy, filling id, version and timestamps.
// Defaults: status enabled, strength ask, timeframe ongoing, priority 50.
func (s *Store) Create(p Policy) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusEnabled
	}
	if p.Strength == "" {
		p.Strength = StrengthAsk
	}
	if p.Timeframe.Kind == "" {
		p.Timeframe.Kind = TimeframeOngoing
	}
	if p.Priority == 0 {
		p.Priority = 50
	}
	now := s.now().UTC().Format(timeparse.DateTimeLayout)
	p.Version++
	p.CreatedAt = now
	p.UpdatedAt = now

	s.cache[p.ID] = p
	if err := s.flush(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Update patches an existing policy and bumps its version.
func (s *Store) Update(id string, patch func(*Policy)) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.cache[id]
	if !ok {
		return Policy{}, fmt.Errorf("policy %q not found", id)
	}
	patch(&p)
	p.ID = id
	p.Version++
	p.UpdatedAt = s.now().UTC().Format(timeparse.DateTimeLayout)
	s.cache[id] = p
	if err := s.flush(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Delete removes a policy; reports whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[id]; !ok {
		return false, nil
	}
	delete(s.cache, id)
	return true, s.flush()
}

// Toggle enables or disables a policy.
func (s *Store) Toggle(id string, enabled bool) (Policy, error) {
	status := StatusDisabled
	if enabled {
		status = StatusEnabled
	}
	return s.Update(id, func(p *Policy) { p.Status = status })
}
