package ledger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemStore is a thread-safe in-memory ledger. Records are bounded by
// MaxRecords; the oldest terminal records are evicted first.
type MemStore struct {
	mu      sync.RWMutex
	byID    map[string]*Record
	ordered []string // insertion order, oldest first
	max     int
}

// DefaultMaxRecords bounds the in-memory ledger.
const DefaultMaxRecords = 10000

// NewMemStore creates an in-memory ledger store.
func NewMemStore(maxRecords int) *MemStore {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &MemStore{
		byID: make(map[string]*Record),
		max:  maxRecords,
	}
}

func (s *MemStore) Append(_ context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("ledger: record id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("ledger: duplicate record id %q", rec.ID)
	}

	stored := cloneRecord(rec)
	s.byID[rec.ID] = &stored
	s.ordered = append(s.ordered, rec.ID)
	s.evictLocked()
	return nil
}

func (s *MemStore) Finalize(_ context.Context, id string, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrFinalized
	}

	rec.Status = out.Status
	if out.InstanceID != "" {
		rec.InstanceID = out.InstanceID
	}
	rec.Output = out.Output
	rec.ErrorCode = out.ErrorCode
	rec.ErrorMessage = out.ErrorMessage
	if out.Attempts > 0 {
		rec.Attempts = out.Attempts
	}
	rec.FinishedAt = out.FinishedAt
	if !out.FinishedAt.IsZero() && !rec.StartedAt.IsZero() {
		rec.DurationMS = out.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(*rec), nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for i := len(s.ordered) - 1; i >= 0; i-- {
		rec, ok := s.byID[s.ordered[i]]
		if !ok {
			continue
		}
		if !matches(*rec, f) {
			continue
		}
		out = append(out, cloneRecord(*rec))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matches(rec Record, f Filter) bool {
	if f.ToolName != "" && rec.ToolName != f.ToolName {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && rec.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.StartedAt.After(f.Until) {
		return false
	}
	return true
}

// evictLocked drops the oldest terminal records beyond the cap. RUNNING
// records are never evicted.
func (s *MemStore) evictLocked() {
	for len(s.ordered) > s.max {
		idx := slices.IndexFunc(s.ordered, func(id string) bool {
			rec, ok := s.byID[id]
			return ok && rec.Status.Terminal()
		})
		if idx < 0 {
			return
		}
		delete(s.byID, s.ordered[idx])
		s.ordered = slices.Delete(s.ordered, idx, idx+1)
	}
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
