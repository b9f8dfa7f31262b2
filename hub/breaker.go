package hub

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle state of one per-instance circuit.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Reference breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerRecovery  = 60 * time.Second
)

// BreakerConfig tunes circuit behaviour shared by all instances in a set.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before allowing a
	// single trial invocation.
	RecoveryTimeout time.Duration
	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultBreakerThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultBreakerRecovery
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type breaker struct {
	state       BreakerState
	failures    int
	openedAt    time.Time
	trialActive bool
}

// BreakerSet tracks one circuit per spoke instance. Circuits are created
// lazily in the closed state on first use.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	circuits map[string]*breaker
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		circuits: make(map[string]*breaker),
	}
}

func (s *BreakerSet) circuit(id string) *breaker {
	b, ok := s.circuits[id]
	if !ok {
		b = &breaker{state: BreakerClosed}
		s.circuits[id] = b
	}
	return b
}

// Allow reports whether an invocation may proceed against the instance.
// When the circuit is open and the recovery timeout has elapsed, it moves
// to half-open and admits exactly one trial invocation; trial is true for
// that invocation so its outcome can decide the next state.
func (s *BreakerSet) Allow(id string) (permit bool, trial bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.circuit(id)
	switch b.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if s.cfg.Now().Sub(b.openedAt) < s.cfg.RecoveryTimeout {
			return false, false
		}
		s.transition(id, b, BreakerHalfOpen)
		b.trialActive = true
		return true, true
	case BreakerHalfOpen:
		if b.trialActive {
			return false, false
		}
		b.trialActive = true
		return true, true
	default:
		return true, false
	}
}

// RecordSuccess resets the circuit to closed and clears the failure count.
func (s *BreakerSet) RecordSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.circuit(id)
	b.failures = 0
	b.trialActive = false
	if b.state != BreakerClosed {
		s.transition(id, b, BreakerClosed)
	}
}

// RecordFailure notes a failed invocation. A failed half-open trial reopens
// the circuit immediately; in the closed state the circuit opens once the
// consecutive-failure threshold is reached.
func (s *BreakerSet) RecordFailure(id string, trial bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.circuit(id)
	b.failures++
	if trial || b.state == BreakerHalfOpen {
		b.trialActive = false
		b.openedAt = s.cfg.Now()
		s.transition(id, b, BreakerOpen)
		return
	}
	if b.state == BreakerClosed && b.failures >= s.cfg.FailureThreshold {
		b.openedAt = s.cfg.Now()
		s.transition(id, b, BreakerOpen)
	}
}

// State returns the current circuit state for one instance.
func (s *BreakerSet) State(id string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.circuits[id]
	if !ok {
		return BreakerClosed
	}
	return b.state
}

// Forget drops the circuit for an instance, typically after deregistration.
func (s *BreakerSet) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.circuits, id)
}

func (s *BreakerSet) transition(id string, b *breaker, to BreakerState) {
	from := b.state
	b.state = to
	emitBreakerObservation(BreakerObservation{
		InstanceID: id,
		From:       from,
		To:         to,
		Failures:   b.failures,
	})
}
