package hub

import (
	"sync"
	"time"
)

// InvokeObservation captures one routed tool invocation outcome.
type InvokeObservation struct {
	ToolName   string
	InstanceID string
	Policy     string
	Attempts   int
	DurationMS int64
	Success    bool
	ErrorCode  string
}

// RetryObservation captures one failed attempt that will be retried on
// another instance.
type RetryObservation struct {
	ToolName   string
	InstanceID string
	Attempt    int
	ErrorCode  string
}

// ProbeObservation captures one liveness probe outcome.
type ProbeObservation struct {
	InstanceID   string
	Healthy      bool
	Deactivated  bool
	FailureCount int
	DurationMS   int64
	ErrorCode    string
}

// BreakerObservation captures one circuit state transition.
type BreakerObservation struct {
	InstanceID string
	From       BreakerState
	To         BreakerState
	Failures   int
}

// Observer receives hub-level observability events.
type Observer interface {
	ObserveInvoke(observation InvokeObservation)
	ObserveRetry(observation RetryObservation)
	ObserveProbe(observation ProbeObservation)
	ObserveBreaker(observation BreakerObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveInvoke(InvokeObservation)   {}
func (noopObserver) ObserveRetry(RetryObservation)     {}
func (noopObserver) ObserveProbe(ProbeObservation)     {}
func (noopObserver) ObserveBreaker(BreakerObservation) {}

var (
	observerMu     sync.RWMutex
	activeObserver Observer = noopObserver{}
)

// SetObserver sets the process-wide hub observability observer.
func SetObserver(observer Observer) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer == nil {
		activeObserver = noopObserver{}
		return
	}
	activeObserver = observer
}

func emitInvokeObservation(observation InvokeObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveInvoke(observation)
}

func emitRetryObservation(observation RetryObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveRetry(observation)
}

func emitProbeObservation(observation ProbeObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveProbe(observation)
}

func emitBreakerObservation(observation BreakerObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveBreaker(observation)
}

func durationMS(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms <= 0 && d > 0 {
		return 1
	}
	return ms
}
