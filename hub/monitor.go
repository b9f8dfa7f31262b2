package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Reference monitor defaults.
const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultSweepSchedule    = "* * * * *"
)

// MonitorEvent captures one monitor-driven state change: a probe transition
// or a TTL expiry.
type MonitorEvent struct {
	InstanceID  string
	Kind        string // "probe" or "sweep"
	Healthy     bool
	Deactivated bool
	Failures    int
	Err         error
}

// MonitorEventHandler handles monitor events.
type MonitorEventHandler func(event MonitorEvent)

// MonitorConfig controls background health monitoring.
type MonitorConfig struct {
	Catalog *Catalog
	Prober  Prober
	// ProbeInterval is the period between probe passes.
	ProbeInterval time.Duration
	// ProbeTimeout bounds one probe round trip.
	ProbeTimeout time.Duration
	// FailureThreshold is the consecutive probe failures after which an
	// instance is deactivated.
	FailureThreshold int
	// SweepSchedule is a five-field cron expression for the TTL sweep.
	SweepSchedule string
	Now           func() time.Time
	OnEvent       MonitorEventHandler
	Logger        *slog.Logger
}

// Monitor runs the two liveness cycles: a periodic probe pass over every
// active instance, and a cron-scheduled TTL sweep that retires silent ones.
// A single instance's probe failure never stops either loop.
type Monitor struct {
	catalog   *Catalog
	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int
	schedule  cron.Schedule
	now       func() time.Time
	onEvent   MonitorEventHandler
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("hub: monitor catalog is nil")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	schedule, err := ParseSweepSchedule(cfg.SweepSchedule)
	if err != nil {
		return nil, err
	}
	if cfg.Prober == nil {
		cfg.Prober = NewHTTPProber(cfg.ProbeTimeout)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(MonitorEvent) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		catalog:   cfg.Catalog,
		prober:    cfg.Prober,
		interval:  cfg.ProbeInterval,
		timeout:   cfg.ProbeTimeout,
		threshold: cfg.FailureThreshold,
		schedule:  schedule,
		now:       cfg.Now,
		onEvent:   cfg.OnEvent,
		logger:    cfg.Logger,
	}, nil
}

// Start begins both monitoring cycles. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("hub: monitor is nil")
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		m.RunProbePass(loopCtx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.RunProbePass(loopCtx)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			next := nextSweepUTC(m.schedule, m.now())
			wait := time.Until(next)
			if wait < time.Second {
				wait = time.Second
			}
			timer := time.NewTimer(wait)
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				m.RunSweep(loopCtx)
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	return nil
}

// Stop terminates both cycles and waits for them to drain.
func (m *Monitor) Stop(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunProbePass probes every active instance once. Probe outcomes drive the
// catalog's health fields; failures are logged and contained.
func (m *Monitor) RunProbePass(ctx context.Context) {
	for _, inst := range m.catalog.ListAll() {
		if ctx.Err() != nil {
			return
		}
		if !inst.Active {
			continue
		}
		m.probeOne(ctx, inst)
	}
}

func (m *Monitor) probeOne(ctx context.Context, inst SpokeInstance) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	err := m.prober.Probe(probeCtx, inst)
	elapsed := m.now().Sub(start)

	if err == nil {
		if applyErr := m.catalog.ApplyProbeSuccess(inst.ID); applyErr != nil {
			return
		}
		emitProbeObservation(ProbeObservation{
			InstanceID: inst.ID,
			Healthy:    true,
			DurationMS: durationMS(elapsed),
		})
		if inst.Health != HealthHealthy {
			m.logger.Info("spoke recovered", "instance", inst.ID)
		}
		m.onEvent(MonitorEvent{InstanceID: inst.ID, Kind: "probe", Healthy: true})
		return
	}

	deactivated, failures, applyErr := m.catalog.ApplyProbeFailure(inst.ID, m.threshold)
	if applyErr != nil {
		return
	}
	emitProbeObservation(ProbeObservation{
		InstanceID:   inst.ID,
		Healthy:      false,
		Deactivated:  deactivated,
		FailureCount: failures,
		DurationMS:   durationMS(elapsed),
		ErrorCode:    invokeErrorCode(err),
	})
	if deactivated {
		m.logger.Warn("spoke deactivated after repeated probe failures",
			"instance", inst.ID, "failures", failures, "error", err)
	} else {
		m.logger.Debug("spoke probe failed", "instance", inst.ID, "failures", failures, "error", err)
	}
	m.onEvent(MonitorEvent{
		InstanceID:  inst.ID,
		Kind:        "probe",
		Healthy:     false,
		Deactivated: deactivated,
		Failures:    failures,
		Err:         err,
	})
}

// RunSweep performs one TTL sweep pass.
func (m *Monitor) RunSweep(ctx context.Context) {
	expired := m.catalog.ExpireStale(ctx)
	for _, id := range expired {
		m.logger.Warn("spoke expired by ttl sweep", "instance", id)
		m.onEvent(MonitorEvent{InstanceID: id, Kind: "sweep", Deactivated: true})
	}
}
