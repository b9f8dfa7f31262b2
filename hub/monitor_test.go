package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu      sync.Mutex
	failing map[string]bool
	probed  []string
}

func newFakeProber() *fakeProber {
	return &fakeProber{failing: make(map[string]bool)}
}

func (p *fakeProber) setFailing(id string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[id] = failing
}

func (p *fakeProber) Probe(_ context.Context, inst SpokeInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, inst.ID)
	if p.failing[inst.ID] {
		return errors.New("connection refused")
	}
	return nil
}

func newTestMonitor(t *testing.T, catalog *Catalog, prober Prober, clk *clock) *Monitor {
	t.Helper()
	monitor, err := NewMonitor(MonitorConfig{
		Catalog:          catalog,
		Prober:           prober,
		FailureThreshold: 3,
		Now:              clk.Now,
	})
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	return monitor
}

func TestMonitorProbePassDeactivatesAfterThreshold(t *testing.T) {
	clk := newClock()
	catalog := NewCatalog(CatalogConfig{Now: clk.Now})
	ctx := context.Background()

	if _, err := catalog.Register(ctx, testRegistration("spoke-a", "quote")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	prober := newFakeProber()
	prober.setFailing("spoke-a", true)
	monitor := newTestMonitor(t, catalog, prober, clk)

	var events []MonitorEvent
	monitor.onEvent = func(event MonitorEvent) { events = append(events, event) }

	for i := 0; i < 2; i++ {
		monitor.RunProbePass(ctx)
		if inst, _ := catalog.Get("spoke-a"); !inst.Active {
			t.Fatalf("instance deactivated after %d failures, want 3", i+1)
		}
	}

	monitor.RunProbePass(ctx)
	inst, _ := catalog.Get("spoke-a")
	if inst.Active || inst.Health != HealthUnhealthy {
		t.Fatalf("instance after 3 failures = (active=%v, health=%q), want deactivated unhealthy", inst.Active, inst.Health)
	}

	last := events[len(events)-1]
	if !last.Deactivated || last.Failures != 3 {
		t.Fatalf("last event = %+v, want deactivation at 3 failures", last)
	}
}

func TestMonitorProbeSuccessRecovers(t *testing.T) {
	clk := newClock()
	catalog := NewCatalog(CatalogConfig{Now: clk.Now})
	ctx := context.Background()

	if _, err := catalog.Register(ctx, testRegistration("spoke-a", "quote")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	prober := newFakeProber()
	prober.setFailing("spoke-a", true)
	monitor := newTestMonitor(t, catalog, prober, clk)

	monitor.RunProbePass(ctx)
	monitor.RunProbePass(ctx)

	prober.setFailing("spoke-a", false)
	monitor.RunProbePass(ctx)

	inst, _ := catalog.Get("spoke-a")
	if inst.FailureCount != 0 || inst.Health != HealthHealthy || !inst.Active {
		t.Fatalf("instance after recovery = %+v, want healthy active zero failures", inst)
	}
}

func TestMonitorProbePassSkipsInactiveInstances(t *testing.T) {
	clk := newClock()
	catalog := NewCatalog(CatalogConfig{Now: clk.Now})
	ctx := context.Background()

	if _, err := catalog.Register(ctx, testRegistration("spoke-a", "quote")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	catalog.Deregister(ctx, "spoke-a")

	prober := newFakeProber()
	monitor := newTestMonitor(t, catalog, prober, clk)
	monitor.RunProbePass(ctx)

	if len(prober.probed) != 0 {
		t.Fatalf("probed %v, want no probes against inactive instances", prober.probed)
	}
}

func TestMonitorSweepExpiresSilentInstances(t *testing.T) {
	clk := newClock()
	catalog := NewCatalog(CatalogConfig{Now: clk.Now})
	ctx := context.Background()

	reg := testRegistration("spoke-a", "quote")
	reg.TTLSeconds = 60
	if _, err := catalog.Register(ctx, reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	monitor := newTestMonitor(t, catalog, newFakeProber(), clk)

	var swept []string
	monitor.onEvent = func(event MonitorEvent) {
		if event.Kind == "sweep" {
			swept = append(swept, event.InstanceID)
		}
	}

	clk.Advance(61 * time.Second)
	monitor.RunSweep(ctx)

	if len(swept) != 1 || swept[0] != "spoke-a" {
		t.Fatalf("sweep events = %v, want [spoke-a]", swept)
	}
	if inst, _ := catalog.Get("spoke-a"); inst.Active {
		t.Fatalf("instance still active after sweep")
	}
}

func TestMonitorStartStop(t *testing.T) {
	clk := newClock()
	catalog := NewCatalog(CatalogConfig{Now: clk.Now})
	monitor := newTestMonitor(t, catalog, newFakeProber(), clk)

	ctx := context.Background()
	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Starting twice is a no-op.
	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := monitor.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// Stopping twice is a no-op.
	if err := monitor.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestParseSweepSchedule(t *testing.T) {
	if _, err := ParseSweepSchedule("* * * * *"); err != nil {
		t.Fatalf("ParseSweepSchedule(every minute) error = %v", err)
	}
	if _, err := ParseSweepSchedule(""); err == nil {
		t.Fatalf("ParseSweepSchedule(empty) error = nil, want error")
	}
	if _, err := ParseSweepSchedule("CRON_TZ=UTC * * * * *"); err == nil {
		t.Fatalf("ParseSweepSchedule(tz prefix) error = nil, want error")
	}
	if _, err := ParseSweepSchedule("not a schedule"); err == nil {
		t.Fatalf("ParseSweepSchedule(garbage) error = nil, want error")
	}
}
