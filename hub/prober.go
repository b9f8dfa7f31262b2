package hub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds one liveness probe round trip.
const DefaultProbeTimeout = 10 * time.Second

// Prober checks whether a spoke instance is alive. A nil error means the
// instance answered its health-check target.
type Prober interface {
	Probe(ctx context.Context, inst SpokeInstance) error
}

// HTTPProber probes spokes over HTTP: a GET against the instance's declared
// health-check target (or its base address when none is declared) succeeds
// on any 2xx status.
type HTTPProber struct {
	timeout time.Duration
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{timeout: timeout}
}

func (p *HTTPProber) Probe(ctx context.Context, inst SpokeInstance) error {
	target := strings.TrimSpace(inst.HealthCheck)
	if target == "" {
		target = strings.TrimRight(strings.TrimSpace(inst.Address), "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("hub: build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := sharedClients.get(p.timeout).Do(req)
	if err != nil {
		return fmt.Errorf("hub: probe %s: %w", inst.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("hub: probe %s returned status %d", inst.ID, resp.StatusCode)
	}
	return nil
}
