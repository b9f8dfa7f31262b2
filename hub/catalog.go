package hub

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Reference defaults applied during registration.
const (
	DefaultWeight         = 100
	DefaultTTLSeconds     = 300
	DefaultTimeoutSeconds = 300
	DefaultRetryAttempts  = 3
)

// ErrInstanceNotFound indicates a catalog lookup for an unknown instance.
var ErrInstanceNotFound = errors.New("hub: instance not found")

// ToolDecl is one tool declaration inside a registration payload.
type ToolDecl struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	RetryAttempts  int            `json:"retry_attempts,omitempty"`
}

// Registration is the payload a spoke submits to join the catalog.
type Registration struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Address     string     `json:"address"`
	Weight      int        `json:"weight,omitempty"`
	HealthCheck string     `json:"health_check,omitempty"`
	TTLSeconds  int        `json:"ttl_seconds,omitempty"`
	Tools       []ToolDecl `json:"tools,omitempty"`
}

// Mirror persists catalog mutations to an external durable store.
// The catalog treats it as optional write-behind: failures are logged,
// never surfaced, and the in-memory state stays authoritative.
type Mirror interface {
	SaveInstance(ctx context.Context, inst SpokeInstance) error
	DeleteInstance(ctx context.Context, id string) error
}

// CatalogConfig configures catalog dependencies.
type CatalogConfig struct {
	Mirror Mirror
	Now    func() time.Time
	Logger *slog.Logger
}

// Catalog is the in-memory source of truth for spoke instances and their
// tools. All mutations run under one mutex; reads return deep snapshots.
type Catalog struct {
	mu        sync.RWMutex
	instances map[string]*SpokeInstance

	mirror Mirror
	now    func() time.Time
	logger *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(cfg CatalogConfig) *Catalog {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Catalog{
		instances: make(map[string]*SpokeInstance),
		mirror:    cfg.Mirror,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// Register upserts a spoke instance by identifier, replacing its tool set
// and resetting its liveness and failure state. Re-registration refreshes
// address, weight, and TTL without creating a duplicate entry.
func (c *Catalog) Register(ctx context.Context, reg Registration) (SpokeInstance, error) {
	if err := validateRegistration(reg); err != nil {
		return SpokeInstance{}, err
	}

	now := c.now()
	inst := SpokeInstance{
		ID:           strings.TrimSpace(reg.ID),
		Name:         strings.TrimSpace(reg.Name),
		Address:      strings.TrimSpace(reg.Address),
		Weight:       reg.Weight,
		Health:       HealthHealthy,
		HealthCheck:  strings.TrimSpace(reg.HealthCheck),
		TTLSeconds:   reg.TTLSeconds,
		Active:       true,
		RegisteredAt: now,
		LastSeen:     now,
		Tools:        make(map[string]ToolDescriptor, len(reg.Tools)),
	}
	if inst.Weight == 0 {
		inst.Weight = DefaultWeight
	}
	if inst.TTLSeconds == 0 {
		inst.TTLSeconds = DefaultTTLSeconds
	}

	for _, decl := range reg.Tools {
		desc := ToolDescriptor{
			ID:             strings.TrimSpace(decl.ID),
			Name:           strings.TrimSpace(decl.Name),
			Description:    decl.Description,
			InputSchema:    cloneAnyMap(decl.InputSchema),
			OutputSchema:   cloneAnyMap(decl.OutputSchema),
			TimeoutSeconds: decl.TimeoutSeconds,
			RetryAttempts:  decl.RetryAttempts,
		}
		if desc.TimeoutSeconds == 0 {
			desc.TimeoutSeconds = DefaultTimeoutSeconds
		}
		if desc.RetryAttempts == 0 {
			desc.RetryAttempts = DefaultRetryAttempts
		}
		inst.Tools[desc.ID] = desc
	}

	c.mu.Lock()
	if existing, ok := c.instances[inst.ID]; ok {
		// Preserve original registration time and in-flight load across upserts.
		inst.RegisteredAt = existing.RegisteredAt
		inst.CurrentLoad = existing.CurrentLoad
	}
	stored := inst
	c.instances[inst.ID] = &stored
	c.mu.Unlock()

	c.mirrorSave(ctx, inst)
	return cloneInstance(inst), nil
}

// Deregister marks an instance inactive and removes its tools from
// discoverability. Unknown identifiers are ignored.
func (c *Catalog) Deregister(ctx context.Context, id string) {
	clean := strings.TrimSpace(id)
	if clean == "" {
		return
	}

	c.mu.Lock()
	inst, ok := c.instances[clean]
	if ok {
		inst.Active = false
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if c.mirror != nil {
		if err := c.mirror.DeleteInstance(ctx, clean); err != nil {
			c.logger.Warn("catalog mirror delete failed", "instance", clean, "error", err)
		}
	}
}

// Discover returns active, healthy instances offering toolName, ordered by
// identifier for deterministic selection. Instances in exclude are skipped.
// An empty result is not an error.
func (c *Catalog) Discover(toolName string, exclude map[string]struct{}) []SpokeInstance {
	clean := strings.TrimSpace(toolName)
	if clean == "" {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []SpokeInstance
	for _, inst := range c.instances {
		if !inst.Active || inst.Health != HealthHealthy {
			continue
		}
		if _, skip := exclude[inst.ID]; skip {
			continue
		}
		if _, offers := inst.Tools[clean]; !offers {
			continue
		}
		out = append(out, cloneInstance(*inst))
	}

	slices.SortFunc(out, func(a, b SpokeInstance) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ListAll returns a snapshot of every catalog entry, including inactive ones.
func (c *Catalog) ListAll() []SpokeInstance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]SpokeInstance, 0, len(c.instances))
	for _, inst := range c.instances {
		out = append(out, cloneInstance(*inst))
	}
	slices.SortFunc(out, func(a, b SpokeInstance) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Get returns a snapshot of one instance.
func (c *Catalog) Get(id string) (SpokeInstance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instances[strings.TrimSpace(id)]
	if !ok {
		return SpokeInstance{}, false
	}
	return cloneInstance(*inst), true
}

// ApplyProbeSuccess records a successful liveness probe: the instance becomes
// healthy, its failure count resets, and last-seen refreshes.
func (c *Catalog) ApplyProbeSuccess(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.Health = HealthHealthy
	inst.FailureCount = 0
	inst.LastSeen = c.now()
	return nil
}

// ApplyProbeFailure increments the failure count; at threshold the instance
// turns unhealthy and is deactivated. Returns whether deactivation happened
// and the updated count.
func (c *Catalog) ApplyProbeFailure(id string, threshold int) (deactivated bool, failures int, err error) {
	if threshold <= 0 {
		threshold = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[id]
	if !ok {
		return false, 0, ErrInstanceNotFound
	}
	inst.FailureCount++
	if inst.FailureCount >= threshold {
		inst.Health = HealthUnhealthy
		inst.Active = false
		return true, inst.FailureCount, nil
	}
	return false, inst.FailureCount, nil
}

// ExpireStale deactivates active instances whose last-seen timestamp is older
// than their TTL, and purges entries that have been silent for twice their
// TTL. It returns the identifiers deactivated in this pass.
func (c *Catalog) ExpireStale(ctx context.Context) []string {
	now := c.now()

	c.mu.Lock()
	var expired []string
	var purged []string
	for id, inst := range c.instances {
		silence := now.Sub(inst.LastSeen)
		if silence > 2*inst.TTL() {
			delete(c.instances, id)
			purged = append(purged, id)
			continue
		}
		if inst.Active && silence > inst.TTL() {
			inst.Active = false
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()

	if c.mirror != nil {
		for _, id := range purged {
			if err := c.mirror.DeleteInstance(ctx, id); err != nil {
				c.logger.Warn("catalog mirror delete failed", "instance", id, "error", err)
			}
		}
	}
	slices.Sort(expired)
	return expired
}

// IncrementLoad bumps the in-flight load for one instance at dispatch time.
func (c *Catalog) IncrementLoad(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.CurrentLoad++
	return nil
}

// DecrementLoad releases the in-flight load for one instance on completion.
func (c *Catalog) DecrementLoad(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.CurrentLoad > 0 {
		inst.CurrentLoad--
	}
	return nil
}

// RecordInvocation folds one completed invocation into the tool's aggregate
// statistics and, on success, refreshes the instance's last-seen timestamp.
func (c *Catalog) RecordInvocation(id, toolID string, success bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[id]
	if !ok {
		return
	}
	desc, ok := inst.Tools[toolID]
	if !ok {
		return
	}

	desc.Stats.Invocations++
	if success {
		desc.Stats.Successes++
		inst.LastSeen = c.now()
		inst.FailureCount = 0
	}
	n := float64(desc.Stats.Invocations)
	desc.Stats.AvgLatencyMS += (float64(latency.Milliseconds()) - desc.Stats.AvgLatencyMS) / n
	inst.Tools[toolID] = desc
}

// Restore inserts a previously persisted instance without validation or
// mirror write-back. Used to rehydrate from a mirror at startup.
func (c *Catalog) Restore(inst SpokeInstance) {
	if strings.TrimSpace(inst.ID) == "" {
		return
	}
	c.mu.Lock()
	stored := cloneInstance(inst)
	c.instances[inst.ID] = &stored
	c.mu.Unlock()
}

func (c *Catalog) mirrorSave(ctx context.Context, inst SpokeInstance) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.SaveInstance(ctx, inst); err != nil {
		c.logger.Warn("catalog mirror save failed", "instance", inst.ID, "error", err)
	}
}
