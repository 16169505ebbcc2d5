// Package registry tracks which agents exist, what they can do, and whether
// they are alive. Liveness is lease-based: an agent that misses heartbeats
// for the configured window is marked offline by a background sweep and
// disappears from selection until it heartbeats or re-registers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tailored-agentic-units/fabric/config"
	"github.com/tailored-agentic-units/fabric/observability"
)

var (
	// ErrAgentNotFound is returned for unknown agent IDs. A heartbeat from
	// an unknown agent gets this; the agent must re-register.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentUnavailable is returned by selection when no live agent
	// matches the query.
	ErrAgentUnavailable = errors.New("no agent available")
)

// Status is an agent's availability.
type Status string

const (
	// StatusActive means the agent is live and accepting work.
	StatusActive Status = "active"

	// StatusOverloaded means the agent is live but saturated; selection
	// skips it until a later heartbeat reports it active again.
	StatusOverloaded Status = "overloaded"

	// StatusDraining means the agent is finishing in-flight work before
	// shutting down. It keeps heartbeating but takes no new work.
	StatusDraining Status = "draining"

	// StatusOffline means the lease expired or the agent deregistered.
	StatusOffline Status = "offline"
)

// Metrics is the load snapshot an agent reports with each heartbeat.
type Metrics struct {
	// QueueDepth is the agent's backlog; selection prefers shallower
	// queues.
	QueueDepth int `json:"queue_depth"`

	// CPU and Memory are utilization fractions in [0,1]. Informational;
	// selection does not read them.
	CPU    float64 `json:"cpu,omitempty"`
	Memory float64 `json:"memory,omitempty"`
}

// Record describes one registered agent.
type Record struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Metrics is refreshed on every heartbeat.
	Metrics Metrics `json:"metrics"`

	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Query narrows agent selection. An agent matches when it holds every listed
// capability and, if Type is set, is of that type. Zero fields match
// everything.
type Query struct {
	Capabilities []string
	Type         string
}

// Registry is the in-process agent directory. All access is mutex-guarded;
// no locks are held across blocking calls.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]Record
	byCapability map[string]map[string]struct{}
	byType       map[string]map[string]struct{}

	leaseWindow time.Duration
	logger      *slog.Logger
	observer    observability.Observer

	cancel context.CancelFunc
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithObserver overrides the observer resolved from configuration.
func WithObserver(observer observability.Observer) Option {
	return func(r *Registry) {
		r.observer = observability.OrNoOp(observer)
	}
}

// New creates an agent registry. A background sweep expires silent agents
// every cfg.SweepInterval.
func New(ctx context.Context, cfg config.RegistryConfig, opts ...Option) (*Registry, error) {
	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		return nil, fmt.Errorf("resolve observer: %w", err)
	}

	registryCtx, cancel := context.WithCancel(ctx)

	r := &Registry{
		agents:       make(map[string]Record),
		byCapability: make(map[string]map[string]struct{}),
		byType:       make(map[string]map[string]struct{}),
		leaseWindow:  cfg.LeaseWindow.Std(),
		logger:       slog.Default(),
		observer:     observer,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	if interval := cfg.SweepInterval.Std(); interval > 0 {
		go r.sweep(registryCtx, interval)
	}

	return r, nil
}

// Close stops the lease sweep.
func (r *Registry) Close() error {
	r.cancel()
	return nil
}

// Register adds or replaces an agent. The agent comes back active with a
// fresh lease; re-registering re-indexes its capabilities and type.
func (r *Registry) Register(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		return Record{}, errors.New("agent ID is required")
	}

	now := time.Now()
	rec.Status = StatusActive
	rec.RegisteredAt = now
	rec.LastHeartbeat = now

	r.mu.Lock()
	if existing, ok := r.agents[rec.ID]; ok {
		rec.RegisteredAt = existing.RegisteredAt
		r.unindexLocked(existing)
	}
	r.agents[rec.ID] = rec
	r.indexLocked(rec)
	r.mu.Unlock()

	r.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventAgentRegistered,
		observability.LevelInfo,
		"registry",
		map[string]any{"agent_id": rec.ID, "type": rec.Type, "capabilities": rec.Capabilities},
	))
	return rec, nil
}

// Heartbeat renews the agent's lease and refreshes its self-reported status
// and load metrics. Agents report active, overloaded, or draining; anything
// else is treated as active. Unknown agents get ErrAgentNotFound and must
// re-register.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status Status, metrics Metrics) error {
	switch status {
	case StatusActive, StatusOverloaded, StatusDraining:
	default:
		status = StatusActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	rec.Status = status
	rec.Metrics = metrics
	rec.LastHeartbeat = time.Now()
	r.agents[agentID] = rec
	return nil
}

// Deregister removes an agent. Idempotent.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if ok {
		r.unindexLocked(rec)
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if ok {
		r.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventAgentDeregistered,
			observability.LevelInfo,
			"registry",
			map[string]any{"agent_id": agentID},
		))
	}
	return nil
}

// Get returns the record for agentID.
func (r *Registry) Get(ctx context.Context, agentID string) (Record, error) {
	r.mu.RLock()
	rec, ok := r.agents[agentID]
	r.mu.RUnlock()

	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return rec, nil
}

// List returns every registered agent, offline ones included, sorted by ID.
func (r *Registry) List(ctx context.Context) []Record {
	r.mu.RLock()
	records := make([]Record, 0, len(r.agents))
	for _, rec := range r.agents {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records
}

// FindAvailable returns live, accepting agents matching q, least-loaded
// first. Overloaded, draining, and offline agents are excluded. Returns
// ErrAgentUnavailable when none match.
func (r *Registry) FindAvailable(ctx context.Context, q Query) ([]Record, error) {
	now := time.Now()

	r.mu.RLock()
	var matches []Record
	for id := range r.candidatesLocked(q) {
		rec, ok := r.agents[id]
		if !ok {
			continue
		}
		if rec.Status != StatusActive || r.expiredLocked(rec, now) {
			continue
		}
		matches = append(matches, rec)
	}
	r.mu.RUnlock()

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: capabilities=%v type=%q", ErrAgentUnavailable, q.Capabilities, q.Type)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Metrics.QueueDepth != matches[j].Metrics.QueueDepth {
			return matches[i].Metrics.QueueDepth < matches[j].Metrics.QueueDepth
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// Select returns the least-loaded live agent matching q.
func (r *Registry) Select(ctx context.Context, q Query) (Record, error) {
	matches, err := r.FindAvailable(ctx, q)
	if err != nil {
		return Record{}, err
	}
	return matches[0], nil
}

// candidatesLocked intersects the index sets named by the query, or returns
// all IDs for an empty query. Intersection starts from the smallest set.
func (r *Registry) candidatesLocked(q Query) map[string]struct{} {
	sets := make([]map[string]struct{}, 0, len(q.Capabilities)+1)
	for _, capability := range q.Capabilities {
		sets = append(sets, r.byCapability[capability])
	}
	if q.Type != "" {
		sets = append(sets, r.byType[q.Type])
	}

	if len(sets) == 0 {
		out := make(map[string]struct{}, len(r.agents))
		for id := range r.agents {
			out[id] = struct{}{}
		}
		return out
	}

	sort.Slice(sets, func(i, j int) bool {
		return len(sets[i]) < len(sets[j])
	})

	out := make(map[string]struct{}, len(sets[0]))
	for id := range sets[0] {
		out[id] = struct{}{}
	}
	for _, set := range sets[1:] {
		for id := range out {
			if _, ok := set[id]; !ok {
				delete(out, id)
			}
		}
	}
	return out
}

func (r *Registry) expiredLocked(rec Record, now time.Time) bool {
	return r.leaseWindow > 0 && now.Sub(rec.LastHeartbeat) > r.leaseWindow
}

func (r *Registry) indexLocked(rec Record) {
	for _, capability := range rec.Capabilities {
		set, ok := r.byCapability[capability]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[capability] = set
		}
		set[rec.ID] = struct{}{}
	}
	if rec.Type != "" {
		set, ok := r.byType[rec.Type]
		if !ok {
			set = make(map[string]struct{})
			r.byType[rec.Type] = set
		}
		set[rec.ID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(rec Record) {
	for _, capability := range rec.Capabilities {
		delete(r.byCapability[capability], rec.ID)
		if len(r.byCapability[capability]) == 0 {
			delete(r.byCapability, capability)
		}
	}
	if rec.Type != "" {
		delete(r.byType[rec.Type], rec.ID)
		if len(r.byType[rec.Type]) == 0 {
			delete(r.byType, rec.Type)
		}
	}
}

// sweep marks agents with expired leases offline. Records stay listed so
// operators can see who went silent; the next heartbeat brings the agent
// back.
func (r *Registry) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()

			r.mu.Lock()
			var expired []string
			for id, rec := range r.agents {
				if rec.Status != StatusOffline && r.expiredLocked(rec, now) {
					rec.Status = StatusOffline
					r.agents[id] = rec
					expired = append(expired, id)
				}
			}
			r.mu.Unlock()

			for _, id := range expired {
				r.observer.OnEvent(ctx, observability.NewEvent(
					observability.EventAgentExpired,
					observability.LevelWarning,
					"registry",
					map[string]any{"agent_id": id},
				))
			}
		}
	}
}
