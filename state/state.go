// Package state implements the shared fact store: versioned key/value
// entries with optimistic concurrency and change notification.
//
// Every write must carry the version it read; a mismatch is rejected with
// ErrVersionConflict and never silently overwritten. UpdateAtomically wraps
// the read-modify-write cycle in the shared retry policy and gives up with
// ErrConcurrencyExhausted once the budget is spent. Successful writes publish
// a notification on "state.changed.<key>" through the transport.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/tailored-agentic-units/fabric/config"
	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/observability"
	"github.com/tailored-agentic-units/fabric/retry"
	"github.com/tailored-agentic-units/fabric/store"
	"github.com/tailored-agentic-units/fabric/transport"
)

// TopicPrefix is the notification topic prefix for state changes. The
// changed key is appended: "state.changed.<key>". ChangeTopic is the
// firehose topic carrying every change for wildcard watches.
const (
	TopicPrefix = "state.changed."
	ChangeTopic = "state.changed"
)

var (
	// ErrNotFound is returned by Get for missing keys.
	ErrNotFound = errors.New("state entry not found")

	// ErrVersionConflict rejects a write whose expected version is stale.
	// The caller re-reads and retries; the store never merges.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConcurrencyExhausted is returned by UpdateAtomically when the
	// bounded retry budget is spent on conflicts.
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")
)

// Entry is one shared fact.
type Entry struct {
	Key       string        `json:"key"`
	Value     any           `json:"value"`
	Version   int64         `json:"version"`
	UpdatedBy string        `json:"updated_by,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	TTL       time.Duration `json:"ttl,omitempty"`
}

// Store is the shared state component. All mutation goes through the
// backing KV's check-and-set; the Store itself holds no entry state and no
// locks across blocking calls.
type Store struct {
	kv        store.KV
	transport transport.Transport
	policy    retry.Policy
	logger    *slog.Logger
	observer  observability.Observer

	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithObserver overrides the observer resolved from configuration.
func WithObserver(observer observability.Observer) Option {
	return func(s *Store) {
		s.observer = observability.OrNoOp(observer)
	}
}

// New creates a state store over kv. Change notifications are published
// through tr; pass nil to disable notifications (Watch then fails). A
// background sweep purges expired entries every cfg.SweepInterval.
func New(ctx context.Context, kv store.KV, tr transport.Transport, cfg config.StateConfig, opts ...Option) (*Store, error) {
	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		return nil, fmt.Errorf("resolve observer: %w", err)
	}

	storeCtx, cancel := context.WithCancel(ctx)

	s := &Store{
		kv:        kv,
		transport: tr,
		policy:    retry.FromConfig(cfg.Retry),
		logger:    slog.Default(),
		observer:  observer,
		ctx:       storeCtx,
		cancel:    cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	if interval := cfg.SweepInterval.Std(); interval > 0 {
		go s.sweep(interval)
	}

	return s, nil
}

// Close stops the background sweep.
func (s *Store) Close() error {
	s.cancel()
	return nil
}

// Get returns the entry for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	rec, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(rec)
}

// SetOption customizes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	expectedVersion int64
	updatedBy       string
	ttl             time.Duration
}

// IfVersion makes the write conditional: it fails with ErrVersionConflict
// unless the stored version is exactly version. Version 0 means "create
// only".
func IfVersion(version int64) SetOption {
	return func(o *setOptions) {
		o.expectedVersion = version
	}
}

// By records who performed the write.
func By(updater string) SetOption {
	return func(o *setOptions) {
		o.updatedBy = updater
	}
}

// WithTTL expires the entry after d.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = d
	}
}

// Set writes value under key. Without IfVersion the write is unconditional;
// with it, optimistic concurrency applies. On success the stored entry is
// returned and a change notification is published.
func (s *Store) Set(ctx context.Context, key string, value any, opts ...SetOption) (Entry, error) {
	options := setOptions{expectedVersion: store.VersionAny}
	for _, opt := range opts {
		opt(&options)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return Entry{}, fmt.Errorf("encode value for %s: %w", key, err)
	}

	rec := store.Record{
		Key:       key,
		Value:     data,
		UpdatedBy: options.updatedBy,
	}
	if options.ttl > 0 {
		rec.ExpiresAt = time.Now().Add(options.ttl)
	}

	stored, err := s.kv.Put(ctx, rec, options.expectedVersion)
	if errors.Is(err, store.ErrVersionMismatch) {
		s.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventStateConflict,
			observability.LevelVerbose,
			"state",
			map[string]any{"key": key, "expected_version": options.expectedVersion},
		))
		return Entry{}, fmt.Errorf("%w: %s", ErrVersionConflict, err)
	}
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Key:       key,
		Value:     value,
		Version:   stored.Version,
		UpdatedBy: stored.UpdatedBy,
		UpdatedAt: stored.UpdatedAt,
		TTL:       options.ttl,
	}

	s.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventStateSet,
		observability.LevelVerbose,
		"state",
		map[string]any{"key": key, "version": entry.Version},
	))
	s.notify(ctx, entry)

	return entry, nil
}

// Delete removes key. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// UpdateAtomically reads the current value, applies fn, and writes back with
// the version it read. Conflicts are retried with exponential backoff under
// the configured policy; once the budget is spent the call fails with
// ErrConcurrencyExhausted. fn receives nil when the key is absent and may be
// invoked multiple times, so it must be side-effect free.
func (s *Store) UpdateAtomically(ctx context.Context, key string, fn func(current any) (any, error)) (Entry, error) {
	var result Entry

	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var current any
		version := int64(0)

		entry, err := s.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			// Absent key: fn decides the initial value, write is create-only.
		case err != nil:
			return retry.Permanent{Err: err}
		default:
			current = entry.Value
			version = entry.Version
		}

		next, err := fn(current)
		if err != nil {
			return retry.Permanent{Err: err}
		}

		result, err = s.Set(ctx, key, next, IfVersion(version))
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		if err != nil {
			return retry.Permanent{Err: err}
		}
		return nil
	})

	if errors.Is(err, retry.ErrBudgetExhausted) {
		return Entry{}, fmt.Errorf("%w: %s", ErrConcurrencyExhausted, key)
	}
	if err != nil {
		return Entry{}, err
	}
	return result, nil
}

// Watch subscribes handler to change notifications for keys matching
// pattern (path.Match syntax, e.g. "workflow.*"). Returns an unsubscribe
// function.
func (s *Store) Watch(pattern string, handler func(ctx context.Context, entry Entry)) (func(), error) {
	if s.transport == nil {
		return nil, errors.New("state store has no transport: watch unavailable")
	}

	wrapped := func(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
		entry, ok := msg.Payload.(Entry)
		if !ok {
			return nil, fmt.Errorf("unexpected state notification payload %T", msg.Payload)
		}
		matched, err := path.Match(pattern, entry.Key)
		if err != nil {
			return nil, fmt.Errorf("bad watch pattern %q: %w", pattern, err)
		}
		if matched {
			handler(ctx, entry)
		}
		return nil, nil
	}

	// Exact keys subscribe to their own topic; wildcard patterns filter the
	// firehose.
	topic := ChangeTopic
	if _, hasWildcard := containsWildcard(pattern); !hasWildcard {
		topic = TopicPrefix + pattern
	}
	return s.transport.Subscribe(topic, wrapped)
}

// notify publishes the change on the per-key topic and the firehose.
func (s *Store) notify(ctx context.Context, entry Entry) {
	if s.transport == nil {
		return
	}

	sender := messaging.Participant{ID: "state", Role: "state-store"}
	for _, topic := range []string{TopicPrefix + entry.Key, ChangeTopic} {
		msg := messaging.NewNotification(sender, topic, entry).Build()
		if err := s.transport.Publish(ctx, topic, msg); err != nil {
			s.logger.WarnContext(ctx, "state change notification failed",
				slog.String("key", entry.Key),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.kv.PurgeExpired(s.ctx, time.Now())
			if err != nil {
				s.logger.WarnContext(s.ctx, "state sweep failed", slog.String("error", err.Error()))
				continue
			}
			if purged > 0 {
				s.observer.OnEvent(s.ctx, observability.NewEvent(
					observability.EventStateExpired,
					observability.LevelVerbose,
					"state",
					map[string]any{"purged": purged},
				))
			}
		}
	}
}

func decodeEntry(rec store.Record) (Entry, error) {
	var value any
	if len(rec.Value) > 0 {
		if err := json.Unmarshal(rec.Value, &value); err != nil {
			return Entry{}, fmt.Errorf("decode value for %s: %w", rec.Key, err)
		}
	}

	entry := Entry{
		Key:       rec.Key,
		Value:     value,
		Version:   rec.Version,
		UpdatedBy: rec.UpdatedBy,
		UpdatedAt: rec.UpdatedAt,
	}
	if !rec.ExpiresAt.IsZero() {
		entry.TTL = time.Until(rec.ExpiresAt)
	}
	return entry, nil
}

func containsWildcard(pattern string) (rune, bool) {
	for _, r := range pattern {
		if r == '*' || r == '?' || r == '[' {
			return r, true
		}
	}
	return 0, false
}
