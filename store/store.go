// Package store provides the durable key/value substrate beneath the shared
// state store and the task queue. Records are versioned; all writes go
// through an atomic check-and-set so claim and optimistic-concurrency
// operations never double-apply.
//
// Two backends are provided: an in-memory map for tests and single-process
// deployments, and SQLite for durability across restarts.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for missing or expired keys.
	ErrNotFound = errors.New("key not found")

	// ErrVersionMismatch is returned by Put when the expected version does
	// not match the stored one.
	ErrVersionMismatch = errors.New("version mismatch")
)

// VersionAny disables the version check in Put: the write always applies and
// increments whatever version is stored.
const VersionAny int64 = -1

// Record is one versioned entry. Version starts at 1 and increments on every
// successful write. A zero ExpiresAt means the record never expires.
type Record struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedBy string
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record's TTL has elapsed relative to now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// KV is the durable store contract. Implementations must make Put atomic
// with respect to concurrent writers of the same key.
type KV interface {
	// Get returns the record for key. Expired records are reported as
	// ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// Put writes rec.Value (with rec.UpdatedBy and rec.ExpiresAt) under
	// rec.Key. expectedVersion semantics:
	//   - VersionAny: unconditional upsert
	//   - 0: create; fails with ErrVersionMismatch when the key exists
	//   - n > 0: check-and-set; fails with ErrVersionMismatch unless the
	//     stored version is exactly n
	// On success the stored record is returned with Version and UpdatedAt
	// stamped.
	Put(ctx context.Context, rec Record, expectedVersion int64) (Record, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live records whose key starts with prefix, sorted by
	// key.
	List(ctx context.Context, prefix string) ([]Record, error)

	// PurgeExpired removes records whose TTL elapsed before now and reports
	// how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
