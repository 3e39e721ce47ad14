// Package store defines the uniform per-tier storage contract and its
// implementations: an in-process FIFO map for the fastest tier, a go-cache
// backed store for a shared mid tier, and a Redis-backed store for the
// distributed tier. All operations are tier-local; a failing store never
// affects its siblings.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by TTL when the key is not present.
	ErrNotFound = errors.New("store: key not found")
	// ErrNoExpiry is returned by TTL when the key exists without an expiry.
	ErrNoExpiry = errors.New("store: key has no expiry")
)

// Entry is the unit of storage. Entries are replaced on every write,
// never mutated in place.
type Entry struct {
	Value     interface{} `json:"value"`
	ExpiresAt time.Time   `json:"expires_at"`
	StoredAt  time.Time   `json:"stored_at"`
	Stale     bool        `json:"stale,omitempty"`
	Tombstone bool        `json:"tombstone,omitempty"`
}

// NewEntry builds a fresh entry expiring ttl from now.
func NewEntry(value interface{}, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		StoredAt:  now,
	}
}

// Expired reports whether the entry is logically dead.
func (e *Entry) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// RemainingTTL returns the time until expiry, or zero if already expired.
func (e *Entry) RemainingTTL() time.Duration {
	remaining := time.Until(e.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Lifetime returns the entry's total configured lifetime.
func (e *Entry) Lifetime() time.Duration {
	return e.ExpiresAt.Sub(e.StoredAt)
}

// Store defines the uniform get/set/delete/ttl contract implemented once
// per tier. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key. The boolean reports presence; the
	// error reports a backend failure, which the hierarchy treats as a
	// tier-local miss.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores the entry under key with the given ttl, replacing any
	// existing entry.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining time-to-live for key, ErrNotFound if the
	// key is absent, or ErrNoExpiry if it never expires.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
