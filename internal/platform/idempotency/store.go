// Package idempotency replays stored responses for retried order mutations that carry an
// Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultTTL bounds how long a completed response can be replayed.
const DefaultTTL = 24 * time.Hour

var (
	// ErrFingerprintMismatch is returned when a key is reused for a different request.
	ErrFingerprintMismatch = errors.New("idempotency: key reserved for a different request")
	// ErrInProgress is returned while another request holds the key.
	ErrInProgress = errors.New("idempotency: request in progress")
)

// Record is the stored outcome for a key. Completed is false while the first request runs.
type Record struct {
	Key         string
	Fingerprint string
	Completed   bool
	Status      int
	ContentType string
	Body        []byte
	ExpiresAt   time.Time
}

// Store reserves keys and persists completed responses.
//
// Reserve returns the completed record when one exists, a fresh pending record when the key is new
// or expired, ErrInProgress when another request is running and ErrFingerprintMismatch when the key
// belongs to a different request.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Record, error)
	Complete(ctx context.Context, record Record) error
	Release(ctx context.Context, key string) error
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func pending(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Record{Key: key, Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
}

// decide applies the reservation rules to an existing record.
func decide(existing Record, key, fingerprint string, now time.Time, ttl time.Duration) (Record, bool, error) {
	if !existing.ExpiresAt.IsZero() && !now.Before(existing.ExpiresAt) {
		return pending(key, fingerprint, now, ttl), true, nil
	}
	if existing.Fingerprint != fingerprint {
		return Record{}, false, ErrFingerprintMismatch
	}
	if !existing.Completed {
		return Record{}, false, ErrInProgress
	}
	return existing, false, nil
}
