package domain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Outcome is the result of a reservation attempt.
type Outcome string

const (
	OutcomeClaimed           Outcome = "claimed"
	OutcomeAlreadyCompleted  Outcome = "already_completed"
	OutcomeAlreadyInProgress Outcome = "already_in_progress"
)

// Reservation describes the state a fingerprint was found in. Result is only
// set for OutcomeAlreadyCompleted.
type Reservation struct {
	Outcome     Outcome
	Result      map[string]any
	FirstSeenAt time.Time
}

func (r Reservation) Claimed() bool {
	return r.Outcome == OutcomeClaimed
}

// Record is the persisted state of one fingerprint.
type Record struct {
	Fingerprint   string
	Status        Status
	ResultSummary map[string]any
	FirstSeenAt   time.Time
	UpdatedAt     time.Time
}

// Store admits each fingerprint exactly once. Reserve must be atomic per
// fingerprint: of any number of concurrent callers at most one is Claimed.
// Release marks a processing claim failed; the next Reserve reclaims it and
// keeps the original FirstSeenAt.
type Store interface {
	Backend() string
	Reserve(ctx context.Context, fingerprint string) (Reservation, error)
	Complete(ctx context.Context, fingerprint string, result map[string]any) error
	Release(ctx context.Context, fingerprint string) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

var (
	ErrEmptyFingerprint = errors.New("idempotency fingerprint is required")
	ErrNotClaimed       = errors.New("idempotency fingerprint is not claimed")
	ErrStoreUnavailable = errors.New("idempotency store unavailable")
)

// Fingerprint derives the idempotency key of a delivery. Provider, topic and
// shop domain are lowercased and length-prefixed so field boundaries cannot
// be shifted between them.
func Fingerprint(provider, topic, shopDomain string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{provider, topic, shopDomain} {
		normalized := strings.ToLower(strings.TrimSpace(part))
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(normalized)))
		h.Write(size[:])
		h.Write([]byte(normalized))
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func NormalizeFingerprint(fingerprint string) (string, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return "", ErrEmptyFingerprint
	}
	return fingerprint, nil
}
