package memory

import (
	"context"
	"hash/fnv"
	"maps"
	"sync"
	"time"

	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/idempotency/domain"
)

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[string]*domain.Record
}

// Store keeps reservations in process memory. Fingerprints are spread over
// shards so unrelated deliveries do not contend on one lock.
type Store struct {
	clock  clock.Clock
	shards [shardCount]*shard
}

func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	s := &Store{clock: c}
	for i := range s.shards {
		s.shards[i] = &shard{records: map[string]*domain.Record{}}
	}
	return s
}

func (s *Store) Backend() string {
	return "memory"
}

func (s *Store) shardFor(fingerprint string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) Reserve(ctx context.Context, fingerprint string) (domain.Reservation, error) {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, err
	}

	sh := s.shardFor(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock.Now()
	rec, ok := sh.records[fingerprint]
	if !ok {
		sh.records[fingerprint] = &domain.Record{
			Fingerprint: fingerprint,
			Status:      domain.StatusProcessing,
			FirstSeenAt: now,
			UpdatedAt:   now,
		}
		return domain.Reservation{Outcome: domain.OutcomeClaimed, FirstSeenAt: now}, nil
	}

	switch rec.Status {
	case domain.StatusCompleted:
		return domain.Reservation{
			Outcome:     domain.OutcomeAlreadyCompleted,
			Result:      maps.Clone(rec.ResultSummary),
			FirstSeenAt: rec.FirstSeenAt,
		}, nil
	case domain.StatusFailed:
		rec.Status = domain.StatusProcessing
		rec.ResultSummary = nil
		rec.UpdatedAt = now
		return domain.Reservation{Outcome: domain.OutcomeClaimed, FirstSeenAt: rec.FirstSeenAt}, nil
	default:
		return domain.Reservation{Outcome: domain.OutcomeAlreadyInProgress, FirstSeenAt: rec.FirstSeenAt}, nil
	}
}

func (s *Store) Complete(ctx context.Context, fingerprint string, result map[string]any) error {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return err
	}

	sh := s.shardFor(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[fingerprint]
	if !ok || rec.Status != domain.StatusProcessing {
		return domain.ErrNotClaimed
	}
	rec.Status = domain.StatusCompleted
	rec.ResultSummary = maps.Clone(result)
	rec.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) Release(ctx context.Context, fingerprint string) error {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return err
	}

	sh := s.shardFor(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[fingerprint]; ok && rec.Status == domain.StatusProcessing {
		rec.Status = domain.StatusFailed
		rec.UpdatedAt = s.clock.Now()
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for fp, rec := range sh.records {
			if rec.UpdatedAt.Before(olderThan) {
				delete(sh.records, fp)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

var _ domain.Store = (*Store)(nil)
