package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/idempotency/domain"
)

const completeScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec["status"] ~= "processing" then
  return 0
end
rec["status"] = "completed"
rec["result_summary"] = cjson.decode(ARGV[1])
rec["updated_at"] = ARGV[2]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ARGV[3])
return 1
`

const releaseScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec["status"] ~= "processing" then
  return 0
end
rec["status"] = "failed"
rec["updated_at"] = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ARGV[2])
return 1
`

// reclaimScript hands a failed record back to a new caller as processing.
const reclaimScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec["status"] ~= "failed" then
  return 0
end
rec["status"] = "processing"
rec["result_summary"] = nil
rec["updated_at"] = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ARGV[2])
return 1
`

type value struct {
	Status        string         `json:"status"`
	ResultSummary map[string]any `json:"result_summary,omitempty"`
	FirstSeenAt   string         `json:"first_seen_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// Store keeps one key per fingerprint. SETNX is the claim; the TTL doubles as
// garbage collection so Purge has nothing to do.
type Store struct {
	client   *redis.Client
	clock    clock.Clock
	prefix   string
	ttl      time.Duration
	complete *redis.Script
	release  *redis.Script
	reclaim  *redis.Script
}

func New(client *redis.Client, c clock.Clock, prefix string, ttl time.Duration) *Store {
	if c == nil {
		c = clock.New()
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{
		client:   client,
		clock:    c,
		prefix:   prefix,
		ttl:      ttl,
		complete: redis.NewScript(completeScript),
		release:  redis.NewScript(releaseScript),
		reclaim:  redis.NewScript(reclaimScript),
	}
}

func (s *Store) Backend() string {
	return "redis"
}

func (s *Store) key(fingerprint string) string {
	return s.prefix + fingerprint
}

func (s *Store) Reserve(ctx context.Context, fingerprint string) (domain.Reservation, error) {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return domain.Reservation{}, err
	}

	now := s.clock.Now()
	stamp := now.UTC().Format(time.RFC3339Nano)
	claim, err := json.Marshal(value{
		Status:      string(domain.StatusProcessing),
		FirstSeenAt: stamp,
		UpdatedAt:   stamp,
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	key := s.key(fingerprint)
	ok, err := s.client.SetNX(ctx, key, string(claim), s.ttl).Result()
	if err != nil {
		return domain.Reservation{}, unavailable(err)
	}
	if ok {
		return domain.Reservation{Outcome: domain.OutcomeClaimed, FirstSeenAt: now}, nil
	}

	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Reservation{Outcome: domain.OutcomeAlreadyInProgress, FirstSeenAt: now}, nil
	}
	if err != nil {
		return domain.Reservation{}, unavailable(err)
	}

	var existing value
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return domain.Reservation{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	firstSeen, _ := time.Parse(time.RFC3339Nano, existing.FirstSeenAt)

	switch domain.Status(existing.Status) {
	case domain.StatusCompleted:
		return domain.Reservation{
			Outcome:     domain.OutcomeAlreadyCompleted,
			Result:      existing.ResultSummary,
			FirstSeenAt: firstSeen,
		}, nil
	case domain.StatusFailed:
		reclaimed, err := s.reclaim.Run(ctx, s.client, []string{key}, stamp, s.ttl.Milliseconds()).Int()
		if err != nil {
			return domain.Reservation{}, unavailable(err)
		}
		if reclaimed == 1 {
			return domain.Reservation{Outcome: domain.OutcomeClaimed, FirstSeenAt: firstSeen}, nil
		}
	}
	return domain.Reservation{Outcome: domain.OutcomeAlreadyInProgress, FirstSeenAt: firstSeen}, nil
}

func (s *Store) Complete(ctx context.Context, fingerprint string, result map[string]any) error {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return err
	}
	if result == nil {
		result = map[string]any{}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}

	updated, err := s.complete.Run(ctx, s.client,
		[]string{s.key(fingerprint)},
		string(payload),
		s.clock.Now().UTC().Format(time.RFC3339Nano),
		s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if updated == 0 {
		return domain.ErrNotClaimed
	}
	return nil
}

func (s *Store) Release(ctx context.Context, fingerprint string) error {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return err
	}
	err = s.release.Run(ctx, s.client,
		[]string{s.key(fingerprint)},
		s.clock.Now().UTC().Format(time.RFC3339Nano),
		s.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

var _ domain.Store = (*Store)(nil)
