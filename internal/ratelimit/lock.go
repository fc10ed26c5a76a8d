package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const jobLockPrefix = "spendguard:lock:"

// releaseScript deletes the key only while it still holds the caller's token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("job lock client not configured")
	// ErrLeaseLost means the lease expired and another worker may hold it.
	ErrLeaseLost = errors.New("job lease lost before release")
)

// Lease is a held job lock.
type Lease struct {
	Key   string
	token string
}

// JobLocks grants single-holder leases so that only one worker runs a
// maintenance job at a time.
type JobLocks struct {
	client  *redis.Client
	release *redis.Script
}

func NewJobLocks(client *redis.Client) *JobLocks {
	if client == nil {
		return nil
	}
	return &JobLocks{
		client:  client,
		release: redis.NewScript(releaseScript),
	}
}

func JobLockKey(job string) string {
	return jobLockPrefix + strings.ToLower(strings.TrimSpace(job))
}

// Acquire claims job for ttl. A nil lease with a nil error means another
// worker holds it.
func (l *JobLocks) Acquire(ctx context.Context, job string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if strings.TrimSpace(job) == "" || ttl <= 0 {
		return nil, errors.New("job lock needs a job name and a positive ttl")
	}

	lease := &Lease{Key: JobLockKey(job), token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.Key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return lease, nil
}

func (l *JobLocks) Release(ctx context.Context, lease *Lease) error {
	if l == nil || l.client == nil || lease == nil {
		return nil
	}
	deleted, err := l.release.Run(ctx, l.client, []string{lease.Key}, lease.token).Int64()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLeaseLost
	}
	return nil
}
