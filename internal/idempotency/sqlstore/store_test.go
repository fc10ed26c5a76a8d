package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/idempotency/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "idem.db"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&Record{}))
	return db
}

func TestSQLStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New(setupDB(t), clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))

	res, err := store.Reserve(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeClaimed, res.Outcome)

	res, err = store.Reserve(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyInProgress, res.Outcome)

	require.NoError(t, store.Complete(ctx, "fp", map[string]any{"status": "accepted", "handler": "orders/create"}))

	res, err = store.Reserve(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyCompleted, res.Outcome)
	assert.Equal(t, "orders/create", res.Result["handler"])

	assert.ErrorIs(t, store.Complete(ctx, "fp", nil), domain.ErrNotClaimed)
}

func TestSQLStoreReleaseMarksFailed(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFakeClock(first)
	store := New(db, fc)

	_, err := store.Reserve(ctx, "fp")
	require.NoError(t, err)
	fc.Advance(time.Minute)
	require.NoError(t, store.Release(ctx, "fp"))

	var row Record
	require.NoError(t, db.Where("fingerprint = ?", "fp").Take(&row).Error)
	assert.Equal(t, string(domain.StatusFailed), row.Status)
	assert.True(t, row.UpdatedAt.Equal(first.Add(time.Minute)))
}

func TestSQLStoreReclaimsFailed(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFakeClock(first)
	store := New(setupDB(t), fc)

	_, err := store.Reserve(ctx, "fp")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "fp"))
	fc.Advance(time.Minute)

	res, err := store.Reserve(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, res.Claimed())
	assert.True(t, res.FirstSeenAt.Equal(first))

	res, err = store.Reserve(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyInProgress, res.Outcome)
}

func TestSQLStoreConcurrentReserveClaimsExactlyOnce(t *testing.T) {
	store := New(setupDB(t), nil)

	const callers = 24
	var claimed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := store.Reserve(context.Background(), "race")
			assert.NoError(t, err)
			if res.Claimed() {
				claimed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
}

func TestSQLStorePurge(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	store := New(setupDB(t), fake)

	_, err := store.Reserve(ctx, "old")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "old", nil))

	fake.Advance(10 * 24 * time.Hour)
	_, err = store.Reserve(ctx, "new")
	require.NoError(t, err)

	removed, err := store.Purge(ctx, fake.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestSQLStoreUnavailable(t *testing.T) {
	db := setupDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = New(db, nil).Reserve(context.Background(), "fp")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
