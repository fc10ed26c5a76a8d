package shield

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newShield(t *testing.T) (*Shield, *clock.FakeClock) {
	t.Helper()
	fake := clock.NewFakeClock(time.Date(2026, 6, 1, 22, 0, 0, 0, time.UTC))
	s, err := New(DefaultPolicy(), fake, nil)
	require.NoError(t, err)
	return s, fake
}

func TestAllowsSpendUnderDailyCap(t *testing.T) {
	s, _ := newShield(t)

	d1 := s.RegisterSpend("prod_1", d("10"))
	d2 := s.RegisterSpend("prod_2", d("15"))

	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
	assert.Equal(t, ReasonOK, d2.Reason)
}

func TestBlocksWhenDailyCapExceeded(t *testing.T) {
	s, _ := newShield(t)

	s.RegisterSpend("prod_1", d("20"))
	s.RegisterSpend("prod_2", d("9"))
	d3 := s.RegisterSpend("prod_3", d("5"))

	assert.False(t, d3.Allowed)
	assert.Equal(t, ReasonHardDailyCapExceeded, d3.Reason)
	assert.True(t, s.Snapshot().DailyTotal.Equal(d("29")))
}

// A spend is blocked only when it would push the daily total above the cap.
// Landing exactly on the cap is approved, so 10+15+5 reaches 30 and passes;
// the next cent does not.
func TestDailyCapAllowsLandingExactlyOnCap(t *testing.T) {
	s, _ := newShield(t)

	require.True(t, s.RegisterSpend("prod_1", d("10")).Allowed)
	require.True(t, s.RegisterSpend("prod_2", d("15")).Allowed)
	assert.True(t, s.RegisterSpend("prod_3", d("5")).Allowed)

	dec := s.RegisterSpend("prod_4", d("0.01"))
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonHardDailyCapExceeded, dec.Reason)
}

func TestRestoreSeedsTrackedDay(t *testing.T) {
	s, _ := newShield(t)
	require.True(t, s.RegisterSpend("prod_1", d("4")).Allowed)

	restored := s.Restore("2026-06-01", map[string]decimal.Decimal{
		"prod_1": d("9"),
		"prod_2": d("18"),
	})
	assert.True(t, restored)
	snap := s.Snapshot()
	assert.True(t, snap.DailyTotal.Equal(d("27")))
	assert.True(t, snap.Products["prod_1"].Equal(d("9")))

	dec := s.RegisterSpend("prod_3", d("5"))
	assert.Equal(t, ReasonHardDailyCapExceeded, dec.Reason)

	assert.False(t, s.Restore("2026-06-01", map[string]decimal.Decimal{"prod_1": d("2")}))
	assert.True(t, s.Snapshot().DailyTotal.Equal(d("27")))
}

func TestRestoreIgnoresOtherDays(t *testing.T) {
	s, fake := newShield(t)

	assert.False(t, s.Restore("2026-05-31", map[string]decimal.Decimal{"prod_1": d("20")}))
	assert.True(t, s.Snapshot().DailyTotal.IsZero())

	fake.Advance(3 * time.Hour)
	assert.Equal(t, "2026-06-02", s.Day())
	assert.False(t, s.Restore("2026-06-01", map[string]decimal.Decimal{"prod_1": d("20")}))
	assert.Equal(t, "2026-06-02", DayOf(time.Date(2026, 6, 2, 1, 0, 0, 0, time.FixedZone("x", 3600))))
}

func TestWarnsWhenProductSoftCapExceeded(t *testing.T) {
	s, _ := newShield(t)

	first := s.RegisterSpend("prod_1", d("10"))
	assert.Empty(t, first.SoftWarnings)

	second := s.RegisterSpend("prod_1", d("5"))
	assert.True(t, second.Allowed)
	assert.Equal(t, ReasonOK, second.Reason)
	assert.Contains(t, second.SoftWarnings, WarningProductSoftCapRatio)
}

func TestBlocksWhenProductHardCapExceeded(t *testing.T) {
	s, _ := newShield(t)

	require.True(t, s.RegisterSpend("prod_1", d("20")).Allowed)
	dec := s.RegisterSpend("prod_1", d("5"))

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonProductHardCapRatio, dec.Reason)
	assert.True(t, s.Snapshot().Products["prod_1"].Equal(d("20")))
}

func TestInvalidAmount(t *testing.T) {
	s, _ := newShield(t)
	assert.Equal(t, ReasonInvalidAmount, s.RegisterSpend("p", d("0")).Reason)
	assert.Equal(t, ReasonInvalidAmount, s.RegisterSpend("p", d("-1")).Reason)
}

func TestSetAllocationChangesRatioBase(t *testing.T) {
	s, _ := newShield(t)
	require.NoError(t, s.SetAllocation("prod_1", d("10")))

	assert.True(t, s.RegisterSpend("prod_1", d("7")).Allowed)
	assert.Equal(t, ReasonProductHardCapRatio, s.RegisterSpend("prod_1", d("0.01")).Reason)
	assert.ErrorIs(t, s.SetAllocation("prod_1", d("0")), ErrInvalidAllocation)
}

func TestConcurrentSpendRespectsProductHardCap(t *testing.T) {
	for round := 0; round < 20; round++ {
		s, _ := newShield(t)

		var accepted atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if s.RegisterSpend("prod_1", d("12")).Allowed {
					accepted.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), accepted.Load())
	}
}

func TestCommitFailureLeavesTotalsUnchanged(t *testing.T) {
	s, _ := newShield(t)
	boom := errors.New("ledger down")

	dec, err := s.RegisterSpendFunc("prod_1", d("5"), func(Decision) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, dec.Allowed)
	assert.True(t, s.Snapshot().DailyTotal.IsZero())
}

func TestLazyResetAtUTCMidnight(t *testing.T) {
	s, fake := newShield(t)

	require.True(t, s.RegisterSpend("prod_1", d("20")).Allowed)
	require.Equal(t, ReasonHardDailyCapExceeded, s.RegisterSpend("prod_2", d("15")).Reason)

	fake.Advance(2 * time.Hour)
	dec := s.RegisterSpend("prod_2", d("15"))
	assert.True(t, dec.Allowed)

	snap := s.Snapshot()
	assert.Equal(t, "2026-06-02", snap.Day)
	assert.True(t, snap.DailyTotal.Equal(d("15")))
	assert.NotContains(t, snap.Products, "prod_1")
}

func TestRolloverHappensOncePerDay(t *testing.T) {
	s, fake := newShield(t)
	require.True(t, s.RegisterSpend("prod_1", d("10")).Allowed)

	next := time.Date(2026, 6, 2, 0, 0, 5, 0, time.UTC)
	assert.True(t, s.Rollover(next))
	assert.False(t, s.Rollover(next))
	assert.False(t, s.Rollover(next.Add(time.Hour)))

	fake.Set(next)
	require.True(t, s.RegisterSpend("prod_1", d("10")).Allowed)
	assert.False(t, s.Rollover(next.Add(2*time.Hour)))
	assert.True(t, s.Snapshot().DailyTotal.Equal(d("10")))

	assert.False(t, s.Rollover(time.Date(2026, 6, 1, 23, 0, 0, 0, time.UTC)))
}

func TestRolloverUsesUTC(t *testing.T) {
	s, _ := newShield(t)
	jakarta := time.FixedZone("WIB", 7*3600)

	assert.False(t, s.Rollover(time.Date(2026, 6, 2, 5, 0, 0, 0, jakarta)))
	assert.True(t, s.Rollover(time.Date(2026, 6, 2, 7, 0, 0, 0, jakarta)))
}

func TestPolicyValidation(t *testing.T) {
	_, err := New(Policy{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	s, _ := newShield(t)
	bad := DefaultPolicy()
	bad.ProductSoftCapRatio = d("0.9")
	assert.ErrorIs(t, s.SetPolicy(bad), ErrInvalidPolicy)

	raised := DefaultPolicy()
	raised.HardDailyCap = d("100")
	require.NoError(t, s.SetPolicy(raised))
	assert.True(t, s.RegisterSpend("prod_1", d("50")).Allowed)
}
