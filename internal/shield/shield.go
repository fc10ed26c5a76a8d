// Package shield limits how fast money is spent, overall per UTC day and per
// product relative to its allocation.
package shield

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/clock"
	"go.uber.org/zap"
)

const (
	ReasonOK                   = "ok"
	ReasonInvalidAmount        = "amount must be > 0"
	ReasonHardDailyCapExceeded = "hard_daily_cap_exceeded"
	ReasonProductHardCapRatio  = "product_hard_cap_ratio_exceeded"

	WarningProductSoftCapRatio = "product_soft_cap_ratio_exceeded"
)

const dayLayout = "2006-01-02"

var (
	ErrInvalidPolicy     = errors.New("invalid shield policy")
	ErrInvalidAllocation = errors.New("allocation must be > 0")
)

type Policy struct {
	HardDailyCap        decimal.Decimal
	ProductSoftCapRatio decimal.Decimal
	ProductHardCapRatio decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		HardDailyCap:        decimal.NewFromInt(30),
		ProductSoftCapRatio: decimal.RequireFromString("0.40"),
		ProductHardCapRatio: decimal.RequireFromString("0.70"),
	}
}

func (p Policy) Validate() error {
	if !p.HardDailyCap.IsPositive() {
		return ErrInvalidPolicy
	}
	if !p.ProductSoftCapRatio.IsPositive() || !p.ProductHardCapRatio.IsPositive() {
		return ErrInvalidPolicy
	}
	if p.ProductSoftCapRatio.GreaterThan(p.ProductHardCapRatio) {
		return ErrInvalidPolicy
	}
	return nil
}

type Decision struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason"`
	SoftWarnings []string `json:"soft_warnings,omitempty"`
}

type Snapshot struct {
	Day          string                     `json:"day"`
	DailyTotal   decimal.Decimal            `json:"daily_total"`
	HardDailyCap decimal.Decimal            `json:"hard_daily_cap"`
	Products     map[string]decimal.Decimal `json:"products"`
	Allocations  map[string]decimal.Decimal `json:"allocations,omitempty"`
}

// CommitFunc runs under the shield lock before an accepted spend is added to
// the running totals. Returning an error leaves the totals untouched.
type CommitFunc func(Decision) error

type Shield struct {
	mu          sync.Mutex
	policy      Policy
	clock       clock.Clock
	log         *zap.Logger
	day         string
	dailyTotal  decimal.Decimal
	products    map[string]decimal.Decimal
	allocations map[string]decimal.Decimal
}

func New(policy Policy, c clock.Clock, log *zap.Logger) (*Shield, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Shield{
		policy:      policy,
		clock:       c,
		log:         log.Named("shield"),
		day:         DayOf(c.Now()),
		dailyTotal:  decimal.Zero,
		products:    map[string]decimal.Decimal{},
		allocations: map[string]decimal.Decimal{},
	}, nil
}

func (s *Shield) RegisterSpend(productID string, amount decimal.Decimal) Decision {
	decision, _ := s.RegisterSpendFunc(productID, amount, nil)
	return decision
}

// RegisterSpendFunc evaluates the spend and, if it is accepted and commit
// succeeds, adds it to the daily and product totals.
func (s *Shield) RegisterSpendFunc(productID string, amount decimal.Decimal, commit CommitFunc) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(s.clock.Now())

	decision := s.decideLocked(productID, amount)
	if commit != nil {
		if err := commit(decision); err != nil {
			return decision, err
		}
	}
	if decision.Allowed {
		s.dailyTotal = s.dailyTotal.Add(amount)
		s.products[productID] = s.products[productID].Add(amount)
	}
	return decision, nil
}

func (s *Shield) decideLocked(productID string, amount decimal.Decimal) Decision {
	if !amount.IsPositive() {
		return Decision{Reason: ReasonInvalidAmount}
	}
	if s.dailyTotal.Add(amount).GreaterThan(s.policy.HardDailyCap) {
		return Decision{Reason: ReasonHardDailyCapExceeded}
	}

	allocation := s.allocationLocked(productID)
	productTotal := s.products[productID].Add(amount)
	if productTotal.GreaterThan(allocation.Mul(s.policy.ProductHardCapRatio)) {
		return Decision{Reason: ReasonProductHardCapRatio}
	}

	decision := Decision{Allowed: true, Reason: ReasonOK}
	if productTotal.GreaterThan(allocation.Mul(s.policy.ProductSoftCapRatio)) {
		decision.SoftWarnings = []string{WarningProductSoftCapRatio}
	}
	return decision
}

func (s *Shield) allocationLocked(productID string) decimal.Decimal {
	if a, ok := s.allocations[productID]; ok {
		return a
	}
	return s.policy.HardDailyCap
}

// SetAllocation overrides the product's allocation, which otherwise equals
// the hard daily cap.
func (s *Shield) SetAllocation(productID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAllocation
	}
	s.mu.Lock()
	s.allocations[productID] = amount
	s.mu.Unlock()
	return nil
}

func (s *Shield) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
	return nil
}

func (s *Shield) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// DayOf returns the UTC day key the shield tracks totals under.
func DayOf(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// Day is the UTC day currently being tracked.
func (s *Shield) Day() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(s.clock.Now())
	return s.day
}

// Restore seeds the per-product totals of day from spends that were approved
// before a restart. It is a no-op unless day is the tracked day. Totals are
// only raised, so restoring twice does not double count.
func (s *Shield) Restore(day string, products map[string]decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(s.clock.Now())
	if day != s.day {
		return false
	}

	changed := false
	for productID, amount := range products {
		if amount.GreaterThan(s.products[productID]) {
			s.products[productID] = amount
			changed = true
		}
	}
	if !changed {
		return false
	}
	total := decimal.Zero
	for _, amount := range s.products {
		total = total.Add(amount)
	}
	s.dailyTotal = total
	s.log.Info("daily totals restored",
		zap.String("day", s.day),
		zap.String("daily_total", s.dailyTotal.StringFixed(2)),
		zap.Int("products", len(s.products)),
	)
	return true
}

// Rollover resets the running totals if now falls on a later UTC day than
// the one being tracked. It reports whether a reset happened; calling it
// again for the same day is a no-op.
func (s *Shield) Rollover(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rolloverLocked(now)
}

func (s *Shield) rolloverLocked(now time.Time) bool {
	day := DayOf(now)
	if day <= s.day {
		return false
	}

	s.log.Info("daily totals reset",
		zap.String("previous_day", s.day),
		zap.String("day", day),
		zap.String("daily_total", s.dailyTotal.StringFixed(2)),
		zap.Int("products", len(s.products)),
	)
	s.day = day
	s.dailyTotal = decimal.Zero
	s.products = map[string]decimal.Decimal{}
	return true
}

func (s *Shield) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(s.clock.Now())
	return Snapshot{
		Day:          s.day,
		DailyTotal:   s.dailyTotal,
		HardDailyCap: s.policy.HardDailyCap,
		Products:     maps.Clone(s.products),
		Allocations:  maps.Clone(s.allocations),
	}
}
