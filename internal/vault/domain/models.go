package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Budget string

const (
	BudgetLearning    Budget = "learning"
	BudgetOperational Budget = "operational"
	BudgetReserve     Budget = "reserve"
)

func ParseBudget(raw string) Budget {
	return Budget(strings.ToLower(strings.TrimSpace(raw)))
}

// Decision reasons. They are shown to operators as-is.
const (
	ReasonApproved                = "APPROVED"
	ReasonInvalidAmount           = "amount must be > 0"
	ReasonReserveProtected        = "RESERVE_PROTECTED"
	ReasonInsufficientLearning    = "INSUFFICIENT_LEARNING"
	ReasonInsufficientOperational = "INSUFFICIENT_OPERATIONAL"
	ReasonInsufficientFunds       = "INSUFFICIENT_FUNDS"
	ReasonUnknownBudget           = "UNKNOWN_BUDGET"
)

var one = decimal.NewFromInt(1)

// Config is the partition split. The three percentages must add up to
// exactly 1.
type Config struct {
	LearningPct    decimal.Decimal `json:"learning_pct"`
	OperationalPct decimal.Decimal `json:"operational_pct"`
	ReservePct     decimal.Decimal `json:"reserve_pct"`
}

func (c Config) Validate() error {
	for name, pct := range map[string]decimal.Decimal{
		"learning_pct":    c.LearningPct,
		"operational_pct": c.OperationalPct,
		"reserve_pct":     c.ReservePct,
	} {
		if pct.IsNegative() || pct.GreaterThan(one) {
			return fmt.Errorf("%w: %s must be within [0, 1], got %s", ErrInvalidConfig, name, pct.String())
		}
	}
	sum := c.LearningPct.Add(c.OperationalPct).Add(c.ReservePct)
	if !sum.Equal(one) {
		return fmt.Errorf("%w: budget pct must sum 1.00, got %s", ErrInvalidConfig, sum.String())
	}
	return nil
}

func (c Config) Equal(o Config) bool {
	return c.LearningPct.Equal(o.LearningPct) &&
		c.OperationalPct.Equal(o.OperationalPct) &&
		c.ReservePct.Equal(o.ReservePct)
}

type Partition struct {
	Total decimal.Decimal `json:"total"`
	Spent decimal.Decimal `json:"spent"`
}

// Available is max(0, total - spent).
func (p Partition) Available() decimal.Decimal {
	a := p.Total.Sub(p.Spent)
	if a.IsNegative() {
		return decimal.Zero
	}
	return a
}

// State is an immutable snapshot of the three partitions.
type State struct {
	Learning    Partition `json:"learning"`
	Operational Partition `json:"operational"`
	Reserve     Partition `json:"reserve"`
}

func (s State) Partition(b Budget) (Partition, bool) {
	switch b {
	case BudgetLearning:
		return s.Learning, true
	case BudgetOperational:
		return s.Operational, true
	case BudgetReserve:
		return s.Reserve, true
	default:
		return Partition{}, false
	}
}

func (s State) with(b Budget, p Partition) State {
	switch b {
	case BudgetLearning:
		s.Learning = p
	case BudgetOperational:
		s.Operational = p
	case BudgetReserve:
		s.Reserve = p
	}
	return s
}

// WithSpent returns a copy of s with amount added to b's spent.
func (s State) WithSpent(b Budget, amount decimal.Decimal) State {
	p, _ := s.Partition(b)
	p.Spent = p.Spent.Add(amount)
	return s.with(b, p)
}

func (s State) Total() decimal.Decimal {
	return s.Learning.Total.Add(s.Operational.Total).Add(s.Reserve.Total)
}

func (s State) Spent() decimal.Decimal {
	return s.Learning.Spent.Add(s.Operational.Spent).Add(s.Reserve.Spent)
}

func (s State) TotalAvailable() decimal.Decimal {
	return s.Learning.Available().Add(s.Operational.Available()).Add(s.Reserve.Available())
}

// Allocate splits total by cfg. Learning and operational are rounded to
// cents; reserve takes the remainder so the partitions always add up to total.
func Allocate(total decimal.Decimal, cfg Config, spent State) State {
	learning := total.Mul(cfg.LearningPct).Round(2)
	operational := total.Mul(cfg.OperationalPct).Round(2)
	reserve := total.Sub(learning).Sub(operational)
	return State{
		Learning:    Partition{Total: learning, Spent: spent.Learning.Spent},
		Operational: Partition{Total: operational, Spent: spent.Operational.Spent},
		Reserve:     Partition{Total: reserve, Spent: spent.Reserve.Spent},
	}
}

type SpendRequest struct {
	ProductID string          `json:"product_id"`
	Amount    decimal.Decimal `json:"amount"`
	Budget    Budget          `json:"budget"`
	Reason    string          `json:"reason"`
	// Day is the product's test day. Zero means day 1.
	Day       int             `json:"day,omitempty"`
}

// LedgerTotals is what the ledger shows has happened to the vault: the
// total after the latest applied admin adjustment, if any, and the sum of
// approved spends per budget.
type LedgerTotals struct {
	Total *decimal.Decimal
	Spent map[Budget]decimal.Decimal
}

type Decision struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	NewState *State `json:"new_state,omitempty"`
}

// Snapshot is a published vault state together with the inputs that
// produced it. Version increases by one on every publish.
type Snapshot struct {
	ID        int64           `json:"id"`
	Version   int64           `json:"version"`
	Total     decimal.Decimal `json:"total"`
	Config    Config          `json:"config"`
	State     State           `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, snapshot Snapshot) error
	Latest(ctx context.Context, db *gorm.DB) (*Snapshot, error)
}

var (
	ErrInvalidConfig = errors.New("invalid vault config")
	ErrInvalidTotal  = errors.New("vault total must not be negative")
)
