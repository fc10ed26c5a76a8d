package service

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/vault/domain"
	"go.uber.org/zap"
)

// CommitFunc runs under the vault lock after a decision is computed and
// before any new state is published. Returning an error discards the
// transition.
type CommitFunc func(domain.Decision) error

type Option func(*Vault)

// WithObserver registers fn to receive every published snapshot, in order.
func WithObserver(fn func(domain.Snapshot)) Option {
	return func(v *Vault) {
		if fn != nil {
			v.observers = append(v.observers, fn)
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(v *Vault) {
		if log != nil {
			v.log = log.Named("vault")
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(v *Vault) {
		if c != nil {
			v.clock = c
		}
	}
}

// Vault owns the three budget partitions. All transitions happen under one
// mutex and replace the current State wholesale.
type Vault struct {
	mu        sync.Mutex
	total     decimal.Decimal
	config    domain.Config
	state     domain.State
	version   int64
	clock     clock.Clock
	log       *zap.Logger
	observers []func(domain.Snapshot)
}

// New sizes the partitions from total and cfg with nothing spent.
func New(total decimal.Decimal, cfg domain.Config, opts ...Option) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if total.IsNegative() {
		return nil, domain.ErrInvalidTotal
	}

	v := &Vault{
		total:  total,
		config: cfg,
		state:  domain.Allocate(total, cfg, domain.State{}),
		clock:  clock.New(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Restore rebuilds a vault from a persisted snapshot.
func Restore(snapshot domain.Snapshot, opts ...Option) (*Vault, error) {
	if err := snapshot.Config.Validate(); err != nil {
		return nil, err
	}
	v := &Vault{
		total:   snapshot.Total,
		config:  snapshot.Config,
		state:   snapshot.State,
		version: snapshot.Version,
		clock:   clock.New(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Vault) State() domain.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Vault) Snapshot() domain.Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *Vault) Config() domain.Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.config
}

func (v *Vault) RequestSpend(req domain.SpendRequest) domain.Decision {
	decision, _ := v.RequestSpendFunc(req, nil)
	return decision
}

// RequestSpendFunc decides req and, when commit succeeds, publishes the new
// state. commit also sees rejected decisions so callers can record them.
func (v *Vault) RequestSpendFunc(req domain.SpendRequest, commit CommitFunc) (domain.Decision, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	decision := decide(v.state, req)
	if commit != nil {
		if err := commit(decision); err != nil {
			return decision, err
		}
	}
	if decision.Allowed {
		v.publishLocked(v.total, v.config, *decision.NewState)
	}
	return decision, nil
}

func decide(state domain.State, req domain.SpendRequest) domain.Decision {
	if !req.Amount.IsPositive() {
		return domain.Decision{Reason: domain.ReasonInvalidAmount}
	}

	var insufficient string
	switch req.Budget {
	case domain.BudgetReserve:
		return domain.Decision{Reason: domain.ReasonReserveProtected}
	case domain.BudgetLearning:
		insufficient = domain.ReasonInsufficientLearning
	case domain.BudgetOperational:
		insufficient = domain.ReasonInsufficientOperational
	default:
		return domain.Decision{Reason: domain.ReasonUnknownBudget}
	}

	partition, _ := state.Partition(req.Budget)
	if req.Amount.GreaterThan(partition.Available()) {
		return domain.Decision{Reason: insufficient}
	}

	next := state.WithSpent(req.Budget, req.Amount)
	return domain.Decision{Allowed: true, Reason: domain.ReasonApproved, NewState: &next}
}

func (v *Vault) AdminDeposit(amount decimal.Decimal) domain.Decision {
	decision, _ := v.AdminDepositFunc(amount, nil)
	return decision
}

// AdminDepositFunc grows the vault total. Spent amounts are carried over
// unchanged and every partition total is recomputed from the current split.
func (v *Vault) AdminDepositFunc(amount decimal.Decimal, commit CommitFunc) (domain.Decision, error) {
	return v.adjust(amount, commit, func(total decimal.Decimal) decimal.Decimal {
		return total.Add(amount)
	})
}

func (v *Vault) AdminWithdraw(amount decimal.Decimal) domain.Decision {
	decision, _ := v.AdminWithdrawFunc(amount, nil)
	return decision
}

// AdminWithdrawFunc shrinks the vault total. It is rejected when any
// partition would end up with less total than it has already spent.
func (v *Vault) AdminWithdrawFunc(amount decimal.Decimal, commit CommitFunc) (domain.Decision, error) {
	return v.adjust(amount, commit, func(total decimal.Decimal) decimal.Decimal {
		return total.Sub(amount)
	})
}

func (v *Vault) adjust(amount decimal.Decimal, commit CommitFunc, apply func(decimal.Decimal) decimal.Decimal) (domain.Decision, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	decision, total := v.decideAdjustLocked(amount, apply)
	if commit != nil {
		if err := commit(decision); err != nil {
			return decision, err
		}
	}
	if decision.Allowed {
		v.publishLocked(total, v.config, *decision.NewState)
	}
	return decision, nil
}

func (v *Vault) decideAdjustLocked(amount decimal.Decimal, apply func(decimal.Decimal) decimal.Decimal) (domain.Decision, decimal.Decimal) {
	if !amount.IsPositive() {
		return domain.Decision{Reason: domain.ReasonInvalidAmount}, v.total
	}
	if err := v.config.Validate(); err != nil {
		return domain.Decision{Reason: err.Error()}, v.total
	}

	total := apply(v.total)
	if total.IsNegative() {
		return domain.Decision{Reason: domain.ReasonInsufficientFunds}, v.total
	}

	next := domain.Allocate(total, v.config, v.state)
	for _, p := range []domain.Partition{next.Learning, next.Operational, next.Reserve} {
		if p.Total.LessThan(p.Spent) {
			return domain.Decision{Reason: domain.ReasonInsufficientFunds}, v.total
		}
	}
	return domain.Decision{Allowed: true, Reason: domain.ReasonApproved, NewState: &next}, total
}

// SetConfig applies a new partition split to the current total. Spent
// amounts are kept; a partition whose new total is below its spent simply
// has nothing available.
func (v *Vault) SetConfig(cfg domain.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if cfg.Equal(v.config) {
		return nil
	}
	next := domain.Allocate(v.total, cfg, v.state)
	v.publishLocked(v.total, cfg, next)
	v.log.Info("vault split updated",
		zap.String("learning_pct", cfg.LearningPct.String()),
		zap.String("operational_pct", cfg.OperationalPct.String()),
		zap.String("reserve_pct", cfg.ReservePct.String()),
	)
	return nil
}

// Reconcile brings the vault up to what the ledger records. The total
// follows the latest admin adjustment and each partition's spent is raised
// to the ledgered sum; spent is never lowered. It publishes only when
// something changed.
func (v *Vault) Reconcile(lt domain.LedgerTotals) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	total := v.total
	if lt.Total != nil && !lt.Total.IsNegative() {
		total = *lt.Total
	}
	changed := !total.Equal(v.total)

	state := v.state
	for _, b := range []domain.Budget{domain.BudgetLearning, domain.BudgetOperational, domain.BudgetReserve} {
		current, _ := state.Partition(b)
		if ledgered := lt.Spent[b]; ledgered.GreaterThan(current.Spent) {
			state = state.WithSpent(b, ledgered.Sub(current.Spent))
			changed = true
		}
	}
	if !changed {
		return false
	}

	v.publishLocked(total, v.config, domain.Allocate(total, v.config, state))
	v.log.Info("vault reconciled with ledger",
		zap.Int64("version", v.version),
		zap.String("total", total.StringFixed(2)),
		zap.String("spent", v.state.Spent().StringFixed(2)),
	)
	return true
}

func (v *Vault) publishLocked(total decimal.Decimal, cfg domain.Config, state domain.State) {
	v.total = total
	v.config = cfg
	v.state = state
	v.version++

	if len(v.observers) == 0 {
		return
	}
	snapshot := v.snapshotLocked()
	for _, fn := range v.observers {
		fn(snapshot)
	}
}

func (v *Vault) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		Version:   v.version,
		Total:     v.total,
		Config:    v.config,
		State:     v.state,
		CreatedAt: v.clock.Now().UTC(),
	}
}
