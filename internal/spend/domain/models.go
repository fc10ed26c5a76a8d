package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/quality"
	vaultdomain "github.com/smallbiznis/spendguard/internal/vault/domain"
)

const (
	ReasonCapLearningTotal = "CAP_LEARNING_TOTAL"
	ReasonCapLearningDay1  = "CAP_LEARNING_DAY1"
)

// Layer names the guardrail that produced a decision.
type Layer string

const (
	LayerCaps   Layer = "product_caps"
	LayerShield Layer = "shield"
	LayerVault  Layer = "vault"
)

type Decision struct {
	Allowed      bool               `json:"allowed"`
	Reason       string             `json:"reason"`
	Layer        Layer              `json:"layer"`
	SoftWarnings []string           `json:"soft_warnings,omitempty"`
	NewState     *vaultdomain.State `json:"new_state,omitempty"`
}

type AllocationReason string

const (
	AllocationApproved           AllocationReason = "approved"
	AllocationNotApproved        AllocationReason = "not_approved"
	AllocationInsufficientBudget AllocationReason = "insufficient_budget"
)

type AllocateRequest struct {
	ProductID string             `json:"product_id"`
	Amount    decimal.Decimal    `json:"amount"`
	Budget    vaultdomain.Budget `json:"budget"`
	Day       int                `json:"day"`
	Evidence  quality.Evidence   `json:"evidence"`
}

type Allocation struct {
	Allocated decimal.Decimal  `json:"allocated"`
	Reason    AllocationReason `json:"reason"`
	Quality   quality.Result   `json:"quality"`
	Decision  *Decision        `json:"decision,omitempty"`
}

// AdminRequest is a vault total adjustment made by an operator.
type AdminRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Actor  string          `json:"-"`
	Note   string          `json:"note"`
}

type Service interface {
	Request(ctx context.Context, req vaultdomain.SpendRequest) (Decision, error)
	Allocate(ctx context.Context, req AllocateRequest) (Allocation, error)
	Deposit(ctx context.Context, req AdminRequest) (vaultdomain.Decision, error)
	Withdraw(ctx context.Context, req AdminRequest) (vaultdomain.Decision, error)
}

var (
	ErrInvalidRequest = errors.New("invalid spend request")
	ErrMissingProduct = errors.New("product_id is required")
)
