package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/quality"
	spenddomain "github.com/smallbiznis/spendguard/internal/spend/domain"
	vaultdomain "github.com/smallbiznis/spendguard/internal/vault/domain"
)

type spendRequest struct {
	ProductID string          `json:"product_id"`
	Amount    decimal.Decimal `json:"amount"`
	Budget    string          `json:"budget"`
	Reason    string          `json:"reason"`
	Day       int             `json:"day"`
}

type allocateRequest struct {
	ProductID string           `json:"product_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Budget    string           `json:"budget"`
	Day       int              `json:"day"`
	Evidence  quality.Evidence `json:"evidence"`
}

type adminAdjustRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

func (s *Server) RequestSpend(c *gin.Context) {
	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		AbortWithError(c, newValidationError("product_id", "required", "product_id is required"))
		return
	}

	decision, err := s.spendSvc.Request(c.Request.Context(), vaultdomain.SpendRequest{
		ProductID: strings.TrimSpace(req.ProductID),
		Amount:    req.Amount,
		Budget:    vaultdomain.ParseBudget(req.Budget),
		Reason:    strings.TrimSpace(req.Reason),
		Day:       req.Day,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}

func (s *Server) AllocateSpend(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		AbortWithError(c, newValidationError("product_id", "required", "product_id is required"))
		return
	}

	allocation, err := s.spendSvc.Allocate(c.Request.Context(), spenddomain.AllocateRequest{
		ProductID: strings.TrimSpace(req.ProductID),
		Amount:    req.Amount,
		Budget:    vaultdomain.ParseBudget(req.Budget),
		Day:       req.Day,
		Evidence:  req.Evidence,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": allocation})
}

func (s *Server) EvaluateQuality(c *gin.Context) {
	var evidence quality.Evidence
	if err := c.ShouldBindJSON(&evidence); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.quality.Evaluate(evidence)})
}

func (s *Server) GetVault(c *gin.Context) {
	snapshot := s.vault.Snapshot()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"version":   snapshot.Version,
		"total":     snapshot.Total,
		"config":    snapshot.Config,
		"state":     snapshot.State,
		"available": snapshot.State.TotalAvailable(),
	}})
}

func (s *Server) GetShield(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.shield.Snapshot()})
}

func (s *Server) GetLedgerStats(c *gin.Context) {
	stats, err := s.ledger.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) DepositVault(c *gin.Context) {
	s.adjustVault(c, s.spendSvc.Deposit)
}

func (s *Server) WithdrawVault(c *gin.Context) {
	s.adjustVault(c, s.spendSvc.Withdraw)
}

type adjustFunc func(ctx context.Context, req spenddomain.AdminRequest) (vaultdomain.Decision, error)

func (s *Server) adjustVault(c *gin.Context, fn adjustFunc) {
	var req adminAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if !req.Amount.IsPositive() {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be > 0"))
		return
	}

	identity, _ := adminFromContext(c)
	decision, err := fn(c.Request.Context(), spenddomain.AdminRequest{
		Amount: req.Amount,
		Actor:  identity.Name,
		Note:   strings.TrimSpace(req.Note),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"data": decision})
}
