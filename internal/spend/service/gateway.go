package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/config"
	ledgerdomain "github.com/smallbiznis/spendguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/spendguard/internal/observability/metrics"
	"github.com/smallbiznis/spendguard/internal/observability/obscontext"
	"github.com/smallbiznis/spendguard/internal/observability/tracing"
	"github.com/smallbiznis/spendguard/internal/quality"
	"github.com/smallbiznis/spendguard/internal/shield"
	spenddomain "github.com/smallbiznis/spendguard/internal/spend/domain"
	vaultdomain "github.com/smallbiznis/spendguard/internal/vault/domain"
	vaultservice "github.com/smallbiznis/spendguard/internal/vault/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// errVaultDeclined unwinds the shield commit when the vault rejects, so the
// shield does not count a spend that never happened.
var errVaultDeclined = errors.New("vault declined")

type Params struct {
	fx.In

	Vault      *vaultservice.Vault
	Shield     *shield.Shield
	Recorder   ledgerdomain.Recorder
	Quality    *quality.Guard
	Guardrail  *config.GuardrailConfigHolder
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Gateway is the single entry point for spend approvals. Requests are
// serialized; the lock order is gateway, shield, vault.
type Gateway struct {
	vault      *vaultservice.Vault
	shield     *shield.Shield
	recorder   ledgerdomain.Recorder
	quality    *quality.Guard
	guardrail  *config.GuardrailConfigHolder
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics

	mu                sync.Mutex
	learningByProduct map[string]decimal.Decimal
}

func New(p Params) *Gateway {
	q := p.Quality
	if q == nil {
		q = quality.NewGuard()
	}
	return &Gateway{
		vault:             p.Vault,
		shield:            p.Shield,
		recorder:          p.Recorder,
		quality:           q,
		guardrail:         p.Guardrail,
		log:               p.Log.Named("spend.gateway"),
		obsMetrics:        p.ObsMetrics,
		learningByProduct: map[string]decimal.Decimal{},
	}
}

func (g *Gateway) Request(ctx context.Context, req vaultdomain.SpendRequest) (decision spenddomain.Decision, err error) {
	ctx, span := otel.Tracer("spendguard/spend").Start(ctx, "spend.request")
	defer func() {
		span.SetAttributes(tracing.SafeAttributes(
			attribute.String("spend.budget", string(vaultdomain.ParseBudget(string(req.Budget)))),
			attribute.String("spend.reason", decision.Reason),
		)...)
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "spend aborted")
		}
		span.End()
	}()
	return g.request(ctx, req)
}

func (g *Gateway) request(ctx context.Context, req vaultdomain.SpendRequest) (spenddomain.Decision, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Budget = vaultdomain.ParseBudget(string(req.Budget))
	if req.Day <= 0 {
		req.Day = 1
	}
	if req.ProductID == "" {
		return spenddomain.Decision{}, spenddomain.ErrMissingProduct
	}

	if _, err := g.record(ctx, ledgerdomain.EventTypeSpendRequest, req.ProductID, requestPayload(req)); err != nil {
		return spenddomain.Decision{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if decision, capped := g.checkCapsLocked(req); capped {
		payload := decisionPayload(req, decision)
		payload["cap"] = g.capFor(decision.Reason).String()
		payload["spent"] = g.learningByProduct[req.ProductID].String()
		if _, err := g.record(ctx, ledgerdomain.EventTypeSpendDecision, req.ProductID, payload); err != nil {
			return spenddomain.Decision{}, err
		}
		g.observe(ctx, req, decision)
		return decision, nil
	}

	var final spenddomain.Decision
	_, err := g.shield.RegisterSpendFunc(req.ProductID, req.Amount, func(sd shield.Decision) error {
		if !sd.Allowed {
			final = spenddomain.Decision{Reason: sd.Reason, Layer: spenddomain.LayerShield}
			_, err := g.record(ctx, ledgerdomain.EventTypeSpendDecision, req.ProductID, decisionPayload(req, final))
			return err
		}

		vd, err := g.vault.RequestSpendFunc(req, func(vd vaultdomain.Decision) error {
			final = spenddomain.Decision{
				Allowed:  vd.Allowed,
				Reason:   vd.Reason,
				Layer:    spenddomain.LayerVault,
				NewState: vd.NewState,
			}
			if vd.Allowed {
				final.SoftWarnings = sd.SoftWarnings
			}
			_, err := g.record(ctx, ledgerdomain.EventTypeSpendDecision, req.ProductID, decisionPayload(req, final))
			return err
		})
		if err != nil {
			return err
		}
		if !vd.Allowed {
			return errVaultDeclined
		}
		return nil
	})
	if err != nil && !errors.Is(err, errVaultDeclined) {
		g.log.Error("spend aborted", zap.String("product_id", req.ProductID), zap.Error(err))
		return spenddomain.Decision{}, err
	}

	if final.Allowed && req.Budget == vaultdomain.BudgetLearning {
		g.learningByProduct[req.ProductID] = g.learningByProduct[req.ProductID].Add(req.Amount)
	}
	g.observe(ctx, req, final)
	return final, nil
}

// checkCapsLocked applies the per-product learning caps. They only bound
// the learning budget.
func (g *Gateway) checkCapsLocked(req vaultdomain.SpendRequest) (spenddomain.Decision, bool) {
	if req.Budget != vaultdomain.BudgetLearning {
		return spenddomain.Decision{}, false
	}
	caps := g.guardrail.Get().ProductCaps
	next := g.learningByProduct[req.ProductID].Add(req.Amount)

	if next.GreaterThan(caps.MaxTotalLearning) {
		return spenddomain.Decision{Reason: spenddomain.ReasonCapLearningTotal, Layer: spenddomain.LayerCaps}, true
	}
	if req.Day == 1 && next.GreaterThan(caps.MaxDay1Learning) {
		return spenddomain.Decision{Reason: spenddomain.ReasonCapLearningDay1, Layer: spenddomain.LayerCaps}, true
	}
	return spenddomain.Decision{}, false
}

func (g *Gateway) capFor(reason string) decimal.Decimal {
	caps := g.guardrail.Get().ProductCaps
	if reason == spenddomain.ReasonCapLearningDay1 {
		return caps.MaxDay1Learning
	}
	return caps.MaxTotalLearning
}

// Allocate gates a test budget on evidence quality, then requests it.
func (g *Gateway) Allocate(ctx context.Context, req spenddomain.AllocateRequest) (spenddomain.Allocation, error) {
	if req.Amount.IsNegative() {
		return spenddomain.Allocation{}, spenddomain.ErrInvalidRequest
	}
	if req.Budget == "" {
		req.Budget = vaultdomain.BudgetLearning
	}

	report := g.quality.Evaluate(req.Evidence)
	if report.Action != quality.ActionOK {
		g.log.Info("allocation not approved",
			zap.String("product_id", req.ProductID),
			zap.String("action", string(report.Action)),
			zap.Strings("flags", report.Flags),
		)
		return spenddomain.Allocation{
			Allocated: decimal.Zero,
			Reason:    spenddomain.AllocationNotApproved,
			Quality:   report,
		}, nil
	}

	decision, err := g.Request(ctx, vaultdomain.SpendRequest{
		ProductID: req.ProductID,
		Amount:    req.Amount,
		Budget:    req.Budget,
		Reason:    "allocation",
		Day:       req.Day,
	})
	if err != nil {
		return spenddomain.Allocation{}, err
	}

	out := spenddomain.Allocation{
		Allocated: decimal.Zero,
		Reason:    spenddomain.AllocationInsufficientBudget,
		Quality:   report,
		Decision:  &decision,
	}
	if decision.Allowed {
		out.Allocated = req.Amount
		out.Reason = spenddomain.AllocationApproved
	}
	return out, nil
}

func (g *Gateway) Deposit(ctx context.Context, req spenddomain.AdminRequest) (vaultdomain.Decision, error) {
	return g.vault.AdminDepositFunc(req.Amount, g.adminCommit(ctx, ledgerdomain.EventTypeAdminDeposit, req))
}

func (g *Gateway) Withdraw(ctx context.Context, req spenddomain.AdminRequest) (vaultdomain.Decision, error) {
	return g.vault.AdminWithdrawFunc(req.Amount, g.adminCommit(ctx, ledgerdomain.EventTypeAdminWithdraw, req))
}

func (g *Gateway) adminCommit(ctx context.Context, eventType ledgerdomain.EventType, req spenddomain.AdminRequest) vaultservice.CommitFunc {
	return func(d vaultdomain.Decision) error {
		actor := strings.TrimSpace(req.Actor)
		if actor == "" {
			_, actor = obscontext.ActorFromContext(ctx)
		}
		payload := map[string]any{
			"amount":  req.Amount.String(),
			"allowed": d.Allowed,
			"reason":  d.Reason,
			"actor":   actor,
		}
		if note := strings.TrimSpace(req.Note); note != "" {
			payload["note"] = note
		}
		if d.NewState != nil {
			payload["total_after"] = d.NewState.Total().StringFixed(2)
			payload["reserve_after"] = d.NewState.Reserve.Total.StringFixed(2)
		}
		_, err := g.record(ctx, eventType, "vault", payload)
		return err
	}
}

// EventSource is the read side of the ledger.
type EventSource interface {
	Iterate(ctx context.Context, fn func(ledgerdomain.Event) error) (int, error)
}

// Replay rebuilds in-memory guardrail state from the ledger after a
// restart: per-product learning spend for the caps, today's shield totals,
// and the vault's total and spent where its persisted snapshot is missing or
// behind.
func (g *Gateway) Replay(ctx context.Context, source EventSource) error {
	today := g.shield.Day()
	learning := map[string]decimal.Decimal{}
	todayByProduct := map[string]decimal.Decimal{}
	ledgered := vaultdomain.LedgerTotals{Spent: map[vaultdomain.Budget]decimal.Decimal{}}

	_, err := source.Iterate(ctx, func(e ledgerdomain.Event) error {
		if allowed, _ := e.Payload["allowed"].(bool); !allowed {
			return nil
		}
		switch e.EventType {
		case ledgerdomain.EventTypeAdminDeposit, ledgerdomain.EventTypeAdminWithdraw:
			if total, ok := payloadDecimal(e.Payload, "total_after"); ok {
				ledgered.Total = &total
			}
		case ledgerdomain.EventTypeSpendDecision:
			amount, ok := payloadDecimal(e.Payload, "amount")
			if !ok {
				return nil
			}
			budget, _ := e.Payload["budget"].(string)
			b := vaultdomain.ParseBudget(budget)
			ledgered.Spent[b] = ledgered.Spent[b].Add(amount)
			if b == vaultdomain.BudgetLearning {
				learning[e.EntityID] = learning[e.EntityID].Add(amount)
			}
			if shield.DayOf(e.Timestamp) == today {
				todayByProduct[e.EntityID] = todayByProduct[e.EntityID].Add(amount)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.learningByProduct = learning
	shieldRestored := g.shield.Restore(today, todayByProduct)
	vaultReconciled := g.vault.Reconcile(ledgered)

	g.log.Info("guardrail state replayed from ledger",
		zap.Int("learning_products", len(learning)),
		zap.String("day", today),
		zap.Bool("shield_restored", shieldRestored),
		zap.Bool("vault_reconciled", vaultReconciled),
	)
	return nil
}

func payloadDecimal(payload map[string]any, key string) (decimal.Decimal, bool) {
	raw, _ := payload[key].(string)
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

// ProductLearningSpent reports how much learning budget a product has used.
func (g *Gateway) ProductLearningSpent(productID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.learningByProduct[strings.TrimSpace(productID)]
}

func (g *Gateway) record(ctx context.Context, eventType ledgerdomain.EventType, entityID string, payload map[string]any) (ledgerdomain.Event, error) {
	entityType := ledgerdomain.EntityTypeProduct
	if eventType == ledgerdomain.EventTypeAdminDeposit || eventType == ledgerdomain.EventTypeAdminWithdraw {
		entityType = ledgerdomain.EntityTypeVault
	}
	return g.recorder.Record(ctx, ledgerdomain.RecordRequest{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	})
}

func (g *Gateway) observe(ctx context.Context, req vaultdomain.SpendRequest, d spenddomain.Decision) {
	g.obsMetrics.RecordSpendDecision(ctx, string(req.Budget), d.Reason, d.Allowed)
	for _, w := range d.SoftWarnings {
		g.obsMetrics.RecordShieldWarning(ctx, w)
	}

	fields := []zap.Field{
		zap.String("product_id", req.ProductID),
		zap.String("budget", string(req.Budget)),
		zap.String("amount", req.Amount.String()),
		zap.Bool("allowed", d.Allowed),
		zap.String("reason", d.Reason),
		zap.String("layer", string(d.Layer)),
	}
	if len(d.SoftWarnings) > 0 {
		g.log.Warn("spend approved with warnings", append(fields, zap.Strings("soft_warnings", d.SoftWarnings))...)
		return
	}
	g.log.Info("spend decided", fields...)
}

func requestPayload(req vaultdomain.SpendRequest) map[string]any {
	return map[string]any{
		"budget": string(req.Budget),
		"amount": req.Amount.String(),
		"reason": req.Reason,
		"day":    req.Day,
	}
}

func decisionPayload(req vaultdomain.SpendRequest, d spenddomain.Decision) map[string]any {
	payload := requestPayload(req)
	payload["allowed"] = d.Allowed
	payload["reason"] = d.Reason
	payload["layer"] = string(d.Layer)
	if req.Reason != "" {
		payload["request_reason"] = req.Reason
	}
	if len(d.SoftWarnings) > 0 {
		payload["soft_warnings"] = d.SoftWarnings
	}
	return payload
}
