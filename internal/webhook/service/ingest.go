package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/spendguard/internal/config"
	idemdomain "github.com/smallbiznis/spendguard/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/spendguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/spendguard/internal/observability/metrics"
	"github.com/smallbiznis/spendguard/internal/observability/tracing"
	"github.com/smallbiznis/spendguard/internal/ratelimit"
	"github.com/smallbiznis/spendguard/internal/signature"
	"github.com/smallbiznis/spendguard/internal/webhook/domain"
	"github.com/smallbiznis/spendguard/internal/webhook/router"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const endpointWebhook = "webhook"

type Params struct {
	fx.In

	Cfg        config.Config
	Store      idemdomain.Store
	Router     *router.Router
	Recorder   ledgerdomain.Recorder
	Log        *zap.Logger
	Limiter    *ratelimit.WebhookLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

// Service ingests webhook deliveries exactly once per fingerprint.
type Service struct {
	webhook    config.WebhookConfig
	store      idemdomain.Store
	router     *router.Router
	recorder   ledgerdomain.Recorder
	limiter    *ratelimit.WebhookLimiter
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		webhook:    p.Cfg.Webhook,
		store:      p.Store,
		router:     p.Router,
		recorder:   p.Recorder,
		limiter:    p.Limiter,
		log:        log.Named("webhook.ingest"),
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Ingest(ctx context.Context, d domain.Delivery) (out domain.Outcome, err error) {
	provider := domain.Normalize(d.Provider)
	topic := domain.Normalize(d.Topic)
	shop := domain.Normalize(d.ShopDomain)

	ctx, span := otel.Tracer("spendguard/webhook").Start(ctx, "webhook.ingest")
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("webhook.provider", provider),
		attribute.String("webhook.topic", topic),
	)...)
	defer func() {
		if err != nil {
			out.Status = domain.StatusForError(err)
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, string(out.Status))
		}
		span.SetAttributes(tracing.SafeAttributes(attribute.String("webhook.outcome", string(out.Status)))...)
		span.End()
		s.obsMetrics.RecordWebhookOutcome(ctx, provider, topic, string(out.Status))
	}()

	if provider == "" || topic == "" || shop == "" {
		return domain.Outcome{}, domain.ErrMissingHeaders
	}

	if err := s.checkRate(ctx, provider, shop, &out); err != nil {
		return out, err
	}

	if err := s.verify(provider, d); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.String("topic", topic),
			zap.String("shop_domain", shop),
			zap.Error(err),
		)
		return domain.Outcome{}, err
	}

	fingerprint := idemdomain.Fingerprint(provider, topic, shop, d.Body)
	reservation, err := s.store.Reserve(ctx, fingerprint)
	if err != nil {
		return domain.Outcome{Fingerprint: fingerprint}, err
	}
	s.obsMetrics.RecordReservation(ctx, s.store.Backend(), string(reservation.Outcome))

	base := map[string]any{
		"provider":    provider,
		"topic":       topic,
		"shop_domain": shop,
		"fingerprint": fingerprint,
	}

	if !reservation.Claimed() {
		return s.duplicate(ctx, fingerprint, reservation, base)
	}

	result, err := s.router.Handle(ctx, domain.Request{
		Provider:   provider,
		EventType:  topic,
		ShopDomain: shop,
		Body:       d.Body,
	})
	if err != nil {
		s.release(ctx, fingerprint)
		return domain.Outcome{Fingerprint: fingerprint}, err
	}

	payload := copyMap(base)
	payload["summary"] = result.Summary
	event, err := s.recorder.Record(ctx, ledgerdomain.RecordRequest{
		Type:       ledgerdomain.EventTypeWebhookReceived,
		EntityType: ledgerdomain.EntityTypeWebhook,
		EntityID:   fingerprint,
		Payload:    payload,
	})
	if err != nil {
		s.release(ctx, fingerprint)
		return domain.Outcome{Fingerprint: fingerprint}, err
	}

	// The event is already in the ledger; a record left in processing keeps
	// retries out, so a failed Complete is logged rather than returned.
	if err := s.store.Complete(ctx, fingerprint, result.Summary); err != nil {
		s.log.Error("idempotency complete failed",
			zap.String("fingerprint", fingerprint),
			zap.String("backend", s.store.Backend()),
			zap.Error(err),
		)
	}

	s.log.Info("webhook accepted",
		zap.String("provider", provider),
		zap.String("topic", topic),
		zap.String("shop_domain", shop),
		zap.String("event_id", event.EventID),
	)

	return domain.Outcome{
		Status:      domain.StatusAccepted,
		Fingerprint: fingerprint,
		EventID:     event.EventID,
		Summary:     result.Summary,
		FirstSeenAt: reservation.FirstSeenAt,
	}, nil
}

func (s *Service) checkRate(ctx context.Context, provider, shop string, out *domain.Outcome) error {
	if !s.limiter.Enabled() {
		return nil
	}
	res, err := s.limiter.AllowShop(ctx, provider, shop)
	if err != nil {
		s.log.Warn("webhook rate limit unavailable, allowing", zap.String("provider", provider), zap.Error(err))
		return nil
	}
	if res.Allowed {
		return nil
	}
	s.obsMetrics.RecordRateLimitDenied(ctx, provider, endpointWebhook)
	out.RetryAfter = res.RetryAfter
	return domain.ErrRateLimited
}

func (s *Service) verify(provider string, d domain.Delivery) error {
	secret, ok := s.webhook.Secret(provider)
	if !ok {
		if s.webhook.RequireSignature {
			return fmt.Errorf("%w: no secret configured for %s", domain.ErrInvalidSignature, provider)
		}
		return nil
	}
	if d.SignatureEncoding == domain.EncodingBase64 {
		return signature.CheckBase64(secret, d.Body, d.Signature)
	}
	return signature.Check(secret, d.Body, d.Signature)
}

func (s *Service) duplicate(ctx context.Context, fingerprint string, reservation idemdomain.Reservation, base map[string]any) (domain.Outcome, error) {
	payload := copyMap(base)
	payload["outcome"] = string(reservation.Outcome)
	if !reservation.FirstSeenAt.IsZero() {
		payload["first_seen_at"] = reservation.FirstSeenAt.UTC()
	}
	event, err := s.recorder.Record(ctx, ledgerdomain.RecordRequest{
		Type:       ledgerdomain.EventTypeWebhookDuplicate,
		EntityType: ledgerdomain.EntityTypeWebhook,
		EntityID:   fingerprint,
		Payload:    payload,
	})
	if err != nil {
		return domain.Outcome{Fingerprint: fingerprint}, err
	}
	s.log.Info("webhook duplicate",
		zap.String("fingerprint", fingerprint),
		zap.String("outcome", string(reservation.Outcome)),
	)
	return domain.Outcome{
		Status:      domain.StatusDuplicate,
		Fingerprint: fingerprint,
		EventID:     event.EventID,
		Summary:     reservation.Result,
		FirstSeenAt: reservation.FirstSeenAt,
	}, nil
}

func (s *Service) release(ctx context.Context, fingerprint string) {
	// The caller's context may already be cancelled; the claim must still be
	// marked failed so a redelivery can reclaim it.
	releaseCtx := context.WithoutCancel(ctx)
	if err := s.store.Release(releaseCtx, fingerprint); err != nil && !errors.Is(err, idemdomain.ErrNotClaimed) {
		s.log.Error("idempotency release failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
