package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/ledger/domain"
	"github.com/smallbiznis/spendguard/internal/observability/metrics"
	"github.com/smallbiznis/spendguard/internal/redact"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store   domain.Store
	Clock   clock.Clock
	GenID   *snowflake.Node
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Recorder struct {
	store   domain.Store
	clock   clock.Clock
	genID   *snowflake.Node
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(p Params) domain.Recorder {
	return NewRecorder(p)
}

// NewRecorder returns the concrete recorder; tests use it without fx.
func NewRecorder(p Params) *Recorder {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Recorder{
		store:   p.Store,
		clock:   c,
		genID:   p.GenID,
		log:     log.Named("ledger.recorder"),
		metrics: p.Metrics,
	}
}

func (r *Recorder) Record(ctx context.Context, req domain.RecordRequest) (domain.Event, error) {
	if r.store == nil {
		return domain.Event{}, domain.ErrLedgerClosed
	}
	if !req.Type.Valid() {
		return domain.Event{}, domain.ErrInvalidEventType
	}

	entityType := strings.TrimSpace(req.EntityType)
	if entityType == "" {
		return domain.Event{}, domain.ErrMissingEntity
	}

	event := domain.Event{
		EventID:    r.genID.Generate().String(),
		EventType:  req.Type,
		EntityType: entityType,
		EntityID:   strings.TrimSpace(req.EntityID),
		Timestamp:  r.clock.Now().UTC(),
		TraceID:    traceID(ctx),
		Payload:    redact.Payload(req.Payload),
	}

	if err := r.store.Append(ctx, event); err != nil {
		r.metrics.RecordLedgerFailure(ctx, string(event.EventType))
		r.log.Error("ledger append failed",
			zap.String("event_type", string(event.EventType)),
			zap.String("entity_type", event.EntityType),
			zap.String("entity_id", event.EntityID),
			zap.Error(err),
		)
		if !errors.Is(err, domain.ErrLedgerWrite) && !errors.Is(err, domain.ErrLedgerClosed) {
			err = errors.Join(domain.ErrLedgerWrite, err)
		}
		return domain.Event{}, err
	}

	r.metrics.RecordLedgerEvent(ctx, string(event.EventType))
	r.log.Debug("ledger event recorded",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
		zap.String("entity_id", event.EntityID),
	)
	return event, nil
}

// traceID prefers the active span so ledger lines join up with traces.
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ulid.Make().String()
}
