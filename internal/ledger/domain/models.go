package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// EventType enumerates the facts the ledger records.
type EventType string

const (
	EventTypeSpendRequest     EventType = "SPEND_REQUEST"
	EventTypeSpendDecision    EventType = "SPEND_DECISION"
	EventTypeWebhookReceived  EventType = "WEBHOOK_RECEIVED"
	EventTypeWebhookDuplicate EventType = "WEBHOOK_DUPLICATE"
	EventTypeAdminDeposit     EventType = "ADMIN_DEPOSIT"
	EventTypeAdminWithdraw    EventType = "ADMIN_WITHDRAW"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeSpendRequest,
		EventTypeSpendDecision,
		EventTypeWebhookReceived,
		EventTypeWebhookDuplicate,
		EventTypeAdminDeposit,
		EventTypeAdminWithdraw:
		return true
	default:
		return false
	}
}

// Entity types used by the guardrail components.
const (
	EntityTypeProduct = "product"
	EntityTypeWebhook = "webhook"
	EntityTypeVault   = "vault"
)

// Event is one immutable ledger line.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  EventType      `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Timestamp  time.Time      `json:"ts"`
	TraceID    string         `json:"trace_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrMissingEventID
	}
	if !e.EventType.Valid() {
		return ErrInvalidEventType
	}
	if strings.TrimSpace(e.EntityType) == "" {
		return ErrMissingEntity
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// Store appends events durably. Append must not return until the event
// survives a process crash.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// RecordRequest is the caller-supplied part of an event.
type RecordRequest struct {
	Type       EventType
	EntityType string
	EntityID   string
	Payload    map[string]any
}

// Recorder stamps, redacts and appends events.
type Recorder interface {
	Record(ctx context.Context, req RecordRequest) (Event, error)
}

var (
	ErrLedgerWrite      = errors.New("ledger write failed")
	ErrLedgerClosed     = errors.New("ledger closed")
	ErrMissingEventID   = errors.New("ledger event id is required")
	ErrInvalidEventType = errors.New("ledger event type is invalid")
	ErrMissingEntity    = errors.New("ledger entity type is required")
	ErrMissingTimestamp = errors.New("ledger event timestamp is required")
)
