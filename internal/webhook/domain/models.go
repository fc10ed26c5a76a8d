package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/spendguard/internal/signature"
)

// Event is a verified, parsed delivery handed to a Handler.
type Event struct {
	Provider   string
	Type       string
	ShopDomain string
	Payload    map[string]any
	Raw        []byte
}

// Handler processes one event type. The returned summary is stored with the
// idempotency record and written to the ledger.
type Handler func(ctx context.Context, event Event) (map[string]any, error)

// Registration binds a handler to a provider and event type.
type Registration struct {
	Provider  string
	EventType string
	Handler   Handler
}

// Request is the router input. When Secret is set the signature is checked
// before the body is parsed.
type Request struct {
	Provider   string
	EventType  string
	ShopDomain string
	Body       []byte
	Secret     string
	Signature  string
}

type Result struct {
	Provider  string
	EventType string
	Summary   map[string]any
}

type SignatureEncoding string

const (
	EncodingHex    SignatureEncoding = "hex"
	EncodingBase64 SignatureEncoding = "base64"
)

// Delivery is an inbound webhook as received over HTTP.
type Delivery struct {
	Provider          string
	Topic             string
	ShopDomain        string
	Body              []byte
	Signature         string
	SignatureEncoding SignatureEncoding
}

type Status string

const (
	StatusAccepted          Status = "accepted"
	StatusDuplicate         Status = "duplicate"
	StatusSignatureRejected Status = "signature_rejected"
	StatusMalformedRejected Status = "malformed_rejected"
	StatusUnhandledRejected Status = "unhandled_rejected"
	StatusBadRequest        Status = "bad_request"
	StatusRateLimited       Status = "rate_limited"
	StatusFailed            Status = "failed"
)

type Outcome struct {
	Status      Status         `json:"status"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
	FirstSeenAt time.Time      `json:"first_seen_at,omitempty"`
	RetryAfter  time.Duration  `json:"-"`
}

type Service interface {
	Ingest(ctx context.Context, delivery Delivery) (Outcome, error)
}

var (
	ErrMissingSignature    = signature.ErrMissingSignature
	ErrInvalidSignature    = signature.ErrInvalidSignature
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	ErrUnhandled           = errors.New("unhandled webhook")
	ErrMissingHeaders      = errors.New("missing webhook headers")
	ErrRateLimited         = errors.New("webhook rate limited")
	ErrDuplicateHandler    = errors.New("webhook handler already registered")
	ErrInvalidRegistration = errors.New("webhook registration requires provider, event type and handler")
)

// Normalize lowercases and trims provider and event type keys.
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// StatusForError maps an ingest error to the outcome reported to callers.
func StatusForError(err error) Status {
	switch {
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrInvalidSignature):
		return StatusSignatureRejected
	case errors.Is(err, ErrMalformedPayload):
		return StatusMalformedRejected
	case errors.Is(err, ErrUnhandled):
		return StatusUnhandledRejected
	case errors.Is(err, ErrMissingHeaders):
		return StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return StatusRateLimited
	default:
		return StatusFailed
	}
}
