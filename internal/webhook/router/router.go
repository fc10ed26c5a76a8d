package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/smallbiznis/spendguard/internal/signature"
	"github.com/smallbiznis/spendguard/internal/webhook/domain"
)

// Router dispatches verified deliveries to handlers keyed by provider and
// event type. Registration happens at startup; lookups are read-only after.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]domain.Handler
}

func New() *Router {
	return &Router{handlers: map[string]domain.Handler{}}
}

// NewFromRegistrations builds a router from fx-contributed registrations and
// fails on duplicates.
func NewFromRegistrations(regs ...domain.Registration) (*Router, error) {
	r := New()
	for _, reg := range regs {
		if err := r.Register(reg.Provider, reg.EventType, reg.Handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func key(provider, eventType string) string {
	return domain.Normalize(provider) + ":" + domain.Normalize(eventType)
}

func (r *Router) Register(provider, eventType string, handler domain.Handler) error {
	if domain.Normalize(provider) == "" || domain.Normalize(eventType) == "" || handler == nil {
		return domain.ErrInvalidRegistration
	}
	k := key(provider, eventType)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateHandler, k)
	}
	r.handlers[k] = handler
	return nil
}

// Handles reports whether a handler exists for provider and eventType.
func (r *Router) Handles(provider, eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[key(provider, eventType)]
	return ok
}

// Handle verifies (when a secret is given), parses and dispatches req.
func (r *Router) Handle(ctx context.Context, req domain.Request) (domain.Result, error) {
	provider := domain.Normalize(req.Provider)
	eventType := domain.Normalize(req.EventType)

	if req.Secret != "" {
		if err := signature.Check(req.Secret, req.Body, req.Signature); err != nil {
			return domain.Result{}, err
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if payload == nil {
		return domain.Result{}, fmt.Errorf("%w: body must be a JSON object", domain.ErrMalformedPayload)
	}

	k := provider + ":" + eventType
	r.mu.RLock()
	handler, ok := r.handlers[k]
	r.mu.RUnlock()
	if !ok {
		return domain.Result{}, fmt.Errorf("%w: no handler for %s", domain.ErrUnhandled, k)
	}

	summary, err := handler(ctx, domain.Event{
		Provider:   provider,
		Type:       eventType,
		ShopDomain: domain.Normalize(req.ShopDomain),
		Payload:    payload,
		Raw:        req.Body,
	})
	if err != nil {
		return domain.Result{}, err
	}
	if summary == nil {
		summary = map[string]any{}
	}
	return domain.Result{Provider: provider, EventType: eventType, Summary: summary}, nil
}
