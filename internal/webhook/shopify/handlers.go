// Package shopify contributes the Shopify order and refund webhook handlers.
package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/webhook/domain"
)

const Provider = "shopify"

const (
	TopicOrdersCreate  = "orders/create"
	TopicOrdersPaid    = "orders/paid"
	TopicRefundsCreate = "refunds/create"
)

// Registrations returns the handlers this package serves.
func Registrations() []domain.Registration {
	return []domain.Registration{
		{Provider: Provider, EventType: TopicOrdersCreate, Handler: HandleOrder},
		{Provider: Provider, EventType: TopicOrdersPaid, Handler: HandleOrder},
		{Provider: Provider, EventType: TopicRefundsCreate, Handler: HandleRefund},
	}
}

// HandleOrder summarizes an order payload. Order totals arrive as strings.
func HandleOrder(_ context.Context, event domain.Event) (map[string]any, error) {
	id := stringValue(event.Payload["id"])
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", domain.ErrMalformedPayload)
	}
	total, err := decimalValue(event.Payload["total_price"])
	if err != nil {
		return nil, fmt.Errorf("%w: total_price: %v", domain.ErrMalformedPayload, err)
	}

	lineItems := 0
	if items, ok := event.Payload["line_items"].([]any); ok {
		lineItems = len(items)
	}

	return map[string]any{
		"kind":             "order",
		"topic":            event.Type,
		"shop_domain":      event.ShopDomain,
		"order_id":         id,
		"total_price":      total.StringFixed(2),
		"currency":         strings.ToUpper(stringValue(event.Payload["currency"])),
		"financial_status": stringValue(event.Payload["financial_status"]),
		"line_items":       lineItems,
	}, nil
}

// HandleRefund sums refund transaction amounts.
func HandleRefund(_ context.Context, event domain.Event) (map[string]any, error) {
	id := stringValue(event.Payload["id"])
	if id == "" {
		return nil, fmt.Errorf("%w: refund id is required", domain.ErrMalformedPayload)
	}

	amount := decimal.Zero
	if txs, ok := event.Payload["transactions"].([]any); ok {
		for i, raw := range txs {
			tx, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			value, err := decimalValue(tx["amount"])
			if err != nil {
				return nil, fmt.Errorf("%w: transactions[%d].amount: %v", domain.ErrMalformedPayload, i, err)
			}
			amount = amount.Add(value)
		}
	}

	return map[string]any{
		"kind":        "refund",
		"topic":       event.Type,
		"shop_domain": event.ShopDomain,
		"refund_id":   id,
		"order_id":    stringValue(event.Payload["order_id"]),
		"amount":      amount.StringFixed(2),
	}, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return decimal.NewFromFloat(t).String()
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func decimalValue(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(t))
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected type %T", v)
	}
}
