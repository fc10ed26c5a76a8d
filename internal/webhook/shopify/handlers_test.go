package shopify

import (
	"context"
	"testing"

	"github.com/smallbiznis/spendguard/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleOrder(t *testing.T) {
	summary, err := HandleOrder(context.Background(), domain.Event{
		Provider:   Provider,
		Type:       TopicOrdersPaid,
		ShopDomain: "demo.myshopify.com",
		Payload: map[string]any{
			"id":               float64(820982911946154500),
			"total_price":      "19.9",
			"currency":         "usd",
			"financial_status": "paid",
			"line_items":       []any{map[string]any{}, map[string]any{}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "order", summary["kind"])
	assert.Equal(t, "19.90", summary["total_price"])
	assert.Equal(t, "USD", summary["currency"])
	assert.Equal(t, 2, summary["line_items"])
	assert.NotEmpty(t, summary["order_id"])
}

func TestHandleOrderRequiresID(t *testing.T) {
	_, err := HandleOrder(context.Background(), domain.Event{Payload: map[string]any{}})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = HandleOrder(context.Background(), domain.Event{Payload: map[string]any{"id": "1", "total_price": "abc"}})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestHandleRefundSumsTransactions(t *testing.T) {
	summary, err := HandleRefund(context.Background(), domain.Event{
		Type: TopicRefundsCreate,
		Payload: map[string]any{
			"id":       "r-1",
			"order_id": "o-1",
			"transactions": []any{
				map[string]any{"amount": "5.10"},
				map[string]any{"amount": "4.90"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.00", summary["amount"])
	assert.Equal(t, "o-1", summary["order_id"])
}

func TestRegistrationsCoverTopics(t *testing.T) {
	topics := map[string]bool{}
	for _, reg := range Registrations() {
		assert.Equal(t, Provider, reg.Provider)
		topics[reg.EventType] = true
	}
	assert.True(t, topics[TopicOrdersCreate])
	assert.True(t, topics[TopicOrdersPaid])
	assert.True(t, topics[TopicRefundsCreate])
}
