package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("shop_domain", "acme.myshopify.com"),
		attribute.String("product_id", "prod_1"),
		attribute.String("provider", "shopify"),
		attribute.String("reason", "ok"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("provider"), attrs[0].Key)
	assert.Equal(t, attribute.Key("reason"), attrs[1].Key)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWebhookOutcome(context.Background(), "shopify", "orders/create", "accepted")
		m.RecordSpendDecision(context.Background(), "learning", "APPROVED", true)
		m.RecordLedgerEvent(context.Background(), "SPEND_DECISION")
	})
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "spendguard-test"}, noop.NewMeterProvider())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotPanics(t, func() {
		m.RecordReservation(context.Background(), "memory", "claimed")
	})
}
