package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/config"
	idemdomain "github.com/smallbiznis/spendguard/internal/idempotency/domain"
	"github.com/smallbiznis/spendguard/internal/idempotency/memory"
	ledgerdomain "github.com/smallbiznis/spendguard/internal/ledger/domain"
	"github.com/smallbiznis/spendguard/internal/signature"
	"github.com/smallbiznis/spendguard/internal/webhook/domain"
	"github.com/smallbiznis/spendguard/internal/webhook/router"
	"github.com/smallbiznis/spendguard/internal/webhook/shopify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "s3cret"

type fakeRecorder struct {
	mu     sync.Mutex
	events []ledgerdomain.Event
	fail   bool
}

func (r *fakeRecorder) Record(_ context.Context, req ledgerdomain.RecordRequest) (ledgerdomain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return ledgerdomain.Event{}, fmt.Errorf("%w: disk full", ledgerdomain.ErrLedgerWrite)
	}
	event := ledgerdomain.Event{
		EventID:    fmt.Sprint(len(r.events) + 1),
		EventType:  req.Type,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Timestamp:  time.Now().UTC(),
		Payload:    req.Payload,
	}
	r.events = append(r.events, event)
	return event, nil
}

func (r *fakeRecorder) count(t ledgerdomain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	recorder *fakeRecorder
}

func newFixture(t *testing.T, webhook config.WebhookConfig) fixture {
	t.Helper()
	r, err := router.NewFromRegistrations(shopify.Registrations()...)
	require.NoError(t, err)
	require.NoError(t, r.Register("acme", "invoice.paid", func(_ context.Context, e domain.Event) (map[string]any, error) {
		return map[string]any{"id": e.Payload["id"]}, nil
	}))

	store := memory.New(clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))
	recorder := &fakeRecorder{}
	svc := NewService(Params{
		Cfg:      config.Config{Webhook: webhook},
		Store:    store,
		Router:   r,
		Recorder: recorder,
		Log:      zap.NewNop(),
	})
	return fixture{svc: svc, store: store, recorder: recorder}
}

func signedDelivery(topic string, body []byte) domain.Delivery {
	return domain.Delivery{
		Provider:          "shopify",
		Topic:             topic,
		ShopDomain:        "demo.myshopify.com",
		Body:              body,
		Signature:         signature.SignBase64(secret, body),
		SignatureEncoding: domain.EncodingBase64,
	}
}

func shopifyConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Secrets:          map[string]string{"shopify": secret, "acme": secret},
		RequireSignature: true,
	}
}

func TestIngestRefundDeliveredTwice(t *testing.T) {
	f := newFixture(t, shopifyConfig())
	body := []byte(`{"id":"r-1","order_id":"o-1","transactions":[{"amount":"12.50"}]}`)
	delivery := signedDelivery(shopify.TopicRefundsCreate, body)

	first, err := f.svc.Ingest(context.Background(), delivery)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, first.Status)
	assert.Equal(t, "12.50", first.Summary["amount"])
	assert.NotEmpty(t, first.EventID)

	second, err := f.svc.Ingest(context.Background(), delivery)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDuplicate, second.Status)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, "12.50", second.Summary["amount"])

	assert.Equal(t, 1, f.recorder.count(ledgerdomain.EventTypeWebhookReceived))
	assert.Equal(t, 1, f.recorder.count(ledgerdomain.EventTypeWebhookDuplicate))

	received := f.recorder.events[0]
	assert.Equal(t, ledgerdomain.EntityTypeWebhook, received.EntityType)
	assert.Equal(t, first.Fingerprint, received.EntityID)
}

func TestIngestConcurrentDuplicatesAcceptOnce(t *testing.T) {
	f := newFixture(t, shopifyConfig())
	body := []byte(`{"id":"o-9","total_price":"40.00"}`)
	delivery := signedDelivery(shopify.TopicOrdersPaid, body)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Ingest(context.Background(), delivery)
			if err != nil {
				return
			}
			if out.Status == domain.StatusAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, f.recorder.count(ledgerdomain.EventTypeWebhookReceived))
	assert.Equal(t, workers-1, f.recorder.count(ledgerdomain.EventTypeWebhookDuplicate))
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t, shopifyConfig())
	body := []byte(`{"id":"o-1","total_price":"1.00"}`)

	delivery := signedDelivery(shopify.TopicOrdersCreate, body)
	delivery.Signature = signature.SignBase64("wrong", body)
	out, err := f.svc.Ingest(context.Background(), delivery)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Equal(t, domain.StatusSignatureRejected, out.Status)

	delivery.Signature = ""
	out, err = f.svc.Ingest(context.Background(), delivery)
	assert.ErrorIs(t, err, domain.ErrMissingSignature)
	assert.Equal(t, domain.StatusSignatureRejected, out.Status)

	assert.Empty(t, f.recorder.events)
}

func TestIngestHexSignature(t *testing.T) {
	f := newFixture(t, shopifyConfig())
	body := []byte(`{"id":"inv-1"}`)
	out, err := f.svc.Ingest(context.Background(), domain.Delivery{
		Provider:          "ACME",
		Topic:             "invoice.paid",
		ShopDomain:        "acme.example",
		Body:              body,
		Signature:         signature.Sign(secret, body),
		SignatureEncoding: domain.EncodingHex,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, out.Status)
}

func TestIngestMissingSecretFailsClosed(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{RequireSignature: true})
	body := []byte(`{"id":"o-1","total_price":"1.00"}`)

	out, err := f.svc.Ingest(context.Background(), signedDelivery(shopify.TopicOrdersCreate, body))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Equal(t, domain.StatusSignatureRejected, out.Status)
}

func TestIngestUnsignedWhenNotRequired(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{RequireSignature: false})
	body := []byte(`{"id":"o-1","total_price":"1.00"}`)
	delivery := signedDelivery(shopify.TopicOrdersCreate, body)
	delivery.Signature = ""

	out, err := f.svc.Ingest(context.Background(), delivery)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, out.Status)
}

func TestIngestMissingHeaders(t *testing.T) {
	f := newFixture(t, shopifyConfig())
	delivery := signedDelivery("", []byte(`{}`))

	out, err := f.svc.Ingest(context.Background(), delivery)
	assert.ErrorIs(t, err, domain.ErrMissingHeaders)
	assert.Equal(t, domain.StatusBadRequest, out.Status)

	delivery = signedDelivery(shopify.TopicOrdersCreate, []byte(`{}`))
	delivery.ShopDomain = " "
	_, err = f.svc.Ingest(context.Background(), delivery)
	assert.ErrorIs(t, err, domain.ErrMissingHeaders)
}

func TestIngestReleasesClaimOnHandlerFailure(t *testing.T) {
	f := newFixture(t, shopifyConfig())

	malformed := signedDelivery(shopify.TopicOrdersCreate, []byte(`{"total_price":"1.00"}`))
	out, err := f.svc.Ingest(context.Background(), malformed)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	assert.Equal(t, domain.StatusMalformedRejected, out.Status)

	res, err := f.store.Reserve(context.Background(), out.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, idemdomain.OutcomeClaimed, res.Outcome)

	unhandled := signedDelivery("products/update", []byte(`{"id":"p-1"}`))
	out, err = f.svc.Ingest(context.Background(), unhandled)
	assert.ErrorIs(t, err, domain.ErrUnhandled)
	assert.Equal(t, domain.StatusUnhandledRejected, out.Status)

	res, err = f.store.Reserve(context.Background(), out.Fingerprint)
	require.NoError(t, err)
	assert.True(t, res.Claimed())
	assert.Empty(t, f.recorder.events)
}

func TestIngestLedgerFailureAllowsRetry(t *testing.T) {
	f := newFixture(t, shopifyConfig())
	delivery := signedDelivery(shopify.TopicOrdersCreate, []byte(`{"id":"o-2","total_price":"3.00"}`))

	f.recorder.fail = true
	out, err := f.svc.Ingest(context.Background(), delivery)
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerWrite)
	assert.Equal(t, domain.StatusFailed, out.Status)

	f.recorder.fail = false
	out, err = f.svc.Ingest(context.Background(), delivery)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, out.Status)
	assert.Equal(t, 1, f.recorder.count(ledgerdomain.EventTypeWebhookReceived))
}

func TestFingerprintSeparatesShops(t *testing.T) {
	f := newFixture(t, shopifyConfig())
	body := []byte(`{"id":"o-3","total_price":"3.00"}`)

	a := signedDelivery(shopify.TopicOrdersCreate, body)
	b := signedDelivery(shopify.TopicOrdersCreate, body)
	b.ShopDomain = "other.myshopify.com"

	outA, err := f.svc.Ingest(context.Background(), a)
	require.NoError(t, err)
	outB, err := f.svc.Ingest(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAccepted, outA.Status)
	assert.Equal(t, domain.StatusAccepted, outB.Status)
	assert.NotEqual(t, outA.Fingerprint, outB.Fingerprint)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Backend() string { return "mock" }

func (m *mockStore) Reserve(ctx context.Context, fingerprint string) (idemdomain.Reservation, error) {
	args := m.Called(ctx, fingerprint)
	return args.Get(0).(idemdomain.Reservation), args.Error(1)
}

func (m *mockStore) Complete(ctx context.Context, fingerprint string, result map[string]any) error {
	args := m.Called(ctx, fingerprint, result)
	return args.Error(0)
}

func (m *mockStore) Release(ctx context.Context, fingerprint string) error {
	args := m.Called(ctx, fingerprint)
	return args.Error(0)
}

func (m *mockStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func newMockFixture(t *testing.T, store idemdomain.Store) (*Service, *fakeRecorder) {
	t.Helper()
	r, err := router.NewFromRegistrations(shopify.Registrations()...)
	require.NoError(t, err)
	recorder := &fakeRecorder{}
	return NewService(Params{
		Cfg:      config.Config{Webhook: shopifyConfig()},
		Store:    store,
		Router:   r,
		Recorder: recorder,
		Log:      zap.NewNop(),
	}), recorder
}

func TestIngestCompleteFailureStillAccepts(t *testing.T) {
	store := &mockStore{}
	svc, recorder := newMockFixture(t, store)
	delivery := signedDelivery(shopify.TopicOrdersPaid, []byte(`{"id":"o-9","total_price":"7.00"}`))

	store.On("Reserve", mock.Anything, mock.AnythingOfType("string")).
		Return(idemdomain.Reservation{Outcome: idemdomain.OutcomeClaimed}, nil).Once()
	store.On("Complete", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(idemdomain.ErrStoreUnavailable).Once()

	out, err := svc.Ingest(context.Background(), delivery)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, out.Status)
	assert.Equal(t, 1, recorder.count(ledgerdomain.EventTypeWebhookReceived))
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestIngestReserveFailureIsReturned(t *testing.T) {
	store := &mockStore{}
	svc, recorder := newMockFixture(t, store)
	delivery := signedDelivery(shopify.TopicOrdersPaid, []byte(`{"id":"o-10","total_price":"1.00"}`))

	store.On("Reserve", mock.Anything, mock.AnythingOfType("string")).
		Return(idemdomain.Reservation{}, idemdomain.ErrStoreUnavailable).Once()

	out, err := svc.Ingest(context.Background(), delivery)
	assert.ErrorIs(t, err, idemdomain.ErrStoreUnavailable)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Zero(t, recorder.count(ledgerdomain.EventTypeWebhookReceived))
	store.AssertExpectations(t)
}
