package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/authorization"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/config"
	"github.com/smallbiznis/spendguard/internal/idempotency/memory"
	ledgerservice "github.com/smallbiznis/spendguard/internal/ledger/service"
	"github.com/smallbiznis/spendguard/internal/ledger/ndjson"
	"github.com/smallbiznis/spendguard/internal/observability"
	"github.com/smallbiznis/spendguard/internal/quality"
	"github.com/smallbiznis/spendguard/internal/shield"
	"github.com/smallbiznis/spendguard/internal/signature"
	spendservice "github.com/smallbiznis/spendguard/internal/spend/service"
	vaultdomain "github.com/smallbiznis/spendguard/internal/vault/domain"
	vaultservice "github.com/smallbiznis/spendguard/internal/vault/service"
	"github.com/smallbiznis/spendguard/internal/webhook/router"
	webhookservice "github.com/smallbiznis/spendguard/internal/webhook/service"
	"github.com/smallbiznis/spendguard/internal/webhook/shopify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	webhookSecret = "shpss_test_secret"
	adminToken    = "admin-token"
	operatorToken = "operator-token"
	auditorToken  = "auditor-token"
)

type testServer struct {
	engine *gin.Engine
	vault  *vaultservice.Vault
	shield *shield.Shield
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		Webhook: config.WebhookConfig{
			Secrets:          map[string]string{"shopify": webhookSecret},
			RequireSignature: true,
		},
		Admin: config.AdminConfig{Keys: []config.AdminKey{
			adminKey(t, "root", authorization.RoleAdmin, adminToken),
			adminKey(t, "ops", authorization.RoleOperator, operatorToken),
			adminKey(t, "audit", authorization.RoleAuditor, auditorToken),
		}},
	}
	fake := clock.NewFakeClock(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerPath := filepath.Join(t.TempDir(), "ledger.ndjson")
	writer, err := ndjson.Open(ledgerPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	recorder := ledgerservice.NewRecorder(ledgerservice.Params{Store: writer, Clock: fake, GenID: node, Log: log})

	guardrail := config.DefaultGuardrailConfig()
	v, err := vaultservice.New(decimal.NewFromInt(1000), vaultdomain.Config{
		LearningPct:    guardrail.Vault.LearningPct,
		OperationalPct: guardrail.Vault.OperationalPct,
		ReservePct:     guardrail.Vault.ReservePct,
	})
	require.NoError(t, err)
	sh, err := shield.New(shield.DefaultPolicy(), fake, log)
	require.NoError(t, err)

	gateway := spendservice.New(spendservice.Params{
		Vault:     v,
		Shield:    sh,
		Recorder:  recorder,
		Quality:   quality.NewGuard(),
		Guardrail: config.NewStaticGuardrailConfigHolder(guardrail),
		Log:       log,
	})

	r, err := router.NewFromRegistrations(shopify.Registrations()...)
	require.NoError(t, err)
	webhooks := webhookservice.New(webhookservice.Params{
		Cfg:      cfg,
		Store:    memory.New(fake),
		Router:   r,
		Recorder: recorder,
		Log:      log,
	})

	enforcer, err := authorization.NewEnforcer(nil)
	require.NoError(t, err)
	authz, err := authorization.NewService(authorization.Params{Cfg: cfg, Log: log, Enforcer: enforcer})
	require.NoError(t, err)

	engine := NewEngine(observability.Config{}, nil)
	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        cfg,
		Log:        log,
		WebhookSvc: webhooks,
		SpendSvc:   gateway,
		Vault:      v,
		Shield:     sh,
		Quality:    quality.NewGuard(),
		Ledger:     ndjson.NewReader(ledgerPath),
		AuthzSvc:   authz,
		Keys:       authorization.NewKeyRing(cfg),
	})
	return testServer{engine: engine, vault: v, shield: sh}
}

func adminKey(t *testing.T, name, role, token string) config.AdminKey {
	t.Helper()
	hash, err := authorization.HashKey(token, bcrypt.MinCost)
	require.NoError(t, err)
	return config.AdminKey{Name: name, Role: role, Hash: hash}
}

func (s testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func shopifyHeaders(topic string, body []byte) map[string]string {
	return map[string]string{
		headerShopifyTopic: topic,
		headerShopifyShop:  "demo.myshopify.com",
		headerShopifyHMAC:  signature.SignBase64(webhookSecret, body),
	}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorType(out map[string]any) string {
	payload, _ := out["error"].(map[string]any)
	value, _ := payload["type"].(string)
	return value
}

func data(out map[string]any) map[string]any {
	value, _ := out["data"].(map[string]any)
	return value
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w, out := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestWebhookAcceptedThenDuplicate(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"id":1001,"total_price":"49.90","currency":"usd","line_items":[{"id":1}]}`)
	headers := shopifyHeaders(shopify.TopicOrdersCreate, body)

	w, out := s.do(t, http.MethodPost, "/webhooks/shopify", body, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "accepted", data(out)["status"])
	fingerprint := data(out)["fingerprint"]
	assert.NotEmpty(t, fingerprint)

	w, out = s.do(t, http.MethodPost, "/webhooks/shopify", body, headers)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "duplicate", data(out)["status"])
	assert.Equal(t, fingerprint, data(out)["fingerprint"])

	w, out = s.do(t, http.MethodGet, "/v1/ledger/stats", nil, bearer(auditorToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	byType, _ := data(out)["by_event_type"].(map[string]any)
	assert.EqualValues(t, 1, byType["WEBHOOK_RECEIVED"])
	assert.EqualValues(t, 1, byType["WEBHOOK_DUPLICATE"])
}

func TestWebhookRejections(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"id":"r-1","transactions":[{"amount":"5.00"}]}`)

	tests := []struct {
		name     string
		provider string
		body     []byte
		headers  map[string]string
		status   int
		errType  string
	}{
		{
			name:     "bad signature",
			provider: "shopify",
			body:     body,
			headers: map[string]string{
				headerShopifyTopic: shopify.TopicRefundsCreate,
				headerShopifyShop:  "demo.myshopify.com",
				headerShopifyHMAC:  signature.SignBase64("wrong", body),
			},
			status:  http.StatusUnauthorized,
			errType: "invalid_signature",
		},
		{
			name:     "missing signature",
			provider: "shopify",
			body:     body,
			headers: map[string]string{
				headerShopifyTopic: shopify.TopicRefundsCreate,
				headerShopifyShop:  "demo.myshopify.com",
			},
			status:  http.StatusUnauthorized,
			errType: "invalid_signature",
		},
		{
			name:     "missing topic",
			provider: "shopify",
			body:     body,
			headers: map[string]string{
				headerShopifyShop: "demo.myshopify.com",
				headerShopifyHMAC: signature.SignBase64(webhookSecret, body),
			},
			status:  http.StatusBadRequest,
			errType: "missing_headers",
		},
		{
			name:     "malformed body",
			provider: "shopify",
			body:     []byte(`{not json`),
			headers:  shopifyHeaders(shopify.TopicRefundsCreate, []byte(`{not json`)),
			status:   http.StatusBadRequest,
			errType:  "malformed_payload",
		},
		{
			name:     "unhandled topic",
			provider: "shopify",
			body:     body,
			headers:  shopifyHeaders("customers/create", body),
			status:   http.StatusNotFound,
			errType:  "unhandled_webhook",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, out := s.do(t, http.MethodPost, "/webhooks/"+tc.provider, tc.body, tc.headers)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.errType, errorType(out))
		})
	}
}

func TestSpendUpdatesVaultAndShield(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"product_id":"p-1","amount":"5","budget":"learning","reason":"ads","day":2}`)

	w, out := s.do(t, http.MethodPost, "/v1/spend", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, data(out)["allowed"])
	assert.Equal(t, vaultdomain.ReasonApproved, data(out)["reason"])

	assert.True(t, s.vault.State().Learning.Spent.Equal(decimal.NewFromInt(5)))
	assert.True(t, s.shield.Snapshot().DailyTotal.Equal(decimal.NewFromInt(5)))

	w, out = s.do(t, http.MethodGet, "/v1/shield", nil, bearer(operatorToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "5", data(out)["daily_total"])
}

func TestSpendRejectionIsNotAnError(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"product_id":"p-1","amount":"5","budget":"reserve"}`)

	w, out := s.do(t, http.MethodPost, "/v1/spend", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, data(out)["allowed"])
	assert.Equal(t, vaultdomain.ReasonReserveProtected, data(out)["reason"])
}

func TestSpendRequiresProduct(t *testing.T) {
	s := newTestServer(t)

	w, out := s.do(t, http.MethodPost, "/v1/spend", []byte(`{"amount":"5","budget":"learning"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorType(out))
}

func TestAllocateBlockedByQuality(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"product_id":"p-2","amount":"10","evidence":{"price_usd":"0","shipping_usd":"1","rating":"4.8","reviews":10,"sold":100}}`)

	w, out := s.do(t, http.MethodPost, "/v1/spend/allocate", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "not_approved", data(out)["reason"])
	assert.True(t, s.vault.State().Learning.Spent.IsZero())
}

func TestEvaluateQuality(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"price_usd":"12","shipping_usd":"2","rating":"4.1","reviews":10,"sold":100}`)

	w, out := s.do(t, http.MethodPost, "/v1/quality/evaluate", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(quality.ActionOK), data(out)["action"])
	assert.Contains(t, data(out)["flags"], quality.FlagRatingLow)
}

func TestReadEndpointsRequireKeyOnceConfigured(t *testing.T) {
	s := newTestServer(t)

	w, out := s.do(t, http.MethodGet, "/v1/vault", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorType(out))

	w, out = s.do(t, http.MethodGet, "/v1/vault", nil, bearer(auditorToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	state, _ := data(out)["state"].(map[string]any)
	reserve, _ := state["reserve"].(map[string]any)
	assert.Equal(t, "150", reserve["total"])
}

func TestAdminVaultAdjustments(t *testing.T) {
	s := newTestServer(t)
	deposit := []byte(`{"amount":"100","note":"top up"}`)
	withdraw := []byte(`{"amount":"50"}`)

	w, _ := s.do(t, http.MethodPost, "/v1/admin/vault/deposit", deposit, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodPost, "/v1/admin/vault/deposit", deposit, bearer("not-a-key"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, out := s.do(t, http.MethodPost, "/v1/admin/vault/deposit", deposit, bearer(operatorToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, data(out)["allowed"])
	assert.True(t, s.vault.State().Total().Equal(decimal.NewFromInt(1100)))

	w, out = s.do(t, http.MethodPost, "/v1/admin/vault/withdraw", withdraw, bearer(operatorToken))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errorType(out))

	w, _ = s.do(t, http.MethodPost, "/v1/admin/vault/deposit", deposit, bearer(auditorToken))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, out = s.do(t, http.MethodPost, "/v1/admin/vault/withdraw", withdraw, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, data(out)["allowed"])
	assert.True(t, s.vault.State().Total().Equal(decimal.NewFromInt(1050)))

	w, out = s.do(t, http.MethodPost, "/v1/admin/vault/withdraw", []byte(`{"amount":"0"}`), bearer(adminToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorType(out))
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	w, out := s.do(t, http.MethodGet, "/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorType(out))
}

func TestMapErrorDefaultsToInternal(t *testing.T) {
	status, payload := mapError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", payload.Type)

	errType, code := classifyErrorForLog(assert.AnError)
	assert.Equal(t, "internal_error", errType)
	assert.Equal(t, "Internal Server Error", code)
}
