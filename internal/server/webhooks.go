package server

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/spendguard/internal/webhook/domain"
)

const maxWebhookBodyBytes = 1 << 20

const (
	headerShopifyTopic = "X-Shopify-Topic"
	headerShopifyShop  = "X-Shopify-Shop-Domain"
	headerShopifyHMAC  = "X-Shopify-Hmac-Sha256"
	headerEventType    = "X-Event-Type"
	headerShopDomain   = "X-Shop-Domain"
	headerSignature    = "X-Signature"
	contextProviderKey = "webhook_provider"
	contextOutcomeKey  = "webhook_outcome"
)

func (s *Server) HandleWebhook(c *gin.Context) {
	provider := webhookdomain.Normalize(c.Param("provider"))
	c.Set(contextProviderKey, provider)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil || len(body) > maxWebhookBodyBytes {
		c.Set(contextOutcomeKey, string(webhookdomain.StatusBadRequest))
		AbortWithError(c, invalidRequestError())
		return
	}

	delivery := webhookdomain.Delivery{
		Provider:   provider,
		Topic:      firstHeader(c, headerShopifyTopic, headerEventType),
		ShopDomain: firstHeader(c, headerShopifyShop, headerShopDomain),
		Body:       body,
	}
	// Shopify signs with base64; generic providers send hex.
	if sig := strings.TrimSpace(c.GetHeader(headerShopifyHMAC)); sig != "" {
		delivery.Signature = sig
		delivery.SignatureEncoding = webhookdomain.EncodingBase64
	} else {
		delivery.Signature = strings.TrimSpace(c.GetHeader(headerSignature))
		delivery.SignatureEncoding = webhookdomain.EncodingHex
	}

	outcome, err := s.webhookSvc.Ingest(c.Request.Context(), delivery)
	c.Set(contextOutcomeKey, string(outcome.Status))
	if err != nil {
		if outcome.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(outcome.RetryAfter.Seconds()))))
		}
		AbortWithError(c, err)
		return
	}

	if outcome.Status == webhookdomain.StatusDuplicate {
		c.JSON(http.StatusConflict, gin.H{"data": outcome})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

func firstHeader(c *gin.Context, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(c.GetHeader(name)); value != "" {
			return value
		}
	}
	return ""
}
