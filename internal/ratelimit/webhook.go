package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/spendguard/internal/config"
)

const keyWebhookShop = "webhook:shop:%s:%s"

// WebhookLimiter throttles deliveries per provider and shop domain. A nil
// limiter allows everything.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewWebhookLimiter(cfg config.Config, client *redis.Client) (*WebhookLimiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("webhook rate limit requires REDIS_ADDR")
	}
	if cfg.RateLimit.WebhookShopRate <= 0 || cfg.RateLimit.WebhookShopBurst <= 0 {
		return nil, errors.New("webhook shop rate limit must be positive")
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.RateLimit.WebhookShopRate,
		burst:  cfg.RateLimit.WebhookShopBurst,
	}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *WebhookLimiter) AllowShop(ctx context.Context, provider, shopDomain string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookShop,
		strings.ToLower(strings.TrimSpace(provider)),
		strings.ToLower(strings.TrimSpace(shopDomain)),
	)
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
