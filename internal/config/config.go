package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint  string
	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool

	Redis       RedisConfig
	Ledger      LedgerConfig
	Idempotency IdempotencyConfig
	Webhook     WebhookConfig
	RateLimit   RateLimitConfig
	Admin       AdminConfig
	Vault       VaultConfig
	Scheduler   SchedulerConfig

	// GuardrailConfigDir is searched first for guardrail.yml.
	GuardrailConfigDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// ObservabilityConfig covers logging and OpenTelemetry export.
type ObservabilityConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
}

type LedgerConfig struct {
	Path string
}

const (
	IdempotencyBackendMemory = "memory"
	IdempotencyBackendSQL    = "sql"
	IdempotencyBackendRedis  = "redis"
)

type IdempotencyConfig struct {
	Backend   string
	TTL       time.Duration
	KeyPrefix string
}

type WebhookConfig struct {
	// Secrets maps a lowercase provider name to its shared HMAC secret.
	Secrets          map[string]string
	RequireSignature bool
}

// Secret resolves the shared secret for provider.
func (c WebhookConfig) Secret(provider string) (string, bool) {
	secret, ok := c.Secrets[strings.ToLower(strings.TrimSpace(provider))]
	if !ok || secret == "" {
		return "", false
	}
	return secret, true
}

type RateLimitConfig struct {
	Enabled          bool
	WebhookShopRate  float64
	WebhookShopBurst int
}

type AdminKey struct {
	Name string
	Role string
	Hash string
}

type AdminConfig struct {
	Keys []AdminKey
}

type VaultConfig struct {
	InitialTotal string
}

type SchedulerConfig struct {
	RunInterval time.Duration
	LockTTL     time.Duration
	// EnabledJobs limits the worker to the named jobs; empty runs all of them.
	EnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:            getenv("APP_SERVICE", "spendguard"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        getenv("ENVIRONMENT", "development"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		Observability: ObservabilityConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtelProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		DBType:             strings.ToLower(getenv("DATABASE_TYPE", "sqlite")),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "spendguard"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBPath:             getenv("DATABASE_PATH", "spendguard.db"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime:  getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:  getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBRunMigrations:    getenvBool("DATABASE_RUN_MIGRATIONS", true),
		GuardrailConfigDir: strings.TrimSpace(getenv("GUARDRAIL_CONFIG_DIR", "")),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Ledger: LedgerConfig{
			Path: getenv("LEDGER_PATH", "data/ledger.ndjson"),
		},
		Idempotency: IdempotencyConfig{
			Backend:   strings.ToLower(getenv("IDEMPOTENCY_BACKEND", IdempotencyBackendSQL)),
			TTL:       getenvDuration("IDEMPOTENCY_TTL", 7*24*time.Hour),
			KeyPrefix: getenv("IDEMPOTENCY_KEY_PREFIX", "spendguard:idem:"),
		},
		Webhook: WebhookConfig{
			Secrets:          webhookSecrets(getenv("WEBHOOK_PROVIDERS", "shopify")),
			RequireSignature: getenvBool("WEBHOOK_REQUIRE_SIGNATURE", true),
		},
		RateLimit: RateLimitConfig{
			Enabled:          getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookShopRate:  getenvFloat("RATE_LIMIT_WEBHOOK_SHOP_RATE", 20),
			WebhookShopBurst: getenvInt("RATE_LIMIT_WEBHOOK_SHOP_BURST", 40),
		},
		Admin: AdminConfig{
			Keys: parseAdminKeys(getenv("ADMIN_API_KEYS", "")),
		},
		Vault: VaultConfig{
			InitialTotal: getenv("VAULT_INITIAL_TOTAL", "0"),
		},
		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			LockTTL:     getenvDuration("SCHEDULER_LOCK_TTL", 30*time.Second),
			EnabledJobs: splitList(getenv("SCHEDULER_JOBS", ""), ","),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// webhookSecrets reads WEBHOOK_SECRET_<PROVIDER> for every listed provider.
func webhookSecrets(rawProviders string) map[string]string {
	out := map[string]string{}
	for _, provider := range splitList(rawProviders, ",") {
		provider = strings.ToLower(provider)
		key := "WEBHOOK_SECRET_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
		if secret := strings.TrimSpace(os.Getenv(key)); secret != "" {
			out[provider] = secret
		}
	}
	return out
}

// parseAdminKeys parses "name:role:bcrypt-hash" entries separated by commas.
func parseAdminKeys(raw string) []AdminKey {
	entries := splitList(raw, ",")
	out := make([]AdminKey, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		role := strings.ToLower(strings.TrimSpace(parts[1]))
		hash := strings.TrimSpace(parts[2])
		if name == "" || role == "" || hash == "" {
			continue
		}
		out = append(out, AdminKey{Name: name, Role: role, Hash: hash})
	}
	return out
}

func splitList(raw, sep string) []string {
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
