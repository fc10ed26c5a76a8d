package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// GuardrailConfig holds the spend policy knobs that operators tune at runtime.
type GuardrailConfig struct {
	Vault       VaultPolicy
	Shield      ShieldPolicy
	ProductCaps ProductCaps
}

type VaultPolicy struct {
	LearningPct    decimal.Decimal
	OperationalPct decimal.Decimal
	ReservePct     decimal.Decimal
}

type ShieldPolicy struct {
	HardDailyCap        decimal.Decimal
	ProductSoftCapRatio decimal.Decimal
	ProductHardCapRatio decimal.Decimal
}

type ProductCaps struct {
	MaxTotalLearning decimal.Decimal
	MaxDay1Learning  decimal.Decimal
}

// rawGuardrailConfig keeps money as strings so YAML floats never leak into decimals.
type rawGuardrailConfig struct {
	Vault struct {
		LearningPct    string `mapstructure:"learningPct"`
		OperationalPct string `mapstructure:"operationalPct"`
		ReservePct     string `mapstructure:"reservePct"`
	} `mapstructure:"vault"`
	Shield struct {
		HardDailyCap        string `mapstructure:"hardDailyCap"`
		ProductSoftCapRatio string `mapstructure:"productSoftCapRatio"`
		ProductHardCapRatio string `mapstructure:"productHardCapRatio"`
	} `mapstructure:"shield"`
	ProductCaps struct {
		MaxTotalLearning string `mapstructure:"maxTotalLearning"`
		MaxDay1Learning  string `mapstructure:"maxDay1Learning"`
	} `mapstructure:"productCaps"`
}

func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		Vault: VaultPolicy{
			LearningPct:    decimal.RequireFromString("0.30"),
			OperationalPct: decimal.RequireFromString("0.55"),
			ReservePct:     decimal.RequireFromString("0.15"),
		},
		Shield: ShieldPolicy{
			HardDailyCap:        decimal.RequireFromString("30"),
			ProductSoftCapRatio: decimal.RequireFromString("0.40"),
			ProductHardCapRatio: decimal.RequireFromString("0.70"),
		},
		ProductCaps: ProductCaps{
			MaxTotalLearning: decimal.RequireFromString("30"),
			MaxDay1Learning:  decimal.RequireFromString("10"),
		},
	}
}

type GuardrailConfigHolder struct {
	current atomic.Value // holds GuardrailConfig

	mu        sync.Mutex
	listeners []func(GuardrailConfig)
}

// NewGuardrailConfigHolder loads guardrail.yml and watches it for changes.
// A missing file falls back to DefaultGuardrailConfig.
func NewGuardrailConfigHolder(cfg Config, log *zap.Logger) (*GuardrailConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.guardrail")

	v := viper.New()
	v.SetConfigName("guardrail")
	v.SetConfigType("yml")
	if dir := strings.TrimSpace(cfg.GuardrailConfigDir); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("/var/lib/spendguard/config")
	v.AddConfigPath("/etc/spendguard")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SPENDGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultGuardrailConfig()
	setGuardrailDefaults(v, defaults)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	loaded, err := decodeGuardrail(v)
	if err != nil {
		return nil, err
	}

	holder := &GuardrailConfigHolder{}
	holder.current.Store(loaded)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeGuardrail(v)
			if err != nil {
				log.Warn("invalid guardrail config ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.Set(updated)
			log.Info("guardrail config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

// NewStaticGuardrailConfigHolder returns a holder that never reloads.
func NewStaticGuardrailConfigHolder(cfg GuardrailConfig) *GuardrailConfigHolder {
	holder := &GuardrailConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *GuardrailConfigHolder) Get() GuardrailConfig {
	return h.current.Load().(GuardrailConfig)
}

// Set publishes cfg and notifies subscribers.
func (h *GuardrailConfigHolder) Set(cfg GuardrailConfig) {
	h.current.Store(cfg)

	h.mu.Lock()
	listeners := append([]func(GuardrailConfig){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// Subscribe registers fn to run after every successful reload.
func (h *GuardrailConfigHolder) Subscribe(fn func(GuardrailConfig)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func setGuardrailDefaults(v *viper.Viper, d GuardrailConfig) {
	v.SetDefault("guardrail.vault.learningPct", d.Vault.LearningPct.String())
	v.SetDefault("guardrail.vault.operationalPct", d.Vault.OperationalPct.String())
	v.SetDefault("guardrail.vault.reservePct", d.Vault.ReservePct.String())
	v.SetDefault("guardrail.shield.hardDailyCap", d.Shield.HardDailyCap.String())
	v.SetDefault("guardrail.shield.productSoftCapRatio", d.Shield.ProductSoftCapRatio.String())
	v.SetDefault("guardrail.shield.productHardCapRatio", d.Shield.ProductHardCapRatio.String())
	v.SetDefault("guardrail.productCaps.maxTotalLearning", d.ProductCaps.MaxTotalLearning.String())
	v.SetDefault("guardrail.productCaps.maxDay1Learning", d.ProductCaps.MaxDay1Learning.String())
}

func decodeGuardrail(v *viper.Viper) (GuardrailConfig, error) {
	// Unmarshal walks AllSettings so file values and defaults merge per leaf key.
	var wrapper struct {
		Guardrail rawGuardrailConfig `mapstructure:"guardrail"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return GuardrailConfig{}, err
	}
	raw := wrapper.Guardrail

	var (
		out  GuardrailConfig
		errs []error
	)
	parse := func(field, value string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("guardrail.%s: %w", field, err))
		}
		return d
	}

	out.Vault.LearningPct = parse("vault.learningPct", raw.Vault.LearningPct)
	out.Vault.OperationalPct = parse("vault.operationalPct", raw.Vault.OperationalPct)
	out.Vault.ReservePct = parse("vault.reservePct", raw.Vault.ReservePct)
	out.Shield.HardDailyCap = parse("shield.hardDailyCap", raw.Shield.HardDailyCap)
	out.Shield.ProductSoftCapRatio = parse("shield.productSoftCapRatio", raw.Shield.ProductSoftCapRatio)
	out.Shield.ProductHardCapRatio = parse("shield.productHardCapRatio", raw.Shield.ProductHardCapRatio)
	out.ProductCaps.MaxTotalLearning = parse("productCaps.maxTotalLearning", raw.ProductCaps.MaxTotalLearning)
	out.ProductCaps.MaxDay1Learning = parse("productCaps.maxDay1Learning", raw.ProductCaps.MaxDay1Learning)
	if len(errs) > 0 {
		return GuardrailConfig{}, errors.Join(errs...)
	}

	if err := ValidateGuardrailConfig(out); err != nil {
		return GuardrailConfig{}, err
	}
	return out, nil
}

func ValidateGuardrailConfig(cfg GuardrailConfig) error {
	sum := cfg.Vault.LearningPct.Add(cfg.Vault.OperationalPct).Add(cfg.Vault.ReservePct)
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("guardrail.vault percentages must sum to 1.00, got %s", sum.String())
	}
	if !cfg.Shield.HardDailyCap.IsPositive() {
		return errors.New("guardrail.shield.hardDailyCap must be > 0")
	}
	if !cfg.Shield.ProductSoftCapRatio.IsPositive() || !cfg.Shield.ProductHardCapRatio.IsPositive() {
		return errors.New("guardrail.shield cap ratios must be > 0")
	}
	if cfg.Shield.ProductSoftCapRatio.GreaterThan(cfg.Shield.ProductHardCapRatio) {
		return errors.New("guardrail.shield.productSoftCapRatio cannot exceed productHardCapRatio")
	}
	if cfg.ProductCaps.MaxTotalLearning.IsNegative() || cfg.ProductCaps.MaxDay1Learning.IsNegative() {
		return errors.New("guardrail.productCaps cannot be negative")
	}
	return nil
}
