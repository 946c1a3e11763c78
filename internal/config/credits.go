package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CreditConfig drives payment distribution and entitlement decisions.
type CreditConfig struct {
	// ModelCosts maps a model name to its per-request cost in USD.
	ModelCosts map[string]float64 `mapstructure:"modelCosts"`
	// CompanyShare is the fraction of a payment kept as company revenue.
	CompanyShare float64 `mapstructure:"companyShare"`
	// FreeTierModel is usable without a subscription or credits.
	FreeTierModel string `mapstructure:"freeTierModel"`
	// LowCreditRatio is the available/allocation threshold below which the
	// reconciliation monitor raises an alert.
	LowCreditRatio float64 `mapstructure:"lowCreditRatio"`
	// Plans maps a plan name to its monthly price in USD.
	Plans map[string]float64 `mapstructure:"plans"`
}

func DefaultCreditConfig() CreditConfig {
	return CreditConfig{
		ModelCosts: map[string]float64{
			"gpt-4":         0.03,
			"claude-sonnet": 0.025,
			"claude-heroku": 0.02,
			"deepseek":      0.015,
			"huggingface":   0.01,
			"together-ai":   0.02,
			"ollama":        0.01,
			"deepinfra":     0.015,
		},
		CompanyShare:   0.3,
		FreeTierModel:  "gemini",
		LowCreditRatio: 0.2,
		Plans: map[string]float64{
			"basic":      9.99,
			"pro":        29.99,
			"enterprise": 99.99,
		},
	}
}

// CreditConfigHolder serves the current credit configuration and hot-reloads
// it when the underlying file changes.
type CreditConfigHolder struct {
	current atomic.Value // holds CreditConfig
}

func NewCreditConfigHolder() (*CreditConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("credits")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tabula/config") // Volume-mounted config
	v.AddConfigPath("/etc/tabula")            // System config
	v.AddConfigPath(".")                      // Current directory (dev mode)

	v.SetEnvPrefix("TABULA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultCreditConfig()
	if fileFound {
		if err := v.UnmarshalKey("credits", &cfg); err != nil {
			return nil, err
		}
		if err := ValidateCreditConfig(cfg); err != nil {
			return nil, err
		}
	}

	holder := &CreditConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated CreditConfig
			if err := v.UnmarshalKey("credits", &updated); err != nil {
				log.Printf("[credit-config] reload failed: %v", err)
				return
			}
			if err := ValidateCreditConfig(updated); err != nil {
				log.Printf("[credit-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[credit-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func NewStaticCreditConfigHolder(cfg CreditConfig) *CreditConfigHolder {
	holder := &CreditConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *CreditConfigHolder) Get() CreditConfig {
	return h.current.Load().(CreditConfig)
}

func ValidateCreditConfig(cfg CreditConfig) error {
	if len(cfg.ModelCosts) == 0 {
		return errors.New("credits.modelCosts cannot be empty")
	}
	for model, cost := range cfg.ModelCosts {
		if strings.TrimSpace(model) == "" {
			return errors.New("credits.modelCosts contains an empty model name")
		}
		if cost <= 0 {
			return errors.New("credits.modelCosts values must be positive")
		}
	}
	if cfg.CompanyShare <= 0 || cfg.CompanyShare >= 1 {
		return errors.New("credits.companyShare must be between 0 and 1 exclusive")
	}
	if cfg.LowCreditRatio <= 0 || cfg.LowCreditRatio >= 1 {
		return errors.New("credits.lowCreditRatio must be between 0 and 1 exclusive")
	}
	if len(cfg.Plans) == 0 {
		return errors.New("credits.plans cannot be empty")
	}
	for plan, price := range cfg.Plans {
		if strings.TrimSpace(plan) == "" {
			return errors.New("credits.plans contains an empty plan name")
		}
		if price <= 0 {
			return errors.New("credits.plans prices must be positive")
		}
	}
	return nil
}
