package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CreditCosts maps a feature type to its per-unit credit cost.
type CreditCosts struct {
	Default int64            `mapstructure:"default"`
	Costs   map[string]int64 `mapstructure:"costs"`
}

func DefaultCreditCosts() CreditCosts {
	return CreditCosts{
		Default: 1,
		Costs: map[string]int64{
			"rank_check":     1,
			"llm_visibility": 2,
			"concept_check":  1,
		},
	}
}

// CostFor returns the configured cost for a feature, falling back to the default.
func (c CreditCosts) CostFor(featureType string) int64 {
	key := strings.ToLower(strings.TrimSpace(featureType))
	if cost, ok := c.Costs[key]; ok {
		return cost
	}
	return c.Default
}

type CreditCostHolder struct {
	current atomic.Value // holds CreditCosts
}

// NewStaticCreditCostHolder returns a holder that never reloads.
func NewStaticCreditCostHolder(costs CreditCosts) *CreditCostHolder {
	holder := &CreditCostHolder{}
	holder.current.Store(normalizeCreditCosts(costs))
	return holder
}

func NewCreditCostHolder(cfg Config, log *zap.Logger) (*CreditCostHolder, error) {
	v := viper.New()

	if path := strings.TrimSpace(cfg.CreditCostsPath); path != "" {
		v.SetConfigFile(filepath.Clean(path))
	} else {
		v.SetConfigName("credits")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/promptreviews")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PROMPTREVIEWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCreditCosts()
	v.SetDefault("credits.default", defaults.Default)
	v.SetDefault("credits.costs", defaults.Costs)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read credit costs: %w", err)
		}
	}

	var costs CreditCosts
	if err := v.UnmarshalKey("credits", &costs); err != nil {
		return nil, err
	}
	if err := validateCreditCosts(costs); err != nil {
		return nil, err
	}

	holder := &CreditCostHolder{}
	holder.current.Store(normalizeCreditCosts(costs))

	log = log.Named("config.credits")
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CreditCosts
		if err := v.UnmarshalKey("credits", &updated); err != nil {
			log.Warn("credit cost reload failed", zap.Error(err))
			return
		}
		if err := validateCreditCosts(updated); err != nil {
			log.Warn("invalid credit costs ignored", zap.Error(err))
			return
		}
		holder.current.Store(normalizeCreditCosts(updated))
		log.Info("credit costs reloaded", zap.String("file", e.Name))
	})
	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
	}

	return holder, nil
}

func (h *CreditCostHolder) Get() CreditCosts {
	if h == nil {
		return DefaultCreditCosts()
	}
	return h.current.Load().(CreditCosts)
}

func (h *CreditCostHolder) CostFor(featureType string) int64 {
	return h.Get().CostFor(featureType)
}

func validateCreditCosts(costs CreditCosts) error {
	if costs.Default < 0 {
		return errors.New("credits.default cannot be negative")
	}
	for feature, cost := range costs.Costs {
		if strings.TrimSpace(feature) == "" {
			return errors.New("credits.costs contains an empty feature type")
		}
		if cost < 0 {
			return fmt.Errorf("credits.costs.%s cannot be negative", feature)
		}
	}
	return nil
}

func normalizeCreditCosts(costs CreditCosts) CreditCosts {
	out := CreditCosts{Default: costs.Default, Costs: make(map[string]int64, len(costs.Costs))}
	for feature, cost := range costs.Costs {
		out.Costs[strings.ToLower(strings.TrimSpace(feature))] = cost
	}
	return out
}
