package checker

import (
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/nerves76/promptreviews-sub034/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("checker",
	fx.Provide(ProvideRegistry),
	fx.Provide(func(r *Registry) batchdomain.Processors { return r }),
)

// ProvideRegistry registers an HTTP checker for every batch type with a
// configured endpoint. Items of other types fail with ErrNotConfigured.
func ProvideRegistry(cfg config.Config, log *zap.Logger) *Registry {
	registry := NewRegistry()
	endpoints := map[batchdomain.BatchType]string{
		batchdomain.BatchTypeRank:    cfg.Checkers.RankURL,
		batchdomain.BatchTypeLLM:     cfg.Checkers.LLMURL,
		batchdomain.BatchTypeConcept: cfg.Checkers.ConceptURL,
	}
	for _, batchType := range batchdomain.BatchTypes {
		endpoint := endpoints[batchType]
		if endpoint == "" {
			log.Warn("no checker configured", zap.String("batch_type", string(batchType)))
			continue
		}
		registry.Register(batchType, NewHTTPChecker(HTTPConfig{
			Endpoint: endpoint,
			APIKey:   cfg.Checkers.APIKey,
			Timeout:  cfg.Checkers.Timeout,
		}))
	}
	return registry
}
