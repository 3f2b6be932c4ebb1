package batchrun

import (
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/repository"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/schema"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/service"
	"go.uber.org/fx"
)

var Module = fx.Module("batchrun.service",
	fx.Provide(repository.Provide),
	fx.Provide(schema.NewValidator),
	fx.Provide(service.NewService),
)
