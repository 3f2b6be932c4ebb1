package credit

import (
	"github.com/nerves76/promptreviews-sub034/internal/credit/repository"
	"github.com/nerves76/promptreviews-sub034/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
