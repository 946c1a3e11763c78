package credit

import (
	"github.com/tabulahq/tabula/internal/credit/repository"
	"github.com/tabulahq/tabula/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
