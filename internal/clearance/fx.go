package clearance

import (
	"github.com/smallbiznis/revshare/internal/clearance/repository"
	"github.com/smallbiznis/revshare/internal/clearance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("clearance.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
