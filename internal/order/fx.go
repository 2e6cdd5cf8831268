package order

import (
	clearancedomain "github.com/smallbiznis/revshare/internal/clearance/domain"
	"github.com/smallbiznis/revshare/internal/order/domain"
	"github.com/smallbiznis/revshare/internal/order/repository"
	"github.com/smallbiznis/revshare/internal/order/service"
	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(s clearancedomain.Service) domain.Refunder { return s }),
	fx.Provide(service.New),
)
