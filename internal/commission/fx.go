package commission

import (
	"github.com/smallbiznis/revshare/internal/commission/cache"
	"github.com/smallbiznis/revshare/internal/commission/calculator"
	"github.com/smallbiznis/revshare/internal/commission/repository"
	"github.com/smallbiznis/revshare/internal/commission/service"
	"github.com/smallbiznis/revshare/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("commission.service",
	fx.Provide(repository.Provide),
	fx.Provide(calculator.New),
	fx.Provide(func(cfg *config.CommissionConfigHolder) *cache.RuleCache {
		return cache.NewRuleCache(cfg.Get().RuleCacheTTL)
	}),
	fx.Provide(service.New),
)
