package vendortier

import "go.uber.org/fx"

var Module = fx.Module("vendortier.service",
	fx.Provide(
		NewService,
		func(s *Service) Reader { return s },
	),
)
