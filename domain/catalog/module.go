package catalog

import "go.uber.org/fx"

// Module provides the embedded catalog registry.
var Module = fx.Module("catalog",
	fx.Provide(Load),
)
