package mapping

import "go.uber.org/fx"

// Module provides the embedded mapping registry.
var Module = fx.Module("mapping",
	fx.Provide(Load),
)
