package tenant

import "go.uber.org/fx"

// Module wires the SQL-backed tenant store.
var Module = fx.Module("tenant",
	fx.Provide(
		fx.Annotate(NewSQL, fx.As(new(Store))),
	),
)
