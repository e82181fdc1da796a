package state

import "go.uber.org/fx"

// Module wires the SQL-backed state store.
var Module = fx.Module("state",
	fx.Provide(
		fx.Annotate(NewSQL, fx.As(new(Store))),
	),
)
