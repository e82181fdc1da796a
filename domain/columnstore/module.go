package columnstore

import "go.uber.org/fx"

// Module wires the SQL-backed canonical store.
var Module = fx.Module("columnstore",
	fx.Provide(
		fx.Annotate(NewSQL, fx.As(new(Store))),
	),
)
