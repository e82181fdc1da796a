package transform

import "go.uber.org/fx"

// Module wires projection and canonical merging.
var Module = fx.Module("transform",
	fx.Provide(
		NewApplier,
		fx.Annotate(NewTransformer, fx.As(new(Submitter))),
	),
)
