package blob

import "go.uber.org/fx"

// Module wires the S3-backed landing zone.
var Module = fx.Module("blob",
	fx.Provide(
		fx.Annotate(NewS3, fx.As(new(Store))),
	),
)
