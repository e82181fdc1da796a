package notify

import "go.uber.org/fx"

// Module provides the job completion notifier.
var Module = fx.Module("notify",
	fx.Provide(NewNotifier),
)
