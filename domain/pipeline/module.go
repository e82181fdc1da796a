package pipeline

import "go.uber.org/fx"

// Module wires the three execution tiers and the orchestrator.
var Module = fx.Module("pipeline",
	fx.Provide(
		NewChunkProcessor,
		NewTableProcessor,
		NewTenantProcessor,
		NewOrchestrator,
	),
)
