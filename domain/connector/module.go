package connector

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/internal/config"
)

// Module wires a REST connector for every cataloged service.
var Module = fx.Module("connector",
	fx.Provide(
		func(cfg *config.Config) *Limiter {
			return NewLimiter(cfg.Pipeline.RateLimitWaitMax)
		},
		BuildRegistry,
	),
)

// BuildRegistry registers one REST connector per catalog service.
func BuildRegistry(reg *catalog.Registry, limiter *Limiter, log *slog.Logger) (*Registry, error) {
	registry := NewRegistry()
	for _, name := range reg.Services() {
		spec, err := reg.ServiceSpec(name)
		if err != nil {
			return nil, err
		}
		c, err := NewREST(spec, limiter, log)
		if err != nil {
			return nil, err
		}
		registry.Register(c)
	}
	return registry, nil
}
