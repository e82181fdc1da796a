package secrets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/avesa-io/avesa/internal/config"
)

// Module wires the provider selected by SECRETS_PROVIDER.
var Module = fx.Module("secrets",
	fx.Provide(NewStore),
)

// NewStore builds the configured provider.
func NewStore(cfg *config.Config, db *bun.DB, log *slog.Logger) (Store, error) {
	switch cfg.Secrets.Provider {
	case "env":
		return NewEnv(), nil
	case "postgres":
		return NewPostgres(db, cfg, log)
	case "aws":
		return NewAWS(context.Background(), cfg.Secrets.Region, log)
	default:
		return nil, fmt.Errorf("unknown SECRETS_PROVIDER %q (want env, postgres, or aws)", cfg.Secrets.Provider)
	}
}
