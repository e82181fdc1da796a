package secrets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/logger"
)

// Postgres stores credential payloads in the pipeline_secrets table,
// encrypted at rest with pgcrypto's pgp_sym_encrypt. The symmetric key
// never touches the database logs because encryption happens inside
// the query.
type Postgres struct {
	db  *bun.DB
	log *slog.Logger
	key string
}

var (
	_ Store  = (*Postgres)(nil)
	_ Writer = (*Postgres)(nil)
)

// NewPostgres creates the pgcrypto-backed provider.
func NewPostgres(db *bun.DB, cfg *config.Config, log *slog.Logger) (*Postgres, error) {
	key := cfg.Secrets.PgcryptoKey
	if key == "" {
		return nil, fmt.Errorf("SECRETS_PGCRYPTO_KEY is required for the postgres secrets provider")
	}
	if len(key) < 32 {
		log.Warn("SECRETS_PGCRYPTO_KEY is short for AES-256", slog.Int("length", len(key)))
	}
	return &Postgres{
		db:  db,
		log: log.With(logger.Scope("secrets.postgres")),
		key: key,
	}, nil
}

func (p *Postgres) Get(ctx context.Context, ref string) (Credentials, error) {
	var decrypted string
	err := p.db.NewRaw(`
		SELECT pgp_sym_decrypt(payload, ?::text) AS decrypted
		FROM pipeline_secrets
		WHERE ref = ?
	`, p.key, ref).Scan(ctx, &decrypted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credentials{}, notResolvable(ref)
		}
		p.log.Error("failed to decrypt credential", logger.Error(err), slog.String("ref", ref))
		return Credentials{}, notResolvable(ref)
	}
	return decode(ref, []byte(decrypted))
}

func (p *Postgres) Put(ctx context.Context, ref string, creds Credentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	_, err = p.db.NewRaw(`
		INSERT INTO pipeline_secrets (ref, payload, updated_at)
		VALUES (?, pgp_sym_encrypt(?::text, ?::text), now())
		ON CONFLICT (ref) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = now()
	`, ref, string(payload), p.key).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to store credential %s: %w", ref, err)
	}

	p.log.Info("credential stored", slog.String("ref", ref))
	return nil
}
