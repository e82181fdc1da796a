package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"8080"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// CORSOrigins are the browser origins allowed to call the ops API;
	// empty leaves CORS off entirely
	CORSOrigins []string `env:"SERVER_CORS_ORIGINS" envSeparator:"," envDefault:""`

	// Database settings (POSTGRES_* vars)
	Database DatabaseConfig

	// Blob storage (raw landing zone)
	Blob BlobConfig

	// Credential resolution
	Secrets SecretsConfig

	// Pipeline execution engine
	Pipeline PipelineConfig

	// Scheduled ingestion
	Scheduler SchedulerConfig

	// OTel tracing
	Otel OtelConfig

	// Job completion notifications
	Notify NotifyConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"avesa"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"avesa"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// BlobConfig holds object storage (S3/MinIO) settings for the raw zone.
type BlobConfig struct {
	// Endpoint overrides the AWS endpoint (set for MinIO; empty for real S3)
	Endpoint string `env:"BLOB_ENDPOINT" envDefault:""`
	// Region is the bucket region
	Region string `env:"BLOB_REGION" envDefault:"us-east-1"`
	// Bucket is the landing-zone bucket name
	Bucket string `env:"BLOB_BUCKET" envDefault:"avesa-raw"`
	// AccessKeyID is the static access key (empty uses the default chain)
	AccessKeyID string `env:"BLOB_ACCESS_KEY_ID" envDefault:""`
	// SecretAccessKey is the static secret key
	SecretAccessKey string `env:"BLOB_SECRET_ACCESS_KEY" envDefault:""`
	// ForcePathStyle is required by MinIO
	ForcePathStyle bool `env:"BLOB_FORCE_PATH_STYLE" envDefault:"false"`
}

// HasStaticCredentials reports whether explicit keys were provided.
func (b *BlobConfig) HasStaticCredentials() bool {
	return b.AccessKeyID != "" && b.SecretAccessKey != ""
}

// SecretsConfig selects how tenant credentials_refs are resolved.
type SecretsConfig struct {
	// Provider: "env" (dev), "postgres" (pgcrypto table), "aws" (Secrets Manager)
	Provider string `env:"SECRETS_PROVIDER" envDefault:"env"`
	// Region for the AWS provider
	Region string `env:"SECRETS_AWS_REGION" envDefault:"us-east-1"`
	// PgcryptoKey is the symmetric key for the postgres provider
	PgcryptoKey string `env:"SECRETS_PGCRYPTO_KEY" envDefault:""`
}

// PipelineConfig tunes the three-tier execution engine.
type PipelineConfig struct {
	// TenantConcurrency bounds tenants processed in parallel per job
	TenantConcurrency int `env:"PIPELINE_TENANT_CONCURRENCY" envDefault:"10"`
	// TableConcurrency bounds tables per tenant
	TableConcurrency int `env:"PIPELINE_TABLE_CONCURRENCY" envDefault:"4"`
	// ChunkConcurrency bounds chunks per table
	ChunkConcurrency int `env:"PIPELINE_CHUNK_CONCURRENCY" envDefault:"3"`

	// ChunkDuration is the window size backfills split into; incremental
	// runs always plan a single window
	ChunkDuration time.Duration `env:"PIPELINE_CHUNK_DURATION" envDefault:"48h"`
	// ChunkTimeout is the wall-clock budget for one chunk execution
	ChunkTimeout time.Duration `env:"PIPELINE_CHUNK_TIMEOUT" envDefault:"15m"`
	// JobTimeout caps a whole orchestrated run
	JobTimeout time.Duration `env:"PIPELINE_JOB_TIMEOUT" envDefault:"4h"`

	// ChunkMaxAttempts is the per-page retry budget inside a chunk
	ChunkMaxAttempts int `env:"PIPELINE_CHUNK_MAX_ATTEMPTS" envDefault:"3"`
	// RetryBaseDelay seeds the exponential backoff
	RetryBaseDelay time.Duration `env:"PIPELINE_RETRY_BASE_DELAY" envDefault:"2s"`
	// RetryMaxDelay caps the backoff
	RetryMaxDelay time.Duration `env:"PIPELINE_RETRY_MAX_DELAY" envDefault:"60s"`

	// PageSize is the default records-per-page requested from sources
	PageSize int `env:"PIPELINE_PAGE_SIZE" envDefault:"1000"`
	// MaxPagesInMemory bounds buffered pages before a flush to blob storage
	MaxPagesInMemory int `env:"PIPELINE_MAX_PAGES_IN_MEMORY" envDefault:"5"`

	// RateLimitWaitMax aborts a fetch rather than queue on a bucket longer than this
	RateLimitWaitMax time.Duration `env:"PIPELINE_RATE_LIMIT_WAIT_MAX" envDefault:"5m"`
	// RejectRatioMax fails a transform batch above this reject fraction
	RejectRatioMax float64 `env:"PIPELINE_REJECT_RATIO_MAX" envDefault:"0.05"`
	// WatermarkLag keeps incremental windows clear of source-side clock skew
	WatermarkLag time.Duration `env:"PIPELINE_WATERMARK_LAG" envDefault:"30s"`
}

// MaxOpenChunks is the global in-flight chunk bound, the product of the
// three tier limits.
func (p *PipelineConfig) MaxOpenChunks() int {
	return p.TenantConcurrency * p.TableConcurrency * p.ChunkConcurrency
}

// SchedulerConfig controls the periodic ingestion daemon.
type SchedulerConfig struct {
	// Enabled turns scheduled ingestion on in serve mode
	Enabled bool `env:"SCHEDULER_ENABLED" envDefault:"true"`
	// IngestInterval is the cadence of scheduled runs
	IngestInterval time.Duration `env:"SCHEDULER_INGEST_INTERVAL" envDefault:"1h"`
	// IngestSchedule is a cron expression (six fields, seconds first)
	// overriding IngestInterval when set
	IngestSchedule string `env:"SCHEDULER_INGEST_SCHEDULE" envDefault:""`
	// StaleRecoveryInterval is the cadence of stale chunk sweeps
	StaleRecoveryInterval time.Duration `env:"SCHEDULER_STALE_RECOVERY_INTERVAL" envDefault:"10m"`
	// StaleRecoverySchedule overrides StaleRecoveryInterval when set
	StaleRecoverySchedule string `env:"SCHEDULER_STALE_RECOVERY_SCHEDULE" envDefault:""`
	// StaleChunkAfter flips abandoned in_progress chunks to timed_out
	StaleChunkAfter time.Duration `env:"SCHEDULER_STALE_CHUNK_AFTER" envDefault:"30m"`
}

// NotifyConfig holds job-completion notification settings.
type NotifyConfig struct {
	// MailgunDomain is the Mailgun sending domain
	MailgunDomain string `env:"MAILGUN_DOMAIN" envDefault:""`
	// MailgunAPIKey is the Mailgun API key
	MailgunAPIKey string `env:"MAILGUN_API_KEY" envDefault:""`
	// FromEmail is the sender address
	FromEmail string `env:"NOTIFY_EMAIL_FROM" envDefault:"pipeline@avesa.io"`
	// ToEmail receives job summaries; empty disables email notification
	ToEmail string `env:"NOTIFY_EMAIL_TO" envDefault:""`
}

// IsConfigured returns true if Mailgun is configured
func (n *NotifyConfig) IsConfigured() bool {
	return n.MailgunDomain != "" && n.MailgunAPIKey != "" && n.ToEmail != ""
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Pipeline.validate(); err != nil {
		return nil, err
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("blob_bucket", cfg.Blob.Bucket),
		slog.Int("max_open_chunks", cfg.Pipeline.MaxOpenChunks()),
	)

	return cfg, nil
}

func (p *PipelineConfig) validate() error {
	if p.TenantConcurrency < 1 || p.TableConcurrency < 1 || p.ChunkConcurrency < 1 {
		return fmt.Errorf("pipeline concurrency limits must be >= 1")
	}
	if p.ChunkDuration <= 0 {
		return fmt.Errorf("PIPELINE_CHUNK_DURATION must be positive")
	}
	if p.ChunkMaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_CHUNK_MAX_ATTEMPTS must be >= 1")
	}
	if p.RejectRatioMax < 0 || p.RejectRatioMax > 1 {
		return fmt.Errorf("PIPELINE_REJECT_RATIO_MAX must be within [0,1]")
	}
	if p.PageSize < 1 {
		return fmt.Errorf("PIPELINE_PAGE_SIZE must be >= 1")
	}
	return nil
}
