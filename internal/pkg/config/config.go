package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	QueueDriverRedis = "redis"
	QueueDriverNATS  = "nats"

	ConnectionModeDirect = "direct"
	ConnectionModeSecret = "secret"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"APP_ENV" envDefault:"development"`

	// Registry lives here.
	ControlDatabaseURL string `env:"CONTROL_DATABASE_URL,required"`
	// Administrative connection used for CREATE/DROP DATABASE.
	AdminDatabaseURL string `env:"ADMIN_DATABASE_URL,required"`
	// Base for per-tenant URLs; the admin URL is used when empty.
	TenantDatabaseBaseURL  string `env:"TENANT_DATABASE_BASE_URL"`
	TenantDatabaseTemplate string `env:"TENANT_DATABASE_TEMPLATE" envDefault:"template0"`

	APIServerAddr   string        `env:"API_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr string        `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	APIKeyCacheTTL  time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"5m"`

	TenantHeader     string        `env:"TENANT_HEADER" envDefault:"X-Tenant-Slug"`
	TenantBaseDomain string        `env:"TENANT_BASE_DOMAIN"`
	MaskTenantState  bool          `env:"MASK_TENANT_STATE" envDefault:"true"`
	RegistryCacheTTL time.Duration `env:"REGISTRY_CACHE_TTL" envDefault:"5s"`
	DefaultTrialDays int           `env:"DEFAULT_TRIAL_DAYS" envDefault:"14"`

	ConnectionMode string        `env:"TENANT_CONNECTION_MODE" envDefault:"direct"`
	SecretPrefix   string        `env:"TENANT_SECRET_PREFIX" envDefault:"tenant-plane/tenants"`
	AWSRegion      string        `env:"AWS_REGION"`
	SecretCacheTTL time.Duration `env:"SECRET_CACHE_TTL" envDefault:"5m"`

	QueueDriver     string `env:"QUEUE_DRIVER" envDefault:"redis"`
	RedisAddr       string `env:"REDIS_ADDR,required"`
	NATSURL         string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	ProvisionStream string `env:"PROVISION_STREAM" envDefault:"provisioning"`
	ProvisionDLQ    string `env:"PROVISION_DLQ_STREAM" envDefault:"provisioning-dlq"`
	ProvisionGroup  string `env:"PROVISION_GROUP" envDefault:"provisioners"`
	WALPath         string `env:"WAL_PATH" envDefault:"./data/wal"`
	WALSegmentSize  int64  `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"1048576"`    // 1MB
	WALMaxDiskSize  int64  `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"104857600"` // 100MB

	MigrateCommand           string        `env:"MIGRATE_COMMAND" envDefault:"migrate"`
	MigrateArgs              []string      `env:"MIGRATE_ARGS" envSeparator:" " envDefault:"-path ./migrations/tenant -database {url} up"`
	SchemaVersion            string        `env:"TENANT_SCHEMA_VERSION" envDefault:"1"`
	MigrationTimeout         time.Duration `env:"PROVISION_MIGRATION_TIMEOUT" envDefault:"5m"`
	ProvisionConcurrency     int           `env:"PROVISION_CONCURRENCY" envDefault:"4"`
	ProvisionBatchSize       int           `env:"PROVISION_BATCH_SIZE" envDefault:"10"`
	ProvisionMaxAttempts     int           `env:"PROVISION_MAX_ATTEMPTS" envDefault:"5"`
	ProvisionJobTimeout      time.Duration `env:"PROVISION_JOB_TIMEOUT" envDefault:"10m"`
	ProvisionRetryBackoff    time.Duration `env:"PROVISION_RETRY_BACKOFF" envDefault:"30s"`
	ProvisionActivateRetries int           `env:"PROVISION_ACTIVATE_RETRIES" envDefault:"5"`
	ProvisionPollInterval    time.Duration `env:"PROVISION_POLL_INTERVAL" envDefault:"1s"`
	ReconcileInterval        time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileStuckAfter      time.Duration `env:"RECONCILE_STUCK_AFTER" envDefault:"15m"`

	// A pending Redis delivery is reclaimed by another worker once it has
	// been idle this long, so it must outlast PROVISION_JOB_TIMEOUT.
	ProvisionClaimIdle time.Duration `env:"PROVISION_CLAIM_IDLE" envDefault:"11m"`
	// Deliveries that find the tenant lock held before the job is
	// dead-lettered.
	ProvisionMaxLockDeferrals int `env:"PROVISION_MAX_LOCK_DEFERRALS" envDefault:"30"`

	PoolCapacity            int           `env:"POOL_CAPACITY" envDefault:"100"`
	PoolTTL                 time.Duration `env:"POOL_TTL" envDefault:"10m"`
	PoolMaxIdle             time.Duration `env:"POOL_MAX_IDLE" envDefault:"5m"`
	PoolHealthInterval      time.Duration `env:"POOL_HEALTH_INTERVAL" envDefault:"30s"`
	PoolHealthTimeout       time.Duration `env:"POOL_HEALTH_TIMEOUT" envDefault:"2s"`
	PoolConnectTimeout      time.Duration `env:"POOL_CONNECT_TIMEOUT" envDefault:"5s"`
	PoolMaxTotalConnections int           `env:"POOL_MAX_TOTAL_CONNECTIONS" envDefault:"400"`
	PoolMaxConnsPerTenant   int           `env:"POOL_MAX_CONNECTIONS_PER_TENANT" envDefault:"4"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects combinations the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.QueueDriver {
	case QueueDriverRedis, QueueDriverNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_DRIVER %q", c.QueueDriver))
	}
	switch c.ConnectionMode {
	case ConnectionModeDirect, ConnectionModeSecret:
	default:
		errs = append(errs, fmt.Errorf("unknown TENANT_CONNECTION_MODE %q", c.ConnectionMode))
	}
	if c.PoolMaxConnsPerTenant <= 0 {
		errs = append(errs, errors.New("POOL_MAX_CONNECTIONS_PER_TENANT must be positive"))
	}
	if c.PoolMaxConnsPerTenant > c.PoolMaxTotalConnections {
		errs = append(errs, errors.New("POOL_MAX_CONNECTIONS_PER_TENANT exceeds POOL_MAX_TOTAL_CONNECTIONS"))
	}
	if c.PoolCapacity <= 0 {
		errs = append(errs, errors.New("POOL_CAPACITY must be positive"))
	}
	if c.PoolMaxIdle > c.PoolTTL {
		errs = append(errs, errors.New("POOL_MAX_IDLE must not exceed POOL_TTL"))
	}
	if c.ProvisionMaxAttempts <= 0 || c.ProvisionConcurrency <= 0 || c.ProvisionBatchSize <= 0 {
		errs = append(errs, errors.New("provisioning attempts, concurrency and batch size must be positive"))
	}
	if c.ProvisionClaimIdle <= c.ProvisionJobTimeout {
		errs = append(errs, errors.New("PROVISION_CLAIM_IDLE must exceed PROVISION_JOB_TIMEOUT"))
	}
	if c.ProvisionRetryBackoff >= c.ProvisionClaimIdle {
		errs = append(errs, errors.New("PROVISION_RETRY_BACKOFF must be shorter than PROVISION_CLAIM_IDLE"))
	}
	if c.ProvisionMaxLockDeferrals <= 0 || time.Duration(c.ProvisionMaxLockDeferrals)*c.ProvisionRetryBackoff <= c.ProvisionJobTimeout {
		errs = append(errs, errors.New("PROVISION_MAX_LOCK_DEFERRALS times PROVISION_RETRY_BACKOFF must exceed PROVISION_JOB_TIMEOUT"))
	}
	if c.DefaultTrialDays < 0 {
		errs = append(errs, errors.New("DEFAULT_TRIAL_DAYS must not be negative"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
