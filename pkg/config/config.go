package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

type Config struct {
	App     AppConfig
	Service ServiceConfig
	DB      DBConfig
	Redis   RedisConfig
	Ledger  LedgerConfig
	Sweeper SweeperConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Ledger.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CREDITLEDGER_APP_ENV" required:"true"`
	Port         string `envconfig:"CREDITLEDGER_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"CREDITLEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CREDITLEDGER_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"CREDITLEDGER_AUTO_MIGRATE" default:"false"`

	CORSOrigins []string `envconfig:"CREDITLEDGER_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CREDITLEDGER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CREDITLEDGER_DB_DSN"`
	Driver string `envconfig:"CREDITLEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CREDITLEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"CREDITLEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CREDITLEDGER_DB_USER"`
	LegacyPassword string `envconfig:"CREDITLEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"CREDITLEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"CREDITLEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CREDITLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CREDITLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CREDITLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CREDITLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CREDITLEDGER_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CREDITLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"CREDITLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"CREDITLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CREDITLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CREDITLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CREDITLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CREDITLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CREDITLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// LedgerConfig bounds ledger and reservation operations.
type LedgerConfig struct {
	MinAmount              decimal.Decimal `envconfig:"CREDITLEDGER_LEDGER_MIN_AMOUNT" default:"0.0001"`
	MaxAmount              decimal.Decimal `envconfig:"CREDITLEDGER_LEDGER_MAX_AMOUNT" default:"10000"`
	MaxBalance             decimal.Decimal `envconfig:"CREDITLEDGER_LEDGER_MAX_BALANCE" default:"1000000"`
	MaxReservationsPerUser int             `envconfig:"CREDITLEDGER_LEDGER_MAX_RESERVATIONS_PER_USER" default:"10"`
	ReservationTTL         time.Duration   `envconfig:"CREDITLEDGER_LEDGER_RESERVATION_TTL" default:"10m"`
	Locking                string          `envconfig:"CREDITLEDGER_LEDGER_LOCKING" default:"pessimistic"`
	MaxOperationRetries    int             `envconfig:"CREDITLEDGER_LEDGER_MAX_OPERATION_RETRIES" default:"3"`
	RetryBaseDelay         time.Duration   `envconfig:"CREDITLEDGER_LEDGER_RETRY_BASE_DELAY" default:"25ms"`
	IdempotencyTTL         time.Duration   `envconfig:"CREDITLEDGER_LEDGER_IDEMPOTENCY_TTL" default:"300s"`
}

// LockingStrategy returns the parsed per-user serialization strategy.
func (l LedgerConfig) LockingStrategy() enums.LockingStrategy {
	strategy, err := enums.ParseLockingStrategy(strings.TrimSpace(strings.ToLower(l.Locking)))
	if err != nil {
		return enums.LockingStrategyPessimistic
	}
	return strategy
}

func (l LedgerConfig) validate() error {
	if !enums.LockingStrategy(strings.TrimSpace(strings.ToLower(l.Locking))).IsValid() {
		return fmt.Errorf("invalid %s value %q", EnvLedgerLocking, l.Locking)
	}
	if l.MinAmount.GreaterThan(l.MaxAmount) {
		return fmt.Errorf("ledger min amount %s exceeds max amount %s", l.MinAmount, l.MaxAmount)
	}
	if l.MaxReservationsPerUser <= 0 {
		return fmt.Errorf("ledger max reservations per user must be positive")
	}
	if l.ReservationTTL <= 0 {
		return fmt.Errorf("ledger reservation ttl must be positive")
	}
	return nil
}

// SweeperConfig tunes the expired-reservation sweeper.
type SweeperConfig struct {
	Interval       time.Duration `envconfig:"CREDITLEDGER_SWEEPER_INTERVAL" default:"1m"`
	BatchSize      int           `envconfig:"CREDITLEDGER_SWEEPER_BATCH_SIZE" default:"50"`
	BatchDelay     time.Duration `envconfig:"CREDITLEDGER_SWEEPER_BATCH_DELAY" default:"100ms"`
	MaxRetries     int           `envconfig:"CREDITLEDGER_SWEEPER_MAX_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"CREDITLEDGER_SWEEPER_RETRY_BASE_DELAY" default:"250ms"`
	LockTTL        time.Duration `envconfig:"CREDITLEDGER_SWEEPER_LOCK_TTL" default:"5m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
