package config

// EnvPrefix is passed to envconfig; individual fields carry explicit names.
const EnvPrefix = "CREDITLEDGER"

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

const (
	EnvAppEnv  = "CREDITLEDGER_APP_ENV"
	EnvAppPort = "CREDITLEDGER_APP_PORT"

	EnvDBDSN  = "CREDITLEDGER_DB_DSN"
	EnvDBHost = "CREDITLEDGER_DB_HOST"
	EnvDBUser = "CREDITLEDGER_DB_USER"
	EnvDBName = "CREDITLEDGER_DB_NAME"

	EnvRedisURL = "CREDITLEDGER_REDIS_URL"

	EnvLedgerLocking = "CREDITLEDGER_LEDGER_LOCKING"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
