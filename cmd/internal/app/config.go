package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Postgres wins over SQLite when both are set; neither means in-memory stores.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	SQLitePath  string

	// If true:
	// - /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	SessionTimeout time.Duration
	SweepInterval  time.Duration

	MetricsEnabled bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: EnvString("COURIER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("COURIER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COURIER_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("COURIER_DB_SCHEMA", "courier"),
		SQLitePath:  EnvString("COURIER_SQLITE_PATH", ""),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),

		SessionTimeout: EnvDuration("COURIER_SESSION_TIMEOUT", 10*time.Second),
		SweepInterval:  EnvDuration("COURIER_SWEEP_INTERVAL", 10*time.Second),

		MetricsEnabled: EnvBool("COURIER_METRICS_ENABLED", true),

		CORSAllowedOrigins:   EnvCSV("COURIER_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("COURIER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COURIER_CORS_MAX_AGE_SECONDS", 600),
	}
}

// storeMode names the persistence backend selected by the config.
func (c Config) storeMode() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
