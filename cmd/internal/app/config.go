package app

import (
	"time"

	"megdan/cmd/internal/realtime"
)

// Config contains all server configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Empty DatabaseURL selects the in-memory stores.
	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	AppID   string
	AuthKey string

	// TokenSecret signs login tokens. Empty means an ephemeral secret, which
	// is refused when RequireTokenSecret is set.
	TokenSecret        string
	TokenTTL           time.Duration
	RequireTokenSecret bool

	// Comma-separated Kafka brokers; empty disables message events.
	KafkaBrokers string
	KafkaTopic   string

	// Empty NATSURL keeps fan-out local to this instance.
	NATSURL     string
	NATSSubject string

	MetricsEnabled bool

	WS realtime.WSConfig
}

// LoadConfig loads Config from MEGDAN_* variables with defaults.
func LoadConfig() Config {
	return loadConfig(osEnv)
}

func loadConfig(e env) Config {
	return Config{
		HTTPAddr:  e.String("MEGDAN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  e.String("MEGDAN_LOG_LEVEL", "info"),
		LogFormat: e.String("MEGDAN_LOG_FORMAT", "json"),

		ReadHeaderTimeout: e.Duration("MEGDAN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       e.Duration("MEGDAN_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      e.Duration("MEGDAN_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       e.Duration("MEGDAN_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    e.Int("MEGDAN_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   e.String("MEGDAN_DATABASE_URL", ""),
		DBSchema:      e.String("MEGDAN_DB_SCHEMA", realtime.DefaultSchema),
		DBMaxConns:    e.Int32("MEGDAN_DB_MAX_CONNS", 10),
		DBMinConns:    e.Int32("MEGDAN_DB_MIN_CONNS", 0),
		DBAutoMigrate: e.Bool("MEGDAN_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: e.Bool("MEGDAN_READINESS_REQUIRE_DB", false),

		AppID:   e.String("MEGDAN_APP_ID", "megdan"),
		AuthKey: e.String("MEGDAN_AUTH_KEY", ""),

		TokenSecret:        e.String("MEGDAN_TOKEN_SECRET", ""),
		TokenTTL:           e.Duration("MEGDAN_TOKEN_TTL", 30*24*time.Hour),
		RequireTokenSecret: e.Bool("MEGDAN_REQUIRE_TOKEN_SECRET", false),

		KafkaBrokers: e.String("MEGDAN_KAFKA_BROKERS", ""),
		KafkaTopic:   e.String("MEGDAN_KAFKA_TOPIC", "megdan.messages"),

		NATSURL:     e.String("MEGDAN_NATS_URL", ""),
		NATSSubject: e.String("MEGDAN_NATS_SUBJECT", "megdan.messages"),

		MetricsEnabled: e.Bool("MEGDAN_METRICS_ENABLED", true),

		WS: realtime.WSConfigFromEnv(),
	}
}
