package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, the stoop schema and its tables are created on startup.
	// Meant for dev and CI; production schema management stays external.
	AutoMigrate bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// HMAC secret for verifying platform-issued access tokens.
	// The server refuses to start without one.
	JWTSecret string

	// Optional list cache. Empty disables caching.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional message-created event stream. Empty disables publishing.
	KafkaBrokers []string
	KafkaTopic   string

	// Browser origin allowlist for the REST API. The websocket gateway has
	// its own origin policy (STOOP_WS_ALLOWED_ORIGINS).
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Seed a handful of demo users into the in-memory directory.
	// Only honored in memory mode (no DatabaseURL).
	DevSeed bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("STOOP_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("STOOP_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("STOOP_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("STOOP_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("STOOP_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("STOOP_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("STOOP_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("STOOP_DATABASE_URL", ""),
		DBSchema:    EnvString("STOOP_DB_SCHEMA", "stoop"),
		DBMaxConns:  EnvInt32("STOOP_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("STOOP_DB_MIN_CONNS", 0),

		AutoMigrate: EnvBool("STOOP_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("STOOP_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("STOOP_JWT_SECRET", ""),

		RedisAddr:     EnvString("STOOP_REDIS_ADDR", ""),
		RedisPassword: EnvString("STOOP_REDIS_PASSWORD", ""),
		RedisDB:       int(EnvInt32("STOOP_REDIS_DB", 0)),

		KafkaBrokers: EnvCSV("STOOP_KAFKA_BROKERS", ""),
		KafkaTopic:   EnvString("STOOP_KAFKA_TOPIC", ""),

		CORSAllowedOrigins:   EnvCSV("STOOP_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("STOOP_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("STOOP_CORS_MAX_AGE_SECONDS", 600),

		DevSeed: EnvBool("STOOP_DEV_SEED", false),
	}
}
