package config

import "time"

// Config holds runtime configuration for the blend server.
type Config struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	SessionTTL         time.Duration
	UsersFile          string
	ScriptDir          string
	ItemTimeout        time.Duration
	LineDelay          time.Duration
	SchedulerInterval  time.Duration
	SessionIdleTimeout time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("BLEND_ADDR", ":8080"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://blend:blend@db:5432/blend?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		SessionTTL:         time.Duration(GetInt("SESSION_TTL_HOURS", 24)) * time.Hour,
		UsersFile:          GetString("USERS_FILE", "./users.yaml"),
		ScriptDir:          GetString("DEPLOY_SCRIPT_DIR", "./deploy"),
		ItemTimeout:        GetDuration("DEPLOY_ITEM_TIMEOUT", 0),
		LineDelay:          GetDuration("DEPLOY_LINE_DELAY", 100*time.Millisecond),
		SchedulerInterval:  GetDuration("SCHEDULER_INTERVAL", time.Minute),
		SessionIdleTimeout: GetDuration("WS_SESSION_IDLE_TIMEOUT", time.Minute),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
