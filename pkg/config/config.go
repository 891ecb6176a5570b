package config

import (
	"fmt"
	"time"

	"voicecall-backend/pkg/constants"
	"voicecall-backend/pkg/env"
)

// Config holds all configuration for the signaling service
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	JWT       JWTConfig
	Log       LogConfig
	Call      CallConfig
	Push      PushConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port              int
	Environment       string // development, staging, production
	ServiceName       string
	MaxSignalingConns int
	AllowedOrigins    []string
}

// StorageConfig selects the call repository backend
type StorageConfig struct {
	Backend string // memory, cockroach
	// SeedUsers populates the in-memory directory, "id:Display Name" per entry
	SeedUsers []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled             bool
	Host                string
	Port                int
	Password            string
	DB                  int
	PoolSize            int
	Timeout             time.Duration
	HealthCheckInterval time.Duration
}

// CassandraConfig holds Cassandra configuration for the call event log
type CassandraConfig struct {
	Enabled  bool
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
	Issuer            string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// CallConfig holds call lifecycle tunables
type CallConfig struct {
	RingTimeout   time.Duration
	SweepSchedule string
	HistoryLimit  int
	PresenceTTL   time.Duration
}

// PushConfig selects the missed-call notification provider
type PushConfig struct {
	Provider          string // mock, firebase
	FirebaseProjectID string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              env.GetInt("PORT", 8085),
			Environment:       env.GetString("ENV", "development"),
			ServiceName:       env.GetString("SERVICE_NAME", "voicecall-signaling"),
			MaxSignalingConns: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", constants.DefaultMaxSignalingConnections),
			AllowedOrigins:    env.GetSlice("ALLOWED_ORIGINS", nil),
		},
		Storage: StorageConfig{
			Backend:   env.GetString("STORAGE_BACKEND", "memory"),
			SeedUsers: env.GetSlice("SEED_USERS", nil),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "voicecall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:             env.GetBool("REDIS_ENABLED", false),
			Host:                env.GetString("REDIS_HOST", "localhost"),
			Port:                env.GetInt("REDIS_PORT", 6379),
			Password:            env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:                  env.GetInt("REDIS_DB", 0),
			PoolSize:            env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:             env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
			HealthCheckInterval: env.GetDuration("REDIS_HEALTH_INTERVAL", 10*time.Second),
		},
		Cassandra: CassandraConfig{
			Enabled:  env.GetBool("CASSANDRA_ENABLED", false),
			Hosts:    env.GetSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "voicecall"),
			Username: env.GetString("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 24*time.Hour),
			Issuer:            env.GetString("JWT_ISSUER", "voicecall-auth"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/voicecall.log"),
		},
		Call: CallConfig{
			RingTimeout:   env.GetDuration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout),
			SweepSchedule: env.GetString("CALL_SWEEP_SCHEDULE", constants.DefaultSweepSchedule),
			HistoryLimit:  env.GetInt("CALL_HISTORY_LIMIT", 20),
			PresenceTTL:   env.GetDuration("PRESENCE_TTL", constants.PresenceTTL),
		},
		Push: PushConfig{
			Provider:          env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID: env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.Storage.Backend {
	case "memory", "cockroach":
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.HistoryLimit < 0 {
		return fmt.Errorf("CALL_HISTORY_LIMIT must not be negative")
	}

	return nil
}
