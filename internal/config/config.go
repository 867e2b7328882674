package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// World source kinds
const (
	WorldSourceProcedural = "procedural"
	WorldSourcePostgres   = "postgres"
	WorldSourceBolt       = "bolt"
)

// Material source kinds
const (
	MaterialSourceFile = "file"
	MaterialSourceHTTP = "http"
)

// Config holds all configuration for the pilecraft server
type Config struct {
	Server      ServerConfig
	WorldSource WorldSourceConfig
	Database    DatabaseConfig
	Materials   MaterialsConfig
	Streaming   StreamingConfig
	RPC         RPCConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
	Profiling   ProfilingConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	Environment    string
	AllowedOrigins []string
}

// WorldSourceConfig selects and configures the voxel world store
type WorldSourceConfig struct {
	Kind           string
	BaseURL        string
	Timeout        time.Duration
	RetryCount     int
	BoltPath       string
	ChunkCacheSize int
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MaterialsConfig configures where material packs are loaded from
type MaterialsConfig struct {
	Kind       string
	Dir        string
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	CacheSize  int
}

// StreamingConfig holds the chunk streaming defaults
type StreamingConfig struct {
	BuildDistance   int
	VisibleDistance int
	BatchSize       int
	EvictMargin     int
}

// RPCConfig holds settings for the cross-context call transport
type RPCConfig struct {
	CallTimeout time.Duration
}

// AuthConfig holds the optional WebSocket token check
type AuthConfig struct {
	JWTSecret     string
	JWTExpiration time.Duration
}

// RateLimitConfig limits WebSocket upgrades per client IP
type RateLimitConfig struct {
	Requests int64
	Period   time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	OutputPath string
}

// ProfilingConfig toggles the build profiler
type ProfilingConfig struct {
	Enabled bool
}

// Load reads configuration from environment variables and a .env file in the
// current working directory.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit env file path. An empty path means ".env".
func LoadFile(path string) (*Config, error) {
	var err error
	if path == "" {
		err = godotenv.Load()
	} else {
		err = godotenv.Load(path)
	}
	if err != nil {
		// Environment variables can still be set directly
		log.Printf("Warning: env file not loaded (this is OK if using environment variables): %v", err)
	}

	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:    getEnv("ENVIRONMENT", "development"),
			AllowedOrigins: getListEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		},
		WorldSource: WorldSourceConfig{
			Kind:           getEnv("WORLD_SOURCE", WorldSourceProcedural),
			BaseURL:        getEnv("WORLD_SOURCE_URL", "http://127.0.0.1:8081"),
			Timeout:        getDurationEnv("WORLD_SOURCE_TIMEOUT", 30*time.Second),
			RetryCount:     getIntEnv("WORLD_SOURCE_RETRY_COUNT", 3),
			BoltPath:       getEnv("WORLD_BOLT_PATH", "world.db"),
			ChunkCacheSize: getIntEnv("CHUNK_CACHE_SIZE", 256),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getIntEnv("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "pilecraft_dev"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConnections:  getIntEnv("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Materials: MaterialsConfig{
			Kind:       getEnv("MATERIALS_SOURCE", MaterialSourceFile),
			Dir:        getEnv("MATERIALS_DIR", "materials"),
			BaseURL:    getEnv("MATERIALS_BASE_URL", "http://127.0.0.1:8082"),
			Timeout:    getDurationEnv("MATERIALS_TIMEOUT", 10*time.Second),
			RetryCount: getIntEnv("MATERIALS_RETRY_COUNT", 2),
			CacheSize:  getIntEnv("MATERIALS_CACHE_SIZE", 64),
		},
		Streaming: StreamingConfig{
			BuildDistance:   getIntEnv("STREAM_BUILD_DISTANCE", 9),
			VisibleDistance: getIntEnv("STREAM_VISIBLE_DISTANCE", 7),
			BatchSize:       getIntEnv("STREAM_BATCH_SIZE", 16),
			EvictMargin:     getIntEnv("STREAM_EVICT_MARGIN", 2),
		},
		RPC: RPCConfig{
			CallTimeout: getDurationEnv("RPC_CALL_TIMEOUT", 15*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			JWTExpiration: getDurationEnv("JWT_EXPIRATION", 12*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Requests: int64(getIntEnv("RATE_LIMIT_REQUESTS", 30)),
			Period:   getDurationEnv("RATE_LIMIT_PERIOD", time.Minute),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			OutputPath: getEnv("LOG_OUTPUT_PATH", ""),
		},
		Profiling: ProfilingConfig{
			Enabled: getBoolEnv("PROFILING_ENABLED", false),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.WorldSource.Kind {
	case WorldSourceProcedural:
		if c.WorldSource.BaseURL == "" {
			return fmt.Errorf("WORLD_SOURCE_URL is required for the procedural world source")
		}
	case WorldSourcePostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres world source")
		}
	case WorldSourceBolt:
		if c.WorldSource.BoltPath == "" {
			return fmt.Errorf("WORLD_BOLT_PATH is required for the bolt world source")
		}
	default:
		return fmt.Errorf("unknown WORLD_SOURCE %q", c.WorldSource.Kind)
	}

	switch c.Materials.Kind {
	case MaterialSourceFile:
		if c.Materials.Dir == "" {
			return fmt.Errorf("MATERIALS_DIR is required for the file material source")
		}
	case MaterialSourceHTTP:
		if c.Materials.BaseURL == "" {
			return fmt.Errorf("MATERIALS_BASE_URL is required for the http material source")
		}
	default:
		return fmt.Errorf("unknown MATERIALS_SOURCE %q", c.Materials.Kind)
	}

	if c.Streaming.BuildDistance <= 0 {
		return fmt.Errorf("STREAM_BUILD_DISTANCE must be positive")
	}
	if c.Streaming.VisibleDistance < 0 || c.Streaming.VisibleDistance > c.Streaming.BuildDistance {
		return fmt.Errorf("STREAM_VISIBLE_DISTANCE must be between 0 and STREAM_BUILD_DISTANCE")
	}
	if c.Streaming.BatchSize <= 0 {
		return fmt.Errorf("STREAM_BATCH_SIZE must be positive")
	}
	if c.Streaming.EvictMargin < 0 {
		return fmt.Errorf("STREAM_EVICT_MARGIN cannot be negative")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.RPC.CallTimeout <= 0 {
		return fmt.Errorf("RPC_CALL_TIMEOUT must be positive")
	}
	return nil
}

// DatabaseURL returns a PostgreSQL connection string
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// IsDevelopment returns true if running in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Debug reports whether verbose per-chunk logging is enabled.
func (c *LoggingConfig) Debug() bool {
	return strings.EqualFold(c.Level, "debug")
}

// Helper functions for environment variable access

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid integer value for %s: %s, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return intValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: invalid boolean value for %s: %s, using default: %t", key, value, defaultValue)
		return defaultValue
	}
	return boolValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid duration value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return duration
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
