package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported storage backends
const (
	StorageSQLite     = "sqlite"
	StoragePostgres   = "postgresql"
	StorageMongoDB    = "mongodb"
	StorageDynamoDB   = "dynamodb"
	StorageClickHouse = "clickhouse"
)

// Config holds all configuration for the application
type Config struct {
	Storage   StorageConfig
	Extract   ExtractConfig
	Ingestion IngestionConfig
	Server    ServerConfig
	Log       LogConfig
	Notify    NotifyConfig
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type              string // "sqlite", "postgresql", "mongodb", "dynamodb", "clickhouse"
	TableName         string
	SQLitePath        string
	SQLiteBusyTimeout time.Duration
	PostgresURI       string
	MongoDBURI        string
	MongoDBDatabase   string
	Region            string // For AWS DynamoDB
	Endpoint          string // Custom DynamoDB endpoint for local testing
	ClickHouseAddr    string
	ClickHouseDB      string
	ClickHouseUser    string
	ClickHousePass    string
}

// ExtractConfig holds settings for the provider request
type ExtractConfig struct {
	APIEndpoint  string
	Window       time.Duration
	Timeout      time.Duration
	UserAgent    string
	Username     string
	Password     string
	MaxBodyBytes int64
}

// IngestionConfig holds settings for the periodic loop used by serve
type IngestionConfig struct {
	Interval time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// LogConfig selects the zap level and encoder
type LogConfig struct {
	Level  string
	Format string // "json" or "console"
}

// NotifyConfig holds NATS settings. An empty URL disables notifications.
type NotifyConfig struct {
	NATSURL     string
	NATSSubject string
}

// Defaults
const (
	DefaultAPIEndpoint  = "https://opensky-network.org/api/states/all"
	DefaultWindow       = 2 * time.Hour
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 64 << 20
)

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. A missing default file is not an error.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Type:              strings.ToLower(getEnv("STORAGE_TYPE", StorageSQLite)),
			TableName:         getEnv("TABLE_NAME", "flights"),
			SQLitePath:        getEnv("SQLITE_PATH", "sky.db"),
			SQLiteBusyTimeout: getEnvDuration("SQLITE_BUSY_TIMEOUT", 5*time.Second),
			PostgresURI:       getEnv("POSTGRES_URI", ""),
			MongoDBURI:        getEnv("MONGODB_URI", ""),
			MongoDBDatabase:   getEnv("MONGODB_DATABASE", "flights"),
			Region:            getEnv("AWS_REGION", "us-west-2"),
			Endpoint:          getEnv("DYNAMODB_ENDPOINT", ""), // For local DynamoDB
			ClickHouseAddr:    getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
			ClickHouseDB:      getEnv("CLICKHOUSE_DB", "default"),
			ClickHouseUser:    getEnv("CLICKHOUSE_USER", "default"),
			ClickHousePass:    getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Extract: ExtractConfig{
			APIEndpoint:  getEnv("API_ENDPOINT", DefaultAPIEndpoint),
			Window:       getEnvDuration("FETCH_WINDOW", DefaultWindow),
			Timeout:      getEnvDuration("API_TIMEOUT", DefaultTimeout),
			UserAgent:    getEnv("API_USER_AGENT", "flight-ingestion-service/1.0"),
			Username:     getEnv("OPENSKY_USERNAME", ""),
			Password:     getEnv("OPENSKY_PASSWORD", ""),
			MaxBodyBytes: int64(getEnvInt("API_MAX_BODY_BYTES", DefaultMaxBodyBytes)),
		},
		Ingestion: IngestionConfig{
			Interval: getEnvDuration("INGESTION_INTERVAL", 15*time.Minute),
		},
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Notify: NotifyConfig{
			NATSURL:     getEnv("NATS_URL", ""),
			NATSSubject: getEnv("NATS_SUBJECT", "flights.ingestion.runs"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every run depends on
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageSQLite, StoragePostgres, StorageMongoDB, StorageDynamoDB, StorageClickHouse:
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Storage.TableName == "" {
		return errors.New("table name must not be empty")
	}
	if c.Extract.APIEndpoint == "" {
		return errors.New("api endpoint must not be empty")
	}
	if c.Extract.Window <= 0 {
		return fmt.Errorf("fetch window must be positive, got %s", c.Extract.Window)
	}
	if c.Ingestion.Interval <= 0 {
		return fmt.Errorf("ingestion interval must be positive, got %s", c.Ingestion.Interval)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
