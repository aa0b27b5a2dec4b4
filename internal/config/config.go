// Package config handles external configuration loading from JSON and environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Debug       bool        `json:"debug"`
	Server      Server      `json:"server"`
	Database    Database    `json:"database"`
	JWT         JWT         `json:"jwt"`
	Fulfillment Fulfillment `json:"fulfillment"`
	Redis       Redis       `json:"redis"`
	Kafka       Kafka       `json:"kafka"`
	Outbox      Outbox      `json:"outbox"`
	Telemetry   Telemetry   `json:"telemetry"`
	SeedData    bool        `json:"seedData"`
}

// Server holds HTTP server configuration
type Server struct {
	Port          int    `json:"port"`
	Host          string `json:"host"`
	ReadTimeout   int    `json:"readTimeout"`
	WriteTimeout  int    `json:"writeTimeout"`
	PublicBaseURL string `json:"publicBaseUrl"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database holds database configuration. Path is used by sqlite, DSN by postgres.
type Database struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"dsn"`
}

// JWT holds token verification settings
type JWT struct {
	Secret          string `json:"secret"`
	Issuer          string `json:"issuer"`
	ExpirationHours int    `json:"expirationHours"`
}

// Fulfillment holds workflow engine settings
type Fulfillment struct {
	OperationTimeoutSeconds int     `json:"operationTimeoutSeconds"`
	DefaultRadiusKm         float64 `json:"defaultRadiusKm"`
	MaxSearchResults        int     `json:"maxSearchResults"`
}

// Redis holds the workshop directory cache settings. An empty Addr disables the cache.
type Redis struct {
	Addr            string `json:"addr"`
	Password        string `json:"password"`
	DB              int    `json:"db"`
	CacheTTLSeconds int    `json:"cacheTtlSeconds"`
}

// Kafka holds event publishing settings. Without brokers events are logged.
type Kafka struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// Outbox holds relay settings
type Outbox struct {
	IntervalSeconds int `json:"intervalSeconds"`
	BatchSize       int `json:"batchSize"`
	MaxAttempts     int `json:"maxAttempts"`
}

// Telemetry holds tracing settings. An empty endpoint disables export.
type Telemetry struct {
	ServiceName  string `json:"serviceName"`
	OTLPEndpoint string `json:"otlpEndpoint"`
	Insecure     bool   `json:"insecure"`
}

// Load reads configuration from the specified JSON file and overrides with environment variables
func Load(configPath string) (*Config, error) {
	var cfg Config

	cleanPath := filepath.Clean(configPath)

	data, err := os.ReadFile(cleanPath)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	// A missing file is fine, env vars and defaults fill the rest

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config values with environment variables if set
func (c *Config) applyEnvOverrides() {
	if debug := os.Getenv("DEBUG"); debug != "" {
		c.Debug = readBool(debug)
	}
	if seed := os.Getenv("SEED_DATA"); seed != "" {
		c.SeedData = readBool(seed)
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if host := os.Getenv("HOST"); host != "" {
		c.Server.Host = host
	}
	if base := os.Getenv("PUBLIC_BASE_URL"); base != "" {
		c.Server.PublicBaseURL = base
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		c.Database.Path = dbPath
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	// JWT secret (critical for production)
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}

	if v := os.Getenv("OPERATION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fulfillment.OperationTimeoutSeconds = n
		}
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		c.Kafka.Topic = topic
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Telemetry.OTLPEndpoint = endpoint
	}
	if insecure := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); insecure != "" {
		c.Telemetry.Insecure = readBool(insecure)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15
	}
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "data/roadfix.db"
	}

	if c.JWT.ExpirationHours == 0 {
		c.JWT.ExpirationHours = 24
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "roadfix"
	}

	if c.Fulfillment.OperationTimeoutSeconds == 0 {
		c.Fulfillment.OperationTimeoutSeconds = 8
	}
	if c.Fulfillment.DefaultRadiusKm == 0 {
		c.Fulfillment.DefaultRadiusKm = 50
	}
	if c.Fulfillment.MaxSearchResults == 0 {
		c.Fulfillment.MaxSearchResults = 100
	}

	if c.Redis.CacheTTLSeconds == 0 {
		c.Redis.CacheTTLSeconds = 60
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "roadfix.fulfillment"
	}

	if c.Outbox.IntervalSeconds == 0 {
		c.Outbox.IntervalSeconds = 2
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 5
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "roadfix"
	}
}

// validate checks that all required configuration values are present
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		cleanDBPath := filepath.Clean(c.Database.Path)
		if !filepath.IsLocal(cleanDBPath) && !filepath.IsAbs(cleanDBPath) {
			return fmt.Errorf("invalid database path: potential path traversal detected")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.JWT.Secret == "" || c.JWT.Secret == "CHANGE_THIS_SECRET_IN_PRODUCTION" {
		if !c.Debug {
			return fmt.Errorf("JWT secret must be changed for production")
		}
		c.JWT.Secret = "CHANGE_THIS_SECRET_IN_PRODUCTION"
	}

	if t := c.Fulfillment.OperationTimeoutSeconds; t < 1 || t > 60 {
		return fmt.Errorf("operation timeout must be between 1 and 60 seconds, got %d", t)
	}
	if c.Fulfillment.DefaultRadiusKm < 0 {
		return fmt.Errorf("default search radius must be positive")
	}

	return nil
}

// Address returns the full server address (host:port)
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetDatabasePath returns the cleaned and validated database path
func (c *Config) GetDatabasePath() string {
	return filepath.Clean(c.Database.Path)
}

// OperationTimeout returns the bound applied to each fulfillment operation
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.Fulfillment.OperationTimeoutSeconds) * time.Second
}

// CacheTTL returns the directory cache entry lifetime
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}

// OutboxInterval returns the relay polling period
func (c *Config) OutboxInterval() time.Duration {
	return time.Duration(c.Outbox.IntervalSeconds) * time.Second
}

func readBool(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
