// Package config provides environment-variable configuration loading for an
// access node. cmd/accessnode loads its NodeConfig through ConfigLoader; the
// same helpers serve a node constructed directly (e.g. in tests).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig provides utilities for loading configuration from environment variables
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value from environment or panics
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// MustGetInt retrieves a required integer value from environment or panics
func (ec *EnvConfig) MustGetInt(key string) int {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("environment variable %s is not a valid integer: %v", fullKey, err))
	}
	return intValue
}

// GetBool retrieves a boolean value from environment with optional default
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ServerConfig is the access node's HTTP listener configuration.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
	// RateLimit bounds requests per second accepted by this node's HTTP
	// surface; 0 means unlimited.
	RateLimit float64
}

// LoadServerConfig loads server configuration from environment
func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		Port:            env.GetInt("PORT", 8080),
		Host:            env.GetString("HOST", "0.0.0.0"),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Debug:           env.GetBool("DEBUG", false),
		RateLimit:       float64(env.GetInt("RATE_LIMIT", 0)),
	}
}

// DatabaseConfig is the event log's Postgres connection configuration.
type DatabaseConfig struct {
	ConnString     string
	MaxConnections int
	Timeout        time.Duration
}

// LoadDatabaseConfig loads database configuration from environment
func LoadDatabaseConfig(prefix string) DatabaseConfig {
	env := NewEnvConfig(prefix)
	return DatabaseConfig{
		ConnString:     env.GetString("CONN_STRING", "postgres://localhost:5432/accessgraph"),
		MaxConnections: env.GetInt("MAX_CONNECTIONS", 10),
		Timeout:        env.GetDuration("TIMEOUT", 30*time.Second),
	}
}

// BufferConfig tunes the write buffer, flush strategy, and replay cache.
type BufferConfig struct {
	BufferSizeLimit   int
	FlushLoopInterval time.Duration
	ReplayCacheSize   int
}

// LoadBufferConfig loads write-buffer/flush/replay-cache configuration from
// environment.
func LoadBufferConfig(prefix string) BufferConfig {
	env := NewEnvConfig(prefix)
	return BufferConfig{
		BufferSizeLimit:   env.GetInt("BUFFER_SIZE_LIMIT", 100),
		FlushLoopInterval: env.GetDuration("FLUSH_LOOP_INTERVAL", 2*time.Second),
		ReplayCacheSize:   env.GetInt("REPLAY_CACHE_SIZE", 10000),
	}
}

// RedistributionConfig tunes the splitter's and merger's batch size and
// quiescence-wait retry policy.
type RedistributionConfig struct {
	EventBatchSize                                   int
	SourceWriterOperationsCompleteCheckRetryAttempts int
	RetryInterval                                    time.Duration
}

// LoadRedistributionConfig loads split/merge tuning from environment.
func LoadRedistributionConfig(prefix string) RedistributionConfig {
	env := NewEnvConfig(prefix)
	return RedistributionConfig{
		EventBatchSize: env.GetInt("EVENT_BATCH_SIZE", 500),
		SourceWriterOperationsCompleteCheckRetryAttempts: env.GetInt("QUIESCENCE_RETRY_ATTEMPTS", 20),
		RetryInterval: env.GetDuration("QUIESCENCE_RETRY_INTERVAL", 250*time.Millisecond),
	}
}

// RedisConfig is the distributed migration lock's connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	LockTTL  time.Duration
}

// LoadRedisConfig loads redis configuration from environment.
func LoadRedisConfig(prefix string) RedisConfig {
	env := NewEnvConfig(prefix)
	return RedisConfig{
		Addr:     env.GetString("ADDR", "localhost:6379"),
		Password: env.GetString("PASSWORD", ""),
		LockTTL:  env.GetDuration("LOCK_TTL", 30*time.Second),
	}
}

// ServiceConfig identifies this node for logging and metrics.
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadServiceConfig loads service configuration from environment
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:        env.GetString("NAME", "accessnode"),
		Environment: env.GetString("ENVIRONMENT", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		LogFormat:   env.GetString("LOG_FORMAT", "text"),
	}
}

// Validator provides configuration validation utilities
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequireString validates that a string field is not empty
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequireInt validates that an integer field is within range
func (v *Validator) RequireInt(field string, value, min, max int) {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireURL validates that a string is a valid URL
func (v *Validator) RequireURL(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a valid URL (http:// or https://)", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// ConfigLoader provides a fluent interface for loading configuration
type ConfigLoader struct {
	prefix string
	env    *EnvConfig
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader(prefix string) *ConfigLoader {
	return &ConfigLoader{
		prefix: prefix,
		env:    NewEnvConfig(prefix),
	}
}

// LoadAll loads the full access node configuration.
func (cl *ConfigLoader) LoadAll() (*NodeConfig, error) {
	config := &NodeConfig{
		Server:         LoadServerConfig(cl.prefix),
		Database:       LoadDatabaseConfig(cl.prefix + "_DB"),
		Buffer:         LoadBufferConfig(cl.prefix + "_BUFFER"),
		Redistribution: LoadRedistributionConfig(cl.prefix + "_REDISTRIBUTION"),
		Redis:          LoadRedisConfig(cl.prefix + "_REDIS"),
		Service:        LoadServiceConfig(cl.prefix),
	}

	if err := cl.validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// validate validates the loaded configuration
func (cl *ConfigLoader) validate(config *NodeConfig) error {
	validator := NewValidator()

	validator.RequireString("Service.Name", config.Service.Name)
	validator.RequireOneOf("Service.Environment", config.Service.Environment,
		[]string{"development", "staging", "production"})
	validator.RequireOneOf("Service.LogLevel", config.Service.LogLevel,
		[]string{"debug", "info", "warn", "error"})

	validator.RequirePositiveInt("Server.Port", config.Server.Port)
	validator.RequireString("Database.ConnString", config.Database.ConnString)
	validator.RequirePositiveInt("Buffer.BufferSizeLimit", config.Buffer.BufferSizeLimit)
	validator.RequirePositiveInt("Redistribution.EventBatchSize", config.Redistribution.EventBatchSize)

	return validator.Validate()
}

// NodeConfig aggregates every configuration section an access node needs to
// start: HTTP listener, event log storage, write-buffer/flush tuning,
// split/merge retry policy, the migration lock's redis connection, and
// service identity for logging.
type NodeConfig struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Buffer         BufferConfig
	Redistribution RedistributionConfig
	Redis          RedisConfig
	Service        ServiceConfig
}
