package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tkhongsap/line-bot-connect/internal/cache"
	"github.com/tkhongsap/line-bot-connect/internal/middleware"
	"github.com/tkhongsap/line-bot-connect/internal/security"
	"github.com/tkhongsap/line-bot-connect/internal/server"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Azure    AzureConfig    `yaml:"azure"`
	Routing  RoutingConfig  `yaml:"routing"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AzureConfig describes the one Azure OpenAI deployment the relay talks to
type AzureConfig struct {
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`

	// APIVersion is used for Chat Completions, ResponsesAPIVersion for the Responses API
	APIVersion          string `yaml:"api_version"`
	ResponsesAPIVersion string `yaml:"responses_api_version"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeRate      float64       `yaml:"probe_rate"`
	ProbeBurst     int           `yaml:"probe_burst"`
}

// Fingerprint identifies the configured deployment in the capability cache
func (a AzureConfig) Fingerprint() types.Fingerprint {
	return types.NewFingerprint(a.Endpoint, a.Deployment, a.ResponsesAPIVersion)
}

// RoutingConfig holds the operator's routing preferences
type RoutingConfig struct {
	PreferPrimary         bool          `yaml:"prefer_primary"`
	ForceLegacy           bool          `yaml:"force_legacy"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
	PerformanceBudget     time.Duration `yaml:"performance_budget"`
	ObserveForcedOutcomes bool          `yaml:"observe_forced_outcomes"`
}

// Preferences converts to the router's read-only view
func (r RoutingConfig) Preferences() types.RoutingPreferences {
	return types.RoutingPreferences{
		PreferPrimary:         r.PreferPrimary,
		ForceLegacy:           r.ForceLegacy,
		CacheTTL:              r.CacheTTL,
		PerformanceBudget:     r.PerformanceBudget,
		ObserveForcedOutcomes: r.ObserveForcedOutcomes,
	}
}

// Cache backends
const (
	CacheBackendFile   = "file"
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

// CacheConfig selects and tunes the durable capability store
type CacheConfig struct {
	Backend      string        `yaml:"backend"` // "file", "redis" or "memory"
	Path         string        `yaml:"path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Redis        RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "text"
	Output     string `yaml:"output"` // "stdout", "stderr", or file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys           []string         `yaml:"api_keys"`
	JWTSecret         string           `yaml:"jwt_secret"`
	JWTExpiry         time.Duration    `yaml:"jwt_expiry"`
	RateLimiting      RateLimitConfig  `yaml:"rate_limiting"`
	CORS              CORSConfig       `yaml:"cors"`
	RequestValidation ValidationConfig `yaml:"request_validation"`
}

// RateLimitConfig holds per-client limits for the relay endpoint
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_minute"`
	BurstSize      int  `yaml:"burst_size"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ValidationConfig toggles OpenAPI request validation
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig builds the configuration from defaults, the YAML file at configPath (if
// any), a .env file and the process environment, in increasing order of precedence.
// The .env file is read from LINEBOT_ENV_FILE, or ./.env when that is unset.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	dotenv, err := readDotEnv(os.Getenv("LINEBOT_ENV_FILE"))
	if err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := config.loadFromEnv(lookup); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:            "8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    150 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1MB
		MaxRequestBytes: 1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}

	c.Azure = AzureConfig{
		APIVersion:          "2024-10-21",
		ResponsesAPIVersion: "2025-04-01-preview",
		RequestTimeout:      60 * time.Second,
		ProbeTimeout:        5 * time.Second,
		ProbeRate:           2,
		ProbeBurst:          4,
	}

	defaults := types.DefaultRoutingPreferences()
	c.Routing = RoutingConfig{
		PreferPrimary:     defaults.PreferPrimary,
		ForceLegacy:       defaults.ForceLegacy,
		CacheTTL:          defaults.CacheTTL,
		PerformanceBudget: defaults.PerformanceBudget,
	}

	c.Cache = CacheConfig{
		Backend:      CacheBackendFile,
		Path:         "data/surface-cache.json",
		ReadTimeout:  cache.DefaultReadTimeout,
		WriteTimeout: cache.DefaultWriteTimeout,
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: cache.DefaultRedisPrefix,
		},
	}

	c.Logging = LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Compress:   true,
	}

	c.Security = SecurityConfig{
		APIKeys:   []string{},
		JWTExpiry: 24 * time.Hour,
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 120,
			BurstSize:      20,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{},
		},
		RequestValidation: ValidationConfig{Enabled: true},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// readDotEnv parses path (or ./.env) without touching the process environment. A
// missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		path = ".env"
	}

	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	return values, err
}

// loadFromEnv applies overrides from lookup
func (c *Config) loadFromEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	// Azure deployment
	str("AZURE_OPENAI_API_KEY", &c.Azure.APIKey)
	str("AZURE_OPENAI_ENDPOINT", &c.Azure.Endpoint)
	str("AZURE_OPENAI_DEPLOYMENT", &c.Azure.Deployment)
	str("AZURE_OPENAI_API_VERSION", &c.Azure.APIVersion)
	str("AZURE_OPENAI_RESPONSES_API_VERSION", &c.Azure.ResponsesAPIVersion)

	// Server and logging
	str("LINEBOT_PORT", &c.Server.Port)
	str("LINEBOT_LOG_LEVEL", &c.Logging.Level)
	str("LINEBOT_LOG_FORMAT", &c.Logging.Format)
	str("LINEBOT_LOG_OUTPUT", &c.Logging.Output)

	// Routing
	boolean("LINEBOT_PREFER_PRIMARY", &c.Routing.PreferPrimary)
	boolean("LINEBOT_FORCE_LEGACY", &c.Routing.ForceLegacy)
	boolean("LINEBOT_OBSERVE_FORCED_OUTCOMES", &c.Routing.ObserveForcedOutcomes)
	duration("LINEBOT_CACHE_TTL", &c.Routing.CacheTTL)

	// Cache
	str("LINEBOT_CACHE_BACKEND", &c.Cache.Backend)
	str("LINEBOT_CACHE_PATH", &c.Cache.Path)
	str("LINEBOT_REDIS_ADDR", &c.Cache.Redis.Addr)
	str("LINEBOT_REDIS_PASSWORD", &c.Cache.Redis.Password)

	// Security
	if v, ok := lookup("LINEBOT_API_KEYS"); ok && v != "" {
		c.Security.APIKeys = splitList(v)
	}
	str("LINEBOT_JWT_SECRET", &c.Security.JWTSecret)

	return errors.Join(errs...)
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

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if c.Azure.APIKey == "" {
		return fmt.Errorf("azure API key is required")
	}
	if c.Azure.Endpoint == "" {
		return fmt.Errorf("azure endpoint is required")
	}
	if !strings.HasPrefix(c.Azure.Endpoint, "https://") && !strings.HasPrefix(c.Azure.Endpoint, "http://") {
		return fmt.Errorf("azure endpoint must be an http(s) URL: %s", c.Azure.Endpoint)
	}
	if c.Azure.Deployment == "" {
		return fmt.Errorf("azure deployment is required")
	}
	if c.Azure.APIVersion == "" || c.Azure.ResponsesAPIVersion == "" {
		return fmt.Errorf("azure API versions cannot be empty")
	}

	if c.Routing.PerformanceBudget < 0 {
		return fmt.Errorf("performance budget cannot be negative")
	}

	switch c.Cache.Backend {
	case CacheBackendFile:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache path is required for the file backend")
		}
	case CacheBackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	case CacheBackendMemory:
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RequestsPerMin <= 0 {
		return fmt.Errorf("requests_per_minute must be positive when rate limiting is enabled")
	}

	return nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:            c.Server.Port,
		ReadTimeout:     c.Server.ReadTimeout,
		WriteTimeout:    c.Server.WriteTimeout,
		MaxHeaderBytes:  c.Server.MaxHeaderBytes,
		MaxRequestBytes: c.Server.MaxRequestBytes,
		CORSOrigins:     c.Security.CORS.AllowedOrigins,
		Auth: &security.Config{
			APIKeys:   c.Security.APIKeys,
			JWTSecret: c.Security.JWTSecret,
			JWTExpiry: c.Security.JWTExpiry,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
		},
		Validation: &middleware.ValidationConfig{
			Enabled: c.Security.RequestValidation.Enabled,
		},
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
