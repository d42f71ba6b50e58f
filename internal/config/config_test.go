package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// setRequiredEnv satisfies validation and isolates the test from any .env in the tree
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LINEBOT_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("AZURE_OPENAI_API_KEY", "test-azure-key")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://line.openai.azure.com")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "gpt-4o")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port '8080', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}
	if !cfg.Routing.PreferPrimary || cfg.Routing.ForceLegacy {
		t.Errorf("Expected primary preferred and not forced legacy, got %+v", cfg.Routing)
	}
	if cfg.Routing.CacheTTL != time.Hour {
		t.Errorf("Expected default cache TTL 1h, got %v", cfg.Routing.CacheTTL)
	}
	if cfg.Routing.PerformanceBudget != 50*time.Millisecond {
		t.Errorf("Expected default budget 50ms, got %v", cfg.Routing.PerformanceBudget)
	}
	if cfg.Routing.ObserveForcedOutcomes {
		t.Error("Expected forced outcomes not to be observed by default")
	}
	if cfg.Cache.Backend != CacheBackendFile {
		t.Errorf("Expected file cache backend, got %s", cfg.Cache.Backend)
	}
	if cfg.Azure.ResponsesAPIVersion != "2025-04-01-preview" {
		t.Errorf("Unexpected responses API version %s", cfg.Azure.ResponsesAPIVersion)
	}
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LINEBOT_PORT", "9090")
	t.Setenv("LINEBOT_LOG_LEVEL", "debug")
	t.Setenv("LINEBOT_LOG_FORMAT", "text")
	t.Setenv("LINEBOT_FORCE_LEGACY", "true")
	t.Setenv("LINEBOT_PREFER_PRIMARY", "false")
	t.Setenv("LINEBOT_CACHE_TTL", "15m")
	t.Setenv("LINEBOT_CACHE_BACKEND", "redis")
	t.Setenv("LINEBOT_REDIS_ADDR", "redis:6380")
	t.Setenv("LINEBOT_API_KEYS", "key-one, key-two,,")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port '9090', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Unexpected logging config %+v", cfg.Logging)
	}
	if !cfg.Routing.ForceLegacy || cfg.Routing.PreferPrimary {
		t.Errorf("Unexpected routing config %+v", cfg.Routing)
	}
	if cfg.Routing.CacheTTL != 15*time.Minute {
		t.Errorf("Expected cache TTL 15m, got %v", cfg.Routing.CacheTTL)
	}
	if cfg.Cache.Backend != CacheBackendRedis || cfg.Cache.Redis.Addr != "redis:6380" {
		t.Errorf("Unexpected cache config %+v", cfg.Cache)
	}
	if len(cfg.Security.APIKeys) != 2 || cfg.Security.APIKeys[1] != "key-two" {
		t.Errorf("Expected two trimmed API keys, got %v", cfg.Security.APIKeys)
	}
}

func TestLoadConfig_InvalidEnvironment(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"LINEBOT_FORCE_LEGACY", "sometimes"},
		{"LINEBOT_CACHE_TTL", "an hour"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig("")
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Expected error to name %s, got %v", tt.key, err)
			}
		})
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing API key",
			env:     map[string]string{"AZURE_OPENAI_API_KEY": ""},
			wantErr: "API key is required",
		},
		{
			name:    "endpoint not a URL",
			env:     map[string]string{"AZURE_OPENAI_ENDPOINT": "line.openai.azure.com"},
			wantErr: "must be an http(s) URL",
		},
		{
			name:    "unknown cache backend",
			env:     map[string]string{"LINEBOT_CACHE_BACKEND": "memcached"},
			wantErr: "invalid cache backend",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"LINEBOT_LOG_LEVEL": "verbose"},
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig("")
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConfig_FileLoading(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: "7070"
  read_timeout: 5s
routing:
  prefer_primary: true
  cache_ttl: 2h
  performance_budget: 25ms
  observe_forced_outcomes: true
cache:
  backend: memory
logging:
  level: warn
  format: text
security:
  rate_limiting:
    enabled: true
    requests_per_minute: 30
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("Expected port '7070', got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("Expected read timeout 5s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Routing.CacheTTL != 2*time.Hour || cfg.Routing.PerformanceBudget != 25*time.Millisecond {
		t.Errorf("Unexpected routing config %+v", cfg.Routing)
	}
	if !cfg.Routing.ObserveForcedOutcomes {
		t.Error("Expected observe_forced_outcomes from file")
	}
	if cfg.Cache.Backend != CacheBackendMemory {
		t.Errorf("Expected memory backend, got %s", cfg.Cache.Backend)
	}
	// untouched sections keep their defaults
	if cfg.Server.WriteTimeout != 150*time.Second {
		t.Errorf("Expected default write timeout, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Security.RateLimiting.RequestsPerMin != 30 || !cfg.Security.RateLimiting.Enabled {
		t.Errorf("Unexpected rate limiting %+v", cfg.Security.RateLimiting)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	setRequiredEnv(t)

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	content := "AZURE_OPENAI_API_KEY=from-dotenv\nAZURE_OPENAI_ENDPOINT=https://dotenv.openai.azure.com\nAZURE_OPENAI_DEPLOYMENT=gpt-4o-mini\nLINEBOT_PORT=6060\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Setenv("LINEBOT_ENV_FILE", envFile)
	// process environment beats the .env file
	t.Setenv("LINEBOT_PORT", "5050")
	for _, key := range []string{"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Azure.APIKey != "from-dotenv" || cfg.Azure.Deployment != "gpt-4o-mini" {
		t.Errorf("Expected Azure settings from .env, got %+v", cfg.Azure)
	}
	if cfg.Server.Port != "5050" {
		t.Errorf("Expected process env port '5050', got %s", cfg.Server.Port)
	}
	if _, ok := os.LookupEnv("AZURE_OPENAI_API_KEY"); ok {
		t.Error(".env values must not leak into the process environment")
	}
}

func TestAzureConfig_Fingerprint(t *testing.T) {
	a := AzureConfig{
		Endpoint:            "https://line.openai.azure.com/",
		Deployment:          "gpt-4o",
		ResponsesAPIVersion: "2025-04-01-preview",
	}
	b := a
	b.Endpoint = "https://line.openai.azure.com"

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("Trailing slash must not change the fingerprint: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}

	c := a
	c.Deployment = "gpt-4o-mini"
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("Different deployments must have different fingerprints")
	}
}

func TestRoutingConfig_Preferences(t *testing.T) {
	r := RoutingConfig{PreferPrimary: true, CacheTTL: time.Minute, ObserveForcedOutcomes: true}
	want := types.RoutingPreferences{PreferPrimary: true, CacheTTL: time.Minute, ObserveForcedOutcomes: true}

	if got := r.Preferences(); got != want {
		t.Errorf("Preferences() = %+v, want %+v", got, want)
	}
}

func TestConfig_ToServerConfig(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Security.APIKeys = []string{"k1"}
	cfg.Security.CORS.AllowedOrigins = []string{"https://admin.example.com"}

	serverCfg := cfg.ToServerConfig()

	if serverCfg.Port != cfg.Server.Port {
		t.Errorf("Expected port %s, got %s", cfg.Server.Port, serverCfg.Port)
	}
	if serverCfg.Auth == nil || len(serverCfg.Auth.APIKeys) != 1 {
		t.Errorf("Expected auth config with one key, got %+v", serverCfg.Auth)
	}
	if serverCfg.Validation == nil || !serverCfg.Validation.Enabled {
		t.Error("Expected validation enabled by default")
	}
	if len(serverCfg.CORSOrigins) != 1 {
		t.Errorf("Expected CORS origins to carry over, got %v", serverCfg.CORSOrigins)
	}
}

func TestConfig_SaveToFile(t *testing.T) {
	setRequiredEnv(t)

	cfg := &Config{}
	cfg.setDefaults()
	cfg.Server.Port = "9999"
	cfg.Routing.CacheTTL = 3 * time.Hour

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Server.Port != "9999" {
		t.Errorf("Expected port '9999', got %s", loaded.Server.Port)
	}
	if loaded.Routing.CacheTTL != 3*time.Hour {
		t.Errorf("Expected cache TTL 3h, got %v", loaded.Routing.CacheTTL)
	}
}

func BenchmarkLoadConfig_Defaults(b *testing.B) {
	os.Setenv("AZURE_OPENAI_API_KEY", "bench-key")
	os.Setenv("AZURE_OPENAI_ENDPOINT", "https://bench.openai.azure.com")
	os.Setenv("AZURE_OPENAI_DEPLOYMENT", "gpt-4o")
	defer func() {
		os.Unsetenv("AZURE_OPENAI_API_KEY")
		os.Unsetenv("AZURE_OPENAI_ENDPOINT")
		os.Unsetenv("AZURE_OPENAI_DEPLOYMENT")
	}()

	for i := 0; i < b.N; i++ {
		if _, err := LoadConfig(""); err != nil {
			b.Fatal(err)
		}
	}
}
