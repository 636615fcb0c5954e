package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Address() != "0.0.0.0:8000" {
		t.Fatalf("server address=%q, want 0.0.0.0:8000", cfg.Server.Address())
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "./data/agentops.db" {
		t.Fatalf("storage=%+v, want sqlite default", cfg.Storage)
	}
	if cfg.Ingest.Mode != IngestModeSync || cfg.Ingest.RateLimitPerMinute != 100 || cfg.Ingest.QueueSize != 1024 {
		t.Fatalf("ingest=%+v, want sync mode with 100 rpm", cfg.Ingest)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("cors.allowed_origins=%v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Auth.Enabled {
		t.Fatalf("auth.enabled=%v, want false", cfg.Auth.Enabled)
	}
	if cfg.Observability.OTel.Enabled || cfg.Observability.OTel.ServiceName != "agentops" {
		t.Fatalf("observability.otel=%+v", cfg.Observability.OTel)
	}
	if cfg.Observability.Prometheus.Enabled || cfg.Observability.Prometheus.Path != "/metrics" {
		t.Fatalf("observability.prometheus=%+v", cfg.Observability.Prometheus)
	}
	if len(cfg.Pricing) != 0 {
		t.Fatalf("pricing=%v, want built-in table", cfg.Pricing)
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "agentops.yaml")
	configYAML := `server:
  host: 127.0.0.1
  port: 9090
storage:
  driver: sqlite
  path: /tmp/custom.db
ingest:
  mode: async
  queue_size: 64
  rate_limit_per_minute: 10
  max_tokens_per_day: 50000
auth:
  enabled: true
  admin_tokens: [yaml-token]
logging:
  level: debug
pricing:
  - match: claude
    input_per_million: 3
    output_per_million: 15
observability:
  prometheus:
    enabled: true
    path: /internal/metrics
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AGENTOPS_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://agentops@db/agentops")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "25")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 7070 {
		t.Fatalf("server=%+v, want yaml host and env port", cfg.Server)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://agentops@db/agentops" {
		t.Fatalf("storage=%+v, want DATABASE_URL to select postgres", cfg.Storage)
	}
	if cfg.Ingest.Mode != IngestModeAsync || cfg.Ingest.QueueSize != 64 || cfg.Ingest.MaxTokensPerDay != 50000 {
		t.Fatalf("ingest=%+v, want yaml values", cfg.Ingest)
	}
	if cfg.Ingest.RateLimitPerMinute != 25 {
		t.Fatalf("rate_limit_per_minute=%d, want env override", cfg.Ingest.RateLimitPerMinute)
	}
	if got := strings.Join(cfg.CORS.AllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("cors.allowed_origins=%q", got)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging.level=%q, want env override", cfg.Logging.Level)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.AdminTokens) != 1 || cfg.Auth.AdminTokens[0] != "yaml-token" {
		t.Fatalf("auth=%+v", cfg.Auth)
	}
	if len(cfg.Pricing) != 1 || cfg.Pricing[0].Match != "claude" || cfg.Pricing[0].OutputPerMillion != 15 {
		t.Fatalf("pricing=%+v", cfg.Pricing)
	}
	if !cfg.Observability.Prometheus.Enabled || cfg.Observability.Prometheus.Path != "/internal/metrics" {
		t.Fatalf("prometheus=%+v", cfg.Observability.Prometheus)
	}
	if !cfg.Observability.OTel.Enabled || cfg.Observability.OTel.Endpoint != "collector:4318" {
		t.Fatalf("otel=%+v, want enabled by OTEL_* env", cfg.Observability.OTel)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(configPath, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "parse yaml") {
		t.Fatalf("Load() error=%v, want parse yaml error", err)
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid-field.yaml")
	configYAML := `ingest:
  mode: sync
  unexpected_field: true
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "field unexpected_field not found") {
		t.Fatalf("Load() error=%v, want unknown-field error", err)
	}
}

func TestLoadRejectsMultiDocumentYAML(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "multi-doc.yaml")
	configYAML := `server:
  host: 127.0.0.1
---
auth:
  enabled: true
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "multiple yaml documents are not supported") {
		t.Fatalf("Load() error=%v, want multi-document error", err)
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "AGENTOPS_PORT", value: "not-a-number"},
		{name: "RATE_LIMIT_PER_MINUTE", value: "lots"},
		{name: "AGENTOPS_AUTH_ENABLED", value: "maybe"},
		{name: "OTEL_TRACES_SAMPLER_ARG", value: "half"},
		{name: "OTEL_TRACES_EXPORTER", value: "zipkin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.name, tt.value)

			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), "invalid "+tt.name) {
				t.Fatalf("Load() error=%v, want invalid %s", err, tt.name)
			}
		})
	}
}

func TestLoadAppliesStandardOTELEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel-collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_SERVICE_NAME", "otel-service-name")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.35")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "otlp")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	otel := cfg.Observability.OTel
	if !otel.Enabled || otel.Endpoint != "https://otel-collector:4318" || otel.Insecure {
		t.Fatalf("otel=%+v", otel)
	}
	if otel.ServiceName != "otel-service-name" || otel.SamplingRatio != 0.35 {
		t.Fatalf("otel=%+v", otel)
	}
	if otel.TracesEnabled || !otel.MetricsEnabled {
		t.Fatalf("otel signals traces=%v metrics=%v", otel.TracesEnabled, otel.MetricsEnabled)
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false from OTEL_SDK_DISABLED=true", cfg.Observability.OTel.Enabled)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.port"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "storage.driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.Path = " " }, wantErr: "storage.path"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "postgres with dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "postgres://x" }},
		{name: "unknown ingest mode", mutate: func(c *Config) { c.Ingest.Mode = "batch" }, wantErr: "ingest.mode"},
		{name: "async without queue", mutate: func(c *Config) { c.Ingest.Mode = IngestModeAsync; c.Ingest.QueueSize = 0 }, wantErr: "ingest.queue_size"},
		{name: "negative rate", mutate: func(c *Config) { c.Ingest.RateLimitPerMinute = -1 }, wantErr: "rate_limit_per_minute"},
		{name: "negative tokens", mutate: func(c *Config) { c.Ingest.MaxTokensPerDay = -1 }, wantErr: "max_tokens_per_day"},
		{name: "negative cost", mutate: func(c *Config) { c.Ingest.MaxCostUSDPerDay = -0.5 }, wantErr: "max_cost_usd_per_day"},
		{name: "auth without tokens", mutate: func(c *Config) { c.Auth.Enabled = true }, wantErr: "auth.admin_tokens"},
		{name: "blank origin", mutate: func(c *Config) { c.CORS.AllowedOrigins = []string{""} }, wantErr: "cors.allowed_origins"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "pricing without match", mutate: func(c *Config) { c.Pricing = []PricingEntry{{InputPerMillion: 1}} }, wantErr: "pricing[0].match"},
		{name: "negative price", mutate: func(c *Config) { c.Pricing = []PricingEntry{{Match: "gpt", OutputPerMillion: -1}} }, wantErr: "pricing[0]"},
		{name: "otel sampling", mutate: func(c *Config) { c.Observability.OTel.Enabled = true; c.Observability.OTel.SamplingRatio = 1.5 }, wantErr: "sampling_ratio"},
		{name: "otel without signals", mutate: func(c *Config) {
			c.Observability.OTel.Enabled = true
			c.Observability.OTel.TracesEnabled = false
			c.Observability.OTel.MetricsEnabled = false
		}, wantErr: "traces_enabled"},
		{name: "otel without endpoint", mutate: func(c *Config) { c.Observability.OTel.Enabled = true; c.Observability.OTel.Endpoint = "" }, wantErr: "otel.endpoint"},
		{name: "prometheus path", mutate: func(c *Config) { c.Observability.Prometheus.Enabled = true; c.Observability.Prometheus.Path = "metrics" }, wantErr: "prometheus.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for raw, want := range tests {
		got, err := ParseLogLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q)=%v,%v want %v", raw, got, err, want)
		}
	}
	if _, err := ParseLogLevel("trace"); err == nil {
		t.Fatal("ParseLogLevel(trace) expected error")
	}
}
