package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Auth          AuthConfig          `yaml:"auth"`
	CORS          CORSConfig          `yaml:"cors"`
	Logging       LoggingConfig       `yaml:"logging"`
	Pricing       []PricingEntry      `yaml:"pricing"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

const (
	IngestModeSync  = "sync"
	IngestModeAsync = "async"
)

type IngestConfig struct {
	Mode               string  `yaml:"mode"`
	QueueSize          int     `yaml:"queue_size"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute"`
	MaxTokensPerDay    int64   `yaml:"max_tokens_per_day"`
	MaxCostUSDPerDay   float64 `yaml:"max_cost_usd_per_day"`
}

type AuthConfig struct {
	Enabled     bool     `yaml:"enabled"`
	AdminTokens []string `yaml:"admin_tokens"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PricingEntry prices models whose lowercased name contains Match, in USD
// per million tokens.
type PricingEntry struct {
	Match            string  `yaml:"match"`
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

type ObservabilityConfig struct {
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "agentops"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/agentops.db",
		},
		Ingest: IngestConfig{
			Mode:               IngestModeSync,
			QueueSize:          1024,
			RateLimitPerMinute: 100,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
			Prometheus: PrometheusConfig{
				Enabled: false,
				Path:    "/metrics",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if err := validateIngest(cfg.Ingest); err != nil {
		return err
	}
	if cfg.Auth.Enabled && len(cfg.Auth.AdminTokens) == 0 {
		return errors.New("auth.admin_tokens must not be empty when auth.enabled=true")
	}
	for i, origin := range cfg.CORS.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("cors.allowed_origins[%d] must not be empty", i)
		}
	}
	if _, err := ParseLogLevel(cfg.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of json, text (got %q)", cfg.Logging.Format)
	}
	if err := validatePricing(cfg.Pricing); err != nil {
		return err
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}
	if cfg.Observability.Prometheus.Enabled && !strings.HasPrefix(strings.TrimSpace(cfg.Observability.Prometheus.Path), "/") {
		return fmt.Errorf("observability.prometheus.path must start with '/' (got %q)", cfg.Observability.Prometheus.Path)
	}

	return nil
}

func validateIngest(cfg IngestConfig) error {
	switch cfg.Mode {
	case IngestModeSync, IngestModeAsync:
	default:
		return fmt.Errorf("ingest.mode must be one of sync, async (got %q)", cfg.Mode)
	}
	if cfg.Mode == IngestModeAsync && cfg.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be > 0 when ingest.mode=async (got %d)", cfg.QueueSize)
	}
	if cfg.RateLimitPerMinute < 0 {
		return fmt.Errorf("ingest.rate_limit_per_minute must be >= 0 (got %d)", cfg.RateLimitPerMinute)
	}
	if cfg.MaxTokensPerDay < 0 {
		return fmt.Errorf("ingest.max_tokens_per_day must be >= 0 (got %d)", cfg.MaxTokensPerDay)
	}
	if cfg.MaxCostUSDPerDay < 0 {
		return fmt.Errorf("ingest.max_cost_usd_per_day must be >= 0 (got %f)", cfg.MaxCostUSDPerDay)
	}
	return nil
}

func validatePricing(entries []PricingEntry) error {
	for i, entry := range entries {
		name := fmt.Sprintf("pricing[%d]", i)
		if strings.TrimSpace(entry.Match) == "" {
			return fmt.Errorf("%s.match is required", name)
		}
		if entry.InputPerMillion < 0 || entry.OutputPerMillion < 0 {
			return fmt.Errorf("%s prices must be >= 0", name)
		}
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("AGENTOPS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("AGENTOPS_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid AGENTOPS_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); databaseURL != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = databaseURL
	}
	if storageDriver := os.Getenv("AGENTOPS_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("AGENTOPS_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("AGENTOPS_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if mode := os.Getenv("AGENTOPS_INGEST_MODE"); mode != "" {
		cfg.Ingest.Mode = strings.ToLower(strings.TrimSpace(mode))
	}
	if queueSize := os.Getenv("AGENTOPS_INGEST_QUEUE_SIZE"); queueSize != "" {
		v, err := strconv.Atoi(queueSize)
		if err != nil {
			return fmt.Errorf("invalid AGENTOPS_INGEST_QUEUE_SIZE: %w", err)
		}
		cfg.Ingest.QueueSize = v
	}
	for _, name := range []string{"RATE_LIMIT_PER_MINUTE", "AGENTOPS_RATE_LIMIT_PER_MINUTE"} {
		if value := os.Getenv(name); value != "" {
			v, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			cfg.Ingest.RateLimitPerMinute = v
		}
	}

	if authEnabled := os.Getenv("AGENTOPS_AUTH_ENABLED"); authEnabled != "" {
		v, err := strconv.ParseBool(authEnabled)
		if err != nil {
			return fmt.Errorf("invalid AGENTOPS_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if tokens := os.Getenv("AGENTOPS_ADMIN_TOKENS"); tokens != "" {
		cfg.Auth.AdminTokens = splitList(tokens)
	}

	for _, name := range []string{"ALLOWED_ORIGINS", "AGENTOPS_ALLOWED_ORIGINS"} {
		if value := os.Getenv(name); value != "" {
			cfg.CORS.AllowedOrigins = splitList(value)
		}
	}
	for _, name := range []string{"LOG_LEVEL", "AGENTOPS_LOG_LEVEL"} {
		if value := os.Getenv(name); value != "" {
			cfg.Logging.Level = value
		}
	}
	if format := os.Getenv("AGENTOPS_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if enabled := os.Getenv("AGENTOPS_PROMETHEUS_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid AGENTOPS_PROMETHEUS_ENABLED: %w", err)
		}
		cfg.Observability.Prometheus.Enabled = v
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

func applyOTelEnv(cfg *OTelConfig) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
