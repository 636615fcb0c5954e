package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/agentops/internal/analytics"
	"github.com/ongoingai/agentops/internal/api"
	"github.com/ongoingai/agentops/internal/auth"
	"github.com/ongoingai/agentops/internal/config"
	"github.com/ongoingai/agentops/internal/limits"
	"github.com/ongoingai/agentops/internal/observability"
	"github.com/ongoingai/agentops/internal/trace"
	"github.com/ongoingai/agentops/internal/version"
)

const defaultConfigPath = "agentops.yaml"

const traceWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

type asyncTraceWriter interface {
	Start(ctx context.Context)
	Enqueue(batch *trace.IngestBatch) bool
	Shutdown(ctx context.Context) error
	SetMetrics(m *trace.WriterMetrics)
	SetWriteFailureHandler(handler trace.WriteFailureHandler)
	IngestDiagnostics() trace.IngestDiagnostics
}

var newTraceWriter = func(store trace.TraceStore, bufferSize int) asyncTraceWriter {
	return trace.NewWriter(store, bufferSize)
}

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		return runServe(nil, errOut)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintln(out, version.String())
		return 0
	case "serve":
		return runServe(args[1:], errOut)
	case "config":
		return runConfig(args[1:], out, errOut)
	case "project":
		return runProject(args[1:], out, errOut)
	case "report":
		return runReport(args[1:], out, errOut)
	case "export":
		return runExport(args[1:], out, errOut)
	case "send":
		return runSend(args[1:], out, errOut)
	case "help", "--help", "-h":
		printUsage(out)
		return 0
	default:
		printUsage(errOut)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "serve does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger, err := newLogger(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize logging: %v\n", err)
		return 1
	}

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
		fallback := cfg.Observability
		fallback.OTel.Enabled = false
		otelRuntime, _ = observability.Setup(context.Background(), fallback, version.String(), logger)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close trace store", "driver", cfg.Storage.Driver, "error", err)
		}
	}()

	pricing, err := newPricing(cfg.Pricing)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize pricing: %v\n", err)
		return 1
	}
	authorizer, err := auth.NewAuthorizer(auth.Options{
		Enabled: cfg.Auth.Enabled,
		Tokens:  cfg.Auth.AdminTokens,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize auth config: %v\n", err)
		return 1
	}

	var rollupObserver analytics.RollupObserver
	if otelRuntime != nil {
		rollupObserver = otelRuntime
	}
	engine := analytics.NewEngine(store, rollupObserver)
	projects := auth.NewProjectAuthenticator(store, 0)
	ingest := api.IngestOptions{
		Projects: projects,
		Store:    store,
		Pricer:   pricing,
		Logger:   logger,
	}
	if otelRuntime != nil {
		ingest.Recorder = otelRuntime
	}
	limiter := limits.NewIngestLimiter(store, limits.Policy{
		RequestsPerMinute: cfg.Ingest.RateLimitPerMinute,
		MaxTokensPerDay:   cfg.Ingest.MaxTokensPerDay,
		MaxCostUSDPerDay:  cfg.Ingest.MaxCostUSDPerDay,
	})
	if limiter.Enabled() {
		ingest.Limiter = limiter
	}

	var diagnostics trace.IngestDiagnosticsReader
	if cfg.Ingest.Mode == config.IngestModeAsync {
		writer := newTraceWriter(store, cfg.Ingest.QueueSize)
		attachTraceWriterTelemetry(logger, writer, otelRuntime, cfg.Storage.Driver)
		writer.Start(context.Background())
		defer shutdownTraceWriter(logger, writer, traceWriterShutdownTimeout)
		ingest.Queue = writer
		diagnostics = writer
	}

	routerOptions := api.RouterOptions{
		AppVersion:     version.String(),
		Store:          store,
		StorageDriver:  cfg.Storage.Driver,
		Engine:         engine,
		Ingest:         ingest,
		Projects:       projects,
		Authorizer:     authorizer,
		Diagnostics:    diagnostics,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	}
	if otelRuntime != nil {
		routerOptions.Telemetry = otelRuntime
		routerOptions.MetricsPath = otelRuntime.PrometheusPath()
		routerOptions.MetricsHandler = otelRuntime.PrometheusHandler()
	}
	server := newServer(cfg, api.NewRouter(routerOptions))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"ingest_mode", cfg.Ingest.Mode,
		"config_path", *configPath,
		"auth_enabled", cfg.Auth.Enabled,
		"otel_enabled", cfg.Observability.OTel.Enabled,
		"prometheus_enabled", cfg.Observability.Prometheus.Enabled,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("agentops stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("agentops failed", "error", err)
			return 1
		}
		return 0
	}
}

func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

// newLogger builds the process logger. Records carry the active OTel span ids.
func newLogger(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text":
		handler = slog.NewTextHandler(out, options)
	case "", "json":
		handler = slog.NewJSONHandler(out, options)
	default:
		return nil, fmt.Errorf("unsupported logging.format %q", cfg.Format)
	}
	return slog.New(observability.NewTraceLogHandler(handler)), nil
}

func attachTraceWriterTelemetry(logger *slog.Logger, writer asyncTraceWriter, otelRuntime *observability.Runtime, driver string) {
	if writer == nil {
		return
	}
	if otelRuntime != nil {
		writer.SetMetrics(otelRuntime.WriterMetrics())
	}
	writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		if otelRuntime != nil {
			otelRuntime.RecordTraceWriteFailure(failure)
		}
		if logger == nil {
			return
		}
		logger.Error(
			"trace persistence failed; dropped ingest batch",
			"trace_id", failure.TraceID,
			"project_id", failure.ProjectID,
			"span_count", failure.SpanCount,
			"error_class", failure.ErrorClass,
			"storage_driver", driver,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func shutdownTraceWriter(logger *slog.Logger, writer asyncTraceWriter, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending traces before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  agentops serve [--config path/to/agentops.yaml]")
	fmt.Fprintln(out, "  agentops version")
	fmt.Fprintln(out, "  agentops config validate [--config path/to/agentops.yaml]")
	fmt.Fprintln(out, "  agentops project create --name NAME [--description TEXT] [--config path/to/agentops.yaml] [--format text|json]")
	fmt.Fprintln(out, "  agentops project list [--config path/to/agentops.yaml] [--format text|json]")
	fmt.Fprintln(out, "  agentops report [--config path/to/agentops.yaml] [--format text|json] [--time-range last_24h|last_7d|last_30d|this_year|custom] [--start RFC3339|YYYY-MM-DD] [--end RFC3339|YYYY-MM-DD] [--project-ids ID,ID] [--limit N] [--sort-by tokens|cost|duration]")
	fmt.Fprintln(out, "  agentops export [--config path/to/agentops.yaml] [--format csv|json] [--out PATH] [--time-range RANGE] [--start DATE] [--end DATE] [--project-ids ID,ID]")
	fmt.Fprintln(out, "  agentops send --file PAYLOAD.json [--url URL] [--api-key KEY] [--timeout 15s] [--config path/to/agentops.yaml] [--format text|json]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  agentops config validate [--config path/to/agentops.yaml]")
}
