package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/auth"
	"github.com/ongoingai/agentops/internal/config"
	"github.com/ongoingai/agentops/internal/correlation"
	"github.com/ongoingai/agentops/internal/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "agentops"
)

// Ingest outcomes reported by RecordIngest.
const (
	IngestOutcomeStored      = "stored"
	IngestOutcomeQueued      = "queued"
	IngestOutcomeRejected    = "rejected"
	IngestOutcomeRateLimited = "rate_limited"
	IngestOutcomeQueueFull   = "queue_full"
	IngestOutcomeFailed      = "failed"
)

// Runtime exposes OpenTelemetry HTTP wrappers and metric hooks for the
// ingest pipeline and analytics rollups.
type Runtime struct {
	enabled bool
	tracer  oteltrace.Tracer

	ingestCounter            metric.Int64Counter
	traceQueueDroppedCounter metric.Int64Counter
	traceWriteFailedCounter  metric.Int64Counter
	traceWriteDuration       metric.Float64Histogram
	rollupDuration           metric.Float64Histogram

	prometheus *Prometheus

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers, the optional Prometheus registry
// and runtime hooks.
func Setup(ctx context.Context, cfg config.ObservabilityConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if cfg.Prometheus.Enabled {
		runtime.prometheus = NewPrometheus(cfg.Prometheus.Path)
	}
	otelCfg := cfg.OTel
	if !otelCfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(otelCfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(otelCfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(otelCfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := otelCfg.Insecure
	if strings.Contains(strings.TrimSpace(otelCfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(otelCfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if otelCfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(otelCfg.SamplingRatio))),
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if otelCfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.tracer = otel.Tracer(instrumentationName)
	runtime.createInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", otelCfg.TracesEnabled,
			"otel_metrics_enabled", otelCfg.MetricsEnabled,
			"otel_sampling_ratio", otelCfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) createInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.ingestCounter, err = meter.Int64Counter(
		"agentops.ingest.requests_total",
		metric.WithDescription("Count of ingest requests by outcome."),
	)
	warn("agentops.ingest.requests_total", err)

	r.traceQueueDroppedCounter, err = meter.Int64Counter(
		"agentops.trace.queue_dropped_total",
		metric.WithDescription("Count of ingest batches dropped because the async queue was full."),
	)
	warn("agentops.trace.queue_dropped_total", err)

	r.traceWriteFailedCounter, err = meter.Int64Counter(
		"agentops.trace.write_failed_total",
		metric.WithDescription("Count of ingest batches dropped after storage write failures."),
	)
	warn("agentops.trace.write_failed_total", err)

	r.traceWriteDuration, err = meter.Float64Histogram(
		"agentops.trace.write_duration_ms",
		metric.WithDescription("Duration of ingest batch writes."),
		metric.WithUnit("ms"),
	)
	warn("agentops.trace.write_duration_ms", err)

	r.rollupDuration, err = meter.Float64Histogram(
		"agentops.analytics.rollup_duration_ms",
		metric.WithDescription("Duration of analytics rollup queries."),
		metric.WithUnit("ms"),
	)
	warn("agentops.analytics.rollup_duration_ms", err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// PrometheusHandler returns the scrape handler, or nil when Prometheus is
// disabled.
func (r *Runtime) PrometheusHandler() http.Handler {
	if r == nil || r.prometheus == nil {
		return nil
	}
	return r.prometheus.Handler()
}

// PrometheusPath returns the configured scrape path, or "" when Prometheus is
// disabled.
func (r *Runtime) PrometheusPath() string {
	if r == nil || r.prometheus == nil {
		return ""
	}
	return r.prometheus.Path()
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"agentops.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware adds caller attributes and stable error status on 5xx responses.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		attrs := make([]attribute.KeyValue, 0, 3)
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			attrs = append(attrs, attribute.String("agentops.correlation_id", correlationID))
		}

		identity, ok := auth.IdentityFromContext(req.Context())
		if ok && identity != nil {
			if tokenID := strings.TrimSpace(identity.TokenID); tokenID != "" {
				attrs = append(attrs, attribute.String("agentops.token_id", tokenID))
			}
			if role := strings.TrimSpace(identity.Role); role != "" {
				attrs = append(attrs, attribute.String("agentops.role", role))
			}
		}
		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
	})
}

// RecordIngest counts one ingest request by mode and outcome.
func (r *Runtime) RecordIngest(mode, outcome string) {
	if r == nil {
		return
	}
	if r.prometheus != nil {
		r.prometheus.ingestTotal.WithLabelValues(mode, outcome).Inc()
	}
	if !r.Enabled() || r.ingestCounter == nil {
		return
	}
	r.ingestCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTraceQueueDrop increments a counter when the async ingest queue is full.
func (r *Runtime) RecordTraceQueueDrop() {
	if r == nil {
		return
	}
	if r.prometheus != nil {
		r.prometheus.queueDroppedTotal.Inc()
	}
	if !r.Enabled() || r.traceQueueDroppedCounter == nil {
		return
	}
	r.traceQueueDroppedCounter.Add(context.Background(), 1)
}

// RecordTraceWriteFailure increments a counter for a dropped ingest batch.
func (r *Runtime) RecordTraceWriteFailure(failure trace.WriteFailure) {
	if r == nil {
		return
	}
	errorClass := strings.TrimSpace(failure.ErrorClass)
	if errorClass == "" {
		errorClass = trace.ErrorClassUnknown
	}
	if r.prometheus != nil {
		r.prometheus.writeFailedTotal.WithLabelValues(errorClass).Inc()
	}
	if !r.Enabled() || r.traceWriteFailedCounter == nil {
		return
	}
	r.traceWriteFailedCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("error_class", errorClass)),
	)
}

// RecordTraceWrite records the duration of one ingest batch write.
func (r *Runtime) RecordTraceWrite(duration time.Duration, err error) {
	if r == nil {
		return
	}
	status := statusLabel(err)
	if r.prometheus != nil {
		r.prometheus.writeDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
	if !r.Enabled() || r.traceWriteDuration == nil {
		return
	}
	r.traceWriteDuration.Record(
		context.Background(),
		float64(duration)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// MakeWriteSpanHook returns a hook that wraps each ingest batch write in a
// span, or nil when tracing is disabled.
func (r *Runtime) MakeWriteSpanHook() func(traceID string) func(error) {
	if !r.Enabled() || r.tracer == nil {
		return nil
	}
	return func(traceID string) func(error) {
		_, span := r.tracer.Start(context.Background(), "agentops.trace.write",
			oteltrace.WithAttributes(attribute.String("agentops.trace_id", traceID)),
		)
		return func(err error) {
			if err != nil {
				span.SetAttributes(attribute.String("agentops.trace.write.error_class", trace.ClassifyStoreError(err)))
				span.SetStatus(codes.Error, "trace write failed")
			}
			span.End()
		}
	}
}

// WriterMetrics builds the writer callbacks that feed this runtime.
func (r *Runtime) WriterMetrics() *trace.WriterMetrics {
	if r == nil {
		return &trace.WriterMetrics{}
	}
	return &trace.WriterMetrics{
		OnDrop:       r.RecordTraceQueueDrop,
		OnWrite:      r.RecordTraceWrite,
		OnWriteStart: r.MakeWriteSpanHook(),
	}
}

// ObserveRollup records the duration and outcome of one analytics rollup.
func (r *Runtime) ObserveRollup(ctx context.Context, rollup string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	status := statusLabel(err)
	if r.prometheus != nil {
		r.prometheus.rollupDuration.WithLabelValues(rollup, status).Observe(duration.Seconds())
	}
	if !r.Enabled() || r.rollupDuration == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.rollupDuration.Record(
		ctx,
		float64(duration)/float64(time.Millisecond),
		metric.WithAttributes(
			attribute.String("rollup", rollup),
			attribute.String("status", status),
		),
	)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case hasPathPrefix(path, "/api/traces/ingest"):
		return "/api/traces/ingest"
	case hasPathPrefix(path, "/api/analytics"):
		return "/api/analytics/*"
	case hasPathPrefix(path, "/api/projects"):
		return "/api/projects/*"
	case hasPathPrefix(path, "/api/traces"):
		return "/api/traces/*"
	case hasPathPrefix(path, "/api"):
		return "/api/*"
	default:
		return "/other"
	}
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
