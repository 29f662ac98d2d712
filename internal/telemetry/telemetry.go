// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/terrain-export/internal/config"
)

var (
	exportAdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrain_export_admissions_total",
			Help: "Admission decisions, labeled by output format and outcome.",
		},
		[]string{"format", "outcome"},
	)

	exportEstimatedCells = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "terrain_export_estimated_cells",
			Help:    "Estimated cells per admitted or rejected request.",
			Buckets: prometheus.ExponentialBuckets(1e4, 10, 7),
		},
		[]string{"outcome"},
	)

	exportResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrain_export_results_total",
			Help: "Finished export pipeline runs, labeled by final status.",
		},
		[]string{"status"},
	)

	exportRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terrain_export_rate_limited_total",
			Help: "Export requests refused by the per-client rate limiter.",
		},
	)

	workspaceSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terrain_export_workspace_swept_total",
			Help: "Expired artifacts removed from the workspace.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120, 600},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// InitTelemetry sets up tracing (Cloud Trace when a project id is set) and
// bridges OpenTelemetry metrics onto the default Prometheus registry. It runs
// once per process.
func InitTelemetry(ctx context.Context, cfg config.ApplicationConfig) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		attrs := []resource.Option{
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.Version),
			),
		}
		if cfg.ProjectID != "" {
			attrs = append(attrs, resource.WithAttributes(
				semconv.CloudAccountID(cfg.ProjectNumber),
				semconv.CloudRegion(cfg.Region),
				semconv.CloudProviderGCP,
				semconv.CloudPlatformGCPCloudRun,
			))
		}
		res, err := resource.New(ctx, attrs...)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		}
		if cfg.ProjectID != "" {
			exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		// Same registry as promauto so both land on /metrics.
		promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}

		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Shutdown flushes and stops the providers returned by InitTelemetry.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider, mp *metric.MeterProvider) error {
	var firstErr error
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("shutdown tracer provider: %w", err)
		}
	}
	if mp != nil {
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown meter provider: %w", err)
		}
	}
	return firstErr
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

// statusRecorder captures the status code while keeping streaming working.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streamed responses are not buffered.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	rec.statusCode = http.StatusSwitchingProtocols
	return conn, buf, nil
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmission records one admission decision.
func ObserveAdmission(format string, accepted bool, cells int64) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	exportAdmissionsTotal.WithLabelValues(format, outcome).Inc()
	if cells >= 0 {
		exportEstimatedCells.WithLabelValues(outcome).Observe(float64(cells))
	}
}

// ObserveExport records the final status of a pipeline run.
func ObserveExport(status string) {
	exportResultsTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimited records a request refused by the rate limiter.
func ObserveRateLimited() {
	exportRateLimitedTotal.Inc()
}

// ObserveSwept records artifacts deleted by the workspace sweeper.
func ObserveSwept(n int) {
	if n > 0 {
		workspaceSweptTotal.Add(float64(n))
	}
}
