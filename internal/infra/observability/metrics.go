package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	taskdomain "gridq/internal/domain/task"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the queue
type MetricsCollector struct {
	meter metric.Meter

	// Queue metrics
	tasksEnqueued metric.Int64Counter
	leasesGranted metric.Int64Counter
	heartbeats    metric.Int64Counter
	transitions   metric.Int64Counter

	// Execution metrics
	executionDuration metric.Float64Histogram
	tasksInFlight     metric.Int64UpDownCounter

	// Ingest and janitor metrics
	callbackResults metric.Int64Counter
	tasksRequeued   metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("gridq")

	tasksEnqueued, err := meter.Int64Counter(
		"gridq.tasks.enqueued.total",
		metric.WithDescription("Total number of tasks enqueued"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_enqueued counter: %w", err)
	}

	leasesGranted, err := meter.Int64Counter(
		"gridq.queue.leases.total",
		metric.WithDescription("Total number of leases granted"),
		metric.WithUnit("{lease}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create leases_granted counter: %w", err)
	}

	heartbeats, err := meter.Int64Counter(
		"gridq.queue.heartbeats.total",
		metric.WithDescription("Total number of heartbeats by acceptance"),
		metric.WithUnit("{heartbeat}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeats counter: %w", err)
	}

	transitions, err := meter.Int64Counter(
		"gridq.tasks.transitions.total",
		metric.WithDescription("Total number of task status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	executionDuration, err := meter.Float64Histogram(
		"gridq.task.execution.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution_duration histogram: %w", err)
	}

	tasksInFlight, err := meter.Int64UpDownCounter(
		"gridq.tasks.inflight",
		metric.WithDescription("Number of tasks currently held by this process"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_inflight gauge: %w", err)
	}

	callbackResults, err := meter.Int64Counter(
		"gridq.ingest.callbacks.total",
		metric.WithDescription("Total number of result callbacks by outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback_results counter: %w", err)
	}

	tasksRequeued, err := meter.Int64Counter(
		"gridq.janitor.requeued.total",
		metric.WithDescription("Total number of tasks rescued by the janitor"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_requeued counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:             meter,
		tasksEnqueued:     tasksEnqueued,
		leasesGranted:     leasesGranted,
		heartbeats:        heartbeats,
		transitions:       transitions,
		executionDuration: executionDuration,
		tasksInFlight:     tasksInFlight,
		callbackResults:   callbackResults,
		tasksRequeued:     tasksRequeued,
	}

	// Start Prometheus HTTP server
	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordEnqueue records a newly enqueued task
func (m *MetricsCollector) RecordEnqueue(ctx context.Context, taskType string) {
	if m.tasksEnqueued == nil {
		return
	}
	m.tasksEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
}

// RecordLease records a granted lease
func (m *MetricsCollector) RecordLease(ctx context.Context, taskType string, attempt int) {
	if m.leasesGranted == nil {
		return
	}
	m.leasesGranted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.Int("attempt", attempt),
	))
}

// RecordHeartbeat records a heartbeat and whether the store accepted it
func (m *MetricsCollector) RecordHeartbeat(ctx context.Context, accepted bool) {
	if m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
}

// RecordTransition records a task status transition
func (m *MetricsCollector) RecordTransition(ctx context.Context, taskType string, to taskdomain.Status) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("to", string(to)),
	))
}

// RecordExecution records a completed execution attempt
func (m *MetricsCollector) RecordExecution(ctx context.Context, taskType, backend, status string, duration time.Duration) {
	if m.executionDuration == nil {
		return
	}
	m.executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("backend", backend),
		attribute.String("status", status),
	))
}

// RecordCallback records a result callback by outcome (done, failed, rejected)
func (m *MetricsCollector) RecordCallback(ctx context.Context, outcome string) {
	if m.callbackResults == nil {
		return
	}
	m.callbackResults.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRequeues records a janitor sweep's rescues
func (m *MetricsCollector) RecordRequeues(ctx context.Context, report taskdomain.RequeueReport) {
	if m.tasksRequeued == nil {
		return
	}
	if report.ExpiredLeases > 0 {
		m.tasksRequeued.Add(ctx, report.ExpiredLeases, metric.WithAttributes(attribute.String("reason", "expired_lease")))
	}
	if report.StaleRunning > 0 {
		m.tasksRequeued.Add(ctx, report.StaleRunning, metric.WithAttributes(attribute.String("reason", "stale_running")))
	}
}

// IncrementInFlight increments the in-flight task gauge
func (m *MetricsCollector) IncrementInFlight(ctx context.Context) {
	if m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Add(ctx, 1)
}

// DecrementInFlight decrements the in-flight task gauge
func (m *MetricsCollector) DecrementInFlight(ctx context.Context) {
	if m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Add(ctx, -1)
}
