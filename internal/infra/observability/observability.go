// Package observability wires metrics and tracing for the queue binary.
// Configuration lives in the observability block of ~/.gridq/config.yaml.
package observability

import (
	"context"
	"fmt"

	"gridq/internal/shared/logging"
)

// Observability manages all observability components
type Observability struct {
	Logger  logging.Logger
	Metrics *MetricsCollector
	Tracer  *TracerProvider
	config  Config
}

// New creates a new observability instance
func New(configPath string, logger logging.Logger) (*Observability, error) {
	logger = logging.OrNop(logger)

	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load observability config: %w", err)
	}

	// Apply the configured log level to both sinks before components start
	// creating their loggers.
	level := logging.ParseLevel(config.Logging.Level)
	logging.SetCategoryLevel(logging.CategoryService, level)
	logging.SetCategoryLevel(logging.CategoryQueue, level)

	metrics, err := NewMetricsCollector(config.Metrics)
	if err != nil {
		logger.Error("Failed to initialize metrics: %v", err)
		// Don't fail, continue without metrics
		metrics = &MetricsCollector{}
	}

	tracer, err := NewTracerProvider(config.Tracing)
	if err != nil {
		logger.Error("Failed to initialize tracing: %v", err)
		// Don't fail, use noop tracer
		tracer = &TracerProvider{}
	}

	logger.Info("Observability initialized: log_level=%s metrics_enabled=%v tracing_enabled=%v",
		config.Logging.Level, config.Metrics.Enabled, config.Tracing.Enabled)

	return &Observability{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		config:  config,
	}, nil
}

// Shutdown gracefully shuts down all observability components
func (o *Observability) Shutdown(ctx context.Context) error {
	if err := o.Metrics.Shutdown(ctx); err != nil {
		o.Logger.Error("Failed to shutdown metrics: %v", err)
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.Logger.Error("Failed to shutdown tracing: %v", err)
	}
	return nil
}

// Config returns the current configuration
func (o *Observability) Config() Config {
	return o.config
}
