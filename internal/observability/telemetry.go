// Package observability provides OpenTelemetry and structured logging initialization.
//
// Purpose:
//
//	This package wires together OpenTelemetry tracing and zap structured
//	logging behind a single Init call so both binaries bootstrap telemetry
//	identically. Tracing degrades to a noop provider when no collector is
//	configured or reachable; logging never degrades.
//
// Dependencies:
//   - go.opentelemetry.io/otel: Tracing SDK and OTLP exporters
//   - go.uber.org/zap: Structured logging
//
// Key Responsibilities:
//   - Initialize the OpenTelemetry tracer provider with gRPC/HTTP fallback
//   - Configure the zap logger with service identity fields
//   - Provide shutdown hooks for graceful teardown
package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Observability bundles initialized telemetry components.
type Observability struct {
	TracerProvider *Provider
	Logger         *zap.Logger
}

// Config controls observability initialization.
type Config struct {
	ServiceName string
	Environment string
	Endpoint    string
	Protocol    string
	Headers     map[string]string
	Insecure    bool
	LogLevel    string
}

// Init initializes OpenTelemetry and structured logging.
func Init(ctx context.Context, cfg Config) (*Observability, error) {
	tracerProvider, err := InitTracing(ctx, TraceConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Endpoint,
		Protocol:    cfg.Protocol,
		Headers:     cfg.Headers,
		Insecure:    cfg.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	logger, err := NewLogger(LogConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	return &Observability{
		TracerProvider: tracerProvider,
		Logger:         logger,
	}, nil
}

// MustInit exits the process if Init returns an error.
func MustInit(ctx context.Context, cfg Config) *Observability {
	obs, err := Init(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	return obs
}

// Shutdown gracefully shuts down observability components.
func (o *Observability) Shutdown(ctx context.Context) error {
	var firstErr error

	if o.TracerProvider != nil {
		if err := o.TracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}

	if o.Logger != nil {
		if err := o.Logger.Sync(); err != nil {
			// Ignore sync errors on stdout/stderr
			if !strings.Contains(err.Error(), "sync /dev/stdout") &&
				!strings.Contains(err.Error(), "sync /dev/stderr") {
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	return firstErr
}
