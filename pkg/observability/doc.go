// Package observability provides structured logging, Prometheus metrics,
// health checks, and OpenTelemetry tracing for the piwheels master.
//
// # Overview
//
// This package centralizes the master's ambient stack: JSON logging, the
// build-farm metrics registered by NewMetrics, HTTP health endpoints, and
// optional OTLP trace export.
//
// # Structured Logging
//
// Create a logger:
//
//	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
//	logger.Info("starting piwheels-master")
//
// Contextual fields and errors:
//
//	logger.WithField("worker_id", id).Info("dbworker connected")
//	logger.WithError(err).Warn("queuebuilder: refresh failed")
//
// # Prometheus Metrics
//
// Register the build-farm metric set against a registry and expose it:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	observability.RegisterMetricsEndpoint(mux, registry)
//
//	metrics.BuildsTotal.WithLabelValues("cp311", "success").Inc()
//	metrics.QueueDepth.WithLabelValues("cp311").Set(float64(depth))
//
// HTTP handlers (the admin and status endpoints) can be wrapped with
// HTTPMetricsMiddleware to populate the request/response metrics.
//
// # Health Checks
//
// Configure a health checker against the Postgres connection used for
// health probing and, if present, a Redis client:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
// Initialize tracing when OTelConfig.Enabled is set:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:        true,
//		Endpoint:       cfg.Observability.OTelEndpoint,
//		ServiceName:    cfg.Observability.OTelServiceName,
//		ServiceVersion: cfg.Observability.OTelServiceVersion,
//		Insecure:       cfg.Observability.OTelInsecure,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: observability configuration
//   - pkg/supervisor: shuts the health server down with the other components
package observability
