// Package telemetry provides observability instrumentation for ParcelSat.
//
// It integrates structured logging (zerolog) and metrics (Prometheus) into a
// small shared surface the rest of the pipeline uses.
//
// Initialize at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    ...
//	}
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//
// Component loggers carry structured fields so every log line from a run can
// be correlated:
//
//	log := logger.NewComponentLogger("orchestrator").WithRunID(runID)
//	log.WithFeature("block-a").Info("feature succeeded")
//
// Metrics are registered on a private registry; expose them with
// metrics.Handler() on the configured listen address.
package telemetry
