// Package telemetry provides the observability plumbing of a unit process.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher
// into a single Telemetry value that is built once at startup and handed to
// every component.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("opmode")
//	logger.Info("controller started")
//
// # Metrics
//
// Metrics are registered on a private registry and served through
// Metrics.Handler, which the HTTP binding mounts at /metrics. A Metrics
// built from a disabled configuration is a no-op, as is a nil *Metrics.
//
// # Events
//
// Error reports, lifecycle transitions and mode changes are published as
// Events. Alerting integrations subscribe with an optional filter:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    page(e)
//	}, telemetry.FilterByLevel(telemetry.EventLevelError))
package telemetry
