package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles the logging, tracing, metrics and event facilities of
// one unit process. It is built once and shared by every component.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

// NewTelemetry validates cfg and builds each facility from it.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	t.Events = NewEventPublisher(cfg.Events)
	return t, nil
}

// NewTestTelemetry returns silent telemetry with live metrics and
// synchronous events, so tests can assert on both.
func NewTestTelemetry() *Telemetry {
	cfg := TestConfig()
	metrics, _ := NewMetrics(cfg.Metrics)
	tracer, _ := NewTracer(cfg)
	return &Telemetry{
		Config:  cfg,
		Logger:  Nop(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
	}
}

// Shutdown drains events, then flushes spans. Both are attempted.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}
