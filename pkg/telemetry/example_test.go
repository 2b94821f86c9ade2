package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyphae/apis-main/pkg/telemetry"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*telemetry.Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*telemetry.Config) {}},
		{name: "missing service", mutate: func(c *telemetry.Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *telemetry.Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *telemetry.Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *telemetry.Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *telemetry.Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "zero buffer", mutate: func(c *telemetry.Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := telemetry.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewWriterLogger(&buf, telemetry.LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("opmode").WithUnitID("E001").Info("controller started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "opmode" {
		t.Errorf("expected component opmode, got %v", entry["component"])
	}
	if entry["unit_id"] != "E001" {
		t.Errorf("expected unit_id E001, got %v", entry["unit_id"])
	}
	if entry["message"] != "controller started" {
		t.Errorf("unexpected message %v", entry["message"])
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewWriterLogger(&buf, telemetry.LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn should pass, got %q", buf.String())
	}
}

func TestEventPublisherSyncDelivery(t *testing.T) {
	ep := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 4})

	var all, errorsOnly []telemetry.Event
	ep.Subscribe(func(e telemetry.Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e telemetry.Event) { errorsOnly = append(errorsOnly, e) },
		telemetry.FilterByLevel(telemetry.EventLevelError))

	_ = ep.Publish(telemetry.Event{Type: telemetry.EventTypeUnitStarted, Level: telemetry.EventLevelInfo})
	_ = ep.Publish(telemetry.Event{Type: telemetry.EventTypeErrorReported, Level: telemetry.EventLevelError})

	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	if len(errorsOnly) != 1 || errorsOnly[0].Type != telemetry.EventTypeErrorReported {
		t.Fatalf("filter did not apply: %+v", errorsOnly)
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() {
		t.Errorf("publisher should fill ID and timestamp: %+v", all[0])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 8, EnableAsync: true})

	received := make(chan telemetry.Event, 8)
	ep.Subscribe(func(e telemetry.Event) { received <- e }, telemetry.FilterByType(telemetry.EventTypeLifecycleChanged))

	_ = ep.Publish(telemetry.Event{Type: telemetry.EventTypeLifecycleChanged})
	_ = ep.Publish(telemetry.Event{Type: telemetry.EventTypeHwConfigReloaded})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if len(received) != 1 {
		t.Errorf("expected exactly one lifecycle event, got %d", len(received))
	}
	if err := ep.Publish(telemetry.Event{Type: telemetry.EventTypeLifecycleChanged}); !errors.Is(err, telemetry.ErrPublisherClosed) {
		t.Errorf("Publish after Shutdown = %v", err)
	}
}

func TestEventUnsubscribe(t *testing.T) {
	ep := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 1})

	var first, second int
	cancel := ep.Subscribe(func(telemetry.Event) { first++ }, nil)
	ep.Subscribe(func(telemetry.Event) { second++ }, nil)

	_ = ep.Publish(telemetry.Event{Type: telemetry.EventTypeUnitStarted})
	cancel()
	cancel()
	_ = ep.Publish(telemetry.Event{Type: telemetry.EventTypeUnitStarted})

	if first != 1 || second != 2 {
		t.Errorf("deliveries = %d, %d; want 1, 2", first, second)
	}
}

func TestSubscriberMayPublish(t *testing.T) {
	ep := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 1})

	var got []string
	ep.Subscribe(func(e telemetry.Event) {
		got = append(got, e.Type)
		if e.Type == telemetry.EventTypeErrorReported {
			_ = ep.Publish(telemetry.Event{Type: telemetry.EventTypeLifecycleChanged})
		}
	}, nil)

	_ = ep.Publish(telemetry.Event{Type: telemetry.EventTypeErrorReported})
	if strings.Join(got, ",") != "error.reported,lifecycle.changed" {
		t.Errorf("got %v", got)
	}
}

func TestMetricsHandlerServesCounters(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordError("USER", "LOCAL", "WARN")
	m.RecordHwConfigReload(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `apis_errors_total{category="USER",extent="LOCAL",level="WARN"} 1`) {
		t.Errorf("errors counter missing from output:\n%s", body)
	}
	if !strings.Contains(body, "apis_hwconfig_cache_loaded 1") {
		t.Errorf("hwconfig gauge missing from output:\n%s", body)
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordError("LOGIC", "LOCAL", "WARN")
	m.SetLifecycleState(2)

	var nilMetrics *telemetry.Metrics
	nilMetrics.RecordBusRequest("a", "get", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled metrics handler should 404, got %d", rec.Code)
	}
}
