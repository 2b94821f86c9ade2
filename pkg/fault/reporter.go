package fault

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hyphae/apis-main/pkg/telemetry"
)

// Reporter receives classified failures. Implementations must be safe for
// concurrent use; every actor of the unit reports through the same one.
type Reporter interface {
	Report(ctx context.Context, err *Error)
}

// ReportAndFail reports err and returns it, so storage callers can write
// `return fault.ReportAndFail(ctx, r, e)`.
func ReportAndFail(ctx context.Context, r Reporter, err *Error) error {
	r.Report(ctx, err)
	return err
}

// Router is the production Reporter. It logs, counts, publishes an event
// and forwards to any extra sinks.
type Router struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	unitID  string
	sinks   []Reporter
}

// NewRouter creates a router over the given telemetry.
func NewRouter(tel *telemetry.Telemetry, unitID string, sinks ...Reporter) *Router {
	return &Router{
		logger:  tel.Logger.NewComponentLogger("fault").WithUnitID(unitID),
		metrics: tel.Metrics,
		events:  tel.Events,
		unitID:  unitID,
		sinks:   sinks,
	}
}

// Report implements Reporter.
func (r *Router) Report(ctx context.Context, err *Error) {
	if err == nil {
		return
	}

	ev := r.logger.Event(zerologLevel(err.Level)).
		Str("category", string(err.Category)).
		Str("extent", string(err.Extent)).
		Str("level", string(err.Level))
	if err.Operation != "" {
		ev = ev.Str("operation", err.Operation)
	}
	if err.Err != nil {
		ev = ev.AnErr("cause", err.Err)
	}
	if err.Level == LevelFatal {
		ev = ev.Bool("fatal", true)
	}
	if len(err.Details) > 0 {
		ev = ev.Fields(err.Details)
	}
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		ev = ev.Str("trace_id", traceID)
	}
	ev.Msg(err.Message)

	r.metrics.RecordError(string(err.Category), string(err.Extent), string(err.Level))

	data := map[string]interface{}{
		"category": string(err.Category),
		"extent":   string(err.Extent),
		"level":    string(err.Level),
	}
	if err.Err != nil {
		data["cause"] = err.Err.Error()
	}
	_ = r.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeErrorReported,
		Source:  "fault",
		UnitID:  r.unitID,
		Message: err.Message,
		Level:   eventLevel(err.Level),
		Data:    data,
	})

	for _, sink := range r.sinks {
		sink.Report(ctx, err)
	}
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func eventLevel(l Level) string {
	if l == LevelWarn {
		return telemetry.EventLevelWarning
	}
	return telemetry.EventLevelError
}

// Recorder keeps reported errors in memory.
type Recorder struct {
	mu     sync.Mutex
	errors []*Error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Report implements Reporter.
func (r *Recorder) Report(_ context.Context, err *Error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

// Errors returns a copy of everything reported so far.
func (r *Recorder) Errors() []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Error, len(r.errors))
	copy(out, r.errors)
	return out
}

// Count returns how many reports matched category and level.
func (r *Recorder) Count(category Category, level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errors {
		if e.Category == category && e.Level == level {
			n++
		}
	}
	return n
}

// Len returns the number of reports.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

// Reset forgets all reports.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = nil
}
