// Package hwconfig keeps the unit's hardware capability document in memory.
//
// The Keeper reloads the document on a timer. A failed reload leaves the
// last good document in place, so readers see stale data rather than none;
// the failure is reported as USER/ERROR while no load has ever succeeded and
// as USER/WARN afterwards. The next period comes from the freshly loaded
// document when it declares one.
package hwconfig

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyphae/apis-main/pkg/clock"
	"github.com/hyphae/apis-main/pkg/fault"
	"github.com/hyphae/apis-main/pkg/telemetry"
)

// DefaultRefreshingPeriod applies until a document declares its own.
const DefaultRefreshingPeriod = 5000 * time.Millisecond

const mailboxSize = 16

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("hwconfig keeper already started")

type messageKind int

const (
	msgFire messageKind = iota
	msgRefresh
	msgStop
)

type message struct {
	kind       messageKind
	generation uint64
}

// Keeper is an actor: a single goroutine owns the timer state and handles
// messages one at a time. The cached document is published through an
// atomic pointer so accessors never wait on the actor.
type Keeper struct {
	source   Source
	clock    clock.Clock
	reporter fault.Reporter
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	unitID   string

	cache   atomic.Pointer[Document]
	stopped atomic.Bool
	mailbox chan message

	// Owned by the actor goroutine.
	generation uint64
	timer      clock.Timer
	period     time.Duration
	lastOK     bool
	everLoaded bool

	startOnce sync.Once
	done      chan struct{}
}

// Options configures a Keeper. Zero fields take defaults.
type Options struct {
	Clock     clock.Clock
	Telemetry *telemetry.Telemetry
	UnitID    string
}

// NewKeeper creates a keeper that loads from source and reports failures
// to reporter.
func NewKeeper(source Source, reporter fault.Reporter, opts Options) *Keeper {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewTestTelemetry()
	}
	return &Keeper{
		source:   source,
		clock:    opts.Clock,
		reporter: reporter,
		logger:   opts.Telemetry.Logger.NewComponentLogger("hwconfig"),
		metrics:  opts.Telemetry.Metrics,
		events:   opts.Telemetry.Events,
		unitID:   opts.UnitID,
		mailbox:  make(chan message, mailboxSize),
		period:   DefaultRefreshingPeriod,
		done:     make(chan struct{}),
	}
}

// Start launches the actor and triggers the first load immediately. It
// does not wait for that load: the unit may start before the hardware
// document is readable.
func (k *Keeper) Start(ctx context.Context) error {
	started := false
	k.startOnce.Do(func() {
		started = true
		k.logger.Event(zerolog.InfoLevel).
			Dur("default_refreshing_period", DefaultRefreshingPeriod).
			Msg("hwconfig keeper starting")
		go k.run(context.WithoutCancel(ctx))
		k.post(message{kind: msgFire, generation: 0})
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// Stop sets the stop flag and waits for the actor to exit. No reload is
// scheduled after Stop returns.
func (k *Keeper) Stop(ctx context.Context) error {
	if k.stopped.Swap(true) {
		return nil
	}
	started := true
	k.startOnce.Do(func() { started = false; close(k.done) })
	if !started {
		return nil
	}

	select {
	case k.mailbox <- message{kind: msgStop}:
	default:
	}

	select {
	case <-k.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh asks for an immediate reload. The armed timer is superseded.
func (k *Keeper) Refresh() {
	k.post(message{kind: msgRefresh})
}

func (k *Keeper) post(m message) {
	if k.stopped.Load() && m.kind != msgStop {
		return
	}
	select {
	case k.mailbox <- m:
	default:
		k.reporter.Report(context.Background(), fault.Warnf(fault.CategoryLogic,
			"hwconfig mailbox full, dropping message kind %d generation %d", m.kind, m.generation))
	}
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.done)
	for m := range k.mailbox {
		if !k.handle(ctx, m) {
			return
		}
	}
}

// handle processes one message. It returns false once the actor must exit.
func (k *Keeper) handle(ctx context.Context, m message) bool {
	if m.kind == msgStop || k.stopped.Load() {
		if k.timer != nil {
			k.timer.Stop()
		}
		k.logger.Debug("hwconfig keeper stopped")
		return false
	}

	switch m.kind {
	case msgFire:
		if m.generation != k.generation {
			k.reporter.Report(ctx, fault.Warnf(fault.CategoryLogic,
				"illegal timer generation : %d, armed generation : %d", m.generation, k.generation))
			return true
		}
	case msgRefresh:
		if k.timer != nil {
			k.timer.Stop()
		}
	}

	k.reload(ctx)
	k.schedule(k.period)
	return true
}

func (k *Keeper) reload(ctx context.Context) {
	doc, err := k.source.Load(ctx)
	if err == nil && doc == nil {
		err = errors.New("hardware config source returned no document")
	}
	if err != nil {
		k.metrics.RecordHwConfigReload(false)
		level := fault.LevelWarn
		if !k.everLoaded {
			level = fault.LevelError
		}
		k.reporter.Report(ctx, fault.Wrap(fault.CategoryUser, fault.ExtentLocal, level,
			"hardware config reload failed", err).WithOperation("hwconfig reload"))
		k.lastOK = false
		return
	}

	k.cache.Store(doc)
	if period, ok := doc.RefreshingPeriod(); ok {
		k.period = period
	}
	k.metrics.RecordHwConfigReload(true)

	if !k.lastOK {
		k.logger.Event(zerolog.InfoLevel).Dur("refreshing_period", k.period).Msg("hardware config loaded")
		_ = k.events.Publish(telemetry.Event{
			Type:    telemetry.EventTypeHwConfigReloaded,
			Source:  "hwconfig",
			UnitID:  k.unitID,
			Message: "hardware config loaded",
			Level:   telemetry.EventLevelInfo,
			Data:    map[string]interface{}{"recovered": k.everLoaded},
		})
	}
	k.lastOK = true
	k.everLoaded = true
}

func (k *Keeper) schedule(delay time.Duration) {
	if k.stopped.Load() {
		return
	}
	k.generation++
	gen := k.generation
	k.timer = k.clock.AfterFunc(delay, func() {
		k.post(message{kind: msgFire, generation: gen})
	})
}

// Cached returns the last successfully loaded document, or nil.
func (k *Keeper) Cached() *Document {
	return k.cache.Load()
}

// BatteryNominalCapacityWh reads the cached document.
func (k *Keeper) BatteryNominalCapacityWh() (float64, bool) {
	return k.Cached().BatteryNominalCapacityWh()
}

// GridCurrentCapacityA reads the cached document.
func (k *Keeper) GridCurrentCapacityA() (float64, bool) {
	return k.Cached().GridCurrentCapacityA()
}

// GridCurrentAllowanceA reads the cached document.
func (k *Keeper) GridCurrentAllowanceA() (float64, bool) {
	return k.Cached().GridCurrentAllowanceA()
}

// DroopRatio reads the cached document.
func (k *Keeper) DroopRatio() (float64, bool) {
	return k.Cached().DroopRatio()
}

// EfficientBatteryGridVoltageRatio reads the cached document.
func (k *Keeper) EfficientBatteryGridVoltageRatio() (float64, bool) {
	return k.Cached().EfficientBatteryGridVoltageRatio()
}

// SafetyRange reads the cached document.
func (k *Keeper) SafetyRange(path ...string) (map[string]interface{}, bool) {
	return k.Cached().SafetyRange(path...)
}
