package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an operator-facing notification: an error report, a lifecycle
// transition, a mode change.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	UnitID    string                 `json:"unit_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeErrorReported        = "error.reported"
	EventTypeLifecycleChanged     = "lifecycle.changed"
	EventTypeUnitStarted          = "unit.started"
	EventTypeOperationModeChanged = "operation_mode.changed"
	EventTypeHwConfigReloaded     = "hwconfig.reloaded"
	EventTypePolicyReloaded       = "policy.reloaded"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

var (
	// ErrEventDropped is returned by an async publisher whose queue is full.
	ErrEventDropped = errors.New("event queue full, event dropped")

	// ErrPublisherClosed is returned after Shutdown.
	ErrPublisherClosed = errors.New("event publisher closed")
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants event.
type EventFilter func(event Event) bool

type subscription struct {
	id     uint64
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in subscription order. It
// delivers inline on the publishing goroutine unless EnableAsync is set, in
// which case one background goroutine drains a bounded queue.
type EventPublisher struct {
	cfg EventsConfig

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	queue     chan Event
	closed    chan struct{}
	closeOnce sync.Once
	drained   chan struct{}
}

// NewEventPublisher builds a publisher. A disabled publisher accepts and
// discards everything.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		cfg:     cfg,
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	if cfg.Enabled && cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		go ep.run()
	} else {
		close(ep.drained)
	}
	return ep
}

// Publish stamps event with an id and time when missing and delivers it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	select {
	case <-ep.closed:
		return ErrPublisherClosed
	default:
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventDropped
	}
}

// Subscribe registers fn for the events filter accepts; a nil filter
// accepts everything. The returned function removes the subscription.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) (unsubscribe func()) {
	if ep == nil {
		return func() {}
	}
	ep.mu.Lock()
	ep.nextID++
	id := ep.nextID
	ep.subs = append(ep.subs, subscription{id: id, fn: fn, filter: filter})
	ep.mu.Unlock()

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		for i, s := range ep.subs {
			if s.id == id {
				ep.subs = append(ep.subs[:i:i], ep.subs[i+1:]...)
				return
			}
		}
	}
}

// deliver calls subscribers outside the lock so a subscriber may publish
// or subscribe itself.
func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.drained)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.closed:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.closed) })

	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FilterByLevel accepts events at or above minLevel.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevelRank[minLevel]
	return func(event Event) bool {
		return eventLevelRank[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool {
		for _, t := range types {
			if event.Type == t {
				return true
			}
		}
		return false
	}
}
