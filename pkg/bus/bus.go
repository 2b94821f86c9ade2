// Package bus is the unit's in-process addressed request/response transport.
//
// Every registered address is served by its own consumer goroutine, which
// handles messages strictly in arrival order and runs each handler to
// completion before taking the next message. Requests to different addresses
// proceed concurrently.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hyphae/apis-main/pkg/telemetry"
)

// Header names and values understood by the unit's services.
const (
	CommandHeader = "command"
	CommandSet    = "set"
	CommandGet    = "get"
)

// FailureCode is the reply code carried by every handler failure.
const FailureCode = -1

const defaultMailboxSize = 64

var (
	// ErrNoHandler is returned when nothing is registered at the address.
	ErrNoHandler = errors.New("no handler registered for address")

	// ErrAddressInUse is returned by Register for a taken address.
	ErrAddressInUse = errors.New("address already registered")
)

// Message is one addressed request.
type Message struct {
	ID      string
	Address string
	Headers map[string]string
	Body    string
}

// Header returns the named header, or "".
func (m Message) Header(name string) string {
	return m.Headers[name]
}

// Command returns the message command. Anything other than "set" is a get.
func (m Message) Command() string {
	if m.Header(CommandHeader) == CommandSet {
		return CommandSet
	}
	return CommandGet
}

// Handler serves the messages of one address. A returned error fails the
// request with a *ReplyError.
type Handler func(ctx context.Context, msg Message) (string, error)

// ReplyError is a failed reply.
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("request failed (code %d): %s", e.Code, e.Message)
}

type reply struct {
	body string
	err  error
}

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan reply
}

// Bus routes requests to registered handlers.
type Bus struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu        sync.RWMutex
	consumers map[string]*consumer
}

// New creates an empty bus.
func New(tel *telemetry.Telemetry) *Bus {
	if tel == nil {
		tel = telemetry.NewTestTelemetry()
	}
	return &Bus{
		logger:    tel.Logger.NewComponentLogger("bus"),
		metrics:   tel.Metrics,
		tracer:    tel.Tracer,
		consumers: make(map[string]*consumer),
	}
}

// Register starts a consumer for address.
func (b *Bus) Register(address string, h Handler) (*Registration, error) {
	if address == "" {
		return nil, errors.New("address is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}

	c := &consumer{
		address: address,
		handler: h,
		logger:  b.logger.WithAddress(address),
		mailbox: make(chan envelope, defaultMailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.consumers[address] = c
	go c.run()

	c.logger.Debug("consumer registered")
	return &Registration{bus: b, consumer: c}, nil
}

// Addresses lists the registered addresses.
func (b *Bus) Addresses() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.consumers))
	for addr := range b.consumers {
		out = append(out, addr)
	}
	return out
}

// Request sends body to address and waits for the reply. Handler failures
// come back as *ReplyError; an unknown address as ErrNoHandler.
func (b *Bus) Request(ctx context.Context, address string, headers map[string]string, body string) (string, error) {
	msg := Message{
		ID:      uuid.New().String(),
		Address: address,
		Headers: headers,
		Body:    body,
	}
	command := msg.Command()

	ctx, span := b.tracer.StartBusSpan(ctx, address, command, msg.ID)
	defer span.End()

	timer := telemetry.NewTimer()
	out, err := b.deliver(ctx, msg)

	status := "ok"
	var replyErr *ReplyError
	switch {
	case err == nil:
		telemetry.RecordSuccess(span)
	case errors.Is(err, ErrNoHandler):
		status = "no_handler"
		telemetry.RecordError(span, err)
	case errors.As(err, &replyErr):
		status = "failed"
		telemetry.RecordError(span, err)
	default:
		status = "cancelled"
		telemetry.RecordError(span, err)
	}
	b.metrics.RecordBusRequest(address, command, status, timer.Duration())
	return out, err
}

func (b *Bus) deliver(ctx context.Context, msg Message) (string, error) {
	b.mu.RLock()
	c, ok := b.consumers[msg.Address]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, msg.Address)
	}

	env := envelope{ctx: ctx, msg: msg, reply: make(chan reply, 1)}
	select {
	case c.mailbox <- env:
	case <-c.quit:
		return "", fmt.Errorf("%w: %s", ErrNoHandler, msg.Address)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-env.reply:
		return r.body, r.err
	case <-c.done:
		select {
		case r := <-env.reply:
			return r.body, r.err
		default:
			return "", fmt.Errorf("%w: %s", ErrNoHandler, msg.Address)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *Bus) remove(c *consumer) {
	b.mu.Lock()
	if b.consumers[c.address] == c {
		delete(b.consumers, c.address)
	}
	b.mu.Unlock()
}

// Registration is a live consumer.
type Registration struct {
	bus      *Bus
	consumer *consumer
	once     sync.Once
}

// Address returns the served address.
func (r *Registration) Address() string {
	return r.consumer.address
}

// Unregister stops accepting new messages and waits for the consumer to
// finish the one in progress. Queued messages fail with ErrNoHandler.
func (r *Registration) Unregister() {
	r.once.Do(func() {
		r.bus.remove(r.consumer)
		close(r.consumer.quit)
		<-r.consumer.done
		r.consumer.logger.Debug("consumer unregistered")
	})
}

type consumer struct {
	address string
	handler Handler
	logger  *telemetry.Logger
	mailbox chan envelope
	quit    chan struct{}
	done    chan struct{}
}

func (c *consumer) run() {
	defer close(c.done)
	for {
		select {
		case env := <-c.mailbox:
			c.serve(env)
		case <-c.quit:
			c.drain()
			return
		}
	}
}

func (c *consumer) drain() {
	for {
		select {
		case env := <-c.mailbox:
			env.reply <- reply{err: fmt.Errorf("%w: %s", ErrNoHandler, c.address)}
		default:
			return
		}
	}
}

func (c *consumer) serve(env envelope) {
	if err := env.ctx.Err(); err != nil {
		env.reply <- reply{err: err}
		return
	}

	body, err := c.invoke(env)
	if err != nil {
		var replyErr *ReplyError
		if !errors.As(err, &replyErr) {
			replyErr = &ReplyError{Code: FailureCode, Message: err.Error()}
		}
		env.reply <- reply{err: replyErr}
		return
	}
	env.reply <- reply{body: body}
}

func (c *consumer) invoke(env envelope) (body string, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Errorf("handler panicked on message %s: %v", env.msg.ID, p)
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return c.handler(env.ctx, env.msg)
}
