// Package realtime keeps a live, self-healing subscription to one bus's
// location stream.
//
// A Client is an actor: a single goroutine owns the connection, the
// reconnect timer and the state machine. Stream readers and timers only
// post events to it, each tagged with the generation of the attempt that
// produced it, so nothing from a torn-down attempt can leak into the next.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"busstream/pkg/backoff"
	"busstream/pkg/metrics"
	"busstream/pkg/otel"
	"busstream/pkg/parser"
	"busstream/pkg/sse"
	"busstream/pkg/stream"
	"busstream/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrRetriesExhausted is the error state cause when the backoff policy gives up.
var ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")

// DefaultSampleBuffer is how many samples Samples holds for a slow reader.
const DefaultSampleBuffer = 256

// Dialer opens one event stream for a bus. *stream.Client implements it.
type Dialer interface {
	Dial(ctx context.Context, busID, lastEventID string) (stream.Conn, error)
}

// Option configures a Client at construction
type Option func(*Client)

// WithPolicy sets the reconnect policy. The default is a fixed 2s delay forever.
func WithPolicy(p backoff.Policy) Option {
	return func(c *Client) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithClock replaces the wall clock used for reconnect timers and sample
// timestamps. Tests pass a clock.Mock.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger, slog.Default otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithParser shares a payload parser between clients. Each client builds its
// own when none is given.
func WithParser(p *parser.Parser) Option {
	return func(c *Client) { c.parser = p }
}

// WithSampleBuffer sets the capacity of the Samples channel. Values below
// one keep DefaultSampleBuffer.
func WithSampleBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sampleBuffer = n
		}
	}
}

type eventKind int

const (
	evTrack eventKind = iota
	evResubscribe
	evOpened
	evMessage
	evFailed
	evTimer
	evClose
)

type event struct {
	kind  eventKind
	gen   uint64
	busID string
	conn  stream.Conn
	msg   sse.Event
	err   error
	// lastID is the stream's last event id when a read failed
	lastID string
	ack    chan struct{}
}

type Client struct {
	dialer Dialer
	policy backoff.Policy
	clock  clock.Clock
	logger *slog.Logger
	parser *parser.Parser
	tracer trace.Tracer

	sampleBuffer int

	events  chan event
	updates chan types.Snapshot
	samples chan *types.LocationSample
	done    chan struct{}
	stopped chan struct{}

	mu   sync.RWMutex
	snap types.Snapshot

	closeOnce sync.Once

	// owned by the actor goroutine
	ctx          context.Context
	cancelAll    context.CancelFunc
	gen          uint64
	busID        string
	subscription string
	lastEventID  string
	conn         stream.Conn
	cancelDial   context.CancelFunc
	timer        *clock.Timer
	state        types.ConnectionState
	sample       *types.LocationSample
	err          error
}

// New starts a client that tracks nothing until Track is called.
func New(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:       dialer,
		policy:       backoff.Fixed(backoff.DefaultDelay),
		clock:        clock.New(),
		logger:       slog.Default(),
		tracer:       otelapi.Tracer("realtime"),
		sampleBuffer: DefaultSampleBuffer,
		events:       make(chan event, 64),
		updates:      make(chan types.Snapshot, 1),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		state:        types.StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.parser == nil {
		c.parser = parser.NewParser()
	}
	c.samples = make(chan *types.LocationSample, c.sampleBuffer)
	c.snap = types.Snapshot{State: types.StateDisconnected}
	c.ctx, c.cancelAll = context.WithCancel(context.Background())

	go c.run()
	return c
}

// Track switches the subscription to busID; the empty string unsubscribes.
// Tracking the id already tracked is a no-op. Track returns once the switch
// has been applied, without waiting for the connection.
func (c *Client) Track(busID string) {
	c.send(event{kind: evTrack, busID: busID})
}

// Resubscribe reconnects to the current bus, leaving the error state. Callers
// use it after fixing whatever made the server reject the stream.
func (c *Client) Resubscribe() {
	c.send(event{kind: evResubscribe})
}

// Snapshot returns the current sample and state
func (c *Client) Snapshot() types.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Updates delivers a snapshot after every change. Only the newest undelivered
// snapshot is kept, so a slow reader sees the latest value rather than a backlog.
// The channel is closed by Close.
func (c *Client) Updates() <-chan types.Snapshot {
	return c.updates
}

// Samples delivers every accepted sample in arrival order, across
// reconnects and bus switches. When the reader falls a full buffer behind,
// the oldest queued sample is discarded and counted as dropped with reason
// "backpressure". The channel is closed by Close.
func (c *Client) Samples() <-chan *types.LocationSample {
	return c.samples
}

// Close releases the connection and any pending reconnect timer. It is safe
// to call more than once and from any goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		ack := make(chan struct{})
		select {
		case c.events <- event{kind: evClose, ack: ack}:
			<-c.stopped
		case <-c.stopped:
		}
	})
	return nil
}

// send posts a command and waits until the actor has applied it
func (c *Client) send(ev event) {
	ev.ack = make(chan struct{})
	select {
	case c.events <- ev:
	case <-c.done:
		return
	}
	select {
	case <-ev.ack:
	case <-c.done:
	}
}

// post is used by readers and timers. It never blocks once the client is closed.
func (c *Client) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) run() {
	defer close(c.stopped)

	for ev := range c.events {
		switch ev.kind {
		case evTrack:
			c.track(ev.busID)
		case evResubscribe:
			c.resubscribe()
		case evOpened:
			c.opened(ev)
		case evMessage:
			if ev.gen == c.gen {
				c.message(ev.msg)
			}
		case evFailed:
			if ev.gen == c.gen {
				if ev.lastID != "" {
					c.lastEventID = ev.lastID
				}
				c.failed(ev.err)
			}
		case evTimer:
			if ev.gen == c.gen && c.timer != nil {
				c.timer = nil
				c.connect()
			}
		case evClose:
			c.shutdown()
			close(ev.ack)
			return
		}
		if ev.ack != nil {
			close(ev.ack)
		}
	}
}

func (c *Client) track(busID string) {
	if busID == c.busID {
		return
	}

	c.teardown()
	c.busID = busID
	c.sample = nil
	c.lastEventID = ""
	c.err = nil

	if busID == "" {
		c.subscription = ""
		c.setState(types.StateDisconnected)
		return
	}

	c.subscription = uuid.NewString()
	c.logger.Info("Tracking bus", "bus_id", busID, "subscription", c.subscription)
	c.policy.Reset()
	c.setState(types.StateConnecting)
	c.connect()
}

func (c *Client) resubscribe() {
	if c.busID == "" {
		return
	}
	c.logger.Info("Resubscribing", "bus_id", c.busID, "subscription", c.subscription, "state", c.state)
	c.teardown()
	c.err = nil
	c.policy.Reset()
	c.setState(types.StateConnecting)
	c.connect()
}

// connect starts a new attempt. The dial and the reads that follow happen
// on their own goroutine; results come back as events.
func (c *Client) connect() {
	c.gen++
	gen, busID, lastEventID := c.gen, c.busID, c.lastEventID

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelDial = cancel

	c.logger.Debug("Opening stream", "bus_id", busID, "subscription", c.subscription, "resume_from", lastEventID)

	go func() {
		conn, err := c.dialer.Dial(ctx, busID, lastEventID)
		if err != nil {
			c.post(event{kind: evFailed, gen: gen, err: err})
			return
		}
		if !c.post(event{kind: evOpened, gen: gen, conn: conn}) {
			conn.Close()
			return
		}
		for {
			msg, err := conn.Next()
			if err != nil {
				c.post(event{kind: evFailed, gen: gen, err: err, lastID: conn.LastEventID()})
				return
			}
			if !c.post(event{kind: evMessage, gen: gen, msg: msg}) {
				return
			}
		}
	}()
}

func (c *Client) opened(ev event) {
	if ev.gen != c.gen {
		// superseded while dialing
		ev.conn.Close()
		return
	}

	c.conn = ev.conn
	c.policy.Reset()
	metrics.RecordConnectAttempt(c.ctx, c.busID, "success")
	c.setState(types.StateConnected)
}

func (c *Client) message(msg sse.Event) {
	if msg.ID != "" {
		c.lastEventID = msg.ID
	}
	if msg.Retry > 0 {
		c.logger.Debug("Server suggested retry delay", "bus_id", c.busID, "retry", msg.Retry)
	}

	sample, err := c.decode(msg)
	switch {
	case errors.Is(err, parser.ErrIgnored):
		c.logger.Debug("Ignoring event", "bus_id", c.busID, "event", msg.Type)
		return
	case err != nil:
		c.logger.Warn("Dropping malformed location event", "bus_id", c.busID, "error", err)
		metrics.RecordDropped(c.ctx, c.busID, "malformed")
		return
	}

	if sample.BusID == "" {
		sample.BusID = c.busID
	} else if sample.BusID != c.busID {
		c.logger.Warn("Dropping location for another bus", "bus_id", c.busID, "payload_bus_id", sample.BusID)
		metrics.RecordDropped(c.ctx, c.busID, "misrouted")
		return
	}
	sample.ReceivedAt = c.clock.Now()

	c.sample = sample
	metrics.RecordMessage(c.ctx, c.busID)
	c.publish(sample)
	c.setState(types.StateConnected)
}

func (c *Client) decode(msg sse.Event) (*types.LocationSample, error) {
	_, span := c.tracer.Start(c.ctx, "realtime.decode",
		trace.WithAttributes(
			attribute.String("bus_id", c.busID),
			attribute.String("event.type", msg.Type),
			attribute.String("event.id", msg.ID),
		),
	)
	defer span.End()

	sample, err := c.parser.Decode(msg)
	switch {
	case errors.Is(err, parser.ErrIgnored):
	case err != nil:
		otel.RecordError(span, err, otel.ErrorTypeDecode, false)
	default:
		otel.SetSpanOk(span)
	}
	return sample, err
}

// publish queues sample on Samples without blocking the actor. A full buffer
// loses its oldest entry.
func (c *Client) publish(sample *types.LocationSample) {
	select {
	case c.samples <- sample:
		return
	default:
	}
	select {
	case stale := <-c.samples:
		c.logger.Warn("Sample reader is behind, dropping oldest sample", "bus_id", stale.BusID, "buffer", cap(c.samples))
		metrics.RecordDropped(c.ctx, stale.BusID, "backpressure")
	default:
	}
	// a slot is free now; only the actor sends
	c.samples <- sample
}

func (c *Client) failed(err error) {
	c.closeConn()

	if stream.IsTerminal(err) {
		metrics.RecordConnectAttempt(c.ctx, c.busID, "terminal")
		c.logger.Error("Stream rejected", "bus_id", c.busID, "subscription", c.subscription, "error", err)
		c.err = err
		c.setState(types.StateError)
		return
	}

	if c.state != types.StateConnected {
		metrics.RecordConnectAttempt(c.ctx, c.busID, "transient")
	}

	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		c.logger.Error("Giving up on stream", "bus_id", c.busID, "subscription", c.subscription, "error", err)
		c.err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		c.setState(types.StateError)
		return
	}

	c.logger.Warn("Stream failed, reconnecting", "bus_id", c.busID, "delay", delay, "error", err)
	metrics.RecordReconnectDelay(c.ctx, c.busID, delay)

	gen := c.gen
	c.timer = c.clock.AfterFunc(delay, func() {
		c.post(event{kind: evTimer, gen: gen})
	})
	c.setState(types.StateConnecting)
}

// teardown invalidates the current attempt and releases its connection and timer
func (c *Client) teardown() {
	c.gen++
	c.closeConn()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) closeConn() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Error closing stream", "bus_id", c.busID, "error", err)
		}
		c.conn = nil
	}
}

func (c *Client) shutdown() {
	c.teardown()
	c.busID = ""
	c.sample = nil
	c.err = nil
	c.setState(types.StateDisconnected)

	close(c.done)
	c.cancelAll()
	close(c.updates)
	close(c.samples)
	c.logger.Debug("Realtime client closed")
}

// setState publishes the current state and sample. Called after every change,
// including a new sample with the state unchanged.
func (c *Client) setState(state types.ConnectionState) {
	if state != c.state {
		metrics.RecordStateTransition(c.ctx, c.busID, c.state.String(), state.String())
		c.logger.Debug("State changed", "bus_id", c.busID, "from", c.state, "to", state)
		c.state = state
	}

	snap := types.Snapshot{
		BusID:  c.busID,
		Sample: c.sample,
		State:  c.state,
		Err:    c.err,
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	select {
	case c.updates <- snap:
		return
	default:
	}
	// replace the stale pending snapshot
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- snap:
	default:
	}
}
