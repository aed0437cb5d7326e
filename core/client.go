package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lisuiheng/terrimatch-go/metrics"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
	"github.com/lisuiheng/terrimatch-go/protocols/websocket"
	"github.com/lisuiheng/terrimatch-go/utils"
)

var _ interfaces.Relay = (*Client)(nil)

var errConnectAborted = errors.New("connect aborted")

// Client owns the single relay connection of a session and is shared by every
// feature consumer of that session.
type Client struct {
	config       Config
	logger       *slog.Logger
	dispatcher   *Dispatcher
	backoff      utils.ReconnectStrategy
	newTransport TransportFactory

	mu             sync.Mutex
	state          ConnState
	transport      interfaces.TransportProtocol
	generation     uint64
	reconnectTimer *time.Timer
	closed         bool
	users          int

	listenerMu   sync.Mutex
	listeners    map[int]func(from, to ConnState)
	nextListener int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config is the relay client configuration.
type Config struct {
	Transport            string        `mapstructure:"transport" validate:"omitempty,oneof=websocket"`
	URL                  string        `mapstructure:"url" validate:"required,url"`
	AccessToken          string        `mapstructure:"access_token"`
	UserID               string        `mapstructure:"user_id"`
	ProtocolVersion      int           `mapstructure:"protocol_version" validate:"gte=0"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base" validate:"gte=0"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"gte=0"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	PingInterval         time.Duration `mapstructure:"ping_interval" validate:"gte=0"`
	DisconnectWhenUnused bool          `mapstructure:"disconnect_when_unused"`
}

// ConnState is the lifecycle state of the relay connection.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	// StateClosed is the gap between an unexpected close and the next attempt.
	StateClosed ConnState = "closed"
	// StateOffline is terminal: the reconnect budget is spent and only an
	// explicit Connect recovers.
	StateOffline ConnState = "offline"
)

// Status is a point-in-time view of the client.
type Status struct {
	State    ConnState
	Attempts int
	URL      string
	Handlers map[string]int
}

type TransportFactory func() (interfaces.TransportProtocol, error)

type Option func(*Client)

func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) { c.newTransport = f }
}

func WithReconnectStrategy(s utils.ReconnectStrategy) Option {
	return func(c *Client) { c.backoff = s }
}

// NewClient creates a relay client. Nothing is dialed until Connect.
func NewClient(cfg Config, log *slog.Logger, opts ...Option) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	log = log.With("component", "relay-client")

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:     cfg,
		logger:     log,
		dispatcher: NewDispatcher(log),
		backoff:    utils.NewExponentialBackoff(cfg.ReconnectBase, cfg.MaxReconnectAttempts),
		state:      StateIdle,
		listeners:  make(map[int]func(from, to ConnState)),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.newTransport = func() (interfaces.TransportProtocol, error) {
		return NewProtocol(c.config, c.logger)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect opens the relay connection. It is a no-op while a connection is
// open or being opened. From offline or idle it starts with a fresh reconnect
// budget. A failed dial is treated like an unexpected close and schedules a
// reconnect.
func (c *Client) Connect(ctx context.Context) error {
	var ts transitions

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	switch c.state {
	case StateConnecting, StateOpen:
		c.mu.Unlock()
		return nil
	case StateIdle, StateOffline:
		c.backoff.Reset()
	}
	c.stopReconnectLocked()
	c.generation++
	gen := c.generation
	ts.add(c.setStateLocked(StateConnecting))
	c.mu.Unlock()

	c.notify(ts)
	return c.dial(ctx, gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	c.logger.Info("Connecting to relay",
		"url", c.config.URL,
		"transport", c.config.Transport,
		"attempt", c.backoff.Attempt())

	transport, err := c.newTransport()
	if err == nil {
		dialCtx := ctx
		if c.config.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, c.config.DialTimeout)
			defer cancel()
		}
		err = transport.Connect(dialCtx)
	}

	if err != nil {
		c.logger.Warn("Failed to connect to relay", "error", err)
		var ts transitions
		c.mu.Lock()
		if gen == c.generation && !c.closed {
			ts.add(c.setStateLocked(StateClosed))
			c.scheduleReconnectLocked(&ts)
		}
		c.mu.Unlock()
		c.notify(ts)
		return fmt.Errorf("connect relay: %w", err)
	}

	var ts transitions
	c.mu.Lock()
	if gen != c.generation || c.closed {
		closed := c.closed
		c.mu.Unlock()
		_ = transport.Close()
		if closed {
			return ErrClientClosed
		}
		return errConnectAborted
	}
	c.transport = transport
	c.backoff.Reset()
	ts.add(c.setStateLocked(StateOpen))
	c.wg.Add(1)
	go c.messageHandler(transport, gen)
	c.mu.Unlock()

	c.logger.Info("Connected to relay")
	c.notify(ts)
	return nil
}

// messageHandler drains one transport until it closes. Frames of a connection
// are dispatched in arrival order on this goroutine.
func (c *Client) messageHandler(t interfaces.TransportProtocol, gen uint64) {
	defer c.wg.Done()
	for msg := range t.Receive() {
		switch msg.Type {
		case interfaces.MsgText:
			c.dispatcher.DispatchFrame(msg.Payload)
		case interfaces.MsgBinary:
			metrics.ClientFramesDropped.WithLabelValues("binary").Inc()
			c.logger.Debug("Ignoring binary frame", "size", len(msg.Payload))
		}
	}
	c.handleDisconnect(t, gen)
}

func (c *Client) handleDisconnect(t interfaces.TransportProtocol, gen uint64) {
	var ts transitions
	c.mu.Lock()
	if gen != c.generation || c.closed || c.state != StateOpen {
		// intentional close, nothing to recover
		c.mu.Unlock()
		return
	}
	c.transport = nil
	ts.add(c.setStateLocked(StateClosed))
	c.scheduleReconnectLocked(&ts)
	c.mu.Unlock()

	_ = t.Close()
	c.notify(ts)
}

func (c *Client) scheduleReconnectLocked(ts *transitions) {
	delay, ok := c.backoff.NextDelay()
	if !ok {
		c.logger.Warn("Reconnect attempts exhausted, relay offline", "attempts", c.backoff.Attempt())
		ts.add(c.setStateLocked(StateOffline))
		return
	}
	metrics.ClientReconnectAttempts.Inc()
	gen := c.generation
	c.logger.Info("Scheduling reconnect", "delay", delay, "attempt", c.backoff.Attempt())
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Client) reconnect(gen uint64) {
	var ts transitions
	c.mu.Lock()
	if c.closed || gen != c.generation || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.generation++
	next := c.generation
	ts.add(c.setStateLocked(StateConnecting))
	c.mu.Unlock()

	c.notify(ts)
	_ = c.dial(c.ctx, next)
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// Send writes env if the connection is open. Otherwise the envelope is
// dropped and ErrNotOpen returned; nothing is queued.
func (c *Client) Send(env interfaces.Envelope) error {
	c.mu.Lock()
	t, state := c.transport, c.state
	c.mu.Unlock()

	if state != StateOpen || t == nil {
		metrics.ClientFramesDropped.WithLabelValues("not_open").Inc()
		c.logger.Warn("Dropping envelope, connection not open", "type", env.Type, "state", state)
		return ErrNotOpen
	}
	if err := t.Send(env.Raw, interfaces.MsgText); err != nil {
		c.logger.Error("Failed to send envelope", "type", env.Type, "error", err)
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	metrics.ClientEnvelopesSent.WithLabelValues(env.Type).Inc()
	c.logger.Debug("Sent envelope", "type", env.Type, "size", len(env.Raw))
	return nil
}

// SendJSON builds an envelope of eventType from payload and sends it.
func (c *Client) SendJSON(eventType string, payload any) error {
	env, err := interfaces.NewEnvelope(eventType, payload)
	if err != nil {
		c.logger.Error("Failed to build envelope", "type", eventType, "error", err)
		return err
	}
	return c.Send(env)
}

func (c *Client) On(eventType string, h interfaces.Handler) interfaces.HandlerID {
	return c.dispatcher.On(eventType, h)
}

func (c *Client) Off(eventType string, id interfaces.HandlerID) bool {
	return c.dispatcher.Off(eventType, id)
}

// Acquire registers an active consumer. When the last consumer releases and
// DisconnectWhenUnused is set, the connection is closed.
func (c *Client) Acquire() func() {
	c.mu.Lock()
	c.users++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.users--
			idle := c.users == 0 && c.config.DisconnectWhenUnused
			c.mu.Unlock()
			if idle {
				c.logger.Info("Last consumer released, disconnecting")
				c.Disconnect()
			}
		})
	}
}

// OnStateChange registers fn for every state transition. fn runs on the
// goroutine that caused the transition and must not block. Transitions out of
// a dropped connection run on the read goroutine, so fn must not call Close
// synchronously. Close itself is not reported.
func (c *Client) OnStateChange(fn func(from, to ConnState)) (cancel func()) {
	c.listenerMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

// Disconnect closes the connection on purpose. No reconnect is scheduled and
// the client returns to idle.
func (c *Client) Disconnect() {
	var ts transitions
	c.mu.Lock()
	c.stopReconnectLocked()
	c.generation++
	t := c.transport
	c.transport = nil
	if !c.closed {
		ts.add(c.setStateLocked(StateIdle))
	}
	c.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			c.logger.Debug("Failed to close transport", "error", err)
		}
	}
	c.notify(ts)
}

// Close shuts the client down for good and waits for the read goroutine to
// finish. Envelope handlers and state listeners run on that goroutine, so
// they must call Close from a new goroutine or it never returns.
// State listeners are not notified of the shutdown.
func (c *Client) Close() error {
	c.logger.Info("Closing relay client")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopReconnectLocked()
	c.generation++
	t := c.transport
	c.transport = nil
	if tr, ok := c.setStateLocked(StateClosed); ok {
		metrics.ClientStateTransitions.WithLabelValues(string(tr.from), string(tr.to)).Inc()
	}
	c.mu.Unlock()

	c.cancel()
	var err error
	if t != nil {
		if err = t.Close(); err != nil {
			c.logger.Error("Failed to close transport", "error", err)
		}
	}
	c.wg.Wait()
	c.logger.Info("Relay client closed")
	return err
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnect attempts since the last successful open.
func (c *Client) Attempts() int {
	return c.backoff.Attempt()
}

func (c *Client) Status() Status {
	handlers := make(map[string]int)
	c.dispatcher.mu.RLock()
	for t, regs := range c.dispatcher.handlers {
		handlers[t] = len(regs)
	}
	c.dispatcher.mu.RUnlock()

	return Status{
		State:    c.State(),
		Attempts: c.Attempts(),
		URL:      c.config.URL,
		Handlers: handlers,
	}
}

type transition struct {
	from, to ConnState
}

type transitions []transition

func (ts *transitions) add(t transition, changed bool) {
	if changed {
		*ts = append(*ts, t)
	}
}

func (c *Client) setStateLocked(newState ConnState) (transition, bool) {
	oldState := c.state
	if oldState == newState {
		return transition{}, false
	}
	c.state = newState
	c.logger.Info("State changed", "from", oldState, "to", newState)
	return transition{from: oldState, to: newState}, true
}

func (c *Client) notify(ts transitions) {
	if len(ts) == 0 {
		return
	}
	c.listenerMu.Lock()
	fns := make([]func(from, to ConnState), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()

	for _, t := range ts {
		metrics.ClientStateTransitions.WithLabelValues(string(t.from), string(t.to)).Inc()
		for _, fn := range fns {
			fn(t.from, t.to)
		}
	}
}

// NewProtocol creates the transport configured by cfg.Transport.
func NewProtocol(cfg Config, log *slog.Logger) (interfaces.TransportProtocol, error) {
	switch cfg.Transport {
	case "", "websocket":
		wsConfig := websocket.Config{
			HandshakeTimeout: cfg.DialTimeout,
			PingInterval:     cfg.PingInterval,
		}
		wsConfig.Server.URL = cfg.URL
		wsConfig.Server.ProtocolVersion = cfg.ProtocolVersion
		wsConfig.Auth.AccessToken = cfg.AccessToken
		wsConfig.Auth.UserID = cfg.UserID
		return websocket.NewWebSocketProtocol(wsConfig, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, cfg.Transport)
	}
}
