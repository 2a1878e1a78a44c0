// Package electrum implements a client for Electrum-protocol indexing
// servers: request multiplexing over one persistent connection,
// scripthash subscriptions, automatic reconnect with capped exponential
// backoff and balance polling for addresses the server refuses to watch.
package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/Klingon-tech/forkwallet/internal/log"
	"github.com/Klingon-tech/forkwallet/internal/retry"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateFailed       = "failed"
)

var allStates = []string{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed}

const (
	eventConnect   = "connect"
	eventConnected = "connected"
	eventDrop      = "drop"
	eventFail      = "fail"
	eventClose     = "close"
)

// Options configure a Client.
type Options struct {
	Servers           []Endpoint
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	ReconnectAttempts int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	// PingInterval of zero disables keepalive pings.
	PingInterval    time.Duration
	ClientName      string
	ProtocolVersion string

	Dialer  Dialer
	Logger  *zerolog.Logger
	Metrics *Metrics
	// Sleep waits between reconnect attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnStateChange is called after every state transition.
	OnStateChange func(state string)
}

// DefaultOptions returns production timings: 30s request timeout, 30s
// polling, five reconnect attempts backing off from 1s doubling to 30s.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:    30 * time.Second,
		PollInterval:      30 * time.Second,
		ReconnectAttempts: 5,
		BackoffInitial:    time.Second,
		BackoffMax:        30 * time.Second,
		PingInterval:      60 * time.Second,
		ClientName:        "forkwallet",
		ProtocolVersion:   "1.4",
	}
}

type response struct {
	result json.RawMessage
	err    error
}

// Client is a multiplexing Electrum client. All methods are safe for
// concurrent use.
type Client struct {
	opts    Options
	log     zerolog.Logger
	metrics *Metrics
	state   *fsm.FSM

	mu        sync.Mutex
	conn      Conn
	server    int
	pending   map[uint64]chan response
	subs      map[string]*Subscription
	headers   []*feed[Header]
	stopRetry context.CancelFunc

	// changed is closed and replaced on every state transition.
	stateMu sync.Mutex
	changed chan struct{}

	nextID     atomic.Uint64
	userClosed atomic.Bool
	closed     atomic.Bool
	exhausted  atomic.Bool
	tip        atomic.Int64

	heights singleflight.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a disconnected client.
func New(opts Options) (*Client, error) {
	if len(opts.Servers) == 0 {
		return nil, ErrNoServers
	}
	def := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = def.BackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.ClientName == "" {
		opts.ClientName = def.ClientName
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = def.ProtocolVersion
	}
	if opts.Dialer == nil {
		opts.Dialer = &NetDialer{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}

	logger := log.Protocol
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		log:     logger,
		metrics: opts.Metrics,
		pending: make(map[uint64]chan response),
		subs:    make(map[string]*Subscription),
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.tip.Store(-1)
	c.state = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected, StateFailed, StateConnected, StateReconnecting}, Dst: StateConnecting},
			{Name: eventConnected, Src: []string{StateConnecting, StateReconnecting}, Dst: StateConnected},
			{Name: eventDrop, Src: []string{StateConnected, StateConnecting}, Dst: StateReconnecting},
			{Name: eventFail, Src: []string{StateConnecting, StateReconnecting}, Dst: StateFailed},
			{Name: eventClose, Src: allStates, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.metrics.setState(e.Dst)
				c.stateMu.Lock()
				close(c.changed)
				c.changed = make(chan struct{})
				c.stateMu.Unlock()
				c.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Connection state changed")
				if c.opts.OnStateChange != nil {
					c.opts.OnStateChange(e.Dst)
				}
			},
		},
	)
	c.metrics.setState(StateDisconnected)
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() string {
	return c.state.Current()
}

// Server returns the endpoint currently selected.
func (c *Client) Server() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Servers[c.server]
}

func (c *Client) stateChanged() <-chan struct{} {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.changed
}

func (c *Client) transition(event string) {
	err := c.state.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	c.log.Debug().Err(err).Str("event", event).Str("state", c.state.Current()).Msg("Ignored state event")
}

// Connect opens a connection, trying each server once starting with the
// current one. It is also the manual recovery path after the automatic
// reconnect budget is exhausted.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.userClosed.Store(false)
	c.exhausted.Store(false)
	c.cancelRetry()
	c.transition(eventConnect)

	c.mu.Lock()
	start := c.server
	n := len(c.opts.Servers)
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if err := c.dial(ctx, idx); err != nil {
			lastErr = err
			c.log.Warn().Err(err).Str("server", c.opts.Servers[idx].String()).Msg("Connect failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		c.markConnected()
		return nil
	}
	c.transition(eventFail)
	return lastErr
}

// markConnected moves to the connected state and, if the connection died
// while the handshake was finishing, starts the reconnect loop.
func (c *Client) markConnected() {
	c.transition(eventConnected)
	c.mu.Lock()
	dead := c.conn == nil
	c.mu.Unlock()
	if dead && !c.userClosed.Load() && !c.closed.Load() {
		c.transition(eventDrop)
		c.startReconnect()
	}
}

// SwitchServer tears down the current connection and connects to the
// server at index i.
func (c *Client) SwitchServer(ctx context.Context, i int) error {
	if i < 0 || i >= len(c.opts.Servers) {
		return fmt.Errorf("server index %d out of range [0, %d)", i, len(c.opts.Servers))
	}
	c.cancelRetry()
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.server = i
	pending := c.takePendingLocked()
	c.mu.Unlock()

	failPending(pending, &ConnectionError{Op: "switch", Err: ErrConnectionClosed})
	if old != nil {
		_ = old.Close()
	}

	c.userClosed.Store(false)
	c.exhausted.Store(false)
	c.transition(eventConnect)
	if err := c.dial(ctx, i); err != nil {
		c.transition(eventFail)
		return err
	}
	c.markConnected()
	return nil
}

// dial connects to server idx, performs the version handshake and restores
// subscriptions.
func (c *Client) dial(ctx context.Context, idx int) error {
	ep := c.opts.Servers[idx]
	conn, err := c.opts.Dialer.Dial(ctx, ep)
	if err != nil {
		return &ConnectionError{Op: "dial", Server: ep.String(), Err: err}
	}

	c.mu.Lock()
	if old := c.conn; old != nil {
		c.conn = nil
		_ = old.Close()
	}
	c.conn = conn
	c.server = idx
	c.mu.Unlock()

	go c.readLoop(conn)

	var version []string
	if err := c.call(ctx, &version, "server.version", c.opts.ClientName, c.opts.ProtocolVersion); err != nil {
		c.dropConn(conn)
		return fmt.Errorf("handshake with %s: %w", ep, err)
	}
	c.log.Info().Str("server", ep.String()).Strs("version", version).Msg("Connected to indexing server")

	c.subscribeHeaders(ctx)
	c.restoreSubscriptions(ctx)

	if c.opts.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	return nil
}

// dropConn closes conn without scheduling a reconnect.
func (c *Client) dropConn(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.takePendingLocked()
	c.mu.Unlock()
	failPending(pending, &ConnectionError{Op: "handshake", Err: ErrConnectionClosed})
	_ = conn.Close()
}

func (c *Client) takePendingLocked() map[uint64]chan response {
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.metrics.pending.Set(0)
	return pending
}

func failPending(pending map[uint64]chan response, err error) {
	for _, ch := range pending {
		ch <- response{err: err}
	}
}

// readLoop decodes server messages until the connection fails.
func (c *Client) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		msg, err := decodeMessage(data)
		if err != nil {
			c.metrics.malformed.Inc()
			c.log.Warn().Err(err).Msg("Dropping malformed server message")
			continue
		}
		switch msg.kind {
		case kindResponse:
			c.deliverResponse(msg)
		case kindNotification:
			c.dispatchNotification(msg)
		}
	}
}

func (c *Client) deliverResponse(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.id]
	if ok {
		delete(c.pending, msg.id)
		c.metrics.pending.Dec()
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Uint64("id", msg.id).Msg("Response for unknown or expired request")
		return
	}
	if msg.err != nil {
		ch <- response{err: msg.err}
		return
	}
	ch <- response{result: msg.result}
}

// handleDrop runs when conn's read side fails. Stale connections that were
// already replaced are ignored.
func (c *Client) handleDrop(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.takePendingLocked()
	c.mu.Unlock()

	_ = conn.Close()
	failPending(pending, &ConnectionError{Op: "read", Err: fmt.Errorf("%w: %v", ErrConnectionClosed, cause)})

	if c.userClosed.Load() || c.closed.Load() {
		return
	}
	// Drops during Connect or an active reconnect loop are that loop's
	// failure to handle.
	if c.state.Current() != StateConnected {
		return
	}
	c.log.Warn().Err(cause).Msg("Connection lost, reconnecting")
	c.transition(eventDrop)
	c.startReconnect()
}

func (c *Client) startReconnect() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.stopRetry != nil {
		c.stopRetry()
	}
	c.stopRetry = cancel
	c.mu.Unlock()
	go c.reconnectLoop(ctx)
}

func (c *Client) cancelRetry() {
	c.mu.Lock()
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
	c.mu.Unlock()
}

// reconnectLoop retries with capped exponential backoff, rotating through
// the server list, and gives up after ReconnectAttempts failures.
func (c *Client) reconnectLoop(ctx context.Context) {
	c.mu.Lock()
	start := c.server
	c.mu.Unlock()
	n := len(c.opts.Servers)

	opts := []retry.Option{
		retry.WithAttempts(c.opts.ReconnectAttempts),
		retry.WithBackoff(c.opts.BackoffInitial, 2, c.opts.BackoffMax),
		retry.WithDelayFirst(),
		retry.WithLogger(c.log),
		retry.WithMessage("Reconnect attempt failed"),
		retry.WithOnAttempt(func(attempt int, delay time.Duration) {
			c.metrics.reconnects.Inc()
			c.log.Info().Int("attempt", attempt).Dur("after", delay).Msg("Reconnecting")
		}),
	}
	if c.opts.Sleep != nil {
		opts = append(opts, retry.WithSleep(c.opts.Sleep))
	}

	attempt := 0
	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		if c.userClosed.Load() {
			return struct{}{}, retry.Permanent(ErrClientClosed)
		}
		idx := (start + attempt) % n
		attempt++
		return struct{}{}, c.dial(ctx, idx)
	}, opts...)

	if err == nil {
		c.markConnected()
		return
	}
	if ctx.Err() != nil || c.userClosed.Load() {
		return
	}
	c.log.Error().Err(err).Msg("Giving up on automatic reconnect; manual reconnect required")
	c.exhausted.Store(true)
	c.transition(eventFail)
}

func (c *Client) pingLoop(conn Conn) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		if err := c.call(c.ctx, nil, "server.ping"); err != nil && errors.Is(err, ErrRequestTimeout) {
			c.log.Warn().Msg("Ping timed out, closing connection")
			_ = conn.Close()
			return
		}
	}
}

// awaitConn returns the live connection. While a connect or an automatic
// reconnect is in progress it waits for the outcome, at most
// RequestTimeout. A client that gave up reconnecting fails with
// ErrReconnectExhausted, one that was never connected or was
// disconnected with ErrNotConnected.
func (c *Client) awaitConn(ctx context.Context, method string) (Conn, error) {
	var timeout <-chan time.Time
	for {
		changed := c.stateChanged()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		switch c.State() {
		case StateDisconnected:
			return nil, ErrNotConnected
		case StateFailed:
			if c.exhausted.Load() {
				return nil, ErrReconnectExhausted
			}
			return nil, ErrNotConnected
		}
		if timeout == nil {
			t := time.NewTimer(c.opts.RequestTimeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case <-changed:
		case <-timeout:
			return nil, &ConnectionError{Op: method, Err: fmt.Errorf("%w: still %s after %s", ErrNotConnected, c.State(), c.opts.RequestTimeout)}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClientClosed
		}
	}
}

// Request sends method with params and waits for the matching response.
// A timeout removes the pending entry but leaves the connection open.
func (c *Client) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	conn, err := c.awaitConn(ctx, method)
	if err != nil {
		c.metrics.requests.WithLabelValues(method, "not_connected").Inc()
		return nil, err
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		c.metrics.requests.WithLabelValues(method, "not_connected").Inc()
		return nil, &ConnectionError{Op: method, Err: ErrConnectionClosed}
	}
	id := c.nextID.Inc()
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.metrics.pending.Inc()
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	started := time.Now()
	if err := conn.WriteMessage(data); err != nil {
		c.removePending(id)
		c.metrics.requests.WithLabelValues(method, "write_error").Inc()
		return nil, &ConnectionError{Op: "write", Err: err}
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		switch {
		case r.err == nil:
			c.metrics.requests.WithLabelValues(method, "ok").Inc()
			c.metrics.latency.WithLabelValues(method).Observe(time.Since(started).Seconds())
		case IsServerError(r.err):
			c.metrics.requests.WithLabelValues(method, "server_error").Inc()
		default:
			c.metrics.requests.WithLabelValues(method, "connection_error").Inc()
		}
		return r.result, r.err
	case <-timer.C:
		c.removePending(id)
		c.metrics.requests.WithLabelValues(method, "timeout").Inc()
		return nil, &ConnectionError{Op: method, Err: fmt.Errorf("%w after %s", ErrRequestTimeout, c.opts.RequestTimeout)}
	case <-ctx.Done():
		c.removePending(id)
		c.metrics.requests.WithLabelValues(method, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// call is Request plus decoding into out. A result that does not decode is
// a MalformedResponseError.
func (c *Client) call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &MalformedResponseError{Method: method, Reason: "unexpected result shape", Err: err}
	}
	return nil
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.metrics.pending.Dec()
	}
	c.mu.Unlock()
}

// Disconnect closes the connection without reconnecting. Subscriptions are
// closed and fallback pollers stop.
func (c *Client) Disconnect() {
	c.userClosed.Store(true)
	c.cancelRetry()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	pending := c.takePendingLocked()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	failPending(pending, &ConnectionError{Op: "disconnect", Err: ErrConnectionClosed})
	for _, s := range subs {
		s.shutdown()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.transition(eventClose)
}

// Close disconnects and releases every resource. The client cannot be
// reused afterwards.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.Disconnect()
	c.cancel()

	c.mu.Lock()
	headers := c.headers
	c.headers = nil
	c.mu.Unlock()
	for _, h := range headers {
		h.close()
	}
	return nil
}
