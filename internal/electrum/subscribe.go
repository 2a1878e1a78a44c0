package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

const (
	methodScripthashSubscribe   = "blockchain.scripthash.subscribe"
	methodScripthashUnsubscribe = "blockchain.scripthash.unsubscribe"
	methodHeadersSubscribe      = "blockchain.headers.subscribe"
)

// Header is a chain tip announcement.
type Header struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// Update is delivered on a Subscription whenever the watched address
// changes. Updates from the polling fallback carry the fetched balance and
// UseFallback set.
type Update struct {
	ScriptHash  string
	Status      string
	Balance     *Balance
	UseFallback bool
}

// feed is an unbounded FIFO drained into an unbuffered channel by its own
// goroutine, so the read loop never blocks on a slow consumer and items
// keep server order.
type feed[T any] struct {
	out    chan T
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newFeed[T any]() *feed[T] {
	f := &feed[T]{
		out:    make(chan T),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *feed[T]) push(v T) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *feed[T]) pump() {
	defer close(f.out)
	var zero T
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.signal:
				continue
			case <-f.done:
				return
			}
		}
		v := f.queue[0]
		f.queue[0] = zero
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- v:
		case <-f.done:
			return
		}
	}
}

func (f *feed[T]) close() {
	f.once.Do(func() { close(f.done) })
}

// Subscription watches one scripthash. Its Updates channel is closed when
// the subscription is removed, replaced or the client disconnects.
type Subscription struct {
	key    string
	client *Client
	feed   *feed[Update]

	mu          sync.Mutex
	status      string
	polling     bool
	stopPoll    context.CancelFunc
	lastBalance *Balance
}

func newSubscription(c *Client, key string) *Subscription {
	return &Subscription{key: key, client: c, feed: newFeed[Update]()}
}

// Key returns the watched scripthash.
func (s *Subscription) Key() string { return s.key }

// Updates returns the notification channel.
func (s *Subscription) Updates() <-chan Update { return s.feed.out }

// Polling reports whether the subscription is served by balance polling.
func (s *Subscription) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// Close unsubscribes. It is a no-op if the subscription was replaced.
func (s *Subscription) Close(ctx context.Context) error {
	return s.client.unsubscribe(ctx, s.key, s)
}

// observeStatus records a status. Notifications always deliver; status
// obtained by (re)subscribing delivers only when it differs.
func (s *Subscription) observeStatus(status string, force bool) {
	s.mu.Lock()
	changed := status != s.status
	s.status = status
	s.mu.Unlock()
	if force || changed {
		s.feed.push(Update{ScriptHash: s.key, Status: status})
	}
}

func (s *Subscription) observeBalance(b Balance, force bool) {
	s.mu.Lock()
	changed := s.lastBalance == nil || *s.lastBalance != b
	s.lastBalance = &b
	s.mu.Unlock()
	if force || changed {
		bal := b
		s.feed.push(Update{ScriptHash: s.key, Balance: &bal, UseFallback: true})
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	stop := s.stopPoll
	s.stopPoll = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.feed.close()
}

// Subscribe watches scripthash key. Subscribing a key that is already
// watched replaces the previous consumer, whose channel is closed.
//
// If the server refuses because the history is too large the subscription
// falls back to fetching the balance once and then polling it every
// PollInterval, delivering an update only when it changes.
func (c *Client) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	sub := newSubscription(c, key)

	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()
	if old != nil {
		old.shutdown()
	}

	if err := c.activate(ctx, sub, true); err != nil {
		c.mu.Lock()
		if c.subs[key] == sub {
			delete(c.subs, key)
		}
		c.mu.Unlock()
		sub.shutdown()
		return nil, err
	}
	return sub, nil
}

// activate sends the subscribe request, switching to polling on refusal.
func (c *Client) activate(ctx context.Context, sub *Subscription, initial bool) error {
	var status *string
	err := c.call(ctx, &status, methodScripthashSubscribe, sub.key)

	var se *ServerError
	if errors.As(err, &se) && se.HistoryTooLarge() {
		c.log.Warn().Str("scripthash", sub.key).Str("error", se.Message).Msg("Subscription refused, falling back to balance polling")
		c.startPolling(ctx, sub)
		return nil
	}
	if err != nil {
		return err
	}

	s := ""
	if status != nil {
		s = *status
	}
	sub.observeStatus(s, initial)
	return nil
}

func (c *Client) startPolling(ctx context.Context, sub *Subscription) {
	sub.mu.Lock()
	if sub.polling {
		sub.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(c.ctx)
	sub.polling = true
	sub.stopPoll = cancel
	sub.mu.Unlock()

	bal, err := c.GetBalance(ctx, sub.key)
	if err != nil {
		c.log.Warn().Err(err).Str("scripthash", sub.key).Msg("Initial fallback balance fetch failed")
	} else {
		sub.observeBalance(bal, true)
	}

	c.metrics.pollers.Inc()
	go func() {
		defer c.metrics.pollers.Dec()
		c.pollBalance(pollCtx, sub)
	}()
}

func (c *Client) pollBalance(ctx context.Context, sub *Subscription) {
	t := time.NewTicker(c.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		bal, err := c.GetBalance(ctx, sub.key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Str("scripthash", sub.key).Msg("Balance poll failed")
			continue
		}
		sub.observeBalance(bal, false)
	}
}

// Unsubscribe stops watching key, including any polling fallback.
func (c *Client) Unsubscribe(ctx context.Context, key string) error {
	return c.unsubscribe(ctx, key, nil)
}

func (c *Client) unsubscribe(ctx context.Context, key string, only *Subscription) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok || (only != nil && sub != only) {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, key)
	connected := c.conn != nil
	c.mu.Unlock()

	wasPolling := sub.Polling()
	sub.shutdown()
	if !connected || wasPolling {
		return nil
	}

	var removed bool
	if err := c.call(ctx, &removed, methodScripthashUnsubscribe, key); err != nil {
		if IsServerError(err) {
			// Older servers lack the method; the notification is simply
			// dropped once no subscription matches.
			c.log.Debug().Err(err).Str("scripthash", key).Msg("Server-side unsubscribe unsupported")
			return nil
		}
		return err
	}
	return nil
}

// restoreSubscriptions re-sends every non-polling subscription on a fresh
// connection. Subscription state does not survive a socket replacement.
func (c *Client) restoreSubscriptions(ctx context.Context) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if s.Polling() {
			continue
		}
		if err := c.activate(ctx, s, false); err != nil {
			c.log.Warn().Err(err).Str("scripthash", s.key).Msg("Failed to restore subscription")
		}
	}
	if len(subs) > 0 {
		c.log.Debug().Int("count", len(subs)).Msg("Subscriptions restored")
	}
}

// Subscriptions returns the number of watched scripthashes.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Client) dispatchNotification(msg message) {
	switch msg.method {
	case methodScripthashSubscribe:
		if len(msg.params) < 2 {
			c.metrics.malformed.Inc()
			c.log.Warn().Int("params", len(msg.params)).Msg("Scripthash notification missing params")
			return
		}
		var key string
		var status *string
		if err := json.Unmarshal(msg.params[0], &key); err != nil {
			c.metrics.malformed.Inc()
			c.log.Warn().Err(err).Msg("Scripthash notification has bad key")
			return
		}
		if err := json.Unmarshal(msg.params[1], &status); err != nil {
			c.metrics.malformed.Inc()
			c.log.Warn().Err(err).Str("scripthash", key).Msg("Scripthash notification has bad status")
			return
		}
		c.mu.Lock()
		sub := c.subs[key]
		c.mu.Unlock()
		if sub == nil {
			c.log.Debug().Str("scripthash", key).Msg("Notification for unwatched scripthash")
			return
		}
		s := ""
		if status != nil {
			s = *status
		}
		sub.observeStatus(s, true)

	case methodHeadersSubscribe:
		if len(msg.params) < 1 {
			c.metrics.malformed.Inc()
			return
		}
		var h Header
		if err := json.Unmarshal(msg.params[0], &h); err != nil {
			c.metrics.malformed.Inc()
			c.log.Warn().Err(err).Msg("Header notification malformed")
			return
		}
		c.setTip(h)

	default:
		c.log.Debug().Str("method", msg.method).Msg("Unhandled notification")
	}
}

func (c *Client) subscribeHeaders(ctx context.Context) {
	var h Header
	if err := c.call(ctx, &h, methodHeadersSubscribe); err != nil {
		c.log.Warn().Err(err).Msg("Header subscription failed")
		return
	}
	c.setTip(h)
}

func (c *Client) setTip(h Header) {
	if h.Height < 0 {
		return
	}
	c.tip.Store(h.Height)
	c.mu.Lock()
	watchers := append([]*feed[Header](nil), c.headers...)
	c.mu.Unlock()
	for _, w := range watchers {
		w.push(h)
	}
}

// WatchHeaders returns a channel of chain tip announcements. It is closed
// by Close.
func (c *Client) WatchHeaders() <-chan Header {
	f := newFeed[Header]()
	c.mu.Lock()
	c.headers = append(c.headers, f)
	c.mu.Unlock()
	return f.out
}

// Tip returns the last announced chain height.
func (c *Client) Tip() (int64, bool) {
	h := c.tip.Load()
	return h, h >= 0
}

// CurrentHeight returns the chain tip, asking the server when no header has
// been announced yet. Concurrent callers share one request.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	if h, ok := c.Tip(); ok {
		return h, nil
	}
	v, err, _ := c.heights.Do("tip", func() (any, error) {
		var h Header
		if err := c.call(ctx, &h, methodHeadersSubscribe); err != nil {
			return int64(0), err
		}
		c.setTip(h)
		return h.Height, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}
