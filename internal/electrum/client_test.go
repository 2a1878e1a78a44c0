package electrum_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/forkwallet/internal/electrum"
	"github.com/Klingon-tech/forkwallet/internal/electrum/electrumtest"
)

const testKey = "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newClient(t *testing.T, srv *electrumtest.Server, mutate func(*electrum.Options)) *electrum.Client {
	t.Helper()
	ep, err := electrum.ParseEndpoint("/ip4/127.0.0.1/tcp/50001")
	require.NoError(t, err)
	nop := zerolog.Nop()
	opts := electrum.DefaultOptions()
	opts.Servers = []electrum.Endpoint{ep}
	opts.Dialer = srv.Dialer()
	opts.Logger = &nop
	opts.RequestTimeout = 2 * time.Second
	opts.PingInterval = 0
	if mutate != nil {
		mutate(&opts)
	}
	c, err := electrum.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_NoServers(t *testing.T) {
	_, err := electrum.New(electrum.Options{})
	assert.ErrorIs(t, err, electrum.ErrNoServers)
}

func TestConnect_HandshakeAndTip(t *testing.T) {
	srv := electrumtest.NewServer()
	srv.SetHeight(812345)
	c := newClient(t, srv, nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, electrum.StateConnected, c.State())
	assert.Equal(t, 1, srv.Calls("server.version"))

	h, err := c.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(812345), h)
}

func TestRequest_NotConnected(t *testing.T) {
	c := newClient(t, electrumtest.NewServer(), nil)
	_, err := c.Request(context.Background(), "server.ping")
	assert.ErrorIs(t, err, electrum.ErrNotConnected)
	assert.True(t, electrum.IsConnectionError(err))
}

func TestRequest_FailedInitialConnectIsNotExhaustion(t *testing.T) {
	srv := electrumtest.NewServer()
	srv.FailDials(nil)
	c := newClient(t, srv, nil)
	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, electrum.StateFailed, c.State())

	_, err := c.Request(context.Background(), "server.ping")
	assert.ErrorIs(t, err, electrum.ErrNotConnected)
	assert.NotErrorIs(t, err, electrum.ErrReconnectExhausted)
}

func TestRequest_OutOfOrderResponses(t *testing.T) {
	srv := electrumtest.NewServer()
	release := make(chan struct{})
	srv.Handle("slow", func([]json.RawMessage) (any, *electrumtest.Error) {
		<-release
		return "slow-result", nil
	})
	srv.Handle("fast", func(params []json.RawMessage) (any, *electrumtest.Error) {
		return "fast-" + electrumtest.Param[string](params, 0), nil
	})
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	slowDone := make(chan json.RawMessage, 1)
	go func() {
		res, err := c.Request(context.Background(), "slow")
		assert.NoError(t, err)
		slowDone <- res
	}()

	// The fast request is answered while the slow one is still pending.
	res, err := c.Request(context.Background(), "fast", "x")
	require.NoError(t, err)
	assert.JSONEq(t, `"fast-x"`, string(res))

	close(release)
	select {
	case res := <-slowDone:
		assert.JSONEq(t, `"slow-result"`, string(res))
	case <-time.After(2 * time.Second):
		t.Fatal("slow request never completed")
	}
}

func TestRequest_Timeout(t *testing.T) {
	srv := electrumtest.NewServer()
	srv.Handle("blackhole", func([]json.RawMessage) (any, *electrumtest.Error) {
		return electrumtest.NoReply, nil
	})
	c := newClient(t, srv, func(o *electrum.Options) { o.RequestTimeout = 50 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	_, err := c.Request(context.Background(), "blackhole")
	assert.ErrorIs(t, err, electrum.ErrRequestTimeout)
	assert.True(t, electrum.IsConnectionError(err))
	assert.Less(t, time.Since(start), time.Second)

	// The connection survives a single timeout.
	assert.Equal(t, electrum.StateConnected, c.State())
	require.NoError(t, c.Ping(context.Background()))
}

func TestRequest_ServerErrorVerbatim(t *testing.T) {
	srv := electrumtest.NewServer()
	srv.Handle("blockchain.transaction.broadcast", func([]json.RawMessage) (any, *electrumtest.Error) {
		return nil, &electrumtest.Error{Code: 1, Message: "the transaction was rejected by network rules.\n\nmissing inputs"}
	})
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Broadcast(context.Background(), "0100")
	var se *electrum.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Code)
	assert.Contains(t, se.Message, "missing inputs")
	assert.NotEmpty(t, se.Hint())
	assert.False(t, electrum.IsConnectionError(err))
	assert.Equal(t, 1, srv.Calls("blockchain.transaction.broadcast"), "server errors are never retried")
}

func TestBroadcast_NonStringResultFails(t *testing.T) {
	srv := electrumtest.NewServer()
	srv.Handle("blockchain.transaction.broadcast", func([]json.RawMessage) (any, *electrumtest.Error) {
		return map[string]bool{"accepted": true}, nil
	})
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Broadcast(context.Background(), "0100")
	assert.ErrorIs(t, err, electrum.ErrBroadcastRejected)
}

func TestBroadcast_NullResultIsMalformed(t *testing.T) {
	srv := electrumtest.NewServer()
	srv.Handle("blockchain.transaction.broadcast", func([]json.RawMessage) (any, *electrumtest.Error) {
		return nil, nil
	})
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Broadcast(context.Background(), "0100")
	var me *electrum.MalformedResponseError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "blockchain.transaction.broadcast", me.Method)
	assert.ErrorIs(t, err, electrum.ErrBroadcastRejected)
}

func TestBroadcast_ReturnsTxID(t *testing.T) {
	const txid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	srv := electrumtest.NewServer()
	srv.Handle("blockchain.transaction.broadcast", func([]json.RawMessage) (any, *electrumtest.Error) {
		return txid, nil
	})
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	got, err := c.Broadcast(context.Background(), "0100")
	require.NoError(t, err)
	assert.Equal(t, txid, got)
}

func TestMalformedMessageDoesNotStopDispatch(t *testing.T) {
	srv := electrumtest.NewServer()
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	srv.WriteRaw("this is not json")
	srv.WriteRaw(`{"jsonrpc":"2.0"}`)
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, electrum.StateConnected, c.State())
}

func TestMalformedResultIsTyped(t *testing.T) {
	srv := electrumtest.NewServer()
	srv.Handle("blockchain.scripthash.get_balance", func([]json.RawMessage) (any, *electrumtest.Error) {
		return "lots", nil
	})
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.GetBalance(context.Background(), testKey)
	assert.True(t, electrum.IsMalformed(err))
}

// After the connection drops, five reconnect attempts wait 1s, 2s, 4s, 8s
// and 16s. The next failure stops automatic retries until Connect.
func TestReconnect_BackoffScheduleThenManual(t *testing.T) {
	srv := electrumtest.NewServer()
	rec := &sleepRecorder{}
	var stateMu sync.Mutex
	var states []string
	c := newClient(t, srv, func(o *electrum.Options) {
		o.Sleep = rec.sleep
		o.OnStateChange = func(s string) {
			stateMu.Lock()
			states = append(states, s)
			stateMu.Unlock()
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, srv.Dials())

	srv.FailDials(nil)
	srv.DropAll()

	require.Eventually(t, func() bool { return c.State() == electrum.StateFailed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, rec.get())
	assert.Equal(t, 1+5, srv.Dials())

	// No sixth automatic attempt.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1+5, srv.Dials())
	assert.Len(t, rec.get(), 5)

	_, err := c.Request(context.Background(), "server.ping")
	assert.ErrorIs(t, err, electrum.ErrReconnectExhausted)
	assert.True(t, electrum.IsConnectionError(err))

	srv.AllowDials()
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, electrum.StateConnected, c.State())
	_, err = c.Request(context.Background(), "server.ping")
	assert.NoError(t, err)

	stateMu.Lock()
	defer stateMu.Unlock()
	assert.Contains(t, states, electrum.StateReconnecting)
	assert.Contains(t, states, electrum.StateFailed)
}

// gatedSleep blocks every backoff delay until open is closed.
func gatedSleep(open <-chan struct{}) func(context.Context, time.Duration) error {
	return func(ctx context.Context, _ time.Duration) error {
		select {
		case <-open:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestRequest_WaitsForReconnect(t *testing.T) {
	srv := electrumtest.NewServer()
	open := make(chan struct{})
	c := newClient(t, srv, func(o *electrum.Options) { o.Sleep = gatedSleep(open) })
	require.NoError(t, c.Connect(context.Background()))

	srv.DropAll()
	require.Eventually(t, func() bool { return c.State() == electrum.StateReconnecting }, time.Second, time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "server.ping")
		errCh <- err
	}()
	select {
	case err := <-errCh:
		t.Fatalf("request returned during backoff: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(open)
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request not released after reconnect")
	}
	assert.Equal(t, electrum.StateConnected, c.State())
}

func TestRequest_ReconnectWaitIsBounded(t *testing.T) {
	srv := electrumtest.NewServer()
	open := make(chan struct{})
	defer close(open)
	c := newClient(t, srv, func(o *electrum.Options) {
		o.Sleep = gatedSleep(open)
		o.RequestTimeout = 100 * time.Millisecond
	})
	require.NoError(t, c.Connect(context.Background()))

	srv.DropAll()
	require.Eventually(t, func() bool { return c.State() == electrum.StateReconnecting }, time.Second, time.Millisecond)

	started := time.Now()
	_, err := c.Request(context.Background(), "server.ping")
	assert.ErrorIs(t, err, electrum.ErrNotConnected)
	assert.True(t, electrum.IsConnectionError(err))
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Request(ctx, "server.ping")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReconnect_RecoversAndRestoresSubscriptions(t *testing.T) {
	srv := electrumtest.NewServer()
	status := "status-1"
	var statusMu sync.Mutex
	srv.Handle("blockchain.scripthash.subscribe", func([]json.RawMessage) (any, *electrumtest.Error) {
		statusMu.Lock()
		defer statusMu.Unlock()
		return status, nil
	})
	rec := &sleepRecorder{}
	c := newClient(t, srv, func(o *electrum.Options) { o.Sleep = rec.sleep })
	require.NoError(t, c.Connect(context.Background()))

	sub, err := c.Subscribe(context.Background(), testKey)
	require.NoError(t, err)
	first := recv(t, sub.Updates())
	assert.Equal(t, "status-1", first.Status)

	// History changed while the connection was down.
	statusMu.Lock()
	status = "status-2"
	statusMu.Unlock()
	srv.DropAll()

	update := recv(t, sub.Updates())
	assert.Equal(t, "status-2", update.Status)
	require.Eventually(t, func() bool { return c.State() == electrum.StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 2, srv.Calls("blockchain.scripthash.subscribe"))
	assert.Equal(t, []time.Duration{time.Second}, rec.get())
}

func TestDisconnect_NoReconnect(t *testing.T) {
	srv := electrumtest.NewServer()
	c := newClient(t, srv, func(o *electrum.Options) { o.Sleep = (&sleepRecorder{}).sleep })
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	assert.Equal(t, electrum.StateDisconnected, c.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, srv.Dials())

	_, err := c.Request(context.Background(), "server.ping")
	assert.ErrorIs(t, err, electrum.ErrNotConnected)
}

func TestPendingRequestsFailOnDrop(t *testing.T) {
	srv := electrumtest.NewServer()
	srv.Handle("blackhole", func([]json.RawMessage) (any, *electrumtest.Error) {
		return electrumtest.NoReply, nil
	})
	c := newClient(t, srv, func(o *electrum.Options) {
		o.Sleep = func(ctx context.Context, _ time.Duration) error { <-ctx.Done(); return ctx.Err() }
	})
	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "blackhole")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return srv.Calls("blackhole") == 1 }, time.Second, time.Millisecond)
	srv.DropAll()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, electrum.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on drop")
	}
}

func TestSwitchServer(t *testing.T) {
	srv := electrumtest.NewServer()
	c := newClient(t, srv, func(o *electrum.Options) {
		second, _ := electrum.ParseEndpoint("/dns4/backup.example.org/tcp/50002/tls")
		o.Servers = append(o.Servers, second)
	})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.SwitchServer(context.Background(), 1))
	assert.Equal(t, "backup.example.org", c.Server().Host)
	assert.Equal(t, electrum.StateConnected, c.State())
	assert.Error(t, c.SwitchServer(context.Background(), 7))
}

func TestCloseIsTerminal(t *testing.T) {
	srv := electrumtest.NewServer()
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.True(t, errors.Is(c.Connect(context.Background()), electrum.ErrClientClosed))
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}
