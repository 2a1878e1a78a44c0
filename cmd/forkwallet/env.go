package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/forkwallet/config"
	"github.com/Klingon-tech/forkwallet/internal/electrum"
	"github.com/Klingon-tech/forkwallet/internal/log"
	"github.com/Klingon-tech/forkwallet/internal/session"
	"github.com/Klingon-tech/forkwallet/internal/storage"
	"github.com/Klingon-tech/forkwallet/internal/store"
)

// env bundles the long-lived components one command needs.
type env struct {
	cfg     *config.Config
	net     *config.Network
	db      *storage.BadgerDB
	store   *store.Store
	client  *electrum.Client
	session *session.Session
}

// newEnv opens the local store and builds an unconnected protocol client
// and session on top of it.
func newEnv(c *cli.Context) (*env, error) {
	cfg := loadedConfig(c)
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	net := cfg.Params()

	db, err := storage.NewBadger(cfg.StoreDir(), storage.WithBadgerLogger(log.Storage))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st := store.New(db, store.WithLogger(log.Storage))

	servers, err := electrum.ParseEndpoints(cfg.Servers)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("servers: %w", err)
	}
	opts := electrum.DefaultOptions()
	opts.Servers = servers
	opts.RequestTimeout = cfg.Protocol.RequestTimeout
	opts.PollInterval = cfg.Protocol.PollInterval
	opts.ReconnectAttempts = cfg.Protocol.ReconnectAttempts
	opts.BackoffInitial = cfg.Protocol.BackoffInitial
	opts.BackoffMax = cfg.Protocol.BackoffMax
	opts.PingInterval = cfg.Protocol.PingInterval
	opts.Logger = &log.Protocol
	opts.OnStateChange = func(state string) {
		log.Protocol.Debug().Str("state", state).Msg("Connection state changed")
	}
	client, err := electrum.New(opts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sess := session.New(net, cfg.Wallet, client, st, session.WithLogger(log.Session))
	return &env{cfg: cfg, net: net, db: db, store: st, client: client, session: sess}, nil
}

func (e *env) Close() {
	if err := e.session.Close(); err != nil {
		log.Session.Warn().Err(err).Msg("Session close failed")
	}
	if err := e.client.Close(); err != nil {
		log.Protocol.Debug().Err(err).Msg("Client close failed")
	}
	if err := e.store.Close(); err != nil {
		log.Storage.Warn().Err(err).Msg("Store close failed")
	}
}

// walletName returns the --wallet flag, the active wallet, or the
// configured default, in that order.
func (e *env) walletName(c *cli.Context) string {
	if c.IsSet(config.FlagWallet) {
		return c.String(config.FlagWallet)
	}
	if name, err := e.store.ActiveWallet(); err == nil && name != "" {
		return name
	}
	return e.cfg.Wallet.Name
}

// openWallet prompts for the wallet password and opens the wallet. A
// network failure during open is reported but not fatal: the wallet
// stays usable from the local cache.
func (e *env) openWallet(ctx context.Context, c *cli.Context) error {
	name := e.walletName(c)
	password, err := readPassword(fmt.Sprintf("Password for %s: ", name))
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	err = e.session.Open(ctx, name, password)
	clear(password)
	if err == nil {
		return nil
	}
	if _, activeErr := e.session.Active(); activeErr == nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (showing cached data)\n", err)
		return nil
	}
	return err
}

// withWallet runs fn with an opened wallet and tears everything down
// afterwards.
func withWallet(c *cli.Context, fn func(ctx context.Context, e *env) error) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := c.Context
	if err := e.openWallet(ctx, c); err != nil {
		return err
	}
	return fn(ctx, e)
}
