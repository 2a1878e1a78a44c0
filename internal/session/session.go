// Package session composes the protocol client, record store, coin
// selector, signer and history reconciler into one wallet session: open a
// wallet, watch its addresses, keep balance and history current, and send.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Klingon-tech/forkwallet/config"
	"github.com/Klingon-tech/forkwallet/internal/balance"
	"github.com/Klingon-tech/forkwallet/internal/electrum"
	"github.com/Klingon-tech/forkwallet/internal/history"
	"github.com/Klingon-tech/forkwallet/internal/log"
	"github.com/Klingon-tech/forkwallet/internal/store"
	"github.com/Klingon-tech/forkwallet/internal/txbuilder"
	"github.com/Klingon-tech/forkwallet/internal/wallet"
)

// Session errors.
var (
	ErrNoActiveWallet  = errors.New("no wallet open")
	ErrWalletSwitched  = errors.New("wallet switched during operation")
	ErrInvalidMnemonic = wallet.ErrInvalidMnemonic
	ErrNotOwned        = errors.New("address does not belong to the open wallet")
	ErrSessionClosed   = errors.New("session closed")
)

const (
	unsubscribeTimeout = 5 * time.Second
	resyncTimeout      = 2 * time.Minute
)

// Session is a single logical wallet session. All methods are safe for
// concurrent use.
type Session struct {
	net      *config.Network
	cfg      config.WalletConfig
	client   *electrum.Client
	store    *store.Store
	keys     *wallet.Keystore
	balances *balance.Cache
	history  *history.Reconciler
	reserved *wallet.Reservations
	enc      wallet.EncryptionParams
	log      zerolog.Logger

	historyOpts []history.Option

	mu     sync.RWMutex
	active *openWallet
	owned  map[string]bool

	gen    atomic.Uint64
	closed atomic.Bool
	flight singleflight.Group
	wg     sync.WaitGroup
}

// openWallet is the state of the wallet currently open.
type openWallet struct {
	record    store.WalletRecord
	finder    *wallet.KeyFinder
	signer    *txbuilder.Signer
	gen       uint64
	log       zerolog.Logger
	ctx       context.Context // ends when the wallet is closed
	cancel    context.CancelFunc
	mu        sync.Mutex
	addresses []string // primary first
	subs      []*electrum.Subscription
}

func (ow *openWallet) primary() string {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	return ow.addresses[0]
}

func (ow *openWallet) watched() []string {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	return append([]string(nil), ow.addresses...)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithEncryptionParams sets the key derivation cost for new keystores.
func WithEncryptionParams(p wallet.EncryptionParams) Option {
	return func(s *Session) { s.enc = p }
}

// WithHistoryOptions passes options to the history reconciler.
func WithHistoryOptions(opts ...history.Option) Option {
	return func(s *Session) { s.historyOpts = append(s.historyOpts, opts...) }
}

// New creates a session. The caller owns client and st and closes them
// after Close.
func New(net *config.Network, cfg config.WalletConfig, client *electrum.Client, st *store.Store, opts ...Option) *Session {
	s := &Session{
		net:    net,
		cfg:    cfg,
		client: client,
		store:  st,
		keys:   wallet.NewKeystore(st.DB()),
		enc:    wallet.DefaultParams(),
		log:    log.Session,
		owned:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.balances = balance.New(st).WithLogger(s.log)
	hopts := append([]history.Option{
		history.WithLogger(s.log),
		history.WithOwnership(s.owns),
	}, s.historyOpts...)
	s.history = history.NewReconciler(client, net, st, hopts...)
	if cfg.ReserveInFlight {
		s.reserved = wallet.NewReservations(cfg.ReserveTTL)
	}
	return s
}

// CreateWallet generates a mnemonic and stores a new wallet encrypted with
// password. The mnemonic is returned once and never stored in clear.
func (s *Session) CreateWallet(name string, password []byte) (store.WalletRecord, string, error) {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return store.WalletRecord{}, "", err
	}
	rec, err := s.ImportWallet(name, mnemonic, "", password)
	if err != nil {
		return store.WalletRecord{}, "", err
	}
	return rec, mnemonic, nil
}

// ImportWallet stores a wallet restored from mnemonic. The first wallet
// created becomes the active one.
func (s *Session) ImportWallet(name, mnemonic, passphrase string, password []byte) (store.WalletRecord, error) {
	if !wallet.ValidateMnemonic(mnemonic) {
		return store.WalletRecord{}, ErrInvalidMnemonic
	}
	if _, err := s.store.Wallet(name); err == nil {
		return store.WalletRecord{}, fmt.Errorf("%w: %q", store.ErrWalletExists, name)
	}
	seed, err := wallet.SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return store.WalletRecord{}, err
	}
	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		return store.WalletRecord{}, err
	}
	finder := wallet.NewKeyFinder(master, s.net.CoinType, s.net.Chain, 0)
	_, address, err := finder.Derive(wallet.Path{Change: wallet.ChangeExternal, Index: 0})
	if err != nil {
		return store.WalletRecord{}, err
	}

	if err := s.keys.Create(name, seed, password, s.enc, address); err != nil {
		return store.WalletRecord{}, err
	}
	rec, err := s.store.CreateWallet(store.WalletRecord{
		Name:    name,
		Network: string(s.net.Name),
		Address: address,
	})
	if err != nil {
		_ = s.keys.Delete(name)
		return store.WalletRecord{}, err
	}
	if _, err := s.store.ActiveWallet(); errors.Is(err, store.ErrWalletNotFound) {
		if err := s.store.SetActiveWallet(name); err != nil {
			return rec, err
		}
	}
	s.mu.Lock()
	s.owned[address] = true
	s.mu.Unlock()

	s.log.Info().Str("wallet", name).Str("address", address).Msg("Wallet created")
	return rec, nil
}

// Wallets lists the stored wallets.
func (s *Session) Wallets() ([]store.WalletRecord, error) {
	return s.store.Wallets()
}

// Open decrypts wallet name, connects if needed, subscribes to every known
// address of the wallet and starts keeping balance and history current.
// A wallet already open is closed first.
//
// Network failures do not undo the open: the wallet stays usable from the
// cache and the error is returned for the caller to report.
func (s *Session) Open(ctx context.Context, name string, password []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	rec, err := s.store.Wallet(name)
	if err != nil {
		return err
	}
	seed, err := s.keys.Unlock(name, password)
	if err != nil {
		return err
	}
	master, err := wallet.NewMasterKey(seed)
	clear(seed)
	if err != nil {
		return err
	}
	finder := wallet.NewKeyFinder(master, s.net.CoinType, s.net.Chain, 0)

	entries, err := s.keys.Addresses(name)
	if err != nil {
		return err
	}
	addresses := make([]string, 0, len(entries))
	for _, e := range entries {
		_, addr, err := finder.Derive(e.Path)
		if err != nil {
			return fmt.Errorf("derive %s: %w", e.Path, err)
		}
		if e.Address != addr {
			return fmt.Errorf("keystore address %s does not match derived %s", e.Address, addr)
		}
		addresses = append(addresses, addr)
	}
	if len(addresses) == 0 || addresses[0] != rec.Address {
		return fmt.Errorf("wallet %q: primary address missing from keystore", name)
	}
	if err := s.loadOwnership(); err != nil {
		return err
	}

	s.closeActive()

	logger := s.log.With().Str("wallet", name).Logger()
	watchCtx, cancel := context.WithCancel(context.Background())
	ow := &openWallet{
		record:    rec,
		finder:    finder,
		signer:    txbuilder.NewSigner(s.net, finder, txbuilder.WithLogger(logger)),
		gen:       s.gen.Inc(),
		log:       logger,
		ctx:       watchCtx,
		cancel:    cancel,
		addresses: addresses,
	}
	s.mu.Lock()
	s.active = ow
	s.mu.Unlock()

	if err := s.store.SetActiveWallet(name); err != nil {
		return err
	}
	logger.Info().Int("addresses", len(addresses)).Msg("Wallet opened")

	if s.client.State() != electrum.StateConnected {
		if err := s.client.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addresses {
		addr := addr
		g.Go(func() error { return s.watch(gctx, watchCtx, ow, addr) })
	}
	return g.Wait()
}

// loadOwnership records every address of every local wallet.
func (s *Session) loadOwnership() error {
	names, err := s.keys.Names()
	if err != nil {
		return err
	}
	owned := make(map[string]bool)
	for _, name := range names {
		entries, err := s.keys.Addresses(name)
		if err != nil {
			return err
		}
		for _, e := range entries {
			owned[e.Address] = true
		}
	}
	s.mu.Lock()
	s.owned = owned
	s.mu.Unlock()
	return nil
}

// owns is the ownership oracle handed to the classifier.
func (s *Session) owns(address string) bool {
	s.mu.RLock()
	ok := s.owned[address]
	ow := s.active
	s.mu.RUnlock()
	return ok || (ow != nil && ow.finder.Owns(address))
}

// current returns the open wallet.
func (s *Session) current() (*openWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil, ErrNoActiveWallet
	}
	return s.active, nil
}

// relevant reports whether work started for generation gen should still
// be applied.
func (s *Session) relevant(gen uint64) func() bool {
	return func() bool {
		return !s.closed.Load() && s.gen.Load() == gen
	}
}

// Active returns the record of the open wallet.
func (s *Session) Active() (store.WalletRecord, error) {
	ow, err := s.current()
	if err != nil {
		return store.WalletRecord{}, err
	}
	return ow.record, nil
}

// Addresses returns the watched addresses of the open wallet, primary
// first.
func (s *Session) Addresses() ([]string, error) {
	ow, err := s.current()
	if err != nil {
		return nil, err
	}
	return ow.watched(), nil
}

// ReceiveAddress returns the primary address, or when fresh is set
// derives the next unused external address and starts watching it.
func (s *Session) ReceiveAddress(ctx context.Context, fresh bool) (string, error) {
	ow, err := s.current()
	if err != nil {
		return "", err
	}
	if !fresh {
		return ow.primary(), nil
	}

	entry, err := s.keys.Allocate(ow.record.Name, wallet.ChangeExternal, "receive", func(p wallet.Path) (string, error) {
		_, addr, err := ow.finder.Derive(p)
		return addr, err
	})
	if err != nil {
		return "", err
	}
	addr := entry.Address

	ow.mu.Lock()
	ow.addresses = append(ow.addresses, addr)
	ow.mu.Unlock()
	s.mu.Lock()
	s.owned[addr] = true
	s.mu.Unlock()

	watchCtx, err := s.watchContext(ow)
	if err != nil {
		return addr, err
	}
	if err := s.watch(ctx, watchCtx, ow, addr); err != nil {
		return addr, err
	}
	return addr, nil
}

// Balance returns the balance of the open wallet summed over its
// addresses. A failed fetch degrades to the cached value; Known is false
// only when some address has never had a value.
func (s *Session) Balance(ctx context.Context) (balance.Result, error) {
	ow, err := s.current()
	if err != nil {
		return balance.Result{}, err
	}
	total := balance.Result{Known: true, Entry: balance.Entry{Source: balance.SourceProtocol}}
	for _, addr := range ow.watched() {
		r := s.balances.Resolve(ctx, addr, s.fetcher(addr))
		total.Confirmed += r.Confirmed
		total.Unconfirmed += r.Unconfirmed
		total.Optimistic = total.Optimistic || r.Optimistic
		total.Stale = total.Stale || r.Stale
		total.Known = total.Known && r.Known
		if r.FetchErr != nil && total.FetchErr == nil {
			total.FetchErr = r.FetchErr
		}
		if r.Source < total.Source {
			total.Source = r.Source
		}
		if r.UpdatedAt.After(total.UpdatedAt) {
			total.UpdatedAt = r.UpdatedAt
		}
	}
	return total, nil
}

// CachedBalance returns the last known balance of address without asking
// the server.
func (s *Session) CachedBalance(address string) (balance.Entry, bool) {
	return s.balances.Get(address)
}

func (s *Session) fetcher(address string) balance.Fetcher {
	return func(ctx context.Context) (int64, int64, error) {
		sh, err := electrum.AddressScriptHash(address, s.net.Chain)
		if err != nil {
			return 0, 0, err
		}
		b, err := s.client.GetBalance(ctx, sh)
		if err != nil {
			return 0, 0, err
		}
		return b.Confirmed, b.Unconfirmed, nil
	}
}

// History returns one page of stored history for address, newest first.
// An empty address means the primary address.
func (s *Session) History(address string, limit, offset int) ([]store.TxRecord, int, error) {
	if address == "" {
		ow, err := s.current()
		if err != nil {
			return nil, 0, err
		}
		address = ow.primary()
	}
	return s.store.Query(address, limit, offset)
}

// Refresh re-syncs history and balance for every watched address.
func (s *Session) Refresh(ctx context.Context) error {
	ow, err := s.current()
	if err != nil {
		return err
	}
	var errs []error
	for _, addr := range ow.watched() {
		if err := s.refresh(ctx, ow, addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// Rebuild drops the stored history of every watched address and syncs it
// again from the server. It returns the number of records dropped.
func (s *Session) Rebuild(ctx context.Context) (int, error) {
	ow, err := s.current()
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, addr := range ow.watched() {
		n, err := s.store.ClearAddress(addr)
		if err != nil {
			return dropped, err
		}
		dropped += n
	}
	ow.log.Info().Int("dropped", dropped).Msg("History cleared, re-syncing")
	return dropped, s.Refresh(ctx)
}

// refresh syncs one address. Concurrent refreshes of the same address
// share a single run.
func (s *Session) refresh(ctx context.Context, ow *openWallet, address string) error {
	_, err, _ := s.flight.Do(address, func() (any, error) {
		rep, err := s.history.Sync(ctx, address, s.relevant(ow.gen))
		if err != nil {
			return nil, err
		}
		if rep.Aborted {
			return nil, nil
		}
		s.balances.Resolve(ctx, address, s.fetcher(address))
		return nil, nil
	})
	return err
}

// Cleanup removes misclassified receive records for every watched address
// and returns the total removed.
func (s *Session) Cleanup() (int, error) {
	ow, err := s.current()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, addr := range ow.watched() {
		n, err := s.history.Cleanup(addr)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// SignMessage signs message with the key of address, or of the primary
// address when address is empty.
func (s *Session) SignMessage(address, message string) (string, error) {
	ow, err := s.current()
	if err != nil {
		return "", err
	}
	if address == "" {
		address = ow.primary()
	}
	key, err := ow.finder.KeyFor(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotOwned, err)
	}
	return wallet.SignMessage(key, s.net.MessageMagic, message)
}

// Close stops watching, waits for background work and releases caches. It
// does not close the protocol client or the store.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.closeActive()
	s.wg.Wait()
	s.history.Close()
	if s.reserved != nil {
		s.reserved.Stop()
	}
	return nil
}

// closeActive stops the open wallet's watchers and unsubscribes.
func (s *Session) closeActive() {
	s.mu.Lock()
	ow := s.active
	s.active = nil
	s.mu.Unlock()
	if ow == nil {
		return
	}
	s.gen.Inc()
	ow.cancel()

	ow.mu.Lock()
	subs := ow.subs
	ow.subs = nil
	ow.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			ow.log.Debug().Err(err).Str("scripthash", sub.Key()).Msg("Unsubscribe failed")
		}
	}
	ow.log.Info().Msg("Wallet closed")
}
