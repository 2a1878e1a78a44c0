// Package store persists wallet records, classified transactions and
// last-known balances on top of a storage.DB.
//
// Key layout (each family under its own prefix namespace):
//
//	Wallet:  "w/<name>"                    → JSON WalletRecord
//	Active:  "m/active"                    → wallet name
//	Tx:      "t/<address>/<txid>/<type>"   → JSON TxRecord
//	Balance: "b/<address>"                 → JSON balance.Entry
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/forkwallet/internal/balance"
	"github.com/Klingon-tech/forkwallet/internal/log"
	"github.com/Klingon-tech/forkwallet/internal/retry"
	"github.com/Klingon-tech/forkwallet/internal/storage"
)

var (
	// ErrWalletNotFound is returned when no wallet record has the given name.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrWalletExists is returned by CreateWallet for a duplicate name.
	ErrWalletExists = errors.New("wallet already exists")
	// ErrInvalidRecord is returned for records missing their key fields.
	ErrInvalidRecord = errors.New("invalid record")
)

var activeKey = []byte("active")

// Store is the wallet record store.
type Store struct {
	db       storage.DB
	wallets  *storage.PrefixDB
	meta     *storage.PrefixDB
	txs      *storage.PrefixDB
	balances *storage.PrefixDB

	log       zerolog.Logger
	retryOpts []retry.Option
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRetry appends options to the retry policy used for writes.
func WithRetry(opts ...retry.Option) Option {
	return func(s *Store) { s.retryOpts = append(s.retryOpts, opts...) }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a record store backed by db.
func New(db storage.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		wallets:  storage.NewPrefixDB(db, storage.NamespaceWallets),
		meta:     storage.NewPrefixDB(db, storage.NamespaceMeta),
		txs:      storage.NewPrefixDB(db, storage.NamespaceTxs),
		balances: storage.NewPrefixDB(db, storage.NamespaceBalances),
		log:      log.Storage,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retryOpts = append([]retry.Option{
		retry.WithAttempts(3),
		retry.WithBackoff(50*time.Millisecond, 2, time.Second),
		retry.WithMessage("storage write failed"),
		retry.WithLogger(s.log),
	}, s.retryOpts...)
	return s
}

// DB returns the underlying database. The keystore shares it.
func (s *Store) DB() storage.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// write runs a storage mutation under the retry policy.
func (s *Store) write(fn func() error) error {
	_, err := retry.Do(context.Background(), func(context.Context) (struct{}, error) {
		return struct{}{}, fn()
	}, s.retryOpts...)
	return err
}

func (s *Store) putJSON(db storage.DB, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.write(func() error { return db.Put(key, data) })
}

// ── Wallet records ──────────────────────────────────────────────────────

// WalletRecord describes one wallet known to this installation.
type WalletRecord struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Network   string    `json:"network"`
	Address   string    `json:"address"` // primary receive address
	CreatedAt time.Time `json:"created_at"`
}

// CreateWallet stores a new wallet record, assigning its ID.
func (s *Store) CreateWallet(rec WalletRecord) (WalletRecord, error) {
	if rec.Name == "" {
		return WalletRecord{}, fmt.Errorf("%w: empty wallet name", ErrInvalidRecord)
	}
	ok, err := s.wallets.Has([]byte(rec.Name))
	if err != nil {
		return WalletRecord{}, err
	}
	if ok {
		return WalletRecord{}, fmt.Errorf("%w: %q", ErrWalletExists, rec.Name)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := s.putJSON(s.wallets, []byte(rec.Name), rec); err != nil {
		return WalletRecord{}, err
	}
	return rec, nil
}

// UpdateWallet overwrites an existing wallet record, keeping its ID.
func (s *Store) UpdateWallet(rec WalletRecord) error {
	old, err := s.Wallet(rec.Name)
	if err != nil {
		return err
	}
	rec.ID = old.ID
	rec.CreatedAt = old.CreatedAt
	return s.putJSON(s.wallets, []byte(rec.Name), rec)
}

// Wallet loads a wallet record by name.
func (s *Store) Wallet(name string) (WalletRecord, error) {
	data, err := s.wallets.Get([]byte(name))
	if errors.Is(err, storage.ErrNotFound) {
		return WalletRecord{}, fmt.Errorf("%w: %q", ErrWalletNotFound, name)
	}
	if err != nil {
		return WalletRecord{}, err
	}
	var rec WalletRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return WalletRecord{}, fmt.Errorf("corrupt wallet record %q: %w", name, err)
	}
	return rec, nil
}

// Wallets lists all wallet records sorted by name.
func (s *Store) Wallets() ([]WalletRecord, error) {
	var out []WalletRecord
	err := s.wallets.ForEach(nil, func(key, value []byte) error {
		var rec WalletRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			s.log.Warn().Str("key", string(key)).Err(err).Msg("Skipping corrupt wallet record")
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteWallet removes a wallet record and clears the active marker if it
// pointed at it. Transaction records are keyed by address and left alone.
func (s *Store) DeleteWallet(name string) error {
	if _, err := s.Wallet(name); err != nil {
		return err
	}
	if err := s.write(func() error { return s.wallets.Delete([]byte(name)) }); err != nil {
		return err
	}
	active, err := s.ActiveWallet()
	if err == nil && active == name {
		return s.write(func() error { return s.meta.Delete(activeKey) })
	}
	return nil
}

// SetActiveWallet marks name as the active wallet.
func (s *Store) SetActiveWallet(name string) error {
	if _, err := s.Wallet(name); err != nil {
		return err
	}
	return s.write(func() error { return s.meta.Put(activeKey, []byte(name)) })
}

// ActiveWallet returns the active wallet name or ErrWalletNotFound.
func (s *Store) ActiveWallet() (string, error) {
	data, err := s.meta.Get(activeKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrWalletNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ── Balances ────────────────────────────────────────────────────────────

// LoadBalance implements balance.Store.
func (s *Store) LoadBalance(address string) (balance.Entry, bool, error) {
	data, err := s.balances.Get([]byte(address))
	if errors.Is(err, storage.ErrNotFound) {
		return balance.Entry{}, false, nil
	}
	if err != nil {
		return balance.Entry{}, false, err
	}
	var e balance.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return balance.Entry{}, false, fmt.Errorf("corrupt balance %s: %w", address, err)
	}
	return e, true, nil
}

// SaveBalance implements balance.Store.
func (s *Store) SaveBalance(address string, e balance.Entry) error {
	return s.putJSON(s.balances, []byte(address), e)
}

var _ balance.Store = (*Store)(nil)
