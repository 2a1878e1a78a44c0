// Package balance keeps the last known balance per address so the wallet can
// keep showing a value while the protocol client reconnects or a
// subscription is pending.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/forkwallet/internal/log"
)

// Source is the provenance of a balance value. Higher sources take
// precedence over lower ones.
type Source int

const (
	SourceNone Source = iota
	SourcePersisted
	SourceProtocol
)

func (s Source) String() string {
	switch s {
	case SourcePersisted:
		return "persisted"
	case SourceProtocol:
		return "protocol"
	default:
		return "none"
	}
}

// Entry is a balance snapshot in base units.
type Entry struct {
	Confirmed   int64     `json:"confirmed"`
	Unconfirmed int64     `json:"unconfirmed"`
	Source      Source    `json:"source"`
	Optimistic  bool      `json:"optimistic,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Total returns confirmed plus unconfirmed.
func (e Entry) Total() int64 {
	return e.Confirmed + e.Unconfirmed
}

// Result is what Resolve hands to callers. Known is false only when no
// layer had a value; the zero balance is then a placeholder, not a fact.
type Result struct {
	Entry
	Known bool
	// Stale is set when the protocol fetch failed and a cached value was
	// used instead.
	Stale    bool
	FetchErr error
}

// Store persists balances across restarts.
type Store interface {
	LoadBalance(address string) (Entry, bool, error)
	SaveBalance(address string, e Entry) error
}

// Fetcher asks the protocol for a fresh balance.
type Fetcher func(ctx context.Context) (confirmed, unconfirmed int64, err error)

// Cache is an in-memory balance cache backed by a Store.
type Cache struct {
	mu    sync.RWMutex
	mem   map[string]Entry
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a cache. store may be nil for a memory-only cache.
func New(store Store) *Cache {
	return &Cache{
		mem:   make(map[string]Entry),
		store: store,
		log:   log.Balance,
		now:   time.Now,
	}
}

// WithLogger replaces the cache logger.
func (c *Cache) WithLogger(l zerolog.Logger) *Cache {
	c.log = l
	return c
}

// Get returns the in-memory value, falling back to the persisted one.
func (c *Cache) Get(address string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.mem[address]
	c.mu.RUnlock()
	if ok {
		return e, true
	}
	return c.loadPersisted(address)
}

// Set records e unless the cache holds a value of higher provenance. Among
// equal provenance the last write wins. Protocol values are persisted.
func (c *Cache) Set(address string, e Entry) bool {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = c.now()
	}

	c.mu.Lock()
	if cur, ok := c.mem[address]; ok && cur.Source > e.Source {
		c.mu.Unlock()
		c.log.Debug().Str("address", address).Stringer("have", cur.Source).Stringer("offered", e.Source).
			Msg("Ignoring lower-provenance balance")
		return false
	}
	c.mem[address] = e
	c.mu.Unlock()

	if e.Source == SourceProtocol && c.store != nil {
		persisted := e
		persisted.Source = SourcePersisted
		if err := c.store.SaveBalance(address, persisted); err != nil {
			c.log.Warn().Err(err).Str("address", address).Msg("Failed to persist balance")
		}
	}
	return true
}

// ApplyDelta adjusts the cached balance by a locally predicted amount, for
// example right after a broadcast. The entry keeps its provenance and is
// marked optimistic until the next protocol value replaces it. An address
// with no known balance stays unknown and ok is false.
func (c *Cache) ApplyDelta(address string, unconfirmedDelta int64) (Entry, bool) {
	c.mu.Lock()
	e, ok := c.mem[address]
	if !ok {
		c.mu.Unlock()
		p, found := c.loadPersisted(address)
		if !found {
			c.log.Debug().Str("address", address).Int64("delta", unconfirmedDelta).
				Msg("No known balance to adjust, leaving unknown")
			return Entry{}, false
		}
		c.mu.Lock()
		if e, ok = c.mem[address]; !ok {
			e = p
		}
	}
	if e.Source == SourceNone {
		c.mu.Unlock()
		return e, false
	}
	e.Unconfirmed += unconfirmedDelta
	e.Optimistic = true
	e.UpdatedAt = c.now()
	c.mem[address] = e
	c.mu.Unlock()
	return e, true
}

// Resolve fetches a fresh balance. On failure it falls back to memory, then
// to the persisted value, then to an unknown zero.
func (c *Cache) Resolve(ctx context.Context, address string, fetch Fetcher) Result {
	confirmed, unconfirmed, err := fetch(ctx)
	if err == nil {
		e := Entry{Confirmed: confirmed, Unconfirmed: unconfirmed, Source: SourceProtocol, UpdatedAt: c.now()}
		c.Set(address, e)
		return Result{Entry: e, Known: true}
	}

	c.log.Warn().Err(err).Str("address", address).Msg("Balance fetch failed, using cache")

	c.mu.RLock()
	e, ok := c.mem[address]
	c.mu.RUnlock()
	if ok {
		return Result{Entry: e, Known: true, Stale: true, FetchErr: err}
	}

	if p, found := c.loadPersisted(address); found {
		return Result{Entry: p, Known: true, Stale: true, FetchErr: err}
	}

	return Result{Entry: Entry{Source: SourceNone}, Known: false, Stale: true, FetchErr: err}
}

// Forget drops the in-memory value for address.
func (c *Cache) Forget(address string) {
	c.mu.Lock()
	delete(c.mem, address)
	c.mu.Unlock()
}

// loadPersisted reads the store and seeds memory without overriding a
// value that arrived meanwhile.
func (c *Cache) loadPersisted(address string) (Entry, bool) {
	if c.store == nil {
		return Entry{}, false
	}
	e, ok, err := c.store.LoadBalance(address)
	if err != nil {
		c.log.Warn().Err(err).Str("address", address).Msg("Failed to load persisted balance")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	e.Source = SourcePersisted

	c.mu.Lock()
	if cur, exists := c.mem[address]; exists {
		c.mu.Unlock()
		return cur, true
	}
	c.mem[address] = e
	c.mu.Unlock()
	return e, true
}
