package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Klingon-tech/forkwallet/config"
	"github.com/Klingon-tech/forkwallet/internal/electrum"
	"github.com/Klingon-tech/forkwallet/internal/log"
	"github.com/Klingon-tech/forkwallet/internal/store"
)

// DefaultPace is the minimum spacing between transactions processed in one
// sync, so a long history does not monopolize the connection.
const DefaultPace = 20 * time.Millisecond

// Source is the protocol surface used by the reconciler.
type Source interface {
	RawSource
	GetHistory(ctx context.Context, scripthash string) ([]electrum.HistoryEntry, error)
	GetTransactionVerbose(ctx context.Context, txid string) (*electrum.VerboseTx, error)
	CurrentHeight(ctx context.Context) (int64, error)
}

// Report summarizes one sync.
type Report struct {
	Total     int
	Written   int
	Unchanged int
	Dropped   int
	Failed    int
	// Aborted is set when the sync stopped because it was no longer
	// relevant.
	Aborted bool
}

// Reconciler classifies an address's full history and stores the result.
type Reconciler struct {
	src      Source
	net      *config.Network
	store    *store.Store
	resolver *Resolver
	owned    Ownership
	limiter  *rate.Limiter
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithOwnership sets the oracle deciding which addresses are local.
func WithOwnership(owned Ownership) Option {
	return func(r *Reconciler) { r.owned = owned }
}

// WithPace sets the minimum spacing between processed transactions. Zero
// disables pacing.
func WithPace(d time.Duration) Option {
	return func(r *Reconciler) {
		if d <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		r.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithClock overrides the clock used for transactions without a time.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler writing to st. Close releases it.
func NewReconciler(src Source, net *config.Network, st *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		src:     src,
		net:     net,
		store:   st,
		limiter: rate.NewLimiter(rate.Every(DefaultPace), 1),
		log:     log.History,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resolver = NewResolver(src, net.Chain, DefaultPrevTxTTL)
	return r
}

// Close stops the resolver cache.
func (r *Reconciler) Close() {
	r.resolver.Stop()
}

// Sync fetches the history of address, classifies every transaction and
// writes what changed. relevant is checked before every write; once it
// reports false the sync stops without error. A transaction that cannot be
// fetched or parsed is logged and skipped.
func (r *Reconciler) Sync(ctx context.Context, address string, relevant func() bool) (Report, error) {
	var rep Report

	sh, err := electrum.AddressScriptHash(address, r.net.Chain)
	if err != nil {
		return rep, err
	}
	entries, err := r.src.GetHistory(ctx, sh)
	if err != nil {
		if electrum.IsMalformed(err) {
			r.log.Warn().Err(err).Str("address", address).Msg("Malformed history, treating as empty")
			return rep, nil
		}
		return rep, fmt.Errorf("get history: %w", err)
	}

	tip, err := r.src.CurrentHeight(ctx)
	tipKnown := err == nil
	if !tipKnown {
		r.log.Debug().Err(err).Msg("Chain height unavailable, confirmations approximated")
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.TxHash] {
			continue
		}
		seen[e.TxHash] = true
		rep.Total++

		if err := r.limiter.Wait(ctx); err != nil {
			return rep, err
		}

		c, ok, err := r.classifyEntry(ctx, address, e)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failed++
			r.log.Warn().Err(err).Str("txid", e.TxHash).Str("address", address).Msg("Skipping transaction")
			continue
		}
		if !ok {
			rep.Dropped++
			continue
		}
		c.Confirmations = Confirmations(c.Height, tip, tipKnown)

		if relevant != nil && !relevant() {
			rep.Aborted = true
			r.log.Debug().Str("address", address).Int("done", rep.Total-1).Msg("Sync no longer relevant, stopping")
			return rep, nil
		}
		written, err := r.apply(address, c)
		if err != nil {
			return rep, err
		}
		if written {
			rep.Written++
		} else {
			rep.Unchanged++
		}
	}

	r.log.Debug().
		Str("address", address).
		Int("total", rep.Total).
		Int("written", rep.Written).
		Int("unchanged", rep.Unchanged).
		Int("dropped", rep.Dropped).
		Int("failed", rep.Failed).
		Msg("History synced")
	return rep, nil
}

// Resolve fetches and resolves a single history entry.
func (r *Reconciler) Resolve(ctx context.Context, e electrum.HistoryEntry) (*Resolved, error) {
	rawHex, ts, err := r.fetch(ctx, e.TxHash)
	if err != nil {
		return nil, err
	}
	tx, err := Decode(rawHex)
	if err != nil {
		return nil, err
	}
	res, err := r.resolver.Resolve(ctx, tx)
	if err != nil {
		return nil, err
	}
	if e.Height > 0 {
		res.Height = e.Height
	}
	if ts > 0 {
		res.Timestamp = time.Unix(ts, 0).UTC()
		res.TimeKnown = true
	} else {
		res.Timestamp = r.now().UTC()
	}
	return res, nil
}

func (r *Reconciler) classifyEntry(ctx context.Context, address string, e electrum.HistoryEntry) (Classified, bool, error) {
	res, err := r.Resolve(ctx, e)
	if err != nil {
		return Classified{}, false, err
	}
	c, ok := Classify(res, address, r.owned)
	if ok && !res.TimeKnown {
		c.Timestamp = time.Time{}
	}
	return c, ok, nil
}

// fetch prefers the verbose form for its block time and falls back to raw
// hex on servers that do not support it.
func (r *Reconciler) fetch(ctx context.Context, txid string) (string, int64, error) {
	v, err := r.src.GetTransactionVerbose(ctx, txid)
	if err == nil && v.Hex != "" {
		ts := v.BlockTime
		if ts == 0 {
			ts = v.Time
		}
		return v.Hex, ts, nil
	}
	if err != nil && !electrum.IsServerError(err) && !electrum.IsMalformed(err) {
		return "", 0, err
	}
	rawHex, err := r.src.GetTransaction(ctx, txid)
	if err != nil {
		return "", 0, err
	}
	return rawHex, 0, nil
}

// apply writes c unless the stored record is materially identical. The
// bool reports whether a write happened.
func (r *Reconciler) apply(address string, c Classified) (bool, error) {
	rec := c.Record(address)
	old, exists, err := r.store.Tx(address, c.TxID, c.Type)
	if err != nil {
		return false, err
	}
	if exists && old.Fingerprint == rec.Fingerprint && old.Confirmations == rec.Confirmations {
		return false, nil
	}
	if rec.Timestamp.IsZero() {
		if exists {
			rec.Timestamp = old.Timestamp
		} else {
			rec.Timestamp = r.now().UTC()
		}
	}
	if _, err := r.store.PutTx(rec); err != nil {
		return false, fmt.Errorf("store %s/%s: %w", c.TxID, c.Type, err)
	}
	return true, nil
}

// Cleanup removes receive records of address whose txid also has a send
// record. These are change outputs recorded as independent receives. It
// returns the number removed.
func (r *Reconciler) Cleanup(address string) (int, error) {
	return Cleanup(r.store, address, r.log)
}

// Cleanup is the store-level form of Reconciler.Cleanup.
func Cleanup(st *store.Store, address string, logger zerolog.Logger) (int, error) {
	recs, err := st.Txs(address)
	if err != nil {
		return 0, err
	}
	sends := make(map[string]bool)
	for _, rec := range recs {
		if rec.Type == store.TxSend {
			sends[rec.TxID] = true
		}
	}
	var stale []store.TxRecord
	for _, rec := range recs {
		if rec.Type == store.TxReceive && sends[rec.TxID] {
			stale = append(stale, rec)
		}
	}
	n, err := st.DeleteTxs(stale)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info().Str("address", address).Int("removed", n).Msg("Removed misclassified receives")
	}
	return n, nil
}

// IsTransient reports whether a sync error is worth retrying later.
func IsTransient(err error) bool {
	return electrum.IsConnectionError(err) ||
		errors.Is(err, electrum.ErrRequestTimeout) ||
		errors.Is(err, electrum.ErrNotConnected)
}
