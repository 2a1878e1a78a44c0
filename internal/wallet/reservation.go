package wallet

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/atomic"
)

// Reservations is a process-local set of outpoints spent by transactions
// that were built but not yet seen by the server. Two sends in the same
// process skip each other's inputs; separate processes can still race.
// Entries expire so a lost broadcast does not lock funds forever.
type Reservations struct {
	cache   *ttlcache.Cache[wire.OutPoint, string]
	stopped atomic.Bool
}

// NewReservations creates a reservation set whose entries live for ttl.
func NewReservations(ttl time.Duration) *Reservations {
	r := &Reservations{
		cache: ttlcache.New[wire.OutPoint, string](
			ttlcache.WithTTL[wire.OutPoint, string](ttl),
			ttlcache.WithDisableTouchOnHit[wire.OutPoint, string](),
		),
	}
	go r.cache.Start()
	return r
}

// Reserve marks outpoints as spent by txid.
func (r *Reservations) Reserve(txid string, outpoints []wire.OutPoint) {
	for _, op := range outpoints {
		r.cache.Set(op, txid, ttlcache.DefaultTTL)
	}
}

// Release drops the given outpoints.
func (r *Reservations) Release(outpoints []wire.OutPoint) {
	for _, op := range outpoints {
		r.cache.Delete(op)
	}
}

// IsReserved reports whether op is currently reserved.
func (r *Reservations) IsReserved(op wire.OutPoint) bool {
	return r.cache.Get(op) != nil
}

// Len returns the number of live reservations.
func (r *Reservations) Len() int {
	return r.cache.Len()
}

// Filter returns utxos without the reserved ones.
func (r *Reservations) Filter(utxos []UTXO) []UTXO {
	out := make([]UTXO, 0, len(utxos))
	for _, u := range utxos {
		if !r.IsReserved(u.Outpoint) {
			out = append(out, u)
		}
	}
	return out
}

// Stop halts the expiry goroutine. Safe to call more than once.
func (r *Reservations) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		r.cache.Stop()
	}
}
