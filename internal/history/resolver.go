// Package history turns raw transactions from the indexing server into
// per-address send and receive records and keeps the stored history in
// step with the chain.
package history

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"
)

// ErrUnparseable is returned for transaction data that cannot be decoded.
var ErrUnparseable = errors.New("unparseable transaction")

// DefaultPrevTxTTL is how long previous transactions stay cached.
const DefaultPrevTxTTL = 10 * time.Minute

// RawSource fetches raw transactions by id.
type RawSource interface {
	GetTransaction(ctx context.Context, txid string) (string, error)
}

// ResolvedInput is a spent output as seen from the spending transaction.
type ResolvedInput struct {
	Address  string
	Value    int64
	Coinbase bool
	// Resolved is false when the previous output could not be decoded.
	Resolved bool
}

// ResolvedOutput is a transaction output with its decoded address. Address
// is empty for outputs that do not pay a single address.
type ResolvedOutput struct {
	Address string
	Value   int64
}

// Resolved is a transaction with every input's previous output looked up.
type Resolved struct {
	TxID    string
	Inputs  []ResolvedInput
	Outputs []ResolvedOutput
	// Height is the block height, 0 while unconfirmed.
	Height    int64
	Timestamp time.Time
	// TimeKnown is false when Timestamp is the local clock.
	TimeKnown bool
}

// IsCoinbase reports whether the transaction mints new coins.
func (r *Resolved) IsCoinbase() bool {
	return len(r.Inputs) == 1 && r.Inputs[0].Coinbase
}

// Fee returns the transaction fee, or false when an input is unresolved.
func (r *Resolved) Fee() (int64, bool) {
	if r.IsCoinbase() {
		return 0, false
	}
	var in, out int64
	for _, i := range r.Inputs {
		if !i.Resolved {
			return 0, false
		}
		in += i.Value
	}
	for _, o := range r.Outputs {
		out += o.Value
	}
	return in - out, true
}

// Resolver decodes transactions and looks up the outputs they spend.
// Previous transactions are cached since a history usually spends its own
// earlier outputs many times over.
type Resolver struct {
	src    RawSource
	params *chaincfg.Params
	prev   *ttlcache.Cache[string, *wire.MsgTx]
}

// NewResolver creates a resolver. Stop releases its cache.
func NewResolver(src RawSource, params *chaincfg.Params, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultPrevTxTTL
	}
	cache := ttlcache.New[string, *wire.MsgTx](
		ttlcache.WithTTL[string, *wire.MsgTx](ttl),
	)
	go cache.Start()
	return &Resolver{src: src, params: params, prev: cache}
}

// Stop halts cache expiry.
func (r *Resolver) Stop() {
	r.prev.Stop()
}

// Decode parses a hex-encoded transaction.
func Decode(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return &tx, nil
}

// Resolve looks up every input of tx. A previous transaction that cannot be
// fetched fails the whole call; one that cannot be decoded leaves that
// input unresolved.
func (r *Resolver) Resolve(ctx context.Context, tx *wire.MsgTx) (*Resolved, error) {
	res := &Resolved{
		TxID:    tx.TxHash().String(),
		Inputs:  make([]ResolvedInput, 0, len(tx.TxIn)),
		Outputs: make([]ResolvedOutput, 0, len(tx.TxOut)),
	}
	for _, out := range tx.TxOut {
		res.Outputs = append(res.Outputs, ResolvedOutput{
			Address: r.scriptAddress(out.PkScript),
			Value:   out.Value,
		})
	}

	if isCoinbase(tx) {
		res.Inputs = append(res.Inputs, ResolvedInput{Coinbase: true})
		return res, nil
	}
	for _, in := range tx.TxIn {
		ri, err := r.resolveInput(ctx, in.PreviousOutPoint)
		if err != nil {
			return nil, err
		}
		res.Inputs = append(res.Inputs, ri)
	}
	return res, nil
}

func (r *Resolver) resolveInput(ctx context.Context, op wire.OutPoint) (ResolvedInput, error) {
	txid := op.Hash.String()
	prev, err := r.previous(ctx, txid)
	if errors.Is(err, ErrUnparseable) {
		return ResolvedInput{}, nil
	}
	if err != nil {
		return ResolvedInput{}, fmt.Errorf("fetch previous tx %s: %w", txid, err)
	}
	if int(op.Index) >= len(prev.TxOut) {
		return ResolvedInput{}, nil
	}
	out := prev.TxOut[op.Index]
	return ResolvedInput{
		Address:  r.scriptAddress(out.PkScript),
		Value:    out.Value,
		Resolved: true,
	}, nil
}

func (r *Resolver) previous(ctx context.Context, txid string) (*wire.MsgTx, error) {
	if item := r.prev.Get(txid); item != nil {
		return item.Value(), nil
	}
	rawHex, err := r.src.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	tx, err := Decode(rawHex)
	if err != nil {
		return nil, err
	}
	r.prev.Set(txid, tx, ttlcache.DefaultTTL)
	return tx, nil
}

// scriptAddress returns the single address a script pays, or "".
func (r *Resolver) scriptAddress(pkScript []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, r.params)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := tx.TxIn[0].PreviousOutPoint
	return prev.Index == math.MaxUint32 && prev.Hash == (wire.OutPoint{}).Hash
}
