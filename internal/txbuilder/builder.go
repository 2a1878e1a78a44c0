// Package txbuilder constructs and signs pay-to-pubkey-hash transactions
// with the fork-id signature hash type.
package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/forkwallet/config"
)

// TxVersion is the version of every built transaction.
const TxVersion = 2

// Input is a previous output to spend.
type Input struct {
	Outpoint wire.OutPoint
	Value    int64
	// Address owns the output and selects the signing key.
	Address string
	// PkScript is the locking script. When empty it is derived from Address.
	PkScript []byte
}

// Output pays Value to Address.
type Output struct {
	Address string
	Value   int64
}

// Builder constructs transactions incrementally.
type Builder struct {
	net     *config.Network
	tx      *wire.MsgTx
	inputs  []Input
	err     error
	outputs int
}

// NewBuilder creates a new transaction builder for net.
func NewBuilder(net *config.Network) *Builder {
	return &Builder{
		net: net,
		tx:  wire.NewMsgTx(TxVersion),
	}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(in Input) *Builder {
	if b.err != nil {
		return b
	}
	if len(in.PkScript) == 0 {
		script, err := b.addressScript(in.Address)
		if err != nil {
			b.err = fmt.Errorf("%w: input %s: %v", ErrMalformedPrevOut, in.Outpoint, err)
			return b
		}
		in.PkScript = script
	}
	if in.Value <= 0 {
		b.err = fmt.Errorf("%w: input %s has value %d", ErrMalformedPrevOut, in.Outpoint, in.Value)
		return b
	}
	op := in.Outpoint
	b.tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	b.inputs = append(b.inputs, in)
	return b
}

// AddOutput adds a payment output. Outputs at or below the dust threshold
// are rejected.
func (b *Builder) AddOutput(out Output) *Builder {
	if b.err != nil {
		return b
	}
	if out.Value <= int64(b.net.DustThreshold) {
		b.err = fmt.Errorf("%w: %d to %s", ErrDustOutput, out.Value, out.Address)
		return b
	}
	script, err := b.addressScript(out.Address)
	if err != nil {
		b.err = err
		return b
	}
	b.tx.AddTxOut(wire.NewTxOut(out.Value, script))
	b.outputs++
	return b
}

// AddChange adds a change output unless value is at or below the dust
// threshold, in which case it is left to the fee.
func (b *Builder) AddChange(address string, value int64) *Builder {
	if value <= int64(b.net.DustThreshold) {
		return b
	}
	return b.AddOutput(Output{Address: address, Value: value})
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint32) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// Build returns the unsigned transaction and the inputs in transaction
// order.
func (b *Builder) Build() (*wire.MsgTx, []Input, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	if len(b.tx.TxIn) == 0 {
		return nil, nil, ErrNoInputs
	}
	if b.outputs == 0 {
		return nil, nil, ErrNoOutputs
	}
	var in, out int64
	for _, i := range b.inputs {
		in += i.Value
	}
	for _, o := range b.tx.TxOut {
		out += o.Value
	}
	if out > in {
		return nil, nil, fmt.Errorf("%w: outputs %d exceed inputs %d", ErrValueMismatch, out, in)
	}
	return b.tx, b.inputs, nil
}

func (b *Builder) addressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.net.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidAddress, address, err)
	}
	if !addr.IsForNet(b.net.Chain) {
		return nil, fmt.Errorf("%w %q: wrong network", ErrInvalidAddress, address)
	}
	return txscript.PayToAddrScript(addr)
}

// RawTransaction is a signed, serialized transaction.
type RawTransaction struct {
	Tx    *wire.MsgTx
	Bytes []byte
	TxID  string
	Fee   int64
	// FallbackInputs counts inputs signed on the manual path.
	FallbackInputs int
}

// Hex returns the serialized transaction as hex.
func (r *RawTransaction) Hex() string {
	return hex.EncodeToString(r.Bytes)
}

func serialize(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
