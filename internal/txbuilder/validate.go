package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Build and signing errors. All of them abort the send.
var (
	ErrNoInputs             = errors.New("transaction has no inputs")
	ErrNoOutputs            = errors.New("transaction has no outputs")
	ErrDustOutput           = errors.New("output value at or below dust threshold")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrValueMismatch        = errors.New("output value exceeds input value")
	ErrMalformedPrevOut     = errors.New("malformed previous output")
	ErrNoDerivationPath     = errors.New("no derivation path for input address")
	ErrEmptyUnlockingScript = errors.New("input has empty unlocking script")
	ErrDuplicateInput       = errors.New("duplicate input")
	ErrScriptFailed         = errors.New("script verification failed")
)

// verifyFlags are the script rules signed transactions must pass. Strict
// encoding is left out because it rejects hash types carrying the fork-id
// bit.
const verifyFlags = txscript.ScriptBip16 |
	txscript.ScriptVerifyDERSignatures |
	txscript.ScriptVerifyLowS |
	txscript.ScriptVerifyCleanStack |
	txscript.ScriptVerifySigPushOnly

// Validate checks transaction structure: inputs and outputs present, no
// duplicate inputs, and a non-empty unlocking script on every input.
func Validate(tx *wire.MsgTx) error {
	if len(tx.TxIn) == 0 {
		return ErrNoInputs
	}
	if len(tx.TxOut) == 0 {
		return ErrNoOutputs
	}
	seen := make(map[wire.OutPoint]bool, len(tx.TxIn))
	for i, in := range tx.TxIn {
		if seen[in.PreviousOutPoint] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PreviousOutPoint] = true
		if len(in.SignatureScript) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrEmptyUnlockingScript)
		}
	}
	return nil
}

// Verify runs the script engine over every input of a signed transaction.
// inputs must be in transaction order.
func Verify(tx *wire.MsgTx, inputs []Input) error {
	if len(inputs) != len(tx.TxIn) {
		return fmt.Errorf("%w: %d inputs for %d tx inputs", ErrMalformedPrevOut, len(inputs), len(tx.TxIn))
	}
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for _, in := range inputs {
		prevOuts[in.Outpoint] = wire.NewTxOut(in.Value, in.PkScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range inputs {
		vm, err := txscript.NewEngine(in.PkScript, tx, i, verifyFlags, nil, hashes, in.Value, fetcher)
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrScriptFailed, i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrScriptFailed, i, err)
		}
	}
	return nil
}
