package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/forkwallet/config"
	"github.com/Klingon-tech/forkwallet/internal/log"
)

// KeySource finds the private key controlling an address.
type KeySource interface {
	KeyFor(address string) (*btcec.PrivateKey, error)
}

// SignMode selects the signing path.
type SignMode int

const (
	// SignAuto uses the script helper and falls back to manual encoding
	// when it fails.
	SignAuto SignMode = iota
	// SignFallbackOnly always uses manual DER encoding.
	SignFallbackOnly
)

type signFunc func(tx *wire.MsgTx, idx int, pkScript []byte, hashType txscript.SigHashType, key *btcec.PrivateKey) ([]byte, error)

// Signer builds and signs transactions for one network.
type Signer struct {
	net     *config.Network
	keys    KeySource
	mode    SignMode
	log     zerolog.Logger
	primary signFunc
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithMode sets the signing path.
func WithMode(m SignMode) SignerOption {
	return func(s *Signer) { s.mode = m }
}

// WithLogger sets the signer logger.
func WithLogger(l zerolog.Logger) SignerOption {
	return func(s *Signer) { s.log = l }
}

// NewSigner creates a signer drawing keys from keys.
func NewSigner(net *config.Network, keys KeySource, opts ...SignerOption) *Signer {
	s := &Signer{
		net:     net,
		keys:    keys,
		log:     log.Signer,
		primary: signPrimary,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildAndSign builds a transaction paying outputs from inputs, adds change
// when it is above dust, signs every input and verifies the result. Any
// failure aborts the whole transaction.
func (s *Signer) BuildAndSign(inputs []Input, outputs []Output, changeAddress string, change int64) (*RawTransaction, error) {
	b := NewBuilder(s.net)
	for _, in := range inputs {
		b.AddInput(in)
	}
	for _, out := range outputs {
		b.AddOutput(out)
	}
	if change > 0 {
		if changeAddress == "" {
			return nil, fmt.Errorf("%w: change of %d without a change address", ErrInvalidAddress, change)
		}
		b.AddChange(changeAddress, change)
	}
	tx, ordered, err := b.Build()
	if err != nil {
		return nil, err
	}

	fallbacks, err := s.Sign(tx, ordered)
	if err != nil {
		return nil, err
	}
	if err := Validate(tx); err != nil {
		return nil, err
	}
	if err := Verify(tx, ordered); err != nil {
		return nil, err
	}

	raw, err := serialize(tx)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	var in, out int64
	for _, i := range ordered {
		in += i.Value
	}
	for _, o := range tx.TxOut {
		out += o.Value
	}
	return &RawTransaction{
		Tx:             tx,
		Bytes:          raw,
		TxID:           tx.TxHash().String(),
		Fee:            in - out,
		FallbackInputs: fallbacks,
	}, nil
}

// Sign fills the unlocking script of every input. inputs must be in
// transaction order. It returns how many inputs used the fallback path.
func (s *Signer) Sign(tx *wire.MsgTx, inputs []Input) (int, error) {
	if len(inputs) != len(tx.TxIn) {
		return 0, fmt.Errorf("%w: %d inputs for %d tx inputs", ErrMalformedPrevOut, len(inputs), len(tx.TxIn))
	}

	// One key lookup per address; the search behind KeyFor can be slow.
	keys := make(map[string]*btcec.PrivateKey)
	fallbacks := 0
	for i, in := range inputs {
		key, ok := keys[in.Address]
		if !ok {
			var err error
			key, err = s.keys.KeyFor(in.Address)
			if err != nil {
				return 0, fmt.Errorf("%w: input %d address %s: %w", ErrNoDerivationPath, i, in.Address, err)
			}
			keys[in.Address] = key
		}

		script, usedFallback, err := s.signInput(tx, i, in.PkScript, key)
		if err != nil {
			return 0, fmt.Errorf("sign input %d: %w", i, err)
		}
		if usedFallback {
			fallbacks++
		}
		tx.TxIn[i].SignatureScript = script
	}
	return fallbacks, nil
}

func (s *Signer) signInput(tx *wire.MsgTx, idx int, pkScript []byte, key *btcec.PrivateKey) ([]byte, bool, error) {
	if s.mode != SignFallbackOnly {
		script, err := s.primary(tx, idx, pkScript, s.net.HashType, key)
		if err == nil && len(script) > 0 {
			return script, false, nil
		}
		s.log.Warn().Err(err).Int("input", idx).Msg("Script helper signing failed, using manual DER path")
	}
	script, err := signFallback(tx, idx, pkScript, s.net.HashType, key)
	if err != nil {
		return nil, true, err
	}
	return script, true, nil
}
