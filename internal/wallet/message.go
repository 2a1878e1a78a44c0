package wallet

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/forkwallet/pkg/crypto"
)

// ErrBadMessageSignature is returned when a message signature does not
// match the claimed address.
var ErrBadMessageSignature = errors.New("message signature does not match address")

// MessageHash returns the digest signed for message: the double SHA-256 of
// the length-prefixed magic followed by the length-prefixed message.
func MessageHash(magic, message string) (crypto.Hash, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, magic); err != nil {
		return crypto.Hash{}, err
	}
	if err := wire.WriteVarString(&buf, 0, message); err != nil {
		return crypto.Hash{}, err
	}
	return crypto.DoubleSHA256(buf.Bytes()), nil
}

// SignMessage signs message with key and returns the base64 recoverable
// signature.
func SignMessage(key *btcec.PrivateKey, magic, message string) (string, error) {
	hash, err := MessageHash(magic, message)
	if err != nil {
		return "", err
	}
	sig, err := crypto.WrapKey(key).SignCompact(hash[:])
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyMessage checks that signature was produced for message by the key
// behind the pay-to-pubkey-hash address.
func VerifyMessage(address, signature, message, magic string, params *chaincfg.Params) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	hash, err := MessageHash(magic, message)
	if err != nil {
		return err
	}
	pub, err := crypto.RecoverCompact(sig, hash[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessageSignature, err)
	}
	recovered, err := btcutil.NewAddressPubKeyHash(crypto.Hash160(pub), params)
	if err != nil {
		return err
	}
	if recovered.EncodeAddress() != address {
		return fmt.Errorf("%w: recovered %s", ErrBadMessageSignature, recovered.EncodeAddress())
	}
	return nil
}
