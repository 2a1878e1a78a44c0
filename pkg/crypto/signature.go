package crypto

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// CompactSignatureSize is the length of a recoverable signature: a
// header byte followed by R and S.
const CompactSignatureSize = 65

var ErrHashLength = errors.New("hash must be 32 bytes")

// PrivateKey is a secp256k1 signing key. Nonces follow RFC 6979 and S is
// always low, so signing the same digest twice gives the same bytes.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PrivateKeyFromBytes parses a 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// WrapKey shares key without copying. btcec keys are secp256k1 keys.
func WrapKey(key *secp256k1.PrivateKey) *PrivateKey {
	return &PrivateKey{key: key}
}

func checkDigest(hash []byte) error {
	if len(hash) != 32 {
		return fmt.Errorf("%w, got %d", ErrHashLength, len(hash))
	}
	return nil
}

// Sign returns a DER signature of hash.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if err := checkDigest(hash); err != nil {
		return nil, err
	}
	return ecdsa.Sign(pk.key, hash).Serialize(), nil
}

// SignCompact returns a recoverable signature whose header declares a
// compressed public key.
func (pk *PrivateKey) SignCompact(hash []byte) ([]byte, error) {
	if err := checkDigest(hash); err != nil {
		return nil, err
	}
	return ecdsa.SignCompact(pk.key, hash, true), nil
}

// SignRS returns the raw big-endian R and S of the signature Sign would
// produce.
func (pk *PrivateKey) SignRS(hash []byte) (r, s [32]byte, err error) {
	sig, err := pk.SignCompact(hash)
	if err != nil {
		return r, s, err
	}
	copy(r[:], sig[1:33])
	copy(s[:], sig[33:])
	return r, s, nil
}

// PublicKey returns the 33-byte compressed public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Zero wipes the scalar. The key is unusable afterwards.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// VerifySignature reports whether a DER signature over hash is valid for
// publicKey, in either point encoding.
func VerifySignature(hash, signature, publicKey []byte) bool {
	if len(hash) != 32 {
		return false
	}
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	return err == nil && sig.Verify(hash, pub)
}

// RecoverCompact returns the public key behind a recoverable signature,
// serialized in the compression its header declares.
func RecoverCompact(signature, hash []byte) ([]byte, error) {
	if len(signature) != CompactSignatureSize {
		return nil, fmt.Errorf("compact signature must be %d bytes, got %d", CompactSignatureSize, len(signature))
	}
	pub, compressed, err := ecdsa.RecoverCompact(signature, hash)
	if err != nil {
		return nil, fmt.Errorf("recover public key: %w", err)
	}
	if compressed {
		return pub.SerializeCompressed(), nil
	}
	return pub.SerializeUncompressed(), nil
}
