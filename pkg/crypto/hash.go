// Package crypto provides the hashing and signing primitives used by the
// wallet.
package crypto

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/zeebo/blake3"
)

// Hash is a 32-byte digest.
type Hash [32]byte

// String returns the hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Fingerprint computes a BLAKE3-256 hash of the input data. It identifies
// local records and is never sent to the network.
func Fingerprint(data []byte) Hash {
	return blake3.Sum256(data)
}

// FingerprintParts hashes a sequence of fields. Each field is length
// prefixed so that ("ab","c") and ("a","bc") differ.
func FingerprintParts(parts ...[]byte) Hash {
	h := blake3.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DoubleSHA256 computes SHA-256(SHA-256(data)), the digest signed by
// transactions and messages.
func DoubleSHA256(data []byte) Hash {
	return Hash(chainhash.DoubleHashH(data))
}

// Hash160 computes RIPEMD-160(SHA-256(data)), the public key hash of
// pay-to-pubkey-hash addresses.
func Hash160(data []byte) []byte {
	return btcutil.Hash160(data)
}
