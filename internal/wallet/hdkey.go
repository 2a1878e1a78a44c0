package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip32"
)

// BIP-44 branches below an account node: m/44'/coin'/account'/change/index.
const (
	ChangeExternal uint32 = 0 // receive addresses
	ChangeInternal uint32 = 1 // change addresses
)

const bip44Purpose = 44

// ErrPublicOnly is returned when a private key is requested from a
// neutered node.
var ErrPublicOnly = errors.New("key has no private part")

// HDKey is a BIP-32 node.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates the root node of a BIP-39 seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

func (k *HDKey) child(index uint32) (*HDKey, error) {
	c, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: c}, nil
}

func hardened(i uint32) uint32 { return bip32.FirstHardenedChild + i }

// Account derives the hardened account node m/44'/coinType'/account'.
func (k *HDKey) Account(coinType, account uint32) (*HDKey, error) {
	node := k
	for _, idx := range []uint32{hardened(bip44Purpose), hardened(coinType), hardened(account)} {
		var err error
		if node, err = node.child(idx); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// Leaf derives change/index below an account node. Both steps are
// unhardened, so a neutered account node derives the same public keys.
func (k *HDKey) Leaf(change, index uint32) (*HDKey, error) {
	if change != ChangeExternal && change != ChangeInternal {
		return nil, fmt.Errorf("change branch %d is not 0 or 1", change)
	}
	branch, err := k.child(change)
	if err != nil {
		return nil, err
	}
	return branch.child(index)
}

// DeriveAddress derives m/44'/coinType'/account'/change/index from the
// master node.
func (k *HDKey) DeriveAddress(coinType, account, change, index uint32) (*HDKey, error) {
	acct, err := k.Account(coinType, account)
	if err != nil {
		return nil, err
	}
	return acct.Leaf(change, index)
}

// PrivateKey returns the node's secp256k1 key.
func (k *HDKey) PrivateKey() (*btcec.PrivateKey, error) {
	if !k.key.IsPrivate {
		return nil, ErrPublicOnly
	}
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// PublicKeyBytes returns the compressed public key.
func (k *HDKey) PublicKeyBytes() []byte {
	if !k.key.IsPrivate {
		return k.key.Key
	}
	return k.key.PublicKey().Key
}

// Address returns the P2PKH address of the node's public key.
func (k *HDKey) Address(params *chaincfg.Params) (*btcutil.AddressPubKeyHash, error) {
	return btcutil.NewAddressPubKeyHash(btcutil.Hash160(k.PublicKeyBytes()), params)
}

// Neuter returns a public-only copy of the node.
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey()}
}

// String returns the BIP-32 extended key encoding (xprv or xpub).
func (k *HDKey) String() string {
	return k.key.B58Serialize()
}
