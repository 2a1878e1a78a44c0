package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
)

// ErrKeyNotFound is returned when no derivation path below the search
// ceiling produces an address.
var ErrKeyNotFound = errors.New("no derivation path for address")

// DefaultSearchCeiling bounds the per-branch index search.
const DefaultSearchCeiling = 1000

// Path is a (change, index) pair below the account node.
type Path struct {
	Change uint32 `json:"change"`
	Index  uint32 `json:"index"`
}

func (p Path) String() string {
	return fmt.Sprintf("%d/%d", p.Change, p.Index)
}

// KeyFinder maps addresses back to their HD keys by searching the external
// and change branches of one account.
type KeyFinder struct {
	master   *HDKey
	coinType uint32
	account  uint32
	params   *chaincfg.Params
	ceiling  uint32

	mu    sync.Mutex
	known map[string]Path
}

// NewKeyFinder creates a finder for account 0 of master. A ceiling of 0
// uses DefaultSearchCeiling.
func NewKeyFinder(master *HDKey, coinType uint32, params *chaincfg.Params, ceiling uint32) *KeyFinder {
	if ceiling == 0 {
		ceiling = DefaultSearchCeiling
	}
	return &KeyFinder{
		master:   master,
		coinType: coinType,
		params:   params,
		ceiling:  ceiling,
		known:    make(map[string]Path),
	}
}

// Derive returns the key and encoded address at path.
func (f *KeyFinder) Derive(p Path) (*HDKey, string, error) {
	key, err := f.master.DeriveAddress(f.coinType, f.account, p.Change, p.Index)
	if err != nil {
		return nil, "", err
	}
	addr, err := key.Address(f.params)
	if err != nil {
		return nil, "", err
	}
	encoded := addr.EncodeAddress()
	f.mu.Lock()
	f.known[encoded] = p
	f.mu.Unlock()
	return key, encoded, nil
}

// Find returns the derivation path of address, searching index by index
// with the external and change branches interleaved.
func (f *KeyFinder) Find(address string) (Path, error) {
	f.mu.Lock()
	p, ok := f.known[address]
	f.mu.Unlock()
	if ok {
		return p, nil
	}

	for index := uint32(0); index < f.ceiling; index++ {
		for _, change := range []uint32{ChangeExternal, ChangeInternal} {
			p := Path{Change: change, Index: index}
			_, encoded, err := f.Derive(p)
			if err != nil {
				return Path{}, err
			}
			if encoded == address {
				return p, nil
			}
		}
	}
	return Path{}, fmt.Errorf("%w: %s (searched %d indexes per branch)", ErrKeyNotFound, address, f.ceiling)
}

// KeyFor returns the private key controlling address.
func (f *KeyFinder) KeyFor(address string) (*btcec.PrivateKey, error) {
	p, err := f.Find(address)
	if err != nil {
		return nil, err
	}
	key, _, err := f.Derive(p)
	if err != nil {
		return nil, err
	}
	return key.PrivateKey()
}

// Owns reports whether address was derived by this finder. It only
// consults addresses already seen and never searches.
func (f *KeyFinder) Owns(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.known[address]
	return ok
}
