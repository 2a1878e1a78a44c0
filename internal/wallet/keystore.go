package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/forkwallet/internal/storage"
)

var (
	// ErrKeystoreNotFound is returned for operations on an unknown wallet.
	ErrKeystoreNotFound = errors.New("keystore entry not found")
	// ErrKeystoreExists is returned by Create for a name already in use.
	ErrKeystoreExists = errors.New("keystore entry already exists")
)

const keystoreVersion = 2

// AddressEntry is one derived address of a wallet.
type AddressEntry struct {
	Path    Path   `json:"path"`
	Label   string `json:"label,omitempty"`
	Address string `json:"address"`
}

// keystoreRecord is what one wallet looks like on disk.
type keystoreRecord struct {
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Sealed    []byte         `json:"sealed_seed"`
	Addresses []AddressEntry `json:"addresses"`
	// Next unused index per branch, indexed by Path.Change.
	Next [2]uint32 `json:"next"`
}

// Keystore holds sealed seeds and the addresses derived from them.
type Keystore struct {
	db *storage.PrefixDB
	mu sync.Mutex // serializes read-modify-write of records
}

// NewKeystore opens the keystore namespace of db.
func NewKeystore(db storage.DB) *Keystore {
	return &Keystore{db: storage.NewPrefixDB(db, storage.NamespaceKeystore)}
}

// Create seals seed under password and records primary as the wallet's
// first external address (path 0/0).
func (ks *Keystore) Create(name string, seed, password []byte, params EncryptionParams, primary string) error {
	if name == "" {
		return errors.New("wallet name is empty")
	}
	if primary == "" {
		return errors.New("primary address is empty")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ok, err := ks.db.Has([]byte(name)); err != nil {
		return fmt.Errorf("check wallet: %w", err)
	} else if ok {
		return fmt.Errorf("%w: %q", ErrKeystoreExists, name)
	}
	sealed, err := SealSeed(seed, password, name, params)
	if err != nil {
		return fmt.Errorf("seal seed: %w", err)
	}
	return ks.write(name, &keystoreRecord{
		Version:   keystoreVersion,
		CreatedAt: time.Now().UTC(),
		Sealed:    sealed,
		Addresses: []AddressEntry{{Path: Path{ChangeExternal, 0}, Label: "primary", Address: primary}},
		Next:      [2]uint32{1, 0},
	})
}

// Unlock returns the seed of name. A wrong password yields
// ErrWrongPassword.
func (ks *Keystore) Unlock(name string, password []byte) ([]byte, error) {
	rec, err := ks.read(name)
	if err != nil {
		return nil, err
	}
	seed, err := OpenSeed(rec.Sealed, password, name)
	if err != nil {
		return nil, fmt.Errorf("unlock %q: %w", name, err)
	}
	return seed, nil
}

func (ks *Keystore) Exists(name string) (bool, error) {
	return ks.db.Has([]byte(name))
}

// Names lists the stored wallets in lexical order.
func (ks *Keystore) Names() ([]string, error) {
	var names []string
	if err := ks.db.ForEach(nil, func(key, _ []byte) error {
		names = append(names, string(key))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("list keystore: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Addresses returns the recorded addresses of name, primary first.
func (ks *Keystore) Addresses(name string) ([]AddressEntry, error) {
	rec, err := ks.read(name)
	if err != nil {
		return nil, err
	}
	return rec.Addresses, nil
}

// NextIndex returns the first unused index on a branch.
func (ks *Keystore) NextIndex(name string, change uint32) (uint32, error) {
	if change > ChangeInternal {
		return 0, fmt.Errorf("change branch %d is not 0 or 1", change)
	}
	rec, err := ks.read(name)
	if err != nil {
		return 0, err
	}
	return rec.Next[change], nil
}

// Allocate takes the next unused index on a branch, derives its address
// with derive and records it. Concurrent callers get distinct indexes.
func (ks *Keystore) Allocate(name string, change uint32, label string, derive func(Path) (string, error)) (AddressEntry, error) {
	if change > ChangeInternal {
		return AddressEntry{}, fmt.Errorf("change branch %d is not 0 or 1", change)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rec, err := ks.read(name)
	if err != nil {
		return AddressEntry{}, err
	}
	p := Path{Change: change, Index: rec.Next[change]}
	addr, err := derive(p)
	if err != nil {
		return AddressEntry{}, fmt.Errorf("derive %s: %w", p, err)
	}
	entry := AddressEntry{Path: p, Label: label, Address: addr}
	rec.Addresses = append(rec.Addresses, entry)
	rec.Next[change]++
	if err := ks.write(name, rec); err != nil {
		return AddressEntry{}, err
	}
	return entry, nil
}

func (ks *Keystore) Delete(name string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ok, err := ks.db.Has([]byte(name)); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %q", ErrKeystoreNotFound, name)
	}
	return ks.db.Delete([]byte(name))
}

func (ks *Keystore) write(name string, rec *keystoreRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wallet %q: %w", name, err)
	}
	if err := ks.db.Put([]byte(name), data); err != nil {
		return fmt.Errorf("write wallet %q: %w", name, err)
	}
	return nil
}

func (ks *Keystore) read(name string) (*keystoreRecord, error) {
	data, err := ks.db.Get([]byte(name))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: %q", ErrKeystoreNotFound, name)
	case err != nil:
		return nil, fmt.Errorf("read wallet %q: %w", name, err)
	}
	var rec keystoreRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode wallet %q: %w", name, err)
	}
	if rec.Version != keystoreVersion {
		return nil, fmt.Errorf("wallet %q: unsupported keystore version %d", name, rec.Version)
	}
	return &rec, nil
}
