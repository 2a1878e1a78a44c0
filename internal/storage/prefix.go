package storage

import "bytes"

// Record families of the wallet database. One badger directory holds all
// of them, each under its own key prefix.
var (
	NamespaceKeystore = []byte("k/")
	NamespaceWallets  = []byte("w/")
	NamespaceMeta     = []byte("m/")
	NamespaceTxs      = []byte("t/")
	NamespaceBalances = []byte("b/")
)

// PrefixDB is a view of inner restricted to keys under prefix. Callers
// see logical keys with the prefix stripped.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB returns a view of inner under prefix. Views nest.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: bytes.Clone(prefix)}
}

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	return append(append(out, p.prefix...), k...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach visits the keys under prefix within the view.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// Clear deletes every key in the view and returns how many were removed.
// Deletes go through one batch when the inner database supports it.
func (p *PrefixDB) Clear() (int, error) {
	var keys [][]byte
	err := p.ForEach(nil, func(key, _ []byte) error {
		keys = append(keys, bytes.Clone(key))
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	b := p.NewBatch()
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close does nothing; the inner database owns the lifecycle.
func (p *PrefixDB) Close() error { return nil }

// NewBatch returns a batch scoped to the view. It is atomic only when the
// inner database is a Batcher.
func (p *PrefixDB) NewBatch() Batch {
	if b, ok := p.inner.(Batcher); ok {
		return &prefixBatch{view: p, inner: b.NewBatch()}
	}
	return &sequentialBatch{db: p}
}

type prefixBatch struct {
	view  *PrefixDB
	inner Batch
}

func (b *prefixBatch) Put(key, value []byte) error { return b.inner.Put(b.view.key(key), value) }

func (b *prefixBatch) Delete(key []byte) error { return b.inner.Delete(b.view.key(key)) }

func (b *prefixBatch) Commit() error { return b.inner.Commit() }

type batchOp struct {
	key, value []byte
	del        bool
}

// sequentialBatch buffers writes and applies them one by one on Commit.
type sequentialBatch struct {
	db  DB
	ops []batchOp
}

func (b *sequentialBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, batchOp{key: bytes.Clone(key), value: bytes.Clone(value)})
	return nil
}

func (b *sequentialBatch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: bytes.Clone(key), del: true})
	return nil
}

func (b *sequentialBatch) Commit() error {
	for _, op := range b.ops {
		var err error
		if op.del {
			err = b.db.Delete(op.key)
		} else {
			err = b.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
