package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// ErrLocked is returned by NewBadger when another process holds the
// database directory.
var ErrLocked = errors.New("database is locked by another process")

// BadgerDB is the on-disk wallet database.
type BadgerDB struct {
	db *badger.DB
}

// BadgerOption adjusts how NewBadger opens the database.
type BadgerOption func(*badger.Options)

// WithBadgerLogger routes badger's own messages to logger. Badger's
// info chatter is logged at debug level.
func WithBadgerLogger(logger zerolog.Logger) BadgerOption {
	return func(o *badger.Options) { o.Logger = badgerLogger{logger} }
}

// WithInMemory keeps everything in RAM. The path is ignored.
func WithInMemory() BadgerOption {
	return func(o *badger.Options) {
		o.InMemory = true
		o.Dir, o.ValueDir = "", ""
	}
}

// NewBadger opens or creates the database in dir. Wallet records are
// small, so the memtable and value log are sized well below badger's
// server defaults.
func NewBadger(dir string, opts ...BadgerOption) (*BadgerDB, error) {
	o := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumVersionsToKeep(1)
	for _, opt := range opts {
		opt(&o)
	}
	db, err := badger.Open(o)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Cannot acquire directory lock") ||
			strings.Contains(msg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("%w: %s (is another forkwallet running?)", ErrLocked, dir)
		}
		return nil, fmt.Errorf("open database %s: %w", dir, err)
	}
	return &BadgerDB{db: db}, nil
}

func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, wrap("get", err)
}

func (b *BadgerDB) Put(key, value []byte) error {
	return wrap("put", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}))
}

func (b *BadgerDB) Delete(key []byte) error {
	return wrap("delete", b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

func (b *BadgerDB) Has(key []byte) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, wrap("has", err)
}

// ForEach visits keys under prefix in lexical order inside one read
// transaction. Keys and values are copies.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return wrap("iterate", err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewBatch returns a write batch flushed atomically on Commit.
func (b *BadgerDB) NewBatch() Batch {
	return &badgerBatch{wb: b.db.NewWriteBatch()}
}

// Compact runs one value-log garbage collection pass. Nothing to collect
// is not an error.
func (b *BadgerDB) Compact() error {
	if b.db.Opts().InMemory {
		return nil
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return wrap("compact", err)
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}

// wrap maps badger's not-found onto ErrNotFound and tags other errors
// with the operation.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("badger %s: %w", op, err)
	}
}

type badgerBatch struct {
	wb *badger.WriteBatch
}

// WriteBatch keeps references until Flush, so keys and values are copied.
func (bb *badgerBatch) Put(key, value []byte) error {
	return bb.wb.Set(clone(key), clone(value))
}

func (bb *badgerBatch) Delete(key []byte) error {
	return bb.wb.Delete(clone(key))
}

func (bb *badgerBatch) Commit() error {
	return wrap("batch", bb.wb.Flush())
}

func clone(b []byte) []byte { return append([]byte{}, b...) }

// badgerLogger adapts zerolog to badger.Logger.
type badgerLogger struct{ l zerolog.Logger }

func (g badgerLogger) Errorf(f string, args ...interface{}) { g.emit(g.l.Error(), f, args) }

func (g badgerLogger) Warningf(f string, args ...interface{}) { g.emit(g.l.Warn(), f, args) }

func (g badgerLogger) Infof(f string, args ...interface{}) { g.emit(g.l.Debug(), f, args) }

func (g badgerLogger) Debugf(f string, args ...interface{}) { g.emit(g.l.Trace(), f, args) }

func (g badgerLogger) emit(e *zerolog.Event, f string, args []interface{}) {
	e.Str("db", "badger").Msg(strings.TrimSpace(fmt.Sprintf(f, args...)))
}
