package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/forkwallet/internal/storage"
)

// TxType is the direction of a classified transaction.
type TxType string

const (
	TxSend    TxType = "send"
	TxReceive TxType = "receive"
)

// Valid reports whether t is a known direction.
func (t TxType) Valid() bool {
	return t == TxSend || t == TxReceive
}

// TxRecord is a classified transaction as seen from one address. Records
// are unique per (Address, TxID, Type).
type TxRecord struct {
	ID            uuid.UUID `json:"id"`
	Address       string    `json:"address"`
	TxID          string    `json:"txid"`
	Type          TxType    `json:"type"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee,omitempty"`
	Counterparty  string    `json:"counterparty"`
	Confirmations int64     `json:"confirmations"`
	Height        int64     `json:"height,omitempty"` // 0 while unconfirmed
	Timestamp     time.Time `json:"timestamp"`
	// Fingerprint digests the fields that make a record "changed" for
	// reprocessing purposes.
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func txPrefix(address string) []byte {
	return []byte(address + "/")
}

func txKey(address, txid string, typ TxType) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", address, txid, typ))
}

// Tx loads a single record. The bool is false when it does not exist.
func (s *Store) Tx(address, txid string, typ TxType) (TxRecord, bool, error) {
	data, err := s.txs.Get(txKey(address, txid, typ))
	if errors.Is(err, storage.ErrNotFound) {
		return TxRecord{}, false, nil
	}
	if err != nil {
		return TxRecord{}, false, err
	}
	var rec TxRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TxRecord{}, false, fmt.Errorf("corrupt tx record %s/%s: %w", txid, typ, err)
	}
	return rec, true, nil
}

// PutTx inserts or overwrites a record. An existing record keeps its ID and
// creation time so callers holding the ID keep a valid reference.
func (s *Store) PutTx(rec TxRecord) (TxRecord, error) {
	if rec.Address == "" || rec.TxID == "" || !rec.Type.Valid() {
		return TxRecord{}, fmt.Errorf("%w: address=%q txid=%q type=%q",
			ErrInvalidRecord, rec.Address, rec.TxID, rec.Type)
	}
	old, exists, err := s.Tx(rec.Address, rec.TxID, rec.Type)
	if err != nil {
		return TxRecord{}, err
	}
	now := s.now().UTC()
	if exists {
		rec.ID = old.ID
		rec.CreatedAt = old.CreatedAt
	} else {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := s.putJSON(s.txs, txKey(rec.Address, rec.TxID, rec.Type), rec); err != nil {
		return TxRecord{}, err
	}
	return rec, nil
}

// DeleteTx removes a single record.
func (s *Store) DeleteTx(address, txid string, typ TxType) error {
	return s.write(func() error { return s.txs.Delete(txKey(address, txid, typ)) })
}

// DeleteTxs removes records in one batch and returns how many were deleted.
func (s *Store) DeleteTxs(recs []TxRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	err := s.write(func() error {
		b := s.txs.NewBatch()
		for _, r := range recs {
			if err := b.Delete(txKey(r.Address, r.TxID, r.Type)); err != nil {
				return err
			}
		}
		return b.Commit()
	})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Txs returns every record for address, newest first.
func (s *Store) Txs(address string) ([]TxRecord, error) {
	var out []TxRecord
	err := s.txs.ForEach(txPrefix(address), func(key, value []byte) error {
		var rec TxRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			s.log.Warn().Str("key", string(key)).Err(err).Msg("Skipping corrupt tx record")
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

// Query returns one page of records for address, newest first, together
// with the total record count.
func (s *Store) Query(address string, limit, offset int) ([]TxRecord, int, error) {
	all, err := s.Txs(address)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []TxRecord{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// ClearAddress removes every record for address and returns the count.
func (s *Store) ClearAddress(address string) (int, error) {
	var n int
	err := s.write(func() error {
		var err error
		n, err = storage.NewPrefixDB(s.txs, txPrefix(address)).Clear()
		return err
	})
	return n, err
}

// sortNewestFirst orders unconfirmed records first, then by descending
// height, then by descending timestamp. TxID and type break remaining ties
// so the order is stable across calls.
func sortNewestFirst(recs []TxRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if (a.Height == 0) != (b.Height == 0) {
			return a.Height == 0
		}
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.TxID != b.TxID {
			return a.TxID < b.TxID
		}
		return a.Type < b.Type
	})
}
