package history

import (
	"encoding/binary"
	"time"

	"github.com/Klingon-tech/forkwallet/internal/store"
	"github.com/Klingon-tech/forkwallet/pkg/crypto"
)

// Counterparty sentinels for receives whose sender cannot be named.
const (
	CounterpartyCoinbase = "coinbase"
	CounterpartyUnknown  = "unknown"
)

// Ownership reports whether an address belongs to any local wallet.
type Ownership func(address string) bool

// Classified is a transaction as seen by one address.
type Classified struct {
	TxID          string
	Type          store.TxType
	Amount        int64
	Fee           int64
	Counterparty  string
	Confirmations int64
	Height        int64
	Timestamp     time.Time
	// Internal is set when the other side is another local address.
	Internal bool
}

// Fingerprint hashes the fields that make a record materially different.
// Confirmations are compared separately.
func (c Classified) Fingerprint() crypto.Hash {
	var amount, fee, height [8]byte
	binary.BigEndian.PutUint64(amount[:], uint64(c.Amount))
	binary.BigEndian.PutUint64(fee[:], uint64(c.Fee))
	binary.BigEndian.PutUint64(height[:], uint64(c.Height))
	return crypto.FingerprintParts(
		[]byte(c.Type), amount[:], fee[:], []byte(c.Counterparty), height[:],
	)
}

// Record converts c into a storable record for address.
func (c Classified) Record(address string) store.TxRecord {
	return store.TxRecord{
		Address:       address,
		TxID:          c.TxID,
		Type:          c.Type,
		Amount:        c.Amount,
		Fee:           c.Fee,
		Counterparty:  c.Counterparty,
		Confirmations: c.Confirmations,
		Height:        c.Height,
		Timestamp:     c.Timestamp,
		Fingerprint:   c.Fingerprint().String(),
	}
}

// Classify decides what tx means for ref. It returns false when tx neither
// spends from nor pays to ref.
//
// A transaction spending from ref is a send when any output goes elsewhere,
// other local addresses included; the amount is everything paid elsewhere
// and the counterparty is the largest such output, the lowest index winning
// ties. When everything comes back to ref it is a self-transfer, stored as a
// receive from ref itself. A transaction paying ref without spending from
// it is a receive from its first resolvable input.
//
// Confirmations are left zero; see Confirmations.
func Classify(tx *Resolved, ref string, owned Ownership) (Classified, bool) {
	if owned == nil {
		owned = func(string) bool { return false }
	}

	fromRef := false
	for _, in := range tx.Inputs {
		if in.Resolved && in.Address == ref {
			fromRef = true
			break
		}
	}

	var toRef, elsewhere int64
	largest := -1
	internal := true
	for i, out := range tx.Outputs {
		if out.Value <= 0 {
			continue
		}
		if out.Address != "" && out.Address == ref {
			toRef += out.Value
			continue
		}
		elsewhere += out.Value
		if out.Address == "" || !owned(out.Address) {
			internal = false
		}
		if largest < 0 || out.Value > tx.Outputs[largest].Value {
			largest = i
		}
	}

	c := Classified{
		TxID:      tx.TxID,
		Height:    tx.Height,
		Timestamp: tx.Timestamp,
	}
	switch {
	case fromRef && elsewhere > 0:
		c.Type = store.TxSend
		c.Amount = elsewhere
		c.Counterparty = tx.Outputs[largest].Address
		if c.Counterparty == "" {
			c.Counterparty = CounterpartyUnknown
		}
		c.Internal = internal
		c.Fee, _ = tx.Fee()

	case fromRef && toRef > 0:
		c.Type = store.TxReceive
		c.Amount = toRef
		c.Counterparty = ref
		c.Internal = true
		c.Fee, _ = tx.Fee()

	case !fromRef && toRef > 0:
		c.Type = store.TxReceive
		c.Amount = toRef
		c.Counterparty = sender(tx)
		c.Internal = c.Counterparty != CounterpartyUnknown &&
			c.Counterparty != CounterpartyCoinbase && owned(c.Counterparty)

	default:
		return Classified{}, false
	}
	return c, true
}

func sender(tx *Resolved) string {
	if tx.IsCoinbase() {
		return CounterpartyCoinbase
	}
	for _, in := range tx.Inputs {
		if in.Resolved && in.Address != "" {
			return in.Address
		}
	}
	return CounterpartyUnknown
}

// Confirmations returns the confirmation count of a transaction mined at
// height. Unconfirmed transactions (height <= 0) have none. When the tip is
// unknown a mined transaction counts as one confirmation.
func Confirmations(height, tip int64, tipKnown bool) int64 {
	if height <= 0 {
		return 0
	}
	if !tipKnown {
		return 1
	}
	return max(0, tip-height+1)
}
