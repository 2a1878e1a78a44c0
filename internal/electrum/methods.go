package electrum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Balance is an address balance in base units.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// Total returns confirmed plus unconfirmed.
func (b Balance) Total() int64 {
	return b.Confirmed + b.Unconfirmed
}

// UnspentEntry is one listunspent row. Height is 0 for mempool outputs.
type UnspentEntry struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  uint64 `json:"value"`
}

// HistoryEntry is one get_history row. Height is 0 (or -1 with unconfirmed
// parents) for mempool transactions.
type HistoryEntry struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    uint64 `json:"fee,omitempty"`
}

// VerboseTx is the verbose form of blockchain.transaction.get.
type VerboseTx struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	BlockHash     string `json:"blockhash,omitempty"`
	Confirmations int64  `json:"confirmations"`
	Time          int64  `json:"time,omitempty"`
	BlockTime     int64  `json:"blocktime,omitempty"`
}

// GetBalance returns the confirmed and unconfirmed balance of a scripthash.
func (c *Client) GetBalance(ctx context.Context, scripthash string) (Balance, error) {
	var b Balance
	if err := c.call(ctx, &b, "blockchain.scripthash.get_balance", scripthash); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// ListUnspent returns the unspent outputs of a scripthash.
func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]UnspentEntry, error) {
	var out []UnspentEntry
	if err := c.call(ctx, &out, "blockchain.scripthash.listunspent", scripthash); err != nil {
		return nil, err
	}
	return out, nil
}

// GetHistory returns confirmed and mempool history of a scripthash.
func (c *Client) GetHistory(ctx context.Context, scripthash string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	if err := c.call(ctx, &out, "blockchain.scripthash.get_history", scripthash); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransaction returns the raw transaction hex.
func (c *Client) GetTransaction(ctx context.Context, txid string) (string, error) {
	var hex string
	if err := c.call(ctx, &hex, "blockchain.transaction.get", txid, false); err != nil {
		return "", err
	}
	return hex, nil
}

// GetTransactionVerbose returns the decoded transaction with block data.
func (c *Client) GetTransactionVerbose(ctx context.Context, txid string) (*VerboseTx, error) {
	var tx VerboseTx
	if err := c.call(ctx, &tx, "blockchain.transaction.get", txid, true); err != nil {
		return nil, err
	}
	if tx.Hex == "" {
		return nil, &MalformedResponseError{Method: "blockchain.transaction.get", Reason: "verbose result has no hex"}
	}
	return &tx, nil
}

// Broadcast submits a raw transaction and returns its txid. Any result
// other than a string is a failure, even without an error object.
func (c *Client) Broadcast(ctx context.Context, rawHex string) (string, error) {
	raw, err := c.Request(ctx, "blockchain.transaction.broadcast", rawHex)
	if err != nil {
		return "", err
	}
	if isNull(raw) {
		return "", &MalformedResponseError{Method: "blockchain.transaction.broadcast", Reason: "null result", Err: ErrBroadcastRejected}
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil || txid == "" {
		return "", fmt.Errorf("%w: unexpected result %s", ErrBroadcastRejected, truncate(string(raw), 200))
	}
	// Some servers report rejection reasons as a plain string result.
	if b, err := hex.DecodeString(txid); err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: %s", ErrBroadcastRejected, txid)
	}
	return txid, nil
}

// ServerVersion negotiates the protocol version.
func (c *Client) ServerVersion(ctx context.Context) ([]string, error) {
	var v []string
	if err := c.call(ctx, &v, "server.version", c.opts.ClientName, c.opts.ProtocolVersion); err != nil {
		return nil, err
	}
	return v, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, nil, "server.ping")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
