package electrum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptHash returns the subscription key of a locking script: SHA-256 of
// the script, byte-reversed, hex-encoded.
func ScriptHash(pkScript []byte) string {
	sum := sha256.Sum256(pkScript)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

// AddressScriptHash decodes addr for params and returns its scripthash.
func AddressScriptHash(addr string, params *chaincfg.Params) (string, error) {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return "", fmt.Errorf("decode address %q: %w", addr, err)
	}
	if !a.IsForNet(params) {
		return "", fmt.Errorf("address %q is not for network %s", addr, params.Name)
	}
	script, err := txscript.PayToAddrScript(a)
	if err != nil {
		return "", fmt.Errorf("script for %q: %w", addr, err)
	}
	return ScriptHash(script), nil
}
