package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/forkwallet/pkg/crypto"
)

// SignatureHash returns the legacy digest of input idx committed to by
// hashType. The full hash type, fork-id bit included, is serialized into
// the trailing four bytes of the preimage.
func SignatureHash(tx *wire.MsgTx, idx int, pkScript []byte, hashType txscript.SigHashType) ([]byte, error) {
	return txscript.CalcSignatureHash(pkScript, hashType, tx, idx)
}

// signPrimary builds the unlocking script with the standard script helper,
// which accepts any hash type and appends it after the DER signature.
func signPrimary(tx *wire.MsgTx, idx int, pkScript []byte, hashType txscript.SigHashType, key *btcec.PrivateKey) ([]byte, error) {
	return txscript.SignatureScript(tx, idx, pkScript, hashType, key, true)
}

// signFallback computes the digest, signs it, encodes the signature as DER
// by hand and pushes <sig||hashType> <pubkey>.
func signFallback(tx *wire.MsgTx, idx int, pkScript []byte, hashType txscript.SigHashType, key *btcec.PrivateKey) ([]byte, error) {
	digest, err := SignatureHash(tx, idx, pkScript, hashType)
	if err != nil {
		return nil, fmt.Errorf("signature hash: %w", err)
	}
	r, s, err := crypto.WrapKey(key).SignRS(digest)
	if err != nil {
		return nil, err
	}
	sig := append(ToDER(r, s), byte(hashType))
	return UnlockingScript(sig, key.PubKey().SerializeCompressed())
}

// UnlockingScript returns the pay-to-pubkey-hash unlocking script
// <sig> <pubkey>.
func UnlockingScript(sig, pubKey []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().AddData(sig).AddData(pubKey).Script()
}
