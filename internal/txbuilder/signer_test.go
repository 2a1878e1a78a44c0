package txbuilder

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/forkwallet/config"
)

const recipient = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

var errUnknownAddress = errors.New("unknown address")

// staticKeys is a KeySource over a fixed set of keys.
type staticKeys map[string]*btcec.PrivateKey

func (k staticKeys) KeyFor(address string) (*btcec.PrivateKey, error) {
	key, ok := k[address]
	if !ok {
		return nil, errUnknownAddress
	}
	return key, nil
}

func testKey(t *testing.T, seed byte) (*btcec.PrivateKey, string) {
	t.Helper()
	secret := bytes.Repeat([]byte{seed}, 32)
	key, _ := btcec.PrivKeyFromBytes(secret)
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), config.MainnetParams.Chain)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	return key, addr.EncodeAddress()
}

func testInput(addr string, n byte, value int64) Input {
	return Input{
		Outpoint: wire.OutPoint{Hash: chainhash.Hash{n}, Index: uint32(n)},
		Value:    value,
		Address:  addr,
	}
}

func newTestSigner(keys KeySource, opts ...SignerOption) *Signer {
	opts = append([]SignerOption{WithLogger(zerolog.Nop())}, opts...)
	return NewSigner(config.MainnetParams, keys, opts...)
}

func TestBuildAndSign_SimpleSend(t *testing.T) {
	key, addr := testKey(t, 1)
	s := newTestSigner(staticKeys{addr: key})

	raw, err := s.BuildAndSign(
		[]Input{testInput(addr, 1, 50_000_000)},
		[]Output{{Address: recipient, Value: 10_000_000}},
		addr, 39_990_000,
	)
	if err != nil {
		t.Fatalf("BuildAndSign: %v", err)
	}
	if raw.Fee != 10_000 {
		t.Errorf("fee = %d, want 10000", raw.Fee)
	}
	if len(raw.Tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want payment + change", len(raw.Tx.TxOut))
	}
	if raw.Tx.TxOut[1].Value != 39_990_000 {
		t.Errorf("change = %d, want 39990000", raw.Tx.TxOut[1].Value)
	}
	if raw.FallbackInputs != 0 {
		t.Errorf("fallback inputs = %d, want 0", raw.FallbackInputs)
	}
	if raw.TxID != raw.Tx.TxHash().String() {
		t.Errorf("TxID = %s, want %s", raw.TxID, raw.Tx.TxHash())
	}

	var decoded wire.MsgTx
	if err := decoded.Deserialize(bytes.NewReader(raw.Bytes)); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if decoded.TxHash() != raw.Tx.TxHash() {
		t.Error("serialized bytes do not round trip")
	}
}

func TestBuildAndSign_SignatureCarriesForkID(t *testing.T) {
	key, addr := testKey(t, 2)
	s := newTestSigner(staticKeys{addr: key})

	raw, err := s.BuildAndSign([]Input{testInput(addr, 1, 100_000)},
		[]Output{{Address: recipient, Value: 90_000}}, "", 0)
	if err != nil {
		t.Fatalf("BuildAndSign: %v", err)
	}

	pushes, err := txscript.PushedData(raw.Tx.TxIn[0].SignatureScript)
	if err != nil {
		t.Fatalf("PushedData: %v", err)
	}
	if len(pushes) != 2 {
		t.Fatalf("unlocking script has %d pushes, want 2", len(pushes))
	}
	sig := pushes[0]
	if sig[len(sig)-1] != 0x41 {
		t.Errorf("hash type byte = %#x, want 0x41", sig[len(sig)-1])
	}
	if !bytes.Equal(pushes[1], key.PubKey().SerializeCompressed()) {
		t.Error("second push is not the compressed public key")
	}
}

func TestSign_PrimaryAndFallbackIdentical(t *testing.T) {
	k1, a1 := testKey(t, 3)
	k2, a2 := testKey(t, 4)
	keys := staticKeys{a1: k1, a2: k2}

	inputs := []Input{testInput(a1, 1, 40_000), testInput(a2, 2, 60_000), testInput(a1, 3, 5_000)}
	outputs := []Output{{Address: recipient, Value: 80_000}}

	primary, err := newTestSigner(keys).BuildAndSign(inputs, outputs, a1, 24_000)
	if err != nil {
		t.Fatalf("primary BuildAndSign: %v", err)
	}
	fallback, err := newTestSigner(keys, WithMode(SignFallbackOnly)).BuildAndSign(inputs, outputs, a1, 24_000)
	if err != nil {
		t.Fatalf("fallback BuildAndSign: %v", err)
	}
	if fallback.FallbackInputs != 3 {
		t.Errorf("fallback inputs = %d, want 3", fallback.FallbackInputs)
	}
	if !bytes.Equal(primary.Bytes, fallback.Bytes) {
		t.Errorf("signing paths differ:\nprimary  %x\nfallback %x", primary.Bytes, fallback.Bytes)
	}
}

func TestSign_FallsBackWhenHelperFails(t *testing.T) {
	key, addr := testKey(t, 5)
	s := newTestSigner(staticKeys{addr: key})
	s.primary = func(*wire.MsgTx, int, []byte, txscript.SigHashType, *btcec.PrivateKey) ([]byte, error) {
		return nil, fmt.Errorf("hash type rejected")
	}

	raw, err := s.BuildAndSign([]Input{testInput(addr, 1, 100_000)},
		[]Output{{Address: recipient, Value: 90_000}}, "", 0)
	if err != nil {
		t.Fatalf("BuildAndSign: %v", err)
	}
	if raw.FallbackInputs != 1 {
		t.Errorf("fallback inputs = %d, want 1", raw.FallbackInputs)
	}
}

func TestSign_EmptyHelperOutputFallsBack(t *testing.T) {
	key, addr := testKey(t, 5)
	s := newTestSigner(staticKeys{addr: key})
	s.primary = func(*wire.MsgTx, int, []byte, txscript.SigHashType, *btcec.PrivateKey) ([]byte, error) {
		return nil, nil
	}
	raw, err := s.BuildAndSign([]Input{testInput(addr, 1, 100_000)},
		[]Output{{Address: recipient, Value: 90_000}}, "", 0)
	if err != nil {
		t.Fatalf("BuildAndSign: %v", err)
	}
	if raw.FallbackInputs != 1 {
		t.Errorf("fallback inputs = %d, want 1", raw.FallbackInputs)
	}
}

func TestSign_MissingKeyIsFatal(t *testing.T) {
	key, addr := testKey(t, 6)
	_, stranger := testKey(t, 7)
	s := newTestSigner(staticKeys{addr: key})

	_, err := s.BuildAndSign(
		[]Input{testInput(addr, 1, 50_000), testInput(stranger, 2, 50_000)},
		[]Output{{Address: recipient, Value: 90_000}}, "", 0)
	if !errors.Is(err, ErrNoDerivationPath) {
		t.Fatalf("error = %v, want ErrNoDerivationPath", err)
	}
	if !errors.Is(err, errUnknownAddress) {
		t.Errorf("error = %v, should wrap the key source error", err)
	}
}

func TestBuildAndSign_DustChangeOmitted(t *testing.T) {
	key, addr := testKey(t, 8)
	s := newTestSigner(staticKeys{addr: key})

	raw, err := s.BuildAndSign([]Input{testInput(addr, 1, 100_000)},
		[]Output{{Address: recipient, Value: 99_000}}, addr, 500)
	if err != nil {
		t.Fatalf("BuildAndSign: %v", err)
	}
	if len(raw.Tx.TxOut) != 1 {
		t.Errorf("outputs = %d, want 1 (dust change dropped)", len(raw.Tx.TxOut))
	}
	if raw.Fee != 1_000 {
		t.Errorf("fee = %d, want 1000", raw.Fee)
	}
}

func TestBuild_Errors(t *testing.T) {
	_, addr := testKey(t, 9)
	tests := []struct {
		name    string
		inputs  []Input
		outputs []Output
		want    error
	}{
		{"no inputs", nil, []Output{{recipient, 1_000}}, ErrNoInputs},
		{"no outputs", []Input{testInput(addr, 1, 1_000)}, nil, ErrNoOutputs},
		{"dust output", []Input{testInput(addr, 1, 10_000)}, []Output{{recipient, 546}}, ErrDustOutput},
		{"bad address", []Input{testInput(addr, 1, 10_000)}, []Output{{"not-an-address", 1_000}}, ErrInvalidAddress},
		{"testnet address", []Input{testInput(addr, 1, 10_000)}, []Output{{"mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", 1_000}}, ErrInvalidAddress},
		{"overspend", []Input{testInput(addr, 1, 1_000)}, []Output{{recipient, 2_000}}, ErrValueMismatch},
		{"zero value input", []Input{testInput(addr, 1, 0)}, []Output{{recipient, 1_000}}, ErrMalformedPrevOut},
		{"input without script or address", []Input{{Value: 5_000}}, []Output{{recipient, 1_000}}, ErrMalformedPrevOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(config.MainnetParams)
			for _, in := range tt.inputs {
				b.AddInput(in)
			}
			for _, out := range tt.outputs {
				b.AddOutput(out)
			}
			if _, _, err := b.Build(); !errors.Is(err, tt.want) {
				t.Errorf("Build error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate_EmptyUnlockingScript(t *testing.T) {
	_, addr := testKey(t, 10)
	b := NewBuilder(config.MainnetParams).
		AddInput(testInput(addr, 1, 10_000)).
		AddOutput(Output{recipient, 9_000})
	tx, _, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Validate(tx); !errors.Is(err, ErrEmptyUnlockingScript) {
		t.Fatalf("Validate(unsigned) error = %v, want ErrEmptyUnlockingScript", err)
	}

	tx.AddTxIn(wire.NewTxIn(&tx.TxIn[0].PreviousOutPoint, []byte{0x01}, nil))
	tx.TxIn[0].SignatureScript = []byte{0x01}
	if err := Validate(tx); !errors.Is(err, ErrDuplicateInput) {
		t.Fatalf("Validate(duplicate) error = %v, want ErrDuplicateInput", err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	key, addr := testKey(t, 11)
	s := newTestSigner(staticKeys{addr: key})
	inputs := []Input{testInput(addr, 1, 100_000)}

	raw, err := s.BuildAndSign(inputs, []Output{{Address: recipient, Value: 90_000}}, "", 0)
	if err != nil {
		t.Fatalf("BuildAndSign: %v", err)
	}

	script, _ := NewBuilder(config.MainnetParams).addressScript(addr)
	inputs[0].PkScript = script
	if err := Verify(raw.Tx, inputs); err != nil {
		t.Fatalf("Verify(signed) = %v", err)
	}

	raw.Tx.TxOut[0].Value = 95_000
	if err := Verify(raw.Tx, inputs); !errors.Is(err, ErrScriptFailed) {
		t.Fatalf("Verify(tampered) error = %v, want ErrScriptFailed", err)
	}
}

func TestSignatureHash_CommitsToHashType(t *testing.T) {
	_, addr := testKey(t, 12)
	tx, inputs, err := NewBuilder(config.MainnetParams).
		AddInput(testInput(addr, 1, 10_000)).
		AddOutput(Output{recipient, 9_000}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	forkID, err := SignatureHash(tx, 0, inputs[0].PkScript, config.SigHashAllForkID)
	if err != nil {
		t.Fatalf("SignatureHash: %v", err)
	}
	plain, err := SignatureHash(tx, 0, inputs[0].PkScript, txscript.SigHashAll)
	if err != nil {
		t.Fatalf("SignatureHash: %v", err)
	}
	if bytes.Equal(forkID, plain) {
		t.Error("fork-id digest equals the plain SIGHASH_ALL digest")
	}
}
