package wallet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/forkwallet/config"
)

const abandonMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testSeed(t *testing.T) []byte {
	t.Helper()
	seed, err := SeedFromMnemonic(abandonMnemonic, "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	return seed
}

func testMaster(t *testing.T, passphrase string) *HDKey {
	t.Helper()
	seed, err := SeedFromMnemonic(abandonMnemonic, passphrase)
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	master, err := NewMasterKey(seed)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	return master
}

// Reference values for the all-"abandon" mnemonic without passphrase, as
// published by common BIP-39/BIP-44 tooling.
func TestHDKey_KnownVectors(t *testing.T) {
	master := testMaster(t, "")

	const xprv = "xprv9s21ZrQH143K3GJpoapnV8SFfukcVBSfeCficPSGfubmSFDxo1kuHnLisriDvSnRRuL2Qrg5ggqHKNVpxR86QEC8w35uxmGoggxtQTPvfUu"
	if got := master.String(); got != xprv {
		t.Errorf("master = %s, want %s", got, xprv)
	}

	key, err := master.DeriveAddress(0, 0, ChangeExternal, 0)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	addr, err := key.Address(&chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if got, want := addr.EncodeAddress(), "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA"; got != want {
		t.Errorf("m/44'/0'/0'/0/0 = %s, want %s", got, want)
	}
}

func TestNewMasterKey_SeedLength(t *testing.T) {
	for _, n := range []int{0, 16, 32, 63, 65} {
		if _, err := NewMasterKey(make([]byte, n)); err == nil {
			t.Errorf("NewMasterKey(%d bytes) accepted", n)
		}
	}
}

func TestHDKey_AccountLeafMatchesDeriveAddress(t *testing.T) {
	master := testMaster(t, "")
	coin := config.MainnetParams.CoinType

	acct, err := master.Account(coin, 0)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	for _, p := range []Path{{ChangeExternal, 0}, {ChangeExternal, 3}, {ChangeInternal, 0}} {
		viaAcct, err := acct.Leaf(p.Change, p.Index)
		if err != nil {
			t.Fatalf("Leaf(%s): %v", p, err)
		}
		direct, err := master.DeriveAddress(coin, 0, p.Change, p.Index)
		if err != nil {
			t.Fatalf("DeriveAddress(%s): %v", p, err)
		}
		if !bytes.Equal(viaAcct.PublicKeyBytes(), direct.PublicKeyBytes()) {
			t.Errorf("%s: account walk and DeriveAddress disagree", p)
		}
	}
}

func TestHDKey_PathsAreDistinct(t *testing.T) {
	master := testMaster(t, "")
	coin := config.MainnetParams.CoinType

	seen := make(map[string]string)
	check := func(label string, key *HDKey) {
		t.Helper()
		pub := string(key.PublicKeyBytes())
		if prev, ok := seen[pub]; ok {
			t.Errorf("%s collides with %s", label, prev)
		}
		seen[pub] = label
	}
	for _, tc := range []struct {
		label                  string
		coin, acct, chg, index uint32
	}{
		{"bch/0/0/0", coin, 0, ChangeExternal, 0},
		{"bch/0/0/1", coin, 0, ChangeExternal, 1},
		{"bch/0/1/0", coin, 0, ChangeInternal, 0},
		{"bch/1/0/0", coin, 1, ChangeExternal, 0},
		{"btc/0/0/0", 0, 0, ChangeExternal, 0},
	} {
		key, err := master.DeriveAddress(tc.coin, tc.acct, tc.chg, tc.index)
		if err != nil {
			t.Fatalf("%s: %v", tc.label, err)
		}
		check(tc.label, key)
	}
}

func TestHDKey_LeafRejectsUnknownBranch(t *testing.T) {
	acct, err := testMaster(t, "").Account(config.MainnetParams.CoinType, 0)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if _, err := acct.Leaf(2, 0); err == nil {
		t.Error("Leaf accepted change branch 2")
	}
}

func TestHDKey_NeuteredAccountDerivesSameAddresses(t *testing.T) {
	acct, err := testMaster(t, "").Account(config.MainnetParams.CoinType, 0)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	watch := acct.Neuter()

	if _, err := watch.PrivateKey(); !errors.Is(err, ErrPublicOnly) {
		t.Errorf("PrivateKey on neutered node error = %v, want ErrPublicOnly", err)
	}

	full, _ := acct.Leaf(ChangeInternal, 9)
	pub, err := watch.Leaf(ChangeInternal, 9)
	if err != nil {
		t.Fatalf("public Leaf: %v", err)
	}
	a1, _ := full.Address(config.MainnetParams.Chain)
	a2, _ := pub.Address(config.MainnetParams.Chain)
	if a1.EncodeAddress() != a2.EncodeAddress() {
		t.Errorf("neutered derivation = %s, want %s", a2.EncodeAddress(), a1.EncodeAddress())
	}
}

func TestHDKey_PrivateKeyMatchesPublicKey(t *testing.T) {
	key, err := testMaster(t, "TREZOR").DeriveAddress(config.MainnetParams.CoinType, 0, ChangeExternal, 4)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	priv, err := key.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if len(priv.Serialize()) != 32 {
		t.Errorf("private key is %d bytes", len(priv.Serialize()))
	}
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), key.PublicKeyBytes()) {
		t.Error("private key does not match the node's public key")
	}
}

func TestHDKey_AddressPerNetwork(t *testing.T) {
	key, _ := testMaster(t, "").DeriveAddress(config.MainnetParams.CoinType, 0, ChangeExternal, 0)

	main, err := key.Address(config.MainnetParams.Chain)
	if err != nil {
		t.Fatalf("mainnet Address: %v", err)
	}
	test, err := key.Address(config.TestnetParams.Chain)
	if err != nil {
		t.Fatalf("testnet Address: %v", err)
	}
	if main.EncodeAddress()[0] != '1' {
		t.Errorf("mainnet address %s does not start with 1", main.EncodeAddress())
	}
	if c := test.EncodeAddress()[0]; c != 'm' && c != 'n' {
		t.Errorf("testnet address %s does not start with m or n", test.EncodeAddress())
	}
	if !bytes.Equal(main.ScriptAddress(), test.ScriptAddress()) {
		t.Error("networks hash the same key differently")
	}
}
