package wallet

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/forkwallet/config"
)

func TestSignVerifyMessage(t *testing.T) {
	net := config.MainnetParams
	master, _ := NewMasterKey(testSeed(t))
	key, _ := master.DeriveAddress(net.CoinType, 0, ChangeExternal, 0)
	priv, err := key.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	addr, _ := key.Address(net.Chain)

	sig, err := SignMessage(priv, net.MessageMagic, "hello world")
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}

	if err := VerifyMessage(addr.EncodeAddress(), sig, "hello world", net.MessageMagic, net.Chain); err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}

	err = VerifyMessage(addr.EncodeAddress(), sig, "hello world!", net.MessageMagic, net.Chain)
	if !errors.Is(err, ErrBadMessageSignature) {
		t.Errorf("tampered message error = %v, want ErrBadMessageSignature", err)
	}

	other, _ := master.DeriveAddress(net.CoinType, 0, ChangeExternal, 1)
	otherAddr, _ := other.Address(net.Chain)
	err = VerifyMessage(otherAddr.EncodeAddress(), sig, "hello world", net.MessageMagic, net.Chain)
	if !errors.Is(err, ErrBadMessageSignature) {
		t.Errorf("wrong address error = %v, want ErrBadMessageSignature", err)
	}

	if err := VerifyMessage(addr.EncodeAddress(), "%%%", "hello world", net.MessageMagic, net.Chain); err == nil {
		t.Error("invalid base64 should fail")
	}
}

func TestMessageHash_MagicMatters(t *testing.T) {
	a, _ := MessageHash("Bitcoin Signed Message:\n", "x")
	b, _ := MessageHash("Other Signed Message:\n", "x")
	if a == b {
		t.Error("magic prefix should change the digest")
	}
}
