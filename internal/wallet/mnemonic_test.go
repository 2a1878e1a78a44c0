package wallet

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func TestGenerateMnemonic(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		m, err := GenerateMnemonic()
		if err != nil {
			t.Fatalf("GenerateMnemonic() error: %v", err)
		}
		if n := len(strings.Fields(m)); n != 12 {
			t.Errorf("word count = %d, want 12", n)
		}
		if !ValidateMnemonic(m) {
			t.Errorf("generated phrase does not validate: %q", m)
		}
		if seen[m] {
			t.Error("duplicate phrase generated")
		}
		seen[m] = true
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", true},
		{"uppercase and spacing", "  Abandon abandon ABANDON abandon abandon abandon\nabandon abandon abandon abandon abandon   about ", true},
		{"bad checksum", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon", false},
		{"unknown word", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon forkcoin", false},
		{"too short", "abandon about", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMnemonic(tt.in); got != tt.want {
				t.Errorf("ValidateMnemonic() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeedFromMnemonic_Vector(t *testing.T) {
	// BIP-39 reference vector with passphrase "TREZOR".
	const want = "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04"
	seed, err := SeedFromMnemonic("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	if len(seed) != SeedSize {
		t.Fatalf("seed length = %d, want %d", len(seed), SeedSize)
	}
	if got := hex.EncodeToString(seed); got != want {
		t.Errorf("seed = %s, want %s", got, want)
	}
}

func TestSeedFromMnemonic_Normalized(t *testing.T) {
	a, err := SeedFromMnemonic("legal winner thank year wave sausage worth useful legal winner thank yellow", "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	b, err := SeedFromMnemonic("LEGAL winner thank year wave sausage\tworth useful legal winner thank yellow\n", "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	if hex.EncodeToString(a) != hex.EncodeToString(b) {
		t.Error("normalization changed the seed")
	}
}

func TestSeedFromMnemonic_Invalid(t *testing.T) {
	_, err := SeedFromMnemonic("not a real phrase", "")
	if !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("error = %v, want ErrInvalidMnemonic", err)
	}
}
