package crypto

import (
	"encoding/hex"
	"testing"
)

func hexToHash(t *testing.T, s string) Hash {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	var h Hash
	copy(h[:], b)
	return h
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.input)
			want := hexToHash(t, tt.want)
			if got != want {
				t.Errorf("Fingerprint(%q) = %x, want %x", tt.input, got, want)
			}
		})
	}
}

func TestFingerprint_DifferentInputs(t *testing.T) {
	h1 := Fingerprint([]byte("input A"))
	h2 := Fingerprint([]byte("input B"))
	if h1 == h2 {
		t.Error("different inputs produced the same hash")
	}
}

func TestFingerprintParts(t *testing.T) {
	a := FingerprintParts([]byte("ab"), []byte("c"))
	b := FingerprintParts([]byte("a"), []byte("bc"))
	if a == b {
		t.Error("field boundaries should change the fingerprint")
	}
	if a.IsZero() {
		t.Error("FingerprintParts returned zero hash")
	}
	if again := FingerprintParts([]byte("ab"), []byte("c")); again != a {
		t.Error("FingerprintParts is not deterministic")
	}
}

func TestDoubleSHA256(t *testing.T) {
	got := DoubleSHA256([]byte("hello"))
	want := hexToHash(t, "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50")
	if got != want {
		t.Errorf("DoubleSHA256(hello) = %x, want %x", got, want)
	}
}

func TestHash160(t *testing.T) {
	// Compressed public key of the secret scalar 1.
	pub, _ := hex.DecodeString("0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	got := hex.EncodeToString(Hash160(pub))
	if want := "751e76e8199196d454941c45d1b3a323f1433bd6"; got != want {
		t.Errorf("Hash160 = %s, want %s", got, want)
	}
}
