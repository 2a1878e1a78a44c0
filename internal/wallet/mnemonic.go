// Package wallet holds the key material side of the wallet: BIP-39
// mnemonics, BIP-44 derivation, the encrypted keystore, address-to-key
// lookup, message signing, and UTXO selection.
package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// MnemonicEntropyBits gives 12-word phrases.
const MnemonicEntropyBits = 128

// SeedSize is the length of a BIP-39 seed in bytes.
const SeedSize = 64

// ErrInvalidMnemonic is returned for phrases with unknown words, a wrong
// word count or a bad checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// NormalizeMnemonic lowercases a phrase and collapses whitespace, so a
// phrase pasted with line breaks or double spaces derives the same seed.
func NormalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

// GenerateMnemonic creates a new 12-word phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	defer clear(entropy)
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic reports whether the normalized phrase passes the
// BIP-39 word list and checksum checks.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(NormalizeMnemonic(mnemonic))
}

// SeedFromMnemonic derives the 64-byte seed of a phrase and optional
// passphrase. The passphrase is used as given.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(NormalizeMnemonic(mnemonic), passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	return seed, nil
}
