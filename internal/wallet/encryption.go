package wallet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Seed blobs are sealed with XChaCha20-Poly1305 under a key stretched from
// the wallet password by Argon2id. The wallet name is bound as additional
// data, so a blob copied under another name does not open.
//
//	version(1) | salt(16) | memory(4) | iterations(4) | parallelism(1) | nonce(24) | ciphertext
const (
	blobVersion    = 1
	blobSaltSize   = 16
	blobHeaderSize = 1 + blobSaltSize + 4 + 4 + 1

	// maxMemoryKiB caps the Argon2 memory a blob may request (1 GiB).
	maxMemoryKiB = 1 << 20
)

var (
	// ErrWrongPassword is returned when a blob fails authentication.
	ErrWrongPassword = errors.New("wrong password or corrupted keystore entry")
	// ErrBlobFormat is returned for truncated or unknown-version blobs.
	ErrBlobFormat = errors.New("malformed keystore blob")
	// ErrWeakParams is returned for Argon2 parameters that argon2 rejects or
	// that exceed the memory cap.
	ErrWeakParams = errors.New("invalid key stretching parameters")
)

// EncryptionParams holds Argon2id parameters.
type EncryptionParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the parameters used for new wallets: 64 MiB,
// three passes, four lanes.
func DefaultParams() EncryptionParams {
	return EncryptionParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

func (p EncryptionParams) validate() error {
	if p.Iterations == 0 || p.Parallelism == 0 {
		return fmt.Errorf("%w: iterations %d, parallelism %d", ErrWeakParams, p.Iterations, p.Parallelism)
	}
	if p.Memory < 8*uint32(p.Parallelism) || p.Memory > maxMemoryKiB {
		return fmt.Errorf("%w: memory %d KiB", ErrWeakParams, p.Memory)
	}
	return nil
}

func (p EncryptionParams) key(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

// SealSeed encrypts seed for the wallet called name.
func SealSeed(seed, password []byte, name string, p EncryptionParams) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	header := make([]byte, 0, blobHeaderSize)
	header = append(header, blobVersion)
	salt := make([]byte, blobSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, p.Memory)
	header = binary.BigEndian.AppendUint32(header, p.Iterations)
	header = append(header, p.Parallelism)

	key := p.key(password, salt)
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(seed)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, seed, additionalData(header, name)), nil
}

// OpenSeed decrypts a blob produced by SealSeed for the same name.
func OpenSeed(blob, password []byte, name string) ([]byte, error) {
	minLen := blobHeaderSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlobFormat, len(blob))
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBlobFormat, blob[0])
	}
	header := blob[:blobHeaderSize]
	salt := header[1 : 1+blobSaltSize]
	p := EncryptionParams{
		Memory:      binary.BigEndian.Uint32(header[1+blobSaltSize:]),
		Iterations:  binary.BigEndian.Uint32(header[1+blobSaltSize+4:]),
		Parallelism: header[blobHeaderSize-1],
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	key := p.key(password, salt)
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := blob[blobHeaderSize : blobHeaderSize+aead.NonceSize()]
	seed, err := aead.Open(nil, nonce, blob[blobHeaderSize+aead.NonceSize():], additionalData(header, name))
	if err != nil {
		return nil, ErrWrongPassword
	}
	return seed, nil
}

// additionalData authenticates the header and the wallet name.
func additionalData(header []byte, name string) []byte {
	ad := make([]byte, 0, len(header)+len(name))
	ad = append(ad, header...)
	return append(ad, name...)
}
