package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	gcmIVSize  = 12
	gcmTagSize = 16
	aesKeySize = 32 // AES-256
)

// Sum256 returns the SHA-256 digest of data.
func Sum256(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SealedBlob is the output of an AES-256-GCM seal: a fresh 12-byte IV and
// the 16-byte tag are carried alongside the ciphertext so callers can
// persist or transmit them separately, per the sidecar metadata layout.
type SealedBlob struct {
	Ciphertext []byte
	IV         [gcmIVSize]byte
	AuthTag    [gcmTagSize]byte
}

// Seal encrypts plaintext under key (must be 32 bytes) with AES-256-GCM,
// authenticating aad. The IV is generated fresh for every call.
func Seal(key, plaintext, aad []byte) (*SealedBlob, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("crypto: seal: key must be %d bytes, got %d", aesKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: %w", err)
	}
	var iv [gcmIVSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return nil, fmt.Errorf("crypto: seal: iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv[:], plaintext, aad)
	ct := sealed[:len(sealed)-gcmTagSize]
	var tag [gcmTagSize]byte
	copy(tag[:], sealed[len(sealed)-gcmTagSize:])
	return &SealedBlob{Ciphertext: ct, IV: iv, AuthTag: tag}, nil
}

// Open decrypts a SealedBlob produced by Seal. A tag mismatch (tamper or
// wrong key) is reported as ErrAuthTagInvalid, never as a generic error,
// so callers can route it into the Integrity taxonomy.
func Open(key []byte, blob *SealedBlob, aad []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("crypto: open: key must be %d bytes, got %d", aesKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	sealed := make([]byte, 0, len(blob.Ciphertext)+gcmTagSize)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.AuthTag[:]...)
	pt, err := gcm.Open(nil, blob.IV[:], sealed, aad)
	if err != nil {
		return nil, ErrAuthTagInvalid
	}
	return pt, nil
}

// DeriveKey stretches a shared secret (e.g. a Kyber decapsulation output)
// into an AES-256 key using HKDF-SHA256, domain-separated by info.
func DeriveKey(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return key, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("crypto: random: %w", err)
	}
	return b, nil
}
