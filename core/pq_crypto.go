package core

import (
	"crypto"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
	mode3 "github.com/cloudflare/circl/sign/dilithium/mode3"
)

// DilithiumKeypair generates a Dilithium3 signing key pair, the
// quantum-resistant primitive backing token signatures, ledger record
// signatures, shard signatures, and consensus votes.
func DilithiumKeypair() (pub, priv []byte, err error) {
	pk, sk, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pq_crypto: keypair: %w", err)
	}
	return pk.Bytes(), sk.Bytes(), nil
}

// DilithiumSign signs msg with a packed Dilithium3 private key.
func DilithiumSign(priv, msg []byte) ([]byte, error) {
	var sk mode3.PrivateKey
	if err := sk.UnmarshalBinary(priv); err != nil {
		return nil, fmt.Errorf("pq_crypto: sign: unpack key: %w", err)
	}
	return sk.Sign(rand.Reader, msg, crypto.Hash(0))
}

// DilithiumVerify verifies a signature produced by DilithiumSign.
func DilithiumVerify(pub, msg, sig []byte) (bool, error) {
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(pub); err != nil {
		return false, fmt.Errorf("pq_crypto: verify: unpack key: %w", err)
	}
	return mode3.Verify(&pk, msg, sig), nil
}

// KyberKeypair generates a Kyber768 KEM key pair used to seal PoA
// envelopes, wrap per-shard data-encryption keys, and establish peer
// session secrets.
func KyberKeypair() (pub, priv []byte, err error) {
	pk, sk, err := kyber768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pq_crypto: kyber keypair: %w", err)
	}
	pubBytes := make([]byte, kyber768.PublicKeySize)
	pk.Pack(pubBytes)
	privBytes := make([]byte, kyber768.PrivateKeySize)
	sk.Pack(privBytes)
	return pubBytes, privBytes, nil
}

// KyberEncapsulate produces a shared secret and the ciphertext that lets
// the holder of the matching private key recover it, under pub.
func KyberEncapsulate(pub []byte) (shared, ct []byte, err error) {
	if len(pub) != kyber768.PublicKeySize {
		return nil, nil, fmt.Errorf("pq_crypto: encapsulate: bad public key size %d", len(pub))
	}
	var pk kyber768.PublicKey
	pk.Unpack(pub)
	ct = make([]byte, kyber768.CiphertextSize)
	shared = make([]byte, kyber768.SharedKeySize)
	seed, err := RandomBytes(kyber768.EncapsulationSeedSize)
	if err != nil {
		return nil, nil, err
	}
	pk.EncapsulateTo(ct, shared, seed)
	return shared, ct, nil
}

// KyberDecapsulate recovers the shared secret from ct using priv.
func KyberDecapsulate(priv, ct []byte) ([]byte, error) {
	if len(priv) != kyber768.PrivateKeySize {
		return nil, fmt.Errorf("pq_crypto: decapsulate: bad private key size %d", len(priv))
	}
	var sk kyber768.PrivateKey
	sk.Unpack(priv)
	shared := make([]byte, kyber768.SharedKeySize)
	sk.DecapsulateTo(shared, ct)
	return shared, nil
}

// SealEnvelope seals token_id under the owner's Kyber public key: it
// encapsulates a fresh shared secret, derives an AES-256 key from it via
// HKDF, and AES-256-GCM-seals tokenID. The returned Envelope carries
// everything needed to recover tokenID with the matching private key.
type Envelope struct {
	KEMCiphertext []byte
	Blob          *SealedBlob
}

func SealEnvelope(ownerKyberPub []byte, tokenID []byte) (*Envelope, error) {
	shared, ct, err := KyberEncapsulate(ownerKyberPub)
	if err != nil {
		return nil, fmt.Errorf("pq_crypto: seal envelope: %w", err)
	}
	key, err := DeriveKey(shared, nil, []byte("atomvault/poa-envelope"))
	if err != nil {
		return nil, fmt.Errorf("pq_crypto: seal envelope: %w", err)
	}
	blob, err := Seal(key, tokenID, nil)
	if err != nil {
		return nil, fmt.Errorf("pq_crypto: seal envelope: %w", err)
	}
	return &Envelope{KEMCiphertext: ct, Blob: blob}, nil
}

// OpenEnvelope recovers the plaintext sealed by SealEnvelope using the
// owner's Kyber private key.
func OpenEnvelope(ownerKyberPriv []byte, env *Envelope) ([]byte, error) {
	shared, err := KyberDecapsulate(ownerKyberPriv, env.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("pq_crypto: open envelope: %w", err)
	}
	key, err := DeriveKey(shared, nil, []byte("atomvault/poa-envelope"))
	if err != nil {
		return nil, fmt.Errorf("pq_crypto: open envelope: %w", err)
	}
	return Open(key, env.Blob, nil)
}
