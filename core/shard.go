package core

import (
	"fmt"

	"github.com/google/uuid"
)

// requiredRedundancy enforces kind == neutron ⇒ ≥5, proton ⇒ ≥3,
// electron ⇒ ≥1.
func requiredRedundancy(kind Particle) int {
	switch kind {
	case Neutron:
		return 5
	case Proton:
		return 3
	case Electron:
		return 1
	default:
		return 1
	}
}

// Shard is the smallest independently stored, encrypted unit.
type Shard struct {
	ShardID         string   `json:"shard_id"`
	Kind            Particle `json:"kind"`
	Address         string   `json:"address"`
	Ciphertext      []byte   `json:"ciphertext"`
	IV              [12]byte `json:"iv"`
	AuthTag         [16]byte `json:"auth_tag"`
	WrappedKey      []byte   `json:"wrapped_key"` // data key sealed under node's KEM key
	MetadataHash    [32]byte `json:"metadata_hash"`
	RedundancyLevel int      `json:"redundancy_level"`
	Signature       []byte   `json:"signature"`
}

// ShardMetadata is the on-disk sidecar record persisted alongside a
// shard's ciphertext file. IV and AuthTag are plain []byte (not [N]byte
// arrays) so encoding/json's automatic base64 encoding for byte slices
// applies, matching §6's sidecar format exactly ("iv (base64, 12 bytes)",
// "auth_tag (base64, 16 bytes)") — a fixed-size array marshals as a JSON
// array of numbers instead, which would silently miss that contract.
type ShardMetadata struct {
	ID             string            `json:"id"`
	Kind           Particle          `json:"kind"`
	CiphertextHash string            `json:"ciphertext_hash"` // hex sha-256
	WrappedKey     []byte            `json:"wrapped_key"`     // base64 via json
	IV             []byte            `json:"iv"`              // base64 via json, 12 bytes
	AuthTag        []byte            `json:"auth_tag"`        // base64 via json, 16 bytes
	Custom         map[string]string `json:"custom,omitempty"`
	Timestamp      string            `json:"timestamp"` // ISO-8601
}

// ShardMetadataRecord is the ledger-owned record of a shard's placement
// history, distinct from the storage manager's on-disk sidecar.
// MetadataHash is hex-encoded, matching CiphertextHash's encoding, rather
// than a [32]byte array (which would marshal as a JSON number array).
type ShardMetadataRecord struct {
	ShardID        string   `json:"shard_id"`
	Address        string   `json:"address"`
	Kind           Particle `json:"kind"`
	MetadataHash   string   `json:"metadata_hash"`
	CiphertextHash string   `json:"ciphertext_hash"`
	TokenID        string   `json:"token_id"`
	Placement      []NodeID `json:"placement"`
	CreatedAt      int64    `json:"created_at"`
	Version        int      `json:"version"`
	ByteIndex      int      `json:"byte_index"`
	BitIndex       int      `json:"bit_index"`
}

// DeriveAddress computes the deterministic per-payload address from
// (node_id, payload_digest), signed by the node's signing key so the same
// input on the same node always produces the same address.
func DeriveAddress(keys KeyProvider, signKeyID string, nodeID NodeID, payloadDigest [32]byte) (string, error) {
	msg := append([]byte(nodeID), payloadDigest[:]...)
	sig, err := keys.Sign(signKeyID, msg)
	if err != nil {
		return "", fmt.Errorf("shard: derive address: %w", err)
	}
	sum := Sum256(sig)
	return fmt.Sprintf("%x", sum[:]), nil
}

// NewShardID returns a fresh UUID-based shard identifier.
func NewShardID() string { return uuid.NewString() }

// ValidateRedundancy checks redundancy_level against the kind's floor.
func ValidateRedundancy(kind Particle, redundancyLevel int) error {
	want := requiredRedundancy(kind)
	if redundancyLevel < want {
		return fmt.Errorf("shard: redundancy: %w: kind %s has %d, want >= %d", ErrUnrecoverable, kind, redundancyLevel, want)
	}
	return nil
}

// NewShard seals plaintext with a fresh AES-256-GCM key, wraps that key
// under the node's KEM public key, and signs the metadata hash with the
// node's signing key.
func NewShard(keys KeyProvider, signKeyID string, kemPub []byte, kind Particle, address string, plaintext []byte) (*Shard, error) {
	dataKey, err := RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("shard: new shard: %w", err)
	}
	blob, err := Seal(dataKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("shard: new shard: %w", err)
	}
	shared, kemCt, err := KyberEncapsulate(kemPub)
	if err != nil {
		return nil, fmt.Errorf("shard: new shard: %w", err)
	}
	wrapKey, err := DeriveKey(shared, nil, []byte("atomvault/shard-key-wrap"))
	if err != nil {
		return nil, fmt.Errorf("shard: new shard: %w", err)
	}
	wrappedBlob, err := Seal(wrapKey, dataKey, nil)
	if err != nil {
		return nil, fmt.Errorf("shard: new shard: %w", err)
	}
	wrappedKey := append(append([]byte{}, kemCt...), marshalWrapped(wrappedBlob)...)

	metaHash := Sum256(blob.Ciphertext, wrappedKey)
	sig, err := keys.Sign(signKeyID, metaHash[:])
	if err != nil {
		return nil, fmt.Errorf("shard: new shard: %w", err)
	}

	s := &Shard{
		ShardID:         NewShardID(),
		Kind:            kind,
		Address:         address,
		Ciphertext:      blob.Ciphertext,
		IV:              blob.IV,
		AuthTag:         blob.AuthTag,
		WrappedKey:      wrappedKey,
		MetadataHash:    metaHash,
		RedundancyLevel: requiredRedundancy(kind),
		Signature:       sig,
	}
	return s, nil
}

func marshalWrapped(b *SealedBlob) []byte {
	out := make([]byte, 0, len(b.IV)+len(b.AuthTag)+len(b.Ciphertext))
	out = append(out, b.IV[:]...)
	out = append(out, b.AuthTag[:]...)
	out = append(out, b.Ciphertext...)
	return out
}

// kyber768CiphertextSize mirrors kyber768.CiphertextSize without importing
// the kem package here; pq_crypto.go is the single place that depends on
// circl's kyber768 package directly.
const kyber768CiphertextSize = 1088

// UnwrapShardKey recovers the AES-256 data key sealed by NewShard, using
// the node's own KEM private key (resolved by keyID through keys).
func UnwrapShardKey(keys KeyProvider, kemKeyID string, wrappedKey []byte) ([]byte, error) {
	if len(wrappedKey) < kyber768CiphertextSize+12+16 {
		return nil, fmt.Errorf("shard: unwrap key: truncated wrapped key")
	}
	kemCt := wrappedKey[:kyber768CiphertextSize]
	rest := wrappedKey[kyber768CiphertextSize:]
	var iv [12]byte
	var tag [16]byte
	copy(iv[:], rest[:12])
	copy(tag[:], rest[12:28])
	ct := rest[28:]

	shared, err := keys.Decapsulate(kemKeyID, kemCt)
	if err != nil {
		return nil, fmt.Errorf("shard: unwrap key: %w", err)
	}
	wrapKey, err := DeriveKey(shared, nil, []byte("atomvault/shard-key-wrap"))
	if err != nil {
		return nil, fmt.Errorf("shard: unwrap key: %w", err)
	}
	return Open(wrapKey, &SealedBlob{Ciphertext: ct, IV: iv, AuthTag: tag}, nil)
}
