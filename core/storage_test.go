package core

import (
	"context"
	"errors"
	"os"
	"testing"
)

func newTestStorageManager(t *testing.T) (*StorageManager, KeyProvider, string) {
	t.Helper()
	dir := t.TempDir()
	keys := NewMemoryKeyProvider()
	kemKeyID, err := keys.GenerateKeypair(KeyKEM)
	if err != nil {
		t.Fatalf("generate kem key: %v", err)
	}
	sm, err := NewStorageManager(StorageConfig{Root: dir, BackupRoot: dir + "/backups"}, keys, kemKeyID, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("NewStorageManager: %v", err)
	}
	return sm, keys, kemKeyID
}

func mustShard(t *testing.T, keys KeyProvider, kemKeyID string, kind Particle, plaintext []byte) *Shard {
	t.Helper()
	signKeyID, err := keys.GenerateKeypair(KeySign)
	if err != nil {
		t.Fatalf("generate sign key: %v", err)
	}
	kemPub, err := keys.PublicKey(kemKeyID)
	if err != nil {
		t.Fatalf("kem public key: %v", err)
	}
	shard, err := NewShard(keys, signKeyID, kemPub, kind, "addr-1", plaintext)
	if err != nil {
		t.Fatalf("NewShard: %v", err)
	}
	return shard
}

// TestStoreRetrieveRoundTrip covers the plain store/retrieve happy path.
func TestStoreRetrieveRoundTrip(t *testing.T) {
	sm, keys, kemKeyID := newTestStorageManager(t)
	shard := mustShard(t, keys, kemKeyID, Electron, []byte("hello shard"))

	if err := sm.Store(shard, nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	pt, meta, err := sm.Retrieve(shard.Kind, shard.ShardID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(pt) != "hello shard" {
		t.Fatalf("retrieved %q, want %q", pt, "hello shard")
	}
	if meta.ID != shard.ShardID {
		t.Fatalf("meta id = %s, want %s", meta.ID, shard.ShardID)
	}
}

// TestIdempotentStore is §8 testable property 2: storing the same shard id
// twice leaves exactly one ciphertext file and the second call succeeds
// without rewriting it.
func TestIdempotentStore(t *testing.T) {
	sm, keys, kemKeyID := newTestStorageManager(t)
	shard := mustShard(t, keys, kemKeyID, Proton, []byte("payload"))

	if err := sm.Store(shard, nil); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	firstStat, err := os.Stat(sm.dataPath(shard.Kind, shard.ShardID))
	if err != nil {
		t.Fatalf("stat after first store: %v", err)
	}

	// Mutate the in-memory shard's ciphertext so a second, non-idempotent
	// write would be observable, then store again under the same id.
	mutated := *shard
	mutated.Ciphertext = append([]byte(nil), shard.Ciphertext...)
	mutated.Ciphertext[0] ^= 0xFF
	if err := sm.Store(&mutated, nil); err != nil {
		t.Fatalf("second Store: %v", err)
	}

	secondStat, err := os.Stat(sm.dataPath(shard.Kind, shard.ShardID))
	if err != nil {
		t.Fatalf("stat after second store: %v", err)
	}
	if firstStat.Size() != secondStat.Size() || firstStat.ModTime() != secondStat.ModTime() {
		t.Fatalf("second Store rewrote the ciphertext file: idempotency violated")
	}

	// And the original plaintext is still what comes back, not the mutated
	// version that the second call should have discarded.
	pt, _, err := sm.Retrieve(shard.Kind, shard.ShardID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("retrieved %q, want %q", pt, "payload")
	}
}

// TestTamperDetectionAndRepair is §8 testable property 3: flipping a byte in the
// .dat file causes Retrieve to report ErrTamperDetected without decrypting,
// and Repair restores it from the backup copy Store wrote alongside the
// live shard — nothing in this test seeds the backup itself.
func TestTamperDetectionAndRepair(t *testing.T) {
	sm, keys, kemKeyID := newTestStorageManager(t)
	shard := mustShard(t, keys, kemKeyID, Neutron, []byte("0123456789"))

	if err := sm.Store(shard, nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := os.Stat(sm.backupPath(shard.Kind, shard.ShardID)); err != nil {
		t.Fatalf("Store did not populate backup copy: %v", err)
	}

	good, err := os.ReadFile(sm.dataPath(shard.Kind, shard.ShardID))
	if err != nil {
		t.Fatalf("read good ciphertext: %v", err)
	}
	corrupted := append([]byte(nil), good...)
	corrupted[0] ^= 0x01
	if err := os.WriteFile(sm.dataPath(shard.Kind, shard.ShardID), corrupted, 0o600); err != nil {
		t.Fatalf("corrupt ciphertext: %v", err)
	}

	if _, _, err := sm.Retrieve(shard.Kind, shard.ShardID); !errors.Is(err, ErrTamperDetected) {
		t.Fatalf("Retrieve after corruption: got %v, want ErrTamperDetected", err)
	}
	ok, err := sm.VerifyIntegrity(shard.Kind, shard.ShardID)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if ok {
		t.Fatal("VerifyIntegrity reported ok on corrupted ciphertext")
	}

	if err := sm.Repair(context.Background(), shard.Kind, shard.ShardID); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	pt, _, err := sm.Retrieve(shard.Kind, shard.ShardID)
	if err != nil {
		t.Fatalf("Retrieve after repair: %v", err)
	}
	if string(pt) != "0123456789" {
		t.Fatalf("retrieved %q after repair, want original payload", pt)
	}
}

// TestRepairUnrecoverableWithoutBackupOrPeers covers the failure path when
// neither a backup nor a peer replica is available.
func TestRepairUnrecoverableWithoutBackupOrPeers(t *testing.T) {
	dir := t.TempDir()
	keys := NewMemoryKeyProvider()
	kemKeyID, err := keys.GenerateKeypair(KeyKEM)
	if err != nil {
		t.Fatalf("generate kem key: %v", err)
	}
	sm, err := NewStorageManager(StorageConfig{Root: dir}, keys, kemKeyID, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("NewStorageManager: %v", err)
	}
	shard := mustShard(t, keys, kemKeyID, Electron, []byte("x"))
	if err := sm.Store(shard, nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	corrupted, err := os.ReadFile(sm.dataPath(shard.Kind, shard.ShardID))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	corrupted[0] ^= 0x01
	if err := os.WriteFile(sm.dataPath(shard.Kind, shard.ShardID), corrupted, 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := sm.Repair(context.Background(), shard.Kind, shard.ShardID); !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("Repair: got %v, want ErrUnrecoverable", err)
	}
}

// TestAuthTagInvalidOnWrongKeyProvider covers GCM authentication failure
// (distinct from ciphertext-hash tamper detection): the sidecar hash still
// matches but decryption fails because the wrapped key can't be unwrapped
// by a different node's KeyProvider.
func TestAuthTagInvalidOnWrongKeyProvider(t *testing.T) {
	sm, keys, kemKeyID := newTestStorageManager(t)
	shard := mustShard(t, keys, kemKeyID, Electron, []byte("secret"))
	if err := sm.Store(shard, nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// A different node's KeyProvider/kemKeyID cannot unwrap this shard's
	// key; UnwrapShardKey fails on the key wrap's own GCM tag before the
	// shard's ciphertext is ever opened.
	otherKeys := NewMemoryKeyProvider()
	otherKEM, err := otherKeys.GenerateKeypair(KeyKEM)
	if err != nil {
		t.Fatalf("generate other kem key: %v", err)
	}
	if _, err := UnwrapShardKey(otherKeys, otherKEM, shard.WrappedKey); err == nil {
		t.Fatal("expected UnwrapShardKey to fail with a foreign KeyProvider")
	}
}
