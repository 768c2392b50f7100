package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// fakePeerManager is a minimal PeerManager that reports a fixed set of
// peers and never actually delivers anything — fission's shard bounces and
// fusion's remote fetches are best-effort, so a no-op SendAsync is enough
// for tests that keep every shard on the local node.
type fakePeerManager struct {
	peers []NodeID
}

func (f *fakePeerManager) Peers() []NodeID { return f.peers }
func (f *fakePeerManager) Sample(n int) []NodeID {
	if n > len(f.peers) {
		n = len(f.peers)
	}
	return f.peers[:n]
}
func (f *fakePeerManager) SendAsync(NodeID, string, []byte) error { return nil }

var _ PeerManager = (*fakePeerManager)(nil)

// testNodeHarness wires a TokenManager, Ledger, StorageManager, Fission and
// Fusion pipeline against a single in-process KeyProvider, enough peer
// candidates to satisfy neutron's 5x redundancy floor, and no real network.
type testNodeHarness struct {
	tokens  *TokenManager
	ledger  *Ledger
	storage *StorageManager
	fission *FissionPipeline
	fusion  *FusionPipeline
}

func newTestNodeHarness(t *testing.T) *testNodeHarness {
	t.Helper()
	keys := NewMemoryKeyProvider()
	signKeyID, err := keys.GenerateKeypair(KeySign)
	if err != nil {
		t.Fatalf("generate sign key: %v", err)
	}
	kemKeyID, err := keys.GenerateKeypair(KeyKEM)
	if err != nil {
		t.Fatalf("generate kem key: %v", err)
	}
	kemPub, err := keys.PublicKey(kemKeyID)
	if err != nil {
		t.Fatalf("kem public key: %v", err)
	}

	ledger, err := NewLedger(LedgerConfig{Root: t.TempDir()}, keys, signKeyID, nil, testLogger())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	tokens, err := NewTokenManager(keys, ledger, testLogger(), "")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	// 4 fake remote peers: enough that RoundRobinPlacement can hand out the
	// 4 additional replicas neutron shards need beyond the local copy.
	peers := &fakePeerManager{peers: []NodeID{"peer-1", "peer-2", "peer-3", "peer-4"}}
	storage, err := NewStorageManager(StorageConfig{Root: t.TempDir(), BackupRoot: t.TempDir()}, keys, kemKeyID, ledger, peers, nil, testLogger())
	if err != nil {
		t.Fatalf("NewStorageManager: %v", err)
	}

	fission := NewFissionPipeline(
		FissionConfig{SelfID: "self", SignKeyID: signKeyID, KEMPub: kemPub},
		keys, tokens, storage, ledger, peers, NewRoundRobinPlacement(), testLogger(),
	)
	fusion := NewFusionPipeline(
		FusionConfig{SelfID: "self", KEMKeyID: kemKeyID, BackupRoot: t.TempDir()},
		keys, tokens, ledger, storage, peers, nil, nil, testLogger(),
	)

	return &testNodeHarness{tokens: tokens, ledger: ledger, storage: storage, fission: fission, fusion: fusion}
}

// TestFissionFusionRoundTrip is §8 testable property 1 / scenario S2: fission
// then fusion on the same node returns exactly the original payload.
func TestFissionFusionRoundTrip(t *testing.T) {
	h := newTestNodeHarness(t)
	tokenID, env, err := h.tokens.Mint("node-A", nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	payload := []byte("hi")
	result, err := h.fission.Run(payload, "node-A", tokenID, env)
	if err != nil {
		if _, ok := err.(*UnderReplicatedError); !ok {
			t.Fatalf("Fission.Run: %v", err)
		}
	}
	if result == nil || result.Address == "" {
		t.Fatalf("Fission.Run returned no address")
	}

	// Same (node_id, payload) on the same node must derive the same address
	// every time (§4.7 step 4 determinism).
	result2, err2 := h.fission.Run(payload, "node-A", tokenID, env)
	if err2 != nil {
		if _, ok := err2.(*UnderReplicatedError); !ok {
			t.Fatalf("second Fission.Run: %v", err2)
		}
	}
	if result2.Address != result.Address {
		t.Fatalf("address not deterministic: %s != %s", result2.Address, result.Address)
	}

	got, err := h.fusion.Run(context.Background(), result.Address, tokenID, env)
	if err != nil {
		t.Fatalf("Fusion.Run: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("fusion returned %q, want %q", got, payload)
	}
}

// TestFissionFusionRoundTrip256Bytes is scenario S3's payload shape (minus
// the tamper/audit step, which storage_test.go covers directly): a full
// 256-byte payload round-trips byte-for-byte.
func TestFissionFusionRoundTrip256Bytes(t *testing.T) {
	h := newTestNodeHarness(t)
	tokenID, env, err := h.tokens.Mint("node-A", nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}

	result, err := h.fission.Run(payload, "node-A", tokenID, env)
	if err != nil {
		if _, ok := err.(*UnderReplicatedError); !ok {
			t.Fatalf("Fission.Run: %v", err)
		}
	}

	got, err := h.fusion.Run(context.Background(), result.Address, tokenID, env)
	if err != nil {
		t.Fatalf("Fusion.Run: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("fusion returned %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, got[i], payload[i])
		}
	}
}

// TestFissionUnderReplicatedReportsAchievedCount is scenario S5: with only
// two reachable peers, a neutron shard (redundancy floor 5) can only reach
// 1 (self) + 2 (remote) = 3 replicas. Fission still durably writes the
// shard and its ledger record, but surfaces UnderReplicated{achieved: 3}
// rather than silently under-replicating.
func TestFissionUnderReplicatedReportsAchievedCount(t *testing.T) {
	keys := NewMemoryKeyProvider()
	signKeyID, err := keys.GenerateKeypair(KeySign)
	if err != nil {
		t.Fatalf("generate sign key: %v", err)
	}
	kemKeyID, err := keys.GenerateKeypair(KeyKEM)
	if err != nil {
		t.Fatalf("generate kem key: %v", err)
	}
	kemPub, err := keys.PublicKey(kemKeyID)
	if err != nil {
		t.Fatalf("kem public key: %v", err)
	}
	ledger, err := NewLedger(LedgerConfig{Root: t.TempDir()}, keys, signKeyID, nil, testLogger())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	tokens, err := NewTokenManager(keys, ledger, testLogger(), "")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	// Only 2 reachable peers: neutron shards (required=5) can reach at most
	// 1 (self) + 2 (remote) = 3 replicas.
	peers := &fakePeerManager{peers: []NodeID{"peer-1", "peer-2"}}
	storage, err := NewStorageManager(StorageConfig{Root: t.TempDir(), BackupRoot: t.TempDir()}, keys, kemKeyID, ledger, peers, nil, testLogger())
	if err != nil {
		t.Fatalf("NewStorageManager: %v", err)
	}
	fission := NewFissionPipeline(
		FissionConfig{SelfID: "self", SignKeyID: signKeyID, KEMPub: kemPub},
		keys, tokens, storage, ledger, peers, NewRoundRobinPlacement(), testLogger(),
	)

	tokenID, env, err := tokens.Mint("node-A", nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	result, err := fission.Run([]byte("x"), "node-A", tokenID, env)
	if result == nil || len(result.ShardIDs) == 0 {
		t.Fatalf("expected shards to still be written despite under-replication, got result=%v err=%v", result, err)
	}
	ur, ok := err.(*UnderReplicatedError)
	if !ok {
		t.Fatalf("got %v, want *UnderReplicatedError", err)
	}
	if ur.Achieved != 3 || ur.Required != 5 {
		t.Fatalf("UnderReplicatedError = %+v, want achieved 3 of 5", ur)
	}
}

// TestFissionUnauthorizedLeavesNoSideEffects is scenario S4: a PoA whose
// envelope has been tampered with is rejected before any shard or ledger
// record is written; the test checks that no shard file exists afterward.
func TestFissionUnauthorizedLeavesNoSideEffects(t *testing.T) {
	h := newTestNodeHarness(t)
	tokenID, env, err := h.tokens.Mint("node-A", nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	// Corrupt the envelope so Validate fails with EnvelopeMismatch, the
	// same Unauthorized-taxonomy outcome a bad signature produces.
	env.KEMCiphertext[0] ^= 0xFF

	_, err = h.fission.Run([]byte("secret"), "node-A", tokenID, env)
	if err == nil {
		t.Fatal("expected Fission.Run to reject a tampered PoA envelope")
	}
	var coreErr *Error
	if e, ok := err.(*Error); ok {
		coreErr = e
	}
	if coreErr == nil || coreErr.Kind != KindUnauthorized {
		t.Fatalf("got %v, want a KindUnauthorized error", err)
	}

	// No shard files should exist under any particle directory: rejection
	// happens at PoA validation, before classification or storage runs.
	for _, kind := range []Particle{Neutron, Proton, Electron} {
		dir := filepath.Join(h.storage.cfg.Root, string(kind))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // directory may not exist yet, which is also fine
		}
		if len(entries) != 0 {
			t.Fatalf("found %d shard file(s) under %s after an unauthorized fission attempt", len(entries), kind)
		}
	}
}
