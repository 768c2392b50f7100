package core

import "testing"

type fakeTokenStore struct {
	valid   bool
	outcome *ValidationOutcome
}

func (f *fakeTokenStore) Validate(tokenID string, env *Envelope) (*ValidationOutcome, error) {
	if !f.valid {
		return &ValidationOutcome{Valid: false}, ErrTokenNotFound
	}
	return f.outcome, nil
}

func (f *fakeTokenStore) RecordUsage(tokenID, operationKind string) {}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", DiscoveryTag: "atomvault-test"})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func fullCapabilities() map[Particle]bool {
	return map[Particle]bool{Proton: true, Neutron: true, Electron: true}
}

func TestNodeSelfIDNonEmpty(t *testing.T) {
	n := newTestNode(t)
	if n.SelfID() == "" {
		t.Fatalf("expected non-empty self id")
	}
}

func TestAdmitRejectsWithoutQuantumChannel(t *testing.T) {
	n := newTestNode(t)
	tokens := &fakeTokenStore{valid: true, outcome: &ValidationOutcome{Valid: true}}
	req := AdmissionRequest{NodeID: "peer-1", TokenID: "tok-1", Capabilities: fullCapabilities()}
	if _, err := n.Admit(req, tokens, RoleBranch, 1); err == nil {
		t.Fatalf("expected admission to fail without a KEM shared secret")
	}
}

func TestAdmitRejectsInvalidToken(t *testing.T) {
	n := newTestNode(t)
	tokens := &fakeTokenStore{valid: false}
	req := AdmissionRequest{NodeID: "peer-1", TokenID: "tok-1", KEMShared: []byte("shared"), Capabilities: fullCapabilities()}
	if _, err := n.Admit(req, tokens, RoleBranch, 1); err == nil {
		t.Fatalf("expected admission to fail for invalid token")
	}
}

func TestAdmitRejectsMissingCapability(t *testing.T) {
	n := newTestNode(t)
	tokens := &fakeTokenStore{valid: true, outcome: &ValidationOutcome{Valid: true}}
	req := AdmissionRequest{
		NodeID:       "peer-1",
		TokenID:      "tok-1",
		KEMShared:    []byte("shared"),
		Capabilities: map[Particle]bool{Proton: true, Neutron: true}, // electron missing
	}
	if _, err := n.Admit(req, tokens, RoleBranch, 1); err == nil {
		t.Fatalf("expected admission to fail for missing electron capability")
	}
}

func TestAdmitSucceedsAndPopulatesPeerList(t *testing.T) {
	n := newTestNode(t)
	tokens := &fakeTokenStore{valid: true, outcome: &ValidationOutcome{Valid: true}}
	req := AdmissionRequest{
		NodeID:       "peer-1",
		Addr:         "/ip4/127.0.0.1/tcp/4001",
		TokenID:      "tok-1",
		KEMShared:    []byte("shared"),
		Capabilities: fullCapabilities(),
	}
	peer, err := n.Admit(req, tokens, RoleCorporate, 5)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if peer.Role != RoleCorporate || peer.Priority != 5 {
		t.Fatalf("unexpected admitted peer %+v", peer)
	}
	list := n.PeerList()
	if len(list) != 1 || list[0].ID != "peer-1" {
		t.Fatalf("peer list = %+v, want single entry peer-1", list)
	}
}

func TestAdmitFallbackAddsLowPriorityPeer(t *testing.T) {
	n := newTestNode(t)
	peer := n.AdmitFallback("fallback-1", "/ip4/127.0.0.1/tcp/4002")
	if peer.Priority != 0 {
		t.Fatalf("fallback peer priority = %d, want 0", peer.Priority)
	}
	found := false
	for _, p := range n.PeerList() {
		if p.ID == "fallback-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("fallback peer not present in peer list")
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	n := newTestNode(t)
	n.AdmitFallback("peer-1", "/ip4/127.0.0.1/tcp/4003")
	before := n.PeerList()[0].LastSeen
	n.Touch("peer-1")
	after := n.PeerList()[0].LastSeen
	if !after.After(before) && !after.Equal(before) {
		t.Fatalf("expected last-seen to advance or stay equal, got before=%v after=%v", before, after)
	}
}
