package core

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestConsensusEngine(t *testing.T, peers []NodeID, timeout time.Duration) (*ConsensusEngine, KeyProvider) {
	t.Helper()
	keys := NewMemoryKeyProvider()
	signKeyID, err := keys.GenerateKeypair(KeySign)
	if err != nil {
		t.Fatalf("generate sign key: %v", err)
	}
	pm := &fakePeerManager{peers: peers}
	cfg := ConsensusConfig{NodeID: "self", SignKeyID: signKeyID, RoundTimeout: timeout}
	// sub is only consulted by Start, which these tests never call.
	return NewConsensusEngine(cfg, keys, pm, nil, nil, nil, testLogger()), keys
}

func sampleRecords(t *testing.T) []*LedgerRecord {
	t.Helper()
	body, err := json.Marshal(map[string]string{"owner": "node-A"})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return []*LedgerRecord{{
		Index:        0,
		PreviousHash: "0",
		Timestamp:    1000,
		Kind:         RecordTokenMint,
		Body:         body,
	}}
}

// TestProposeBlockQuorumOfOne is §8 testable property 8 (consensus
// liveness): a lone node (no peers) is its own ⌈2/3×1⌉ quorum and finalizes
// immediately, without waiting out RoundTimeout.
func TestProposeBlockQuorumOfOne(t *testing.T) {
	ce, _ := newTestConsensusEngine(t, nil, 2*time.Second)
	start := time.Now()
	block, err := ce.ProposeBlock(sampleRecords(t))
	if err != nil {
		t.Fatalf("ProposeBlock: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("ProposeBlock took %s, expected an immediate single-node finalization", elapsed)
	}
	if block.Header.Index != 0 {
		t.Fatalf("block index = %d, want 0", block.Header.Index)
	}

	// The chain position must have advanced so the next proposal builds on
	// top of this one.
	second, err := ce.ProposeBlock(sampleRecords(t))
	if err != nil {
		t.Fatalf("second ProposeBlock: %v", err)
	}
	if second.Header.Index != 1 || second.Header.PreviousHash != block.Hash {
		t.Fatalf("second block = %+v, want index 1 chained off %s", second.Header, block.Hash)
	}
}

// TestProposeBlockRejectedOnTimeout is scenario S6's shape: with peers that
// never vote (modelling peers who reject or whose votes never arrive),
// quorum is never reached and ProposeBlock returns ConsensusRejected once
// RoundTimeout elapses, rather than hanging.
func TestProposeBlockRejectedOnTimeout(t *testing.T) {
	peers := []NodeID{"peer-1", "peer-2", "peer-3"}
	ce, _ := newTestConsensusEngine(t, peers, 50*time.Millisecond)

	_, err := ce.ProposeBlock(sampleRecords(t))
	if err == nil {
		t.Fatal("expected ProposeBlock to reject when quorum is never reached")
	}
	coreErr, ok := err.(*Error)
	if !ok || coreErr.Kind != KindConsensusRejected {
		t.Fatalf("got %v, want a KindConsensusRejected error", err)
	}
}

// TestProposeBlockFinalizesOnLateQuorum models the liveness half of
// property 8: votes delivered through handleVote (as a peer's BLOCK_VOTE
// would arrive over the overlay) from a background goroutine still let the
// round finalize before RoundTimeout, once enough of them arrive.
func TestProposeBlockFinalizesOnLateQuorum(t *testing.T) {
	peers := []NodeID{"peer-1", "peer-2", "peer-3"}
	ce, _ := newTestConsensusEngine(t, peers, 2*time.Second)

	// QuorumFraction(4) = ceil(2/3*4) = 3; self's own vote counts as 1, so
	// 2 more are needed. Poll the engine's round table for the hash this
	// proposal registers, then deliver exactly those votes as handleVote
	// would on an inbound BLOCK_VOTE message.
	go func() {
		var hash string
		for hash == "" {
			ce.mu.Lock()
			for h := range ce.rounds {
				hash = h
			}
			ce.mu.Unlock()
			if hash == "" {
				time.Sleep(time.Millisecond)
			}
		}
		for _, voter := range []NodeID{"peer-1", "peer-2"} {
			payload, err := json.Marshal(voteMsg{BlockHash: hash, VoterID: voter})
			if err != nil {
				t.Errorf("marshal vote: %v", err)
				return
			}
			ce.handleVote(InboundMsg{From: voter, Kind: "BLOCK_VOTE", Payload: payload})
		}
	}()

	block, err := ce.ProposeBlock(sampleRecords(t))
	if err != nil {
		t.Fatalf("ProposeBlock: %v", err)
	}
	if block == nil {
		t.Fatal("expected a finalized block")
	}
}
