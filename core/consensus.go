package core

// Proof-of-Access consensus – quorum-gated block finalization.
//
// Every AppendFor call on the Ledger proposes a single-record (or small
// batch) block to this engine. The proposer broadcasts BLOCK_PROPOSE;
// every admitted peer re-validates the batch and, if it passes, replies
// with a signed BLOCK_VOTE. Re-validation (validateBlock) recomputes the
// header hash and re-checks the stored integrity of each shard_create
// record's shard; it does not check previous_hash linkage against the
// local head, record signatures, or PoA tokens.
// The proposer finalizes once votes (including its own) reach
// ⌈2/3×peers⌉; otherwise the round times out and the ledger rolls the
// tentative record back (§8 S6). Build graph: ledger (records in), peer
// overlay (vote gossip), storage (shard integrity re-check); the token
// store is held by the engine but not consulted during validation.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConsensusConfig configures a single node's consensus participation.
type ConsensusConfig struct {
	NodeID       NodeID
	SignKeyID    string
	RoundTimeout time.Duration // default 5s, §5
}

type voteMsg struct {
	BlockHash string `json:"block_hash"`
	VoterID   NodeID `json:"voter_id"`
	Signature []byte `json:"signature"`
}

type proposeMsg struct {
	Block *Block `json:"block"`
}

// voteSubscriber is the narrow slice of PeerManagement the consensus
// engine needs beyond PeerManager: persistent topic subscriptions.
type voteSubscriber interface {
	Subscribe(topic string) <-chan InboundMsg
}

// ConsensusEngine implements ConsensusSubmit with PoA-quorum
// finalization instead of mining.
type ConsensusEngine struct {
	cfg    ConsensusConfig
	keys   KeyProvider
	peers  PeerManager
	sub    voteSubscriber
	tokens TokenStore
	shards ShardReader
	log    *logrus.Logger

	mu        sync.Mutex
	nextIndex uint64
	lastHash  string
	rounds    map[string]chan NodeID
}

func NewConsensusEngine(cfg ConsensusConfig, keys KeyProvider, peers PeerManager, sub voteSubscriber, tokens TokenStore, shards ShardReader, log *logrus.Logger) *ConsensusEngine {
	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = 5 * time.Second
	}
	return &ConsensusEngine{
		cfg: cfg, keys: keys, peers: peers, sub: sub, tokens: tokens, shards: shards, log: log,
		lastHash: strings.Repeat("0", 64),
		rounds:   make(map[string]chan NodeID),
	}
}

// Start launches the inbound listeners for proposals (from other
// proposers, which this node votes on) and votes (for rounds this node
// is running).
func (c *ConsensusEngine) Start(ctx context.Context) {
	proposals := c.sub.Subscribe("BLOCK_PROPOSE")
	votes := c.sub.Subscribe("BLOCK_VOTE")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-proposals:
				if !ok {
					return
				}
				c.handleProposal(m)
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-votes:
				if !ok {
					return
				}
				c.handleVote(m)
			}
		}
	}()
}

// ProposeBlock implements ConsensusSubmit: assembles a candidate block
// from records, broadcasts it, and blocks until quorum or the round
// timeout elapses.
func (c *ConsensusEngine) ProposeBlock(records []*LedgerRecord) (*Block, error) {
	c.mu.Lock()
	index := c.nextIndex
	prevHash := c.lastHash
	c.mu.Unlock()

	rHash, err := recordsHash(records)
	if err != nil {
		return nil, fmt.Errorf("consensus: propose: %w", err)
	}
	header := BlockHeader{
		Index:        index,
		PreviousHash: prevHash,
		Timestamp:    time.Now().Unix(),
		RecordsHash:  rHash,
		Atomic:       summarizeAtomic(records),
	}
	hash, err := header.computeHash()
	if err != nil {
		return nil, fmt.Errorf("consensus: propose: %w", err)
	}
	sig, err := c.keys.Sign(c.cfg.SignKeyID, []byte(hash))
	if err != nil {
		return nil, fmt.Errorf("consensus: propose: sign: %w", err)
	}
	block := &Block{Header: header, Records: records, Hash: hash, Signature: sig}

	peerIDs := c.peers.Peers()
	total := len(peerIDs) + 1
	threshold := QuorumFraction(total)
	tracker := NewQuorumTracker(total, threshold)
	tracker.AddVote(c.cfg.NodeID)

	voteCh := make(chan NodeID, total)
	c.mu.Lock()
	c.rounds[hash] = voteCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.rounds, hash)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(proposeMsg{Block: block})
	if err != nil {
		return nil, fmt.Errorf("consensus: propose: marshal: %w", err)
	}
	for _, p := range peerIDs {
		if err := c.peers.SendAsync(p, "BLOCK_PROPOSE", payload); err != nil && c.log != nil {
			c.log.WithField("peer", p).WithError(err).Warn("consensus: propose: send failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RoundTimeout)
	defer cancel()
	for !tracker.HasQuorum() {
		select {
		case voter := <-voteCh:
			tracker.AddVote(voter)
		case <-ctx.Done():
			return nil, ConsensusRejected("propose", fmt.Errorf("round timed out: %d/%d votes", tracker.VoteCount(), threshold))
		}
	}

	c.mu.Lock()
	c.nextIndex = index + 1
	c.lastHash = hash
	c.mu.Unlock()
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"index": index, "hash": hash, "records": len(records)}).Info("consensus: block finalized")
	}
	return block, nil
}

// handleProposal re-validates a peer's candidate block: the header hash
// must match its recomputation, and every shard_create record's shard
// must already be durably stored here and hash-consistent. The header's
// previous_hash is not compared with this node's chain head. On success
// it replies with a signed BLOCK_VOTE.
func (c *ConsensusEngine) handleProposal(m InboundMsg) {
	var pm proposeMsg
	if err := json.Unmarshal(m.Payload, &pm); err != nil || pm.Block == nil {
		return
	}
	block := pm.Block
	if !c.validateBlock(block) {
		if c.log != nil {
			c.log.WithField("hash", block.Hash).Warn("consensus: rejecting invalid proposal")
		}
		return
	}
	sig, err := c.keys.Sign(c.cfg.SignKeyID, []byte(block.Hash))
	if err != nil {
		return
	}
	vote := voteMsg{BlockHash: block.Hash, VoterID: c.cfg.NodeID, Signature: sig}
	payload, err := json.Marshal(vote)
	if err != nil {
		return
	}
	if err := c.peers.SendAsync(m.From, "BLOCK_VOTE", payload); err != nil && c.log != nil {
		c.log.WithField("peer", m.From).WithError(err).Warn("consensus: vote send failed")
	}
}

func (c *ConsensusEngine) validateBlock(block *Block) bool {
	wantHash, err := block.Header.computeHash()
	if err != nil || wantHash != block.Hash {
		return false
	}
	if c.shards == nil {
		return true
	}
	for _, rec := range block.Records {
		if rec.Kind != RecordShardCreate {
			continue
		}
		var smr ShardMetadataRecord
		if err := unmarshalRecordBody(rec.Body, &smr); err != nil {
			return false
		}
		if ok, err := c.shards.VerifyIntegrity(smr.Kind, smr.ShardID); err != nil || !ok {
			return false
		}
	}
	return true
}

func (c *ConsensusEngine) handleVote(m InboundMsg) {
	var v voteMsg
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return
	}
	// Per-voter public keys aren't resolvable from this node's keyring;
	// the overlay's PoA-gated admission already authenticated the sender.
	c.mu.Lock()
	ch, active := c.rounds[v.BlockHash]
	c.mu.Unlock()
	if !active {
		return
	}
	select {
	case ch <- v.VoterID:
	default:
	}
}

var _ ConsensusSubmit = (*ConsensusEngine)(nil)
