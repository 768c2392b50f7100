package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// FissionConfig wires a FissionPipeline to the node's subsystems.
type FissionConfig struct {
	SelfID        NodeID
	SignKeyID     string
	KEMPub        []byte // this node's own KEM public key; shards are sealed to the node that created them
	BounceLogPath string // <root>/ledger/bounce.log; one BounceRateEntry line per bit atom, empty disables
}

// FissionPipeline splits a payload into bit atoms, derives a shard per
// atom, places replicas across peers, and durably records the result
// (§4.7).
type FissionPipeline struct {
	cfg       FissionConfig
	keys      KeyProvider
	tokens    TokenStore
	storage   *StorageManager
	ledger    LedgerAppend
	peers     PeerManager
	placement PlacementOracle
	log       *logrus.Logger
}

func NewFissionPipeline(cfg FissionConfig, keys KeyProvider, tokens TokenStore, storage *StorageManager, ledger LedgerAppend, peers PeerManager, placement PlacementOracle, log *logrus.Logger) *FissionPipeline {
	return &FissionPipeline{cfg: cfg, keys: keys, tokens: tokens, storage: storage, ledger: ledger, peers: peers, placement: placement, log: log}
}

// FissionResult is returned on success (possibly alongside an
// UnderReplicated error for individual shards that could not reach
// their redundancy floor).
type FissionResult struct {
	Address   string              `json:"address"`
	ShardIDs  []string            `json:"shard_ids"`
	Placement map[string][]NodeID `json:"placement"`
}

// Run executes the eight-step pipeline. Steps 1-2 (input validation,
// PoA validation) fail fast with no side effects. Step 3 (classification)
// also fails fast. From step 4 onward, an under-replicated placement is
// recorded and surfaced but does not abort the remaining atoms; any other
// per-atom failure (shard derivation, store, record encoding, ledger
// append) aborts the whole run, and a ledger append failure first
// appends a compensating shard_remove record.
func (f *FissionPipeline) Run(payload []byte, owner NodeID, tokenID string, env *Envelope) (*FissionResult, error) {
	if len(payload) == 0 {
		return nil, Configuration("fission", fmt.Errorf("empty payload"))
	}
	if tokenID == "" || env == nil {
		return nil, Configuration("fission", fmt.Errorf("missing PoA token or envelope"))
	}

	outcome, err := f.tokens.Validate(tokenID, env)
	if err != nil {
		return nil, Unauthorized("fission", err)
	}
	if !outcome.Valid {
		return nil, Unauthorized("fission", fmt.Errorf("token %s not valid", tokenID))
	}

	digest := Sum256(payload)
	address, err := DeriveAddress(f.keys, f.cfg.SignKeyID, owner, digest)
	if err != nil {
		return nil, fmt.Errorf("fission: %w: %v", ErrClassification, err)
	}
	atoms := ClassifyBytes(payload, address, address)
	if len(atoms) == 0 {
		return nil, fmt.Errorf("fission: %w: no atoms produced", ErrClassification)
	}

	result := &FissionResult{Address: address, Placement: make(map[string][]NodeID)}
	var underReplicated error

	for _, atom := range atoms {
		shard, err := NewShard(f.keys, f.cfg.SignKeyID, f.cfg.KEMPub, atom.Particle, address, []byte{atom.Bit})
		if err != nil {
			return nil, fmt.Errorf("fission: derive shard: %w", err)
		}

		required := requiredRedundancy(atom.Particle)
		candidates := f.peers.Peers()
		remotePlacement := f.placement.Place(atom.Particle, required-1, candidates)
		achieved := 1 + len(remotePlacement)

		custom := map[string]string{
			"byte_index": fmt.Sprintf("%d", atom.ByteIndex),
			"bit_index":  fmt.Sprintf("%d", atom.BitIndex),
		}
		if err := f.storage.Store(shard, custom); err != nil {
			return nil, fmt.Errorf("fission: store: %w", err)
		}

		if f.cfg.BounceLogPath != "" {
			entry := NewBounceRateEntry(address, atom.Particle, atom.BitIndex, atom.Frequency, shard.IV[:], shard.AuthTag[:], time.Now().Unix(), tokenID)
			if line, err := json.Marshal(entry); err == nil {
				appendLine(f.cfg.BounceLogPath, string(line)+"\n", f.log)
			}
		}

		for _, p := range remotePlacement {
			bounce, err := json.Marshal(map[string]string{"shard_id": shard.ShardID, "kind": string(atom.Particle)})
			if err != nil {
				continue
			}
			if err := f.peers.SendAsync(p, "SHARD_BOUNCE", bounce); err != nil && f.log != nil {
				f.log.WithFields(logrus.Fields{"shard_id": shard.ShardID, "peer": p}).WithError(err).Warn("fission: bounce send failed")
			}
		}

		if achieved < required && underReplicated == nil {
			underReplicated = UnderReplicated("fission", achieved, required)
		}

		placement := append([]NodeID{f.cfg.SelfID}, remotePlacement...)
		ctHash := sha256.Sum256(shard.Ciphertext)
		smr := ShardMetadataRecord{
			ShardID:        shard.ShardID,
			Address:        address,
			Kind:           atom.Particle,
			MetadataHash:   fmt.Sprintf("%x", shard.MetadataHash[:]),
			CiphertextHash: fmt.Sprintf("%x", ctHash[:]),
			TokenID:        tokenID,
			Placement:      placement,
			CreatedAt:      time.Now().Unix(),
			Version:        1,
			ByteIndex:      atom.ByteIndex,
			BitIndex:       atom.BitIndex,
		}
		body, err := marshalRecordBody(smr)
		if err != nil {
			return nil, fmt.Errorf("fission: marshal record: %w", err)
		}
		if _, err := f.ledger.AppendFor(address, RecordShardCreate, body); err != nil {
			removeBody, _ := marshalRecordBody(map[string]string{"shard_id": shard.ShardID, "address": address})
			if _, rerr := f.ledger.AppendFor(address, RecordShardRemove, removeBody); rerr != nil && f.log != nil {
				f.log.WithField("shard_id", shard.ShardID).WithError(rerr).Error("fission: compensating shard_remove failed")
			}
			return nil, fmt.Errorf("fission: append shard_create: %w", err)
		}

		result.ShardIDs = append(result.ShardIDs, shard.ShardID)
		result.Placement[shard.ShardID] = placement
	}

	return result, underReplicated
}
