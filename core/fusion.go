package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// FusionConfig wires a FusionPipeline to the node's subsystems.
type FusionConfig struct {
	SelfID       NodeID
	KEMKeyID     string // this node's own KEM key id, used to unwrap shards served back by a replica peer
	BackupRoot   string // recovery output directory
	FetchTimeout time.Duration
}

type shardRequestMsg struct {
	ShardID string   `json:"shard_id"`
	Kind    Particle `json:"kind"`
}

// shardResponseMsg mirrors §6's SHARD_RESPONSE wire message plus the
// wrapped key a replica peer holds for the shard it is serving back: the
// serving peer never decrypts (shards are wrapped under the *owning*
// node's KEM key, not the peer's own), so it returns exactly what it
// persisted and lets the requester unwrap with its own KeyProvider.
type shardResponseMsg struct {
	ShardID    string `json:"shard_id"`
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
	WrappedKey []byte `json:"wrapped_key"`
}

// FusionPipeline reassembles a payload from its recorded shards,
// preferring the local store and falling back to remote replicas
// (§4.8).
type FusionPipeline struct {
	cfg     FusionConfig
	keys    KeyProvider
	tokens  TokenStore
	ledger  *Ledger
	storage *StorageManager
	peers   PeerManager
	sub     voteSubscriber
	fetcher *ShardFetcher
	log     *logrus.Logger
}

func NewFusionPipeline(cfg FusionConfig, keys KeyProvider, tokens TokenStore, ledger *Ledger, storage *StorageManager, peers PeerManager, sub voteSubscriber, fetcher *ShardFetcher, log *logrus.Logger) *FusionPipeline {
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &FusionPipeline{cfg: cfg, keys: keys, tokens: tokens, ledger: ledger, storage: storage, peers: peers, sub: sub, fetcher: fetcher, log: log}
}

// Start listens for SHARD_REQUEST asks from peers reconstructing
// elsewhere. SHARD_RESPONSE delivery for this node's own outstanding
// fetches is handled by the shared ShardFetcher (also started by the
// node wiring), not here.
func (f *FusionPipeline) Start(ctx context.Context) {
	requests := f.sub.Subscribe("SHARD_REQUEST")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-requests:
				if !ok {
					return
				}
				f.serveRequest(m)
			}
		}
	}()
}

// serveRequest answers a peer's SHARD_REQUEST for a shard this node holds
// a replica of. It never decrypts: the shard was wrapped under the
// *owning* node's KEM key at fission time, not this replica-holder's, so
// it serves the sealed form exactly as persisted and lets the requester
// unwrap it with its own KeyProvider.
func (f *FusionPipeline) serveRequest(m InboundMsg) {
	var req shardRequestMsg
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return
	}
	ok, err := f.storage.VerifyIntegrity(req.Kind, req.ShardID)
	if err != nil || !ok {
		return
	}
	ct, err := os.ReadFile(f.storage.dataPath(req.Kind, req.ShardID))
	if err != nil {
		return
	}
	meta, err := f.storage.readMeta(req.Kind, req.ShardID)
	if err != nil {
		return
	}
	resp := shardResponseMsg{ShardID: req.ShardID, Ciphertext: ct, IV: meta.IV, AuthTag: meta.AuthTag, WrappedKey: meta.WrappedKey}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := f.peers.SendAsync(m.From, "SHARD_RESPONSE", payload); err != nil && f.log != nil {
		f.log.WithField("peer", m.From).WithError(err).Warn("fusion: serve shard request failed")
	}
}

// fetchRemote requests a shard from each known placement in order via the
// shared ShardFetcher, accepting only a response that actually unwraps
// and decrypts, and returns its plaintext.
func (f *FusionPipeline) fetchRemote(ctx context.Context, smr *ShardMetadataRecord) ([]byte, error) {
	if f.fetcher == nil {
		return nil, fmt.Errorf("fusion: shard %s: %w: no shard fetcher configured", smr.ShardID, ErrUnrecoverable)
	}

	var plaintext []byte
	_, err := f.fetcher.Fetch(ctx, smr.ShardID, smr.Kind, smr.Placement, f.cfg.SelfID, f.cfg.FetchTimeout, func(resp *shardResponseMsg) bool {
		dataKey, err := UnwrapShardKey(f.keys, f.cfg.KEMKeyID, resp.WrappedKey)
		if err != nil {
			return false
		}
		var iv [gcmIVSize]byte
		var tag [gcmTagSize]byte
		copy(iv[:], resp.IV)
		copy(tag[:], resp.AuthTag)
		pt, err := Open(dataKey, &SealedBlob{Ciphertext: resp.Ciphertext, IV: iv, AuthTag: tag}, nil)
		if err != nil {
			return false
		}
		plaintext = pt
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("fusion: %w", err)
	}
	return plaintext, nil
}

// Run executes the six-step pipeline.
func (f *FusionPipeline) Run(ctx context.Context, address, tokenID string, env *Envelope) ([]byte, error) {
	outcome, err := f.tokens.Validate(tokenID, env)
	if err != nil {
		return nil, Unauthorized("fusion", err)
	}
	if !outcome.Valid {
		return nil, Unauthorized("fusion", fmt.Errorf("token %s not valid", tokenID))
	}

	records := f.ledger.Records(address)
	removed := make(map[string]bool)
	shards := make(map[string]*ShardMetadataRecord)
	for _, rec := range records {
		switch rec.Kind {
		case RecordShardCreate:
			var smr ShardMetadataRecord
			if err := unmarshalRecordBody(rec.Body, &smr); err != nil {
				continue
			}
			shards[smr.ShardID] = &smr
		case RecordShardRemove:
			var body map[string]string
			if err := unmarshalRecordBody(rec.Body, &body); err != nil {
				continue
			}
			removed[body["shard_id"]] = true
		}
	}

	type bitPos struct {
		byteIndex, bitIndex int
		bit                 byte
	}
	var positions []bitPos
	maxByte := -1

	for id, smr := range shards {
		if removed[id] {
			continue
		}
		var plaintext []byte
		if pt, _, err := f.storage.Retrieve(smr.Kind, smr.ShardID); err == nil {
			plaintext = pt
		} else {
			pt, ferr := f.fetchRemote(ctx, smr)
			if ferr != nil {
				return nil, fmt.Errorf("fusion: %w", ferr)
			}
			plaintext = pt
		}
		if len(plaintext) != 1 {
			return nil, fmt.Errorf("fusion: shard %s: %w: unexpected payload size", smr.ShardID, ErrTamperDetected)
		}
		positions = append(positions, bitPos{byteIndex: smr.ByteIndex, bitIndex: smr.BitIndex, bit: plaintext[0]})
		if smr.ByteIndex > maxByte {
			maxByte = smr.ByteIndex
		}
	}
	if maxByte < 0 {
		return nil, fmt.Errorf("fusion: %w: no shards recorded for %s", ErrReconstruction, address)
	}

	out := make([]byte, maxByte+1)
	for _, p := range positions {
		if p.bit != 0 {
			out[p.byteIndex] |= 1 << uint(7-p.bitIndex)
		}
	}

	if f.cfg.BackupRoot != "" {
		backupPath := fmt.Sprintf("%s/%s_%d.bin", f.cfg.BackupRoot, address, time.Now().Unix())
		if err := writeThenRename(backupPath, out); err != nil && f.log != nil {
			f.log.WithField("address", address).WithError(err).Warn("fusion: recovery backup write failed")
		}
	}

	auditBody, err := marshalRecordBody(map[string]interface{}{"address": address, "shard_count": len(positions)})
	if err == nil {
		if _, err := f.ledger.Append(RecordAudit, auditBody); err != nil && f.log != nil {
			f.log.WithField("address", address).WithError(err).Warn("fusion: audit record append failed")
		}
	}

	return out, nil
}
