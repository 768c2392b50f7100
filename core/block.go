package core

import (
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/rlp"
)

// AtomicMetadata summarizes the particle composition and redundancy of
// every shard_create record batched into a block, so a peer can sanity
// check a proposal without re-deriving every shard's atoms.
//
// AverageFrequencyX100 holds the average frequency scaled by 100 and
// rounded to the nearest integer rather than a float64, because this
// struct is embedded in BlockHeader and RLP-encoded by computeHash —
// go-ethereum's rlp package only serializes integers, strings, byte
// slices and structs/slices thereof, not floating point types.
type AtomicMetadata struct {
	ProtonCount          int `json:"proton_count"`
	NeutronCount         int `json:"neutron_count"`
	ElectronCount        int `json:"electron_count"`
	MinRedundancy        int `json:"min_redundancy"`
	AverageFrequencyX100 int `json:"average_frequency_x100"`
}

// AverageFrequency returns the unscaled average frequency.
func (a AtomicMetadata) AverageFrequency() float64 {
	return float64(a.AverageFrequencyX100) / 100
}

// BlockHeader is the RLP-encoded, hashed portion of a block (§3). Records
// are committed to via RecordsHash rather than included directly, so
// header hashing cost doesn't scale with batch size.
type BlockHeader struct {
	Index       uint64
	PreviousHash string
	Timestamp   int64
	RecordsHash [32]byte
	Atomic      AtomicMetadata
	Nonce       uint64
}

// Block is the consensus unit: a batch of ledger records finalized by
// quorum vote.
type Block struct {
	Header    BlockHeader    `json:"header"`
	Records   []*LedgerRecord `json:"records"`
	Hash      string          `json:"hash"`
	Signature []byte          `json:"signature"`
}

func recordsHash(records []*LedgerRecord) ([32]byte, error) {
	enc, err := rlp.EncodeToBytes(records)
	if err != nil {
		return [32]byte{}, fmt.Errorf("block: encode records: %w", err)
	}
	return Sum256(enc), nil
}

// computeHash reproduces the double-SHA256 over the RLP-encoded header,
// matching the gossip-layer convention for canonical block hashes.
func (h *BlockHeader) computeHash() (string, error) {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		return "", fmt.Errorf("block: encode header: %w", err)
	}
	first := sha256.Sum256(enc)
	second := sha256.Sum256(first[:])
	return fmt.Sprintf("%x", second[:]), nil
}

// summarizeAtomic derives AtomicMetadata from the ShardMetadataRecord
// bodies of a batch's shard_create records. Records of other kinds don't
// contribute and are simply ignored.
func summarizeAtomic(records []*LedgerRecord) AtomicMetadata {
	var meta AtomicMetadata
	minRedundancy := -1
	var freqSum float64
	var freqCount int
	for _, rec := range records {
		if rec.Kind != RecordShardCreate {
			continue
		}
		var smr ShardMetadataRecord
		if err := unmarshalRecordBody(rec.Body, &smr); err != nil {
			continue
		}
		switch smr.Kind {
		case Proton:
			meta.ProtonCount++
		case Neutron:
			meta.NeutronCount++
		case Electron:
			meta.ElectronCount++
		}
		level := requiredRedundancy(smr.Kind)
		if minRedundancy == -1 || level < minRedundancy {
			minRedundancy = level
		}
		freqSum += float64(DeriveFrequency(smr.Address, smr.ShardID))
		freqCount++
	}
	if minRedundancy == -1 {
		minRedundancy = 0
	}
	meta.MinRedundancy = minRedundancy
	if freqCount > 0 {
		meta.AverageFrequencyX100 = int(math.Round(freqSum / float64(freqCount) * 100))
	}
	return meta
}

// proposerScore computes a candidate block's proposer-race score (§4.5):
// the batch's average shard frequency plus its proton and neutron counts,
// divided by the number of records. It returns only the score; it does not
// compare blocks or break ties between equal scores.
func proposerScore(b *Block) float64 {
	if len(b.Records) == 0 {
		return 0
	}
	weight := b.Header.Atomic.AverageFrequency() + float64(b.Header.Atomic.ProtonCount+b.Header.Atomic.NeutronCount)
	return weight / float64(len(b.Records))
}
