package core

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// globalChain is the address key used for records that aren't bound to a
// shard address (token lifecycle, audit, arbitration).
const globalChain = "_global"

// LedgerConfig configures the per-address append-only ledger.
type LedgerConfig struct {
	Root       string // <root>/ledger
	PoWKinds   map[RecordKind]bool
	Difficulty int // zero nibbles required when PoW is enabled for a kind
}

// LedgerRecord is the atomic append unit (§3).
type LedgerRecord struct {
	Index        int             `json:"index"`
	PreviousHash string          `json:"previous_hash"`
	Timestamp    int64           `json:"timestamp"`
	Kind         RecordKind      `json:"kind"`
	Body         json.RawMessage `json:"body"`
	Hash         string          `json:"hash"`
	Nonce        uint64          `json:"nonce"`
	Signature    []byte          `json:"signature"`
}

// recomputeHash reproduces hash = SHA-256(index || previous_hash ||
// timestamp || body || nonce).
func (r *LedgerRecord) recomputeHash() string {
	buf := fmt.Sprintf("%d|%s|%d|%s|%d", r.Index, r.PreviousHash, r.Timestamp, string(r.Body), r.Nonce)
	sum := Sum256([]byte(buf))
	return fmt.Sprintf("%x", sum[:])
}

// Ledger is the append-only, tamper-evident record of every token and
// shard operation, partitioned into one hash-chain per address.
type Ledger struct {
	cfg       LedgerConfig
	keys      KeyProvider
	signKeyID string
	consensus ConsensusSubmit
	log       *logrus.Logger

	mu     sync.Mutex
	chains map[string][]*LedgerRecord
}

func NewLedger(cfg LedgerConfig, keys KeyProvider, signKeyID string, consensus ConsensusSubmit, log *logrus.Logger) (*Ledger, error) {
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}
	l := &Ledger{cfg: cfg, keys: keys, signKeyID: signKeyID, consensus: consensus, log: log, chains: make(map[string][]*LedgerRecord)}
	if err := l.loadAll(); err != nil {
		return nil, fmt.Errorf("ledger: load: %w", err)
	}
	return l, nil
}

func (l *Ledger) loadAll() error {
	entries, err := os.ReadDir(l.cfg.Root)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "-metadata.json") {
			continue
		}
		address := strings.TrimSuffix(name, ".json")
		records, err := l.readChainFile(address)
		if err != nil {
			return err
		}
		l.chains[address] = records
	}
	return nil
}

// SetConsensus wires the consensus engine after ledger construction,
// breaking the ledger/consensus/token-validator construction cycle noted
// in spec §9: consensus itself depends on the token manager and storage
// manager, both of which take the ledger as their LedgerAppend dependency,
// so the ledger must exist before consensus can be built. A ledger with
// no consensus wired appends records immediately without a quorum vote,
// which is the expected behavior for a single-node deployment.
func (l *Ledger) SetConsensus(c ConsensusSubmit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consensus = c
}

func (l *Ledger) chainPath(address string) string {
	return filepath.Join(l.cfg.Root, address+".json")
}

func (l *Ledger) readChainFile(address string) ([]*LedgerRecord, error) {
	raw, err := os.ReadFile(l.chainPath(address))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []*LedgerRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (l *Ledger) writeChainFile(address string) error {
	raw, err := json.MarshalIndent(l.chains[address], "", "  ")
	if err != nil {
		return err
	}
	return writeThenRename(l.chainPath(address), raw)
}

// Append implements LedgerAppend for records not bound to a shard
// address (token lifecycle, audit, arbitration): it appends to the
// global chain.
func (l *Ledger) Append(kind RecordKind, body []byte) (*LedgerRecord, error) {
	return l.AppendFor(globalChain, kind, body)
}

// AppendFor computes previous_hash from the last finalized record on
// address's chain, fills timestamp/nonce, computes hash (grinding nonce
// if PoW is enabled for kind), signs with the node's signing key, and
// proposes the record to consensus. Durable only after consensus
// finalizes the containing block.
func (l *Ledger) AppendFor(address string, kind RecordKind, body []byte) (*LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[address]
	prevHash := strings.Repeat("0", 64)
	index := 0
	if len(chain) > 0 {
		last := chain[len(chain)-1]
		prevHash = last.Hash
		index = last.Index + 1
	}

	rec := &LedgerRecord{
		Index:        index,
		PreviousHash: prevHash,
		Timestamp:    time.Now().Unix(),
		Kind:         kind,
		Body:         json.RawMessage(body),
	}

	if l.cfg.PoWKinds[kind] {
		if err := l.grindPoW(rec); err != nil {
			return nil, fmt.Errorf("ledger: append: %w", err)
		}
	} else {
		rec.Hash = rec.recomputeHash()
	}

	sig, err := l.keys.Sign(l.signKeyID, []byte(rec.Hash))
	if err != nil {
		return nil, fmt.Errorf("ledger: append: sign: %w", err)
	}
	rec.Signature = sig

	if l.consensus != nil {
		if _, err := l.consensus.ProposeBlock([]*LedgerRecord{rec}); err != nil {
			return nil, fmt.Errorf("ledger: append: %w", ConsensusRejected("append", err))
		}
	}

	l.chains[address] = append(chain, rec)
	if err := l.writeChainFile(address); err != nil {
		return nil, fmt.Errorf("ledger: append: persist: %w", err)
	}
	if l.log != nil {
		l.log.WithFields(logrus.Fields{"address": address, "kind": kind, "index": index}).Info("ledger record appended")
	}
	return rec, nil
}

const difficultyPrefix = "0"

func (l *Ledger) grindPoW(rec *LedgerRecord) error {
	target := strings.Repeat(difficultyPrefix, l.cfg.Difficulty)
	for {
		rec.Hash = rec.recomputeHash()
		if strings.HasPrefix(rec.Hash, target) {
			return nil
		}
		n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
		if err != nil {
			return err
		}
		rec.Nonce = n.Uint64()
	}
}

// Verify checks signature, hash recomputation, PoW condition if
// applicable, and the previous_hash link against the record before it on
// address's chain.
func (l *Ledger) Verify(address string, rec *LedgerRecord) error {
	if rec.recomputeHash() != rec.Hash {
		return fmt.Errorf("ledger: verify: %w: hash mismatch", ErrTamperDetected)
	}
	if l.cfg.PoWKinds[rec.Kind] {
		target := strings.Repeat(difficultyPrefix, l.cfg.Difficulty)
		if !strings.HasPrefix(rec.Hash, target) {
			return fmt.Errorf("ledger: verify: %w: PoW not satisfied", ErrTamperDetected)
		}
	}
	ok, err := l.keys.Verify([]byte(l.signKeyID), []byte(rec.Hash), rec.Signature)
	if err != nil || !ok {
		return fmt.Errorf("ledger: verify: %w", ErrSignatureInvalid)
	}
	l.mu.Lock()
	chain := l.chains[address]
	l.mu.Unlock()
	if rec.Index > 0 {
		if rec.Index > len(chain) {
			return fmt.Errorf("ledger: verify: missing predecessor at index %d", rec.Index-1)
		}
		prev := chain[rec.Index-1]
		if prev.Hash != rec.PreviousHash {
			return fmt.Errorf("ledger: verify: %w: previous_hash link broken", ErrTamperDetected)
		}
	}
	return nil
}

// VerifyChain verifies every record on address's chain transitively.
func (l *Ledger) VerifyChain(address string) error {
	l.mu.Lock()
	chain := append([]*LedgerRecord(nil), l.chains[address]...)
	l.mu.Unlock()
	for _, rec := range chain {
		if err := l.Verify(address, rec); err != nil {
			return err
		}
	}
	return nil
}

// Records returns the records bound to address, used by Fusion to look
// up shard ids and placement.
func (l *Ledger) Records(address string) []*LedgerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*LedgerRecord(nil), l.chains[address]...)
}

// Head returns the last record hash for address, or the genesis
// all-zero hash if the chain is empty.
func (l *Ledger) Head(address string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.chains[address]
	if len(chain) == 0 {
		return strings.Repeat("0", 64)
	}
	return chain[len(chain)-1].Hash
}

// Rollback truncates address's chain back to length n, used to undo
// locally-prepared state when consensus rejects a block (§8 S6).
func (l *Ledger) Rollback(address string, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.chains[address]
	if n > len(chain) {
		return nil
	}
	l.chains[address] = chain[:n]
	return l.writeChainFile(address)
}

// ImportRecords appends records fetched from a peer via sync directly
// to address's chain, skipping consensus (they were already finalized
// by whichever node originally proposed them) but still verifying hash
// linkage before accepting each one.
func (l *Ledger) ImportRecords(address string, records []*LedgerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[address]
	known := len(chain)
	for _, rec := range records {
		if rec.Index < known {
			continue
		}
		if rec.Index != len(chain) {
			return fmt.Errorf("ledger: import: out-of-order record at index %d", rec.Index)
		}
		prevHash := strings.Repeat("0", 64)
		if len(chain) > 0 {
			prevHash = chain[len(chain)-1].Hash
		}
		if rec.PreviousHash != prevHash || rec.recomputeHash() != rec.Hash {
			return fmt.Errorf("ledger: import: %w: record %d", ErrTamperDetected, rec.Index)
		}
		chain = append(chain, rec)
	}
	l.chains[address] = chain
	return l.writeChainFile(address)
}

var _ LedgerAppend = (*Ledger)(nil)
