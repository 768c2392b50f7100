package core

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StorageConfig configures the local on-disk shard store.
type StorageConfig struct {
	Root       string        // <root>/shards/{neutron,proton,electron}
	BackupRoot string        // <root>/shards/.../backups
	AuditEvery time.Duration // audit loop cadence, default 1h
}

// StorageManager persists shards durably on the local node with
// encryption-at-rest, tamper detection, and repair. It owns the
// ciphertext and wrapped key for every locally stored shard (§3
// ownership rule).
type StorageManager struct {
	cfg    StorageConfig
	keys   KeyProvider
	kemKey string // this node's own KEM keyID, used to unwrap shard keys
	log     *logrus.Logger
	ledger  LedgerAppend
	peers   PeerManager
	fetcher *ShardFetcher

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	anomaly map[Particle]*AnomalyDetector
	history map[Particle][]float64
}

func NewStorageManager(cfg StorageConfig, keys KeyProvider, kemKeyID string, ledger LedgerAppend, peers PeerManager, fetcher *ShardFetcher, log *logrus.Logger) (*StorageManager, error) {
	for _, kind := range []Particle{Neutron, Proton, Electron} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, string(kind)), 0o700); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}
		if cfg.BackupRoot != "" {
			if err := os.MkdirAll(filepath.Join(cfg.BackupRoot, string(kind)), 0o700); err != nil {
				return nil, fmt.Errorf("storage: mkdir backup: %w", err)
			}
		}
	}
	if cfg.AuditEvery == 0 {
		cfg.AuditEvery = time.Hour
	}
	anomaly := make(map[Particle]*AnomalyDetector, 3)
	history := make(map[Particle][]float64, 3)
	for _, kind := range []Particle{Neutron, Proton, Electron} {
		anomaly[kind] = NewAnomalyDetector()
	}
	return &StorageManager{cfg: cfg, keys: keys, kemKey: kemKeyID, ledger: ledger, peers: peers, fetcher: fetcher, log: log, locks: make(map[string]*sync.Mutex), anomaly: anomaly, history: history}, nil
}

// anomalyThreshold is the z-score above which a shard kind's per-pass
// repair count is logged as a drifting repair rate rather than routine
// noise (§4.7 audit loop).
const anomalyThreshold = 3.0

// repairRiskWindow bounds both the trailing history kept per shard kind
// and the moving-average window PredictRisk is evaluated over.
const repairRiskWindow = 10

func (s *StorageManager) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *StorageManager) dataPath(kind Particle, id string) string {
	return filepath.Join(s.cfg.Root, string(kind), id+".dat")
}

func (s *StorageManager) metaPath(kind Particle, id string) string {
	return filepath.Join(s.cfg.Root, string(kind), id+".dat.meta")
}

func (s *StorageManager) backupPath(kind Particle, id string) string {
	return filepath.Join(s.cfg.BackupRoot, string(kind), id+".dat")
}

// Store writes the shard's already-sealed ciphertext and sidecar atomically
// (write-then-rename), and fsyncs before returning. Duplicate shard ids
// return success without writing (idempotent store, spec §4.7).
func (s *StorageManager) Store(shard *Shard, custom map[string]string) error {
	lock := s.lockFor(shard.ShardID)
	lock.Lock()
	defer lock.Unlock()

	dataPath := s.dataPath(shard.Kind, shard.ShardID)
	if _, err := os.Stat(dataPath); err == nil {
		return nil
	}

	if err := writeThenRename(dataPath, shard.Ciphertext); err != nil {
		return fmt.Errorf("storage: store: %w", err)
	}

	if s.cfg.BackupRoot != "" {
		if err := writeThenRename(s.backupPath(shard.Kind, shard.ShardID), shard.Ciphertext); err != nil && s.log != nil {
			s.log.WithFields(logrus.Fields{"shard_id": shard.ShardID, "kind": shard.Kind}).WithError(err).Warn("storage: backup write failed")
		}
	}

	ctHash := sha256.Sum256(shard.Ciphertext)
	meta := &ShardMetadata{
		ID:             shard.ShardID,
		Kind:           shard.Kind,
		CiphertextHash: fmt.Sprintf("%x", ctHash[:]),
		WrappedKey:     shard.WrappedKey,
		IV:             append([]byte{}, shard.IV[:]...),
		AuthTag:        append([]byte{}, shard.AuthTag[:]...),
		Custom:         custom,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: store: marshal meta: %w", err)
	}
	if err := writeThenRename(s.metaPath(shard.Kind, shard.ShardID), metaBytes); err != nil {
		return fmt.Errorf("storage: store: %w", err)
	}
	if s.log != nil {
		s.log.WithFields(logrus.Fields{"shard_id": shard.ShardID, "kind": shard.Kind}).Debug("shard stored")
	}
	return nil
}

func writeThenRename(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *StorageManager) readMeta(kind Particle, id string) (*ShardMetadata, error) {
	raw, err := os.ReadFile(s.metaPath(kind, id))
	if err != nil {
		return nil, err
	}
	var meta ShardMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Retrieve reads ciphertext, recomputes ciphertext_hash, compares with the
// sidecar; on mismatch returns ErrTamperDetected without decrypting.
// Otherwise unwraps the key and decrypts.
func (s *StorageManager) Retrieve(kind Particle, id string) ([]byte, *ShardMetadata, error) {
	meta, err := s.readMeta(kind, id)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: retrieve: %w", err)
	}
	ct, err := os.ReadFile(s.dataPath(kind, id))
	if err != nil {
		return nil, nil, fmt.Errorf("storage: retrieve: %w", err)
	}
	sum := sha256.Sum256(ct)
	if fmt.Sprintf("%x", sum[:]) != meta.CiphertextHash {
		return nil, meta, ErrTamperDetected
	}
	dataKey, err := UnwrapShardKey(s.keys, s.kemKey, meta.WrappedKey)
	if err != nil {
		return nil, meta, fmt.Errorf("storage: retrieve: unwrap: %w", err)
	}
	var iv [gcmIVSize]byte
	var tag [gcmTagSize]byte
	copy(iv[:], meta.IV)
	copy(tag[:], meta.AuthTag)
	pt, err := Open(dataKey, &SealedBlob{Ciphertext: ct, IV: iv, AuthTag: tag}, nil)
	if err != nil {
		return nil, meta, ErrAuthTagInvalid
	}
	return pt, meta, nil
}

// VerifyIntegrity is the hash-only variant used by the audit loop: it
// never decrypts.
func (s *StorageManager) VerifyIntegrity(kind Particle, id string) (bool, error) {
	meta, err := s.readMeta(kind, id)
	if err != nil {
		return false, fmt.Errorf("storage: verify: %w", err)
	}
	ct, err := os.ReadFile(s.dataPath(kind, id))
	if err != nil {
		return false, fmt.Errorf("storage: verify: %w", err)
	}
	sum := sha256.Sum256(ct)
	return fmt.Sprintf("%x", sum[:]) == meta.CiphertextHash, nil
}

// Repair copies from the configured backup path, or requests the shard
// from a peer replica, updates the sidecar hash, and emits a
// shard_repair ledger record. The peer path only trusts a response whose
// ciphertext hashes to the value recorded in the sidecar before repair
// began — the hash a peer-served SHARD_RESPONSE is checked against is the
// one the corrupted on-disk bytes can no longer produce, so a tampered or
// stale reply is rejected rather than written over the shard.
func (s *StorageManager) Repair(ctx context.Context, kind Particle, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if s.cfg.BackupRoot != "" {
		backup := s.backupPath(kind, id)
		if data, err := os.ReadFile(backup); err == nil {
			if err := writeThenRename(s.dataPath(kind, id), data); err != nil {
				return fmt.Errorf("storage: repair: %w", err)
			}
			return s.finishRepair(kind, id)
		}
	}

	if s.peers != nil && s.fetcher != nil {
		meta, err := s.readMeta(kind, id)
		if err != nil {
			return fmt.Errorf("storage: repair: %w", err)
		}
		candidates := s.peers.Sample(3)
		resp, err := s.fetcher.Fetch(ctx, id, kind, candidates, "", 5*time.Second, func(resp *shardResponseMsg) bool {
			sum := sha256.Sum256(resp.Ciphertext)
			return fmt.Sprintf("%x", sum[:]) == meta.CiphertextHash
		})
		if err == nil {
			if err := writeThenRename(s.dataPath(kind, id), resp.Ciphertext); err != nil {
				return fmt.Errorf("storage: repair: %w", err)
			}
			return s.finishRepair(kind, id)
		}
	}
	return fmt.Errorf("storage: repair %s/%s: %w", kind, id, ErrUnrecoverable)
}

func (s *StorageManager) finishRepair(kind Particle, id string) error {
	ct, err := os.ReadFile(s.dataPath(kind, id))
	if err != nil {
		return fmt.Errorf("storage: repair: %w", err)
	}
	sum := sha256.Sum256(ct)
	meta, err := s.readMeta(kind, id)
	if err != nil {
		return fmt.Errorf("storage: repair: %w", err)
	}
	meta.CiphertextHash = fmt.Sprintf("%x", sum[:])
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: repair: %w", err)
	}
	if err := writeThenRename(s.metaPath(kind, id), metaBytes); err != nil {
		return fmt.Errorf("storage: repair: %w", err)
	}
	if s.ledger != nil {
		body, _ := json.Marshal(map[string]string{"shard_id": id, "kind": string(kind)})
		if _, err := s.ledger.Append(RecordShardRepair, body); err != nil {
			return fmt.Errorf("storage: repair: append ledger record: %w", err)
		}
	}
	if s.log != nil {
		s.log.WithFields(logrus.Fields{"shard_id": id, "kind": kind}).Info("shard repaired")
	}
	return nil
}

// AuditLoop scans every shard in every store on a fixed cadence, calling
// VerifyIntegrity and invoking Repair on failure. It is cancellable via
// ctx and never blocks Store/Retrieve (each shard's lock is only held for
// the duration of its own check).
func (s *StorageManager) AuditLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AuditEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAuditPass(ctx)
		}
	}
}

func (s *StorageManager) runAuditPass(ctx context.Context) {
	for _, kind := range []Particle{Neutron, Proton, Electron} {
		dir := filepath.Join(s.cfg.Root, string(kind))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		repairs := 0
		for _, e := range entries {
			select {
			case <-ctx.Done():
				return
			default:
			}
			name := e.Name()
			if filepath.Ext(name) != ".dat" {
				continue
			}
			id := name[:len(name)-len(".dat")]
			ok, err := s.VerifyIntegrity(kind, id)
			if err != nil || !ok {
				if repairErr := s.Repair(ctx, kind, id); repairErr != nil {
					if s.log != nil {
						s.log.WithFields(logrus.Fields{"shard_id": id, "kind": kind}).WithError(repairErr).Warn("audit: repair failed")
					}
				} else {
					repairs++
				}
			}
		}
		s.scoreRepairRate(kind, repairs)
	}
}

// scoreRepairRate feeds this pass's repair count for kind into its
// running AnomalyDetector and logs when the rate has drifted far enough
// from its historical mean to suggest a failing backup source or a peer
// no longer answering SHARD_REQUEST, rather than routine bit rot.
func (s *StorageManager) scoreRepairRate(kind Particle, repairs int) {
	det := s.anomaly[kind]
	if det == nil {
		return
	}
	v := float64(repairs)
	score := det.Score(v)
	det.Update(v)
	if score > anomalyThreshold && s.log != nil {
		s.log.WithFields(logrus.Fields{"kind": kind, "repairs": repairs, "z_score": score}).Warn("audit: repair rate anomaly")
	}

	hist := append(s.history[kind], v)
	if len(hist) > repairRiskWindow {
		hist = hist[len(hist)-repairRiskWindow:]
	}
	s.history[kind] = hist
	if risk := PredictRisk(hist, repairRiskWindow); risk > anomalyThreshold && s.log != nil {
		s.log.WithFields(logrus.Fields{"kind": kind, "risk": risk}).Warn("audit: sustained repair risk trending up")
	}
}

var _ ShardReader = (*StorageManager)(nil)
