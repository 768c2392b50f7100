package core

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// NodeConfig aggregates every subsystem's configuration (§6); cmd/atomvault
// fills it from the node.toml-backed pkg/config.Config. It carries no key
// ids: NewAtomVaultNode generates the node's signing and KEM key pairs from
// the selected KeyProvider.
type NodeConfig struct {
	Network     Config
	Storage     StorageConfig
	Ledger      LedgerConfig
	Consensus   ConsensusConfig
	Replication ReplicationConfig

	// KeyProviderKind selects the KeyProvider backend per §6's KEY_PROVIDER
	// env var: "local" (default) or "hsm". HSMEndpoint is only meaningful
	// for "hsm".
	KeyProviderKind string
	HSMEndpoint     string

	RecoveryRoot   string
	TokenUsageLog  string
	AuditTrailPath string
}

// AtomVaultNode is the fully wired node. NewAtomVaultNode constructs the
// modules in this order: key provider, peer overlay, ledger, PoA tokens,
// shard fetcher, storage, consensus, fission/fusion, audit, replication.
// Most dependencies are passed as the narrow capability interfaces in
// common_structs.go; the exceptions are FissionPipeline (holds the concrete
// *StorageManager), FusionPipeline (*Ledger and *StorageManager) and
// Replicator (*Ledger). The construction
// cycle between Ledger and ConsensusEngine (consensus needs TokenStore and
// ShardReader, which need the ledger, which itself submits to consensus) is
// resolved by constructing the ledger with no consensus wired and patching
// it in afterward with SetConsensus.
type AtomVaultNode struct {
	cfg NodeConfig
	log *logrus.Logger

	Keys    KeyProvider
	Peer    *Node
	PeerMgr *PeerManagement
	Tokens  *TokenManager
	Storage *StorageManager
	Ledger  *Ledger

	Consensus *ConsensusEngine
	Fission   *FissionPipeline
	Fusion    *FusionPipeline
	Fetcher   *ShardFetcher
	Audit     *AuditManager
	Repl      *Replicator

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAtomVaultNode constructs and wires every subsystem but starts none of
// them; call Start to begin serving.
func NewAtomVaultNode(cfg NodeConfig, log *logrus.Logger) (*AtomVaultNode, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var keys KeyProvider
	switch cfg.KeyProviderKind {
	case "", "local":
		keys = NewMemoryKeyProvider()
	case "hsm":
		keys = NewRemoteHSMKeyProvider(cfg.HSMEndpoint)
	default:
		return nil, fmt.Errorf("node: unknown key provider kind %q", cfg.KeyProviderKind)
	}
	signKeyID, err := keys.GenerateKeypair(KeySign)
	if err != nil {
		return nil, fmt.Errorf("node: generate sign key: %w", err)
	}
	kemKeyID, err := keys.GenerateKeypair(KeyKEM)
	if err != nil {
		return nil, fmt.Errorf("node: generate kem key: %w", err)
	}
	kemPub, err := keys.PublicKey(kemKeyID)
	if err != nil {
		return nil, fmt.Errorf("node: kem public key: %w", err)
	}

	peer, err := NewNode(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("node: new peer overlay: %w", err)
	}
	peerMgr := NewPeerManagement(peer)
	selfID := peer.SelfID()

	// Ledger is constructed with consensus=nil: consensus cannot be built
	// until the token manager and storage manager exist, and both require
	// the ledger as their LedgerAppend dependency.
	ledger, err := NewLedger(cfg.Ledger, keys, signKeyID, nil, log)
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("node: new ledger: %w", err)
	}

	tokens, err := NewTokenManager(keys, ledger, log, cfg.TokenUsageLog)
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("node: new token manager: %w", err)
	}

	fetcher := NewShardFetcher(peerMgr, peerMgr, log)

	storage, err := NewStorageManager(cfg.Storage, keys, kemKeyID, ledger, peerMgr, fetcher, log)
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("node: new storage manager: %w", err)
	}

	consensusCfg := cfg.Consensus
	consensusCfg.NodeID = selfID
	consensusCfg.SignKeyID = signKeyID
	consensus := NewConsensusEngine(consensusCfg, keys, peerMgr, peerMgr, tokens, storage, log)
	ledger.SetConsensus(consensus)

	fissionCfg := FissionConfig{SelfID: selfID, SignKeyID: signKeyID, KEMPub: kemPub, BounceLogPath: filepath.Join(cfg.Ledger.Root, "bounce.log")}
	fission := NewFissionPipeline(fissionCfg, keys, tokens, storage, ledger, peerMgr, NewRoundRobinPlacement(), log)

	fusionCfg := FusionConfig{SelfID: selfID, KEMKeyID: kemKeyID, BackupRoot: cfg.RecoveryRoot}
	fusion := NewFusionPipeline(fusionCfg, keys, tokens, ledger, storage, peerMgr, peerMgr, fetcher, log)

	audit, err := NewAuditManager(ledger, cfg.AuditTrailPath)
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("node: new audit manager: %w", err)
	}

	repl := NewReplicator(cfg.Replication, log, ledger, peerMgr, peerMgr)

	ctx, cancel := context.WithCancel(context.Background())

	return &AtomVaultNode{
		cfg:       cfg,
		log:       log,
		Keys:      keys,
		Peer:      peer,
		PeerMgr:   peerMgr,
		Tokens:    tokens,
		Storage:   storage,
		Ledger:    ledger,
		Consensus: consensus,
		Fission:   fission,
		Fusion:    fusion,
		Fetcher:   fetcher,
		Audit:     audit,
		Repl:      repl,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches every background loop: consensus proposal/vote handling,
// fusion's shard request/response listener, the storage audit sweep, and
// ledger replication.
func (n *AtomVaultNode) Start(ctx context.Context) error {
	n.Consensus.Start(ctx)
	n.Fetcher.Start(ctx)
	n.Fusion.Start(ctx)
	go n.Storage.AuditLoop(ctx)
	n.Repl.Start()
	n.log.WithField("node_id", string(n.Peer.SelfID())).Info("node: started")
	return nil
}

// Stop tears down the peer overlay, the replicator, and the audit trail.
func (n *AtomVaultNode) Stop() error {
	n.cancel()
	n.Repl.Stop()
	if err := n.Audit.Close(); err != nil && n.log != nil {
		n.log.WithError(err).Warn("node: audit trail close failed")
	}
	return n.Peer.Close()
}
