package core

import "time"

// NodeID identifies a participant in the peer overlay.
type NodeID string

// Role classifies a Node Identity's position in the federation.
type Role string

const (
	RoleHQ          Role = "hq"
	RoleCorporate   Role = "corporate"
	RoleBranch      Role = "branch"
	RoleSpecialized Role = "specialized"
)

// NodeIdentity is the peer-admission record: who a node claims to be and
// what it is entitled to do.
type NodeIdentity struct {
	NodeID          NodeID   `json:"node_id"`
	Role            Role     `json:"role"`
	PublicKey       []byte   `json:"public_key"`
	Endpoints       []string `json:"endpoints"`
	AttestedTokenID string   `json:"attested_token_id"`
}

// RecordKind enumerates the ledger record kinds named in §3.
type RecordKind string

const (
	RecordShardCreate RecordKind = "shard_create"
	RecordShardMove   RecordKind = "shard_move"
	RecordShardRepair RecordKind = "shard_repair"
	RecordShardRemove RecordKind = "shard_remove" // compensating record, §4.7 step 7 failure path
	RecordTokenMint   RecordKind = "token_mint"
	RecordTokenRedeem RecordKind = "token_redeem"
	RecordTokenRevoke RecordKind = "token_revoke"
	RecordAudit       RecordKind = "audit"
	RecordArbitration RecordKind = "arbitration" // fork-resolution HQ arbitration entry
)

// LedgerAppend is the narrow capability interface token, shard, and audit
// components depend on. No module holds a concrete *Ledger; this breaks
// the token-validator/ledger/consensus cyclic reference per spec §9.
type LedgerAppend interface {
	Append(kind RecordKind, body []byte) (*LedgerRecord, error)
	AppendFor(address string, kind RecordKind, body []byte) (*LedgerRecord, error)
}

// ConsensusSubmit is the narrow capability interface the Ledger Manager
// uses to hand a candidate block to consensus without importing the
// concrete consensus engine.
type ConsensusSubmit interface {
	ProposeBlock(records []*LedgerRecord) (*Block, error)
}

// ShardReader is the narrow capability interface consensus and fusion use
// to query shard existence without importing the storage manager
// concretely.
type ShardReader interface {
	VerifyIntegrity(kind Particle, id string) (bool, error)
	Retrieve(kind Particle, id string) ([]byte, *ShardMetadata, error)
}

// PeerManager is the narrow capability interface components use to reach
// the peer overlay without importing concrete networking types.
type PeerManager interface {
	Peers() []NodeID
	Sample(n int) []NodeID
	SendAsync(peer NodeID, kind string, payload []byte) error
}

// InboundMsg is a decoded, authenticated message delivered by the peer
// overlay to a subscriber.
type InboundMsg struct {
	From    NodeID
	Kind    string
	Payload []byte
	Ts      time.Time
}
