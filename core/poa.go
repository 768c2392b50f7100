package core

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/google/uuid"
)

// Token is the PoA credential record. KEMPublicKey is the public half of
// the Kyber KEM keypair that seals the envelope presented at validation;
// kemKeyID names its private half in this node's KeyProvider.
type Token struct {
	TokenID      string     `json:"token_id"`
	OwnerNodeID  string     `json:"owner_node_id"`
	PublicKey    []byte     `json:"public_key"` // Dilithium signing pubkey
	Signature    []byte     `json:"signature"`
	NotAfter     *time.Time `json:"not_after,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	KEMPublicKey []byte     `json:"kem_public_key"`

	Redeemed bool `json:"redeemed"`
	Revoked  bool `json:"revoked"`

	kemKeyID string // unexported: not persisted, resolves decapsulation on this node
}

// tokenSignedMessage returns the exact byte sequence PoA token signatures cover:
// (token_id, owner_node_id).
func tokenSignedMessage(tokenID, ownerNodeID string) []byte {
	return []byte(tokenID + "|" + ownerNodeID)
}

// ValidationOutcome is returned by TokenManager.Validate on success.
type ValidationOutcome struct {
	Valid       bool
	OwnerNodeID string
	Metadata    map[string]string
}

// TokenStore is the narrow capability interface the Fission/Fusion
// pipelines and consensus depend on — never the concrete *TokenManager —
// so no module imports another concrete module (see spec §9).
type TokenStore interface {
	Validate(tokenID string, env *Envelope) (*ValidationOutcome, error)
	RecordUsage(tokenID, operationKind string)
}

// TokenManager implements the PoA token lifecycle: mint, validate,
// record_usage, redeem, revoke.
type TokenManager struct {
	keys   KeyProvider
	ledger LedgerAppend
	log    *logrus.Logger

	mu     sync.RWMutex
	tokens map[string]*Token
	locks  map[string]*sync.Mutex

	cache *lru.Cache[string, *Token]

	usageMu   sync.Mutex
	usageFile string
}

// NewTokenManager constructs a token manager backed by keys for crypto
// operations and ledger for appending token_mint/token_revoke records.
func NewTokenManager(keys KeyProvider, ledger LedgerAppend, log *logrus.Logger, usageLogPath string) (*TokenManager, error) {
	cache, err := lru.New[string, *Token](4096)
	if err != nil {
		return nil, fmt.Errorf("poa: new cache: %w", err)
	}
	return &TokenManager{
		keys:      keys,
		ledger:    ledger,
		log:       log,
		tokens:    make(map[string]*Token),
		locks:     make(map[string]*sync.Mutex),
		cache:     cache,
		usageFile: usageLogPath,
	}, nil
}

func (t *TokenManager) lockFor(tokenID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[tokenID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[tokenID] = l
	}
	return l
}

// Mint generates a fresh Dilithium signing keypair and Kyber KEM keypair
// for owner_node_id, signs (token_id, owner_node_id), seals token_id under
// the fresh KEM public key, and appends a token_mint ledger record.
func (t *TokenManager) Mint(ownerNodeID string, metadata map[string]string) (tokenID string, env *Envelope, err error) {
	signKeyID, err := t.keys.GenerateKeypair(KeySign)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrKeyProvider, err)
	}
	kemKeyID, err := t.keys.GenerateKeypair(KeyKEM)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrKeyProvider, err)
	}
	pub, err := t.keys.PublicKey(signKeyID)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrKeyProvider, err)
	}
	kemPub, err := t.keys.PublicKey(kemKeyID)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrKeyProvider, err)
	}

	tokenID = uuid.NewString()
	sig, err := t.keys.Sign(signKeyID, tokenSignedMessage(tokenID, ownerNodeID))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrKeyProvider, err)
	}
	env, err = SealEnvelope(kemPub, []byte(tokenID))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrKeyProvider, err)
	}

	tok := &Token{
		TokenID:      tokenID,
		OwnerNodeID:  ownerNodeID,
		PublicKey:    pub,
		Signature:    sig,
		Metadata:     metadata,
		KEMPublicKey: kemPub,
		kemKeyID:     kemKeyID,
	}

	lock := t.lockFor(tokenID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	t.tokens[tokenID] = tok
	t.mu.Unlock()
	t.cache.Add(tokenID, tok)

	if t.ledger != nil {
		body, _ := marshalRecordBody(tok)
		if _, err := t.ledger.Append(RecordTokenMint, body); err != nil {
			return "", nil, fmt.Errorf("poa: mint: append ledger record: %w", err)
		}
	}
	if t.log != nil {
		t.log.WithFields(logrus.Fields{"token_id": tokenID, "owner_node_id": ownerNodeID}).Info("token minted")
	}
	return tokenID, env, nil
}

// Validate looks up the token, opens the envelope under its own KEM
// keypair held by the KeyProvider, checks equality with token_id, verifies
// the Dilithium signature, and checks expiry/redemption/revocation state.
// Safe for concurrent callers: it only takes the shared read lock.
func (t *TokenManager) Validate(tokenID string, env *Envelope) (*ValidationOutcome, error) {
	tok := t.lookup(tokenID)
	if tok == nil {
		return nil, fmt.Errorf("poa: validate: %w", ErrTokenNotFound)
	}
	if tok.Revoked {
		return nil, fmt.Errorf("poa: validate: %w", ErrRevoked)
	}
	if tok.Redeemed {
		return nil, fmt.Errorf("poa: validate: %w", ErrAlreadyRedeemed)
	}
	if tok.NotAfter != nil && time.Now().After(*tok.NotAfter) {
		return nil, fmt.Errorf("poa: validate: %w", ErrExpired)
	}

	// Envelope decryption requires the owner's KEM private key. Validation
	// on the node that minted the token resolves it directly; a token
	// presented to a different node routes envelope opening through the
	// owning node over the peer overlay (see §4.6), which is out of scope
	// for this in-process validator.
	if tok.kemKeyID == "" {
		return nil, fmt.Errorf("poa: validate: %w", ErrEnvelopeMismatch)
	}
	shared, err := t.keys.Decapsulate(tok.kemKeyID, env.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("poa: validate: %w", ErrEnvelopeMismatch)
	}
	key, err := DeriveKey(shared, nil, []byte("atomvault/poa-envelope"))
	if err != nil {
		return nil, fmt.Errorf("poa: validate: %w", ErrEnvelopeMismatch)
	}
	opened, err := Open(key, env.Blob, nil)
	if err != nil {
		return nil, fmt.Errorf("poa: validate: %w", ErrEnvelopeMismatch)
	}
	if string(opened) != tokenID {
		return nil, fmt.Errorf("poa: validate: %w", ErrEnvelopeMismatch)
	}

	ok, err := t.keys.Verify(tok.PublicKey, tokenSignedMessage(tok.TokenID, tok.OwnerNodeID), tok.Signature)
	if err != nil || !ok {
		return nil, fmt.Errorf("poa: validate: %w", ErrSignatureInvalid)
	}

	return &ValidationOutcome{Valid: true, OwnerNodeID: tok.OwnerNodeID, Metadata: tok.Metadata}, nil
}

func (t *TokenManager) lookup(tokenID string) *Token {
	if tok, ok := t.cache.Get(tokenID); ok {
		return tok
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	tok := t.tokens[tokenID]
	if tok != nil {
		t.cache.Add(tokenID, tok)
	}
	return tok
}

// RecordUsage appends to the usage log for audit visibility only; it never
// gates the operation it is recording.
func (t *TokenManager) RecordUsage(tokenID, operationKind string) {
	t.usageMu.Lock()
	defer t.usageMu.Unlock()
	if t.usageFile == "" {
		return
	}
	line := fmt.Sprintf(`{"token_id":%q,"operation_kind":%q,"timestamp":%q}`+"\n",
		tokenID, operationKind, time.Now().UTC().Format(time.RFC3339Nano))
	appendLine(t.usageFile, line, t.log)
}

// Redeem marks a single-use token as consumed.
func (t *TokenManager) Redeem(tokenID string) error {
	lock := t.lockFor(tokenID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	tok, ok := t.tokens[tokenID]
	if ok {
		if tok.Redeemed {
			t.mu.Unlock()
			return fmt.Errorf("poa: redeem: %w", ErrAlreadyRedeemed)
		}
		tok.Redeemed = true
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("poa: redeem: %w", ErrTokenNotFound)
	}
	t.cache.Remove(tokenID)
	if t.ledger != nil {
		body, _ := marshalRecordBody(map[string]string{"token_id": tokenID})
		if _, err := t.ledger.Append(RecordTokenRedeem, body); err != nil {
			return fmt.Errorf("poa: redeem: append ledger record: %w", err)
		}
	}
	return nil
}

// Revoke appends a token_revoke record; validation after revocation fails
// with Revoked.
func (t *TokenManager) Revoke(tokenID string) error {
	lock := t.lockFor(tokenID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	tok, ok := t.tokens[tokenID]
	if ok {
		tok.Revoked = true
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("poa: revoke: %w", ErrTokenNotFound)
	}
	t.cache.Remove(tokenID)
	if t.ledger != nil {
		body, _ := marshalRecordBody(map[string]string{"token_id": tokenID})
		if _, err := t.ledger.Append(RecordTokenRevoke, body); err != nil {
			return fmt.Errorf("poa: revoke: append ledger record: %w", err)
		}
	}
	return nil
}

var _ TokenStore = (*TokenManager)(nil)
