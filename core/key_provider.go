package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyKind distinguishes the two key families a KeyProvider manages.
type KeyKind int

const (
	KeySign KeyKind = iota // Dilithium3 signing key
	KeyKEM                 // Kyber768 KEM key
)

type keyMaterial struct {
	kind KeyKind
	pub  []byte
	priv []byte
}

// KeyProvider is the pluggable trait fronting key material. Every
// operation that needs to sign, verify, encapsulate, or decapsulate goes
// through this interface so the rest of the system never depends on
// whether keys live in memory or behind an HSM.
type KeyProvider interface {
	GenerateKeypair(kind KeyKind) (keyID string, err error)
	PublicKey(keyID string) ([]byte, error)
	Sign(keyID string, msg []byte) ([]byte, error)
	Verify(keyIDOrPubkey []byte, msg, sig []byte) (bool, error)
	Encapsulate(pubkey []byte) (shared, ct []byte, err error)
	Decapsulate(keyID string, ct []byte) (shared []byte, err error)
}

// MemoryKeyProvider is the development KeyProvider: all key material lives
// in process memory, generated by the local Dilithium/Kyber primitives.
type MemoryKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]*keyMaterial
}

func NewMemoryKeyProvider() *MemoryKeyProvider {
	return &MemoryKeyProvider{keys: make(map[string]*keyMaterial)}
}

func (m *MemoryKeyProvider) GenerateKeypair(kind KeyKind) (string, error) {
	var pub, priv []byte
	var err error
	switch kind {
	case KeySign:
		pub, priv, err = DilithiumKeypair()
	case KeyKEM:
		pub, priv, err = KyberKeypair()
	default:
		return "", fmt.Errorf("key_provider: unknown kind %d", kind)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyProvider, err)
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.keys[id] = &keyMaterial{kind: kind, pub: pub, priv: priv}
	m.mu.Unlock()
	return id, nil
}

func (m *MemoryKeyProvider) PublicKey(keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	km, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("key_provider: unknown key %q", keyID)
	}
	return km.pub, nil
}

func (m *MemoryKeyProvider) Sign(keyID string, msg []byte) ([]byte, error) {
	m.mu.RLock()
	km, ok := m.keys[keyID]
	m.mu.RUnlock()
	if !ok || km.kind != KeySign {
		return nil, fmt.Errorf("key_provider: no signing key %q", keyID)
	}
	return DilithiumSign(km.priv, msg)
}

// Verify accepts either a registered keyID or a raw public key.
func (m *MemoryKeyProvider) Verify(keyIDOrPubkey []byte, msg, sig []byte) (bool, error) {
	pub := keyIDOrPubkey
	m.mu.RLock()
	if km, ok := m.keys[string(keyIDOrPubkey)]; ok {
		pub = km.pub
	}
	m.mu.RUnlock()
	return DilithiumVerify(pub, msg, sig)
}

func (m *MemoryKeyProvider) Encapsulate(pubkey []byte) ([]byte, []byte, error) {
	return KyberEncapsulate(pubkey)
}

func (m *MemoryKeyProvider) Decapsulate(keyID string, ct []byte) ([]byte, error) {
	m.mu.RLock()
	km, ok := m.keys[keyID]
	m.mu.RUnlock()
	if !ok || km.kind != KeyKEM {
		return nil, fmt.Errorf("key_provider: no KEM key %q", keyID)
	}
	return KyberDecapsulate(km.priv, ct)
}

// RemoteHSMKeyProvider is a stub satisfying KeyProvider against a vendor
// HSM. Wiring a concrete vendor SDK is out of scope (external collaborator,
// see spec §1); this exists so callers can program against KeyProvider
// without caring which implementation is active. It does, however, own a
// real ConnPool/Dialer and attempts to reach Endpoint before reporting the
// wire protocol as unimplemented, so a misconfigured or unreachable HSM
// fails with a dial error rather than a canned message.
type RemoteHSMKeyProvider struct {
	Endpoint string
	pool     *ConnPool
}

func NewRemoteHSMKeyProvider(endpoint string) *RemoteHSMKeyProvider {
	return &RemoteHSMKeyProvider{
		Endpoint: endpoint,
		pool:     NewConnPool(NewDialer(5*time.Second, 30*time.Second), 4, time.Minute),
	}
}

// dial confirms Endpoint is reachable before any operation reports its
// real limitation: no vendor wire protocol implemented on top.
func (r *RemoteHSMKeyProvider) dial() error {
	if r.Endpoint == "" {
		return fmt.Errorf("%w: remote HSM provider has no endpoint configured", ErrKeyProvider)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := r.pool.Acquire(ctx, r.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: dial HSM endpoint %s: %v", ErrKeyProvider, r.Endpoint, err)
	}
	r.pool.Release(conn)
	return nil
}

func (r *RemoteHSMKeyProvider) unimplemented() error {
	if err := r.dial(); err != nil {
		return err
	}
	return fmt.Errorf("%w: remote HSM provider %s has no wire protocol implemented", ErrKeyProvider, r.Endpoint)
}

func (r *RemoteHSMKeyProvider) GenerateKeypair(KeyKind) (string, error) {
	return "", r.unimplemented()
}

func (r *RemoteHSMKeyProvider) PublicKey(string) ([]byte, error) {
	return nil, r.unimplemented()
}

func (r *RemoteHSMKeyProvider) Sign(string, []byte) ([]byte, error) {
	return nil, r.unimplemented()
}

func (r *RemoteHSMKeyProvider) Verify([]byte, []byte, []byte) (bool, error) {
	return false, r.unimplemented()
}

func (r *RemoteHSMKeyProvider) Encapsulate([]byte) ([]byte, []byte, error) {
	return nil, nil, r.unimplemented()
}

func (r *RemoteHSMKeyProvider) Decapsulate(string, []byte) ([]byte, error) {
	return nil, r.unimplemented()
}

var (
	_ KeyProvider = (*MemoryKeyProvider)(nil)
	_ KeyProvider = (*RemoteHSMKeyProvider)(nil)
)
