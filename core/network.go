package core

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// Config configures a Node's transport and discovery.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	DNSSeed        string
	MaxPeers       int
	HeartbeatEvery time.Duration
}

// Peer is an admitted peer in the overlay: its role, priority, and the
// capability set it advertised at admission.
type Peer struct {
	ID           NodeID
	Addr         string
	Role         Role
	Priority     int
	Capabilities map[Particle]bool
	LastSeen     time.Time
}

func (p *Peer) coversExpectedCapability() bool {
	return p.Capabilities[Proton] && p.Capabilities[Neutron] && p.Capabilities[Electron]
}

// Message is a single pubsub delivery.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// Node is the authenticated peer overlay: libp2p transport, gossipsub,
// mDNS local discovery, and PoA-gated admission.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subLock   sync.Mutex
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[NodeID]*Peer
	kad      *Kademlia

	fallbackPeers []string

	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
}

// NewNode creates and bootstraps a peer overlay node: a libp2p host, a
// gossipsub router, local mDNS discovery, and bootstrap-peer dialing.
func NewNode(cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: new host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("network: new pubsub: %w", err)
	}

	if cfg.HeartbeatEvery == 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[NodeID]*Peer),
		kad:    NewKademlia(NodeID(h.ID().String())),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("network: dial seed: %v", err)
	}

	if _, err := mdns.NewMdnsService(h, cfg.DiscoveryTag, n); err != nil {
		logrus.Warnf("network: mdns: %v", err)
	}

	go n.heartbeatLoop()
	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee. Discovered peers still pass
// through the same admission gate as any other candidate; mDNS only
// supplies the endpoint.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peerLock.RLock()
	_, exists := n.peers[NodeID(info.ID.String())]
	n.peerLock.RUnlock()
	if exists {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("network: connect to discovered peer %s: %v", info.ID, err)
		return
	}
	logrus.Infof("network: reachable via mDNS: %s (pending admission)", info.ID)
}

// DialSeed connects to a list of bootstrap peers (from the DNS-seed
// resolution or static configuration).
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		logrus.Infof("network: bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("network: dial seed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AdmissionRequest carries what a candidate peer presents at admission.
type AdmissionRequest struct {
	NodeID       NodeID
	Addr         string
	TokenID      string
	Envelope     *Envelope
	Capabilities map[Particle]bool
	KEMShared    []byte // output of the Kyber handshake
}

// Admit implements the three-check admission gate (§4.6): a quantum-secure
// channel must already be established (KEMShared non-empty), the
// candidate must present a valid PoA token, and its declared capability
// must cover {proton, neutron, electron}. Admitted peers are tagged with
// role and priority; on failure the candidate is refused. Admit never
// admits a substitute itself: fallback peers enter the table only through
// a separate AdmitFallback call.
func (n *Node) Admit(req AdmissionRequest, tokens TokenStore, role Role, priority int) (*Peer, error) {
	if len(req.KEMShared) == 0 {
		return nil, Unauthorized("network: admit", fmt.Errorf("no quantum-secure channel established"))
	}
	outcome, err := tokens.Validate(req.TokenID, req.Envelope)
	if err != nil || !outcome.Valid {
		return nil, Unauthorized("network: admit", fmt.Errorf("PoA validation failed for %s: %w", req.NodeID, err))
	}
	p := &Peer{ID: req.NodeID, Addr: req.Addr, Role: role, Priority: priority, Capabilities: req.Capabilities, LastSeen: time.Now()}
	if !p.coversExpectedCapability() {
		return nil, Unauthorized("network: admit", fmt.Errorf("peer %s missing required shard capability", req.NodeID))
	}
	n.peerLock.Lock()
	n.peers[req.NodeID] = p
	n.peerLock.Unlock()
	n.kad.AddPeer(req.NodeID)
	return p, nil
}

// AdmitFallback admits a hardcoded fallback peer at low priority when
// discovery has produced no viable candidates.
func (n *Node) AdmitFallback(id NodeID, addr string) *Peer {
	p := &Peer{ID: id, Addr: addr, Role: RoleBranch, Priority: 0, LastSeen: time.Now()}
	n.peerLock.Lock()
	n.peers[id] = p
	n.peerLock.Unlock()
	n.kad.AddPeer(id)
	return p
}

// NearestPeers returns up to count admitted peers ordered by XOR distance
// to this node's own id (§4.6's "nearest replica" placement lookups).
func (n *Node) NearestPeers(count int) []NodeID {
	return n.kad.Nearest(n.SelfID(), count)
}

// heartbeatLoop evicts peers that have not been seen within two heartbeat
// intervals and reconnects any HQ peer that drops.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * n.cfg.HeartbeatEvery)
			n.peerLock.Lock()
			for id, p := range n.peers {
				if p.LastSeen.Before(cutoff) {
					if p.Role == RoleHQ {
						go n.reconnectHQ(p)
						continue
					}
					delete(n.peers, id)
				}
			}
			n.peerLock.Unlock()
		}
	}
}

func (n *Node) reconnectHQ(p *Peer) {
	pi, err := peer.AddrInfoFromString(p.Addr)
	if err != nil {
		return
	}
	if err := n.host.Connect(n.ctx, *pi); err == nil {
		n.peerLock.Lock()
		p.LastSeen = time.Now()
		n.peers[p.ID] = p
		n.peerLock.Unlock()
	}
}

// Touch refreshes a peer's liveness timestamp, called on any inbound
// message or successful heartbeat reply.
func (n *Node) Touch(id NodeID) {
	n.peerLock.Lock()
	defer n.peerLock.Unlock()
	if p, ok := n.peers[id]; ok {
		p.LastSeen = time.Now()
	}
}

// topic returns the cached *pubsub.Topic for name, joining it on first
// use. Every publisher and subscriber in the overlay (Broadcast, the
// message-kind gossip PeerManagement.SendAsync/Subscribe route through,
// Subscribe below) shares this one cache so a topic is only ever joined
// once per node — joining it twice from two independent call paths
// fails against the underlying pubsub router.
func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("network: join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Broadcast publishes data on topic, joining it if necessary.
func (n *Node) Broadcast(topic string, data []byte) error {
	t, err := n.topic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("network: publish topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens for messages on a topic.
func (n *Node) Subscribe(topic string) (<-chan Message, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		t, err := n.topic(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, err
		}
		sub, err = t.Subscribe()
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("network: subscribe topic %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()
	out := make(chan Message)
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				close(out)
				return
			}
			out <- Message{From: NodeID(msg.GetFrom().String()), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

// ListenAndServe blocks until context cancellation.
func (n *Node) ListenAndServe() {
	<-n.ctx.Done()
	logrus.Info("network: node shutting down")
}

// Close tears down the node.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// SelfID returns this node's own peer identity, used as NodeID
// throughout fission/fusion/consensus/ledger wiring.
func (n *Node) SelfID() NodeID { return NodeID(n.host.ID().String()) }

// PeerList returns the current admitted peer list.
func (n *Node) PeerList() []*Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	list := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		list = append(list, p)
	}
	return list
}

// Dialer manages outbound auxiliary TCP connections (e.g. a remote-HSM
// key provider endpoint) that don't go through the libp2p transport.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialer: connect to %s: %w", address, err)
	}
	return conn, nil
}
