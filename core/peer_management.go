package core

import (
	crand "crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// PeerManagement implements PeerManager on top of Node: discovery,
// connect/disconnect, advertisement, and message delivery for the shard
// and consensus protocols.
type PeerManagement struct {
	node *Node
	mu   sync.RWMutex
	subs map[string]*pubsub.Subscription
	out  map[string]chan InboundMsg
}

// NewPeerManagement wraps an existing Node to expose peer management functions.
func NewPeerManagement(n *Node) *PeerManagement {
	return &PeerManagement{
		node: n,
		subs: make(map[string]*pubsub.Subscription),
		out:  make(map[string]chan InboundMsg),
	}
}

// Connect establishes a connection to the given multi-address. The
// resulting peer is unadmitted (no role, no capabilities) until it
// passes Node.Admit.
func (pm *PeerManagement) Connect(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("peer management: invalid address: %w", err)
	}
	if err := pm.node.host.Connect(pm.node.ctx, *pi); err != nil {
		return fmt.Errorf("peer management: connect: %w", err)
	}
	pm.node.kad.AddPeer(NodeID(pi.ID.String()))
	return nil
}

// Disconnect closes the connection to the given peer ID and forgets it.
func (pm *PeerManagement) Disconnect(id NodeID) error {
	pid, err := peer.Decode(string(id))
	if err != nil {
		return fmt.Errorf("peer management: decode peer id: %w", err)
	}
	if err := pm.node.host.Network().ClosePeer(pid); err != nil {
		return fmt.Errorf("peer management: disconnect: %w", err)
	}
	pm.node.peerLock.Lock()
	delete(pm.node.peers, id)
	pm.node.peerLock.Unlock()
	return nil
}

// AdvertiseSelf broadcasts this node's presence on the given discovery topic.
func (pm *PeerManagement) AdvertiseSelf(topic string) error {
	return pm.node.Broadcast(topic, []byte("hello"))
}

// Peers implements PeerManager: the ids of every admitted peer.
func (pm *PeerManagement) Peers() []NodeID {
	pm.node.peerLock.RLock()
	defer pm.node.peerLock.RUnlock()
	ids := make([]NodeID, 0, len(pm.node.peers))
	for id := range pm.node.peers {
		ids = append(ids, id)
	}
	return ids
}

func shuffleNodeIDs(ids []NodeID) {
	for i := len(ids) - 1; i > 0; i-- {
		jBig, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return
		}
		j := int(jBig.Int64())
		ids[i], ids[j] = ids[j], ids[i]
	}
}

// Sample implements PeerManager: up to n admitted peers, used by the
// storage manager's repair path and the replicator's sync-source pick.
// Candidates are drawn from the Kademlia table's XOR-nearest peers to this
// node (cheaper to reach, per §4.6) and shuffled among themselves so
// repeated calls don't always fan out to the same handful of peers.
func (pm *PeerManagement) Sample(n int) []NodeID {
	admitted := make(map[NodeID]bool)
	for _, id := range pm.Peers() {
		admitted[id] = true
	}
	near := pm.node.kad.Nearest(pm.node.SelfID(), n*2)
	ids := make([]NodeID, 0, len(near))
	for _, id := range near {
		if admitted[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) < n {
		ids = pm.Peers()
	}
	shuffleNodeIDs(ids)
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n]
}

// SendAsync implements PeerManager. Every message kind it carries
// (SHARD_REQUEST, SHARD_RESPONSE, SHARD_BOUNCE, BLOCK_PROPOSE, BLOCK_VOTE,
// SYNC_REQUEST/SYNC_RESPONSE) is gossiped on the topic named after kind —
// the same gossipsub router and the same topic Subscribe below joins, so
// a message published here is actually deliverable to whatever peer
// subscribed to that kind. peerID is advisory: gossipsub has no
// point-to-point delivery, so receivers that care about the addressee
// filter on message content (InboundMsg.From, a shard id, a block hash)
// rather than on routing; it still updates this peer's liveness.
func (pm *PeerManagement) SendAsync(peerID NodeID, kind string, payload []byte) error {
	if err := pm.node.Broadcast(kind, payload); err != nil {
		return fmt.Errorf("peer management: send %s: %w", kind, err)
	}
	pm.node.Touch(peerID)
	return nil
}

// Subscribe joins a gossipsub topic (via the node's shared topic cache,
// so it never races Broadcast's own Join of the same topic) and returns
// a channel of decoded inbound messages for that topic's message kind.
func (pm *PeerManagement) Subscribe(topic string) <-chan InboundMsg {
	pm.mu.Lock()
	if ch, ok := pm.out[topic]; ok {
		pm.mu.Unlock()
		return ch
	}
	pm.mu.Unlock()

	t, err := pm.node.topic(topic)
	if err != nil {
		logrus.Warnf("peer management: join %s failed: %v", topic, err)
		ch := make(chan InboundMsg)
		close(ch)
		return ch
	}
	sub, err := t.Subscribe()
	if err != nil {
		logrus.Warnf("peer management: subscribe %s failed: %v", topic, err)
		ch := make(chan InboundMsg)
		close(ch)
		return ch
	}

	pm.mu.Lock()
	if ch, ok := pm.out[topic]; ok {
		// Lost a race with a concurrent Subscribe(topic): drop our own
		// subscription and reuse the winner's channel.
		pm.mu.Unlock()
		sub.Cancel()
		return ch
	}
	out := make(chan InboundMsg)
	pm.subs[topic] = sub
	pm.out[topic] = out
	pm.mu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(pm.node.ctx)
			if err != nil {
				close(out)
				return
			}
			out <- InboundMsg{From: NodeID(msg.GetFrom().String()), Kind: topic, Payload: msg.Data, Ts: time.Now()}
		}
	}()
	return out
}

// Unsubscribe cancels a subscription created via Subscribe.
func (pm *PeerManagement) Unsubscribe(topic string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if sub, ok := pm.subs[topic]; ok {
		sub.Cancel()
		delete(pm.subs, topic)
	}
	if ch, ok := pm.out[topic]; ok {
		close(ch)
		delete(pm.out, topic)
	}
}

var _ PeerManager = (*PeerManagement)(nil)
