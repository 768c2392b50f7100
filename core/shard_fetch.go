package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShardFetcher owns the single SHARD_RESPONSE subscription shared by
// every component that issues SHARD_REQUESTs — the fusion pipeline's
// remote-reconstruction fallback (§4.8 step 3) and the storage manager's
// peer-repair path (§4.3 repair). A gossipsub topic can only be
// subscribed to once per node's PeerManagement (core/peer_management.go's
// Subscribe caches one channel per topic), so a second, independent
// subscriber would silently race the first for every delivery instead of
// both observing it; routing through one fetcher's waiter map avoids that.
type ShardFetcher struct {
	peers PeerManager
	sub   voteSubscriber
	log   *logrus.Logger

	mu      sync.Mutex
	waiters map[string]chan *shardResponseMsg
}

func NewShardFetcher(peers PeerManager, sub voteSubscriber, log *logrus.Logger) *ShardFetcher {
	return &ShardFetcher{peers: peers, sub: sub, log: log, waiters: make(map[string]chan *shardResponseMsg)}
}

// Start listens for SHARD_RESPONSE deliveries and routes each to the
// waiter registered for its shard id, if any.
func (f *ShardFetcher) Start(ctx context.Context) {
	responses := f.sub.Subscribe("SHARD_RESPONSE")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-responses:
				if !ok {
					return
				}
				f.dispatch(m)
			}
		}
	}()
}

func (f *ShardFetcher) dispatch(m InboundMsg) {
	var resp shardResponseMsg
	if err := json.Unmarshal(m.Payload, &resp); err != nil {
		return
	}
	f.mu.Lock()
	ch, ok := f.waiters[resp.ShardID]
	f.mu.Unlock()
	if ok {
		select {
		case ch <- &resp:
		default:
		}
	}
}

// Fetch requests shardID/kind from each candidate peer in turn (skipping
// self), waiting up to timeout per candidate for a SHARD_RESPONSE. accept,
// if non-nil, is consulted on every response actually received over the
// wire; a response it rejects (bad decrypt, wrong hash) is discarded and
// the next candidate is tried — Fetch never returns a response that
// wasn't both received and accepted, so a caller can never mistake "I
// sent a request" for "a replica answered".
func (f *ShardFetcher) Fetch(ctx context.Context, shardID string, kind Particle, candidates []NodeID, self NodeID, timeout time.Duration, accept func(*shardResponseMsg) bool) (*shardResponseMsg, error) {
	waitCh := make(chan *shardResponseMsg, 1)
	f.mu.Lock()
	f.waiters[shardID] = waitCh
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.waiters, shardID)
		f.mu.Unlock()
	}()

	req := shardRequestMsg{ShardID: shardID, Kind: kind}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("shard fetch: marshal request: %w", err)
	}

	for _, peer := range candidates {
		if peer == self {
			continue
		}
		if err := f.peers.SendAsync(peer, "SHARD_REQUEST", payload); err != nil {
			if f.log != nil {
				f.log.WithField("peer", peer).WithError(err).Warn("shard fetch: request send failed")
			}
			continue
		}
		roundCtx, cancel := context.WithTimeout(ctx, timeout)
		select {
		case resp := <-waitCh:
			cancel()
			if accept != nil && !accept(resp) {
				continue
			}
			return resp, nil
		case <-roundCtx.Done():
			cancel()
			continue
		}
	}
	return nil, fmt.Errorf("shard fetch: shard %s: %w", shardID, ErrUnrecoverable)
}
