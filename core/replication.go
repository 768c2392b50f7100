package core

// Replication – ledger sync between peers.
//
// Consensus handles per-round proposal/vote gossip directly (BLOCK_PROPOSE,
// BLOCK_VOTE topics). Replicator covers the remaining overlay duty: a node
// that reconnects after downtime asks for the records it missed via
// SYNC_REQUEST and replays the RLP-encoded response onto its local ledger.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

const syncProtocol = "SYNC_REQUEST"
const syncResponseProtocol = "SYNC_RESPONSE"

// ReplicationConfig configures the sync subsystem.
type ReplicationConfig struct {
	Address        string // ledger chain this replicator tracks
	RequestTimeout time.Duration
}

type syncRequestMsg struct {
	Address   string `json:"address"`
	FromIndex int    `json:"from_index"`
}

type syncResponseMsg struct {
	Address string `json:"address"`
	Records []byte `json:"records"` // rlp-encoded []*LedgerRecord
}

// Replicator answers and issues SYNC_REQUEST/SYNC_RESPONSE exchanges for
// a single ledger address chain.
type Replicator struct {
	cfg    ReplicationConfig
	logger *logrus.Logger
	ledger *Ledger
	pm     PeerManager
	sub    voteSubscriber

	closing chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	waiters map[string]chan []*LedgerRecord
}

func NewReplicator(cfg ReplicationConfig, lg *logrus.Logger, led *Ledger, pm PeerManager, sub voteSubscriber) *Replicator {
	return &Replicator{
		cfg: cfg, logger: lg, ledger: led, pm: pm, sub: sub,
		closing: make(chan struct{}),
		waiters: make(map[string]chan []*LedgerRecord),
	}
}

// Start subscribes to sync request/response topics and begins serving them.
func (r *Replicator) Start() {
	reqCh := r.sub.Subscribe(syncProtocol)
	respCh := r.sub.Subscribe(syncResponseProtocol)
	r.wg.Add(2)
	go r.serveRequests(reqCh)
	go r.handleResponses(respCh)
}

// Stop terminates the replicator's goroutines.
func (r *Replicator) Stop() {
	close(r.closing)
	r.wg.Wait()
}

func (r *Replicator) serveRequests(ch <-chan InboundMsg) {
	defer r.wg.Done()
	for {
		select {
		case <-r.closing:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			r.handleRequest(m)
		}
	}
}

func (r *Replicator) handleRequest(m InboundMsg) {
	var req syncRequestMsg
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		r.logger.WithError(err).Warn("replication: bad sync request")
		return
	}
	all := r.ledger.Records(req.Address)
	var missing []*LedgerRecord
	for _, rec := range all {
		if rec.Index >= req.FromIndex {
			missing = append(missing, rec)
		}
	}
	enc, err := rlp.EncodeToBytes(missing)
	if err != nil {
		r.logger.WithError(err).Warn("replication: encode records")
		return
	}
	resp := syncResponseMsg{Address: req.Address, Records: enc}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := r.pm.SendAsync(m.From, syncResponseProtocol, payload); err != nil {
		r.logger.WithField("peer", m.From).WithError(err).Warn("replication: send sync response")
	}
}

func (r *Replicator) handleResponses(ch <-chan InboundMsg) {
	defer r.wg.Done()
	for {
		select {
		case <-r.closing:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			r.dispatchResponse(m)
		}
	}
}

func (r *Replicator) dispatchResponse(m InboundMsg) {
	var resp syncResponseMsg
	if err := json.Unmarshal(m.Payload, &resp); err != nil {
		return
	}
	var records []*LedgerRecord
	if err := rlp.DecodeBytes(resp.Records, &records); err != nil {
		r.logger.WithError(err).Warn("replication: decode sync response")
		return
	}
	r.mu.Lock()
	ch, ok := r.waiters[resp.Address]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- records:
		default:
		}
	}
}

// Synchronize requests every record on address's chain from fromIndex
// onward from a sampled peer and appends any it doesn't already have to
// the local ledger file directly (bypassing consensus, since these
// records were already finalized elsewhere).
func (r *Replicator) Synchronize(ctx context.Context, address string, fromIndex int) error {
	peers := r.pm.Sample(1)
	if len(peers) == 0 {
		return errors.New("replication: no peers available")
	}
	waitCh := make(chan []*LedgerRecord, 1)
	r.mu.Lock()
	r.waiters[address] = waitCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, address)
		r.mu.Unlock()
	}()

	req := syncRequestMsg{Address: address, FromIndex: fromIndex}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("replication: marshal request: %w", err)
	}
	if err := r.pm.SendAsync(peers[0], syncProtocol, payload); err != nil {
		return fmt.Errorf("replication: send request: %w", err)
	}

	timeout := r.cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case records := <-waitCh:
		return r.ledger.ImportRecords(address, records)
	case <-ctx.Done():
		return fmt.Errorf("replication: sync: %w", ctx.Err())
	}
}
