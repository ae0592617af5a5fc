package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"netchain/protocol/params"

	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// Sync message types
const (
	SyncMsgStatus            byte = 0x01 // exchange chain status
	SyncMsgGetBlocks         byte = 0x02 // request blocks by hash
	SyncMsgBlocks            byte = 0x03 // blocks response
	SyncMsgGetBlocksByHeight byte = 0x04 // request a main-chain height range
	SyncMsgNewBlock          byte = 0x05 // announce a new block
	SyncMsgGetMempool        byte = 0x06 // request pending transactions
	SyncMsgMempool           byte = 0x07 // mempool response
)

// MaxBlocksPerRequest is the maximum blocks to request at once
const MaxBlocksPerRequest = 100

const (
	// Response budgets for raw entries, before JSON/base64 expansion.
	SyncBlocksResponseByteBudget  = 8 * 1024 * 1024
	SyncMempoolResponseByteBudget = 4 * 1024 * 1024
)

// ChainStatus is what peers exchange to decide who syncs from whom.
type ChainStatus struct {
	BestHash    [32]byte `json:"best_hash"`
	GenesisHash [32]byte `json:"genesis_hash"`
	Height      uint64   `json:"height"`
	TotalWork   uint64   `json:"total_work"`
	Version     uint32   `json:"version"`
	NetworkID   string   `json:"network_id"`
	ChainID     uint32   `json:"chain_id"`
}

// BlocksRequest requests specific blocks by hash
type BlocksRequest struct {
	Hashes [][32]byte `json:"hashes"`
}

// BlocksByHeightRequest requests blocks by height range
type BlocksByHeightRequest struct {
	StartHeight uint64 `json:"start_height"`
	MaxBlocks   int    `json:"max_blocks"`
}

// PeerStatus combines peer ID with their chain status
type PeerStatus struct {
	Peer   peer.ID
	Status ChainStatus
}

// SyncConfig wires the sync manager to the chain. Blocks and transactions
// cross this boundary as encoded bytes.
type SyncConfig struct {
	GetStatus         func() ChainStatus
	GetBlocks         func(hashes [][32]byte) ([][]byte, error)
	GetBlocksByHeight func(startHeight uint64, max int) ([][]byte, error)
	// ProcessBlock reports whether the block was new and accepted. Known
	// blocks return (false, nil).
	ProcessBlock    func(data []byte) (bool, error)
	GetMempool      func() [][]byte
	ProcessTx       func(data []byte) error
	OnBlockAccepted func(data []byte)
	IsOrphanError   func(error) bool
	// IsBenignTxError marks local rejections (pool full) that say nothing
	// about the sending peer.
	IsBenignTxError func(error) bool
	GetBlockMeta    func(data []byte) (height uint64, prevHash [32]byte, err error)
	GetBlockHash    func(data []byte) ([32]byte, error)
	// FetchBlocksByHash overrides block-by-hash fetching (default: FetchBlocks).
	FetchBlocksByHash func(context.Context, peer.ID, [][32]byte) ([][]byte, error)
}

// SyncManager answers sync requests and keeps the local chain caught up
// with the heaviest peer.
type SyncManager struct {
	mu  sync.RWMutex
	cfg SyncConfig

	node *Node

	syncing       bool
	syncPeer      peer.ID
	syncStartTime time.Time
	syncTarget    uint64
	syncProgress  uint64

	ctx    context.Context
	cancel context.CancelFunc

	// statusSyncCh coalesces sync checks triggered by inbound status
	// messages so status spam cannot force unbounded work.
	statusSyncCh          chan struct{}
	statusSyncMinInterval time.Duration
}

// NewSyncManager creates a new sync manager
func NewSyncManager(node *Node, cfg SyncConfig) *SyncManager {
	sm := &SyncManager{
		node:                  node,
		cfg:                   cfg,
		statusSyncCh:          make(chan struct{}, 1),
		statusSyncMinInterval: 2 * time.Second,
		ctx:                   context.Background(),
	}
	if sm.cfg.FetchBlocksByHash == nil {
		sm.cfg.FetchBlocksByHash = sm.FetchBlocks
	}
	return sm
}

// Start registers the sync protocol and starts the sync loops.
func (sm *SyncManager) Start(ctx context.Context) {
	sm.ctx, sm.cancel = context.WithCancel(ctx)
	sm.node.host.SetStreamHandler(ProtocolSync, sm.HandleStream)
	sm.node.OnPeerConnected(func(peer.ID) { sm.TriggerSync() })

	go sm.syncLoop()
	go sm.statusSyncLoop()
}

// Stop halts sync operations
func (sm *SyncManager) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
}

func (sm *SyncManager) penalize(pid peer.ID, penalty int, reason string) {
	if pid == "" || sm.node == nil {
		return
	}
	sm.node.PenalizePeer(pid, penalty, reason)
}

func (sm *SyncManager) isOrphanErr(err error) bool {
	return err != nil && sm.cfg.IsOrphanError != nil && sm.cfg.IsOrphanError(err)
}

// HandleStream serves one sync request.
func (sm *SyncManager) HandleStream(s network.Stream) {
	defer func() {
		if err := s.Close(); err != nil && !isExpectedStreamCloseError(err) {
			zap.S().Debugf("[sync] failed to close inbound stream: %v", err)
		}
	}()
	if err := s.SetDeadline(time.Now().Add(60 * time.Second)); err != nil {
		return
	}

	msgType, data, err := readSyncMessage(s)
	if err != nil {
		return
	}
	from := s.Conn().RemotePeer()

	switch msgType {
	case SyncMsgStatus:
		sm.handleStatus(s, from, data)
	case SyncMsgGetBlocks:
		sm.handleGetBlocks(s, data)
	case SyncMsgGetBlocksByHeight:
		sm.handleGetBlocksByHeight(s, data)
	case SyncMsgNewBlock:
		sm.handleNewBlock(from, data)
	case SyncMsgGetMempool:
		sm.handleGetMempool(s)
	}
}

// checkStatus rejects peers on another network or genesis.
func (sm *SyncManager) checkStatus(status ChainStatus) error {
	if status.NetworkID != params.NetworkID || status.ChainID != params.ChainID {
		return fmt.Errorf("network mismatch: %s/%d", status.NetworkID, status.ChainID)
	}
	if ours := sm.cfg.GetStatus(); ours.GenesisHash != status.GenesisHash {
		return fmt.Errorf("genesis mismatch: %x", status.GenesisHash[:8])
	}
	return nil
}

func (sm *SyncManager) handleStatus(s network.Stream, from peer.ID, data []byte) {
	var status ChainStatus
	if err := json.Unmarshal(data, &status); err != nil {
		sm.penalize(from, ScorePenaltyInvalid, "malformed status")
		return
	}
	if err := sm.checkStatus(status); err != nil {
		sm.penalize(from, ScorePenaltyInvalid, err.Error())
		return
	}

	ours := sm.cfg.GetStatus()
	reply, _ := json.Marshal(ours)
	if err := writeMessage(s, SyncMsgStatus, reply); err != nil {
		return
	}
	if status.TotalWork > ours.TotalWork {
		sm.requestSyncCheck()
	}
}

func (sm *SyncManager) handleGetBlocks(s network.Stream, data []byte) {
	var req BlocksRequest
	if err := json.Unmarshal(data, &req); err != nil || sm.cfg.GetBlocks == nil {
		return
	}
	if len(req.Hashes) > MaxBlocksPerRequest {
		req.Hashes = req.Hashes[:MaxBlocksPerRequest]
	}
	blocks, err := sm.cfg.GetBlocks(req.Hashes)
	if err != nil {
		return
	}
	sm.writeBlocks(s, blocks)
}

func (sm *SyncManager) handleGetBlocksByHeight(s network.Stream, data []byte) {
	var req BlocksByHeightRequest
	if err := json.Unmarshal(data, &req); err != nil || sm.cfg.GetBlocksByHeight == nil {
		return
	}
	tip := sm.cfg.GetStatus().Height
	if req.MaxBlocks <= 0 || req.StartHeight > tip {
		sm.writeBlocks(s, nil)
		return
	}
	n := min(uint64(req.MaxBlocks), uint64(MaxBlocksPerRequest), tip-req.StartHeight+1)
	blocks, err := sm.cfg.GetBlocksByHeight(req.StartHeight, int(n))
	if err != nil {
		return
	}
	sm.writeBlocks(s, blocks)
}

func (sm *SyncManager) writeBlocks(s network.Stream, blocks [][]byte) {
	blocks = trimByteSliceBatch(blocks, MaxBlocksPerRequest, SyncBlocksResponseByteBudget)
	if blocks == nil {
		blocks = [][]byte{}
	}
	data, _ := json.Marshal(blocks)
	_ = writeMessage(s, SyncMsgBlocks, data)
}

// handleNewBlock processes an announced block and relays it if accepted.
func (sm *SyncManager) handleNewBlock(from peer.ID, data []byte) {
	if sm.cfg.ProcessBlock == nil {
		return
	}
	accepted, err := sm.cfg.ProcessBlock(data)
	if err != nil {
		if sm.isOrphanErr(err) {
			// We are behind or on another branch; catch up instead.
			sm.requestSyncCheck()
			return
		}
		sm.penalize(from, ScorePenaltyMisbehave, "invalid new block announcement")
		return
	}
	if !accepted {
		return
	}
	if sm.cfg.OnBlockAccepted != nil {
		sm.cfg.OnBlockAccepted(data)
	}
	if sm.node != nil {
		sm.node.RelayBlock(from, data)
	}
}

func (sm *SyncManager) handleGetMempool(s network.Stream) {
	var txs [][]byte
	if sm.cfg.GetMempool != nil {
		txs = trimByteSliceBatch(sm.cfg.GetMempool(), MaxSyncMempoolTxCount, SyncMempoolResponseByteBudget)
	}
	if txs == nil {
		txs = [][]byte{}
	}
	data, err := json.Marshal(txs)
	if err != nil {
		data = []byte("[]")
	}
	_ = writeMessage(s, SyncMsgMempool, data)
}

// syncLoop periodically checks if we need to sync
func (sm *SyncManager) syncLoop() {
	select {
	case <-time.After(5 * time.Second):
	case <-sm.ctx.Done():
		return
	}
	sm.checkSync()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			sm.checkSync()
		}
	}
}

// TriggerSync schedules a sync check (new peer, orphan block).
func (sm *SyncManager) TriggerSync() {
	sm.requestSyncCheck()
}

func (sm *SyncManager) requestSyncCheck() {
	select {
	case sm.statusSyncCh <- struct{}{}:
	default:
	}
}

func (sm *SyncManager) statusSyncLoop() {
	var lastRun time.Time
	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-sm.statusSyncCh:
			if wait := sm.statusSyncMinInterval - time.Since(lastRun); !lastRun.IsZero() && wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-sm.ctx.Done():
					timer.Stop()
					return
				}
			}
			lastRun = time.Now()
			sm.checkSync()
		}
	}
}

// checkSync queries all peers and syncs from the heaviest ones when they
// carry strictly more cumulative work than we do.
func (sm *SyncManager) checkSync() {
	if sm.IsSyncing() {
		return
	}
	peers := sm.node.Peers()
	if len(peers) == 0 {
		return
	}

	resultCh := make(chan *PeerStatus, len(peers))
	for _, p := range peers {
		go func(pid peer.ID) {
			status, err := sm.getStatusFrom(pid)
			if err != nil {
				resultCh <- nil
				return
			}
			resultCh <- &PeerStatus{Peer: pid, Status: status}
		}(p)
	}

	var statuses []PeerStatus
	timeout := time.After(15 * time.Second)
collect:
	for range peers {
		select {
		case ps := <-resultCh:
			if ps != nil {
				statuses = append(statuses, *ps)
			}
		case <-timeout:
			break collect
		case <-sm.ctx.Done():
			return
		}
	}

	syncPeers, target := selectSyncPeers(statuses, sm.cfg.GetStatus().TotalWork)
	if len(syncPeers) == 0 {
		return
	}
	go sm.syncFrom(syncPeers, target)
}

// selectSyncPeers returns the peers tied for the most work, and their
// highest height, when that work exceeds ourWork.
func selectSyncPeers(statuses []PeerStatus, ourWork uint64) ([]PeerStatus, uint64) {
	var maxWork uint64
	for _, ps := range statuses {
		maxWork = max(maxWork, ps.Status.TotalWork)
	}
	if maxWork <= ourWork {
		return nil, 0
	}
	var best []PeerStatus
	var target uint64
	for _, ps := range statuses {
		if ps.Status.TotalWork == maxWork {
			best = append(best, ps)
			target = max(target, ps.Status.Height)
		}
	}
	return best, target
}

func (sm *SyncManager) getStatusFrom(p peer.ID) (ChainStatus, error) {
	ctx, cancel := context.WithTimeout(sm.ctx, 30*time.Second)
	defer cancel()

	s, err := sm.node.host.NewStream(ctx, p, ProtocolSync)
	if err != nil {
		return ChainStatus{}, err
	}
	defer func() { _ = s.Close() }()
	if err := s.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return ChainStatus{}, err
	}

	ours, _ := json.Marshal(sm.cfg.GetStatus())
	if err := writeMessage(s, SyncMsgStatus, ours); err != nil {
		return ChainStatus{}, err
	}
	msgType, data, err := readSyncMessage(s)
	if err != nil {
		return ChainStatus{}, err
	}
	if msgType != SyncMsgStatus {
		return ChainStatus{}, fmt.Errorf("unexpected message type: %d", msgType)
	}
	var status ChainStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return ChainStatus{}, err
	}
	if err := sm.checkStatus(status); err != nil {
		sm.penalize(p, ScorePenaltyInvalid, err.Error())
		return ChainStatus{}, err
	}
	return status, nil
}

// syncFrom downloads main-chain batches from the sync peers in height
// order, moving to the next peer when one fails, and processes each block
// with orphan recovery. The mempool is fetched once the batches are done.
func (sm *SyncManager) syncFrom(peers []PeerStatus, target uint64) {
	sm.mu.Lock()
	if sm.syncing {
		sm.mu.Unlock()
		return
	}
	sm.syncing = true
	sm.syncPeer = peers[0].Peer
	sm.syncStartTime = time.Now()
	sm.syncTarget = target
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		sm.syncing = false
		sm.syncPeer = ""
		sm.syncTarget = 0
		sm.syncProgress = 0
		sm.mu.Unlock()
	}()

	ours := sm.cfg.GetStatus()
	next := computeSyncStartHeight(ours.Height, target)
	zap.S().Infof("[sync] syncing %d -> %d from %d peer(s)", ours.Height, target, len(peers))

	peerIdx := 0
	failures := 0
	for next <= target && sm.ctx.Err() == nil {
		ps := peers[peerIdx%len(peers)]
		count := int(min(uint64(MaxBlocksPerRequest), target-next+1))
		blocks, err := sm.fetchBlocksByHeight(ps.Peer, next, count)
		if err != nil || len(blocks) == 0 {
			if err != nil {
				sm.penalize(ps.Peer, ScorePenaltyTimeout, "fetch blocks failed")
			}
			failures++
			if failures >= 2*len(peers) {
				zap.S().Warnf("[sync] giving up at height %d: no peer served blocks", next)
				break
			}
			peerIdx++
			continue
		}
		failures = 0

		for _, data := range blocks {
			accepted, err := sm.ProcessBlockWithRecovery(sm.ctx, data, peers)
			if err != nil {
				sm.penalize(ps.Peer, ScorePenaltyMisbehave, "invalid block during sync")
				zap.S().Warnf("[sync] block %d failed: %v", next, err)
				return
			}
			if accepted {
				sm.node.RewardPeer(ps.Peer)
				if sm.cfg.OnBlockAccepted != nil {
					sm.cfg.OnBlockAccepted(data)
				}
			}
			sm.mu.Lock()
			sm.syncProgress = next
			sm.mu.Unlock()
			next++
		}
		if next%500 < uint64(len(blocks)) || next > target {
			zap.S().Infof("[sync] progress: %d/%d", next-1, target)
		}
	}

	for _, ps := range peers {
		if err := sm.fetchAndProcessMempool(ps.Peer); err != nil {
			zap.S().Debugf("[sync] mempool fetch from %s failed: %v", shortID(ps.Peer), err)
			continue
		}
		break
	}

	if sm.cfg.GetStatus().Height < target && sm.ctx.Err() == nil {
		go func() {
			select {
			case <-time.After(3 * time.Second):
				sm.requestSyncCheck()
			case <-sm.ctx.Done():
			}
		}()
	}
}

// computeSyncStartHeight re-requests a short overlap near the tip so a
// competing branch of a few blocks is picked up.
func computeSyncStartHeight(ourHeight, target uint64) uint64 {
	if target > ourHeight && target-ourHeight <= 50 && ourHeight > 10 {
		return ourHeight - 10
	}
	return ourHeight + 1
}

// ProcessBlockWithRecovery processes data and, if it is an orphan, fetches
// and connects its missing ancestors by hash first.
func (sm *SyncManager) ProcessBlockWithRecovery(ctx context.Context, data []byte, peers []PeerStatus) (bool, error) {
	if sm.cfg.ProcessBlock == nil {
		return false, nil
	}
	accepted, err := sm.cfg.ProcessBlock(data)
	if err == nil {
		return accepted, nil
	}
	if !sm.isOrphanErr(err) {
		return false, err
	}
	if err := sm.recoverOrphanChain(ctx, data, peers); err != nil {
		return false, err
	}
	return true, nil
}

func (sm *SyncManager) recoverOrphanChain(ctx context.Context, data []byte, peers []PeerStatus) error {
	const maxRecoveryDepth = 512

	if len(peers) == 0 {
		return errors.New("orphan recovery: no peers available")
	}
	if sm.cfg.GetBlockMeta == nil || sm.cfg.GetBlockHash == nil {
		return errors.New("orphan recovery: block decoders not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	pending := [][]byte{data}
	current := data
	seen := make(map[[32]byte]bool)

	for depth := 0; depth < maxRecoveryDepth; depth++ {
		height, parentHash, err := sm.cfg.GetBlockMeta(current)
		if err != nil {
			return fmt.Errorf("orphan recovery: decode block: %w", err)
		}
		if height == 0 {
			return errors.New("orphan recovery reached genesis without a connectable parent")
		}
		if seen[parentHash] {
			return fmt.Errorf("orphan recovery: parent cycle at %x", parentHash[:8])
		}
		seen[parentHash] = true

		parent, orphan, err := sm.fetchValidParent(ctx, peers, parentHash)
		if err != nil {
			return fmt.Errorf("orphan recovery: fetch parent %x of height %d: %w", parentHash[:8], height, err)
		}
		if orphan {
			pending = append(pending, parent)
			current = parent
			continue
		}

		// Connected; replay the queued descendants oldest first.
		for i := len(pending) - 1; i >= 0; i-- {
			if _, err := sm.cfg.ProcessBlock(pending[i]); err != nil {
				return fmt.Errorf("orphan recovery replay failed: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("orphan recovery exceeded max depth (%d)", maxRecoveryDepth)
}

// fetchValidParent fetches hash and processes it, retrying the remaining
// peers when a served block is rejected. orphan reports that the parent
// itself still lacks its own parent.
func (sm *SyncManager) fetchValidParent(ctx context.Context, peers []PeerStatus, hash [32]byte) ([]byte, bool, error) {
	exclude := make(map[peer.ID]bool)
	var lastErr error
	for len(exclude) < len(peers) {
		parent, source, err := sm.fetchBlockByHashFromAnyPeer(ctx, peers, hash, exclude)
		if err != nil {
			if lastErr != nil {
				return nil, false, fmt.Errorf("%w (after %v)", err, lastErr)
			}
			return nil, false, err
		}
		_, err = sm.cfg.ProcessBlock(parent)
		if err == nil {
			return parent, false, nil
		}
		if sm.isOrphanErr(err) {
			return parent, true, nil
		}
		sm.penalize(source, ScorePenaltyMisbehave, "invalid parent during orphan recovery")
		exclude[source] = true
		lastErr = err
	}
	return nil, false, fmt.Errorf("parent rejected from every peer: %w", lastErr)
}

// fetchBlockByHashFromAnyPeer asks all peers at once and returns the first
// response whose hash matches. Peers returning the wrong block are penalized.
func (sm *SyncManager) fetchBlockByHashFromAnyPeer(ctx context.Context, peers []PeerStatus, hash [32]byte, exclude map[peer.ID]bool) ([]byte, peer.ID, error) {
	type result struct {
		block []byte
		peer  peer.ID
		err   error
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan result, len(peers))
	asked := 0
	for _, ps := range peers {
		if exclude[ps.Peer] {
			continue
		}
		asked++
		go func(p peer.ID) {
			blocks, err := sm.cfg.FetchBlocksByHash(ctx, p, [][32]byte{hash})
			if err != nil {
				ch <- result{peer: p, err: err}
				return
			}
			if len(blocks) == 0 || len(blocks[0]) == 0 {
				ch <- result{peer: p, err: fmt.Errorf("peer has no block %x", hash[:8])}
				return
			}
			got, err := sm.cfg.GetBlockHash(blocks[0])
			if err != nil || got != hash {
				sm.penalize(p, ScorePenaltyMisbehave, "wrong block for requested hash")
				ch <- result{peer: p, err: fmt.Errorf("peer returned wrong block for %x", hash[:8])}
				return
			}
			ch <- result{peer: p, block: blocks[0]}
		}(ps.Peer)
	}

	if asked == 0 {
		return nil, "", errors.New("no peers left to ask")
	}
	var lastErr error
	for range asked {
		select {
		case r := <-ch:
			if r.err == nil {
				return r.block, r.peer, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	return nil, "", lastErr
}

// FetchBlocks fetches blocks by hash from a peer.
func (sm *SyncManager) FetchBlocks(ctx context.Context, p peer.ID, hashes [][32]byte) ([][]byte, error) {
	req, _ := json.Marshal(BlocksRequest{Hashes: hashes})
	return sm.requestBlocks(ctx, p, SyncMsgGetBlocks, req)
}

func (sm *SyncManager) fetchBlocksByHeight(p peer.ID, start uint64, count int) ([][]byte, error) {
	req, _ := json.Marshal(BlocksByHeightRequest{StartHeight: start, MaxBlocks: count})
	return sm.requestBlocks(sm.ctx, p, SyncMsgGetBlocksByHeight, req)
}

func (sm *SyncManager) requestBlocks(ctx context.Context, p peer.ID, msgType byte, req []byte) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	s, err := sm.node.host.NewStream(ctx, p, ProtocolSync)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()
	if err := s.SetDeadline(time.Now().Add(2 * time.Minute)); err != nil {
		return nil, err
	}

	if err := writeMessage(s, msgType, req); err != nil {
		return nil, err
	}
	respType, data, err := readSyncMessage(s)
	if err != nil {
		return nil, err
	}
	if respType != SyncMsgBlocks {
		return nil, fmt.Errorf("unexpected message type: %d", respType)
	}
	if err := ensureJSONArrayMaxItems(data, MaxBlocksPerRequest); err != nil {
		return nil, fmt.Errorf("invalid blocks response: %w", err)
	}
	var blocks [][]byte
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// AnnounceBlock sends a new block announcement over the sync protocol.
func (sm *SyncManager) AnnounceBlock(data []byte) {
	for _, p := range sm.node.Peers() {
		go func(pid peer.ID) {
			ctx, cancel := context.WithTimeout(sm.ctx, 10*time.Second)
			defer cancel()
			s, err := sm.node.host.NewStream(ctx, pid, ProtocolSync)
			if err != nil {
				return
			}
			defer func() { _ = s.Close() }()
			_ = writeMessage(s, SyncMsgNewBlock, data)
		}(p)
	}
}

// IsSyncing returns whether we're currently syncing
func (sm *SyncManager) IsSyncing() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.syncing
}

// SyncProgress returns (current, target, elapsed); zeros when idle.
func (sm *SyncManager) SyncProgress() (uint64, uint64, time.Duration) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if !sm.syncing {
		return 0, 0, 0
	}
	return sm.syncProgress, sm.syncTarget, time.Since(sm.syncStartTime)
}

// fetchAndProcessMempool pulls a peer's pending transactions into ours.
func (sm *SyncManager) fetchAndProcessMempool(p peer.ID) error {
	if sm.cfg.ProcessTx == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(sm.ctx, 60*time.Second)
	defer cancel()

	s, err := sm.node.host.NewStream(ctx, p, ProtocolSync)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if err := s.SetDeadline(time.Now().Add(60 * time.Second)); err != nil {
		return err
	}
	if err := writeMessage(s, SyncMsgGetMempool, nil); err != nil {
		return err
	}
	msgType, data, err := readSyncMessage(s)
	if err != nil {
		return err
	}
	if msgType != SyncMsgMempool {
		return fmt.Errorf("unexpected message type: %d", msgType)
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := ensureJSONArrayMaxItems(data, MaxSyncMempoolTxCount); err != nil {
		return err
	}
	var txs [][]byte
	if err := json.Unmarshal(data, &txs); err != nil {
		return err
	}
	txs = trimByteSliceBatch(txs, MaxSyncMempoolTxCount, SyncMempoolResponseByteBudget)

	invalid := 0
	for _, tx := range txs {
		if err := sm.cfg.ProcessTx(tx); err != nil {
			if sm.cfg.IsBenignTxError != nil && sm.cfg.IsBenignTxError(err) {
				continue
			}
			invalid++
		}
	}
	if penalty, reason, ok := mempoolInvalidPenalty(len(txs), invalid); ok {
		sm.penalize(p, penalty, reason)
	}
	return nil
}

// mempoolInvalidPenalty grades a mempool response by its invalid ratio.
// Small samples are never penalized.
func mempoolInvalidPenalty(total, invalid int) (penalty int, reason string, ok bool) {
	if total < 20 || invalid < 5 {
		return 0, "", false
	}
	ratioBp := invalid * 10000 / total
	switch {
	case ratioBp >= 8000:
		return ScorePenaltyMisbehave, fmt.Sprintf("mempool sync abusive: %d/%d invalid txs", invalid, total), true
	case ratioBp >= 3000:
		return ScorePenaltyInvalid, fmt.Sprintf("mempool sync high invalid ratio: %d/%d invalid txs", invalid, total), true
	}
	return 0, "", false
}

func readSyncMessage(s network.Stream) (byte, []byte, error) {
	return readMessageWithLimit(s, syncMessageMaxSize)
}

func syncMessageMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case SyncMsgStatus:
		return MaxSyncStatusMessageSize, nil
	case SyncMsgGetBlocks:
		return MaxSyncGetBlocksReqSize, nil
	case SyncMsgBlocks:
		return MaxSyncBlocksMessageSize, nil
	case SyncMsgGetBlocksByHeight:
		return MaxSyncGetBlocksByHeightSz, nil
	case SyncMsgNewBlock:
		return MaxBlockStreamPayloadSize, nil
	case SyncMsgGetMempool:
		return MaxSyncGetMempoolReqSize, nil
	case SyncMsgMempool:
		return MaxSyncMempoolMessageSize, nil
	default:
		return 0, fmt.Errorf("unknown sync message type: %d", msgType)
	}
}
