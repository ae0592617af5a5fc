package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"netchain/consensus"
	"netchain/p2p"
	"netchain/protocol/params"
	"netchain/wallet"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Daemon struct {
	// mu serializes block processing with the mempool and proof pool
	// updates that follow it.
	mu sync.RWMutex

	// Blocks connected by the last reorg, guarded by mu.
	reorgConnected []*Block

	cfg DaemonConfig

	// Core components
	chain    *Chain
	mempool  *Mempool
	proofs   *ProofPool
	producer *Producer // nil without a validator key

	produced     chan *Block
	producedOnce sync.Once

	// P2P layer
	node    *p2p.Node
	syncMgr *p2p.SyncManager
	speed   *p2p.SpeedTester
	uptime  *p2p.UptimeTracker

	cron    *cron.Cron
	metrics *Metrics

	// Last local measurement
	localMu      sync.RWMutex
	localMetrics *consensus.NodeMetrics
	lastReport   *p2p.SpeedReport

	// Block notifications for API subscribers
	blockSubs   []chan *Block
	blockSubsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// DaemonConfig configures the daemon
type DaemonConfig struct {
	DataDir string

	// P2P settings
	ListenAddrs       []string
	SeedNodes         []string
	AllowPrivateAddrs bool
	DisableNAT        bool

	Genesis *Genesis
	Params  ChainParams
	PoI     consensus.Config

	// ValidatorKey signs blocks and speed proofs. Without it the node
	// still measures itself but never attests.
	ValidatorKey *wallet.KeyPair
	Produce      bool

	// Cron specs (seconds precision)
	MeasureSpec string
	UptimeSpec  string
	SpeedTest   p2p.SpeedTestConfig
}

// DaemonConfigFromFile maps netchain.toml onto the daemon settings.
func DaemonConfigFromFile(cfg *Config, genesis *Genesis, key *wallet.KeyPair) DaemonConfig {
	return DaemonConfig{
		DataDir:           cfg.Node.DataDir,
		ListenAddrs:       cfg.Node.Listen,
		SeedNodes:         cfg.Node.Seeds,
		AllowPrivateAddrs: cfg.Node.AllowPrivateAddrs,
		Genesis:           genesis,
		Params:            DefaultChainParams(),
		PoI:               cfg.PoI,
		ValidatorKey:      key,
		Produce:           cfg.Node.Produce,
		MeasureSpec:       cfg.SpeedTest.Spec,
		UptimeSpec:        cfg.SpeedTest.UptimeSpec,
		SpeedTest:         cfg.SpeedTest.P2P(),
	}
}

// NewDaemon opens the chain and creates the P2P node. Nothing runs until
// Start.
func NewDaemon(cfg DaemonConfig) (*Daemon, error) {
	if cfg.MeasureSpec == "" {
		cfg.MeasureSpec = DefaultSpeedTestSpec
	}
	if cfg.UptimeSpec == "" {
		cfg.UptimeSpec = DefaultUptimeSampleSpec
	}

	chain, err := NewChain(cfg.DataDir, ChainConfig{
		Genesis: cfg.Genesis,
		Params:  cfg.Params,
		Scorer:  consensus.NewScorer(cfg.PoI),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chain: %w", err)
	}

	nodeCfg := p2p.DefaultNodeConfig()
	nodeCfg.ListenAddrs = cfg.ListenAddrs
	nodeCfg.SeedNodes = cfg.SeedNodes
	nodeCfg.AllowPrivateAddrs = cfg.AllowPrivateAddrs
	nodeCfg.DisableNAT = cfg.DisableNAT
	nodeCfg.UserAgent = "netchain/" + Version
	nodeCfg.Identity.KeyPath = filepath.Join(cfg.DataDir, "p2p.key")

	node, err := p2p.NewNode(nodeCfg)
	if err != nil {
		chain.Close()
		return nil, fmt.Errorf("failed to create P2P node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:     cfg,
		chain:   chain,
		mempool: NewMempool(DefaultMempoolConfig()),
		proofs:  NewProofPool(),
		node:    node,
		speed:   p2p.NewSpeedTester(node, cfg.SpeedTest),
		uptime:  p2p.NewUptimeTracker(p2p.DefaultUptimeSamples),
		cron:    cron.New(cron.WithSeconds()),
		metrics: NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.ValidatorKey != nil {
		d.producer = NewProducer(chain, d.mempool, d.proofs, ProducerConfig{
			Key:       cfg.ValidatorKey,
			PeerCount: node.PeerCount,
		})
	}

	chain.SetReorgHandler(d.onReorg)

	d.syncMgr = p2p.NewSyncManager(node, p2p.SyncConfig{
		GetStatus:         d.getChainStatus,
		GetBlocks:         d.getBlocks,
		GetBlocksByHeight: d.getBlocksByHeight,
		ProcessBlock:      d.processBlockData,
		GetMempool:        d.mempool.GetAllTransactionData,
		ProcessTx:         d.processTxData,
		OnBlockAccepted:   d.onSyncedBlock,
		IsOrphanError:     func(err error) bool { return errors.Is(err, ErrOrphanBlock) },
		IsBenignTxError:   isBenignTxError,
		GetBlockMeta:      blockMeta,
		GetBlockHash:      blockHash,
	})

	node.SetBlockHandler(d.handleBlock)
	node.SetTxHandler(d.handleTx)
	node.SetProofHandler(d.handleProof)

	d.metrics.Height.Set(float64(chain.Height()))
	return d, nil
}

// SubscribeBlocks returns a channel that receives new main-chain blocks.
func (d *Daemon) SubscribeBlocks() chan *Block {
	d.blockSubsMu.Lock()
	defer d.blockSubsMu.Unlock()
	ch := make(chan *Block, 10)
	d.blockSubs = append(d.blockSubs, ch)
	return ch
}

// UnsubscribeBlocks removes and closes a subscription.
func (d *Daemon) UnsubscribeBlocks(ch chan *Block) {
	d.blockSubsMu.Lock()
	defer d.blockSubsMu.Unlock()
	for i, sub := range d.blockSubs {
		if sub == ch {
			d.blockSubs = append(d.blockSubs[:i], d.blockSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

// notifyBlock sends block to all subscribers
func (d *Daemon) notifyBlock(block *Block) {
	d.blockSubsMu.Lock()
	defer d.blockSubsMu.Unlock()
	for _, ch := range d.blockSubs {
		select {
		case ch <- block:
		default: // Don't block if subscriber is slow
		}
	}
}

// Start begins daemon operations
func (d *Daemon) Start() error {
	if err := d.node.Start(); err != nil {
		return fmt.Errorf("failed to start P2P: %w", err)
	}
	d.syncMgr.Start(d.ctx)

	if _, err := d.cron.AddFunc(d.cfg.UptimeSpec, d.sampleUptime); err != nil {
		return fmt.Errorf("uptime schedule %q: %w", d.cfg.UptimeSpec, err)
	}
	if _, err := d.cron.AddFunc(d.cfg.MeasureSpec, d.measure); err != nil {
		return fmt.Errorf("speed test schedule %q: %w", d.cfg.MeasureSpec, err)
	}
	d.cron.Start()

	if d.cfg.Produce {
		if err := d.StartProducing(); err != nil {
			return err
		}
	}

	zap.S().Infof("[daemon] started, peer id %s", d.node.PeerID())
	zap.S().Infof("[daemon] listening on %v", d.node.Addrs())
	zap.S().Infof("[daemon] chain height %d, tip %s", d.chain.Height(), d.chain.BestHash())
	return nil
}

// Stop gracefully shuts down the daemon
func (d *Daemon) Stop() error {
	zap.S().Info("[daemon] shutting down")

	d.cancel()
	<-d.cron.Stop().Done()
	if d.producer != nil {
		d.producer.Stop()
	}
	d.syncMgr.Stop()

	if err := d.node.Stop(); err != nil {
		return err
	}
	if err := d.chain.Close(); err != nil {
		return err
	}

	d.blockSubsMu.Lock()
	for _, ch := range d.blockSubs {
		close(ch)
	}
	d.blockSubs = nil
	d.blockSubsMu.Unlock()

	zap.S().Info("[daemon] stopped")
	return nil
}

var ErrNotValidator = errors.New("no validator key configured")

// StartProducing runs the producer loop and publishes what it builds.
func (d *Daemon) StartProducing() error {
	if d.producer == nil {
		return ErrNotValidator
	}
	d.producedOnce.Do(func() {
		d.produced = make(chan *Block, 10)
		go func() {
			for {
				select {
				case <-d.ctx.Done():
					return
				case block := <-d.produced:
					d.handleProducedBlock(block)
				}
			}
		}()
	})
	d.producer.Start(d.ctx, d.produced)
	zap.S().Infof("[daemon] producing blocks as %s", d.producer.Address())
	return nil
}

// StopProducing stops the producer loop.
func (d *Daemon) StopProducing() {
	if d.producer != nil {
		d.producer.Stop()
	}
}

func (d *Daemon) IsProducing() bool {
	return d.producer != nil && d.producer.IsRunning()
}

// acceptBlock runs a block through the chain and, when it becomes the tip,
// updates the pools and notifies subscribers. Callers hold d.mu.
func (d *Daemon) acceptBlock(block *Block) (accepted, isMainChain bool, err error) {
	d.reorgConnected = nil
	accepted, isMainChain, err = d.chain.ProcessBlock(block)
	connected := d.reorgConnected
	d.reorgConnected = nil
	if err != nil || !accepted || !isMainChain {
		return accepted, isMainChain, err
	}
	if len(connected) == 0 {
		connected = []*Block{block}
	}

	d.mempool.OnBlockConnected(block, d.chain)
	d.proofs.OnBlockConnected(block)
	if d.producer != nil {
		d.producer.NotifyNewBlock()
	}

	d.metrics.BlocksAccepted.Inc()
	d.metrics.Height.Set(float64(d.chain.Height()))
	d.metrics.MempoolTxs.Set(float64(d.mempool.Size()))
	d.metrics.ProofPoolSize.Set(float64(d.proofs.Size()))

	for _, b := range connected {
		d.notifyBlock(b)
	}
	return accepted, isMainChain, nil
}

// onReorg runs inside ProcessBlock, so d.mu is already held.
func (d *Daemon) onReorg(disconnected, connected []*Block) {
	zap.S().Warnf("[daemon] reorg: %d blocks disconnected, %d connected", len(disconnected), len(connected))
	d.metrics.Reorgs.Inc()
	d.reorgConnected = connected

	d.mempool.OnReorg(disconnected, d.chain)
	for _, b := range connected {
		d.proofs.OnBlockConnected(b)
	}
	// Proofs from the abandoned branch may still be includable.
	epoch := d.chain.NextEpoch()
	for _, b := range disconnected {
		for _, p := range b.Proofs {
			_ = d.proofs.Add(p, epoch)
		}
	}
}

// handleProducedBlock connects and broadcasts a block we built.
func (d *Daemon) handleProducedBlock(block *Block) {
	d.mu.Lock()
	accepted, isMainChain, err := d.acceptBlock(block)
	d.mu.Unlock()
	if err != nil || !accepted {
		zap.S().Warnf("[daemon] failed to add produced block %d: %v", block.Header.Height, err)
		d.metrics.BlocksRejected.WithLabelValues("local").Inc()
		return
	}
	if !isMainChain {
		// Lost the slot to a heavier branch. Our transactions stay queued.
		return
	}
	d.metrics.BlocksProduced.Inc()

	data, err := EncodeBlock(block)
	if err != nil {
		zap.S().Errorf("[daemon] failed to encode block: %v", err)
		return
	}
	d.node.BroadcastBlock(data)
}

func (d *Daemon) penalize(from peer.ID, penalty int, reason string) {
	if d.node != nil && from != "" {
		d.node.PenalizePeer(from, penalty, reason)
	}
}

// handleBlock processes a block gossiped by a peer
func (d *Daemon) handleBlock(from peer.ID, data []byte) {
	block, err := DecodeBlock(data)
	if err != nil {
		d.penalize(from, p2p.ScorePenaltyInvalid, "undecodable block")
		return
	}

	d.mu.Lock()
	accepted, isMainChain, err := d.acceptBlock(block)
	d.mu.Unlock()

	switch {
	case errors.Is(err, ErrOrphanBlock):
		// We are behind or on another branch; let sync catch up.
		if d.syncMgr != nil {
			d.syncMgr.TriggerSync()
		}
		return
	case err != nil:
		zap.S().Debugf("[daemon] rejected block %d from %s: %v", block.Header.Height, from, err)
		d.metrics.BlocksRejected.WithLabelValues("gossip").Inc()
		d.penalize(from, p2p.ScorePenaltyMisbehave, "invalid block")
		return
	case !accepted:
		return
	}

	if d.node != nil {
		d.node.RewardPeer(from)
		// Fork blocks are relayed too so peers can weigh the branch.
		d.node.RelayBlock(from, data)
	}
	if isMainChain {
		zap.S().Infof("[daemon] accepted block %d from %s", block.Header.Height, from)
	}
}

// isBenignTxError reports rejections that reflect our pool or ledger view
// rather than a malformed transaction.
func isBenignTxError(err error) bool {
	return errors.Is(err, ErrMempoolFull) ||
		errors.Is(err, ErrFeeTooLow) ||
		errors.Is(err, ErrInvalidNonce) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrSenderNotFound)
}

// admitTx validates and pools a transaction. It reports whether the
// transaction was new.
func (d *Daemon) admitTx(stx *SignedTransaction) (bool, error) {
	known := d.mempool.HasTransaction(stx.Hash())
	d.mu.RLock()
	err := d.mempool.AddTransaction(stx, d.chain)
	d.mu.RUnlock()
	if err != nil {
		return false, err
	}
	if known || !d.mempool.HasTransaction(stx.Hash()) {
		return false, nil
	}
	d.metrics.TxsAccepted.Inc()
	d.metrics.MempoolTxs.Set(float64(d.mempool.Size()))
	return true, nil
}

// handleTx processes a transaction gossiped by a peer
func (d *Daemon) handleTx(from peer.ID, data []byte) {
	stx, err := DecodeTx(data)
	if err != nil {
		d.penalize(from, p2p.ScorePenaltyInvalid, "undecodable transaction")
		return
	}
	added, err := d.admitTx(stx)
	if err != nil {
		if !isBenignTxError(err) {
			d.penalize(from, p2p.ScorePenaltyInvalid, "invalid transaction")
		}
		return
	}
	if added && d.node != nil {
		d.node.RelayTx(from, data)
	}
}

// handleProof processes a speed proof gossiped by a peer
func (d *Daemon) handleProof(from peer.ID, data []byte) {
	p, err := DecodeSpeedProof(data)
	if err != nil {
		d.penalize(from, p2p.ScorePenaltyInvalid, "undecodable speed proof")
		return
	}
	known := d.proofs.Has(p.Hash())
	if err := d.proofs.Add(p, d.chain.NextEpoch()); err != nil {
		if errors.Is(err, ErrStaleProof) {
			return
		}
		d.penalize(from, p2p.ScorePenaltyMisbehave, "invalid speed proof")
		return
	}
	d.metrics.ProofPoolSize.Set(float64(d.proofs.Size()))
	if !known && d.proofs.Has(p.Hash()) && d.node != nil {
		d.node.RelayProof(from, data)
	}
}

// Chain status callbacks for sync manager

func (d *Daemon) getChainStatus() p2p.ChainStatus {
	return p2p.ChainStatus{
		BestHash:    d.chain.BestHash(),
		GenesisHash: d.chain.GenesisHash(),
		Height:      d.chain.Height(),
		TotalWork:   d.chain.TotalWork(),
		Version:     CurrentBlockVersion,
		NetworkID:   params.NetworkID,
		ChainID:     params.ChainID,
	}
}

func (d *Daemon) getBlocks(hashes [][32]byte) ([][]byte, error) {
	var blocks [][]byte
	for _, hash := range hashes {
		block := d.chain.GetBlock(hash)
		if block == nil {
			continue
		}
		data, err := EncodeBlock(block)
		if err != nil {
			continue
		}
		blocks = append(blocks, data)
	}
	return blocks, nil
}

// getBlocksByHeight returns main-chain blocks for sync requests
func (d *Daemon) getBlocksByHeight(startHeight uint64, max int) ([][]byte, error) {
	var blocks [][]byte
	for _, block := range d.chain.GetBlocksByHeight(startHeight, max) {
		data, err := EncodeBlock(block)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, data)
	}
	return blocks, nil
}

func (d *Daemon) processBlockData(data []byte) (bool, error) {
	block, err := DecodeBlock(data)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	accepted, _, err := d.acceptBlock(block)
	if err != nil && !errors.Is(err, ErrOrphanBlock) {
		d.metrics.BlocksRejected.WithLabelValues("sync").Inc()
	}
	return accepted, err
}

func (d *Daemon) processTxData(data []byte) error {
	stx, err := DecodeTx(data)
	if err != nil {
		return err
	}
	_, err = d.admitTx(stx)
	return err
}

func (d *Daemon) onSyncedBlock(data []byte) {
	if d.producer != nil {
		d.producer.NotifyNewBlock()
	}
}

func blockMeta(data []byte) (uint64, [32]byte, error) {
	block, err := DecodeBlock(data)
	if err != nil {
		return 0, [32]byte{}, err
	}
	return block.Header.Height, block.Header.PrevHash, nil
}

func blockHash(data []byte) ([32]byte, error) {
	block, err := DecodeBlock(data)
	if err != nil {
		return [32]byte{}, err
	}
	return block.Hash(), nil
}

// Scheduled jobs

// sampleUptime records connectivity and expires stale transactions.
func (d *Daemon) sampleUptime() {
	peers := d.node.PeerCount()
	d.uptime.Record(peers > 0)
	if n := d.mempool.RemoveExpired(); n > 0 {
		zap.S().Infof("[daemon] expired %d mempool transactions", n)
	}
	d.metrics.Peers.Set(float64(peers))
	d.metrics.UptimePercent.Set(d.uptime.Percent())
	d.metrics.MempoolTxs.Set(float64(d.mempool.Size()))
}

// measure runs a speed test round and attests the result when this node
// has a validator key.
func (d *Daemon) measure() {
	ctx, cancel := context.WithTimeout(d.ctx, 2*time.Minute)
	defer cancel()

	report, err := d.speed.Run(ctx)
	if err != nil {
		d.metrics.SpeedTestFails.Inc()
		zap.S().Infof("[speedtest] round skipped: %v", err)
		return
	}

	m := d.recordMeasurement(report)
	zap.S().Infof("[speedtest] %d peers: up %.1f Mbps, down %.1f Mbps, latency %.1f ms, stability %.0f%%, score %.3f",
		len(report.Peers), m.UploadMbps, m.DownloadMbps, m.LatencyMs, m.StabilityPercent, d.chain.Scorer().Score(m))

	if d.cfg.ValidatorKey == nil {
		return
	}
	proof := NewSpeedProof(m, d.chain.NextEpoch(), uint32(report.PingsSent), d.cfg.ValidatorKey)
	if err := d.SubmitProof(proof); err != nil {
		zap.S().Warnf("[speedtest] failed to submit speed proof: %v", err)
	}
}

// recordMeasurement turns a report plus local uptime into node metrics.
func (d *Daemon) recordMeasurement(report *p2p.SpeedReport) consensus.NodeMetrics {
	m := consensus.NodeMetrics{
		UploadMbps:       report.UploadMbps,
		DownloadMbps:     report.DownloadMbps,
		LatencyMs:        report.LatencyMs,
		UptimePercent:    d.uptime.Percent(),
		StabilityPercent: report.StabilityPercent,
	}
	if d.cfg.ValidatorKey != nil {
		m.NodeID = d.cfg.ValidatorKey.Address()
	}

	d.localMu.Lock()
	d.localMetrics = &m
	d.lastReport = report
	d.localMu.Unlock()

	d.metrics.LatencyMs.Set(m.LatencyMs)
	d.metrics.DownloadMbps.Set(m.DownloadMbps)
	d.metrics.UploadMbps.Set(m.UploadMbps)
	d.metrics.StabilityPct.Set(m.StabilityPercent)
	d.metrics.LocalScore.Set(d.chain.Scorer().Score(m))
	return m
}

// LocalMetrics returns the last measurement, or nil before the first round.
func (d *Daemon) LocalMetrics() (*consensus.NodeMetrics, *p2p.SpeedReport) {
	d.localMu.RLock()
	defer d.localMu.RUnlock()
	return d.localMetrics, d.lastReport
}

// Stats returns daemon statistics
type DaemonStats struct {
	PeerID        string  `json:"peer_id"`
	Peers         int     `json:"peers"`
	ChainHeight   uint64  `json:"chain_height"`
	BestHash      string  `json:"best_hash"`
	TotalWork     uint64  `json:"total_work"`
	Epoch         uint64  `json:"epoch"`
	MempoolSize   int     `json:"mempool_size"`
	MempoolBytes  int     `json:"mempool_bytes"`
	PendingProofs int     `json:"pending_proofs"`
	Syncing       bool    `json:"syncing"`
	Producing     bool    `json:"producing"`
	Validator     string  `json:"validator,omitempty"`
	UptimePercent float64 `json:"uptime_percent"`
}

func (d *Daemon) Stats() DaemonStats {
	stats := DaemonStats{
		ChainHeight:   d.chain.Height(),
		BestHash:      d.chain.BestHash().String(),
		TotalWork:     d.chain.TotalWork(),
		Epoch:         d.chain.Params().EpochOf(d.chain.Height()),
		MempoolSize:   d.mempool.Size(),
		MempoolBytes:  d.mempool.SizeBytes(),
		PendingProofs: d.proofs.Size(),
		Producing:     d.IsProducing(),
	}
	if d.node != nil {
		stats.PeerID = d.node.PeerID().String()
		stats.Peers = d.node.PeerCount()
	}
	if d.syncMgr != nil {
		stats.Syncing = d.syncMgr.IsSyncing()
	}
	if d.uptime != nil {
		stats.UptimePercent = d.uptime.Percent()
	}
	if d.cfg.ValidatorKey != nil {
		stats.Validator = d.cfg.ValidatorKey.Address()
	}
	return stats
}

// Getters for components
func (d *Daemon) Chain() *Chain          { return d.chain }
func (d *Daemon) Mempool() *Mempool      { return d.mempool }
func (d *Daemon) Proofs() *ProofPool     { return d.proofs }
func (d *Daemon) Node() *p2p.Node        { return d.node }
func (d *Daemon) Producer() *Producer    { return d.producer }
func (d *Daemon) Metrics() *Metrics      { return d.metrics }
func (d *Daemon) DataDir() string        { return d.cfg.DataDir }
func (d *Daemon) Sync() *p2p.SyncManager { return d.syncMgr }

// SubmitTransaction adds a locally submitted transaction to the mempool
// and broadcasts it.
func (d *Daemon) SubmitTransaction(stx *SignedTransaction) error {
	if _, err := d.admitTx(stx); err != nil {
		return fmt.Errorf("mempool rejected: %w", err)
	}
	data, err := EncodeTx(stx)
	if err != nil {
		return err
	}
	if d.node != nil {
		d.node.BroadcastTx(data)
	}
	return nil
}

// SubmitProof pools a speed proof for the upcoming epoch and gossips it.
func (d *Daemon) SubmitProof(p *SpeedProof) error {
	if err := d.proofs.Add(p, d.chain.NextEpoch()); err != nil {
		return err
	}
	d.metrics.ProofsSubmitted.Inc()
	d.metrics.ProofPoolSize.Set(float64(d.proofs.Size()))

	data, err := EncodeSpeedProof(p)
	if err != nil {
		return err
	}
	if d.node != nil {
		d.node.BroadcastProof(data)
	}
	return nil
}
