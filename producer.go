package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"netchain/wallet"

	"go.uber.org/zap"
)

// ProducerConfig holds block production configuration
type ProducerConfig struct {
	// Key signs produced blocks; its address is the validator id.
	Key *wallet.KeyPair
	// TickInterval is how often the slot is re-evaluated (0 = 500ms)
	TickInterval time.Duration
	// PeerCount returns the number of connected peers (nil = skip check)
	PeerCount func() int
	// Now overrides the clock (nil = time.Now)
	Now func() time.Time
}

// ProducerStats holds production statistics
type ProducerStats struct {
	BlocksProduced uint64
	SlotsLed       uint64
	SkippedTxs     uint64
	StartTime      time.Time
	LastBlockTime  time.Time
}

// Producer builds and signs a block whenever the local validator is
// selected for the current slot round.
type Producer struct {
	config  ProducerConfig
	chain   *Chain
	mempool *Mempool
	proofs  *ProofPool

	blocksProduced atomic.Uint64
	slotsLed       atomic.Uint64
	skippedTxs     atomic.Uint64
	startTime      time.Time
	lastBlock      atomic.Int64

	running  atomic.Bool
	mu       sync.Mutex
	cancel   context.CancelFunc
	newBlock chan struct{} // signals the loop to re-evaluate on a new tip

	lastHeight uint64
	lastRound  uint32
	produced   bool
}

// NewProducer creates a new producer
func NewProducer(chain *Chain, mempool *Mempool, proofs *ProofPool, config ProducerConfig) *Producer {
	if config.TickInterval <= 0 {
		config.TickInterval = 500 * time.Millisecond
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Producer{
		config:    config,
		chain:     chain,
		mempool:   mempool,
		proofs:    proofs,
		newBlock:  make(chan struct{}, 1),
		startTime: time.Now(),
	}
}

// Address is the validator address blocks are produced for.
func (p *Producer) Address() string {
	return p.config.Key.Address()
}

// NotifyNewBlock tells the producer the tip changed so the slot is
// re-evaluated immediately.
func (p *Producer) NotifyNewBlock() {
	select {
	case p.newBlock <- struct{}{}:
	default: // already signalled, don't block
	}
}

// CurrentRound returns the fallback round for a child of tip at now.
func CurrentRound(params ChainParams, tipTimestamp int64, now time.Time) (uint32, bool) {
	elapsed := time.Duration(now.Unix()-tipTimestamp) * time.Second
	if elapsed < params.BlockInterval {
		return 0, false
	}
	if params.RoundTimeout <= 0 {
		return 0, true
	}
	round := uint64((elapsed - params.BlockInterval) / params.RoundTimeout)
	if round >= uint64(params.MaxRounds) {
		round = uint64(params.MaxRounds) - 1
	}
	return uint32(round), true
}

// TryProduce checks the current slot and returns a signed block if this
// node leads it. Each (height, round) is produced at most once.
func (p *Producer) TryProduce() (*Block, error) {
	tip := p.chain.Tip()
	if tip == nil {
		return nil, fmt.Errorf("chain has no tip")
	}
	now := p.config.Now()
	round, open := CurrentRound(p.chain.Params(), tip.Header.Timestamp, now)
	if !open {
		return nil, nil
	}
	height := tip.Header.Height + 1

	p.mu.Lock()
	done := p.produced && p.lastHeight == height && p.lastRound == round
	p.mu.Unlock()
	if done {
		return nil, nil
	}

	leader, err := p.chain.ExpectedProducer(tip.Hash(), round)
	if err != nil {
		return nil, err
	}
	if leader != p.Address() {
		return nil, nil
	}
	p.slotsLed.Add(1)

	params := p.chain.Params()
	var txs []*SignedTransaction
	if p.mempool != nil {
		txs = p.mempool.GetTransactionsForBlock(params.MaxBlockTxs, params.MaxBlockSize*3/4)
	}
	var proofs []*SpeedProof
	if p.proofs != nil {
		proofs = p.proofs.Select(params.EpochOf(height), params.MaxProofsPerBlock, nil)
	}

	block, skipped, err := p.chain.BuildBlock(p.config.Key, tip.Hash(), round, now.Unix(), txs, proofs)
	if err != nil {
		return nil, err
	}
	p.skippedTxs.Add(uint64(skipped))

	p.mu.Lock()
	p.produced = true
	p.lastHeight = height
	p.lastRound = round
	p.mu.Unlock()

	p.blocksProduced.Add(1)
	p.lastBlock.Store(now.Unix())
	return block, nil
}

// Start begins the slot loop in a background goroutine
func (p *Producer) Start(ctx context.Context, blockChan chan<- *Block) {
	if p.running.Swap(true) {
		return // Already running
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		defer p.running.Store(false)
		defer cancel()

		ticker := time.NewTicker(p.config.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			case <-p.newBlock:
			}

			// Wait for peers before producing (avoid divergent chains)
			if p.config.PeerCount != nil && p.config.PeerCount() == 0 {
				continue
			}

			block, err := p.TryProduce()
			if err != nil {
				zap.S().Warnf("[producer] slot evaluation failed: %v", err)
				continue
			}
			if block == nil {
				continue
			}
			zap.S().Infof("[producer] produced block %d round %d (%d txs, %d proofs)",
				block.Header.Height, block.Header.Round, len(block.Transactions), len(block.Proofs))

			select {
			case blockChan <- block:
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

// Stop stops the producer
func (p *Producer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.running.Store(false)
}

// IsRunning returns true if the slot loop is running
func (p *Producer) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current production statistics
func (p *Producer) Stats() ProducerStats {
	stats := ProducerStats{
		BlocksProduced: p.blocksProduced.Load(),
		SlotsLed:       p.slotsLed.Load(),
		SkippedTxs:     p.skippedTxs.Load(),
		StartTime:      p.startTime,
	}
	if ts := p.lastBlock.Load(); ts > 0 {
		stats.LastBlockTime = time.Unix(ts, 0)
	}
	return stats
}

// BuildBlock assembles and signs a child of parent for round. Transactions
// that fail against the running ledger are skipped and counted; proofs that
// are invalid or already committed this epoch are dropped.
func (c *Chain) BuildBlock(kp *wallet.KeyPair, parentHash Hash, round uint32, timestamp int64, txs []*SignedTransaction, proofs []*SpeedProof) (*Block, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.getBlockLocked(parentHash)
	if parent == nil {
		return nil, 0, fmt.Errorf("unknown parent %x", parentHash[:8])
	}
	producer := kp.Address()
	expected, _, err := c.expectedProducerLocked(parent, round)
	if err != nil {
		return nil, 0, err
	}
	if expected != producer {
		return nil, 0, fmt.Errorf("%w: %s leads round %d", ErrWrongProducer, expected, round)
	}

	state, err := c.stateAtLocked(parent)
	if err != nil {
		return nil, 0, err
	}

	height := parent.Header.Height + 1
	epoch := c.params.EpochOf(height)
	if min := c.params.SlotStart(parent.Header.Timestamp, round); timestamp < min {
		timestamp = min
	}

	block := &Block{
		Header: BlockHeader{
			Version:   CurrentBlockVersion,
			Height:    height,
			PrevHash:  parentHash,
			Timestamp: timestamp,
			Epoch:     epoch,
			Round:     round,
			Producer:  producer,
		},
		Transactions: []*SignedTransaction{},
		Proofs:       []*SpeedProof{},
	}
	size := len(block.Header.Serialize()) + 256

	committed, err := c.branchProofNodesLocked(parent, epoch)
	if err != nil {
		return nil, 0, err
	}
	for _, p := range proofs {
		if len(block.Proofs) >= c.params.MaxProofsPerBlock {
			break
		}
		id := p.Metrics.NodeID
		if p.Epoch != epoch || committed[id] || p.Verify() != nil {
			continue
		}
		committed[id] = true
		block.Proofs = append(block.Proofs, p)
		size += p.Size()
	}

	skipped := 0
	var fees uint64
	for _, tx := range txs {
		if len(block.Transactions) >= c.params.MaxBlockTxs {
			break
		}
		if size+tx.Size() > c.params.MaxBlockSize {
			skipped++
			continue
		}
		if err := CheckSanity(tx); err != nil {
			skipped++
			continue
		}
		if fees+tx.Tx.Fee < fees {
			skipped++
			continue
		}
		if err := state.ApplyTransaction(tx); err != nil {
			skipped++
			continue
		}
		fees += tx.Tx.Fee
		size += tx.Size()
		block.Transactions = append(block.Transactions, tx)
	}

	reward := c.params.BlockReward + fees
	if reward < fees {
		return nil, skipped, ErrBalanceOverflow
	}
	if err := state.Credit(producer, reward); err != nil {
		return nil, skipped, err
	}

	block.Header.TxRoot = block.ComputeTxRoot()
	block.Header.ProofRoot = block.ComputeProofRoot()
	block.Header.StateRoot = state.Root()
	block.Sign(kp)
	return block, skipped, nil
}

// stateAtLocked returns a copy of the ledger after parent, rewinding the
// main chain to the fork point when parent is on a side branch.
func (c *Chain) stateAtLocked(parent *Block) (*State, error) {
	state := c.state.Clone()
	if parent.Hash() == c.bestHash {
		return state, nil
	}

	var branch []*Block
	cur := parent
	for !c.isMainChainLocked(cur) {
		branch = append([]*Block{cur}, branch...)
		if uint64(len(branch)) > c.params.MaxReorgDepth {
			return nil, ErrReorgTooDeep
		}
		prev := c.getBlockLocked(cur.Header.PrevHash)
		if prev == nil {
			return nil, fmt.Errorf("missing block %x", cur.Header.PrevHash[:8])
		}
		cur = prev
	}
	if c.height-cur.Header.Height > c.params.MaxReorgDepth {
		return nil, ErrReorgTooDeep
	}
	for h := c.height; h > cur.Header.Height; h-- {
		b := c.getBlockByHeightLocked(h)
		if b == nil {
			return nil, fmt.Errorf("main chain block %d missing", h)
		}
		undo, err := c.storage.GetUndo(b.Hash())
		if err != nil || undo == nil {
			return nil, fmt.Errorf("undo record for height %d unavailable: %v", h, err)
		}
		state.Restore(undo.Accounts)
	}
	for _, b := range branch {
		if _, err := c.applyBlock(state, b); err != nil {
			return nil, err
		}
	}
	return state, nil
}
