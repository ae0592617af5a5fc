package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"netchain/consensus"

	"go.uber.org/zap"
)

var (
	ErrStateRootMismatch = errors.New("state root mismatch")
	ErrReorgTooDeep      = errors.New("reorg exceeds max depth")
	ErrGenesisMismatch   = errors.New("stored genesis does not match configured genesis")
)

// ChainConfig wires a chain to its genesis and consensus rules.
type ChainConfig struct {
	Genesis *Genesis
	Params  ChainParams
	Scorer  *consensus.Scorer

	// Now overrides the clock used for future-timestamp checks.
	Now func() time.Time
}

// ReorgHandler is told which blocks left and joined the main chain.
// disconnected is tip first, connected is lowest first.
type ReorgHandler func(disconnected, connected []*Block)

// Chain represents the blockchain state
type Chain struct {
	mu sync.RWMutex

	// Persistent storage (bbolt)
	storage *Storage

	params ChainParams
	scorer *consensus.Scorer
	now    func() time.Time

	// In-memory caches
	blocks map[Hash]*Block // hash -> block (recent blocks cache)
	workAt map[Hash]uint64 // hash -> cumulative work at this block

	// Main chain only
	byHeight map[uint64]Hash // height -> hash

	// Chain state
	genesisHash  Hash
	genesisState *State
	bestHash     Hash
	height       uint64
	totalWork    uint64
	state        *State

	// Validator pools keyed by the last block of the preceding epoch
	pools map[Hash]*validatorPool

	onReorg ReorgHandler
}

// NewChain opens the chain in dataDir, writing the genesis block on first use.
func NewChain(dataDir string, cfg ChainConfig) (*Chain, error) {
	if cfg.Genesis == nil {
		return nil, fmt.Errorf("chain requires a genesis")
	}
	if cfg.Scorer == nil {
		cfg.Scorer = consensus.NewScorer(consensus.DefaultConfig())
	}
	if cfg.Params.EpochLength == 0 {
		cfg.Params = DefaultChainParams()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	genesis, genesisState, err := cfg.Genesis.Block()
	if err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	storage, err := NewStorage(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	c := &Chain{
		storage:     storage,
		params:      cfg.Params,
		scorer:      cfg.Scorer,
		now:         cfg.Now,
		blocks:      make(map[Hash]*Block),
		workAt:      make(map[Hash]uint64),
		byHeight:    make(map[uint64]Hash),
		pools:       make(map[Hash]*validatorPool),
		genesisHash: genesis.Hash(),
		state:       NewState(),
	}
	c.genesisState = genesisState.Clone()

	if _, _, _, found := storage.GetTip(); !found {
		err = c.addGenesisBlock(genesis, genesisState)
	} else {
		err = c.loadFromStorage()
	}
	if err != nil {
		storage.Close()
		return nil, err
	}
	return c, nil
}

func (c *Chain) addGenesisBlock(genesis *Block, state *State) error {
	accounts := make(map[string]*Account, state.Len())
	for addr, acc := range state.Accounts() {
		a := acc
		accounts[addr] = &a
	}
	hash := genesis.Hash()
	commit := &BlockCommit{
		Block:     genesis,
		Height:    0,
		Hash:      hash,
		Work:      0,
		IsMainTip: true,
		Accounts:  accounts,
	}
	if err := c.storage.CommitBlock(commit); err != nil {
		return fmt.Errorf("failed to persist genesis: %w", err)
	}

	c.blocks[hash] = genesis
	c.workAt[hash] = 0
	c.byHeight[0] = hash
	c.bestHash = hash
	c.height = 0
	c.totalWork = 0
	c.state = state
	return nil
}

// cacheDepth is how many main-chain blocks stay in memory below the tip.
func (c *Chain) cacheDepth() uint64 {
	return c.params.MaxReorgDepth + c.params.EpochLength*(c.params.ProofTTLEpochs+2)
}

// loadFromStorage loads chain state from disk
func (c *Chain) loadFromStorage() error {
	storedGenesis, found := c.storage.GetBlockHashByHeight(0)
	if !found {
		return fmt.Errorf("stored chain has no genesis")
	}
	if storedGenesis != c.genesisHash {
		return fmt.Errorf("%w: stored %x, configured %x", ErrGenesisMismatch, storedGenesis[:8], c.genesisHash[:8])
	}

	tipHash, tipHeight, tipWork, _ := c.storage.GetTip()
	c.bestHash = tipHash
	c.height = tipHeight
	c.totalWork = tipWork

	accounts, err := c.storage.LoadAccounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	c.state.Load(accounts)

	startHeight := uint64(0)
	if tipHeight > c.cacheDepth() {
		startHeight = tipHeight - c.cacheDepth()
	}

	// Work is only stored for the tip; derive it for cached ancestors.
	work := tipWork
	for h := tipHeight; ; h-- {
		hash, found := c.storage.GetBlockHashByHeight(h)
		if !found {
			return fmt.Errorf("block at height %d not found", h)
		}
		block, err := c.storage.GetBlock(hash)
		if err != nil {
			return fmt.Errorf("failed to load block %d: %w", h, err)
		}
		if block == nil {
			return fmt.Errorf("block %x not found", hash[:8])
		}

		c.blocks[hash] = block
		c.byHeight[h] = hash
		c.workAt[hash] = work
		if h > 0 {
			work -= c.params.SlotWork(block.Header.Round)
		}
		if h == startHeight {
			break
		}
	}
	if _, ok := c.blocks[c.genesisHash]; !ok {
		if g, _ := c.storage.GetBlock(c.genesisHash); g != nil {
			c.blocks[c.genesisHash] = g
		}
	}

	return nil
}

// Close closes the chain storage
func (c *Chain) Close() error {
	if c.storage != nil {
		return c.storage.Close()
	}
	return nil
}

// Storage returns the underlying storage (for direct access if needed)
func (c *Chain) Storage() *Storage {
	return c.storage
}

func (c *Chain) Params() ChainParams {
	return c.params
}

func (c *Chain) Scorer() *consensus.Scorer {
	return c.scorer
}

// SetReorgHandler registers a callback invoked after each reorg commits.
func (c *Chain) SetReorgHandler(h ReorgHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReorg = h
}

// Height returns current chain height
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// BestHash returns the hash of the best block
func (c *Chain) BestHash() Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bestHash
}

// TotalWork returns the cumulative work of the main chain
func (c *Chain) TotalWork() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalWork
}

func (c *Chain) GenesisHash() Hash {
	return c.genesisHash
}

// Tip returns the best block.
func (c *Chain) Tip() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readBlockLocked(c.bestHash)
}

// NextEpoch is the epoch of the block that would extend the tip.
func (c *Chain) NextEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.EpochOf(c.height + 1)
}

func (c *Chain) Balance(addr string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Balance(addr)
}

func (c *Chain) Nonce(addr string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Nonce(addr)
}

func (c *Chain) Account(addr string) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Account(addr)
}

// StateSnapshot returns a copy of the main-chain ledger.
func (c *Chain) StateSnapshot() *State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// GetBlock retrieves a block by hash
func (c *Chain) GetBlock(hash Hash) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readBlockLocked(hash)
}

// readBlockLocked reads without populating the cache, so it is safe under RLock.
func (c *Chain) readBlockLocked(hash Hash) *Block {
	if block, ok := c.blocks[hash]; ok {
		return block
	}
	block, _ := c.storage.GetBlock(hash)
	return block
}

// getBlockLocked reads and caches. Caller must hold the write lock.
func (c *Chain) getBlockLocked(hash Hash) *Block {
	if block, ok := c.blocks[hash]; ok {
		return block
	}
	block, _ := c.storage.GetBlock(hash)
	if block != nil {
		c.blocks[hash] = block
	}
	return block
}

// GetBlockByHeight retrieves a main-chain block by height
func (c *Chain) GetBlockByHeight(height uint64) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getBlockByHeightLocked(height)
}

// getBlockByHeightLocked only reads. Caller must hold at least c.mu.RLock.
func (c *Chain) getBlockByHeightLocked(height uint64) *Block {
	if height > c.height {
		return nil
	}
	if hash, ok := c.byHeight[height]; ok {
		return c.readBlockLocked(hash)
	}
	hash, found := c.storage.GetBlockHashByHeight(height)
	if !found {
		return nil
	}
	return c.readBlockLocked(hash)
}

func (c *Chain) isMainChainLocked(b *Block) bool {
	if b.Header.Height > c.height {
		return false
	}
	hash := b.Hash()
	if h, ok := c.byHeight[b.Header.Height]; ok {
		return h == hash
	}
	stored, found := c.storage.GetBlockHashByHeight(b.Header.Height)
	return found && stored == hash
}

// HasBlock returns true if the block is known (on any chain)
func (c *Chain) HasBlock(hash Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, exists := c.blocks[hash]; exists {
		return true
	}
	return c.storage.HasBlock(hash)
}

// IsFinalized returns true if a block at given height is beyond reorg depth
func (c *Chain) IsFinalized(height uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.height < height {
		return false
	}
	return c.height-height >= c.params.MaxReorgDepth
}

// workOfLocked returns cumulative work at hash, deriving it from the
// nearest known ancestor within reorg depth.
func (c *Chain) workOfLocked(hash Hash) (uint64, bool) {
	if w, ok := c.workAt[hash]; ok {
		return w, true
	}
	var path []*Block
	cur := hash
	for i := uint64(0); i <= c.params.MaxReorgDepth; i++ {
		b := c.getBlockLocked(cur)
		if b == nil {
			return 0, false
		}
		path = append(path, b)
		if w, ok := c.workAt[b.Header.PrevHash]; ok {
			for j := len(path) - 1; j >= 0; j-- {
				w += c.params.SlotWork(path[j].Header.Round)
				c.workAt[path[j].Hash()] = w
			}
			return w, true
		}
		if b.Header.Height == 0 {
			return 0, false
		}
		cur = b.Header.PrevHash
	}
	return 0, false
}

// ProcessBlock validates and adds a block, handling fork choice.
// Returns accepted=true if the block was stored (even if not on main chain).
// Known blocks return accepted=false with no error.
func (c *Chain) ProcessBlock(block *Block) (accepted bool, isMainChain bool, err error) {
	c.mu.Lock()
	accepted, isMainChain, disconnected, connected, err := c.processBlockLocked(block)
	handler := c.onReorg
	c.mu.Unlock()

	if err == nil && len(disconnected) > 0 && handler != nil {
		handler(disconnected, connected)
	}
	return accepted, isMainChain, err
}

func (c *Chain) processBlockLocked(block *Block) (bool, bool, []*Block, []*Block, error) {
	if block == nil {
		return false, false, nil, nil, fmt.Errorf("nil block")
	}
	hash := block.Hash()

	// Already have this block? Check memory and storage
	if _, exists := c.blocks[hash]; exists {
		return false, false, nil, nil, nil
	}
	if c.storage.HasBlock(hash) {
		return false, false, nil, nil, nil
	}

	if block.Header.Height == 0 {
		return false, false, nil, nil, fmt.Errorf("%w: unexpected genesis %x", ErrGenesisMismatch, hash[:8])
	}

	parent := c.getBlockLocked(block.Header.PrevHash)
	if parent == nil {
		// Orphan block - return special error so caller can handle appropriately
		return false, false, nil, nil, ErrOrphanBlock
	}

	if err := c.validateBlockLocked(block, parent); err != nil {
		return false, false, nil, nil, err
	}

	parentWork, ok := c.workOfLocked(block.Header.PrevHash)
	if !ok {
		return false, false, nil, nil, fmt.Errorf("%w: parent %x work unknown", ErrReorgTooDeep, block.Header.PrevHash[:8])
	}
	blockWork := parentWork + c.params.SlotWork(block.Header.Round)

	if block.Header.PrevHash == c.bestHash {
		if err := c.connectTipLocked(block, blockWork); err != nil {
			return false, false, nil, nil, err
		}
		return true, true, nil, nil, nil
	}

	c.blocks[hash] = block
	c.workAt[hash] = blockWork

	// Does this create a heavier chain?
	if blockWork > c.totalWork {
		disconnected, connected, err := c.reorganizeTo(hash)
		if err != nil {
			// Reorg failed - remove from memory
			delete(c.blocks, hash)
			delete(c.workAt, hash)
			return false, false, nil, nil, fmt.Errorf("reorg failed: %w", err)
		}
		return true, true, disconnected, connected, nil
	}

	// Block accepted but not on main chain (fork) - still save to storage
	if err := c.storage.SaveBlock(block); err != nil {
		delete(c.blocks, hash)
		delete(c.workAt, hash)
		return false, false, nil, nil, fmt.Errorf("failed to save fork block: %w", err)
	}

	return true, false, nil, nil, nil
}

// applyBlock applies txs and the producer reward to state. On error state
// is unchanged.
func (c *Chain) applyBlock(state *State, block *Block) (*BlockUndo, error) {
	touched := append(touchedAddresses(block.Transactions), block.Header.Producer)
	undo := state.Snapshot(touched)

	if err := state.ApplyTransactions(block.Transactions); err != nil {
		return nil, err
	}
	fees, err := block.Fees()
	if err != nil {
		state.Restore(undo)
		return nil, err
	}
	reward := c.params.BlockReward + fees
	if reward < fees {
		state.Restore(undo)
		return nil, ErrBalanceOverflow
	}
	if err := state.Credit(block.Header.Producer, reward); err != nil {
		state.Restore(undo)
		return nil, err
	}
	if root := state.Root(); root != block.Header.StateRoot {
		state.Restore(undo)
		return nil, fmt.Errorf("%w: computed %x, header %x", ErrStateRootMismatch, root[:8], block.Header.StateRoot[:8])
	}
	return &BlockUndo{Accounts: undo}, nil
}

func accountsFor(state *State, addrs map[string]bool) map[string]*Account {
	out := make(map[string]*Account, len(addrs))
	for addr := range addrs {
		if acc, ok := state.Account(addr); ok {
			a := acc
			out[addr] = &a
		} else {
			out[addr] = nil
		}
	}
	return out
}

func undoAddresses(undo *BlockUndo, into map[string]bool) {
	for addr := range undo.Accounts {
		into[addr] = true
	}
}

func (c *Chain) connectTipLocked(block *Block, work uint64) error {
	undo, err := c.applyBlock(c.state, block)
	if err != nil {
		return err
	}
	touched := make(map[string]bool, len(undo.Accounts))
	undoAddresses(undo, touched)

	hash := block.Hash()
	commit := &BlockCommit{
		Block:     block,
		Height:    block.Header.Height,
		Hash:      hash,
		Work:      work,
		IsMainTip: true,
		Accounts:  accountsFor(c.state, touched),
		Undo:      undo,
	}
	if err := c.storage.CommitBlock(commit); err != nil {
		c.state.Restore(undo.Accounts)
		return fmt.Errorf("failed to persist block: %w", err)
	}

	c.blocks[hash] = block
	c.workAt[hash] = work
	c.byHeight[block.Header.Height] = hash
	c.bestHash = hash
	c.height = block.Header.Height
	c.totalWork = work
	c.pruneCachesLocked()
	return nil
}

// reorganizeTo switches the main chain to end at newTip. The ledger is
// rebuilt on a copy and only swapped in after storage commits.
func (c *Chain) reorganizeTo(newTip Hash) (disconnect, connect []*Block, err error) {
	// Walk the new branch back to the main chain.
	cur := c.blocks[newTip]
	for !c.isMainChainLocked(cur) {
		connect = append([]*Block{cur}, connect...)
		if cur.Header.Height == 0 || uint64(len(connect)) > c.params.MaxReorgDepth+1 {
			return nil, nil, ErrReorgTooDeep
		}
		parent := c.getBlockLocked(cur.Header.PrevHash)
		if parent == nil {
			return nil, nil, fmt.Errorf("incomplete chain: missing %x", cur.Header.PrevHash[:8])
		}
		cur = parent
	}
	commonHeight := cur.Header.Height
	if c.height-commonHeight > c.params.MaxReorgDepth {
		return nil, nil, fmt.Errorf("%w: %d blocks", ErrReorgTooDeep, c.height-commonHeight)
	}

	for h := c.height; h > commonHeight; h-- {
		b := c.getBlockByHeightLocked(h)
		if b == nil {
			return nil, nil, fmt.Errorf("main chain block %d missing", h)
		}
		disconnect = append(disconnect, b)
	}

	state := c.state.Clone()
	touched := make(map[string]bool)
	for _, b := range disconnect {
		undo, err := c.storage.GetUndo(b.Hash())
		if err != nil {
			return nil, nil, fmt.Errorf("load undo for %d: %w", b.Header.Height, err)
		}
		if undo == nil {
			return nil, nil, fmt.Errorf("undo record missing for height %d", b.Header.Height)
		}
		state.Restore(undo.Accounts)
		undoAddresses(undo, touched)
	}

	undos := make(map[Hash]*BlockUndo, len(connect))
	for _, b := range connect {
		undo, err := c.applyBlock(state, b)
		if err != nil {
			return nil, nil, fmt.Errorf("connect block %d: %w", b.Header.Height, err)
		}
		undos[b.Hash()] = undo
		undoAddresses(undo, touched)
	}

	newBlock := c.blocks[newTip]
	commit := &ReorgCommit{
		Disconnect: disconnect,
		Connect:    connect,
		Accounts:   accountsFor(state, touched),
		Undo:       undos,
		NewTip:     newTip,
		NewHeight:  newBlock.Header.Height,
		NewWork:    c.workAt[newTip],
	}
	if err := c.storage.CommitReorg(commit); err != nil {
		return nil, nil, fmt.Errorf("failed to persist reorg: %w", err)
	}

	for _, b := range disconnect {
		delete(c.byHeight, b.Header.Height)
	}
	for _, b := range connect {
		c.byHeight[b.Header.Height] = b.Hash()
	}
	c.bestHash = newTip
	c.height = newBlock.Header.Height
	c.totalWork = c.workAt[newTip]
	c.state = state

	zap.S().Infof("[chain] reorg: disconnected %d, connected %d, new height %d", len(disconnect), len(connect), c.height)
	return disconnect, connect, nil
}

// pruneCachesLocked drops cached blocks far below the tip. Storage keeps them.
func (c *Chain) pruneCachesLocked() {
	depth := c.cacheDepth()
	if c.height <= depth || len(c.blocks) <= int(depth)*2 {
		return
	}
	floor := c.height - depth
	for hash, b := range c.blocks {
		if b.Header.Height < floor && hash != c.genesisHash {
			delete(c.blocks, hash)
			delete(c.workAt, hash)
		}
	}
	for h := range c.byHeight {
		if h < floor && h != 0 {
			delete(c.byHeight, h)
		}
	}
}

// FindTx searches the main chain for a transaction, tip first.
func (c *Chain) FindTx(hash Hash) (*SignedTransaction, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for h := c.height; ; h-- {
		if block := c.getBlockByHeightLocked(h); block != nil {
			for _, tx := range block.Transactions {
				if tx.Hash() == hash {
					return tx, h, true
				}
			}
		}
		if h == 0 {
			break
		}
	}
	return nil, 0, false
}

// GetBlocksByHeight returns up to max main-chain blocks starting at start.
func (c *Chain) GetBlocksByHeight(start uint64, max int) []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Block
	for h := start; h <= c.height && len(out) < max; h++ {
		b := c.getBlockByHeightLocked(h)
		if b == nil {
			break
		}
		out = append(out, b)
	}
	return out
}

// VerifyChain replays the stored main chain from genesis: hash linkage,
// roots, producer schedule, signatures and state roots. progress is called
// after each block. It holds the chain lock for the whole walk.
func (c *Chain) VerifyChain(progress func(done, total uint64)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	genesis := c.getBlockByHeightLocked(0)
	if genesis == nil || genesis.Hash() != c.genesisHash {
		return ErrGenesisMismatch
	}
	state := c.genesisState.Clone()
	if state.Root() != genesis.Header.StateRoot {
		return fmt.Errorf("genesis: %w", ErrStateRootMismatch)
	}

	prev := genesis
	for h := uint64(1); h <= c.height; h++ {
		hash, found := c.storage.GetBlockHashByHeight(h)
		if !found {
			return fmt.Errorf("height %d missing from index", h)
		}
		block, err := c.storage.GetBlock(hash)
		if err != nil || block == nil {
			return fmt.Errorf("block %d unreadable: %v", h, err)
		}
		if block.Hash() != hash {
			computed := block.Hash()
			return fmt.Errorf("block %d hash mismatch: indexed %x computed %x", h, hash[:8], computed[:8])
		}
		if block.Header.PrevHash != prev.Hash() {
			return fmt.Errorf("block %d does not link to block %d", h, h-1)
		}
		if err := c.checkBlockBodyLocked(block, prev); err != nil {
			return fmt.Errorf("block %d: %w", h, err)
		}
		if _, err := c.applyBlock(state, block); err != nil {
			return fmt.Errorf("block %d: %w", h, err)
		}
		prev = block
		if progress != nil {
			progress(h, c.height)
		}
	}
	if state.Root() != c.state.Root() {
		return fmt.Errorf("replayed ledger differs from stored ledger: %w", ErrStateRootMismatch)
	}
	return nil
}
