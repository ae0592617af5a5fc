package main

import (
	"errors"
	"fmt"

	"netchain/consensus"
)

var (
	ErrWrongProducer  = errors.New("block producer is not the selected validator")
	ErrDuplicateProof = errors.New("duplicate speed proof for epoch")
)

type poolEntry struct {
	metrics consensus.NodeMetrics
	epoch   uint64 // epoch of the proof that set these metrics
}

// validatorPool is the eligible set for one epoch on one branch.
type validatorPool struct {
	epoch   uint64
	entries map[string]poolEntry
}

func (vp *validatorPool) metrics() map[string]consensus.NodeMetrics {
	out := make(map[string]consensus.NodeMetrics, len(vp.entries))
	for id, e := range vp.entries {
		out[id] = e.metrics
	}
	return out
}

const maxPoolCacheEntries = 256

// genesisPoolLocked builds the epoch 0 pool from the genesis validator proofs.
func (c *Chain) genesisPoolLocked() (*validatorPool, error) {
	if vp, ok := c.pools[c.genesisHash]; ok {
		return vp, nil
	}
	genesis := c.getBlockLocked(c.genesisHash)
	if genesis == nil {
		return nil, fmt.Errorf("genesis block missing")
	}
	vp := &validatorPool{epoch: 0, entries: make(map[string]poolEntry, len(genesis.Proofs))}
	for _, p := range genesis.Proofs {
		vp.entries[p.Metrics.NodeID] = poolEntry{metrics: p.Metrics, epoch: 0}
	}
	c.pools[c.genesisHash] = vp
	return vp, nil
}

// poolForEpochLocked returns the validator pool for epoch on the branch
// ending at parent. parent must be at or past the last block of epoch-1.
//
// Epoch e's pool is epoch e-1's pool updated with the proofs committed in
// epoch e-1, minus validators whose latest proof is older than
// ProofTTLEpochs. An update that would empty the pool carries the previous
// pool forward instead.
func (c *Chain) poolForEpochLocked(parent *Block, epoch uint64) (*validatorPool, error) {
	type pending struct {
		epoch    uint64
		boundary *Block
	}

	var stack []pending
	var base *validatorPool
	cur := parent
	for e := epoch; ; e-- {
		if e == 0 {
			vp, err := c.genesisPoolLocked()
			if err != nil {
				return nil, err
			}
			base = vp
			break
		}
		boundaryHeight := e*c.params.EpochLength - 1
		if cur.Header.Height < boundaryHeight {
			return nil, fmt.Errorf("block at height %d precedes epoch %d boundary", cur.Header.Height, e)
		}
		boundary, err := c.ancestorAtLocked(cur, boundaryHeight)
		if err != nil {
			return nil, err
		}
		if vp, ok := c.pools[boundary.Hash()]; ok {
			base = vp
			break
		}
		stack = append(stack, pending{epoch: e, boundary: boundary})
		cur = boundary
	}

	for i := len(stack) - 1; i >= 0; i-- {
		p := stack[i]
		vp, err := c.buildPoolLocked(base, p.boundary, p.epoch)
		if err != nil {
			return nil, err
		}
		c.pools[p.boundary.Hash()] = vp
		base = vp
	}
	c.prunePoolsLocked(epoch)
	return base, nil
}

func (c *Chain) buildPoolLocked(prev *validatorPool, boundary *Block, epoch uint64) (*validatorPool, error) {
	entries := make(map[string]poolEntry, len(prev.entries))
	for id, e := range prev.entries {
		entries[id] = e
	}

	// Walk epoch-1 backwards; the first proof seen per node is its latest.
	seen := make(map[string]bool)
	start := (epoch - 1) * c.params.EpochLength
	b := boundary
	for {
		for i := len(b.Proofs) - 1; i >= 0; i-- {
			p := b.Proofs[i]
			if seen[p.Metrics.NodeID] {
				continue
			}
			seen[p.Metrics.NodeID] = true
			entries[p.Metrics.NodeID] = poolEntry{metrics: p.Metrics, epoch: p.Epoch}
		}
		if b.Header.Height == start {
			break
		}
		parent := c.getBlockLocked(b.Header.PrevHash)
		if parent == nil {
			return nil, fmt.Errorf("missing block %x while building epoch %d pool", b.Header.PrevHash[:8], epoch)
		}
		b = parent
	}

	for id, e := range entries {
		if epoch-e.epoch > c.params.ProofTTLEpochs {
			delete(entries, id)
		}
	}
	if len(entries) == 0 {
		entries = prev.entries
	}
	return &validatorPool{epoch: epoch, entries: entries}, nil
}

func (c *Chain) prunePoolsLocked(current uint64) {
	if len(c.pools) <= maxPoolCacheEntries {
		return
	}
	for h, vp := range c.pools {
		if h != c.genesisHash && vp.epoch+maxPoolCacheEntries/2 < current {
			delete(c.pools, h)
		}
	}
}

// ancestorAtLocked walks back from b to the block at height.
func (c *Chain) ancestorAtLocked(b *Block, height uint64) (*Block, error) {
	if b.Header.Height < height {
		return nil, fmt.Errorf("no ancestor at height %d above block height %d", height, b.Header.Height)
	}
	if c.isMainChainLocked(b) {
		if anc := c.getBlockByHeightLocked(height); anc != nil {
			return anc, nil
		}
	}
	for b.Header.Height > height {
		parent := c.getBlockLocked(b.Header.PrevHash)
		if parent == nil {
			return nil, fmt.Errorf("missing ancestor %x at height %d", b.Header.PrevHash[:8], b.Header.Height-1)
		}
		b = parent
	}
	return b, nil
}

// branchProofNodesLocked lists nodes that already committed a proof for
// epoch on the branch ending at parent.
func (c *Chain) branchProofNodesLocked(parent *Block, epoch uint64) (map[string]bool, error) {
	nodes := make(map[string]bool)
	b := parent
	for b.Header.Epoch == epoch {
		for _, p := range b.Proofs {
			nodes[p.Metrics.NodeID] = true
		}
		if b.Header.Height == 0 {
			break
		}
		next := c.getBlockLocked(b.Header.PrevHash)
		if next == nil {
			return nil, fmt.Errorf("missing block %x while scanning proofs", b.Header.PrevHash[:8])
		}
		b = next
	}
	return nodes, nil
}

// expectedProducerLocked selects the producer for the child of parent in round.
func (c *Chain) expectedProducerLocked(parent *Block, round uint32) (string, *validatorPool, error) {
	epoch := c.params.EpochOf(parent.Header.Height + 1)
	vp, err := c.poolForEpochLocked(parent, epoch)
	if err != nil {
		return "", nil, err
	}
	seed := consensus.DeriveSlotSeed(parent.Hash(), epoch, round)
	id, err := c.scorer.SelectValidator(vp.metrics(), seed)
	if err != nil {
		return "", nil, err
	}
	return id, vp, nil
}

// ExpectedProducer returns the validator scheduled to extend parent in round.
func (c *Chain) ExpectedProducer(parent Hash, round uint32) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.getBlockLocked(parent)
	if b == nil {
		return "", fmt.Errorf("unknown block %x", parent[:8])
	}
	id, _, err := c.expectedProducerLocked(b, round)
	return id, err
}

// ValidatorPool returns the pool that schedules the next block on the main chain.
func (c *Chain) ValidatorPool() (uint64, map[string]consensus.NodeMetrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tip := c.getBlockLocked(c.bestHash)
	if tip == nil {
		return 0, nil, fmt.Errorf("tip block missing")
	}
	epoch := c.params.EpochOf(tip.Header.Height + 1)
	vp, err := c.poolForEpochLocked(tip, epoch)
	if err != nil {
		return 0, nil, err
	}
	return epoch, vp.metrics(), nil
}

// IsValidator reports whether addr is in the next block's pool.
func (c *Chain) IsValidator(addr string) bool {
	_, pool, err := c.ValidatorPool()
	if err != nil {
		return false
	}
	_, ok := pool[addr]
	return ok
}
