package main

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBlockTooLarge    = errors.New("block exceeds size limit")
	ErrBadTimestamp     = errors.New("block timestamp out of range")
	ErrBadMerkleRoot    = errors.New("merkle root mismatch")
	ErrBadEpoch         = errors.New("block epoch does not match height")
	ErrBadRound         = errors.New("block round out of range")
	ErrBadHeight        = errors.New("block height does not follow parent")
	ErrBadVersion       = errors.New("unsupported block version")
	ErrProofWrongEpoch  = errors.New("speed proof is for a different epoch")
	ErrTooManyProofs    = errors.New("too many speed proofs in block")
	ErrTooManyTxs       = errors.New("too many transactions in block")
	ErrDuplicateTxBlock = errors.New("duplicate transaction in block")
)

// SlotStart is the earliest timestamp a child of a block at parentTs may
// carry in round.
func (p ChainParams) SlotStart(parentTs int64, round uint32) int64 {
	return parentTs + int64(p.BlockInterval/time.Second) + int64(round)*int64(p.RoundTimeout/time.Second)
}

// validateBlockLocked runs every check on a block before it is connected or
// stored as a side block. State transitions are checked when applied.
func (c *Chain) validateBlockLocked(block, parent *Block) error {
	limit := c.now().Add(c.params.TimestampFutureLimit).Unix()
	if block.Header.Timestamp > limit {
		return fmt.Errorf("%w: %d is more than %s ahead", ErrBadTimestamp, block.Header.Timestamp, c.params.TimestampFutureLimit)
	}
	return c.checkBlockBodyLocked(block, parent)
}

// checkBlockBodyLocked holds the checks that do not depend on wall clock,
// so a stored chain can be re-verified with them.
func (c *Chain) checkBlockBodyLocked(block, parent *Block) error {
	h := &block.Header
	if h.Version != CurrentBlockVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.Height != parent.Header.Height+1 {
		return fmt.Errorf("%w: %d after %d", ErrBadHeight, h.Height, parent.Header.Height)
	}
	if h.Epoch != c.params.EpochOf(h.Height) {
		return fmt.Errorf("%w: epoch %d at height %d", ErrBadEpoch, h.Epoch, h.Height)
	}
	if h.Round >= c.params.MaxRounds {
		return fmt.Errorf("%w: %d", ErrBadRound, h.Round)
	}
	if min := c.params.SlotStart(parent.Header.Timestamp, h.Round); h.Timestamp < min {
		return fmt.Errorf("%w: %d before slot start %d", ErrBadTimestamp, h.Timestamp, min)
	}

	if size := block.Size(); size > c.params.MaxBlockSize {
		return fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, size, c.params.MaxBlockSize)
	}
	if len(block.Transactions) > c.params.MaxBlockTxs {
		return fmt.Errorf("%w: %d", ErrTooManyTxs, len(block.Transactions))
	}
	if len(block.Proofs) > c.params.MaxProofsPerBlock {
		return fmt.Errorf("%w: %d", ErrTooManyProofs, len(block.Proofs))
	}
	if block.ComputeTxRoot() != h.TxRoot {
		return fmt.Errorf("%w: transactions", ErrBadMerkleRoot)
	}
	if block.ComputeProofRoot() != h.ProofRoot {
		return fmt.Errorf("%w: proofs", ErrBadMerkleRoot)
	}

	seenTx := make(map[Hash]bool, len(block.Transactions))
	for i, tx := range block.Transactions {
		if err := CheckSanity(tx); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		th := tx.Hash()
		if seenTx[th] {
			return fmt.Errorf("%w: %s", ErrDuplicateTxBlock, th)
		}
		seenTx[th] = true
	}

	expected, _, err := c.expectedProducerLocked(parent, h.Round)
	if err != nil {
		return fmt.Errorf("select producer: %w", err)
	}
	if h.Producer != expected {
		return fmt.Errorf("%w: got %s, expected %s for round %d", ErrWrongProducer, h.Producer, expected, h.Round)
	}
	if err := block.VerifySignature(); err != nil {
		return err
	}

	committed, err := c.branchProofNodesLocked(parent, h.Epoch)
	if err != nil {
		return err
	}
	inBlock := make(map[string]bool, len(block.Proofs))
	for i, p := range block.Proofs {
		if p.Epoch != h.Epoch {
			return fmt.Errorf("proof %d: %w: %d in epoch %d", i, ErrProofWrongEpoch, p.Epoch, h.Epoch)
		}
		if err := p.Verify(); err != nil {
			return fmt.Errorf("proof %d: %w", i, err)
		}
		id := p.Metrics.NodeID
		if inBlock[id] || committed[id] {
			return fmt.Errorf("proof %d: %w: %s", i, ErrDuplicateProof, id)
		}
		inBlock[id] = true
	}
	return nil
}
