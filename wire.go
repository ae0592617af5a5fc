package main

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Blocks, transactions and proofs travel between nodes as JSON.

var ErrEmptyPayload = errors.New("empty payload")

// DecodeBlock parses a block received from a peer.
func DecodeBlock(data []byte) (*Block, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &block, nil
}

// EncodeBlock is the inverse of DecodeBlock.
func EncodeBlock(block *Block) ([]byte, error) {
	return json.Marshal(block)
}

// DecodeTx parses a signed transaction. Oversized payloads are refused
// before decoding.
func DecodeTx(data []byte) (*SignedTransaction, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(data) > 2*MaxTxSize {
		return nil, fmt.Errorf("%w: %d byte payload", ErrTxTooLarge, len(data))
	}
	var stx SignedTransaction
	if err := json.Unmarshal(data, &stx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &stx, nil
}

func EncodeTx(stx *SignedTransaction) ([]byte, error) {
	return json.Marshal(stx)
}

// DecodeSpeedProof parses a gossiped speed proof.
func DecodeSpeedProof(data []byte) (*SpeedProof, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var p SpeedProof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode speed proof: %w", err)
	}
	return &p, nil
}

func EncodeSpeedProof(p *SpeedProof) ([]byte, error) {
	return json.Marshal(p)
}
