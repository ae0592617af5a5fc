package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"netchain/consensus"
	"netchain/protocol/params"
	"netchain/wallet"
)

// SpeedProof is a validator's signed attestation of its measured network
// performance for one epoch. Committed proofs define the validator pool.
type SpeedProof struct {
	Metrics   consensus.NodeMetrics `json:"metrics"`
	Epoch     uint64                `json:"epoch"`
	Timestamp int64                 `json:"timestamp"`
	Samples   uint32                `json:"samples"`
	PubKey    string                `json:"pubkey,omitempty"`
	Signature string                `json:"signature,omitempty"`
}

const speedProofDomain = "netchain_speed_proof_v1"

// SigningBytes is the canonical encoding covered by the signature.
func (p *SpeedProof) SigningBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, speedProofDomain...)
	buf = append(buf, params.NetworkID...)
	buf = appendString(buf, p.Metrics.NodeID)
	for _, v := range []float64{
		p.Metrics.UploadMbps,
		p.Metrics.DownloadMbps,
		p.Metrics.LatencyMs,
		p.Metrics.UptimePercent,
		p.Metrics.StabilityPercent,
	} {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	buf = binary.LittleEndian.AppendUint64(buf, p.Epoch)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Timestamp))
	buf = binary.LittleEndian.AppendUint32(buf, p.Samples)
	return buf
}

// Hash identifies the proof, including its signature.
func (p *SpeedProof) Hash() Hash {
	h := sha256.New()
	h.Write(p.SigningBytes())
	h.Write([]byte(p.PubKey))
	h.Write([]byte(p.Signature))
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (p *SpeedProof) Size() int {
	return len(p.SigningBytes()) + len(p.PubKey) + len(p.Signature)
}

// NewSpeedProof signs metrics for epoch with kp. The node id is replaced by
// the key's address.
func NewSpeedProof(m consensus.NodeMetrics, epoch uint64, samples uint32, kp *wallet.KeyPair) *SpeedProof {
	m.NodeID = kp.Address()
	p := &SpeedProof{
		Metrics:   m,
		Epoch:     epoch,
		Timestamp: time.Now().Unix(),
		Samples:   samples,
		PubKey:    base64.StdEncoding.EncodeToString(kp.Public),
	}
	p.Signature = base64.StdEncoding.EncodeToString(kp.Sign(p.SigningBytes()))
	return p
}

var (
	ErrProofSignature = errors.New("invalid speed proof signature")
	ErrProofNodeID    = errors.New("speed proof node id does not match key")
)

// Verify checks the signature, key binding and metric bounds.
func (p *SpeedProof) Verify() error {
	if err := consensus.ValidateMetrics(p.Metrics); err != nil {
		return err
	}
	pub, err := base64.StdEncoding.DecodeString(p.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrProofSignature, err)
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrProofSignature, err)
	}
	if !wallet.Verify(pub, p.SigningBytes(), sig) {
		return ErrProofSignature
	}
	if wallet.AddressFromPublicKey(pub) != p.Metrics.NodeID {
		return ErrProofNodeID
	}
	return nil
}

// ProofPool holds gossiped proofs waiting for inclusion, one per node.
type ProofPool struct {
	mu     sync.RWMutex
	byNode map[string]*SpeedProof
}

func NewProofPool() *ProofPool {
	return &ProofPool{byNode: make(map[string]*SpeedProof)}
}

var ErrStaleProof = errors.New("stale speed proof")

// Add verifies p and keeps it if it is newer than what the pool holds for
// that node. currentEpoch rejects proofs for other epochs.
func (pp *ProofPool) Add(p *SpeedProof, currentEpoch uint64) error {
	if p.Epoch != currentEpoch {
		return fmt.Errorf("%w: epoch %d, current %d", ErrStaleProof, p.Epoch, currentEpoch)
	}
	if err := p.Verify(); err != nil {
		return err
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()
	if existing, ok := pp.byNode[p.Metrics.NodeID]; ok {
		if existing.Epoch > p.Epoch || (existing.Epoch == p.Epoch && existing.Timestamp >= p.Timestamp) {
			return nil
		}
	}
	pp.byNode[p.Metrics.NodeID] = p
	return nil
}

// Has reports whether the exact proof is pending.
func (pp *ProofPool) Has(h Hash) bool {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	for _, p := range pp.byNode {
		if p.Hash() == h {
			return true
		}
	}
	return false
}

// Select returns up to max proofs for epoch, skipping nodes in exclude,
// ordered by node id.
func (pp *ProofPool) Select(epoch uint64, max int, exclude map[string]bool) []*SpeedProof {
	pp.mu.RLock()
	defer pp.mu.RUnlock()

	out := make([]*SpeedProof, 0, len(pp.byNode))
	for id, p := range pp.byNode {
		if p.Epoch != epoch || exclude[id] {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metrics.NodeID < out[j].Metrics.NodeID })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// All returns every pending proof.
func (pp *ProofPool) All() []*SpeedProof {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	out := make([]*SpeedProof, 0, len(pp.byNode))
	for _, p := range pp.byNode {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metrics.NodeID < out[j].Metrics.NodeID })
	return out
}

func (pp *ProofPool) Size() int {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	return len(pp.byNode)
}

// OnBlockConnected drops included proofs and proofs older than the block's epoch.
func (pp *ProofPool) OnBlockConnected(block *Block) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for _, p := range block.Proofs {
		if existing, ok := pp.byNode[p.Metrics.NodeID]; ok && existing.Epoch <= p.Epoch {
			delete(pp.byNode, p.Metrics.NodeID)
		}
	}
	for id, p := range pp.byNode {
		if p.Epoch < block.Header.Epoch {
			delete(pp.byNode, id)
		}
	}
}
