package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"netchain/consensus"
	"netchain/wallet"

	"github.com/BurntSushi/toml"
)

// ErrOrphanBlock is returned when a block's parent is not found
var ErrOrphanBlock = errors.New("orphan block")

// ============================================================================
// Constants
// ============================================================================

// Coin is one whole coin in base units.
const Coin uint64 = 100_000_000

const CurrentBlockVersion uint32 = 1

// ChainParams are the consensus timing and size rules.
type ChainParams struct {
	EpochLength          uint64        // blocks per epoch
	BlockInterval        time.Duration // target slot time
	RoundTimeout         time.Duration // extra wait before the next fallback round
	MaxRounds            uint32        // fallback rounds per slot
	BlockReward          uint64
	MaxBlockTxs          int
	MaxBlockSize         int
	MaxProofsPerBlock    int
	MaxReorgDepth        uint64
	TimestampFutureLimit time.Duration
	ProofTTLEpochs       uint64 // validators drop out after this many epochs without a proof
}

func DefaultChainParams() ChainParams {
	return ChainParams{
		EpochLength:          30,
		BlockInterval:        10 * time.Second,
		RoundTimeout:         5 * time.Second,
		MaxRounds:            16,
		BlockReward:          5 * Coin,
		MaxBlockTxs:          2000,
		MaxBlockSize:         1 << 20, // 1MB hard cap
		MaxProofsPerBlock:    64,
		MaxReorgDepth:        100,
		TimestampFutureLimit: 30 * time.Second,
		ProofTTLEpochs:       4,
	}
}

// EpochOf returns the epoch a block height belongs to.
func (p ChainParams) EpochOf(height uint64) uint64 {
	return height / p.EpochLength
}

// SlotWork is the fork-choice weight of a block produced in round.
// Earlier rounds weigh more so the scheduled producer wins ties.
func (p ChainParams) SlotWork(round uint32) uint64 {
	if round >= p.MaxRounds {
		return 0
	}
	return uint64(p.MaxRounds - round)
}

// ============================================================================
// Hash
// ============================================================================

// Hash is a sha256 digest, hex encoded in JSON.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64 character hex hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// ============================================================================
// Block Header
// ============================================================================

// BlockHeader contains the immutable header of a block
type BlockHeader struct {
	Version   uint32 `json:"version"`
	Height    uint64 `json:"height"`
	PrevHash  Hash   `json:"prev_hash"`
	TxRoot    Hash   `json:"tx_root"`
	ProofRoot Hash   `json:"proof_root"`
	StateRoot Hash   `json:"state_root"`
	Timestamp int64  `json:"timestamp"`
	Epoch     uint64 `json:"epoch"`
	Round     uint32 `json:"round"`
	Producer  string `json:"producer"`
}

// Hash returns the SHA-256 hash of the block header
func (h *BlockHeader) Hash() Hash {
	return sha256.Sum256(h.Serialize())
}

// Serialize converts header to bytes for hashing
func (h *BlockHeader) Serialize() []byte {
	buf := make([]byte, 0, 4+8+32*4+8+8+4+8+len(h.Producer))
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.ProofRoot[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, h.Epoch)
	buf = binary.LittleEndian.AppendUint32(buf, h.Round)
	buf = appendString(buf, h.Producer)
	return buf
}

// ============================================================================
// Block
// ============================================================================

// Block represents a complete block with header, transactions and speed proofs
type Block struct {
	Header       BlockHeader          `json:"header"`
	Transactions []*SignedTransaction `json:"transactions"`
	Proofs       []*SpeedProof        `json:"proofs"`
	ProducerKey  string               `json:"producer_key,omitempty"`
	Signature    string               `json:"signature,omitempty"`
}

// Hash returns the block hash (header hash)
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// Size returns the approximate serialized size of the block
func (b *Block) Size() int {
	size := len(b.Header.Serialize()) + len(b.ProducerKey) + len(b.Signature)
	for _, tx := range b.Transactions {
		size += tx.Size()
	}
	for _, p := range b.Proofs {
		size += p.Size()
	}
	return size
}

// Fees sums transaction fees.
func (b *Block) Fees() (uint64, error) {
	var total uint64
	for _, tx := range b.Transactions {
		next := total + tx.Tx.Fee
		if next < total {
			return 0, ErrFeeOverflow
		}
		total = next
	}
	return total, nil
}

func (b *Block) ComputeTxRoot() Hash {
	hashes := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return computeMerkleRoot(hashes)
}

func (b *Block) ComputeProofRoot() Hash {
	hashes := make([]Hash, len(b.Proofs))
	for i, p := range b.Proofs {
		hashes[i] = p.Hash()
	}
	return computeMerkleRoot(hashes)
}

// computeMerkleRoot builds merkle tree and returns root
func computeMerkleRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return Hash{}
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	// Pad to even number by duplicating last hash
	if len(hashes)%2 == 1 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}

	nextLevel := make([]Hash, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		combined := make([]byte, 64)
		copy(combined[0:32], hashes[i][:])
		copy(combined[32:64], hashes[i+1][:])
		nextLevel[i/2] = sha256.Sum256(combined)
	}

	return computeMerkleRoot(nextLevel)
}

// Sign sets the producer key and signs the header hash.
func (b *Block) Sign(kp *wallet.KeyPair) {
	h := b.Hash()
	b.ProducerKey = base64.StdEncoding.EncodeToString(kp.Public)
	b.Signature = base64.StdEncoding.EncodeToString(kp.Sign(h[:]))
}

var ErrBadBlockSignature = errors.New("invalid block signature")

// VerifySignature checks that ProducerKey belongs to the header's producer
// and signed the header hash.
func (b *Block) VerifySignature() error {
	pub, err := base64.StdEncoding.DecodeString(b.ProducerKey)
	if err != nil {
		return fmt.Errorf("%w: producer key: %v", ErrBadBlockSignature, err)
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrBadBlockSignature, err)
	}
	if wallet.AddressFromPublicKey(pub) != b.Header.Producer {
		return fmt.Errorf("%w: key does not match producer %s", ErrBadBlockSignature, b.Header.Producer)
	}
	h := b.Hash()
	if !wallet.Verify(pub, h[:], sig) {
		return ErrBadBlockSignature
	}
	return nil
}

// ============================================================================
// Genesis Block
// ============================================================================

const DefaultGenesisMessage = "NetChain devnet genesis: proof of internet"

// GenesisValidator is a bootstrap validator with its declared metrics.
type GenesisValidator struct {
	Address          string  `toml:"address" json:"address"`
	UploadMbps       float64 `toml:"upload_mbps" json:"upload_mbps"`
	DownloadMbps     float64 `toml:"download_mbps" json:"download_mbps"`
	LatencyMs        float64 `toml:"latency_ms" json:"latency_ms"`
	UptimePercent    float64 `toml:"uptime_percent" json:"uptime_percent"`
	StabilityPercent float64 `toml:"stability_percent" json:"stability_percent"`
}

func (v GenesisValidator) Metrics() consensus.NodeMetrics {
	return consensus.NodeMetrics{
		NodeID:           v.Address,
		UploadMbps:       v.UploadMbps,
		DownloadMbps:     v.DownloadMbps,
		LatencyMs:        v.LatencyMs,
		UptimePercent:    v.UptimePercent,
		StabilityPercent: v.StabilityPercent,
	}
}

// Genesis defines the initial ledger and validator pool.
type Genesis struct {
	Timestamp  int64              `toml:"timestamp" json:"timestamp"`
	Message    string             `toml:"message" json:"message"`
	Alloc      []GenesisAlloc     `toml:"alloc" json:"alloc"`
	Validators []GenesisValidator `toml:"validators" json:"validators"`
}

func LoadGenesis(path string) (*Genesis, error) {
	var g Genesis
	if _, err := toml.DecodeFile(path, &g); err != nil {
		return nil, fmt.Errorf("decode genesis %s: %w", path, err)
	}
	return &g, nil
}

func (g *Genesis) Save(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(g); err != nil {
		return fmt.Errorf("encode genesis: %w", err)
	}
	return nil
}

// Validate checks addresses and metric bounds.
func (g *Genesis) Validate() error {
	if len(g.Validators) == 0 {
		return errors.New("genesis has no validators")
	}
	for _, a := range g.Alloc {
		if err := wallet.ValidateAddress(a.Address); err != nil {
			return fmt.Errorf("genesis alloc: %w", err)
		}
	}
	seen := make(map[string]bool, len(g.Validators))
	for _, v := range g.Validators {
		if err := wallet.ValidateAddress(v.Address); err != nil {
			return fmt.Errorf("genesis validator: %w", err)
		}
		if seen[v.Address] {
			return fmt.Errorf("genesis validator %s listed twice", v.Address)
		}
		seen[v.Address] = true
		if err := consensus.ValidateMetrics(v.Metrics()); err != nil {
			return fmt.Errorf("genesis validator %s: %w", v.Address, err)
		}
	}
	return nil
}

// PrevHash returns SHA-256(Message).
func (g *Genesis) PrevHash() Hash {
	return sha256.Sum256([]byte(g.Message))
}

// Block builds the genesis block and its ledger. Genesis validator proofs
// are unsigned; they are trusted because the genesis hash is fixed.
func (g *Genesis) Block() (*Block, *State, error) {
	if err := g.Validate(); err != nil {
		return nil, nil, err
	}
	state, err := NewStateWithGenesis(g.Alloc)
	if err != nil {
		return nil, nil, err
	}

	proofs := make([]*SpeedProof, 0, len(g.Validators))
	for _, v := range g.Validators {
		proofs = append(proofs, &SpeedProof{
			Metrics:   v.Metrics(),
			Epoch:     0,
			Timestamp: g.Timestamp,
		})
	}

	block := &Block{
		Header: BlockHeader{
			Version:   CurrentBlockVersion,
			Height:    0,
			PrevHash:  g.PrevHash(),
			Timestamp: g.Timestamp,
		},
		Transactions: []*SignedTransaction{},
		Proofs:       proofs,
	}
	block.Header.ProofRoot = block.ComputeProofRoot()
	block.Header.StateRoot = state.Root()
	return block, state, nil
}
