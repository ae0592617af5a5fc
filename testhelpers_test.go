package main

import (
	"bytes"
	"testing"
	"time"

	"netchain/consensus"
	"netchain/wallet"
)

const testGenesisTime int64 = 1_700_000_000

func testKey(t *testing.T, b byte) *wallet.KeyPair {
	t.Helper()
	kp, err := wallet.KeyPairFromSeed(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		t.Fatalf("failed to derive key: %v", err)
	}
	return kp
}

func testParams() ChainParams {
	p := DefaultChainParams()
	p.EpochLength = 4
	p.MaxReorgDepth = 10
	return p
}

// testNet is a chain with two genesis validators and two funded users.
type testNet struct {
	t       *testing.T
	dataDir string
	genesis *Genesis
	config  ChainConfig
	chain   *Chain

	validators map[string]*wallet.KeyPair
	alice      *wallet.KeyPair
	bob        *wallet.KeyPair
}

func testGenesis(vals []*wallet.KeyPair, alice *wallet.KeyPair) *Genesis {
	g := &Genesis{
		Timestamp: testGenesisTime,
		Message:   "netchain test genesis",
		Alloc:     []GenesisAlloc{{Address: alice.Address(), Balance: 1000}},
	}
	for i, kp := range vals {
		g.Validators = append(g.Validators, GenesisValidator{
			Address:          kp.Address(),
			UploadMbps:       50 + float64(i)*25,
			DownloadMbps:     400,
			LatencyMs:        20,
			UptimePercent:    99,
			StabilityPercent: 95,
		})
	}
	return g
}

func mustCreateTestNet(t *testing.T) *testNet {
	t.Helper()

	v1, v2 := testKey(t, 1), testKey(t, 2)
	n := &testNet{
		t:          t,
		dataDir:    t.TempDir(),
		validators: map[string]*wallet.KeyPair{v1.Address(): v1, v2.Address(): v2},
		alice:      testKey(t, 10),
		bob:        testKey(t, 11),
	}
	n.genesis = testGenesis([]*wallet.KeyPair{v1, v2}, n.alice)
	n.config = ChainConfig{
		Genesis: n.genesis,
		Params:  testParams(),
		Scorer:  consensus.NewScorer(consensus.DefaultConfig()),
		Now:     func() time.Time { return time.Unix(testGenesisTime+1_000_000, 0) },
	}
	n.chain = mustOpenChain(t, n.dataDir, n.config)
	t.Cleanup(func() {
		if n.chain != nil {
			n.chain.Close()
		}
	})
	return n
}

func mustOpenChain(t *testing.T, dataDir string, cfg ChainConfig) *Chain {
	t.Helper()
	chain, err := NewChain(dataDir, cfg)
	if err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}
	return chain
}

// reopen closes and reopens the chain from disk.
func (n *testNet) reopen() {
	n.t.Helper()
	if err := n.chain.Close(); err != nil {
		n.t.Fatalf("failed to close chain: %v", err)
	}
	n.chain = mustOpenChain(n.t, n.dataDir, n.config)
}

func (n *testNet) leaderKey(parent Hash, round uint32) *wallet.KeyPair {
	n.t.Helper()
	leader, err := n.chain.ExpectedProducer(parent, round)
	if err != nil {
		n.t.Fatalf("expected producer: %v", err)
	}
	kp, ok := n.validators[leader]
	if !ok {
		n.t.Fatalf("leader %s has no test key", leader)
	}
	return kp
}

// mustBuild builds a valid child of parent in round, signed by the leader.
func (n *testNet) mustBuild(parent *Block, round uint32, txs []*SignedTransaction, proofs []*SpeedProof) *Block {
	n.t.Helper()
	kp := n.leaderKey(parent.Hash(), round)
	ts := n.chain.Params().SlotStart(parent.Header.Timestamp, round)
	block, skipped, err := n.chain.BuildBlock(kp, parent.Hash(), round, ts, txs, proofs)
	if err != nil {
		n.t.Fatalf("failed to build block on %d: %v", parent.Header.Height, err)
	}
	if skipped != 0 {
		n.t.Fatalf("build skipped %d txs", skipped)
	}
	return block
}

func (n *testNet) mustProcess(block *Block) {
	n.t.Helper()
	accepted, _, err := n.chain.ProcessBlock(block)
	if err != nil {
		n.t.Fatalf("block %d rejected: %v", block.Header.Height, err)
	}
	if !accepted {
		n.t.Fatalf("block %d not accepted", block.Header.Height)
	}
}

// mustExtend builds and connects count round-0 blocks on the tip.
func (n *testNet) mustExtend(count int) []*Block {
	n.t.Helper()
	var out []*Block
	for i := 0; i < count; i++ {
		b := n.mustBuild(n.chain.Tip(), 0, nil, nil)
		n.mustProcess(b)
		out = append(out, b)
	}
	return out
}

func mustSignTx(t *testing.T, from *wallet.KeyPair, to string, amount, fee, nonce uint64) *SignedTransaction {
	t.Helper()
	return SignTransaction(Transaction{
		Sender:    from.Address(),
		Receiver:  to,
		Amount:    amount,
		Fee:       fee,
		Nonce:     nonce,
		Timestamp: uint64(testGenesisTime),
	}, from)
}

// resign recomputes roots and re-signs a tampered block with kp.
func resign(b *Block, kp *wallet.KeyPair) {
	b.Header.TxRoot = b.ComputeTxRoot()
	b.Header.ProofRoot = b.ComputeProofRoot()
	b.Sign(kp)
}

func assertTipUnchanged(t *testing.T, chain *Chain, wantHash Hash, wantHeight uint64) {
	t.Helper()

	if gotHeight := chain.Height(); gotHeight != wantHeight {
		t.Fatalf("tip height changed: got %d, want %d", gotHeight, wantHeight)
	}
	if gotHash := chain.BestHash(); gotHash != wantHash {
		t.Fatalf("tip hash changed: got %x, want %x", gotHash[:8], wantHash[:8])
	}

	tipHash, tipHeight, _, found := chain.Storage().GetTip()
	if !found {
		t.Fatalf("expected storage tip to exist")
	}
	if tipHeight != wantHeight {
		t.Fatalf("storage tip height changed: got %d, want %d", tipHeight, wantHeight)
	}
	if tipHash != wantHash {
		t.Fatalf("storage tip hash changed: got %x, want %x", tipHash[:8], wantHash[:8])
	}
}
