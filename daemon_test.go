package main

import (
	"crypto/rand"
	"testing"
	"time"

	"netchain/consensus"
	"netchain/p2p"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
)

func mustNewTestP2PNode(t *testing.T) *p2p.Node {
	t.Helper()
	cfg := p2p.DefaultNodeConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.DisableNAT = true
	cfg.AllowPrivateAddrs = true
	node, err := p2p.NewNode(cfg)
	if err != nil {
		t.Fatalf("failed to create p2p node: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop() })
	return node
}

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate peer key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to derive peer id: %v", err)
	}
	return id
}

// newTestDaemon wires a daemon around the test chain without starting any
// network services.
func newTestDaemon(t *testing.T, n *testNet, node *p2p.Node) *Daemon {
	t.Helper()
	d := &Daemon{
		chain:   n.chain,
		mempool: NewMempool(DefaultMempoolConfig()),
		proofs:  NewProofPool(),
		node:    node,
		uptime:  p2p.NewUptimeTracker(10),
		metrics: NewMetrics(),
	}
	n.chain.SetReorgHandler(d.onReorg)
	return d
}

func mustEncodeBlock(t *testing.T, b *Block) []byte {
	t.Helper()
	data, err := EncodeBlock(b)
	if err != nil {
		t.Fatalf("failed to encode block: %v", err)
	}
	return data
}

func assertPeerScore(t *testing.T, node *p2p.Node, pid peer.ID, want int) {
	t.Helper()
	if got := node.PeerScore(pid); got != want {
		t.Fatalf("peer score: got %d, want %d", got, want)
	}
}

func TestHandleTx_PenalizesUndecodablePayload(t *testing.T) {
	n := mustCreateTestNet(t)
	node := mustNewTestP2PNode(t)
	d := newTestDaemon(t, n, node)
	from := testPeerID(t)

	d.handleTx(from, []byte("not-a-transaction"))

	assertPeerScore(t, node, from, p2p.ScoreInitial+p2p.ScorePenaltyInvalid)
}

func TestHandleTx_BenignRejectionNotPenalized(t *testing.T) {
	n := mustCreateTestNet(t)
	node := mustNewTestP2PNode(t)
	d := newTestDaemon(t, n, node)
	from := testPeerID(t)

	// bob has no account yet, and alice's nonce 5 is in the future.
	for _, stx := range []*SignedTransaction{
		mustSignTx(t, n.bob, n.alice.Address(), 1, 1, 0),
		mustSignTx(t, n.alice, n.bob.Address(), 1, 1, 5),
	} {
		data, err := EncodeTx(stx)
		if err != nil {
			t.Fatalf("failed to encode tx: %v", err)
		}
		d.handleTx(from, data)
	}

	assertPeerScore(t, node, from, -1)
	if d.mempool.Size() != 0 {
		t.Fatalf("rejected txs should not be pooled")
	}
}

func TestHandleTx_ForgedSignaturePenalized(t *testing.T) {
	n := mustCreateTestNet(t)
	node := mustNewTestP2PNode(t)
	d := newTestDaemon(t, n, node)
	from := testPeerID(t)

	stx := mustSignTx(t, n.alice, n.bob.Address(), 10, 1, 0)
	stx.Tx.Amount = 900
	data, err := EncodeTx(stx)
	if err != nil {
		t.Fatalf("failed to encode tx: %v", err)
	}
	d.handleTx(from, data)

	assertPeerScore(t, node, from, p2p.ScoreInitial+p2p.ScorePenaltyInvalid)
}

func TestSubmitTransaction_PoolsOnce(t *testing.T) {
	n := mustCreateTestNet(t)
	d := newTestDaemon(t, n, nil)

	stx := mustSignTx(t, n.alice, n.bob.Address(), 10, 1, 0)
	if err := d.SubmitTransaction(stx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := d.SubmitTransaction(stx); err != nil {
		t.Fatalf("resubmitting a known tx should be a no-op: %v", err)
	}
	if d.mempool.Size() != 1 {
		t.Fatalf("mempool size: got %d, want 1", d.mempool.Size())
	}
	if got := testutil.ToFloat64(d.metrics.TxsAccepted); got != 1 {
		t.Fatalf("accepted tx counter: got %v, want 1", got)
	}

	overspend := mustSignTx(t, n.alice, n.bob.Address(), 5000, 1, 1)
	if err := d.SubmitTransaction(overspend); err == nil {
		t.Fatalf("expected overspend to be rejected")
	}
}

func TestHandleBlock_AcceptsRelaysAndNotifies(t *testing.T) {
	n := mustCreateTestNet(t)
	node := mustNewTestP2PNode(t)
	d := newTestDaemon(t, n, node)
	sub := d.SubscribeBlocks()
	defer d.UnsubscribeBlocks(sub)

	stx := mustSignTx(t, n.alice, n.bob.Address(), 10, 1, 0)
	if err := d.SubmitTransaction(stx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	b1 := n.mustBuild(n.chain.Tip(), 0, []*SignedTransaction{stx}, nil)
	d.handleBlock(testPeerID(t), mustEncodeBlock(t, b1))

	if n.chain.Height() != 1 {
		t.Fatalf("height: got %d, want 1", n.chain.Height())
	}
	if d.mempool.Size() != 0 {
		t.Fatalf("included tx should leave the mempool")
	}
	select {
	case got := <-sub:
		if got.Hash() != b1.Hash() {
			t.Fatalf("notified wrong block")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber was not notified")
	}
	if got := testutil.ToFloat64(d.metrics.Height); got != 1 {
		t.Fatalf("height gauge: got %v, want 1", got)
	}
}

func TestHandleBlock_InvalidBlockPenalized(t *testing.T) {
	n := mustCreateTestNet(t)
	node := mustNewTestP2PNode(t)
	d := newTestDaemon(t, n, node)
	from := testPeerID(t)

	b1 := n.mustBuild(n.chain.Tip(), 0, nil, nil)
	b1.Header.Timestamp++ // breaks the producer signature
	d.handleBlock(from, mustEncodeBlock(t, b1))

	assertPeerScore(t, node, from, p2p.ScoreInitial+p2p.ScorePenaltyMisbehave)
	if got := testutil.ToFloat64(d.metrics.BlocksRejected.WithLabelValues("gossip")); got != 1 {
		t.Fatalf("rejected counter: got %v, want 1", got)
	}
	if n.chain.Height() != 0 {
		t.Fatalf("invalid block must not connect")
	}
}

func TestHandleBlock_OrphanNotPenalized(t *testing.T) {
	n := mustCreateTestNet(t)
	b1 := n.mustBuild(n.chain.Tip(), 0, nil, nil)
	n.mustProcess(b1)
	b2 := n.mustBuild(b1, 0, nil, nil)

	// A second node on the same genesis never saw b1.
	other := mustCreateTestNet(t)
	node := mustNewTestP2PNode(t)
	d := newTestDaemon(t, other, node)
	from := testPeerID(t)

	d.handleBlock(from, mustEncodeBlock(t, b2))

	assertPeerScore(t, node, from, -1)
	if other.chain.Height() != 0 {
		t.Fatalf("orphan must not connect")
	}
}

func TestProcessBlockData_ReorgRequeuesTransactions(t *testing.T) {
	n := mustCreateTestNet(t)
	d := newTestDaemon(t, n, nil)
	genesis := n.chain.Tip()

	stx := mustSignTx(t, n.alice, n.bob.Address(), 300, 2, 0)
	feed := func(parent *Block, round uint32, txs []*SignedTransaction) *Block {
		b := n.mustBuild(parent, round, txs, nil)
		if _, err := d.processBlockData(mustEncodeBlock(t, b)); err != nil {
			t.Fatalf("block %d rejected: %v", b.Header.Height, err)
		}
		return b
	}
	a1 := feed(genesis, 0, []*SignedTransaction{stx})
	feed(a1, 0, nil)
	b1 := feed(genesis, 1, nil)
	b2 := feed(b1, 0, nil)
	if d.mempool.Size() != 0 {
		t.Fatalf("tx confirmed on the main branch should not be pooled")
	}

	b3 := n.mustBuild(b2, 0, nil, nil)
	accepted, err := d.processBlockData(mustEncodeBlock(t, b3))
	if err != nil || !accepted {
		t.Fatalf("heavier branch rejected: accepted=%v err=%v", accepted, err)
	}
	if n.chain.BestHash() != b3.Hash() {
		t.Fatalf("expected reorg onto the side branch")
	}
	if !d.mempool.HasTransaction(stx.Hash()) {
		t.Fatalf("disconnected tx should return to the mempool")
	}
	if got := testutil.ToFloat64(d.metrics.Reorgs); got != 1 {
		t.Fatalf("reorg counter: got %v, want 1", got)
	}
}

func TestReorg_NotifiesEveryConnectedBlock(t *testing.T) {
	n := mustCreateTestNet(t)
	d := newTestDaemon(t, n, nil)
	sub := d.SubscribeBlocks()
	defer d.UnsubscribeBlocks(sub)
	genesis := n.chain.Tip()

	feed := func(parent *Block, round uint32) *Block {
		b := n.mustBuild(parent, round, nil, nil)
		if _, err := d.processBlockData(mustEncodeBlock(t, b)); err != nil {
			t.Fatalf("block %d rejected: %v", b.Header.Height, err)
		}
		return b
	}
	a1 := feed(genesis, 0)
	a2 := feed(a1, 0)
	b1 := feed(genesis, 1)
	b2 := feed(b1, 0)
	b3 := feed(b2, 0)
	if n.chain.BestHash() != b3.Hash() {
		t.Fatalf("expected reorg onto the side branch")
	}

	want := []*Block{a1, a2, b1, b2, b3}
	for i, w := range want {
		select {
		case got := <-sub:
			if got.Hash() != w.Hash() {
				t.Fatalf("notification %d: got height %d, want block at height %d", i, got.Header.Height, w.Header.Height)
			}
		case <-time.After(time.Second):
			t.Fatalf("notification %d missing", i)
		}
	}
	select {
	case extra := <-sub:
		t.Fatalf("unexpected notification for height %d", extra.Header.Height)
	default:
	}
}

func testProofMetrics() consensus.NodeMetrics {
	return consensus.NodeMetrics{
		UploadMbps:       60,
		DownloadMbps:     300,
		LatencyMs:        25,
		UptimePercent:    99,
		StabilityPercent: 97,
	}
}

func TestHandleProof(t *testing.T) {
	n := mustCreateTestNet(t)
	node := mustNewTestP2PNode(t)
	d := newTestDaemon(t, n, node)
	v := testKey(t, 1)

	encode := func(p *SpeedProof) []byte {
		data, err := EncodeSpeedProof(p)
		if err != nil {
			t.Fatalf("failed to encode proof: %v", err)
		}
		return data
	}

	t.Run("valid proof is pooled", func(t *testing.T) {
		from := testPeerID(t)
		p := NewSpeedProof(testProofMetrics(), n.chain.NextEpoch(), 5, v)
		d.handleProof(from, encode(p))
		if !d.proofs.Has(p.Hash()) {
			t.Fatalf("proof not pooled")
		}
		assertPeerScore(t, node, from, -1)
	})

	t.Run("stale epoch is ignored", func(t *testing.T) {
		from := testPeerID(t)
		p := NewSpeedProof(testProofMetrics(), n.chain.NextEpoch()+3, 5, v)
		d.handleProof(from, encode(p))
		if d.proofs.Has(p.Hash()) {
			t.Fatalf("stale proof pooled")
		}
		assertPeerScore(t, node, from, -1)
	})

	t.Run("forged metrics are penalized", func(t *testing.T) {
		from := testPeerID(t)
		p := NewSpeedProof(testProofMetrics(), n.chain.NextEpoch(), 5, v)
		p.Metrics.UploadMbps = 95
		d.handleProof(from, encode(p))
		if d.proofs.Has(p.Hash()) {
			t.Fatalf("forged proof pooled")
		}
		assertPeerScore(t, node, from, p2p.ScoreInitial+p2p.ScorePenaltyMisbehave)
	})
}

func TestRecordMeasurement_UsesLocalUptime(t *testing.T) {
	n := mustCreateTestNet(t)
	d := newTestDaemon(t, n, nil)
	d.cfg.ValidatorKey = testKey(t, 1)

	d.uptime.Record(true)
	d.uptime.Record(true)
	d.uptime.Record(true)
	d.uptime.Record(false)

	m := d.recordMeasurement(&p2p.SpeedReport{
		LatencyMs:        30,
		DownloadMbps:     200,
		UploadMbps:       40,
		StabilityPercent: 90,
		PingsSent:        10,
		PingsOK:          9,
	})
	if m.UptimePercent != 75 {
		t.Fatalf("uptime: got %v, want 75", m.UptimePercent)
	}
	if m.NodeID != d.cfg.ValidatorKey.Address() {
		t.Fatalf("metrics should carry the validator address")
	}
	local, report := d.LocalMetrics()
	if local == nil || report == nil || local.DownloadMbps != 200 {
		t.Fatalf("local metrics not recorded: %+v", local)
	}

	p := NewSpeedProof(m, n.chain.NextEpoch(), uint32(report.PingsSent), d.cfg.ValidatorKey)
	if err := d.SubmitProof(p); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if d.proofs.Size() != 1 {
		t.Fatalf("proof pool size: got %d, want 1", d.proofs.Size())
	}
	if got := testutil.ToFloat64(d.metrics.ProofsSubmitted); got != 1 {
		t.Fatalf("proofs submitted counter: got %v, want 1", got)
	}
}

func TestDaemonConfigFromFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.Seeds = []string{"/ip4/10.0.0.1/tcp/30333/p2p/12D3KooWB4FY5fLRpwMsYXoVSYb3hWmiDCSJLysVSX3Z38mnkpX6"}
	cfg.Node.Produce = true

	dc := DaemonConfigFromFile(cfg, nil, nil)
	if dc.DataDir != DefaultDataDir || len(dc.ListenAddrs) != 1 || dc.ListenAddrs[0] != DefaultListenAddr {
		t.Fatalf("node settings not carried: %+v", dc)
	}
	if len(dc.SeedNodes) != 1 || !dc.Produce {
		t.Fatalf("seeds/produce not carried: %+v", dc)
	}
	if dc.MeasureSpec != DefaultSpeedTestSpec || dc.SpeedTest.Pings != p2p.DefaultSpeedTestConfig().Pings {
		t.Fatalf("speed test settings not carried: %+v", dc)
	}
}

func TestDefaultSchedules(t *testing.T) {
	// Same parser as cron.WithSeconds.
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	start := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)

	tests := []struct {
		spec string
		gap  time.Duration
	}{
		{DefaultUptimeSampleSpec, time.Minute},
		{DefaultSpeedTestSpec, 2 * time.Minute},
	}
	for _, tt := range tests {
		sched, err := parser.Parse(tt.spec)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.spec, err)
		}
		first := sched.Next(start)
		for i := 0; i < 5; i++ {
			next := sched.Next(first)
			if got := next.Sub(first); got != tt.gap {
				t.Fatalf("%q: gap %v, want %v", tt.spec, got, tt.gap)
			}
			first = next
		}
	}

	// The default uptime window holds one day of samples.
	sched, _ := parser.Parse(DefaultUptimeSampleSpec)
	at := sched.Next(start)
	begin := at
	for i := 1; i < p2p.DefaultUptimeSamples; i++ {
		at = sched.Next(at)
	}
	if got := at.Sub(begin) + time.Minute; got != 24*time.Hour {
		t.Fatalf("uptime window: got %v, want 24h", got)
	}
}
