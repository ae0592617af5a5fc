package main

import (
	"errors"
	"testing"
	"time"
)

// fakeLedger is a LedgerView backed by a State.
type fakeLedger struct {
	state *State
}

func (l fakeLedger) Account(addr string) (Account, bool) {
	return l.state.Account(addr)
}

func newTestLedger(t *testing.T, alloc ...GenesisAlloc) fakeLedger {
	t.Helper()
	st, err := NewStateWithGenesis(alloc)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return fakeLedger{state: st}
}

func TestMempool_NonceSequencing(t *testing.T) {
	alice, bob := testKey(t, 10), testKey(t, 11)
	ledger := newTestLedger(t, GenesisAlloc{Address: alice.Address(), Balance: 1000})
	mp := NewMempool(DefaultMempoolConfig())

	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 100, 1, 0), ledger); err != nil {
		t.Fatalf("nonce 0: %v", err)
	}
	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 100, 1, 1), ledger); err != nil {
		t.Fatalf("nonce 1: %v", err)
	}
	// A gap is refused.
	err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 100, 1, 3), ledger)
	if !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("expected ErrInvalidNonce for a gap, got %v", err)
	}
	// So is a replay of a queued nonce with different contents.
	err = mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 7, 1, 1), ledger)
	if !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("expected ErrInvalidNonce for a reused nonce, got %v", err)
	}

	if got := mp.PendingNonce(alice.Address(), ledger); got != 2 {
		t.Fatalf("pending nonce: got %d, want 2", got)
	}
	if mp.Size() != 2 {
		t.Fatalf("size: got %d, want 2", mp.Size())
	}
}

func TestMempool_PendingSpendLimitsAdmission(t *testing.T) {
	alice, bob := testKey(t, 10), testKey(t, 11)
	ledger := newTestLedger(t, GenesisAlloc{Address: alice.Address(), Balance: 250})
	mp := NewMempool(DefaultMempoolConfig())

	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 200, 1, 0), ledger); err != nil {
		t.Fatalf("first spend: %v", err)
	}
	err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 49, 1, 1), ledger)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 48, 1, 1), ledger); err != nil {
		t.Fatalf("exact remaining balance should be accepted: %v", err)
	}
}

func TestMempool_RejectsBadTransactions(t *testing.T) {
	alice, bob := testKey(t, 10), testKey(t, 11)
	ledger := newTestLedger(t, GenesisAlloc{Address: alice.Address(), Balance: 1000})
	mp := NewMempool(DefaultMempoolConfig())

	forged := mustSignTx(t, bob, alice.Address(), 10, 1, 0)
	forged.Tx.Sender = alice.Address()
	if err := mp.AddTransaction(forged, ledger); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	impersonated := SignTransaction(Transaction{
		Sender: alice.Address(), Receiver: bob.Address(), Amount: 10, Fee: 1,
	}, bob)
	if err := mp.AddTransaction(impersonated, ledger); !errors.Is(err, ErrSenderMismatch) {
		t.Fatalf("expected ErrSenderMismatch, got %v", err)
	}

	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 0, 1, 0), ledger); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 10, 0, 0), ledger); !errors.Is(err, ErrFeeTooLow) {
		t.Fatalf("expected ErrFeeTooLow, got %v", err)
	}
	if err := mp.AddTransaction(mustSignTx(t, bob, alice.Address(), 10, 1, 0), ledger); !errors.Is(err, ErrSenderNotFound) {
		t.Fatalf("expected ErrSenderNotFound, got %v", err)
	}
	if mp.Size() != 0 {
		t.Fatalf("rejected txs leaked into the pool: %d", mp.Size())
	}
}

func TestMempool_BlockSelectionKeepsNonceOrder(t *testing.T) {
	alice, bob, carol := testKey(t, 10), testKey(t, 11), testKey(t, 12)
	ledger := newTestLedger(t,
		GenesisAlloc{Address: alice.Address(), Balance: 1000},
		GenesisAlloc{Address: bob.Address(), Balance: 1000},
	)
	mp := NewMempool(DefaultMempoolConfig())

	a0 := mustSignTx(t, alice, carol.Address(), 10, 1, 0)
	a1 := mustSignTx(t, alice, carol.Address(), 10, 50, 1)
	b0 := mustSignTx(t, bob, carol.Address(), 10, 20, 0)
	for _, tx := range []*SignedTransaction{a0, a1, b0} {
		if err := mp.AddTransaction(tx, ledger); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got := mp.GetTransactionsForBlock(10, 1<<20)
	want := []Hash{b0.Hash(), a0.Hash(), a1.Hash()}
	if len(got) != len(want) {
		t.Fatalf("selected %d txs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Hash() != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i].Hash(), want[i])
		}
	}

	if got := mp.GetTransactionsForBlock(1, 1<<20); len(got) != 1 || got[0].Hash() != b0.Hash() {
		t.Fatalf("count limit should keep the best head only")
	}

	// The result must be applicable in order.
	st := ledger.state.Clone()
	if err := st.ApplyTransactions(mp.GetTransactionsForBlock(10, 1<<20)); err != nil {
		t.Fatalf("selected txs do not apply: %v", err)
	}
}

func TestMempool_OnBlockConnectedAndReorg(t *testing.T) {
	alice, bob := testKey(t, 10), testKey(t, 11)
	ledger := newTestLedger(t, GenesisAlloc{Address: alice.Address(), Balance: 1000})
	mp := NewMempool(DefaultMempoolConfig())

	t0 := mustSignTx(t, alice, bob.Address(), 100, 1, 0)
	t1 := mustSignTx(t, alice, bob.Address(), 100, 1, 1)
	t2 := mustSignTx(t, alice, bob.Address(), 100, 1, 2)
	for _, tx := range []*SignedTransaction{t0, t1, t2} {
		if err := mp.AddTransaction(tx, ledger); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// t0 confirmed.
	genesisLedger := ledger.state.Clone()
	if err := ledger.state.ApplyTransaction(t0); err != nil {
		t.Fatalf("apply: %v", err)
	}
	block := &Block{Transactions: []*SignedTransaction{t0}}
	mp.OnBlockConnected(block, ledger)
	if mp.HasTransaction(t0.Hash()) || !mp.HasTransaction(t1.Hash()) || mp.Size() != 2 {
		t.Fatalf("connect should drop only the included tx, size=%d", mp.Size())
	}

	// The block is disconnected again: t0 comes back ahead of t1.
	mp.OnBlockDisconnected(block, fakeLedger{state: genesisLedger})
	if mp.Size() != 3 || !mp.HasTransaction(t0.Hash()) {
		t.Fatalf("disconnect should restore t0, size=%d", mp.Size())
	}
	got := mp.GetTransactionsForBlock(10, 1<<20)
	if len(got) != 3 || got[0].Hash() != t0.Hash() {
		t.Fatalf("t0 should lead after reorg")
	}
}

func TestMempool_ConflictingConfirmationDropsRun(t *testing.T) {
	alice, bob := testKey(t, 10), testKey(t, 11)
	ledger := newTestLedger(t, GenesisAlloc{Address: alice.Address(), Balance: 300})
	mp := NewMempool(DefaultMempoolConfig())

	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 100, 1, 0), ledger); err != nil {
		t.Fatal(err)
	}
	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 100, 1, 1), ledger); err != nil {
		t.Fatal(err)
	}

	// A different nonce-0 tx spending nearly everything confirms elsewhere.
	other := mustSignTx(t, alice, bob.Address(), 250, 1, 0)
	if err := ledger.state.ApplyTransaction(other); err != nil {
		t.Fatal(err)
	}
	mp.OnBlockConnected(&Block{Transactions: []*SignedTransaction{other}}, ledger)
	if mp.Size() != 0 {
		t.Fatalf("unaffordable nonce-1 tx should be dropped, size=%d", mp.Size())
	}
}

func TestMempool_EvictsCheapestTailWhenFull(t *testing.T) {
	alice, bob, carol := testKey(t, 10), testKey(t, 11), testKey(t, 12)
	ledger := newTestLedger(t,
		GenesisAlloc{Address: alice.Address(), Balance: 1000},
		GenesisAlloc{Address: bob.Address(), Balance: 1000},
	)
	cfg := DefaultMempoolConfig()
	cfg.MaxSize = 1
	mp := NewMempool(cfg)

	cheap := mustSignTx(t, alice, carol.Address(), 10, 1, 0)
	if err := mp.AddTransaction(cheap, ledger); err != nil {
		t.Fatal(err)
	}
	if err := mp.AddTransaction(mustSignTx(t, bob, carol.Address(), 10, 1, 0), ledger); !errors.Is(err, ErrMempoolFull) {
		t.Fatalf("equal fee should not evict, got %v", err)
	}
	rich := mustSignTx(t, bob, carol.Address(), 10, 5, 0)
	if err := mp.AddTransaction(rich, ledger); err != nil {
		t.Fatalf("higher fee should evict: %v", err)
	}
	if mp.HasTransaction(cheap.Hash()) || !mp.HasTransaction(rich.Hash()) {
		t.Fatalf("wrong tx evicted")
	}
}

func TestMempool_RemoveExpired(t *testing.T) {
	alice, bob := testKey(t, 10), testKey(t, 11)
	ledger := newTestLedger(t, GenesisAlloc{Address: alice.Address(), Balance: 1000})
	cfg := DefaultMempoolConfig()
	cfg.ExpirationTime = time.Minute
	mp := NewMempool(cfg)

	old := mustSignTx(t, alice, bob.Address(), 10, 1, 0)
	mp.mu.Lock()
	if err := mp.addLocked(old, ledger, time.Now().Add(-time.Hour)); err != nil {
		mp.mu.Unlock()
		t.Fatal(err)
	}
	mp.mu.Unlock()
	if err := mp.AddTransaction(mustSignTx(t, alice, bob.Address(), 10, 1, 1), ledger); err != nil {
		t.Fatal(err)
	}

	if removed := mp.RemoveExpired(); removed != 2 {
		t.Fatalf("expired head should take its successors: removed %d", removed)
	}
	if stats := mp.Stats(); stats.Count != 0 || stats.SizeBytes != 0 {
		t.Fatalf("stats after expiry: %+v", stats)
	}
}
