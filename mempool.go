package main

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MempoolConfig configures the mempool
type MempoolConfig struct {
	// MaxSize is the maximum number of transactions
	MaxSize int

	// MaxSizeBytes is the maximum total size in bytes
	MaxSizeBytes int

	// MinFee is the minimum absolute fee to accept
	MinFee uint64

	// ExpirationTime is how long a tx stays in mempool
	ExpirationTime time.Duration
}

// DefaultMempoolConfig returns sensible defaults
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxSize:        5000,
		MaxSizeBytes:   32 * 1024 * 1024, // 32 MB
		MinFee:         1,
		ExpirationTime: 24 * time.Hour,
	}
}

var (
	ErrMempoolFull = errors.New("mempool full")
	ErrFeeTooLow   = errors.New("fee below minimum")
)

// LedgerView is the account state the mempool validates against.
type LedgerView interface {
	Account(addr string) (Account, bool)
}

// MempoolEntry represents a transaction in the mempool
type MempoolEntry struct {
	Tx      *SignedTransaction
	Hash    Hash
	Sender  string
	Nonce   uint64
	Fee     uint64
	Size    int
	AddedAt time.Time
}

// Mempool stores unconfirmed transactions. Each sender's entries form a
// gapless nonce run starting at the sender's ledger nonce.
type Mempool struct {
	mu sync.RWMutex

	config MempoolConfig

	txByHash map[Hash]*MempoolEntry
	bySender map[string][]*MempoolEntry // ascending nonce

	// Stats
	totalSize int
}

// NewMempool creates a new mempool
func NewMempool(cfg MempoolConfig) *Mempool {
	return &Mempool{
		config:   cfg,
		txByHash: make(map[Hash]*MempoolEntry),
		bySender: make(map[string][]*MempoolEntry),
	}
}

// AddTransaction validates stx against ledger plus the sender's pending
// transactions and adds it. Known transactions are ignored.
func (m *Mempool) AddTransaction(stx *SignedTransaction, ledger LedgerView) error {
	if err := CheckSanity(stx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(stx, ledger, time.Now())
}

func (m *Mempool) addLocked(stx *SignedTransaction, ledger LedgerView, now time.Time) error {
	hash := stx.Hash()
	if _, exists := m.txByHash[hash]; exists {
		return nil // Already have it
	}

	tx := &stx.Tx
	if !stx.Verify() {
		return ErrInvalidSignature
	}
	if signer, err := stx.SignerAddress(); err != nil || signer != tx.Sender {
		return ErrSenderMismatch
	}
	if tx.Amount == 0 {
		return ErrZeroAmount
	}
	if tx.Fee < m.config.MinFee {
		return fmt.Errorf("%w: %d < %d", ErrFeeTooLow, tx.Fee, m.config.MinFee)
	}

	acc, ok := ledger.Account(tx.Sender)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSenderNotFound, tx.Sender)
	}
	pending := m.bySender[tx.Sender]
	expected := acc.Nonce + uint64(len(pending))
	if tx.Nonce != expected {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, expected, tx.Nonce)
	}

	spend, _ := tx.TotalCost()
	for _, e := range pending {
		cost, _ := e.Tx.Tx.TotalCost()
		spend += cost
		if spend < cost {
			return ErrBalanceOverflow
		}
	}
	if acc.Balance < spend {
		return fmt.Errorf("%w: have %d, pending spend %d", ErrInsufficientBalance, acc.Balance, spend)
	}

	size := stx.Size()
	for len(m.txByHash) >= m.config.MaxSize || m.totalSize+size > m.config.MaxSizeBytes {
		if !m.evictLowestLocked(tx.Fee, tx.Sender) {
			return ErrMempoolFull
		}
	}

	entry := &MempoolEntry{
		Tx:      stx,
		Hash:    hash,
		Sender:  tx.Sender,
		Nonce:   tx.Nonce,
		Fee:     tx.Fee,
		Size:    size,
		AddedAt: now,
	}
	m.txByHash[hash] = entry
	m.bySender[tx.Sender] = append(pending, entry)
	m.totalSize += size
	return nil
}

// evictLowestLocked drops the cheapest sender tail paying less than fee.
// Only tails are candidates so every run stays gapless.
func (m *Mempool) evictLowestLocked(fee uint64, skipSender string) bool {
	var victim *MempoolEntry
	for sender, run := range m.bySender {
		if sender == skipSender || len(run) == 0 {
			continue
		}
		tail := run[len(run)-1]
		if victim == nil || tail.Fee < victim.Fee || (tail.Fee == victim.Fee && tail.AddedAt.After(victim.AddedAt)) {
			victim = tail
		}
	}
	if victim == nil || victim.Fee >= fee {
		return false
	}
	m.truncateLocked(victim.Sender, len(m.bySender[victim.Sender])-1)
	return true
}

// truncateLocked keeps the first keep entries of sender's run.
func (m *Mempool) truncateLocked(sender string, keep int) {
	run := m.bySender[sender]
	for _, e := range run[keep:] {
		delete(m.txByHash, e.Hash)
		m.totalSize -= e.Size
	}
	if keep == 0 {
		delete(m.bySender, sender)
		return
	}
	m.bySender[sender] = run[:keep]
}

// removeTxLocked removes an entry and everything queued behind it.
func (m *Mempool) removeTxLocked(hash Hash) {
	entry, exists := m.txByHash[hash]
	if !exists {
		return
	}
	for i, e := range m.bySender[entry.Sender] {
		if e.Hash == hash {
			m.truncateLocked(entry.Sender, i)
			return
		}
	}
}

// RemoveTransaction removes a transaction and the sender's later nonces.
func (m *Mempool) RemoveTransaction(hash Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeTxLocked(hash)
}

// GetTransaction returns a transaction by hash
func (m *Mempool) GetTransaction(hash Hash) (*SignedTransaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.txByHash[hash]
	if !exists {
		return nil, false
	}
	return entry.Tx, true
}

// HasTransaction checks if a transaction is in the mempool
func (m *Mempool) HasTransaction(hash Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.txByHash[hash]
	return exists
}

// PendingNonce is the nonce the sender's next transaction should use.
func (m *Mempool) PendingNonce(sender string, ledger LedgerView) uint64 {
	acc, _ := ledger.Account(sender)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return acc.Nonce + uint64(len(m.bySender[sender]))
}

// GetTransactionsForBlock returns transactions for a block, highest fee
// first while keeping each sender's nonce order.
func (m *Mempool) GetTransactionsForBlock(maxCount int, maxBytes int) []*SignedTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pq := make(txPriorityQueue, 0, len(m.bySender))
	for _, run := range m.bySender {
		if len(run) > 0 {
			pq = append(pq, &senderCursor{run: run})
		}
	}
	heap.Init(&pq)

	result := make([]*SignedTransaction, 0, maxCount)
	totalSize := 0
	for pq.Len() > 0 && len(result) < maxCount {
		cur := heap.Pop(&pq).(*senderCursor)
		head := cur.head()
		if totalSize+head.Size > maxBytes {
			// Later nonces of this sender can't be included without it.
			continue
		}
		result = append(result, head.Tx)
		totalSize += head.Size
		cur.pos++
		if cur.pos < len(cur.run) {
			heap.Push(&pq, cur)
		}
	}
	return result
}

// Size returns the number of transactions in mempool
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txByHash)
}

// SizeBytes returns the total size in bytes
func (m *Mempool) SizeBytes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalSize
}

// Clear removes all transactions
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txByHash = make(map[Hash]*MempoolEntry)
	m.bySender = make(map[string][]*MempoolEntry)
	m.totalSize = 0
}

// RemoveExpired removes transactions that have been in mempool too long,
// along with anything queued behind them.
func (m *Mempool) RemoveExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.config.ExpirationTime)
	before := len(m.txByHash)
	for sender, run := range m.bySender {
		for i, e := range run {
			if e.AddedAt.Before(cutoff) {
				m.truncateLocked(sender, i)
				break
			}
		}
	}
	return before - len(m.txByHash)
}

// OnBlockConnected drops included transactions and anything the new ledger
// invalidates for the senders in the block.
func (m *Mempool) OnBlockConnected(block *Block, ledger LedgerView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	senders := make(map[string]bool)
	for _, tx := range block.Transactions {
		senders[tx.Tx.Sender] = true
	}
	for sender := range senders {
		m.revalidateSenderLocked(sender, ledger)
	}
}

// revalidateSenderLocked trims sender's run to what the ledger still allows.
func (m *Mempool) revalidateSenderLocked(sender string, ledger LedgerView) {
	run := m.bySender[sender]
	if len(run) == 0 {
		return
	}
	acc, ok := ledger.Account(sender)
	if !ok {
		m.truncateLocked(sender, 0)
		return
	}

	// Drop the confirmed prefix.
	drop := 0
	for drop < len(run) && run[drop].Nonce < acc.Nonce {
		delete(m.txByHash, run[drop].Hash)
		m.totalSize -= run[drop].Size
		drop++
	}
	run = run[drop:]
	if len(run) == 0 {
		delete(m.bySender, sender)
		return
	}
	m.bySender[sender] = run

	var spend uint64
	for i, e := range run {
		cost, _ := e.Tx.Tx.TotalCost()
		spend += cost
		if e.Nonce != acc.Nonce+uint64(i) || spend < cost || spend > acc.Balance {
			m.truncateLocked(sender, i)
			return
		}
	}
}

// OnBlockDisconnected returns a disconnected block's transactions to the pool.
func (m *Mempool) OnBlockDisconnected(block *Block, ledger LedgerView) {
	m.OnReorg([]*Block{block}, ledger)
}

// OnReorg rebuilds the pool against the post-reorg ledger from its current
// entries plus the transactions of the disconnected blocks.
func (m *Mempool) OnReorg(disconnected []*Block, ledger LedgerView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		tx      *SignedTransaction
		addedAt time.Time
	}
	var all []candidate
	now := time.Now()
	for _, b := range disconnected {
		for _, tx := range b.Transactions {
			all = append(all, candidate{tx: tx, addedAt: now})
		}
	}
	for _, e := range m.txByHash {
		all = append(all, candidate{tx: e.Tx, addedAt: e.AddedAt})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].tx.Tx.Sender != all[j].tx.Tx.Sender {
			return all[i].tx.Tx.Sender < all[j].tx.Tx.Sender
		}
		return all[i].tx.Tx.Nonce < all[j].tx.Tx.Nonce
	})

	m.txByHash = make(map[Hash]*MempoolEntry)
	m.bySender = make(map[string][]*MempoolEntry)
	m.totalSize = 0
	for _, c := range all {
		_ = m.addLocked(c.tx, ledger, c.addedAt)
	}
}

// GetAllTransactionData returns all transactions JSON encoded, in nonce order
// per sender.
func (m *Mempool) GetAllTransactionData() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([][]byte, 0, len(m.txByHash))
	for _, run := range m.bySender {
		for _, e := range run {
			data, err := json.Marshal(e.Tx)
			if err != nil {
				continue
			}
			result = append(result, data)
		}
	}
	return result
}

// Stats returns mempool statistics
type MempoolStats struct {
	Count     int     `json:"count"`
	Senders   int     `json:"senders"`
	SizeBytes int     `json:"size_bytes"`
	MinFee    uint64  `json:"min_fee"`
	MaxFee    uint64  `json:"max_fee"`
	AvgFee    float64 `json:"avg_fee"`
}

func (m *Mempool) Stats() MempoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MempoolStats{
		Count:     len(m.txByHash),
		Senders:   len(m.bySender),
		SizeBytes: m.totalSize,
	}

	if stats.Count == 0 {
		return stats
	}

	var totalFee uint64
	for _, entry := range m.txByHash {
		if stats.MinFee == 0 || entry.Fee < stats.MinFee {
			stats.MinFee = entry.Fee
		}
		if entry.Fee > stats.MaxFee {
			stats.MaxFee = entry.Fee
		}
		totalFee += entry.Fee
	}
	stats.AvgFee = float64(totalFee) / float64(stats.Count)

	return stats
}

// GetAllEntries returns all mempool entries, highest fee first
func (m *Mempool) GetAllEntries() []*MempoolEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*MempoolEntry, 0, len(m.txByHash))
	for _, entry := range m.txByHash {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Fee != entries[j].Fee {
			return entries[i].Fee > entries[j].Fee
		}
		if entries[i].Sender != entries[j].Sender {
			return entries[i].Sender < entries[j].Sender
		}
		return entries[i].Nonce < entries[j].Nonce
	})
	return entries
}

// Priority queue over each sender's next transaction.

type senderCursor struct {
	run []*MempoolEntry
	pos int
}

func (c *senderCursor) head() *MempoolEntry { return c.run[c.pos] }

type txPriorityQueue []*senderCursor

func (pq txPriorityQueue) Len() int { return len(pq) }

func (pq txPriorityQueue) Less(i, j int) bool {
	a, b := pq[i].head(), pq[j].head()
	// Higher fee = higher priority
	if a.Fee != b.Fee {
		return a.Fee > b.Fee
	}
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.Before(b.AddedAt)
	}
	return a.Sender < b.Sender
}

func (pq txPriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *txPriorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*senderCursor))
}

func (pq *txPriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	cur := old[n-1]
	old[n-1] = nil
	*pq = old[0 : n-1]
	return cur
}
