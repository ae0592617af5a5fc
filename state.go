package main

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidNonce        = errors.New("invalid nonce")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrZeroAmount          = errors.New("zero amount")
	ErrSenderNotFound      = errors.New("sender not found")
	ErrSenderMismatch      = errors.New("signer does not match sender")
	ErrBalanceOverflow     = errors.New("balance overflow")
)

// Account is the on-chain state of one address.
type Account struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// GenesisAlloc is an initial balance.
type GenesisAlloc struct {
	Address string `toml:"address" json:"address"`
	Balance uint64 `toml:"balance" json:"balance"`
}

// State is the account ledger. It is not safe for concurrent use; the chain
// guards its copy with the chain lock.
type State struct {
	accounts map[string]*Account
}

func NewState() *State {
	return &State{accounts: make(map[string]*Account)}
}

func NewStateWithGenesis(alloc []GenesisAlloc) (*State, error) {
	s := NewState()
	for _, a := range alloc {
		if err := s.Credit(a.Address, a.Balance); err != nil {
			return nil, fmt.Errorf("genesis alloc %s: %w", a.Address, err)
		}
	}
	return s, nil
}

func (s *State) Balance(addr string) uint64 {
	if acc, ok := s.accounts[addr]; ok {
		return acc.Balance
	}
	return 0
}

func (s *State) Nonce(addr string) uint64 {
	if acc, ok := s.accounts[addr]; ok {
		return acc.Nonce
	}
	return 0
}

// Account returns a copy of the account and whether it exists.
func (s *State) Account(addr string) (Account, bool) {
	acc, ok := s.accounts[addr]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

func (s *State) Len() int {
	return len(s.accounts)
}

// ValidateTransaction checks stx against the current state without modifying it.
func (s *State) ValidateTransaction(stx *SignedTransaction) error {
	if !stx.Verify() {
		return ErrInvalidSignature
	}
	signer, err := stx.SignerAddress()
	if err != nil {
		return ErrInvalidSignature
	}
	if signer != stx.Tx.Sender {
		return fmt.Errorf("%w: signer %s sender %s", ErrSenderMismatch, signer, stx.Tx.Sender)
	}

	tx := &stx.Tx
	if tx.Amount == 0 {
		return ErrZeroAmount
	}
	acc, ok := s.accounts[tx.Sender]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSenderNotFound, tx.Sender)
	}
	if tx.Nonce != acc.Nonce {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, acc.Nonce, tx.Nonce)
	}
	total, ok := tx.TotalCost()
	if !ok || acc.Balance < total {
		return fmt.Errorf("%w: have %d, need %d+%d", ErrInsufficientBalance, acc.Balance, tx.Amount, tx.Fee)
	}
	return nil
}

// ApplyTransaction validates and applies stx. The fee is debited from the
// sender but not credited; the block producer collects fees separately.
func (s *State) ApplyTransaction(stx *SignedTransaction) error {
	if err := s.ValidateTransaction(stx); err != nil {
		return err
	}
	tx := &stx.Tx
	total, _ := tx.TotalCost()

	sender := s.accounts[tx.Sender]
	if tx.Receiver != tx.Sender {
		if recv, ok := s.accounts[tx.Receiver]; ok && recv.Balance > math.MaxUint64-tx.Amount {
			return fmt.Errorf("%w: receiver %s", ErrBalanceOverflow, tx.Receiver)
		}
	}

	sender.Balance -= total
	sender.Nonce++
	s.getOrCreate(tx.Receiver).Balance += tx.Amount
	return nil
}

// ApplyTransactions applies txs in order. On any failure the state is left
// unchanged and the error names the failing index.
func (s *State) ApplyTransactions(txs []*SignedTransaction) error {
	touched := touchedAddresses(txs)
	undo := s.Snapshot(touched)
	for i, stx := range txs {
		if err := s.ApplyTransaction(stx); err != nil {
			s.Restore(undo)
			return fmt.Errorf("tx %d (%s): %w", i, stx.Tx.HashHex(), err)
		}
	}
	return nil
}

// Credit adds amount to addr, creating the account if needed.
func (s *State) Credit(addr string, amount uint64) error {
	acc := s.accounts[addr]
	if acc != nil && acc.Balance > math.MaxUint64-amount {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, addr)
	}
	s.getOrCreate(addr).Balance += amount
	return nil
}

func (s *State) getOrCreate(addr string) *Account {
	acc, ok := s.accounts[addr]
	if !ok {
		acc = &Account{}
		s.accounts[addr] = acc
	}
	return acc
}

func (s *State) Clone() *State {
	out := &State{accounts: make(map[string]*Account, len(s.accounts))}
	for addr, acc := range s.accounts {
		cp := *acc
		out.accounts[addr] = &cp
	}
	return out
}

// Accounts returns a copy of every account.
func (s *State) Accounts() map[string]Account {
	out := make(map[string]Account, len(s.accounts))
	for addr, acc := range s.accounts {
		out[addr] = *acc
	}
	return out
}

// Root commits to the full ledger: sha256 over sorted address||balance||nonce.
func (s *State) Root() Hash {
	addrs := make([]string, 0, len(s.accounts))
	for addr := range s.accounts {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	h := sha256.New()
	var num [8]byte
	for _, addr := range addrs {
		acc := s.accounts[addr]
		h.Write([]byte(addr))
		binary.LittleEndian.PutUint64(num[:], acc.Balance)
		h.Write(num[:])
		binary.LittleEndian.PutUint64(num[:], acc.Nonce)
		h.Write(num[:])
	}
	var root Hash
	copy(root[:], h.Sum(nil))
	return root
}

// AccountUndo records prior account values. A nil entry means the account
// did not exist.
type AccountUndo map[string]*Account

// Snapshot captures the current value of each address.
func (s *State) Snapshot(addrs []string) AccountUndo {
	undo := make(AccountUndo, len(addrs))
	for _, addr := range addrs {
		if _, seen := undo[addr]; seen {
			continue
		}
		if acc, ok := s.accounts[addr]; ok {
			cp := *acc
			undo[addr] = &cp
		} else {
			undo[addr] = nil
		}
	}
	return undo
}

// Restore rolls the given addresses back to a snapshot.
func (s *State) Restore(undo AccountUndo) {
	for addr, acc := range undo {
		if acc == nil {
			delete(s.accounts, addr)
			continue
		}
		cp := *acc
		s.accounts[addr] = &cp
	}
}

// Load replaces the ledger contents (used when reading from storage).
func (s *State) Load(accounts map[string]Account) {
	s.accounts = make(map[string]*Account, len(accounts))
	for addr, acc := range accounts {
		cp := acc
		s.accounts[addr] = &cp
	}
}

func touchedAddresses(txs []*SignedTransaction) []string {
	out := make([]string, 0, 2*len(txs))
	for _, stx := range txs {
		out = append(out, stx.Tx.Sender, stx.Tx.Receiver)
	}
	return out
}
