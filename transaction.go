package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"netchain/protocol/params"
	"netchain/wallet"
)

// MaxTxSize caps the encoded size of a single signed transaction.
const MaxTxSize = 16 * 1024

// Transaction is an account transfer. Amounts are in base units.
type Transaction struct {
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	Amount    uint64  `json:"amount"`
	Fee       uint64  `json:"fee"`
	Nonce     uint64  `json:"nonce"`
	Timestamp uint64  `json:"timestamp"`
	Memo      *string `json:"memo,omitempty"`
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

// CanonicalBytes is the signed encoding: fixed-width little-endian integers,
// u64 length-prefixed strings, and a 0/1 tag before the optional memo.
func (tx *Transaction) CanonicalBytes() []byte {
	size := 8 + len(tx.Sender) + 8 + len(tx.Receiver) + 4*8 + 1
	if tx.Memo != nil {
		size += 8 + len(*tx.Memo)
	}
	buf := make([]byte, 0, size)
	buf = appendString(buf, tx.Sender)
	buf = appendString(buf, tx.Receiver)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Amount)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Fee)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Timestamp)
	if tx.Memo == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = appendString(buf, *tx.Memo)
	}
	return buf
}

// Hash returns sha256 of the canonical bytes. It is the transaction id.
func (tx *Transaction) Hash() Hash {
	return sha256.Sum256(tx.CanonicalBytes())
}

func (tx *Transaction) HashHex() string {
	h := tx.Hash()
	return hex.EncodeToString(h[:])
}

// TotalCost is amount + fee, or false on overflow.
func (tx *Transaction) TotalCost() (uint64, bool) {
	total := tx.Amount + tx.Fee
	if total < tx.Amount {
		return 0, false
	}
	return total, true
}

// SignedTransaction carries the ed25519 signature and public key, both base64.
type SignedTransaction struct {
	Tx        Transaction `json:"tx"`
	Signature string      `json:"signature"`
	PubKey    string      `json:"pubkey"`
}

// SignTransaction signs tx with kp.
func SignTransaction(tx Transaction, kp *wallet.KeyPair) *SignedTransaction {
	sig := kp.Sign(tx.CanonicalBytes())
	return &SignedTransaction{
		Tx:        tx,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PubKey:    base64.StdEncoding.EncodeToString(kp.Public),
	}
}

func (stx *SignedTransaction) Hash() Hash {
	return stx.Tx.Hash()
}

// PublicKey decodes the signer key.
func (stx *SignedTransaction) PublicKey() ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(stx.PubKey)
	if err != nil {
		return nil, fmt.Errorf("decode pubkey: %w", err)
	}
	return pub, nil
}

// SignerAddress is the address derived from the signer key.
func (stx *SignedTransaction) SignerAddress() (string, error) {
	pub, err := stx.PublicKey()
	if err != nil {
		return "", err
	}
	return wallet.AddressFromPublicKey(pub), nil
}

// Verify checks the signature over the canonical bytes.
func (stx *SignedTransaction) Verify() bool {
	pub, err := stx.PublicKey()
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(stx.Signature)
	if err != nil {
		return false
	}
	return wallet.Verify(pub, stx.Tx.CanonicalBytes(), sig)
}

// Size approximates the encoded size for block and mempool limits.
func (stx *SignedTransaction) Size() int {
	return len(stx.Tx.CanonicalBytes()) + len(stx.Signature) + len(stx.PubKey)
}

var (
	ErrTxTooLarge   = errors.New("transaction too large")
	ErrMemoTooLong  = errors.New("memo too long")
	ErrBadAddress   = errors.New("malformed address")
	ErrFeeOverflow  = errors.New("amount plus fee overflows")
	ErrNilSignedTx  = errors.New("nil transaction")
	ErrTxNoSignData = errors.New("missing signature or public key")
)

// CheckSanity runs the stateless checks. Signature and balance checks live
// in State.ValidateTransaction.
func CheckSanity(stx *SignedTransaction) error {
	if stx == nil {
		return ErrNilSignedTx
	}
	if stx.Signature == "" || stx.PubKey == "" {
		return ErrTxNoSignData
	}
	if size := stx.Size(); size > MaxTxSize {
		return fmt.Errorf("%w: %d > %d", ErrTxTooLarge, size, MaxTxSize)
	}
	if err := wallet.ValidateAddress(stx.Tx.Sender); err != nil {
		return fmt.Errorf("%w: sender: %v", ErrBadAddress, err)
	}
	if err := wallet.ValidateAddress(stx.Tx.Receiver); err != nil {
		return fmt.Errorf("%w: receiver: %v", ErrBadAddress, err)
	}
	if stx.Tx.Memo != nil && len(*stx.Tx.Memo) > params.MemoMaxLen {
		return fmt.Errorf("%w: %d > %d", ErrMemoTooLong, len(*stx.Tx.Memo), params.MemoMaxLen)
	}
	if _, ok := stx.Tx.TotalCost(); !ok {
		return ErrFeeOverflow
	}
	return nil
}
