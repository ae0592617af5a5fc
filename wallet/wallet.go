package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"netchain/protocol/params"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/sha3"
)

// wipeBytes best-effort zeroes a byte slice.
// This is not a guarantee in Go (copies may exist), but it reduces exposure windows.
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// WalletData is the serializable wallet state
type WalletData struct {
	Version   uint32 `json:"version"`
	Seed      []byte `json:"seed"`
	CreatedAt int64  `json:"created_at"`
}

// Wallet holds a single validator/account key in an encrypted file.
type Wallet struct {
	mu sync.RWMutex

	data     WalletData
	keys     *KeyPair
	filename string
	password []byte // kept in memory for re-encryption on save
}

// NewWallet creates a wallet with a fresh key and saves it.
func NewWallet(filename string, password []byte) (*Wallet, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return newWalletFromKeys(filename, password, kp)
}

// ImportWallet creates a wallet from a key produced by ExportKey.
func ImportWallet(filename string, password []byte, exported string) (*Wallet, error) {
	seed, err := ParseExportedKey(exported)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(seed)

	kp, err := KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return newWalletFromKeys(filename, password, kp)
}

func newWalletFromKeys(filename string, password []byte, kp *KeyPair) (*Wallet, error) {
	w := &Wallet{
		filename: filename,
		password: cloneBytes(password),
		keys:     kp,
		data: WalletData{
			Version:   1,
			Seed:      kp.Seed(),
			CreatedAt: unixNow(),
		},
	}
	if err := w.Save(); err != nil {
		return nil, fmt.Errorf("failed to save new wallet: %w", err)
	}
	return w, nil
}

// LoadWallet loads an existing encrypted wallet
func LoadWallet(filename string, password []byte) (*Wallet, error) {
	encrypted, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet file: %w", err)
	}

	plaintext, err := decrypt(encrypted, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt wallet (wrong password?): %w", err)
	}
	defer wipeBytes(plaintext)

	var data WalletData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to parse wallet data: %w", err)
	}
	kp, err := KeyPairFromSeed(data.Seed)
	if err != nil {
		return nil, fmt.Errorf("wallet seed: %w", err)
	}

	return &Wallet{
		data:     data,
		keys:     kp,
		filename: filename,
		password: cloneBytes(password),
	}, nil
}

// LoadOrCreateWallet loads existing wallet or creates new one
func LoadOrCreateWallet(filename string, password []byte) (*Wallet, error) {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return NewWallet(filename, password)
	}
	return LoadWallet(filename, password)
}

// Save encrypts and writes wallet to disk
func (w *Wallet) Save() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	plaintext, err := json.MarshalIndent(w.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal wallet: %w", err)
	}
	defer wipeBytes(plaintext)

	encrypted, err := encrypt(plaintext, w.password)
	if err != nil {
		return fmt.Errorf("failed to encrypt wallet: %w", err)
	}

	if err := os.WriteFile(w.filename, encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write wallet file: %w", err)
	}

	return nil
}

// Address returns the wallet's account address
func (w *Wallet) Address() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.keys.Address()
}

func (w *Wallet) KeyPair() *KeyPair {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.keys
}

func (w *Wallet) PublicKey() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneBytes(w.keys.Public)
}

func (w *Wallet) CreatedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return time.Unix(w.data.CreatedAt, 0)
}

// ExportKey returns base58(seed || checksum4) for backup and import.
func (w *Wallet) ExportKey() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	seed := w.keys.Seed()
	defer wipeBytes(seed)
	sum := exportChecksum(seed)
	combined := make([]byte, 0, len(seed)+4)
	combined = append(combined, seed...)
	combined = append(combined, sum[:4]...)
	return base58.Encode(combined)
}

// ParseExportedKey decodes an ExportKey string back to its seed.
func ParseExportedKey(s string) ([]byte, error) {
	decoded := base58.Decode(s)
	if len(decoded) != 32+4 {
		return nil, errors.New("invalid exported key length")
	}
	seed := decoded[:32]
	checksum := decoded[32:]
	sum := exportChecksum(seed)
	if checksum[0] != sum[0] || checksum[1] != sum[1] || checksum[2] != sum[2] || checksum[3] != sum[3] {
		return nil, errors.New("invalid exported key checksum")
	}
	return cloneBytes(seed), nil
}

func exportChecksum(payload []byte) [32]byte {
	const tag = "netchain_key_export_checksum"
	b := make([]byte, 0, len(tag)+len(params.NetworkID)+len(payload))
	b = append(b, tag...)
	b = append(b, params.NetworkID...)
	b = append(b, payload...)
	return sha3.Sum256(b)
}

// ============================================================================
// Encryption helpers (Argon2id + AES-GCM)
// ============================================================================

type kdfParams struct {
	// Version is a monotonically increasing KDF "profile" version.
	// It is stored in the encrypted file header to support migration-aware decrypt.
	Version uint8

	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
}

const (
	walletEncMagicV1 = "NETCWLT1" // 8 bytes

	walletEncFormatVersionV1 uint8 = 1

	walletEncSaltLen = 16
	walletEncKeyLen  = 32

	// Header = magic(8) + formatVer(1) + kdfVer(1) + time(4) + memKiB(4) + threads(1) + reserved(3)
	walletEncHeaderLenV1 = 8 + 1 + 1 + 4 + 4 + 1 + 3
)

// defaultKDFParams are used for new encryptions. Tests swap in cheaper params.
var defaultKDFParams = kdfParams{
	Version: 1,
	Time:    3,
	Memory:  256 * 1024, // 256 MiB
	Threads: 4,
}

func deriveKeyWithParams(password, salt []byte, p kdfParams) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, walletEncKeyLen)
}

func encrypt(plaintext, password []byte) ([]byte, error) {
	salt := make([]byte, walletEncSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	p := defaultKDFParams
	key := deriveKeyWithParams(password, salt, p)
	defer wipeBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	// magic(8) || formatVer(1) || kdfVer(1) || time(4) || memKiB(4) || threads(1) || reserved(3) ||
	// salt(16) || nonce || ciphertext
	result := make([]byte, walletEncHeaderLenV1+walletEncSaltLen+gcm.NonceSize()+len(ciphertext))
	off := 0
	copy(result[off:off+8], []byte(walletEncMagicV1))
	off += 8
	result[off] = walletEncFormatVersionV1
	off++
	result[off] = p.Version
	off++
	binary.BigEndian.PutUint32(result[off:off+4], p.Time)
	off += 4
	binary.BigEndian.PutUint32(result[off:off+4], p.Memory)
	off += 4
	result[off] = p.Threads
	off++
	// reserved (3 bytes)
	off += 3
	copy(result[off:off+walletEncSaltLen], salt)
	off += walletEncSaltLen
	copy(result[off:off+gcm.NonceSize()], nonce)
	off += gcm.NonceSize()
	copy(result[off:], ciphertext)

	return result, nil
}

func decrypt(data, password []byte) ([]byte, error) {
	if len(data) < walletEncHeaderLenV1+walletEncSaltLen || string(data[:8]) != walletEncMagicV1 {
		return nil, errors.New("not a wallet file")
	}
	formatVer := data[8]
	if formatVer != walletEncFormatVersionV1 {
		return nil, fmt.Errorf("unsupported wallet encryption format version: %d", formatVer)
	}

	p := kdfParams{
		Version: data[9],
		Time:    binary.BigEndian.Uint32(data[10:14]),
		Memory:  binary.BigEndian.Uint32(data[14:18]),
		Threads: data[18],
	}
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return nil, errors.New("invalid kdf parameters in wallet header")
	}

	off := walletEncHeaderLenV1
	salt := data[off : off+walletEncSaltLen]
	off += walletEncSaltLen

	key := deriveKeyWithParams(password, salt, p)
	defer wipeBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < off+nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := data[off : off+nonceSize]
	ciphertext := data[off+nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func unixNow() int64 {
	return time.Now().Unix()
}
