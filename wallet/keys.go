package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// AddressLen is the length of a hex account address (20 bytes).
const AddressLen = 40

// KeyPair is an ed25519 signing key and its public half.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed derives the key pair for a 32-byte ed25519 seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Seed returns a copy of the private seed.
func (kp *KeyPair) Seed() []byte {
	return cloneBytes(kp.Private.Seed())
}

func (kp *KeyPair) Address() string {
	return AddressFromPublicKey(kp.Public)
}

func (kp *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Private, msg)
}

// AddressFromPublicKey returns hex(sha256(pub)[0:20]).
func AddressFromPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:20])
}

var ErrInvalidAddress = errors.New("invalid address")

// ValidateAddress checks for 40 lowercase hex characters.
func ValidateAddress(addr string) error {
	if len(addr) != AddressLen {
		return fmt.Errorf("%w: length %d", ErrInvalidAddress, len(addr))
	}
	for _, c := range addr {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: non-hex character %q", ErrInvalidAddress, c)
		}
	}
	return nil
}

// Verify checks an ed25519 signature, rejecting malformed keys instead of panicking.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
