// Package p2p implements the libp2p networking layer: peer identity, peer
// exchange, gossip, chain sync and the speed-test protocol.
package p2p

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// IdentityEnvVar overrides the identity key path.
const IdentityEnvVar = "NETCHAIN_P2P_KEY"

// IdentityConfig configures identity behavior
type IdentityConfig struct {
	// KeyPath is where a persistent identity lives. Empty means ephemeral
	// unless NETCHAIN_P2P_KEY is set.
	KeyPath string
}

// IdentityManager owns the node's libp2p key.
type IdentityManager struct {
	mu        sync.RWMutex
	key       crypto.PrivKey
	id        peer.ID
	createdAt time.Time
	path      string
}

// NewIdentityManager resolves the node identity.
//
// Resolution order:
//  1. NETCHAIN_P2P_KEY: load or create the key at that path
//  2. cfg.KeyPath (normally <datadir>/p2p.key): load or create
//  3. a fresh ephemeral key
func NewIdentityManager(cfg IdentityConfig) (*IdentityManager, error) {
	path := cfg.KeyPath
	if env := os.Getenv(IdentityEnvVar); env != "" {
		path = env
	}

	im := &IdentityManager{createdAt: time.Now(), path: path}
	if path == "" {
		key, id, err := generateIdentity()
		if err != nil {
			return nil, err
		}
		im.key, im.id = key, id
		return im, nil
	}

	key, id, err := loadIdentity(path)
	if err == nil {
		zap.S().Infof("[p2p] loaded identity %s from %s", shortID(id), path)
		im.key, im.id = key, id
		return im, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load identity from %s: %w", path, err)
	}

	key, id, err = generateIdentity()
	if err != nil {
		return nil, err
	}
	if err := saveIdentity(path, key); err != nil {
		return nil, fmt.Errorf("failed to save identity to %s: %w", path, err)
	}
	zap.S().Infof("[p2p] generated identity %s (saved to %s)", shortID(id), path)
	im.key, im.id = key, id
	return im, nil
}

func loadIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	key, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, "", err
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, "", err
	}
	return key, id, nil
}

func saveIdentity(path string, key crypto.PrivKey) error {
	data, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// generateIdentity creates a new Ed25519 keypair for peer identity
func generateIdentity() (crypto.PrivKey, peer.ID, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	return priv, id, nil
}

// Key returns the private key and peer ID
func (im *IdentityManager) Key() (crypto.PrivKey, peer.ID) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.key, im.id
}

// PeerID returns the peer ID
func (im *IdentityManager) PeerID() peer.ID {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.id
}

// Persistent reports whether the identity survives restarts.
func (im *IdentityManager) Persistent() bool {
	return im.path != ""
}

// Age returns how long the identity has been in use by this process
func (im *IdentityManager) Age() time.Duration {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return time.Since(im.createdAt)
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
