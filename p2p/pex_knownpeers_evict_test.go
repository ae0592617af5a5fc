package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerBook_EvictionOrder(t *testing.T) {
	n := mustNewTestNode(t)
	defer func() { _ = n.Stop() }()
	require.NotNil(t, n.pex)

	// Lowest score goes first, then the oldest sighting, then the lowest ID.
	book := []struct {
		id       string
		score    int
		lastSeen int64
	}{
		{"val-a", 1, 90},
		{"val-c", 1, 90},
		{"val-b", 1, 100},
		{"val-d", 2, 80},
		{"val-e", 3, 70},
	}

	n.pex.mu.Lock()
	for i, e := range book {
		pid := peer.ID(e.id)
		ma := mustMA(t, fmt.Sprintf("/ip4/198.51.100.%d/tcp/30333", i+1))
		n.host.Peerstore().AddAddrs(pid, []multiaddr.Multiaddr{ma}, time.Hour)
		n.pex.knownPeers[pid] = &PeerRecord{
			ID:       pid.String(),
			Addrs:    []string{ma.String()},
			LastSeen: e.lastSeen,
			Score:    e.score,
		}
	}
	n.pex.evictKnownPeersLocked(3)
	kept := make([]string, 0, len(n.pex.knownPeers))
	for pid := range n.pex.knownPeers {
		kept = append(kept, string(pid))
	}
	n.pex.mu.Unlock()

	assert.ElementsMatch(t, []string{"val-b", "val-d", "val-e"}, kept)

	ps := n.host.Peerstore()
	assert.Empty(t, ps.Addrs(peer.ID("val-a")), "evicted peers lose their peerstore addrs")
	assert.Empty(t, ps.Addrs(peer.ID("val-c")))
	assert.NotEmpty(t, ps.Addrs(peer.ID("val-b")))
}

func TestPeerBook_EvictZeroCapKeepsOne(t *testing.T) {
	pex := newOfflineNode().pex
	pex.mu.Lock()
	defer pex.mu.Unlock()
	for i := 0; i < 4; i++ {
		pid := peer.ID(fmt.Sprintf("p%d", i))
		pex.knownPeers[pid] = &PeerRecord{ID: pid.String(), Score: i}
	}
	pex.evictKnownPeersLocked(0)
	require.Len(t, pex.knownPeers, 1)
	_, ok := pex.knownPeers[peer.ID("p3")]
	assert.True(t, ok, "the best scored peer survives")
}
