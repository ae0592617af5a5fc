package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func mustNewTestNode(t *testing.T) *Node {
	t.Helper()

	cfg := DefaultNodeConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.SeedNodes = nil
	cfg.DisableNAT = true
	cfg.AllowPrivateAddrs = true

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("failed to create test node: %v", err)
	}
	return n
}

func mustConnectNodes(t *testing.T, from, to *Node) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := from.Connect(ctx, peer.AddrInfo{ID: to.PeerID(), Addrs: to.Addrs()}); err != nil {
		t.Fatalf("failed to connect nodes: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if from.host.Network().Connectedness(to.PeerID()) == network.Connected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("nodes did not reach connected state in time")
}

// newOfflineNode is a node without a host, enough for peer-book tests.
func newOfflineNode() *Node {
	n := &Node{seen: NewSeenFilter(0, 0)}
	n.pex = NewPeerExchange(n, nil, false)
	return n
}

func mustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
