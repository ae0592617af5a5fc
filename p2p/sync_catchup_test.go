package p2p

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSyncFrom_DownloadsRangeAndRewardsOnlyAccepted(t *testing.T) {
	a := mustNewTestNode(t)
	defer func() { _ = a.Stop() }()
	b := mustNewTestNode(t)
	defer func() { _ = b.Stop() }()
	mustConnectNodes(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const remoteHeight uint64 = 3
	blockAt := func(h uint64) []byte { return []byte{byte(h), 0xAB, 0xCD} }

	smB := NewSyncManager(b, SyncConfig{
		GetStatus: func() ChainStatus { return testStatus(remoteHeight, 30) },
		GetBlocksByHeight: func(start uint64, max int) ([][]byte, error) {
			var out [][]byte
			for h := start; h <= remoteHeight && len(out) < max; h++ {
				out = append(out, blockAt(h))
			}
			return out, nil
		},
	})
	smB.ctx, smB.cancel = context.WithCancel(ctx)
	b.host.SetStreamHandler(ProtocolSync, smB.HandleStream)

	invalidErr := errors.New("invalid block")
	mode := "accept"
	var received [][]byte

	smA := NewSyncManager(a, SyncConfig{
		GetStatus: func() ChainStatus { return testStatus(0, 0) },
		ProcessBlock: func(data []byte) (bool, error) {
			switch mode {
			case "invalid":
				return false, invalidErr
			case "duplicate":
				return false, nil
			}
			received = append(received, data)
			return true, nil
		},
		IsOrphanError: func(error) bool { return false },
	})
	smA.ctx, smA.cancel = context.WithCancel(ctx)

	peers := []PeerStatus{{Peer: b.PeerID(), Status: testStatus(remoteHeight, 30)}}
	// Seed a score record so rewards are observable.
	a.pex.PenalizePeer(b.PeerID(), 0, "seed record")

	t.Run("accepted blocks are rewarded", func(t *testing.T) {
		before := a.pex.GetPeerScore(b.PeerID())
		smA.syncFrom(peers, remoteHeight)

		if len(received) != int(remoteHeight) {
			t.Fatalf("expected %d blocks, got %d", remoteHeight, len(received))
		}
		for i, data := range received {
			if data[0] != byte(i+1) {
				t.Fatalf("block %d out of order: %v", i, data)
			}
		}
		if got := a.pex.GetPeerScore(b.PeerID()); got != before+int(remoteHeight)*ScoreRewardGood {
			t.Fatalf("expected reward per accepted block: before=%d after=%d", before, got)
		}
		if smA.IsSyncing() {
			t.Fatal("syncing flag should be cleared")
		}
	})

	t.Run("duplicates are not rewarded", func(t *testing.T) {
		mode = "duplicate"
		before := a.pex.GetPeerScore(b.PeerID())
		smA.syncFrom(peers, remoteHeight)
		if got := a.pex.GetPeerScore(b.PeerID()); got != before {
			t.Fatalf("expected no reward for duplicates: before=%d after=%d", before, got)
		}
	})

	t.Run("invalid blocks are penalized", func(t *testing.T) {
		mode = "invalid"
		before := a.pex.GetPeerScore(b.PeerID())
		smA.syncFrom(peers, remoteHeight)

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if a.pex.GetPeerScore(b.PeerID()) == before+ScorePenaltyMisbehave {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("expected invalid block peer to be penalized (score=%d)", a.pex.GetPeerScore(b.PeerID()))
	})
}

func TestHandleGetBlocksByHeight_ClampsToTip(t *testing.T) {
	a := mustNewTestNode(t)
	defer func() { _ = a.Stop() }()
	b := mustNewTestNode(t)
	defer func() { _ = b.Stop() }()
	mustConnectNodes(t, a, b)

	var askedMax int
	smB := NewSyncManager(b, SyncConfig{
		GetStatus: func() ChainStatus { return testStatus(5, 50) },
		GetBlocksByHeight: func(start uint64, max int) ([][]byte, error) {
			askedMax = max
			out := make([][]byte, 0, max)
			for i := 0; i < max; i++ {
				out = append(out, []byte{byte(start) + byte(i)})
			}
			return out, nil
		},
	})
	b.host.SetStreamHandler(ProtocolSync, smB.HandleStream)

	smA := NewSyncManager(a, SyncConfig{GetStatus: func() ChainStatus { return testStatus(0, 0) }})
	smA.ctx = context.Background()

	blocks, err := smA.fetchBlocksByHeight(b.PeerID(), 4, MaxBlocksPerRequest)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if askedMax != 2 || len(blocks) != 2 {
		t.Fatalf("expected heights 4..5 only, asked=%d got=%d", askedMax, len(blocks))
	}

	blocks, err = smA.fetchBlocksByHeight(b.PeerID(), 9, 10)
	if err != nil {
		t.Fatalf("fetch past tip failed: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected no blocks past tip, got %d", len(blocks))
	}
}
