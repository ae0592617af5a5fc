package p2p

import (
	"context"
	"errors"
	"testing"

	"netchain/protocol/params"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestHandleNewBlock_PenalizesInvalidAnnouncement(t *testing.T) {
	n := newOfflineNode()
	sm := NewSyncManager(n, SyncConfig{
		ProcessBlock: func(data []byte) (bool, error) {
			return false, errors.New("invalid block")
		},
		IsOrphanError: func(error) bool { return false },
	})

	pid := peer.ID("12D3KooWInvalidAnnouncePeer")
	sm.handleNewBlock(pid, []byte("bad-block"))

	if got := n.pex.GetPeerScore(pid); got != ScoreInitial+ScorePenaltyMisbehave {
		t.Fatalf("expected invalid announcement to be penalized, score=%d", got)
	}
}

func TestHandleNewBlock_DoesNotPenalizeOrphanOrDuplicate(t *testing.T) {
	t.Run("orphan", func(t *testing.T) {
		n := newOfflineNode()
		orph := errors.New("orphan")
		sm := NewSyncManager(n, SyncConfig{
			ProcessBlock:  func(data []byte) (bool, error) { return false, orph },
			IsOrphanError: func(err error) bool { return errors.Is(err, orph) },
		})
		pid := peer.ID("12D3KooWOrphanPeer000001")
		sm.handleNewBlock(pid, []byte("orphan"))
		if got := n.pex.GetPeerScore(pid); got != -1 {
			t.Fatalf("orphan announcement should not be penalized, score=%d", got)
		}
		select {
		case <-sm.statusSyncCh:
		default:
			t.Fatal("orphan announcement should schedule a sync check")
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		n := newOfflineNode()
		accepted := 0
		sm := NewSyncManager(n, SyncConfig{
			ProcessBlock:    func(data []byte) (bool, error) { return false, nil },
			OnBlockAccepted: func([]byte) { accepted++ },
		})
		pid := peer.ID("12D3KooWDuplicatePeer0001")
		sm.handleNewBlock(pid, []byte("dup"))
		if got := n.pex.GetPeerScore(pid); got != -1 {
			t.Fatalf("duplicate announcement should not be penalized, score=%d", got)
		}
		if accepted != 0 {
			t.Fatalf("duplicate should not be reported as accepted")
		}
	})
}

func TestFetchBlockByHashFromAnyPeer_PenalizesUndecodableAndMismatched(t *testing.T) {
	targetHash := [32]byte{0xAA}
	pid := peer.ID("12D3KooWFetchPenaltyPeer01")
	peers := []PeerStatus{{Peer: pid}}

	t.Run("empty response", func(t *testing.T) {
		n := newOfflineNode()
		sm := NewSyncManager(n, SyncConfig{
			FetchBlocksByHash: func(context.Context, peer.ID, [][32]byte) ([][]byte, error) {
				return [][]byte{}, nil
			},
			GetBlockHash: func(data []byte) ([32]byte, error) { return [32]byte{}, nil },
		})

		_, _, err := sm.fetchBlockByHashFromAnyPeer(context.Background(), peers, targetHash, nil)
		if err == nil {
			t.Fatal("expected error from empty block response")
		}
		if got := n.pex.GetPeerScore(pid); got != -1 {
			t.Fatalf("a peer missing the block is not misbehaving, score=%d", got)
		}
	})

	t.Run("undecodable response", func(t *testing.T) {
		n := newOfflineNode()
		sm := NewSyncManager(n, SyncConfig{
			FetchBlocksByHash: func(context.Context, peer.ID, [][32]byte) ([][]byte, error) {
				return [][]byte{[]byte("not-a-block")}, nil
			},
			GetBlockHash: func(data []byte) ([32]byte, error) {
				return [32]byte{}, errors.New("decode failed")
			},
		})

		_, _, err := sm.fetchBlockByHashFromAnyPeer(context.Background(), peers, targetHash, nil)
		if err == nil {
			t.Fatal("expected error from undecodable block response")
		}
		if got := n.pex.GetPeerScore(pid); got != ScoreInitial+ScorePenaltyMisbehave {
			t.Fatalf("expected undecodable response peer penalty, score=%d", got)
		}
	})

	t.Run("mismatched hash response", func(t *testing.T) {
		n := newOfflineNode()
		sm := NewSyncManager(n, SyncConfig{
			FetchBlocksByHash: func(context.Context, peer.ID, [][32]byte) ([][]byte, error) {
				return [][]byte{[]byte("fake-block")}, nil
			},
			GetBlockHash: func(data []byte) ([32]byte, error) {
				return [32]byte{0xBB}, nil
			},
		})

		_, _, err := sm.fetchBlockByHashFromAnyPeer(context.Background(), peers, targetHash, nil)
		if err == nil {
			t.Fatal("expected error from mismatched hash response")
		}
		if got := n.pex.GetPeerScore(pid); got != ScoreInitial+ScorePenaltyMisbehave {
			t.Fatalf("expected mismatched-hash response peer penalty, score=%d", got)
		}
	})

	t.Run("excluded peers are not asked", func(t *testing.T) {
		sm := NewSyncManager(newOfflineNode(), SyncConfig{
			FetchBlocksByHash: func(context.Context, peer.ID, [][32]byte) ([][]byte, error) {
				t.Error("excluded peer was asked")
				return nil, nil
			},
			GetBlockHash: func(data []byte) ([32]byte, error) { return targetHash, nil },
		})
		_, _, err := sm.fetchBlockByHashFromAnyPeer(context.Background(), peers, targetHash, map[peer.ID]bool{pid: true})
		if err == nil {
			t.Fatal("expected error with every peer excluded")
		}
	})
}

func TestCheckStatus_RejectsForeignNetworkAndGenesis(t *testing.T) {
	genesis := [32]byte{0x01}
	ours := ChainStatus{GenesisHash: genesis, NetworkID: params.NetworkID, ChainID: params.ChainID}
	sm := NewSyncManager(newOfflineNode(), SyncConfig{GetStatus: func() ChainStatus { return ours }})

	if err := sm.checkStatus(ours); err != nil {
		t.Fatalf("own status rejected: %v", err)
	}

	other := ours
	other.NetworkID = "othernet"
	if err := sm.checkStatus(other); err == nil {
		t.Fatal("expected network mismatch")
	}

	other = ours
	other.ChainID++
	if err := sm.checkStatus(other); err == nil {
		t.Fatal("expected chain id mismatch")
	}

	other = ours
	other.GenesisHash = [32]byte{0x02}
	if err := sm.checkStatus(other); err == nil {
		t.Fatal("expected genesis mismatch")
	}
}

func TestHandleStatus_PenalizesForeignGenesis(t *testing.T) {
	n := newOfflineNode()
	ours := ChainStatus{GenesisHash: [32]byte{0x01}, NetworkID: params.NetworkID, ChainID: params.ChainID}
	sm := NewSyncManager(n, SyncConfig{GetStatus: func() ChainStatus { return ours }})

	foreign := ours
	foreign.GenesisHash = [32]byte{0x09}
	data := mustMarshalJSON(t, foreign)

	pid := peer.ID("foreign-genesis")
	sm.handleStatus(nil, pid, data)
	if got := n.pex.GetPeerScore(pid); got != ScoreInitial+ScorePenaltyInvalid {
		t.Fatalf("expected foreign genesis penalty, score=%d", got)
	}
}

func TestSelectSyncPeers_PicksHeaviestWork(t *testing.T) {
	statuses := []PeerStatus{
		{Peer: "a", Status: ChainStatus{Height: 10, TotalWork: 50}},
		{Peer: "b", Status: ChainStatus{Height: 12, TotalWork: 70}},
		{Peer: "c", Status: ChainStatus{Height: 14, TotalWork: 70}},
		{Peer: "d", Status: ChainStatus{Height: 20, TotalWork: 60}},
	}

	best, target := selectSyncPeers(statuses, 55)
	if len(best) != 2 || best[0].Peer != "b" || best[1].Peer != "c" {
		t.Fatalf("expected peers b and c, got %+v", best)
	}
	if target != 14 {
		t.Fatalf("expected target 14, got %d", target)
	}

	if best, _ := selectSyncPeers(statuses, 70); best != nil {
		t.Fatalf("equal work must not trigger sync, got %+v", best)
	}
}
