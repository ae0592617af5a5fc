package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanDuration_Escalates(t *testing.T) {
	assert.Equal(t, BanDurationShort, banDuration(BanDurationShort, 1))
	assert.Equal(t, 2*BanDurationShort, banDuration(BanDurationShort, 2))
	assert.Equal(t, BanDurationLong, banDuration(BanDurationShort, 3))
	assert.Equal(t, BanDurationLong, banDuration(BanDurationMedium, 7))
}

func TestBanPeer_BecomesPermanentAfterRepeatedBans(t *testing.T) {
	pex := newOfflineNode().pex
	pid := peer.ID("repeat-offender")

	for i := 1; i < MaxBansBeforePermanent; i++ {
		pex.BanPeer(pid, "test", BanDurationShort)
		bans := pex.GetBannedPeers()
		require.Len(t, bans, 1)
		assert.Equal(t, i, bans[0].BanCount)
		assert.False(t, bans[0].Permanent, "ban %d should be temporary", i)
	}

	pex.BanPeer(pid, "test", BanDurationShort)
	bans := pex.GetBannedPeers()
	require.Len(t, bans, 1)
	assert.True(t, bans[0].Permanent)
	assert.True(t, pex.IsBanned(pid))
}

func TestBanPeer_SeedsAreExempt(t *testing.T) {
	pex := newOfflineNode().pex
	seedID := peer.ID("seed-peer")
	pex.seedNodes = []peer.AddrInfo{{ID: seedID}}

	pex.BanPeer(seedID, "test", BanDurationLong)
	assert.False(t, pex.IsBanned(seedID))
}

func TestPenalizePeer_BansAtZeroScore(t *testing.T) {
	n := newOfflineNode()
	pid := peer.ID("bad-peer")

	n.PenalizePeer(pid, ScorePenaltyMisbehave, "first")
	assert.Equal(t, ScoreInitial+ScorePenaltyMisbehave, n.pex.GetPeerScore(pid))
	assert.False(t, n.IsBanned(pid))

	n.PenalizePeer(pid, ScorePenaltyMisbehave, "second")
	assert.True(t, n.IsBanned(pid))
	assert.Equal(t, -1, n.pex.GetPeerScore(pid), "banned peers leave the peer book")
}

func TestRewardPeer_CapsAtMax(t *testing.T) {
	pex := newOfflineNode().pex
	pid := peer.ID("good-peer")
	pex.PenalizePeer(pid, 0, "create record")

	for i := 0; i < 2*ScoreMax; i++ {
		pex.RewardPeer(pid)
	}
	assert.Equal(t, ScoreMax, pex.GetPeerScore(pid))
}

func TestCleanup_DropsStalePeersAndExpiredBans(t *testing.T) {
	pex := newOfflineNode().pex
	now := time.Now()

	pex.knownPeers[peer.ID("stale")] = &PeerRecord{ID: "stale", LastSeen: now.Add(-48 * time.Hour).Unix(), Score: ScoreInitial}
	pex.knownPeers[peer.ID("fresh")] = &PeerRecord{ID: "fresh", LastSeen: now.Unix(), Score: ScoreInitial}
	pex.bannedPeers[peer.ID("expired")] = &BanRecord{PeerID: "expired", BannedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute), BanCount: 1}
	pex.bannedPeers[peer.ID("active")] = &BanRecord{PeerID: "active", BannedAt: now, ExpiresAt: now.Add(time.Hour), BanCount: 1}

	pex.cleanup(now)

	assert.Equal(t, 1, pex.KnownPeerCount())
	assert.Equal(t, 1, pex.BannedPeerCount())
	assert.True(t, pex.IsBanned(peer.ID("active")))
	assert.False(t, pex.IsBanned(peer.ID("expired")))
}

func permanentBan(pid peer.ID, at time.Time) *BanRecord {
	return &BanRecord{
		PeerID:    pid,
		Reason:    "test",
		BannedAt:  at,
		ExpiresAt: at.Add(24 * time.Hour),
		BanCount:  MaxBansBeforePermanent,
		Permanent: true,
	}
}

func TestBanRetention_CapsPermanentBans(t *testing.T) {
	pex := newOfflineNode().pex
	now := time.Unix(1_700_000_000, 0)

	// Distinct BannedAt values keep eviction order deterministic.
	for i := 0; i < MaxPermanentBans+10; i++ {
		pid := peer.ID(fmt.Sprintf("peer-%d", i))
		pex.bannedPeers[pid] = permanentBan(pid, now.Add(time.Duration(i)*time.Second))
	}

	pex.enforceBanRetentionLocked(now)

	assert.Len(t, pex.bannedPeers, MaxPermanentBans)
	for i := 0; i < 10; i++ {
		assert.NotContains(t, pex.bannedPeers, peer.ID(fmt.Sprintf("peer-%d", i)), "oldest bans go first")
	}
}

func TestBanRetention_AgesOutPermanentBans(t *testing.T) {
	pex := newOfflineNode().pex
	now := time.Unix(1_700_000_000, 0)

	stale, fresh := peer.ID("stale-peer"), peer.ID("fresh-peer")
	pex.bannedPeers[stale] = permanentBan(stale, now.Add(-PermanentBanRetention-time.Hour))
	pex.bannedPeers[fresh] = permanentBan(fresh, now)

	pex.enforceBanRetentionLocked(now)

	assert.NotContains(t, pex.bannedPeers, stale)
	assert.Contains(t, pex.bannedPeers, fresh)
}
