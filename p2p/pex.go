package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// PEX message types
const (
	PEXMsgGetPeers byte = 0x01
	PEXMsgPeers    byte = 0x02
)

const (
	// MaxPeersPerExchange bounds peer records sent or accepted per exchange.
	MaxPeersPerExchange = 32
	// MaxPeerAddrsPerRecord bounds multiaddrs accepted per peer record.
	MaxPeerAddrsPerRecord = 16
	// MaxKnownPeers bounds the peer book.
	MaxKnownPeers = 2048
)

// Peer scoring and ban policy
const (
	ScoreInitial          = 50
	ScoreMax              = 100
	ScoreThresholdBan     = 0
	ScorePenaltyInvalid   = -10
	ScorePenaltyTimeout   = -5
	ScorePenaltyMisbehave = -25
	ScoreRewardGood       = 1

	BanDurationShort       = 15 * time.Minute
	BanDurationMedium      = 2 * time.Hour
	BanDurationLong        = 24 * time.Hour
	MaxBansBeforePermanent = 5

	// MaxPermanentBans caps permanent bans; the oldest are evicted first.
	MaxPermanentBans = 4096
	// PermanentBanRetention ages out permanent bans in long-lived processes.
	PermanentBanRetention = 180 * 24 * time.Hour
)

// PeerRecord is a peer book entry, also the PEX wire format.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Score    int      `json:"score"`
}

// BanRecord tracks a banned peer
type BanRecord struct {
	PeerID    peer.ID   `json:"peer_id"`
	Reason    string    `json:"reason"`
	BannedAt  time.Time `json:"banned_at"`
	ExpiresAt time.Time `json:"expires_at"`
	BanCount  int       `json:"ban_count"`
	Permanent bool      `json:"permanent"`
}

// banDuration escalates base for repeat offenders.
func banDuration(base time.Duration, count int) time.Duration {
	switch {
	case count >= 3:
		return BanDurationLong
	case count == 2:
		return 2 * base
	default:
		return base
	}
}

// PeerExchange keeps the peer book, exchanges it with connected peers and
// enforces scores and bans. There is no DHT; discovery is seeds plus PEX.
type PeerExchange struct {
	mu sync.RWMutex

	node         *Node
	seedNodes    []peer.AddrInfo
	allowPrivate bool

	knownPeers   map[peer.ID]*PeerRecord
	bannedPeers  map[peer.ID]*BanRecord
	lastExchange map[peer.ID]time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// ParseSeeds converts /p2p/ multiaddr strings into AddrInfos, skipping
// malformed entries.
func ParseSeeds(addrs []string) []peer.AddrInfo {
	seeds := make([]peer.AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			zap.S().Warnf("[pex] ignoring seed %q: %v", addr, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			zap.S().Warnf("[pex] ignoring seed %q: %v", addr, err)
			continue
		}
		seeds = append(seeds, *pi)
	}
	return seeds
}

// NewPeerExchange creates a new peer exchange manager
func NewPeerExchange(node *Node, seedAddrs []string, allowPrivate bool) *PeerExchange {
	return &PeerExchange{
		node:         node,
		seedNodes:    ParseSeeds(seedAddrs),
		allowPrivate: allowPrivate,
		knownPeers:   make(map[peer.ID]*PeerRecord),
		bannedPeers:  make(map[peer.ID]*BanRecord),
		lastExchange: make(map[peer.ID]time.Time),
	}
}

// Start connects to seeds and starts the exchange, cleanup and reconnect loops.
func (pex *PeerExchange) Start(ctx context.Context) error {
	pex.ctx, pex.cancel = context.WithCancel(ctx)

	if err := pex.connectToSeeds(); err != nil {
		// Not fatal: the reconnect loop keeps trying.
		zap.S().Warnf("[pex] %v", err)
	}

	go pex.exchangeLoop()
	go pex.cleanupLoop()
	go pex.reconnectLoop()
	return nil
}

// Stop halts peer exchange
func (pex *PeerExchange) Stop() {
	if pex.cancel != nil {
		pex.cancel()
	}
}

func (pex *PeerExchange) connectToSeeds() error {
	if len(pex.seedNodes) == 0 {
		return nil
	}

	ourID := pex.node.PeerID()
	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		connected, skipped := 0, 0
		for _, seed := range pex.seedNodes {
			if seed.ID == ourID {
				skipped++
				continue
			}
			ctx, cancel := context.WithTimeout(pex.ctx, 10*time.Second)
			err := pex.node.host.Connect(ctx, seed)
			cancel()
			if err != nil {
				continue
			}
			connected++
			pex.addKnownPeer(seed.ID, seed.Addrs)
		}
		if connected > 0 || skipped == len(pex.seedNodes) {
			if attempt > 1 {
				zap.S().Infof("[pex] connected to %d seed node(s) on attempt %d", connected, attempt)
			}
			return nil
		}
		if attempt < maxRetries {
			select {
			case <-time.After(2 * time.Second):
			case <-pex.ctx.Done():
				return pex.ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to connect to any seed nodes after %d attempts", maxRetries)
}

func (pex *PeerExchange) exchangeLoop() {
	select {
	case <-time.After(5 * time.Second):
	case <-pex.ctx.Done():
		return
	}
	pex.doExchange()

	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-pex.ctx.Done():
			return
		case <-ticker.C:
			pex.doExchange()
		}
	}
}

// doExchange asks up to three random connected peers for their peer book.
func (pex *PeerExchange) doExchange() {
	peers := pex.node.Peers()
	if len(peers) == 0 {
		if err := pex.connectToSeeds(); err != nil {
			zap.S().Debugf("[pex] seed reconnect failed: %v", err)
		}
		return
	}

	for i := len(peers) - 1; i > 0; i-- {
		jBig, _ := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		j := int(jBig.Int64())
		peers[i], peers[j] = peers[j], peers[i]
	}
	for _, p := range peers[:min(3, len(peers))] {
		if err := pex.exchangeWith(p); err != nil {
			zap.S().Debugf("[pex] exchange with %s failed: %v", shortID(p), err)
		}
	}
}

func (pex *PeerExchange) exchangeWith(p peer.ID) error {
	ctx, cancel := context.WithTimeout(pex.ctx, 30*time.Second)
	defer cancel()

	s, err := pex.node.host.NewStream(ctx, p, ProtocolPEX)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil && !isExpectedStreamCloseError(err) {
			zap.S().Debugf("[pex] failed to close stream with %s: %v", shortID(p), err)
		}
	}()
	_ = s.SetDeadline(time.Now().Add(30 * time.Second))

	if err := writeMessage(s, PEXMsgGetPeers, nil); err != nil {
		return err
	}
	msgType, data, err := readMessageWithLimit(s, pexMessageMaxSize)
	if err != nil {
		return err
	}
	if msgType != PEXMsgPeers {
		return fmt.Errorf("unexpected message type: %d", msgType)
	}

	records, err := decodePeerRecords(data)
	if err != nil {
		pex.PenalizePeer(p, ScorePenaltyInvalid, "malformed pex response")
		return err
	}

	self := pex.node.PeerID()
	for _, rec := range records {
		pid, err := peer.Decode(rec.ID)
		if err != nil || pid == self {
			continue
		}
		addrs := pex.filterAddrs(parseAddrs(rec.Addrs))
		if len(addrs) == 0 {
			continue
		}
		pex.addKnownPeer(pid, addrs)
		if len(pex.node.Peers()) < pex.node.config.MaxOutbound {
			go pex.tryConnect(pid, addrs)
		}
	}

	pex.mu.Lock()
	pex.lastExchange[p] = time.Now()
	pex.mu.Unlock()
	return nil
}

// decodePeerRecords decodes a PEX response within the record and address caps.
func decodePeerRecords(data []byte) ([]PeerRecord, error) {
	if err := ensureJSONArrayMaxItems(data, MaxPeersPerExchange); err != nil {
		return nil, err
	}
	var records []PeerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, rec := range records {
		if len(rec.Addrs) > MaxPeerAddrsPerRecord {
			return nil, fmt.Errorf("peer record has %d addrs (max %d)", len(rec.Addrs), MaxPeerAddrsPerRecord)
		}
	}
	return records, nil
}

func parseAddrs(strs []string) []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(strs))
	for _, s := range strs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		out = append(out, ma)
	}
	return out
}

func (pex *PeerExchange) tryConnect(pid peer.ID, addrs []multiaddr.Multiaddr) {
	if pex.node.host.Network().Connectedness(pid) == network.Connected {
		return
	}
	ctx, cancel := context.WithTimeout(pex.ctx, 30*time.Second)
	defer cancel()
	if err := pex.node.host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs}); err == nil {
		pex.updatePeerScore(pid, ScoreRewardGood)
	}
}

// HandleStream answers PEX requests.
func (pex *PeerExchange) HandleStream(s network.Stream) {
	defer func() {
		if err := s.Close(); err != nil && !isExpectedStreamCloseError(err) {
			zap.S().Debugf("[pex] failed to close inbound stream: %v", err)
		}
	}()
	_ = s.SetDeadline(time.Now().Add(30 * time.Second))

	msgType, _, err := readMessageWithLimit(s, pexMessageMaxSize)
	if err != nil || msgType != PEXMsgGetPeers {
		return
	}
	data, err := json.Marshal(pex.getPeerRecords(MaxPeersPerExchange))
	if err != nil {
		return
	}
	if err := writeMessage(s, PEXMsgPeers, data); err != nil {
		zap.S().Debugf("[pex] failed to write peers response: %v", err)
	}
}

func pexMessageMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case PEXMsgGetPeers, PEXMsgPeers:
		return MaxPEXMessageSize, nil
	default:
		return 0, fmt.Errorf("unknown pex message type: %d", msgType)
	}
}

// getPeerRecords returns connected peers first, then the best known peers.
func (pex *PeerExchange) getPeerRecords(max int) []PeerRecord {
	records := make([]PeerRecord, 0, max)
	added := make(map[string]bool)
	now := time.Now().Unix()

	for _, p := range pex.node.Peers() {
		if len(records) >= max {
			return records
		}
		addrs := pex.filterAddrs(pex.node.host.Peerstore().Addrs(p))
		if len(addrs) == 0 {
			continue
		}
		records = append(records, PeerRecord{ID: p.String(), Addrs: addrStrings(addrs), LastSeen: now, Score: ScoreInitial})
		added[p.String()] = true
	}

	pex.mu.RLock()
	known := make([]PeerRecord, 0, len(pex.knownPeers))
	for _, rec := range pex.knownPeers {
		if !added[rec.ID] && len(rec.Addrs) > 0 {
			known = append(known, *rec)
		}
	}
	pex.mu.RUnlock()

	sort.Slice(known, func(i, j int) bool {
		if known[i].Score != known[j].Score {
			return known[i].Score > known[j].Score
		}
		return known[i].LastSeen > known[j].LastSeen
	})
	for _, rec := range known {
		if len(records) >= max {
			break
		}
		records = append(records, rec)
	}
	return records
}

func addrStrings(addrs []multiaddr.Multiaddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func (pex *PeerExchange) filterAddrs(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if isDialableAddr(a, pex.allowPrivate) {
			out = append(out, a)
		}
	}
	return out
}

// isDialableAddr accepts direct IP multiaddrs. Unless allowPrivate is set
// (local devnets), only globally routable addresses pass.
func isDialableAddr(a multiaddr.Multiaddr, allowPrivate bool) bool {
	if a == nil {
		return false
	}
	var ipStr string
	if v, err := a.ValueForProtocol(multiaddr.P_IP4); err == nil && v != "" {
		ipStr = v
	} else if v, err := a.ValueForProtocol(multiaddr.P_IP6); err == nil && v != "" {
		ipStr = v
	} else {
		return false
	}
	ip, err := netip.ParseAddr(ipStr)
	if err != nil || !ip.IsValid() || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if allowPrivate {
		return true
	}
	return isRoutableIP(ip)
}

func isRoutableIP(a netip.Addr) bool {
	if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || !a.IsGlobalUnicast() {
		return false
	}
	for _, p := range nonRoutablePrefixes {
		if p.Contains(a) {
			return false
		}
	}
	return true
}

var nonRoutablePrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),   // CGNAT
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("192.0.2.0/24"),    // documentation
	netip.MustParsePrefix("198.51.100.0/24"), // documentation
	netip.MustParsePrefix("203.0.113.0/24"),  // documentation
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved
	netip.MustParsePrefix("2001:db8::/32"),   // documentation
}

// addKnownPeer adds or refreshes a peer book entry.
func (pex *PeerExchange) addKnownPeer(pid peer.ID, addrs []multiaddr.Multiaddr) {
	addrs = pex.filterAddrs(addrs)
	if len(addrs) == 0 {
		return
	}

	pex.mu.Lock()
	defer pex.mu.Unlock()

	if _, banned := pex.bannedPeers[pid]; banned {
		return
	}
	now := time.Now().Unix()
	if rec, ok := pex.knownPeers[pid]; ok {
		rec.Addrs = addrStrings(addrs)
		rec.LastSeen = now
	} else {
		pex.knownPeers[pid] = &PeerRecord{ID: pid.String(), Addrs: addrStrings(addrs), LastSeen: now, Score: ScoreInitial}
	}
	if pex.node != nil && pex.node.host != nil {
		pex.node.host.Peerstore().AddAddrs(pid, addrs, time.Hour)
	}
	pex.evictKnownPeersLocked(MaxKnownPeers)
}

// evictKnownPeersLocked trims the peer book to max, preferring disconnected
// peers, then lowest score, then oldest, then lowest ID.
func (pex *PeerExchange) evictKnownPeersLocked(max int) {
	if max <= 0 {
		max = 1
	}
	if len(pex.knownPeers) <= max {
		return
	}

	type candidate struct {
		pid       peer.ID
		rec       *PeerRecord
		connected bool
	}
	cands := make([]candidate, 0, len(pex.knownPeers))
	for pid, rec := range pex.knownPeers {
		connected := pex.node != nil && pex.node.host != nil &&
			pex.node.host.Network().Connectedness(pid) == network.Connected
		cands = append(cands, candidate{pid, rec, connected})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.connected != b.connected {
			return !a.connected
		}
		if a.rec.Score != b.rec.Score {
			return a.rec.Score < b.rec.Score
		}
		if a.rec.LastSeen != b.rec.LastSeen {
			return a.rec.LastSeen < b.rec.LastSeen
		}
		return a.pid.String() < b.pid.String()
	})

	for _, c := range cands[:len(cands)-max] {
		delete(pex.knownPeers, c.pid)
		if pex.node != nil && pex.node.host != nil {
			pex.node.host.Peerstore().ClearAddrs(c.pid)
		}
	}
}

func (pex *PeerExchange) updatePeerScore(pid peer.ID, delta int) {
	pex.mu.Lock()
	defer pex.mu.Unlock()

	rec, ok := pex.knownPeers[pid]
	if !ok {
		return
	}
	rec.Score = min(max(rec.Score+delta, 0), ScoreMax)
	if rec.Score <= ScoreThresholdBan {
		pex.banPeerLocked(pid, "score exhausted", BanDurationMedium)
	}
}

// IsBanned checks if a peer is currently banned
func (pex *PeerExchange) IsBanned(pid peer.ID) bool {
	pex.mu.RLock()
	defer pex.mu.RUnlock()

	ban, ok := pex.bannedPeers[pid]
	if !ok {
		return false
	}
	return ban.Permanent || time.Now().Before(ban.ExpiresAt)
}

// BanPeer bans a peer for at least duration; repeat offenders get longer
// bans and the fifth ban is permanent.
func (pex *PeerExchange) BanPeer(pid peer.ID, reason string, duration time.Duration) {
	pex.mu.Lock()
	defer pex.mu.Unlock()
	pex.banPeerLocked(pid, reason, duration)
}

func (pex *PeerExchange) banPeerLocked(pid peer.ID, reason string, duration time.Duration) {
	for _, seed := range pex.seedNodes {
		if seed.ID == pid {
			return
		}
	}
	now := time.Now()

	count := 1
	if existing, ok := pex.bannedPeers[pid]; ok {
		count = existing.BanCount + 1
	}
	rec := &BanRecord{
		PeerID:    pid,
		Reason:    reason,
		BannedAt:  now,
		ExpiresAt: now.Add(banDuration(duration, count)),
		BanCount:  count,
		Permanent: count >= MaxBansBeforePermanent,
	}
	pex.bannedPeers[pid] = rec
	delete(pex.knownPeers, pid)
	pex.enforceBanRetentionLocked(now)

	zap.S().Infof("[pex] banned %s (%s, count %d, permanent %v)", shortID(pid), reason, count, rec.Permanent)

	if pex.node != nil && pex.node.host != nil {
		if err := pex.node.host.Network().ClosePeer(pid); err != nil {
			zap.S().Debugf("[pex] failed to disconnect banned peer %s: %v", shortID(pid), err)
		}
	}
}

// enforceBanRetentionLocked ages out and caps permanent bans.
func (pex *PeerExchange) enforceBanRetentionLocked(now time.Time) {
	var permanent []*BanRecord
	for pid, ban := range pex.bannedPeers {
		if !ban.Permanent {
			continue
		}
		if now.Sub(ban.BannedAt) > PermanentBanRetention {
			delete(pex.bannedPeers, pid)
			continue
		}
		permanent = append(permanent, ban)
	}
	if len(permanent) <= MaxPermanentBans {
		return
	}
	sort.Slice(permanent, func(i, j int) bool { return permanent[i].BannedAt.Before(permanent[j].BannedAt) })
	for _, ban := range permanent[:len(permanent)-MaxPermanentBans] {
		delete(pex.bannedPeers, ban.PeerID)
	}
}

// UnbanPeer lifts a ban, keeping nothing of its history.
func (pex *PeerExchange) UnbanPeer(pid peer.ID) {
	pex.mu.Lock()
	defer pex.mu.Unlock()
	delete(pex.bannedPeers, pid)
}

// GetBannedPeers returns the active bans.
func (pex *PeerExchange) GetBannedPeers() []*BanRecord {
	pex.mu.RLock()
	defer pex.mu.RUnlock()

	now := time.Now()
	var bans []*BanRecord
	for _, ban := range pex.bannedPeers {
		if ban.Permanent || now.Before(ban.ExpiresAt) {
			bans = append(bans, ban)
		}
	}
	return bans
}

// PenalizePeer lowers a peer's score; at zero the peer is banned.
func (pex *PeerExchange) PenalizePeer(pid peer.ID, penalty int, reason string) {
	pex.mu.Lock()
	defer pex.mu.Unlock()

	rec, ok := pex.knownPeers[pid]
	if !ok {
		rec = &PeerRecord{ID: pid.String(), Score: ScoreInitial, LastSeen: time.Now().Unix()}
		pex.knownPeers[pid] = rec
	}
	rec.Score = max(rec.Score+penalty, 0)
	zap.S().Debugf("[pex] penalized %s by %d (%s), score %d", shortID(pid), penalty, reason, rec.Score)
	if rec.Score <= ScoreThresholdBan {
		pex.banPeerLocked(pid, reason, BanDurationMedium)
	}
}

// RewardPeer increases a peer's score for good behavior
func (pex *PeerExchange) RewardPeer(pid peer.ID) {
	pex.updatePeerScore(pid, ScoreRewardGood)
}

func (pex *PeerExchange) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-pex.ctx.Done():
			return
		case <-ticker.C:
			pex.cleanup(time.Now())
		}
	}
}

// reconnectLoop redials seeds whenever the node is isolated.
func (pex *PeerExchange) reconnectLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-pex.ctx.Done():
			return
		case <-ticker.C:
			if len(pex.node.Peers()) == 0 {
				if err := pex.connectToSeeds(); err != nil {
					zap.S().Debugf("[pex] seed redial failed: %v", err)
				}
			}
		}
	}
}

// cleanup drops peers unseen for a day and expired bans.
func (pex *PeerExchange) cleanup(now time.Time) {
	pex.mu.Lock()
	defer pex.mu.Unlock()

	cutoff := now.Add(-24 * time.Hour).Unix()
	for pid, rec := range pex.knownPeers {
		if rec.LastSeen < cutoff {
			delete(pex.knownPeers, pid)
		}
	}
	for pid, ban := range pex.bannedPeers {
		if !ban.Permanent && now.After(ban.ExpiresAt) {
			delete(pex.bannedPeers, pid)
		}
	}
	pex.enforceBanRetentionLocked(now)
	pex.evictKnownPeersLocked(MaxKnownPeers)
}

// KnownPeerCount returns the number of known peers
func (pex *PeerExchange) KnownPeerCount() int {
	pex.mu.RLock()
	defer pex.mu.RUnlock()
	return len(pex.knownPeers)
}

// BannedPeerCount returns the number of active bans.
func (pex *PeerExchange) BannedPeerCount() int {
	return len(pex.GetBannedPeers())
}

// GetPeerScore returns a peer's score, or -1 if unknown.
func (pex *PeerExchange) GetPeerScore(pid peer.ID) int {
	pex.mu.RLock()
	defer pex.mu.RUnlock()
	if rec, ok := pex.knownPeers[pid]; ok {
		return rec.Score
	}
	return -1
}
