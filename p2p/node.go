package p2p

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"netchain/protocol/params"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Protocol IDs
const (
	ProtocolPEX       protocol.ID = params.ProtocolPEX
	ProtocolBlock     protocol.ID = params.ProtocolBlock
	ProtocolTx        protocol.ID = params.ProtocolTx
	ProtocolProof     protocol.ID = params.ProtocolProof
	ProtocolSync      protocol.ID = params.ProtocolSync
	ProtocolSpeedTest protocol.ID = params.ProtocolSpeedTest
)

// NodeConfig configures the P2P node
type NodeConfig struct {
	// ListenAddrs are the multiaddrs to listen on
	ListenAddrs []string

	// SeedNodes are bootstrap peers (full /p2p/ multiaddrs)
	SeedNodes []string

	MaxInbound  int
	MaxOutbound int

	Identity IdentityConfig

	// UserAgent is announced to peers
	UserAgent string

	// AllowPrivateAddrs lets PEX share loopback and private addresses.
	AllowPrivateAddrs bool

	// DisableNAT turns off port mapping and hole punching (tests, LAN).
	DisableNAT bool
}

// DefaultNodeConfig returns sensible defaults
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/30333"},
		MaxInbound:  64,
		MaxOutbound: 16,
		UserAgent:   "netchain",
	}
}

// GossipHandler receives a gossiped payload. Payloads already seen are
// filtered before the handler runs.
type GossipHandler func(from peer.ID, data []byte)

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID        string        `json:"id"`
	Addrs     []string      `json:"addrs"`
	Score     int           `json:"score"`
	Latency   time.Duration `json:"latency_ns"`
	UserAgent string        `json:"user_agent,omitempty"`
}

// Node is the libp2p host plus the gossip protocols.
type Node struct {
	mu sync.RWMutex

	host     host.Host
	identity *IdentityManager
	pex      *PeerExchange
	seen     *SeenFilter
	config   NodeConfig

	onBlock GossipHandler
	onTx    GossipHandler
	onProof GossipHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode creates the host and registers protocol handlers. Call Start to
// begin dialing seeds.
func NewNode(cfg NodeConfig) (*Node, error) {
	identity, err := NewIdentityManager(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	privKey, _ := identity.Key()

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	connMgr, err := connmgr.NewConnManager(
		cfg.MaxOutbound,
		cfg.MaxInbound+cfg.MaxOutbound,
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node := &Node{
		identity: identity,
		config:   cfg,
		seen:     NewSeenFilter(0, 0),
		ctx:      ctx,
		cancel:   cancel,
	}
	// The peer book exists before the host so the gater can consult bans.
	node.pex = NewPeerExchange(node, cfg.SeedNodes, cfg.AllowPrivateAddrs)

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(NewBanGater(node.IsBanned)),
		libp2p.UserAgent(cfg.UserAgent),
		libp2p.DisableRelay(),
	}
	if !cfg.DisableNAT {
		opts = append(opts, libp2p.NATPortMap(), libp2p.EnableHolePunching())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	node.host = h

	h.SetStreamHandler(ProtocolPEX, node.pex.HandleStream)
	h.SetStreamHandler(ProtocolBlock, node.gossipStreamHandler(MaxBlockStreamPayloadSize, func() GossipHandler { return node.onBlock }))
	h.SetStreamHandler(ProtocolTx, node.gossipStreamHandler(MaxTxStreamPayloadSize, func() GossipHandler { return node.onTx }))
	h.SetStreamHandler(ProtocolProof, node.gossipStreamHandler(MaxProofStreamPayloadSize, func() GossipHandler { return node.onProof }))
	h.SetStreamHandler(ProtocolSpeedTest, HandleSpeedTestStream)

	return node, nil
}

// gossipStreamHandler reads one length-prefixed payload and hands it to the
// current handler unless it was seen before.
func (n *Node) gossipStreamHandler(limit uint32, handler func() GossipHandler) network.StreamHandler {
	return func(s network.Stream) {
		defer func() {
			if err := s.Close(); err != nil && !isExpectedStreamCloseError(err) {
				zap.S().Debugf("[p2p] failed to close %s stream: %v", s.Protocol(), err)
			}
		}()
		from := s.Conn().RemotePeer()
		if err := s.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			return
		}
		data, err := readLengthPrefixedWithLimit(s, limit)
		if err != nil {
			if !isExpectedStreamCloseError(err) {
				n.PenalizePeer(from, ScorePenaltyInvalid, fmt.Sprintf("bad %s frame", s.Protocol()))
			}
			return
		}
		if n.seen.CheckAndAdd(data) {
			return
		}

		n.mu.RLock()
		h := handler()
		n.mu.RUnlock()
		if h != nil {
			h(from, data)
		}
	}
}

// Start begins peer exchange (dialing seeds).
func (n *Node) Start() error {
	if err := n.pex.Start(n.ctx); err != nil {
		return fmt.Errorf("failed to start peer exchange: %w", err)
	}
	return nil
}

// Stop shuts the node down.
func (n *Node) Stop() error {
	n.cancel()
	n.pex.Stop()
	return n.host.Close()
}

// Host returns the underlying libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// PeerID returns the node's peer ID
func (n *Node) PeerID() peer.ID {
	return n.identity.PeerID()
}

// Addrs returns the listen addresses
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Peers returns connected peer IDs
func (n *Node) Peers() []peer.ID {
	return n.host.Network().Peers()
}

// PeerCount returns the number of connected peers
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// PeersInfo describes connected peers, sorted by ID.
func (n *Node) PeersInfo() []PeerInfo {
	ps := n.host.Peerstore()
	var out []PeerInfo
	for _, p := range n.Peers() {
		info := PeerInfo{
			ID:      p.String(),
			Score:   n.pex.GetPeerScore(p),
			Latency: ps.LatencyEWMA(p),
		}
		for _, c := range n.host.Network().ConnsToPeer(p) {
			info.Addrs = append(info.Addrs, c.RemoteMultiaddr().String())
		}
		if av, err := ps.Get(p, "AgentVersion"); err == nil {
			if s, ok := av.(string); ok {
				info.UserAgent = s
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connect dials a peer
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return n.host.Connect(ctx, pi)
}

// OnPeerConnected registers fn for every new connection.
func (n *Node) OnPeerConnected(fn func(peer.ID)) {
	n.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			go fn(c.RemotePeer())
		},
	})
}

func (n *Node) SetBlockHandler(h GossipHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onBlock = h
}

func (n *Node) SetTxHandler(h GossipHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTx = h
}

func (n *Node) SetProofHandler(h GossipHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onProof = h
}

// BroadcastBlock sends a locally produced block to all peers.
func (n *Node) BroadcastBlock(data []byte) { n.broadcast(ProtocolBlock, "", data) }

// RelayBlock forwards a block to all peers except the sender.
func (n *Node) RelayBlock(from peer.ID, data []byte) { n.broadcast(ProtocolBlock, from, data) }

func (n *Node) BroadcastTx(data []byte) { n.broadcast(ProtocolTx, "", data) }

func (n *Node) RelayTx(from peer.ID, data []byte) { n.broadcast(ProtocolTx, from, data) }

func (n *Node) BroadcastProof(data []byte) { n.broadcast(ProtocolProof, "", data) }

func (n *Node) RelayProof(from peer.ID, data []byte) { n.broadcast(ProtocolProof, from, data) }

// broadcast marks data as seen, so echoes are dropped, and sends it to
// every connected peer except skip.
func (n *Node) broadcast(proto protocol.ID, skip peer.ID, data []byte) {
	n.seen.CheckAndAdd(data)
	for _, p := range n.Peers() {
		if p == skip {
			continue
		}
		go func(pid peer.ID) {
			if err := n.sendToPeer(pid, proto, data); err != nil && !isExpectedStreamCloseError(err) {
				zap.S().Debugf("[p2p] failed to send %s to %s: %v", proto, shortID(pid), err)
			}
		}(p)
	}
}

func (n *Node) sendToPeer(p peer.ID, proto protocol.ID, data []byte) error {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	s, err := n.host.NewStream(ctx, p, proto)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if err := s.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return writeLengthPrefixed(s, data)
}

// IsBanned checks if a peer is banned
func (n *Node) IsBanned(pid peer.ID) bool {
	return n.pex.IsBanned(pid)
}

// BanPeer bans a peer for misbehavior
func (n *Node) BanPeer(pid peer.ID, reason string) {
	n.pex.BanPeer(pid, reason, BanDurationMedium)
}

// PenalizePeer reduces a peer's reputation score
func (n *Node) PenalizePeer(pid peer.ID, penalty int, reason string) {
	n.pex.PenalizePeer(pid, penalty, reason)
}

// RewardPeer increases a peer's reputation score
func (n *Node) RewardPeer(pid peer.ID) {
	n.pex.RewardPeer(pid)
}

// PeerScore returns the reputation score of a known peer, or -1.
func (n *Node) PeerScore(pid peer.ID) int {
	return n.pex.GetPeerScore(pid)
}

// GetBannedPeers returns the active bans.
func (n *Node) GetBannedPeers() []*BanRecord {
	return n.pex.GetBannedPeers()
}

// KnownPeerCount returns the size of the peer book.
func (n *Node) KnownPeerCount() int {
	return n.pex.KnownPeerCount()
}

// FullMultiaddrs returns non-loopback listen addresses with the /p2p/ suffix.
func (n *Node) FullMultiaddrs() []string {
	pid := n.PeerID()
	var full []string
	for _, addr := range n.Addrs() {
		s := addr.String()
		if strings.HasPrefix(s, "/ip4/127.") || strings.HasPrefix(s, "/ip6/::1") {
			continue
		}
		full = append(full, fmt.Sprintf("%s/p2p/%s", s, pid))
	}
	return full
}

// WritePeerFile writes the node's multiaddrs, one per line, for sharing.
func (n *Node) WritePeerFile(filename string) error {
	addrs := n.FullMultiaddrs()
	if len(addrs) == 0 {
		return fmt.Errorf("no external addresses available")
	}
	if err := os.WriteFile(filename, []byte(strings.Join(addrs, "\n")+"\n"), 0644); err != nil {
		return err
	}
	zap.S().Infof("[p2p] wrote peer addresses to %s", filename)
	return nil
}
