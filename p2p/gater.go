package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// disconnectBanned is the reason reported when a banned peer is dropped.
const disconnectBanned control.DisconnectReason = 1

// BanGater is a libp2p ConnectionGater that refuses banned peers.
type BanGater struct {
	isBanned func(peer.ID) bool
}

// NewBanGater creates a gater backed by checkBan. A nil checkBan allows all.
func NewBanGater(checkBan func(peer.ID) bool) *BanGater {
	return &BanGater{isBanned: checkBan}
}

func (g *BanGater) allowed(pid peer.ID) bool {
	return g.isBanned == nil || !g.isBanned(pid)
}

func (g *BanGater) InterceptPeerDial(pid peer.ID) bool {
	return g.allowed(pid)
}

func (g *BanGater) InterceptAddrDial(pid peer.ID, _ multiaddr.Multiaddr) bool {
	return g.allowed(pid)
}

// InterceptAccept runs before the remote identity is known.
func (g *BanGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (g *BanGater) InterceptSecured(_ network.Direction, pid peer.ID, _ network.ConnMultiaddrs) bool {
	return g.allowed(pid)
}

func (g *BanGater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	if !g.allowed(conn.RemotePeer()) {
		return false, disconnectBanned
	}
	return true, 0
}
