package peerinfo

import (
	"veilidcore/address"
	"veilidcore/cryptokind"
)

// NodeInfo is the reachability-relevant portion of a peer's state: network
// class, dial infos, capabilities, supported crypto kinds, and envelope
// versions.
type NodeInfo struct {
	NetworkClass     address.NetworkClass
	DialInfo         []address.DialInfo
	Capabilities     CapabilitySet
	CryptoKinds      []cryptokind.Kind
	EnvelopeVersions []uint8
}

// RequiresRelay reports whether this node info needs signalling through a
// relay: any dial info requires signalling support, or the class itself is
// OutboundOnly/WebApp.
func (n NodeInfo) RequiresRelay() bool {
	if n.NetworkClass == address.NetworkClassOutboundOnly || n.NetworkClass == address.NetworkClassWebApp {
		return true
	}
	for _, di := range n.DialInfo {
		if di.Protocol == address.ProtocolUDP && n.NetworkClass != address.NetworkClassInboundCapable {
			return true
		}
	}
	return false
}
