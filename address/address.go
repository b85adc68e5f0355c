// Package address implements the Dial Info / Routing Domain / Network Class
// type model: the tagged union of ways to reach a peer and
// the reachability classification derived from observing them.
//
// Dial info is a typed union rather than a raw multiaddr string, but it is
// parsed/formatted with multiformats/go-multiaddr so the wire representation
// round-trips through a real multiaddr codec.
package address

import (
	"fmt"
	"net"
	"strconv"

	multiaddr "github.com/multiformats/go-multiaddr"

	verrors "veilidcore/pkg/errors"
)

// Protocol names the transport a DialInfo uses.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
	ProtocolWS
	ProtocolWSS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "UDP"
	case ProtocolTCP:
		return "TCP"
	case ProtocolWS:
		return "WS"
	case ProtocolWSS:
		return "WSS"
	default:
		return "Unknown"
	}
}

// RoutingDomain partitions dial info by the network segment it is reachable
// from.
type RoutingDomain int

const (
	RoutingDomainPublicInternet RoutingDomain = iota
	RoutingDomainLocalNetwork
)

func (d RoutingDomain) String() string {
	if d == RoutingDomainLocalNetwork {
		return "LocalNetwork"
	}
	return "PublicInternet"
}

// DialInfoClass describes the reachability tier a dial info was observed to
// have, from most to least permissive.
type DialInfoClass int

const (
	DialInfoClassDirect DialInfoClass = iota
	DialInfoClassMapped
	DialInfoClassFullConeNAT
	DialInfoClassAddressRestrictedNAT
	DialInfoClassPortRestrictedNAT
	DialInfoClassBlocked
)

func (c DialInfoClass) String() string {
	switch c {
	case DialInfoClassDirect:
		return "Direct"
	case DialInfoClassMapped:
		return "Mapped"
	case DialInfoClassFullConeNAT:
		return "FullConeNAT"
	case DialInfoClassAddressRestrictedNAT:
		return "AddressRestrictedNAT"
	case DialInfoClassPortRestrictedNAT:
		return "PortRestrictedNAT"
	case DialInfoClassBlocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// MorePermissiveThan orders classes by reachability so "choose the most
// permissive NAT class that matched" is a simple comparison.
func (c DialInfoClass) MorePermissiveThan(o DialInfoClass) bool { return c < o }

// NetworkClass is the per-routing-domain reachability summary derived from
// observed dial-info classes.
type NetworkClass int

const (
	NetworkClassInvalid NetworkClass = iota
	NetworkClassInboundCapable
	NetworkClassOutboundOnly
	NetworkClassWebApp
)

func (c NetworkClass) String() string {
	switch c {
	case NetworkClassInboundCapable:
		return "InboundCapable"
	case NetworkClassOutboundOnly:
		return "OutboundOnly"
	case NetworkClassWebApp:
		return "WebApp"
	default:
		return "Invalid"
	}
}

// DialInfo is a tagged union of (protocol, address, port[, path]).
type DialInfo struct {
	Protocol Protocol
	Address  net.IP
	Port     uint16
	Path     string // URL path, WS/WSS only
}

// Multiaddr renders the dial info as a multiaddr string, e.g.
// "/ip4/203.0.113.5/udp/5150" or "/ip4/203.0.113.5/tcp/5150/ws".
func (d DialInfo) Multiaddr() (multiaddr.Multiaddr, error) {
	ipProto := "ip4"
	if d.Address.To4() == nil {
		ipProto = "ip6"
	}
	s := fmt.Sprintf("/%s/%s", ipProto, d.Address.String())
	switch d.Protocol {
	case ProtocolUDP:
		s += fmt.Sprintf("/udp/%d", d.Port)
	case ProtocolTCP:
		s += fmt.Sprintf("/tcp/%d", d.Port)
	case ProtocolWS:
		s += fmt.Sprintf("/tcp/%d/ws", d.Port)
	case ProtocolWSS:
		s += fmt.Sprintf("/tcp/%d/wss", d.Port)
	default:
		return nil, verrors.Newf(verrors.InvalidArgument, "address: unknown protocol %v", d.Protocol)
	}
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return nil, verrors.WrapKind(verrors.ParseError, err, "address: build multiaddr")
	}
	return ma, nil
}

// String formats the dial info including any WS/WSS path, which multiaddr's
// own component set has no native slot for.
func (d DialInfo) String() string {
	ma, err := d.Multiaddr()
	if err != nil {
		return fmt.Sprintf("<invalid:%v>", err)
	}
	if d.Path != "" {
		return ma.String() + d.Path
	}
	return ma.String()
}

// ParseDialInfo parses a multiaddr-formatted dial info string, the inverse of
// String/Multiaddr — parse ∘ format = identity holds for every valid dial
// round-trip property.
func ParseDialInfo(s string) (DialInfo, error) {
	path := ""
	maStr := s
	if idx := pathSplitIndex(s); idx >= 0 {
		maStr, path = s[:idx], s[idx:]
	}
	ma, err := multiaddr.NewMultiaddr(maStr)
	if err != nil {
		return DialInfo{}, verrors.WrapKind(verrors.ParseError, err, "address: parse multiaddr")
	}

	var di DialInfo
	var ip net.IP
	sawTCP := false
	wsTail := false
	wssTail := false
	multiaddr.ForEach(ma, func(c multiaddr.Component) bool {
		switch c.Protocol().Code {
		case multiaddr.P_IP4, multiaddr.P_IP6:
			ip = net.ParseIP(c.Value())
		case multiaddr.P_UDP:
			p, _ := strconv.Atoi(c.Value())
			di.Port = uint16(p)
			di.Protocol = ProtocolUDP
		case multiaddr.P_TCP:
			p, _ := strconv.Atoi(c.Value())
			di.Port = uint16(p)
			sawTCP = true
		case multiaddr.P_WS:
			wsTail = true
		case multiaddr.P_WSS:
			wssTail = true
		}
		return true
	})
	if ip == nil {
		return DialInfo{}, verrors.New(verrors.ParseError, "address: no ip component")
	}
	di.Address = ip
	switch {
	case wssTail:
		di.Protocol = ProtocolWSS
	case wsTail:
		di.Protocol = ProtocolWS
	case sawTCP:
		di.Protocol = ProtocolTCP
	}
	di.Path = path
	return di, nil
}

func pathSplitIndex(s string) int {
	// A WS/WSS path begins after the "/ws" or "/wss" component if anything
	// beyond it remains (e.g. "/tcp/443/wss/some/path").
	for _, tail := range []string{"/wss", "/ws"} {
		if idx := indexAfter(s, tail); idx >= 0 {
			return idx
		}
	}
	return -1
}

func indexAfter(s, sub string) int {
	i := lastIndex(s, sub)
	if i < 0 {
		return -1
	}
	end := i + len(sub)
	if end < len(s) && s[end] == '/' {
		return end
	}
	return -1
}

func lastIndex(s, sub string) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
