package node

import (
	"encoding/json"
	"net"
	"strconv"
	"time"

	"veilidcore/address"
	"veilidcore/conn"
	"veilidcore/cryptokind"
	"veilidcore/dht"
	"veilidcore/netclass"
	"veilidcore/peerinfo"
	verrors "veilidcore/pkg/errors"
	"veilidcore/route"
	"veilidcore/routingtable"
	"veilidcore/rpc"
)

// protocolPreference orders outbound dial attempts: UDP first for latency,
// then the stream protocols.
var protocolPreference = []address.Protocol{
	address.ProtocolUDP, address.ProtocolTCP, address.ProtocolWS, address.ProtocolWSS,
}

// resolveDialInfo finds a usable dial info for a peer: the LRU cache of
// verified peer info first, then the routing table entry's cached signed
// node info blob.
func (n *Node) resolveDialInfo(nodeIDs *cryptokind.TypedKeyGroup) (address.DialInfo, bool) {
	var infos []address.DialInfo
	if pi, ok := n.peers.Get(nodeIDs); ok {
		infos = pi.SignedNodeInfo.NodeInfo.DialInfo
	} else if ref, ok := n.table.LookupEntry(nodeIDs); ok {
		sni, has := ref.Entry().NodeInfo(routingtable.RoutingDomainKey(address.RoutingDomainPublicInternet))
		ref.Release()
		if has {
			var pi peerinfo.PeerInfo
			if err := json.Unmarshal(sni.Blob, &pi); err == nil {
				infos = pi.SignedNodeInfo.NodeInfo.DialInfo
			}
		}
	}
	for _, proto := range protocolPreference {
		for _, di := range infos {
			if di.Protocol == proto {
				return di, true
			}
		}
	}
	return address.DialInfo{}, false
}

// nodeSender implements rpc.Sender over the connection manager and the
// transport set.
type nodeSender struct{ n *Node }

var _ rpc.Sender = (*nodeSender)(nil)

func (s *nodeSender) SendTo(nodeIDs *cryptokind.TypedKeyGroup, envelope []byte) error {
	n := s.n
	if di, ok := n.resolveDialInfo(nodeIDs); ok {
		return n.sendToDialInfo(di, envelope)
	}
	// No dial info known: fall back to the flow the peer last reached us
	// over, if its connection is still live.
	n.flowMu.Lock()
	var flow conn.Flow
	haveFlow := false
	for _, k := range nodeIDs.Kinds() {
		id, _ := nodeIDs.Get(k)
		if f, ok := n.flowByPeer[id.String()]; ok {
			flow, haveFlow = f, true
			break
		}
	}
	n.flowMu.Unlock()
	if haveFlow {
		if err := n.manager.Send(flow, envelope); err == nil {
			n.metrics.BytesUp.Add(float64(len(envelope)))
			n.totalUp.Add(uint64(len(envelope)))
			return nil
		}
	}
	return verrors.New(verrors.NoConnection, "node: no dial info known for peer")
}

func (n *Node) sendToDialInfo(di address.DialInfo, b []byte) error {
	peerAddr := net.JoinHostPort(di.Address.String(), strconv.Itoa(int(di.Port)))
	flow := conn.Flow{PeerAddr: peerAddr, LocalAddr: "", Protocol: di.Protocol}
	timeout := time.Duration(n.cfg.Network.ConnectionInitialTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_, err := n.manager.Open(flow, di.Address, func() (conn.Connection, error) {
		return n.transports.dial(di, timeout)
	})
	if err != nil {
		return err
	}
	if err := n.manager.Send(flow, b); err != nil {
		return err
	}
	n.manager.Stats.RecordSend(di.Address.String(), time.Now(), uint64(len(b)))
	n.metrics.BytesUp.Add(float64(len(b)))
	n.totalUp.Add(uint64(len(b)))
	return nil
}

// receiptSender implements netclass.DirectSender: raw out-of-band receipt
// delivery straight to a dial info, no envelope framing.
type receiptSender struct{ n *Node }

var _ netclass.DirectSender = (*receiptSender)(nil)

func (s *receiptSender) SendReceipt(di address.DialInfo, receiptBlob []byte) error {
	return s.n.sendToDialInfo(di, receiptBlob)
}

// closestPeers implements dht.ClosestPeers over the routing table.
type closestPeers struct{ n *Node }

var _ dht.ClosestPeers = (*closestPeers)(nil)

func (c *closestPeers) ClosestTo(kind cryptokind.Kind, target cryptokind.TypedKey, count int) []*cryptokind.TypedKeyGroup {
	entries := c.n.table.FindClosest(kind, target, count, nil)
	out := make([]*cryptokind.TypedKeyGroup, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.NodeIDs())
	}
	return out
}

// hopSource implements route.PeerSource: hop candidates must advertise the
// ROUTE capability. When asked to prefer Reliable entries it returns only
// Reliable ones if there are enough of them, and otherwise any live ones.
type hopSource struct{ n *Node }

var _ route.PeerSource = (*hopSource)(nil)

func (h *hopSource) SelectHops(kind cryptokind.Kind, count int, preferReliable bool, exclude map[string]bool) []route.HopCandidate {
	n := h.n
	self, _ := n.identity.Get(kind)
	entries := n.table.FindClosest(kind, self, count*4, func(e *routingtable.Entry) bool {
		if preferReliable && e.Liveness() != routingtable.LivenessReliable {
			return false
		}
		return e.Liveness() != routingtable.LivenessDead
	})
	var out []route.HopCandidate
	for _, e := range entries {
		ids := e.NodeIDs()
		pk, ok := ids.Get(kind)
		if !ok || exclude[pk.String()] {
			continue
		}
		if !n.peerHasCapability(ids, peerinfo.CapRoute) {
			continue
		}
		out = append(out, route.HopCandidate{
			NodeIDs:  ids,
			Public:   pk,
			Reliable: e.Liveness() == routingtable.LivenessReliable,
		})
		if len(out) == count {
			break
		}
	}
	if preferReliable && len(out) < count {
		return h.SelectHops(kind, count, false, exclude)
	}
	return out
}

// peerHasCapability consults the cached peer info for ids; a peer with no
// cached info is assumed capable (capability advertisement is an
// optimization hint, not an enforcement boundary).
func (n *Node) peerHasCapability(ids *cryptokind.TypedKeyGroup, c peerinfo.Capability) bool {
	pi, ok := n.peers.Get(ids)
	if !ok {
		return true
	}
	return pi.SignedNodeInfo.NodeInfo.Capabilities.Has(c)
}

// relaySource implements netclass.PeerSource: validators are live close
// peers; relay candidates are live peers whose cached peer info reports an
// InboundCapable class (the detector then requires RELAY and SIGNAL).
type relaySource struct{ n *Node }

var _ netclass.PeerSource = (*relaySource)(nil)

func (r *relaySource) SelectValidators(domain address.RoutingDomain, count int) []*cryptokind.TypedKeyGroup {
	n := r.n
	self, ok := n.identity.Get(n.bestKind)
	if !ok {
		return nil
	}
	entries := n.table.FindClosest(n.bestKind, self, count, func(e *routingtable.Entry) bool {
		return e.Liveness() != routingtable.LivenessDead
	})
	out := make([]*cryptokind.TypedKeyGroup, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.NodeIDs())
	}
	return out
}

func (r *relaySource) SelectRelayCandidates() []netclass.RelayCandidate {
	n := r.n
	self, ok := n.identity.Get(n.bestKind)
	if !ok {
		return nil
	}
	entries := n.table.FindClosest(n.bestKind, self, 32, func(e *routingtable.Entry) bool {
		return e.Liveness() != routingtable.LivenessDead
	})
	var out []netclass.RelayCandidate
	for _, e := range entries {
		pi, ok := n.peers.Get(e.NodeIDs())
		if !ok {
			continue
		}
		if pi.SignedNodeInfo.NodeInfo.NetworkClass != address.NetworkClassInboundCapable {
			continue
		}
		_, avg, _ := e.LatencyStats()
		out = append(out, netclass.RelayCandidate{
			PeerInfo: pi,
			Reliable: e.Liveness() == routingtable.LivenessReliable,
			Latency:  avg,
		})
	}
	return out
}
