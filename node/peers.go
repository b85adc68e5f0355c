package node

import (
	"encoding/json"

	"veilidcore/address"
	"veilidcore/cryptokind"
	"veilidcore/peerinfo"
	verrors "veilidcore/pkg/errors"
	"veilidcore/routingtable"
	"veilidcore/rpc"
)

// AddPeer admits a peer into the routing table: at least one signature of a
// locally supported kind must validate. The verified
// peer info is cached for dial-info resolution and the signed blob stored on
// the entry per routing domain.
func (n *Node) AddPeer(pi peerinfo.PeerInfo) error {
	if pi.NodeIDs == nil || len(pi.NodeIDs.Kinds()) == 0 {
		return verrors.New(verrors.MissingArgument, "node: peer info carries no node ids")
	}
	validated, err := pi.SignedNodeInfo.Verify(n.registry, pi.NodeIDs)
	if err != nil {
		return err
	}
	anyValid := false
	for _, ok := range validated {
		if ok {
			anyValid = true
			break
		}
	}
	if !anyValid {
		return verrors.New(verrors.InvalidArgument, "node: no signature of a supported kind validates")
	}

	ref, err := n.table.AddEntry(pi.NodeIDs)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(pi)
	if err == nil {
		domain := routingtable.RoutingDomainKey(address.RoutingDomainPublicInternet)
		ref.Entry().SetNodeInfo(domain, routingtable.SignedNodeInfo{
			Timestamp: pi.SignedNodeInfo.Timestamp,
			Blob:      blob,
		})
	}
	ref.Release()
	n.peers.Put(pi)
	n.metrics.RoutingEntries.Set(float64(n.table.EntryCount()))
	return nil
}

// ResolveNode runs a FindNode fanout toward target, admitting every
// verifiable peer the answers return, and reports whether target itself is
// now in the routing table.
func (n *Node) ResolveNode(target cryptokind.TypedKey) (bool, error) {
	release, err := n.started()
	if err != nil {
		return false, err
	}
	defer release()

	seedEntries := n.table.FindClosest(target.Kind, target, n.cfg.Network.DHT.ResolveNodeFanout+1, nil)
	var seed []*cryptokind.TypedKeyGroup
	for _, e := range seedEntries {
		seed = append(seed, e.NodeIDs())
	}

	fanout := n.cfg.Network.DHT.ResolveNodeFanout
	if fanout <= 0 {
		fanout = 4
	}
	timeout := n.cfg.RPCTimeout()
	if timeout <= 0 {
		timeout = rpc.DefaultConfig().Timeout
	}

	err = n.engine.Fanout(target.Kind, target, seed, rpc.FanoutConfig{Fanout: fanout, Timeout: timeout},
		func(peer *cryptokind.TypedKeyGroup) (rpc.AskResult, error) {
			body, err := rpc.EncodeBody(rpc.FindNodeQ{Target: target})
			if err != nil {
				return rpc.AskResult{}, err
			}
			ans, err := n.engine.Question(rpc.Destination{Kind: rpc.DestinationDirect, Node: peer}, rpc.OpFindNode, body)
			if err != nil {
				return rpc.AskResult{}, err
			}
			var a rpc.FindNodeA
			if err := rpc.DecodeBody(ans.Body, &a); err != nil {
				return rpc.AskResult{}, err
			}
			found := false
			for _, ps := range a.Peers {
				n.admitSummary(ps)
				for _, id := range ps.NodeIDs {
					if id.Equal(target) {
						found = true
					}
				}
			}
			return rpc.AskResult{Peers: a.Peers, Done: found}, nil
		})
	if err != nil {
		return false, err
	}

	ids := cryptokind.NewTypedKeyGroup()
	ids.Add(target)
	_, known := n.table.LookupEntry(ids)
	return known, nil
}

// admitSummary tries to admit one FindNode answer entry: with a signed blob
// it goes through full AddPeer verification; without one only the bare node
// ids are recorded, leaving the entry dial-info-less until real peer info
// arrives.
func (n *Node) admitSummary(ps rpc.PeerSummary) {
	if len(ps.Blob) > 0 {
		var pi peerinfo.PeerInfo
		if err := json.Unmarshal(ps.Blob, &pi); err == nil {
			if err := n.AddPeer(pi); err == nil {
				return
			}
		}
	}
	if len(ps.NodeIDs) == 0 {
		return
	}
	ids := cryptokind.NewTypedKeyGroup()
	for _, id := range ps.NodeIDs {
		ids.Add(id)
	}
	if ref, err := n.table.AddEntry(ids); err == nil {
		ref.Release()
	}
}
