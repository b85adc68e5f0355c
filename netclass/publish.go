package netclass

import (
	"veilidcore/address"
	"veilidcore/peerinfo"
)

// ShouldPublish reports whether signed (the freshly signed node info for
// domain, built by the node orchestrator from the latest Detect Result)
// differs from the last one this detector published:
// "Signed peer info is republished only when it has changed and the class
// is not Invalid." A domain with nothing recorded by MarkPublished counts as
// never published. Only the network class and dial info list are compared.
func (d *Detector) ShouldPublish(domain address.RoutingDomain, class address.NetworkClass, signed peerinfo.SignedNodeInfo) bool {
	if class == address.NetworkClassInvalid {
		return false
	}
	d.mu.Lock()
	prev, ok := d.lastPublished[domain]
	d.mu.Unlock()
	if !ok {
		return true
	}
	return !sameNodeInfo(prev.NodeInfo, signed.NodeInfo)
}

// MarkPublished records signed as the last-published node info for domain,
// so the next ShouldPublish call compares against it.
func (d *Detector) MarkPublished(domain address.RoutingDomain, signed peerinfo.SignedNodeInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPublished[domain] = signed
}

func sameNodeInfo(a, b peerinfo.NodeInfo) bool {
	if a.NetworkClass != b.NetworkClass || len(a.DialInfo) != len(b.DialInfo) {
		return false
	}
	for i := range a.DialInfo {
		x, y := a.DialInfo[i], b.DialInfo[i]
		if x.Protocol != y.Protocol || x.Port != y.Port || x.Path != y.Path || !x.Address.Equal(y.Address) {
			return false
		}
	}
	return true
}
