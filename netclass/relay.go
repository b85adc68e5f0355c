package netclass

import "veilidcore/peerinfo"

// selectRelay picks the best eligible relay candidate: must advertise both
// RELAY and SIGNAL, preferring reliable peers and lower latency. Returns ok=false if no eligible candidate exists — the caller
//(node orchestrator) surfaces this as TryAgain"no relay yet"
// example.
func (d *Detector) selectRelay() (RelayCandidate, bool) {
	candidates := d.peers.SelectRelayCandidates()
	var best RelayCandidate
	found := false
	for _, c := range candidates {
		caps := c.PeerInfo.SignedNodeInfo.NodeInfo.Capabilities
		if !caps.HasAll(peerinfo.CapRelay, peerinfo.CapSignal) {
			continue
		}
		if !found {
			best, found = c, true
			continue
		}
		if better(c, best) {
			best = c
		}
	}
	if found {
		d.mu.Lock()
		d.relay = &best.PeerInfo
		d.mu.Unlock()
	}
	return best, found
}

// better reports whether a is a preferable relay to b: reliable beats
// unreliable, then lower latency wins.
func better(a, b RelayCandidate) bool {
	if a.Reliable != b.Reliable {
		return a.Reliable
	}
	return a.Latency < b.Latency
}

// clearRelay drops the currently selected relay, used once the local
// NetworkClass no longer requires one.
func (d *Detector) clearRelay() {
	d.mu.Lock()
	d.relay = nil
	d.mu.Unlock()
}

// CurrentRelay returns the currently selected relay's PeerInfo, if any.
func (d *Detector) CurrentRelay() (peerinfo.PeerInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.relay == nil {
		return peerinfo.PeerInfo{}, false
	}
	return *d.relay, true
}

// DropRelay explicitly releases the current relay, e.g. because the node
// orchestrator observed it go Dead in the routing table.
func (d *Detector) DropRelay() { d.clearRelay() }
