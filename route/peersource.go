package route

import "veilidcore/cryptokind"

// HopCandidate is one peer eligible to serve as a route hop.
type HopCandidate struct {
	NodeIDs  *cryptokind.TypedKeyGroup
	Public   cryptokind.TypedKey // the candidate's identity public key for kind
	Reliable bool
}

// PeerSource selects route-hop candidates, filtering to peers that advertise
// the ROUTE capability and excluding any node id already used elsewhere in
// the route being built. Implemented by the
// node orchestrator over routingtable.Table + peerinfo capability checks, so
// this package never imports either.
type PeerSource interface {
	SelectHops(kind cryptokind.Kind, count int, preferReliable bool, exclude map[string]bool) []HopCandidate
}
