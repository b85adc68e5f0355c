// Package route implements the private route / onion routing engine:
// multi-hop route construction, per-hop re-encryption, and route health
// statistics.
//
// Per-hop re-encryption reuses the crypto registry's DH+AEAD v-table, the
// same primitives the envelope codec encrypts with: each hop only needs
// one-shot AEAD under a precomputed shared secret, not a handshake state
// machine.
package route

import (
	"veilidcore/cryptokind"
	"veilidcore/rpc"
)

// DirectionSet is the bitmask of directions a route supports.
type DirectionSet int

const (
	DirectionInbound DirectionSet = 1 << iota
	DirectionOutbound
)

func (d DirectionSet) Has(f DirectionSet) bool { return d&f != 0 }

// Hop is one step of a private route: the hop's identity public key, used
// both to address it and (via the registry's DH) to derive the per-hop
// shared secret for onion re-encryption.
type Hop struct {
	NodeID cryptokind.TypedKey
}

// Route is an ordered list of hops sharing one crypto kind, plus its
// publication/direction/stability metadata.
type Route struct {
	ID         string
	Kind       cryptokind.Kind
	Hops       []Hop
	Published  bool
	Directions DirectionSet
	Stability  rpc.RouteStability
	Sequencing rpc.Sequencing
	Stats      *Stats
}

// RouteSet groups parallel routes (one per crypto kind) sharing the same
// hop identities.
type RouteSet struct {
	ID     string
	Routes map[cryptokind.Kind]*Route
}

func (rs *RouteSet) Best(supported []cryptokind.Kind) (*Route, bool) {
	for _, k := range supported {
		if r, ok := rs.Routes[k]; ok {
			return r, true
		}
	}
	return nil, false
}
