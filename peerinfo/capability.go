// Package peerinfo implements the Node Info / Peer Info data model: the
// reachability-relevant portion of a peer's state, its signed direct/relayed
// wrappers, and the capability tags that gate relay, signalling, and route
// participation.
package peerinfo

// Capability is a 4-byte tag a node advertises support for.
type Capability [4]byte

func (c Capability) String() string { return string(c[:]) }

// MarshalText/UnmarshalText let Capability serve as a map key under
// encoding/json, which requires map-key types to implement
// encoding.TextMarshaler rather than being a plain array.
func (c Capability) MarshalText() ([]byte, error) { return []byte(c[:]), nil }

func (c *Capability) UnmarshalText(b []byte) error {
	var tag [4]byte
	copy(tag[:], b)
	*c = Capability(tag)
	return nil
}

// Well-known capability tags referenced by the network class detector and
// the private route engine.
var (
	CapRelay  = Capability{'R', 'E', 'L', 'Y'}
	CapSignal = Capability{'S', 'G', 'N', 'L'}
	CapRoute  = Capability{'R', 'O', 'U', 'T'}
	CapDHT    = Capability{'D', 'H', 'T', '#'}
	CapApp    = Capability{'A', 'P', 'P', '#'}
)

// CapabilitySet is an unordered set of capability tags.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s CapabilitySet) Add(c Capability) { s[c] = struct{}{} }

// HasAll reports whether every capability in want is present in s.
func (s CapabilitySet) HasAll(want ...Capability) bool {
	for _, c := range want {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Remove deletes capabilities named by 4-byte tags, used to apply the
// capabilities.disable configuration option.
func (s CapabilitySet) Remove(tags [][4]byte) {
	for _, t := range tags {
		delete(s, Capability(t))
	}
}
