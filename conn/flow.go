// Package conn implements the Connection Manager: a bounded
// table of live connections keyed by Flow, UDP fragment reassembly, address
// punishment, per-IP transfer stats, and connect-rate throttling.
package conn

import "veilidcore/address"

// Flow uniquely identifies a live connection: (peer_address, local_address,
// protocol). The table holds at most one live connection per descriptor.
type Flow struct {
	PeerAddr  string
	LocalAddr string
	Protocol  address.Protocol
}

// Connection is anything the manager can hand bytes to and tear down.
type Connection interface {
	Send(b []byte) error
	Close() error
}
