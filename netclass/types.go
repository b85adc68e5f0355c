// Package netclass implements the Network Class Detector:
// interface enumeration, dial-info reachability probing via out-of-band
// receipts, NAT-class inference, and relay selection/publishing.
package netclass

import (
	"time"

	"veilidcore/address"
	"veilidcore/cryptokind"
	"veilidcore/peerinfo"
)

// Config bounds detector timing.
type Config struct {
	ValidateTimeout      time.Duration
	ProbeInterval        time.Duration
	RestrictedNatRetries int
	EnableUPnP           bool
	ValidatorsPerProbe   int
}

func DefaultConfig() Config {
	return Config{
		ValidateTimeout:      5 * time.Second,
		ProbeInterval:        time.Minute,
		RestrictedNatRetries: 3,
		EnableUPnP:           true,
		ValidatorsPerProbe:   3,
	}
}

// RelayCandidate is one routing-table peer eligible to serve as this node's
// relay: it must advertise RELAY and SIGNAL.
type RelayCandidate struct {
	PeerInfo peerinfo.PeerInfo
	Reliable bool
	Latency  time.Duration
}

// PeerSource supplies the two things the detector needs from the routing
// table: peers willing to validate a candidate dial info, and candidates
// for relay selection. Implemented by the node orchestrator over
// routingtable.Table + peerinfo capability checks, keeping this package
// decoupled from routingtable.
type PeerSource interface {
	SelectValidators(domain address.RoutingDomain, n int) []*cryptokind.TypedKeyGroup
	SelectRelayCandidates() []RelayCandidate
}

// DirectSender delivers a raw receipt directly to a dial info, bypassing the
// RPC/envelope layer entirely — this is the out-of-band proof-of-delivery
// path ("send a receipt back to the candidate
// address"). Implemented by the node orchestrator over the protocol
// handlers.
type DirectSender interface {
	SendReceipt(di address.DialInfo, receiptBlob []byte) error
}

// DialInfoResult is one candidate dial info's observed reachability.
type DialInfoResult struct {
	DialInfo address.DialInfo
	Domain   address.RoutingDomain
	Class    address.DialInfoClass
	Reached  bool
}

// Result is one full detection pass's outcome.
type Result struct {
	Domain       address.RoutingDomain
	NetworkClass address.NetworkClass
	DialInfo     []DialInfoResult
	RequiresRelay bool
	Relay        *peerinfo.PeerInfo // non-nil iff a relay was selected this pass
}
