// Package rpc implements the RPC State Machine: question/answer
// correlation, statement dispatch, safety/private-route wrapping, and the
// parameterized fanout used by FindNode/GetValue/SetValue/WatchValue.
package rpc

import (
	"time"

	"veilidcore/cryptokind"
)

// OpKind is the taxonomy every operation is exactly one of.
type OpKind int

const (
	OpKindQuestion OpKind = iota
	OpKindStatement
	OpKindAnswer
)

// OperationName enumerates the defined operation bodies.
type OperationName string

const (
	OpStatus           OperationName = "Status"
	OpFindNode         OperationName = "FindNode"
	OpGetValue         OperationName = "GetValue"
	OpSetValue         OperationName = "SetValue"
	OpWatchValue       OperationName = "WatchValue"
	OpValueChanged     OperationName = "ValueChanged"
	OpValidateDialInfo OperationName = "ValidateDialInfo"
	OpRoute            OperationName = "Route"
	OpAppCall          OperationName = "AppCall"
	OpAppMessage       OperationName = "AppMessage"
	OpReturnReceipt    OperationName = "ReturnReceipt"
	OpSignal           OperationName = "Signal"
)

// Sequencing is the ordering preference carried by a Safety Selection.
type Sequencing int

const (
	SequencingNoPreference Sequencing = iota
	SequencingPreferOrdered
	SequencingEnsureOrdered
)

// SafetySpec describes the local anonymity hops a caller wants prepended to
// an outbound operation.
type SafetySpec struct {
	HopCount int
	Stability RouteStability
}

// RouteStability mirrors the private route engine's stability preference
// without importing the route package (kept as a small shared enum to avoid
// a dependency cycle: route imports rpc for Destination, not vice versa).
type RouteStability int

const (
	StabilityLowLatency RouteStability = iota
	StabilityReliable
)

// SafetySelection bundles the sequencing preference and optional anonymity
// hop spec a caller attaches to an outbound operation.
type SafetySelection struct {
	Sequencing Sequencing
	Safety     *SafetySpec // nil: no safety route requested
}

// DestinationKind distinguishes how an operation's target is addressed.
type DestinationKind int

const (
	DestinationDirect DestinationKind = iota
	DestinationRelay
	DestinationPrivateRoute
)

// Destination is Direct(node), Relay(relay_node, target_node), or
// PrivateRoute(route), plus the caller's Safety Selection.
type Destination struct {
	Kind   DestinationKind
	Node   *cryptokind.TypedKeyGroup // Direct / Relay target
	Relay  *cryptokind.TypedKeyGroup // Relay hop, set only when Kind == Relay
	RouteID string                   // PrivateRoute id, set only when Kind == PrivateRoute
	Safety SafetySelection
}

// RespondTo tells the receiver how to address an Answer back to the
// question's sender: by the sender's full node info, by sender-id only, or
// via the private route the question itself arrived wrapped in.
type RespondToKind int

const (
	RespondToSenderNodeInfo RespondToKind = iota
	RespondToSenderOnly
	RespondToPrivateRoute
)

type RespondTo struct {
	Kind    RespondToKind
	RouteID string
}

// Operation is the envelope-independent representation of one RPC message:
// exactly one of Question/Statement/Answer, carrying a random 64-bit op_id
// for question/answer correlation.
type Operation struct {
	OpID      uint64
	Kind      OpKind
	Name      OperationName
	Body      []byte // operation-specific encoded body
	RespondTo RespondTo
	Timestamp time.Time
}
