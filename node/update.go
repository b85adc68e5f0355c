package node

import (
	"time"

	"veilidcore/address"
	"veilidcore/cryptokind"
)

// UpdateKind tags the events the core emits to the embedder.
type UpdateKind int

const (
	UpdateLog UpdateKind = iota
	UpdateAppMessage
	UpdateAppCall
	UpdateValueChange
	UpdateNetwork
	UpdateAttachment
	UpdateConfig
	UpdateShutdown
	UpdateRouteChange
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateLog:
		return "Log"
	case UpdateAppMessage:
		return "AppMessage"
	case UpdateAppCall:
		return "AppCall"
	case UpdateValueChange:
		return "ValueChange"
	case UpdateNetwork:
		return "Network"
	case UpdateAttachment:
		return "Attachment"
	case UpdateConfig:
		return "Config"
	case UpdateShutdown:
		return "Shutdown"
	case UpdateRouteChange:
		return "RouteChange"
	}
	return "Unknown"
}

// AttachmentState is the node's lifecycle as seen by the embedder.
type AttachmentState int

const (
	AttachmentDetached AttachmentState = iota
	AttachmentAttaching
	AttachmentAttached
	AttachmentDetaching
)

func (s AttachmentState) String() string {
	switch s {
	case AttachmentDetached:
		return "Detached"
	case AttachmentAttaching:
		return "Attaching"
	case AttachmentAttached:
		return "Attached"
	case AttachmentDetaching:
		return "Detaching"
	}
	return "Unknown"
}

// NetworkSummary is the payload of an UpdateNetwork event: rolling bps in
// both directions plus the number of peers.
type NetworkSummary struct {
	BpsUp   uint64
	BpsDown uint64
	Peers   int
}

// ValueChange is the payload of an UpdateValueChange event, carrying the
// remote write a watched record observed.
type ValueChange struct {
	Key    cryptokind.TypedKey
	Subkey uint32
	Seq    uint32
	Data   []byte
	Count  uint32 // remaining notifications before the watch exhausts
}

// RouteChange is the payload of an UpdateRouteChange event.
type RouteChange struct {
	DeadRoutes []string
}

// Update is one event delivered to the embedder's callback. Exactly one
// payload field is set, selected by Kind.
type Update struct {
	Kind        UpdateKind
	Timestamp   time.Time
	LogMessage  string
	AppMessage  []byte
	AppCall     []byte
	Value       *ValueChange
	Network     *NetworkSummary
	Attachment  AttachmentState
	NetClass    address.NetworkClass
	Route       *RouteChange
}

// UpdateCallback receives events from the core. It must not block: the core
// invokes it inline from its own tasks.
type UpdateCallback func(Update)
