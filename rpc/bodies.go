package rpc

import "veilidcore/cryptokind"

// Bodies for every defined operation. Question bodies end in Q,
// Answer bodies in A, Statement bodies carry no suffix.

// StatusQ/StatusA exchange liveness/capability summaries.
type StatusQ struct{}

type StatusA struct {
	NetworkClass int `json:"network_class"`
}

// FindNodeQ/FindNodeA implement Kademlia node lookup.
type FindNodeQ struct {
	Target cryptokind.TypedKey `json:"target"`
}

type PeerSummary struct {
	NodeIDs []cryptokind.TypedKey `json:"node_ids"`
	// Blob is the opaque signed-peer-info encoding (peerinfo package owns
	// the real shape; rpc only ferries bytes to avoid a dependency cycle).
	Blob []byte `json:"blob"`
}

type FindNodeA struct {
	Peers []PeerSummary `json:"peers"`
}

// GetValueQ/GetValueA implement DHT reads.
type GetValueQ struct {
	Key            cryptokind.TypedKey `json:"key"`
	Subkey         uint32              `json:"subkey"`
	WantDescriptor bool                `json:"want_descriptor"`
}

type GetValueA struct {
	Found     bool          `json:"found"`
	Seq       uint32        `json:"seq"`
	Data      []byte        `json:"data"`
	Signature cryptokind.TypedSignature `json:"signature"`
	Peers     []PeerSummary `json:"peers"`
}

// SetValueQ/SetValueA implement DHT writes.
type SetValueQ struct {
	Key       cryptokind.TypedKey       `json:"key"`
	Subkey    uint32                    `json:"subkey"`
	Seq       uint32                    `json:"seq"`
	Data      []byte                    `json:"data"`
	Signature cryptokind.TypedSignature `json:"signature"`
	Writer    cryptokind.TypedKey       `json:"writer"`
}

type SetValueA struct {
	Accepted bool          `json:"accepted"`
	Seq      uint32        `json:"seq"` // the value the servicing peer now holds
	Data     []byte        `json:"data"`
	Peers    []PeerSummary `json:"peers"`
}

// WatchValueQ/WatchValueA implement DHT change subscriptions.
type WatchValueQ struct {
	Key           cryptokind.TypedKey `json:"key"`
	SubkeyLo      uint32              `json:"subkey_lo"`
	SubkeyHi      uint32              `json:"subkey_hi"`
	ExpirationUTC int64               `json:"expiration_utc"`
	Count         uint32              `json:"count"`
}

type WatchValueA struct {
	Accepted      bool  `json:"accepted"`
	ExpirationUTC int64 `json:"expiration_utc"`
}

// ValueChanged is a statement the servicing peer sends when a watched
// subkey's value changes.
type ValueChanged struct {
	Key    cryptokind.TypedKey       `json:"key"`
	Subkey uint32                    `json:"subkey"`
	Seq    uint32                    `json:"seq"`
	Data   []byte                    `json:"data"`
	Sig    cryptokind.TypedSignature `json:"sig"`
	Count  uint32                    `json:"count"` // remaining watch count after this notification
}

// ValidateDialInfoQ asks the receiver to validate reachability of a
// candidate dial info by sending a receipt back to it.
type ValidateDialInfoQ struct {
	DialInfoBlob []byte `json:"dial_info_blob"` // address.DialInfo encoded by the caller
	ReceiptBlob  []byte `json:"receipt_blob"`
}

// RouteStatement carries one onion-encrypted hop blob.
type RouteStatement struct {
	SafetyRoute bool   `json:"safety_route"`
	HopBlob     []byte `json:"hop_blob"`
}

// AppCallQ/AppCallA and AppMessage pass application-defined bytes through
// unopened; content-type dispatch belongs to the embedder.
type AppCallQ struct {
	Message []byte `json:"message"`
}

type AppCallA struct {
	Reply []byte `json:"reply"`
}

type AppMessage struct {
	Message []byte `json:"message"`
}

// ReturnReceipt forwards a receipt opaquely.
type ReturnReceipt struct {
	ReceiptBlob []byte `json:"receipt_blob"`
}

// Signal requests relay/signalling assistance from an inbound-capable peer.
type Signal struct {
	SignalData []byte `json:"signal_data"`
}
