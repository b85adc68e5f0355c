package peerinfo

import (
	"encoding/json"
	"time"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
)

// SignedNodeInfo is either a Direct signed node info (the node's own
// signatures over its node info + timestamp) or Relayed (adds the relay's
// peer info plus signatures)
type SignedNodeInfo struct {
	NodeInfo  NodeInfo
	Timestamp time.Time

	// Signatures is the node's own multi-kind signature set over the
	// canonical encoding of (NodeInfo, Timestamp). Stored verbatim
	// regardless of which kinds locally validate.
	Signatures []cryptokind.TypedSignature

	// Relay is non-nil for a Relayed signed node info; it is the relay's
	// own PeerInfo, and RelaySignatures are the relay's signatures
	// countersigning this record.
	Relay           *PeerInfo
	RelaySignatures []cryptokind.TypedSignature
}

func (s SignedNodeInfo) IsRelayed() bool { return s.Relay != nil }

// signedPayload is the canonical byte encoding that Signatures/RelaySignatures
// are computed over: JSON chosen for the same reason the routing table's
// persisted-entry shape uses it (no generic serialization library appears
// here for small internal records).
type signedPayload struct {
	NodeInfo  NodeInfo `json:"node_info"`
	Timestamp int64    `json:"timestamp"`
}

func canonicalBytes(n NodeInfo, ts time.Time) ([]byte, error) {
	b, err := json.Marshal(signedPayload{NodeInfo: n, Timestamp: ts.UnixMicro()})
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "peerinfo: marshal signed payload")
	}
	return b, nil
}

// Sign produces a SignedNodeInfo (direct) over NodeInfo n, one signature per
// keypair in signers.
func Sign(n NodeInfo, reg *cryptokind.Registry, signers []cryptokind.TypedKeyPair, now time.Time) (SignedNodeInfo, error) {
	payload, err := canonicalBytes(n, now)
	if err != nil {
		return SignedNodeInfo{}, err
	}
	sigs := make([]cryptokind.TypedSignature, 0, len(signers))
	for _, kp := range signers {
		cs, err := reg.Get(kp.Kind)
		if err != nil {
			continue
		}
		sig, err := cs.Sign(kp.Secret(), payload)
		if err != nil {
			return SignedNodeInfo{}, verrors.WrapKind(verrors.Internal, err, "peerinfo: sign node info")
		}
		sigs = append(sigs, sig)
	}
	return SignedNodeInfo{NodeInfo: n, Timestamp: now, Signatures: sigs}, nil
}

// SignRelayed wraps a direct SignedNodeInfo with a relay's countersignature,
//
func SignRelayed(direct SignedNodeInfo, relay *PeerInfo, reg *cryptokind.Registry, relaySigners []cryptokind.TypedKeyPair) (SignedNodeInfo, error) {
	payload, err := canonicalBytes(direct.NodeInfo, direct.Timestamp)
	if err != nil {
		return SignedNodeInfo{}, err
	}
	sigs := make([]cryptokind.TypedSignature, 0, len(relaySigners))
	for _, kp := range relaySigners {
		cs, err := reg.Get(kp.Kind)
		if err != nil {
			continue
		}
		sig, err := cs.Sign(kp.Secret(), payload)
		if err != nil {
			return SignedNodeInfo{}, verrors.WrapKind(verrors.Internal, err, "peerinfo: sign relayed node info")
		}
		sigs = append(sigs, sig)
	}
	out := direct
	out.Relay = relay
	out.RelaySignatures = sigs
	return out, nil
}

// Verify checks each signature against nodeIDs, returning the set of kinds
// whose signature validated. Per the universal invariant,
// verification with a subset of supported kinds returns exactly that
// subset intersected with the kinds whose signatures match; signatures of
// unsupported kinds neither validate nor reject — they are skipped.
func (s SignedNodeInfo) Verify(reg *cryptokind.Registry, nodeIDs *cryptokind.TypedKeyGroup) (map[cryptokind.Kind]bool, error) {
	payload, err := canonicalBytes(s.NodeInfo, s.Timestamp)
	if err != nil {
		return nil, err
	}
	validated := make(map[cryptokind.Kind]bool)
	for _, sig := range s.Signatures {
		pub, ok := nodeIDs.Get(sig.Kind)
		if !ok {
			continue // unsupported kind: neither validates nor rejects
		}
		cs, err := reg.Get(sig.Kind)
		if err != nil {
			continue
		}
		if cs.Verify(pub, payload, sig) {
			validated[sig.Kind] = true
		}
	}
	return validated, nil
}

// PeerInfo is (node_ids, signed_node_info).
type PeerInfo struct {
	NodeIDs        *cryptokind.TypedKeyGroup
	SignedNodeInfo SignedNodeInfo
}
