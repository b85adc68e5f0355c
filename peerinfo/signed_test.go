package peerinfo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/address"
	"veilidcore/cryptokind"
)

func identityFor(t *testing.T, reg *cryptokind.Registry, kinds ...cryptokind.Kind) (*cryptokind.TypedKeyGroup, []cryptokind.TypedKeyPair) {
	t.Helper()
	ids := cryptokind.NewTypedKeyGroup()
	var pairs []cryptokind.TypedKeyPair
	for _, k := range kinds {
		cs, err := reg.Get(k)
		require.NoError(t, err)
		kp, err := cs.GenerateKeyPair()
		require.NoError(t, err)
		ids.Add(kp.Key())
		pairs = append(pairs, kp)
	}
	return ids, pairs
}

func sampleNodeInfo() NodeInfo {
	return NodeInfo{
		NetworkClass:     address.NetworkClassInboundCapable,
		Capabilities:     NewCapabilitySet(CapRoute, CapDHT),
		CryptoKinds:      []cryptokind.Kind{cryptokind.KindVLD0},
		EnvelopeVersions: []uint8{0},
	}
}

func TestSignVerifyAllKinds(t *testing.T) {
	reg := cryptokind.NewRegistry()
	ids, pairs := identityFor(t, reg, cryptokind.KindVLD0, cryptokind.KindVLD1)

	signed, err := Sign(sampleNodeInfo(), reg, pairs, time.Now())
	require.NoError(t, err)
	require.Len(t, signed.Signatures, 2)

	validated, err := signed.Verify(reg, ids)
	require.NoError(t, err)
	assert.True(t, validated[cryptokind.KindVLD0])
	assert.True(t, validated[cryptokind.KindVLD1])
}

// TestVerifySubsetOfKinds: verification with a
// subset of the signing kinds validates exactly that subset; signatures
// under kinds the verifier has no key for neither validate nor reject.
func TestVerifySubsetOfKinds(t *testing.T) {
	reg := cryptokind.NewRegistry()
	_, pairs := identityFor(t, reg, cryptokind.KindVLD0, cryptokind.KindVLD1)

	signed, err := Sign(sampleNodeInfo(), reg, pairs, time.Now())
	require.NoError(t, err)

	// The verifier only knows the node's VLD0 key.
	partial := cryptokind.NewTypedKeyGroup()
	for _, kp := range pairs {
		if kp.Kind == cryptokind.KindVLD0 {
			partial.Add(kp.Key())
		}
	}
	validated, err := signed.Verify(reg, partial)
	require.NoError(t, err)
	assert.True(t, validated[cryptokind.KindVLD0])
	_, present := validated[cryptokind.KindVLD1]
	assert.False(t, present, "unknown-kind signature must be skipped, not failed")
}

func TestVerifyDetectsTamperedInfo(t *testing.T) {
	reg := cryptokind.NewRegistry()
	ids, pairs := identityFor(t, reg, cryptokind.KindVLD0)

	signed, err := Sign(sampleNodeInfo(), reg, pairs, time.Now())
	require.NoError(t, err)

	signed.NodeInfo.NetworkClass = address.NetworkClassOutboundOnly
	validated, err := signed.Verify(reg, ids)
	require.NoError(t, err)
	assert.False(t, validated[cryptokind.KindVLD0])
}

func TestSignatureBytesPreservedThroughSerialization(t *testing.T) {
	reg := cryptokind.NewRegistry()
	ids, pairs := identityFor(t, reg, cryptokind.KindVLD0)

	signed, err := Sign(sampleNodeInfo(), reg, pairs, time.Now())
	require.NoError(t, err)

	pi := PeerInfo{NodeIDs: ids, SignedNodeInfo: signed}
	restored := roundTripPeerInfo(t, pi)

	require.Len(t, restored.SignedNodeInfo.Signatures, len(signed.Signatures))
	for i := range signed.Signatures {
		assert.Equal(t, signed.Signatures[i].Value, restored.SignedNodeInfo.Signatures[i].Value,
			"signature bytes must survive serialization verbatim")
	}
	validated, err := restored.SignedNodeInfo.Verify(reg, ids)
	require.NoError(t, err)
	assert.True(t, validated[cryptokind.KindVLD0])
}

func roundTripPeerInfo(t *testing.T, pi PeerInfo) PeerInfo {
	t.Helper()
	b, err := json.Marshal(pi)
	require.NoError(t, err)
	var out PeerInfo
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestRelayedSignedNodeInfo(t *testing.T) {
	reg := cryptokind.NewRegistry()
	ids, pairs := identityFor(t, reg, cryptokind.KindVLD0)
	relayIDs, relayPairs := identityFor(t, reg, cryptokind.KindVLD0)

	direct, err := Sign(sampleNodeInfo(), reg, pairs, time.Now())
	require.NoError(t, err)
	require.False(t, direct.IsRelayed())

	relaySigned, err := Sign(sampleNodeInfo(), reg, relayPairs, time.Now())
	require.NoError(t, err)
	relayPI := &PeerInfo{NodeIDs: relayIDs, SignedNodeInfo: relaySigned}

	relayed, err := SignRelayed(direct, relayPI, reg, relayPairs)
	require.NoError(t, err)
	assert.True(t, relayed.IsRelayed())
	require.NotNil(t, relayed.Relay)

	// The node's own signatures are still those of the direct record.
	validated, err := relayed.Verify(reg, ids)
	require.NoError(t, err)
	assert.True(t, validated[cryptokind.KindVLD0])
}
