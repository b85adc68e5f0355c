package routingtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
)

func localIdentity(t *testing.T, reg *cryptokind.Registry) *cryptokind.TypedKeyGroup {
	t.Helper()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	g := cryptokind.NewTypedKeyGroup()
	g.Add(kp.Key())
	return g
}

func peerIdentity(t *testing.T, reg *cryptokind.Registry) *cryptokind.TypedKeyGroup {
	t.Helper()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	g := cryptokind.NewTypedKeyGroup()
	g.Add(kp.Key())
	return g
}

func TestAddEntryAndFindClosest(t *testing.T) {
	reg := cryptokind.NewRegistry()
	local := localIdentity(t, reg)
	rt := New(reg, local)

	var refs []*NodeRef
	var peerKeys []cryptokind.TypedKey
	for i := 0; i < 5; i++ {
		ids := peerIdentity(t, reg)
		ref, err := rt.AddEntry(ids)
		require.NoError(t, err)
		refs = append(refs, ref)
		k, _ := ids.Get(cryptokind.KindVLD0)
		peerKeys = append(peerKeys, k)
	}
	defer func() {
		for _, r := range refs {
			r.Release()
		}
	}()

	target, _ := local.Get(cryptokind.KindVLD0)
	closest := rt.FindClosest(cryptokind.KindVLD0, target, 3, nil)
	require.Len(t, closest, 3)
	_ = peerKeys
}

func TestBucketDepthInvariant(t *testing.T) {
	reg := cryptokind.NewRegistry()
	local := localIdentity(t, reg)
	rt := New(reg, local)
	rt.depth = 4

	// Flipping the top bit of the local key selects bucket 0, the bucket
	// about half of all random peers land in.
	self, _ := local.Get(cryptokind.KindVLD0)
	target := cryptokind.TypedKey{Kind: self.Kind, Value: append([]byte(nil), self.Value...)}
	target.Value[0] ^= 0x80

	for i := 0; i < 20; i++ {
		ids := peerIdentity(t, reg)
		ref, err := rt.AddEntry(ids)
		require.NoError(t, err)
		ref.Release() // no outstanding refs, all kickable
	}

	require.LessOrEqual(t, rt.BucketLen(cryptokind.KindVLD0, target), 20)
	rt.Kick()
	require.LessOrEqual(t, rt.BucketLen(cryptokind.KindVLD0, target), rt.depth)
}

func TestBucketDepthSkipsReferencedEntries(t *testing.T) {
	reg := cryptokind.NewRegistry()
	local := localIdentity(t, reg)
	rt := New(reg, local)
	rt.depth = 2

	var held []*NodeRef
	for i := 0; i < 5; i++ {
		ids := peerIdentity(t, reg)
		ref, err := rt.AddEntry(ids)
		require.NoError(t, err)
		held = append(held, ref) // keep all refs outstanding
	}
	rt.Kick()

	// every entry is referenced, so kick must not have evicted any of them
	require.Equal(t, 5, rt.EntryCount())

	for _, r := range held {
		r.Release()
	}
}

func TestLivenessTransitions(t *testing.T) {
	thresh := DefaultLivenessThresholds()
	e := newEntry(cryptokind.NewTypedKeyGroup(), time.Now())
	require.Equal(t, LivenessUnreliable, e.Liveness())

	e.RecordReceive(0, 0, time.Now(), thresh)
	require.Equal(t, LivenessReliable, e.Liveness())

	later := time.Now().Add(thresh.UnreliablePingSpan + 1)
	e.Recompute(later, thresh)
	require.Equal(t, LivenessUnreliable, e.Liveness())

	for i := 0; i <= thresh.MaxConsecutiveFails; i++ {
		e.RecordPingFailure(later, thresh)
	}
	require.Equal(t, LivenessDead, e.Liveness())
}
