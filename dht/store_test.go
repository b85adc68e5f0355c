package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
	"veilidcore/rpc"
)

// memFabric routes encoded envelopes between engines by node-id key,
// standing in for the connection manager (same shape as rpc's own tests).
type memFabric struct {
	engines map[string]*rpc.Engine
}

func (f *memFabric) SendTo(nodeIDs *cryptokind.TypedKeyGroup, envelope []byte) error {
	for _, k := range nodeIDs.Kinds() {
		id, _ := nodeIDs.Get(k)
		if e, ok := f.engines[id.String()]; ok {
			go func() { _ = e.HandleEnvelope(envelope) }()
			return nil
		}
	}
	return verrors.New(verrors.NoConnection, "fabric: unknown peer")
}

type fixedPeers struct {
	groups []*cryptokind.TypedKeyGroup
}

func (p *fixedPeers) ClosestTo(kind cryptokind.Kind, target cryptokind.TypedKey, count int) []*cryptokind.TypedKeyGroup {
	if count > len(p.groups) {
		count = len(p.groups)
	}
	return p.groups[:count]
}

type testNode struct {
	ids    *cryptokind.TypedKeyGroup
	engine *rpc.Engine
	store  *Store
}

func newTestNode(t *testing.T, f *memFabric, peers *fixedPeers) *testNode {
	t.Helper()
	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	ids := cryptokind.NewTypedKeyGroup()
	ids.Add(kp.Key())
	secrets := map[cryptokind.Kind]cryptokind.TypedSecret{kp.Kind: kp.Secret()}

	cfg := rpc.DefaultConfig()
	cfg.Timeout = time.Second
	engine := rpc.NewEngine(reg, ids, secrets, f, cfg, nil)
	f.engines[kp.Key().String()] = engine

	dcfg := DefaultConfig()
	dcfg.GetValueCount = 1
	dcfg.SetValueCount = 1
	dcfg.GetValueTimeout = 2 * time.Second
	dcfg.SetValueTimeout = 2 * time.Second
	store := NewStore(reg, engine, peers, cryptokind.KindVLD0, dcfg)
	store.RegisterHandlers(engine)
	return &testNode{ids: ids, engine: engine, store: store}
}

func ownerKeyPair(t *testing.T) cryptokind.TypedKeyPair {
	t.Helper()
	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func recordKey(b byte) cryptokind.TypedKey {
	v := make([]byte, 32)
	v[0] = b
	return cryptokind.TypedKey{Kind: cryptokind.KindVLD0, Value: v}
}

// TestSetGetAcrossNodes: A owns a DFLT(1) record and
// stores a value; B fanouts a get through A and sees it; A updates; B's
// force-refresh get sees the new value.
func TestSetGetAcrossNodes(t *testing.T) {
	f := &memFabric{engines: make(map[string]*rpc.Engine)}
	owner := ownerKeyPair(t)
	key := recordKey(0x77)

	nodeA := newTestNode(t, f, &fixedPeers{})
	peersOfB := &fixedPeers{groups: []*cryptokind.TypedKeyGroup{nodeA.ids}}
	nodeB := newTestNode(t, f, peersOfB)

	_, err := nodeA.store.CreateRecord(key, DFLTSchema{Owner: owner.Key(), Count: 1}, owner.Key())
	require.NoError(t, err)
	first, err := nodeA.store.SetLocal(key, 0, []byte("hello"), owner)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.Seq, "the first write to a fresh subkey carries seq 0")

	got, err := nodeB.store.GetValue(key, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Data)
	assert.Equal(t, first.Seq, got.Seq)

	second, err := nodeA.store.SetLocal(key, 0, []byte("world"), owner)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), second.Seq)

	got, err = nodeB.store.GetValue(key, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got.Data)
	assert.Equal(t, second.Seq, got.Seq)
}

// TestDowngradeRejected: a peer replaying an older
// seq for a subkey is refused; the newer local value is kept and reported
// back instead.
func TestDowngradeRejected(t *testing.T) {
	f := &memFabric{engines: make(map[string]*rpc.Engine)}
	owner := ownerKeyPair(t)
	key := recordKey(0x42)

	nodeA := newTestNode(t, f, &fixedPeers{})
	_, err := nodeA.store.CreateRecord(key, DFLTSchema{Owner: owner.Key(), Count: 1}, owner.Key())
	require.NoError(t, err)

	v1, err := nodeA.store.SetLocal(key, 0, []byte("old"), owner)
	require.NoError(t, err)
	v2, err := nodeA.store.SetLocal(key, 0, []byte("new"), owner)
	require.NoError(t, err)

	// Replay v1's exact signed bytes straight at the validation layer, the
	// same path handleSetValueQ takes for a network write.
	r, ok := nodeA.store.recordFor(key)
	require.True(t, ok)
	cur, applied, err := nodeA.store.validateWrite(r, 0, v1.Seq, v1.Data, v1.Signature, owner.Key())
	require.NoError(t, err)
	assert.False(t, applied, "downgrade must not be applied")
	assert.Equal(t, v2.Seq, cur.Seq, "current value is reported back")
	assert.Equal(t, []byte("new"), cur.Data)

	kept, ok := r.Get(0)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), kept.Data)
}

// TestSchemaEnforcement: an SMPL write signed by
// a key outside the subkey's partition is rejected with InvalidArgument.
func TestSchemaEnforcement(t *testing.T) {
	f := &memFabric{engines: make(map[string]*rpc.Engine)}
	owner := ownerKeyPair(t)
	member := ownerKeyPair(t)
	stranger := ownerKeyPair(t)
	key := recordKey(0x10)

	node := newTestNode(t, f, &fixedPeers{})
	schema := SMPLSchema{
		Owner:      owner.Key(),
		OwnerCount: 1,
		Members:    []MemberPartition{{MemberKey: member.Key(), Count: 1}},
	}
	_, err := node.store.CreateRecord(key, schema, owner.Key())
	require.NoError(t, err)

	// Member writes its own partition: accepted.
	_, err = node.store.SetLocal(key, 1, []byte("member data"), member)
	require.NoError(t, err)

	// Stranger writes the member's partition: rejected.
	_, err = node.store.SetLocal(key, 1, []byte("forged"), stranger)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.InvalidArgument))

	// Member writes the owner's partition: also rejected.
	_, err = node.store.SetLocal(key, 0, []byte("wrong slot"), member)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.InvalidArgument))
}

func TestSeqCollisionWithDifferentDataRejected(t *testing.T) {
	f := &memFabric{engines: make(map[string]*rpc.Engine)}
	owner := ownerKeyPair(t)
	key := recordKey(0x55)

	node := newTestNode(t, f, &fixedPeers{})
	_, err := node.store.CreateRecord(key, DFLTSchema{Owner: owner.Key(), Count: 1}, owner.Key())
	require.NoError(t, err)

	v, err := node.store.SetLocal(key, 0, []byte("data"), owner)
	require.NoError(t, err)

	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)
	sig, err := cs.Sign(owner.Secret(), signPayload(key, 0, []byte("DIFFERENT")))
	require.NoError(t, err)

	r, ok := node.store.recordFor(key)
	require.True(t, ok)
	_, _, err = node.store.validateWrite(r, 0, v.Seq, []byte("DIFFERENT"), sig, owner.Key())
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.InvalidArgument))
}

func TestWatchNotifiesUntilCountExhausted(t *testing.T) {
	f := &memFabric{engines: make(map[string]*rpc.Engine)}
	owner := ownerKeyPair(t)
	key := recordKey(0x99)

	node := newTestNode(t, f, &fixedPeers{})
	_, err := node.store.CreateRecord(key, DFLTSchema{Owner: owner.Key(), Count: 1}, owner.Key())
	require.NoError(t, err)

	r, ok := node.store.recordFor(key)
	require.True(t, ok)

	var seen [][]byte
	r.addWatch(0, 2, func(subkey uint32, v SignedSubkeyValue) {
		seen = append(seen, v.Data)
	})

	for _, d := range []string{"a", "b", "c"} {
		_, err := node.store.SetLocal(key, 0, []byte(d), owner)
		require.NoError(t, err)
	}

	require.Len(t, seen, 2, "watch grant with count=2 fires exactly twice")
	assert.Equal(t, []byte("a"), seen[0])
	assert.Equal(t, []byte("b"), seen[1])
}
