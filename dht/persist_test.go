package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
	"veilidcore/rpc"
)

type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) StoreKV(col int, key []byte, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) LoadKV(col int, key []byte) ([]byte, bool, error) {
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *memKV) DeleteKV(col int, key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *memKV) Keys(col int) ([][]byte, error) {
	var out [][]byte
	for k := range m.data {
		out = append(out, []byte(k))
	}
	return out, nil
}

func TestRecordsSurviveSaveLoad(t *testing.T) {
	f := &memFabric{engines: make(map[string]*rpc.Engine)}
	owner := ownerKeyPair(t)
	key := recordKey(0x33)

	src := newTestNode(t, f, &fixedPeers{})
	_, err := src.store.CreateRecord(key, DFLTSchema{Owner: owner.Key(), Count: 2}, owner.Key())
	require.NoError(t, err)
	v, err := src.store.SetLocal(key, 1, []byte("persisted"), owner)
	require.NoError(t, err)

	kv := newMemKV()
	require.NoError(t, src.store.Save(kv))

	dst := newTestNode(t, f, &fixedPeers{})
	require.NoError(t, dst.store.Load(kv))

	r, ok := dst.store.recordFor(key)
	require.True(t, ok)
	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), got.Data)
	assert.Equal(t, v.Seq, got.Seq)
	assert.Equal(t, cryptokind.KindVLD0, got.Writer.Kind)

	// The restored signature still validates against the schema writer:
	// replaying the same seq and data passes validation and is not applied,
	// the same as before the round trip.
	_, applied, err := dst.store.validateWrite(r, 1, v.Seq, v.Data, v.Signature, owner.Key())
	require.NoError(t, err)
	assert.False(t, applied)
}
