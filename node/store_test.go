package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
	"veilidcore/peerinfo"
)

func TestMemTableStoreRoundTrip(t *testing.T) {
	s := NewMemTableStore()
	tbl, err := s.Open("test", 2)
	require.NoError(t, err)

	require.NoError(t, tbl.StoreKV(0, []byte("k"), []byte("v")))
	v, ok, err := tbl.LoadKV(0, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	// Columns are independent.
	_, ok, err = tbl.LoadKV(1, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tbl.DeleteKV(0, []byte("k")))
	_, ok, err = tbl.LoadKV(0, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = tbl.LoadKV(5, []byte("k"))
	require.Error(t, err)
}

// TestTableDeleteLifecycle: delete of
// a never-opened table returns false, delete of an open table is rejected,
// open-close-delete succeeds.
func TestTableDeleteLifecycle(t *testing.T) {
	s := NewMemTableStore()

	ok, err := s.Delete("never-opened")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Open("t", 1)
	require.NoError(t, err)
	_, err = s.Delete("t")
	require.Error(t, err, "deleting an open table is rejected")

	s.CloseTable("t")
	ok, err = s.Delete("t")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemSecretStore(t *testing.T) {
	s := NewMemSecretStore()

	_, ok, err := s.LoadUserSecret("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveUserSecret("k", []byte("sealed")))
	v, ok, err := s.LoadUserSecret("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("sealed"), v)

	require.NoError(t, s.RemoveUserSecret("k"))
	_, ok, err = s.LoadUserSecret("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeerCacheBounded(t *testing.T) {
	pc, err := newPeerCache(2)
	require.NoError(t, err)
	assert.Equal(t, 0, pc.Len())

	for i := byte(1); i <= 3; i++ {
		ids := cryptokind.NewTypedKeyGroup()
		ids.Add(cryptokind.TypedKey{Kind: cryptokind.KindVLD0, Value: []byte{i}})
		pc.Put(peerinfo.PeerInfo{NodeIDs: ids})
	}
	assert.Equal(t, 2, pc.Len())
}
