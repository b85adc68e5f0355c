package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
)

func testKey(b byte) cryptokind.TypedKey {
	v := make([]byte, 32)
	v[0] = b
	return cryptokind.TypedKey{Kind: cryptokind.KindVLD0, Value: v}
}

func TestDFLTSchemaRoutesAllSubkeysToOwner(t *testing.T) {
	owner := testKey(1)
	s := DFLTSchema{Owner: owner, Count: 4}

	for sk := uint32(0); sk < 4; sk++ {
		w, ok := s.WriterFor(sk)
		require.True(t, ok)
		assert.True(t, w.Equal(owner))
	}
	_, ok := s.WriterFor(4)
	assert.False(t, ok, "subkey past the schema's count has no writer")
}

func TestSMPLSchemaPartitionsSubkeys(t *testing.T) {
	owner := testKey(1)
	memberA := testKey(2)
	memberB := testKey(3)
	s := SMPLSchema{
		Owner:      owner,
		OwnerCount: 2,
		Members: []MemberPartition{
			{MemberKey: memberA, Count: 3},
			{MemberKey: memberB, Count: 1},
		},
	}

	assert.Equal(t, uint32(6), s.SubkeyCount())

	cases := []struct {
		subkey uint32
		writer cryptokind.TypedKey
	}{
		{0, owner}, {1, owner},
		{2, memberA}, {3, memberA}, {4, memberA},
		{5, memberB},
	}
	for _, c := range cases {
		w, ok := s.WriterFor(c.subkey)
		require.True(t, ok, "subkey %d", c.subkey)
		assert.True(t, w.Equal(c.writer), "subkey %d", c.subkey)
	}
	_, ok := s.WriterFor(6)
	assert.False(t, ok)
}

func TestValidateSchemaRejectsEmpty(t *testing.T) {
	assert.Error(t, ValidateSchema(DFLTSchema{Owner: testKey(1), Count: 0}))
	assert.NoError(t, ValidateSchema(DFLTSchema{Owner: testKey(1), Count: 1}))
}
