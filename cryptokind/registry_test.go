package cryptokind

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryBothKindsRegistered(t *testing.T) {
	r := NewRegistry()
	supported := r.Supported()
	require.Len(t, supported, 2)
	require.Equal(t, KindVLD0, supported[0], "VLD0 must be most preferred")
}

func TestDHSymmetric(t *testing.T) {
	for _, k := range []Kind{KindVLD0, KindVLD1} {
		k := k
		t.Run(k.String(), func(t *testing.T) {
			r := NewRegistry()
			cs, err := r.Get(k)
			require.NoError(t, err)

			a, err := cs.GenerateKeyPair()
			require.NoError(t, err)
			b, err := cs.GenerateKeyPair()
			require.NoError(t, err)

			s1, err := cs.DH(a.Secret(), b.Key())
			require.NoError(t, err)
			s2, err := cs.DH(b.Secret(), a.Key())
			require.NoError(t, err)
			require.True(t, bytes.Equal(s1, s2), "shared secrets must match")
		})
	}
}

func TestSignVerify(t *testing.T) {
	for _, k := range []Kind{KindVLD0, KindVLD1} {
		k := k
		t.Run(k.String(), func(t *testing.T) {
			r := NewRegistry()
			cs, err := r.Get(k)
			require.NoError(t, err)

			kp, err := cs.GenerateKeyPair()
			require.NoError(t, err)
			msg := []byte("hello veilid")
			sig, err := cs.Sign(kp.Secret(), msg)
			require.NoError(t, err)
			require.True(t, cs.Verify(kp.Key(), msg, sig))

			tampered := append([]byte(nil), msg...)
			tampered[0] ^= 0xFF
			require.False(t, cs.Verify(kp.Key(), tampered, sig))
		})
	}
}

func TestAEADRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindVLD0, KindVLD1} {
		k := k
		t.Run(k.String(), func(t *testing.T) {
			r := NewRegistry()
			cs, err := r.Get(k)
			require.NoError(t, err)

			key := make([]byte, cs.KeySize())
			nonce := make([]byte, cs.NonceSize())
			ad := []byte("header")
			pt := []byte("payload bytes")

			ct, err := cs.EncryptAEAD(key, nonce, pt, ad)
			require.NoError(t, err)
			got, err := cs.DecryptAEAD(key, nonce, ct, ad)
			require.NoError(t, err)
			require.Equal(t, pt, got)

			ct[0] ^= 0xFF
			_, err = cs.DecryptAEAD(key, nonce, ct, ad)
			require.Error(t, err)
		})
	}
}

func TestTypedKeyGroupBest(t *testing.T) {
	g := NewTypedKeyGroup()
	g.Add(TypedKey{Kind: KindVLD1, Value: []byte{1}})
	g.Add(TypedKey{Kind: KindVLD0, Value: []byte{2}})

	best, ok := g.Best([]Kind{KindVLD0, KindVLD1})
	require.True(t, ok)
	require.Equal(t, KindVLD0, best.Kind, "VLD0 preferred over VLD1")

	_, ok = g.Best([]Kind{{'X', 'X', 'X', 'X'}})
	require.False(t, ok)
}
