package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, kind := range []cryptokind.Kind{cryptokind.KindVLD0, cryptokind.KindVLD1} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			reg := cryptokind.NewRegistry()
			cs, err := reg.Get(kind)
			require.NoError(t, err)

			sender, err := cs.GenerateKeyPair()
			require.NoError(t, err)
			recipient, err := cs.GenerateKeyPair()
			require.NoError(t, err)

			nonce := make([]byte, cs.NonceSize())
			payload := []byte("find_node question body")

			raw, err := Encode(reg, kind, sender.Secret(), sender.Key(), recipient.Key(), payload, nonce, time.Now())
			require.NoError(t, err)
			require.LessOrEqual(t, len(raw), MaxEnvelopeSize)

			decoded, err := Decode(reg, raw, recipient.Key(), recipient.Secret())
			require.NoError(t, err)
			require.Equal(t, payload, decoded.Payload)
			require.True(t, decoded.SenderPublic.Equal(sender.Key()))
		})
	}
}

func TestEnvelopeSingleByteFlipRejected(t *testing.T) {
	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)

	sender, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	nonce := make([]byte, cs.NonceSize())
	raw, err := Encode(reg, cryptokind.KindVLD0, sender.Secret(), sender.Key(), recipient.Key(), []byte("payload"), nonce, time.Now())
	require.NoError(t, err)

	for i := range raw {
		flipped := append([]byte(nil), raw...)
		flipped[i] ^= 0xFF
		_, err := Decode(reg, flipped, recipient.Key(), recipient.Secret())
		require.Error(t, err, "byte %d flip must be rejected", i)
	}
}

func TestEnvelopeWrongRecipientRejected(t *testing.T) {
	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)

	sender, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	stranger, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	nonce := make([]byte, cs.NonceSize())
	raw, err := Encode(reg, cryptokind.KindVLD0, sender.Secret(), sender.Key(), recipient.Key(), []byte("payload"), nonce, time.Now())
	require.NoError(t, err)

	_, err = Decode(reg, raw, stranger.Key(), stranger.Secret())
	require.Error(t, err)
}

func TestEnvelopeOversizeRejected(t *testing.T) {
	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)

	sender, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	nonce := make([]byte, cs.NonceSize())
	huge := make([]byte, MaxEnvelopeSize)

	_, err = Encode(reg, cryptokind.KindVLD0, sender.Secret(), sender.Key(), recipient.Key(), huge, nonce, time.Now())
	require.Error(t, err)
}
