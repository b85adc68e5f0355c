package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
)

func TestReceiptRoundTrip(t *testing.T) {
	reg := cryptokind.NewRegistry()
	for _, kind := range reg.Supported() {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			cs, err := reg.Get(kind)
			require.NoError(t, err)

			kp, err := cs.GenerateKeyPair()
			require.NoError(t, err)

			var nonce [8]byte
			copy(nonce[:], []byte("noncenc!"))
			extra := []byte("dial-info-validation")

			raw, err := EncodeReceipt(reg, kind, kp.Secret(), kp.Key(), nonce, extra)
			require.NoError(t, err)
			require.LessOrEqual(t, len(raw), MaxReceiptSize)

			got, err := DecodeReceipt(reg, raw)
			require.NoError(t, err)
			require.Equal(t, nonce, got.Nonce)
			require.Equal(t, extra, got.ExtraData)
			require.True(t, got.SenderPublic.Equal(kp.Key()))
		})
	}
}

func TestReceiptTamperedSignatureRejected(t *testing.T) {
	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	var nonce [8]byte
	raw, err := EncodeReceipt(reg, cryptokind.KindVLD0, kp.Secret(), kp.Key(), nonce, nil)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF
	_, err = DecodeReceipt(reg, raw)
	require.Error(t, err)
}
