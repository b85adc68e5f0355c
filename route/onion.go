package route

import (
	"crypto/rand"
	"encoding/json"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
)

// hopLayer is the plaintext one onion layer decrypts to: either routing
// instructions for the next hop, or (at the final hop) the wrapped inner
// operation.
type hopLayer struct {
	NextHopIndex int    `json:"next_hop_index"` // -1 at the final hop
	Inner        []byte `json:"inner"`
}

// hopBlob is the wire shape carried in RouteStatement.HopBlob: the route
// creator's route-lifetime ephemeral public key, a per-message nonce, and
// the AEAD ciphertext. Every hop re-derives the same shared secret from its
// own identity secret key and this ephemeral public key via the registry's
// DH, the same v-table wire/rpc use for envelope encryption —
// onion re-keying needs one-shot AEAD under a precomputed secret, not a
// multi-message handshake, so it reuses that v-table rather than standing
// up a second crypto stack for the same primitive operation.
type hopBlob struct {
	SenderPublic []byte `json:"sender_public"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
}

// ephemeralKeyPair is a route-lifetime (not per-message) keypair the route
// creator generates once per Allocate call, used only for onion re-keying
// and never signed with or published as a node identity.
type ephemeralKeyPair struct {
	cryptokind.TypedKeyPair
}

func generateEphemeral(cs cryptokind.CryptoSystem) (ephemeralKeyPair, error) {
	kp, err := cs.GenerateKeyPair()
	if err != nil {
		return ephemeralKeyPair{}, verrors.WrapKind(verrors.Internal, err, "route: generate ephemeral keypair")
	}
	return ephemeralKeyPair{kp}, nil
}

// encryptLayer wraps inner for delivery to the hop identified by hopPublic,
// addressed with nextHopIndex (-1 at the final hop), using sender's
// ephemeral keypair for this route.
func encryptLayer(cs cryptokind.CryptoSystem, sender ephemeralKeyPair, hopPublic cryptokind.TypedKey, nextHopIndex int, inner []byte) ([]byte, error) {
	layer, err := json.Marshal(hopLayer{NextHopIndex: nextHopIndex, Inner: inner})
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "route: marshal hop layer")
	}
	shared, err := cs.DH(sender.Secret(), hopPublic)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, cs.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "route: generate hop nonce")
	}
	ct, err := cs.EncryptAEAD(shared, nonce, layer, nil)
	if err != nil {
		return nil, err
	}
	hb := hopBlob{SenderPublic: sender.Public, Nonce: nonce, Ciphertext: ct}
	b, err := json.Marshal(hb)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "route: marshal hop blob")
	}
	return b, nil
}

// decryptLayer peels one onion layer using this hop's own identity secret
// key and the sender's ephemeral public key carried in the blob.
func decryptLayer(cs cryptokind.CryptoSystem, hopSecret cryptokind.TypedSecret, blob []byte) (nextHopIndex int, inner []byte, err error) {
	var hb hopBlob
	if err := json.Unmarshal(blob, &hb); err != nil {
		return 0, nil, verrors.WrapKind(verrors.ParseError, err, "route: unmarshal hop blob")
	}
	senderPublic := cryptokind.TypedKey{Kind: hopSecret.Kind, Value: hb.SenderPublic}
	shared, err := cs.DH(hopSecret, senderPublic)
	if err != nil {
		return 0, nil, err
	}
	plain, err := cs.DecryptAEAD(shared, hb.Nonce, hb.Ciphertext, nil)
	if err != nil {
		return 0, nil, err
	}
	var layer hopLayer
	if err := json.Unmarshal(plain, &layer); err != nil {
		return 0, nil, verrors.WrapKind(verrors.ParseError, err, "route: unmarshal hop layer")
	}
	return layer.NextHopIndex, layer.Inner, nil
}
