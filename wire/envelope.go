// Package wire implements the authenticated, versioned on-wire framing
// for the overlay: the Envelope that carries every RPC
// operation, and the lightweight Receipt used for proof-of-delivery and
// dial-info validation.
//
// Framing is hand-built fixed-offset byte layout; the AEAD/signature
// primitives come from the cryptokind registry.
package wire

import (
	"encoding/binary"
	"time"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
)

// Magic is the 4-byte envelope magic number.
var Magic = [4]byte{'V', 'L', 'I', 'D'}

// MaxEnvelopeSize is the UDP-friendly maximum
const MaxEnvelopeSize = 65507

// CurrentVersion is the only envelope version this codec emits; Decode
// accepts any version in [MinVersion, CurrentVersion].
const (
	MinVersion     = 0
	CurrentVersion = 0
)

// staticHeaderLen is the kind-independent start of the header:
// magic+version+kind+size+timestamp. The full header before the payload
// adds nonce+senderPub+recipientPub, whose sizes are kind-dependent, so it
// is computed per-kind by headerLen.
const staticHeaderLen = 4 + 1 + 4 + 2 + 8 // magic, version, kind, size, timestamp

// Decoded is the result of a successful Decode.
type Decoded struct {
	SenderPublic    cryptokind.TypedKey
	RecipientPublic cryptokind.TypedKey
	Payload         []byte
	Timestamp       time.Time
	Kind            cryptokind.Kind
}

func headerLen(cs cryptokind.CryptoSystem) int {
	return staticHeaderLen + cs.NonceSize() + cs.PublicKeySize() + cs.PublicKeySize()
}

func minEnvelopeLen(cs cryptokind.CryptoSystem) int {
	// header + empty payload (AEAD adds its own tag, accounted for by the
	// caller at encrypt time) + trailing signature.
	return headerLen(cs) + cs.SignatureSize()
}

// Encode lays out the envelope header, derives the DH shared secret between
// sender and recipient under kind, AEAD-encrypts payload with the
// caller-supplied nonce (associated data = every header byte preceding the
// payload), and
// signs header+ciphertext with the sender's signing key.
func Encode(reg *cryptokind.Registry, kind cryptokind.Kind, senderSecret cryptokind.TypedSecret, senderPublic, recipientPublic cryptokind.TypedKey, payload []byte, nonce []byte, now time.Time) ([]byte, error) {
	cs, err := reg.Get(kind)
	if err != nil {
		return nil, err
	}
	if len(nonce) != cs.NonceSize() {
		return nil, verrors.New(verrors.InvalidArgument, "wire: bad nonce length")
	}

	hLen := headerLen(cs)
	sigLen := cs.SignatureSize()

	header := make([]byte, hLen)
	off := 0
	copy(header[off:], Magic[:])
	off += 4
	header[off] = CurrentVersion
	off++
	copy(header[off:], kind[:])
	off += 4
	// size placeholder, filled below once total size is known
	off += 2
	binary.BigEndian.PutUint64(header[off:], uint64(now.UnixMicro()))
	off += 8
	copy(header[off:], nonce)
	off += cs.NonceSize()
	copy(header[off:], senderPublic.Value)
	off += cs.PublicKeySize()
	copy(header[off:], recipientPublic.Value)
	off += cs.PublicKeySize()

	shared, err := cs.DH(senderSecret, recipientPublic)
	if err != nil {
		return nil, err
	}
	key := shared
	if len(key) > cs.KeySize() {
		key = key[:cs.KeySize()]
	}
	ciphertext, err := cs.EncryptAEAD(key, nonce, payload, header)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "wire: encrypt payload")
	}

	total := hLen + len(ciphertext) + sigLen
	if total > MaxEnvelopeSize {
		return nil, verrors.Newf(verrors.InvalidArgument, "wire: envelope %d bytes exceeds max %d", total, MaxEnvelopeSize)
	}
	binary.BigEndian.PutUint16(header[9:11], uint16(total))

	out := make([]byte, 0, total)
	out = append(out, header...)
	out = append(out, ciphertext...)

	sig, err := cs.Sign(senderSecret, out)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "wire: sign envelope")
	}
	out = append(out, sig.Value...)
	return out, nil
}

// Decode validates magic/version/size, verifies the sender's signature,
// recomputes the DH shared secret with localSecret, and AEAD-decrypts the
// payload.
func Decode(reg *cryptokind.Registry, data []byte, localPublic cryptokind.TypedKey, localSecret cryptokind.TypedSecret) (*Decoded, error) {
	if len(data) < staticHeaderLen {
		return nil, verrors.New(verrors.InvalidFraming, "wire: too short for header")
	}
	if data[0] != Magic[0] || data[1] != Magic[1] || data[2] != Magic[2] || data[3] != Magic[3] {
		return nil, verrors.New(verrors.InvalidFraming, "wire: bad magic")
	}
	version := data[4]
	if version < MinVersion || version > CurrentVersion {
		return nil, verrors.Newf(verrors.InvalidFraming, "wire: unsupported version %d", version)
	}
	var kind cryptokind.Kind
	copy(kind[:], data[5:9])
	cs, err := reg.Get(kind)
	if err != nil {
		return nil, verrors.WrapKind(verrors.UnsupportedCryptoKind, err, "wire: decode")
	}

	declaredSize := int(binary.BigEndian.Uint16(data[9:11]))
	if declaredSize != len(data) {
		return nil, verrors.Newf(verrors.InvalidFraming, "wire: declared size %d != actual %d", declaredSize, len(data))
	}
	minLen := minEnvelopeLen(cs)
	if len(data) < minLen {
		return nil, verrors.Newf(verrors.InvalidFraming, "wire: envelope shorter than minimum %d", minLen)
	}

	ts := time.UnixMicro(int64(binary.BigEndian.Uint64(data[11:19])))

	off := 19
	nonce := data[off : off+cs.NonceSize()]
	off += cs.NonceSize()
	senderPubBytes := data[off : off+cs.PublicKeySize()]
	off += cs.PublicKeySize()
	recipientPubBytes := data[off : off+cs.PublicKeySize()]
	off += cs.PublicKeySize()

	senderPublic := cryptokind.TypedKey{Kind: kind, Value: append([]byte(nil), senderPubBytes...)}
	recipientPublic := cryptokind.TypedKey{Kind: kind, Value: append([]byte(nil), recipientPubBytes...)}

	if recipientPublic.Kind != localPublic.Kind || !bytesEqual(recipientPublic.Value, localPublic.Value) {
		return nil, verrors.New(verrors.WrongRecipient, "wire: envelope not addressed to local key")
	}

	hLen := headerLen(cs)
	sigLen := cs.SignatureSize()
	signedPortion := data[:len(data)-sigLen]
	sig := cryptokind.TypedSignature{Kind: kind, Value: data[len(data)-sigLen:]}
	if !cs.Verify(senderPublic, signedPortion, sig) {
		return nil, verrors.New(verrors.SignatureInvalid, "wire: signature verification failed")
	}

	header := data[:hLen]
	ciphertext := data[hLen : len(data)-sigLen]

	shared, err := cs.DH(localSecret, senderPublic)
	if err != nil {
		return nil, err
	}
	key := shared
	if len(key) > cs.KeySize() {
		key = key[:cs.KeySize()]
	}
	_ = nonce
	payload, err := cs.DecryptAEAD(key, nonce, ciphertext, header)
	if err != nil {
		return nil, verrors.WrapKind(verrors.DecryptionFailed, err, "wire: decrypt payload")
	}

	return &Decoded{
		SenderPublic:    senderPublic,
		RecipientPublic: recipientPublic,
		Payload:         payload,
		Timestamp:       ts,
		Kind:            kind,
	}, nil
}

// PeekKind extracts the crypto kind tag from an encoded envelope without
// validating or decoding it, so callers holding several local keys know
// which secret to decode with before calling Decode.
func PeekKind(data []byte) (cryptokind.Kind, error) {
	if len(data) < staticHeaderLen {
		return cryptokind.Kind{}, verrors.New(verrors.InvalidFraming, "wire: too short for header")
	}
	var kind cryptokind.Kind
	copy(kind[:], data[5:9])
	return kind, nil
}

// PeekSender extracts the sender public key from an encoded envelope
// without decrypting or verifying it, for callers that need to associate an
// inbound flow with a peer before full decode (the association is only
// trusted once Decode's signature check passes).
func PeekSender(reg *cryptokind.Registry, data []byte) (cryptokind.TypedKey, error) {
	kind, err := PeekKind(data)
	if err != nil {
		return cryptokind.TypedKey{}, err
	}
	cs, err := reg.Get(kind)
	if err != nil {
		return cryptokind.TypedKey{}, err
	}
	off := staticHeaderLen + cs.NonceSize()
	if len(data) < off+cs.PublicKeySize() {
		return cryptokind.TypedKey{}, verrors.New(verrors.InvalidFraming, "wire: too short for sender key")
	}
	sender := make([]byte, cs.PublicKeySize())
	copy(sender, data[off:off+cs.PublicKeySize()])
	return cryptokind.TypedKey{Kind: kind, Value: sender}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
