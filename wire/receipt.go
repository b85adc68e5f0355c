package wire

import (
	"encoding/binary"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
)

// ReceiptMagic is the 4-byte receipt magic number.
var ReceiptMagic = [4]byte{'R', 'C', 'P', 'T'}

// MaxReceiptSize bounds a receipt to a single small UDP datagram.
const MaxReceiptSize = 1152

const receiptStaticLen = 4 + 1 + 4 + 2 + 8 // magic, version, kind, total size, nonce

// Receipt is a small signed proof of delivery or dial-info validation: a
// sender-chosen nonce plus an opaque extra-data blob, signed by the sender so
// the recipient of a forwarded receipt can prove provenance without being
// able to forge one on the sender's behalf.
type Receipt struct {
	SenderPublic cryptokind.TypedKey
	Nonce        [8]byte
	ExtraData    []byte
}

// EncodeReceipt signs and serializes a Receipt. Unlike Envelope, a Receipt is
// not encrypted: it authenticates "this node saw this nonce", nothing more.
func EncodeReceipt(reg *cryptokind.Registry, kind cryptokind.Kind, senderSecret cryptokind.TypedSecret, senderPublic cryptokind.TypedKey, nonce [8]byte, extraData []byte) ([]byte, error) {
	cs, err := reg.Get(kind)
	if err != nil {
		return nil, err
	}
	pubSize := cs.PublicKeySize()
	sigSize := cs.SignatureSize()

	body := make([]byte, 0, receiptStaticLen+pubSize+len(extraData))
	body = append(body, ReceiptMagic[:]...)
	body = append(body, CurrentVersion)
	body = append(body, kind[:]...)
	szBuf := make([]byte, 2)
	body = append(body, szBuf...) // placeholder, fixed below
	body = append(body, nonce[:]...)
	body = append(body, senderPublic.Value...)
	body = append(body, extraData...)

	total := len(body) + sigSize
	if total > MaxReceiptSize {
		return nil, verrors.Newf(verrors.InvalidArgument, "wire: receipt %d bytes exceeds max %d", total, MaxReceiptSize)
	}
	binary.BigEndian.PutUint16(body[9:11], uint16(total))

	sig, err := cs.Sign(senderSecret, body)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "wire: sign receipt")
	}
	return append(body, sig.Value...), nil
}

// DecodeReceipt validates magic/version/size and the sender's signature. It
// does not need a local keypair: any node can independently verify a receipt.
func DecodeReceipt(reg *cryptokind.Registry, data []byte) (*Receipt, error) {
	if len(data) < 19 {
		return nil, verrors.New(verrors.InvalidFraming, "wire: receipt too short for header")
	}
	if data[0] != ReceiptMagic[0] || data[1] != ReceiptMagic[1] || data[2] != ReceiptMagic[2] || data[3] != ReceiptMagic[3] {
		return nil, verrors.New(verrors.InvalidFraming, "wire: bad receipt magic")
	}
	version := data[4]
	if version < MinVersion || version > CurrentVersion {
		return nil, verrors.Newf(verrors.InvalidFraming, "wire: unsupported receipt version %d", version)
	}
	var kind cryptokind.Kind
	copy(kind[:], data[5:9])
	cs, err := reg.Get(kind)
	if err != nil {
		return nil, verrors.WrapKind(verrors.UnsupportedCryptoKind, err, "wire: decode receipt")
	}

	declaredSize := int(binary.BigEndian.Uint16(data[9:11]))
	if declaredSize != len(data) {
		return nil, verrors.Newf(verrors.InvalidFraming, "wire: declared receipt size %d != actual %d", declaredSize, len(data))
	}
	pubSize := cs.PublicKeySize()
	sigSize := cs.SignatureSize()
	minLen := 19 + pubSize + sigSize
	if len(data) < minLen {
		return nil, verrors.Newf(verrors.InvalidFraming, "wire: receipt shorter than minimum %d", minLen)
	}

	var nonce [8]byte
	copy(nonce[:], data[11:19])
	senderPubBytes := data[19 : 19+pubSize]
	senderPublic := cryptokind.TypedKey{Kind: kind, Value: append([]byte(nil), senderPubBytes...)}

	body := data[:len(data)-sigSize]
	sig := cryptokind.TypedSignature{Kind: kind, Value: data[len(data)-sigSize:]}
	if !cs.Verify(senderPublic, body, sig) {
		return nil, verrors.New(verrors.SignatureInvalid, "wire: receipt signature verification failed")
	}

	extra := data[19+pubSize : len(data)-sigSize]

	return &Receipt{
		SenderPublic: senderPublic,
		Nonce:        nonce,
		ExtraData:    append([]byte(nil), extra...),
	}, nil
}
