package cryptokind

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	sha256simd "github.com/minio/sha256-simd"

	verrors "veilidcore/pkg/errors"
)

// vld1 is the alternate crypto kind: secp256k1 (via decred's constant-time
// implementation, the same curve btcec re-exports) for both ECDH and ECDSA
// signatures, AES-256-GCM for AEAD, and the SIMD-accelerated SHA-256 from
// minio/sha256-simd for hashing. Bundling a second kind exercises the
// registry's "an object tagged with kind K may only be validated by the
// K-specific routines" invariant with a genuinely different cryptosystem.
type vld1 struct{}

func newVLD1() CryptoSystem { return vld1{} }

func (vld1) Kind() Kind { return KindVLD1 }

func (vld1) GenerateKeyPair() (TypedKeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return TypedKeyPair{}, verrors.WrapKind(verrors.Internal, err, "vld1: generate key")
	}
	pub := priv.PubKey()
	return TypedKeyPair{
		Kind:    KindVLD1,
		Public:  pub.SerializeCompressed(),
		Private: priv.Serialize(),
	}, nil
}

func (vld1) DH(ourSecret TypedSecret, theirPublic TypedKey) ([]byte, error) {
	if ourSecret.Kind != KindVLD1 || theirPublic.Kind != KindVLD1 {
		return nil, verrors.New(verrors.UnsupportedCryptoKind, "vld1: kind mismatch")
	}
	priv := secp256k1.PrivKeyFromBytes(ourSecret.Value)
	pub, err := secp256k1.ParsePubKey(theirPublic.Value)
	if err != nil {
		return nil, verrors.WrapKind(verrors.ParseError, err, "vld1: parse peer public key")
	}
	// Elliptic-curve Diffie-Hellman: multiply the peer's point by our
	// scalar and hash the resulting point's x-coordinate.
	var result secp256k1.JacobianPoint
	pub.AsJacobian(&result)
	secp256k1.ScalarMultNonConst(&priv.Key, &result, &result)
	result.ToAffine()
	digest := sha256simd.Sum256(result.X.Bytes()[:])
	return digest[:], nil
}

func (vld1) Sign(secret TypedSecret, data []byte) (TypedSignature, error) {
	if secret.Kind != KindVLD1 {
		return TypedSignature{}, verrors.New(verrors.UnsupportedCryptoKind, "vld1: kind mismatch")
	}
	priv := secp256k1.PrivKeyFromBytes(secret.Value)
	digest := sha256simd.Sum256(data)
	sig := ecdsa.Sign(priv, digest[:])
	return TypedSignature{Kind: KindVLD1, Value: sig.Serialize()}, nil
}

func (vld1) Verify(public TypedKey, data []byte, sig TypedSignature) bool {
	if public.Kind != KindVLD1 || sig.Kind != KindVLD1 {
		return false
	}
	pub, err := secp256k1.ParsePubKey(public.Value)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig.Value)
	if err != nil {
		return false
	}
	digest := sha256simd.Sum256(data)
	return parsed.Verify(digest[:], pub)
}

func (vld1) EncryptAEAD(key, nonce, plaintext, associatedData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "vld1: aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "vld1: gcm")
	}
	return gcm.Seal(nil, nonce, plaintext, associatedData), nil
}

func (vld1) DecryptAEAD(key, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "vld1: aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "vld1: gcm")
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, verrors.WrapKind(verrors.DecryptionFailed, err, "vld1: gcm open")
	}
	return pt, nil
}

func (vld1) Hash(data []byte) []byte {
	digest := sha256simd.Sum256(data)
	return digest[:]
}

func (vld1) NonceSize() int     { return 12 }
func (vld1) KeySize() int       { return 32 }
func (vld1) PublicKeySize() int { return 33 }
func (vld1) SecretKeySize() int { return 32 }
func (vld1) SignatureSize() int { return 72 } // DER-encoded, variable up to this bound
