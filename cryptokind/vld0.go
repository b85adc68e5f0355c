package cryptokind

import (
	"crypto/ed25519"
	crand "crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	verrors "veilidcore/pkg/errors"
)

// vld0 is the default crypto kind: ed25519 signatures, X25519 Diffie-Hellman,
// XChaCha20-Poly1305 AEAD, and BLAKE3 hashing. The DH and signing keys are
// both derived from one 32-byte seed (two independent sub-keys, each the
// BLAKE3 hash of a distinct text prefix followed by the seed) so a single
// TypedKeyPair serves both roles,
// matching the data model's "one keypair per kind" invariant without the
// Edwards/Montgomery birational-map machinery a from-scratch implementation
// would otherwise need.
type vld0 struct{}

func newVLD0() CryptoSystem { return vld0{} }

func (vld0) Kind() Kind { return KindVLD0 }

func (v vld0) GenerateKeyPair() (TypedKeyPair, error) {
	seed := make([]byte, 32)
	if _, err := crand.Read(seed); err != nil {
		return TypedKeyPair{}, verrors.WrapKind(verrors.Internal, err, "vld0: generate seed")
	}
	return v.keyPairFromSeed(seed)
}

func (v vld0) keyPairFromSeed(seed []byte) (TypedKeyPair, error) {
	edSeed := blake3.Sum256(append([]byte("VLD0-sign"), seed...))
	dhSeed := blake3.Sum256(append([]byte("VLD0-dh"), seed...))

	edPriv := ed25519.NewKeyFromSeed(edSeed[:])
	edPub := edPriv.Public().(ed25519.PublicKey)

	var dhPub [32]byte
	curve25519.ScalarBaseMult(&dhPub, &dhSeed)

	pub := make([]byte, 0, len(edPub)+len(dhPub))
	pub = append(pub, edPub...)
	pub = append(pub, dhPub[:]...)

	priv := make([]byte, 0, len(edPriv)+len(dhSeed))
	priv = append(priv, edPriv...)
	priv = append(priv, dhSeed[:]...)

	return TypedKeyPair{Kind: KindVLD0, Public: pub, Private: priv}, nil
}

func (vld0) splitPublic(pub []byte) (edPub ed25519.PublicKey, dhPub [32]byte, err error) {
	if len(pub) != ed25519.PublicKeySize+32 {
		return nil, dhPub, verrors.New(verrors.ParseError, "vld0: bad public key length")
	}
	edPub = ed25519.PublicKey(pub[:ed25519.PublicKeySize])
	copy(dhPub[:], pub[ed25519.PublicKeySize:])
	return edPub, dhPub, nil
}

func (vld0) splitPrivate(priv []byte) (edPriv ed25519.PrivateKey, dhSeed [32]byte, err error) {
	if len(priv) != ed25519.PrivateKeySize+32 {
		return nil, dhSeed, verrors.New(verrors.ParseError, "vld0: bad private key length")
	}
	edPriv = ed25519.PrivateKey(priv[:ed25519.PrivateKeySize])
	copy(dhSeed[:], priv[ed25519.PrivateKeySize:])
	return edPriv, dhSeed, nil
}

func (v vld0) DH(ourSecret TypedSecret, theirPublic TypedKey) ([]byte, error) {
	if ourSecret.Kind != KindVLD0 || theirPublic.Kind != KindVLD0 {
		return nil, verrors.New(verrors.UnsupportedCryptoKind, "vld0: kind mismatch")
	}
	_, ourDHSeed, err := v.splitPrivate(ourSecret.Value)
	if err != nil {
		return nil, err
	}
	_, theirDHPub, err := v.splitPublic(theirPublic.Value)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ourDHSeed[:], theirDHPub[:])
	if err != nil {
		return nil, verrors.WrapKind(verrors.DecryptionFailed, err, "vld0: x25519")
	}
	sum := blake3.Sum256(shared)
	return sum[:], nil
}

func (v vld0) Sign(secret TypedSecret, data []byte) (TypedSignature, error) {
	if secret.Kind != KindVLD0 {
		return TypedSignature{}, verrors.New(verrors.UnsupportedCryptoKind, "vld0: kind mismatch")
	}
	edPriv, _, err := v.splitPrivate(secret.Value)
	if err != nil {
		return TypedSignature{}, err
	}
	sig := ed25519.Sign(edPriv, data)
	return TypedSignature{Kind: KindVLD0, Value: sig}, nil
}

func (v vld0) Verify(public TypedKey, data []byte, sig TypedSignature) bool {
	if public.Kind != KindVLD0 || sig.Kind != KindVLD0 {
		return false
	}
	edPub, _, err := v.splitPublic(public.Value)
	if err != nil {
		return false
	}
	return ed25519.Verify(edPub, data, sig.Value)
}

func (vld0) EncryptAEAD(key, nonce, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "vld0: new aead")
	}
	return aead.Seal(nil, nonce, plaintext, associatedData), nil
}

func (vld0) DecryptAEAD(key, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "vld0: new aead")
	}
	pt, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, verrors.WrapKind(verrors.DecryptionFailed, err, "vld0: open")
	}
	return pt, nil
}

func (vld0) Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

func (vld0) NonceSize() int     { return chacha20poly1305.NonceSizeX }
func (vld0) KeySize() int       { return chacha20poly1305.KeySize }
func (vld0) PublicKeySize() int { return ed25519.PublicKeySize + 32 }
func (vld0) SecretKeySize() int { return ed25519.PrivateKeySize + 32 }
func (vld0) SignatureSize() int { return ed25519.SignatureSize }
