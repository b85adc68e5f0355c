package cryptokind

import (
	"fmt"
	"sort"
	"sync"

	verrors "veilidcore/pkg/errors"
)

// Well-known crypto kind tags.
var (
	KindVLD0 = Kind{'V', 'L', 'D', '0'}
	KindVLD1 = Kind{'V', 'L', 'D', '1'}
)

// CryptoSystem is the v-table every crypto kind implements. Protocol code
// never special-cases a kind; it always goes through this interface,
// obtained from the Registry by Kind.
type CryptoSystem interface {
	Kind() Kind

	// GenerateKeyPair produces a fresh keypair usable for both DH and
	// signing under this kind.
	GenerateKeyPair() (TypedKeyPair, error)

	// DH computes the shared secret between our secret key and a peer's
	// public key, both tagged with this kind.
	DH(ourSecret TypedSecret, theirPublic TypedKey) ([]byte, error)

	// Sign produces a signature over data using the secret key.
	Sign(secret TypedSecret, data []byte) (TypedSignature, error)

	// Verify checks a signature over data against a public key.
	Verify(public TypedKey, data []byte, sig TypedSignature) bool

	// EncryptAEAD encrypts plaintext under key+nonce with associatedData
	// authenticated but not encrypted.
	EncryptAEAD(key, nonce, plaintext, associatedData []byte) ([]byte, error)
	// DecryptAEAD is the inverse of EncryptAEAD.
	DecryptAEAD(key, nonce, ciphertext, associatedData []byte) ([]byte, error)

	// Hash returns the kind's canonical digest of data.
	Hash(data []byte) []byte

	// NonceSize and KeySize describe the AEAD parameters for framing code
	// that must size buffers before encoding.
	NonceSize() int
	KeySize() int
	// PublicKeySize / SecretKeySize / SignatureSize size wire fields.
	PublicKeySize() int
	SecretKeySize() int
	SignatureSize() int
}

// Registry is a totally ordered, by-preference map from Kind to CryptoSystem.
// It is the sole place protocol code looks up kind-specific behavior.
type Registry struct {
	mu      sync.RWMutex
	systems map[Kind]CryptoSystem
}

// NewRegistry builds a registry pre-populated with the two bundled kinds.
// Callers embedding this core with additional kinds can still Register more.
func NewRegistry() *Registry {
	r := &Registry{systems: make(map[Kind]CryptoSystem)}
	r.Register(newVLD0())
	r.Register(newVLD1())
	return r
}

func (r *Registry) Register(cs CryptoSystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systems[cs.Kind()] = cs
}

// Get returns the CryptoSystem for kind, or an error if unsupported. An
// object tagged with kind K may only ever be validated by the K-specific
// routines returned here — callers must not cross-wire systems.
func (r *Registry) Get(k Kind) (CryptoSystem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.systems[k]
	if !ok {
		return nil, verrors.Newf(verrors.InvalidArgument, "unsupported crypto kind %q", k)
	}
	return cs, nil
}

// Supported returns every registered kind, most preferred first.
func (r *Registry) Supported() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.systems))
	for k := range r.systems {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Best returns the most preferred registered kind.
func (r *Registry) Best() (Kind, error) {
	s := r.Supported()
	if len(s) == 0 {
		return Kind{}, verrors.New(verrors.Internal, "crypto registry empty")
	}
	return s[0], nil
}

func (k Kind) valid() error {
	for _, b := range k {
		if b == 0 {
			return fmt.Errorf("zero byte in crypto kind")
		}
	}
	return nil
}
