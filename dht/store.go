package dht

import (
	"sync"
	"time"

	"veilidcore/cryptokind"
	vclock "veilidcore/pkg/clock"
	verrors "veilidcore/pkg/errors"
	"veilidcore/rpc"
)

// Config bounds fanout behavior.
type Config struct {
	GetValueCount   int
	GetValueFanout  int
	GetValueTimeout time.Duration
	SetValueCount   int
	SetValueFanout  int
	SetValueTimeout time.Duration
	RemoteMaxRecords int
	InspectMaxSubkeys uint32
}

func DefaultConfig() Config {
	return Config{
		GetValueCount:     3,
		GetValueFanout:    8,
		GetValueTimeout:   10 * time.Second,
		SetValueCount:     3,
		SetValueFanout:    8,
		SetValueTimeout:   10 * time.Second,
		RemoteMaxRecords:  65536,
		InspectMaxSubkeys: 512,
	}
}

// ClosestPeers abstracts the routing table's find-closest so the store
// doesn't need to import routingtable's full API surface.
type ClosestPeers interface {
	ClosestTo(kind cryptokind.Kind, target cryptokind.TypedKey, count int) []*cryptokind.TypedKeyGroup
}

// Store owns every locally-known Record, validates writes against their
// schema, and drives the network fanout for reads/writes/watches that miss
// locally.
type Store struct {
	mu       sync.Mutex
	records  map[string]*Record
	registry *cryptokind.Registry
	engine   *rpc.Engine
	peers    ClosestPeers
	kind     cryptokind.Kind
	cfg      Config
	clock    vclock.Clock
}

func NewStore(reg *cryptokind.Registry, engine *rpc.Engine, peers ClosestPeers, kind cryptokind.Kind, cfg Config) *Store {
	return &Store{
		records:  make(map[string]*Record),
		registry: reg,
		engine:   engine,
		peers:    peers,
		kind:     kind,
		cfg:      cfg,
		clock:    vclock.System(),
	}
}

func (s *Store) recordFor(key cryptokind.TypedKey) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key.String()]
	return r, ok
}

// CreateRecord registers a new locally-owned record.
func (s *Store) CreateRecord(key cryptokind.TypedKey, schema Schema, owner cryptokind.TypedKey) (*Record, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) >= s.cfg.RemoteMaxRecords {
		return nil, verrors.New(verrors.TryAgain, "dht: remote_max_records reached")
	}
	r := NewRecord(key, schema, owner)
	s.records[key.String()] = r
	return r, nil
}

// validateWrite enforces the schema + monotonic-sequence rules. It
// returns the current (possibly unchanged) value and whether the write was
// applied.
func (s *Store) validateWrite(r *Record, subkey uint32, seq uint32, data []byte, sig cryptokind.TypedSignature, writer cryptokind.TypedKey) (SignedSubkeyValue, bool, error) {
	expectedWriter, ok := r.Schema.WriterFor(subkey)
	if !ok {
		return SignedSubkeyValue{}, false, verrors.New(verrors.InvalidArgument, "dht: subkey out of schema range")
	}
	if !expectedWriter.Equal(writer) {
		return SignedSubkeyValue{}, false, verrors.New(verrors.InvalidArgument, "dht: writer does not match schema partition")
	}
	cs, err := s.registry.Get(writer.Kind)
	if err != nil {
		return SignedSubkeyValue{}, false, err
	}
	if !cs.Verify(writer, signPayload(r.Key, subkey, data), sig) {
		return SignedSubkeyValue{}, false, verrors.New(verrors.SignatureInvalid, "dht: subkey signature invalid")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, has := r.subkeys[subkey]
	switch {
	case has && seq < existing.Seq:
		return existing, false, nil // reject downgrade, keep local value
	case has && seq == existing.Seq:
		if !bytesEqual(existing.Data, data) {
			return existing, false, verrors.New(verrors.InvalidArgument, "dht: seq collision with differing data")
		}
		return existing, false, nil
	default:
		v := SignedSubkeyValue{Seq: seq, Data: data, Signature: sig, Writer: writer}
		r.put(subkey, v)
		return v, true, nil
	}
}

func signPayload(key cryptokind.TypedKey, subkey uint32, data []byte) []byte {
	out := make([]byte, 0, len(key.Value)+4+len(data))
	out = append(out, key.Value...)
	out = append(out, byte(subkey>>24), byte(subkey>>16), byte(subkey>>8), byte(subkey))
	out = append(out, data...)
	return out
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

// SetLocal signs and stores subkey=data locally under signer's keypair: the
// first write to a subkey carries seq 0, each further write increments past
// the stored sequence number.
func (s *Store) SetLocal(key cryptokind.TypedKey, subkey uint32, data []byte, signer cryptokind.TypedKeyPair) (SignedSubkeyValue, error) {
	r, ok := s.recordFor(key)
	if !ok {
		return SignedSubkeyValue{}, verrors.New(verrors.KeyNotFound, "dht: unknown record")
	}
	cs, err := s.registry.Get(signer.Kind)
	if err != nil {
		return SignedSubkeyValue{}, err
	}
	nextSeq := r.nextLocalSeq(subkey)
	sig, err := cs.Sign(signer.Secret(), signPayload(key, subkey, data))
	if err != nil {
		return SignedSubkeyValue{}, verrors.WrapKind(verrors.Internal, err, "dht: sign subkey value")
	}
	v, applied, err := s.validateWrite(r, subkey, nextSeq, data, sig, signer.Key())
	if err != nil {
		return SignedSubkeyValue{}, err
	}
	if !applied {
		return v, verrors.New(verrors.Internal, "dht: local set unexpectedly rejected")
	}
	return v, nil
}
