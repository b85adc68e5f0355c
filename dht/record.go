package dht

import (
	"sync"

	"veilidcore/cryptokind"
)

// SignedSubkeyValue is one subkey's stored value: a monotonically
// non-decreasing sequence number, the raw bytes, and a signature by the
// partition's writer over (key, subkey, data).
type SignedSubkeyValue struct {
	Seq       uint32
	Data      []byte
	Signature cryptokind.TypedSignature
	Writer    cryptokind.TypedKey
}

// Record is (key, schema, owner_public_key, subkeys). Per-record
// mutation is coordinated by a single async mutex: fanouts and
// local writes both take it, never holding it across network I/O.
type Record struct {
	mu sync.Mutex

	Key    cryptokind.TypedKey
	Schema Schema
	Owner  cryptokind.TypedKey

	subkeys map[uint32]SignedSubkeyValue

	// watchers tracks outstanding WatchValue grants: subkey -> remaining
	// notification count and the peer to notify (opaque callback so the
	// store doesn't depend on the rpc package's Destination type directly).
	watchers map[uint32][]watchGrant
}

type watchGrant struct {
	notify  func(subkey uint32, v SignedSubkeyValue)
	remaining uint32
}

func NewRecord(key cryptokind.TypedKey, schema Schema, owner cryptokind.TypedKey) *Record {
	return &Record{
		Key:      key,
		Schema:   schema,
		Owner:    owner,
		subkeys:  make(map[uint32]SignedSubkeyValue),
		watchers: make(map[uint32][]watchGrant),
	}
}

// Get returns the locally stored value for subkey, if any.
func (r *Record) Get(subkey uint32) (SignedSubkeyValue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.subkeys[subkey]
	return v, ok
}

// localSeq returns the stored sequence number for subkey, or 0 if unset.
func (r *Record) localSeq(subkey uint32) uint32 {
	if v, ok := r.subkeys[subkey]; ok {
		return v.Seq
	}
	return 0
}

// nextLocalSeq returns the sequence number the next local write to subkey
// should carry: 0 for a never-written subkey, stored seq + 1 otherwise.
func (r *Record) nextLocalSeq(subkey uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.subkeys[subkey]; ok {
		return v.Seq + 1
	}
	return 0
}

// put stores v for subkey unconditionally and fires any outstanding watch
// notifications, dropping grants whose count is used up. Callers must
// validate seq/schema/signature before calling put.
func (r *Record) put(subkey uint32, v SignedSubkeyValue) {
	r.subkeys[subkey] = v
	grants := r.watchers[subkey]
	remaining := grants[:0]
	for _, g := range grants {
		g.notify(subkey, v)
		if g.remaining > 1 {
			g.remaining--
			remaining = append(remaining, g)
		}
	}
	if len(remaining) == 0 {
		delete(r.watchers, subkey)
	} else {
		r.watchers[subkey] = remaining
	}
}

// addWatch registers a watch grant for subkey.
func (r *Record) addWatch(subkey uint32, count uint32, notify func(uint32, SignedSubkeyValue)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[subkey] = append(r.watchers[subkey], watchGrant{notify: notify, remaining: count})
}

// SubkeySeqs returns the sequence number (0 if unset) for every subkey in
// [lo, hi), clamped by the caller to the 512-subkey inspect limit.
func (r *Record) SubkeySeqs(lo, hi uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, hi-lo)
	for sk := lo; sk < hi; sk++ {
		out = append(out, r.localSeq(sk))
	}
	return out
}
