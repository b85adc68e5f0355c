package routingtable

import (
	"math/bits"
	"sort"
	"sync"
	"time"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
)

// NumBuckets is fixed at 256
const NumBuckets = 256

// DefaultDepth is the per-bucket entry cap ("e.g., 16").
const DefaultDepth = 16

// perKindTable is one crypto kind's bucket array, keyed by distance from the
// local node's key of that kind.
type perKindTable struct {
	mu      sync.RWMutex
	local   cryptokind.TypedKey
	buckets [NumBuckets]*bucket
}

func newPerKindTable(local cryptokind.TypedKey) *perKindTable {
	t := &perKindTable{local: local}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

// Table is the full per-crypto-kind routing table. One Entry is shared
// across all per-kind tables the peer participates in, so a NodeRef into one
// kind's bucket reflects the same liveness/stats state regardless of which
// kind was used to find it.
type Table struct {
	mu       sync.RWMutex
	registry *cryptokind.Registry
	kinds    map[cryptokind.Kind]*perKindTable
	byNodeID map[string]*Entry // keyed by "<kind>:<base58>" for every supported kind
	depth    int
	thresh   LivenessThresholds
	clockNow func() time.Time
}

// New builds a routing table with one per-kind bucket array per locally
// configured identity key.
func New(registry *cryptokind.Registry, localIdentity *cryptokind.TypedKeyGroup) *Table {
	t := &Table{
		registry: registry,
		kinds:    make(map[cryptokind.Kind]*perKindTable),
		byNodeID: make(map[string]*Entry),
		depth:    DefaultDepth,
		thresh:   DefaultLivenessThresholds(),
		clockNow: time.Now,
	}
	for _, k := range localIdentity.Kinds() {
		local, _ := localIdentity.Get(k)
		t.kinds[k] = newPerKindTable(local)
	}
	return t
}

func nodeIDMapKey(k cryptokind.TypedKey) string { return k.String() }

func xorDistance(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func bucketIndexForDistance(xor []byte) int {
	for i, bb := range xor {
		if bb == 0 {
			continue
		}
		idx := i*8 + bits.LeadingZeros8(bb)
		if idx >= NumBuckets {
			return NumBuckets - 1
		}
		return idx
	}
	return NumBuckets - 1
}

// AddEntry inserts or merges a peer, identified by its own typed key group,
// into every per-kind table it shares a supported kind with. Returns a
// NodeRef to the (possibly newly merged) entry.
func (t *Table) AddEntry(peerIDs *cryptokind.TypedKeyGroup) (*NodeRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clockNow()
	var shared *Entry
	for _, k := range peerIDs.Kinds() {
		pk, _ := peerIDs.Get(k)
		if e, ok := t.byNodeID[nodeIDMapKey(pk)]; ok {
			shared = e
			break
		}
	}
	if shared == nil {
		shared = newEntry(cloneGroup(peerIDs), now)
	} else {
		mergeInto(shared.nodeIDs, peerIDs)
	}

	matched := false
	for k, per := range t.kinds {
		peerKey, ok := peerIDs.Get(k)
		if !ok {
			continue
		}
		matched = true
		per.mu.Lock()
		xor := xorDistance(per.local.Value, peerKey.Value)
		idx := bucketIndexForDistance(xor)
		b := per.buckets[idx]
		key := nodeIDMapKey(peerKey)
		if _, exists := b.get(key); !exists {
			b.put(key, shared)
		}
		per.mu.Unlock()
		t.byNodeID[key] = shared
	}
	if !matched {
		return nil, verrors.New(verrors.InvalidArgument, "routingtable: peer shares no crypto kind with local node")
	}
	return newNodeRef(shared), nil
}

func cloneGroup(src *cryptokind.TypedKeyGroup) *cryptokind.TypedKeyGroup {
	g := cryptokind.NewTypedKeyGroup()
	for _, k := range src.Kinds() {
		v, _ := src.Get(k)
		g.Add(v)
	}
	return g
}

func mergeInto(dst, src *cryptokind.TypedKeyGroup) {
	for _, k := range src.Kinds() {
		if _, ok := dst.Get(k); !ok {
			v, _ := src.Get(k)
			dst.Add(v)
		}
	}
}

// Kick runs eviction on every bucket of every per-kind table whose entry
// count exceeds depth.
func (t *Table) Kick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clockNow()
	for _, per := range t.kinds {
		per.mu.Lock()
		for _, b := range per.buckets {
			for _, key := range b.kick(t.depth, now) {
				delete(t.byNodeID, key)
			}
		}
		per.mu.Unlock()
	}
}

// FindClosest returns up to count entries closest to target (under kind),
// filtered by pred, ties broken by node-id lexicographic order.
func (t *Table) FindClosest(kind cryptokind.Kind, target cryptokind.TypedKey, count int, pred func(*Entry) bool) []*Entry {
	t.mu.RLock()
	per, ok := t.kinds[kind]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	type scored struct {
		entry *Entry
		dist  []byte
		key   string
	}
	per.mu.RLock()
	var all []scored
	for _, b := range per.buckets {
		for key, e := range b.entries {
			if pred != nil && !pred(e) {
				continue
			}
			peerKey, ok := e.NodeIDs().Get(kind)
			if !ok {
				continue
			}
			all = append(all, scored{entry: e, dist: xorDistance(target.Value, peerKey.Value), key: key})
		}
	}
	per.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		c := compareBytes(all[i].dist, all[j].dist)
		if c != 0 {
			return c < 0
		}
		return all[i].key < all[j].key
	})
	if len(all) > count {
		all = all[:count]
	}
	out := make([]*Entry, len(all))
	for i, s := range all {
		out[i] = s.entry
	}
	return out
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Thresholds returns the liveness thresholds this table judges entries by,
// for callers recording send/receive events directly on an Entry.
func (t *Table) Thresholds() LivenessThresholds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.thresh
}

// LookupEntry returns a NodeRef for the entry registered under any of
// peerIDs' keys, or ok=false if the peer is unknown.
func (t *Table) LookupEntry(peerIDs *cryptokind.TypedKeyGroup) (*NodeRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, k := range peerIDs.Kinds() {
		pk, _ := peerIDs.Get(k)
		if e, ok := t.byNodeID[nodeIDMapKey(pk)]; ok {
			return newNodeRef(e), true
		}
	}
	return nil, false
}

// EntryCount reports the total number of distinct entries across all kinds.
func (t *Table) EntryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[*Entry]bool)
	for _, e := range t.byNodeID {
		seen[e] = true
	}
	return len(seen)
}

// BucketLen reports the current occupancy of the bucket holding target,
// mainly for tests exercising the depth invariant.
func (t *Table) BucketLen(kind cryptokind.Kind, target cryptokind.TypedKey) int {
	t.mu.RLock()
	per, ok := t.kinds[kind]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	per.mu.RLock()
	defer per.mu.RUnlock()
	idx := bucketIndexForDistance(xorDistance(per.local.Value, target.Value))
	return per.buckets[idx].len()
}
