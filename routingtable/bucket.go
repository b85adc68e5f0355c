package routingtable

import (
	"sort"
	"time"
)

// bucket holds the entries whose XOR distance from the local node falls in
// one distance range. Depth is fixed per table ("bucket depth is
// fixed (e.g., 16)").
type bucket struct {
	entries map[string]*Entry // keyed by the peer's node-id string for this kind
}

func newBucket() *bucket {
	return &bucket{entries: make(map[string]*Entry)}
}

func (b *bucket) get(idKey string) (*Entry, bool) {
	e, ok := b.entries[idKey]
	return e, ok
}

func (b *bucket) put(idKey string, e *Entry) {
	b.entries[idKey] = e
}

func (b *bucket) remove(idKey string) {
	delete(b.entries, idKey)
}

func (b *bucket) len() int { return len(b.entries) }

// kick evicts entries beyond depth, sorted by liveness ascending (Dead
// first) then time-added descending (newest kicked first), skipping any
// entry with a nonzero reference count. Returns the evicted keys.
func (b *bucket) kick(depth int, now time.Time) []string {
	if len(b.entries) <= depth {
		return nil
	}
	type kv struct {
		key   string
		entry *Entry
	}
	all := make([]kv, 0, len(b.entries))
	for k, e := range b.entries {
		all = append(all, kv{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		si := all[i].entry.Liveness().stateOrder()
		sj := all[j].entry.Liveness().stateOrder()
		if si != sj {
			return si < sj
		}
		return all[i].entry.TimeAdded().After(all[j].entry.TimeAdded())
	})

	extra := len(b.entries) - depth
	evicted := make([]string, 0, extra)
	for _, item := range all {
		if extra == 0 {
			break
		}
		if item.entry.refCountValue() > 0 {
			continue
		}
		evicted = append(evicted, item.key)
		extra--
	}
	for _, k := range evicted {
		b.remove(k)
	}
	return evicted
}
