package routingtable

import (
	"encoding/json"
	"time"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
)

// Store is the external key/value table contract the core consumes: "open(name, col_count), store(col, key, bytes), load(col, key) →
// bytes?, delete(col, key), keys(col)". The routing table only needs the
// single "RoutingTable" table with one column per crypto kind.
type Store interface {
	Open(name string, colCount int) error
	StoreKV(col int, key []byte, value []byte) error
	LoadKV(col int, key []byte) ([]byte, bool, error)
	DeleteKV(col int, key []byte) error
	Keys(col int) ([][]byte, error)
}

type persistedEntry struct {
	Kinds     []string `json:"kinds"`
	Values    [][]byte `json:"values"`
	TimeAdded int64    `json:"time_added"`
	Liveness  int      `json:"liveness"`
}

// Save serializes every per-kind bucket array to store, one column per kind
// in the order the table was constructed with, matching the "buckets
// serialize to the external key/value store on a periodic tick" contract.
func (t *Table) Save(store Store) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := store.Open("RoutingTable", len(t.kinds)); err != nil {
		return verrors.WrapKind(verrors.Internal, err, "routingtable: open store")
	}
	col := 0
	for _, per := range t.kinds {
		per.mu.RLock()
		for _, b := range per.buckets {
			for key, e := range b.entries {
				pe := entryToPersisted(e)
				bs, err := json.Marshal(pe)
				if err != nil {
					per.mu.RUnlock()
					return verrors.WrapKind(verrors.Internal, err, "routingtable: marshal entry")
				}
				if err := store.StoreKV(col, []byte(key), bs); err != nil {
					per.mu.RUnlock()
					return verrors.WrapKind(verrors.Internal, err, "routingtable: store entry")
				}
			}
		}
		per.mu.RUnlock()
		col++
	}
	return nil
}

// Load restores entries from store whose node IDs the locally configured
// crypto kinds still recognize; entries for kinds no longer configured are
// skipped, per the "load restores entries whose node IDs the local config
// still recognizes" contract.
func (t *Table) Load(store Store) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	col := 0
	for _, per := range t.kinds {
		keys, err := store.Keys(col)
		if err != nil {
			return verrors.WrapKind(verrors.Internal, err, "routingtable: list keys")
		}
		for _, key := range keys {
			raw, ok, err := store.LoadKV(col, key)
			if err != nil {
				return verrors.WrapKind(verrors.Internal, err, "routingtable: load entry")
			}
			if !ok {
				continue
			}
			var pe persistedEntry
			if err := json.Unmarshal(raw, &pe); err != nil {
				continue // corrupt record; skip rather than fail the whole load
			}
			ids := cryptokind.NewTypedKeyGroup()
			for i, ks := range pe.Kinds {
				var k cryptokind.Kind
				copy(k[:], ks)
				ids.Add(cryptokind.TypedKey{Kind: k, Value: pe.Values[i]})
			}
			e := newEntry(ids, time.Unix(0, pe.TimeAdded))
			e.liveness = Liveness(pe.Liveness)

			per.mu.Lock()
			idx := bucketIndexForDistance(xorDistance(per.local.Value, func() []byte {
				if v, ok := ids.Get(per.local.Kind); ok {
					return v.Value
				}
				return nil
			}()))
			per.buckets[idx].put(string(key), e)
			per.mu.Unlock()
			t.byNodeID[string(key)] = e
		}
		col++
	}
	return nil
}

func entryToPersisted(e *Entry) persistedEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	pe := persistedEntry{
		TimeAdded: e.timeAdded.UnixNano(),
		Liveness:  int(e.liveness),
	}
	for _, k := range e.nodeIDs.Kinds() {
		v, _ := e.nodeIDs.Get(k)
		pe.Kinds = append(pe.Kinds, k.String())
		pe.Values = append(pe.Values, v.Value)
	}
	return pe
}
