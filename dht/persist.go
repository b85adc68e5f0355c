package dht

import (
	"encoding/json"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
)

// KV is the single-column slice of the external key/value table contract
// the record store persists through.
type KV interface {
	StoreKV(col int, key []byte, value []byte) error
	LoadKV(col int, key []byte) ([]byte, bool, error)
	DeleteKV(col int, key []byte) error
	Keys(col int) ([][]byte, error)
}

type persistedSubkey struct {
	Subkey    uint32                    `json:"subkey"`
	Seq       uint32                    `json:"seq"`
	Data      []byte                    `json:"data"`
	Signature cryptokind.TypedSignature `json:"signature"`
	Writer    cryptokind.TypedKey       `json:"writer"`
}

type persistedRecord struct {
	Key     cryptokind.TypedKey `json:"key"`
	Owner   cryptokind.TypedKey `json:"owner"`
	Schema  persistedSchema     `json:"schema"`
	Subkeys []persistedSubkey   `json:"subkeys"`
}

type persistedSchema struct {
	Type       string              `json:"type"` // "DFLT" | "SMPL"
	Count      uint32              `json:"count,omitempty"`
	OwnerCount uint32              `json:"owner_count,omitempty"`
	Members    []MemberPartition   `json:"members,omitempty"`
	Owner      cryptokind.TypedKey `json:"owner"`
}

func schemaToPersisted(s Schema) (persistedSchema, error) {
	switch sc := s.(type) {
	case DFLTSchema:
		return persistedSchema{Type: "DFLT", Count: sc.Count, Owner: sc.Owner}, nil
	case SMPLSchema:
		return persistedSchema{Type: "SMPL", OwnerCount: sc.OwnerCount, Members: sc.Members, Owner: sc.Owner}, nil
	}
	return persistedSchema{}, verrors.New(verrors.Internal, "dht: unknown schema type")
}

func (p persistedSchema) schema() (Schema, error) {
	switch p.Type {
	case "DFLT":
		return DFLTSchema{Owner: p.Owner, Count: p.Count}, nil
	case "SMPL":
		return SMPLSchema{Owner: p.Owner, OwnerCount: p.OwnerCount, Members: p.Members}, nil
	}
	return nil, verrors.Newf(verrors.ParseError, "dht: unknown persisted schema type %q", p.Type)
}

// Save writes every record to column 0 of kv, keyed by record key.
func (s *Store) Save(kv KV) error {
	s.mu.Lock()
	records := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.Unlock()

	for _, r := range records {
		pr, err := recordToPersisted(r)
		if err != nil {
			return err
		}
		blob, err := json.Marshal(pr)
		if err != nil {
			return verrors.WrapKind(verrors.Internal, err, "dht: marshal record")
		}
		if err := kv.StoreKV(0, []byte(r.Key.String()), blob); err != nil {
			return verrors.WrapKind(verrors.Internal, err, "dht: store record")
		}
	}
	return nil
}

func recordToPersisted(r *Record) (persistedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, err := schemaToPersisted(r.Schema)
	if err != nil {
		return persistedRecord{}, err
	}
	pr := persistedRecord{Key: r.Key, Owner: r.Owner, Schema: ps}
	for sk, v := range r.subkeys {
		pr.Subkeys = append(pr.Subkeys, persistedSubkey{
			Subkey: sk, Seq: v.Seq, Data: v.Data, Signature: v.Signature, Writer: v.Writer,
		})
	}
	return pr, nil
}

// Load restores records from column 0 of kv. Corrupt records are skipped
// rather than failing the whole load; the next Save reconciles.
func (s *Store) Load(kv KV) error {
	keys, err := kv.Keys(0)
	if err != nil {
		return verrors.WrapKind(verrors.Internal, err, "dht: list records")
	}
	for _, key := range keys {
		blob, ok, err := kv.LoadKV(0, key)
		if err != nil {
			return verrors.WrapKind(verrors.Internal, err, "dht: load record")
		}
		if !ok {
			continue
		}
		var pr persistedRecord
		if err := json.Unmarshal(blob, &pr); err != nil {
			continue
		}
		schema, err := pr.Schema.schema()
		if err != nil {
			continue
		}
		r := NewRecord(pr.Key, schema, pr.Owner)
		for _, psk := range pr.Subkeys {
			r.subkeys[psk.Subkey] = SignedSubkeyValue{
				Seq: psk.Seq, Data: psk.Data, Signature: psk.Signature, Writer: psk.Writer,
			}
		}
		s.mu.Lock()
		s.records[pr.Key.String()] = r
		s.mu.Unlock()
	}
	return nil
}
