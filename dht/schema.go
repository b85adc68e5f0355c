// Package dht implements the DHT record store: schema-validated signed
// subkey values with fanout get/set/watch and change notifications.
package dht

import (
	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
)

// Schema determines which writer key may modify which subkey.
type Schema interface {
	// WriterFor returns the public key permitted to write subkey, or false
	// if subkey is out of range for this schema.
	WriterFor(subkey uint32) (cryptokind.TypedKey, bool)
	SubkeyCount() uint32
}

// DFLTSchema routes every subkey to the record's owner.
type DFLTSchema struct {
	Owner cryptokind.TypedKey
	Count uint32
}

func (s DFLTSchema) WriterFor(subkey uint32) (cryptokind.TypedKey, bool) {
	if subkey >= s.Count {
		return cryptokind.TypedKey{}, false
	}
	return s.Owner, true
}

func (s DFLTSchema) SubkeyCount() uint32 { return s.Count }

// MemberPartition is one (member_key, member_count) entry of an SMPLSchema.
type MemberPartition struct {
	MemberKey cryptokind.TypedKey
	Count     uint32
}

// SMPLSchema routes the first OwnerCount subkeys to Owner, then partitions
// the remaining subkeys across Members in declared order by their Count.
type SMPLSchema struct {
	Owner      cryptokind.TypedKey
	OwnerCount uint32
	Members    []MemberPartition
}

func (s SMPLSchema) WriterFor(subkey uint32) (cryptokind.TypedKey, bool) {
	if subkey < s.OwnerCount {
		return s.Owner, true
	}
	offset := s.OwnerCount
	for _, m := range s.Members {
		if subkey < offset+m.Count {
			return m.MemberKey, true
		}
		offset += m.Count
	}
	return cryptokind.TypedKey{}, false
}

func (s SMPLSchema) SubkeyCount() uint32 {
	total := s.OwnerCount
	for _, m := range s.Members {
		total += m.Count
	}
	return total
}

// ValidateSchema checks a schema's own internal consistency (non-zero
// counts, no duplicate member keys) independent of any write.
func ValidateSchema(s Schema) error {
	if s.SubkeyCount() == 0 {
		return verrors.New(verrors.InvalidArgument, "dht: schema has zero subkeys")
	}
	if smpl, ok := s.(SMPLSchema); ok {
		seen := make(map[string]bool)
		for _, m := range smpl.Members {
			k := m.MemberKey.String()
			if seen[k] {
				return verrors.New(verrors.InvalidArgument, "dht: duplicate member key in SMPL schema")
			}
			seen[k] = true
		}
	}
	return nil
}
