// Package cryptokind implements the pluggable "crypto kind" registry: a
// totally-ordered set of complete cryptosystems (curve + AEAD + hash), each
// named by a 4-byte tag, dispatched through a common CryptoSystem v-table
// rather than special-cased in protocol code.
package cryptokind

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
)

// Kind is a 4-byte identifier of a complete cryptosystem suite.
type Kind [4]byte

func (k Kind) String() string { return string(k[:]) }

// MarshalText/UnmarshalText render a Kind as its 4-character tag in JSON
// rather than a byte array.
func (k Kind) MarshalText() ([]byte, error) { return k[:], nil }

func (k *Kind) UnmarshalText(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("crypto kind must be exactly 4 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// Preference order: lower index means more preferred. Objects tagged with an
// unrecognized kind are never preferred over a recognized one.
var preferenceOrder = []Kind{KindVLD0, KindVLD1}

// less reports whether k is preferred over o, used to keep TypedKeyGroup
// ordered and to pick registry defaults.
func (k Kind) less(o Kind) bool {
	ia, ib := -1, -1
	for i, p := range preferenceOrder {
		if p == k {
			ia = i
		}
		if p == o {
			ib = i
		}
	}
	switch {
	case ia == -1 && ib == -1:
		return k.String() < o.String()
	case ia == -1:
		return false
	case ib == -1:
		return true
	default:
		return ia < ib
	}
}

// TypedKey pairs a crypto kind with its public-key bytes.
type TypedKey struct {
	Kind  Kind
	Value []byte
}

func (t TypedKey) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, base58.Encode(t.Value))
}

// ParseTypedKey is the inverse of String: "<kind>:<base58 bytes>".
func ParseTypedKey(s string) (TypedKey, error) {
	kindStr, value, ok := strings.Cut(s, ":")
	if !ok || len(kindStr) != 4 {
		return TypedKey{}, fmt.Errorf("malformed typed key %q", s)
	}
	raw, err := base58.Decode(value)
	if err != nil {
		return TypedKey{}, fmt.Errorf("malformed typed key %q: %w", s, err)
	}
	var k Kind
	copy(k[:], kindStr)
	return TypedKey{Kind: k, Value: raw}, nil
}

func (t TypedKey) Equal(o TypedKey) bool {
	if t.Kind != o.Kind || len(t.Value) != len(o.Value) {
		return false
	}
	for i := range t.Value {
		if t.Value[i] != o.Value[i] {
			return false
		}
	}
	return true
}

// TypedSecret pairs a crypto kind with its private-key bytes. It is never
// serialized onto the wire or logged.
type TypedSecret struct {
	Kind  Kind
	Value []byte
}

// TypedSignature pairs a crypto kind with its signature bytes.
type TypedSignature struct {
	Kind  Kind
	Value []byte
}

// TypedKeyPair bundles a public/private pair under one kind.
type TypedKeyPair struct {
	Kind    Kind
	Public  []byte
	Private []byte
}

func (kp TypedKeyPair) Key() TypedKey       { return TypedKey{Kind: kp.Kind, Value: kp.Public} }
func (kp TypedKeyPair) Secret() TypedSecret { return TypedSecret{Kind: kp.Kind, Value: kp.Private} }

// TypedKeyGroup holds at most one public key per kind, ordered by kind
// preference. It models a node's (or record owner's) public identity across
// every crypto kind it supports.
type TypedKeyGroup struct {
	keys map[Kind]TypedKey
}

func NewTypedKeyGroup() *TypedKeyGroup { return &TypedKeyGroup{keys: make(map[Kind]TypedKey)} }

// Add inserts or replaces the key for its kind.
func (g *TypedKeyGroup) Add(k TypedKey) {
	if g.keys == nil {
		g.keys = make(map[Kind]TypedKey)
	}
	g.keys[k.Kind] = k
}

// Get returns the key for a kind, if present.
func (g *TypedKeyGroup) Get(k Kind) (TypedKey, bool) {
	v, ok := g.keys[k]
	return v, ok
}

// Kinds returns the supported kinds in preference order.
func (g *TypedKeyGroup) Kinds() []Kind {
	out := make([]Kind, 0, len(g.keys))
	for k := range g.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Best returns the first key whose kind is in the locally supported set,
// per the preference order. ok is false if no supported kind overlaps.
func (g *TypedKeyGroup) Best(locallySupported []Kind) (TypedKey, bool) {
	supported := make(map[Kind]bool, len(locallySupported))
	for _, k := range locallySupported {
		supported[k] = true
	}
	for _, k := range g.Kinds() {
		if supported[k] {
			return g.keys[k], true
		}
	}
	return TypedKey{}, false
}

// MarshalJSON encodes the group as its keys in preference order, so peer
// info carrying a TypedKeyGroup survives serialization intact.
func (g *TypedKeyGroup) MarshalJSON() ([]byte, error) {
	keys := make([]TypedKey, 0, len(g.keys))
	for _, k := range g.Kinds() {
		keys = append(keys, g.keys[k])
	}
	return json.Marshal(keys)
}

func (g *TypedKeyGroup) UnmarshalJSON(b []byte) error {
	var keys []TypedKey
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	g.keys = make(map[Kind]TypedKey, len(keys))
	for _, k := range keys {
		g.keys[k.Kind] = k
	}
	return nil
}

// SameNode reports whether two key groups identify the same node: they share
// any public key of any shared kind.
func SameNode(a, b *TypedKeyGroup) bool {
	for _, k := range a.Kinds() {
		ak, _ := a.Get(k)
		if bk, ok := b.Get(k); ok && ak.Equal(bk) {
			return true
		}
	}
	return false
}
