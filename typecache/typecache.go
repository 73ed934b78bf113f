// Package typecache implements a connection-scoped cache mapping Postgres
// type OIDs to the structural information needed to decode a column's wire
// value: whether it's a plain builtin type, a domain over another type, an
// enum, a composite row type, a range, or an array of one of those. Builtin
// OIDs are known up front; other types are added with Insert, and Resolve
// reassembles a domain-over-an-array-of-composite from parts already cached.
// The package runs no catalog query itself: Missing reports which OIDs a
// caller has to fetch and Insert.
package typecache

import (
	"github.com/lib/pq/oid"
)

// Kind distinguishes the shape of a cached type.
type Kind uint8

const (
	KindBuiltin Kind = iota
	KindDomain
	KindEnum
	KindComposite
	KindRange
	KindPseudo
	KindArray
)

// CompositeField describes one column of a composite (row) type.
type CompositeField struct {
	Name string
	Type oid.Oid
}

// TypeInfo is the structural description cached for a single OID.
type TypeInfo struct {
	OID  oid.Oid
	Name string
	Kind Kind

	// Domain: the OID this type is a domain over, and whether it is
	// declared NOT NULL.
	BaseType oid.Oid
	NotNull  bool

	// Enum: the allowed label values, in declaration order.
	EnumLabels []string

	// Composite: the fields making up the row type, in column order.
	Fields []CompositeField

	// Range: the OID of the range's element type.
	ElementType oid.Oid

	// Array: the OID of the array's element type.
	ArrayElementType oid.Oid
}

// Cache is a connection-scoped type-OID cache. The builtin table is seeded
// once at construction; everything else is populated via Insert, after a
// catalog round trip the caller performs for the OIDs Missing reports.
type Cache struct {
	builtin  map[oid.Oid]*TypeInfo
	extended map[oid.Oid]*TypeInfo
}

// New constructs a Cache with the builtin OID table preloaded.
func New() *Cache {
	c := &Cache{
		builtin:  builtinTable(),
		extended: map[oid.Oid]*TypeInfo{},
	}

	return c
}

// builtinTable seeds the cache from lib/pq's builtin OID-to-name table,
// which carries every type Postgres ships with core.
func builtinTable() map[oid.Oid]*TypeInfo {
	table := map[oid.Oid]*TypeInfo{}

	for id, name := range oid.TypeName {
		table[id] = &TypeInfo{
			OID:  id,
			Name: name,
			Kind: KindBuiltin,
		}
	}

	return table
}

// Lookup returns the cached TypeInfo for id, if known.
func (c *Cache) Lookup(id oid.Oid) (*TypeInfo, bool) {
	if t, ok := c.builtin[id]; ok {
		return t, true
	}

	t, ok := c.extended[id]
	return t, ok
}

// Missing filters ids down to the ones not yet cached, so the caller can
// fetch exactly those from pg_type/pg_attribute/pg_enum/pg_range.
func (c *Cache) Missing(ids []oid.Oid) []oid.Oid {
	var missing []oid.Oid

	seen := map[oid.Oid]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		if _, ok := c.Lookup(id); !ok {
			missing = append(missing, id)
		}
	}

	return missing
}

// Insert records a fetched TypeInfo. Domain/enum/composite/range/array
// entries reference other OIDs by ID rather than by pointer, so inserting
// them in any order and letting Lookup resolve dependents on demand is
// enough to reconstruct the full recursive type graph locally.
func (c *Cache) Insert(info *TypeInfo) {
	c.extended[info.OID] = info
}

// Resolve walks a possibly-nested type (domain-of-array-of-composite, etc)
// down to its structural leaf, returning every TypeInfo visited along the
// way, innermost last. It returns ok=false if any OID in the chain is not
// yet cached, in which case the caller should fetch it and retry.
func (c *Cache) Resolve(id oid.Oid) ([]*TypeInfo, bool) {
	var chain []*TypeInfo
	seen := map[oid.Oid]bool{}

	for {
		if seen[id] {
			// cyclical type definition; stop rather than loop forever.
			return chain, true
		}
		seen[id] = true

		info, ok := c.Lookup(id)
		if !ok {
			return chain, false
		}

		chain = append(chain, info)

		switch info.Kind {
		case KindDomain:
			id = info.BaseType
			continue
		case KindArray:
			id = info.ArrayElementType
			continue
		default:
			return chain, true
		}
	}
}
