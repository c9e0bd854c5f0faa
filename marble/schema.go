// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package marble implements the columnar storage unit of the engine: an
// immutable, memory-mapped key/value file holding one value sub-store per
// column, one inverted bitmap-index sub-store per indexed column, two
// prefix-trie dictionaries and a meta sub-store.
package marble

import (
	"strings"
)

// ColumnType enumerates the storable column types.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeI8
	TypeU8
	TypeI16
	TypeU16
	TypeI32
	TypeU32
	TypeI64
	TypeU64
)

// Signed reports whether the type is a signed integer.
func (t ColumnType) Signed() bool {
	switch t {
	case TypeI8, TypeI16, TypeI32, TypeI64:
		return true
	}
	return false
}

// Compression enumerates the string storage modes.
type Compression int

const (
	CompTrie Compression = iota
	CompRaw
	CompLZ4
	CompBinary
)

// IndexKind enumerates the index modes of a column.
type IndexKind int

const (
	IndexNone IndexKind = iota

	// IndexNarrow keeps the whole index in memory during writes.
	IndexNarrow

	// IndexWide is a cardinality hint: writes go through the bitmap LRU
	// with spill-to-store on eviction.
	IndexWide
)

// Column is the named, typed field of a marble.
type Column struct {
	Name        string
	Type        ColumnType
	Compression Compression // string columns only
	TrieWidth   int         // 16 or 32, trie compression only
	Index       IndexKind
	Partition   bool
}

// IsTrie reports whether the column stores trie-compressed strings.
func (c *Column) IsTrie() bool {
	return c.Type == TypeString && c.Compression == CompTrie
}

// IsLZ4 reports whether the column stores lz4-compressed strings.
func (c *Column) IsLZ4() bool {
	return c.Type == TypeString && c.Compression == CompLZ4
}

// IsBinary reports whether the column stores opaque blobs.
func (c *Column) IsBinary() bool {
	return c.Type == TypeString && c.Compression == CompBinary
}

// IsNumeric reports whether the column stores integers.
func (c *Column) IsNumeric() bool {
	return c.Type != TypeString
}

// IntKeyed reports whether the stored representation is an integer:
// numeric columns and trie VIDs.
func (c *Column) IntKeyed() bool {
	return c.IsNumeric() || c.IsTrie()
}

// IsIndexed reports whether the column carries an index sub-store.
func (c *Column) IsIndexed() bool {
	return c.Index != IndexNone
}

// IsWide reports whether the column's index uses the LRU spill path.
func (c *Column) IsWide() bool {
	return c.Index == IndexWide
}

// RangeQueryable reports whether range operators apply to this column.
// Trie, lz4 and binary encodings only support identity and set membership;
// the partition column accepts everything because partition pruning runs
// over raw string tags.
func (c *Column) RangeQueryable() bool {
	if c.Partition {
		return true
	}
	return !(c.IsTrie() || c.IsLZ4() || c.IsBinary())
}

// DefaultValue is stored when a record does not carry the column.
func (c *Column) DefaultValue() interface{} {
	if c.IsNumeric() {
		return int64(0)
	}
	return ""
}

var typeSpec = map[ColumnType]string{
	TypeI8:  "#1",
	TypeI16: "#2",
	TypeI32: "#4",
	TypeI64: "#8",
	TypeU8:  "@1",
	TypeU16: "@2",
	TypeU32: "@4",
	TypeU64: "@8",
}

// SchemaString renders the column back to its field spec, used to build
// the schema of a query result.
func (c *Column) SchemaString() string {
	return c.schemaString(c.Name)
}

// SchemaStringAs renders the field spec under an alias.
func (c *Column) SchemaStringAs(name string) string {
	return c.schemaString(name)
}

func (c *Column) schemaString(name string) string {
	var prefix string
	switch c.Index {
	case IndexNarrow:
		prefix = "+"
	case IndexWide:
		prefix = "="
	}
	if c.Type == TypeString {
		switch c.Compression {
		case CompTrie:
			if c.TrieWidth == 16 {
				prefix += "%2"
			} else {
				prefix += "%4"
			}
		case CompRaw:
			prefix += "$"
		case CompLZ4:
			prefix += "*"
		case CompBinary:
			prefix += "&"
		}
	} else {
		prefix += typeSpec[c.Type]
	}
	return prefix + name
}

// ParseField parses a field spec of the form [+|=][#N|@N|%N|$|*|&]name.
// A bare name is an unindexed 32-bit trie string.
func ParseField(spec string) (Column, error) {
	col := Column{
		Type:        TypeString,
		Compression: CompTrie,
		TrieWidth:   32,
	}

	rest := spec
	for len(rest) > 0 {
		switch rest[0] {
		case '+':
			col.Index = IndexNarrow
			rest = rest[1:]
			continue
		case '=':
			col.Index = IndexWide
			rest = rest[1:]
			continue
		case '#', '@':
			signed := rest[0] == '#'
			width := byte('4')
			n := 1
			if len(rest) > 1 && strings.IndexByte("1248", rest[1]) >= 0 {
				width = rest[1]
				n = 2
			}
			col.Type = intType(signed, width)
			col.Compression = CompRaw
			rest = rest[n:]
		case '%':
			col.Compression = CompTrie
			col.TrieWidth = 32
			n := 1
			if len(rest) > 1 && rest[1] == '2' {
				col.TrieWidth = 16
				n = 2
			} else if len(rest) > 1 && rest[1] == '4' {
				n = 2
			}
			rest = rest[n:]
		case '$':
			col.Compression = CompRaw
			rest = rest[1:]
		case '*':
			col.Compression = CompLZ4
			rest = rest[1:]
		case '&':
			col.Compression = CompBinary
			rest = rest[1:]
		}
		break
	}

	if rest == "" {
		return Column{}, schemaError("field spec %q has no column name", spec)
	}
	col.Name = rest
	if !col.IsTrie() {
		col.TrieWidth = 0
	}
	return col, nil
}

func intType(signed bool, width byte) ColumnType {
	switch width {
	case '1':
		if signed {
			return TypeI8
		}
		return TypeU8
	case '2':
		if signed {
			return TypeI16
		}
		return TypeU16
	case '8':
		if signed {
			return TypeI64
		}
		return TypeU64
	}
	if signed {
		return TypeI32
	}
	return TypeU32
}

// Schema describes one marble: its ordered columns and partition.
type Schema struct {
	Name          string
	Fields        []string
	PartitionName string

	Columns []*Column
	byName  map[string]*Column
}

// NewSchema parses the field specs into a schema, validating the
// partition declaration.
func NewSchema(name string, fields []string, partition string) (*Schema, error) {
	s := &Schema{
		Name:          name,
		Fields:        append([]string(nil), fields...),
		PartitionName: partition,
		byName:        make(map[string]*Column, len(fields)),
	}
	for _, spec := range fields {
		col, err := ParseField(spec)
		if err != nil {
			return nil, err
		}
		if _, ok := s.byName[col.Name]; ok {
			return nil, schemaError("duplicate column %q", col.Name)
		}
		if col.Name == partition {
			col.Partition = true
			if col.Type != TypeString || col.Compression != CompRaw {
				return nil, schemaError("partition column %q must be an uncompressed string", col.Name)
			}
			if !col.IsIndexed() {
				return nil, schemaError("partition column %q must be indexed", col.Name)
			}
		}
		c := col
		s.Columns = append(s.Columns, &c)
		s.byName[c.Name] = &c
	}
	if partition != "" {
		if _, ok := s.byName[partition]; !ok {
			return nil, schemaError("partition column %q is not in the field list", partition)
		}
	}
	return s, nil
}

// Column returns the named column, or nil.
func (s *Schema) Column(name string) *Column {
	return s.byName[name]
}

// FieldNames returns the column names in schema order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}
