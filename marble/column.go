// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package marble

import (
	"encoding/binary"
	"strconv"

	"github.com/pierrec/lz4/v4"

	"github.com/marbledb/marble/kvstore"
	"github.com/marbledb/marble/triedict"
	"github.com/marbledb/marble/util"
)

// Column codecs translate between tuple values and the stored
// representation. The stored form doubles as the index sub-store key, so
// it must be deterministic and, for integers, order-preserving.

// lz4RawFlag marks an incompressible payload stored verbatim after the
// length header.
const lz4RawFlag = 1 << 31

// tries bundles the two write-side dictionaries of one marble.
type tries struct {
	vid   *triedict.Trie // 32-bit VID space
	vid16 *triedict.Trie // 16-bit VID space
}

// trieBuffers bundles the serialized read-side dictionaries.
type trieBuffers struct {
	vidNodes, vidKids     []byte
	vid16Nodes, vid16Kids []byte
}

// encodeValue produces the stored representation of v for col, inserting
// into the write-side tries as needed.
func encodeValue(col *Column, v interface{}, tr *tries) ([]byte, error) {
	if v == nil {
		v = col.DefaultValue()
	}
	switch {
	case col.IsTrie():
		s, err := asString(v)
		if err != nil {
			return nil, dataError("column %v: %v", col.Name, err)
		}
		if col.TrieWidth == 16 {
			vid := tr.vid16.Add([]byte(s))
			if vid > 0xffff {
				return nil, dataError("column %v: 16-bit trie overflow at VID %d", col.Name, vid)
			}
			var out [2]byte
			binary.LittleEndian.PutUint16(out[:], uint16(vid))
			return out[:], nil
		}
		vid := tr.vid.Add([]byte(s))
		var out [4]byte
		binary.LittleEndian.PutUint32(out[:], vid)
		return out[:], nil
	case col.IsLZ4():
		s, err := asString(v)
		if err != nil {
			return nil, dataError("column %v: %v", col.Name, err)
		}
		return lz4Compress([]byte(s)), nil
	case col.IsBinary():
		switch x := v.(type) {
		case []byte:
			return append([]byte(nil), x...), nil
		case string:
			return []byte(x), nil
		}
		return nil, dataError("column %v: binary value must be bytes, got %T", col.Name, v)
	case col.IsNumeric():
		if col.Type.Signed() {
			i, ok := util.ToInt(v)
			if !ok {
				return nil, dataError("column %v: not an integer: %v", col.Name, v)
			}
			return kvstore.EncodeInt(i), nil
		}
		u, ok := asUint(v)
		if !ok {
			return nil, dataError("column %v: not an unsigned integer: %v", col.Name, v)
		}
		return kvstore.EncodeUint(u), nil
	}
	// Raw string.
	s, err := asString(v)
	if err != nil {
		return nil, dataError("column %v: %v", col.Name, err)
	}
	return []byte(s), nil
}

// decodeValue translates a stored representation back to a tuple value.
func decodeValue(col *Column, data []byte, tb trieBuffers) (interface{}, error) {
	switch {
	case col.IsTrie():
		var vid uint32
		if col.TrieWidth == 16 {
			if len(data) < 2 {
				return nil, dataError("column %v: short VID", col.Name)
			}
			vid = uint32(binary.LittleEndian.Uint16(data))
			val, ok := triedict.ValueForVID(tb.vid16Nodes, tb.vid16Kids, vid)
			if !ok {
				return nil, dataError("column %v: VID %d not in dictionary", col.Name, vid)
			}
			return string(val), nil
		}
		if len(data) < 4 {
			return nil, dataError("column %v: short VID", col.Name)
		}
		vid = binary.LittleEndian.Uint32(data)
		val, ok := triedict.ValueForVID(tb.vidNodes, tb.vidKids, vid)
		if !ok {
			return nil, dataError("column %v: VID %d not in dictionary", col.Name, vid)
		}
		return string(val), nil
	case col.IsLZ4():
		out, err := lz4Decompress(data)
		if err != nil {
			return nil, dataError("column %v: %v", col.Name, err)
		}
		return string(out), nil
	case col.IsBinary():
		return append([]byte(nil), data...), nil
	case col.IsNumeric():
		if len(data) != 8 {
			return nil, dataError("column %v: short integer value", col.Name)
		}
		if col.Type.Signed() {
			return kvstore.DecodeInt(data), nil
		}
		return kvstore.DecodeUint(data), nil
	}
	return string(data), nil
}

// lz4Compress produces a frame-less block with a 4-byte length header.
// Incompressible payloads are stored verbatim under the raw flag so the
// encoding stays deterministic.
func lz4Compress(src []byte) []byte {
	var c lz4.Compressor
	dst := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	n, err := c.CompressBlock(src, dst[4:])
	if err != nil || n == 0 || n >= len(src) {
		out := make([]byte, 4+len(src))
		binary.LittleEndian.PutUint32(out, uint32(len(src))|lz4RawFlag)
		copy(out[4:], src)
		return out
	}
	binary.LittleEndian.PutUint32(dst, uint32(len(src)))
	return dst[:4+n]
}

func lz4Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, strconv.ErrRange
	}
	hdr := binary.LittleEndian.Uint32(data)
	if hdr&lz4RawFlag != 0 {
		size := int(hdr &^ lz4RawFlag)
		if size != len(data)-4 {
			return nil, strconv.ErrRange
		}
		return append([]byte(nil), data[4:]...), nil
	}
	out := make([]byte, hdr)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func asString(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", nil
	}
	return "", strconv.ErrSyntax
}

func asUint(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case uint32:
		return uint64(x), true
	case int64:
		if x >= 0 {
			return uint64(x), true
		}
	case int:
		if x >= 0 {
			return uint64(x), true
		}
	case float64:
		if x >= 0 && x == float64(uint64(x)) {
			return uint64(x), true
		}
	}
	return 0, false
}

// valueSubFlags returns the sub-store flags for the column's value store:
// RID-keyed, with duplicate-sorted integer values for int-keyed columns.
func valueSubFlags(col *Column) kvstore.Flags {
	flags := kvstore.IntegerKey | kvstore.Create
	if col.IntKeyed() {
		flags |= kvstore.DupSort | kvstore.IntegerValue
	}
	return flags
}

// indexSubFlags returns the sub-store flags for the column's index store.
func indexSubFlags(col *Column) kvstore.Flags {
	flags := kvstore.Create
	if col.IntKeyed() {
		flags |= kvstore.IntegerKey
	}
	return flags
}

// indexSubName names the inverted-index sub-store of a column.
func indexSubName(name string) string {
	return "ix:" + name
}

// metaSubName is the meta sub-store holding schema, tries and row counts.
const metaSubName = "_meta_"

// Meta keys.
const (
	metaName      = "name"
	metaFields    = "fields"
	metaPartition = "partition"
	metaPData     = "_pdata"
	metaTotalRows = "_total_rows"

	metaVidNodes   = "_vid_nodes"
	metaVidKids    = "_vid_kids"
	metaVid16Nodes = "_vid16_nodes"
	metaVid16Kids  = "_vid16_kids"
)
