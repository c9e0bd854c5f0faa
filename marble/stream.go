// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package marble

import (
	"encoding/json"
	"os"

	"github.com/marbledb/marble/bitmap"
	"github.com/marbledb/marble/kvstore"
	"github.com/marbledb/marble/logging"
	"github.com/marbledb/marble/triedict"
)

// Stream is a read handle over one sealed marble. It owns a read-only
// transaction and borrowed views of the trie buffers; bitmaps it returns
// are fresh values owned by the caller.
type Stream struct {
	schema *Schema
	env    *kvstore.Env
	txn    *kvstore.Txn
	meta   *kvstore.Sub
	subs   map[string]*streamSub
	rows   uint32
	pdata  string
	tb     trieBuffers
	host   string
}

type streamSub struct {
	col    *Column
	values *kvstore.Sub
	index  *kvstore.Sub
}

// OpenStream opens the marble file at path read-only.
func OpenStream(path string, logger logging.Logger) (*Stream, error) {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	env, err := kvstore.Open(path, kvstore.Options{Write: false, Logger: logger})
	if err != nil {
		return nil, err
	}
	s := &Stream{env: env, subs: map[string]*streamSub{}}
	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stream) init() error {
	txn, err := s.env.Begin()
	if err != nil {
		return wrapData(err)
	}
	s.txn = txn

	s.meta, err = txn.OpenSub(metaSubName, 0)
	if err != nil {
		return storageError("marble %v: no meta sub-store: %v", s.env.Path(), err)
	}

	var name, partition string
	var fields []string
	if err := s.metaJSON(metaName, &name); err != nil {
		return err
	}
	if err := s.metaJSON(metaFields, &fields); err != nil {
		return err
	}
	if err := s.metaJSON(metaPartition, &partition); err != nil {
		return err
	}
	var totalRows uint32
	if err := s.metaJSON(metaTotalRows, &totalRows); err != nil {
		return err
	}
	s.rows = totalRows - 1
	if err := s.metaJSON(metaPData, &s.pdata); err != nil {
		return err
	}

	s.schema, err = NewSchema(name, fields, partition)
	if err != nil {
		return err
	}

	s.tb.vidNodes, _ = s.metaRaw(metaVidNodes)
	s.tb.vidKids, _ = s.metaRaw(metaVidKids)
	s.tb.vid16Nodes, _ = s.metaRaw(metaVid16Nodes)
	s.tb.vid16Kids, _ = s.metaRaw(metaVid16Kids)

	for _, col := range s.schema.Columns {
		sub := &streamSub{col: col}
		if !col.Partition {
			sub.values, err = s.txn.OpenSub(col.Name, valueSubFlags(col)&^kvstore.Create)
			if err != nil {
				return storageError("marble %v: no value sub-store for %v", s.env.Path(), col.Name)
			}
		}
		if col.IsIndexed() {
			sub.index, err = s.txn.OpenSub(indexSubName(col.Name), indexSubFlags(col)&^kvstore.Create)
			if err != nil {
				return storageError("marble %v: no index sub-store for %v", s.env.Path(), col.Name)
			}
		}
		s.subs[col.Name] = sub
	}

	if host, err := os.Hostname(); err == nil {
		s.host = host
	}
	return nil
}

func (s *Stream) metaJSON(key string, out interface{}) error {
	bs, err := s.meta.Get([]byte(key))
	if err != nil {
		return storageError("marble %v: missing meta key %v", s.env.Path(), key)
	}
	if err := json.Unmarshal(bs, out); err != nil {
		return dataError("marble %v: corrupt meta key %v: %v", s.env.Path(), key, err)
	}
	return nil
}

func (s *Stream) metaRaw(key string) ([]byte, bool) {
	bs, err := s.meta.GetRaw([]byte(key))
	if err != nil {
		return nil, false
	}
	return bs, true
}

// Close releases the transaction and the environment.
func (s *Stream) Close() {
	if s.txn != nil {
		s.txn.Abort()
		s.txn = nil
	}
	if s.env != nil {
		s.env.Close()
		s.env = nil
	}
}

// Schema returns the marble's schema.
func (s *Stream) Schema() *Schema {
	return s.schema
}

// RowCount returns the number of rows; RIDs run [1, RowCount()].
func (s *Stream) RowCount() uint32 {
	return s.rows
}

// PartitionValue returns the partition value this marble holds.
func (s *Stream) PartitionValue() string {
	return s.pdata
}

// Host returns the local hostname, used for replica-residency checks.
func (s *Stream) Host() string {
	return s.host
}

// Universe returns the full row set [1, RowCount()].
func (s *Stream) Universe() *bitmap.Bitmap {
	return bitmap.Universe(s.rows)
}

// Get returns the decoded value of col at rid.
func (s *Stream) Get(col string, rid uint32) (interface{}, error) {
	sub, ok := s.subs[col]
	if !ok {
		return nil, storageError("no column %v", col)
	}
	if sub.col.Partition {
		return s.pdata, nil
	}
	data, err := sub.values.Get(kvstore.EncodeUint(uint64(rid)))
	if err != nil {
		return nil, dataError("column %v: no value for RID %d", col, rid)
	}
	return decodeValue(sub.col, data, s.tb)
}

// MGet calls fn with the decoded value of col for each RID in the bitmap,
// in ascending order, until fn returns false.
func (s *Stream) MGet(col string, rids *bitmap.Bitmap, fn func(rid uint32, v interface{}) bool) error {
	sub, ok := s.subs[col]
	if !ok {
		return storageError("no column %v", col)
	}
	var err error
	rids.Iter(func(rid uint32) bool {
		var v interface{}
		if sub.col.Partition {
			v = s.pdata
		} else {
			var data []byte
			data, err = sub.values.Get(kvstore.EncodeUint(uint64(rid)))
			if err != nil {
				err = dataError("column %v: no value for RID %d", col, rid)
				return false
			}
			v, err = decodeValue(sub.col, data, s.tb)
			if err != nil {
				return false
			}
		}
		return fn(rid, v)
	})
	return err
}

// encodeKey runs a query literal through the column's storage codec. For
// trie columns a dictionary miss reports ok=false.
func (s *Stream) encodeKey(col *Column, v interface{}) ([]byte, bool, error) {
	if col.IsTrie() {
		str, err := asString(v)
		if err != nil {
			return nil, false, dataError("column %v: %v", col.Name, err)
		}
		return s.trieKey(col, []byte(str))
	}
	key, err := encodeValue(col, v, nil)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func (s *Stream) trieKey(col *Column, val []byte) ([]byte, bool, error) {
	if col.TrieWidth == 16 {
		vid, ok := triedict.VIDForValue(s.tb.vid16Nodes, s.tb.vid16Kids, val)
		if !ok {
			return nil, false, nil
		}
		return []byte{byte(vid), byte(vid >> 8)}, true, nil
	}
	vid, ok := triedict.VIDForValue(s.tb.vidNodes, s.tb.vidKids, val)
	if !ok {
		return nil, false, nil
	}
	return []byte{byte(vid), byte(vid >> 8), byte(vid >> 16), byte(vid >> 24)}, true, nil
}

func (s *Stream) indexOf(col string) (*streamSub, error) {
	sub, ok := s.subs[col]
	if !ok {
		return nil, storageError("no column %v", col)
	}
	if sub.index == nil {
		return nil, storageError("column %v is not indexed", col)
	}
	return sub, nil
}

// BitEq returns the set of RIDs where col == v.
func (s *Stream) BitEq(col string, v interface{}) (*bitmap.Bitmap, error) {
	sub, err := s.indexOf(col)
	if err != nil {
		return nil, err
	}
	key, ok, err := s.encodeKey(sub.col, v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return bitmap.New(), nil
	}
	return s.indexBitmap(sub, key)
}

func (s *Stream) indexBitmap(sub *streamSub, key []byte) (*bitmap.Bitmap, error) {
	data, err := sub.index.Get(key)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return bitmap.New(), nil
		}
		return nil, wrapData(err)
	}
	b, err := bitmap.FromBytes(data)
	if err != nil {
		return nil, dataError("column %v: corrupt index bitmap: %v", sub.col.Name, err)
	}
	return b, nil
}

// BitNe returns the set of RIDs where col != v: the complement of the
// equality bitmap over the row universe.
func (s *Stream) BitNe(col string, v interface{}) (*bitmap.Bitmap, error) {
	b, err := s.BitEq(col, v)
	if err != nil {
		return nil, err
	}
	b.Complement(s.rows)
	return b, nil
}

// BitEqEx returns the set of RIDs where col is any of vs.
func (s *Stream) BitEqEx(col string, vs []interface{}) (*bitmap.Bitmap, error) {
	sub, err := s.indexOf(col)
	if err != nil {
		return nil, err
	}
	out := bitmap.New()
	for _, v := range vs {
		key, ok, err := s.encodeKey(sub.col, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		b, err := s.indexBitmap(sub, key)
		if err != nil {
			return nil, err
		}
		out.Or(b)
	}
	return out, nil
}

// BitNeEx returns the set of RIDs where col is none of vs.
func (s *Stream) BitNeEx(col string, vs []interface{}) (*bitmap.Bitmap, error) {
	b, err := s.BitEqEx(col, vs)
	if err != nil {
		return nil, err
	}
	b.Complement(s.rows)
	return b, nil
}

// rangeOp unions every index bitmap selected by the cursor.
func (s *Stream) rangeOp(col string, v interface{}, walk func(sub *kvstore.Sub, key []byte) func(func([]byte, []byte) bool)) (*bitmap.Bitmap, error) {
	sub, err := s.indexOf(col)
	if err != nil {
		return nil, err
	}
	key, ok, err := s.encodeKey(sub.col, v)
	if err != nil {
		return nil, err
	}
	out := bitmap.New()
	if !ok {
		return out, nil
	}
	var derr error
	walk(sub.index, key)(func(_, data []byte) bool {
		b, err := bitmap.FromBytes(data)
		if err != nil {
			derr = dataError("column %v: corrupt index bitmap: %v", col, err)
			return false
		}
		out.Or(b)
		return true
	})
	if derr != nil {
		return nil, derr
	}
	return out, nil
}

// BitLt returns the set of RIDs where col < v.
func (s *Stream) BitLt(col string, v interface{}) (*bitmap.Bitmap, error) {
	return s.rangeOp(col, v, func(sub *kvstore.Sub, key []byte) func(func([]byte, []byte) bool) {
		return sub.Lt(key)
	})
}

// BitLe returns the set of RIDs where col <= v.
func (s *Stream) BitLe(col string, v interface{}) (*bitmap.Bitmap, error) {
	return s.rangeOp(col, v, func(sub *kvstore.Sub, key []byte) func(func([]byte, []byte) bool) {
		return sub.Le(key)
	})
}

// BitGt returns the set of RIDs where col > v.
func (s *Stream) BitGt(col string, v interface{}) (*bitmap.Bitmap, error) {
	return s.rangeOp(col, v, func(sub *kvstore.Sub, key []byte) func(func([]byte, []byte) bool) {
		return sub.Gt(key)
	})
}

// BitGe returns the set of RIDs where col >= v.
func (s *Stream) BitGe(col string, v interface{}) (*bitmap.Bitmap, error) {
	return s.rangeOp(col, v, func(sub *kvstore.Sub, key []byte) func(func([]byte, []byte) bool) {
		return sub.Ge(key)
	})
}
