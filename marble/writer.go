// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package marble

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/marbledb/marble/bitmap"
	"github.com/marbledb/marble/kvstore"
	"github.com/marbledb/marble/logging"
	"github.com/marbledb/marble/metrics"
	"github.com/marbledb/marble/triedict"
)

// WriterOptions configure a marble writer.
type WriterOptions struct {
	// Dir receives the sealed marble files, one per partition value, under
	// generated names. DestFor overrides the destination per partition.
	Dir     string
	DestFor func(pdata string) string

	// TmpDir holds the scratch stores while writing. Defaults to Dir.
	TmpDir string

	// MapSize is the initial map size of each partition's store.
	MapSize int64

	// LRUSize is the capacity of the wide-index bitmap LRU.
	LRUSize int

	// CommitThreshold is the number of records per transaction before a
	// commit/growth check.
	CommitThreshold int

	// Preprocess, when set, may transform each record in place before it
	// is partitioned and encoded.
	Preprocess func(rec map[string]interface{})

	Logger  logging.Logger
	Metrics metrics.Metrics
}

// Writer builds marbles from a stream of decoded records, partitioning
// them by the schema's partition column. It is single-owner and not safe
// for concurrent use.
type Writer struct {
	schema *Schema
	opts   WriterOptions
	logger logging.Logger
	parts  map[string]*partWriter
	rows   metrics.Counter
}

// NewWriter returns a writer for the schema.
func NewWriter(schema *Schema, opts WriterOptions) *Writer {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.TmpDir == "" {
		opts.TmpDir = opts.Dir
	}
	if opts.MapSize <= 0 {
		opts.MapSize = 100 * 1024 * 1024
	}
	if opts.LRUSize <= 0 {
		opts.LRUSize = 10000
	}
	if opts.CommitThreshold <= 0 {
		opts.CommitThreshold = 50000
	}
	return &Writer{
		schema: schema,
		opts:   opts,
		logger: opts.Logger,
		parts:  map[string]*partWriter{},
		rows:   opts.Metrics.Counter(metrics.WriterRows),
	}
}

// Write inserts one record. Records that fail the column codecs are
// logged and skipped; storage failures surface as errors.
func (w *Writer) Write(rec map[string]interface{}) error {
	if w.opts.Preprocess != nil {
		w.opts.Preprocess(rec)
	}
	var pdata string
	if w.schema.PartitionName != "" {
		s, err := asString(rec[w.schema.PartitionName])
		if err != nil {
			w.logger.Warn("skipping record with bad partition value: %v", err)
			return nil
		}
		pdata = s
	}

	pw, ok := w.parts[pdata]
	if !ok {
		var err error
		pw, err = w.newPartWriter(pdata)
		if err != nil {
			return err
		}
		w.parts[pdata] = pw
	}

	if pw.pending >= w.opts.CommitThreshold {
		if err := pw.cycle(false); err != nil {
			return err
		}
	}
	if err := pw.insertRow(rec); err != nil {
		return err
	}
	w.rows.Incr()
	return nil
}

// Close flushes and seals every partition's marble. It returns the sealed
// file per partition value and the total row count. On failure all
// scratch files are removed and no partial output remains.
func (w *Writer) Close() (map[string]string, int64, error) {
	files := map[string]string{}
	var rows int64

	pdatas := make([]string, 0, len(w.parts))
	for pdata := range w.parts {
		pdatas = append(pdatas, pdata)
	}
	sort.Strings(pdatas)

	for i, pdata := range pdatas {
		pw := w.parts[pdata]
		dest, n, err := pw.finalize(w)
		if err != nil {
			for _, later := range pdatas[i+1:] {
				w.parts[later].abort()
			}
			for _, f := range files {
				os.Remove(f)
			}
			return nil, 0, err
		}
		files[pdata] = dest
		rows += n
	}
	w.parts = map[string]*partWriter{}
	return files, rows, nil
}

// emptyPartition ensures at least one (empty) partition exists so Close
// seals a marble even when nothing was written.
func (w *Writer) emptyPartition() error {
	if len(w.parts) > 0 {
		return nil
	}
	pw, err := w.newPartWriter("")
	if err != nil {
		return err
	}
	w.parts[""] = pw
	return nil
}

// Abort discards all partitions and removes their scratch files.
func (w *Writer) Abort() {
	for _, pw := range w.parts {
		pw.abort()
	}
	w.parts = map[string]*partWriter{}
}

func (w *Writer) destFor(pdata string) string {
	if w.opts.DestFor != nil {
		return w.opts.DestFor(pdata)
	}
	return filepath.Join(w.opts.Dir, uuid.NewString()+".marble")
}

// colState is the per-column write state inside one partition.
type colState struct {
	col    *Column
	values *kvstore.Sub
	index  *kvstore.Sub
	narrow map[string]*bitmap.Bitmap
	wide   *BitmapLRU
}

// partWriter encapsulates everything that must survive a commit/growth
// cycle for one partition: the environment, the transaction, the sub-store
// handles, the RID counter, the tries and the bitmap caches.
type partWriter struct {
	pdata    string
	scratch  string
	env      *kvstore.Env
	txn      *kvstore.Txn
	meta     *kvstore.Sub
	cols     []*colState
	tries    *tries
	nextRID  uint32
	pending  int
	logger   logging.Logger
	evictErr error
	lruSize  int
	commits  metrics.Counter
	evicts   metrics.Counter
	done     bool
}

func (w *Writer) newPartWriter(pdata string) (*partWriter, error) {
	scratch := filepath.Join(w.opts.TmpDir, "marble-"+uuid.NewString()+".big")
	env, err := kvstore.Open(scratch, kvstore.Options{
		MaxSize: w.opts.MapSize,
		Write:   true,
		Logger:  w.logger,
	})
	if err != nil {
		return nil, err
	}
	txn, err := env.Begin()
	if err != nil {
		env.Remove()
		return nil, wrapData(err)
	}

	pw := &partWriter{
		pdata:   pdata,
		scratch: scratch,
		env:     env,
		txn:     txn,
		tries:   &tries{vid: triedict.New(), vid16: triedict.New()},
		nextRID: 1,
		logger:  w.logger,
		lruSize: w.opts.LRUSize,
		commits: w.opts.Metrics.Counter(metrics.WriterCommits),
		evicts:  w.opts.Metrics.Counter(metrics.WriterEvictions),
	}

	pw.meta, err = txn.OpenSub(metaSubName, kvstore.Create)
	if err != nil {
		pw.abort()
		return nil, wrapData(err)
	}
	for _, col := range w.schema.Columns {
		cs := &colState{col: col}
		if !col.Partition {
			cs.values, err = txn.OpenSub(col.Name, valueSubFlags(col))
			if err != nil {
				pw.abort()
				return nil, wrapData(err)
			}
		}
		if col.IsIndexed() {
			cs.index, err = txn.OpenSub(indexSubName(col.Name), indexSubFlags(col))
			if err != nil {
				pw.abort()
				return nil, wrapData(err)
			}
			if col.IsWide() {
				cs.wide, err = NewBitmapLRU(pw.lruSize, pw.fetchFunc(cs), pw.evictFunc(cs))
				if err != nil {
					pw.abort()
					return nil, wrapData(err)
				}
			} else {
				cs.narrow = map[string]*bitmap.Bitmap{}
			}
		}
		pw.cols = append(pw.cols, cs)
	}
	return pw, nil
}

func (pw *partWriter) fetchFunc(cs *colState) FetchFunc {
	return func(key []byte) (*bitmap.Bitmap, bool) {
		data, err := cs.index.Get(key)
		if err != nil {
			return nil, false
		}
		b, err := bitmap.FromBytes(data)
		if err != nil {
			return nil, false
		}
		return b, true
	}
}

func (pw *partWriter) evictFunc(cs *colState) EvictFunc {
	return func(key []byte, b *bitmap.Bitmap) {
		pw.evicts.Incr()
		bs, err := b.ToBytes()
		if err == nil {
			err = pw.put(cs.index, key, bs)
		}
		if err != nil && pw.evictErr == nil {
			pw.evictErr = err
			pw.logger.Error("index eviction for %v failed: %v", cs.col.Name, err)
		}
	}
}

// put retries a full map once after a commit-and-grow cycle; a second
// MapFull aborts the partition.
func (pw *partWriter) put(sub *kvstore.Sub, k, v []byte) error {
	err := sub.Put(k, v)
	if err == nil || !kvstore.IsMapFull(err) {
		return wrapData(err)
	}
	if err := pw.cycle(true); err != nil {
		return err
	}
	if err := sub.Put(k, v); err != nil {
		return dataError("partition %q: map full after grow: %v", pw.pdata, err)
	}
	return nil
}

// cycle commits the open transaction, grows the map when the high
// watermark was crossed (or force is set), and re-points every handle and
// cache at the fresh transaction.
func (pw *partWriter) cycle(force bool) error {
	grow := force || pw.env.NeedsGrow(pw.txn)
	if err := pw.txn.Renew(); err != nil {
		return wrapData(err)
	}
	if grow {
		pw.env.Grow()
	}
	if err := pw.meta.Rebind(pw.txn); err != nil {
		return wrapData(err)
	}
	for _, cs := range pw.cols {
		if cs.values != nil {
			if err := cs.values.Rebind(pw.txn); err != nil {
				return wrapData(err)
			}
		}
		if cs.index != nil {
			if err := cs.index.Rebind(pw.txn); err != nil {
				return wrapData(err)
			}
		}
		if cs.wide != nil {
			cs.wide.Repoint(pw.fetchFunc(cs), pw.evictFunc(cs))
		}
	}
	pw.pending = 0
	pw.commits.Incr()
	return nil
}

func (pw *partWriter) insertRow(rec map[string]interface{}) error {
	encoded := make([][]byte, len(pw.cols))
	for i, cs := range pw.cols {
		e, err := encodeValue(cs.col, rec[cs.col.Name], pw.tries)
		if err != nil {
			pw.logger.Warn("skipping record: %v", err)
			return nil
		}
		encoded[i] = e
	}

	rid := pw.nextRID
	ridKey := kvstore.EncodeUint(uint64(rid))
	for i, cs := range pw.cols {
		if cs.values != nil {
			if err := pw.put(cs.values, ridKey, encoded[i]); err != nil {
				return err
			}
		}
		switch {
		case cs.narrow != nil:
			bm, ok := cs.narrow[string(encoded[i])]
			if !ok {
				bm = bitmap.New()
				cs.narrow[string(encoded[i])] = bm
			}
			bm.Set(rid)
		case cs.wide != nil:
			cs.wide.GetOrCreate(encoded[i]).Set(rid)
			if pw.evictErr != nil {
				return pw.evictErr
			}
		}
	}
	pw.nextRID++
	pw.pending++
	return nil
}

// finalize flushes indexes, serializes the tries, writes the meta keys,
// commits and copies the sealed store to its destination. The scratch
// file is removed in every outcome.
func (pw *partWriter) finalize(w *Writer) (dest string, rows int64, err error) {
	defer func() {
		if err != nil {
			pw.abort()
		}
	}()

	for _, cs := range pw.cols {
		switch {
		case cs.narrow != nil:
			keys := make([]string, 0, len(cs.narrow))
			for val := range cs.narrow {
				keys = append(keys, val)
			}
			sort.Strings(keys)
			for _, val := range keys {
				bs, berr := cs.narrow[val].ToBytes()
				if berr != nil {
					return "", 0, dataError("partition %q: serialize index %v: %v", pw.pdata, cs.col.Name, berr)
				}
				if perr := pw.put(cs.index, []byte(val), bs); perr != nil {
					return "", 0, perr
				}
			}
		case cs.wide != nil:
			cs.wide.EvictAll()
			if pw.evictErr != nil {
				return "", 0, wrapData(pw.evictErr)
			}
		}
	}

	vidNodes, vidKids := pw.tries.vid.Serialize()
	vid16Nodes, vid16Kids := pw.tries.vid16.Serialize()
	for _, kv := range []struct {
		key string
		val []byte
	}{
		{metaVidNodes, vidNodes},
		{metaVidKids, vidKids},
		{metaVid16Nodes, vid16Nodes},
		{metaVid16Kids, vid16Kids},
	} {
		if perr := pw.meta.PutRaw([]byte(kv.key), kv.val); perr != nil {
			return "", 0, wrapData(perr)
		}
	}

	if perr := pw.putMetaJSON(metaName, w.schema.Name); perr != nil {
		return "", 0, perr
	}
	if perr := pw.putMetaJSON(metaFields, w.schema.Fields); perr != nil {
		return "", 0, perr
	}
	if perr := pw.putMetaJSON(metaPartition, w.schema.PartitionName); perr != nil {
		return "", 0, perr
	}
	if perr := pw.putMetaJSON(metaPData, pw.pdata); perr != nil {
		return "", 0, perr
	}
	if perr := pw.putMetaJSON(metaTotalRows, pw.nextRID); perr != nil {
		return "", 0, perr
	}

	if cerr := pw.txn.Commit(); cerr != nil {
		return "", 0, wrapData(cerr)
	}
	pw.done = true

	dest = w.destFor(pw.pdata)
	if cerr := pw.env.CopyTo(dest); cerr != nil {
		pw.env.Remove()
		os.Remove(dest)
		return "", 0, dataError("partition %q: copy to %v: %v", pw.pdata, dest, cerr)
	}
	if cerr := pw.env.Remove(); cerr != nil {
		w.logger.Warn("removing scratch %v: %v", pw.scratch, cerr)
	}
	return dest, int64(pw.nextRID) - 1, nil
}

func (pw *partWriter) putMetaJSON(key string, v interface{}) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return dataError("partition %q: encode meta %v: %v", pw.pdata, key, err)
	}
	return pw.put(pw.meta, []byte(key), bs)
}

func (pw *partWriter) abort() {
	if pw.done {
		return
	}
	pw.done = true
	pw.txn.Abort()
	pw.env.Remove()
}

func wrapData(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Code: DataErr, Message: err.Error()}
}
