// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package kvstore provides the embedded ordered key/value store underneath
// marble files: a single memory-mapped environment holding named sub-stores
// with range cursors, plus the grow-and-retry write policy the marble
// writer depends on.
//
// Sub-stores are mapped to buckets of a bbolt database. Keys are ordered
// byte strings; integer keys use an order-preserving fixed-width encoding
// so lexicographic order equals numeric order.
package kvstore

import (
	"encoding/binary"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"

	"github.com/marbledb/marble/logging"
)

// Flags select the behavior of a sub-store.
type Flags uint8

const (
	// IntegerKey marks a sub-store whose keys are 8-byte order-preserving
	// encoded integers (see EncodeUint/EncodeInt).
	IntegerKey Flags = 1 << iota

	// DupSort allows multiple values under one key. Requires IntegerKey.
	DupSort

	// IntegerValue marks a sub-store whose values are encoded integers.
	IntegerValue

	// Create creates the sub-store if it does not exist. Only valid inside
	// a write transaction.
	Create
)

const (
	// openRetries bounds open attempts on lock contention. Stale locks from
	// a dying reader clear within a few periods.
	openRetries = 11

	openRetryInterval = 5 * time.Second

	// growFactor is applied to the map size when the high watermark is hit.
	growFactor = 1.5

	// highWatermark is the used fraction of the map above which the writer
	// must commit and grow before continuing.
	highWatermark = 0.75
)

// Options configure an environment at open time.
type Options struct {
	// MaxSize is the initial map size in bytes for write environments.
	MaxSize int64

	// Write opens the environment writable. Read environments never take
	// the exclusive lock and disable readahead.
	Write bool

	// Logger receives open-retry and growth events. Defaults to a no-op
	// logger.
	Logger logging.Logger
}

// Env is an open environment: one memory-mapped file of sub-stores.
type Env struct {
	db      *bolt.DB
	path    string
	write   bool
	mapSize int64
	logger  logging.Logger
}

// Open opens or creates the environment at path. Lock contention is
// retried with a bounded constant backoff before giving up with OpenErr.
func Open(path string, opts Options) (*Env, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100 * 1024 * 1024
	}

	bopts := &bolt.Options{
		Timeout:         250 * time.Millisecond,
		InitialMmapSize: int(opts.MaxSize),
		NoSync:          true,
		NoFreelistSync:  true,
	}
	if !opts.Write {
		bopts = &bolt.Options{
			Timeout:  250 * time.Millisecond,
			ReadOnly: true,
		}
	}

	var db *bolt.DB
	open := func() error {
		var err error
		db, err = bolt.Open(path, 0o644, bopts)
		if err != nil {
			logger.Warn("kvstore open %v failed, retrying: %v", path, err)
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(openRetryInterval), uint64(openRetries-1))
	if err := backoff.Retry(open, policy); err != nil {
		return nil, &Error{Code: OpenErr, Message: fmt.Sprintf("open %v: %v", path, err)}
	}

	return &Env{
		db:      db,
		path:    path,
		write:   opts.Write,
		mapSize: opts.MaxSize,
		logger:  logger,
	}, nil
}

// Path returns the environment's file path.
func (e *Env) Path() string {
	return e.path
}

// Close closes the environment. Any open transaction must be finished
// first.
func (e *Env) Close() error {
	return wrapError(e.db.Close())
}

// Remove closes the environment and unlinks its file.
func (e *Env) Remove() error {
	err := e.db.Close()
	if rmErr := os.Remove(e.path); err == nil {
		err = rmErr
	}
	return wrapError(err)
}

// NeedsGrow reports whether the given transaction has pushed the file past
// the high watermark of the configured map size.
func (e *Env) NeedsGrow(txn *Txn) bool {
	if txn.btx == nil {
		return false
	}
	return float64(txn.btx.Size()) > highWatermark*float64(e.mapSize)
}

// Grow raises the map size by the growth factor. Callers commit the
// current transaction first and re-point sub-store handles afterwards.
func (e *Env) Grow() {
	e.mapSize = int64(float64(e.mapSize) * growFactor)
	e.logger.Debug("kvstore %v grown to %d bytes", e.path, e.mapSize)
}

// MapSize returns the current map size.
func (e *Env) MapSize() int64 {
	return e.mapSize
}

// CopyTo writes a consistent copy of the environment to path. Used to seal
// a finished marble at its destination URL.
func (e *Env) CopyTo(path string) error {
	return wrapError(e.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o644)
	}))
}

// Begin starts a transaction in the environment's mode.
func (e *Env) Begin() (*Txn, error) {
	btx, err := e.db.Begin(e.write)
	if err != nil {
		return nil, wrapError(err)
	}
	return &Txn{env: e, btx: btx, write: e.write}, nil
}

// Txn is a transaction over an environment.
type Txn struct {
	env   *Env
	btx   *bolt.Tx
	write bool
}

// Commit commits the transaction.
func (t *Txn) Commit() error {
	if t.btx == nil {
		return &Error{Code: InvalidTxnErr, Message: "transaction already finished"}
	}
	btx := t.btx
	t.btx = nil
	if !t.write {
		return wrapError(btx.Rollback())
	}
	return wrapError(btx.Commit())
}

// Abort discards the transaction.
func (t *Txn) Abort() {
	if t.btx == nil {
		return
	}
	btx := t.btx
	t.btx = nil
	_ = btx.Rollback()
}

// Renew commits the transaction and starts a fresh one in place. Sub-store
// handles opened from this transaction must be re-pointed with Rebind.
func (t *Txn) Renew() error {
	if err := t.Commit(); err != nil {
		return err
	}
	btx, err := t.env.db.Begin(t.write)
	if err != nil {
		return wrapError(err)
	}
	t.btx = btx
	return nil
}

// OpenSub opens the named sub-store in this transaction.
func (t *Txn) OpenSub(name string, flags Flags) (*Sub, error) {
	if t.btx == nil {
		return nil, &Error{Code: InvalidTxnErr, Message: "transaction already finished"}
	}
	if flags&DupSort != 0 && flags&IntegerKey == 0 {
		return nil, internalError("sub-store %v: DupSort requires IntegerKey", name)
	}
	s := &Sub{name: name, flags: flags}
	if err := s.Rebind(t); err != nil {
		return nil, err
	}
	return s, nil
}

// Sub is a named sub-store handle, valid for one transaction at a time.
type Sub struct {
	name   string
	flags  Flags
	txn    *Txn
	bucket *bolt.Bucket
}

// Name returns the sub-store name.
func (s *Sub) Name() string {
	return s.name
}

// Rebind points the handle at a (renewed) transaction. Every handle and
// every cache holding one must be re-pointed after Renew or growth.
func (s *Sub) Rebind(t *Txn) error {
	if t.btx == nil {
		return &Error{Code: InvalidTxnErr, Message: "transaction already finished"}
	}
	bname := []byte(s.name)
	if s.flags&Create != 0 && t.write {
		b, err := t.btx.CreateBucketIfNotExists(bname)
		if err != nil {
			return wrapError(err)
		}
		s.bucket = b
	} else {
		b := t.btx.Bucket(bname)
		if b == nil {
			return &Error{Code: SubNotFoundErr, Message: fmt.Sprintf("sub-store %v not found", s.name)}
		}
		s.bucket = b
	}
	s.txn = t
	return nil
}

func (s *Sub) dup() bool {
	return s.flags&DupSort != 0
}

// dupKey concatenates an 8-byte integer key with the value; DupSort
// sub-stores hold their values in the key space.
func dupKey(k, v []byte) []byte {
	out := make([]byte, 0, len(k)+len(v))
	out = append(out, k...)
	return append(out, v...)
}

// Put stores v under k. On a full map it returns MapFullErr; the caller
// commits, grows and retries.
func (s *Sub) Put(k, v []byte) error {
	if !s.txn.write {
		return &Error{Code: InvalidTxnErr, Message: "put in read-only transaction"}
	}
	if s.txn.btx.Size() > s.txn.env.mapSize {
		return &Error{Code: MapFullErr, Message: fmt.Sprintf("sub-store %v: map full at %d bytes", s.name, s.txn.env.mapSize)}
	}
	var err error
	if s.dup() {
		err = s.bucket.Put(dupKey(k, v), []byte{})
	} else {
		kc := append([]byte(nil), k...)
		vc := append([]byte(nil), v...)
		err = s.bucket.Put(kc, vc)
	}
	return wrapError(err)
}

// PutRaw stores a large blob under k without copying v. The caller keeps v
// alive until commit.
func (s *Sub) PutRaw(k, v []byte) error {
	if s.dup() {
		return internalError("sub-store %v: raw put on DupSort store", s.name)
	}
	return wrapError(s.bucket.Put(append([]byte(nil), k...), v))
}

// Get returns a copy of the value stored under k.
func (s *Sub) Get(k []byte) ([]byte, error) {
	if s.dup() {
		for v := range s.dups(k) {
			return append([]byte(nil), v...), nil
		}
		return nil, &Error{Code: NotFoundErr, Message: fmt.Sprintf("sub-store %v: key not found", s.name)}
	}
	v := s.bucket.Get(k)
	if v == nil {
		return nil, &Error{Code: NotFoundErr, Message: fmt.Sprintf("sub-store %v: key not found", s.name)}
	}
	return append([]byte(nil), v...), nil
}

// GetRaw returns the value stored under k without copying. The slice
// aliases the memory map and is valid only while the transaction is open.
func (s *Sub) GetRaw(k []byte) ([]byte, error) {
	if s.dup() {
		return nil, internalError("sub-store %v: raw get on DupSort store", s.name)
	}
	v := s.bucket.Get(k)
	if v == nil {
		return nil, &Error{Code: NotFoundErr, Message: fmt.Sprintf("sub-store %v: key not found", s.name)}
	}
	return v, nil
}

// MGet yields the value for each key in input order; missing keys yield
// nil. Values alias the memory map until the transaction finishes.
func (s *Sub) MGet(keys [][]byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, k := range keys {
			var v []byte
			if s.dup() {
				for dv := range s.dups(k) {
					v = dv
					break
				}
			} else {
				v = s.bucket.Get(k)
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Delete removes k. For DupSort sub-stores, v selects the duplicate to
// remove; a nil v removes all duplicates of k.
func (s *Sub) Delete(k, v []byte) error {
	if !s.dup() {
		return wrapError(s.bucket.Delete(k))
	}
	if v != nil {
		return wrapError(s.bucket.Delete(dupKey(k, v)))
	}
	c := s.bucket.Cursor()
	for ck, _ := c.Seek(k); ck != nil && hasPrefix(ck, k); ck, _ = c.Seek(k) {
		if err := c.Delete(); err != nil {
			return wrapError(err)
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// EncodeUint encodes an unsigned integer so byte order equals numeric
// order.
func EncodeUint(u uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], u)
	return out[:]
}

// DecodeUint is the inverse of EncodeUint.
func DecodeUint(bs []byte) uint64 {
	return binary.BigEndian.Uint64(bs)
}

// EncodeInt encodes a signed integer with a sign bias so byte order equals
// numeric order.
func EncodeInt(i int64) []byte {
	return EncodeUint(uint64(i) ^ (1 << 63))
}

// DecodeInt is the inverse of EncodeInt.
func DecodeInt(bs []byte) int64 {
	return int64(DecodeUint(bs) ^ (1 << 63))
}
