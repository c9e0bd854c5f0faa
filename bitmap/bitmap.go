// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package bitmap provides the compressed row-identifier sets used by the
// marble index sub-stores. A Bitmap is an ordered set of 32-bit RIDs with
// set algebra, ascending iteration and a lossless byte serialization.
package bitmap

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2"
)

// Bitmap is an ordered set of 32-bit row identifiers.
type Bitmap struct {
	rb *roaring.Bitmap
}

// New returns an empty bitmap.
func New() *Bitmap {
	return &Bitmap{rb: roaring.New()}
}

// FromBytes deserializes a bitmap previously produced by ToBytes. The
// returned bitmap owns its memory and does not alias bs.
func FromBytes(bs []byte) (*Bitmap, error) {
	rb := roaring.New()
	if _, err := rb.ReadFrom(bytes.NewReader(bs)); err != nil {
		return nil, err
	}
	return &Bitmap{rb: rb}, nil
}

// ToBytes serializes the bitmap. FromBytes(ToBytes(b)) round-trips.
func (b *Bitmap) ToBytes() ([]byte, error) {
	return b.rb.ToBytes()
}

// Set adds rid to the set.
func (b *Bitmap) Set(rid uint32) {
	b.rb.Add(rid)
}

// Remove removes rid from the set.
func (b *Bitmap) Remove(rid uint32) {
	b.rb.Remove(rid)
}

// Contains reports whether rid is in the set.
func (b *Bitmap) Contains(rid uint32) bool {
	return b.rb.Contains(rid)
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	return b.rb.GetCardinality()
}

// IsEmpty reports whether no bits are set.
func (b *Bitmap) IsEmpty() bool {
	return b.rb.IsEmpty()
}

// Or unions other into b.
func (b *Bitmap) Or(other *Bitmap) {
	b.rb.Or(other.rb)
}

// And intersects b with other.
func (b *Bitmap) And(other *Bitmap) {
	b.rb.And(other.rb)
}

// Flip complements the bits in [lo, hi) in place.
func (b *Bitmap) Flip(lo, hi uint64) {
	b.rb.Flip(lo, hi)
}

// Clone returns a copy that shares no memory with b.
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{rb: b.rb.Clone()}
}

// Equals reports set equality.
func (b *Bitmap) Equals(other *Bitmap) bool {
	return b.rb.Equals(other.rb)
}

// Iter calls fn for each set bit in ascending order until fn returns false.
func (b *Bitmap) Iter(fn func(rid uint32) bool) {
	it := b.rb.Iterator()
	for it.HasNext() {
		if !fn(it.Next()) {
			return
		}
	}
}

// Slice returns all set bits in ascending order.
func (b *Bitmap) Slice() []uint32 {
	return b.rb.ToArray()
}

// Complement replaces b with its complement over the row universe [1, rows].
// The sentinel RID 0 and the bound rows+1 are ORed in first so the flip
// covers the whole universe, then fall out of the flipped result.
func (b *Bitmap) Complement(rows uint32) {
	b.rb.Add(0)
	b.rb.Add(rows + 1)
	b.rb.Flip(0, uint64(rows)+2)
}

// Universe returns the full row set [1, rows].
func Universe(rows uint32) *Bitmap {
	rb := roaring.New()
	if rows > 0 {
		rb.AddRange(1, uint64(rows)+1)
	}
	return &Bitmap{rb: rb}
}
