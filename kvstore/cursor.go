// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package kvstore

import (
	"bytes"
	"iter"
)

// Cursors yield key/value pairs in the sub-store's key order. Yielded
// slices alias the memory map and are valid only during iteration; callers
// that retain them must copy. DupSort sub-stores yield one pair per
// duplicate with the 8-byte integer key split back off the value.

func (s *Sub) splitEntry(ck, cv []byte) ([]byte, []byte) {
	if s.dup() {
		return ck[:8], ck[8:]
	}
	return ck, cv
}

func (s *Sub) keyOf(ck []byte) []byte {
	if s.dup() && len(ck) >= 8 {
		return ck[:8]
	}
	return ck
}

// dups yields every duplicate value stored under k.
func (s *Sub) dups(k []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		c := s.bucket.Cursor()
		for ck, _ := c.Seek(k); ck != nil && hasPrefix(ck, k); ck, _ = c.Next() {
			if !yield(ck[len(k):]) {
				return
			}
		}
	}
}

// Each yields every pair in key order.
func (s *Sub) Each() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		c := s.bucket.Cursor()
		for ck, cv := c.First(); ck != nil; ck, cv = c.Next() {
			if !yield(s.splitEntry(ck, cv)) {
				return
			}
		}
	}
}

// Lt yields pairs with key < k.
func (s *Sub) Lt(k []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		c := s.bucket.Cursor()
		for ck, cv := c.First(); ck != nil && bytes.Compare(s.keyOf(ck), k) < 0; ck, cv = c.Next() {
			if !yield(s.splitEntry(ck, cv)) {
				return
			}
		}
	}
}

// Le yields pairs with key <= k.
func (s *Sub) Le(k []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		c := s.bucket.Cursor()
		for ck, cv := c.First(); ck != nil && bytes.Compare(s.keyOf(ck), k) <= 0; ck, cv = c.Next() {
			if !yield(s.splitEntry(ck, cv)) {
				return
			}
		}
	}
}

// Gt yields pairs with key > k.
func (s *Sub) Gt(k []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		c := s.bucket.Cursor()
		ck, cv := c.Seek(k)
		for ck != nil && bytes.Equal(s.keyOf(ck), k) {
			ck, cv = c.Next()
		}
		for ; ck != nil; ck, cv = c.Next() {
			if !yield(s.splitEntry(ck, cv)) {
				return
			}
		}
	}
}

// Ge yields pairs with key >= k.
func (s *Sub) Ge(k []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		c := s.bucket.Cursor()
		for ck, cv := c.Seek(k); ck != nil; ck, cv = c.Next() {
			if !yield(s.splitEntry(ck, cv)) {
				return
			}
		}
	}
}

// Eq yields the pairs with key == k.
func (s *Sub) Eq(k []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		c := s.bucket.Cursor()
		for ck, cv := c.Seek(k); ck != nil && bytes.Equal(s.keyOf(ck), k); ck, cv = c.Next() {
			if !yield(s.splitEntry(ck, cv)) {
				return
			}
		}
	}
}

// Ne yields every pair whose key != k.
func (s *Sub) Ne(k []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		c := s.bucket.Cursor()
		for ck, cv := c.First(); ck != nil; ck, cv = c.Next() {
			if bytes.Equal(s.keyOf(ck), k) {
				continue
			}
			if !yield(s.splitEntry(ck, cv)) {
				return
			}
		}
	}
}

// Range yields pairs with lo <= key < hi.
func (s *Sub) Range(lo, hi []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		c := s.bucket.Cursor()
		for ck, cv := c.Seek(lo); ck != nil && bytes.Compare(s.keyOf(ck), hi) < 0; ck, cv = c.Next() {
			if !yield(s.splitEntry(ck, cv)) {
				return
			}
		}
	}
}
