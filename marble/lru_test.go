// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package marble

import (
	"testing"

	"github.com/marbledb/marble/bitmap"
)

func TestBitmapLRUEviction(t *testing.T) {
	spilled := map[string]*bitmap.Bitmap{}
	fetch := func(key []byte) (*bitmap.Bitmap, bool) {
		b, ok := spilled[string(key)]
		if !ok {
			return nil, false
		}
		delete(spilled, string(key))
		return b, true
	}
	evict := func(key []byte, b *bitmap.Bitmap) {
		spilled[string(key)] = b
	}

	l, err := NewBitmapLRU(2, fetch, evict)
	if err != nil {
		t.Fatalf("NewBitmapLRU: %v", err)
	}

	l.GetOrCreate([]byte("a")).Set(1)
	l.GetOrCreate([]byte("b")).Set(2)
	if len(spilled) != 0 {
		t.Fatalf("premature eviction: %v", spilled)
	}

	// Inserting over capacity spills the least recently used entry.
	l.GetOrCreate([]byte("c")).Set(3)
	if _, ok := spilled["a"]; !ok {
		t.Fatalf("expected eviction of a, spilled: %d entries", len(spilled))
	}

	// A miss consults the backing store and reloads the spilled bitmap.
	b := l.GetOrCreate([]byte("a"))
	if !b.Contains(1) {
		t.Fatal("reloaded bitmap lost its bits")
	}
	b.Set(4)

	l.EvictAll()
	if l.Len() != 0 {
		t.Fatalf("EvictAll left %d entries", l.Len())
	}
	if got := spilled["a"]; got == nil || !got.Contains(1) || !got.Contains(4) {
		t.Fatal("EvictAll did not flush the merged bitmap")
	}
	if got := spilled["b"]; got == nil || !got.Contains(2) {
		t.Fatal("EvictAll did not flush entry b")
	}
}

func TestBitmapLRUGetPromotes(t *testing.T) {
	var evicted []string
	l, err := NewBitmapLRU(2,
		func([]byte) (*bitmap.Bitmap, bool) { return nil, false },
		func(key []byte, _ *bitmap.Bitmap) { evicted = append(evicted, string(key)) })
	if err != nil {
		t.Fatalf("NewBitmapLRU: %v", err)
	}
	l.GetOrCreate([]byte("a"))
	l.GetOrCreate([]byte("b"))
	if _, ok := l.Get([]byte("a")); !ok {
		t.Fatal("hit on a failed")
	}
	// a was promoted, so b is now the eviction victim.
	l.GetOrCreate([]byte("c"))
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted %v, want [b]", evicted)
	}
}
