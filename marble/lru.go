// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package marble

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/marbledb/marble/bitmap"
)

// FetchFunc loads the bitmap stored under an encoded index key, if any.
type FetchFunc func(key []byte) (*bitmap.Bitmap, bool)

// EvictFunc writes a bitmap back under its encoded index key.
type EvictFunc func(key []byte, b *bitmap.Bitmap)

// BitmapLRU is the write-path cache for wide (high-cardinality) indexes:
// a fixed-capacity map from encoded value to bitmap that loads existing
// bitmaps from the index sub-store on miss and spills the least recently
// used entry back on eviction.
type BitmapLRU struct {
	cache *lru.Cache[string, *bitmap.Bitmap]
	fetch FetchFunc
	evict EvictFunc
}

// NewBitmapLRU returns a cache of the given capacity.
func NewBitmapLRU(size int, fetch FetchFunc, evict EvictFunc) (*BitmapLRU, error) {
	l := &BitmapLRU{fetch: fetch, evict: evict}
	cache, err := lru.NewWithEvict(size, func(key string, b *bitmap.Bitmap) {
		l.evict([]byte(key), b)
	})
	if err != nil {
		return nil, err
	}
	l.cache = cache
	return l, nil
}

// Repoint swaps the backing closures after a commit/growth cycle renewed
// the transaction and sub-store underneath them.
func (l *BitmapLRU) Repoint(fetch FetchFunc, evict EvictFunc) {
	l.fetch = fetch
	l.evict = evict
}

// Get returns the bitmap for key, consulting the backing store on miss.
// A hit promotes the entry.
func (l *BitmapLRU) Get(key []byte) (*bitmap.Bitmap, bool) {
	if b, ok := l.cache.Get(string(key)); ok {
		return b, true
	}
	b, ok := l.fetch(key)
	if !ok {
		return nil, false
	}
	l.cache.Add(string(key), b)
	return b, true
}

// GetOrCreate returns the bitmap for key, creating an empty one when
// neither the cache nor the backing store has it. Inserting over capacity
// spills the least recently used entry.
func (l *BitmapLRU) GetOrCreate(key []byte) *bitmap.Bitmap {
	if b, ok := l.Get(key); ok {
		return b
	}
	b := bitmap.New()
	l.cache.Add(string(key), b)
	return b
}

// Len returns the number of cached entries.
func (l *BitmapLRU) Len() int {
	return l.cache.Len()
}

// EvictAll spills every cached bitmap to the backing store.
func (l *BitmapLRU) EvictAll() {
	l.cache.Purge()
}
