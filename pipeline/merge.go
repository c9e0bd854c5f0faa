// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package pipeline

import (
	"container/heap"
	"iter"

	"github.com/marbledb/marble/util"
)

// compareKeys orders two records on the given key columns. NULL is
// smallest ascending and largest descending; equal keys compare as zero
// so merges stay stable (first input wins).
func compareKeys(a, b []interface{}, sortKeys []int, desc bool) int {
	for _, k := range sortKeys {
		var av, bv interface{}
		if k < len(a) {
			av = a[k]
		}
		if k < len(b) {
			bv = b[k]
		}
		c := util.Compare(av, bv)
		if c != 0 {
			if desc {
				return -c
			}
			return c
		}
	}
	return 0
}

type mergeItem struct {
	rec  []interface{}
	next func() ([]interface{}, bool)
	stop func()
	src  int
}

type mergeHeap struct {
	items    []*mergeItem
	sortKeys []int
	desc     bool
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	c := compareKeys(h.items[i].rec, h.items[j].rec, h.sortKeys, h.desc)
	if c != 0 {
		return c < 0
	}
	return h.items[i].src < h.items[j].src
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(*mergeItem)) }

func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// mergeSorted combines already-sorted streams into one sorted stream with
// a k-way heap merge.
func mergeSorted(inputs []iter.Seq[[]interface{}], sortKeys []int, desc bool) iter.Seq[[]interface{}] {
	return func(yield func([]interface{}) bool) {
		h := &mergeHeap{sortKeys: sortKeys, desc: desc}
		for i, in := range inputs {
			next, stop := iter.Pull(in)
			rec, ok := next()
			if !ok {
				stop()
				continue
			}
			h.items = append(h.items, &mergeItem{rec: rec, next: next, stop: stop, src: i})
		}
		heap.Init(h)
		defer func() {
			for _, item := range h.items {
				item.stop()
			}
		}()
		for h.Len() > 0 {
			item := h.items[0]
			if !yield(item.rec) {
				return
			}
			rec, ok := item.next()
			if !ok {
				item.stop()
				heap.Pop(h)
				continue
			}
			item.rec = rec
			heap.Fix(h, 0)
		}
	}
}

// concatStreams chains streams serially.
func concatStreams(inputs []iter.Seq[[]interface{}]) iter.Seq[[]interface{}] {
	return func(yield func([]interface{}) bool) {
		for _, in := range inputs {
			for rec := range in {
				if !yield(rec) {
					return
				}
			}
		}
	}
}
