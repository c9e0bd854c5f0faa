// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package pipeline

import (
	"iter"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func spill(t *testing.T, path string, binaries []int, records [][]interface{}) {
	t.Helper()
	w, err := newRecordWriter(path, binaries)
	if err != nil {
		t.Fatalf("newRecordWriter: %v", err)
	}
	for _, rec := range records {
		if err := w.write(rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func collect(in iter.Seq[[]interface{}]) [][]interface{} {
	var out [][]interface{}
	for rec := range in {
		out = append(out, rec)
	}
	return out
}

func TestCodecRoundTrip(t *testing.T) {
	records := [][]interface{}{
		{"hello", int64(42), nil, []byte{0x00, 0xff, 0x0a}},
		{"", int64(-7), "x", []byte{}},
		{"with \"quotes\" and\nnewlines", int64(0), nil, []byte("binary\nstuff")},
	}
	path := filepath.Join(t.TempDir(), "spill")
	spill(t, path, []int{3}, records)

	got := collect(readRecords(path, []int{3}))
	if diff := cmp.Diff(records, got); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}

func TestDiskSortLexicographic(t *testing.T) {
	records := [][]interface{}{
		{"2014-01-29", int64(1)},
		{"2014-01-27", int64(2)},
		{nil, int64(3)},
		{"2014-01-28", int64(4)},
	}
	path := filepath.Join(t.TempDir(), "spill")
	spill(t, path, nil, records)

	if err := diskSort(path, []int{0}, nil, false, "", filepath.Dir(path)); err != nil {
		t.Fatalf("diskSort: %v", err)
	}
	got := collect(readRecords(path, nil))
	// NULL sorts first ascending.
	want := [][]interface{}{
		{nil, int64(3)},
		{"2014-01-27", int64(2)},
		{"2014-01-28", int64(4)},
		{"2014-01-29", int64(1)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sorted (-want +got):\n%s", diff)
	}
}

func TestDiskSortNumericDesc(t *testing.T) {
	records := [][]interface{}{
		{int64(5), "a"},
		{int64(100), "b"},
		{int64(-3), "c"},
		{int64(20), "d"},
	}
	path := filepath.Join(t.TempDir(), "spill")
	spill(t, path, nil, records)

	if err := diskSort(path, []int{0}, nil, true, "", filepath.Dir(path)); err != nil {
		t.Fatalf("diskSort: %v", err)
	}
	got := collect(readRecords(path, nil))
	want := [][]interface{}{
		{int64(100), "b"},
		{int64(20), "d"},
		{int64(5), "a"},
		{int64(-3), "c"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("numeric desc (-want +got):\n%s", diff)
	}
}

func TestDiskSortCompositeKey(t *testing.T) {
	records := [][]interface{}{
		{"b", int64(2)},
		{"a", int64(9)},
		{"b", int64(1)},
		{"a", int64(3)},
	}
	path := filepath.Join(t.TempDir(), "spill")
	spill(t, path, nil, records)

	if err := diskSort(path, []int{0, 1}, nil, false, "", filepath.Dir(path)); err != nil {
		t.Fatalf("diskSort: %v", err)
	}
	got := collect(readRecords(path, nil))
	want := [][]interface{}{
		{"a", int64(3)},
		{"a", int64(9)},
		{"b", int64(1)},
		{"b", int64(2)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("composite (-want +got):\n%s", diff)
	}
}

func TestMergeSorted(t *testing.T) {
	a := [][]interface{}{{int64(1)}, {int64(4)}, {int64(9)}}
	b := [][]interface{}{{int64(2)}, {int64(4)}, {int64(7)}}
	dir := t.TempDir()
	pa := filepath.Join(dir, "a")
	pb := filepath.Join(dir, "b")
	spill(t, pa, nil, a)
	spill(t, pb, nil, b)

	got := collect(mergeSorted([]iter.Seq[[]interface{}]{
		readRecords(pa, nil),
		readRecords(pb, nil),
	}, []int{0}, false))
	want := [][]interface{}{{int64(1)}, {int64(2)}, {int64(4)}, {int64(4)}, {int64(7)}, {int64(9)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merge (-want +got):\n%s", diff)
	}

	// Descending merge with NULL largest.
	c := [][]interface{}{{int64(9)}, {int64(3)}, {nil}}
	d := [][]interface{}{{int64(7)}, {nil}}
	pc := filepath.Join(dir, "c")
	pd := filepath.Join(dir, "d")
	spill(t, pc, nil, c)
	spill(t, pd, nil, d)
	got = collect(mergeSorted([]iter.Seq[[]interface{}]{
		readRecords(pc, nil),
		readRecords(pd, nil),
	}, []int{0}, true))
	want = [][]interface{}{{int64(9)}, {int64(7)}, {int64(3)}, {nil}, {nil}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("desc merge (-want +got):\n%s", diff)
	}
}

func TestTupleHashStable(t *testing.T) {
	rec := []interface{}{"a", int64(1), "b"}
	l1 := TupleHash(rec, []int{0, 1}, 16)
	l2 := TupleHash([]interface{}{"a", int64(1), "zzz"}, []int{0, 1}, 16)
	if l1 != l2 {
		t.Fatalf("label depends on non-key column: %d vs %d", l1, l2)
	}
	if l1 < 0 || l1 >= 16 {
		t.Fatalf("label out of range: %d", l1)
	}
}
