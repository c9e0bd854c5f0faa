// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package marble

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/marbledb/marble/bitmap"
)

var testFields = []string{
	"+$date",
	"+@4ad_id",
	"+%4site",
	"+%2country",
	"*bio",
	"&payload",
	"#8balance",
	"@8counter",
}

func testRecords(n int) []map[string]interface{} {
	recs := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, map[string]interface{}{
			"date":    fmt.Sprintf("2014-01-%02d", 27+i%3),
			"ad_id":   uint64(30000 + i%5),
			"site":    fmt.Sprintf("site-%02d.example.com", i%7),
			"country": []string{"ca", "us", "fr"}[i%3],
			"bio":     fmt.Sprintf("a longer description for row %d that lz4 can chew on", i),
			"payload": []byte{0x00, 0xff, byte(i), 0x0a},
			"balance": int64(-500 + i),
			"counter": uint64(i),
		})
	}
	return recs
}

// writeTestMarbles seals one marble per partition value and returns the
// files by partition.
func writeTestMarbles(t *testing.T, fields []string, partition string, recs []map[string]interface{}, opts WriterOptions) map[string]string {
	t.Helper()
	schema, err := NewSchema("imps", fields, partition)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	w := NewWriter(schema, opts)
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	files, rows, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rows != int64(len(recs)) {
		t.Fatalf("rows: got %d, want %d", rows, len(recs))
	}
	return files
}

func TestWriteReadRoundTrip(t *testing.T) {
	recs := testRecords(30)
	files := writeTestMarbles(t, testFields, "date", recs, WriterOptions{})
	if len(files) != 3 {
		t.Fatalf("partitions: got %d, want 3", len(files))
	}

	byPart := map[string][]map[string]interface{}{}
	for _, rec := range recs {
		d := rec["date"].(string)
		byPart[d] = append(byPart[d], rec)
	}

	for pdata, file := range files {
		stream, err := OpenStream(file, nil)
		if err != nil {
			t.Fatalf("OpenStream(%v): %v", file, err)
		}

		want := byPart[pdata]
		if got := stream.RowCount(); got != uint32(len(want)) {
			t.Fatalf("RowCount(%v): got %d, want %d", pdata, got, len(want))
		}
		if stream.PartitionValue() != pdata {
			t.Fatalf("PartitionValue: got %q, want %q", stream.PartitionValue(), pdata)
		}
		if diff := cmp.Diff(testFields, stream.Schema().Fields); diff != "" {
			t.Fatalf("schema fields (-want +got):\n%s", diff)
		}

		// Rows keep insertion order within a partition, RIDs from 1.
		for i, rec := range want {
			rid := uint32(i + 1)
			for col, wantVal := range rec {
				got, err := stream.Get(col, rid)
				if err != nil {
					t.Fatalf("Get(%v, %d): %v", col, rid, err)
				}
				switch wv := wantVal.(type) {
				case []byte:
					if !bytes.Equal(got.([]byte), wv) {
						t.Fatalf("Get(%v, %d): got %v, want %v", col, rid, got, wv)
					}
				default:
					if got != wantVal {
						t.Fatalf("Get(%v, %d): got %v (%T), want %v (%T)", col, rid, got, got, wantVal, wantVal)
					}
				}
			}
		}
		stream.Close()
	}
}

func TestIndexBitmapsMatchValues(t *testing.T) {
	recs := testRecords(40)
	files := writeTestMarbles(t, testFields, "date", recs, WriterOptions{})

	for _, file := range files {
		stream, err := OpenStream(file, nil)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		for _, col := range []string{"ad_id", "site", "country"} {
			// Collect every distinct value, then check the index bitmap
			// equals the brute-force row scan.
			distinct := map[interface{}]struct{}{}
			for rid := uint32(1); rid <= stream.RowCount(); rid++ {
				v, err := stream.Get(col, rid)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				distinct[v] = struct{}{}
			}
			for v := range distinct {
				b, err := stream.BitEq(col, v)
				if err != nil {
					t.Fatalf("BitEq(%v, %v): %v", col, v, err)
				}
				want := bitmap.New()
				for rid := uint32(1); rid <= stream.RowCount(); rid++ {
					got, _ := stream.Get(col, rid)
					if got == v {
						want.Set(rid)
					}
				}
				if !b.Equals(want) {
					t.Fatalf("BitEq(%v, %v): got %v, want %v", col, v, b.Slice(), want.Slice())
				}
			}
		}
		stream.Close()
	}
}

func TestBitAlgebra(t *testing.T) {
	recs := testRecords(30)
	files := writeTestMarbles(t, testFields, "date", recs, WriterOptions{})

	for _, file := range files {
		stream, err := OpenStream(file, nil)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		universe := stream.Universe()

		eq, err := stream.BitEq("ad_id", uint64(30001))
		if err != nil {
			t.Fatalf("BitEq: %v", err)
		}
		ne, err := stream.BitNe("ad_id", uint64(30001))
		if err != nil {
			t.Fatalf("BitNe: %v", err)
		}

		union := eq.Clone()
		union.Or(ne)
		if !union.Equals(universe) {
			t.Fatalf("eq ∪ ne != universe: %v vs %v", union.Slice(), universe.Slice())
		}
		inter := eq.Clone()
		inter.And(ne)
		if !inter.IsEmpty() {
			t.Fatalf("eq ∩ ne not empty: %v", inter.Slice())
		}

		// Unseen trie value: eq empty, ne the universe.
		eq2, err := stream.BitEq("site", "never-seen.example.com")
		if err != nil {
			t.Fatalf("BitEq unseen: %v", err)
		}
		if !eq2.IsEmpty() {
			t.Fatalf("BitEq unseen trie value not empty: %v", eq2.Slice())
		}
		ne2, err := stream.BitNe("site", "never-seen.example.com")
		if err != nil {
			t.Fatalf("BitNe unseen: %v", err)
		}
		if !ne2.Equals(universe) {
			t.Fatal("BitNe of unseen trie value is not the universe")
		}
		stream.Close()
	}
}

func TestBitRangeAndMembership(t *testing.T) {
	recs := testRecords(30)
	files := writeTestMarbles(t, testFields, "date", recs, WriterOptions{})

	for _, file := range files {
		stream, err := OpenStream(file, nil)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}

		check := func(name string, got *bitmap.Bitmap, pred func(v uint64) bool) {
			t.Helper()
			want := bitmap.New()
			for rid := uint32(1); rid <= stream.RowCount(); rid++ {
				v, _ := stream.Get("ad_id", rid)
				if pred(v.(uint64)) {
					want.Set(rid)
				}
			}
			if !got.Equals(want) {
				t.Fatalf("%v: got %v, want %v", name, got.Slice(), want.Slice())
			}
		}

		lt, err := stream.BitLt("ad_id", uint64(30002))
		if err != nil {
			t.Fatalf("BitLt: %v", err)
		}
		check("lt", lt, func(v uint64) bool { return v < 30002 })

		le, err := stream.BitLe("ad_id", uint64(30002))
		if err != nil {
			t.Fatalf("BitLe: %v", err)
		}
		check("le", le, func(v uint64) bool { return v <= 30002 })

		gt, err := stream.BitGt("ad_id", uint64(30002))
		if err != nil {
			t.Fatalf("BitGt: %v", err)
		}
		check("gt", gt, func(v uint64) bool { return v > 30002 })

		ge, err := stream.BitGe("ad_id", uint64(30002))
		if err != nil {
			t.Fatalf("BitGe: %v", err)
		}
		check("ge", ge, func(v uint64) bool { return v >= 30002 })

		in, err := stream.BitEqEx("ad_id", []interface{}{uint64(30001), uint64(30003)})
		if err != nil {
			t.Fatalf("BitEqEx: %v", err)
		}
		check("in", in, func(v uint64) bool { return v == 30001 || v == 30003 })

		notIn, err := stream.BitNeEx("ad_id", []interface{}{uint64(30001), uint64(30003)})
		if err != nil {
			t.Fatalf("BitNeEx: %v", err)
		}
		check("not-in", notIn, func(v uint64) bool { return v != 30001 && v != 30003 })

		stream.Close()
	}
}

func TestWideIndexSpill(t *testing.T) {
	// A tiny LRU forces constant spilling through the wide-index path;
	// the sealed index must still be exact.
	fields := []string{"+$date", "=@4ad_id"}
	recs := make([]map[string]interface{}, 0, 200)
	for i := 0; i < 200; i++ {
		recs = append(recs, map[string]interface{}{
			"date":  "2014-01-27",
			"ad_id": uint64(i % 50),
		})
	}
	files := writeTestMarbles(t, fields, "date", recs, WriterOptions{LRUSize: 4})

	stream, err := OpenStream(files["2014-01-27"], nil)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	for v := uint64(0); v < 50; v++ {
		b, err := stream.BitEq("ad_id", v)
		if err != nil {
			t.Fatalf("BitEq(%d): %v", v, err)
		}
		want := bitmap.New()
		for rid := uint32(1); rid <= stream.RowCount(); rid++ {
			if uint64(rid-1)%50 == v {
				want.Set(rid)
			}
		}
		if !b.Equals(want) {
			t.Fatalf("wide index for %d: got %v, want %v", v, b.Slice(), want.Slice())
		}
	}
}

func TestCommitThresholdCycling(t *testing.T) {
	// A low threshold exercises the commit/renew/re-point path mid-insert.
	fields := []string{"+$date", "+@4n", "%4s"}
	recs := make([]map[string]interface{}, 0, 500)
	for i := 0; i < 500; i++ {
		recs = append(recs, map[string]interface{}{
			"date": "2014-01-27",
			"n":    uint64(i),
			"s":    fmt.Sprintf("value-%d", i%10),
		})
	}
	files := writeTestMarbles(t, fields, "date", recs, WriterOptions{CommitThreshold: 64})

	stream, err := OpenStream(files["2014-01-27"], nil)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()
	if stream.RowCount() != 500 {
		t.Fatalf("RowCount: got %d, want 500", stream.RowCount())
	}
	for rid := uint32(1); rid <= 500; rid++ {
		v, err := stream.Get("n", rid)
		if err != nil || v.(uint64) != uint64(rid-1) {
			t.Fatalf("Get(n, %d): %v %v", rid, v, err)
		}
	}
}

func TestMGetAscending(t *testing.T) {
	recs := testRecords(30)
	files := writeTestMarbles(t, testFields, "date", recs, WriterOptions{})
	for _, file := range files {
		stream, err := OpenStream(file, nil)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		rows := stream.Universe()
		var got []uint32
		err = stream.MGet("ad_id", rows, func(rid uint32, v interface{}) bool {
			got = append(got, rid)
			return true
		})
		if err != nil {
			t.Fatalf("MGet: %v", err)
		}
		if len(got) != int(stream.RowCount()) {
			t.Fatalf("MGet visited %d rows, want %d", len(got), stream.RowCount())
		}
		for i := 1; i < len(got); i++ {
			if got[i] <= got[i-1] {
				t.Fatalf("MGet order not ascending at %d: %v", i, got)
			}
		}
		stream.Close()
	}
}

func TestSinkSealsMarble(t *testing.T) {
	schema, err := NewSchema("sub-imps", []string{"+@4ad_id", "#8total"}, "")
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	dir := t.TempDir()
	url := dir + "/out.marble"
	sink := NewSink(schema, url, WriterOptions{Dir: dir})
	for i := 0; i < 10; i++ {
		if err := sink.Add([]interface{}{uint64(i), int64(i * 100)}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	sealed, rows, err := sink.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sealed != url || rows != 10 {
		t.Fatalf("Close: got %v rows=%d", sealed, rows)
	}

	stream, err := OpenStream(url, nil)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()
	if stream.RowCount() != 10 {
		t.Fatalf("RowCount: got %d, want 10", stream.RowCount())
	}
	v, err := stream.Get("total", 3)
	if err != nil || v.(int64) != 200 {
		t.Fatalf("Get(total, 3): %v %v", v, err)
	}
}

func TestPartitionColumnReads(t *testing.T) {
	recs := testRecords(9)
	files := writeTestMarbles(t, testFields, "date", recs, WriterOptions{})
	for pdata, file := range files {
		stream, err := OpenStream(file, nil)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		v, err := stream.Get("date", 1)
		if err != nil || v != pdata {
			t.Fatalf("Get(date): got %v %v, want %v", v, err, pdata)
		}
		// The partition index accepts all operators over its single value.
		b, err := stream.BitEq("date", pdata)
		if err != nil {
			t.Fatalf("BitEq(date): %v", err)
		}
		if !b.Equals(stream.Universe()) {
			t.Fatal("partition equality bitmap is not the universe")
		}
		stream.Close()
	}
}
