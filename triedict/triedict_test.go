// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package triedict

import (
	"encoding/binary"
	"fmt"
	"testing"
)

func addAll(t *testing.T, tr *Trie, want map[string]uint32) {
	t.Helper()
	for _, val := range []string{"hello", "hell", "hello", "hellothere", "good", "goodbye", "hello", "hellsink", ""} {
		vid := tr.Add([]byte(val))
		if want[val] != vid {
			t.Fatalf("Add(%q): got VID %d, want %d", val, vid, want[val])
		}
	}
}

var wantVIDs = map[string]uint32{
	"":           0,
	"hello":      1,
	"hell":       2,
	"hellothere": 3,
	"good":       4,
	"goodbye":    5,
	"hellsink":   6,
}

func TestTrieAdd(t *testing.T) {
	tr := New()
	addAll(t, tr, wantVIDs)
	if tr.Len() != 7 {
		t.Fatalf("node count: got %d, want 7", tr.Len())
	}
}

func TestSerializeLayout(t *testing.T) {
	tr := New()
	addAll(t, tr, wantVIDs)

	nodes, kids := tr.Serialize()
	if len(nodes) != 7*4 {
		t.Fatalf("nodes length: got %d, want %d", len(nodes), 7*4)
	}
	if len(kids) != 100 {
		t.Fatalf("kids length: got %d, want 100", len(kids))
	}

	wantNodes := []uint32{0x02000000, 0x01000010, 0x0200000b, 0x00000013, 0x01000004, 0x00000008, 0x00000016}
	for i, want := range wantNodes {
		got := binary.LittleEndian.Uint32(nodes[i*4:])
		if got != want {
			t.Fatalf("nodes[%d]: got %#08x, want %#08x", i, got, want)
		}
	}

	// Root record: no label, two children g->4, h->2.
	for i, want := range []uint32{0x67000004, 0x68000002} {
		got := binary.LittleEndian.Uint32(kids[8+i*4:])
		if got != want {
			t.Fatalf("root entry %d: got %#08x, want %#08x", i, got, want)
		}
	}

	// "hell" record at byte 44: parent 0, label "hell", children o->1, s->6.
	if parent := binary.LittleEndian.Uint32(kids[44:]); parent != 0 {
		t.Fatalf("hell parent: got %d, want 0", parent)
	}
	if string(kids[50:54]) != "hell" {
		t.Fatalf("hell label: got %q", kids[50:54])
	}
	for i, want := range []uint32{0x6f000001, 0x73000006} {
		got := binary.LittleEndian.Uint32(kids[56+i*4:])
		if got != want {
			t.Fatalf("hell entry %d: got %#08x, want %#08x", i, got, want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	tr := New()
	addAll(t, tr, wantVIDs)
	extra := tr.Add([]byte("s\xc3\xa9llsink"))
	if extra != 7 {
		t.Fatalf("Add utf8: got VID %d, want 7", extra)
	}

	nodes, kids := tr.Serialize()

	for val, vid := range wantVIDs {
		got, ok := ValueForVID(nodes, kids, vid)
		if !ok || string(got) != val {
			t.Fatalf("ValueForVID(%d): got %q ok=%v, want %q", vid, got, ok, val)
		}
		gotVID, ok := VIDForValue(nodes, kids, []byte(val))
		if !ok || gotVID != vid {
			t.Fatalf("VIDForValue(%q): got %d ok=%v, want %d", val, gotVID, ok, vid)
		}
	}

	for _, missing := range []string{"notthere", "h", "he", "hel", "hells", "goodby", "hellothereX"} {
		if vid, ok := VIDForValue(nodes, kids, []byte(missing)); ok {
			t.Fatalf("VIDForValue(%q): got %d, want miss", missing, vid)
		}
	}
}

func TestSplitPreservesVIDs(t *testing.T) {
	tr := New()
	a := tr.Add([]byte("abc"))
	b := tr.Add([]byte("abd"))
	if a != 1 {
		t.Fatalf("abc VID: got %d, want 1", a)
	}
	// The split burns VID 2 on the interior "ab" node.
	if b != 3 {
		t.Fatalf("abd VID: got %d, want 3", b)
	}
	if again := tr.Add([]byte("abc")); again != a {
		t.Fatalf("re-add abc: got %d, want %d", again, a)
	}
	if ab := tr.Add([]byte("ab")); ab != 2 {
		t.Fatalf("ab VID: got %d, want 2", ab)
	}

	nodes, kids := tr.Serialize()
	for val, vid := range map[string]uint32{"abc": 1, "ab": 2, "abd": 3} {
		got, ok := VIDForValue(nodes, kids, []byte(val))
		if !ok || got != vid {
			t.Fatalf("VIDForValue(%q): got %d ok=%v, want %d", val, got, ok, vid)
		}
	}
}

func TestManyValues(t *testing.T) {
	tr := New()
	vids := make(map[string]uint32)
	for i := 0; i < 1000; i++ {
		val := fmt.Sprintf("http://site-%03d.example.com/path/%d", i%37, i)
		vids[val] = tr.Add([]byte(val))
	}
	nodes, kids := tr.Serialize()
	for val, vid := range vids {
		got, ok := VIDForValue(nodes, kids, []byte(val))
		if !ok || got != vid {
			t.Fatalf("VIDForValue(%q): got %d ok=%v, want %d", val, got, ok, vid)
		}
		back, ok := ValueForVID(nodes, kids, vid)
		if !ok || string(back) != val {
			t.Fatalf("ValueForVID(%d): got %q, want %q", vid, back, val)
		}
	}
}
