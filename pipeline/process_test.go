// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package pipeline

import (
	"iter"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sliceSeq(records [][]interface{}) iter.Seq[[]interface{}] {
	return func(yield func([]interface{}) bool) {
		for _, rec := range records {
			if !yield(rec) {
				return
			}
		}
	}
}

func runProcessor(t *testing.T, p Processor, stage *Stage, label int, records [][]interface{}) [][]interface{} {
	t.Helper()
	var out [][]interface{}
	task := &Task{Stage: stage, Label: label, Records: sliceSeq(records)}
	err := p(task, func(_ int, key []interface{}) error {
		out = append(out, key)
		return nil
	})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	return out
}

func TestJoinProcessor(t *testing.T) {
	// Input sorted by join key then where-index; shaped
	// (where_index, join_value, columns...).
	records := [][]interface{}{
		{int64(0), "siteA", int64(10), "siteA", nil},
		{int64(0), "siteA", int64(11), "siteA", nil},
		{int64(1), "siteA", nil, nil, int64(100)},
		{int64(1), "siteA", nil, nil, int64(200)},
		{int64(0), "siteB", int64(12), "siteB", nil},
		{int64(1), "siteC", nil, nil, int64(300)},
	}
	p := NewJoinProcessor(JoinConfig{LabelCols: []int{0}, Partitions: 4})
	got := runProcessor(t, p, &Stage{Name: "join"}, 0, records)

	// Every left of siteA merges with every right; siteB has no right
	// and siteC no left, so neither joins.
	want := [][]interface{}{
		{int64(10), "siteA", int64(100)},
		{int64(11), "siteA", int64(100)},
		{int64(10), "siteA", int64(200)},
		{int64(11), "siteA", int64(200)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("join (-want +got):\n%s", diff)
	}
}

func TestJoinProcessorFullJoin(t *testing.T) {
	records := [][]interface{}{
		{int64(0), "siteB", int64(12), "siteB", nil},
		{int64(1), "siteC", nil, nil, int64(300)},
	}
	p := NewJoinProcessor(JoinConfig{LabelCols: []int{0}, Partitions: 4, FullJoin: true})
	got := runProcessor(t, p, &Stage{Name: "join"}, 0, records)

	want := [][]interface{}{
		{int64(12), "siteB", nil},
		{nil, nil, int64(300)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("full join (-want +got):\n%s", diff)
	}
}

func TestGroupProcessorCombineReduce(t *testing.T) {
	sum := &AggSpec{
		F: func(a, v interface{}) interface{} {
			return a.(int64) + v.(int64)
		},
		Default: func() interface{} { return int64(0) },
	}
	aggs := []*AggSpec{nil, sum}

	combined := runProcessor(t, NewGroupProcessor(GroupConfig{
		Aggs:       aggs,
		GroupCols:  []int{0},
		LabelCols:  []int{0},
		Partitions: 4,
	}), &Stage{Name: "group-combine"}, 0, [][]interface{}{
		{"a", int64(1)},
		{"a", int64(2)},
		{"b", int64(5)},
	})
	want := [][]interface{}{
		{"a", int64(3)},
		{"b", int64(5)},
	}
	if diff := cmp.Diff(want, combined); diff != "" {
		t.Fatalf("combine (-want +got):\n%s", diff)
	}

	// The reduce stage merges partial accumulators from several tasks.
	reduced := runProcessor(t, NewGroupProcessor(GroupConfig{
		Aggs:      aggs,
		GroupCols: []int{0},
		Finalize:  true,
	}), &Stage{Name: "group-reduce"}, 0, [][]interface{}{
		{"a", int64(3)},
		{"a", int64(7)},
		{"b", int64(5)},
	})
	want = [][]interface{}{
		{"a", int64(10)},
		{"b", int64(5)},
	}
	if diff := cmp.Diff(want, reduced); diff != "" {
		t.Fatalf("reduce (-want +got):\n%s", diff)
	}
}

func TestSkipGroup(t *testing.T) {
	count := &AggSpec{
		F: func(a, v interface{}) interface{} {
			return a.(int64) + 1
		},
		Default: func() interface{} { return int64(0) },
	}
	got := runProcessor(t, NewGroupProcessor(GroupConfig{
		Aggs:      []*AggSpec{count},
		SkipGroup: true,
	}), &Stage{Name: "group-combine"}, 3, [][]interface{}{
		{nil}, {nil}, {nil},
	})
	want := [][]interface{}{{int64(3)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("skip group (-want +got):\n%s", diff)
	}

	// An empty combine task contributes nothing.
	got = runProcessor(t, NewGroupProcessor(GroupConfig{
		Aggs:      []*AggSpec{count},
		SkipGroup: true,
	}), &Stage{Name: "group-combine"}, 3, nil)
	if len(got) != 0 {
		t.Fatalf("empty skip group emitted %v", got)
	}
}

func TestOrderProcessorDistinctIgnoresBinary(t *testing.T) {
	// DISTINCT is defined over the non-binary columns only; binary
	// payloads ride along without breaking deduplication.
	records := [][]interface{}{
		{"a", []byte{1}},
		{"a", []byte{2}},
		{"b", []byte{3}},
	}
	got := runProcessor(t, NewOrderProcessor(OrderConfig{
		Distinct:  true,
		DedupCols: []int{0},
	}), &Stage{Name: "order-combine", Binaries: []int{1}}, 0, records)

	if len(got) != 2 {
		t.Fatalf("distinct kept %d records, want 2: %v", len(got), got)
	}
	if got[0][0] != "a" || got[1][0] != "b" {
		t.Fatalf("distinct keys: %v", got)
	}
}

func TestOrderProcessorLimit(t *testing.T) {
	records := [][]interface{}{
		{int64(1)}, {int64(2)}, {int64(3)}, {int64(4)},
	}
	got := runProcessor(t, NewOrderProcessor(OrderConfig{Limit: 2}), &Stage{Name: "order-reduce"}, 0, records)
	want := [][]interface{}{{int64(1)}, {int64(2)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("limit (-want +got):\n%s", diff)
	}
}
