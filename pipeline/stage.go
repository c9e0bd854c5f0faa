// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package pipeline implements the multi-stage query execution pipeline:
// stage declarations, the per-stage processors (restrict, join, group,
// order), the composite-key shuffle with its external merge sort, and a
// local runner that executes a stage list over marble files.
//
// Parallelism comes from running independent stage tasks; within a task
// execution is single-threaded and no task mutates another's memory.
package pipeline

import (
	"iter"

	"github.com/cespare/xxhash/v2"

	"github.com/marbledb/marble/bitmap"
	"github.com/marbledb/marble/marble"
)

// Grouping declares how a stage's input is split into tasks.
type Grouping int

const (
	// Split runs one task per input blob.
	Split Grouping = iota

	// GroupLabel runs one task per label.
	GroupLabel

	// GroupLabelNode runs one task per label and host.
	GroupLabelNode

	// GroupAll runs one task total.
	GroupAll
)

// Stage declares one step of the pipeline.
type Stage struct {
	Name  string
	Group Grouping

	// Sort lists the key columns the stage's input must be ordered by.
	Sort []int

	// Binaries lists the key columns holding opaque bytes; the shuffle
	// codec base64s them. Sorting and merging order on them only when
	// Sort lists them.
	Binaries []int

	// OutBinaries describes the emitted tuples when the stage reshapes
	// them (the join drops its where-index and join-key prefix). Defaults
	// to Binaries.
	OutBinaries []int

	// Desc reverses the sort direction.
	Desc bool

	// InputSorted marks the inputs as already sorted runs; they are heap
	// merged instead of externally sorted.
	InputSorted bool

	// Combine feeds all of a task's inputs as one serial stream.
	Combine bool

	// CombineLabels routes every label to a single task.
	CombineLabels bool

	// Process is the task body.
	Process Processor
}

// Task is one unit of stage execution.
type Task struct {
	Stage *Stage

	// Label is the task's input label.
	Label int

	// Blob is the input file for Split-stage tasks.
	Blob string

	// Records is the (possibly sorted) input stream for later stages.
	Records iter.Seq[[]interface{}]
}

// Emitter routes a record to the downstream task selected by label.
type Emitter func(label int, key []interface{}) error

// Processor is a stage's task body.
type Processor func(task *Task, emit Emitter) error

// Predicate is the restrict stage's view of a query expression.
type Predicate interface {
	// Eval returns the matching rows of the stream; a nil bitmap selects
	// every row.
	Eval(s *marble.Stream, invert bool) (*bitmap.Bitmap, error)

	// IsPartition reports whether the expression references only the
	// partition column, making row evaluation unnecessary.
	IsPartition() bool
}

// AggSpec carries one projection position's aggregation closures through
// the pipeline. A nil F marks a plain (group-by) column.
type AggSpec struct {
	F       func(a, v interface{}) interface{}
	H       func(a interface{}) interface{}
	G       func(a interface{}) interface{}
	Default func() interface{}
}

// IsAgg reports whether the position aggregates.
func (a *AggSpec) IsAgg() bool {
	return a != nil && a.F != nil
}

// TupleHash computes the shuffle label of a record: a stable hash of the
// chosen key columns modulo the partition count.
func TupleHash(key []interface{}, cols []int, partitions int) int {
	if partitions <= 0 {
		partitions = 1
	}
	var r uint64
	for _, c := range cols {
		if c < len(key) {
			r ^= xxhash.Sum64(encodeField(key[c], false))
		}
	}
	return int(r % uint64(partitions))
}

// Plan is a compiled pipeline.
type Plan struct {
	Stages     []*Stage
	Partitions int
}
