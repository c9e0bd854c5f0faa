// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"os"
	"strings"

	"github.com/marbledb/marble/bitmap"
	"github.com/marbledb/marble/logging"
	"github.com/marbledb/marble/marble"
	"github.com/marbledb/marble/metrics"
	"github.com/marbledb/marble/util"
)

// WhereInput describes one where-clause for the restrict stage.
type WhereInput struct {
	// TableName selects the marbles this clause applies to.
	TableName string

	// Pred is the row predicate; nil selects the whole table.
	Pred Predicate

	// KeyCols are the projected column names in tuple order; an empty
	// name yields NULL (the column belongs to the other table).
	KeyCols []string
}

// RestrictConfig configures the restrict-select stage.
type RestrictConfig struct {
	Wheres        []WhereInput
	GenWhereIndex bool
	LabelCols     []int
	Partitions    int

	// Aggs enables opportunistic aggregation: map/combine runs inside the
	// restrict task to shrink the shuffle when downstream is a pure
	// aggregation.
	Aggs      []*AggSpec
	GroupCols []int
	SkipGroup bool

	// Distinct and RowLimit enable the opportunistic distinct+limit path
	// when no join, aggregation or order-by follows.
	Distinct  bool
	DedupCols []int
	RowLimit  int64

	Logger  logging.Logger
	Metrics metrics.Metrics
}

// oppAggCap bounds the opportunistic group table; overflowing flushes
// partial accumulators, which downstream group stages re-merge.
const oppAggCap = 1 << 16

// localPath asserts the blob URL names a file on this host.
func localPath(url string) (string, error) {
	path := strings.TrimPrefix(url, "file://")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("input %v not processed, no LOCAL resource found", url)
	}
	return path, nil
}

// NewRestrictProcessor returns the restrict-select task body: open the
// local marble, evaluate the predicate to a row set, materialize the
// projected tuple per row and emit it labelled by the sort columns.
func NewRestrictProcessor(cfg RestrictConfig) Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return func(task *Task, emit Emitter) error {
		path, err := localPath(task.Blob)
		if err != nil {
			return err
		}
		stream, err := marble.OpenStream(path, logger)
		if err != nil {
			return err
		}
		defer stream.Close()

		var opp *oppAgg
		if len(cfg.Aggs) > 0 {
			opp = newOppAgg(cfg.Aggs, cfg.GroupCols, cfg.SkipGroup)
		}
		seen := map[string]struct{}{}
		var emitted int64

		for wi, where := range cfg.Wheres {
			if where.TableName != stream.Schema().Name {
				continue
			}

			var rows *bitmap.Bitmap
			if where.Pred != nil && !where.Pred.IsPartition() {
				rows, err = where.Pred.Eval(stream, false)
				if err != nil {
					return err
				}
			}
			if rows == nil {
				rows = stream.Universe()
			}

			var rerr error
			rows.Iter(func(rid uint32) bool {
				record := make([]interface{}, 0, len(where.KeyCols)+1)
				if cfg.GenWhereIndex {
					record = append(record, int64(wi))
				}
				for _, col := range where.KeyCols {
					if col == "" {
						record = append(record, nil)
						continue
					}
					v, gerr := stream.Get(col, rid)
					if gerr != nil {
						rerr = gerr
						return false
					}
					record = append(record, v)
				}

				if opp != nil {
					rerr = opp.consume(record, emit, cfg.LabelCols, cfg.Partitions)
					return rerr == nil
				}
				if cfg.Distinct {
					k := string(dedupKey(record, cfg.DedupCols))
					if _, dup := seen[k]; dup {
						return true
					}
					seen[k] = struct{}{}
				}
				if cfg.RowLimit > 0 && emitted >= cfg.RowLimit {
					return false
				}
				emitted++
				rerr = emit(TupleHash(record, cfg.LabelCols, cfg.Partitions), record)
				return rerr == nil
			})
			if rerr != nil {
				return rerr
			}
		}

		if opp != nil {
			return opp.flush(emit, cfg.LabelCols, cfg.Partitions)
		}
		return nil
	}
}

func dedupKey(record []interface{}, cols []int) []byte {
	var out []byte
	for _, c := range cols {
		if c < len(record) {
			out = append(out, encodeField(record[c], false)...)
			out = append(out, fieldSep)
		}
	}
	return out
}

// oppAgg accumulates groups inside a restrict task. The join processor
// does not aggregate; joined rows reach the group stages unaggregated.
type oppAgg struct {
	aggs      []*AggSpec
	groupCols []int
	skip      bool
	groups    map[string][]interface{}
	order     []string
}

func newOppAgg(aggs []*AggSpec, groupCols []int, skip bool) *oppAgg {
	return &oppAgg{
		aggs:      aggs,
		groupCols: groupCols,
		skip:      skip,
		groups:    map[string][]interface{}{},
	}
}

func (o *oppAgg) consume(record []interface{}, emit Emitter, labelCols []int, partitions int) error {
	var key string
	if !o.skip {
		key = string(dedupKey(record, o.groupCols))
	}
	accums, ok := o.groups[key]
	if !ok {
		if len(o.groups) >= oppAggCap {
			if err := o.flush(emit, labelCols, partitions); err != nil {
				return err
			}
		}
		accums = make([]interface{}, len(o.aggs))
		for i, agg := range o.aggs {
			if agg.IsAgg() {
				accums[i] = agg.Default()
			} else if i < len(record) {
				accums[i] = record[i]
			}
		}
		o.groups[key] = accums
		o.order = append(o.order, key)
	}
	for i, agg := range o.aggs {
		if agg.IsAgg() && i < len(record) {
			accums[i] = agg.F(accums[i], record[i])
		}
	}
	return nil
}

func (o *oppAgg) flush(emit Emitter, labelCols []int, partitions int) error {
	for _, key := range o.order {
		accums := o.groups[key]
		out := make([]interface{}, len(accums))
		for i, agg := range o.aggs {
			if agg.IsAgg() {
				a := accums[i]
				if agg.H != nil {
					a = agg.H(a)
				}
				out[i] = a
			} else {
				out[i] = accums[i]
			}
		}
		label := 0
		if !o.skip {
			label = TupleHash(out, labelCols, partitions)
		}
		if err := emit(label, out); err != nil {
			return err
		}
	}
	o.groups = map[string][]interface{}{}
	o.order = nil
	return nil
}

// JoinConfig configures the join stage.
type JoinConfig struct {
	LabelCols  []int
	Partitions int
	FullJoin   bool
}

// NewJoinProcessor returns the join task body. Input records are sorted
// by join key then where-index, shaped (where_index, join_value,
// columns...). For each join-key group every left record merges with
// every right record; NULL holes fill from whichever side has the column.
func NewJoinProcessor(cfg JoinConfig) Processor {
	return func(task *Task, emit Emitter) error {
		var curKey interface{}
		inGroup := false
		var left [][]interface{}
		rights := 0

		finish := func() error {
			if cfg.FullJoin && rights == 0 {
				for _, l := range left {
					if err := emitMerged(emit, cfg, l[2:]); err != nil {
						return err
					}
				}
			}
			left = left[:0]
			rights = 0
			return nil
		}

		for rec := range task.Records {
			if len(rec) < 2 {
				continue
			}
			if !inGroup || util.Compare(rec[1], curKey) != 0 {
				if inGroup {
					if err := finish(); err != nil {
						return err
					}
				}
				curKey = rec[1]
				inGroup = true
			}
			if idx, _ := util.ToInt(rec[0]); idx == 0 {
				left = append(left, rec)
				continue
			}
			rights++
			if len(left) == 0 {
				if cfg.FullJoin {
					if err := emitMerged(emit, cfg, rec[2:]); err != nil {
						return err
					}
				}
				continue
			}
			for _, l := range left {
				merged := mergeRecords(l[2:], rec[2:])
				if err := emitMerged(emit, cfg, merged); err != nil {
					return err
				}
			}
		}
		if inGroup {
			return finish()
		}
		return nil
	}
}

func emitMerged(emit Emitter, cfg JoinConfig, merged []interface{}) error {
	return emit(TupleHash(merged, cfg.LabelCols, cfg.Partitions), merged)
}

func mergeRecords(l, r []interface{}) []interface{} {
	n := len(l)
	if len(r) > n {
		n = len(r)
	}
	out := make([]interface{}, n)
	for i := range out {
		var lv, rv interface{}
		if i < len(l) {
			lv = l[i]
		}
		if i < len(r) {
			rv = r[i]
		}
		if lv != nil {
			out[i] = lv
		} else {
			out[i] = rv
		}
	}
	return out
}

// GroupConfig configures the group-combine and group-reduce stages.
type GroupConfig struct {
	Aggs      []*AggSpec
	GroupCols []int

	// LabelCols re-labels output by the group columns (combine stage);
	// nil keeps the task label (reduce stage).
	LabelCols  []int
	Partitions int

	// Finalize applies each aggregation's G instead of H when emitting.
	Finalize bool

	// SkipGroup folds everything into one accumulator: the path for
	// queries where every projected expression aggregates.
	SkipGroup bool
}

// NewGroupProcessor returns a group stage task body over input sorted by
// the group columns.
func NewGroupProcessor(cfg GroupConfig) Processor {
	return func(task *Task, emit Emitter) error {
		if cfg.SkipGroup {
			return skipGroup(task, emit, cfg)
		}

		var group []interface{}
		var accums []interface{}
		inGroup := false

		finish := func() error {
			out := make([]interface{}, len(cfg.Aggs))
			for i, agg := range cfg.Aggs {
				if agg.IsAgg() {
					a := accums[i]
					if cfg.Finalize {
						if agg.G != nil {
							a = agg.G(a)
						}
					} else if agg.H != nil {
						a = agg.H(a)
					}
					out[i] = a
				} else if i < len(group) {
					out[i] = group[i]
				}
			}
			label := task.Label
			if cfg.LabelCols != nil {
				label = TupleHash(out, cfg.LabelCols, cfg.Partitions)
			}
			return emit(label, out)
		}

		for rec := range task.Records {
			if !inGroup || compareKeys(rec, group, cfg.GroupCols, false) != 0 {
				if inGroup {
					if err := finish(); err != nil {
						return err
					}
				}
				group = rec
				inGroup = true
				accums = make([]interface{}, len(cfg.Aggs))
				for i, agg := range cfg.Aggs {
					if agg.IsAgg() {
						accums[i] = agg.Default()
					}
				}
			}
			for i, agg := range cfg.Aggs {
				if agg.IsAgg() && i < len(rec) {
					accums[i] = agg.F(accums[i], rec[i])
				}
			}
		}
		if inGroup {
			return finish()
		}
		return nil
	}
}

func skipGroup(task *Task, emit Emitter, cfg GroupConfig) error {
	accums := make([]interface{}, len(cfg.Aggs))
	for i, agg := range cfg.Aggs {
		if agg.IsAgg() {
			accums[i] = agg.Default()
		}
	}
	saw := false
	for rec := range task.Records {
		saw = true
		for i, agg := range cfg.Aggs {
			if agg.IsAgg() && i < len(rec) {
				accums[i] = agg.F(accums[i], rec[i])
			}
		}
	}
	if !saw && !cfg.Finalize {
		// A task with no input contributes nothing rather than a spurious
		// zero accumulator.
		return nil
	}
	out := make([]interface{}, len(cfg.Aggs))
	for i, agg := range cfg.Aggs {
		if !agg.IsAgg() {
			continue
		}
		a := accums[i]
		if cfg.Finalize {
			if agg.G != nil {
				a = agg.G(a)
			}
		} else if agg.H != nil {
			a = agg.H(a)
		}
		out[i] = a
	}
	return emit(0, out)
}

// OrderConfig configures the order-combine and order-reduce stages.
type OrderConfig struct {
	Distinct bool

	// DedupCols are the non-binary projected columns DISTINCT is defined
	// over; binary columns are carried but ignored for deduplication.
	DedupCols []int

	Limit int64
}

// NewOrderProcessor returns an order stage task body over input sorted by
// the full sort key: consecutive-equal dedup plus limit.
func NewOrderProcessor(cfg OrderConfig) Processor {
	return func(task *Task, emit Emitter) error {
		var count int64
		var last []interface{}
		for rec := range task.Records {
			if cfg.Distinct && last != nil && compareKeys(rec, last, cfg.DedupCols, false) == 0 {
				continue
			}
			last = rec
			if cfg.Limit > 0 && count >= cfg.Limit {
				return nil
			}
			count++
			if err := emit(task.Label, rec); err != nil {
				return err
			}
		}
		return nil
	}
}
