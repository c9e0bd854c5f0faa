// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package query

import (
	"math"

	"github.com/marbledb/marble/marble"
	"github.com/marbledb/marble/util"
)

// Aggregation is a column function computed over the groups of a query.
// It carries four closures called at specific points of the group-by
// stages: Default builds the initial accumulator, F folds a value in (and
// merges partial accumulators, so any interleaving of batches reduces to
// the same result), H normalizes an accumulator for the shuffle, and G
// produces the final value. Accumulators are plain serializable values;
// no closure crosses a shuffle boundary.
type Aggregation struct {
	name   string
	column *Column

	F       func(a, v interface{}) interface{}
	G       func(a interface{}) interface{}
	H       func(a interface{}) interface{}
	Default func() interface{}
}

func newAggregation(name string, column *Column, f func(a, v interface{}) interface{}, def func() interface{}) *Aggregation {
	return &Aggregation{
		name:    name,
		column:  column,
		F:       f,
		G:       identity,
		H:       identity,
		Default: def,
	}
}

func identity(a interface{}) interface{} { return a }

// NewAggregation is the extension point for custom aggregators (e.g.
// approximate-cardinality sketches supplied as library code). The
// closures must obey the pipeline contract: accumulators are serializable
// values, F merges partial accumulators as well as folding raw values,
// and nil g/h default to the identity.
func NewAggregation(name string, column *Column, f func(a, v interface{}) interface{}, g, h func(a interface{}) interface{}, def func() interface{}) *Aggregation {
	a := newAggregation(name, column, f, def)
	if g != nil {
		a.G = g
	}
	if h != nil {
		a.H = h
	}
	return a
}

// Col implements Projection.
func (a *Aggregation) Col() *Column {
	return a.column
}

// FullName implements Projection, e.g. "sum(imps.cpm_millis)".
func (a *Aggregation) FullName() string {
	if a.column == nil || a.column.table == nil {
		return a.name + "()"
	}
	return a.name + "(" + a.column.FullName() + ")"
}

// Name returns the bare aggregation name, e.g. "sum(cpm_millis)".
func (a *Aggregation) Name() string {
	if a.column == nil {
		return a.name + "()"
	}
	return a.name + "(" + a.column.Name() + ")"
}

// SchemaString implements Projection: the aggregation contributes its
// column's field spec to a nested result schema.
func (a *Aggregation) SchemaString() string {
	return a.column.SchemaString()
}

// Named returns a copy with an aliased result column.
func (a *Aggregation) Named(alias string) *Aggregation {
	cp := *a
	if cp.column != nil {
		cp.column = cp.column.Named(alias)
	}
	return &cp
}

// Sum aggregates the sum of a numeric column. The fold doubles as the
// merge of partial sums.
func Sum(col *Column) *Aggregation {
	return newAggregation("sum", col,
		func(a, v interface{}) interface{} {
			if v == nil {
				return a
			}
			return util.AddNumeric(a, v)
		},
		func() interface{} { return int64(0) })
}

// Count aggregates the number of rows per group. Merging partial counts
// reuses the fold: a non-zero incoming value is a partial count.
func Count() *Aggregation {
	all := &Column{def: &marble.Column{Name: "all", Type: marble.TypeI32}}
	return newAggregation("count", all,
		func(a, v interface{}) interface{} {
			if n, ok := util.ToInt(v); ok && n != 0 {
				return util.AddNumeric(a, n)
			}
			return util.AddNumeric(a, int64(1))
		},
		func() interface{} { return int64(0) })
}

// Min aggregates the minimum value of a column.
func Min(col *Column) *Aggregation {
	a := newAggregation("min", col,
		func(a, v interface{}) interface{} {
			if v == nil || util.Compare(v, a) >= 0 {
				return a
			}
			return v
		},
		func() interface{} { return int64(math.MaxInt64) })
	return a
}

// Max aggregates the maximum value of a column.
func Max(col *Column) *Aggregation {
	return newAggregation("max", col,
		func(a, v interface{}) interface{} {
			if v == nil || util.Compare(v, a) <= 0 {
				return a
			}
			return v
		},
		func() interface{} { return int64(math.MinInt64) })
}

// Avg aggregates the mean of a numeric column. The accumulator is a
// (sum, count) pair; folding a pair merges partial accumulators, folding
// a scalar counts one value.
func Avg(col *Column) *Aggregation {
	a := newAggregation("avg", col,
		func(a, v interface{}) interface{} {
			acc := a.([]interface{})
			if pair, ok := v.([]interface{}); ok && len(pair) == 2 {
				return []interface{}{
					util.AddNumeric(acc[0], pair[0]),
					util.AddNumeric(acc[1], pair[1]),
				}
			}
			if v == nil {
				return acc
			}
			return []interface{}{util.AddNumeric(acc[0], v), util.AddNumeric(acc[1], int64(1))}
		},
		func() interface{} { return []interface{}{int64(0), int64(0)} })
	a.G = func(acc interface{}) interface{} {
		pair, ok := acc.([]interface{})
		if !ok || len(pair) != 2 {
			return nil
		}
		sum, _ := util.ToFloat(pair[0])
		count, _ := util.ToFloat(pair[1])
		if count == 0 {
			return nil
		}
		return sum / count
	}
	return a
}
