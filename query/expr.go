// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package query

import (
	"github.com/marbledb/marble/bitmap"
	"github.com/marbledb/marble/marble"
)

// rowFn evaluates an expression against one marble, producing the set of
// matching RIDs. A nil rowFn (or nil bitmap) selects every row.
type rowFn func(s *marble.Stream, invert bool) (*bitmap.Bitmap, error)

// partFn filters partition tags without opening any file. A nil partFn
// passes every tag through.
type partFn func(tags []string, invert bool) []string

// Expr is a predicate over the rows of one table, built from column
// comparisons combined with And/Or/Not. Each node tracks whether it can
// prune partitions: AND prunes when either side constrains the partition,
// OR only when both sides do.
type Expr struct {
	table       *Table
	f           rowFn
	p           partFn
	isPartition bool
}

// Table returns the table this expression queries.
func (e *Expr) Table() *Table {
	return e.table
}

// IsPartition reports whether the expression references only the
// partition column.
func (e *Expr) IsPartition() bool {
	return e.isPartition
}

// HasPartition reports whether the expression constrains which partitions
// to scan.
func (e *Expr) HasPartition() bool {
	return e.p != nil
}

// Eval computes the row set on a stream. A nil bitmap means every row
// matches (the predicate constrains only the partition).
func (e *Expr) Eval(s *marble.Stream, invert bool) (*bitmap.Bitmap, error) {
	if e.f == nil {
		if invert {
			return bitmap.New(), nil
		}
		return nil, nil
	}
	return e.f(s, invert)
}

// Partition filters the candidate partition tags.
func (e *Expr) Partition(tags []string, invert bool) []string {
	return partAll(e.p)(tags, invert)
}

// partAll is the pass-through partition filter standing in for nil.
func partAll(p partFn) partFn {
	if p != nil {
		return p
	}
	return func(tags []string, invert bool) []string {
		if invert {
			return nil
		}
		return tags
	}
}

func (e *Expr) assertUnity(other *Expr) error {
	if e.table != nil && other.table != nil && e.table.Name != other.table.Name {
		return queryError("expression must have a single table: %v != %v", e.table.Name, other.table.Name)
	}
	return nil
}

// And combines two expressions conjunctively.
func (e *Expr) And(other *Expr) (*Expr, error) {
	if err := e.assertUnity(other); err != nil {
		return nil, err
	}
	switch {
	case e.isPartition && other.isPartition:
		// Both sides are pure partition predicates: rows need no
		// evaluation, tags must pass both filters.
		return &Expr{
			table:       e.table,
			p:           partAnd(e.p, other.p),
			isPartition: true,
		}, nil
	case !e.HasPartition() && !other.HasPartition():
		return &Expr{
			table: e.table,
			f:     rowAnd(e.f, other.f),
		}, nil
	case e.isPartition && !other.HasPartition():
		return &Expr{table: e.table, f: other.f, p: e.p}, nil
	case other.isPartition && !e.HasPartition():
		return &Expr{table: e.table, f: e.f, p: other.p}, nil
	case e.isPartition || other.isPartition:
		// One side is pure partition, the other mixed: the pure side
		// contributes only pruning.
		f := e.f
		if e.isPartition {
			f = other.f
		}
		return &Expr{
			table: e.table,
			f:     f,
			p:     partAnd(e.p, other.p),
		}, nil
	default:
		// At least one side mixes partition and row predicates.
		var p partFn
		switch {
		case e.HasPartition() && other.HasPartition():
			p = partAnd(e.p, other.p)
		case e.HasPartition():
			p = e.p
		default:
			p = other.p
		}
		return &Expr{
			table: e.table,
			f:     rowAnd(e.f, other.f),
			p:     p,
		}, nil
	}
}

// Or combines two expressions disjunctively.
func (e *Expr) Or(other *Expr) (*Expr, error) {
	if err := e.assertUnity(other); err != nil {
		return nil, err
	}
	switch {
	case e.isPartition && other.isPartition:
		return &Expr{
			table:       e.table,
			f:           rowOr(e.f, other.f),
			p:           partOr(e.p, other.p),
			isPartition: true,
		}, nil
	case e.isPartition && other.HasPartition():
		return &Expr{table: e.table, f: other.f, p: partOr(e.p, other.p)}, nil
	case other.isPartition && e.HasPartition():
		return &Expr{table: e.table, f: e.f, p: partOr(e.p, other.p)}, nil
	case e.HasPartition() && other.HasPartition():
		return &Expr{
			table: e.table,
			f:     rowOr(e.f, other.f),
			p:     partOr(e.p, other.p),
		}, nil
	default:
		// A side without partition constraints makes pruning unsound.
		return &Expr{
			table: e.table,
			f:     rowOr(e.f, other.f),
		}, nil
	}
}

// Not negates the expression. The partition filter inverts only when the
// node constrains partitions at all.
func (e *Expr) Not() *Expr {
	f := e.f
	out := &Expr{table: e.table, isPartition: e.isPartition}
	out.f = func(s *marble.Stream, invert bool) (*bitmap.Bitmap, error) {
		if f == nil {
			return bitmap.New(), nil
		}
		return f(s, !invert)
	}
	if e.HasPartition() {
		p := e.p
		out.p = func(tags []string, invert bool) []string {
			return p(tags, !invert)
		}
	}
	return out
}

func rowAnd(l, r rowFn) rowFn {
	return func(s *marble.Stream, invert bool) (*bitmap.Bitmap, error) {
		// De Morgan: an inverted AND evaluates as OR of inverted sides.
		if invert {
			return rowOrEval(l, r, s, invert)
		}
		return rowAndEval(l, r, s, invert)
	}
}

func rowOr(l, r rowFn) rowFn {
	return func(s *marble.Stream, invert bool) (*bitmap.Bitmap, error) {
		if invert {
			return rowAndEval(l, r, s, invert)
		}
		return rowOrEval(l, r, s, invert)
	}
}

func rowAndEval(l, r rowFn, s *marble.Stream, invert bool) (*bitmap.Bitmap, error) {
	if l == nil {
		return evalSide(r, s, invert)
	}
	if r == nil {
		return evalSide(l, s, invert)
	}
	lb, err := l(s, invert)
	if err != nil {
		return nil, err
	}
	rb, err := r(s, invert)
	if err != nil {
		return nil, err
	}
	if lb == nil {
		return rb, nil
	}
	if rb == nil {
		return lb, nil
	}
	lb.And(rb)
	return lb, nil
}

func rowOrEval(l, r rowFn, s *marble.Stream, invert bool) (*bitmap.Bitmap, error) {
	if l == nil || r == nil {
		// A missing side matches everything.
		return nil, nil
	}
	lb, err := l(s, invert)
	if err != nil {
		return nil, err
	}
	rb, err := r(s, invert)
	if err != nil {
		return nil, err
	}
	if lb == nil || rb == nil {
		return nil, nil
	}
	lb.Or(rb)
	return lb, nil
}

func evalSide(f rowFn, s *marble.Stream, invert bool) (*bitmap.Bitmap, error) {
	if f == nil {
		return nil, nil
	}
	return f(s, invert)
}

// partAnd intersects two partition filters; inversion flips it to a
// union per De Morgan.
func partAnd(l, r partFn) partFn {
	return func(tags []string, invert bool) []string {
		if invert {
			return partUnion(l, r, tags, invert)
		}
		return partIntersect(l, r, tags, invert)
	}
}

func partOr(l, r partFn) partFn {
	return func(tags []string, invert bool) []string {
		if invert {
			return partIntersect(l, r, tags, invert)
		}
		return partUnion(l, r, tags, invert)
	}
}

func partIntersect(l, r partFn, tags []string, invert bool) []string {
	lset := map[string]struct{}{}
	for _, t := range partAll(l)(tags, invert) {
		lset[t] = struct{}{}
	}
	var out []string
	for _, t := range partAll(r)(tags, invert) {
		if _, ok := lset[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func partUnion(l, r partFn, tags []string, invert bool) []string {
	lres := partAll(l)(tags, invert)
	lset := map[string]struct{}{}
	out := make([]string, 0, len(lres))
	for _, t := range lres {
		lset[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range partAll(r)(tags, invert) {
		if _, ok := lset[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// comparison operators

type compareOp int

const (
	opEq compareOp = iota
	opNe
	opLt
	opGt
	opLe
	opGe
	opIn
	opNotIn
)

func (op compareOp) isRange() bool {
	switch op {
	case opLt, opGt, opLe, opGe:
		return true
	}
	return false
}

func (op compareOp) inverse() compareOp {
	switch op {
	case opEq:
		return opNe
	case opNe:
		return opEq
	case opLt:
		return opGe
	case opGe:
		return opLt
	case opGt:
		return opLe
	case opLe:
		return opGt
	case opIn:
		return opNotIn
	}
	return opIn
}

func rowCompare(col string, op compareOp, other interface{}, members []interface{}) rowFn {
	return func(s *marble.Stream, invert bool) (*bitmap.Bitmap, error) {
		eff := op
		if invert {
			eff = op.inverse()
		}
		switch eff {
		case opEq:
			return s.BitEq(col, other)
		case opNe:
			return s.BitNe(col, other)
		case opLt:
			return s.BitLt(col, other)
		case opGt:
			return s.BitGt(col, other)
		case opLe:
			return s.BitLe(col, other)
		case opGe:
			return s.BitGe(col, other)
		case opIn:
			return s.BitEqEx(col, members)
		default:
			return s.BitNeEx(col, members)
		}
	}
}

func partCompare(op compareOp, other interface{}, members []interface{}) partFn {
	otherStr, _ := tagString(other)
	memberSet := map[string]struct{}{}
	for _, m := range members {
		if s, ok := tagString(m); ok {
			memberSet[s] = struct{}{}
		}
	}
	return func(tags []string, invert bool) []string {
		eff := op
		if invert {
			eff = op.inverse()
		}
		var out []string
		for _, t := range tags {
			var keep bool
			switch eff {
			case opEq:
				keep = t == otherStr
			case opNe:
				keep = t != otherStr
			case opLt:
				keep = t < otherStr
			case opGt:
				keep = t > otherStr
			case opLe:
				keep = t <= otherStr
			case opGe:
				keep = t >= otherStr
			case opIn:
				_, keep = memberSet[t]
			default:
				_, ok := memberSet[t]
				keep = !ok
			}
			if keep {
				out = append(out, t)
			}
		}
		return out
	}
}

func tagString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}
