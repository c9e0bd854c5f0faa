// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package query

import (
	"github.com/marbledb/marble/marble"
)

// Projection is an entry of the select list: a column reference or an
// aggregation over one.
type Projection interface {
	// Col returns the underlying column reference.
	Col() *Column

	// FullName uniquely names the projection for checking and order-by
	// resolution.
	FullName() string

	// SchemaString contributes the projection's field spec to a nested
	// result schema.
	SchemaString() string
}

// Column is a reference to a table's column, the operand of the
// expression DSL. Comparisons yield Exprs; QueryError surfaces
// synchronously for operations the column cannot support.
type Column struct {
	def   *marble.Column
	table *Table
	alias string
}

// Def exposes the schema column.
func (c *Column) Def() *marble.Column {
	return c.def
}

// Table returns the owning table; nil for synthetic columns.
func (c *Column) Table() *Table {
	return c.table
}

// Name returns the column name.
func (c *Column) Name() string {
	return c.def.Name
}

// Alias returns the projection alias, or the empty string.
func (c *Column) Alias() string {
	return c.alias
}

// FullName returns table.column, or the bare name for synthetic columns.
func (c *Column) FullName() string {
	if c.table == nil {
		return c.def.Name
	}
	return c.table.Name + "." + c.def.Name
}

// Col implements Projection.
func (c *Column) Col() *Column {
	return c
}

// SchemaString implements Projection, honoring the alias.
func (c *Column) SchemaString() string {
	name := c.def.Name
	if c.alias != "" {
		name = c.alias
	}
	return c.def.SchemaStringAs(name)
}

// IsBinary reports whether the column holds opaque bytes.
func (c *Column) IsBinary() bool {
	return c.def.IsBinary()
}

// IsNumeric reports whether the column holds integers.
func (c *Column) IsNumeric() bool {
	return c.def.IsNumeric()
}

// Named returns a copy of the reference carrying an alias for the result
// schema.
func (c *Column) Named(alias string) *Column {
	cp := *c
	cp.alias = alias
	return &cp
}

func (c *Column) getExpr(op compareOp, other interface{}, members []interface{}) (*Expr, error) {
	if op.isRange() && !c.def.RangeQueryable() {
		return nil, queryError("column %v doesn't support range query", c.FullName())
	}
	if !c.def.IsIndexed() {
		return nil, queryError("column %v is not an index, cannot appear in 'where' clause", c.FullName())
	}
	e := &Expr{
		table:       c.table,
		f:           rowCompare(c.def.Name, op, other, members),
		isPartition: c.def.Partition,
	}
	if c.def.Partition {
		e.p = partCompare(op, other, members)
	}
	return e, nil
}

// Eq builds the predicate column == v.
func (c *Column) Eq(v interface{}) (*Expr, error) {
	return c.getExpr(opEq, v, nil)
}

// Ne builds the predicate column != v.
func (c *Column) Ne(v interface{}) (*Expr, error) {
	return c.getExpr(opNe, v, nil)
}

// Lt builds the predicate column < v.
func (c *Column) Lt(v interface{}) (*Expr, error) {
	return c.getExpr(opLt, v, nil)
}

// Gt builds the predicate column > v.
func (c *Column) Gt(v interface{}) (*Expr, error) {
	return c.getExpr(opGt, v, nil)
}

// Le builds the predicate column <= v.
func (c *Column) Le(v interface{}) (*Expr, error) {
	return c.getExpr(opLe, v, nil)
}

// Ge builds the predicate column >= v.
func (c *Column) Ge(v interface{}) (*Expr, error) {
	return c.getExpr(opGe, v, nil)
}

// In builds the set-membership predicate column ∈ vs.
func (c *Column) In(vs ...interface{}) (*Expr, error) {
	if len(vs) == 0 {
		return nil, queryError("column %v: IN needs at least one member", c.FullName())
	}
	return c.getExpr(opIn, nil, vs)
}

// NotIn builds the set-exclusion predicate column ∉ vs.
func (c *Column) NotIn(vs ...interface{}) (*Expr, error) {
	if len(vs) == 0 {
		return nil, queryError("column %v: NOT IN needs at least one member", c.FullName())
	}
	return c.getExpr(opNotIn, nil, vs)
}
