// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package query

import (
	"fmt"
)

// Where is an entry of the where clause: a predicate expression or a bare
// table (selecting all of it).
type Where interface {
	whereTable() *Table
	whereExpr() *Expr
}

func (e *Expr) whereTable() *Table { return e.table }
func (e *Expr) whereExpr() *Expr   { return e }

func (t *Table) whereTable() *Table { return t }
func (t *Table) whereExpr() *Expr   { return nil }

// checkQuery validates a query synchronously at construction time.
func checkQuery(project []Projection, join []*Column, orderBy []interface{}, limit int, wheres []Where) error {
	if len(wheres) == 0 {
		return queryError("where clause must have at least one table")
	}

	tables := map[string]*Table{}
	for _, where := range wheres {
		t := where.whereTable()
		if t == nil {
			return queryError("where clause entry has no table")
		}
		if _, ok := tables[t.Name]; ok {
			return queryError("table %v occurs twice in the where clause", t.Name)
		}
		tables[t.Name] = t
	}

	if len(project) == 0 {
		return queryError("no items in the select clause")
	}

	selects := map[string]bool{}
	for i, p := range project {
		col := p.Col()
		name := p.FullName()
		if col != nil && col.table != nil {
			if _, ok := tables[col.table.Name]; !ok {
				return queryError("selected column %v is not from the given tables in the where clauses", name)
			}
		}
		if selects[name] {
			return queryError("duplicate column %v in the select list", name)
		}
		selects[name] = true
		if col != nil {
			selects[col.Name()] = true
		}
		selects[fmt.Sprint(i)] = true
	}

	if len(join) > 0 {
		if len(tables) != 2 {
			return queryError("query with join takes exactly two tables, %d given", len(tables))
		}
		if len(join) != 2 {
			return queryError("join takes exactly two columns, %d given", len(join))
		}
		if join[0].table == nil || join[1].table == nil {
			return queryError("join columns must belong to tables")
		}
		if join[0].table.Name == join[1].table.Name {
			return queryError("join columns belong to a same table")
		}
		if join[0].def.Type != join[1].def.Type {
			return queryError("join columns have different types")
		}
		for _, c := range join {
			if _, ok := tables[c.table.Name]; !ok {
				return queryError("join column %v is not from the given tables in the where clauses", c.FullName())
			}
		}
	}

	for _, o := range orderBy {
		switch x := o.(type) {
		case *Column, *Aggregation:
			p := x.(Projection)
			if !selects[p.FullName()] && !selects[p.Col().Name()] {
				return queryError("order_by column %v is not in the select list", p.FullName())
			}
		case string:
			if !selects[x] {
				return queryError("order_by column %v is not in the select list", x)
			}
		case int:
			if x < 0 || x >= len(project) {
				return queryError("order_by index %d is not in the select list", x)
			}
		default:
			return queryError("order_by entry %v is not a column, name or index", o)
		}
	}

	if limit < 0 {
		return queryError("negative number is not allowed in the limit")
	}

	return nil
}

// resolveOrderBy maps order-by entries (column refs, aggregations, names
// or 0-based projection indices) onto the projection list.
func resolveOrderBy(orderBy []interface{}, project []Projection) []Projection {
	var out []Projection
	for _, o := range orderBy {
		switch x := o.(type) {
		case *Column:
			if p := findProjection(project, x.FullName(), x.Name()); p != nil {
				out = append(out, p)
			}
		case *Aggregation:
			if p := findProjection(project, x.FullName(), x.Name()); p != nil {
				out = append(out, p)
			}
		case string:
			if p := findProjection(project, x, x); p != nil {
				out = append(out, p)
			}
		case int:
			if x >= 0 && x < len(project) {
				out = append(out, project[x])
			}
		}
	}
	return out
}

func findProjection(project []Projection, fullName, name string) Projection {
	for _, p := range project {
		if p.FullName() == fullName || p.FullName() == name {
			return p
		}
		if col := p.Col(); col != nil && (col.Name() == name || col.Name() == fullName) {
			return p
		}
		if agg, ok := p.(*Aggregation); ok && (agg.Name() == name || agg.Name() == fullName) {
			return p
		}
	}
	return nil
}
