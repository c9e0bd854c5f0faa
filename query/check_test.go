// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package query

import (
	"testing"
)

func checkTables(t *testing.T) (*Table, *Table) {
	t.Helper()
	imps := NewTable(mustSchema(t, "imps", []string{"+$date", "+@4ad_id", "+%4site", "@4cpm_millis"}, "date"))
	pix := NewTable(mustSchema(t, "pix", []string{"+$date", "+%4site", "@4amount", "+@4isActive"}, "date"))
	return imps, pix
}

func TestCheckQuery(t *testing.T) {
	imps, pix := checkTables(t)

	ok := []Projection{imps.Column("ad_id"), imps.Column("date")}

	cases := []struct {
		name    string
		project []Projection
		join    []*Column
		orderBy []interface{}
		limit   int
		wheres  []Where
		wantErr bool
	}{
		{
			name:    "valid",
			project: ok,
			wheres:  []Where{imps},
		},
		{
			name:    "no where",
			project: ok,
			wantErr: true,
		},
		{
			name:    "empty projection",
			wheres:  []Where{imps},
			wantErr: true,
		},
		{
			name:    "duplicate table",
			project: ok,
			wheres:  []Where{imps, imps},
			wantErr: true,
		},
		{
			name:    "column from foreign table",
			project: []Projection{pix.Column("amount")},
			wheres:  []Where{imps},
			wantErr: true,
		},
		{
			name:    "duplicate projection",
			project: []Projection{imps.Column("ad_id"), imps.Column("ad_id")},
			wheres:  []Where{imps},
			wantErr: true,
		},
		{
			name:    "join needs two tables",
			project: ok,
			join:    []*Column{imps.Column("site"), pix.Column("site")},
			wheres:  []Where{imps},
			wantErr: true,
		},
		{
			name:    "join same table",
			project: ok,
			join:    []*Column{imps.Column("site"), imps.Column("ad_id")},
			wheres:  []Where{imps, pix},
			wantErr: true,
		},
		{
			name:    "join type mismatch",
			project: ok,
			join:    []*Column{imps.Column("site"), pix.Column("amount")},
			wheres:  []Where{imps, pix},
			wantErr: true,
		},
		{
			name:    "valid join",
			project: []Projection{imps.Column("ad_id"), pix.Column("amount")},
			join:    []*Column{imps.Column("site"), pix.Column("site")},
			wheres:  []Where{imps, pix},
		},
		{
			name:    "order by outside projection",
			project: ok,
			orderBy: []interface{}{"cpm_millis"},
			wheres:  []Where{imps},
			wantErr: true,
		},
		{
			name:    "order by name",
			project: ok,
			orderBy: []interface{}{"date"},
			wheres:  []Where{imps},
		},
		{
			name:    "order by index",
			project: ok,
			orderBy: []interface{}{1},
			wheres:  []Where{imps},
		},
		{
			name:    "order by index out of range",
			project: ok,
			orderBy: []interface{}{5},
			wheres:  []Where{imps},
			wantErr: true,
		},
		{
			name:    "negative limit",
			project: ok,
			limit:   -1,
			wheres:  []Where{imps},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkQuery(tc.project, tc.join, tc.orderBy, tc.limit, tc.wheres)
			if tc.wantErr && err == nil {
				t.Fatal("expected QueryError, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr && err != nil && !IsQueryErr(err) {
				t.Fatalf("expected QueryError, got %T %v", err, err)
			}
		})
	}
}

func TestOrderByAggregation(t *testing.T) {
	imps, _ := checkTables(t)
	count := Count()
	project := []Projection{imps.Column("ad_id"), Sum(imps.Column("cpm_millis")), count}

	if err := checkQuery(project, nil, []interface{}{count}, 3, []Where{imps}); err != nil {
		t.Fatalf("order by aggregation: %v", err)
	}
	resolved := resolveOrderBy([]interface{}{count}, project)
	if len(resolved) != 1 || resolved[0] != Projection(count) {
		t.Fatalf("resolveOrderBy: %v", resolved)
	}
}
