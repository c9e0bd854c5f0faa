// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package query

import (
	"iter"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/marbledb/marble/blob"
	"github.com/marbledb/marble/config"
	"github.com/marbledb/marble/logging"
	"github.com/marbledb/marble/marble"
	"github.com/marbledb/marble/metrics"
	"github.com/marbledb/marble/pipeline"
)

// Query describes one select: a projection over one or two tables with
// optional predicate, join, grouping (implicit in aggregations), ordering,
// distinct and limit.
type Query struct {
	Project []Projection
	Where   []Where

	// Join names the pair of columns to join on, or JoinOn a column both
	// tables share.
	Join   []*Column
	JoinOn string

	// OrderBy entries are column refs, aggregations, names, or 0-based
	// projection indices.
	OrderBy []interface{}

	Distinct bool
	Desc     bool
	FullJoin bool

	// Nest seals the result into a new marble and returns a table handle
	// for use in further queries.
	Nest bool

	// Limit bounds the result; zero is unlimited.
	Limit int

	// Partitions overrides the configured shuffle partition count.
	Partitions int
}

// Result is a finished query: either a streaming tuple iterator or, for
// nested queries, a new table handle.
type Result struct {
	table *Table
	res   *pipeline.Result
}

// Table returns the nested result table, or nil for plain queries.
func (r *Result) Table() *Table {
	return r.table
}

// Rows yields the result tuples.
func (r *Result) Rows() iter.Seq[[]interface{}] {
	if r.res == nil {
		return func(func([]interface{}) bool) {}
	}
	return r.res.Rows()
}

// Close releases the result's shuffle workspace.
func (r *Result) Close() error {
	if r.res != nil {
		return r.res.Close()
	}
	return nil
}

// Select compiles and runs a query against the blob store. Construction
// problems surface synchronously as QueryError before any stage runs.
func Select(store blob.Store, cfg *config.Config, q Query, logger logging.Logger) (*Result, error) {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	cfg = cfg.Clone()

	join, err := expandJoin(q)
	if err != nil {
		return nil, err
	}
	if err := checkQuery(q.Project, join, q.OrderBy, q.Limit, q.Where); err != nil {
		return nil, err
	}
	orderBy := resolveOrderBy(q.OrderBy, q.Project)

	partitions := q.Partitions
	if partitions <= 0 {
		partitions = cfg.Partitions
	}

	plan := buildPlan(q, join, orderBy, partitions, cfg, logger)

	blobs, err := collectBlobs(store, cfg, q.Where)
	if err != nil {
		return nil, err
	}

	runner := &pipeline.Runner{
		TmpDir:         cfg.TmpDir,
		SortBufferSize: cfg.SortBufferSize,
		Logger:         logger,
		Metrics:        metrics.New(),
	}

	if q.Nest {
		return runNested(cfg, q, plan, blobs, runner, logger)
	}

	res, err := runner.Run(plan, blobs, nil)
	if err != nil {
		return nil, err
	}
	return &Result{res: res}, nil
}

func expandJoin(q Query) ([]*Column, error) {
	if q.JoinOn == "" {
		return q.Join, nil
	}
	if len(q.Join) > 0 {
		return nil, queryError("join and join-on are mutually exclusive")
	}
	if len(q.Where) != 2 {
		return nil, queryError("join-on needs exactly two tables in the where clause")
	}
	var join []*Column
	for _, where := range q.Where {
		t := where.whereTable()
		col := t.Column(q.JoinOn)
		if col == nil {
			return nil, queryError("join column %v is not in table %v", q.JoinOn, t.Name)
		}
		join = append(join, col)
	}
	return join, nil
}

// buildPlan compiles the stage list for a query: restrict-select, then
// join, group and order stages as the query demands.
func buildPlan(q Query, join []*Column, orderBy []Projection, partitions int, cfg *config.Config, logger logging.Logger) *pipeline.Plan {
	binaries := binaryPositions(q.Project)
	sortRange := getSortRange(q.Project, orderBy)
	aggs, anyAgg, allAgg := aggSpecs(q.Project)
	groupByRange := plainColumnPositions(q.Project)
	if allAgg {
		groupByRange = nil
	}
	limit := int64(q.Limit)

	var stages []*pipeline.Stage

	selectHashCols := sortRange
	if len(join) > 0 {
		selectHashCols = []int{1}
	}

	restrict := pipeline.RestrictConfig{
		Wheres:        whereInputs(q.Where, q.Project, join),
		GenWhereIndex: len(join) > 0,
		LabelCols:     selectHashCols,
		Partitions:    partitions,
		Logger:        logger,
	}
	if anyAgg && len(join) == 0 {
		restrict.Aggs = aggs
		restrict.GroupCols = groupByRange
		restrict.SkipGroup = allAgg
	}
	if !anyAgg && len(join) == 0 && len(orderBy) == 0 && (q.Distinct || limit > 0) {
		restrict.Distinct = q.Distinct
		restrict.DedupCols = nonBinaryPositions(q.Project)
		restrict.RowLimit = limit
	}
	restrictBinaries := binaries
	if len(join) > 0 {
		restrictBinaries = offsetBy(binaries, 2)
	}
	stages = append(stages, &pipeline.Stage{
		Name:     "restrict-select",
		Group:    pipeline.Split,
		Binaries: restrictBinaries,
		Process:  pipeline.NewRestrictProcessor(restrict),
	})

	if len(join) > 0 {
		stages = append(stages, &pipeline.Stage{
			Name:        "join",
			Group:       pipeline.GroupLabel,
			Sort:        []int{1, 0},
			Binaries:    offsetBy(binaries, 2),
			OutBinaries: binaries,
			Process: pipeline.NewJoinProcessor(pipeline.JoinConfig{
				LabelCols:  sortRange,
				Partitions: partitions,
				FullJoin:   q.FullJoin,
			}),
		})
	}

	if anyAgg {
		stages = append(stages,
			&pipeline.Stage{
				Name:     "group-combine",
				Group:    pipeline.GroupLabelNode,
				Sort:     groupByRange,
				Binaries: binaries,
				Process: pipeline.NewGroupProcessor(pipeline.GroupConfig{
					Aggs:       aggs,
					GroupCols:  groupByRange,
					LabelCols:  groupByRange,
					Partitions: partitions,
					SkipGroup:  allAgg,
				}),
			},
			&pipeline.Stage{
				Name:        "group-reduce",
				Group:       pipeline.GroupLabel,
				Sort:        groupByRange,
				Binaries:    binaries,
				InputSorted: true,
				Combine:     true,
				Process: pipeline.NewGroupProcessor(pipeline.GroupConfig{
					Aggs:      aggs,
					GroupCols: groupByRange,
					Finalize:  true,
					SkipGroup: allAgg,
				}),
			})
	}

	if len(orderBy) > 0 || q.Distinct || limit > 0 {
		order := pipeline.OrderConfig{
			Distinct:  q.Distinct,
			DedupCols: nonBinaryPositions(q.Project),
			Limit:     limit,
		}
		stages = append(stages,
			&pipeline.Stage{
				Name:     "order-combine",
				Group:    pipeline.GroupLabelNode,
				Sort:     sortRange,
				Binaries: binaries,
				Desc:     q.Desc,
				Process:  pipeline.NewOrderProcessor(order),
			},
			&pipeline.Stage{
				Name:          "order-reduce",
				Group:         pipeline.GroupAll,
				Sort:          sortRange,
				Binaries:      binaries,
				Desc:          q.Desc,
				InputSorted:   true,
				CombineLabels: true,
				Process:       pipeline.NewOrderProcessor(order),
			})
	}

	return &pipeline.Plan{Stages: stages, Partitions: partitions}
}

func runNested(cfg *config.Config, q Query, plan *pipeline.Plan, blobs []string, runner *pipeline.Runner, logger logging.Logger) (*Result, error) {
	schema, err := resultSchema(q.Project, q.Where)
	if err != nil {
		return nil, err
	}
	url := filepath.Join(cfg.TmpDir, "sub-"+uuid.NewString()+".marble")
	sink := marble.NewSink(schema, url, marble.WriterOptions{
		Dir:             cfg.TmpDir,
		TmpDir:          cfg.TmpDir,
		MapSize:         cfg.MapSize,
		LRUSize:         cfg.LRUSize,
		CommitThreshold: cfg.CommitThreshold,
		Logger:          logger,
	})

	if _, err := runner.Run(plan, blobs, sink); err != nil {
		sink.Abort()
		return nil, err
	}
	sealed, _, err := sink.Close()
	if err != nil {
		return nil, err
	}

	table := NewTable(schema)
	table.blobs = []string{sealed}
	return &Result{table: table}, nil
}

// resultSchema derives a nested result's schema from the projection; each
// projection contributes its schema string once per column name.
func resultSchema(project []Projection, wheres []Where) (*marble.Schema, error) {
	var fields []string
	seen := map[string]struct{}{}
	for _, p := range project {
		col := p.Col()
		if col == nil {
			continue
		}
		name := col.Name()
		if col.Alias() != "" {
			name = col.Alias()
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		fields = append(fields, p.SchemaString())
	}

	names := make([]string, 0, len(wheres))
	for _, where := range wheres {
		names = append(names, where.whereTable().Name)
	}
	name := strings.Join(names, "-")
	if len(name) > 64 {
		name = name[:64]
	}
	return marble.NewSchema("sub-"+name, fields, "")
}

func collectBlobs(store blob.Store, cfg *config.Config, wheres []Where) ([]string, error) {
	var urls []string
	seen := map[string]struct{}{}
	for _, where := range wheres {
		bs, err := blobsFor(store, cfg, where.whereTable(), where.whereExpr())
		if err != nil {
			return nil, err
		}
		for _, u := range bs {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// whereInputs resolves the projected column names per where clause, with
// the join column first and NULL holes for the other table's columns.
func whereInputs(wheres []Where, project []Projection, join []*Column) []pipeline.WhereInput {
	out := make([]pipeline.WhereInput, 0, len(wheres))
	for _, where := range wheres {
		t := where.whereTable()
		in := pipeline.WhereInput{TableName: t.Name}
		if e := where.whereExpr(); e != nil {
			in.Pred = e
		}
		if len(join) > 0 {
			for _, c := range join {
				if c.table.Name == t.Name {
					in.KeyCols = append(in.KeyCols, c.Name())
				}
			}
		}
		for _, p := range project {
			col := p.Col()
			if col != nil && col.table != nil && col.table.Name == t.Name {
				in.KeyCols = append(in.KeyCols, col.Name())
			} else {
				in.KeyCols = append(in.KeyCols, "")
			}
		}
		out = append(out, in)
	}
	return out
}

func binaryPositions(project []Projection) []int {
	var out []int
	for i, p := range project {
		if col := p.Col(); col != nil && col.IsBinary() {
			out = append(out, i)
		}
	}
	return out
}

func nonBinaryPositions(project []Projection) []int {
	var out []int
	for i, p := range project {
		col := p.Col()
		if col == nil || !col.IsBinary() {
			out = append(out, i)
		}
	}
	return out
}

// plainColumnPositions lists the group-by columns: every projected plain
// column (aggregations excluded).
func plainColumnPositions(project []Projection) []int {
	var out []int
	for i, p := range project {
		if _, ok := p.(*Column); ok {
			out = append(out, i)
		}
	}
	return out
}

func aggSpecs(project []Projection) (specs []*pipeline.AggSpec, anyAgg, allAgg bool) {
	specs = make([]*pipeline.AggSpec, len(project))
	allAgg = true
	for i, p := range project {
		agg, ok := p.(*Aggregation)
		if !ok {
			allAgg = false
			continue
		}
		anyAgg = true
		specs[i] = &pipeline.AggSpec{
			F:       agg.F,
			H:       agg.H,
			G:       agg.G,
			Default: agg.Default,
		}
	}
	if !anyAgg {
		allAgg = false
	}
	return specs, anyAgg, allAgg
}

func offsetBy(cols []int, n int) []int {
	out := make([]int, len(cols))
	for i, c := range cols {
		out[i] = c + n
	}
	return out
}

// getSortRange computes the sort key over the projection: every non-binary
// plain column by default; with an order-by, its columns first followed by
// the remaining projected columns so DISTINCT still sees equal tuples
// adjacent.
func getSortRange(project []Projection, orderBy []Projection) []int {
	var sortRange []int
	for i, p := range project {
		if _, ok := p.(*Column); ok {
			if col := p.Col(); col != nil && !col.IsBinary() {
				sortRange = append(sortRange, i)
			}
		}
	}
	if len(orderBy) == 0 {
		return sortRange
	}

	key := func(p Projection) string {
		col := p.Col()
		table := ""
		if col != nil && col.table != nil {
			table = col.table.Name
		}
		return table + projName(p)
	}

	ocols := map[string]struct{}{}
	var out []int
	for _, o := range orderBy {
		k := key(o)
		ocols[k] = struct{}{}
		for i, p := range project {
			if key(p) == k {
				out = append(out, i)
				break
			}
		}
	}
	for i, p := range project {
		if _, ok := ocols[key(p)]; !ok {
			out = append(out, i)
			ocols[key(p)] = struct{}{}
		}
	}
	return out
}

func projName(p Projection) string {
	if agg, ok := p.(*Aggregation); ok {
		return agg.Name()
	}
	if col := p.Col(); col != nil {
		return col.Name()
	}
	return ""
}
