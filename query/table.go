// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package query implements the programmatic query surface of the engine:
// table handles backed by blob store tags, column references, the
// predicate expression tree, aggregations and Select.
package query

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/marbledb/marble/blob"
	"github.com/marbledb/marble/config"
	"github.com/marbledb/marble/marble"
)

// Table is a handle on a logical table: a marble schema plus the blob
// store tags holding its partitions. Result tables of nested queries
// carry their blob URLs directly.
type Table struct {
	Name   string
	Schema *marble.Schema

	columns map[string]*Column
	blobs   []string
}

// NewTable wraps a schema in a handle without touching the blob store.
func NewTable(schema *marble.Schema) *Table {
	t := &Table{
		Name:    schema.Name,
		Schema:  schema,
		columns: map[string]*Column{},
	}
	for _, def := range schema.Columns {
		t.columns[def.Name] = &Column{def: def, table: t}
	}
	return t
}

// Column returns a reference to the named column, or nil.
func (t *Table) Column(name string) *Column {
	return t.columns[name]
}

// Star returns references to every column in schema order.
func (t *Table) Star() []Projection {
	out := make([]Projection, 0, len(t.Schema.Columns))
	for _, def := range t.Schema.Columns {
		out = append(out, t.columns[def.Name])
	}
	return out
}

// All builds the trivial predicate selecting the whole table.
func (t *Table) All() *Expr {
	return &Expr{table: t}
}

// CreateTable records a new table's schema in the blob store. An existing
// schema is only replaced when force is set, otherwise it is returned
// unchanged.
func CreateTable(store blob.Store, cfg *config.Config, name string, fields []string, partition string, force bool) (*Table, error) {
	schema, err := marble.NewSchema(name, fields, partition)
	if err != nil {
		return nil, err
	}
	tag := blob.SchemaTag(cfg.TagPrefix, name)
	exists, err := store.Exists(tag)
	if err != nil {
		return nil, err
	}
	if exists && !force {
		return TableFromTag(store, cfg, name)
	}
	fbs, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	pbs, err := json.Marshal(partition)
	if err != nil {
		return nil, err
	}
	if err := store.SetAttr(tag, "_fields_", fbs); err != nil {
		return nil, err
	}
	if err := store.SetAttr(tag, "_partition_", pbs); err != nil {
		return nil, err
	}
	return NewTable(schema), nil
}

// TableFromTag instantiates a table from its schema tag.
func TableFromTag(store blob.Store, cfg *config.Config, name string) (*Table, error) {
	tag := blob.SchemaTag(cfg.TagPrefix, name)
	fbs, err := store.GetAttr(tag, "_fields_")
	if err != nil {
		return nil, err
	}
	pbs, err := store.GetAttr(tag, "_partition_")
	if err != nil {
		return nil, err
	}
	var fields []string
	var partition string
	if err := json.Unmarshal(fbs, &fields); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pbs, &partition); err != nil {
		return nil, err
	}
	schema, err := marble.NewSchema(name, fields, partition)
	if err != nil {
		return nil, err
	}
	return NewTable(schema), nil
}

// DropTable deletes a table: every partition tag and the schema tag.
// Marbles are destroyed at partition granularity only.
func DropTable(store blob.Store, cfg *config.Config, name string) error {
	base := blob.SchemaTag(cfg.TagPrefix, name)
	tags, err := store.List(base + ":")
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if err := store.Delete(tag); err != nil {
			return err
		}
	}
	return store.Delete(base)
}

// Tables lists the table names visible under the configured tag prefix.
func Tables(store blob.Store, cfg *config.Config) ([]string, error) {
	tags, err := store.List(cfg.TagPrefix + ":")
	if err != nil {
		return nil, err
	}
	uniq := map[string]struct{}{}
	for _, tag := range tags {
		rest := strings.TrimPrefix(tag, cfg.TagPrefix+":")
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			uniq[rest] = struct{}{}
		}
	}
	names := make([]string, 0, len(uniq))
	for name := range uniq {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Partitions lists the partition values a table holds data for.
func Partitions(store blob.Store, cfg *config.Config, name string) ([]string, error) {
	base := blob.SchemaTag(cfg.TagPrefix, name) + ":"
	tags, err := store.List(base)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		parts = append(parts, strings.TrimPrefix(tag, base))
	}
	sort.Strings(parts)
	return parts, nil
}

// Insert writes records into the table's marbles and pushes them under
// their partition tags. It returns the number of rows inserted.
func Insert(store blob.Store, cfg *config.Config, t *Table, records []map[string]interface{}, opts marble.WriterOptions) (int64, error) {
	if opts.Dir == "" {
		opts.Dir = cfg.TmpDir
	}
	if opts.TmpDir == "" {
		opts.TmpDir = cfg.TmpDir
	}
	if opts.MapSize <= 0 {
		opts.MapSize = cfg.MapSize
	}
	if opts.LRUSize <= 0 {
		opts.LRUSize = cfg.LRUSize
	}
	if opts.CommitThreshold <= 0 {
		opts.CommitThreshold = cfg.CommitThreshold
	}
	w := marble.NewWriter(t.Schema, opts)
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			w.Abort()
			return 0, err
		}
	}
	files, rows, err := w.Close()
	if err != nil {
		return 0, err
	}
	for pdata, file := range files {
		tag := blob.PartitionTag(cfg.TagPrefix, t.Name, pdata)
		if err := store.Push(tag, []string{file}); err != nil {
			return 0, err
		}
	}
	return rows, nil
}

// blobsFor resolves the input marble URLs for one where clause,
// partition-pruned by the predicate when possible.
func blobsFor(store blob.Store, cfg *config.Config, t *Table, where *Expr) ([]string, error) {
	if t.blobs != nil {
		return t.blobs, nil
	}
	base := blob.SchemaTag(cfg.TagPrefix, t.Name) + ":"
	if where != nil && t.Schema.PartitionName != "" && where.HasPartition() {
		tags, err := store.List(base)
		if err != nil {
			return nil, err
		}
		parts := make([]string, 0, len(tags))
		for _, tag := range tags {
			parts = append(parts, strings.TrimPrefix(tag, base))
		}
		var urls []string
		for _, part := range where.Partition(parts, false) {
			bs, err := store.Blobs(base + part)
			if err != nil {
				return nil, err
			}
			urls = append(urls, bs...)
		}
		return urls, nil
	}

	tags, err := store.List(base)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		// Unpartitioned tables keep their marbles on the schema tag.
		tags = []string{blob.SchemaTag(cfg.TagPrefix, t.Name)}
	}
	var urls []string
	for _, tag := range tags {
		bs, err := store.Blobs(tag)
		if err != nil {
			if blob.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		urls = append(urls, bs...)
	}
	return urls, nil
}
