// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package marble

import (
	"os"
)

// Sink turns a stage's output tuples into a new marble for nested
// queries. It drives the same writer loop as a bulk insert, with the
// result schema derived from the query's projection.
type Sink struct {
	w       *Writer
	columns []string
	url     string
	rows    int64
}

// NewSink returns a sink writing a marble with the given schema to url.
func NewSink(schema *Schema, url string, opts WriterOptions) *Sink {
	opts.DestFor = func(string) string { return url }
	return &Sink{
		w:       NewWriter(schema, opts),
		columns: schema.FieldNames(),
		url:     url,
	}
}

// Add appends one tuple in result-column order.
func (s *Sink) Add(tuple []interface{}) error {
	rec := make(map[string]interface{}, len(s.columns))
	for i, name := range s.columns {
		if i < len(tuple) {
			rec[name] = tuple[i]
		}
	}
	if err := s.w.Write(rec); err != nil {
		return err
	}
	s.rows++
	return nil
}

// Close seals the marble at the sink URL. On failure the scratch file is
// removed and no output remains.
func (s *Sink) Close() (string, int64, error) {
	if s.rows == 0 {
		// An empty result still seals a marble so the nested table opens.
		if err := s.w.emptyPartition(); err != nil {
			return "", 0, err
		}
	}
	files, rows, err := s.w.Close()
	if err != nil {
		return "", 0, err
	}
	if len(files) > 1 {
		for _, f := range files {
			os.Remove(f)
		}
		return "", 0, dataError("sink %v: result schema produced %d partitions", s.url, len(files))
	}
	return s.url, rows, nil
}

// Abort discards everything written so far.
func (s *Sink) Abort() {
	s.w.Abort()
}
