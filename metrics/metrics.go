// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package metrics contains helpers for performance metric management
// inside the query engine.
package metrics

import (
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Well-known metric names.
const (
	RestrictRowsIn   = "pipeline_restrict_rows_in"
	RestrictRowsOut  = "pipeline_restrict_rows_out"
	JoinRowsOut      = "pipeline_join_rows_out"
	GroupRowsOut     = "pipeline_group_rows_out"
	OrderRowsOut     = "pipeline_order_rows_out"
	ShuffleSortNs    = "pipeline_shuffle_sort_ns"
	WriterRows       = "marble_writer_rows"
	WriterCommits    = "marble_writer_commits"
	WriterEvictions  = "marble_writer_lru_evictions"
	StreamBitmapOps  = "marble_stream_bitmap_ops"
	KVOpenRetries    = "kvstore_open_retries"
)

// Metrics defines the interface for a collection of performance metrics.
type Metrics interface {
	Counter(name string) Counter
	Timer(name string) Timer
	All() map[string]interface{}
	Clear()
}

// Counter defines the interface for a monotonic increasing counter.
type Counter interface {
	Incr()
	Add(n int64)
	Value() int64
}

// Timer defines the interface for an accumulating timer.
type Timer interface {
	Time(f func())
	Update(d time.Duration)
	Value() int64
}

// New returns a new Metrics object backed by a private registry.
func New() Metrics {
	return &metrics{registry: gometrics.NewRegistry()}
}

type metrics struct {
	mu       sync.Mutex
	registry gometrics.Registry
}

func (m *metrics) Counter(name string) Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return counter{c: gometrics.GetOrRegisterCounter(name, m.registry)}
}

func (m *metrics) Timer(name string) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return timer{t: gometrics.GetOrRegisterTimer(name, m.registry)}
}

func (m *metrics) All() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]interface{}{}
	m.registry.Each(func(name string, v interface{}) {
		switch v := v.(type) {
		case gometrics.Counter:
			out[name] = v.Count()
		case gometrics.Timer:
			out[name] = v.Sum()
		}
	})
	return out
}

func (m *metrics) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry.UnregisterAll()
}

type counter struct {
	c gometrics.Counter
}

func (c counter) Incr()         { c.c.Inc(1) }
func (c counter) Add(n int64)   { c.c.Inc(n) }
func (c counter) Value() int64  { return c.c.Count() }

type timer struct {
	t gometrics.Timer
}

func (t timer) Time(f func())          { t.t.Time(f) }
func (t timer) Update(d time.Duration) { t.t.Update(d) }
func (t timer) Value() int64           { return t.t.Sum() }
