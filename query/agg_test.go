// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package query

import (
	"math/rand"
	"testing"

	"github.com/marbledb/marble/util"
)

// foldBatches runs an aggregation the way the pipeline does: F over each
// batch, H on the partials, F again to merge them, G at the end.
func foldBatches(a *Aggregation, batches [][]interface{}) interface{} {
	merged := a.Default()
	for _, batch := range batches {
		partial := a.Default()
		for _, v := range batch {
			partial = a.F(partial, v)
		}
		merged = a.F(merged, a.H(partial))
	}
	return a.G(merged)
}

func foldSequential(a *Aggregation, values []interface{}) interface{} {
	acc := a.Default()
	for _, v := range values {
		acc = a.F(acc, v)
	}
	return a.G(acc)
}

func TestAggregationAssociativity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	values := make([]interface{}, 1000)
	for i := range values {
		values[i] = int64(rng.Intn(2000) - 1000)
	}

	aggs := map[string]func() *Aggregation{
		"sum":   func() *Aggregation { return Sum(nil) },
		"count": func() *Aggregation { return Count() },
		"min":   func() *Aggregation { return Min(nil) },
		"max":   func() *Aggregation { return Max(nil) },
		"avg":   func() *Aggregation { return Avg(nil) },
	}

	for name, mk := range aggs {
		input := values
		if name == "count" {
			// Count consumes the NULL-valued synthetic column; a row
			// counts one, a non-zero incoming value is a partial count.
			input = make([]interface{}, len(values))
		}
		want := foldSequential(mk(), input)

		// Any partition of the input into batches reduces to the same
		// final value.
		for _, k := range []int{1, 2, 7, 100} {
			batches := make([][]interface{}, k)
			for i, v := range input {
				batches[i%k] = append(batches[i%k], v)
			}
			got := foldBatches(mk(), batches)
			if util.Compare(got, want) != 0 {
				t.Fatalf("%v with %d batches: got %v, want %v", name, k, got, want)
			}
		}
	}
}

func TestCountMergesPartials(t *testing.T) {
	c := Count()
	acc := c.Default()
	// Raw rows count one each; non-zero incoming values are partial
	// counts from an upstream combine.
	acc = c.F(acc, nil)
	acc = c.F(acc, nil)
	acc = c.F(acc, int64(5))
	if got, _ := util.ToInt(c.G(acc)); got != 7 {
		t.Fatalf("count: got %d, want 7", got)
	}
}

func TestAvgFinalize(t *testing.T) {
	a := Avg(nil)
	acc := a.Default()
	for _, v := range []int64{2, 4, 6} {
		acc = a.F(acc, v)
	}
	if got := a.G(acc); got.(float64) != 4.0 {
		t.Fatalf("avg: got %v, want 4.0", got)
	}
	if got := a.G(a.Default()); got != nil {
		t.Fatalf("avg of empty group: got %v, want nil", got)
	}
}
