// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/marbledb/marble/logging"
	"github.com/marbledb/marble/metrics"
)

// FinalOutput replaces the last stage's output chain, e.g. with the
// marble sink for nested queries.
type FinalOutput interface {
	Add(tuple []interface{}) error
}

// Runner executes a compiled plan over local blob files. The distributed
// job runner schedules the same stage tasks across hosts; this runner is
// the single-process equivalent and what the engine's own tests drive.
type Runner struct {
	TmpDir         string
	SortBufferSize string
	Logger         logging.Logger
	Metrics        metrics.Metrics
}

// runFile is one task's output for one label.
type runFile struct {
	label int
	path  string
}

// Result streams the final stage's output tuples.
type Result struct {
	dir      string
	runs     []runFile
	binaries []int
}

// Rows yields the result tuples in final stage order.
func (r *Result) Rows() iter.Seq[[]interface{}] {
	return func(yield func([]interface{}) bool) {
		for _, run := range r.runs {
			for rec := range readRecords(run.path, r.binaries) {
				if !yield(rec) {
					return
				}
			}
		}
	}
}

// Close removes the shuffle workspace.
func (r *Result) Close() error {
	if r.dir == "" {
		return nil
	}
	err := os.RemoveAll(r.dir)
	r.dir = ""
	return err
}

// Run executes the plan over the given input blobs. When out is non-nil
// the final stage's tuples are routed to it and the returned Result is
// nil.
func (r *Runner) Run(plan *Plan, blobs []string, out FinalOutput) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	mtr := r.Metrics
	if mtr == nil {
		mtr = metrics.New()
	}
	sortTimer := mtr.Timer(metrics.ShuffleSortNs)

	dir, err := os.MkdirTemp(r.TmpDir, "marble-shuffle-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	var current []runFile
	var finalRuns []runFile
	var finalBinaries []int

	for si, stage := range plan.Stages {
		last := si == len(plan.Stages)-1
		emitBinaries := stage.Binaries
		if stage.OutBinaries != nil {
			emitBinaries = stage.OutBinaries
		}
		if !last {
			emitBinaries = plan.Stages[si+1].Binaries
		}

		var next []runFile
		runTask := func(task *Task, seq int) error {
			writers := map[int]*recordWriter{}
			emit := func(label int, key []interface{}) error {
				if last && out != nil {
					return out.Add(key)
				}
				w, ok := writers[label]
				if !ok {
					path := filepath.Join(dir, fmt.Sprintf("s%d-t%d-l%d.run", si, seq, label))
					var werr error
					w, werr = newRecordWriter(path, emitBinaries)
					if werr != nil {
						return werr
					}
					writers[label] = w
				}
				return w.write(key)
			}

			perr := stage.Process(task, emit)
			labels := make([]int, 0, len(writers))
			for label := range writers {
				labels = append(labels, label)
			}
			sort.Ints(labels)
			for _, label := range labels {
				w := writers[label]
				if cerr := w.close(); cerr != nil && perr == nil {
					perr = cerr
				}
				next = append(next, runFile{label: label, path: w.f.Name()})
			}
			return perr
		}

		if stage.Group == Split {
			for i, blob := range blobs {
				task := &Task{Stage: stage, Label: i, Blob: blob}
				if err := runTask(task, i); err != nil {
					cleanup()
					return nil, fmt.Errorf("stage %v: %w", stage.Name, err)
				}
			}
		} else {
			grouped := map[int][]runFile{}
			for _, run := range current {
				label := run.label
				if stage.CombineLabels {
					label = 0
				}
				grouped[label] = append(grouped[label], run)
			}
			labels := make([]int, 0, len(grouped))
			for label := range grouped {
				labels = append(labels, label)
			}
			sort.Ints(labels)

			for _, label := range labels {
				in, err := r.taskInput(stage, grouped[label], dir, si, label, sortTimer)
				if err != nil {
					cleanup()
					return nil, fmt.Errorf("stage %v: %w", stage.Name, err)
				}
				task := &Task{Stage: stage, Label: label, Records: in}
				if err := runTask(task, label); err != nil {
					cleanup()
					return nil, fmt.Errorf("stage %v: %w", stage.Name, err)
				}
			}
		}

		logger.Debug("stage %v produced %d runs", stage.Name, len(next))
		current = next
		if last {
			finalRuns = next
			finalBinaries = emitBinaries
		}
	}

	if out != nil {
		cleanup()
		return nil, nil
	}

	sort.Slice(finalRuns, func(i, j int) bool { return finalRuns[i].label < finalRuns[j].label })
	return &Result{dir: dir, runs: finalRuns, binaries: finalBinaries}, nil
}

// taskInput prepares one task's input stream: heap merge of sorted runs,
// external sort of unsorted ones, or plain concatenation.
func (r *Runner) taskInput(stage *Stage, runs []runFile, dir string, si, label int, sortTimer metrics.Timer) (iter.Seq[[]interface{}], error) {
	paths := make([]string, len(runs))
	readers := make([]iter.Seq[[]interface{}], len(runs))
	for i, run := range runs {
		paths[i] = run.path
		readers[i] = readRecords(run.path, stage.Binaries)
	}

	if len(stage.Sort) == 0 {
		return concatStreams(readers), nil
	}
	if stage.InputSorted {
		return mergeSorted(readers, stage.Sort, stage.Desc), nil
	}

	merged := filepath.Join(dir, fmt.Sprintf("s%d-l%d.sort", si, label))
	if err := concatFiles(merged, paths); err != nil {
		return nil, err
	}
	start := time.Now()
	if err := diskSort(merged, stage.Sort, stage.Binaries, stage.Desc, r.SortBufferSize, dir); err != nil {
		return nil, err
	}
	sortTimer.Update(time.Since(start))
	return readRecords(merged, stage.Binaries), nil
}
