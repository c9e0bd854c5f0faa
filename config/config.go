// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package config implements the engine's process-wide settings. A Config
// is constructed once per process, optionally overridden from a JSON or
// YAML file, and passed explicitly through the API surface. Stage workers
// receive a frozen copy.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config contains the settings threaded through the engine.
type Config struct {
	// Server is the job runner endpoint for distributed execution.
	Server string `json:"server"`

	// Partitions is the default shuffle partition count.
	Partitions int `json:"partitions"`

	// LRUSize is the capacity in entries of the wide-index bitmap LRU.
	LRUSize int `json:"lru_size"`

	// MapSize is the initial map size in bytes for marble writers.
	MapSize int64 `json:"map_size"`

	// TmpDir holds scratch files for writers and sorts.
	TmpDir string `json:"tmp_dir"`

	// TagPrefix prefixes every blob store tag owned by the engine.
	TagPrefix string `json:"tag_prefix"`

	// CommitThreshold is the number of records a writer buffers in one
	// transaction before committing and checking map growth.
	CommitThreshold int `json:"commit_threshold"`

	// SortBufferSize is passed to the external sort (-S).
	SortBufferSize string `json:"sort_buffer_size"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server:          "localhost",
		Partitions:      16,
		LRUSize:         10000,
		MapSize:         100 * 1024 * 1024,
		TmpDir:          os.TempDir(),
		TagPrefix:       "marble",
		CommitThreshold: 50000,
		SortBufferSize:  "10%",
	}
}

// Load returns the defaults overridden by the JSON or YAML file at path.
func Load(path string) (*Config, error) {
	c := Default()
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %v: %w", path, err)
	}
	if err := yaml.Unmarshal(bs, c); err != nil {
		return nil, fmt.Errorf("config: parse %v: %w", path, err)
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	if c.Partitions <= 0 {
		return fmt.Errorf("config: partitions must be positive, got %d", c.Partitions)
	}
	if c.LRUSize <= 0 {
		return fmt.Errorf("config: lru_size must be positive, got %d", c.LRUSize)
	}
	if c.MapSize <= 0 {
		return fmt.Errorf("config: map_size must be positive, got %d", c.MapSize)
	}
	return nil
}

// Clone returns the frozen copy handed to stage workers.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
