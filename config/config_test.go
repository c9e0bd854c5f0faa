// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Partitions != 16 {
		t.Fatalf("Partitions: got %d, want 16", c.Partitions)
	}
	if c.LRUSize != 10000 {
		t.Fatalf("LRUSize: got %d, want 10000", c.LRUSize)
	}
	if c.CommitThreshold != 50000 {
		t.Fatalf("CommitThreshold: got %d, want 50000", c.CommitThreshold)
	}
	if c.TagPrefix == "" || c.TmpDir == "" {
		t.Fatal("empty defaults")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := "partitions: 4\nlru_size: 100\ntag_prefix: test\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Partitions != 4 || c.LRUSize != 100 || c.TagPrefix != "test" {
		t.Fatalf("overrides not applied: %+v", c)
	}
	// Untouched fields keep their defaults.
	if c.CommitThreshold != 50000 {
		t.Fatalf("CommitThreshold: got %d, want default", c.CommitThreshold)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("partitions: -2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("negative partitions accepted")
	}
}

func TestClone(t *testing.T) {
	c := Default()
	cp := c.Clone()
	cp.Partitions = 99
	if c.Partitions == 99 {
		t.Fatal("Clone shares state with the original")
	}
}
