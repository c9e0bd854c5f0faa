// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package pipeline

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"

	"github.com/marbledb/marble/util"
)

// Shuffle records are spilled one per line: fields separated by 0xff,
// records terminated by 0x0a. A field is a single 0x00 byte when the
// value is absent (so nulls sort first ascending and last descending),
// base64 when the column is binary, and JSON otherwise. The format feeds
// LC_ALL=C sort directly, which keeps per-task memory bounded regardless
// of input size.

const (
	fieldSep  = 0xff
	recordSep = 0x0a
	nullField = 0x00
)

// encodeField serializes one tuple value.
func encodeField(v interface{}, binary bool) []byte {
	if v == nil {
		return []byte{nullField}
	}
	if binary {
		if bs, ok := v.([]byte); ok {
			out := make([]byte, base64.StdEncoding.EncodedLen(len(bs)))
			base64.StdEncoding.Encode(out, bs)
			return out
		}
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return []byte{nullField}
	}
	return bs
}

// decodeField is the inverse of encodeField.
func decodeField(raw []byte, binary bool) (interface{}, error) {
	if len(raw) == 1 && raw[0] == nullField {
		return nil, nil
	}
	if binary {
		out := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
		n, err := base64.StdEncoding.Decode(out, raw)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return util.NormalizeJSON(v)
	}
}

func isBinaryCol(binaries []int, i int) bool {
	for _, b := range binaries {
		if b == i {
			return true
		}
	}
	return false
}

// recordWriter spills records in the shuffle format.
type recordWriter struct {
	f        *os.File
	w        *bufio.Writer
	binaries []int
	count    int64
}

func newRecordWriter(path string, binaries []int) (*recordWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &recordWriter{f: f, w: bufio.NewWriter(f), binaries: binaries}, nil
}

func (rw *recordWriter) write(key []interface{}) error {
	for i, v := range key {
		if _, err := rw.w.Write(encodeField(v, isBinaryCol(rw.binaries, i))); err != nil {
			return err
		}
		if err := rw.w.WriteByte(fieldSep); err != nil {
			return err
		}
	}
	rw.count++
	return rw.w.WriteByte(recordSep)
}

func (rw *recordWriter) close() error {
	if err := rw.w.Flush(); err != nil {
		rw.f.Close()
		return err
	}
	return rw.f.Close()
}

// readRecords lazily decodes a spill file.
func readRecords(path string, binaries []int) iter.Seq[[]interface{}] {
	return func(yield func([]interface{}) bool) {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		r := bufio.NewReaderSize(f, 1<<16)
		for {
			line, err := r.ReadBytes(recordSep)
			if len(line) > 0 && line[len(line)-1] == recordSep {
				line = line[:len(line)-1]
			}
			if len(line) > 0 {
				rec, derr := decodeRecord(line, binaries)
				if derr == nil && !yield(rec) {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
}

func decodeRecord(line []byte, binaries []int) ([]interface{}, error) {
	raws := bytes.Split(line, []byte{fieldSep})
	if n := len(raws); n > 0 && len(raws[n-1]) == 0 {
		raws = raws[:n-1]
	}
	rec := make([]interface{}, len(raws))
	for i, raw := range raws {
		v, err := decodeField(raw, isBinaryCol(binaries, i))
		if err != nil {
			return nil, err
		}
		rec[i] = v
	}
	return rec, nil
}

// probeNumeric decides per sort column whether the external sort compares
// numerically, by inspecting the first record.
func probeNumeric(first []interface{}, sortKeys []int) map[int]bool {
	numeric := map[int]bool{}
	for _, k := range sortKeys {
		if k < len(first) {
			numeric[k] = util.IsNumeric(first[k])
		}
	}
	return numeric
}

// sortArgs builds the key arguments for LC_ALL=C sort: 1-based columns on
// the 0xff delimiter, with an `n` suffix for numeric columns and `r` for
// descending.
func sortArgs(path string, sortKeys []int, numeric map[int]bool, desc bool, bufferSize, tmpDir string) []string {
	args := []string{"-t", string([]byte{fieldSep})}
	for _, k := range sortKeys {
		spec := fmt.Sprintf("%d,%d", k+1, k+1)
		if desc {
			spec += "r"
		}
		if numeric[k] {
			spec += "n"
		}
		args = append(args, "-k", spec)
	}
	if bufferSize != "" {
		args = append(args, "-S", bufferSize)
	}
	return append(args, "-T", tmpDir, "-o", path, path)
}

// diskSort externally sorts the spill file at path in place.
func diskSort(path string, sortKeys, binaries []int, desc bool, bufferSize, tmpDir string) error {
	if len(sortKeys) == 0 {
		return nil
	}
	var first []interface{}
	for rec := range readRecords(path, binaries) {
		first = rec
		break
	}
	if first == nil {
		return nil
	}

	cmd := exec.Command("sort", sortArgs(path, sortKeys, probeNumeric(first, sortKeys), desc, bufferSize, tmpDir)...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("external sort of %v failed: %v: %v", path, err, stderr.String())
	}
	return nil
}

// concatFiles appends the contents of srcs into dst.
func concatFiles(dst string, srcs []string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	for _, src := range srcs {
		in, err := os.Open(src)
		if err != nil {
			out.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return err
		}
		in.Close()
	}
	return out.Close()
}
