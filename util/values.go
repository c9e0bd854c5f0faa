// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package util

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Tuple values flowing through the pipeline are nil, bool, int64, uint64,
// float64, string or []byte. These helpers compare and coerce them; the
// shuffle codec and the aggregators share them.

// Compare orders two tuple values. nil sorts before everything; mixed
// numeric types compare numerically; otherwise values compare within their
// type and across types by type name.
func Compare(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if fa, aok := ToFloat(a); aok {
		if fb, bok := ToFloat(b); bok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case !x && y:
				return -1
			case x && !y:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(typeName(a), typeName(b))
}

func typeName(v interface{}) string {
	switch v.(type) {
	case bool:
		return "bool"
	case int64, uint64, float64:
		return "number"
	case string:
		return "string"
	case []byte:
		return "bytes"
	}
	return "other"
}

// IsNumeric reports whether v carries a numeric tuple value.
func IsNumeric(v interface{}) bool {
	_, ok := ToFloat(v)
	return ok
}

// ToFloat coerces any numeric tuple value to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case uint32:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

// ToInt coerces any integral tuple value to int64.
func ToInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case int:
		return int64(x), true
	case uint32:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}

// AddNumeric sums two numeric values, staying integral when both sides
// are.
func AddNumeric(a, v interface{}) interface{} {
	if ia, aok := ToInt(a); aok {
		if iv, vok := ToInt(v); vok {
			return ia + iv
		}
	}
	fa, _ := ToFloat(a)
	fv, _ := ToFloat(v)
	return fa + fv
}

// NormalizeJSON canonicalizes a value decoded with json.Decoder.UseNumber
// into the tuple value domain: integral numbers become int64, the rest
// float64.
func NormalizeJSON(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
	}
	return v
}
