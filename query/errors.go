// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package query

import (
	"fmt"
)

// Error is the error type returned synchronously at query construction.
type Error struct {
	Message string
}

func (err *Error) Error() string {
	return fmt.Sprintf("query error: %v", err.Message)
}

// IsQueryErr returns true if err was raised by query construction checks.
func IsQueryErr(err error) bool {
	_, ok := err.(*Error)
	return ok
}

func queryError(f string, a ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(f, a...)}
}
