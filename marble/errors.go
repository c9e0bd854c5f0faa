// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package marble

import (
	"fmt"
)

// ErrCode represents the collection of errors that may be returned by the
// marble layer.
type ErrCode int

const (
	// SchemaErr indicates a malformed field spec, a duplicate column, or an
	// invalid partition declaration.
	SchemaErr ErrCode = iota

	// DataErr indicates a corrupt marble, a missing local resource, or a
	// copy/finalize failure in the writer.
	DataErr

	// StorageErr indicates a missing sub-store or meta key in an otherwise
	// readable marble.
	StorageErr
)

// Error is the error type returned by the marble layer.
type Error struct {
	Code    ErrCode
	Message string
}

func (err *Error) Error() string {
	return fmt.Sprintf("marble error (code: %d): %v", err.Code, err.Message)
}

// IsSchemaErr returns true if this error is a SchemaErr.
func IsSchemaErr(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == SchemaErr
}

// IsDataErr returns true if this error is a DataErr.
func IsDataErr(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == DataErr
}

func schemaError(f string, a ...interface{}) *Error {
	return &Error{Code: SchemaErr, Message: fmt.Sprintf(f, a...)}
}

func dataError(f string, a ...interface{}) *Error {
	return &Error{Code: DataErr, Message: fmt.Sprintf(f, a...)}
}

func storageError(f string, a ...interface{}) *Error {
	return &Error{Code: StorageErr, Message: fmt.Sprintf(f, a...)}
}
