// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package kvstore

import (
	"fmt"
)

// ErrCode represents the collection of errors that may be returned by the
// key/value store layer.
type ErrCode int

const (
	// InternalErr indicates an unknown, internal error has occurred.
	InternalErr ErrCode = iota

	// NotFoundErr indicates the key used in the storage operation does not
	// locate a value.
	NotFoundErr

	// MapFullErr indicates a write transaction exhausted the configured
	// map size. The caller may grow the environment and retry.
	MapFullErr

	// OpenErr indicates the environment file could not be opened, e.g.
	// because of lock contention with a process that is shutting down.
	OpenErr

	// SubNotFoundErr indicates a named sub-store does not exist and the
	// Create flag was not supplied.
	SubNotFoundErr

	// InvalidTxnErr indicates a transaction was used after commit/abort or
	// for an operation its mode does not allow.
	InvalidTxnErr
)

// Error is the error type returned by the key/value store layer.
type Error struct {
	Code    ErrCode
	Message string
}

func (err *Error) Error() string {
	return fmt.Sprintf("kvstore error (code: %d): %v", err.Code, err.Message)
}

// IsNotFound returns true if this error is a NotFoundErr.
func IsNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == NotFoundErr
}

// IsMapFull returns true if this error is a MapFullErr.
func IsMapFull(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == MapFullErr
}

// IsOpen returns true if this error is an OpenErr.
func IsOpen(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == OpenErr
}

func internalError(f string, a ...interface{}) *Error {
	return &Error{Code: InternalErr, Message: fmt.Sprintf(f, a...)}
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Code: InternalErr, Message: err.Error()}
}
