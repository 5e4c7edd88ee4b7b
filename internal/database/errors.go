// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"fmt"

	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
)

var (
	// ErrBusy matches a ConnectionError caused by a locked database.
	ErrBusy = errors.New("database is busy")
	// ErrMisuse matches a ConnectionError caused by using a statement out of sequence.
	ErrMisuse = errors.New("statement misuse")
)

// ConnectionError is returned for every failure reported by the SQLite engine.
type ConnectionError struct {
	Op   string // open, prepare, step, reset, exec, close
	SQL  string // offending statement, if any
	Code sqlite.ResultCode
	Err  error
}

func newConnectionError(op, query string, err error) *ConnectionError {
	ce := &ConnectionError{
		Op:   op,
		SQL:  query,
		Code: sqlite.ErrCode(err),
		Err:  err,
	}
	switch ce.Code.ToPrimary() {
	case sqlite.ResultBusy:
		recordBusy()
	case sqlite.ResultMisuse:
		recordMisuse()
	}
	return ce
}

func (e *ConnectionError) message() string {
	switch e.Code.ToPrimary() {
	case sqlite.ResultBusy:
		return ErrBusy.Error()
	case sqlite.ResultMisuse:
		return ErrMisuse.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *ConnectionError) Error() string {
	if e.SQL != "" {
		return fmt.Sprintf("database %s: %s [%s]", e.Op, e.message(), e.SQL)
	}
	return fmt.Sprintf("database %s: %s", e.Op, e.message())
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports busy and misuse conditions as ErrBusy and ErrMisuse.
func (e *ConnectionError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Code.ToPrimary() == sqlite.ResultBusy
	case ErrMisuse:
		return e.Code.ToPrimary() == sqlite.ResultMisuse
	}
	return false
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
