// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database is a thin layer over a single SQLite connection.
//
// CONNECTION MODEL:
//
// A DB owns exactly one native connection. Statements compiled against it
// (Stmt) are tracked by the DB and must all be closed before the DB is closed;
// closing a DB with statements still attached is a programming error and panics.
//
// Every call that reaches the engine, on the DB or on any of its statements,
// holds the DB's connection lock, so one DB and its statements may be used
// from several goroutines. A single Stmt still must not be shared: its cursor
// and bindings belong to whoever is stepping it.
//
// ERRORS:
//
// Every failure reported by the engine (open, prepare, bind, step, exec) is
// returned as a *ConnectionError carrying the engine message and, where there
// is one, the SQL text. Misuse that indicates a caller bug (column index out of
// range, unknown named parameter, leaked statements) panics instead.
package database

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
)

// OpenFlags select how a database file is opened.
type OpenFlags uint8

const (
	OpenReadOnly OpenFlags = 1 << iota
	OpenReadWrite
	OpenCreate
	// OpenURI lets path be a file: URI.
	OpenURI
)

const (
	defaultBusyTimeoutMillis = 5000
	memoryPath               = ":memory:"
)

type pragmaDirective struct {
	stmt          string
	allowReadOnly bool
	allowMemory   bool
}

var connectionPragmas = []pragmaDirective{
	{stmt: "PRAGMA journal_mode = WAL", allowReadOnly: false, allowMemory: false},
	{stmt: "PRAGMA synchronous = NORMAL", allowReadOnly: false, allowMemory: false}, // safe with WAL
	{stmt: "PRAGMA foreign_keys = ON", allowReadOnly: true, allowMemory: true},
	{stmt: fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis), allowReadOnly: true, allowMemory: true},
}

type pragmaExecFn func(stmt string) error

func applyConnectionPragmas(exec pragmaExecFn, readOnly, memory bool) error {
	for _, pragma := range connectionPragmas {
		if readOnly && !pragma.allowReadOnly {
			continue
		}
		if memory && !pragma.allowMemory {
			continue
		}
		if err := exec(pragma.stmt); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma.stmt, err)
		}
	}
	return nil
}

// DB is one open connection to a SQLite database.
type DB struct {
	conn   *sqlite.Conn
	path   string
	connMu sync.Mutex // serializes every call into conn and its statements

	mu     sync.Mutex
	stmts  map[*Stmt]struct{} // attached statements
	closed bool
}

func (f OpenFlags) native() sqlite.OpenFlags {
	var flags sqlite.OpenFlags
	switch {
	case f&OpenReadWrite != 0:
		flags |= sqlite.OpenReadWrite
	case f&OpenReadOnly != 0:
		flags |= sqlite.OpenReadOnly
	default:
		flags |= sqlite.OpenReadWrite | sqlite.OpenCreate
	}
	if f&OpenCreate != 0 && f&OpenReadOnly == 0 {
		flags |= sqlite.OpenCreate
	}
	if f&OpenURI != 0 {
		flags |= sqlite.OpenURI
	}
	return flags | sqlite.OpenFullMutex
}

// Open opens the database at path. With no read/write flag set the file is
// opened read-write and created if missing.
func Open(path string, flags OpenFlags) (*DB, error) {
	conn, err := sqlite.OpenConn(path, flags.native())
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, newConnectionError("open", "", err)
	}

	db := &DB{
		conn:  conn,
		path:  path,
		stmts: make(map[*Stmt]struct{}),
	}

	readOnly := flags&OpenReadOnly != 0 && flags&OpenReadWrite == 0
	memory := path == memoryPath || strings.Contains(path, "mode=memory")
	if err := applyConnectionPragmas(db.Exec, readOnly, memory); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Bool("readOnly", readOnly).Msg("database opened")
	return db, nil
}

// OpenMemory opens a private in-memory database.
func OpenMemory() (*DB, error) {
	return Open(memoryPath, OpenReadWrite|OpenCreate)
}

// Path returns the path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// Exec runs every statement in query, discarding result rows.
func (db *DB) Exec(query string) error {
	db.connMu.Lock()
	defer db.connMu.Unlock()

	rest := query
	for !isBlankSQL(rest) {
		stmt, trailing, err := db.conn.PrepareTransient(rest)
		if err != nil {
			return newConnectionError("exec", strings.TrimSpace(rest), err)
		}

		consumed := len(rest) - trailing
		text := strings.TrimSpace(rest[:consumed])
		rest = rest[consumed:]

		if stmt == nil {
			// Comment or empty statement.
			if consumed == 0 {
				return nil
			}
			continue
		}

		stepErr := drain(stmt)
		finErr := stmt.Finalize()
		if stepErr != nil {
			return newConnectionError("exec", text, stepErr)
		}
		if finErr != nil {
			return newConnectionError("exec", text, finErr)
		}
	}
	return nil
}

// isBlankSQL reports whether s holds nothing but whitespace and comments.
func isBlankSQL(s string) bool {
	for {
		s = strings.TrimSpace(s)
		switch {
		case s == "":
			return true
		case strings.HasPrefix(s, "--"):
			nl := strings.IndexByte(s, '\n')
			if nl < 0 {
				return true
			}
			s = s[nl+1:]
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s[2:], "*/")
			if end < 0 {
				return true
			}
			s = s[2+end+2:]
		default:
			return false
		}
	}
}

func drain(stmt *sqlite.Stmt) error {
	for {
		row, err := stmt.Step()
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
	}
}

func (db *DB) Begin() error {
	return db.Exec("BEGIN")
}

func (db *DB) Commit() error {
	return db.Exec("COMMIT")
}

func (db *DB) Rollback() error {
	return db.Exec("ROLLBACK")
}

func (db *DB) Vacuum() error {
	return db.Exec("VACUUM")
}

// GetInt runs query once and returns the first column of the first row, or
// def when the query produces no row.
func (db *DB) GetInt(query string, def int64) (int64, error) {
	if isBlankSQL(query) {
		return def, nil
	}

	db.connMu.Lock()
	defer db.connMu.Unlock()

	stmt, _, err := db.conn.PrepareTransient(query)
	if err != nil {
		return def, newConnectionError("prepare", query, err)
	}
	if stmt == nil {
		return def, nil
	}
	defer stmt.Finalize()

	row, err := stmt.Step()
	if err != nil {
		return def, newConnectionError("step", query, err)
	}
	if !row || stmt.ColumnCount() == 0 {
		return def, nil
	}
	return stmt.ColumnInt64(0), nil
}

// LastInsertRowID returns the rowid of the most recent successful INSERT.
func (db *DB) LastInsertRowID() int64 {
	db.connMu.Lock()
	defer db.connMu.Unlock()
	return db.conn.LastInsertRowID()
}

// Changes returns the number of rows changed by the most recent statement.
func (db *DB) Changes() int {
	db.connMu.Lock()
	defer db.connMu.Unlock()
	return db.conn.Changes()
}

// Statements returns the number of statements attached to the DB.
func (db *DB) Statements() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.stmts)
}

func (db *DB) attach(s *Stmt) {
	db.mu.Lock()
	db.stmts[s] = struct{}{}
	db.mu.Unlock()
}

func (db *DB) detach(s *Stmt) {
	db.mu.Lock()
	delete(db.stmts, s)
	db.mu.Unlock()
}

// Close closes the connection. It panics if statements are still attached:
// every Stmt must be closed, and every statement cache built on the DB closed,
// before the DB itself.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	if n := len(db.stmts); n > 0 {
		leaked := make([]string, 0, n)
		for s := range db.stmts {
			leaked = append(leaked, s.sql)
		}
		db.mu.Unlock()

		recordLeakedClose()
		log.Error().Str("path", db.path).Strs("sql", leaked).Msg("database closed with statements still attached")
		panic(fmt.Sprintf("database: closing %s with %d statements still attached", db.path, n))
	}
	db.closed = true
	db.mu.Unlock()

	db.connMu.Lock()
	defer db.connMu.Unlock()
	if err := db.conn.Close(); err != nil {
		return newConnectionError("close", "", err)
	}
	log.Debug().Str("path", db.path).Msg("database closed")
	return nil
}
