// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/pbjgame/bengine/pkg/id"
)

// ColumnType is the storage class of a column value in the current row.
type ColumnType int

const (
	TypeInteger ColumnType = iota + 1
	TypeFloat
	TypeText
	TypeBlob
	TypeNull
)

func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	case TypeNull:
		return "NULL"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// Stmt is one compiled query with its bindings and result cursor.
//
// Parameter indices are 1-based and column indices 0-based, as in SQLite.
// A Stmt must not be used from more than one goroutine at a time, and must be
// closed before its DB. Each call holds the connection lock of its DB, so
// different statements of one DB may be used from different goroutines.
type Stmt struct {
	db   *DB
	id   id.ID
	sql  string
	stmt *sqlite.Stmt

	columns map[string]int // built lazily per result set
}

// NewStmt compiles query against db. Its ID is the hash of the SQL text, so
// identical text always yields the same ID.
func NewStmt(db *DB, query string) (*Stmt, error) {
	return NewStmtID(db, id.New(query), query)
}

// NewStmtID compiles query against db under an explicit ID. The query must
// hold exactly one statement; use DB.Exec for scripts.
func NewStmtID(db *DB, key id.ID, query string) (*Stmt, error) {
	if isBlankSQL(query) {
		return nil, &ConnectionError{Op: "prepare", SQL: query, Err: fmt.Errorf("no statement in query")}
	}
	db.connMu.Lock()
	stmt, trailing, err := db.conn.PrepareTransient(query)
	if err != nil {
		db.connMu.Unlock()
		return nil, newConnectionError("prepare", query, err)
	}
	if stmt == nil {
		db.connMu.Unlock()
		return nil, &ConnectionError{Op: "prepare", SQL: query, Err: fmt.Errorf("no statement in query")}
	}
	if trailing > 0 && !isBlankSQL(query[len(query)-trailing:]) {
		_ = stmt.Finalize()
		db.connMu.Unlock()
		return nil, &ConnectionError{Op: "prepare", SQL: query, Err: fmt.Errorf("multiple statements in query")}
	}
	db.connMu.Unlock()

	s := &Stmt{
		db:   db,
		id:   key,
		sql:  query,
		stmt: stmt,
	}
	db.attach(s)
	return s, nil
}

func (s *Stmt) ID() id.ID {
	return s.id
}

func (s *Stmt) SQL() string {
	return s.sql
}

// DB returns the connection the statement was compiled against.
func (s *Stmt) DB() *DB {
	return s.db
}

// Close finalizes the statement and detaches it from its DB. Closing twice is a no-op.
func (s *Stmt) Close() error {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	if s.stmt == nil {
		return nil
	}
	err := s.stmt.Finalize()
	s.stmt = nil
	s.columns = nil
	s.db.detach(s)
	if err != nil {
		return newConnectionError("finalize", s.sql, err)
	}
	return nil
}

// Binding. Bind errors (index out of range, value too large) are reported by
// the next Step.

func (s *Stmt) BindBool(i int, v bool) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindBool(i, v)
}

func (s *Stmt) BindInt(i int, v int) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindInt64(i, int64(v))
}

func (s *Stmt) BindUint(i int, v uint) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindInt64(i, int64(v))
}

func (s *Stmt) BindInt64(i int, v int64) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindInt64(i, v)
}

// BindUint64 stores v as its two's complement int64 bit pattern; ColumnUint64
// reverses it.
func (s *Stmt) BindUint64(i int, v uint64) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindInt64(i, int64(v))
}

func (s *Stmt) BindFloat64(i int, v float64) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindFloat(i, v)
}

// BindText binds a copy of v.
func (s *Stmt) BindText(i int, v string) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindText(i, v)
}

// BindTextStatic binds v under the static contract: the caller keeps the value
// unchanged until the next Step or Reset. The engine currently copies anyway.
func (s *Stmt) BindTextStatic(i int, v string) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindText(i, v)
}

// BindBlob binds a copy of v.
func (s *Stmt) BindBlob(i int, v []byte) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindBytes(i, v)
}

// BindBlobStatic binds v under the static contract: the caller must not
// modify v until the next Step or Reset.
func (s *Stmt) BindBlobStatic(i int, v []byte) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindBytes(i, v)
}

func (s *Stmt) BindNull(i int) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindNull(i)
}

// BindColor binds c packed as RGBA8888.
func (s *Stmt) BindColor(i int, c Color) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.stmt.BindInt64(i, int64(PackColor(c)))
}

// ClearBindings sets every parameter to NULL.
func (s *Stmt) ClearBindings() error {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	if err := s.stmt.ClearBindings(); err != nil {
		return newConnectionError("bind", s.sql, err)
	}
	return nil
}

// Parameters returns the number of parameters in the statement.
func (s *Stmt) Parameters() int {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	return s.stmt.BindParamCount()
}

// Parameter returns the index of a named parameter. The name may be given
// with or without its prefix (":", "@", "$"). An unknown name panics.
func (s *Stmt) Parameter(name string) int {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	n := s.stmt.BindParamCount()
	for i := 1; i <= n; i++ {
		pn := s.stmt.BindParamName(i)
		if pn == "" {
			continue
		}
		if pn == name || pn[1:] == name {
			return i
		}
	}
	panic(fmt.Sprintf("database: no parameter %q in %q", name, s.sql))
}

// Step advances to the next row. It returns false once the statement is done.
func (s *Stmt) Step() (bool, error) {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.columns = nil
	row, err := s.stmt.Step()
	if err != nil {
		return false, newConnectionError("step", s.sql, err)
	}
	return row, nil
}

// Reset rewinds the statement. Bindings are kept.
func (s *Stmt) Reset() error {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.columns = nil
	if err := s.stmt.Reset(); err != nil {
		return newConnectionError("reset", s.sql, err)
	}
	return nil
}

// Columns returns the number of columns in the result set.
func (s *Stmt) Columns() int {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	return s.stmt.ColumnCount()
}

// Column returns the index of the named result column, or -1.
func (s *Stmt) Column(name string) int {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	if s.columns == nil {
		n := s.stmt.ColumnCount()
		s.columns = make(map[string]int, n)
		for i := 0; i < n; i++ {
			s.columns[s.stmt.ColumnName(i)] = i
		}
	}
	if i, ok := s.columns[name]; ok {
		return i
	}
	return -1
}

func (s *Stmt) ColumnName(i int) string {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return s.stmt.ColumnName(i)
}

func (s *Stmt) checkColumn(i int) {
	if n := s.stmt.ColumnCount(); i < 0 || i >= n {
		panic(fmt.Sprintf("database: column %d out of range [0,%d) in %q", i, n, s.sql))
	}
}

// Type returns the storage class of column i in the current row.
func (s *Stmt) Type(i int) ColumnType {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	switch s.stmt.ColumnType(i) {
	case sqlite.TypeInteger:
		return TypeInteger
	case sqlite.TypeFloat:
		return TypeFloat
	case sqlite.TypeText:
		return TypeText
	case sqlite.TypeBlob:
		return TypeBlob
	default:
		return TypeNull
	}
}

func (s *Stmt) ColumnBool(i int) bool {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return s.stmt.ColumnInt64(i) != 0
}

func (s *Stmt) ColumnInt(i int) int {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return int(s.stmt.ColumnInt64(i))
}

func (s *Stmt) ColumnUint(i int) uint {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return uint(s.stmt.ColumnInt64(i))
}

func (s *Stmt) ColumnInt64(i int) int64 {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return s.stmt.ColumnInt64(i)
}

func (s *Stmt) ColumnUint64(i int) uint64 {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return uint64(s.stmt.ColumnInt64(i))
}

func (s *Stmt) ColumnFloat64(i int) float64 {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return s.stmt.ColumnFloat(i)
}

func (s *Stmt) ColumnText(i int) string {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return s.stmt.ColumnText(i)
}

// ColumnBlob returns a copy of the blob in column i, or nil for NULL.
func (s *Stmt) ColumnBlob(i int) []byte {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	if s.stmt.ColumnType(i) == sqlite.TypeNull {
		return nil
	}
	buf := make([]byte, s.stmt.ColumnLen(i))
	s.stmt.ColumnBytes(i, buf)
	return buf
}

// ColumnColor unpacks an RGBA8888 integer column.
func (s *Stmt) ColumnColor(i int) Color {
	s.db.connMu.Lock()
	defer s.db.connMu.Unlock()

	s.checkColumn(i)
	return UnpackColor(uint32(s.stmt.ColumnInt64(i)))
}
