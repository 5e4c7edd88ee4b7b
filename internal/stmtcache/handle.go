// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stmtcache

import (
	"github.com/rs/zerolog/log"

	"github.com/pbjgame/bengine/internal/database"
)

// noCopy makes go vet's copylocks check flag copies of the embedding struct.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// CachedStmt is exclusive use of a cached statement. All Stmt methods are
// available on it directly. It must be released exactly once, either with
// Release or Close; releasing an already released handle does nothing.
//
// Pass ownership to another function or goroutine with Move rather than
// copying the handle.
type CachedStmt struct {
	_ noCopy
	*database.Stmt

	cache *Cache
	entry *entry
}

// Release resets the statement and returns it to the cache.
func (s *CachedStmt) Release() {
	if err := s.Close(); err != nil {
		log.Debug().Err(err).Msg("reset on release")
	}
}

// Close is Release reporting the reset error, if any. It never finalizes the
// statement itself; that is up to the cache.
func (s *CachedStmt) Close() error {
	if s == nil || s.cache == nil {
		return nil
	}
	cache, e := s.cache, s.entry
	s.cache, s.entry, s.Stmt = nil, nil, nil
	return cache.release(e)
}

// Move returns a new handle that owns the statement. s is left inert.
func (s *CachedStmt) Move() *CachedStmt {
	moved := &CachedStmt{Stmt: s.Stmt, cache: s.cache, entry: s.entry}
	s.cache, s.entry, s.Stmt = nil, nil, nil
	return moved
}

// Held reports whether the handle still owns a statement.
func (s *CachedStmt) Held() bool {
	return s.cache != nil
}
