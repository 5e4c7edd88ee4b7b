// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stmtcache keeps compiled statements around for reuse.
//
// A Cache is a multimap from statement ID to compiled statements. Hold hands
// out exclusive use of an idle statement with the requested ID, compiling a
// fresh one when none is idle, so the same query may be held several times at
// once. Releasing a statement resets it and makes it idle again. Whenever the
// cache holds more statements than its capacity, idle statements are finalized
// in least-recently-acquired order. Held statements are never evicted, so the
// cache may stay over capacity while everything is in use.
package stmtcache

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pbjgame/bengine/internal/database"
	"github.com/pbjgame/bengine/pkg/id"
)

// DefaultCapacity is the capacity used by NewDefault.
const DefaultCapacity = 24

var (
	// ErrClosed is returned by Hold after Close.
	ErrClosed = errors.New("statement cache closed")
	// ErrStatementsHeld is returned by Close when statements are still held.
	ErrStatementsHeld = errors.New("statement cache closed with statements still held")
)

type entry struct {
	stmt        *database.Stmt
	held        bool
	accessIndex uint64
}

// Stats counts cache activity since creation.
type Stats struct {
	Hits            uint64
	Misses          uint64
	Evictions       uint64
	CompileFailures uint64
}

// Cache is safe for concurrent use: every native call it makes (compile,
// reset, finalize) happens under its mutex. The statements it hands out are
// not, and stepping them concurrently needs the caller's own locking.
type Cache struct {
	mu sync.Mutex
	db *database.DB

	capacity  int
	size      int
	heldSize  int
	nextIndex uint64
	entries   map[id.ID][]*entry

	stats  Stats
	closed bool
}

// New returns a cache of statements compiled against db. A capacity below 1
// is treated as 1.
func New(db *database.DB, capacity int) *Cache {
	return &Cache{
		db:       db,
		capacity: max(capacity, 1),
		entries:  make(map[id.ID][]*entry),
	}
}

// NewDefault returns a cache with DefaultCapacity.
func NewDefault(db *database.DB) *Cache {
	return New(db, DefaultCapacity)
}

// DB returns the connection statements are compiled against.
func (c *Cache) DB() *database.DB {
	return c.db
}

// Hold acquires a statement for query, keyed by the hash of its text.
func (c *Cache) Hold(query string) (*CachedStmt, error) {
	return c.HoldID(id.New(query), query)
}

// HoldID acquires an idle statement stored under key, or compiles query and
// stores the result under key. The returned handle must be released.
//
// Entries are looked up by key alone: two different queries held under the
// same key share a pool, and whichever was compiled first may be returned.
func (c *Cache) HoldID(key id.ID, query string) (*CachedStmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	var e *entry
	for _, candidate := range c.entries[key] {
		if !candidate.held {
			e = candidate
			break
		}
	}

	if e != nil {
		c.stats.Hits++
		log.Trace().Stringer("id", key).Msg("statement cache hit")
	} else {
		stmt, err := database.NewStmtID(c.db, key, query)
		if err != nil {
			c.stats.CompileFailures++
			return nil, err
		}
		e = &entry{stmt: stmt}
		c.entries[key] = append(c.entries[key], e)
		c.size++
		c.stats.Misses++
		log.Trace().Stringer("id", key).Int("size", c.size).Msg("statement cache miss")
	}

	e.held = true
	e.accessIndex = c.nextIndex
	c.nextIndex++
	c.heldSize++

	return &CachedStmt{Stmt: e.stmt, cache: c, entry: e}, nil
}

// With holds a statement for the duration of fn and always releases it.
func (c *Cache) With(key id.ID, query string, fn func(*CachedStmt) error) error {
	s, err := c.HoldID(key, query)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// release returns e to the pool. The statement is reset, keeping its
// bindings, and then the pool is trimmed back to capacity.
func (c *Cache) release(e *entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resetErr := e.stmt.Reset()

	e.held = false
	c.heldSize--

	if c.closed {
		c.remove(e)
		if err := e.stmt.Close(); err != nil {
			return err
		}
		return resetErr
	}

	c.checkSize()
	return resetErr
}

// checkSize evicts idle entries, oldest acquisition first, until the cache is
// within capacity or only held entries remain.
func (c *Cache) checkSize() {
	for c.size > c.capacity {
		victim := c.oldestIdle()
		if victim == nil {
			return
		}
		c.remove(victim)
		c.stats.Evictions++
		if err := victim.stmt.Close(); err != nil {
			log.Warn().Err(err).Str("sql", victim.stmt.SQL()).Msg("failed to finalize evicted statement")
		}
		log.Trace().Stringer("id", victim.stmt.ID()).Int("size", c.size).Msg("statement evicted")
	}
}

func (c *Cache) oldestIdle() *entry {
	var oldest *entry
	for _, list := range c.entries {
		for _, e := range list {
			if e.held {
				continue
			}
			if oldest == nil || e.accessIndex < oldest.accessIndex {
				oldest = e
			}
		}
	}
	return oldest
}

func (c *Cache) remove(e *entry) {
	key := e.stmt.ID()
	list := c.entries[key]
	for i, candidate := range list {
		if candidate == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.entries, key)
	} else {
		c.entries[key] = list
	}
	c.size--
}

// SetCapacity changes the capacity. The cache shrinks on the next release.
func (c *Cache) SetCapacity(n int) {
	c.mu.Lock()
	c.capacity = max(n, 1)
	c.mu.Unlock()
}

func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Size returns the number of compiled statements, held or idle.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// HeldSize returns the number of statements currently held.
func (c *Cache) HeldSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heldSize
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close finalizes every idle statement and refuses further Holds. Statements
// still held are finalized when released; until then they keep the DB from
// closing, and Close reports ErrStatementsHeld.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var finalizeErr error
	if !c.closed {
		c.closed = true
		for _, list := range c.entries {
			for _, e := range append([]*entry(nil), list...) {
				if e.held {
					continue
				}
				c.remove(e)
				if err := e.stmt.Close(); err != nil && finalizeErr == nil {
					finalizeErr = err
				}
			}
		}
	}

	if c.heldSize > 0 {
		log.Warn().Int("held", c.heldSize).Msg("statement cache closed with statements still held")
	}
	return closeError(finalizeErr, c.heldSize)
}

// closeError reports held statements ahead of a finalize failure, keeping
// both in the message.
func closeError(finalizeErr error, held int) error {
	switch {
	case held > 0 && finalizeErr != nil:
		return errors.Wrapf(ErrStatementsHeld, "%d held, finalize cached statements: %v", held, finalizeErr)
	case held > 0:
		return errors.WithStack(ErrStatementsHeld)
	case finalizeErr != nil:
		return errors.Wrap(finalizeErr, "finalize cached statements")
	default:
		return nil
	}
}
