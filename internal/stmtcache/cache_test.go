// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stmtcache

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pbjgame/bengine/internal/database"
	"github.com/pbjgame/bengine/pkg/id"
)

const (
	queryA = "SELECT 1"
	queryB = "SELECT 2"
	queryC = "SELECT 3"
)

func setupCache(t *testing.T, capacity int) *Cache {
	t.Helper()
	log.Logger = log.Output(io.Discard)

	db, err := database.OpenMemory()
	require.NoError(t, err)
	c := New(db, capacity)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		require.NoError(t, db.Close())
	})
	return c
}

func hold(t *testing.T, c *Cache, query string) *CachedStmt {
	t.Helper()
	s, err := c.Hold(query)
	require.NoError(t, err)
	return s
}

func TestNewClampsCapacity(t *testing.T) {
	c := setupCache(t, 0)
	assert.Equal(t, 1, c.Capacity())

	c.SetCapacity(-5)
	assert.Equal(t, 1, c.Capacity())

	c.SetCapacity(8)
	assert.Equal(t, 8, c.Capacity())

	d := NewDefault(c.DB())
	assert.Equal(t, DefaultCapacity, d.Capacity())
	require.NoError(t, d.Close())
}

func TestHoldReusesReleasedStatement(t *testing.T) {
	c := setupCache(t, 4)

	first := hold(t, c, queryA)
	stmt := first.Stmt
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 1, c.HeldSize())
	first.Release()
	assert.Equal(t, 0, c.HeldSize())
	assert.False(t, first.Held())

	second := hold(t, c, queryA)
	defer second.Release()
	assert.Same(t, stmt, second.Stmt)
	assert.Equal(t, 1, c.Size())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestConcurrentHoldsGetDistinctStatements(t *testing.T) {
	c := setupCache(t, 4)

	a1 := hold(t, c, queryA)
	a2 := hold(t, c, queryA)
	assert.NotSame(t, a1.Stmt, a2.Stmt)
	assert.Equal(t, a1.ID(), a2.ID())
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, 2, c.HeldSize())

	a1.Release()
	a2.Release()
	assert.Equal(t, 2, c.Size())
	assert.Zero(t, c.HeldSize())
}

func TestReleaseIsExactlyOnce(t *testing.T) {
	c := setupCache(t, 4)

	s := hold(t, c, queryA)
	other := hold(t, c, queryB)
	defer other.Release()
	require.Equal(t, 2, c.HeldSize())

	s.Release()
	assert.Equal(t, 1, c.HeldSize())
	s.Release()
	require.NoError(t, s.Close())
	assert.Equal(t, 1, c.HeldSize())
}

func TestMoveTransfersRelease(t *testing.T) {
	c := setupCache(t, 4)

	src := hold(t, c, queryA)
	dst := src.Move()
	assert.False(t, src.Held())
	assert.Nil(t, src.Stmt)
	assert.True(t, dst.Held())

	src.Release()
	assert.Equal(t, 1, c.HeldSize(), "releasing the moved-from handle does nothing")

	dst.Release()
	assert.Zero(t, c.HeldSize())
}

func TestEvictsLeastRecentlyHeld(t *testing.T) {
	c := setupCache(t, 2)

	a := hold(t, c, queryA)
	b := hold(t, c, queryB)
	cc := hold(t, c, queryC)
	assert.Equal(t, 3, c.Size(), "over capacity while everything is held")

	// B is the only idle entry, so it goes even though A is older.
	b.Release()
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	a.Release()
	cc.Release()
	assert.Equal(t, 2, c.Size())

	// B was evicted, A and C remain.
	hits := c.Stats().Hits
	for _, q := range []string{queryA, queryC} {
		s := hold(t, c, q)
		s.Release()
	}
	assert.Equal(t, hits+2, c.Stats().Hits)
}

func TestEvictionPicksSmallestStampAmongIdle(t *testing.T) {
	c := setupCache(t, 2)

	a := hold(t, c, queryA)
	b := hold(t, c, queryB)
	a.Release()
	b.Release()

	// Re-acquire A so B becomes the oldest idle entry.
	a = hold(t, c, queryA)
	a.Release()

	cc := hold(t, c, queryC)
	cc.Release()
	assert.Equal(t, 2, c.Size())

	misses := c.Stats().Misses
	s := hold(t, c, queryB)
	s.Release()
	assert.Equal(t, misses+1, c.Stats().Misses, "B was evicted")
}

func TestOverCapacityScenario(t *testing.T) {
	c := setupCache(t, 2)

	a := hold(t, c, queryA)
	b := hold(t, c, queryB)
	assert.Equal(t, 2, c.Size())

	a.Release()
	assert.Equal(t, 2, c.Size())

	// Different key, A cannot be reused: a new entry is compiled.
	cs := hold(t, c, queryC)
	assert.Equal(t, 3, c.Size())

	// Same key as the idle A: it is reused.
	again := hold(t, c, queryA)
	assert.Equal(t, 3, c.Size())
	again.Release()

	// A is the only idle entry and the cache is over capacity.
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, 2, c.HeldSize())

	cs.Release()
	b.Release()
	assert.Equal(t, 2, c.Size())
	assert.Zero(t, c.HeldSize())
}

func TestSetCapacityAppliesOnNextRelease(t *testing.T) {
	c := setupCache(t, 4)

	a := hold(t, c, queryA)
	b := hold(t, c, queryB)
	a.Release()
	b.Release()

	c.SetCapacity(1)
	assert.Equal(t, 2, c.Size(), "no immediate sweep")

	s := hold(t, c, queryB)
	s.Release()
	assert.Equal(t, 1, c.Size())

	misses := c.Stats().Misses
	s = hold(t, c, queryB)
	s.Release()
	assert.Equal(t, misses, c.Stats().Misses, "most recently used entry was kept")
}

func TestCompileFailureLeavesCountersUnchanged(t *testing.T) {
	c := setupCache(t, 4)

	a := hold(t, c, queryA)
	defer a.Release()

	s, err := c.Hold("SELEKT nonsense")
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, database.IsConnectionError(err))

	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 1, c.HeldSize())
	assert.Equal(t, uint64(1), c.Stats().CompileFailures)
}

func TestReleaseResetsButKeepsBindings(t *testing.T) {
	c := setupCache(t, 4)

	s := hold(t, c, "SELECT ?")
	s.BindText(1, "grass")
	row, err := s.Step()
	require.NoError(t, err)
	require.True(t, row)
	s.Release()

	s = hold(t, c, "SELECT ?")
	defer s.Release()
	row, err = s.Step()
	require.NoError(t, err)
	require.True(t, row, "statement was reset on release")
	assert.Equal(t, "grass", s.ColumnText(0))
}

func TestExplicitIDSharesPool(t *testing.T) {
	c := setupCache(t, 4)
	slot := id.New("texture.load")

	s, err := c.HoldID(slot, queryA)
	require.NoError(t, err)
	assert.Equal(t, slot, s.ID())
	s.Release()

	// Same key, different text: the pooled statement for the key is returned.
	s, err = c.HoldID(slot, queryB)
	require.NoError(t, err)
	assert.Equal(t, queryA, s.SQL())
	s.Release()

	// Same text, default key: a separate entry.
	s = hold(t, c, queryA)
	s.Release()
	assert.Equal(t, 2, c.Size())
}

func TestWithAlwaysReleases(t *testing.T) {
	c := setupCache(t, 4)
	boom := errors.New("boom")

	err := c.With(id.New(queryA), queryA, func(s *CachedStmt) error {
		assert.Equal(t, 1, c.HeldSize())
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, c.HeldSize())

	var got int
	require.NoError(t, c.With(id.New(queryB), queryB, func(s *CachedStmt) error {
		if _, err := s.Step(); err != nil {
			return err
		}
		got = s.ColumnInt(0)
		return nil
	}))
	assert.Equal(t, 2, got)

	err = c.With(id.New("bad"), "SELEKT", func(*CachedStmt) error { return nil })
	require.Error(t, err)
	assert.Zero(t, c.HeldSize())
}

func TestCloseWithHeldStatements(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	db, err := database.OpenMemory()
	require.NoError(t, err)
	c := New(db, 4)

	idle := hold(t, c, queryA)
	idle.Release()
	held := hold(t, c, queryB)

	err = c.Close()
	require.ErrorIs(t, err, ErrStatementsHeld)
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 1, db.Statements())

	_, err = c.Hold(queryA)
	require.ErrorIs(t, err, ErrClosed)

	held.Release()
	assert.Zero(t, c.Size())
	assert.Zero(t, db.Statements())

	require.NoError(t, c.Close())
	require.NoError(t, db.Close())
}

func TestCloseErrorKeepsHeldAndFinalizeFailures(t *testing.T) {
	finalize := errors.New("disk I/O error")

	tests := []struct {
		name         string
		finalizeErr  error
		held         int
		wantHeld     bool
		wantFinalize bool
	}{
		{name: "clean"},
		{name: "held only", held: 2, wantHeld: true},
		{name: "finalize only", finalizeErr: finalize, wantFinalize: true},
		{name: "both", finalizeErr: finalize, held: 1, wantHeld: true, wantFinalize: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := closeError(tt.finalizeErr, tt.held)
			if !tt.wantHeld && !tt.wantFinalize {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantHeld, errors.Is(err, ErrStatementsHeld))
			if tt.wantFinalize {
				assert.Contains(t, err.Error(), "disk I/O error")
			}
		})
	}
}

func TestConcurrentHoldRelease(t *testing.T) {
	c := setupCache(t, 3)
	queries := []string{queryA, queryB, queryC, "SELECT 4"}

	var g errgroup.Group
	for w := range 8 {
		g.Go(func() error {
			for i := range 50 {
				s, err := c.Hold(queries[(w+i)%len(queries)])
				if err != nil {
					return err
				}
				if held, size := c.HeldSize(), c.Size(); held > size {
					s.Release()
					return errors.New("held exceeds size")
				}
				s.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Zero(t, c.HeldSize())
	assert.LessOrEqual(t, c.Size(), c.Capacity())
	stats := c.Stats()
	assert.Equal(t, uint64(8*50), stats.Hits+stats.Misses)
}

func TestConcurrentStepOnDistinctStatements(t *testing.T) {
	c := setupCache(t, 2)
	const sumTo = `
		WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM n WHERE x < ?)
		SELECT SUM(x) FROM n`

	var g errgroup.Group
	for w := range 4 {
		g.Go(func() error {
			for i := range 200 {
				limit := 10 + (w+i)%50
				s, err := c.Hold(sumTo)
				if err != nil {
					return err
				}
				s.BindInt(1, limit)
				row, err := s.Step()
				if err != nil {
					s.Release()
					return err
				}
				got := s.ColumnInt(0)
				s.Release()
				if !row || got != limit*(limit+1)/2 {
					return fmt.Errorf("sum to %d: got %d (row %v)", limit, got, row)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Zero(t, c.HeldSize())
	assert.LessOrEqual(t, c.Size(), c.Capacity())
}
