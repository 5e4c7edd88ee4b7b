// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bed ties one database file to its connection and statement cache.
package bed

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pbjgame/bengine/internal/database"
	"github.com/pbjgame/bengine/internal/stmtcache"
	"github.com/pbjgame/bengine/pkg/id"
)

// Options control how a bed is opened.
type Options struct {
	ReadOnly bool
	// Create makes a missing file instead of failing. Ignored when ReadOnly.
	Create bool
	// CacheCapacity is the statement cache capacity, stmtcache.DefaultCapacity when zero.
	CacheCapacity int
}

func (o Options) flags() database.OpenFlags {
	switch {
	case o.ReadOnly:
		return database.OpenReadOnly
	case o.Create:
		return database.OpenReadWrite | database.OpenCreate
	default:
		return database.OpenReadWrite
	}
}

// Bed is an open database file with its own statement cache.
type Bed struct {
	name  string
	path  string
	id    id.ID
	db    *database.DB
	cache *stmtcache.Cache
}

// Open opens the database at path. The bed is named after the file, without
// its extension.
func Open(path string, opts Options) (*Bed, error) {
	db, err := database.Open(path, opts.flags())
	if err != nil {
		return nil, errors.Wrapf(err, "open bed %s", path)
	}

	capacity := opts.CacheCapacity
	if capacity == 0 {
		capacity = stmtcache.DefaultCapacity
	}

	name := NameFromPath(path)
	b := &Bed{
		name:  name,
		path:  path,
		id:    id.New(name),
		db:    db,
		cache: stmtcache.New(db, capacity),
	}

	log.Debug().Str("bed", name).Str("path", path).Int("cacheCapacity", capacity).Msg("bed opened")
	return b, nil
}

// NameFromPath returns the base name of path without its extension.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (b *Bed) ID() id.ID {
	return b.id
}

func (b *Bed) Name() string {
	return b.name
}

func (b *Bed) Path() string {
	return b.path
}

func (b *Bed) DB() *database.DB {
	return b.db
}

func (b *Bed) Cache() *stmtcache.Cache {
	return b.cache
}

func (b *Bed) Hold(query string) (*stmtcache.CachedStmt, error) {
	return b.cache.Hold(query)
}

func (b *Bed) HoldID(key id.ID, query string) (*stmtcache.CachedStmt, error) {
	return b.cache.HoldID(key, query)
}

func (b *Bed) With(key id.ID, query string, fn func(*stmtcache.CachedStmt) error) error {
	return b.cache.With(key, query, fn)
}

// Backup writes a compacted copy of the database to dst, which must not exist.
// A dst ending in .gz, .zst, .br or .xz is compressed with that codec.
func (b *Bed) Backup(dst string) error {
	if err := checkAbsent(dst); err != nil {
		return errors.Wrap(err, "backup")
	}

	c := CompressionFromPath(dst)
	if c == CompressionNone {
		if err := b.vacuumInto(dst); err != nil {
			return err
		}
		log.Info().Str("bed", b.name).Str("dst", dst).Msg("bed backed up")
		return nil
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(dst), ".bengine-backup-*")
	if err != nil {
		return errors.Wrap(err, "create snapshot directory")
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, b.name+".db")
	if err := b.vacuumInto(snapshot); err != nil {
		return err
	}
	if err := compressFile(snapshot, dst, c); err != nil {
		return errors.Wrapf(err, "backup %s to %s", b.name, dst)
	}

	log.Info().Str("bed", b.name).Str("dst", dst).Str("compression", string(c)).Msg("bed backed up")
	return nil
}

func (b *Bed) vacuumInto(dst string) error {
	stmt, err := database.NewStmt(b.db, "VACUUM INTO ?")
	if err != nil {
		return errors.Wrap(err, "prepare backup")
	}
	defer stmt.Close()

	stmt.BindText(1, dst)
	if _, err := stmt.Step(); err != nil {
		return errors.Wrapf(err, "backup %s to %s", b.name, dst)
	}
	return nil
}

// Close closes the statement cache and then the database. If cached
// statements are still held the database is left open and the error is
// returned.
func (b *Bed) Close() error {
	if err := b.cache.Close(); err != nil {
		return errors.Wrapf(err, "close bed %s", b.name)
	}
	if err := b.db.Close(); err != nil {
		return errors.Wrapf(err, "close bed %s", b.name)
	}
	log.Debug().Str("bed", b.name).Msg("bed closed")
	return nil
}
