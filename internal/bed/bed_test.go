// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bed

import (
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pbjgame/bengine/internal/stmtcache"
	"github.com/pbjgame/bengine/pkg/id"
)

var testMigrations = fstest.MapFS{
	"migrations/001_textures.sql": {Data: []byte(`
		CREATE TABLE textures (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			tint INTEGER
		);`)},
	"migrations/002_seed.sql": {Data: []byte(`
		INSERT INTO textures (name, tint) VALUES ('grass', 4278255615);
		INSERT INTO textures (name, tint) VALUES ('stone', 2155905279);`)},
	"migrations/README.md": {Data: []byte("not a migration")},
}

func openTestBed(t *testing.T, name string) *Bed {
	t.Helper()
	log.Logger = log.Output(io.Discard)

	b, err := Open(filepath.Join(t.TempDir(), name), Options{Create: true, CacheCapacity: 4})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

// queryFile reads path through database/sql to check what actually landed on disk.
func queryFile(t *testing.T, path, query string) int64 {
	t.Helper()
	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer conn.Close()

	var n int64
	require.NoError(t, conn.QueryRow(query).Scan(&n))
	return n
}

func TestOpenNamesBedAfterFile(t *testing.T) {
	b := openTestBed(t, "terrain.bed")

	assert.Equal(t, "terrain", b.Name())
	assert.Equal(t, id.New("terrain"), b.ID())
	assert.FileExists(t, b.Path())
	assert.NotNil(t, b.DB())
	assert.Equal(t, 4, b.Cache().Capacity())
}

func TestOpenDefaultsCacheCapacity(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	b, err := Open(filepath.Join(t.TempDir(), "a.db"), Options{Create: true})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, stmtcache.DefaultCapacity, b.Cache().Capacity())
}

func TestOpenMissingFile(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.db"), Options{})
	require.Error(t, err)

	_, err = Open(filepath.Join(dir, "missing.db"), Options{ReadOnly: true, Create: true})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "missing.db"))
}

func TestNameFromPath(t *testing.T) {
	assert.Equal(t, "terrain", NameFromPath("/data/beds/terrain.bed"))
	assert.Equal(t, "archive.tar", NameFromPath("archive.tar.db"))
	assert.Equal(t, "plain", NameFromPath("plain"))
}

func TestMigrate(t *testing.T) {
	b := openTestBed(t, "assets.db")

	n, err := b.Migrate(testMigrations, "migrations")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Migrate(testMigrations, "migrations")
	require.NoError(t, err)
	assert.Zero(t, n, "migrations apply once")

	assert.Equal(t, int64(2), queryFile(t, b.Path(), "SELECT COUNT(*) FROM textures"))
	assert.Equal(t, int64(2), queryFile(t, b.Path(), "SELECT COUNT(*) FROM migrations"))
	assert.Zero(t, b.Cache().HeldSize())
}

func TestMigrateRecordsChecksums(t *testing.T) {
	b := openTestBed(t, "assets.db")
	_, err := b.Migrate(testMigrations, "migrations")
	require.NoError(t, err)

	s, err := b.Hold("SELECT checksum FROM migrations WHERE filename = '001_textures.sql'")
	require.NoError(t, err)
	row, err := s.Step()
	require.NoError(t, err)
	require.True(t, row)
	assert.Equal(t, checksum(testMigrations["migrations/001_textures.sql"].Data), s.ColumnText(0))
	s.Release()

	edited := fstest.MapFS{
		"migrations/001_textures.sql": {Data: []byte("CREATE TABLE textures_v2 (id INTEGER);")},
		"migrations/002_seed.sql":     testMigrations["migrations/002_seed.sql"],
	}
	n, err := b.Migrate(edited, "migrations")
	require.NoError(t, err)
	assert.Zero(t, n, "an edited migration is not applied again")

	count, err := b.DB().GetInt("SELECT COUNT(*) FROM sqlite_master WHERE name = 'textures_v2'", -1)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	b := openTestBed(t, "assets.db")

	broken := fstest.MapFS{
		"m/001_ok.sql":     {Data: []byte("CREATE TABLE ok (v INTEGER);")},
		"m/002_broken.sql": {Data: []byte("INSERT INTO nope VALUES (1);")},
	}

	_, err := b.Migrate(broken, "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_broken.sql")

	n, err := b.DB().GetInt("SELECT COUNT(*) FROM sqlite_master WHERE name = 'ok'", -1)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = b.DB().GetInt("SELECT COUNT(*) FROM migrations", -1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigrateMissingDirectory(t *testing.T) {
	b := openTestBed(t, "assets.db")

	_, err := b.Migrate(testMigrations, "nowhere")
	require.Error(t, err)
}

func TestHoldThroughBed(t *testing.T) {
	b := openTestBed(t, "assets.db")
	_, err := b.Migrate(testMigrations, "migrations")
	require.NoError(t, err)

	s, err := b.Hold("SELECT name FROM textures ORDER BY id")
	require.NoError(t, err)
	var names []string
	for {
		row, err := s.Step()
		require.NoError(t, err)
		if !row {
			break
		}
		names = append(names, s.ColumnText(0))
	}
	s.Release()
	assert.Equal(t, []string{"grass", "stone"}, names)

	var tint uint32
	err = b.With(id.New("texture.tint"), "SELECT tint FROM textures WHERE name = :name", func(s *stmtcache.CachedStmt) error {
		s.BindText(s.Parameter("name"), "grass")
		if _, err := s.Step(); err != nil {
			return err
		}
		tint = uint32(s.ColumnInt64(0))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0xff00ffff), tint)

	held, err := b.HoldID(id.New("texture.tint"), "")
	require.NoError(t, err, "idle entry for the key is reused without compiling")
	held.Release()
}

func TestBackup(t *testing.T) {
	b := openTestBed(t, "assets.db")
	_, err := b.Migrate(testMigrations, "migrations")
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "assets-backup.db")
	require.NoError(t, b.Backup(dst))
	assert.FileExists(t, dst)
	assert.Equal(t, int64(2), queryFile(t, dst, "SELECT COUNT(*) FROM textures"))

	err = b.Backup(dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCloseWithHeldStatement(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	b, err := Open(filepath.Join(t.TempDir(), "assets.db"), Options{Create: true})
	require.NoError(t, err)

	s, err := b.Hold("SELECT 1")
	require.NoError(t, err)

	err = b.Close()
	require.ErrorIs(t, err, stmtcache.ErrStatementsHeld)

	s.Release()
	require.NoError(t, b.Close())
}
