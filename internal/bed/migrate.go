// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bed

import (
	"io/fs"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pbjgame/bengine/internal/database"
	"github.com/pbjgame/bengine/internal/stmtcache"
	"github.com/pbjgame/bengine/pkg/id"
)

const (
	createMigrationsTable = `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
	appliedMigration = "SELECT checksum FROM migrations WHERE filename = ?"
	recordMigration  = "INSERT INTO migrations (filename, checksum) VALUES (?, ?)"

	migrateAttempts = 3
	migrateDelay    = 250 * time.Millisecond
)

var (
	migrationAppliedID = id.New(appliedMigration)
	migrationRecordID  = id.New(recordMigration)
)

type migration struct {
	filename string
	content  []byte
	checksum string
}

func checksum(content []byte) string {
	return strconv.FormatUint(xxhash.Sum64(content), 16)
}

// Migrate applies the *.sql files in dir of fsys that have not been applied
// yet, in name order, and returns how many it applied. All pending files run
// in a single transaction: if one fails none of them are recorded.
func (b *Bed) Migrate(fsys fs.FS, dir string) (int, error) {
	if err := b.db.Exec(createMigrationsTable); err != nil {
		return 0, errors.Wrap(err, "create migrations table")
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return 0, errors.Wrap(err, "read migrations directory")
	}

	var files []migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return 0, errors.Wrapf(err, "read migration file %s", entry.Name())
		}
		files = append(files, migration{
			filename: entry.Name(),
			content:  content,
			checksum: checksum(content),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].filename < files[j].filename })

	pending, err := b.findPendingMigrations(files)
	if err != nil {
		return 0, errors.Wrap(err, "find pending migrations")
	}
	if len(pending) == 0 {
		log.Debug().Str("bed", b.name).Msg("No pending migrations")
		return 0, nil
	}

	err = retry.Do(
		func() error { return b.applyAllMigrations(pending) },
		retry.Attempts(migrateAttempts),
		retry.Delay(migrateDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, database.ErrBusy) }),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Str("bed", b.name).Uint("attempt", n+1).Msg("database busy, retrying migrations")
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, errors.Wrap(err, "apply migrations")
	}
	return len(pending), nil
}

// findPendingMigrations returns the files not recorded yet. A recorded file
// whose content changed since it was applied is logged and left alone.
func (b *Bed) findPendingMigrations(files []migration) ([]migration, error) {
	var pending []migration
	for _, m := range files {
		var (
			applied bool
			sum     string
		)
		err := b.cache.With(migrationAppliedID, appliedMigration, func(s *stmtcache.CachedStmt) error {
			s.BindText(1, m.filename)
			row, err := s.Step()
			if err != nil {
				return err
			}
			if row {
				applied = true
				sum = s.ColumnText(0)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "check migration status for %s", m.filename)
		}

		switch {
		case !applied:
			pending = append(pending, m)
		case sum != "" && sum != m.checksum:
			log.Warn().Str("bed", b.name).Str("file", m.filename).Msg("migration changed since it was applied")
		}
	}
	return pending, nil
}

func (b *Bed) applyAllMigrations(pending []migration) (err error) {
	if err := b.db.Begin(); err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if rollErr := b.db.Rollback(); rollErr != nil {
			log.Error().Err(rollErr).Str("bed", b.name).Msg("rollback failed for migration transaction")
		}
	}()

	for _, m := range pending {
		if err := b.db.Exec(string(m.content)); err != nil {
			return errors.Wrapf(err, "execute migration %s", m.filename)
		}

		err = b.cache.With(migrationRecordID, recordMigration, func(s *stmtcache.CachedStmt) error {
			s.BindText(1, m.filename)
			s.BindText(2, m.checksum)
			_, err := s.Step()
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "record migration %s", m.filename)
		}
	}

	if err := b.db.Commit(); err != nil {
		return errors.Wrap(err, "commit migrations")
	}

	log.Info().Str("bed", b.name).Msgf("Applied %d migrations successfully", len(pending))
	return nil
}
