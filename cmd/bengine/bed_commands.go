// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pbjgame/bengine/internal/bed"
	"github.com/pbjgame/bengine/internal/config"
	"github.com/pbjgame/bengine/internal/database"
	"github.com/pbjgame/bengine/internal/stmtcache"
	"github.com/pbjgame/bengine/pkg/id"
)

// bedFlags are shared by every command that opens a single bed.
type bedFlags struct {
	configDir string
	create    bool
}

func (f *bedFlags) register(cmd *cobra.Command) {
	addConfigDirFlag(cmd, &f.configDir)
	cmd.Flags().BoolVar(&f.create, "create", false, "create the bed file if it does not exist")
}

// open resolves ref (a configured bed name, or a path relative to the data
// directory) and opens it.
func (f *bedFlags) open(ref string, readOnly bool) (*bed.Bed, error) {
	cfg, err := loadConfig(f.configDir)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}

	path, ok := registry.Lookup(id.New(ref))
	if !ok {
		path = cfg.BedPath(ref)
		if _, err := os.Stat(path); os.IsNotExist(err) && !f.create {
			return nil, unknownBedError(ref, bedCandidates(cfg, registry))
		}
	}

	return bed.Open(path, bed.Options{
		ReadOnly:      readOnly && !f.create,
		Create:        f.create,
		CacheCapacity: cfg.Config.StmtCacheCapacity,
	})
}

// newRegistry registers every bed listed in the configuration.
func newRegistry(cfg *config.AppConfig) (*bed.Registry, error) {
	registry := bed.NewRegistry()
	for _, path := range cfg.BedPaths() {
		if _, err := registry.RegisterPath(path); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// bedCandidates lists the names a bed reference could have meant: the
// configured beds and the database files in the data directory.
func bedCandidates(cfg *config.AppConfig, registry *bed.Registry) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	for _, name := range registry.Names() {
		add(name)
	}
	entries, err := os.ReadDir(cfg.DataDir())
	if err != nil {
		return names
	}
	for _, entry := range entries {
		switch filepath.Ext(entry.Name()) {
		case ".bed", ".db", ".sqlite":
			if !entry.IsDir() {
				add(entry.Name())
			}
		}
	}
	return names
}

func unknownBedError(ref string, candidates []string) error {
	ranks := fuzzy.RankFindNormalizedFold(bed.NameFromPath(ref), candidates)
	if len(ranks) == 0 {
		return errors.Errorf("bed %q not found", ref)
	}
	sort.Sort(ranks)
	return errors.Errorf("bed %q not found, did you mean %q?", ref, ranks[0].Target)
}

func closeBed(b *bed.Bed, err *error) {
	if closeErr := b.Close(); closeErr != nil && *err == nil {
		*err = closeErr
	}
}

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func RunQueryCommand() *cobra.Command {
	var (
		flags  bedFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "query <bed> <sql> [args...]",
		Short: "Run a query and print its rows",
		Long: `Run a single SQL statement against a bed and print the result rows.
Extra arguments bind to the statement parameters in order: integers and
floats bind as numbers, "null" as NULL and anything else as text.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			switch format {
			case formatTable, formatJSON, formatYAML:
			default:
				return errors.Errorf("unsupported format %q", format)
			}

			b, err := flags.open(args[0], true)
			if err != nil {
				return err
			}
			defer closeBed(b, &err)

			s, err := b.Hold(args[1])
			if err != nil {
				return err
			}
			defer s.Release()

			for i, arg := range args[2:] {
				bindArg(s, i+1, arg)
			}
			if format == formatTable {
				return printRows(cmd.OutOrStdout(), s)
			}
			return encodeRows(cmd.OutOrStdout(), s, format)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table, json or yaml")
	return cmd
}

func bindArg(s *stmtcache.CachedStmt, i int, arg string) {
	if strings.EqualFold(arg, "null") {
		s.BindNull(i)
		return
	}
	if v, err := strconv.ParseInt(arg, 10, 64); err == nil {
		s.BindInt64(i, v)
		return
	}
	if v, err := strconv.ParseFloat(arg, 64); err == nil {
		s.BindFloat64(i, v)
		return
	}
	s.BindText(i, arg)
}

func printRows(out io.Writer, s *stmtcache.CachedStmt) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	n := s.Columns()
	if n > 0 {
		names := make([]string, n)
		for i := range names {
			names[i] = s.ColumnName(i)
		}
		fmt.Fprintln(w, strings.Join(names, "\t"))
	}

	rows := 0
	for {
		row, err := s.Step()
		if err != nil {
			return err
		}
		if !row {
			break
		}
		rows++
		values := make([]string, n)
		for i := range values {
			values[i] = formatColumn(s, i)
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
	}

	if err := w.Flush(); err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(out, "OK, %d rows changed\n", s.DB().Changes())
	}
	return nil
}

// encodeRows writes the result rows as a JSON array or YAML sequence of
// column name to value maps.
func encodeRows(out io.Writer, s *stmtcache.CachedStmt, format string) error {
	n := s.Columns()
	rows := []map[string]any{}
	for {
		row, err := s.Step()
		if err != nil {
			return err
		}
		if !row {
			break
		}
		values := make(map[string]any, n)
		for i := range n {
			values[s.ColumnName(i)] = columnValue(s, i)
		}
		rows = append(rows, values)
	}

	if n == 0 {
		fmt.Fprintf(out, "OK, %d rows changed\n", s.DB().Changes())
		return nil
	}

	if format == formatYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(rows), "encode json")
}

func columnValue(s *stmtcache.CachedStmt, i int) any {
	switch s.Type(i) {
	case database.TypeNull:
		return nil
	case database.TypeInteger:
		return s.ColumnInt64(i)
	case database.TypeFloat:
		return s.ColumnFloat64(i)
	case database.TypeBlob:
		return fmt.Sprintf("x'%x'", s.ColumnBlob(i))
	default:
		return s.ColumnText(i)
	}
}

func formatColumn(s *stmtcache.CachedStmt, i int) string {
	switch s.Type(i) {
	case database.TypeNull:
		return "NULL"
	case database.TypeInteger:
		return strconv.FormatInt(s.ColumnInt64(i), 10)
	case database.TypeFloat:
		return strconv.FormatFloat(s.ColumnFloat64(i), 'g', -1, 64)
	case database.TypeBlob:
		return fmt.Sprintf("x'%x'", s.ColumnBlob(i))
	default:
		return s.ColumnText(i)
	}
}

func RunExecCommand() *cobra.Command {
	var flags bedFlags

	cmd := &cobra.Command{
		Use:   "exec <bed> <sql>",
		Short: "Run one or more SQL statements",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			b, err := flags.open(args[0], false)
			if err != nil {
				return err
			}
			defer closeBed(b, &err)

			if err := b.DB().Exec(args[1]); err != nil {
				return err
			}
			cmd.Printf("OK, %d rows changed\n", b.DB().Changes())
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func RunMigrateCommand() *cobra.Command {
	var (
		flags bedFlags
		dir   string
	)

	cmd := &cobra.Command{
		Use:   "migrate <bed>",
		Short: "Apply pending SQL migrations to a bed",
		Long: `Apply every *.sql file in the migrations directory that has not been
applied to the bed yet, in file name order, inside a single transaction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if dir == "" {
				return errors.New("--dir is required")
			}

			b, err := flags.open(args[0], false)
			if err != nil {
				return err
			}
			defer closeBed(b, &err)

			n, err := b.Migrate(os.DirFS(dir), ".")
			if err != nil {
				return err
			}
			cmd.Printf("Applied %d migrations to %s\n", n, b.Name())
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&dir, "dir", "", "directory holding the *.sql migration files")
	return cmd
}

func RunVacuumCommand() *cobra.Command {
	var flags bedFlags

	cmd := &cobra.Command{
		Use:   "vacuum <bed>",
		Short: "Rebuild a bed file to reclaim space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			b, err := flags.open(args[0], false)
			if err != nil {
				return err
			}
			defer closeBed(b, &err)

			if err := b.DB().Vacuum(); err != nil {
				return err
			}
			cmd.Printf("Vacuumed %s\n", b.Name())
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func RunBackupCommand() *cobra.Command {
	var (
		flags    bedFlags
		compress string
	)

	cmd := &cobra.Command{
		Use:   "backup <bed> <destination>",
		Short: "Write a compacted copy of a bed",
		Long: `Write a compacted copy of a bed. A destination ending in .gz, .zst, .br
or .xz is compressed with that codec; --compress appends the suffix for you.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			c, err := bed.ParseCompression(compress)
			if err != nil {
				return err
			}
			dst := args[1]
			if c != bed.CompressionNone && bed.CompressionFromPath(dst) != c {
				dst += c.Ext()
			}

			b, err := flags.open(args[0], true)
			if err != nil {
				return err
			}
			defer closeBed(b, &err)

			if err := b.Backup(dst); err != nil {
				return err
			}
			info, err := os.Stat(dst)
			if err != nil {
				return errors.Wrap(err, "stat backup")
			}
			cmd.Printf("Backed up %s to %s (%s)\n", b.Name(), dst, humanize.Bytes(uint64(info.Size())))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&compress, "compress", "", "compress the backup: gzip, zstd, brotli or xz")
	return cmd
}

func RunRestoreCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "restore <backup> <destination>",
		Short: "Restore a bed from a backup",
		Long: `Write the database held in a backup to a new bed file. The codec is taken
from the backup suffix. The destination is resolved against the data
directory and must not exist.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}

			dst := cfg.BedPath(args[1])
			if err := bed.Restore(args[0], dst); err != nil {
				return err
			}
			info, err := os.Stat(dst)
			if err != nil {
				return errors.Wrap(err, "stat restored bed")
			}
			cmd.Printf("Restored %s to %s (%s)\n", args[0], dst, humanize.Bytes(uint64(info.Size())))
			return nil
		},
	}

	addConfigDirFlag(cmd, &configDir)
	return cmd
}

func RunStatsCommand() *cobra.Command {
	var (
		flags    bedFlags
		repeat   int
		capacity int
	)

	cmd := &cobra.Command{
		Use:   "stats <bed> <sql>...",
		Short: "Run queries through the statement cache and report its counters",
		Long: `Run each query to completion, repeat the whole list, and print the
statement cache counters. Useful for sizing stmtCacheCapacity against a
workload.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			b, err := flags.open(args[0], true)
			if err != nil {
				return err
			}
			defer closeBed(b, &err)

			if capacity > 0 {
				b.Cache().SetCapacity(capacity)
			}

			for range max(repeat, 1) {
				for _, query := range args[1:] {
					err := b.With(id.New(query), query, func(s *stmtcache.CachedStmt) error {
						for {
							row, err := s.Step()
							if err != nil || !row {
								return err
							}
						}
					})
					if err != nil {
						return err
					}
				}
			}

			c := b.Cache()
			stats := c.Stats()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "bed\t%s\n", b.Name())
			fmt.Fprintf(w, "capacity\t%d\n", c.Capacity())
			fmt.Fprintf(w, "size\t%d\n", c.Size())
			fmt.Fprintf(w, "held\t%d\n", c.HeldSize())
			fmt.Fprintf(w, "hits\t%d\n", stats.Hits)
			fmt.Fprintf(w, "misses\t%d\n", stats.Misses)
			fmt.Fprintf(w, "evictions\t%d\n", stats.Evictions)
			fmt.Fprintf(w, "compile failures\t%d\n", stats.CompileFailures)
			return w.Flush()
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&repeat, "repeat", 1, "number of passes over the queries")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "override the configured cache capacity")
	return cmd
}
