// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pbjgame/bengine/internal/bed"
	"github.com/pbjgame/bengine/internal/buildinfo"
	"github.com/pbjgame/bengine/internal/domain"
	"github.com/pbjgame/bengine/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func RunServeCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the configured beds and serve metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configDir)
		},
	}

	addConfigDirFlag(cmd, &configDir)
	return cmd
}

func serve(ctx context.Context, configDir string) error {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	defer cfg.LogManager().Close()

	log.Info().Str("version", buildinfo.Version).Str("config", cfg.ConfigPath()).Msg("Starting bengine")

	registry, err := newRegistry(cfg)
	if err != nil {
		return err
	}

	beds, err := registry.OpenAll(ctx, bed.Options{
		Create:        true,
		CacheCapacity: cfg.Config.StmtCacheCapacity,
	})
	if err != nil {
		return errors.Wrap(err, "open beds")
	}
	defer func() {
		for _, b := range beds {
			if err := b.Close(); err != nil {
				log.Error().Err(err).Str("bed", b.Name()).Msg("failed to close bed")
			}
		}
	}()
	log.Info().Strs("beds", registry.Names()).Msg("Beds opened")

	manager := metrics.NewMetricsManager()
	for _, b := range beds {
		manager.TrackBed(b)
	}

	cfg.Watch(func(c domain.Config) {
		for _, b := range beds {
			if b.Cache().Capacity() != c.StmtCacheCapacity {
				b.Cache().SetCapacity(c.StmtCacheCapacity)
				log.Info().Str("bed", b.Name()).Int("capacity", c.StmtCacheCapacity).Msg("Statement cache capacity updated")
			}
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Config.MetricsEnabled {
		server := metrics.NewMetricsServer(manager, cfg.Config.MetricsHost, cfg.Config.MetricsPort, cfg.Config.MetricsBasicAuthUsers)
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		return nil
	})

	return g.Wait()
}
