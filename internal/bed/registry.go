// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bed

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pbjgame/bengine/pkg/id"
)

var (
	ErrUnknownBed  = errors.New("unknown bed")
	ErrBedConflict = errors.New("bed id already registered to another path")
)

type registration struct {
	name string
	path string
}

// Registry maps bed IDs to database files. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu   sync.RWMutex
	beds map[id.ID]registration
}

func NewRegistry() *Registry {
	return &Registry{beds: make(map[id.ID]registration)}
}

// Register records path under the ID of name and returns that ID.
// Registering the same name and path again is a no-op.
func (r *Registry) Register(name, path string) (id.ID, error) {
	key := id.New(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.beds[key]; ok {
		if existing.path == path && existing.name == name {
			return key, nil
		}
		return key, errors.Wrapf(ErrBedConflict, "%s (%s): have %s", name, key, existing.path)
	}
	r.beds[key] = registration{name: name, path: path}
	log.Debug().Str("bed", name).Str("path", path).Msg("bed registered")
	return key, nil
}

// RegisterPath registers path under the name derived from its file name.
func (r *Registry) RegisterPath(path string) (id.ID, error) {
	return r.Register(NameFromPath(path), path)
}

func (r *Registry) Unregister(key id.ID) {
	r.mu.Lock()
	delete(r.beds, key)
	r.mu.Unlock()
}

// Lookup returns the path registered under key.
func (r *Registry) Lookup(key id.ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.beds[key]
	return reg.path, ok
}

// Names returns the registered bed names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.beds))
	for _, reg := range r.beds {
		names = append(names, reg.name)
	}
	sort.Strings(names)
	return names
}

// Open opens the bed registered under key.
func (r *Registry) Open(key id.ID, opts Options) (*Bed, error) {
	path, ok := r.Lookup(key)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBed, "%s", key)
	}
	return Open(path, opts)
}

// OpenAll opens every registered bed concurrently, in Names order. If any
// fails the ones already opened are closed again.
func (r *Registry) OpenAll(ctx context.Context, opts Options) ([]*Bed, error) {
	names := r.Names()
	beds := make([]*Bed, len(names))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := r.Open(id.New(name), opts)
			if err != nil {
				return err
			}
			beds[i] = b
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, b := range beds {
			if b == nil {
				continue
			}
			if closeErr := b.Close(); closeErr != nil {
				log.Warn().Err(closeErr).Str("bed", b.Name()).Msg("failed to close bed after open error")
			}
		}
		return nil, err
	}
	return beds, nil
}
