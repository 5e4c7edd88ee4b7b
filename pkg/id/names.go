// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package id

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
)

// DefaultNameTTL is how long a tracked name is remembered after it was last hashed.
const DefaultNameTTL = 30 * time.Minute

var (
	tracking atomic.Bool

	namesMu    sync.RWMutex
	names      *ttlcache.Cache[ID, string]
	collisions map[ID]struct{} // IDs already reported as colliding
)

// EnableNameTracking records the source string of every ID created with New
// and reports hash collisions once per ID. It is a debugging aid: it never
// changes hash values or comparisons. A ttl <= 0 uses DefaultNameTTL. The ttl
// of the first call wins until DisableNameTracking.
func EnableNameTracking(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultNameTTL
	}

	namesMu.Lock()
	defer namesMu.Unlock()

	if names == nil {
		names = ttlcache.New(ttlcache.Options[ID, string]{}.SetDefaultTTL(ttl))
		collisions = make(map[ID]struct{})
	}
	tracking.Store(true)
}

// DisableNameTracking stops recording names and drops everything recorded so far.
func DisableNameTracking() {
	tracking.Store(false)

	namesMu.Lock()
	defer namesMu.Unlock()

	if names != nil {
		names.Close()
		names = nil
	}
	collisions = nil
}

// NameTracking reports whether name tracking is enabled.
func NameTracking() bool {
	return tracking.Load()
}

// Name returns the string an ID was created from, if tracking recorded it.
func Name(i ID) (string, bool) {
	if !tracking.Load() {
		return "", false
	}

	namesMu.RLock()
	defer namesMu.RUnlock()

	if names == nil {
		return "", false
	}
	return names.Get(i)
}

func track(v ID, s string) {
	namesMu.Lock()
	defer namesMu.Unlock()

	if names == nil {
		return
	}

	if prev, found := names.Get(v); found && prev != s {
		if _, reported := collisions[v]; !reported {
			collisions[v] = struct{}{}
			log.Warn().
				Str("id", v.hex()).
				Str("first", prev).
				Str("second", s).
				Msg("id hash collision")
		}
		return
	}

	names.Set(v, s, ttlcache.DefaultTTL)
}

func (i ID) hex() string {
	const digits = "0123456789abcdef"
	var buf [18]byte
	buf[0], buf[1] = '0', 'x'
	v := uint64(i)
	for n := 17; n >= 2; n-- {
		buf[n] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}
