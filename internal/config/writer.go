// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"io"
	"sync/atomic"
)

// SwitchableWriter is an io.Writer whose target can be replaced while other
// goroutines are writing to it.
type SwitchableWriter struct {
	target atomic.Pointer[writerWithCloser]
}

type writerWithCloser struct {
	w      io.Writer
	closer io.Closer // optional
}

func NewSwitchableWriter(initial io.Writer) *SwitchableWriter {
	sw := &SwitchableWriter{}
	sw.target.Store(&writerWithCloser{w: initial})
	return sw
}

func (sw *SwitchableWriter) Write(p []byte) (int, error) {
	target := sw.target.Load()
	if target == nil || target.w == nil {
		return len(p), nil
	}
	return target.w.Write(p) //nolint:wrapcheck // io.Writer interface compliance
}

// Swap replaces the target and returns the previous closer, if any. The
// caller closes it.
func (sw *SwitchableWriter) Swap(newWriter io.Writer, newCloser io.Closer) io.Closer {
	old := sw.target.Swap(&writerWithCloser{w: newWriter, closer: newCloser})
	if old != nil {
		return old.closer
	}
	return nil
}
