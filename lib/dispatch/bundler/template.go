// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package bundler

import (
	"sync/atomic"
	"time"
)

type templateVersion struct {
	proto   Bundler
	version int64
}

// A Template holds the current Bundler prototype. Connections take
// private copies with NewLocal, and pick up a newer prototype (after
// Set) the next time they refresh, so a configuration change never
// disturbs a slice that is already in flight.
type Template struct {
	current atomic.Pointer[templateVersion]
	locals  atomic.Int64
}

// NewTemplate returns a Template with the given prototype at
// version 1.
func NewTemplate(proto Bundler) *Template {
	t := &Template{}
	t.current.Store(&templateVersion{proto: proto, version: 1})
	return t
}

// Set installs a new prototype and returns its version.
func (t *Template) Set(proto Bundler) int64 {
	for {
		old := t.current.Load()
		tv := &templateVersion{proto: proto, version: old.version + 1}
		if t.current.CompareAndSwap(old, tv) {
			return tv.version
		}
	}
}

// Version returns the current prototype's version.
func (t *Template) Version() int64 {
	return t.current.Load().version
}

// Locals returns the number of undisposed Locals.
func (t *Template) Locals() int64 {
	return t.locals.Load()
}

func (t *Template) copy() (Bundler, int64) {
	tv := t.current.Load()
	return tv.proto.Copy(), tv.version
}

// NewLocal returns a connection-private Bundler seeded from the
// current prototype.
func (t *Template) NewLocal() *Local {
	t.locals.Add(1)
	b, v := t.copy()
	return &Local{tmpl: t, b: b, version: v}
}

// A Local is one connection's Bundler. It is not safe for concurrent
// use.
type Local struct {
	tmpl     *Template
	b        Bundler
	version  int64
	lastSize int
	disposed bool
}

// Refresh replaces the local Bundler with a copy of the template's
// prototype if the template has a newer version. It returns true if
// a replacement happened.
func (l *Local) Refresh() bool {
	if l.disposed || l.tmpl.Version() <= l.version {
		return false
	}
	l.b.Dispose()
	l.b, l.version = l.tmpl.copy()
	return true
}

// Version returns the template version the local Bundler was copied
// from.
func (l *Local) Version() int64 {
	return l.version
}

// NextSize returns the size of the next slice: at least 1 and at
// most remaining (0 if remaining is 0). If the Bundler proposes an
// invalid size or panics, 1 is used.
func (l *Local) NextSize(remaining int) (size int) {
	if remaining < 1 {
		return 0
	}
	defer func() {
		if recover() != nil {
			size = 1
		}
		l.lastSize = size
	}()
	size = l.b.NextSize(remaining)
	if size < 1 {
		size = 1
	} else if size > remaining {
		size = remaining
	}
	return size
}

// LastSize returns the most recent result of NextSize.
func (l *Local) LastSize() int {
	return l.lastSize
}

// Feedback passes slice statistics to the local Bundler.
func (l *Local) Feedback(n int, elapsed time.Duration) {
	if l.disposed {
		return
	}
	l.b.Feedback(n, elapsed)
}

// Dispose releases the local Bundler. Subsequent calls have no
// effect.
func (l *Local) Dispose() {
	if l.disposed {
		return
	}
	l.disposed = true
	l.b.Dispose()
	l.tmpl.locals.Add(-1)
}
