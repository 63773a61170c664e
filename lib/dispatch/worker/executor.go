// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// An Executor runs funcs on a bounded number of goroutines. Go never
// blocks: funcs that can't start right away wait in a FIFO backlog.
type Executor struct {
	sem     *semaphore.Weighted
	mtx     sync.Mutex
	backlog []func()
	wg      sync.WaitGroup
}

// NewExecutor returns an Executor that runs at most n funcs at a
// time.
func NewExecutor(n int) *Executor {
	if n < 1 {
		n = 1
	}
	return &Executor{sem: semaphore.NewWeighted(int64(n))}
}

// Go arranges for fn to be called on another goroutine.
func (e *Executor) Go(fn func()) {
	e.wg.Add(1)
	e.mtx.Lock()
	e.backlog = append(e.backlog, fn)
	e.mtx.Unlock()
	e.pump()
}

// Backlog returns the number of funcs waiting to start.
func (e *Executor) Backlog() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return len(e.backlog)
}

// Wait waits for all funcs passed to Go to return, or ctx to be
// done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) pump() {
	for e.sem.TryAcquire(1) {
		e.mtx.Lock()
		if len(e.backlog) == 0 {
			// Release while holding mtx, so a concurrent Go
			// either gets its func seen here or acquires
			// the token after us.
			e.sem.Release(1)
			e.mtx.Unlock()
			return
		}
		fn := e.backlog[0]
		e.backlog = e.backlog[1:]
		e.mtx.Unlock()
		go func() {
			defer e.pump()
			defer e.sem.Release(1)
			defer e.wg.Done()
			fn()
		}()
	}
}
