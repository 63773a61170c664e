// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"net"
	"sync"

	"git.taskgrid.org/taskgrid.git/lib/stubworker"
)

// A Connector accepts worker connections (see worker.Pool).
type Connector interface {
	Connect(net.Conn)
}

// A StubWorker is a stubworker.Worker connected to a driver through
// an in-memory pipe.
type StubWorker struct {
	*stubworker.Worker

	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// StartStubWorker connects w to the driver and runs it in a
// goroutine.
func StartStubWorker(driver Connector, w *stubworker.Worker) *StubWorker {
	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	sw := &StubWorker{
		Worker: w,
		conn:   client,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go driver.Connect(server)
	go func() {
		defer close(sw.done)
		sw.err = w.Run(ctx, client)
	}()
	return sw
}

// Disconnect closes the worker's end of the connection, as if the
// worker process had died.
func (sw *StubWorker) Disconnect() {
	sw.cancel()
	sw.conn.Close()
}

// Wait waits for the worker to stop running and returns the error
// returned by its Run method.
func (sw *StubWorker) Wait() error {
	<-sw.done
	return sw.err
}

// A Hold is an ExecuteFunc that reports each slice it receives on
// Started and does not return until Release is called (or the slice
// is interrupted). Then it echoes the slice's tasks.
type Hold struct {
	Started chan *stubworker.Slice

	setup   sync.Once
	release chan struct{}
	once    sync.Once
}

func (h *Hold) init() {
	h.release = make(chan struct{})
	if h.Started == nil {
		h.Started = make(chan *stubworker.Slice, 100)
	}
}

// Execute implements stubworker.ExecuteFunc.
func (h *Hold) Execute(ctx context.Context, s *stubworker.Slice) ([][]byte, map[int]string, error) {
	h.setup.Do(h.init)
	h.Started <- s
	select {
	case <-h.release:
		return s.Tasks, nil, nil
	case <-ctx.Done():
		return nil, nil, stubworker.ErrInterrupted
	}
}

// Release lets all held (and future) slices finish.
func (h *Hold) Release() {
	h.setup.Do(h.init)
	h.once.Do(func() { close(h.release) })
}

// Wait returns the next slice received by the worker.
func (h *Hold) Wait() *stubworker.Slice {
	h.setup.Do(h.init)
	return <-h.Started
}
