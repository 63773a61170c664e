// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/bundler"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/wire"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed   = errors.New("worker connection closed")
	ErrNotFound = errors.New("worker not found")
	errKilled   = errors.New("killed by administrator")
)

// worker is the driver side of one worker connection.
type worker struct {
	wp        *Pool
	logger    logrus.FieldLogger
	conn      net.Conn
	reader    *wire.Reader
	writeMtx  sync.Mutex
	writer    *wire.Writer
	connected time.Time

	// Set during handshake, then read-only.
	uuid  string
	caps  grid.Capabilities
	local *bundler.Local // owned by whoever holds the slice, or by the pool while idle

	// Set as soon as a read or write error is seen, before the
	// pool lock is acquired to close the connection.
	disconnected atomic.Bool

	// Guarded by wp.mtx. slice is nil iff state is Idle (or not
	// yet Idle, or Closed).
	state     State
	slice     *queue.Slice
	sendDone  chan struct{} // closed when the current slice's send attempt finishes
	sliceSize int
	lastBusy  time.Time
	slices    int
}

// Caller must have lock.
func (wkr *worker) setState(next State) {
	if !wkr.state.CanTransition(next) {
		panic(fmt.Sprintf("worker %s: illegal state transition %s -> %s", wkr.uuid, wkr.state, next))
	}
	if wkr.wp.onTransition != nil {
		wkr.wp.onTransition(wkr.uuid, wkr.state, next)
	}
	wkr.state = next
}

// write sends msg. If timeout is not zero, a write that takes longer
// fails with os.ErrDeadlineExceeded, possibly after sending part of
// the message, in which case the connection is no longer usable.
func (wkr *worker) write(msg *wire.Message, timeout time.Duration) error {
	wkr.writeMtx.Lock()
	defer wkr.writeMtx.Unlock()
	if timeout > 0 {
		wkr.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer wkr.conn.SetWriteDeadline(time.Time{})
	}
	err := wkr.writer.WriteMessage(msg)
	if err == nil {
		wkr.wp.mBytes.WithLabelValues("sent").Add(float64(msg.Size()))
	}
	return err
}

// handshake sends our identity and reads the worker's. It returns
// an error if the worker's reply is not a valid handshake.
func (wkr *worker) handshake(timeout time.Duration, driverUUID string) error {
	if timeout > 0 {
		wkr.conn.SetDeadline(time.Now().Add(timeout))
		defer wkr.conn.SetDeadline(time.Time{})
	}
	err := wkr.write(&wire.Message{Header: wire.Header{
		Kind: wire.KindHandshake,
		UUID: driverUUID,
	}}, 0)
	if err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}
	wkr.wp.mtx.Lock()
	wkr.setState(StateAwaitHandshake)
	wkr.wp.mtx.Unlock()
	msg, err := wkr.reader.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	switch {
	case msg.Header.Kind != wire.KindHandshake:
		return fmt.Errorf("%w: expected handshake, got %q", wire.ErrProtocol, msg.Header.Kind)
	case msg.Header.UUID == "":
		return fmt.Errorf("%w: handshake has no worker UUID", wire.ErrProtocol)
	case msg.Header.UUID == driverUUID:
		return fmt.Errorf("%w: worker claims to be this driver", wire.ErrProtocol)
	case len(msg.Tasks) > 0:
		return fmt.Errorf("%w: handshake has %d tasks", wire.ErrProtocol, len(msg.Tasks))
	}
	wkr.uuid = msg.Header.UUID
	wkr.caps = msg.Header.Capabilities
	if wkr.caps == nil {
		wkr.caps = grid.Capabilities{}
	}
	return nil
}

// send transmits the assigned slice (on an executor goroutine). If
// the worker is in the job's routing path, the slice is put back and
// the worker returns to the idle set without anything being sent.
func (wkr *worker) send(s *queue.Slice, done chan struct{}) {
	defer close(done)
	wp := wkr.wp
	logger := wkr.logger.WithFields(logrus.Fields{
		"JobUUID": s.Job.UUID,
		"SliceID": s.ID,
		"Tasks":   len(s.Tasks),
	})
	if wkr.local.Refresh() {
		logger.WithField("BundlerVersion", wkr.local.Version()).Debug("bundler refreshed")
	}
	if s.Job.InPath(wkr.uuid) {
		logger.Info("worker is in job's routing path, returning slice")
		wp.mBounced.Inc()
		if wkr.release(s, StateSending) {
			wp.router.Return(s)
		}
		return
	}
	msg := &wire.Message{
		Header: wire.Header{
			Kind:      wire.KindDispatch,
			UUID:      wp.driverUUID,
			JobUUID:   s.Job.UUID,
			JobName:   s.Job.Name,
			SliceID:   s.ID,
			Positions: s.Positions(),
			Path:      append(append([]string(nil), s.Job.Path...), wp.driverUUID),
		},
		Data:  s.Job.Data,
		Tasks: make([][]byte, len(s.Tasks)),
	}
	for i, t := range s.Tasks {
		msg.Tasks[i] = t.Payload
	}
	err := wkr.write(msg, wp.sendTimeout)
	if errors.Is(err, wire.ErrFrameTooLarge) {
		// Nothing was written, so the connection is still
		// usable. The tasks are handled as if the worker had
		// failed to execute them.
		logger.WithError(err).Warn("cannot send slice")
		if wkr.release(s, StateSending) {
			wp.router.Route(s, &wire.Message{Header: wire.Header{Kind: wire.KindResults, SliceID: s.ID, Error: err.Error()}}, wkr.local)
		}
		return
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		wp.mSendTimeouts.Inc()
		wkr.fail(fmt.Errorf("sending slice: no progress after %s: %w", wp.sendTimeout, err))
		return
	} else if err != nil {
		wkr.fail(err)
		return
	}
	logger.WithField("Size", humanize.IBytes(uint64(msg.Size()))).Debug("slice sent")
	wp.mtx.Lock()
	if wkr.state == StateSending {
		wkr.setState(StateAwaitingResults)
	}
	wp.mtx.Unlock()
}

// release returns the worker to the idle set, if it still holds s in
// the given state. It returns false if the worker was closed in the
// meantime (in which case the slice has been returned already).
func (wkr *worker) release(s *queue.Slice, from State) bool {
	wp := wkr.wp
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if wkr.state != from || wkr.slice != s {
		return false
	}
	wkr.slice = nil
	wkr.sendDone = nil
	wkr.lastBusy = wp.clock.Now()
	wkr.setState(StateIdle)
	wp.idle[wkr] = struct{}{}
	wp.notify()
	return true
}

// readLoop reads results until the connection fails.
func (wkr *worker) readLoop() {
	wp := wkr.wp
	defer func() {
		// Wait for an in-progress send to finish with the
		// bundler before disposing it.
		wp.mtx.Lock()
		done := wkr.sendDone
		wp.mtx.Unlock()
		if done != nil {
			<-done
		}
		wkr.local.Dispose()
	}()
	for {
		msg, err := wkr.reader.ReadMessage()
		if err != nil {
			wkr.fail(err)
			return
		}
		wp.mBytes.WithLabelValues("received").Add(float64(msg.Size()))
		wp.mtx.Lock()
		s, done := wkr.slice, wkr.sendDone
		wp.mtx.Unlock()
		if s == nil {
			wkr.fail(fmt.Errorf("%w: unexpected %q message from idle worker", wire.ErrProtocol, msg.Header.Kind))
			return
		}
		<-done
		wp.mtx.Lock()
		state, same := wkr.state, wkr.slice == s
		wp.mtx.Unlock()
		if state == StateClosed {
			return
		} else if !same || state != StateAwaitingResults {
			wkr.fail(fmt.Errorf("%w: unexpected %q message in state %s", wire.ErrProtocol, msg.Header.Kind, state))
			return
		}
		if msg.Header.Kind != wire.KindResults || msg.Header.SliceID != s.ID {
			wkr.fail(fmt.Errorf("%w: expected results for slice %s, got %q for %q", wire.ErrProtocol, s.ID, msg.Header.Kind, msg.Header.SliceID))
			return
		}
		wp.router.Route(s, msg, wkr.local)
		wp.mtx.Lock()
		if wkr.state == StateAwaitingResults && wkr.slice == s {
			wkr.slices++
		}
		wp.mtx.Unlock()
		wkr.release(s, StateAwaitingResults)
	}
}

// fail closes the connection and returns the worker's slice, if any,
// to the queue. Only the first call has any effect.
func (wkr *worker) fail(err error) {
	wkr.disconnected.Store(true)
	wp := wkr.wp
	wp.mtx.Lock()
	if wkr.state == StateClosed {
		wp.mtx.Unlock()
		return
	}
	prev := wkr.state
	s := wkr.slice
	wkr.slice = nil
	wkr.setState(StateClosed)
	delete(wp.idle, wkr)
	if wp.workers[wkr.uuid] == wkr {
		delete(wp.workers, wkr.uuid)
	}
	delete(wp.conns, wkr.conn)
	wp.notify()
	wp.mtx.Unlock()

	wkr.conn.Close()
	if s != nil {
		wp.router.Return(s)
	}
	logger := wkr.logger.WithField("PrevState", prev)
	if errors.Is(err, errKilled) || errors.Is(err, ErrClosed) {
		logger.WithError(err).Info("worker disconnected")
	} else if errors.Is(err, wire.ErrProtocol) || errors.Is(err, wire.ErrFrameTooLarge) {
		wp.mProtocolErrors.Inc()
		logger.WithError(err).Warn("protocol error, worker disconnected")
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		logger.WithError(err).Warn("send timed out, worker disconnected")
	} else {
		logger.WithError(err).Info("worker disconnected")
	}
}

// interrupt asks the worker to stop working on s, if it still holds
// it. Best effort: errors are logged and otherwise ignored.
func (wkr *worker) interrupt(s *queue.Slice) {
	wp := wkr.wp
	wp.mtx.Lock()
	holding := wkr.slice == s && (wkr.state == StateSending || wkr.state == StateAwaitingResults)
	wp.mtx.Unlock()
	if !holding {
		return
	}
	err := wkr.write(&wire.Message{Header: wire.Header{
		Kind:    wire.KindCancel,
		UUID:    wp.driverUUID,
		JobUUID: s.Job.UUID,
		SliceID: s.ID,
	}}, wp.sendTimeout)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		wp.mSendTimeouts.Inc()
		wkr.fail(fmt.Errorf("sending cancel: %w", err))
	} else if err != nil {
		wkr.logger.WithError(err).WithField("SliceID", s.ID).Info("error sending cancel")
	}
}
