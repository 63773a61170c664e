// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package stubworker is a reference worker: it connects to a driver,
// announces its capabilities, and executes the slices it receives
// with a pluggable function.
package stubworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/wire"
	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrInterrupted is reported to the driver for a slice whose
// execution was interrupted by a cancel message.
var ErrInterrupted = errors.New("interrupted")

// A Slice is a dispatched slice, as seen by a worker.
type Slice struct {
	DriverUUID string
	JobUUID    string
	JobName    string
	SliceID    string
	Data       []byte
	Positions  []int
	Tasks      [][]byte
	Path       []string
}

// An ExecuteFunc executes a slice. It returns one result per task, in
// the order of s.Tasks, and optionally per-task errors keyed by job
// position. A non-nil error means the slice could not be executed at
// all.
//
// ctx is cancelled if the driver interrupts the slice.
type ExecuteFunc func(ctx context.Context, s *Slice) (results [][]byte, taskErrors map[int]string, err error)

// Echo is an ExecuteFunc that returns each task's payload as its
// result.
func Echo(ctx context.Context, s *Slice) ([][]byte, map[int]string, error) {
	return s.Tasks, nil, nil
}

// A Worker runs the worker side of the dispatch protocol.
type Worker struct {
	// Identity announced to the driver. If empty, a random UUID
	// is used.
	UUID         string
	Capabilities grid.Capabilities
	// Nil means Echo.
	Execute      ExecuteFunc
	MaxFrameSize int
	Logger       logrus.FieldLogger

	setupOnce sync.Once
}

func (w *Worker) setup() {
	if w.UUID == "" {
		w.UUID = uuid.NewString()
	}
	if w.Execute == nil {
		w.Execute = Echo
	}
	if w.Logger == nil {
		w.Logger = ctxlog.FromContext(context.Background())
	}
}

// Run handshakes with the driver on conn, then executes slices until
// ctx is done or the connection fails. conn is closed when Run
// returns. A connection closed by the driver between slices is not
// an error.
func (w *Worker) Run(ctx context.Context, conn net.Conn) error {
	w.setupOnce.Do(w.setup)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	rdr := wire.NewReader(conn, w.MaxFrameSize)
	wtr := wire.NewWriter(conn, w.MaxFrameSize)
	msg, err := rdr.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading driver handshake: %w", err)
	}
	if msg.Header.Kind != wire.KindHandshake {
		return fmt.Errorf("%w: expected handshake, got %q", wire.ErrProtocol, msg.Header.Kind)
	}
	driverUUID := msg.Header.UUID
	logger := w.Logger.WithFields(logrus.Fields{
		"WorkerUUID": w.UUID,
		"DriverUUID": driverUUID,
	})
	err = wtr.WriteMessage(&wire.Message{Header: wire.Header{
		Kind:         wire.KindHandshake,
		UUID:         w.UUID,
		Capabilities: w.Capabilities,
	}})
	if err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}
	logger.Info("connected to driver")

	var (
		mtx       sync.Mutex
		running   string // slice ID
		interrupt context.CancelFunc
		wg        sync.WaitGroup
		writeErr  error
	)
	defer func() {
		cancel()
		wg.Wait()
	}()
	for {
		msg, err := rdr.ReadMessage()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		} else if err != nil {
			return err
		}
		hdr := msg.Header
		switch hdr.Kind {
		case wire.KindCancel:
			mtx.Lock()
			if running == hdr.SliceID && interrupt != nil {
				logger.WithField("SliceID", hdr.SliceID).Info("interrupting slice")
				interrupt()
			}
			mtx.Unlock()
		case wire.KindDispatch:
			s := &Slice{
				DriverUUID: hdr.UUID,
				JobUUID:    hdr.JobUUID,
				JobName:    hdr.JobName,
				SliceID:    hdr.SliceID,
				Data:       msg.Data,
				Positions:  hdr.Positions,
				Tasks:      msg.Tasks,
				Path:       hdr.Path,
			}
			sctx, scancel := context.WithCancel(ctx)
			mtx.Lock()
			if writeErr != nil {
				mtx.Unlock()
				scancel()
				return writeErr
			}
			running, interrupt = s.SliceID, scancel
			mtx.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer scancel()
				reply := w.execute(sctx, s)
				mtx.Lock()
				running, interrupt = "", nil
				mtx.Unlock()
				if err := wtr.WriteMessage(reply); err != nil {
					mtx.Lock()
					writeErr = err
					mtx.Unlock()
					conn.Close()
				}
			}()
		default:
			return fmt.Errorf("%w: unexpected %q message", wire.ErrProtocol, hdr.Kind)
		}
	}
}

func (w *Worker) execute(ctx context.Context, s *Slice) *wire.Message {
	reply := &wire.Message{Header: wire.Header{
		Kind:      wire.KindResults,
		UUID:      w.UUID,
		JobUUID:   s.JobUUID,
		SliceID:   s.SliceID,
		Positions: s.Positions,
	}}
	results, taskErrors, err := w.execSafely(ctx, s)
	if err == nil && ctx.Err() != nil {
		err = ErrInterrupted
	}
	if err == nil && len(results) != len(s.Tasks) {
		err = fmt.Errorf("execute returned %d results for %d tasks", len(results), len(s.Tasks))
	}
	if err != nil {
		reply.Header.Positions = nil
		reply.Header.Error = err.Error()
		return reply
	}
	reply.Tasks = results
	reply.Header.TaskErrors = taskErrors
	return reply
}

func (w *Worker) execSafely(ctx context.Context, s *Slice) (results [][]byte, taskErrors map[int]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Execute(ctx, s)
}
