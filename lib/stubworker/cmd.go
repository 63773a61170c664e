// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stubworker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/cmd"
	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
)

// Command runs a stub worker that echoes each task's payload, with
// optional simulated delays and failures. It reconnects to the driver
// until interrupted.
var Command cmd.Handler = command{}

type command struct{}

// capabilityFlags collects repeated -capability key=value flags.
type capabilityFlags grid.Capabilities

func (cf capabilityFlags) String() string {
	var kv []string
	for k, v := range cf {
		kv = append(kv, k+"="+v)
	}
	sort.Strings(kv)
	return strings.Join(kv, ",")
}

func (cf capabilityFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("invalid capability %q: want key=value", s)
	}
	cf[k] = v
	return nil
}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	caps := capabilityFlags{}
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	driverAddr := flags.String("driver", "localhost:9003", "driver's worker listener `address`")
	workerUUID := flags.String("uuid", "", "worker identity (default: random)")
	flags.Var(caps, "capability", "advertise capability `key=value` (can be repeated)")
	sim := &Simulator{}
	flags.DurationVar(&sim.TaskDelay, "task-delay", 0, "simulated execution time per task")
	flags.Float64Var(&sim.TaskErrorRate, "task-error-rate", 0, "fraction of tasks that report an error")
	flags.Float64Var(&sim.SliceErrorRate, "slice-error-rate", 0, "fraction of slices that fail to execute")
	maxFrameSize := flags.Int("max-frame-size", 0, "largest frame to send or accept, in bytes (default: driver's default)")
	reconnect := flags.Duration("max-reconnect-interval", 30*time.Second, "maximum delay between connection attempts")
	logLevel := flags.String("log-level", "info", "logging `level` (debug, info, ...)")
	logFormat := flags.String("log-format", "text", "logging `format` (text or json)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	if err = sim.check(); err != nil {
		return 2
	}
	logger = ctxlog.New(stderr, *logFormat, *logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	w := &Worker{
		UUID:         *workerUUID,
		Capabilities: grid.Capabilities(caps),
		Execute:      sim.Execute,
		MaxFrameSize: *maxFrameSize,
		Logger:       logger,
	}
	err = RunForever(ctx, w, *driverAddr, *reconnect)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return 1
	}
	return 0
}

// RunForever connects w to the driver at addr and, whenever the
// connection ends, reconnects after an exponentially increasing delay
// (reset after each connection that was up for longer than
// maxInterval). It returns when ctx is done.
func RunForever(ctx context.Context, w *Worker, addr string, maxInterval time.Duration) error {
	w.setupOnce.Do(w.setup)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	if maxInterval > 0 {
		bo.MaxInterval = maxInterval
	}
	bo.MaxElapsedTime = 0
	var dialer net.Dialer
	err := backoff.RetryNotify(func() error {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		} else if err != nil {
			return err
		}
		t0 := time.Now()
		err = w.Run(ctx, conn)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if time.Since(t0) > bo.MaxInterval {
			bo.Reset()
		}
		if err == nil {
			err = errors.New("driver closed connection")
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, delay time.Duration) {
		w.Logger.WithError(err).WithFields(logrus.Fields{
			"Driver": addr,
			"Delay":  delay.String(),
		}).Warn("disconnected, will retry")
	})
	return err
}

// A Simulator provides an ExecuteFunc that echoes its tasks after a
// delay, with randomly injected failures.
type Simulator struct {
	TaskDelay      time.Duration
	TaskErrorRate  float64
	SliceErrorRate float64
}

func (sim *Simulator) check() error {
	if sim.TaskErrorRate < 0 || sim.TaskErrorRate > 1 {
		return fmt.Errorf("task error rate %v out of range [0, 1]", sim.TaskErrorRate)
	}
	if sim.SliceErrorRate < 0 || sim.SliceErrorRate > 1 {
		return fmt.Errorf("slice error rate %v out of range [0, 1]", sim.SliceErrorRate)
	}
	return nil
}

// Execute implements ExecuteFunc.
func (sim *Simulator) Execute(ctx context.Context, s *Slice) ([][]byte, map[int]string, error) {
	if chance(sim.SliceErrorRate) {
		return nil, nil, errors.New("simulated slice failure")
	}
	var taskErrors map[int]string
	for i := range s.Tasks {
		if sim.TaskDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ErrInterrupted
			case <-time.After(sim.TaskDelay):
			}
		}
		if chance(sim.TaskErrorRate) {
			if taskErrors == nil {
				taskErrors = map[int]string{}
			}
			pos := i
			if i < len(s.Positions) {
				pos = s.Positions[i]
			}
			taskErrors[pos] = "simulated task error"
		}
	}
	return s.Tasks, taskErrors, nil
}

func chance(p float64) bool {
	if p <= 0 {
		return false
	} else if p >= 1 {
		return true
	}
	n, err := randutil.IntRange(0, 1000000)
	if err != nil {
		return false
	}
	return float64(n) < p*1000000
}
