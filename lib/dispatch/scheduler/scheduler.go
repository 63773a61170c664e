// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler pairs queued jobs with idle workers, in priority
// order, subject to each job's placement constraints.
package scheduler

import (
	"context"
	"sync"
	"time"

	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval    = time.Second
	defaultMinPollInterval = 10 * time.Millisecond
)

// A Scheduler runs a single matching loop. Each pass walks the queue
// in dispatch order and, for each job that can take a slice, assigns
// slices to acceptable idle workers until the job or the idle set is
// exhausted. Sending the slices is left to the worker pool's executor,
// so a pass never waits for network I/O.
//
// Between passes the scheduler parks until the queue or the pool
// reports a change, a job's pending/expiry time arrives, or a
// timeout. The timeout starts at minPollInterval and doubles after
// each pass that assigns nothing, up to pollInterval.
type Scheduler struct {
	logger logrus.FieldLogger
	queue  JobQueue
	pool   WorkerPool
	clock  clock.Clock

	pollInterval time.Duration
	backoff      *backoff.ExponentialBackOff

	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}

	mPasses        *prometheus.CounterVec
	mAssigned      prometheus.Counter
	mExpired       prometheus.Counter
	mSlicesExpired prometheus.Counter
	mBlocked       *prometheus.GaugeVec
	mPassDelay     prometheus.Gauge
}

// New returns a new unstarted Scheduler.
//
// Any given queue and pool should not be used by more than one
// scheduler at a time.
func New(ctx context.Context, queue JobQueue, pool WorkerPool, reg *prometheus.Registry, clk clock.Clock, minPollInterval, pollInterval time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if minPollInterval <= 0 {
		minPollInterval = defaultMinPollInterval
	}
	if minPollInterval > pollInterval {
		minPollInterval = pollInterval
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = minPollInterval
	bo.MaxInterval = pollInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Clock = clk
	bo.Reset()
	sch := &Scheduler{
		logger:       ctxlog.FromContext(ctx),
		queue:        queue,
		pool:         pool,
		clock:        clk,
		pollInterval: pollInterval,
		backoff:      bo,
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "scheduler_passes_total",
		Help:      "Number of matching passes, by result (assigned or idle).",
	}, []string{"result"})
	reg.MustRegister(sch.mPasses)
	sch.mAssigned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "slices_assigned_total",
		Help:      "Number of slices assigned to workers.",
	})
	reg.MustRegister(sch.mAssigned)
	sch.mExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "jobs_expired_total",
		Help:      "Number of jobs cancelled because their expiry time passed.",
	})
	reg.MustRegister(sch.mExpired)
	sch.mSlicesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "slices_expired_total",
		Help:      "Number of dispatched slices whose dispatch timeout passed before the worker returned results.",
	})
	reg.MustRegister(sch.mSlicesExpired)
	sch.mBlocked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "jobs_blocked",
		Help:      "Number of queued jobs that could not take a slice in the last pass, by reason.",
	}, []string{"reason"})
	reg.MustRegister(sch.mBlocked)
	sch.mPassDelay = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "scheduler_park_seconds",
		Help:      "Longest time the scheduler will park before its next pass.",
	})
	reg.MustRegister(sch.mPassDelay)
}

// Start starts the scheduler.
func (sch *Scheduler) Start() {
	go sch.runOnce.Do(sch.run)
}

// Stop stops the scheduler. No other method should be called after
// Stop.
func (sch *Scheduler) Stop() {
	close(sch.stop)
	<-sch.stopped
}

func (sch *Scheduler) run() {
	defer close(sch.stopped)

	poolNotify := sch.pool.Subscribe()
	defer sch.pool.Unsubscribe(poolNotify)

	queueNotify := sch.queue.Subscribe()
	defer sch.queue.Unsubscribe(queueNotify)

	for {
		assigned, next := sch.runQueue()
		delay := sch.parkDelay(assigned, next, sch.clock.Now())
		sch.mPassDelay.Set(delay.Seconds())
		wakeup := sch.clock.Timer(delay)
		select {
		case <-sch.stop:
			wakeup.Stop()
			return
		case <-queueNotify:
		case <-poolNotify:
		case <-wakeup.C:
		}
		wakeup.Stop()
	}
}

// parkDelay returns how long to wait for a notification before the
// next pass. next is the earliest time a job's pending or expiry time
// arrives (zero if none).
func (sch *Scheduler) parkDelay(assigned int, next, now time.Time) time.Duration {
	var delay time.Duration
	if assigned > 0 {
		sch.backoff.Reset()
		delay = sch.pollInterval
	} else {
		delay = sch.backoff.NextBackOff()
	}
	if !next.IsZero() {
		if until := next.Sub(now); until < delay {
			delay = until
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
