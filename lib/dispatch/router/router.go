// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package router accounts for slices coming back from workers: it
// feeds the connection's bundler, and records, resubmits, or puts
// back each task of the slice.
package router

import (
	"git.taskgrid.org/taskgrid.git/lib/dispatch/bundler"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/wire"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Outcomes, as reported in metrics and logs.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeRequeued    = "requeued"
	OutcomeCancelled   = "cancelled"
	OutcomeInterrupted = "interrupted"
	OutcomeReturned    = "returned"
)

type Router struct {
	logger logrus.FieldLogger
	queue  *queue.Queue
	clock  clock.Clock

	mSlices     *prometheus.CounterVec
	mDuration   prometheus.Histogram
	mTaskErrors prometheus.Counter
}

func New(logger logrus.FieldLogger, reg *prometheus.Registry, q *queue.Queue, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.New()
	}
	rt := &Router{logger: logger, queue: q, clock: clk}
	rt.registerMetrics(reg)
	return rt
}

func (rt *Router) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	rt.mSlices = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "slices_returned_total",
		Help:      "Number of slices settled, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(rt.mSlices)
	rt.mDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "slice_duration_seconds",
		Help:      "Time from dispatch to results, for slices executed by workers.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
	})
	reg.MustRegister(rt.mDuration)
	rt.mTaskErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "task_errors_total",
		Help:      "Number of task results recorded with an execution error.",
	})
	reg.MustRegister(rt.mTaskErrors)
}

// Route settles a slice whose results message has been read.
//
// If the worker reported that it could not execute the slice
// (msg.Header.Error), no feedback is given to the bundler, and each
// task is resubmitted, or (once it has been resubmitted as many times
// as the job allows) recorded as failed. Otherwise, the elapsed time
// is fed to the bundler and the results are recorded, unless the
// job's requeue flag is set, in which case the job is suspended and
// the whole slice is put back.
//
// Results of slices interrupted by a cancel are discarded.
func (rt *Router) Route(s *queue.Slice, msg *wire.Message, local *bundler.Local) string {
	elapsed := rt.clock.Since(s.Dispatched)
	hdr := &msg.Header
	executed := hdr.Error == ""
	if executed {
		local.Feedback(len(s.Tasks), elapsed)
		rt.mDuration.Observe(elapsed.Seconds())
	}
	// Without explicit positions, results are in slice order.
	results := make([]grid.Result, 0, len(msg.Tasks))
	for i, payload := range msg.Tasks {
		var pos int
		if hdr.Positions != nil {
			pos = hdr.Positions[i]
		} else if i < len(s.Tasks) {
			pos = s.Tasks[i].Position
		} else {
			break
		}
		results = append(results, grid.Result{Position: pos, Payload: payload, Error: hdr.TaskErrors[pos]})
	}

	outcome := OutcomeReturned
	settled := rt.queue.Settle(s, func(tx *queue.Tx) {
		j := s.Job
		switch {
		case tx.Interrupted(s):
			outcome = OutcomeInterrupted
		case tx.Cancelled(j):
			if executed {
				tx.Record(s, results)
			}
			outcome = OutcomeCancelled
		case tx.SLA(j).Requeue:
			tx.Suspend(j)
			tx.PutBack(s, s.Positions())
			outcome = OutcomeRequeued
		case !executed:
			maxResubmits := tx.MaxTaskResubmits(j)
			var again []int
			var failed []grid.Result
			for _, pos := range s.Positions() {
				if tx.Resubmits(j, pos) < maxResubmits {
					again = append(again, pos)
				} else {
					failed = append(failed, grid.Result{Position: pos, Error: hdr.Error})
				}
			}
			tx.Resubmit(s, again)
			rt.mTaskErrors.Add(float64(tx.Record(s, failed)))
			outcome = OutcomeError
		default:
			for _, r := range results {
				if r.Error != "" {
					rt.mTaskErrors.Inc()
				}
			}
			tx.Record(s, results)
			outcome = OutcomeOK
		}
	})
	if !settled {
		return ""
	}
	rt.mSlices.WithLabelValues(outcome).Inc()
	logger := rt.logger.WithFields(logrus.Fields{
		"JobUUID":    s.Job.UUID,
		"SliceID":    s.ID,
		"WorkerUUID": s.WorkerUUID,
		"Tasks":      len(s.Tasks),
		"Elapsed":    elapsed,
		"Outcome":    outcome,
	})
	if executed {
		logger.Debug("slice returned")
	} else {
		logger.WithField("WorkerError", hdr.Error).Info("worker could not execute slice")
	}
	return outcome
}

// Return puts all of a slice's tasks back in the queue, e.g., because
// its worker disconnected.
func (rt *Router) Return(s *queue.Slice) {
	if rt.queue.ReturnSlice(s) {
		rt.mSlices.WithLabelValues(OutcomeReturned).Inc()
		rt.logger.WithFields(logrus.Fields{
			"JobUUID":    s.Job.UUID,
			"SliceID":    s.ID,
			"WorkerUUID": s.WorkerUUID,
			"Tasks":      len(s.Tasks),
		}).Info("slice returned to queue")
	}
}
