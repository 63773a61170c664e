// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/worker"
	"github.com/sirupsen/logrus"
)

// runQueue makes one matching pass. It returns the number of slices
// assigned, and the earliest future time at which a job's pending or
// expiry time or slice dispatch deadline arrives (zero if there is
// none).
func (sch *Scheduler) runQueue() (assigned int, next time.Time) {
	if sch.queue.Empty() {
		sch.mPasses.WithLabelValues("idle").Inc()
		sch.mBlocked.Reset()
		return 0, time.Time{}
	}
	idle := sch.pool.IdleCount()
	blocked := map[string]int{}
	var todo []*worker.Assignment
	var expired []*queue.Slice
	jobs := 0
	sch.queue.Iterate(func(tx *queue.Tx, j *queue.Job) bool {
		jobs++
		sla := tx.SLA(j)
		if tx.Expired(j) {
			sch.logger.WithFields(logrus.Fields{
				"JobUUID":   j.UUID,
				"ExpiresAt": sla.ExpiresAt,
			}).Info("job expired, cancelling")
			tx.Cancel(j, false)
			sch.mExpired.Inc()
			return true
		}
		if !sla.ExpiresAt.IsZero() {
			next = earliest(next, sla.ExpiresAt)
		}
		overdue, due := tx.Overdue(j)
		for _, s := range overdue {
			failed := tx.ExpireSlice(s)
			sch.logger.WithFields(logrus.Fields{
				"JobUUID":    j.UUID,
				"SliceID":    s.ID,
				"WorkerUUID": s.WorkerUUID,
				"Tasks":      len(s.Tasks),
				"Failed":     failed,
			}).Info("slice dispatch expired")
			sch.mSlicesExpired.Inc()
			expired = append(expired, s)
		}
		if !due.IsZero() {
			next = earliest(next, due)
		}
		if tx.Blocked(j) == "ended" {
			return true
		}
		if reason := tx.Blocked(j); reason != "" {
			if reason == "pending" {
				next = earliest(next, sla.PendingUntil)
			}
			blocked[reason]++
			return true
		}
		for len(todo) < idle && tx.Blocked(j) == "" {
			a := sch.pool.Assign(func(cand worker.Candidate) bool {
				return tx.Accepts(j, cand.UUID, cand.Capabilities)
			}, func(cand worker.Candidate) *queue.Slice {
				return tx.NextSlice(j, cand.UUID, cand.NextSize)
			})
			if a == nil {
				break
			}
			sch.logger.WithFields(logrus.Fields{
				"JobUUID":    j.UUID,
				"WorkerUUID": a.WorkerUUID(),
				"SliceID":    a.Slice.ID,
				"Tasks":      len(a.Slice.Tasks),
			}).Debug("assigned slice")
			todo = append(todo, a)
		}
		if tx.Blocked(j) == "" && len(todo) < idle {
			blocked["no acceptable worker"]++
		}
		return true
	})
	// Send after the queue lock is released.
	for _, a := range todo {
		sch.pool.Start(a)
	}
	if len(expired) > 0 {
		sch.pool.Interrupt(expired)
	}

	sch.mBlocked.Reset()
	for reason, n := range blocked {
		sch.mBlocked.WithLabelValues(reason).Set(float64(n))
	}
	sch.mAssigned.Add(float64(len(todo)))
	if len(todo) > 0 {
		sch.mPasses.WithLabelValues("assigned").Inc()
	} else {
		sch.mPasses.WithLabelValues("idle").Inc()
	}
	sch.logger.WithFields(logrus.Fields{
		"Jobs":     jobs,
		"Idle":     idle,
		"Assigned": len(todo),
	}).Debug("runQueue")
	return len(todo), next
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}
