// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"sort"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/events"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// A Tx gives access to job state while the queue is locked (see
// Iterate and Settle). It must not be used after the func it was
// passed to returns.
type Tx struct {
	q       *Queue
	now     time.Time
	touched map[*Job]bool
	notify  bool
}

// Now returns the time the queue was locked.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// SLA returns the job's current SLA.
func (tx *Tx) SLA(j *Job) grid.JobSLA {
	return j.sla
}

// Remaining returns the number of the job's tasks waiting to be
// dispatched.
func (tx *Tx) Remaining(j *Job) int {
	return len(j.remaining)
}

// Nodes returns the number of distinct workers holding slices of the
// job.
func (tx *Tx) Nodes(j *Job) int {
	return len(j.nodes)
}

// Expired returns true if the job's SLA has an expiry time and it
// has passed.
func (tx *Tx) Expired(j *Job) bool {
	return !j.sla.ExpiresAt.IsZero() && !tx.now.Before(j.sla.ExpiresAt)
}

// Blocked returns a short reason the job cannot have a slice
// dispatched now, or "" if it can.
func (tx *Tx) Blocked(j *Job) string {
	switch {
	case j.ended():
		return "ended"
	case j.sla.Suspended:
		return "suspended"
	case tx.now.Before(j.sla.PendingUntil):
		return "pending"
	case tx.Expired(j):
		return "expired"
	case len(j.remaining) == 0:
		return "no tasks remaining"
	case j.sla.MaxNodes > 0 && len(j.nodes) >= j.sla.MaxNodes:
		return "max nodes"
	}
	return ""
}

// Accepts returns true if a slice of the job may be sent to the given
// worker: the worker is not in the job's routing path, taking a
// slice would not exceed the job's MaxNodes, and the worker's
// capabilities satisfy the job's placement policy. A policy that
// fails to evaluate rejects the worker.
func (tx *Tx) Accepts(j *Job, workerUUID string, caps grid.Capabilities) bool {
	if !tx.placeable(j, workerUUID) {
		return false
	}
	ok, err := j.sla.Policy.Accepts(caps)
	if err != nil {
		tx.q.logger.WithFields(logrus.Fields{
			"JobUUID":    j.UUID,
			"WorkerUUID": workerUUID,
		}).WithError(err).Debug("placement policy error, worker rejected")
		return false
	}
	return ok
}

func (tx *Tx) placeable(j *Job, workerUUID string) bool {
	if j.InPath(workerUUID) {
		return false
	}
	if j.sla.MaxNodes > 0 && j.nodes[workerUUID] == 0 && len(j.nodes) >= j.sla.MaxNodes {
		return false
	}
	return true
}

// NextSlice cuts a slice off the front of the job's remaining tasks
// and assigns it to the given worker. nextSize is called with the
// largest acceptable size (the remaining task count, capped by the
// SLA's MaxDispatchSize); its result is clamped to [1, limit].
//
// NextSlice returns nil if the job is blocked, or if assigning a
// slice to the worker would violate the job's routing path or
// MaxNodes constraints.
func (tx *Tx) NextSlice(j *Job, workerUUID string, nextSize func(limit int) int) *Slice {
	if tx.Blocked(j) != "" || !tx.placeable(j, workerUUID) {
		return nil
	}
	limit := len(j.remaining)
	if mds := j.sla.MaxDispatchSize; mds > 0 && mds < limit {
		limit = mds
	}
	n := nextSize(limit)
	if n < 1 {
		n = 1
	} else if n > limit {
		n = limit
	}
	s := &Slice{
		ID:         uuid.NewString(),
		Job:        j,
		Tasks:      make([]grid.Task, n),
		WorkerUUID: workerUUID,
		Dispatched: tx.now,
	}
	for i, pos := range j.remaining[:n] {
		s.Tasks[i] = j.tasks[pos]
	}
	j.remaining = j.remaining[n:]
	j.inFlight[s] = struct{}{}
	j.nodes[workerUUID]++
	q := tx.q
	q.queuedTasks -= n
	q.flightTasks += n
	q.mSlices.Inc()
	q.mSliceDispatched.Observe(float64(n))
	tx.emit(j, events.KindDispatched, workerUUID, n)
	return s
}

// Cancel ends the job (see Queue.Cancel).
func (tx *Tx) Cancel(j *Job, interrupt bool) []*Slice {
	if j.ended() {
		return nil
	}
	var slices []*Slice
	if interrupt {
		for s := range j.inFlight {
			s.interrupted = true
			slices = append(slices, s)
		}
	}
	tx.end(j, grid.JobStateCancelled, true)
	return slices
}

// Cancelled returns true if the job was cancelled.
func (tx *Tx) Cancelled(j *Job) bool {
	return j.state == grid.JobStateCancelled
}

// Interrupted returns true if the slice's job was cancelled with
// interrupt while the slice was in flight.
func (tx *Tx) Interrupted(s *Slice) bool {
	return s.interrupted
}

// MaxTaskResubmits returns the number of times each of the job's
// tasks may be resubmitted after an execution error.
func (tx *Tx) MaxTaskResubmits(j *Job) int {
	if j.sla.MaxTaskResubmits < 0 {
		return tx.q.defaultResubmits
	}
	return j.sla.MaxTaskResubmits
}

// Resubmits returns the number of times the task at the given
// position has been resubmitted.
func (tx *Tx) Resubmits(j *Job, pos int) int {
	return j.resubmits[pos]
}

// Record records results for tasks of the slice (being settled).
// Results for positions that are not part of the slice, or were
// already decided, are ignored. It returns the number of results
// recorded.
func (tx *Tx) Record(s *Slice, results []grid.Result) int {
	j := s.Job
	var recorded []grid.Result
	for _, r := range results {
		if !s.open[r.Position] {
			continue
		}
		delete(s.open, r.Position)
		r.Set = true
		j.results[r.Position] = r
		j.completed++
		recorded = append(recorded, r)
	}
	if len(recorded) > 0 && j.sla.Streaming && !j.ended() {
		listener, jobUUID := j.listener, j.UUID
		tx.later(j, func() { listener.ResultsReturned(jobUUID, recorded) })
	}
	return len(recorded)
}

// PutBack returns tasks of the slice (being settled) to the front of
// the job's queue, in slice order. Positions that are not part of
// the slice, or were already decided, are ignored. It returns the
// number of tasks put back.
func (tx *Tx) PutBack(s *Slice, positions []int) int {
	want := make(map[int]bool, len(positions))
	for _, pos := range positions {
		want[pos] = true
	}
	var back []int
	for _, t := range s.Tasks {
		if want[t.Position] && s.open[t.Position] {
			delete(s.open, t.Position)
			back = append(back, t.Position)
		}
	}
	if len(back) == 0 {
		return 0
	}
	j := s.Job
	j.remaining = append(back, j.remaining...)
	tx.q.mTasksRequeued.Add(float64(len(back)))
	if !j.ended() {
		tx.q.queuedTasks += len(back)
		tx.notify = true
	}
	return len(back)
}

// Resubmit is like PutBack, but also counts a resubmission of each
// task put back.
func (tx *Tx) Resubmit(s *Slice, positions []int) int {
	var counted []int
	for _, pos := range positions {
		if s.open[pos] {
			counted = append(counted, pos)
		}
	}
	n := tx.PutBack(s, counted)
	for _, pos := range counted {
		s.Job.resubmits[pos]++
	}
	tx.q.mTasksResubmit.Add(float64(n))
	return n
}

// Overdue returns the job's in-flight slices that were dispatched at
// least DispatchTimeout ago, oldest first, and the time at which the
// next of the others will be overdue (zero if there is none, or the
// job has no DispatchTimeout).
func (tx *Tx) Overdue(j *Job) (overdue []*Slice, next time.Time) {
	timeout := j.sla.DispatchTimeout.Duration()
	if timeout <= 0 {
		return nil, time.Time{}
	}
	for s := range j.inFlight {
		deadline := s.Dispatched.Add(timeout)
		if !tx.now.Before(deadline) {
			overdue = append(overdue, s)
		} else if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	sort.Slice(overdue, func(a, b int) bool {
		return overdue[a].Dispatched.Before(overdue[b].Dispatched)
	})
	return overdue, next
}

// ExpireSlice settles an overdue slice without waiting for its
// results, which are discarded if they arrive later. Each task goes
// back in the queue, unless it has already expired
// MaxDispatchExpirations times, in which case it is recorded as
// failed with ErrDispatchExpired. ExpireSlice returns the number of
// tasks recorded as failed.
func (tx *Tx) ExpireSlice(s *Slice) int {
	if s.settled {
		return 0
	}
	failed := 0
	tx.settle(s, func(tx *Tx) {
		j := s.Job
		var again []int
		var results []grid.Result
		for _, pos := range s.Positions() {
			if j.expired[pos] < j.sla.MaxDispatchExpirations {
				j.expired[pos]++
				again = append(again, pos)
			} else {
				results = append(results, grid.Result{Position: pos, Error: ErrDispatchExpired.Error()})
			}
		}
		tx.PutBack(s, again)
		failed = tx.Record(s, results)
	})
	return failed
}

// Suspend sets the job's Suspended flag.
func (tx *Tx) Suspend(j *Job) {
	if j.sla.Suspended {
		return
	}
	j.sla.Suspended = true
	tx.emit(j, events.KindUpdated, "", 0)
}

// later queues fn to be called, in order with the job's other
// pending calls, after the lock is released.
func (tx *Tx) later(j *Job, fn func()) {
	j.pending = append(j.pending, fn)
	tx.touched[j] = true
}

func (tx *Tx) emit(j *Job, kind events.Kind, workerUUID string, tasks int) {
	emitter := tx.q.emitter
	if emitter == nil {
		return
	}
	ev := events.Event{
		Kind:       kind,
		Time:       tx.now,
		JobUUID:    j.UUID,
		JobName:    j.Name,
		WorkerUUID: workerUUID,
		Tasks:      tasks,
		Remaining:  len(j.remaining),
		InFlight:   j.inFlightTasks(),
		Completed:  j.completed,
	}
	tx.later(j, func() { emitter.Emit(ev) })
}

// settle finalizes s (see Queue.Settle).
func (tx *Tx) settle(s *Slice, fn func(tx *Tx)) {
	q, j := tx.q, s.Job
	s.settled = true
	s.open = make(map[int]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		s.open[t.Position] = true
	}
	delete(j.inFlight, s)
	if j.nodes[s.WorkerUUID]--; j.nodes[s.WorkerUUID] <= 0 {
		delete(j.nodes, s.WorkerUUID)
	}
	q.flightTasks -= len(s.Tasks)
	if fn != nil {
		fn(tx)
	}
	tx.PutBack(s, s.Positions())
	tx.emit(j, events.KindReturned, s.WorkerUUID, len(s.Tasks))
	tx.checkDone(j)
}

func (tx *Tx) checkDone(j *Job) {
	if !j.ended() && len(j.remaining) == 0 && len(j.inFlight) == 0 {
		tx.end(j, grid.JobStateComplete, true)
	}
}

func (tx *Tx) end(j *Job, state grid.JobState, notifyListener bool) {
	if j.ended() {
		return
	}
	q := tx.q
	j.state = state
	q.remove(j)
	delete(q.byUUID, j.UUID)
	q.queuedTasks -= len(j.remaining)
	q.mJobsEnded.WithLabelValues(string(state)).Inc()
	st := j.status(true)
	tx.emit(j, events.KindEnded, "", 0)
	listener, done := j.listener, j.done
	tx.later(j, func() {
		if notifyListener {
			listener.JobEnded(st)
		}
		close(done)
	})
	q.logger.WithFields(logrus.Fields{
		"JobUUID":   j.UUID,
		"State":     state,
		"Completed": st.Completed,
		"Remaining": st.Remaining,
		"InFlight":  st.InFlight,
	}).Info("job ended")
}
