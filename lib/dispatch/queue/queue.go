// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package queue holds submitted jobs and keeps track of where each of
// their tasks is: waiting in the queue, in flight on a worker, or
// completed.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/events"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrDuplicate = errors.New("job already exists")
	ErrEnded     = errors.New("job has already ended")

	// Recorded as the result of a task whose slice reached the
	// job's DispatchTimeout too many times.
	ErrDispatchExpired = errors.New("dispatch expired")
)

// A Queue holds jobs that have not ended yet, in dispatch order:
// higher priority first, then earlier arrival first.
//
// The queue lock is held only while job state is read or modified,
// never during network I/O or listener calls.
type Queue struct {
	logger           logrus.FieldLogger
	clock            clock.Clock
	emitter          events.Emitter
	defaultResubmits int

	mtx         sync.Mutex
	jobs        []*Job
	byUUID      map[string]*Job
	nextSeq     uint64
	queuedTasks int
	flightTasks int

	// active notification subscribers (see Subscribe)
	subscribers map[<-chan struct{}]chan struct{}

	mJobs            prometheus.Gauge
	mTasks           *prometheus.GaugeVec
	mSlices          prometheus.Counter
	mTasksRequeued   prometheus.Counter
	mTasksResubmit   prometheus.Counter
	mJobsEnded       *prometheus.CounterVec
	mSliceDispatched prometheus.Histogram
}

// NewQueue returns a new Queue. Lifecycle events are sent to emitter
// (if not nil). defaultResubmits is used for jobs whose SLA has a
// negative MaxTaskResubmits.
func NewQueue(logger logrus.FieldLogger, reg *prometheus.Registry, clk clock.Clock, emitter events.Emitter, defaultResubmits int) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{
		logger:           logger,
		clock:            clk,
		emitter:          emitter,
		defaultResubmits: defaultResubmits,
		byUUID:           map[string]*Job{},
		subscribers:      map[<-chan struct{}]chan struct{}{},
	}
	q.registerMetrics(reg)
	return q
}

func (q *Queue) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	q.mJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "queued_jobs",
		Help:      "Number of jobs that have not ended.",
	})
	reg.MustRegister(q.mJobs)
	q.mTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "tasks",
		Help:      "Number of tasks of live jobs, by state (queued or in_flight).",
	}, []string{"state"})
	reg.MustRegister(q.mTasks)
	q.mSlices = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "slices_dispatched_total",
		Help:      "Number of slices cut from queued jobs.",
	})
	reg.MustRegister(q.mSlices)
	q.mTasksRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "tasks_requeued_total",
		Help:      "Number of dispatched tasks put back in the queue without a result.",
	})
	reg.MustRegister(q.mTasksRequeued)
	q.mTasksResubmit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "tasks_resubmitted_total",
		Help:      "Number of tasks put back in the queue after a worker execution error.",
	})
	reg.MustRegister(q.mTasksResubmit)
	q.mJobsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "jobs_ended_total",
		Help:      "Number of jobs ended, by final state.",
	}, []string{"state"})
	reg.MustRegister(q.mJobsEnded)
	q.mSliceDispatched = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "slice_size",
		Help:      "Number of tasks in dispatched slices.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	reg.MustRegister(q.mSliceDispatched)
}

// Caller must have lock.
func (q *Queue) updateMetrics() {
	q.mJobs.Set(float64(len(q.jobs)))
	q.mTasks.WithLabelValues("queued").Set(float64(q.queuedTasks))
	q.mTasks.WithLabelValues("in_flight").Set(float64(q.flightTasks))
}

// Subscribe returns a channel that becomes ready to receive when
// there might be new work to dispatch: a job was added or resumed,
// or tasks were put back in the queue.
//
//	ch := q.Subscribe()
//	defer q.Unsubscribe(ch)
//	for range ch {
//		// ...
//	}
func (q *Queue) Subscribe() <-chan struct{} {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ch := make(chan struct{}, 1)
	q.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel. See
// Subscribe.
func (q *Queue) Unsubscribe(ch <-chan struct{}) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.subscribers, ch)
}

// Caller must have lock.
func (q *Queue) notify() {
	for _, ch := range q.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Enqueue adds a job. A job with no tasks completes immediately.
func (q *Queue) Enqueue(j *Job) error {
	q.mtx.Lock()
	if j.queue != nil {
		q.mtx.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, j.UUID)
	}
	if _, dup := q.byUUID[j.UUID]; dup {
		q.mtx.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, j.UUID)
	}
	tx := q.newTx()
	j.queue = q
	j.seq = q.nextSeq
	q.nextSeq++
	j.queuedAt = tx.now
	q.insert(j)
	q.byUUID[j.UUID] = j
	q.queuedTasks += len(j.remaining)
	tx.emit(j, events.KindQueued, "", len(j.tasks))
	q.logger.WithFields(logrus.Fields{
		"JobUUID":  j.UUID,
		"JobName":  j.Name,
		"Tasks":    len(j.tasks),
		"Priority": j.sla.Priority,
	}).Info("job queued")
	tx.checkDone(j)
	tx.notify = true
	q.commit(tx)
	return nil
}

// Caller must have lock.
func (q *Queue) insert(j *Job) {
	i := sort.Search(len(q.jobs), func(i int) bool { return before(j, q.jobs[i]) })
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = j
}

// Caller must have lock.
func (q *Queue) remove(j *Job) bool {
	for i, qj := range q.jobs {
		if qj == j {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// before returns true if a should be dispatched before b.
func before(a, b *Job) bool {
	if a.sla.Priority != b.sla.Priority {
		return a.sla.Priority > b.sla.Priority
	}
	return a.seq < b.seq
}

// Empty returns true if no jobs are queued.
func (q *Queue) Empty() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.jobs) == 0
}

// QueuedTasks returns the number of tasks waiting to be dispatched,
// over all jobs.
func (q *Queue) QueuedTasks() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.queuedTasks
}

// Get returns the queued job with the given UUID.
func (q *Queue) Get(uuid string) (*Job, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	j, ok := q.byUUID[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return j, nil
}

// Jobs returns status snapshots (without results) of all queued
// jobs, in dispatch order.
func (q *Queue) Jobs() []grid.JobStatus {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	sts := make([]grid.JobStatus, len(q.jobs))
	for i, j := range q.jobs {
		sts[i] = j.status(false)
	}
	return sts
}

// Iterate calls visit for each queued job in dispatch order, with the
// queue locked, until visit returns false. Jobs cancelled or
// completed during the iteration are skipped.
//
// visit must not call Queue or Job methods other than those of the
// given Tx. Listener calls resulting from changes made through the
// Tx are made after the lock is released.
func (q *Queue) Iterate(visit func(tx *Tx, j *Job) bool) {
	q.mtx.Lock()
	tx := q.newTx()
	for _, j := range append([]*Job(nil), q.jobs...) {
		if j.ended() {
			continue
		}
		if !visit(tx, j) {
			break
		}
	}
	q.commit(tx)
}

// Remove removes the job from the queue without notifying its
// listener. Slices already in flight may still be settled.
func (q *Queue) Remove(uuid string) error {
	q.mtx.Lock()
	j, ok := q.byUUID[uuid]
	if !ok {
		q.mtx.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	tx := q.newTx()
	tx.end(j, grid.JobStateCancelled, false)
	q.commit(tx)
	return nil
}

// Cancel ends the job. Its listener is called with the results
// received so far; remaining tasks are never dispatched.
//
// Without interrupt, slices already in flight still have their
// results recorded when they return (without further listener
// calls). With interrupt, their results are discarded, and the
// in-flight slices are returned so the caller can ask the workers to
// stop working on them.
func (q *Queue) Cancel(uuid string, interrupt bool) ([]*Slice, error) {
	q.mtx.Lock()
	j, ok := q.byUUID[uuid]
	if !ok {
		q.mtx.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	tx := q.newTx()
	slices := tx.Cancel(j, interrupt)
	q.commit(tx)
	return slices, nil
}

// UpdateSLA applies update to the job's SLA. Changes take effect on
// the next dispatch decision; slices already in flight are not
// affected.
func (q *Queue) UpdateSLA(uuid string, update func(*grid.JobSLA)) (grid.JobStatus, error) {
	q.mtx.Lock()
	j, ok := q.byUUID[uuid]
	if !ok {
		q.mtx.Unlock()
		return grid.JobStatus{}, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	tx := q.newTx()
	oldPriority := j.sla.Priority
	wasSuspended := j.sla.Suspended
	update(&j.sla)
	if j.sla.Priority != oldPriority {
		q.remove(j)
		q.insert(j)
	}
	if wasSuspended && !j.sla.Suspended {
		j.sla.Requeue = false
	}
	tx.emit(j, events.KindUpdated, "", 0)
	tx.notify = true
	st := j.status(false)
	q.commit(tx)
	return st, nil
}

// UpdatePriority changes the job's priority, and its place in the
// dispatch order.
func (q *Queue) UpdatePriority(uuid string, priority int) error {
	_, err := q.UpdateSLA(uuid, func(sla *grid.JobSLA) { sla.Priority = priority })
	return err
}

// Suspend stops (or, if suspend is false, resumes) dispatching the
// job. Resuming clears the SLA's requeue flag.
func (q *Queue) Suspend(uuid string, suspend bool) error {
	_, err := q.UpdateSLA(uuid, func(sla *grid.JobSLA) { sla.Suspended = suspend })
	return err
}

// Requeue sets the job's requeue flag: each slice in flight is put
// back in the queue when it returns, and the job is suspended.
func (q *Queue) Requeue(uuid string) error {
	_, err := q.UpdateSLA(uuid, func(sla *grid.JobSLA) { sla.Requeue = true })
	return err
}

// Settle finalizes a slice that has returned (or failed). fn decides,
// with the queue locked, what becomes of each of the slice's tasks,
// by calling tx.Record, tx.PutBack, and tx.Resubmit. Tasks left
// undecided by fn are put back in the queue. fn may be nil.
//
// Settle returns false, without calling fn, if the slice was already
// settled.
func (q *Queue) Settle(s *Slice, fn func(tx *Tx)) bool {
	q.mtx.Lock()
	if s.settled {
		q.mtx.Unlock()
		return false
	}
	tx := q.newTx()
	tx.settle(s, fn)
	q.commit(tx)
	return true
}

// ReturnSlice puts all of the slice's tasks back in the queue, e.g.,
// because the worker holding it disconnected. It returns false if
// the slice was already settled.
func (q *Queue) ReturnSlice(s *Slice) bool {
	return q.Settle(s, nil)
}

// Caller must have lock.
func (q *Queue) newTx() *Tx {
	return &Tx{q: q, now: q.clock.Now(), touched: map[*Job]bool{}}
}

// commit releases the lock (which the caller must have) and
// delivers the listener calls queued during tx.
func (q *Queue) commit(tx *Tx) {
	if tx.notify {
		q.notify()
	}
	q.updateMetrics()
	q.mtx.Unlock()
	for j := range tx.touched {
		q.flush(j)
	}
}

// flush makes the job's pending listener calls, in order. If another
// goroutine is already doing that, flush returns immediately and the
// other goroutine delivers the calls instead.
func (q *Queue) flush(j *Job) {
	q.mtx.Lock()
	if j.flushing {
		q.mtx.Unlock()
		return
	}
	j.flushing = true
	for len(j.pending) > 0 {
		fns := j.pending
		j.pending = nil
		q.mtx.Unlock()
		for _, fn := range fns {
			fn()
		}
		q.mtx.Lock()
	}
	j.flushing = false
	q.mtx.Unlock()
}
