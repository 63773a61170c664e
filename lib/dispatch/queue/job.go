// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"time"

	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/google/uuid"
)

// A Listener is notified of a job's progress.
//
// Calls for a given job are made one at a time, in the order the
// corresponding transitions happened, and never while the queue is
// locked (so a Listener may call Queue methods).
type Listener interface {
	// ResultsReturned is called with each batch of results as it
	// is recorded, if the job's SLA has Streaming set.
	ResultsReturned(jobUUID string, results []grid.Result)
	// JobEnded is called once, when the job completes or is
	// cancelled. The status includes the full result set, with
	// one entry per submitted task.
	JobEnded(status grid.JobStatus)
}

// ListenerFuncs is a Listener made of (possibly nil) funcs.
type ListenerFuncs struct {
	Returned func(jobUUID string, results []grid.Result)
	Ended    func(status grid.JobStatus)
}

func (lf ListenerFuncs) ResultsReturned(jobUUID string, results []grid.Result) {
	if lf.Returned != nil {
		lf.Returned(jobUUID, results)
	}
}

func (lf ListenerFuncs) JobEnded(status grid.JobStatus) {
	if lf.Ended != nil {
		lf.Ended(status)
	}
}

// A Job is a set of independent tasks submitted together, with the
// scheduling constraints (SLA) that apply to all of them.
//
// Apart from the identifying fields, a Job's state belongs to the
// Queue it was added to, and is read through Status or a Tx.
type Job struct {
	UUID string
	Name string
	// Job-scoped data sent along with every slice.
	Data []byte
	// Identities of the drivers/workers the job has already
	// passed through. A slice is never sent to a worker whose
	// UUID is listed here.
	Path []string

	listener Listener
	queue    *Queue

	// Everything below is guarded by queue.mtx.
	sla       grid.JobSLA
	tasks     []grid.Task
	remaining []int // positions, in dispatch order
	inFlight  map[*Slice]struct{}
	nodes     map[string]int // worker UUID => slices held
	results   []grid.Result
	completed int
	resubmits map[int]int
	expired   map[int]int // position => dispatch expirations
	state     grid.JobState
	seq       uint64
	queuedAt  time.Time

	pending  []func() // listener/emitter calls not yet delivered
	flushing bool
	done     chan struct{}
}

// NewJob returns a Job, ready to be added to a Queue. Task positions
// are assigned by order. If jobUUID is empty, a random one is
// generated.
func NewJob(jobUUID, name string, data []byte, payloads [][]byte, sla grid.JobSLA, path []string, listener Listener) *Job {
	if jobUUID == "" {
		jobUUID = uuid.NewString()
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	j := &Job{
		UUID:      jobUUID,
		Name:      name,
		Data:      data,
		Path:      append([]string(nil), path...),
		listener:  listener,
		sla:       sla,
		tasks:     make([]grid.Task, len(payloads)),
		remaining: make([]int, len(payloads)),
		inFlight:  map[*Slice]struct{}{},
		nodes:     map[string]int{},
		results:   make([]grid.Result, len(payloads)),
		resubmits: map[int]int{},
		expired:   map[int]int{},
		state:     grid.JobStateQueued,
		done:      make(chan struct{}),
	}
	for i, p := range payloads {
		j.tasks[i] = grid.Task{Position: i, Payload: p}
		j.remaining[i] = i
		j.results[i] = grid.Result{Position: i}
	}
	return j
}

// Done returns a channel that is closed after the job has ended and
// its listener's JobEnded call has returned.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// InPath returns true if the given UUID is in the job's routing path.
func (j *Job) InPath(id string) bool {
	for _, p := range j.Path {
		if p == id {
			return true
		}
	}
	return false
}

// Status returns a snapshot of the job's progress, including a copy
// of the result set.
func (j *Job) Status() grid.JobStatus {
	j.queue.mtx.Lock()
	defer j.queue.mtx.Unlock()
	return j.status(true)
}

// Counts returns the job's task accounting. At any moment,
// remaining+inFlight+completed == submitted.
func (j *Job) Counts() (remaining, inFlight, completed, submitted int) {
	j.queue.mtx.Lock()
	defer j.queue.mtx.Unlock()
	return len(j.remaining), j.inFlightTasks(), j.completed, len(j.tasks)
}

// Caller must have lock.
func (j *Job) status(withResults bool) grid.JobStatus {
	st := grid.JobStatus{
		UUID:      j.UUID,
		Name:      j.Name,
		State:     j.state,
		SLA:       j.sla,
		Path:      append([]string(nil), j.Path...),
		Submitted: len(j.tasks),
		Remaining: len(j.remaining),
		InFlight:  j.inFlightTasks(),
		Completed: j.completed,
		Nodes:     len(j.nodes),
		QueuedAt:  j.queuedAt,
	}
	if st.State == grid.JobStateQueued && st.InFlight > 0 {
		st.State = grid.JobStateRunning
	}
	if st.State == grid.JobStateCancelled {
		st.Dropped = st.Remaining
	}
	if withResults {
		st.Results = append([]grid.Result(nil), j.results...)
	}
	return st
}

// Caller must have lock.
func (j *Job) inFlightTasks() int {
	n := 0
	for s := range j.inFlight {
		n += len(s.Tasks)
	}
	return n
}

// Caller must have lock.
func (j *Job) ended() bool {
	return j.state == grid.JobStateComplete || j.state == grid.JobStateCancelled
}

// A Slice is a subset of a job's tasks, assigned to one worker.
type Slice struct {
	ID         string
	Job        *Job
	Tasks      []grid.Task
	WorkerUUID string
	Dispatched time.Time

	// guarded by queue.mtx
	settled     bool
	interrupted bool
	open        map[int]bool // positions not yet recorded or put back
}

// Positions returns the job positions of the slice's tasks.
func (s *Slice) Positions() []int {
	pos := make([]int, len(s.Tasks))
	for i, t := range s.Tasks {
		pos[i] = t.Position
	}
	return pos
}
