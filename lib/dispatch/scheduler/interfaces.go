// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/worker"
)

// A JobQueue is a set of jobs whose tasks need to be dispatched.
// Implemented by queue.Queue.
type JobQueue interface {
	Iterate(visit func(tx *queue.Tx, j *queue.Job) bool)
	Empty() bool
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// A WorkerPool is a set of worker connections that can be assigned
// slices. Implemented by worker.Pool.
type WorkerPool interface {
	IdleCount() int
	Assign(accept func(worker.Candidate) bool, prepare func(worker.Candidate) *queue.Slice) *worker.Assignment
	Start(*worker.Assignment)
	Interrupt([]*queue.Slice)
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}
