// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package grid

import (
	"time"
)

// A Task is the smallest unit of executable work. Position is the
// task's index in its job, and identifies the matching Result.
type Task struct {
	Position int    `json:"position"`
	Payload  []byte `json:"payload"`
}

// A Result is the outcome of one task. A result whose Set field is
// false has not been returned by any worker (e.g., the job was
// cancelled first).
type Result struct {
	Position int    `json:"position"`
	Set      bool   `json:"set"`
	Payload  []byte `json:"payload,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Capabilities describe a worker: OS, number of processors, custom
// labels, etc. Placement policies are evaluated against them.
type Capabilities map[string]string

// JobSLA holds the per-job scheduling constraints.
type JobSLA struct {
	// Jobs with higher priority are dispatched first.
	Priority int `json:"priority"`
	// Maximum number of workers holding a slice of the job at
	// the same time. Zero means unlimited.
	MaxNodes int `json:"max_nodes"`
	// Suspended jobs stay queued but are not dispatched.
	Suspended bool `json:"suspended"`
	// The job is not dispatched before this time.
	PendingUntil time.Time `json:"pending_until,omitempty"`
	// A job still queued at this time is cancelled.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// Upper bound on slice size, regardless of load balancing.
	// Zero means unlimited.
	MaxDispatchSize int `json:"max_dispatch_size"`
	// A slice still out this long after it was dispatched is
	// cancelled on its worker, and its tasks go back in the
	// queue. Zero means no limit.
	DispatchTimeout Duration `json:"dispatch_timeout,omitempty"`
	// Number of times a task may go back in the queue because
	// its slice reached DispatchTimeout. After that, the task is
	// recorded as failed.
	MaxDispatchExpirations int `json:"max_dispatch_expirations"`
	// Number of times a task is put back in the queue after a
	// worker reports an execution error. Negative means use the
	// driver's default.
	MaxTaskResubmits int `json:"max_task_resubmits"`
	// Set by an administrator to have in-flight slices put back
	// in the queue (and the job suspended) when they return.
	Requeue bool `json:"requeue"`
	// Workers whose capabilities are rejected by the policy are
	// not eligible. Nil accepts all workers.
	Policy *Policy `json:"policy,omitempty"`
	// Report each slice's results to the listener as they
	// arrive, instead of only the full result set at the end.
	Streaming bool `json:"streaming"`
}

// JobState is a job's externally visible lifecycle state.
type JobState string

const (
	JobStateQueued    = JobState("Queued")
	JobStateRunning   = JobState("Running")
	JobStateComplete  = JobState("Complete")
	JobStateCancelled = JobState("Cancelled")
)

// JobStatus is a snapshot of a job's progress, as reported by the
// management API and lifecycle events.
type JobStatus struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	State     JobState  `json:"state"`
	SLA       JobSLA    `json:"sla"`
	Path      []string  `json:"path,omitempty"`
	Submitted int       `json:"submitted"`
	Remaining int       `json:"remaining"`
	InFlight  int       `json:"in_flight"`
	Completed int       `json:"completed"`
	Dropped   int       `json:"dropped"`
	Nodes     int       `json:"nodes"`
	QueuedAt  time.Time `json:"queued_at"`
	Results   []Result  `json:"results,omitempty"`
}
