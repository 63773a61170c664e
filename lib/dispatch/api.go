// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/events"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/worker"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"git.taskgrid.org/taskgrid.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// maxRequestBody limits the size of a job submission.
const maxRequestBody = 1 << 30

type submitRequest struct {
	UUID  string      `json:"uuid"`
	Name  string      `json:"name"`
	Data  []byte      `json:"data"`
	Tasks [][]byte    `json:"tasks"`
	SLA   grid.JobSLA `json:"sla"`
	Path  []string    `json:"path"`
}

// jobUpdate is the body of a PATCH request. Only the fields present
// are changed.
type jobUpdate struct {
	Priority               *int            `json:"priority"`
	MaxNodes               *int            `json:"max_nodes"`
	PendingUntil           *time.Time      `json:"pending_until"`
	ExpiresAt              *time.Time      `json:"expires_at"`
	MaxDispatchSize        *int            `json:"max_dispatch_size"`
	MaxTaskResubmits       *int            `json:"max_task_resubmits"`
	DispatchTimeout        *grid.Duration  `json:"dispatch_timeout"`
	MaxDispatchExpirations *int            `json:"max_dispatch_expirations"`
	Streaming              *bool           `json:"streaming"`
	Policy                 json.RawMessage `json:"policy"`
}

type loadBalancingResponse struct {
	Config  grid.LoadBalancingConfig `json:"config"`
	Version int64                    `json:"version"`
	Locals  int64                    `json:"locals"`
}

func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

// apiError sends err with a status code chosen by its type.
func (disp *dispatcher) apiError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, worker.ErrNotFound):
		err = httpserver.ErrorWithStatus(err, http.StatusNotFound)
	case errors.Is(err, queue.ErrDuplicate), errors.Is(err, queue.ErrEnded):
		err = httpserver.ErrorWithStatus(err, http.StatusConflict)
	}
	httpserver.WriteError(w, err)
}

// activeJob returns the job with the given UUID, or an error if it
// is unknown or has already ended.
func (disp *dispatcher) activeJob(r *http.Request) (*queue.Job, error) {
	j, st, err := disp.lookup(param(r, "uuid"))
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("%w: %s is %s", queue.ErrEnded, st.UUID, st.State)
	}
	return j, nil
}

// Management API: submit a new job.
func (disp *dispatcher) apiSubmit(w http.ResponseWriter, r *http.Request) {
	req := submitRequest{SLA: grid.JobSLA{MaxTaskResubmits: -1}}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	j, err := disp.submit(req)
	if err != nil {
		if !errors.Is(err, queue.ErrDuplicate) {
			err = httpserver.ErrorWithStatus(err, http.StatusBadRequest)
		}
		disp.apiError(w, err)
		return
	}
	httpserver.Logger(r).WithFields(logrus.Fields{
		"JobUUID": j.UUID,
		"Tasks":   len(req.Tasks),
	}).Info("job submitted")
	st := j.Status()
	st.Results = nil
	httpserver.WriteJSON(w, http.StatusCreated, st)
}

// Management API: all queued jobs, in dispatch order, optionally
// followed by recently ended jobs.
func (disp *dispatcher) apiJobs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []grid.JobStatus `json:"items"`
	}
	resp.Items = disp.queue.Jobs()
	if ok, _ := strconv.ParseBool(r.FormValue("include_ended")); ok {
		disp.mtx.Lock()
		for _, k := range disp.ended.Keys() {
			if v, ok := disp.ended.Peek(k); ok {
				st := v.(grid.JobStatus)
				st.Results = nil
				resp.Items = append(resp.Items, st)
			}
		}
		disp.mtx.Unlock()
	}
	if resp.Items == nil {
		resp.Items = []grid.JobStatus{}
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

// Management API: one job's status, with results unless
// results=false.
func (disp *dispatcher) apiJob(w http.ResponseWriter, r *http.Request) {
	j, st, err := disp.lookup(param(r, "uuid"))
	if err != nil {
		disp.apiError(w, err)
		return
	}
	if j != nil {
		s := j.Status()
		st = &s
	}
	if ok, err := strconv.ParseBool(r.FormValue("results")); err == nil && !ok {
		st.Results = nil
	}
	httpserver.WriteJSON(w, http.StatusOK, st)
}

// Management API: cancel a job. With interrupt=true, workers holding
// slices of the job are asked to stop, and their results are
// discarded.
func (disp *dispatcher) apiJobCancel(w http.ResponseWriter, r *http.Request) {
	j, err := disp.activeJob(r)
	if err != nil {
		disp.apiError(w, err)
		return
	}
	interrupt, _ := strconv.ParseBool(r.FormValue("interrupt"))
	slices, err := disp.queue.Cancel(j.UUID, interrupt)
	if err != nil {
		disp.apiError(w, err)
		return
	}
	if interrupt {
		disp.pool.Interrupt(slices)
	}
	httpserver.Logger(r).WithFields(logrus.Fields{
		"JobUUID":     j.UUID,
		"Interrupt":   interrupt,
		"Interrupted": len(slices),
	}).Info("job cancelled via management API")
	st := j.Status()
	st.Results = nil
	httpserver.WriteJSON(w, http.StatusOK, st)
}

// Management API: stop dispatching a job's tasks.
func (disp *dispatcher) apiJobSuspend(w http.ResponseWriter, r *http.Request) {
	disp.apiJobAction(w, r, func(jobUUID string) error { return disp.queue.Suspend(jobUUID, true) })
}

// Management API: resume dispatching a suspended job.
func (disp *dispatcher) apiJobResume(w http.ResponseWriter, r *http.Request) {
	disp.apiJobAction(w, r, func(jobUUID string) error { return disp.queue.Suspend(jobUUID, false) })
}

// Management API: put a job's in-flight slices back in the queue as
// they return, and suspend the job.
func (disp *dispatcher) apiJobRequeue(w http.ResponseWriter, r *http.Request) {
	disp.apiJobAction(w, r, disp.queue.Requeue)
}

func (disp *dispatcher) apiJobAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	j, err := disp.activeJob(r)
	if err != nil {
		disp.apiError(w, err)
		return
	}
	if err := action(j.UUID); err != nil {
		disp.apiError(w, err)
		return
	}
	st := j.Status()
	st.Results = nil
	httpserver.WriteJSON(w, http.StatusOK, st)
}

// Management API: change a job's priority and scheduling
// constraints.
func (disp *dispatcher) apiJobUpdate(w http.ResponseWriter, r *http.Request) {
	j, err := disp.activeJob(r)
	if err != nil {
		disp.apiError(w, err)
		return
	}
	var upd jobUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&upd); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var policy *grid.Policy
	if len(upd.Policy) > 0 && string(upd.Policy) != "null" {
		policy = &grid.Policy{}
		if err := json.Unmarshal(upd.Policy, policy); err != nil {
			httpserver.Error(w, "error decoding policy: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	st, err := disp.queue.UpdateSLA(j.UUID, func(sla *grid.JobSLA) {
		if upd.Priority != nil {
			sla.Priority = *upd.Priority
		}
		if upd.MaxNodes != nil {
			sla.MaxNodes = *upd.MaxNodes
		}
		if upd.PendingUntil != nil {
			sla.PendingUntil = *upd.PendingUntil
		}
		if upd.ExpiresAt != nil {
			sla.ExpiresAt = *upd.ExpiresAt
		}
		if upd.MaxDispatchSize != nil {
			sla.MaxDispatchSize = *upd.MaxDispatchSize
		}
		if upd.MaxTaskResubmits != nil {
			sla.MaxTaskResubmits = *upd.MaxTaskResubmits
		}
		if upd.DispatchTimeout != nil {
			sla.DispatchTimeout = *upd.DispatchTimeout
		}
		if upd.MaxDispatchExpirations != nil {
			sla.MaxDispatchExpirations = *upd.MaxDispatchExpirations
		}
		if upd.Streaming != nil {
			sla.Streaming = *upd.Streaming
		}
		if len(upd.Policy) > 0 {
			sla.Policy = policy
		}
	})
	if err != nil {
		disp.apiError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, st)
}

// Management API: all connected workers.
func (disp *dispatcher) apiWorkers(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []worker.View `json:"items"`
	}
	resp.Items = disp.pool.Workers()
	if resp.Items == nil {
		resp.Items = []worker.View{}
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

// Management API: disconnect a worker. Its slice, if any, goes back
// in the queue.
func (disp *dispatcher) apiWorkerKill(w http.ResponseWriter, r *http.Request) {
	id := param(r, "uuid")
	if err := disp.pool.Kill(id); err != nil {
		disp.apiError(w, err)
		return
	}
	httpserver.Logger(r).WithField("WorkerUUID", id).Info("worker killed via management API")
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"uuid": id})
}

// Management API: lifecycle events with sequence numbers greater
// than since. Only available in polling mode.
func (disp *dispatcher) apiEvents(w http.ResponseWriter, r *http.Request) {
	if mode := disp.notifier.Mode(); mode != events.ModePolling {
		httpserver.Error(w, fmt.Sprintf("event polling is not available in %q mode", mode), http.StatusNotFound)
		return
	}
	var since uint64
	if s := r.FormValue("since"); s != "" {
		var err error
		since, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			httpserver.Error(w, "invalid since parameter: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	var resp struct {
		Items []events.Event `json:"items"`
	}
	resp.Items = disp.notifier.Poll(since)
	if resp.Items == nil {
		resp.Items = []events.Event{}
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

// Management API: current bundler template.
func (disp *dispatcher) apiLoadBalancing(w http.ResponseWriter, r *http.Request) {
	disp.mtx.Lock()
	resp := loadBalancingResponse{
		Config:  disp.lb,
		Version: disp.tmpl.Version(),
		Locals:  disp.tmpl.Locals(),
	}
	disp.mtx.Unlock()
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

// Management API: install a new bundler template.
func (disp *dispatcher) apiSetLoadBalancing(w http.ResponseWriter, r *http.Request) {
	var lb grid.LoadBalancingConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&lb); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if lb.Alpha < 0 || lb.Alpha > 1 {
		httpserver.Error(w, "Alpha must be between 0 and 1", http.StatusBadRequest)
		return
	}
	version, err := disp.setLoadBalancing(lb)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, loadBalancingResponse{
		Config:  lb,
		Version: version,
		Locals:  disp.tmpl.Locals(),
	})
}
