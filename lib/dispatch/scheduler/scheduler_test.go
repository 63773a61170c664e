// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/bundler"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/events"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/router"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/test"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/worker"
	"git.taskgrid.org/taskgrid.git/lib/stubworker"
	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SchedulerSuite{})

type SchedulerSuite struct {
	clock   clock.Clock
	lbcfg   grid.LoadBalancingConfig
	emitter *emitterStub
	queue   *queue.Queue
	pool    *worker.Pool
	sch     *Scheduler
	holds   []*test.Hold
}

type emitterStub struct {
	sync.Mutex
	events []events.Event
}

func (e *emitterStub) Emit(ev events.Event) {
	e.Lock()
	defer e.Unlock()
	e.events = append(e.events, ev)
}

// dispatched returns the DISPATCHED events for the given job.
func (e *emitterStub) dispatched(jobUUID string) []events.Event {
	e.Lock()
	defer e.Unlock()
	var evs []events.Event
	for _, ev := range e.events {
		if ev.Kind == events.KindDispatched && ev.JobUUID == jobUUID {
			evs = append(evs, ev)
		}
	}
	return evs
}

func (s *SchedulerSuite) SetUpTest(c *check.C) {
	s.clock = nil
	s.lbcfg = grid.LoadBalancingConfig{Algorithm: "fixed", Size: 2}
	s.emitter = &emitterStub{}
	s.sch = nil
	s.pool = nil
	s.holds = nil
}

func (s *SchedulerSuite) TearDownTest(c *check.C) {
	for _, h := range s.holds {
		h.Release()
	}
	if s.sch != nil {
		s.sch.Stop()
	}
	if s.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Check(s.pool.Stop(ctx), check.IsNil)
	}
}

func (s *SchedulerSuite) start(c *check.C) {
	logger := ctxlog.TestLogger(c)
	reg := prometheus.NewRegistry()
	s.queue = queue.NewQueue(logger, reg, s.clock, s.emitter, 1)
	b, err := bundler.New(s.lbcfg)
	c.Assert(err, check.IsNil)
	rt := router.New(logger, reg, s.queue, s.clock)
	s.pool = worker.NewPool(logger, reg, "zzzzz-drv00-000000000000000", grid.DispatchConfig{SendConcurrency: 4}, bundler.NewTemplate(b), rt, nil)
	ctx := ctxlog.Context(context.Background(), logger)
	s.sch = New(ctx, s.queue, s.pool, reg, s.clock, time.Millisecond, 100*time.Millisecond)
	s.sch.Start()
}

func (s *SchedulerSuite) connect(c *check.C, uuid string, exec stubworker.ExecuteFunc) *test.StubWorker {
	return test.StartStubWorker(s.pool, &stubworker.Worker{
		UUID:         uuid,
		Capabilities: grid.Capabilities{"os": "linux"},
		Execute:      exec,
		Logger:       ctxlog.TestLogger(c),
	})
}

func (s *SchedulerSuite) hold() *test.Hold {
	h := &test.Hold{}
	s.holds = append(s.holds, h)
	return h
}

func (s *SchedulerSuite) enqueue(c *check.C, ntasks int, sla grid.JobSLA, listener queue.Listener) *queue.Job {
	j := queue.NewJob("", "test", nil, test.Payloads("t", ntasks), sla, nil, listener)
	c.Assert(s.queue.Enqueue(j), check.IsNil)
	return j
}

func (s *SchedulerSuite) waitIdle(c *check.C, n int) {
	waitFor(c, "idle workers", func() bool { return s.pool.IdleCount() == n })
}

func waitFor(c *check.C, what string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func isDone(j *queue.Job) bool {
	select {
	case <-j.Done():
		return true
	default:
		return false
	}
}

// A job limited to one node never has slices executing on two
// workers at once.
func (s *SchedulerSuite) TestMaxNodes(c *check.C) {
	s.lbcfg.Size = 5
	s.start(c)
	var mtx sync.Mutex
	running, peak := 0, 0
	exec := func(ctx context.Context, sl *stubworker.Slice) ([][]byte, map[int]string, error) {
		mtx.Lock()
		running++
		if running > peak {
			peak = running
		}
		mtx.Unlock()
		time.Sleep(time.Millisecond)
		mtx.Lock()
		running--
		mtx.Unlock()
		return sl.Tasks, nil, nil
	}
	s.connect(c, test.WorkerUUID(1), exec)
	s.connect(c, test.WorkerUUID(2), exec)
	s.waitIdle(c, 2)

	j := s.enqueue(c, 50, grid.JobSLA{MaxNodes: 1}, nil)
	waitFor(c, "job done", func() bool {
		c.Check(j.Status().Nodes <= 1, check.Equals, true)
		return isDone(j)
	})
	st := j.Status()
	c.Check(st.Completed, check.Equals, 50)
	mtx.Lock()
	c.Check(peak, check.Equals, 1)
	mtx.Unlock()
	c.Check(s.emitter.dispatched(j.UUID), check.HasLen, 10)
}

// Cancelling a job while one of its two slices is still out delivers
// a full-length result set with the outstanding results unset.
func (s *SchedulerSuite) TestCancelWithOutstandingSlice(c *check.C) {
	s.start(c)
	h := s.hold()
	s.connect(c, test.WorkerUUID(1), nil)
	s.connect(c, test.WorkerUUID(2), h.Execute)
	s.waitIdle(c, 2)

	ended := make(chan grid.JobStatus, 1)
	j := s.enqueue(c, 4, grid.JobSLA{}, queue.ListenerFuncs{
		Ended: func(st grid.JobStatus) { ended <- st },
	})
	held := h.Wait()
	c.Check(held.Tasks, check.HasLen, 2)
	waitFor(c, "fast slice", func() bool { return j.Status().Completed == 2 })

	_, err := s.queue.Cancel(j.UUID, false)
	c.Assert(err, check.IsNil)
	st := <-ended
	c.Check(st.State, check.Equals, grid.JobStateCancelled)
	c.Assert(st.Results, check.HasLen, 4)
	unset := 0
	for _, r := range st.Results {
		if !r.Set {
			unset++
		}
	}
	c.Check(unset, check.Equals, 2)

	// The outstanding slice is still accepted when it returns.
	h.Release()
	waitFor(c, "late results", func() bool { return j.Status().Completed == 4 })
	c.Check(j.Status().State, check.Equals, grid.JobStateCancelled)
}

// A suspended job is skipped until it is resumed.
func (s *SchedulerSuite) TestSuspended(c *check.C) {
	s.start(c)
	s.connect(c, test.WorkerUUID(1), nil)
	s.waitIdle(c, 1)

	suspended := s.enqueue(c, 6, grid.JobSLA{Suspended: true, Priority: 10}, nil)
	other := s.enqueue(c, 6, grid.JobSLA{}, nil)
	<-other.Done()
	time.Sleep(20 * time.Millisecond)
	remaining, inFlight, _, _ := suspended.Counts()
	c.Check(remaining, check.Equals, 6)
	c.Check(inFlight, check.Equals, 0)
	c.Check(s.emitter.dispatched(suspended.UUID), check.HasLen, 0)
	c.Check(testutil.ToFloat64(s.sch.mBlocked.WithLabelValues("suspended")), check.Equals, 1.0)

	c.Assert(s.queue.Suspend(suspended.UUID, false), check.IsNil)
	waitFor(c, "resumed job done", func() bool { return isDone(suspended) })
	c.Check(suspended.Status().Completed, check.Equals, 6)
}

func (s *SchedulerSuite) TestPriority(c *check.C) {
	s.lbcfg.Size = 1
	s.start(c)
	h := s.hold()
	low := s.enqueue(c, 1, grid.JobSLA{Priority: 1}, nil)
	high := s.enqueue(c, 1, grid.JobSLA{Priority: 5}, nil)
	s.connect(c, test.WorkerUUID(1), h.Execute)
	sl := h.Wait()
	c.Check(sl.JobUUID, check.Equals, high.UUID)
	h.Release()
	waitFor(c, "both done", func() bool { return isDone(low) && isDone(high) })
}

func (s *SchedulerSuite) TestPendingUntil(c *check.C) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.clock = mock
	s.start(c)
	s.connect(c, test.WorkerUUID(1), nil)
	s.waitIdle(c, 1)
	pendingUntil := mock.Now().Add(time.Minute)
	j := s.enqueue(c, 4, grid.JobSLA{PendingUntil: pendingUntil}, nil)
	time.Sleep(20 * time.Millisecond)
	c.Check(s.emitter.dispatched(j.UUID), check.HasLen, 0)
	waitFor(c, "job done", func() bool {
		if isDone(j) {
			return true
		}
		mock.Add(5 * time.Second)
		return false
	})
	evs := s.emitter.dispatched(j.UUID)
	c.Assert(evs, check.Not(check.HasLen), 0)
	c.Check(evs[0].Time.Before(pendingUntil), check.Equals, false)
}

func (s *SchedulerSuite) TestExpiry(c *check.C) {
	mock := clock.NewMock()
	s.clock = mock
	s.start(c)
	ended := make(chan grid.JobStatus, 1)
	j := s.enqueue(c, 3, grid.JobSLA{ExpiresAt: mock.Now().Add(time.Minute)}, queue.ListenerFuncs{
		Ended: func(st grid.JobStatus) { ended <- st },
	})
	waitFor(c, "job expired", func() bool {
		if isDone(j) {
			return true
		}
		mock.Add(5 * time.Second)
		return false
	})
	st := <-ended
	c.Check(st.State, check.Equals, grid.JobStateCancelled)
	c.Check(st.Dropped, check.Equals, 3)
	c.Check(testutil.ToFloat64(s.sch.mExpired), check.Equals, 1.0)
}

// A slice held past its dispatch timeout is cancelled on the worker
// and re-dispatched, until the job's expiration limit is reached and
// its tasks fail.
func (s *SchedulerSuite) TestDispatchTimeout(c *check.C) {
	mock := clock.NewMock()
	s.clock = mock
	s.start(c)
	h := s.hold()
	s.connect(c, test.WorkerUUID(1), h.Execute)
	s.waitIdle(c, 1)

	ended := make(chan grid.JobStatus, 1)
	j := s.enqueue(c, 2, grid.JobSLA{
		DispatchTimeout:        grid.Duration(time.Minute),
		MaxDispatchExpirations: 1,
	}, queue.ListenerFuncs{
		Ended: func(st grid.JobStatus) { ended <- st },
	})
	first := h.Wait()
	c.Check(first.Tasks, check.HasLen, 2)
	waitFor(c, "job done", func() bool {
		if isDone(j) {
			return true
		}
		mock.Add(5 * time.Second)
		return false
	})
	st := <-ended
	c.Check(st.State, check.Equals, grid.JobStateComplete)
	c.Assert(st.Results, check.HasLen, 2)
	for _, r := range st.Results {
		c.Check(r.Error, check.Equals, queue.ErrDispatchExpired.Error())
	}
	c.Check(s.emitter.dispatched(j.UUID), check.HasLen, 2)
	c.Check(testutil.ToFloat64(s.sch.mSlicesExpired), check.Equals, 2.0)
	// The worker is still usable.
	s.waitIdle(c, 1)
}

// Workers come and go while a job runs. Every task is completed
// exactly once, and the task count is conserved throughout.
func (s *SchedulerSuite) TestChurn(c *check.C) {
	s.lbcfg.Size = 3
	s.start(c)
	exec := func(ctx context.Context, sl *stubworker.Slice) ([][]byte, map[int]string, error) {
		select {
		case <-time.After(time.Duration(rand.Intn(3)) * time.Millisecond):
		case <-ctx.Done():
		}
		return sl.Tasks, nil, nil
	}
	next := 0
	for ; next < 4; next++ {
		s.connect(c, test.WorkerUUID(next), exec)
	}
	j := s.enqueue(c, 200, grid.JobSLA{}, nil)
	waitFor(c, "job done", func() bool {
		remaining, inFlight, completed, submitted := j.Counts()
		c.Assert(remaining+inFlight+completed, check.Equals, submitted)
		if isDone(j) {
			return true
		}
		if workers := s.pool.Workers(); len(workers) > 0 && rand.Intn(4) == 0 {
			s.pool.Kill(workers[rand.Intn(len(workers))].UUID)
			s.connect(c, test.WorkerUUID(next), exec)
			next++
		}
		return false
	})
	st := j.Status()
	c.Check(st.Completed, check.Equals, 200)
	for i, r := range st.Results {
		c.Check(r.Set, check.Equals, true)
		c.Check(string(r.Payload), check.Equals, string(test.Payloads("t", 200)[i]))
	}
}

func (s *SchedulerSuite) TestParkDelay(c *check.C) {
	sch := New(context.Background(), nil, nil, nil, clock.NewMock(), 10*time.Millisecond, 100*time.Millisecond)
	now := time.Now()
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, sch.parkDelay(0, time.Time{}, now))
	}
	c.Check(got, check.DeepEquals, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
	})
	c.Check(sch.parkDelay(1, time.Time{}, now), check.Equals, 100*time.Millisecond)
	c.Check(sch.parkDelay(0, time.Time{}, now), check.Equals, 10*time.Millisecond)
	c.Check(sch.parkDelay(0, now.Add(5*time.Millisecond), now), check.Equals, 5*time.Millisecond)
	c.Check(sch.parkDelay(0, now.Add(-time.Second), now), check.Equals, time.Duration(0))
}
