// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package router

import (
	"fmt"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/bundler"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/wire"
	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RouterSuite{})

type RouterSuite struct {
	clock *clock.Mock
	queue *queue.Queue
	rt    *Router
	local *bundler.Local
	ended []grid.JobStatus
}

func (s *RouterSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.clock = clock.NewMock()
	s.queue = queue.NewQueue(logger, nil, s.clock, nil, 1)
	s.rt = New(logger, nil, s.queue, s.clock)
	b, err := bundler.New(grid.LoadBalancingConfig{
		Algorithm:           "throughput",
		Size:                2,
		Alpha:               1,
		TargetSliceDuration: grid.Duration(10 * time.Second),
	})
	c.Assert(err, check.IsNil)
	s.local = bundler.NewTemplate(b).NewLocal()
	s.ended = nil
}

func (s *RouterSuite) enqueue(c *check.C, ntasks int, sla grid.JobSLA) *queue.Job {
	payloads := make([][]byte, ntasks)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("t%d", i))
	}
	j := queue.NewJob("", "test", nil, payloads, sla, nil, queue.ListenerFuncs{
		Ended: func(st grid.JobStatus) { s.ended = append(s.ended, st) },
	})
	c.Assert(s.queue.Enqueue(j), check.IsNil)
	return j
}

func (s *RouterSuite) slice(c *check.C, j *queue.Job, worker string, size int) *queue.Slice {
	var sl *queue.Slice
	s.queue.Iterate(func(tx *queue.Tx, qj *queue.Job) bool {
		if qj == j {
			sl = tx.NextSlice(j, worker, func(int) int { return size })
		}
		return sl == nil
	})
	c.Assert(sl, check.NotNil)
	return sl
}

// results returns a message echoing the slice's payloads.
func results(sl *queue.Slice) *wire.Message {
	msg := &wire.Message{Header: wire.Header{
		Kind:      wire.KindResults,
		SliceID:   sl.ID,
		Positions: sl.Positions(),
	}}
	for _, t := range sl.Tasks {
		msg.Tasks = append(msg.Tasks, append([]byte("done "), t.Payload...))
	}
	return msg
}

func (s *RouterSuite) TestOK(c *check.C) {
	j := s.enqueue(c, 4, grid.JobSLA{})
	sl := s.slice(c, j, "w1", 4)
	s.clock.Add(2 * time.Second)
	c.Check(s.rt.Route(sl, results(sl), s.local), check.Equals, OutcomeOK)
	// 0.5s per task, target 10s
	c.Check(s.local.NextSize(1000), check.Equals, 20)
	c.Assert(s.ended, check.HasLen, 1)
	c.Check(s.ended[0].State, check.Equals, grid.JobStateComplete)
	c.Check(string(s.ended[0].Results[3].Payload), check.Equals, "done t3")
	c.Check(testutil.ToFloat64(s.rt.mSlices.WithLabelValues(OutcomeOK)), check.Equals, 1.0)

	// Already settled
	c.Check(s.rt.Route(sl, results(sl), s.local), check.Equals, "")
}

func (s *RouterSuite) TestPositionsFromSliceOrder(c *check.C) {
	j := s.enqueue(c, 3, grid.JobSLA{})
	sl := s.slice(c, j, "w1", 3)
	msg := results(sl)
	msg.Header.Positions = nil
	msg.Header.TaskErrors = map[int]string{1: "boom"}
	// Extra results are ignored.
	msg.Tasks = append(msg.Tasks, []byte("extra"))
	c.Check(s.rt.Route(sl, msg, s.local), check.Equals, OutcomeOK)
	c.Assert(s.ended, check.HasLen, 1)
	c.Check(s.ended[0].Results[1].Error, check.Equals, "boom")
	c.Check(s.ended[0].Results[2].Error, check.Equals, "")
	c.Check(testutil.ToFloat64(s.rt.mTaskErrors), check.Equals, 1.0)
}

func (s *RouterSuite) TestPartialResults(c *check.C) {
	j := s.enqueue(c, 4, grid.JobSLA{})
	sl := s.slice(c, j, "w1", 4)
	msg := results(sl)
	msg.Tasks = msg.Tasks[:2]
	msg.Header.Positions = msg.Header.Positions[:2]
	s.rt.Route(sl, msg, s.local)
	remaining, inFlight, completed, _ := j.Counts()
	c.Check(remaining, check.Equals, 2)
	c.Check(inFlight, check.Equals, 0)
	c.Check(completed, check.Equals, 2)
}

func (s *RouterSuite) TestExecutionErrorResubmit(c *check.C) {
	j := s.enqueue(c, 2, grid.JobSLA{MaxTaskResubmits: -1})
	failed := func(sl *queue.Slice) *wire.Message {
		return &wire.Message{Header: wire.Header{Kind: wire.KindResults, SliceID: sl.ID, Error: "class not found"}}
	}
	before := s.local.NextSize(1000)

	sl := s.slice(c, j, "w1", 2)
	s.clock.Add(time.Second)
	c.Check(s.rt.Route(sl, failed(sl), s.local), check.Equals, OutcomeError)
	c.Check(s.local.NextSize(1000), check.Equals, before)
	remaining, _, completed, _ := j.Counts()
	c.Check(remaining, check.Equals, 2)
	c.Check(completed, check.Equals, 0)
	c.Check(s.ended, check.HasLen, 0)

	// Second failure exceeds the default limit of 1 resubmit.
	sl = s.slice(c, j, "w2", 2)
	c.Check(s.rt.Route(sl, failed(sl), s.local), check.Equals, OutcomeError)
	c.Assert(s.ended, check.HasLen, 1)
	st := s.ended[0]
	c.Check(st.State, check.Equals, grid.JobStateComplete)
	for _, r := range st.Results {
		c.Check(r.Set, check.Equals, true)
		c.Check(r.Error, check.Equals, "class not found")
	}
	c.Check(testutil.ToFloat64(s.rt.mTaskErrors), check.Equals, 2.0)
}

func (s *RouterSuite) TestRequeue(c *check.C) {
	j := s.enqueue(c, 4, grid.JobSLA{})
	sl := s.slice(c, j, "w1", 3)
	c.Assert(s.queue.Requeue(j.UUID), check.IsNil)
	c.Check(s.rt.Route(sl, results(sl), s.local), check.Equals, OutcomeRequeued)
	st := j.Status()
	c.Check(st.SLA.Suspended, check.Equals, true)
	c.Check(st.Remaining, check.Equals, 4)
	c.Check(st.Completed, check.Equals, 0)
}

func (s *RouterSuite) TestCancelled(c *check.C) {
	j := s.enqueue(c, 4, grid.JobSLA{})
	sl1 := s.slice(c, j, "w1", 2)
	sl2 := s.slice(c, j, "w2", 2)
	_, err := s.queue.Cancel(j.UUID, false)
	c.Assert(err, check.IsNil)
	c.Check(s.rt.Route(sl1, results(sl1), s.local), check.Equals, OutcomeCancelled)
	c.Check(j.Status().Completed, check.Equals, 2)

	c.Check(s.rt.Route(sl2, results(sl2), s.local), check.Equals, OutcomeCancelled)
	c.Check(j.Status().Completed, check.Equals, 4)
	// The listener saw the results as of the cancel.
	c.Check(s.ended, check.HasLen, 1)
	c.Check(s.ended[0].Completed, check.Equals, 0)
}

func (s *RouterSuite) TestInterrupted(c *check.C) {
	j := s.enqueue(c, 4, grid.JobSLA{})
	sl := s.slice(c, j, "w1", 2)
	slices, err := s.queue.Cancel(j.UUID, true)
	c.Assert(err, check.IsNil)
	c.Check(slices, check.HasLen, 1)
	c.Check(s.rt.Route(sl, results(sl), s.local), check.Equals, OutcomeInterrupted)
	st := j.Status()
	c.Check(st.Completed, check.Equals, 0)
	c.Check(st.Remaining, check.Equals, 4)
}

func (s *RouterSuite) TestReturn(c *check.C) {
	j := s.enqueue(c, 10, grid.JobSLA{})
	sl := s.slice(c, j, "w1", 10)
	s.rt.Return(sl)
	s.rt.Return(sl)
	remaining, inFlight, _, _ := j.Counts()
	c.Check(remaining, check.Equals, 10)
	c.Check(inFlight, check.Equals, 0)
	c.Check(testutil.ToFloat64(s.rt.mSlices.WithLabelValues(OutcomeReturned)), check.Equals, 1.0)
}
