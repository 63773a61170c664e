// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/bundler"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/router"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/test"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/wire"
	"git.taskgrid.org/taskgrid.git/lib/stubworker"
	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

const driverUUID = "zzzzz-drv00-000000000000000"

var _ = check.Suite(&PoolSuite{})

type PoolSuite struct {
	cfg   grid.DispatchConfig
	queue *queue.Queue
	pool  *Pool
	holds []*test.Hold

	mtx         sync.Mutex
	transitions []State
}

func (s *PoolSuite) SetUpTest(c *check.C) {
	s.cfg = grid.DispatchConfig{
		HandshakeTimeout: grid.Duration(time.Second),
		SendConcurrency:  4,
		LoadBalancing: grid.LoadBalancingConfig{
			Algorithm: "fixed",
			Size:      2,
		},
	}
	s.pool = nil
	s.holds = nil
	s.transitions = nil
}

func (s *PoolSuite) TearDownTest(c *check.C) {
	for _, h := range s.holds {
		h.Release()
	}
	if s.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Check(s.pool.Stop(ctx), check.IsNil)
	}
}

// start creates the queue and pool using s.cfg.
func (s *PoolSuite) start(c *check.C) {
	logger := ctxlog.TestLogger(c)
	reg := prometheus.NewRegistry()
	s.queue = queue.NewQueue(logger, reg, nil, nil, 1)
	b, err := bundler.New(s.cfg.LoadBalancing)
	c.Assert(err, check.IsNil)
	rt := router.New(logger, reg, s.queue, nil)
	s.pool = NewPool(logger, reg, driverUUID, s.cfg, bundler.NewTemplate(b), rt, nil)
	s.pool.onTransition = func(uuid string, from, to State) {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		if !from.CanTransition(to) {
			c.Errorf("illegal transition %s -> %s", from, to)
		}
		s.transitions = append(s.transitions, to)
	}
}

func (s *PoolSuite) hold() *test.Hold {
	h := &test.Hold{}
	s.holds = append(s.holds, h)
	return h
}

func (s *PoolSuite) connect(c *check.C, uuid string, exec stubworker.ExecuteFunc) *test.StubWorker {
	return test.StartStubWorker(s.pool, &stubworker.Worker{
		UUID:         uuid,
		Capabilities: grid.Capabilities{"os": "linux"},
		Execute:      exec,
		Logger:       ctxlog.TestLogger(c),
	})
}

func (s *PoolSuite) enqueue(c *check.C, ntasks int, sla grid.JobSLA) *queue.Job {
	j := queue.NewJob("", "test", []byte("jobdata"), test.Payloads("t", ntasks), sla, nil, nil)
	c.Assert(s.queue.Enqueue(j), check.IsNil)
	return j
}

// match assigns slices to idle workers the way the scheduler does,
// and starts sending them.
func (s *PoolSuite) match() int {
	var todo []*Assignment
	s.queue.Iterate(func(tx *queue.Tx, j *queue.Job) bool {
		for tx.Blocked(j) == "" {
			a := s.pool.Assign(func(cand Candidate) bool {
				return tx.Accepts(j, cand.UUID, cand.Capabilities)
			}, func(cand Candidate) *queue.Slice {
				return tx.NextSlice(j, cand.UUID, cand.NextSize)
			})
			if a == nil {
				break
			}
			todo = append(todo, a)
		}
		return true
	})
	for _, a := range todo {
		s.pool.Start(a)
	}
	return len(todo)
}

// runUntil keeps matching until done is closed.
func (s *PoolSuite) runUntil(c *check.C, done <-chan struct{}) {
	notify := s.pool.Subscribe()
	defer s.pool.Unsubscribe(notify)
	qnotify := s.queue.Subscribe()
	defer s.queue.Unsubscribe(qnotify)
	timeout := time.After(10 * time.Second)
	for {
		s.match()
		select {
		case <-done:
			return
		case <-notify:
		case <-qnotify:
		case <-timeout:
			c.Fatal("timed out")
		}
	}
}

func waitFor(c *check.C, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *PoolSuite) waitIdle(c *check.C, n int) {
	waitFor(c, fmt.Sprintf("%d idle workers", n), func() bool { return s.pool.IdleCount() == n })
}

func (s *PoolSuite) TestDispatchAndCollect(c *check.C) {
	s.start(c)
	for i := 0; i < 3; i++ {
		s.connect(c, test.WorkerUUID(i), nil)
	}
	s.waitIdle(c, 3)
	c.Check(s.pool.CountWorkers()[StateIdle], check.Equals, 3)

	j := s.enqueue(c, 30, grid.JobSLA{})
	s.runUntil(c, j.Done())
	st := j.Status()
	c.Check(st.State, check.Equals, grid.JobStateComplete)
	c.Check(st.Completed, check.Equals, 30)
	for i, r := range st.Results {
		c.Check(r.Set, check.Equals, true)
		c.Check(string(r.Payload), check.Equals, fmt.Sprintf("t%d", i))
	}
	s.waitIdle(c, 3)
	total := 0
	for _, v := range s.pool.Workers() {
		c.Check(v.State, check.Equals, "idle")
		c.Check(v.SliceSize, check.Equals, 2)
		c.Check(v.Capabilities["os"], check.Equals, "linux")
		total += v.Slices
	}
	c.Check(total, check.Equals, 15)
	c.Check(testutil.ToFloat64(s.pool.mBytes.WithLabelValues("received")), check.Not(check.Equals), 0.0)
	c.Check(testutil.ToFloat64(s.pool.mHandshakes.WithLabelValues("ok")), check.Equals, 3.0)
}

func (s *PoolSuite) TestTransitions(c *check.C) {
	s.start(c)
	s.connect(c, test.WorkerUUID(1), nil)
	s.waitIdle(c, 1)
	j := s.enqueue(c, 2, grid.JobSLA{})
	s.runUntil(c, j.Done())
	s.waitIdle(c, 1)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	c.Check(s.transitions, check.DeepEquals, []State{
		StateAwaitHandshake,
		StateIdle,
		StateSending,
		StateAwaitingResults,
		StateIdle,
	})
}

func (s *PoolSuite) TestAssign(c *check.C) {
	s.start(c)
	for i := 0; i < 4; i++ {
		s.connect(c, test.WorkerUUID(i), s.hold().Execute)
	}
	s.waitIdle(c, 4)
	// Workers are picked at random. If prepare declines, the
	// worker stays idle.
	offered := map[string]int{}
	for i := 0; i < 200; i++ {
		a := s.pool.Assign(func(Candidate) bool { return true }, func(cand Candidate) *queue.Slice {
			offered[cand.UUID]++
			return nil
		})
		c.Check(a, check.IsNil)
	}
	c.Check(offered, check.HasLen, 4)
	// Assign with no acceptable worker leaves the idle set alone.
	c.Check(s.pool.Assign(func(Candidate) bool { return false }, nil), check.IsNil)
	c.Check(s.pool.IdleCount(), check.Equals, 4)

	picked := map[string]int{}
	j := s.enqueue(c, 4, grid.JobSLA{MaxDispatchSize: 1})
	for i := 0; i < 4; i++ {
		var a *Assignment
		s.queue.Iterate(func(tx *queue.Tx, qj *queue.Job) bool {
			a = s.pool.Assign(func(cand Candidate) bool {
				return tx.Accepts(qj, cand.UUID, cand.Capabilities)
			}, func(cand Candidate) *queue.Slice {
				return tx.NextSlice(qj, cand.UUID, cand.NextSize)
			})
			return false
		})
		c.Assert(a, check.NotNil)
		picked[a.WorkerUUID()]++
		c.Check(a.Slice.Tasks, check.HasLen, 1)
		c.Check(a.Slice.Job, check.Equals, j)
		s.pool.Start(a)
	}
	// Each worker can hold only one slice.
	c.Check(picked, check.HasLen, 4)
	c.Check(s.pool.IdleCount(), check.Equals, 0)
	c.Check(s.match(), check.Equals, 0)
}

func (s *PoolSuite) TestCapabilityPolicy(c *check.C) {
	s.start(c)
	s.connect(c, test.WorkerUUID(1), nil)
	s.waitIdle(c, 1)
	policy := &grid.Policy{Equal: &grid.Comparison{Name: "os", Value: "windows"}}
	j := s.enqueue(c, 2, grid.JobSLA{Policy: policy})
	c.Check(s.match(), check.Equals, 0)
	remaining, _, _, _ := j.Counts()
	c.Check(remaining, check.Equals, 2)
}

// A worker that disconnects while holding a slice has all of the
// slice's tasks returned to the queue.
func (s *PoolSuite) TestDisconnectReturnsSlice(c *check.C) {
	s.cfg.LoadBalancing.Size = 10
	s.start(c)
	h := s.hold()
	sw := s.connect(c, test.WorkerUUID(1), h.Execute)
	s.waitIdle(c, 1)
	j := s.enqueue(c, 10, grid.JobSLA{})
	c.Check(s.match(), check.Equals, 1)
	got := h.Wait()
	c.Check(got.Tasks, check.HasLen, 10)
	c.Check(got.Path, check.DeepEquals, []string{driverUUID})
	c.Check(string(got.Data), check.Equals, "jobdata")
	remaining, inFlight, _, _ := j.Counts()
	c.Check(remaining, check.Equals, 0)
	c.Check(inFlight, check.Equals, 10)

	sw.Disconnect()
	waitFor(c, "slice returned", func() bool {
		remaining, inFlight, _, _ := j.Counts()
		return remaining == 10 && inFlight == 0
	})
	waitFor(c, "worker removed", func() bool { return len(s.pool.Workers()) == 0 })
	c.Check(j.Status().State, check.Equals, grid.JobStateQueued)

	// Another worker picks up the returned tasks.
	s.connect(c, test.WorkerUUID(2), nil)
	s.waitIdle(c, 1)
	s.runUntil(c, j.Done())
	c.Check(j.Status().Completed, check.Equals, 10)
}

// A slice assigned to a worker that turns out to be in the job's
// routing path is put back without being sent.
func (s *PoolSuite) TestBounceRoutingPath(c *check.C) {
	s.start(c)
	s.connect(c, test.WorkerUUID(1), nil)
	s.waitIdle(c, 1)
	j := s.enqueue(c, 3, grid.JobSLA{})
	var a *Assignment
	s.queue.Iterate(func(tx *queue.Tx, qj *queue.Job) bool {
		a = s.pool.Assign(func(Candidate) bool { return true }, func(cand Candidate) *queue.Slice {
			return tx.NextSlice(qj, cand.UUID, cand.NextSize)
		})
		return false
	})
	c.Assert(a, check.NotNil)
	j.Path = []string{test.WorkerUUID(1)}
	s.pool.Start(a)
	waitFor(c, "slice bounced", func() bool {
		remaining, inFlight, _, _ := j.Counts()
		return remaining == 3 && inFlight == 0 && s.pool.IdleCount() == 1
	})
	c.Check(testutil.ToFloat64(s.pool.mBounced), check.Equals, 1.0)
	c.Check(s.pool.Workers()[0].Slices, check.Equals, 0)
}

func (s *PoolSuite) TestKill(c *check.C) {
	s.start(c)
	sw := s.connect(c, test.WorkerUUID(1), nil)
	s.waitIdle(c, 1)
	c.Check(s.pool.Kill("zzzzz-wkr00-nonexistent"), check.NotNil)
	c.Check(s.pool.Kill(test.WorkerUUID(1)), check.IsNil)
	c.Check(s.pool.Workers(), check.HasLen, 0)
	c.Check(s.pool.IdleCount(), check.Equals, 0)
	c.Check(sw.Wait(), check.IsNil)
}

func (s *PoolSuite) TestInterrupt(c *check.C) {
	s.cfg.LoadBalancing.Size = 4
	s.start(c)
	h := s.hold()
	s.connect(c, test.WorkerUUID(1), h.Execute)
	s.waitIdle(c, 1)
	j := s.enqueue(c, 4, grid.JobSLA{})
	c.Check(s.match(), check.Equals, 1)
	h.Wait()
	slices, err := s.queue.Cancel(j.UUID, true)
	c.Assert(err, check.IsNil)
	c.Assert(slices, check.HasLen, 1)
	<-j.Done()
	s.pool.Interrupt(slices)
	s.waitIdle(c, 1)
	waitFor(c, "slice settled", func() bool {
		_, inFlight, _, _ := j.Counts()
		return inFlight == 0
	})
	st := j.Status()
	c.Check(st.State, check.Equals, grid.JobStateCancelled)
	c.Check(st.Completed, check.Equals, 0)
	c.Check(st.Remaining, check.Equals, 4)
	c.Check(st.Dropped, check.Equals, 4)
}

func (s *PoolSuite) TestStopReturnsSlices(c *check.C) {
	s.cfg.LoadBalancing.Size = 5
	s.start(c)
	h := s.hold()
	s.connect(c, test.WorkerUUID(1), h.Execute)
	s.waitIdle(c, 1)
	j := s.enqueue(c, 5, grid.JobSLA{})
	c.Check(s.match(), check.Equals, 1)
	h.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Check(s.pool.Stop(ctx), check.IsNil)
	remaining, inFlight, _, _ := j.Counts()
	c.Check(remaining, check.Equals, 5)
	c.Check(inFlight, check.Equals, 0)
	c.Check(s.pool.Serve(nopListener{}), check.Equals, ErrClosed)
}

func (s *PoolSuite) TestServeTCP(c *check.C) {
	s.start(c)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	served := make(chan error, 1)
	go func() { served <- s.pool.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	c.Assert(err, check.IsNil)
	w := &stubworker.Worker{UUID: test.WorkerUUID(1), Logger: ctxlog.TestLogger(c)}
	go w.Run(context.Background(), conn)
	s.waitIdle(c, 1)
	j := s.enqueue(c, 6, grid.JobSLA{})
	s.runUntil(c, j.Done())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Check(s.pool.Stop(ctx), check.IsNil)
	c.Check(<-served, check.IsNil)
}

// rawWorker connects to the pool and returns the worker side of the
// connection, after reading the driver's handshake.
func (s *PoolSuite) rawWorker(c *check.C) (*wire.Reader, *wire.Writer, net.Conn) {
	server, client := net.Pipe()
	go s.pool.Connect(server)
	rdr := wire.NewReader(client, 0)
	msg, err := rdr.ReadMessage()
	c.Assert(err, check.IsNil)
	c.Check(msg.Header.Kind, check.Equals, wire.KindHandshake)
	c.Check(msg.Header.UUID, check.Equals, driverUUID)
	return rdr, wire.NewWriter(client, 0), client
}

func (s *PoolSuite) TestBadHandshake(c *check.C) {
	s.start(c)
	for _, trial := range []wire.Header{
		{Kind: wire.KindResults, UUID: test.WorkerUUID(1)},
		{Kind: wire.KindHandshake},
		{Kind: wire.KindHandshake, UUID: driverUUID},
	} {
		rdr, wtr, conn := s.rawWorker(c)
		c.Check(wtr.WriteMessage(&wire.Message{Header: trial}), check.IsNil)
		_, err := rdr.ReadMessage()
		c.Check(err, check.Equals, io.EOF)
		conn.Close()
	}
	waitFor(c, "failed handshakes", func() bool {
		return testutil.ToFloat64(s.pool.mHandshakes.WithLabelValues("fail")) == 3
	})
	c.Check(s.pool.Workers(), check.HasLen, 0)
}

func (s *PoolSuite) TestDuplicateWorkerUUID(c *check.C) {
	s.start(c)
	s.connect(c, test.WorkerUUID(1), nil)
	s.waitIdle(c, 1)
	dup := s.connect(c, test.WorkerUUID(1), nil)
	c.Check(dup.Wait(), check.IsNil)
	c.Check(s.pool.Workers(), check.HasLen, 1)
	c.Check(s.pool.IdleCount(), check.Equals, 1)
}

func (s *PoolSuite) TestUnexpectedMessage(c *check.C) {
	s.start(c)
	rdr, wtr, conn := s.rawWorker(c)
	defer conn.Close()
	c.Assert(wtr.WriteMessage(&wire.Message{Header: wire.Header{
		Kind: wire.KindHandshake,
		UUID: test.WorkerUUID(1),
	}}), check.IsNil)
	s.waitIdle(c, 1)
	c.Assert(wtr.WriteMessage(&wire.Message{Header: wire.Header{
		Kind:    wire.KindResults,
		UUID:    test.WorkerUUID(1),
		SliceID: "bogus",
	}}), check.IsNil)
	_, err := rdr.ReadMessage()
	c.Check(err, check.Equals, io.EOF)
	waitFor(c, "worker removed", func() bool { return len(s.pool.Workers()) == 0 })
	c.Check(testutil.ToFloat64(s.pool.mProtocolErrors), check.Equals, 1.0)
}

func (s *PoolSuite) TestWrongSliceID(c *check.C) {
	s.start(c)
	rdr, wtr, conn := s.rawWorker(c)
	defer conn.Close()
	c.Assert(wtr.WriteMessage(&wire.Message{Header: wire.Header{
		Kind: wire.KindHandshake,
		UUID: test.WorkerUUID(1),
	}}), check.IsNil)
	s.waitIdle(c, 1)
	j := s.enqueue(c, 2, grid.JobSLA{})
	c.Check(s.match(), check.Equals, 1)
	msg, err := rdr.ReadMessage()
	c.Assert(err, check.IsNil)
	c.Check(msg.Header.Kind, check.Equals, wire.KindDispatch)
	c.Check(msg.Header.Positions, check.DeepEquals, []int{0, 1})
	c.Assert(wtr.WriteMessage(&wire.Message{Header: wire.Header{
		Kind:    wire.KindResults,
		UUID:    test.WorkerUUID(1),
		SliceID: "not-" + msg.Header.SliceID,
	}, Tasks: msg.Tasks}), check.IsNil)
	waitFor(c, "slice returned", func() bool {
		remaining, inFlight, _, _ := j.Counts()
		return remaining == 2 && inFlight == 0
	})
	c.Check(j.Status().Completed, check.Equals, 0)
	c.Check(testutil.ToFloat64(s.pool.mProtocolErrors), check.Equals, 1.0)
}

// A slice that can't be framed within the size limit is reported as
// an execution error, and the worker stays connected.
func (s *PoolSuite) TestOversizeSlice(c *check.C) {
	s.cfg.MaxFrameSize = 1024
	s.start(c)
	s.connect(c, test.WorkerUUID(1), nil)
	s.waitIdle(c, 1)
	j := queue.NewJob("", "big", nil, [][]byte{bytes.Repeat([]byte{'x'}, 4096), []byte("small")}, grid.JobSLA{MaxDispatchSize: 1}, nil, nil)
	c.Assert(s.queue.Enqueue(j), check.IsNil)
	s.runUntil(c, j.Done())
	st := j.Status()
	c.Check(st.Results[0].Set, check.Equals, true)
	c.Check(st.Results[0].Error, check.Matches, `.*frame exceeds maximum size.*`)
	c.Check(string(st.Results[1].Payload), check.Equals, "small")
	s.waitIdle(c, 1)
	c.Check(s.pool.Workers(), check.HasLen, 1)
}

// A worker that stops reading its connection is disconnected when
// SendTimeout expires, so it can't hold up sends to other workers.
// Its slice goes back in the queue.
func (s *PoolSuite) TestStalledWorkerSend(c *check.C) {
	s.cfg.SendConcurrency = 1
	s.cfg.SendTimeout = grid.Duration(200 * time.Millisecond)
	s.start(c)
	_, wtr, conn := s.rawWorker(c)
	defer conn.Close()
	c.Assert(wtr.WriteMessage(&wire.Message{Header: wire.Header{
		Kind: wire.KindHandshake,
		UUID: test.WorkerUUID(1),
	}}), check.IsNil)
	s.waitIdle(c, 1)
	stalled := s.enqueue(c, 2, grid.JobSLA{})
	c.Check(s.match(), check.Equals, 1)

	s.connect(c, test.WorkerUUID(2), nil)
	s.waitIdle(c, 1)
	j := s.enqueue(c, 4, grid.JobSLA{})
	s.runUntil(c, j.Done())
	c.Check(j.Status().Completed, check.Equals, 4)

	s.runUntil(c, stalled.Done())
	st := stalled.Status()
	c.Check(st.Completed, check.Equals, 2)
	c.Check(st.Results[0].Set, check.Equals, true)
	views := s.pool.Workers()
	c.Assert(views, check.HasLen, 1)
	c.Check(views[0].UUID, check.Equals, test.WorkerUUID(2))
	c.Check(testutil.ToFloat64(s.pool.mSendTimeouts), check.Equals, 1.0)
}

type nopListener struct{}

func (nopListener) Accept() (net.Conn, error) { return nil, io.EOF }
func (nopListener) Close() error              { return nil }
func (nopListener) Addr() net.Addr            { return &net.TCPAddr{} }
