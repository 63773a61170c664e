// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker manages worker connections: the handshake, the
// idle set, and the send / await-results cycle of each connection.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/bundler"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/wire"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/benbjohnson/clock"
	"github.com/jmcvetta/randutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendTimeout      = time.Minute
	defaultSendConcurrency  = 8
)

// A Router settles slices that come back from workers (see package
// router).
type Router interface {
	Route(s *queue.Slice, msg *wire.Message, local *bundler.Local) string
	Return(s *queue.Slice)
}

// A View shows a worker's current state and recent activity.
type View struct {
	UUID           string            `json:"uuid"`
	Address        string            `json:"address"`
	Capabilities   grid.Capabilities `json:"capabilities"`
	State          string            `json:"state"`
	JobUUID        string            `json:"job_uuid,omitempty"`
	SliceID        string            `json:"slice_id,omitempty"`
	SliceSize      int               `json:"slice_size"`
	BundlerVersion int64             `json:"bundler_version"`
	Slices         int               `json:"slices"`
	Connected      time.Time         `json:"connected"`
	LastBusy       time.Time         `json:"last_busy"`
}

// A Candidate is an idle worker being considered for a slice.
type Candidate struct {
	UUID         string
	Capabilities grid.Capabilities
	local        *bundler.Local
}

// NextSize returns the slice size proposed by the worker's bundler.
func (cand Candidate) NextSize(limit int) int {
	return cand.local.NextSize(limit)
}

// An Assignment is a slice assigned to a worker by Assign, waiting
// to be sent by Start.
type Assignment struct {
	Slice *queue.Slice
	wkr   *worker
	done  chan struct{}
}

// WorkerUUID returns the UUID of the assigned worker.
func (a *Assignment) WorkerUUID() string {
	return a.wkr.uuid
}

// Pool is the set of connected workers. A zero Pool should not be
// used. Call NewPool to create a new Pool.
type Pool struct {
	// configuration
	logger           logrus.FieldLogger
	driverUUID       string
	tmpl             *bundler.Template
	router           Router
	exec             *Executor
	clock            clock.Clock
	maxFrameSize     int
	handshakeTimeout time.Duration
	sendTimeout      time.Duration

	// test hook, called with wp.mtx held
	onTransition func(uuid string, from, to State)

	// private state
	mtx         sync.Mutex
	workers     map[string]*worker // registered (handshake complete)
	idle        map[*worker]struct{}
	conns       map[net.Conn]struct{} // all open connections
	listeners   map[net.Listener]struct{}
	subscribers map[<-chan struct{}]chan struct{}
	stopped     bool
	stop        chan struct{}

	mWorkers         *prometheus.GaugeVec
	mBacklog         prometheus.Gauge
	mHandshakes      *prometheus.CounterVec
	mBounced         prometheus.Counter
	mProtocolErrors  prometheus.Counter
	mSendTimeouts    prometheus.Counter
	mBytes           *prometheus.CounterVec
	mBundlerVersions prometheus.Gauge
}

// NewPool returns a Pool that accepts worker connections (see Serve)
// and sends them slices assigned by the caller (see Assign).
func NewPool(logger logrus.FieldLogger, reg *prometheus.Registry, driverUUID string, cfg grid.DispatchConfig, tmpl *bundler.Template, router Router, clk clock.Clock) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	concurrency := cfg.SendConcurrency
	if concurrency < 1 {
		concurrency = defaultSendConcurrency
	}
	wp := &Pool{
		logger:           logger,
		driverUUID:       driverUUID,
		tmpl:             tmpl,
		router:           router,
		exec:             NewExecutor(concurrency),
		clock:            clk,
		maxFrameSize:     int(cfg.MaxFrameSize),
		handshakeTimeout: cfg.HandshakeTimeout.DurationOr(defaultHandshakeTimeout),
		sendTimeout:      cfg.SendTimeout.DurationOr(defaultSendTimeout),
		workers:          map[string]*worker{},
		idle:             map[*worker]struct{}{},
		conns:            map[net.Conn]struct{}{},
		listeners:        map[net.Listener]struct{}{},
		subscribers:      map[<-chan struct{}]chan struct{}{},
		stop:             make(chan struct{}),
	}
	wp.registerMetrics(reg)
	go wp.runMetrics()
	return wp
}

// Subscribe returns a buffered channel that becomes ready after any
// change to the pool's state that could have scheduling implications:
// a worker joins the idle set, a worker disconnects, etc.
//
// Additional events that occur while the channel is already ready
// will be dropped, so it is OK if the caller services the channel
// slowly.
func (wp *Pool) Subscribe() <-chan struct{} {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	ch := make(chan struct{}, 1)
	wp.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (wp *Pool) Unsubscribe(ch <-chan struct{}) {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	delete(wp.subscribers, ch)
}

// Caller must have lock.
func (wp *Pool) notify() {
	for _, send := range wp.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

// Serve accepts worker connections on ln until Stop is called (in
// which case it returns nil) or ln fails.
func (wp *Pool) Serve(ln net.Listener) error {
	wp.mtx.Lock()
	if wp.stopped {
		wp.mtx.Unlock()
		ln.Close()
		return ErrClosed
	}
	wp.listeners[ln] = struct{}{}
	wp.mtx.Unlock()
	wp.logger.WithField("Address", ln.Addr().String()).Info("accepting worker connections")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-wp.stop:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go wp.Connect(conn)
	}
}

// Connect runs the handshake on a new connection, and, if it
// succeeds, adds the worker to the idle set and starts reading its
// messages. It returns after the handshake.
func (wp *Pool) Connect(conn net.Conn) {
	wkr := &worker{
		wp:        wp,
		logger:    wp.logger.WithField("RemoteAddr", conn.RemoteAddr().String()),
		conn:      conn,
		reader:    wire.NewReader(conn, wp.maxFrameSize),
		writer:    wire.NewWriter(conn, wp.maxFrameSize),
		connected: wp.clock.Now(),
		state:     StateSendHandshake,
	}
	wp.mtx.Lock()
	if wp.stopped {
		wp.mtx.Unlock()
		conn.Close()
		return
	}
	wp.conns[conn] = struct{}{}
	wp.mtx.Unlock()

	err := wkr.handshake(wp.handshakeTimeout, wp.driverUUID)
	if err == nil {
		err = wp.register(wkr)
	}
	if err != nil {
		wp.mHandshakes.WithLabelValues("fail").Inc()
		wkr.logger.WithError(err).Warn("handshake failed")
		wkr.fail(err)
		return
	}
	wp.mHandshakes.WithLabelValues("ok").Inc()
	wkr.logger.WithFields(logrus.Fields{
		"Capabilities": wkr.caps,
	}).Info("worker connected")
	go wkr.readLoop()
}

func (wp *Pool) register(wkr *worker) error {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if wp.stopped {
		return ErrClosed
	}
	if _, dup := wp.workers[wkr.uuid]; dup {
		return fmt.Errorf("%w: worker %s is already connected", wire.ErrProtocol, wkr.uuid)
	}
	wkr.logger = wkr.logger.WithField("WorkerUUID", wkr.uuid)
	wkr.local = wp.tmpl.NewLocal()
	wkr.lastBusy = wp.clock.Now()
	wkr.setState(StateIdle)
	wp.workers[wkr.uuid] = wkr
	wp.idle[wkr] = struct{}{}
	wp.notify()
	return nil
}

// IdleCount returns the number of workers in the idle set.
func (wp *Pool) IdleCount() int {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	return len(wp.idle)
}

// Assign picks an idle worker for which accept returns true
// (uniformly at random among all such workers), and calls prepare to
// cut a slice for it. Disconnected workers found in the idle set are
// dropped from it.
//
// If no worker is acceptable, or prepare returns nil, Assign returns
// nil and the idle set is unchanged. Otherwise the worker leaves the
// idle set and holds the slice, and the caller must pass the
// returned Assignment to Start.
//
// accept and prepare are called with the pool locked: they must not
// call Pool methods.
func (wp *Pool) Assign(accept func(Candidate) bool, prepare func(Candidate) *queue.Slice) *Assignment {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	var cands []*worker
	for wkr := range wp.idle {
		if wkr.disconnected.Load() || wkr.state != StateIdle {
			delete(wp.idle, wkr)
			continue
		}
		if accept(wkr.candidate()) {
			cands = append(cands, wkr)
		}
	}
	if len(cands) == 0 {
		return nil
	}
	i, err := randutil.IntRange(0, len(cands))
	if err != nil {
		i = 0
	}
	wkr := cands[i]
	wkr.local.Refresh()
	s := prepare(wkr.candidate())
	if s == nil {
		return nil
	}
	delete(wp.idle, wkr)
	wkr.slice = s
	wkr.sendDone = make(chan struct{})
	wkr.sliceSize = len(s.Tasks)
	wkr.setState(StateSending)
	return &Assignment{Slice: s, wkr: wkr, done: wkr.sendDone}
}

func (wkr *worker) candidate() Candidate {
	return Candidate{UUID: wkr.uuid, Capabilities: wkr.caps, local: wkr.local}
}

// Start sends an assigned slice to its worker. It does not block:
// the send runs on a bounded executor.
func (wp *Pool) Start(a *Assignment) {
	wp.exec.Go(func() { a.wkr.send(a.Slice, a.done) })
}

// Interrupt asks the workers holding the given slices to stop
// working on them. It does not block.
func (wp *Pool) Interrupt(slices []*queue.Slice) {
	for _, s := range slices {
		wp.mtx.Lock()
		wkr, ok := wp.workers[s.WorkerUUID]
		wp.mtx.Unlock()
		if ok {
			s := s
			wp.exec.Go(func() { wkr.interrupt(s) })
		}
	}
}

// Kill disconnects the given worker. Its slice, if any, is returned
// to the queue.
func (wp *Pool) Kill(uuid string) error {
	wp.mtx.Lock()
	wkr, ok := wp.workers[uuid]
	wp.mtx.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	wkr.fail(errKilled)
	return nil
}

// CountWorkers returns the current number of registered workers in
// each state.
func (wp *Pool) CountWorkers() map[State]int {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	r := map[State]int{}
	for _, wkr := range wp.workers {
		r[wkr.state]++
	}
	return r
}

// Workers returns a View of each registered worker, sorted by UUID.
func (wp *Pool) Workers() []View {
	var r []View
	wp.mtx.Lock()
	for _, w := range wp.workers {
		v := View{
			UUID:           w.uuid,
			Address:        w.conn.RemoteAddr().String(),
			Capabilities:   w.caps,
			State:          w.state.String(),
			SliceSize:      w.sliceSize,
			Slices:         w.slices,
			Connected:      w.connected,
			LastBusy:       w.lastBusy,
			BundlerVersion: -1,
		}
		if w.slice != nil {
			v.JobUUID = w.slice.Job.UUID
			v.SliceID = w.slice.ID
		} else if w.state == StateIdle {
			v.BundlerVersion = w.local.Version()
		}
		r = append(r, v)
	}
	wp.mtx.Unlock()
	sort.Slice(r, func(i, j int) bool {
		return r[i].UUID < r[j].UUID
	})
	return r
}

// Stop closes all listeners and connections. Slices held by workers
// are returned to the queue. Stop waits for in-progress sends to
// finish, or ctx to be done.
func (wp *Pool) Stop(ctx context.Context) error {
	wp.mtx.Lock()
	if wp.stopped {
		wp.mtx.Unlock()
		return nil
	}
	wp.stopped = true
	close(wp.stop)
	for ln := range wp.listeners {
		ln.Close()
	}
	var wkrs []*worker
	for _, wkr := range wp.workers {
		wkrs = append(wkrs, wkr)
	}
	var pending []net.Conn
	for conn := range wp.conns {
		pending = append(pending, conn)
	}
	wp.mtx.Unlock()
	for _, wkr := range wkrs {
		wkr.fail(ErrClosed)
	}
	for _, conn := range pending {
		// Connections still in handshake fail when their
		// reads/writes return errors.
		conn.Close()
	}
	return wp.exec.Wait(ctx)
}

func (wp *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	wp.mWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "workers",
		Help:      "Number of connected workers, by state.",
	}, []string{"state"})
	reg.MustRegister(wp.mWorkers)
	wp.mBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "send_backlog",
		Help:      "Number of assigned slices waiting for a send slot.",
	})
	reg.MustRegister(wp.mBacklog)
	wp.mHandshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "handshakes_total",
		Help:      "Number of worker handshakes, by result (ok or fail).",
	}, []string{"result"})
	reg.MustRegister(wp.mHandshakes)
	wp.mBounced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "slices_bounced_total",
		Help:      "Number of assigned slices returned unsent because the worker was in the job's routing path.",
	})
	reg.MustRegister(wp.mBounced)
	wp.mProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "protocol_errors_total",
		Help:      "Number of worker connections closed because of a protocol or framing error.",
	})
	reg.MustRegister(wp.mProtocolErrors)
	wp.mSendTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "send_timeouts_total",
		Help:      "Number of worker connections closed because a send did not finish within SendTimeout.",
	})
	reg.MustRegister(wp.mSendTimeouts)
	wp.mBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "payload_bytes_total",
		Help:      "Task and job data bytes exchanged with workers, by direction (sent or received).",
	}, []string{"direction"})
	reg.MustRegister(wp.mBytes)
	wp.mBundlerVersions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "bundler_template_version",
		Help:      "Current version of the bundler template.",
	})
	reg.MustRegister(wp.mBundlerVersions)
}

func (wp *Pool) runMetrics() {
	ch := wp.Subscribe()
	defer wp.Unsubscribe(ch)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-wp.stop:
			return
		case <-ch:
		case <-ticker.C:
		}
		wp.updateMetrics()
	}
}

func (wp *Pool) updateMetrics() {
	counts := wp.CountWorkers()
	for state := range stateString {
		if state == StateClosed || state == StateSendHandshake || state == StateAwaitHandshake {
			continue
		}
		wp.mWorkers.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
	wp.mBacklog.Set(float64(wp.exec.Backlog()))
	wp.mBundlerVersions.Set(float64(wp.tmpl.Version()))
}
