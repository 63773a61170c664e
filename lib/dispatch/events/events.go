// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package events delivers job lifecycle notifications to observers
// without ever blocking the transition that produced them.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindQueued     = Kind("QUEUED")
	KindDispatched = Kind("DISPATCHED")
	KindReturned   = Kind("RETURNED")
	KindUpdated    = Kind("UPDATED")
	KindEnded      = Kind("ENDED")
)

// An Event describes one lifecycle transition of a job.
type Event struct {
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	JobUUID    string    `json:"job_uuid"`
	JobName    string    `json:"job_name,omitempty"`
	WorkerUUID string    `json:"worker_uuid,omitempty"`
	Tasks      int       `json:"tasks,omitempty"`
	Remaining  int       `json:"remaining"`
	InFlight   int       `json:"in_flight"`
	Completed  int       `json:"completed"`
}

// An Emitter accepts events. Emit must not block.
type Emitter interface {
	Emit(Event)
}

// A Sink receives events from a Notifier.
type Sink func(Event)

const (
	ModeImmediate = "immediate"
	ModeDeferred  = "deferred"
	ModePolling   = "polling"

	defaultBufferSize = 1000
)

// A Notifier is an Emitter that hands events to its sinks according
// to its mode:
//
//   - immediate: sinks are called synchronously by Emit, so they must
//     be fast and must not block.
//   - deferred: events go through a bounded buffer to a delivery
//     goroutine; when the buffer is full, events are dropped (and
//     counted) rather than blocking.
//   - polling: events are kept in a bounded ring for Poll; sinks are
//     not called.
type Notifier struct {
	logger logrus.FieldLogger
	mode   string

	mtx    sync.Mutex
	seq    uint64
	sinks  map[int]Sink
	nextID int
	ring   []Event
	start  int // index of oldest event in ring

	buffer  chan Event
	stop    chan struct{}
	stopped chan struct{}

	mEmitted *prometheus.CounterVec
	mDropped prometheus.Counter
}

// NewNotifier returns a Notifier. For deferred mode, Stop must be
// called to release the delivery goroutine.
func NewNotifier(logger logrus.FieldLogger, reg *prometheus.Registry, mode string, bufferSize int) (*Notifier, error) {
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	n := &Notifier{
		logger:  logger,
		mode:    mode,
		sinks:   map[int]Sink{},
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	switch mode {
	case ModeImmediate, "":
		n.mode = ModeImmediate
		close(n.stopped)
	case ModeDeferred:
		n.buffer = make(chan Event, bufferSize)
		go n.run()
	case ModePolling:
		n.ring = make([]Event, 0, bufferSize)
		close(n.stopped)
	default:
		return nil, fmt.Errorf("unknown event mode %q", mode)
	}
	n.registerMetrics(reg)
	return n, nil
}

func (n *Notifier) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	n.mEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "events_emitted_total",
		Help:      "Number of job lifecycle events emitted.",
	}, []string{"kind"})
	reg.MustRegister(n.mEmitted)
	n.mDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "dispatch",
		Name:      "events_dropped_total",
		Help:      "Number of job lifecycle events dropped because the delivery buffer was full.",
	})
	reg.MustRegister(n.mDropped)
}

// Mode returns the delivery mode.
func (n *Notifier) Mode() string {
	return n.mode
}

// AddSink adds a sink, and returns a func that removes it.
func (n *Notifier) AddSink(sink Sink) (remove func()) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	id := n.nextID
	n.nextID++
	n.sinks[id] = sink
	return func() {
		n.mtx.Lock()
		defer n.mtx.Unlock()
		delete(n.sinks, id)
	}
}

// Emit implements Emitter.
func (n *Notifier) Emit(ev Event) {
	n.mtx.Lock()
	n.seq++
	ev.Seq = n.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	var sinks []Sink
	switch n.mode {
	case ModePolling:
		if len(n.ring) < cap(n.ring) {
			n.ring = append(n.ring, ev)
		} else {
			n.ring[n.start] = ev
			n.start = (n.start + 1) % len(n.ring)
		}
	case ModeImmediate:
		sinks = n.sinkList()
	}
	n.mtx.Unlock()
	n.mEmitted.WithLabelValues(string(ev.Kind)).Inc()

	switch n.mode {
	case ModeImmediate:
		for _, sink := range sinks {
			sink(ev)
		}
	case ModeDeferred:
		select {
		case n.buffer <- ev:
		default:
			n.mDropped.Inc()
		}
	}
}

// Caller must have lock.
func (n *Notifier) sinkList() []Sink {
	sinks := make([]Sink, 0, len(n.sinks))
	for _, sink := range n.sinks {
		sinks = append(sinks, sink)
	}
	return sinks
}

func (n *Notifier) run() {
	defer close(n.stopped)
	for {
		select {
		case <-n.stop:
			return
		case ev := <-n.buffer:
			n.mtx.Lock()
			sinks := n.sinkList()
			n.mtx.Unlock()
			for _, sink := range sinks {
				sink(ev)
			}
		}
	}
}

// Poll returns the retained events with sequence numbers greater
// than since, oldest first. It returns nil unless the mode is
// polling.
func (n *Notifier) Poll(since uint64) []Event {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	var evs []Event
	for i := range n.ring {
		ev := n.ring[(n.start+i)%len(n.ring)]
		if ev.Seq > since {
			evs = append(evs, ev)
		}
	}
	return evs
}

// Stop stops the delivery goroutine (deferred mode). Events still
// buffered are discarded.
func (n *Notifier) Stop() {
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
	<-n.stopped
}
