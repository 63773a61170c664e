// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/dispatch/bundler"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/events"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/queue"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/router"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/scheduler"
	"git.taskgrid.org/taskgrid.git/lib/dispatch/worker"
	"git.taskgrid.org/taskgrid.git/sdk/go/auth"
	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"git.taskgrid.org/taskgrid.git/sdk/go/health"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultCompletedJobCacheSize = 100
	stopTimeout                  = 10 * time.Second
)

type dispatcher struct {
	Cluster  *grid.Cluster
	Context  context.Context
	Registry *prometheus.Registry
	// Clock used for pendingUntil, expiry and slice timing. Nil
	// means the real clock.
	Clock clock.Clock

	logger      logrus.FieldLogger
	driverUUID  string
	notifier    *events.Notifier
	queue       *queue.Queue
	tmpl        *bundler.Template
	router      *router.Router
	pool        *worker.Pool
	sched       *scheduler.Scheduler
	workerLn    net.Listener
	httpHandler http.Handler
	initErr     error

	mtx    sync.Mutex
	active map[string]*queue.Job // submitted, not yet ended
	ended  *lru.Cache            // job UUID => grid.JobStatus
	fileLB grid.LoadBalancingConfig
	lb     grid.LoadBalancingConfig
	// error returned by the worker listener, if it stopped
	// before the dispatcher did
	serveErr error

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	if disp.initErr != nil {
		return disp.initErr
	}
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if disp.serveErr != nil {
		return fmt.Errorf("worker listener failed: %w", disp.serveErr)
	}
	return nil
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops dispatching, disconnects all workers, and releases
// resources.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

// Reload implements service.Reloader. A changed LoadBalancing section
// installs a new bundler template; workers pick it up before their
// next slice.
func (disp *dispatcher) Reload(cluster *grid.Cluster) {
	disp.Start()
	if disp.initErr != nil {
		return
	}
	lb := cluster.Dispatch.LoadBalancing
	disp.mtx.Lock()
	changed := lb != disp.fileLB
	disp.fileLB = lb
	disp.mtx.Unlock()
	if !changed {
		return
	}
	if _, err := disp.setLoadBalancing(lb); err != nil {
		disp.logger.WithError(err).Warn("not applying changed load balancing config")
	}
}

// WorkerAddr returns the address where workers connect, or "" if
// the worker listener is disabled.
func (disp *dispatcher) WorkerAddr() string {
	disp.Start()
	if disp.workerLn == nil {
		return ""
	}
	return disp.workerLn.Addr().String()
}

func (disp *dispatcher) setLoadBalancing(lb grid.LoadBalancingConfig) (int64, error) {
	proto, err := bundler.New(lb)
	if err != nil {
		return 0, err
	}
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	version := disp.tmpl.Set(proto)
	disp.lb = lb
	disp.logger.WithFields(logrus.Fields{
		"Algorithm":      lb.Algorithm,
		"Size":           lb.Size,
		"MaxSize":        lb.MaxSize,
		"BundlerVersion": version,
	}).Info("load balancing config changed")
	return version, nil
}

func (disp *dispatcher) setup() {
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})
	disp.initErr = disp.initialize()
	if disp.initErr != nil {
		close(disp.stopped)
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, disp.initErr.Error(), http.StatusInternalServerError)
		})
		return
	}
	go disp.run()
}

func (disp *dispatcher) initialize() error {
	if disp.Context == nil {
		disp.Context = context.Background()
	}
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	if disp.Clock == nil {
		disp.Clock = clock.New()
	}
	cfg := disp.Cluster.Dispatch
	disp.driverUUID = cfg.DriverUUID
	if disp.driverUUID == "" {
		disp.driverUUID = uuid.NewString()
	}
	disp.logger = ctxlog.FromContext(disp.Context).WithField("DriverUUID", disp.driverUUID)
	ctx := ctxlog.Context(disp.Context, disp.logger)

	cacheSize := cfg.CompletedJobCacheSize
	if cacheSize < 1 {
		cacheSize = defaultCompletedJobCacheSize
	}
	ended, err := lru.New(cacheSize)
	if err != nil {
		return err
	}
	disp.ended = ended
	disp.active = map[string]*queue.Job{}

	disp.notifier, err = events.NewNotifier(disp.logger, disp.Registry, cfg.Events.Mode, cfg.Events.BufferSize)
	if err != nil {
		return err
	}
	disp.notifier.AddSink(func(ev events.Event) {
		disp.logger.WithFields(logrus.Fields{
			"Event":      ev.Kind,
			"JobUUID":    ev.JobUUID,
			"WorkerUUID": ev.WorkerUUID,
			"Tasks":      ev.Tasks,
		}).Debug("event")
	})

	proto, err := bundler.New(cfg.LoadBalancing)
	if err != nil {
		return err
	}
	disp.tmpl = bundler.NewTemplate(proto)
	disp.lb = cfg.LoadBalancing
	disp.fileLB = cfg.LoadBalancing

	disp.queue = queue.NewQueue(disp.logger, disp.Registry, disp.Clock, disp.notifier, cfg.DefaultMaxTaskResubmits)
	disp.router = router.New(disp.logger, disp.Registry, disp.queue, disp.Clock)
	disp.pool = worker.NewPool(disp.logger, disp.Registry, disp.driverUUID, cfg, disp.tmpl, disp.router, disp.Clock)
	disp.sched = scheduler.New(ctx, disp.queue, disp.pool, disp.Registry, disp.Clock, cfg.MinPollInterval.Duration(), cfg.PollInterval.Duration())

	if addr := disp.Cluster.Services.Dispatch.WorkerListen; addr != "" {
		disp.workerLn, err = net.Listen("tcp", addr)
		if err != nil {
			disp.notifier.Stop()
			disp.pool.Stop(context.Background())
			return fmt.Errorf("worker listener: %w", err)
		}
		disp.logger.WithField("Listen", disp.workerLn.Addr().String()).Info("listening for worker connections")
	}

	mux := httprouter.New()
	mux.HandlerFunc("POST", "/taskgrid/v1/jobs", disp.apiSubmit)
	mux.HandlerFunc("GET", "/taskgrid/v1/jobs", disp.apiJobs)
	mux.HandlerFunc("GET", "/taskgrid/v1/jobs/:uuid", disp.apiJob)
	mux.HandlerFunc("PATCH", "/taskgrid/v1/jobs/:uuid", disp.apiJobUpdate)
	mux.HandlerFunc("POST", "/taskgrid/v1/jobs/:uuid/cancel", disp.apiJobCancel)
	mux.HandlerFunc("POST", "/taskgrid/v1/jobs/:uuid/suspend", disp.apiJobSuspend)
	mux.HandlerFunc("POST", "/taskgrid/v1/jobs/:uuid/resume", disp.apiJobResume)
	mux.HandlerFunc("POST", "/taskgrid/v1/jobs/:uuid/requeue", disp.apiJobRequeue)
	mux.HandlerFunc("GET", "/taskgrid/v1/workers", disp.apiWorkers)
	mux.HandlerFunc("POST", "/taskgrid/v1/workers/:uuid/kill", disp.apiWorkerKill)
	mux.HandlerFunc("GET", "/taskgrid/v1/events", disp.apiEvents)
	mux.HandlerFunc("GET", "/taskgrid/v1/load-balancing", disp.apiLoadBalancing)
	mux.HandlerFunc("PUT", "/taskgrid/v1/load-balancing", disp.apiSetLoadBalancing)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{}))
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  disp.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": disp.CheckHealth},
	})
	disp.httpHandler = auth.RequireLiteralToken(disp.Cluster.ManagementToken, mux)
	return nil
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	defer disp.notifier.Stop()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := disp.pool.Stop(ctx); err != nil {
			disp.logger.WithError(err).Warn("error stopping worker pool")
		}
	}()

	if disp.workerLn != nil {
		go func() {
			err := disp.pool.Serve(disp.workerLn)
			if err != nil && !errors.Is(err, worker.ErrClosed) {
				disp.logger.WithError(err).Error("worker listener failed")
				disp.mtx.Lock()
				disp.serveErr = err
				disp.mtx.Unlock()
			}
		}()
	}

	disp.sched.Start()
	defer disp.sched.Stop()

	select {
	case <-disp.stop:
	case <-disp.Context.Done():
	}
	disp.logger.Info("stopping")
}

// submit adds a job to the queue and tracks it until it ends.
func (disp *dispatcher) submit(req submitRequest) (*queue.Job, error) {
	for _, id := range req.Path {
		if id == disp.driverUUID {
			return nil, fmt.Errorf("job has already been routed through this driver (%s)", id)
		}
	}
	listener := queue.ListenerFuncs{
		Returned: func(jobUUID string, results []grid.Result) {
			disp.logger.WithFields(logrus.Fields{
				"JobUUID": jobUUID,
				"Results": len(results),
			}).Debug("results returned")
		},
		Ended: func(st grid.JobStatus) {
			disp.mtx.Lock()
			defer disp.mtx.Unlock()
			disp.ended.Add(st.UUID, st)
			delete(disp.active, st.UUID)
		},
	}
	j := queue.NewJob(req.UUID, req.Name, req.Data, req.Tasks, req.SLA, req.Path, listener)
	// Check and claim the UUID under one lock, so concurrent
	// submissions of the same UUID cannot both be accepted.
	disp.mtx.Lock()
	_, isActive := disp.active[j.UUID]
	if isActive || disp.ended.Contains(j.UUID) {
		disp.mtx.Unlock()
		return nil, fmt.Errorf("%w: %s", queue.ErrDuplicate, j.UUID)
	}
	disp.active[j.UUID] = j
	disp.mtx.Unlock()
	if err := disp.queue.Enqueue(j); err != nil {
		disp.mtx.Lock()
		if disp.active[j.UUID] == j {
			delete(disp.active, j.UUID)
		}
		disp.mtx.Unlock()
		return nil, err
	}
	return j, nil
}

// lookup returns the status of a job that is either active or among
// the recently ended.
func (disp *dispatcher) lookup(jobUUID string) (*queue.Job, *grid.JobStatus, error) {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if j, ok := disp.active[jobUUID]; ok {
		return j, nil, nil
	}
	if v, ok := disp.ended.Get(jobUUID); ok {
		st := v.(grid.JobStatus)
		return nil, &st, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", queue.ErrNotFound, jobUUID)
}
