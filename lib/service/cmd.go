// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.taskgrid.org/taskgrid.git/lib/cmd"
	"git.taskgrid.org/taskgrid.git/lib/config"
	"git.taskgrid.org/taskgrid.git/sdk/go/auth"
	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"git.taskgrid.org/taskgrid.git/sdk/go/health"
	"git.taskgrid.org/taskgrid.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// EnvListen, if set in the environment, overrides the configured
// listen address.
const EnvListen = "TASKGRID_SERVICE_LISTEN"

const shutdownTimeout = 10 * time.Second

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// A Reloader is a Handler that can apply a changed cluster config
// without restarting.
type Reloader interface {
	Reload(*grid.Cluster)
}

// A Closer is a Handler that needs to release resources after the
// HTTP server has stopped.
type Closer interface {
	Close()
}

type NewHandlerFunc func(_ context.Context, _ *grid.Cluster, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the current cluster config, and brings up an http
// server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
//
// If the handler implements Reloader, the config file is watched and
// the handler is given the new cluster config whenever it changes.
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	loader.Logger = logger

	ctx, stop := signal.NotifyContext(c.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.Context(ctx, logger)

	listenAddr, err := getListenAddr(cluster, c.svcName)
	if err != nil {
		return 1
	}

	reg := prometheus.NewRegistry()

	// taskgrid_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cluster, reg)
	if closer, ok := handler.(Closer); ok {
		defer closer.Close()
	}
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg, logger,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(
				auth.LoadToken(
					withDeadline(cluster.API.RequestTimeout.Duration(),
						interceptHealthReqs(cluster.ManagementToken, handler.CheckHealth, handler))))))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     instrumented.ServeAPI(cluster.ManagementToken, instrumented),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listenAddr,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	if reloader, ok := handler.(Reloader); ok && loader.Path != "-" {
		go func() {
			err := loader.Watch(ctx, func(cfg *grid.Config) {
				cc, err := cfg.GetCluster(cluster.ClusterID)
				if err != nil {
					logger.WithError(err).Warn("reloaded config has no entry for this cluster")
					return
				}
				if lvl, err := logrus.ParseLevel(cc.SystemLogs.LogLevel); err == nil && lvl != log.GetLevel() {
					logger.WithField("LogLevel", lvl).Info("changing log level")
					log.SetLevel(lvl)
				}
				reloader.Reload(cc)
			})
			if err != nil {
				logger.WithError(err).Warn("not watching config file for changes")
			}
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			// Shut down server if caller cancels context
			// or we get SIGTERM
		case <-handler.Done():
			// Shut down server if handler dies
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("error shutting down http server")
		}
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	logger.Info("stopped")
	return 0
}

// withDeadline applies the configured request timeout to each
// request's context.
func withDeadline(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.NotFound = next
	mux.MethodNotAllowed = next
	mux.HandleMethodNotAllowed = false
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	return mux
}

func getListenAddr(cluster *grid.Cluster, svcName string) (string, error) {
	if want := os.Getenv(EnvListen); want != "" {
		if _, _, err := net.SplitHostPort(want); err != nil {
			return "", fmt.Errorf("$%s (%q): %w", EnvListen, want, err)
		}
		return want, nil
	}
	var addr string
	switch svcName {
	case "dispatch":
		addr = cluster.Services.Dispatch.Listen
	default:
		return "", fmt.Errorf("unknown service name %q", svcName)
	}
	if addr == "" {
		return "", fmt.Errorf("configuration does not enable the %q service (Services.Dispatch.Listen is empty)", svcName)
	}
	return addr, nil
}
