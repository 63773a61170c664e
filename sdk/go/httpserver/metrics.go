// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"git.taskgrid.org/taskgrid.git/sdk/go/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler

	// Returns an http.Handler that serves the Handler's metrics
	// data at /metrics, and passes other requests through to
	// next.
	ServeAPI(token string, next http.Handler) http.Handler
}

type metrics struct {
	next       http.Handler
	exportProm http.Handler
}

// ServeHTTP implements http.Handler.
func (m *metrics) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.next.ServeHTTP(w, req)
}

// ServeAPI returns a new http.Handler that serves current data at
// "GET /metrics" and passes other requests through to next. The
// metrics endpoint requires the given token.
//
// Typical example:
//
//	m := Instrument(...)
//	srv := http.Server{Handler: m.ServeAPI("secrettoken", m)}
func (m *metrics) ServeAPI(token string, next http.Handler) http.Handler {
	plainMetrics := auth.RequireLiteralToken(token, m.exportProm)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if (req.Method == "GET" || req.Method == "HEAD") && req.URL.Path == "/metrics" {
			plainMetrics.ServeHTTP(w, req)
		} else {
			next.ServeHTTP(w, req)
		}
	})
}

// Instrument returns a new Handler that passes requests through to
// the next handler in the stack, and tracks request count, duration
// and in-flight requests.
//
// If registry is nil, a new registry is created.
//
// If logger is nil, logrus.StandardLogger() is used.
func Instrument(registry *prometheus.Registry, logger logrus.FieldLogger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskgrid",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Histogram of request duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code", "method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of requests being served.",
	})
	registry.MustRegister(reqDuration, inFlight)
	return &metrics{
		next: promhttp.InstrumentHandlerInFlight(inFlight,
			promhttp.InstrumentHandlerDuration(reqDuration, next)),
		exportProm: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: promErrorLog{logger},
		}),
	}
}

type promErrorLog struct {
	logrus.FieldLogger
}

func (l promErrorLog) Println(args ...interface{}) {
	l.FieldLogger.Warnln(args...)
}
