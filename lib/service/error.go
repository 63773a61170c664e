// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"git.taskgrid.org/taskgrid.git/sdk/go/ctxlog"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"git.taskgrid.org/taskgrid.git/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that failed to start.
// It fails its health check with err, answers every request with 503,
// and reports itself as already stopped, so the command exits after
// logging err once.
func ErrorHandler(ctx context.Context, cluster *grid.Cluster, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	if cluster != nil {
		logger = logger.WithField("ClusterID", cluster.ClusterID)
	}
	logger.WithError(err).Error("service failed to start")
	return &errorHandler{err: err, logger: logger}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.Logger(r).WithError(eh.err).Debug("rejecting request")
	httpserver.Error(w, "service unavailable: "+eh.err.Error(), http.StatusServiceUnavailable)
}

func (eh *errorHandler) CheckHealth() error { return eh.err }

func (eh *errorHandler) Done() <-chan struct{} { return closedChan }

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
