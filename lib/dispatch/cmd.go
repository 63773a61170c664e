// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"

	"git.taskgrid.org/taskgrid.git/lib/cmd"
	"git.taskgrid.org/taskgrid.git/lib/service"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command("dispatch", newHandler)

func newHandler(ctx context.Context, cluster *grid.Cluster, reg *prometheus.Registry) service.Handler {
	disp := &dispatcher{
		Cluster:  cluster,
		Context:  ctx,
		Registry: reg,
	}
	disp.Start()
	if disp.initErr != nil {
		return service.ErrorHandler(ctx, cluster, disp.initErr)
	}
	return disp
}
