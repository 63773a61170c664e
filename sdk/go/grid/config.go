// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package grid

import (
	"fmt"
)

const DefaultConfigFile = "/etc/taskgrid/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	if cc, ok := sc.Clusters[clusterID]; !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	} else {
		cc.ClusterID = clusterID
		return &cc, nil
	}
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	SystemLogs      struct {
		LogLevel string
		Format   string
	}
	Services struct {
		Dispatch struct {
			// HTTP address for the management and job
			// submission API.
			Listen string
			// TCP address where workers connect.
			WorkerListen string
		}
	}
	API struct {
		RequestTimeout Duration
	}
	Dispatch DispatchConfig
}

type DispatchConfig struct {
	// Identity sent to workers in the handshake, and appended to
	// the routing path of every slice sent. Empty means a random
	// UUID is chosen at startup.
	DriverUUID string
	// Upper bound on the time the matcher stays parked when
	// nothing could be matched.
	PollInterval Duration
	// First backoff interval after an unproductive matcher pass.
	MinPollInterval Duration
	// Maximum number of concurrent slice transmissions.
	SendConcurrency int
	// Largest frame accepted from (or sent to) a worker.
	MaxFrameSize ByteSize
	// Time allowed for a new worker to answer the handshake.
	HandshakeTimeout Duration
	// Time allowed for writing one message to a worker. A worker
	// that stops reading is disconnected when this expires.
	SendTimeout Duration
	// Default JobSLA.MaxTaskResubmits for jobs that don't
	// specify one.
	DefaultMaxTaskResubmits int
	// Number of finished jobs whose results stay available
	// through the management API.
	CompletedJobCacheSize int

	Events struct {
		// "immediate", "deferred", or "polling"
		Mode       string
		BufferSize int
	}

	LoadBalancing LoadBalancingConfig
}

type LoadBalancingConfig struct {
	// "fixed", "throughput", or "autotuned"
	Algorithm string
	// Initial (or, for "fixed", constant) slice size.
	Size int
	// Largest slice size a bundler will propose. Zero means no
	// limit other than the tasks remaining in the job.
	MaxSize int
	// "throughput": desired wall clock time per slice.
	TargetSliceDuration Duration
	// "throughput": weight of the newest sample in the moving
	// average, between 0 and 1.
	Alpha float64
}
