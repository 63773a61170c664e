// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package grid holds the types shared by the taskgrid driver, its
// workers, and its API clients: tasks and results, per-job scheduling
// constraints (JobSLA), placement policies over worker capabilities,
// and the cluster configuration.
package grid
