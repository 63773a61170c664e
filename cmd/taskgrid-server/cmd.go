// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.taskgrid.org/taskgrid.git/lib/cmd"
	"git.taskgrid.org/taskgrid.git/lib/config"
	"git.taskgrid.org/taskgrid.git/lib/dispatch"
	"git.taskgrid.org/taskgrid.git/lib/stubworker"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"dispatch":        dispatch.Command,
		"stub-worker":     stubworker.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
