// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest helps test cmd.Handler implementations.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck fails the test if the code under test writes to the
// process's stdout or stderr instead of the streams it was given by
// RunCommand.
//
// Usage:
//
//	defer cmdtest.LeakCheck(c)()
func LeakCheck(c *check.C) func() {
	orig := []**os.File{&os.Stdout, &os.Stderr}
	saved := make([]*os.File, len(orig))
	tmp := make([]*os.File, len(orig))
	for i, f := range orig {
		var err error
		tmp[i], err = os.CreateTemp(c.MkDir(), "leak")
		c.Assert(err, check.IsNil)
		saved[i], *f = *f, tmp[i]
	}
	return func() {
		for i, f := range orig {
			*f = saved[i]
			_, err := tmp[i].Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(tmp[i])
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", tmp[i].Name()))
			tmp[i].Close()
		}
	}
}
