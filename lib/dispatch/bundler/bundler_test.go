// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package bundler

import (
	"time"

	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BundlerSuite{})

type BundlerSuite struct{}

// Feeding the same (taskCount, elapsed) pair repeatedly must settle
// on a stable size within a bounded number of iterations.
func (*BundlerSuite) TestConvergence(c *check.C) {
	for _, cfg := range []grid.LoadBalancingConfig{
		{Algorithm: "fixed", Size: 7},
		{Algorithm: "throughput", Size: 1, TargetSliceDuration: grid.Duration(time.Second)},
		{Algorithm: "throughput", Size: 50, Alpha: 1},
		{Algorithm: "autotuned", Size: 5},
		{Algorithm: "autotuned", Size: 5, MaxSize: 6},
	} {
		c.Logf("=== %+v", cfg)
		b, err := New(cfg)
		c.Assert(err, check.IsNil)
		stableSince, last := 0, -1
		for i := 0; i < 100; i++ {
			size := b.NextSize(1000)
			if size != last {
				stableSince, last = i, size
			}
			b.Feedback(10, 100*time.Millisecond)
		}
		c.Check(stableSince < 20, check.Equals, true, check.Commentf("size changed at iteration %d", stableSince))
		c.Check(last >= 1, check.Equals, true)
	}
}

func (*BundlerSuite) TestThroughputTargetsSliceDuration(c *check.C) {
	b, err := New(grid.LoadBalancingConfig{Algorithm: "throughput", TargetSliceDuration: grid.Duration(2 * time.Second), Alpha: 1})
	c.Assert(err, check.IsNil)
	c.Check(b.NextSize(100), check.Equals, 1)
	// 10 tasks per second => 20 tasks per 2s slice
	b.Feedback(5, 500*time.Millisecond)
	c.Check(b.NextSize(100), check.Equals, 20)
	// now 1 task per second => 2 tasks
	b.Feedback(3, 3*time.Second)
	c.Check(b.NextSize(100), check.Equals, 2)
}

func (*BundlerSuite) TestMaxSize(c *check.C) {
	b, err := New(grid.LoadBalancingConfig{Algorithm: "throughput", MaxSize: 8, TargetSliceDuration: grid.Duration(time.Hour)})
	c.Assert(err, check.IsNil)
	b.Feedback(1, time.Millisecond)
	c.Check(b.NextSize(100), check.Equals, 8)
	b.Feedback(1, 0)
	c.Check(b.NextSize(100), check.Equals, 8)
}

func (*BundlerSuite) TestAutotunedFollowsImprovement(c *check.C) {
	b, err := New(grid.LoadBalancingConfig{Algorithm: "autotuned", Size: 10})
	c.Assert(err, check.IsNil)
	// Larger slices amortize a fixed per-slice overhead, so the
	// mean time per task keeps improving as the size grows.
	for i := 0; i < 10; i++ {
		n := b.NextSize(1 << 20)
		b.Feedback(n, time.Second+time.Duration(n)*time.Millisecond)
	}
	c.Check(b.NextSize(1<<20) > 10, check.Equals, true)
}

// Once settled, a later improvement in time per task starts the
// size moving again.
func (*BundlerSuite) TestAutotunedResumesAfterSettling(c *check.C) {
	b, err := New(grid.LoadBalancingConfig{Algorithm: "autotuned", Size: 5})
	c.Assert(err, check.IsNil)
	for i := 0; i < 30; i++ {
		n := b.NextSize(1000)
		b.Feedback(n, time.Duration(n)*10*time.Millisecond)
	}
	settled := b.NextSize(1000)
	b.Feedback(settled, time.Duration(settled)*10*time.Millisecond)
	c.Assert(b.NextSize(1000), check.Equals, settled)

	perTask := 10 * time.Millisecond
	for i := 0; i < 5; i++ {
		perTask -= time.Millisecond
		n := b.NextSize(1000)
		b.Feedback(n, time.Duration(n)*perTask)
	}
	c.Check(b.NextSize(1000) > settled, check.Equals, true, check.Commentf("settled at %d, now %d", settled, b.NextSize(1000)))
}

func (*BundlerSuite) TestCopyIsIndependent(c *check.C) {
	b, err := New(grid.LoadBalancingConfig{Algorithm: "throughput", TargetSliceDuration: grid.Duration(time.Second), Alpha: 1})
	c.Assert(err, check.IsNil)
	b.Feedback(10, time.Second)
	cp := b.Copy()
	c.Check(cp.NextSize(100), check.Equals, 10)
	cp.Feedback(1, time.Second)
	c.Check(cp.NextSize(100), check.Equals, 1)
	c.Check(b.NextSize(100), check.Equals, 10)
}

func (*BundlerSuite) TestUnknownAlgorithm(c *check.C) {
	_, err := New(grid.LoadBalancingConfig{Algorithm: "proportional"})
	c.Check(err, check.ErrorMatches, `unknown load balancing algorithm "proportional"`)
}
