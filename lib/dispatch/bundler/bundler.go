// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package bundler decides how many tasks to send to a worker in its
// next slice, based on how long previous slices took.
package bundler

import (
	"fmt"
	"math"
	"time"

	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
)

// A Bundler proposes slice sizes for one worker connection, and
// learns from the outcome of each slice it proposed.
//
// A Bundler is not safe for concurrent use. Each connection has its
// own copy (see Template).
type Bundler interface {
	// NextSize returns the number of tasks the next slice should
	// contain, given the number of tasks remaining in the job.
	NextSize(remaining int) int
	// Feedback reports that a slice of n tasks took elapsed to
	// complete.
	Feedback(n int, elapsed time.Duration)
	// Copy returns an independent Bundler seeded with the
	// current statistics.
	Copy() Bundler
	// Dispose releases resources. The Bundler must not be used
	// afterward.
	Dispose()
}

const (
	defaultSize                = 1
	defaultTargetSliceDuration = time.Second
	defaultAlpha               = 0.3
	unlimitedSize              = math.MaxInt32
)

// New returns a Bundler using the configured algorithm.
func New(cfg grid.LoadBalancingConfig) (Bundler, error) {
	size := cfg.Size
	if size < 1 {
		size = defaultSize
	}
	max := cfg.MaxSize
	if max < 1 {
		max = unlimitedSize
	}
	if size > max {
		size = max
	}
	switch cfg.Algorithm {
	case "fixed", "":
		return &fixed{size: size}, nil
	case "throughput":
		alpha := cfg.Alpha
		if alpha <= 0 || alpha > 1 {
			alpha = defaultAlpha
		}
		return &throughput{
			size:   size,
			max:    max,
			target: cfg.TargetSliceDuration.DurationOr(defaultTargetSliceDuration),
			alpha:  alpha,
		}, nil
	case "autotuned":
		return &autotuned{size: size, max: max, step: 1, dir: 1}, nil
	default:
		return nil, fmt.Errorf("unknown load balancing algorithm %q", cfg.Algorithm)
	}
}

// fixed always proposes the same size.
type fixed struct {
	size int
}

func (b *fixed) NextSize(int) int            { return b.size }
func (b *fixed) Feedback(int, time.Duration) {}
func (b *fixed) Copy() Bundler               { return &fixed{size: b.size} }
func (b *fixed) Dispose()                    {}

// throughput keeps an exponentially weighted moving average of the
// time per task, and proposes the size that would make a slice take
// the target duration.
type throughput struct {
	size    int
	max     int
	target  time.Duration
	alpha   float64
	perTask float64 // seconds, 0 until the first feedback
}

func (b *throughput) NextSize(int) int {
	return b.size
}

func (b *throughput) Feedback(n int, elapsed time.Duration) {
	if n <= 0 || elapsed < 0 {
		return
	}
	sample := elapsed.Seconds() / float64(n)
	if b.perTask == 0 {
		b.perTask = sample
	} else {
		b.perTask = b.alpha*sample + (1-b.alpha)*b.perTask
	}
	if b.perTask <= 0 {
		// Tasks take no measurable time: send as many as
		// allowed.
		b.size = b.max
		return
	}
	b.size = clamp(int(math.Round(b.target.Seconds()/b.perTask)), 1, b.max)
}

func (b *throughput) Copy() Bundler {
	cp := *b
	return &cp
}

func (b *throughput) Dispose() {}

// autotuned climbs toward the size with the lowest mean time per
// task: it keeps moving in the same direction (with a growing step)
// while the mean improves, reverses with a smaller step when it gets
// worse, and shrinks the step when nothing changes, so a steady
// workload settles on a stable size.
type autotuned struct {
	size     int
	max      int
	step     int // signed
	dir      int // sign of the last non-zero step
	samples  []float64
	next     int
	disposed bool
}

const (
	autotunedWindow  = 16
	autotunedMaxStep = 32

	// Relative change in mean time per task that counts as no
	// change at all.
	autotunedTolerance = 1e-6
)

func (b *autotuned) NextSize(int) int {
	return b.size
}

func (b *autotuned) Feedback(n int, elapsed time.Duration) {
	if n <= 0 || elapsed < 0 || b.disposed {
		return
	}
	prev, hadPrev := b.mean()
	b.add(elapsed.Seconds() / float64(n))
	mean, _ := b.mean()
	switch {
	case !hadPrev:
	case math.Abs(mean-prev) <= autotunedTolerance*math.Abs(prev):
		b.step /= 2
	case mean < prev:
		if b.step == 0 {
			// Settled, and now improving: resume in the
			// direction we last moved.
			b.step = b.dir
		} else {
			b.step = clamp(b.step*2, -autotunedMaxStep, autotunedMaxStep)
		}
	case mean > prev:
		if b.step/2 == 0 {
			b.step = -b.dir
		} else {
			b.step = -b.step / 2
		}
	}
	if b.step != 0 {
		b.dir = sign(b.step)
	}
	b.size = clamp(b.size+b.step, 1, b.max)
}

func (b *autotuned) add(sample float64) {
	if len(b.samples) < autotunedWindow {
		b.samples = append(b.samples, sample)
		return
	}
	b.samples[b.next] = sample
	b.next = (b.next + 1) % autotunedWindow
}

func (b *autotuned) mean() (float64, bool) {
	if len(b.samples) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, s := range b.samples {
		sum += s
	}
	return sum / float64(len(b.samples)), true
}

func (b *autotuned) Copy() Bundler {
	cp := *b
	cp.samples = append([]float64(nil), b.samples...)
	return &cp
}

func (b *autotuned) Dispose() {
	b.samples = nil
	b.disposed = true
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}
