/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package clock provides the "virtual time" capability every timed
// object in the server core shares: a single monotonically-nondecreasing
// scalar, advanced by the outer scheduler rather than the wall clock.
//
// Modeled as an explicit shared reference (a *Clock) rather than each
// Timer holding a back-pointer to an owner it re-reads on rewind, per
// the Clock-injection design note: construct one Clock, pass it to
// every Connection and Timer, and advance it once per scheduler tick.
package clock

import "sync/atomic"

// Clock is a monotonic "virtual time" source, expressed in nanoseconds
// of elapsed virtual time. The zero Clock reads as tyme == 0.
type Clock struct {
	tyme int64
}

// New returns a Clock starting at tyme 0.
func New() *Clock {
	return &Clock{}
}

// Now returns the current virtual time.
func (c *Clock) Now() int64 {
	return atomic.LoadInt64(&c.tyme)
}

// Advance moves the clock forward by d (nanoseconds of virtual time).
// A negative or zero d is a no-op: the clock never decreases.
func (c *Clock) Advance(d int64) {
	if d <= 0 {
		return
	}
	atomic.AddInt64(&c.tyme, d)
}

// NewTimer returns a Timer bound to this clock, started now with the
// given duration. A zero duration produces a disabled timer that never
// expires (see Timer.Disable).
func (c *Clock) NewTimer(duration int64) *Timer {
	t := &Timer{clock: c}
	t.Reset(duration)
	return t
}
