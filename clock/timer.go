/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package clock

// Timer is a one-shot deadline relative to a Clock's virtual time. It
// holds (start, duration) rather than an absolute deadline so Reset can
// cheaply re-anchor it to "now" without reaching back into the Clock
// for anything but a read.
//
// A Timer with duration 0 is disabled: Expired always reports false.
// The idle-timeout machinery uses this to turn off reaping for
// persistent (keep-alive) connections per spec §4.3's checkPersisted.
type Timer struct {
	clock    *Clock
	start    int64
	duration int64
}

// Reset restarts the timer at the clock's current time with the given
// duration. A duration of 0 disables the timer.
func (t *Timer) Reset(duration int64) {
	t.start = t.clock.Now()
	t.duration = duration
}

// Disable turns the timer off; Expired will report false until Reset
// is called again with a positive duration.
func (t *Timer) Disable() {
	t.duration = 0
}

// Disabled reports whether the timer is currently off.
func (t *Timer) Disabled() bool {
	return t.duration <= 0
}

// Expired reports whether the timer has reached its deadline:
// clock.Now() - start >= duration. A disabled timer is never expired.
func (t *Timer) Expired() bool {
	if t.Disabled() {
		return false
	}
	return t.clock.Now()-t.start >= t.duration
}

// Remaining returns the virtual-time nanoseconds left before expiry,
// or 0 if expired or disabled.
func (t *Timer) Remaining() int64 {
	if t.Disabled() {
		return 0
	}
	left := t.duration - (t.clock.Now() - t.start)
	if left < 0 {
		return 0
	}
	return left
}
