// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package squashfs

import (
	"sync"
	"time"
)

// IdleTimer calls a function once no activity was reported for a
// given duration. A nil IdleTimer is valid and does nothing.
type IdleTimer struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	stopped bool
}

// NewIdleTimer starts an IdleTimer calling fn after timeout without
// Touch. A zero timeout returns nil.
func NewIdleTimer(timeout time.Duration, fn func()) *IdleTimer {
	if timeout <= 0 {
		return nil
	}
	t := &IdleTimer{timeout: timeout}
	t.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		stopped := t.stopped
		t.stopped = true
		t.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	return t
}

// Touch reports activity and restarts the countdown.
func (t *IdleTimer) Touch() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.timer.Reset(t.timeout)
	}
}

// Stop cancels the timer, fn won't be called afterward.
func (t *IdleTimer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.timer.Stop()
}
