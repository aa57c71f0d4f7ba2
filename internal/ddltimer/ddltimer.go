// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package ddltimer implements the deadlines of the blocking connections built on top of the non-blocking modem sockets.

A [DeadlineTimer] is shared by every goroutine blocked in Read (or Write) on the same connection. Each of them waits
on [DeadlineTimer.Done] together with its other wake-up sources:

	d := ddltimer.New()
	defer d.Stop()
	d.SetDeadline(time.Now().Add(2 * time.Second))
	select {
	case <-d.Done():
		return os.ErrDeadlineExceeded
	case <-ready:
	}

The deadline may be moved from any goroutine while others wait, as required by [net.Conn].
*/
package ddltimer

import (
	"os"
	"sync"
	"time"
)

// DeadlineTimer is a deadline that can be moved at any time, with a channel that any number of goroutines can wait
// on. Unlike a [time.Timer], moving the deadline never loses or duplicates the expiry of the channel waiters hold.
//
// DeadlineTimer is safe for concurrent use by multiple goroutines.
type DeadlineTimer struct {
	mu sync.Mutex

	deadline time.Time
	timer    *time.Timer
	// expired is closed once deadline passes. It's replaced whenever the deadline moves after expiring.
	expired chan struct{}
}

// New creates a DeadlineTimer without deadline.
func New() *DeadlineTimer {
	return &DeadlineTimer{expired: make(chan struct{})}
}

// Done returns a channel that is closed when the current deadline passes. After the deadline is moved, callers must
// call Done again to observe the new one.
func (d *DeadlineTimer) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

// Expired reports whether the current deadline has passed.
func (d *DeadlineTimer) Expired() bool {
	select {
	case <-d.Done():
		return true
	default:
		return false
	}
}

// Err returns [os.ErrDeadlineExceeded] if the deadline has passed, nil otherwise.
func (d *DeadlineTimer) Err() error {
	if d.Expired() {
		return os.ErrDeadlineExceeded
	}
	return nil
}

// SetDeadline moves the deadline to t. A zero t removes the deadline, and a t in the past expires it immediately.
func (d *DeadlineTimer) SetDeadline(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		// A failed Stop means the expiry func ran or is running, and it closes the channel it captured.
		if !d.timer.Stop() {
			d.expired = make(chan struct{})
		}
		d.timer = nil
	} else if isClosed(d.expired) {
		d.expired = make(chan struct{})
	}

	d.deadline = t
	if t.IsZero() {
		return
	}
	wait := time.Until(t)
	if wait <= 0 {
		close(d.expired)
		return
	}
	ch := d.expired
	d.timer = time.AfterFunc(wait, func() { close(ch) })
}

// Stop removes the deadline. It is equivalent to SetDeadline(time.Time{}).
func (d *DeadlineTimer) Stop() {
	d.SetDeadline(time.Time{})
}

// Deadline returns the current deadline, or the zero time if there's none.
func (d *DeadlineTimer) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
