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

package cellular

// Socket events arrive from the device independently of socket calls, possibly while a command exchange holds the
// channel. Signals therefore only touch the slot table and run the callback; they never use the channel.

// SignalReady records that data is pending on h and runs its callback. Signals for closed sockets are dropped.
func (s *Stack) SignalReady(h Handle) {
	s.signal(h, false)
}

// SignalClosed records that the peer of h closed the connection and runs its callback.
func (s *Stack) SignalClosed(h Handle) {
	s.signal(h, true)
}

// SignalReadyID is like [Stack.SignalReady], for devices that only know the device socket identifier.
func (s *Stack) SignalReadyID(id int) {
	s.signalID(id, false)
}

// SignalClosedID is like [Stack.SignalClosed], for devices that only know the device socket identifier.
func (s *Stack) SignalClosedID(id int) {
	s.signalID(id, true)
}

func (s *Stack) signal(h Handle, closed bool) {
	s.table.mu.Lock()
	sl, err := s.table.get(h)
	if err != nil {
		s.table.mu.Unlock()
		s.log.Debug("cellular: dropped stale socket event", "handle", h, "closed", closed)
		return
	}
	cb := mark(sl, closed)
	s.table.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *Stack) signalID(id int, closed bool) {
	s.table.mu.Lock()
	_, sl, ok := s.table.findID(id)
	if !ok {
		s.table.mu.Unlock()
		s.log.Debug("cellular: dropped event for unknown socket", "id", id, "closed", closed)
		return
	}
	cb := mark(sl, closed)
	s.table.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func mark(sl *slot, closed bool) func() {
	sl.dataAvailable = true
	if closed {
		sl.peerClosed = true
	}
	return sl.callback
}
