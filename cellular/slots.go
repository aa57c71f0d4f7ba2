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

import (
	"fmt"
	"net/netip"
	"sync"
)

// MaxSlots is the capacity of the socket table. Devices reporting more sockets are capped to it.
const MaxSlots = 16

// Handle identifies an open socket of a [Stack]. It stays valid until the socket is closed, and it never refers to
// a different socket afterwards, even if its slot is reused. The zero Handle is invalid.
type Handle struct {
	slot uint16
	gen  uint32
}

// IsValid reports whether h was returned by a Stack. It doesn't mean the socket is still open.
func (h Handle) IsValid() bool { return h.gen != 0 }

// Slot returns the index of the table slot of h. Slots are reused, so the index alone doesn't identify a socket.
func (h Handle) Slot() int { return int(h.slot) }

func (h Handle) String() string {
	return fmt.Sprintf("socket#%d.%d", h.slot, h.gen)
}

type slot struct {
	// gen is the generation of the current allocation; zero when the slot is free.
	gen uint32

	id        int
	proto     Protocol
	local     netip.AddrPort
	remote    netip.AddrPort
	created   bool
	connected bool
	listening bool

	dataAvailable bool
	peerClosed    bool
	callback      func()
}

func (s *slot) info(h Handle) SocketInfo {
	return SocketInfo{
		Handle:    h,
		ID:        s.id,
		Protocol:  s.proto,
		Local:     s.local,
		Remote:    s.remote,
		Created:   s.created,
		Connected: s.connected,
	}
}

// slotTable is a fixed arena of socket records indexed by Handle.slot. All fields are protected by mu, which is
// never held across a device call.
type slotTable struct {
	mu      sync.Mutex
	slots   []slot
	lastGen uint32
}

func newSlotTable(capacity int) *slotTable {
	return &slotTable{slots: make([]slot, capacity)}
}

// alloc reserves a free slot. Caller must hold t.mu.
func (t *slotTable) alloc(proto Protocol) (Handle, *slot, error) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.gen != 0 {
			continue
		}
		t.lastGen++
		if t.lastGen == 0 {
			t.lastGen = 1
		}
		*s = slot{gen: t.lastGen, proto: proto, id: -1}
		return Handle{slot: uint16(i), gen: s.gen}, s, nil
	}
	return Handle{}, nil, ErrNoSocket
}

// get returns the slot of h, or ErrInvalidHandle if h is stale. Caller must hold t.mu.
func (t *slotTable) get(h Handle) (*slot, error) {
	if !h.IsValid() || int(h.slot) >= len(t.slots) {
		return nil, ErrInvalidHandle
	}
	s := &t.slots[h.slot]
	if s.gen != h.gen {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

// release clears the slot of h if h is still current. Caller must hold t.mu.
func (t *slotTable) release(h Handle) {
	if s, err := t.get(h); err == nil {
		*s = slot{}
	}
}

// findID returns the created slot with device identifier id. Caller must hold t.mu.
func (t *slotTable) findID(id int) (Handle, *slot, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.gen != 0 && s.created && s.id == id {
			return Handle{slot: uint16(i), gen: s.gen}, s, true
		}
	}
	return Handle{}, nil, false
}

// inUse returns the number of allocated slots. Caller must hold t.mu.
func (t *slotTable) inUse() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].gen != 0 {
			n++
		}
	}
	return n
}
