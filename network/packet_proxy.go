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

package network

import (
	"net"
	"net/netip"
)

// PacketProxy relays UDP traffic of a network stack. Each local UDP socket of the stack gets its own session.
type PacketProxy interface {
	// NewSession starts a session for a local UDP socket. Responses are delivered to the given receiver, possibly
	// before any request is sent.
	NewSession(PacketResponseReceiver) (PacketRequestSender, error)
}

// PacketRequestSender sends the requests of one session.
type PacketRequestSender interface {
	// WriteTo sends the datagram p to destination. p must not be retained after WriteTo returns.
	WriteTo(p []byte, destination netip.AddrPort) (int, error)

	// Close ends the session. Later calls to WriteTo fail with ErrClosed.
	Close() error
}

// PacketResponseReceiver receives the responses of one session.
type PacketResponseReceiver interface {
	// WriteFrom is called with each datagram p that arrives from source. p must not be retained after WriteFrom
	// returns.
	WriteFrom(p []byte, source net.Addr) (int, error)

	// Close is called when no more responses will be delivered.
	Close() error
}
