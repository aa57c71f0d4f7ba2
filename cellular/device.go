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
	"net/netip"
)

// Protocol is the transport protocol of a socket.
type Protocol uint8

const (
	TCP Protocol = iota + 1
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ProtocolSet is a set of protocols supported by a device.
type ProtocolSet uint8

// ProtocolsOf builds a ProtocolSet with the given protocols.
func ProtocolsOf(protos ...Protocol) ProtocolSet {
	var set ProtocolSet
	for _, p := range protos {
		set |= 1 << p
	}
	return set
}

// Has reports whether p is in the set.
func (s ProtocolSet) Has(p Protocol) bool {
	return p != 0 && s&(1<<p) != 0
}

// Capabilities describes the limits of a modem family.
type Capabilities struct {
	// MaxSockets is the maximum number of sockets the modem can have open at once.
	MaxSockets int
	// MaxPacketSize is the maximum payload of a single transfer command. Larger writes are split.
	MaxPacketSize int
	// Protocols are the protocols the modem can open sockets for.
	Protocols ProtocolSet
}

// SocketInfo is a snapshot of a socket's state, as passed to device hooks.
type SocketInfo struct {
	Handle Handle
	// ID is the identifier assigned by the device. It is only meaningful when Created is true.
	ID        int
	Protocol  Protocol
	Local     netip.AddrPort
	Remote    netip.AddrPort
	Created   bool
	Connected bool
}

// Device is the set of modem specific operations the [Stack] is built on. Implementations translate each call into
// the command dialect of one modem family.
//
// The Stack calls every method while holding exclusive use of the command channel, so implementations don't need
// their own locking for the command exchange. Methods must not block waiting for network data.
type Device interface {
	// Capabilities reports the limits of the modem. It is called once, when the Stack is created.
	Capabilities() Capabilities

	// CreateSocket creates a socket on the modem for sock and returns its device identifier. For connected
	// sockets sock.Remote is set.
	CreateSocket(sock SocketInfo) (id int, err error)

	// CloseSocket releases the device socket id. It must tolerate ids the modem already considers closed.
	CloseSocket(id int) error

	// SendTo sends at most MaxPacketSize bytes of p to addr. It returns the number of bytes accepted by the modem,
	// or ErrWouldBlock if nothing could be sent right now.
	SendTo(sock SocketInfo, addr netip.AddrPort, p []byte) (int, error)

	// RecvFrom reads pending data into p. It returns ErrWouldBlock when the modem has nothing to deliver.
	RecvFrom(sock SocketInfo, p []byte) (int, netip.AddrPort, error)
}

// ListenDevice is implemented by devices that can accept inbound connections. Most modems can't.
type ListenDevice interface {
	// Listen puts the created socket sock in listening mode.
	Listen(sock SocketInfo, backlog int) error
	// Accept returns the device id and remote address of a pending connection, or ErrWouldBlock.
	Accept(sock SocketInfo) (id int, remote netip.AddrPort, err error)
}

// OptionDevice is implemented by devices that support socket options.
type OptionDevice interface {
	SetOption(sock SocketInfo, level, name int, value any) error
	GetOption(sock SocketInfo, level, name int) (any, error)
}

// AddressDevice is implemented by devices that can report the address of a PDP context.
type AddressDevice interface {
	// PDPAddress returns the textual address assigned to the PDP context cid, as reported by the modem.
	PDPAddress(cid int) (string, error)
}

// Notifier receives asynchronous socket events from a device. [Stack] implements it.
//
// Both methods only set a flag and run the socket callback, so they are safe to call from the goroutine that
// parses unsolicited modem output, even while a command exchange is in progress.
type Notifier interface {
	SignalReadyID(id int)
	SignalClosedID(id int)
}

// Tracer observes payloads moved through the modem. Implementations must not retain p.
type Tracer interface {
	TraceSend(proto Protocol, local, remote netip.AddrPort, p []byte)
	TraceRecv(proto Protocol, local, remote netip.AddrPort, p []byte)
}
