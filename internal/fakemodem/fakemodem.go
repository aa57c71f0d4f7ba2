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

// Package fakemodem provides a scriptable [cellular.Device] for tests.
package fakemodem

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
)

// Call records one device hook invocation.
type Call struct {
	Op  string
	ID  int
	Len int
}

type datagram struct {
	from netip.AddrPort
	data []byte
}

// Socket is the fake device side of a socket.
type Socket struct {
	ID     int
	Info   cellular.SocketInfo
	Sent   [][]byte
	Closed bool
	inbox  []datagram
}

// Modem is a fake device. The zero value is not usable, use [New].
//
// The hook fields may be set before the Modem is handed to a Stack to inject failures.
type Modem struct {
	caps cellular.Capabilities

	// CreateErr, if set, is returned by CreateSocket.
	CreateErr error
	// CloseErr, if set, is returned by CloseSocket after the socket is marked closed.
	CloseErr error
	// SendHook, if set, replaces the default SendTo behavior of accepting everything.
	SendHook func(call int, sock cellular.SocketInfo, p []byte) (int, error)
	// Address is returned by PDPAddress. An empty Address makes PDPAddress fail.
	Address string

	mu      sync.Mutex
	nextID  int
	sockets map[int]*Socket
	calls   []Call
	sends   int

	inside  atomic.Int32
	overlap atomic.Bool
}

var _ cellular.Device = (*Modem)(nil)
var _ cellular.AddressDevice = (*Modem)(nil)

// New creates a Modem with the given capabilities.
func New(caps cellular.Capabilities) *Modem {
	return &Modem{caps: caps, sockets: make(map[int]*Socket)}
}

// enter tracks hooks running at the same time, which must never happen behind a Stack.
func (m *Modem) enter() func() {
	if m.inside.Add(1) > 1 {
		m.overlap.Store(true)
	}
	return func() { m.inside.Add(-1) }
}

// Overlapped reports whether two hooks ever ran concurrently.
func (m *Modem) Overlapped() bool { return m.overlap.Load() }

func (m *Modem) record(op string, id, n int) {
	m.calls = append(m.calls, Call{Op: op, ID: id, Len: n})
}

// Calls returns the hook invocations so far.
func (m *Modem) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsOf returns the invocations of op.
func (m *Modem) CallsOf(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Socket returns the device socket id.
func (m *Modem) Socket(id int) (*Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sockets[id]
	return s, ok
}

// OpenSockets returns the number of device sockets not closed yet.
func (m *Modem) OpenSockets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sockets {
		if !s.Closed {
			n++
		}
	}
	return n
}

// Deliver queues data on the device socket id, as if it arrived from the network.
func (m *Modem) Deliver(id int, from netip.AddrPort, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sockets[id]
	if !ok || s.Closed {
		return errors.New("no such socket")
	}
	s.inbox = append(s.inbox, datagram{from: from, data: append([]byte(nil), data...)})
	return nil
}

// Capabilities implements [cellular.Device].
func (m *Modem) Capabilities() cellular.Capabilities {
	defer m.enter()()
	return m.caps
}

// CreateSocket implements [cellular.Device].
func (m *Modem) CreateSocket(sock cellular.SocketInfo) (int, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create", -1, 0)
	if m.CreateErr != nil {
		return 0, m.CreateErr
	}
	open := 0
	for _, s := range m.sockets {
		if !s.Closed {
			open++
		}
	}
	if open >= m.caps.MaxSockets {
		return 0, cellular.ErrNoSocket
	}
	id := m.nextID
	m.nextID++
	m.sockets[id] = &Socket{ID: id, Info: sock}
	return id, nil
}

// CloseSocket implements [cellular.Device].
func (m *Modem) CloseSocket(id int) error {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("close", id, 0)
	if s, ok := m.sockets[id]; ok {
		s.Closed = true
	}
	return m.CloseErr
}

// SendTo implements [cellular.Device].
func (m *Modem) SendTo(sock cellular.SocketInfo, addr netip.AddrPort, p []byte) (int, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("send", sock.ID, len(p))
	call := m.sends
	m.sends++
	n, err := len(p), error(nil)
	if m.SendHook != nil {
		n, err = m.SendHook(call, sock, p)
	}
	if s, ok := m.sockets[sock.ID]; ok && n > 0 {
		s.Sent = append(s.Sent, append([]byte(nil), p[:n]...))
	}
	return n, err
}

// RecvFrom implements [cellular.Device].
func (m *Modem) RecvFrom(sock cellular.SocketInfo, p []byte) (int, netip.AddrPort, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("recv", sock.ID, len(p))
	s, ok := m.sockets[sock.ID]
	if !ok || len(s.inbox) == 0 {
		return 0, netip.AddrPort{}, cellular.ErrWouldBlock
	}
	d := s.inbox[0]
	n := copy(p, d.data)
	if sock.Protocol == cellular.TCP && n < len(d.data) {
		s.inbox[0].data = d.data[n:]
	} else {
		s.inbox = s.inbox[1:]
	}
	return n, d.from, nil
}

// PDPAddress implements [cellular.AddressDevice].
func (m *Modem) PDPAddress(cid int) (string, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("pdpaddress", cid, 0)
	if m.Address == "" {
		return "", errors.New("no address for context")
	}
	return m.Address, nil
}

// Extended is a Modem that also supports inbound connections and socket options.
type Extended struct {
	*Modem
	pending []netip.AddrPort
	options map[optionKey]any
}

// optionKey uses the full handle, so a socket reusing a slot starts without options.
type optionKey struct {
	h           cellular.Handle
	level, name int
}

var _ cellular.ListenDevice = (*Extended)(nil)
var _ cellular.OptionDevice = (*Extended)(nil)

// NewExtended creates an Extended modem.
func NewExtended(caps cellular.Capabilities) *Extended {
	return &Extended{Modem: New(caps), options: make(map[optionKey]any)}
}

// QueueAccept makes the next Accept return a connection from remote.
func (m *Extended) QueueAccept(remote netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, remote)
}

// Listen implements [cellular.ListenDevice].
func (m *Extended) Listen(sock cellular.SocketInfo, backlog int) error {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("listen", sock.ID, backlog)
	return nil
}

// Accept implements [cellular.ListenDevice].
func (m *Extended) Accept(sock cellular.SocketInfo) (int, netip.AddrPort, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("accept", sock.ID, 0)
	if len(m.pending) == 0 {
		return 0, netip.AddrPort{}, cellular.ErrWouldBlock
	}
	remote := m.pending[0]
	m.pending = m.pending[1:]
	id := m.nextID
	m.nextID++
	m.sockets[id] = &Socket{ID: id, Info: cellular.SocketInfo{Protocol: cellular.TCP, Remote: remote, Connected: true}}
	return id, remote, nil
}

// CloseSocket implements [cellular.Device]. It also drops the options of the socket.
func (m *Extended) CloseSocket(id int) error {
	m.mu.Lock()
	if s, ok := m.sockets[id]; ok {
		for k := range m.options {
			if k.h == s.Info.Handle {
				delete(m.options, k)
			}
		}
	}
	m.mu.Unlock()
	return m.Modem.CloseSocket(id)
}

// SetOption implements [cellular.OptionDevice]. Only level 1 is supported.
func (m *Extended) SetOption(sock cellular.SocketInfo, level, name int, value any) error {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if level != 1 {
		return cellular.ErrUnsupported
	}
	m.options[optionKey{sock.Handle, level, name}] = value
	return nil
}

// GetOption implements [cellular.OptionDevice].
func (m *Extended) GetOption(sock cellular.SocketInfo, level, name int) (any, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.options[optionKey{sock.Handle, level, name}]
	if !ok {
		return nil, cellular.ErrUnsupported
	}
	return v, nil
}
