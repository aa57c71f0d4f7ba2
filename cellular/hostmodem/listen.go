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

package hostmodem

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
)

// Listen implements [cellular.ListenDevice]. Connections arriving beyond backlog are refused.
func (m *Modem) Listen(info cellular.SocketInfo, backlog int) error {
	s, err := m.lookup(info.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proto != cellular.TCP || s.tcp != nil || s.ln != nil {
		return fmt.Errorf("listen on socket %v: %w", s.id, cellular.ErrInvalidState)
	}
	var laddr *net.TCPAddr
	if s.bind.IsValid() {
		laddr = net.TCPAddrFromAddrPort(s.bind)
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.ln = ln
	s.backlog = max(backlog, 1)
	go s.acceptLoop(ln)
	m.log.Debug("hostmodem: socket listening", "id", s.id, "addr", ln.Addr())
	return nil
}

func (s *socket) acceptLoop(ln *net.TCPListener) {
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.m.log.Debug("hostmodem: accept failed", "id", s.id, "err", err)
			}
			return
		}
		s.mu.Lock()
		full := s.closed || len(s.accepted) >= s.backlog
		if !full {
			s.accepted = append(s.accepted, conn)
		}
		s.mu.Unlock()
		if full {
			conn.Close()
			continue
		}
		s.m.signalReady(s.id)
	}
}

// Accept implements [cellular.ListenDevice].
func (m *Modem) Accept(info cellular.SocketInfo) (int, netip.AddrPort, error) {
	s, err := m.lookup(info.ID)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	s.mu.Lock()
	if len(s.accepted) == 0 {
		s.mu.Unlock()
		return 0, netip.AddrPort{}, cellular.ErrWouldBlock
	}
	conn := s.accepted[0]
	s.accepted = s.accepted[1:]
	s.mu.Unlock()

	child := newSocket(m, cellular.TCP)
	id, err := m.reserve(child)
	if err != nil {
		conn.Close()
		return 0, netip.AddrPort{}, err
	}
	child.attachTCP(conn)
	remote := unmap(addrPort(conn.RemoteAddr()))
	m.log.Debug("hostmodem: connection accepted", "listener", s.id, "id", id, "remote", remote)
	return id, remote, nil
}

// Socket option levels and names understood by [Modem.SetOption]. The values follow the Linux socket API.
const (
	LevelSocket = 1
	LevelTCP    = 6

	OptSendBuffer = 7 // int, at LevelSocket
	OptRecvBuffer = 8 // int, at LevelSocket
	OptKeepAlive  = 9 // bool, at LevelSocket
	OptNoDelay    = 1 // bool, at LevelTCP
)

// SetOption implements [cellular.OptionDevice]. Options set before the connection exists are recorded and
// reported, but not applied.
func (m *Modem) SetOption(info cellular.SocketInfo, level, name int, value any) error {
	if !info.Created {
		return fmt.Errorf("option on socket not created: %w", cellular.ErrInvalidState)
	}
	s, err := m.lookup(info.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyOption(level, name, value); err != nil {
		return err
	}
	s.options[optionKey{level, name}] = value
	return nil
}

func (s *socket) applyOption(level, name int, value any) error {
	switch (optionKey{level, name}) {
	case optionKey{LevelSocket, OptSendBuffer}, optionKey{LevelSocket, OptRecvBuffer}:
		size, ok := value.(int)
		if !ok || size <= 0 {
			return fmt.Errorf("buffer size %v: %w", value, cellular.ErrParameter)
		}
		type buffered interface {
			SetReadBuffer(int) error
			SetWriteBuffer(int) error
		}
		var conn buffered
		if s.tcp != nil {
			conn = s.tcp
		} else if s.udp != nil {
			conn = s.udp
		}
		if conn == nil {
			return nil
		}
		if name == OptSendBuffer {
			return conn.SetWriteBuffer(size)
		}
		return conn.SetReadBuffer(size)
	case optionKey{LevelSocket, OptKeepAlive}, optionKey{LevelTCP, OptNoDelay}:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("flag %v: %w", value, cellular.ErrParameter)
		}
		if s.proto != cellular.TCP {
			return fmt.Errorf("option %v/%v on %v socket: %w", level, name, s.proto, cellular.ErrUnsupported)
		}
		if s.tcp == nil {
			return nil
		}
		if name == OptKeepAlive {
			return s.tcp.SetKeepAlive(on)
		}
		return s.tcp.SetNoDelay(on)
	}
	return fmt.Errorf("option %v/%v: %w", level, name, cellular.ErrUnsupported)
}

// GetOption implements [cellular.OptionDevice]. It reports the values set with [Modem.SetOption].
func (m *Modem) GetOption(info cellular.SocketInfo, level, name int) (any, error) {
	if !info.Created {
		return nil, fmt.Errorf("option on socket not created: %w", cellular.ErrInvalidState)
	}
	s, err := m.lookup(info.ID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.options[optionKey{level, name}]
	if !ok {
		return nil, fmt.Errorf("option %v/%v not set: %w", level, name, cellular.ErrUnsupported)
	}
	return v, nil
}
