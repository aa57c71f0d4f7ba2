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
	"os"
	"sync"
	"time"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
)

const readChunk = 4096

type datagram struct {
	from netip.AddrPort
	data []byte
}

type optionKey struct {
	level, name int
}

// socket is the device side of a socket: the host connection and what arrived on it.
type socket struct {
	m     *Modem
	id    int
	proto cellular.Protocol
	// bind is the requested local endpoint of a TCP socket.
	bind netip.AddrPort

	mu       sync.Mutex
	space    *sync.Cond
	tcp      *net.TCPConn
	udp      *net.UDPConn
	ln       *net.TCPListener
	backlog  int
	stream   []byte
	dgrams   []datagram
	accepted []*net.TCPConn
	eof      bool
	closed   bool
	options  map[optionKey]any
}

func newSocket(m *Modem, proto cellular.Protocol) *socket {
	s := &socket{m: m, proto: proto, options: make(map[optionKey]any)}
	s.space = sync.NewCond(&s.mu)
	return s
}

func (s *socket) attachTCP(conn *net.TCPConn) {
	s.mu.Lock()
	s.tcp = conn
	s.mu.Unlock()
	go s.readStream(conn)
}

func (s *socket) attachUDP(conn *net.UDPConn) {
	s.mu.Lock()
	s.udp = conn
	s.mu.Unlock()
	go s.readDatagrams(conn)
}

func (s *socket) localAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	var addr net.Addr
	switch {
	case s.tcp != nil:
		addr = s.tcp.LocalAddr()
	case s.udp != nil:
		addr = s.udp.LocalAddr()
	case s.ln != nil:
		addr = s.ln.Addr()
	default:
		return netip.AddrPort{}
	}
	return unmap(addrPort(addr))
}

// readStream moves TCP data from the network into the socket buffer. It stops reading while the buffer is full,
// which lets the host stack apply flow control to the peer.
func (s *socket) readStream(conn *net.TCPConn) {
	buf := make([]byte, readChunk)
	for {
		s.mu.Lock()
		for len(s.stream) >= s.m.cfg.RecvBuffer && !s.closed {
			s.space.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		n, err := conn.Read(buf)
		s.mu.Lock()
		s.stream = append(s.stream, buf[:n]...)
		if err != nil {
			s.eof = true
		}
		closed = s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if n > 0 {
			s.m.signalReady(s.id)
		}
		if err != nil {
			s.m.log.Debug("hostmodem: connection ended", "id", s.id, "err", err)
			s.m.signalClosed(s.id)
			return
		}
	}
}

func (s *socket) readDatagrams(conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.m.log.Debug("hostmodem: datagram read failed", "id", s.id, "err", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		dropped := len(s.dgrams) >= s.m.cfg.MaxDatagrams
		if !dropped {
			s.dgrams = append(s.dgrams, datagram{from: unmap(from), data: append([]byte(nil), buf[:n]...)})
		}
		s.mu.Unlock()
		if dropped {
			s.m.log.Debug("hostmodem: datagram dropped", "id", s.id, "from", from, "len", n)
			continue
		}
		s.m.signalReady(s.id)
	}
}

func (s *socket) send(addr netip.AddrPort, p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	tcp, udp := s.tcp, s.udp
	s.mu.Unlock()
	switch {
	case tcp != nil:
		if err := tcp.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
		n, err := tcp.Write(p)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if n == 0 {
				return 0, cellular.ErrWouldBlock
			}
			return n, nil
		}
		return n, err
	case udp != nil:
		return udp.WriteToUDPAddrPort(p, addr)
	}
	return 0, fmt.Errorf("send on socket %v: %w", s.id, errNotConnected)
}

func (s *socket) recv(p []byte) (int, netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.tcp != nil:
		if len(s.stream) == 0 {
			if s.eof {
				return 0, netip.AddrPort{}, nil
			}
			return 0, netip.AddrPort{}, cellular.ErrWouldBlock
		}
		n := copy(p, s.stream)
		s.stream = s.stream[n:]
		if len(s.stream) == 0 {
			s.stream = nil
		}
		s.space.Signal()
		return n, unmap(addrPort(s.tcp.RemoteAddr())), nil
	case s.udp != nil:
		if len(s.dgrams) == 0 {
			return 0, netip.AddrPort{}, cellular.ErrWouldBlock
		}
		d := s.dgrams[0]
		s.dgrams[0] = datagram{}
		s.dgrams = s.dgrams[1:]
		return copy(p, d.data), d.from, nil
	}
	return 0, netip.AddrPort{}, fmt.Errorf("receive on socket %v: %w", s.id, errNotConnected)
}

func (s *socket) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.space.Broadcast()
	tcp, udp, ln, accepted := s.tcp, s.udp, s.ln, s.accepted
	s.accepted = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range accepted {
		c.Close()
	}
	if tcp != nil {
		errs = append(errs, tcp.Close())
	}
	if udp != nil {
		errs = append(errs, udp.Close())
	}
	if ln != nil {
		errs = append(errs, ln.Close())
	}
	return errors.Join(errs...)
}

func addrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	}
	return netip.AddrPort{}
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
