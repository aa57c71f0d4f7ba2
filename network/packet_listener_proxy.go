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
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Jigsaw-Code/cellular-sdk/transport"
)

// packetMaxSize fits the largest datagram modems deliver in one read.
const packetMaxSize = 2048

// DefaultWriteIdleTimeout is how long a session lives without outgoing datagrams.
const DefaultWriteIdleTimeout = 30 * time.Second

var _ PacketProxy = (*PacketListenerProxy)(nil)

// PacketListenerProxy is a [PacketProxy] that gives each session its own socket from a [transport.PacketListener].
// Sockets are scarce on a modem, so sessions expire once they stop sending.
type PacketListenerProxy struct {
	listener         transport.PacketListener
	writeIdleTimeout time.Duration
}

// PacketListenerProxyOption configures a [PacketListenerProxy].
type PacketListenerProxyOption func(*PacketListenerProxy) error

// NewPacketProxyFromPacketListener creates a [PacketListenerProxy] on pl.
func NewPacketProxyFromPacketListener(pl transport.PacketListener, options ...PacketListenerProxyOption) (*PacketListenerProxy, error) {
	if pl == nil {
		return nil, errors.New("pl must not be nil")
	}
	p := &PacketListenerProxy{listener: pl, writeIdleTimeout: DefaultWriteIdleTimeout}
	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// WithWriteIdleTimeout sets how long a session may go without outgoing datagrams before it is closed.
func WithWriteIdleTimeout(timeout time.Duration) PacketListenerProxyOption {
	return func(p *PacketListenerProxy) error {
		if timeout <= 0 {
			return errors.New("timeout must be greater than 0")
		}
		p.writeIdleTimeout = timeout
		return nil
	}
}

// NewSession implements [PacketProxy]. It opens a socket and relays what arrives on it to respWriter until the
// session ends.
func (proxy *PacketListenerProxy) NewSession(respWriter PacketResponseReceiver) (PacketRequestSender, error) {
	if respWriter == nil {
		return nil, errors.New("respWriter must not be nil")
	}
	conn, err := proxy.listener.ListenPacket(context.Background())
	if err != nil {
		return nil, err
	}
	s := &packetListenerSession{conn: conn, idleTimeout: proxy.writeIdleTimeout}
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() { s.Close() })
	go s.relayResponses(respWriter)
	return s, nil
}

type packetListenerSession struct {
	conn        net.PacketConn
	idleTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	idleTimer *time.Timer
}

var _ PacketRequestSender = (*packetListenerSession)(nil)

func (s *packetListenerSession) relayResponses(respWriter PacketResponseReceiver) {
	defer respWriter.Close()
	buf := make([]byte, packetMaxSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if errors.Is(err, io.ErrShortBuffer) {
			continue
		}
		if err != nil {
			return
		}
		if _, err := respWriter.WriteFrom(buf[:n], from); err != nil {
			s.Close()
			return
		}
	}
}

// WriteTo implements [PacketRequestSender]. Each write keeps the session alive.
func (s *packetListenerSession) WriteTo(p []byte, destination netip.AddrPort) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.idleTimer.Reset(s.idleTimeout)
	s.mu.Unlock()
	return s.conn.WriteTo(p, net.UDPAddrFromAddrPort(destination))
}

// Close implements [PacketRequestSender].
func (s *packetListenerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.idleTimer.Stop()
	return s.conn.Close()
}
