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
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"

	modem "github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/Jigsaw-Code/cellular-sdk/transport"
)

// PacketDialer is a [transport.PacketDialer] that uses connected UDP sockets of the modem.
type PacketDialer struct {
	stack *modem.Stack
	opts  options
}

var _ transport.PacketDialer = (*PacketDialer)(nil)

// NewPacketDialer creates a [PacketDialer] that uses stack.
func NewPacketDialer(stack *modem.Stack, opts ...Option) *PacketDialer {
	return &PacketDialer{stack: stack, opts: newOptions(opts)}
}

// DialPacket implements [transport.PacketDialer].
func (d *PacketDialer) DialPacket(ctx context.Context, raddr string) (net.Conn, error) {
	addrs, err := d.opts.resolveAddr(ctx, d.stack, "udp", raddr)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "udp", Err: err}
	}
	return dialEach(ctx, addrs, d.dial)
}

func (d *PacketDialer) dial(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	s, err := openSocket(d.stack, modem.UDP, &d.opts)
	if err != nil {
		return nil, err
	}
	if err := s.connect(ctx, remote); err != nil {
		s.Close()
		return nil, err
	}
	return &packetConn{socket: s}, nil
}

type packetConn struct {
	*socket
}

var _ net.Conn = (*packetConn)(nil)

func (c *packetConn) Read(b []byte) (int, error) {
	var n int
	err := c.do(c.readDeadline, func() (err error) {
		n, err = c.stack.Recv(c.h, b)
		return err
	})
	return n, err
}

func (c *packetConn) Write(b []byte) (int, error) {
	return writeDatagram(c.socket, func() (int, error) { return c.stack.Send(c.h, b) }, len(b))
}

// writeDatagram sends one datagram, which must go out whole.
func writeDatagram(s *socket, send func() (int, error), size int) (int, error) {
	var n int
	err := s.do(s.writeDeadline, func() (err error) {
		n, err = send()
		return err
	})
	if err == nil && n < size {
		err = io.ErrShortWrite
	}
	return n, err
}

// PacketListener is a [transport.PacketListener] that uses unconnected UDP sockets of the modem.
type PacketListener struct {
	stack *modem.Stack
	opts  options
}

var _ transport.PacketListener = (*PacketListener)(nil)

// NewPacketListener creates a [PacketListener] that uses stack. Use [WithLocalAddr] to receive on a fixed port.
func NewPacketListener(stack *modem.Stack, opts ...Option) *PacketListener {
	return &PacketListener{stack: stack, opts: newOptions(opts)}
}

// ListenPacket implements [transport.PacketListener]. The modem socket is created on first use.
func (l *PacketListener) ListenPacket(ctx context.Context) (net.PacketConn, error) {
	s, err := openSocket(l.stack, modem.UDP, &l.opts)
	if err != nil {
		return nil, err
	}
	return &listenerConn{socket: s, opts: &l.opts}, nil
}

type listenerConn struct {
	*socket
	opts *options
}

var _ net.PacketConn = (*listenerConn)(nil)

func (c *listenerConn) ReadFrom(b []byte) (int, net.Addr, error) {
	var n int
	var from netip.AddrPort
	err := c.do(c.readDeadline, func() (err error) {
		n, from, err = c.stack.RecvFrom(c.h, b)
		return err
	})
	if err != nil {
		return n, nil, err
	}
	return n, net.UDPAddrFromAddrPort(from), nil
}

func (c *listenerConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	to, err := transport.AddrPortOf(addr)
	if err != nil {
		addrs, rerr := c.opts.resolveAddr(context.Background(), c.stack, "udp", addr.String())
		if rerr != nil {
			return 0, fmt.Errorf("destination %v: %w", addr, rerr)
		}
		to = addrs[0]
	}
	return writeDatagram(c.socket, func() (int, error) { return c.stack.SendTo(c.h, to, b) }, len(b))
}
