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
	"net"
	"net/netip"
	"sync/atomic"

	modem "github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/Jigsaw-Code/cellular-sdk/transport"
)

// StreamDialer is a [transport.StreamDialer] that connects through TCP sockets of the modem.
type StreamDialer struct {
	stack *modem.Stack
	opts  options
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] that uses stack.
func NewStreamDialer(stack *modem.Stack, opts ...Option) *StreamDialer {
	return &StreamDialer{stack: stack, opts: newOptions(opts)}
}

// DialStream implements [transport.StreamDialer]. If the host resolves to several addresses, they are tried in
// order.
func (d *StreamDialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	addrs, err := d.opts.resolveAddr(ctx, d.stack, "tcp", raddr)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: err}
	}
	return dialEach(ctx, addrs, d.dial)
}

func (d *StreamDialer) dial(ctx context.Context, remote netip.AddrPort) (transport.StreamConn, error) {
	s, err := openSocket(d.stack, modem.TCP, &d.opts)
	if err != nil {
		return nil, err
	}
	if err := s.connect(ctx, remote); err != nil {
		s.Close()
		return nil, err
	}
	return &streamConn{socket: s}, nil
}

// streamConn is a TCP connection of the modem. Modems can't half-close, so CloseRead and CloseWrite only stop local
// use of each direction, and the socket is released once both are closed.
type streamConn struct {
	*socket
	readClosed  atomic.Bool
	writeClosed atomic.Bool
}

var _ transport.StreamConn = (*streamConn)(nil)

func (c *streamConn) Read(b []byte) (int, error) {
	if c.readClosed.Load() {
		return 0, net.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	var n int
	err := c.do(c.readDeadline, func() (err error) {
		n, err = c.stack.Recv(c.h, b)
		return err
	})
	return n, err
}

func (c *streamConn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		if c.writeClosed.Load() {
			return written, net.ErrClosed
		}
		var n int
		err := c.do(c.writeDeadline, func() (err error) {
			n, err = c.stack.Send(c.h, b[written:])
			return err
		})
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *streamConn) CloseRead() error {
	c.readClosed.Store(true)
	if c.writeClosed.Load() {
		return c.Close()
	}
	return nil
}

func (c *streamConn) CloseWrite() error {
	c.writeClosed.Store(true)
	if c.readClosed.Load() {
		return c.Close()
	}
	return nil
}
