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
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	modem "github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/Jigsaw-Code/cellular-sdk/internal/ddltimer"
)

// socket holds what the blocking connections share: the modem handle, the wake-up channel fed by the socket
// callback and the deadlines.
type socket struct {
	stack   *modem.Stack
	h       modem.Handle
	network string
	poll    time.Duration

	// wake has capacity one: notifications that arrive while nobody waits are merged.
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	readDeadline  *ddltimer.DeadlineTimer
	writeDeadline *ddltimer.DeadlineTimer

	remote net.Addr
}

func openSocket(stack *modem.Stack, proto modem.Protocol, o *options) (*socket, error) {
	h, err := stack.Open(proto)
	if err != nil {
		return nil, err
	}
	s := &socket{
		stack:         stack,
		h:             h,
		network:       "tcp",
		poll:          o.poll,
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
		readDeadline:  ddltimer.New(),
		writeDeadline: ddltimer.New(),
	}
	if proto == modem.UDP {
		s.network = "udp"
	}
	if err := stack.Attach(h, s.notify); err != nil {
		stack.Close(h)
		return nil, err
	}
	if o.local.IsValid() {
		if err := stack.Bind(h, o.local); err != nil {
			stack.Close(h)
			return nil, err
		}
	}
	return s, nil
}

// notify is the socket callback. It runs on the goroutine delivering modem events and must not block.
func (s *socket) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// do runs op until it returns something other than [modem.ErrWouldBlock], waiting for the socket between attempts.
func (s *socket) do(deadline *ddltimer.DeadlineTimer, op func() error) error {
	for {
		if s.isClosed() {
			return net.ErrClosed
		}
		if err := deadline.Err(); err != nil {
			return err
		}
		err := op()
		if !errors.Is(err, modem.ErrWouldBlock) {
			if err != nil && s.isClosed() && errors.Is(err, modem.ErrInvalidHandle) {
				return net.ErrClosed
			}
			return err
		}
		if err := s.wait(deadline.Done()); err != nil {
			return err
		}
	}
}

// wait returns after a notification or a poll interval, or with an error on deadline or Close.
func (s *socket) wait(deadline <-chan struct{}) error {
	t := time.NewTimer(s.poll)
	defer t.Stop()
	select {
	case <-s.wake:
		return nil
	case <-t.C:
		return nil
	case <-deadline:
		return os.ErrDeadlineExceeded
	case <-s.closed:
		return net.ErrClosed
	}
}

// Close wakes up blocked calls and releases the modem socket.
func (s *socket) Close() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		s.readDeadline.Stop()
		s.writeDeadline.Stop()
		err = s.stack.Close(s.h)
	})
	return err
}

func (s *socket) LocalAddr() net.Addr {
	var local netip.AddrPort
	if info, err := s.stack.Info(s.h); err == nil {
		local = info.Local
	}
	if !local.IsValid() || local.Addr().IsUnspecified() {
		ip, err := s.stack.Addr()
		if err != nil {
			ip = netip.IPv4Unspecified()
		}
		local = netip.AddrPortFrom(ip, local.Port())
	}
	return netAddr(s.network, local)
}

func (s *socket) RemoteAddr() net.Addr {
	return s.remote
}

func (s *socket) SetDeadline(t time.Time) error {
	s.readDeadline.SetDeadline(t)
	s.writeDeadline.SetDeadline(t)
	return nil
}

func (s *socket) SetReadDeadline(t time.Time) error {
	s.readDeadline.SetDeadline(t)
	return nil
}

func (s *socket) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.SetDeadline(t)
	return nil
}

// connect sets the remote endpoint of the socket, waiting while the modem isn't ready to create it.
func (s *socket) connect(ctx context.Context, remote netip.AddrPort) error {
	for {
		err := s.stack.Connect(ctx, s.h, remote)
		if !errors.Is(err, modem.ErrWouldBlock) {
			if err == nil {
				s.remote = netAddr(s.network, remote)
			}
			return err
		}
		t := time.NewTimer(s.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.wake:
		case <-t.C:
		}
		t.Stop()
	}
}
