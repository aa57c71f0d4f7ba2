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

package cellular_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/Jigsaw-Code/cellular-sdk/internal/fakemodem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	remote4 = netip.MustParseAddrPort("203.0.113.7:443")
	remote6 = netip.MustParseAddrPort("[2001:db8::7]:443")
)

func defaultCaps() cellular.Capabilities {
	return cellular.Capabilities{
		MaxSockets:    4,
		MaxPacketSize: 1500,
		Protocols:     cellular.ProtocolsOf(cellular.TCP, cellular.UDP),
	}
}

func newStack(t *testing.T, dev cellular.Device, opts ...func(*cellular.Config)) *cellular.Stack {
	cfg := cellular.Config{Device: dev, ChannelTimeout: time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	st, err := cellular.NewStack(cfg)
	require.NoError(t, err)
	return st
}

func openConnected(t *testing.T, st *cellular.Stack, proto cellular.Protocol) cellular.Handle {
	h, err := st.Open(proto)
	require.NoError(t, err)
	require.NoError(t, st.Connect(context.Background(), h, remote4))
	return h
}

func TestNewStackValidation(t *testing.T) {
	_, err := cellular.NewStack(cellular.Config{})
	require.ErrorIs(t, err, cellular.ErrParameter)

	_, err = cellular.NewStack(cellular.Config{Device: fakemodem.New(cellular.Capabilities{MaxSockets: 1})})
	require.ErrorIs(t, err, cellular.ErrParameter)

	_, err = cellular.NewStack(cellular.Config{Device: fakemodem.New(defaultCaps()), IPAddress: string(make([]byte, 64))})
	require.ErrorIs(t, err, cellular.ErrParameter)
}

func TestOpenUpToMaxSockets(t *testing.T) {
	st := newStack(t, fakemodem.New(defaultCaps()))
	seen := map[cellular.Handle]bool{}
	for i := 0; i < 4; i++ {
		h, err := st.Open(cellular.UDP)
		require.NoError(t, err)
		require.True(t, h.IsValid())
		require.False(t, seen[h], "duplicate handle %v", h)
		seen[h] = true
	}
	_, err := st.Open(cellular.TCP)
	require.ErrorIs(t, err, cellular.ErrNoSocket)
}

func TestOpenCappedByTableCapacity(t *testing.T) {
	caps := defaultCaps()
	caps.MaxSockets = 1000
	st := newStack(t, fakemodem.New(caps))
	for i := 0; i < cellular.MaxSlots; i++ {
		_, err := st.Open(cellular.TCP)
		require.NoError(t, err)
	}
	_, err := st.Open(cellular.TCP)
	require.ErrorIs(t, err, cellular.ErrNoSocket)
}

func TestOpenUnsupportedProtocol(t *testing.T) {
	caps := defaultCaps()
	caps.Protocols = cellular.ProtocolsOf(cellular.TCP)
	st := newStack(t, fakemodem.New(caps))
	_, err := st.Open(cellular.UDP)
	require.ErrorIs(t, err, cellular.ErrUnsupported)
	require.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestCloseFreesSlotForReuse(t *testing.T) {
	caps := defaultCaps()
	caps.MaxSockets = 1
	st := newStack(t, fakemodem.New(caps))

	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)
	_, err = st.Open(cellular.TCP)
	require.ErrorIs(t, err, cellular.ErrNoSocket)

	require.NoError(t, st.Close(h))
	h2, err := st.Open(cellular.TCP)
	require.NoError(t, err)
	require.NotEqual(t, h, h2)
	require.Equal(t, h.Slot(), h2.Slot())
}

func TestCloseIgnoresTeardownFailure(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	dev.CloseErr = errors.New("ERROR")
	st := newStack(t, dev)

	h := openConnected(t, st, cellular.TCP)
	require.NoError(t, st.Close(h))
	require.Len(t, dev.CallsOf("close"), 1)

	_, err := st.Info(h)
	require.ErrorIs(t, err, cellular.ErrInvalidHandle)
}

func TestCloseUncreatedSkipsDevice(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h, err := st.Open(cellular.UDP)
	require.NoError(t, err)
	require.NoError(t, st.Close(h))
	require.Empty(t, dev.Calls())
}

func TestCloseInvalidHandle(t *testing.T) {
	st := newStack(t, fakemodem.New(defaultCaps()))
	require.ErrorIs(t, st.Close(cellular.Handle{}), cellular.ErrInvalidHandle)

	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)
	require.NoError(t, st.Close(h))
	require.ErrorIs(t, st.Close(h), cellular.ErrInvalidHandle)
}

func TestStaleHandleDoesNotReachNewSocket(t *testing.T) {
	caps := defaultCaps()
	caps.MaxSockets = 1
	st := newStack(t, fakemodem.New(caps))

	old := openConnected(t, st, cellular.UDP)
	require.NoError(t, st.Close(old))
	h := openConnected(t, st, cellular.UDP)

	var calls atomic.Int32
	require.NoError(t, st.Attach(h, func() { calls.Add(1) }))
	st.SignalReady(old)
	st.SignalClosed(old)
	assert.Zero(t, calls.Load())
	assert.False(t, st.Readable(h))

	_, err := st.Send(old, []byte("x"))
	require.ErrorIs(t, err, cellular.ErrInvalidHandle)
	require.ErrorIs(t, st.Attach(old, nil), cellular.ErrInvalidHandle)
}

func TestBindIsLocal(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h, err := st.Open(cellular.UDP)
	require.NoError(t, err)

	local := netip.MustParseAddrPort("0.0.0.0:5000")
	require.NoError(t, st.Bind(h, local))
	require.Empty(t, dev.Calls())
	info, err := st.Info(h)
	require.NoError(t, err)
	require.Equal(t, local, info.Local)
	require.False(t, info.Created)

	require.ErrorIs(t, st.Bind(h, netip.AddrPort{}), cellular.ErrParameter)

	require.NoError(t, st.Connect(context.Background(), h, remote4))
	sock, ok := dev.Socket(0)
	require.True(t, ok)
	require.Equal(t, local, sock.Info.Local)
	require.ErrorIs(t, st.Bind(h, local), cellular.ErrInvalidState)
}

func TestListenAcceptUnsupported(t *testing.T) {
	st := newStack(t, fakemodem.New(defaultCaps()))
	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)
	require.ErrorIs(t, st.Listen(h, 1), cellular.ErrUnsupported)
	_, _, err = st.Accept(h)
	require.ErrorIs(t, err, cellular.ErrUnsupported)
}

func TestListenAccept(t *testing.T) {
	dev := fakemodem.NewExtended(defaultCaps())
	st := newStack(t, dev)

	udp, err := st.Open(cellular.UDP)
	require.NoError(t, err)
	require.ErrorIs(t, st.Listen(udp, 1), cellular.ErrInvalidState)

	srv, err := st.Open(cellular.TCP)
	require.NoError(t, err)
	_, _, err = st.Accept(srv)
	require.ErrorIs(t, err, cellular.ErrInvalidState)

	require.NoError(t, st.Bind(srv, netip.MustParseAddrPort("0.0.0.0:8080")))
	require.NoError(t, st.Listen(srv, 2))
	require.Len(t, dev.CallsOf("listen"), 1)

	_, _, err = st.Accept(srv)
	require.ErrorIs(t, err, cellular.ErrWouldBlock)

	peer := netip.MustParseAddrPort("198.51.100.1:40000")
	dev.QueueAccept(peer)
	h, from, err := st.Accept(srv)
	require.NoError(t, err)
	require.Equal(t, peer, from)
	info, err := st.Info(h)
	require.NoError(t, err)
	require.True(t, info.Connected)
	require.True(t, info.Created)
	require.Equal(t, peer, info.Remote)

	require.ErrorIs(t, st.Connect(context.Background(), srv, remote4), cellular.ErrInvalidState)
}

func TestConnectCreatesLazily(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)
	require.Empty(t, dev.CallsOf("create"))

	require.NoError(t, st.Connect(context.Background(), h, remote4))
	require.Len(t, dev.CallsOf("create"), 1)
	info, err := st.Info(h)
	require.NoError(t, err)
	require.True(t, info.Created)
	require.True(t, info.Connected)
	require.Equal(t, remote4, info.Remote)
	sock, ok := dev.Socket(info.ID)
	require.True(t, ok)
	require.Equal(t, remote4, sock.Info.Remote)

	require.ErrorIs(t, st.Connect(context.Background(), h, remote4), cellular.ErrAlreadyConnected)
	require.Len(t, dev.CallsOf("create"), 1)
}

func TestConnectUDPTwiceUpdatesRemote(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h := openConnected(t, st, cellular.UDP)
	other := netip.MustParseAddrPort("192.0.2.9:53")
	require.NoError(t, st.Connect(context.Background(), h, other))
	info, err := st.Info(h)
	require.NoError(t, err)
	require.Equal(t, other, info.Remote)
	require.Len(t, dev.CallsOf("create"), 1)
}

func TestConnectDeviceFailure(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	dev.CreateErr = errors.New("+CME ERROR: 3")
	st := newStack(t, dev)
	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)

	err = st.Connect(context.Background(), h, remote4)
	var devErr *cellular.DeviceError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, "connect", devErr.Op)
	require.Equal(t, h, devErr.Handle)

	info, err := st.Info(h)
	require.NoError(t, err)
	require.False(t, info.Created)
	require.False(t, info.Connected)
}

func TestConnectDeviceAtCapacity(t *testing.T) {
	caps := defaultCaps()
	caps.MaxSockets = 1
	dev := fakemodem.New(caps)
	st := newStack(t, dev)
	dev.CreateErr = cellular.ErrNoSocket
	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)
	require.ErrorIs(t, st.Connect(context.Background(), h, remote4), cellular.ErrNoSocket)
}

func TestConnectValidatesAddress(t *testing.T) {
	st := newStack(t, fakemodem.New(defaultCaps()))
	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)
	require.ErrorIs(t, st.Connect(context.Background(), h, netip.AddrPort{}), cellular.ErrParameter)
	require.ErrorIs(t, st.Connect(context.Background(), h, netip.MustParseAddrPort("1.2.3.4:0")), cellular.ErrParameter)
	require.ErrorIs(t, st.Connect(context.Background(), h, remote6), cellular.ErrUnsupported)

	dual := newStack(t, fakemodem.New(defaultCaps()), func(c *cellular.Config) { c.StackType = cellular.DualStack })
	h, err = dual.Open(cellular.TCP)
	require.NoError(t, err)
	require.NoError(t, dual.Connect(context.Background(), h, remote6))
}

func TestSendRecvRequireConnection(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)

	_, err = st.Send(h, []byte("hello"))
	require.ErrorIs(t, err, cellular.ErrNotConnected)
	_, err = st.Recv(h, make([]byte, 10))
	require.ErrorIs(t, err, cellular.ErrNotConnected)
	_, err = st.SendTo(h, remote4, []byte("hello"))
	require.ErrorIs(t, err, cellular.ErrNotConnected)
	_, _, err = st.RecvFrom(h, make([]byte, 10))
	require.ErrorIs(t, err, cellular.ErrNotConnected)
	require.Empty(t, dev.Calls())

	require.NoError(t, st.Connect(context.Background(), h, remote4))
	n, err := st.Send(h, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestRecvWouldBlockPollsDevice(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h := openConnected(t, st, cellular.TCP)
	require.False(t, st.Readable(h))

	start := time.Now()
	n, err := st.Recv(h, make([]byte, 10))
	require.ErrorIs(t, err, cellular.ErrWouldBlock)
	require.Zero(t, n)
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Len(t, dev.CallsOf("recv"), 1)
}

func TestRecvClearsDataAvailable(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h := openConnected(t, st, cellular.TCP)
	info, err := st.Info(h)
	require.NoError(t, err)

	require.NoError(t, dev.Deliver(info.ID, netip.AddrPort{}, []byte("abcdef")))
	st.SignalReadyID(info.ID)
	require.True(t, st.Readable(h))

	buf := make([]byte, 4)
	n, err := st.Recv(h, buf)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(buf[:n]))
	require.True(t, st.Readable(h))

	n, err = st.Recv(h, buf)
	require.NoError(t, err)
	require.Equal(t, "ef", string(buf[:n]))

	_, err = st.Recv(h, buf)
	require.ErrorIs(t, err, cellular.ErrWouldBlock)
	require.False(t, st.Readable(h))
}

func TestRecvEOFAfterPeerClose(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h := openConnected(t, st, cellular.TCP)
	info, err := st.Info(h)
	require.NoError(t, err)

	require.NoError(t, dev.Deliver(info.ID, netip.AddrPort{}, []byte("bye")))
	st.SignalClosed(h)

	buf := make([]byte, 10)
	n, err := st.Recv(h, buf)
	require.NoError(t, err)
	require.Equal(t, "bye", string(buf[:n]))
	_, err = st.Recv(h, buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestSendToFragments(t *testing.T) {
	caps := defaultCaps()
	caps.MaxPacketSize = 5
	dev := fakemodem.New(caps)
	st := newStack(t, dev)
	h, err := st.Open(cellular.UDP)
	require.NoError(t, err)

	n, err := st.SendTo(h, remote4, []byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	sends := dev.CallsOf("send")
	require.Len(t, sends, 2)
	require.Equal(t, 5, sends[0].Len)
	require.Equal(t, 5, sends[1].Len)
	sock, ok := dev.Socket(sends[0].ID)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("01234"), []byte("56789")}, sock.Sent)
}

func TestSendFragmentFailureReportsPartialCount(t *testing.T) {
	caps := defaultCaps()
	caps.MaxPacketSize = 5
	dev := fakemodem.New(caps)
	dev.SendHook = func(call int, _ cellular.SocketInfo, p []byte) (int, error) {
		if call == 1 {
			return 0, errors.New("ERROR")
		}
		return len(p), nil
	}
	st := newStack(t, dev)
	h, err := st.Open(cellular.UDP)
	require.NoError(t, err)

	n, err := st.SendTo(h, remote4, []byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, dev.CallsOf("send"), 2)
}

func TestSendShortFragmentStops(t *testing.T) {
	caps := defaultCaps()
	caps.MaxPacketSize = 5
	dev := fakemodem.New(caps)
	dev.SendHook = func(_ int, _ cellular.SocketInfo, p []byte) (int, error) {
		return 3, nil
	}
	st := newStack(t, dev)
	h := openConnected(t, st, cellular.TCP)

	n, err := st.Send(h, []byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, dev.CallsOf("send"), 1)
}

func TestSendFirstFragmentErrors(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	dev.SendHook = func(int, cellular.SocketInfo, []byte) (int, error) {
		return 0, cellular.ErrWouldBlock
	}
	st := newStack(t, dev)
	h := openConnected(t, st, cellular.TCP)

	n, err := st.Send(h, []byte("data"))
	require.ErrorIs(t, err, cellular.ErrWouldBlock)
	require.Zero(t, n)

	// A modem that accepts nothing without an error cannot make progress either.
	dev.SendHook = func(int, cellular.SocketInfo, []byte) (int, error) {
		return 0, nil
	}
	n, err = st.Send(h, []byte("data"))
	require.ErrorIs(t, err, cellular.ErrWouldBlock)
	require.Zero(t, n)
	n, err = st.SendTo(h, netip.AddrPort{}, []byte("data"))
	require.ErrorIs(t, err, cellular.ErrWouldBlock)
	require.Zero(t, n)

	dev.SendHook = func(int, cellular.SocketInfo, []byte) (int, error) {
		return 0, errors.New("+CME ERROR: 100")
	}
	_, err = st.Send(h, []byte("data"))
	var devErr *cellular.DeviceError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, "send", devErr.Op)
	require.NotErrorIs(t, err, cellular.ErrWouldBlock)
}

// gatedChannel counts goroutines waiting for the channel.
type gatedChannel struct {
	*cellular.Gateway
	waiting atomic.Int32
}

func (c *gatedChannel) Acquire(ctx context.Context) error {
	c.waiting.Add(1)
	defer c.waiting.Add(-1)
	return c.Gateway.Acquire(ctx)
}

func TestCloseDuringFragmentedSend(t *testing.T) {
	caps := defaultCaps()
	caps.MaxPacketSize = 4
	dev := fakemodem.New(caps)
	ch := &gatedChannel{Gateway: cellular.NewChannel()}
	st := newStack(t, dev, func(c *cellular.Config) { c.Channel = ch })
	h := openConnected(t, st, cellular.TCP)

	closed := make(chan error, 1)
	dev.SendHook = func(call int, _ cellular.SocketInfo, p []byte) (int, error) {
		if call == 0 {
			go func() { closed <- st.Close(h) }()
			// The semaphore is FIFO, so the Close gets the channel before the next fragment.
			require.Eventually(t, func() bool { return ch.waiting.Load() == 1 }, time.Second, time.Millisecond)
			time.Sleep(20 * time.Millisecond)
		}
		return len(p), nil
	}

	n, err := st.Send(h, []byte("0123456789ab"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, <-closed)
	require.Len(t, dev.CallsOf("send"), 1)
	require.Zero(t, dev.OpenSockets())
}

func TestRecvFromPopulatesAddress(t *testing.T) {
	dev := fakemodem.New(defaultCaps())
	st := newStack(t, dev)
	h, err := st.Open(cellular.UDP)
	require.NoError(t, err)
	require.NoError(t, st.Bind(h, netip.MustParseAddrPort("0.0.0.0:6000")))

	buf := make([]byte, 16)
	n, from, err := st.RecvFrom(h, buf)
	require.ErrorIs(t, err, cellular.ErrWouldBlock)
	require.Zero(t, n)
	require.False(t, from.IsValid())
	require.Len(t, dev.CallsOf("create"), 1)

	info, err := st.Info(h)
	require.NoError(t, err)
	require.True(t, info.Created)
	require.False(t, info.Connected)

	src := netip.MustParseAddrPort("192.0.2.1:53")
	require.NoError(t, dev.Deliver(info.ID, src, []byte("answer")))
	n, from, err = st.RecvFrom(h, buf)
	require.NoError(t, err)
	require.Equal(t, "answer", string(buf[:n]))
	require.Equal(t, src, from)
}

func TestAttachCallback(t *testing.T) {
	st := newStack(t, fakemodem.New(defaultCaps()))
	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, st.Attach(h, func() { calls.Add(1) }))
	require.NoError(t, st.Connect(context.Background(), h, remote4))
	require.EqualValues(t, 1, calls.Load())

	info, err := st.Info(h)
	require.NoError(t, err)
	st.SignalReadyID(info.ID)
	st.SignalReady(h)
	st.SignalClosed(h)
	require.EqualValues(t, 4, calls.Load())
	require.True(t, st.Readable(h))

	require.NoError(t, st.Attach(h, nil))
	st.SignalReady(h)
	require.EqualValues(t, 4, calls.Load())

	// Unknown ids are ignored.
	st.SignalReadyID(12345)
	st.SignalClosedID(12345)
}

func TestSockOpt(t *testing.T) {
	plain := newStack(t, fakemodem.New(defaultCaps()))
	h, err := plain.Open(cellular.TCP)
	require.NoError(t, err)
	require.ErrorIs(t, plain.SetSockOpt(h, 1, 2, 3), cellular.ErrUnsupported)
	v, err := plain.GetSockOpt(h, 1, 2)
	require.ErrorIs(t, err, cellular.ErrUnsupported)
	require.Nil(t, v)

	st := newStack(t, fakemodem.NewExtended(defaultCaps()))
	h, err = st.Open(cellular.TCP)
	require.NoError(t, err)
	require.NoError(t, st.SetSockOpt(h, 1, 9, 60))
	v, err = st.GetSockOpt(h, 1, 9)
	require.NoError(t, err)
	require.Equal(t, 60, v)

	require.ErrorIs(t, st.SetSockOpt(h, 6, 1, true), cellular.ErrUnsupported)
	v, err = st.GetSockOpt(h, 6, 1)
	require.ErrorIs(t, err, cellular.ErrUnsupported)
	require.Nil(t, v)
}

func TestSockOptNotInheritedBySlotReuse(t *testing.T) {
	dev := fakemodem.NewExtended(defaultCaps())
	st := newStack(t, dev)
	first := openConnected(t, st, cellular.TCP)
	require.NoError(t, st.SetSockOpt(first, 1, 9, 60))
	require.NoError(t, st.Close(first))

	second := openConnected(t, st, cellular.TCP)
	require.Equal(t, first.Slot(), second.Slot())
	v, err := st.GetSockOpt(second, 1, 9)
	require.ErrorIs(t, err, cellular.ErrUnsupported)
	require.Nil(t, v)
}

func TestIPAddress(t *testing.T) {
	configured := newStack(t, fakemodem.New(defaultCaps()), func(c *cellular.Config) { c.IPAddress = "10.1.2.3" })
	ip, err := configured.IPAddress()
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3", ip)

	dev := fakemodem.New(defaultCaps())
	dev.Address = "32.1.13.184.0.0.0.0.0.0.0.0.0.0.0.1"
	st := newStack(t, dev, func(c *cellular.Config) { c.CID = 3; c.StackType = cellular.IPv6 })
	ip, err = st.IPAddress()
	require.NoError(t, err)
	require.Equal(t, dev.Address, ip)
	addr, err := st.Addr()
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("2001:db8::1"), addr)
	calls := dev.CallsOf("pdpaddress")
	require.Len(t, calls, 1)
	require.Equal(t, 3, calls[0].ID)

	empty := newStack(t, fakemodem.New(defaultCaps()))
	_, err = empty.IPAddress()
	var devErr *cellular.DeviceError
	require.ErrorAs(t, err, &devErr)
}

func TestChannelBusy(t *testing.T) {
	ch := cellular.NewChannel()
	st := newStack(t, fakemodem.New(defaultCaps()), func(c *cellular.Config) {
		c.Channel = ch
		c.ChannelTimeout = 20 * time.Millisecond
	})
	h, err := st.Open(cellular.TCP)
	require.NoError(t, err)

	require.True(t, ch.TryAcquire())
	err = st.Connect(context.Background(), h, remote4)
	require.ErrorIs(t, err, cellular.ErrChannelBusy)
	ch.Release()
	require.NoError(t, st.Connect(context.Background(), h, remote4))
}

func TestConcurrentSocketsKeepIndependentState(t *testing.T) {
	caps := defaultCaps()
	caps.MaxSockets = cellular.MaxSlots
	caps.MaxPacketSize = 3
	dev := fakemodem.New(caps)
	st := newStack(t, dev)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- func() error {
				for round := 0; round < 20; round++ {
					proto := cellular.TCP
					if i%2 == 1 {
						proto = cellular.UDP
					}
					h, err := st.Open(proto)
					if err != nil {
						return err
					}
					if err := st.Connect(context.Background(), h, remote4); err != nil {
						return err
					}
					msg := []byte(fmt.Sprintf("worker-%d-round-%d", i, round))
					n, err := st.Send(h, msg)
					if err != nil {
						return err
					}
					if n != len(msg) {
						return fmt.Errorf("sent %v of %v bytes", n, len(msg))
					}
					info, err := st.Info(h)
					if err != nil {
						return err
					}
					if !info.Created || !info.Connected || info.Protocol != proto {
						return fmt.Errorf("unexpected state %+v", info)
					}
					if err := st.Close(h); err != nil {
						return err
					}
				}
				return nil
			}()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.False(t, dev.Overlapped())
	require.Zero(t, dev.OpenSockets())
}
