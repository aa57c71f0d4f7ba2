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
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"
)

// DefaultChannelTimeout bounds how long a socket call waits for the command channel.
const DefaultChannelTimeout = 10 * time.Second

// Config configures a [Stack].
type Config struct {
	// Device implements the command dialect of the modem. Required.
	Device Device
	// Channel serializes the command exchanges. If nil, a new [Gateway] is used.
	Channel Channel
	// CID is the PDP context the sockets use.
	CID int
	// StackType is the IP stack of the PDP context. Defaults to IPv4.
	StackType StackType
	// IPAddress is the address assigned to the PDP context during bring-up, if known.
	IPAddress string
	// ChannelTimeout bounds the wait for the command channel. Defaults to DefaultChannelTimeout.
	ChannelTimeout time.Duration
	// Logger is used for diagnostics. If nil, nothing is logged.
	Logger *slog.Logger
	// Tracer, if set, observes every payload moved through the modem.
	Tracer Tracer
}

// Stack implements socket calls on top of a modem that is only reachable through a command channel.
//
// Calls never wait for network data: if the modem has nothing to deliver or cannot take more data they return
// [ErrWouldBlock], and the callback registered with [Stack.Attach] runs when the socket state changes.
//
// Multiple goroutines may invoke methods on a Stack simultaneously.
type Stack struct {
	dev       Device
	listenDev ListenDevice
	optDev    OptionDevice
	addrDev   AddressDevice

	ch        Channel
	caps      Capabilities
	cid       int
	stackType StackType
	timeout   time.Duration
	log       *slog.Logger
	tracer    Tracer

	table *slotTable
	// addr is protected by table.mu.
	addr pdpAddress
}

var _ Notifier = (*Stack)(nil)

// NewStack creates a Stack for cfg.Device. It queries the device capabilities once, and sizes the socket table
// accordingly.
func NewStack(cfg Config) (*Stack, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("device must not be nil: %w", ErrParameter)
	}
	s := &Stack{
		dev:       cfg.Device,
		ch:        cfg.Channel,
		cid:       cfg.CID,
		stackType: cfg.StackType,
		timeout:   cfg.ChannelTimeout,
		log:       cfg.Logger,
		tracer:    cfg.Tracer,
	}
	s.listenDev, _ = cfg.Device.(ListenDevice)
	s.optDev, _ = cfg.Device.(OptionDevice)
	s.addrDev, _ = cfg.Device.(AddressDevice)
	if s.ch == nil {
		s.ch = NewChannel()
	}
	if s.stackType == 0 {
		s.stackType = IPv4
	}
	if s.timeout <= 0 {
		s.timeout = DefaultChannelTimeout
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if err := s.addr.set(cfg.IPAddress); err != nil {
		return nil, err
	}

	if err := s.acquire(context.Background()); err != nil {
		return nil, err
	}
	s.caps = s.dev.Capabilities()
	s.ch.Release()
	if s.caps.MaxSockets <= 0 || s.caps.MaxPacketSize <= 0 {
		return nil, fmt.Errorf("invalid device capabilities %+v: %w", s.caps, ErrParameter)
	}
	s.table = newSlotTable(min(s.caps.MaxSockets, MaxSlots))
	return s, nil
}

// Capabilities returns the device capabilities, as reported when the Stack was created.
func (s *Stack) Capabilities() Capabilities { return s.caps }

// StackType returns the IP stack of the PDP context.
func (s *Stack) StackType() StackType { return s.stackType }

func (s *Stack) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.ch.Acquire(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelBusy, err)
	}
	return nil
}

// snapshot returns the state of h. The result may be stale as soon as it returns.
func (s *Stack) snapshot(h Handle) (SocketInfo, error) {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	sl, err := s.table.get(h)
	if err != nil {
		return SocketInfo{}, err
	}
	return sl.info(h), nil
}

// Info returns the current state of the socket h.
func (s *Stack) Info(h Handle) (SocketInfo, error) {
	return s.snapshot(h)
}

// Readable reports whether the modem signaled pending data for h since the last empty read. It is a hint:
// notifications can be lost or merged, so a socket that is not Readable may still have data.
func (s *Stack) Readable(h Handle) bool {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	sl, err := s.table.get(h)
	return err == nil && sl.dataAvailable
}

// Open reserves a socket for proto. The socket is created on the modem later, when it is first used.
func (s *Stack) Open(proto Protocol) (Handle, error) {
	if !s.caps.Protocols.Has(proto) {
		return Handle{}, fmt.Errorf("protocol %v: %w", proto, ErrUnsupported)
	}
	s.table.mu.Lock()
	h, _, err := s.table.alloc(proto)
	s.table.mu.Unlock()
	if err != nil {
		return Handle{}, err
	}
	s.log.Debug("cellular: socket open", "handle", h, "proto", proto)
	return h, nil
}

// Close releases the socket h. The slot is freed even if the modem fails to close its socket, because the handle
// is meaningless to the caller afterwards. Such failures are logged, not returned.
func (s *Stack) Close(h Handle) error {
	s.table.mu.Lock()
	sl, err := s.table.get(h)
	if err != nil {
		s.table.mu.Unlock()
		return err
	}
	if !sl.created {
		// Nothing on the modem yet. A create in flight for h notices the release and undoes itself.
		s.table.release(h)
		s.table.mu.Unlock()
		s.log.Debug("cellular: socket closed", "handle", h)
		return nil
	}
	s.table.mu.Unlock()

	if err := s.acquire(context.Background()); err != nil {
		s.table.mu.Lock()
		s.table.release(h)
		s.table.mu.Unlock()
		s.log.Warn("cellular: socket released without closing it on the modem", "handle", h, "err", err)
		return nil
	}
	defer s.ch.Release()

	s.table.mu.Lock()
	sl, err = s.table.get(h)
	if err != nil {
		s.table.mu.Unlock()
		return err
	}
	id, created := sl.id, sl.created
	s.table.mu.Unlock()

	if created {
		if err := s.dev.CloseSocket(id); err != nil {
			s.log.Warn("cellular: modem failed to close socket", "handle", h, "id", id, "err", err)
		}
	}
	s.table.mu.Lock()
	s.table.release(h)
	s.table.mu.Unlock()
	s.log.Debug("cellular: socket closed", "handle", h, "id", id)
	return nil
}

// Bind records the local endpoint of h. It doesn't contact the modem, and must happen before the socket is created.
func (s *Stack) Bind(h Handle, local netip.AddrPort) error {
	if !local.IsValid() {
		return fmt.Errorf("bind address %v: %w", local, ErrParameter)
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	sl, err := s.table.get(h)
	if err != nil {
		return err
	}
	if sl.created {
		return fmt.Errorf("bind on socket already created: %w", ErrInvalidState)
	}
	sl.local = local
	return nil
}

// ensureCreated creates the device socket for info if needed, and records it in the table. Caller must hold the
// channel. If h was closed meanwhile, the new device socket is closed again and ErrInvalidHandle returned.
func (s *Stack) ensureCreated(op string, info SocketInfo, update func(*slot)) (SocketInfo, error) {
	if info.Created {
		if update != nil {
			s.table.mu.Lock()
			defer s.table.mu.Unlock()
			sl, err := s.table.get(info.Handle)
			if err != nil {
				return SocketInfo{}, err
			}
			update(sl)
			return sl.info(info.Handle), nil
		}
		return info, nil
	}
	id, err := s.dev.CreateSocket(info)
	if err != nil {
		s.log.Debug("cellular: create socket failed", "handle", info.Handle, "err", err)
		return SocketInfo{}, wrapDeviceError(op, info.Handle, err)
	}
	s.table.mu.Lock()
	sl, err := s.table.get(info.Handle)
	if err != nil {
		s.table.mu.Unlock()
		if cerr := s.dev.CloseSocket(id); cerr != nil {
			s.log.Warn("cellular: modem failed to close orphan socket", "id", id, "err", cerr)
		}
		return SocketInfo{}, err
	}
	sl.id = id
	sl.created = true
	if update != nil {
		update(sl)
	}
	info = sl.info(info.Handle)
	s.table.mu.Unlock()
	s.log.Debug("cellular: socket created", "handle", info.Handle, "id", id, "proto", info.Protocol)
	return info, nil
}

// Listen puts h in listening mode. Most modems can't accept inbound connections, so this usually returns
// [ErrUnsupported].
func (s *Stack) Listen(h Handle, backlog int) error {
	if s.listenDev == nil {
		return fmt.Errorf("listen: %w", ErrUnsupported)
	}
	if err := s.acquire(context.Background()); err != nil {
		return err
	}
	defer s.ch.Release()

	info, err := s.snapshot(h)
	if err != nil {
		return err
	}
	if info.Protocol != TCP || info.Connected {
		return fmt.Errorf("listen on %v socket: %w", info.Protocol, ErrInvalidState)
	}
	info, err = s.ensureCreated("listen", info, nil)
	if err != nil {
		return err
	}
	if err := s.listenDev.Listen(info, backlog); err != nil {
		return wrapDeviceError("listen", h, err)
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	sl, err := s.table.get(h)
	if err != nil {
		return err
	}
	sl.listening = true
	return nil
}

// Accept returns a new socket for a pending inbound connection on the listening socket h. It never waits: without a
// pending connection it returns [ErrWouldBlock].
func (s *Stack) Accept(h Handle) (Handle, netip.AddrPort, error) {
	if s.listenDev == nil {
		return Handle{}, netip.AddrPort{}, fmt.Errorf("accept: %w", ErrUnsupported)
	}
	if err := s.acquire(context.Background()); err != nil {
		return Handle{}, netip.AddrPort{}, err
	}
	defer s.ch.Release()

	s.table.mu.Lock()
	sl, err := s.table.get(h)
	if err != nil {
		s.table.mu.Unlock()
		return Handle{}, netip.AddrPort{}, err
	}
	if !sl.listening {
		s.table.mu.Unlock()
		return Handle{}, netip.AddrPort{}, fmt.Errorf("accept on socket not listening: %w", ErrInvalidState)
	}
	info := sl.info(h)
	sl.dataAvailable = false
	s.table.mu.Unlock()

	id, remote, err := s.listenDev.Accept(info)
	if err != nil {
		return Handle{}, netip.AddrPort{}, wrapDeviceError("accept", h, err)
	}

	s.table.mu.Lock()
	nh, nsl, err := s.table.alloc(TCP)
	if err != nil {
		s.table.mu.Unlock()
		if cerr := s.dev.CloseSocket(id); cerr != nil {
			s.log.Warn("cellular: modem failed to close rejected socket", "id", id, "err", cerr)
		}
		return Handle{}, netip.AddrPort{}, err
	}
	nsl.id = id
	nsl.created = true
	nsl.connected = true
	nsl.local = info.Local
	nsl.remote = remote
	s.table.mu.Unlock()
	s.log.Debug("cellular: socket accepted", "listener", h, "handle", nh, "id", id, "remote", remote)
	return nh, remote, nil
}

// Connect sets the remote endpoint of h, creating the socket on the modem if needed. For TCP this establishes the
// connection; for UDP it only fixes the destination of Send.
func (s *Stack) Connect(ctx context.Context, h Handle, remote netip.AddrPort) error {
	if err := s.checkRemote(remote); err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.ch.Release()

	s.table.mu.Lock()
	sl, err := s.table.get(h)
	if err != nil {
		s.table.mu.Unlock()
		return err
	}
	info, listening := sl.info(h), sl.listening
	s.table.mu.Unlock()
	switch {
	case listening:
		return fmt.Errorf("connect on listening socket: %w", ErrInvalidState)
	case info.Protocol == TCP && info.Connected:
		return ErrAlreadyConnected
	case info.Protocol == TCP && info.Created:
		return fmt.Errorf("connect on TCP socket already created: %w", ErrInvalidState)
	}
	info.Remote = remote
	var cb func()
	_, err = s.ensureCreated("connect", info, func(sl *slot) {
		sl.remote = remote
		sl.connected = true
		cb = sl.callback
	})
	if err != nil {
		return err
	}
	s.log.Debug("cellular: socket connected", "handle", h, "remote", remote)
	if cb != nil {
		cb()
	}
	return nil
}

func (s *Stack) checkRemote(addr netip.AddrPort) error {
	if !addr.IsValid() || addr.Port() == 0 {
		return fmt.Errorf("remote address %v: %w", addr, ErrParameter)
	}
	if !s.stackType.Allows(addr.Addr()) {
		return fmt.Errorf("address %v on %v stack: %w", addr, s.stackType, ErrUnsupported)
	}
	return nil
}

// Send writes p to the connected socket h. Writes larger than the device packet size are split into several
// transfers. If a transfer fails after some bytes went out, Send returns the bytes sent so far and no error.
func (s *Stack) Send(h Handle, p []byte) (int, error) {
	info, err := s.snapshot(h)
	if err != nil {
		return 0, err
	}
	if !info.Connected {
		return 0, ErrNotConnected
	}
	return s.transferOut("send", h, info.Remote, p)
}

// SendTo writes p to addr. On a TCP socket addr is ignored and SendTo behaves like [Stack.Send].
func (s *Stack) SendTo(h Handle, addr netip.AddrPort, p []byte) (int, error) {
	info, err := s.snapshot(h)
	if err != nil {
		return 0, err
	}
	if info.Protocol == TCP {
		if !info.Connected {
			return 0, ErrNotConnected
		}
		addr = info.Remote
	} else if err := s.checkRemote(addr); err != nil {
		return 0, err
	}
	return s.transferOut("sendto", h, addr, p)
}

func (s *Stack) transferOut(op string, h Handle, addr netip.AddrPort, p []byte) (int, error) {
	sent := 0
	for {
		chunk := p[sent:]
		if len(chunk) > s.caps.MaxPacketSize {
			chunk = chunk[:s.caps.MaxPacketSize]
		}
		n, err := s.sendOnce(op, h, addr, chunk)
		sent += n
		if err != nil {
			if sent > 0 {
				s.log.Debug("cellular: short send", "handle", h, "sent", sent, "len", len(p), "err", err)
				return sent, nil
			}
			return 0, err
		}
		if sent == 0 && len(p) > 0 {
			// The modem took nothing and reported no error.
			return 0, ErrWouldBlock
		}
		if n < len(chunk) || sent >= len(p) {
			return sent, nil
		}
	}
}

func (s *Stack) sendOnce(op string, h Handle, addr netip.AddrPort, chunk []byte) (int, error) {
	if err := s.acquire(context.Background()); err != nil {
		return 0, err
	}
	defer s.ch.Release()

	info, err := s.snapshot(h)
	if err != nil {
		return 0, err
	}
	info, err = s.ensureCreated(op, info, nil)
	if err != nil {
		return 0, err
	}
	n, err := s.dev.SendTo(info, addr, chunk)
	n = max(0, min(n, len(chunk)))
	if n > 0 && s.tracer != nil {
		s.tracer.TraceSend(info.Protocol, s.localAddr(info), addr, chunk[:n])
	}
	return n, wrapDeviceError(op, h, err)
}

// Recv reads data pending on the connected socket h. It always asks the modem, even if no data was signaled. If
// there is nothing to read it returns [ErrWouldBlock], or [io.EOF] once the peer closed the connection.
func (s *Stack) Recv(h Handle, p []byte) (int, error) {
	info, err := s.snapshot(h)
	if err != nil {
		return 0, err
	}
	if !info.Connected {
		return 0, ErrNotConnected
	}
	n, _, err := s.recvOnce("recv", h, p)
	return n, err
}

// RecvFrom reads a datagram from h and returns its source. A UDP socket is created on the modem on first use, so
// Bind followed by RecvFrom works without Connect.
func (s *Stack) RecvFrom(h Handle, p []byte) (int, netip.AddrPort, error) {
	info, err := s.snapshot(h)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if info.Protocol == TCP && !info.Connected {
		return 0, netip.AddrPort{}, ErrNotConnected
	}
	return s.recvOnce("recvfrom", h, p)
}

func (s *Stack) recvOnce(op string, h Handle, p []byte) (int, netip.AddrPort, error) {
	if err := s.acquire(context.Background()); err != nil {
		return 0, netip.AddrPort{}, err
	}
	defer s.ch.Release()

	info, err := s.snapshot(h)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	info, err = s.ensureCreated(op, info, nil)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, from, err := s.dev.RecvFrom(info, p)
	if err == nil && n == 0 && info.Protocol == TCP && len(p) > 0 {
		err = ErrWouldBlock
	}
	if errors.Is(err, ErrWouldBlock) {
		s.table.mu.Lock()
		peerClosed := false
		if sl, lerr := s.table.get(h); lerr == nil {
			sl.dataAvailable = false
			peerClosed = sl.peerClosed
		}
		s.table.mu.Unlock()
		if peerClosed {
			return 0, netip.AddrPort{}, io.EOF
		}
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	if err != nil {
		return 0, netip.AddrPort{}, wrapDeviceError(op, h, err)
	}
	n = max(0, min(n, len(p)))
	if !from.IsValid() {
		from = info.Remote
	}
	if s.tracer != nil {
		s.tracer.TraceRecv(info.Protocol, s.localAddr(info), from, p[:n])
	}
	return n, from, nil
}

// localAddr is the local endpoint reported to the tracer.
func (s *Stack) localAddr(info SocketInfo) netip.AddrPort {
	if info.Local.IsValid() && !info.Local.Addr().IsUnspecified() {
		return info.Local
	}
	s.table.mu.Lock()
	text := s.addr.String()
	s.table.mu.Unlock()
	ip, err := ParsePDPAddress(text)
	if err != nil {
		return netip.AddrPortFrom(netip.Addr{}, info.Local.Port())
	}
	return netip.AddrPortFrom(ip, info.Local.Port())
}

// Attach registers callback to run when the state of h changes: data arrived, the peer closed, or a connection was
// established. The callback may also run spuriously, and it should only schedule a new attempt of the blocked call.
// It may run on the goroutine delivering modem events, so it must return quickly and must not call into the Stack.
// A nil callback removes the registration.
func (s *Stack) Attach(h Handle, callback func()) error {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	sl, err := s.table.get(h)
	if err != nil {
		return err
	}
	sl.callback = callback
	return nil
}

// SetSockOpt sets a device specific socket option.
func (s *Stack) SetSockOpt(h Handle, level, name int, value any) error {
	if s.optDev == nil {
		return fmt.Errorf("setsockopt: %w", ErrUnsupported)
	}
	if err := s.acquire(context.Background()); err != nil {
		return err
	}
	defer s.ch.Release()
	info, err := s.snapshot(h)
	if err != nil {
		return err
	}
	return wrapDeviceError("setsockopt", h, s.optDev.SetOption(info, level, name, value))
}

// GetSockOpt returns a device specific socket option.
func (s *Stack) GetSockOpt(h Handle, level, name int) (any, error) {
	if s.optDev == nil {
		return nil, fmt.Errorf("getsockopt: %w", ErrUnsupported)
	}
	if err := s.acquire(context.Background()); err != nil {
		return nil, err
	}
	defer s.ch.Release()
	info, err := s.snapshot(h)
	if err != nil {
		return nil, err
	}
	v, err := s.optDev.GetOption(info, level, name)
	if err != nil {
		return nil, wrapDeviceError("getsockopt", h, err)
	}
	return v, nil
}

// IPAddress returns the address of the PDP context in the textual form reported by the modem. If no address was
// configured it asks the device, when the device supports it, and caches the answer.
func (s *Stack) IPAddress() (string, error) {
	s.table.mu.Lock()
	text := s.addr.String()
	s.table.mu.Unlock()
	if text != "" {
		return text, nil
	}
	if s.addrDev == nil {
		return "", fmt.Errorf("pdp address: %w", ErrUnsupported)
	}
	if err := s.acquire(context.Background()); err != nil {
		return "", err
	}
	text, err := s.addrDev.PDPAddress(s.cid)
	s.ch.Release()
	if err != nil {
		return "", wrapDeviceError("pdp address", Handle{}, err)
	}
	if _, err := ParsePDPAddress(text); err != nil {
		return "", err
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if err := s.addr.set(text); err != nil {
		return "", err
	}
	return text, nil
}

// Addr returns the parsed address of the PDP context.
func (s *Stack) Addr() (netip.Addr, error) {
	text, err := s.IPAddress()
	if err != nil {
		return netip.Addr{}, err
	}
	return ParsePDPAddress(text)
}
