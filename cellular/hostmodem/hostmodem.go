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

/*
Package hostmodem emulates a cellular modem on top of the sockets of the host operating system.

It implements the device interfaces of the cellular package the way a modem driver would, including the
asynchronous notifications that real modems send as unsolicited result codes: a goroutine per socket reads from the
network, buffers what arrives, and reports it through a [cellular.Notifier]. It is useful to bring up software
that targets a modem before the hardware is available, and to test the stack end to end.

	m := hostmodem.New(hostmodem.Config{})
	stack, err := cellular.NewStack(cellular.Config{Device: m})
	if err != nil {
		return err
	}
	m.SetNotifier(stack)
	defer m.Close()
*/
package hostmodem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
)

// Defaults used for zero [Config] fields. They match common LTE-M/NB-IoT modules.
const (
	DefaultMaxSockets    = 12
	DefaultMaxPacketSize = 1460
	DefaultCID           = 1
	DefaultDialTimeout   = 8 * time.Second
	DefaultWriteTimeout  = time.Second
	DefaultRecvBuffer    = 64 * 1024
	DefaultMaxDatagrams  = 32
)

// Config configures a [Modem].
type Config struct {
	// MaxSockets is the number of sockets the emulated modem can hold.
	MaxSockets int
	// MaxPacketSize is the largest payload of a single send.
	MaxPacketSize int
	// CID is the PDP context the modem reports an address for.
	CID int
	// Address is the PDP address to report. If empty, an address of the host is used.
	Address string
	// DialTimeout bounds TCP connection establishment. A connect holds the command channel of the
	// [cellular.Stack] while it dials, so DialTimeout must stay below the stack's ChannelTimeout, or every other
	// socket call fails with [cellular.ErrChannelBusy] while a dial to an unreachable host is pending.
	DialTimeout time.Duration
	// WriteTimeout bounds a single send. A send that cannot start within it reports [cellular.ErrWouldBlock].
	WriteTimeout time.Duration
	// RecvBuffer is how many bytes a TCP socket buffers before it stops reading from the network.
	RecvBuffer int
	// MaxDatagrams is how many UDP datagrams a socket buffers. Further datagrams are dropped.
	MaxDatagrams int
	// Logger is used for diagnostics. If nil, nothing is logged.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxSockets <= 0 {
		c.MaxSockets = DefaultMaxSockets
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.CID <= 0 {
		c.CID = DefaultCID
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RecvBuffer <= 0 {
		c.RecvBuffer = DefaultRecvBuffer
	}
	if c.MaxDatagrams <= 0 {
		c.MaxDatagrams = DefaultMaxDatagrams
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Modem is an emulated modem. Its device methods are meant to be called by a single [cellular.Stack], which
// serializes them.
type Modem struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	notifier cellular.Notifier
	sockets  map[int]*socket
	closed   bool
}

var (
	_ cellular.Device        = (*Modem)(nil)
	_ cellular.ListenDevice  = (*Modem)(nil)
	_ cellular.OptionDevice  = (*Modem)(nil)
	_ cellular.AddressDevice = (*Modem)(nil)
)

// New creates a Modem.
func New(cfg Config) *Modem {
	cfg.setDefaults()
	return &Modem{cfg: cfg, log: cfg.Logger, sockets: make(map[int]*socket)}
}

// SetNotifier sets the receiver of socket events, usually the [cellular.Stack] built on m.
func (m *Modem) SetNotifier(n cellular.Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// Close closes every socket. Device calls fail afterwards.
func (m *Modem) Close() error {
	m.mu.Lock()
	sockets := m.sockets
	m.sockets = make(map[int]*socket)
	m.closed = true
	m.mu.Unlock()
	for _, s := range sockets {
		s.close()
	}
	return nil
}

// LocalAddr returns the host address the device socket id is bound to.
func (m *Modem) LocalAddr(id int) (netip.AddrPort, bool) {
	s, err := m.lookup(id)
	if err != nil {
		return netip.AddrPort{}, false
	}
	addr := s.localAddr()
	return addr, addr.IsValid()
}

func (m *Modem) signalReady(id int) {
	m.mu.Lock()
	n := m.notifier
	m.mu.Unlock()
	if n != nil {
		n.SignalReadyID(id)
	}
}

func (m *Modem) signalClosed(id int) {
	m.mu.Lock()
	n := m.notifier
	m.mu.Unlock()
	if n != nil {
		n.SignalClosedID(id)
	}
}

func (m *Modem) lookup(id int) (*socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, net.ErrClosed
	}
	s, ok := m.sockets[id]
	if !ok {
		return nil, fmt.Errorf("no device socket %v", id)
	}
	return s, nil
}

// reserve returns the lowest free socket id, like modems number their connection contexts.
func (m *Modem) reserve(s *socket) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	for id := range m.cfg.MaxSockets {
		if _, used := m.sockets[id]; !used {
			s.id = id
			m.sockets[id] = s
			return id, nil
		}
	}
	return 0, cellular.ErrNoSocket
}

func (m *Modem) unreserve(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sockets, id)
}

// Capabilities implements [cellular.Device].
func (m *Modem) Capabilities() cellular.Capabilities {
	return cellular.Capabilities{
		MaxSockets:    m.cfg.MaxSockets,
		MaxPacketSize: m.cfg.MaxPacketSize,
		Protocols:     cellular.ProtocolsOf(cellular.TCP, cellular.UDP),
	}
}

// CreateSocket implements [cellular.Device]. A TCP socket with a remote address is connected right away. A TCP
// socket without one only becomes usable by [Modem.Listen].
func (m *Modem) CreateSocket(info cellular.SocketInfo) (int, error) {
	s := newSocket(m, info.Protocol)
	id, err := m.reserve(s)
	if err != nil {
		return 0, err
	}
	if err := m.open(s, info); err != nil {
		m.unreserve(id)
		return 0, err
	}
	m.log.Debug("hostmodem: socket created", "id", id, "proto", info.Protocol, "remote", info.Remote)
	return id, nil
}

func (m *Modem) open(s *socket, info cellular.SocketInfo) error {
	var local netip.AddrPort
	if info.Local.IsValid() {
		local = info.Local
	}
	switch info.Protocol {
	case cellular.TCP:
		s.bind = local
		if !info.Remote.IsValid() {
			return nil
		}
		d := net.Dialer{Timeout: m.cfg.DialTimeout}
		if local.IsValid() {
			d.LocalAddr = net.TCPAddrFromAddrPort(local)
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		defer cancel()
		conn, err := d.DialContext(ctx, "tcp", info.Remote.String())
		if err != nil {
			return fmt.Errorf("failed to connect to %v: %w", info.Remote, err)
		}
		s.attachTCP(conn.(*net.TCPConn))
		return nil
	case cellular.UDP:
		var laddr *net.UDPAddr
		if local.IsValid() {
			laddr = net.UDPAddrFromAddrPort(local)
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return fmt.Errorf("failed to open UDP socket: %w", err)
		}
		s.attachUDP(conn)
		return nil
	}
	return fmt.Errorf("protocol %v: %w", info.Protocol, cellular.ErrUnsupported)
}

// CloseSocket implements [cellular.Device]. Unknown ids are ignored.
func (m *Modem) CloseSocket(id int) error {
	m.mu.Lock()
	s, ok := m.sockets[id]
	delete(m.sockets, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.log.Debug("hostmodem: socket closed", "id", id)
	return s.close()
}

// SendTo implements [cellular.Device].
func (m *Modem) SendTo(info cellular.SocketInfo, addr netip.AddrPort, p []byte) (int, error) {
	s, err := m.lookup(info.ID)
	if err != nil {
		return 0, err
	}
	if len(p) > m.cfg.MaxPacketSize {
		p = p[:m.cfg.MaxPacketSize]
	}
	return s.send(addr, p, m.cfg.WriteTimeout)
}

// RecvFrom implements [cellular.Device]. A TCP socket whose peer closed returns no data and no error once its
// buffer is drained, and the close has been signaled.
func (m *Modem) RecvFrom(info cellular.SocketInfo, p []byte) (int, netip.AddrPort, error) {
	s, err := m.lookup(info.ID)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return s.recv(p)
}

// PDPAddress implements [cellular.AddressDevice].
func (m *Modem) PDPAddress(cid int) (string, error) {
	if cid != m.cfg.CID {
		return "", fmt.Errorf("no PDP context %v", cid)
	}
	if m.cfg.Address != "" {
		return m.cfg.Address, nil
	}
	ip, err := hostAddress()
	if err != nil {
		return "", err
	}
	return cellular.FormatPDPAddress(ip), nil
}

// hostAddress picks the address a modem would most likely get: the first global unicast IPv4 address of the host,
// then IPv6, then loopback.
func hostAddress() (netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list host addresses: %w", err)
	}
	var v6 netip.Addr
	for _, a := range addrs {
		prefix, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(prefix.IP)
		if !ok || !ip.IsGlobalUnicast() {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() {
			return ip, nil
		}
		if !v6.IsValid() {
			v6 = ip
		}
	}
	if v6.IsValid() {
		return v6, nil
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1}), nil
}

var errNotConnected = errors.New("socket has no connection")
