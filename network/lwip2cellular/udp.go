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

package lwip2cellular

import (
	"fmt"
	"net"
	"sync"

	"github.com/Jigsaw-Code/cellular-sdk/network"
	"github.com/Jigsaw-Code/cellular-sdk/transport"
	lwip "github.com/eycorsican/go-tun2socks/core"
)

var _ lwip.UDPConnHandler = (*udpHandler)(nil)

type udpHandler struct {
	proxy network.PacketProxy

	mu sync.Mutex
	// sessions maps the local lwIP socket address to its session.
	sessions map[string]network.PacketRequestSender
}

func newUDPHandler(proxy network.PacketProxy) *udpHandler {
	return &udpHandler{proxy: proxy, sessions: make(map[string]network.PacketRequestSender, 8)}
}

// Connect implements [lwip.UDPConnHandler]. It is called for the first datagram of each local socket.
func (h *udpHandler) Connect(tunConn lwip.UDPConn, _ *net.UDPAddr) error {
	laddr := tunConn.LocalAddr().String()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[laddr]; ok {
		return fmt.Errorf("duplicated connection %v", laddr)
	}
	resp := &udpResponseReceiver{conn: tunConn, onClose: func() { h.remove(laddr) }}
	sender, err := h.proxy.NewSession(resp)
	if err != nil {
		tunConn.Close()
		return err
	}
	h.sessions[laddr] = sender
	return nil
}

func (h *udpHandler) remove(laddr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, laddr)
}

// ReceiveTo implements [lwip.UDPConnHandler].
func (h *udpHandler) ReceiveTo(tunConn lwip.UDPConn, data []byte, destAddr *net.UDPAddr) error {
	h.mu.Lock()
	sender, ok := h.sessions[tunConn.LocalAddr().String()]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %v->%v does not exist", tunConn.LocalAddr(), destAddr)
	}
	_, err := sender.WriteTo(data, destAddr.AddrPort())
	return err
}

func (h *udpHandler) closeAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]network.PacketRequestSender)
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// udpResponseReceiver writes the responses of a session back into lwIP.
type udpResponseReceiver struct {
	conn      lwip.UDPConn
	onClose   func()
	closeOnce sync.Once
}

var _ network.PacketResponseReceiver = (*udpResponseReceiver)(nil)

func (r *udpResponseReceiver) WriteFrom(p []byte, source net.Addr) (int, error) {
	ap, err := transport.AddrPortOf(source)
	if err != nil {
		return 0, err
	}
	return r.conn.WriteFrom(p, net.UDPAddrFromAddrPort(ap))
}

func (r *udpResponseReceiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.onClose()
		err = r.conn.Close()
	})
	return err
}
