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
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/Jigsaw-Code/cellular-sdk/transport"
	lwip "github.com/eycorsican/go-tun2socks/core"
)

// dialTimeout bounds how long lwIP waits for the modem to open a connection.
const dialTimeout = 30 * time.Second

var _ lwip.TCPConnHandler = (*tcpHandler)(nil)

type tcpHandler struct {
	dialer transport.StreamDialer
}

func newTCPHandler(dialer transport.StreamDialer) *tcpHandler {
	return &tcpHandler{dialer}
}

// Handle implements [lwip.TCPConnHandler]. It runs on the lwIP goroutine, so the relay runs on its own.
func (h *tcpHandler) Handle(conn net.Conn, target *net.TCPAddr) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	remote, err := h.dialer.DialStream(ctx, target.String())
	if err != nil {
		return err
	}
	local, ok := conn.(transport.StreamConn)
	if !ok {
		remote.Close()
		return errors.New("lwIP connection does not support half close")
	}
	go relay(local, remote)
	return nil
}

// copyOneWay copies until EOF, then forwards the end of stream.
func copyOneWay(dst, src transport.StreamConn) (int64, error) {
	n, err := io.Copy(dst, src)
	dst.CloseWrite()
	src.CloseRead()
	return n, err
}

// relay copies in both directions until both are done.
func relay(left, right transport.StreamConn) (int64, int64, error) {
	type result struct {
		n   int64
		err error
	}
	ch := make(chan result)
	go func() {
		n, err := copyOneWay(right, left)
		ch <- result{n, err}
	}()
	n, err := copyOneWay(left, right)
	rs := <-ch
	if err == nil {
		err = rs.err
	}
	return n, rs.n, err
}
