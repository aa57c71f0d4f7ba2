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

package dns

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/Jigsaw-Code/cellular-sdk/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

var serverAnswer = netip.MustParseAddr("198.51.100.77")

func serverReply(t *testing.T, req []byte, truncated bool) []byte {
	var msg dnsmessage.Message
	require.NoError(t, msg.Unpack(req))
	resp := answerFor(msg, &dnsmessage.AResource{A: serverAnswer.As4()})
	if truncated {
		resp.Truncated = true
		resp.Answers = nil
	}
	buf, err := resp.Pack()
	require.NoError(t, err)
	return buf
}

// startUDPServer answers every query with a truncated message.
func startUDPServer(t *testing.T) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(serverReply(t, buf[:n], true), addr)
		}
	}()
	return pc.LocalAddr().String()
}

func startTCPServer(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var n uint16
				if binary.Read(conn, binary.BigEndian, &n) != nil {
					return
				}
				req := make([]byte, n)
				if _, err := io.ReadFull(conn, req); err != nil {
					return
				}
				resp := serverReply(t, req, false)
				conn.Write(append(binary.BigEndian.AppendUint16(nil, uint16(len(resp))), resp...))
			}()
		}
	}()
	return l.Addr().String()
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestUDPResolverTruncated(t *testing.T) {
	resolver := NewUDPResolver(&transport.UDPDialer{}, startUDPServer(t))
	q, err := NewQuestion("modem.example", dnsmessage.TypeA)
	require.NoError(t, err)
	resp, err := resolver.Query(testContext(t), *q)
	require.NoError(t, err)
	require.True(t, resp.Truncated)
	require.Empty(t, resp.Answers)
}

func TestTCPResolver(t *testing.T) {
	resolver := NewTCPResolver(&transport.TCPDialer{}, startTCPServer(t))
	q, err := NewQuestion("modem.example", dnsmessage.TypeA)
	require.NoError(t, err)
	resp, err := resolver.Query(testContext(t), *q)
	require.NoError(t, err)
	require.Len(t, resp.Answers, 1)
	require.Equal(t, serverAnswer.As4(), resp.Answers[0].Body.(*dnsmessage.AResource).A)
}

func TestFallbackResolverOverSockets(t *testing.T) {
	resolver := NewFallbackResolver(
		NewUDPResolver(&transport.UDPDialer{}, startUDPServer(t)),
		NewTCPResolver(&transport.TCPDialer{}, startTCPServer(t)),
	)
	addrs, err := LookupAddrs(testContext(t), resolver, "modem.example", cellular.IPv4)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{serverAnswer}, addrs)
}

func TestResolverDialError(t *testing.T) {
	resolver := NewTCPResolver(transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		require.Equal(t, "192.0.2.53:53", addr)
		return nil, net.ErrClosed
	}), "192.0.2.53")
	q, err := NewQuestion("modem.example", dnsmessage.TypeA)
	require.NoError(t, err)
	_, err = resolver.Query(context.Background(), *q)
	require.ErrorIs(t, err, ErrDial)
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestResolverCanceled(t *testing.T) {
	// A server that never answers.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	resolver := NewUDPResolver(&transport.UDPDialer{}, pc.LocalAddr().String())
	q, err := NewQuestion("modem.example", dnsmessage.TypeA)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = resolver.Query(ctx, *q)
	require.ErrorIs(t, err, context.Canceled)
}
