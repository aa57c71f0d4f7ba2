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
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func TestNewQuestion(t *testing.T) {
	for _, qtype := range []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA, dnsmessage.TypeCNAME} {
		q, err := NewQuestion("example.com.", qtype)
		require.NoError(t, err)
		require.Equal(t, dnsmessage.MustNewName("example.com."), q.Name)
		require.Equal(t, qtype, q.Type)
		require.Equal(t, dnsmessage.ClassINET, q.Class)
	}

	q, err := NewQuestion("modem.example", dnsmessage.TypeA)
	require.NoError(t, err)
	require.Equal(t, dnsmessage.MustNewName("modem.example."), q.Name)

	for _, root := range []string{"", "."} {
		q, err = NewQuestion(root, dnsmessage.TypeNS)
		require.NoError(t, err)
		require.Equal(t, dnsmessage.MustNewName("."), q.Name)
	}

	_, err = NewQuestion(strings.Repeat("a.", 200), dnsmessage.TypeAAAA)
	require.Error(t, err)
}

func TestAppendRequest(t *testing.T) {
	q, err := NewQuestion(".", dnsmessage.TypeAAAA)
	require.NoError(t, err)

	const id = uint16(4321)
	prefix := []byte{0xaa, 0xbb}
	buf, err := appendRequest(id, *q, append([]byte(nil), prefix...))
	require.NoError(t, err)
	require.Equal(t, prefix, buf[:2])
	// 12 bytes of header, 5 of question and 11 of EDNS(0) OPT record.
	require.Len(t, buf, 2+28)

	var request dnsmessage.Message
	require.NoError(t, request.Unpack(buf[2:]))
	require.Equal(t, id, request.ID)
	require.True(t, request.RecursionDesired)
	require.Equal(t, []dnsmessage.Question{*q}, request.Questions)
	require.Empty(t, request.Answers)
	require.Len(t, request.Additionals, 1)
	opt := request.Additionals[0]
	require.Equal(t, dnsmessage.TypeOPT, opt.Header.Type)
	// The OPT class carries the payload size, see https://datatracker.ietf.org/doc/html/rfc6891#section-6.1.2.
	require.Equal(t, dnsmessage.Class(maxUDPMessageSize), opt.Header.Class)
}

func TestEqualASCIIName(t *testing.T) {
	require.Equal(t, byte('Q'), foldCase('q'))
	require.Equal(t, byte('-'), foldCase('-'))
	require.Equal(t, byte(0xfd), foldCase(0xfd))

	require.True(t, equalASCIIName(dnsmessage.MustNewName("My-Modem.Example"), dnsmessage.MustNewName("mY-mODEM.eXAMPLE")))
	require.False(t, equalASCIIName(dnsmessage.MustNewName("example.com"), dnsmessage.MustNewName("example.net")))
	require.False(t, equalASCIIName(dnsmessage.MustNewName("example.com"), dnsmessage.MustNewName("example.com.br")))
}

func TestCheckResponse(t *testing.T) {
	const id = uint16(77)
	q := dnsmessage.Question{Name: dnsmessage.MustNewName("example.com."), Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}
	hdr := dnsmessage.Header{ID: id, Response: true}
	require.NoError(t, checkResponse(id, q, hdr, []dnsmessage.Question{q}))

	upper := q
	upper.Name = dnsmessage.MustNewName("EXAMPLE.com.")
	require.NoError(t, checkResponse(id, q, hdr, []dnsmessage.Question{upper}))

	notResponse := hdr
	notResponse.Response = false
	require.Error(t, checkResponse(id, q, notResponse, []dnsmessage.Question{q}))
	require.Error(t, checkResponse(id+1, q, hdr, []dnsmessage.Question{q}))
	require.Error(t, checkResponse(id, q, hdr, nil))

	for _, mutate := range []func(*dnsmessage.Question){
		func(q *dnsmessage.Question) { q.Type = dnsmessage.TypeAAAA },
		func(q *dnsmessage.Question) { q.Class = dnsmessage.ClassCHAOS },
		func(q *dnsmessage.Question) { q.Name = dnsmessage.MustNewName("other.example.") },
	} {
		bad := q
		mutate(&bad)
		require.Error(t, checkResponse(id, q, hdr, []dnsmessage.Question{bad}))
	}
}

func answerFor(req dnsmessage.Message, body dnsmessage.ResourceBody) dnsmessage.Message {
	q := req.Questions[0]
	return dnsmessage.Message{
		Header:    dnsmessage.Header{ID: req.ID, Response: true},
		Questions: []dnsmessage.Question{q},
		Answers: []dnsmessage.Resource{{
			Header: dnsmessage.ResourceHeader{Name: q.Name, Type: q.Type, Class: q.Class, TTL: 60},
			Body:   body,
		}},
		Authorities: []dnsmessage.Resource{},
		Additionals: []dnsmessage.Resource{},
	}
}

// pipeExchange runs query against server over an in-memory connection. With framed set, messages carry the
// 2-byte length prefix of DNS over TCP.
func pipeExchange(t *testing.T, framed bool, server func(req dnsmessage.Message, conn net.Conn)) (*dnsmessage.Message, error) {
	client, back := net.Pipe()
	defer back.Close()
	q, err := NewQuestion("example.com.", dnsmessage.TypeAAAA)
	require.NoError(t, err)

	type result struct {
		msg *dnsmessage.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer client.Close()
		query := queryDatagram
		if framed {
			query = queryStream
		}
		msg, err := query(client, *q)
		done <- result{msg, err}
	}()

	buf := make([]byte, 512)
	if framed {
		var n uint16
		require.NoError(t, binary.Read(back, binary.BigEndian, &n))
		buf = buf[:n]
		_, err = io.ReadFull(back, buf)
	} else {
		var n int
		n, err = back.Read(buf)
		buf = buf[:n]
	}
	require.NoError(t, err)
	var req dnsmessage.Message
	require.NoError(t, req.Unpack(buf))
	want, err := appendRequest(req.ID, *q, nil)
	require.NoError(t, err)
	require.Equal(t, want, buf)

	server(req, back)
	r := <-done
	return r.msg, r.err
}

func writeFramed(t *testing.T, conn net.Conn, msg []byte) {
	framed := binary.BigEndian.AppendUint16(nil, uint16(len(msg)))
	_, err := conn.Write(append(framed, msg...))
	require.NoError(t, err)
}

func TestQueryDatagram(t *testing.T) {
	t.Run("SkipsUnrelated", func(t *testing.T) {
		var sent dnsmessage.Message
		got, err := pipeExchange(t, false, func(req dnsmessage.Message, conn net.Conn) {
			_, err := conn.Write([]byte{0, 0})
			require.NoError(t, err)

			sent = answerFor(req, &dnsmessage.AAAAResource{AAAA: netip.IPv6Loopback().As16()})
			spoofed := sent
			spoofed.ID++
			buf, err := spoofed.Pack()
			require.NoError(t, err)
			_, err = conn.Write(buf)
			require.NoError(t, err)

			buf, err = sent.Pack()
			require.NoError(t, err)
			_, err = conn.Write(buf)
			require.NoError(t, err)
		})
		require.NoError(t, err)
		require.Equal(t, sent, *got)
	})
	t.Run("ClosedAfterGarbage", func(t *testing.T) {
		_, err := pipeExchange(t, false, func(req dnsmessage.Message, conn net.Conn) {
			_, err := conn.Write([]byte{0})
			require.NoError(t, err)
			conn.Close()
		})
		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, ErrBadResponse)
		require.ErrorIs(t, err, io.EOF)
	})
	t.Run("SendFails", func(t *testing.T) {
		client, back := net.Pipe()
		back.Close()
		q, err := NewQuestion("example.com.", dnsmessage.TypeAAAA)
		require.NoError(t, err)
		_, err = queryDatagram(client, *q)
		require.ErrorIs(t, err, ErrSend)
		require.ErrorIs(t, err, io.ErrClosedPipe)
	})
}

func TestQueryStream(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var sent dnsmessage.Message
		got, err := pipeExchange(t, true, func(req dnsmessage.Message, conn net.Conn) {
			sent = answerFor(req, &dnsmessage.AAAAResource{AAAA: netip.MustParseAddr("2001:db8::53").As16()})
			buf, err := sent.Pack()
			require.NoError(t, err)
			writeFramed(t, conn, buf)
		})
		require.NoError(t, err)
		require.Equal(t, sent, *got)
	})
	t.Run("ShortLength", func(t *testing.T) {
		_, err := pipeExchange(t, true, func(req dnsmessage.Message, conn net.Conn) {
			_, err := conn.Write([]byte{0})
			require.NoError(t, err)
			conn.Close()
		})
		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
	t.Run("ShortMessage", func(t *testing.T) {
		_, err := pipeExchange(t, true, func(req dnsmessage.Message, conn net.Conn) {
			_, err := conn.Write([]byte{0, 100, 0})
			require.NoError(t, err)
			conn.Close()
		})
		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
	t.Run("Malformed", func(t *testing.T) {
		_, err := pipeExchange(t, true, func(req dnsmessage.Message, conn net.Conn) {
			writeFramed(t, conn, []byte{0, 0})
		})
		require.ErrorIs(t, err, ErrBadResponse)
	})
	t.Run("WrongID", func(t *testing.T) {
		_, err := pipeExchange(t, true, func(req dnsmessage.Message, conn net.Conn) {
			resp := answerFor(req, &dnsmessage.AAAAResource{})
			resp.ID++
			buf, err := resp.Pack()
			require.NoError(t, err)
			writeFramed(t, conn, buf)
		})
		require.ErrorIs(t, err, ErrBadResponse)
	})
}

func TestEnsurePort(t *testing.T) {
	require.Equal(t, "example.com:8080", ensurePort("example.com:8080", "53"))
	require.Equal(t, "example.com:53", ensurePort("example.com", "53"))
	require.Equal(t, "example.com:53", ensurePort("example.com:", "53"))
	require.Equal(t, "8.8.8.8:53", ensurePort("8.8.8.8", "53"))
	require.Equal(t, "[2001:4860:4860::8888]:5353", ensurePort("[2001:4860:4860::8888]:5353", "53"))
	require.Equal(t, "[2001:4860:4860::8888]:53", ensurePort("2001:4860:4860::8888", "53"))
	require.Equal(t, "[2001:4860:4860::8888]:53", ensurePort("[2001:4860:4860::8888]:", "53"))
}

func TestNewFallbackResolver(t *testing.T) {
	q, err := NewQuestion("example.com", dnsmessage.TypeA)
	require.NoError(t, err)
	full := &dnsmessage.Message{Header: dnsmessage.Header{Response: true}}
	var tcpQueries int
	tcp := FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		tcpQueries++
		return full, nil
	})

	t.Run("NotTruncated", func(t *testing.T) {
		tcpQueries = 0
		short := &dnsmessage.Message{Header: dnsmessage.Header{Response: true}}
		udp := FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
			return short, nil
		})
		msg, err := NewFallbackResolver(udp, tcp).Query(context.Background(), *q)
		require.NoError(t, err)
		require.Same(t, short, msg)
		require.Zero(t, tcpQueries)
	})
	t.Run("Truncated", func(t *testing.T) {
		tcpQueries = 0
		udp := FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
			return &dnsmessage.Message{Header: dnsmessage.Header{Response: true, Truncated: true}}, nil
		})
		msg, err := NewFallbackResolver(udp, tcp).Query(context.Background(), *q)
		require.NoError(t, err)
		require.Same(t, full, msg)
		require.Equal(t, 1, tcpQueries)
	})
	t.Run("UDPError", func(t *testing.T) {
		tcpQueries = 0
		udpErr := errors.New("no route")
		udp := FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
			return nil, udpErr
		})
		_, err := NewFallbackResolver(udp, tcp).Query(context.Background(), *q)
		require.ErrorIs(t, err, udpErr)
		require.Zero(t, tcpQueries)
	})
}
