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
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"

	"github.com/Jigsaw-Code/cellular-sdk/transport"
	"golang.org/x/net/dns/dnsmessage"
)

var (
	// ErrBadRequest indicates the query could not be built.
	ErrBadRequest = errors.New("request input is invalid")
	// ErrDial indicates a failure to connect to the resolver.
	ErrDial = errors.New("dial DNS resolver failed")
	// ErrSend indicates a failure to send the query.
	ErrSend = errors.New("send DNS message failed")
	// ErrReceive indicates a failure to receive the answer.
	ErrReceive = errors.New("receive DNS message failed")
	// ErrBadResponse indicates the answer was malformed or didn't match the query.
	ErrBadResponse = errors.New("response message is invalid")
)

// Resolver can query the DNS with a question, and obtain a DNS message as response.
type Resolver interface {
	Query(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)
}

// FuncResolver is a [Resolver] that uses the given function to query DNS.
type FuncResolver func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)

// Query implements the [Resolver] interface.
func (f FuncResolver) Query(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	return f(ctx, q)
}

// NewQuestion is a convenience function to create a [dnsmessage.Question]. The domain is made fully qualified if
// it isn't.
func NewQuestion(domain string, qtype dnsmessage.Type) (*dnsmessage.Question, error) {
	fqdn := domain
	if !strings.HasSuffix(fqdn, ".") {
		fqdn += "."
	}
	name, err := dnsmessage.NewName(fqdn)
	if err != nil {
		return nil, fmt.Errorf("cannot parse domain name: %w", err)
	}
	return &dnsmessage.Question{
		Name:  name,
		Type:  qtype,
		Class: dnsmessage.ClassINET,
	}, nil
}

// maxUDPMessageSize is the EDNS(0) payload size we advertise. It fits the packet size of most modems and follows
// https://dnsflagday.net/2020/.
const maxUDPMessageSize = 1232

// appendRequest builds a query for q with the given id and appends it to buf.
func appendRequest(id uint16, q dnsmessage.Question, buf []byte) ([]byte, error) {
	b := dnsmessage.NewBuilder(buf, dnsmessage.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(q); err != nil {
		return nil, err
	}
	if err := b.StartAdditionals(); err != nil {
		return nil, err
	}
	var rh dnsmessage.ResourceHeader
	if err := rh.SetEDNS0(maxUDPMessageSize, dnsmessage.RCodeSuccess, false); err != nil {
		return nil, err
	}
	if err := b.OPTResource(rh, dnsmessage.OPTResource{}); err != nil {
		return nil, err
	}
	return b.Finish()
}

func foldCase(c byte) byte {
	if 'a' <= c && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

// equalASCIIName compares DNS names case-insensitively for ASCII letters only.
func equalASCIIName(x, y dnsmessage.Name) bool {
	if x.Length != y.Length {
		return false
	}
	for i := 0; i < int(x.Length); i++ {
		if foldCase(x.Data[i]) != foldCase(y.Data[i]) {
			return false
		}
	}
	return true
}

// checkResponse follows https://datatracker.ietf.org/doc/html/rfc5452#section-4.
func checkResponse(reqID uint16, reqQ dnsmessage.Question, respHdr dnsmessage.Header, respQs []dnsmessage.Question) error {
	if !respHdr.Response {
		return errors.New("response bit not set")
	}
	if reqID != respHdr.ID {
		return fmt.Errorf("message id does not match. Expected %v, got %v", reqID, respHdr.ID)
	}
	if len(respQs) == 0 {
		return errors.New("no questions in response")
	}
	respQ := respQs[0]
	if reqQ.Type != respQ.Type || reqQ.Class != respQ.Class || !equalASCIIName(reqQ.Name, respQ.Name) {
		return errors.New("response question doesn't match request")
	}
	return nil
}

// queryDatagram sends q on conn and returns the first answer that matches it. Unrelated or malformed datagrams are
// skipped, since anyone on the path can send them.
func queryDatagram(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	id := uint16(rand.Uint32())
	buf, err := appendRequest(id, q, make([]byte, 0, maxUDPMessageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSend, err)
	}
	buf = buf[:cap(buf)]
	var skipped []error
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReceive, errors.Join(append(skipped, err)...))
		}
		var msg dnsmessage.Message
		if err := msg.Unpack(buf[:n]); err != nil {
			skipped = append(skipped, fmt.Errorf("%w: %w", ErrBadResponse, err))
			continue
		}
		if err := checkResponse(id, q, msg.Header, msg.Questions); err != nil {
			skipped = append(skipped, fmt.Errorf("%w: %w", ErrBadResponse, err))
			continue
		}
		return &msg, nil
	}
}

// queryStream does a DNS exchange over a stream, where each message is prefixed by its 2-byte length.
func queryStream(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	id := uint16(rand.Uint32())
	buf, err := appendRequest(id, q, make([]byte, 2, 514))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	binary.BigEndian.PutUint16(buf, uint16(len(buf)-2))
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSend, err)
	}

	var msgLen uint16
	if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	if int(msgLen) <= cap(buf) {
		buf = buf[:msgLen]
	} else {
		buf = make([]byte, msgLen)
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	var msg dnsmessage.Message
	if err := msg.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if err := checkResponse(id, q, msg.Header, msg.Questions); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return &msg, nil
}

// ensurePort adds the default port to address if it has none.
func ensurePort(address string, defaultPort string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// No port, or an IPv6 literal without brackets.
		return net.JoinHostPort(address, defaultPort)
	}
	if port == "" {
		return net.JoinHostPort(host, defaultPort)
	}
	return address
}

// exchange runs query on conn, making ctx cancellation and deadline interrupt it.
func exchange(ctx context.Context, conn net.Conn, q dnsmessage.Question, query func(io.ReadWriter, dnsmessage.Question) (*dnsmessage.Message, error)) (*dnsmessage.Message, error) {
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	msg, err := query(conn, q)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", err, ctx.Err())
	}
	return msg, err
}

// NewUDPResolver creates a [Resolver] that implements the DNS-over-UDP protocol, using a [transport.PacketDialer]
// for transport. It uses a different socket for each query. The port defaults to 53.
func NewUDPResolver(pd transport.PacketDialer, resolverAddr string) Resolver {
	resolverAddr = ensurePort(resolverAddr, "53")
	return FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		conn, err := pd.DialPacket(ctx, resolverAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDial, err)
		}
		return exchange(ctx, conn, q, queryDatagram)
	})
}

// NewTCPResolver creates a [Resolver] that implements the DNS-over-TCP protocol, using a [transport.StreamDialer]
// for transport. It creates a new connection for each query. The port defaults to 53.
func NewTCPResolver(sd transport.StreamDialer, resolverAddr string) Resolver {
	resolverAddr = ensurePort(resolverAddr, "53")
	return FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		conn, err := sd.DialStream(ctx, resolverAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDial, err)
		}
		return exchange(ctx, conn, q, queryStream)
	})
}

// NewFallbackResolver creates a [Resolver] that queries udp first, and repeats the query with tcp if the answer
// has the truncated bit set, as in https://datatracker.ietf.org/doc/html/rfc7766#section-5. Errors from udp are
// returned as is.
func NewFallbackResolver(udp, tcp Resolver) Resolver {
	return FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		msg, err := udp.Query(ctx, q)
		if err != nil || !msg.Truncated {
			return msg, err
		}
		return tcp.Query(ctx, q)
	})
}
