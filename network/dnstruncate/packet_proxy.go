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

package dnstruncate

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/Jigsaw-Code/cellular-sdk/network"
	"golang.org/x/net/dns/dnsmessage"
)

const dnsPort = 53

type truncateProxy struct{}

var _ network.PacketProxy = (*truncateProxy)(nil)

// NewPacketProxy creates a [network.PacketProxy] that never sends anything to the network.
func NewPacketProxy() network.PacketProxy {
	return &truncateProxy{}
}

func (p *truncateProxy) NewSession(respWriter network.PacketResponseReceiver) (network.PacketRequestSender, error) {
	if respWriter == nil {
		return nil, errors.New("respWriter is required")
	}
	return &truncateSession{respWriter: respWriter}, nil
}

type truncateSession struct {
	closed     atomic.Bool
	respWriter network.PacketResponseReceiver
}

var _ network.PacketRequestSender = (*truncateSession)(nil)

func (s *truncateSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return network.ErrClosed
	}
	return s.respWriter.Close()
}

// WriteTo answers the query p as if destination had replied with a truncated response.
func (s *truncateSession) WriteTo(p []byte, destination netip.AddrPort) (int, error) {
	if s.closed.Load() {
		return 0, network.ErrClosed
	}
	if destination.Port() != dnsPort {
		return 0, fmt.Errorf("UDP to port %v: %w", destination.Port(), network.ErrPortUnreachable)
	}
	resp, err := truncatedResponse(p)
	if err != nil {
		return 0, err
	}
	if _, err := s.respWriter.WriteFrom(resp, net.UDPAddrFromAddrPort(destination)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// truncatedResponse builds a successful response to query with the TC bit set and the questions echoed back.
func truncatedResponse(query []byte) ([]byte, error) {
	var parser dnsmessage.Parser
	hdr, err := parser.Start(query)
	if err != nil {
		return nil, fmt.Errorf("invalid DNS query: %w", err)
	}
	if hdr.Response {
		return nil, errors.New("invalid DNS query: message is a response")
	}
	questions, err := parser.AllQuestions()
	if err != nil {
		return nil, fmt.Errorf("invalid DNS query: %w", err)
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, len(query)), dnsmessage.Header{
		ID:               hdr.ID,
		Response:         true,
		OpCode:           hdr.OpCode,
		Truncated:        true,
		RecursionDesired: hdr.RecursionDesired,
		RCode:            dnsmessage.RCodeSuccess,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	for _, q := range questions {
		if err := b.Question(q); err != nil {
			return nil, fmt.Errorf("failed to echo question: %w", err)
		}
	}
	return b.Finish()
}
