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
Package transport has the interfaces the cellular sockets are exposed through, so that code written against them can
use the modem or the host network stack interchangeably.

  - [StreamDialer] creates stream connections (TCP) to a host:port address.
  - [PacketDialer] creates connected packet connections (UDP) to a host:port address.
  - [PacketListener] creates unconnected packet connections that can talk to several destinations.

The implementations backed by the modem live in the [github.com/Jigsaw-Code/cellular-sdk/transport/cellular]
package.
*/
package transport

import (
	"net"
	"net/netip"
	"strconv"
)

type domainAddr struct {
	network string
	address string
}

func (a *domainAddr) Network() string {
	return a.network
}

func (a *domainAddr) String() string {
	return a.address
}

var _ net.Addr = (*domainAddr)(nil)

// MakeNetAddr returns a [net.Addr] based on the network and address. Unlike [net.ResolveTCPAddr] and
// [net.ResolveUDPAddr], it never resolves domain names: it returns an address that keeps the name, which the
// modem side resolves later. The port must be numeric or a well-known service name.
func MakeNetAddr(network, address string) (net.Addr, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := net.LookupPort(network, portText)
	if err != nil {
		return nil, err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return &domainAddr{network: network, address: net.JoinHostPort(host, strconv.Itoa(port))}, nil
	}
	addrPort := netip.AddrPortFrom(ip, uint16(port))
	switch network {
	case "tcp", "tcp4", "tcp6":
		return net.TCPAddrFromAddrPort(addrPort), nil
	case "udp", "udp4", "udp6":
		return net.UDPAddrFromAddrPort(addrPort), nil
	}
	return nil, net.UnknownNetworkError(network)
}

// AddrPortOf returns the IP endpoint of addr, unmapping IPv4-mapped IPv6 addresses. It fails for addresses that
// carry a domain name.
func AddrPortOf(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, &net.AddrError{Err: "not an IP endpoint", Addr: addr.String()}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
