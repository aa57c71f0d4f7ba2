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
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/sync/errgroup"
)

func resolveIP(ctx context.Context, resolver Resolver, rrType dnsmessage.Type, hostname string) ([]netip.Addr, error) {
	q, err := NewQuestion(hostname, rrType)
	if err != nil {
		return nil, err
	}
	response, err := resolver.Query(ctx, *q)
	if err != nil {
		return nil, err
	}
	if response.RCode != dnsmessage.RCodeSuccess {
		return nil, &net.DNSError{
			Err:        fmt.Sprintf("got %v (%d)", response.RCode.String(), response.RCode),
			Name:       hostname,
			IsNotFound: response.RCode == dnsmessage.RCodeNameError,
		}
	}
	var ips []netip.Addr
	for _, answer := range response.Answers {
		if answer.Header.Type != rrType {
			continue
		}
		switch rr := answer.Body.(type) {
		case *dnsmessage.AResource:
			ips = append(ips, netip.AddrFrom4(rr.A))
		case *dnsmessage.AAAAResource:
			ips = append(ips, netip.AddrFrom16(rr.AAAA))
		}
	}
	return ips, nil
}

// LookupAddrs returns the addresses of host that can be used on a PDP context of the given stack type. On a dual
// stack it queries AAAA and A records in parallel and lists IPv6 addresses first. It only fails if no address
// was found. IP literals are returned as they are.
func LookupAddrs(ctx context.Context, resolver Resolver, host string, stackType cellular.StackType) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if !stackType.Allows(ip) {
			return nil, fmt.Errorf("address %v on %v stack: %w", ip, stackType, cellular.ErrUnsupported)
		}
		return []netip.Addr{ip.Unmap()}, nil
	}

	var v4, v6 []netip.Addr
	var v4Err, v6Err error
	var g errgroup.Group
	if stackType == cellular.IPv6 || stackType == cellular.DualStack {
		g.Go(func() error {
			v6, v6Err = resolveIP(ctx, resolver, dnsmessage.TypeAAAA, host)
			return v6Err
		})
	}
	if stackType == cellular.IPv4 || stackType == cellular.DualStack {
		g.Go(func() error {
			v4, v4Err = resolveIP(ctx, resolver, dnsmessage.TypeA, host)
			return v4Err
		})
	}
	waitErr := g.Wait()

	addrs := append(v6, v4...)
	if len(addrs) > 0 {
		return addrs, nil
	}
	if waitErr != nil {
		return nil, errors.Join(v6Err, v4Err)
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}
