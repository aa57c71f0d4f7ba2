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
	"github.com/Jigsaw-Code/cellular-sdk/transport"
)

// NewStreamDialer creates a [transport.StreamDialer] that resolves host names with resolver and tries each address
// with dialer, IPv6 first. Attempts are sequential: they share the single command channel of the modem anyway.
func NewStreamDialer(resolver Resolver, dialer transport.StreamDialer) (transport.StreamDialer, error) {
	if resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if dialer == nil {
		return nil, errors.New("dialer must not be nil")
	}
	return transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := LookupAddrs(ctx, resolver, host, cellular.DualStack)
		if err != nil {
			return nil, err
		}
		var errs []error
		for _, ip := range ips {
			conn, err := dialer.DialStream(ctx, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return nil, fmt.Errorf("dial %v: %w", addr, errors.Join(errs...))
	}), nil
}

// ResolveFunc adapts resolver to the resolve function used by the modem dialers, keeping only the addresses that
// fit stackType.
func ResolveFunc(resolver Resolver, stackType cellular.StackType) func(ctx context.Context, host string) ([]netip.Addr, error) {
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		return LookupAddrs(ctx, resolver, host, stackType)
	}
}
