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
Package cellular exposes the sockets of a [modem.Stack] through the [transport] interfaces.

The Stack never blocks: calls that can't make progress return [modem.ErrWouldBlock]. The connections created here
turn that into the blocking behavior of [net.Conn]. A blocked call waits for the socket callback registered with
[modem.Stack.Attach], and also polls the modem periodically because socket notifications may be lost. Deadlines and
Close interrupt the wait.

[modem.Stack]: https://pkg.go.dev/github.com/Jigsaw-Code/cellular-sdk/cellular#Stack
[modem.ErrWouldBlock]: https://pkg.go.dev/github.com/Jigsaw-Code/cellular-sdk/cellular#ErrWouldBlock
[modem.Stack.Attach]: https://pkg.go.dev/github.com/Jigsaw-Code/cellular-sdk/cellular#Stack.Attach
*/
package cellular

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	modem "github.com/Jigsaw-Code/cellular-sdk/cellular"
)

// DefaultPollInterval is how often a blocked call asks the modem again when no notification arrives.
const DefaultPollInterval = 200 * time.Millisecond

// ResolveFunc returns the addresses of host.
type ResolveFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Option configures the dialers and listeners of this package.
type Option func(*options)

type options struct {
	resolve ResolveFunc
	poll    time.Duration
	local   netip.AddrPort
}

func newOptions(opts []Option) options {
	o := options{poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithResolver sets the function used to resolve domain names. Without it, only IP addresses can be dialed.
func WithResolver(resolve ResolveFunc) Option {
	return func(o *options) {
		o.resolve = resolve
	}
}

// WithPollInterval sets how often blocked calls poll the modem. Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithLocalAddr binds the sockets to local before they are used.
func WithLocalAddr(local netip.AddrPort) Option {
	return func(o *options) {
		o.local = local
	}
}

// resolveAddr returns the candidate endpoints for address, keeping only the families the stack can use.
func (o *options) resolveAddr(ctx context.Context, stack *modem.Stack, network, address string) ([]netip.AddrPort, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := net.LookupPort(network, portText)
	if err != nil {
		return nil, err
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), uint16(port))}, nil
	}
	if o.resolve == nil {
		return nil, &net.DNSError{Err: "no resolver configured", Name: host, IsNotFound: true}
	}
	ips, err := o.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var addrs []netip.AddrPort
	for _, ip := range ips {
		if stack.StackType().Allows(ip) {
			addrs = append(addrs, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no address for stack " + stack.StackType().String(), Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// dialEach tries every address in turn and returns the first success, or all the errors.
func dialEach[C any](ctx context.Context, addrs []netip.AddrPort, dial func(context.Context, netip.AddrPort) (C, error)) (C, error) {
	var errs []error
	for _, addr := range addrs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		conn, err := dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("dial %v: %w", addr, err))
	}
	var zero C
	return zero, errors.Join(errs...)
}

func netAddr(network string, ap netip.AddrPort) net.Addr {
	if network == "tcp" {
		return net.TCPAddrFromAddrPort(ap)
	}
	return net.UDPAddrFromAddrPort(ap)
}
