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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/Jigsaw-Code/cellular-sdk/dns"
	"github.com/Jigsaw-Code/cellular-sdk/transport"
	"github.com/things-go/go-socks5"
)

// modemResolver resolves the names in SOCKS requests through the modem, so no query leaks to the host network.
type modemResolver struct {
	resolver  dns.Resolver
	stackType cellular.StackType
}

var _ socks5.NameResolver = (*modemResolver)(nil)

func (r *modemResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	ips, err := dns.LookupAddrs(ctx, r.resolver, name, r.stackType)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, net.IP(ips[0].AsSlice()), nil
}

type slogAdapter struct {
	log *slog.Logger
}

func (l slogAdapter) Errorf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf("socks5: "+format, args...))
}

type proxyConfig struct {
	dialer    transport.StreamDialer
	resolver  dns.Resolver
	stackType cellular.StackType
	username  string
	password  string
	log       *slog.Logger
}

// newSOCKSServer creates a SOCKS5 server whose CONNECT requests go out through the modem.
func newSOCKSServer(cfg proxyConfig) *socks5.Server {
	opts := []socks5.Option{
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !strings.HasPrefix(network, "tcp") {
				return nil, fmt.Errorf("network %v is not supported", network)
			}
			conn, err := cfg.dialer.DialStream(ctx, addr)
			if err != nil {
				cfg.log.Debug("dial failed", "addr", addr, "err", err)
				return nil, err
			}
			cfg.log.Debug("connected", "addr", addr)
			return conn, nil
		}),
		socks5.WithResolver(&modemResolver{resolver: cfg.resolver, stackType: cfg.stackType}),
		socks5.WithLogger(slogAdapter{cfg.log}),
	}
	if cfg.username != "" {
		cator := socks5.UserPassAuthenticator{Credentials: socks5.StaticCredentials{cfg.username: cfg.password}}
		opts = append(opts, socks5.WithAuthMethods([]socks5.Authenticator{cator}))
	}
	return socks5.NewServer(opts...)
}
