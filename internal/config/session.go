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

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/Jigsaw-Code/cellular-sdk/cellular/hostmodem"
	"github.com/Jigsaw-Code/cellular-sdk/dns"
	"github.com/Jigsaw-Code/cellular-sdk/internal/pcaptrace"
	"github.com/Jigsaw-Code/cellular-sdk/transport"
	celltransport "github.com/Jigsaw-Code/cellular-sdk/transport/cellular"
)

// Session is a running modem stack with the dialers built on it.
type Session struct {
	Stack    *cellular.Stack
	Modem    *hostmodem.Modem
	Resolver dns.Resolver
	// StreamDialer dials host names and addresses through the modem.
	StreamDialer transport.StreamDialer
	// PacketListener opens unconnected UDP sockets on the modem.
	PacketListener transport.PacketListener

	trace *os.File
	log   *slog.Logger
}

// Open brings up the modem described by cfg.
func Open(cfg Config, logger *slog.Logger) (_ *Session, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stackType, _ := cfg.StackType()
	s := &Session{log: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	var tracer cellular.Tracer
	if cfg.Trace != "" {
		s.trace, err = os.Create(cfg.Trace)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace file: %w", err)
		}
		w, err := pcaptrace.New(s.trace)
		if err != nil {
			return nil, err
		}
		tracer = w
	}

	s.Modem = hostmodem.New(hostmodem.Config{
		MaxSockets:    cfg.Modem.MaxSockets,
		MaxPacketSize: cfg.Modem.MaxPacketSize,
		CID:           cfg.Modem.CID,
		Address:       cfg.Modem.Address,
		DialTimeout:   cfg.dialTimeout(),
		Logger:        logger,
	})
	s.Stack, err = cellular.NewStack(cellular.Config{
		Device:         s.Modem,
		CID:            cfg.Modem.CID,
		StackType:      stackType,
		ChannelTimeout: cfg.Modem.ChannelTimeout,
		Logger:         logger,
		Tracer:         tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start modem stack: %w", err)
	}
	s.Modem.SetNotifier(s.Stack)

	var opts []celltransport.Option
	if cfg.PollInterval > 0 {
		opts = append(opts, celltransport.WithPollInterval(cfg.PollInterval))
	}
	direct := celltransport.NewStreamDialer(s.Stack, opts...)
	s.Resolver = dns.NewTCPResolver(direct, cfg.DNS.Server)
	if !cfg.DNS.TCP {
		udp := dns.NewUDPResolver(celltransport.NewPacketDialer(s.Stack, opts...), cfg.DNS.Server)
		s.Resolver = dns.NewFallbackResolver(udp, s.Resolver)
	}
	resolve := celltransport.WithResolver(dns.ResolveFunc(s.Resolver, stackType))
	s.StreamDialer = celltransport.NewStreamDialer(s.Stack, append(opts, resolve)...)
	s.PacketListener = celltransport.NewPacketListener(s.Stack, append(opts, resolve)...)

	if addr, err := s.Stack.IPAddress(); err == nil {
		logger.Info("modem ready", "address", addr, "stack", stackType, "sockets", s.Stack.Capabilities().MaxSockets)
	}
	return s, nil
}

// Close shuts the modem down and flushes the trace.
func (s *Session) Close() error {
	var errs []error
	if s.Modem != nil {
		errs = append(errs, s.Modem.Close())
	}
	if s.trace != nil {
		errs = append(errs, s.trace.Close())
	}
	return errors.Join(errs...)
}
