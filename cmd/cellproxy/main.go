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

// Command cellproxy runs a local SOCKS5 proxy whose connections go out through a cellular modem. The modem is
// emulated on the sockets of the host, which makes the tool handy to exercise software written for a modem before
// the hardware is at hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"

	"github.com/Jigsaw-Code/cellular-sdk/internal/config"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	configFlag := flag.String("config", "", "YAML config file")
	listenFlag := flag.String("listen", "", "Local proxy address, overrides proxy.listen")
	traceFlag := flag.String("trace", "", "Write a pcap trace of the modem traffic to this file")
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Proxy.Listen = *listenFlag
	}
	if *traceFlag != "" {
		cfg.Trace = *traceFlag
	}

	session, err := config.Open(cfg, logger)
	if err != nil {
		slog.Error("Could not start the modem", "error", err)
		os.Exit(1)
	}
	defer session.Close()
	stackType, _ := cfg.StackType()

	listener, err := net.Listen("tcp", cfg.Proxy.Listen)
	if err != nil {
		slog.Error("Could not listen", "address", cfg.Proxy.Listen, "error", err)
		os.Exit(1)
	}
	server := newSOCKSServer(proxyConfig{
		dialer:    session.StreamDialer,
		resolver:  session.Resolver,
		stackType: stackType,
		username:  cfg.Proxy.Username,
		password:  cfg.Proxy.Password,
		log:       logger,
	})
	slog.Info("Proxy listening", "address", listener.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		if err := server.Serve(listener); err != nil {
			slog.Debug("Proxy stopped", "error", err)
		}
		stop()
	}()
	<-ctx.Done()
	listener.Close()
	slog.Info("Shutting down")
}
