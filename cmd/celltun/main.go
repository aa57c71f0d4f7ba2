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

//go:build linux

// Command celltun routes the traffic of a TUN interface through a cellular modem. TCP connections are terminated
// by a user-space network stack and dialed again on the modem. UDP either gets its own modem sockets, or, with
// tun.truncate_dns, is reduced to DNS answered over TCP.
//
// It needs the CAP_NET_ADMIN capability to create the interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"

	"github.com/Jigsaw-Code/cellular-sdk/internal/config"
	"github.com/Jigsaw-Code/cellular-sdk/network"
	"github.com/Jigsaw-Code/cellular-sdk/network/dnstruncate"
	"github.com/Jigsaw-Code/cellular-sdk/network/lwip2cellular"
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
	nameFlag := flag.String("tun", "", "TUN interface name, overrides tun.name")
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

	if err := run(*configFlag, *nameFlag, logger); err != nil {
		slog.Error("celltun failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, tunName string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if tunName != "" {
		cfg.Tun.Name = tunName
	}

	session, err := config.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("could not start the modem: %w", err)
	}
	defer session.Close()

	var pp network.PacketProxy = dnstruncate.NewPacketProxy()
	if !cfg.Tun.TruncateDNS {
		pp, err = network.NewPacketProxyFromPacketListener(session.PacketListener)
		if err != nil {
			return err
		}
	}
	stackDev, err := lwip2cellular.ConfigureDevice(session.StreamDialer, pp)
	if err != nil {
		return fmt.Errorf("could not configure the network stack: %w", err)
	}
	defer stackDev.Close()

	tun, err := newTunDevice(cfg.Tun.Name, cfg.Tun.IP, cfg.Tun.Routes)
	if err != nil {
		return err
	}
	defer tun.Close()
	slog.Info("Routing through the modem", "device", tun.Name(), "address", cfg.Tun.IP, "routes", cfg.Tun.Routes)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		_, err := io.Copy(tun, stackDev)
		slog.Debug("Stack to TUN copy ended", "error", err)
		stop()
	}()
	go func() {
		_, err := io.Copy(stackDev, tun)
		slog.Debug("TUN to stack copy ended", "error", err)
		stop()
	}()
	<-ctx.Done()
	slog.Info("Shutting down")
	return nil
}
