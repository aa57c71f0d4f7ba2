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

// Package config loads the YAML configuration shared by the command line tools, and brings up the modem stack it
// describes.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/Jigsaw-Code/cellular-sdk/cellular/hostmodem"
	"github.com/goccy/go-yaml"
)

// Config is the root of the configuration file.
type Config struct {
	Modem ModemConfig `yaml:"modem"`
	DNS   DNSConfig   `yaml:"dns"`
	// PollInterval is how often blocked connections retry when the modem sends no notification.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// Trace, if set, is the path of a pcap file that receives a copy of the traffic.
	Trace string      `yaml:"trace,omitempty"`
	Proxy ProxyConfig `yaml:"proxy"`
	Tun   TunConfig   `yaml:"tun"`
}

// ModemConfig describes the emulated modem and its PDP context.
type ModemConfig struct {
	MaxSockets     int           `yaml:"max_sockets,omitempty"`
	MaxPacketSize  int           `yaml:"max_packet_size,omitempty"`
	CID            int           `yaml:"cid,omitempty"`
	Address        string        `yaml:"address,omitempty"`
	Stack          string        `yaml:"stack,omitempty"`
	ChannelTimeout time.Duration `yaml:"channel_timeout,omitempty"`
	DialTimeout    time.Duration `yaml:"dial_timeout,omitempty"`
}

// DNSConfig selects the resolver queried through the modem.
type DNSConfig struct {
	Server string `yaml:"server,omitempty"`
	// TCP sends every query over TCP instead of starting with UDP.
	TCP bool `yaml:"tcp,omitempty"`
}

// ProxyConfig configures the local SOCKS5 proxy.
type ProxyConfig struct {
	Listen   string `yaml:"listen,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// TunConfig configures the TUN device that routes a whole network through the modem.
type TunConfig struct {
	Name string `yaml:"name,omitempty"`
	IP   string `yaml:"ip,omitempty"`
	// Routes are the prefixes sent to the device.
	Routes []string `yaml:"routes,omitempty"`
	// TruncateDNS answers UDP DNS locally with truncated responses, and refuses other UDP traffic.
	TruncateDNS bool `yaml:"truncate_dns,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Modem: ModemConfig{CID: 1, Stack: "ipv4"},
		DNS:   DNSConfig{Server: "8.8.8.8:53"},
		Proxy: ProxyConfig{Listen: "localhost:1080"},
		Tun:   TunConfig{Name: "cell0", IP: "10.0.85.2"},
	}
}

// Load reads the file at path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg and validates the result. Unknown fields are errors.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the fields that can be checked without touching the network.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.StackType(); err != nil {
		errs = append(errs, err)
	}
	if c.Modem.Address != "" {
		if _, err := cellular.ParsePDPAddress(c.Modem.Address); err != nil {
			errs = append(errs, fmt.Errorf("modem.address: %w", err))
		}
	}
	if c.Modem.MaxSockets > cellular.MaxSlots {
		errs = append(errs, fmt.Errorf("modem.max_sockets %v is over the limit of %v", c.Modem.MaxSockets, cellular.MaxSlots))
	}
	if _, _, err := net.SplitHostPort(c.DNS.Server); err != nil {
		errs = append(errs, fmt.Errorf("dns.server: %w", err))
	}
	if _, err := netip.ParseAddr(c.Tun.IP); err != nil {
		errs = append(errs, fmt.Errorf("tun.ip: %w", err))
	}
	for _, r := range c.Tun.Routes {
		if _, err := netip.ParsePrefix(r); err != nil {
			errs = append(errs, fmt.Errorf("tun.routes: %w", err))
		}
	}
	if c.Modem.DialTimeout > 0 && c.Modem.DialTimeout >= c.channelTimeout() {
		errs = append(errs, fmt.Errorf("modem.dial_timeout %v must be shorter than modem.channel_timeout %v", c.Modem.DialTimeout, c.channelTimeout()))
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("poll_interval must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) channelTimeout() time.Duration {
	if c.Modem.ChannelTimeout > 0 {
		return c.Modem.ChannelTimeout
	}
	return cellular.DefaultChannelTimeout
}

// dialTimeout is modem.dial_timeout, or a default that lets a connect finish before other calls give up on the
// command channel.
func (c *Config) dialTimeout() time.Duration {
	if c.Modem.DialTimeout > 0 {
		return c.Modem.DialTimeout
	}
	return min(hostmodem.DefaultDialTimeout, c.channelTimeout()*4/5)
}

// StackType returns the parsed modem.stack.
func (c *Config) StackType() (cellular.StackType, error) {
	st, err := cellular.ParseStackType(c.Modem.Stack)
	if err != nil {
		return 0, fmt.Errorf("modem.stack: %w", err)
	}
	return st, nil
}
