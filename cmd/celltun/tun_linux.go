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

package main

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/Jigsaw-Code/cellular-sdk/network"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

type tunDevice struct {
	*water.Interface
	link netlink.Link
}

var _ network.IPDevice = (*tunDevice)(nil)

// newTunDevice creates the TUN interface name with address ip, brings it up and routes prefixes to it.
func newTunDevice(name, ip string, routes []string) (_ *tunDevice, err error) {
	if name == "" {
		return nil, errors.New("name is required for TUN device")
	}
	tun, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name:    name,
			Persist: false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}
	defer func() {
		if err != nil {
			tun.Close()
		}
	}()

	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("newly created TUN device %q not found: %w", name, err)
	}
	d := &tunDevice{tun, link}
	addr, err := netlink.ParseAddr(ip + "/32")
	if err != nil {
		return nil, fmt.Errorf("address %q is not valid: %w", ip, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return nil, fmt.Errorf("failed to add address to %q: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("failed to bring %q up: %w", name, err)
	}
	for _, r := range routes {
		if err := d.addRoute(r); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *tunDevice) addRoute(prefix string) error {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return fmt.Errorf("route %q is not valid: %w", prefix, err)
	}
	dst, err := netlink.ParseIPNet(p.Masked().String())
	if err != nil {
		return err
	}
	route := netlink.Route{LinkIndex: d.link.Attrs().Index, Dst: dst, Scope: netlink.SCOPE_LINK}
	if err := netlink.RouteAdd(&route); err != nil {
		return fmt.Errorf("failed to route %v to %q: %w", p, d.Name(), err)
	}
	return nil
}

func (d *tunDevice) MTU() int {
	return 1500
}
