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

package cellular

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// StackType is the IP stack of the PDP context the sockets run on.
type StackType uint8

const (
	IPv4 StackType = iota + 1
	IPv6
	DualStack
)

func (t StackType) String() string {
	switch t {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case DualStack:
		return "dual"
	default:
		return "unknown"
	}
}

// ParseStackType parses the names returned by [StackType.String].
func ParseStackType(s string) (StackType, error) {
	switch strings.ToLower(s) {
	case "ipv4", "ip":
		return IPv4, nil
	case "ipv6":
		return IPv6, nil
	case "dual", "ipv4v6":
		return DualStack, nil
	}
	return 0, fmt.Errorf("unknown stack type %q: %w", s, ErrParameter)
}

// Allows reports whether addresses of ip's family can be used on this stack.
func (t StackType) Allows(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch t {
	case IPv4:
		return ip.Is4()
	case IPv6:
		return ip.Is6()
	case DualStack:
		return ip.IsValid()
	}
	return false
}

// pdpAddressSize fits the longest dotted IPv6 form (16 groups of up to 3 digits and 15 dots) plus a terminator.
const pdpAddressSize = 63 + 1

// pdpAddress is the fixed buffer holding the address of the PDP context.
type pdpAddress struct {
	buf [pdpAddressSize]byte
	n   int
}

func (a *pdpAddress) set(s string) error {
	if len(s) >= len(a.buf) {
		return fmt.Errorf("address %q longer than %v bytes: %w", s, len(a.buf)-1, ErrParameter)
	}
	a.n = copy(a.buf[:], s)
	return nil
}

func (a *pdpAddress) String() string {
	return string(a.buf[:a.n])
}

// ParsePDPAddress parses an address in the forms reported by modems for a PDP context: dotted-decimal IPv4
// (a1.a2.a3.a4), the 3GPP dotted IPv6 form with sixteen decimal octets (a1.a2...a16), or regular IPv6 text.
// Surrounding quotes and spaces are ignored.
func ParsePDPAddress(s string) (netip.Addr, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if strings.Contains(s, ":") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %w", ErrParameter, err)
		}
		return addr, nil
	}
	groups := strings.Split(s, ".")
	if len(groups) != 4 && len(groups) != 16 {
		return netip.Addr{}, fmt.Errorf("address %q has %v groups, want 4 or 16: %w", s, len(groups), ErrParameter)
	}
	var octets [16]byte
	for i, g := range groups {
		v, err := strconv.ParseUint(g, 10, 8)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad group %q in address %q: %w", g, s, ErrParameter)
		}
		octets[i] = byte(v)
	}
	if len(groups) == 4 {
		return netip.AddrFrom4([4]byte(octets[:4])), nil
	}
	return netip.AddrFrom16(octets), nil
}

// FormatPDPAddress formats ip the way modems report it: dotted-decimal for IPv4 and sixteen dot-separated decimal
// octets for IPv6.
func FormatPDPAddress(ip netip.Addr) string {
	ip = ip.Unmap()
	if !ip.Is6() {
		return ip.String()
	}
	var b strings.Builder
	for i, octet := range ip.As16() {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(int(octet)))
	}
	return b.String()
}
