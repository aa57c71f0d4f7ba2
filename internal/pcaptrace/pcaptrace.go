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

// Package pcaptrace records the traffic of the modem sockets as a pcap capture.
//
// The modem never exposes IP packets, only payloads. The [Writer] wraps each payload in a synthetic IPv4 or IPv6
// packet with a TCP or UDP header, so that the capture opens in the usual tools. TCP sequence numbers are kept per
// direction, which lets tools reassemble the streams.
package pcaptrace

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Jigsaw-Code/cellular-sdk/cellular"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	snapLen = 65536
	// maxPayload keeps the synthetic packets within the IP length field.
	maxPayload = 65535 - 60 - 60
)

type flowKey struct {
	src, dst netip.AddrPort
}

// Writer is a [cellular.Tracer] that writes pcap records.
//
// Multiple goroutines may invoke methods on a Writer simultaneously.
type Writer struct {
	mu  sync.Mutex
	out *pcapgo.Writer
	seq map[flowKey]uint32
	err error
	// now is replaced in tests.
	now func() time.Time
}

var _ cellular.Tracer = (*Writer)(nil)

// New writes the pcap file header to w and returns a Writer that appends records to it.
func New(w io.Writer) (*Writer, error) {
	out := pcapgo.NewWriter(w)
	if err := out.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{out: out, seq: make(map[flowKey]uint32), now: time.Now}, nil
}

// TraceSend implements [cellular.Tracer].
func (w *Writer) TraceSend(proto cellular.Protocol, local, remote netip.AddrPort, p []byte) {
	w.record(proto, local, remote, p)
}

// TraceRecv implements [cellular.Tracer].
func (w *Writer) TraceRecv(proto cellular.Protocol, local, remote netip.AddrPort, p []byte) {
	w.record(proto, remote, local, p)
}

// Err returns the first error writing a record. Tracing stops after an error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) record(proto cellular.Protocol, src, dst netip.AddrPort, p []byte) {
	if len(p) > maxPayload {
		p = p[:maxPayload]
	}
	src, dst = matchFamilies(src, dst)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	var seq uint32
	if proto == cellular.TCP {
		key := flowKey{src, dst}
		seq = w.seq[key]
		w.seq[key] = seq + uint32(len(p))
	}
	data, err := buildPacket(proto, src, dst, seq, p)
	if err != nil {
		w.err = err
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: w.now(), CaptureLength: len(data), Length: len(data)}
	if err := w.out.WritePacket(ci, data); err != nil {
		w.err = fmt.Errorf("failed to write pcap record: %w", err)
	}
}

// matchFamilies fills in unknown addresses with the unspecified address of the other side's family.
func matchFamilies(src, dst netip.AddrPort) (netip.AddrPort, netip.AddrPort) {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	dst = netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port())
	is6 := src.Addr().Is6() || dst.Addr().Is6()
	fix := func(ap netip.AddrPort) netip.AddrPort {
		switch {
		case is6 && !ap.Addr().Is6():
			if ap.Addr().Is4() {
				return netip.AddrPortFrom(netip.AddrFrom16(ap.Addr().As16()), ap.Port())
			}
			return netip.AddrPortFrom(netip.IPv6Unspecified(), ap.Port())
		case !is6 && !ap.Addr().IsValid():
			return netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
		}
		return ap
	}
	return fix(src), fix(dst)
}

func buildPacket(proto cellular.Protocol, src, dst netip.AddrPort, seq uint32, payload []byte) ([]byte, error) {
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	ipProto := layers.IPProtocolTCP
	if proto == cellular.UDP {
		ipProto = layers.IPProtocolUDP
	}
	if src.Addr().Is6() {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: ipProto,
			SrcIP:      net.IP(src.Addr().AsSlice()),
			DstIP:      net.IP(dst.Addr().AsSlice()),
		}
		network, ipLayer = ip, ip
	} else {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Flags:    layers.IPv4DontFragment,
			Protocol: ipProto,
			SrcIP:    net.IP(src.Addr().AsSlice()),
			DstIP:    net.IP(dst.Addr().AsSlice()),
		}
		network, ipLayer = ip, ip
	}

	var transportLayer interface {
		gopacket.SerializableLayer
		SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
	}
	switch proto {
	case cellular.TCP:
		transportLayer = &layers.TCP{
			SrcPort: layers.TCPPort(src.Port()),
			DstPort: layers.TCPPort(dst.Port()),
			Seq:     seq,
			ACK:     true,
			PSH:     true,
			Window:  65535,
		}
	case cellular.UDP:
		transportLayer = &layers.UDP{
			SrcPort: layers.UDPPort(src.Port()),
			DstPort: layers.UDPPort(dst.Port()),
		}
	default:
		return nil, fmt.Errorf("cannot trace protocol %v", proto)
	}
	if err := transportLayer.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ipLayer, transportLayer, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to build packet: %w", err)
	}
	return buf.Bytes(), nil
}
