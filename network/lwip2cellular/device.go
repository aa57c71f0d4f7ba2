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

package lwip2cellular

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Jigsaw-Code/cellular-sdk/network"
	"github.com/Jigsaw-Code/cellular-sdk/transport"
	lwip "github.com/eycorsican/go-tun2socks/core"
)

// packetMTU is the usual MTU of a cellular bearer.
const packetMTU = 1500

var _ network.IPDevice = (*lwIPDevice)(nil)

type lwIPDevice struct {
	tcp   *tcpHandler
	udp   *udpHandler
	stack lwip.LWIPStack

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	// stackGone is set once lwIP reported itself closed. Closing it again frees its memory twice.
	stackGone atomic.Bool

	// Packets produced by lwIP wait here until Read takes them.
	rdBuf chan []byte
	rdN   chan int
}

var instMu sync.Mutex
var inst *lwIPDevice

// ConfigureDevice sets up the lwIP device. TCP connections are dialed with sd and UDP traffic goes through pp.
func ConfigureDevice(sd transport.StreamDialer, pp network.PacketProxy) (network.IPDevice, error) {
	if sd == nil || pp == nil {
		return nil, errors.New("both sd and pp are required")
	}

	instMu.Lock()
	defer instMu.Unlock()

	if inst != nil {
		inst.Close()
	}
	inst = &lwIPDevice{
		tcp:   newTCPHandler(sd),
		udp:   newUDPHandler(pp),
		stack: lwip.NewLWIPStack(),
		done:  make(chan struct{}),
		rdBuf: make(chan []byte),
		rdN:   make(chan int),
	}
	lwip.RegisterTCPConnHandler(inst.tcp)
	lwip.RegisterUDPConnHandler(inst.udp)
	lwip.RegisterOutputFn(inst.forwardOutgoingIPPacket)
	return inst, nil
}

// Close implements [network.IPDevice]. It also ends the open UDP sessions.
func (d *lwIPDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.udp.closeAll()
		if !d.stackGone.Load() {
			d.closeErr = d.stack.Close()
		}
	})
	return d.closeErr
}

func (d *lwIPDevice) MTU() int {
	return packetMTU
}

// forwardOutgoingIPPacket hands a packet produced by lwIP to a pending Read.
func (d *lwIPDevice) forwardOutgoingIPPacket(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	select {
	case d.rdBuf <- b:
		select {
		case n := <-d.rdN:
			return n, nil
		case <-d.done:
			return 0, network.ErrClosed
		}
	case <-d.done:
		return 0, network.ErrClosed
	}
}

func (d *lwIPDevice) Read(p []byte) (int, error) {
	select {
	case b := <-d.rdBuf:
		n := copy(p, b)
		select {
		case d.rdN <- n:
		case <-d.done:
		}
		return n, nil
	case <-d.done:
		return 0, io.EOF
	}
}

// WriteTo copies the packets produced by lwIP to w, one Write per packet, until the device is closed.
func (d *lwIPDevice) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		select {
		case b := <-d.rdBuf:
			n, err := w.Write(b)
			total += int64(n)
			select {
			case d.rdN <- n:
			case <-d.done:
				return total, nil
			}
			if err != nil {
				return total, err
			}
		case <-d.done:
			return total, nil
		}
	}
}

func (d *lwIPDevice) Write(b []byte) (int, error) {
	select {
	case <-d.done:
		return 0, network.ErrClosed
	default:
	}
	if len(b) > packetMTU {
		return 0, fmt.Errorf("packet of %v bytes: %w", len(b), network.ErrMsgSize)
	}
	n, err := d.stack.Write(b)
	// lwIP reports a closed stack with an untyped error.
	if err != nil && err.Error() == "stack closed" {
		d.stackGone.Store(true)
		return n, network.ErrClosed
	}
	return n, err
}
