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
Package lwip2cellular routes the TCP and UDP traffic of raw IP packets through a modem. It runs the [lwIP] stack in
user space, through the [go-tun2socks] bindings: each TCP connection the stack terminates is dialed again with a
[transport.StreamDialer], and each UDP socket becomes a session of a [network.PacketProxy].

The lwIP bindings keep global state, so there is a single device per process. Configuring a new one closes the
previous one.

	stack, _ := cellular.NewStack(cfg)
	proxy, _ := network.NewPacketProxyFromPacketListener(celltransport.NewPacketListener(stack))
	dev, err := lwip2cellular.ConfigureDevice(celltransport.NewStreamDialer(stack), proxy)
	if err != nil {
		// handle error
	}

[lwIP]: https://savannah.nongnu.org/projects/lwip/
[go-tun2socks]: https://github.com/eycorsican/go-tun2socks
*/
package lwip2cellular
