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
Package dnstruncate answers DNS queries locally with truncated responses, so that clients retry them over TCP. It
lets a network stack work through a modem without spending scarce modem sockets on UDP: DNS moves to TCP, and any
other UDP traffic is refused with [network.ErrPortUnreachable].

	proxy := dnstruncate.NewPacketProxy()
	dev, err := lwip2cellular.ConfigureDevice(dialer, proxy)
*/
package dnstruncate
