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
Package network defines the layer 3 interfaces used to route a whole IP network through the modem.

An [IPDevice] reads and writes raw IP packets. The [network/lwip2cellular] sub-package implements one with a
user-space TCP/IP stack that turns the packets into TCP streams, dialed with a [transport.StreamDialer], and UDP
sessions, handled by a [PacketProxy].
*/
package network
