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
Package dns resolves domain names through the modem.

Modems usually resolve names themselves with proprietary commands, but those don't exist for every dialect, can't be
pointed at a chosen resolver and don't return every record type. This package sends regular DNS queries over the
sockets of a [cellular.Stack] instead, using any [transport.PacketDialer] or [transport.StreamDialer].

The main concept is the [Resolver], which answers a single [dnsmessage.Question]:

  - [NewUDPResolver] implements [DNS-over-UDP], the usual way to query a resolver on port 53.
  - [NewTCPResolver] implements [DNS-over-TCP], which has no size limit.
  - [NewFallbackResolver] queries over UDP and repeats the query over TCP when the answer was truncated.

[LookupAddrs] uses a Resolver to find the addresses of a host that fit the IP stack of the PDP context, and
[NewStreamDialer] uses it to dial host names.

[cellular.Stack]: https://pkg.go.dev/github.com/Jigsaw-Code/cellular-sdk/cellular#Stack
[DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
[DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc7766
*/
package dns
