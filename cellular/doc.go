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
Package cellular maps socket calls onto a cellular modem that is controlled through a textual command channel (AT
commands).

The modem runs the IP stack itself. What the host sees is a handful of commands to create a socket, move a
fragment of data in or out of it, and close it, plus unsolicited messages announcing that data arrived or that the
peer went away. A [Stack] turns that into the usual socket calls (open, bind, connect, send, recv, ...), keeping
the per-socket state in a fixed table of slots.

# Device hooks

The commands differ between modem families. A family is supported by implementing [Device], plus optionally
[ListenDevice], [OptionDevice] and [AddressDevice]. The Stack calls these methods while holding exclusive use of
the [Channel], one command exchange at a time.

# Non-blocking calls

Stack calls never wait for network data. When the modem has nothing to deliver, or can't take more data,
they return [ErrWouldBlock]. The device reports events through [Notifier]; the Stack then runs the callback
registered with [Stack.Attach], which should schedule a new attempt. Package
github.com/Jigsaw-Code/cellular-sdk/transport/cellular builds blocking net.Conn values on top of this.
*/
package cellular
