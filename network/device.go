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

package network

// IPDevice is a virtual network device that exchanges raw IP packets.
type IPDevice interface {
	// Close closes the device. Read returns io.EOF and Write returns ErrClosed afterwards.
	Close() error

	// Read reads one IP packet into p. It blocks until a packet is available. Fragments are returned as they are,
	// without reassembly. If p is too small the excess bytes are discarded, like recvfrom does.
	Read(p []byte) (int, error)

	// Write writes the IP packet b. Packets larger than MTU fail with ErrMsgSize.
	Write(b []byte) (int, error)

	// MTU returns the largest packet the device can read or write.
	MTU() int
}
