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

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrClosed is returned by I/O on a device or proxy session that has been closed, possibly by another goroutine
	// while the call was in progress. Test for it with errors.Is(err, network.ErrClosed).
	ErrClosed = errors.New("network device already closed")

	// ErrPortUnreachable means the remote port cannot be reached, or that traffic to it is refused locally.
	ErrPortUnreachable = errors.New("port is not reachable")

	// ErrMsgSize is returned by a Write on a device when the packet is larger than the device MTU.
	ErrMsgSize = fmt.Errorf("packet size is too big: %w", syscall.EMSGSIZE)
)
