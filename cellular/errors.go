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
	"errors"
	"fmt"
)

// Errors returned by [Stack]. They may be wrapped, and should be tested with [errors.Is].
var (
	// ErrNoSocket is returned by Open when every slot is in use or the device cannot take more sockets.
	ErrNoSocket = errors.New("no socket available")

	// ErrUnsupported is returned when the device does not support the requested protocol, option or operation.
	ErrUnsupported = fmt.Errorf("operation not supported by the modem: %w", errors.ErrUnsupported)

	// ErrInvalidHandle is returned when a handle does not refer to an open socket. This includes handles of sockets
	// that have already been closed.
	ErrInvalidHandle = errors.New("invalid socket handle")

	// ErrInvalidState is returned when the socket is not in a state that allows the operation, for example binding a
	// socket that already exists on the modem.
	ErrInvalidState = errors.New("socket in wrong state for operation")

	// ErrNotConnected is returned by Send and Recv on a socket without a remote endpoint.
	ErrNotConnected = errors.New("socket is not connected")

	// ErrAlreadyConnected is returned by Connect on a TCP socket that is already connected.
	ErrAlreadyConnected = errors.New("socket is already connected")

	// ErrWouldBlock means the operation cannot make progress right now and should be retried later. It is not a
	// failure: callers are expected to wait for the socket callback and try again.
	ErrWouldBlock = errors.New("operation would block")

	// ErrChannelBusy is returned when the command channel could not be acquired within the configured timeout.
	ErrChannelBusy = errors.New("command channel busy")

	// ErrParameter is returned for malformed arguments, such as an invalid address.
	ErrParameter = errors.New("invalid parameter")
)

// DeviceError reports a failure of a command exchange with the modem.
type DeviceError struct {
	// Op is the socket operation that failed, e.g. "connect" or "send".
	Op     string
	Handle Handle
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Handle.IsValid() {
		return fmt.Sprintf("cellular %v %v: %v", e.Op, e.Handle, e.Err)
	}
	return fmt.Sprintf("cellular %v: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// wrapDeviceError leaves control signals and already classified errors untouched, and wraps everything else in a
// [DeviceError] so callers can tell a broken exchange from "try again".
func wrapDeviceError(op string, h Handle, err error) error {
	if err == nil {
		return nil
	}
	var devErr *DeviceError
	switch {
	case errors.Is(err, ErrWouldBlock), errors.Is(err, ErrUnsupported), errors.Is(err, ErrNoSocket),
		errors.Is(err, ErrChannelBusy), errors.As(err, &devErr):
		return err
	}
	return &DeviceError{Op: op, Handle: h, Err: err}
}
