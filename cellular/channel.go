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
	"context"

	"golang.org/x/sync/semaphore"
)

// Channel is the serialized command channel to the modem. Only one command/response exchange may be in flight at a
// time, for all sockets together.
type Channel interface {
	// Acquire takes exclusive use of the channel, waiting until ctx is done at most.
	Acquire(ctx context.Context) error
	// Release gives up exclusive use of the channel.
	Release()
}

// Gateway is a [Channel] backed by a weighted semaphore of size one.
//
// Multiple goroutines may invoke methods on a Gateway simultaneously.
type Gateway struct {
	sem *semaphore.Weighted
}

var _ Channel = (*Gateway)(nil)

// NewChannel creates a new [Gateway].
func NewChannel() *Gateway {
	return &Gateway{sem: semaphore.NewWeighted(1)}
}

// Acquire implements [Channel].
func (g *Gateway) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire takes the channel only if it is free right now.
func (g *Gateway) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release implements [Channel].
func (g *Gateway) Release() {
	g.sem.Release(1)
}
