// Copyright 2024 The PFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package channel declares the transport-independent contract the SDK
// façade (pkg/pfs) uses to exchange wire.Request/wire.Response with a
// daemon (spec.md §4.E). pkg/shmchannel is the concrete shared-memory
// implementation; the interface itself is grounded on the
// Connect/Reconnect/Close/SendRecv shape of gvisor's p9.Client in
// _examples/google-gvisor/pkg/p9/client.go, adapted from a 9P session to
// a single-request-in-flight-per-handle shared-memory session.
package channel

import (
	"context"

	"github.com/polarfs/pfs-go/pkg/wire"
)

// Client is one daemon session: a connection identity (ConnID) plus the
// buffer and synchronization machinery needed to exchange exactly one
// outstanding request/response pair at a time.
type Client interface {
	// Connect performs the initial handshake with the daemon, returning
	// the connection id the daemon assigns.
	Connect(ctx context.Context) (connID int64, err error)

	// Reconnect tears down and re-establishes the session after a fatal
	// transport error, preserving the caller's ability to retry pending
	// operations against a fresh ConnID.
	Reconnect(ctx context.Context) (connID int64, err error)

	// Close releases the channel's resources. It sends nothing to the
	// daemon.
	Close() error

	// Abort unblocks any goroutine currently parked in SendRecv,
	// causing it to return an error; used to unwind a session whose
	// daemon has stopped responding (spec.md §4.E's degraded-daemon
	// handling).
	Abort()

	// BufferAlloc reserves sz bytes of the shared request/response
	// buffer for a call about to be made, returning a slice the caller
	// fills in before SendRecv and reads from after. BufferFree returns
	// it.
	BufferAlloc(sz int) []byte
	BufferFree(buf []byte)

	// SendRecv sends req and blocks for the matching rsp, returning a
	// transport-level error (not a payload errno) only when the
	// exchange itself failed — a timeout, a severed channel, or an
	// Abort call.
	SendRecv(ctx context.Context, req *wire.Request, rsp *wire.Response) error

	// AtforkChildPost re-synchronizes channel-internal state after a
	// fork, in a child that must not believe it owns the parent's
	// in-flight exchange (mirrors pfsd_sdk_file_reinit's rwlock/mutex
	// re-init, applied to the channel instead of the fd table).
	AtforkChildPost()
}
