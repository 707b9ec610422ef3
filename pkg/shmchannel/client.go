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

package shmchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/polarfs/pfs-go/pkg/wire"
)

// DefaultWindowSize is the packet window size used when callers don't
// need a larger one. Messages are JSON, which base64-encodes a byte
// payload and so grows it by a third; 8 MiB holds one IOSIZE_MAX-sized
// READ/WRITE payload after that growth, plus its envelope (spec.md §4.F
// chunking at IOSIZE_MAX).
const DefaultWindowSize = 8*1024*1024 + PacketHeaderBytes

// Client adapts an Endpoint to the channel.Client interface (pkg/channel),
// encoding wire.Request/wire.Response as JSON into the packet window —
// the same codec flipcall's own handshake uses in ctrl_futex.go, just
// applied to every message instead of only the connection handshake.
type Client struct {
	mu sync.Mutex
	ep *Endpoint

	connID int64
}

// NewClient wraps ep, which must be a freshly-constructed ClientSide
// Endpoint whose peer RecvFirst has not yet been called.
func NewClient(ep *Endpoint) *Client {
	return &Client{ep: ep}
}

// Connect implements channel.Client.
func (c *Client) Connect(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ep.Connect(); err != nil {
		return 0, fmt.Errorf("shmchannel: connect: %w", err)
	}
	req := &wire.Request{}
	var rsp wire.Response
	if err := c.sendRecvLocked(req, &rsp); err != nil {
		return 0, err
	}
	c.connID = rsp.ConnID
	return rsp.ConnID, nil
}

// Reconnect implements channel.Client. The packet window and pipes are
// still valid (they are owned by the caller, not renegotiated per
// spec.md §4.E), so reconnecting is just re-running the handshake.
func (c *Client) Reconnect(ctx context.Context) (int64, error) {
	glog.Warningf("shmchannel: reconnecting, previous connid=%d", c.connID)
	return c.Connect(ctx)
}

// Close implements channel.Client.
func (c *Client) Close() error {
	c.ep.Close()
	return nil
}

// Abort implements channel.Client.
func (c *Client) Abort() {
	c.ep.Shutdown()
}

// BufferAlloc implements channel.Client. The packet window is a single
// shared buffer, so BufferAlloc just hands back a view into it; callers
// must not call SendRecv again until BufferFree.
func (c *Client) BufferAlloc(sz int) []byte {
	if sz > int(c.ep.DataCap()) {
		panic(fmt.Sprintf("shmchannel: buffer request %d exceeds window capacity %d", sz, c.ep.DataCap()))
	}
	return c.ep.Data()[:sz]
}

// BufferFree implements channel.Client. There is nothing to release: the
// packet window is reused in place by the next SendRecv.
func (c *Client) BufferFree(buf []byte) {}

// SendRecv implements channel.Client.
func (c *Client) SendRecv(ctx context.Context, req *wire.Request, rsp *wire.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req.ConnID = c.connID
	return c.sendRecvLocked(req, rsp)
}

func (c *Client) sendRecvLocked(req *wire.Request, rsp *wire.Response) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("shmchannel: encode request: %w", err)
	}
	if len(b) > int(c.ep.DataCap()) {
		return fmt.Errorf("shmchannel: encoded request %d bytes exceeds window capacity %d", len(b), c.ep.DataCap())
	}
	copy(c.ep.Data(), b)

	n, err := c.ep.SendRecv(uint32(len(b)))
	if err != nil {
		return fmt.Errorf("shmchannel: sendrecv: %w", err)
	}
	if err := json.Unmarshal(c.ep.Data()[:n], rsp); err != nil {
		return fmt.Errorf("shmchannel: decode response: %w", err)
	}
	return nil
}

// AtforkChildPost implements channel.Client. A forked child inherits the
// parent's pipe fds and packet window but must never believe a SendRecv it did
// not issue is still in flight, so the mutex is simply reset: any
// goroutine that held it in the parent does not exist in the child.
func (c *Client) AtforkChildPost() {
	c.mu = sync.Mutex{}
}
