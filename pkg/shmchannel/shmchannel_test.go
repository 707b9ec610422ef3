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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarfs/pfs-go/pkg/wire"
)

// echoHandler assigns a fixed ConnID to the initial connect request and
// echoes the request's Type back with a nonzero Errno field cleared.
type echoHandler struct {
	nextConnID int64
}

func (h *echoHandler) Handle(req *wire.Request, rsp *wire.Response) {
	if req.Type == wire.TypeConnect {
		h.nextConnID++
		rsp.ConnID = h.nextConnID
		return
	}
	rsp.Type = req.Type
	rsp.ConnID = req.ConnID
	if req.Type == wire.TypeOpen {
		rsp.Open.Inode = 42
	}
}

func newConnectedPair(t *testing.T) (*Client, *Server) {
	t.Helper()
	win, err := NewWindow(DefaultWindowSize)
	require.NoError(t, err)

	clientEp, serverEp, err := NewPair(win)
	require.NoError(t, err)

	srv := NewServer(serverEp, &echoHandler{})
	go srv.Serve()

	return NewClient(clientEp), srv
}

func TestConnectAssignsConnID(t *testing.T) {
	c, srv := newConnectedPair(t)
	defer c.Close()
	defer srv.Close()

	connID, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), connID)
}

func TestSendRecvRoundTrip(t *testing.T) {
	c, srv := newConnectedPair(t)
	defer c.Close()
	defer srv.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	req := &wire.Request{Type: wire.TypeOpen}
	var rsp wire.Response
	require.NoError(t, c.SendRecv(context.Background(), req, &rsp))
	require.Equal(t, wire.TypeOpen, rsp.Type)
	require.Equal(t, int64(42), rsp.Open.Inode)
}

func TestAbortUnblocksPeer(t *testing.T) {
	win, err := NewWindow(DefaultWindowSize)
	require.NoError(t, err)
	clientEp, serverEp, err := NewPair(win)
	require.NoError(t, err)
	defer clientEp.Close()
	defer serverEp.Close()

	c := NewClient(clientEp)
	c.Abort()

	_, err = c.Connect(context.Background())
	require.Error(t, err)
}

func TestBufferAllocRejectsOversizedRequest(t *testing.T) {
	c, srv := newConnectedPair(t)
	defer c.Close()
	defer srv.Close()

	require.Panics(t, func() {
		c.BufferAlloc(int(c.ep.DataCap()) + 1)
	})
}
