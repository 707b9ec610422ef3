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
	"encoding/json"
	"fmt"

	"github.com/polarfs/pfs-go/pkg/wire"
)

// Handler processes one decoded wire.Request and fills in rsp. It is
// implemented by pkg/pfsdaemon's in-memory reference daemon.
type Handler interface {
	Handle(req *wire.Request, rsp *wire.Response)
}

// Server drives the ServerSide of an Endpoint pair, decoding each
// incoming datagram, invoking h, and sending the encoded response back —
// the shmchannel-facing half of what pfsd's poller threads do in the
// original daemon.
type Server struct {
	ep *Endpoint
	h  Handler
}

// NewServer wraps ep, which must be a freshly-constructed ServerSide
// Endpoint.
func NewServer(ep *Endpoint, h Handler) *Server {
	return &Server{ep: ep, h: h}
}

// Serve handles the connection handshake and then every subsequent
// request in a loop until the Endpoint shuts down. It is meant to run on
// its own goroutine, one per connected client, mirroring pfsd's
// one-poller-thread-per-request-slot model collapsed to one goroutine
// per shmchannel connection.
func (s *Server) Serve() error {
	dataLen, err := s.ep.RecvFirst()
	if err != nil {
		return fmt.Errorf("shmchannel: server recvfirst: %w", err)
	}

	for {
		var req wire.Request
		if err := json.Unmarshal(s.ep.Data()[:dataLen], &req); err != nil {
			return fmt.Errorf("shmchannel: server decode: %w", err)
		}

		var rsp wire.Response
		rsp.Type = req.Type
		rsp.ConnID = req.ConnID
		s.h.Handle(&req, &rsp)

		b, err := json.Marshal(&rsp)
		if err != nil {
			return fmt.Errorf("shmchannel: server encode: %w", err)
		}
		if len(b) > int(s.ep.DataCap()) {
			return fmt.Errorf("shmchannel: encoded response %d bytes exceeds window capacity %d", len(b), s.ep.DataCap())
		}
		copy(s.ep.Data(), b)

		dataLen, err = s.ep.SendRecv(uint32(len(b)))
		if err != nil {
			return fmt.Errorf("shmchannel: server sendrecv: %w", err)
		}
	}
}

// Close releases the server Endpoint's resources.
func (s *Server) Close() { s.ep.Close() }
