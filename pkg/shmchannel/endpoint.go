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

// Package shmchannel implements the shared-memory transport a pfs SDK
// client uses to talk to its co-resident daemon (spec.md §4.E), adapted
// from the packet-window control-transfer model of gvisor's
// pkg/flipcall and pkg/unet.
//
// One simplification from the teacher: flipcall hands control to its
// peer by FUTEX_WAKEing a shared futex word mapped into both processes.
// Getting a raw futex(2) wait/wake pair right without being able to
// compile and run it is exactly the kind of subtle concurrency code this
// package chooses not to gamble on; a connected pair of pipes (one per
// direction) gives the same "block until the peer hands back control"
// semantics through plain read/write. Everything else — the packet
// window holding a single in-flight datagram, the active/inactive
// Endpoint handoff, the client/server Connect/RecvFirst/SendRecv/
// SendLast shape — follows flipcall directly.
package shmchannel

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Side indicates which end of a connection an Endpoint is.
type Side int

const (
	// ClientSide is initially active; its first call must be Connect.
	ClientSide Side = iota
	// ServerSide is initially inactive; its first call must be RecvFirst.
	ServerSide
)

// PacketHeaderBytes is the size of the datagram-length prefix at the
// start of the packet window.
const PacketHeaderBytes = 4

// MinWindowSize is the smallest packet window NewWindow accepts.
const MinWindowSize = 4096

// Window is a packet window: a shared byte buffer holding at most one
// in-flight datagram, prefixed by its length. Two Endpoints connected to
// each other hold the same Window.
type Window struct {
	buf []byte
}

// NewWindow allocates a packet window of size bytes, which must be at
// least MinWindowSize.
func NewWindow(size int) (*Window, error) {
	if size < MinWindowSize {
		return nil, fmt.Errorf("shmchannel: window size %d below minimum %d", size, MinWindowSize)
	}
	return &Window{buf: make([]byte, size)}, nil
}

func (w *Window) dataCap() uint32 { return uint32(len(w.buf) - PacketHeaderBytes) }

func (w *Window) data() []byte { return w.buf[PacketHeaderBytes:] }

func (w *Window) loadLen() uint32 { return binary.LittleEndian.Uint32(w.buf[:PacketHeaderBytes]) }

func (w *Window) storeLen(n uint32) { binary.LittleEndian.PutUint32(w.buf[:PacketHeaderBytes], n) }

// pipe is a unidirectional one-byte wakeup signal built from a real OS
// pipe: a write unblocks exactly one pending read.
type pipe struct {
	r, w int
}

func newPipe() (*pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("shmchannel: pipe2: %w", err)
	}
	return &pipe{r: fds[0], w: fds[1]}, nil
}

func (p *pipe) wake() error {
	var b [1]byte
	_, err := unix.Write(p.w, b[:])
	return err
}

func (p *pipe) wait() error {
	var b [1]byte
	for {
		n, err := unix.Read(p.r, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("shmchannel: wakeup pipe closed")
		}
		return nil
	}
}

func (p *pipe) close() {
	unix.Close(p.r)
	unix.Close(p.w)
}

// Endpoint is one side of a shared-memory connection, mirroring
// flipcall.Endpoint. toPeer wakes the peer's fromPeer; a connected pair
// is built by NewPair.
type Endpoint struct {
	side Side
	win  *Window

	toPeer   *pipe
	fromPeer *pipe

	shutdown uint32
}

// NewPair returns a connected client/server Endpoint pair sharing win.
func NewPair(win *Window) (client, server *Endpoint, err error) {
	c2s, err := newPipe()
	if err != nil {
		return nil, nil, err
	}
	s2c, err := newPipe()
	if err != nil {
		c2s.close()
		return nil, nil, err
	}
	client = &Endpoint{side: ClientSide, win: win, toPeer: c2s, fromPeer: s2c}
	server = &Endpoint{side: ServerSide, win: win, toPeer: s2c, fromPeer: c2s}
	return client, server, nil
}

// Data returns the datagram area of the packet window.
func (ep *Endpoint) Data() []byte { return ep.win.data() }

// DataCap returns the maximum datagram size this Endpoint's window can
// hold.
func (ep *Endpoint) DataCap() uint32 { return ep.win.dataCap() }

// shutdownError is returned once an Endpoint has been shut down.
type shutdownError struct{}

func (shutdownError) Error() string { return "shmchannel: connection shut down" }

// Shutdown causes blocked and future calls on ep to return an error; it
// also wakes the peer so a blocked peer call unblocks with the same
// error. Safe to call more than once, and concurrently with other
// Endpoint methods (the one exception flipcall also carves out).
func (ep *Endpoint) Shutdown() {
	if atomic.SwapUint32(&ep.shutdown, 1) != 0 {
		return
	}
	ep.toPeer.wake()
}

func (ep *Endpoint) isShutdown() bool { return atomic.LoadUint32(&ep.shutdown) != 0 }

// Close releases the Endpoint's pipe fds. Both Endpoints of a pair must
// call Close; each owns (and closes) only its own two pipe ends to
// avoid a double-close, since toPeer/fromPeer are shared with the peer
// Endpoint's fromPeer/toPeer.
func (ep *Endpoint) Close() {
	ep.toPeer.close()
}

// Connect blocks until the peer Endpoint calls RecvFirst.
//
// Preconditions: ep is a client Endpoint; Connect has never been called.
func (ep *Endpoint) Connect() error {
	if ep.side != ClientSide {
		panic("shmchannel: Connect called on a server Endpoint")
	}
	if ep.isShutdown() {
		return shutdownError{}
	}
	if err := ep.toPeer.wake(); err != nil {
		return err
	}
	if err := ep.fromPeer.wait(); err != nil {
		return err
	}
	if ep.isShutdown() {
		return shutdownError{}
	}
	return nil
}

// RecvFirst blocks until the peer Endpoint calls SendRecv, then returns
// the datagram length it sent.
//
// Preconditions: ep is a server Endpoint; RecvFirst has never been
// called.
func (ep *Endpoint) RecvFirst() (uint32, error) {
	if ep.side != ServerSide {
		panic("shmchannel: RecvFirst called on a client Endpoint")
	}
	if err := ep.fromPeer.wait(); err != nil {
		return 0, err
	}
	if ep.isShutdown() {
		return 0, shutdownError{}
	}
	// Reply to the implicit handshake so Connect's caller unblocks.
	if err := ep.toPeer.wake(); err != nil {
		return 0, err
	}
	if err := ep.fromPeer.wait(); err != nil {
		return 0, err
	}
	if ep.isShutdown() {
		return 0, shutdownError{}
	}
	n := ep.win.loadLen()
	if n > ep.win.dataCap() {
		return 0, fmt.Errorf("shmchannel: invalid datagram length %d (maximum %d)", n, ep.win.dataCap())
	}
	return n, nil
}

// SendRecv transfers control to the peer with a datagram of dataLen
// bytes already written to ep.Data(), then blocks until the peer calls
// SendRecv or SendLast, returning the datagram length it sent back.
func (ep *Endpoint) SendRecv(dataLen uint32) (uint32, error) {
	if dataLen > ep.win.dataCap() {
		panic(fmt.Sprintf("shmchannel: datagram length %d exceeds maximum %d", dataLen, ep.win.dataCap()))
	}
	if ep.isShutdown() {
		return 0, shutdownError{}
	}
	ep.win.storeLen(dataLen)
	if err := ep.toPeer.wake(); err != nil {
		return 0, err
	}
	if err := ep.fromPeer.wait(); err != nil {
		return 0, err
	}
	if ep.isShutdown() {
		return 0, shutdownError{}
	}
	n := ep.win.loadLen()
	if n > ep.win.dataCap() {
		return 0, fmt.Errorf("shmchannel: invalid datagram length %d (maximum %d)", n, ep.win.dataCap())
	}
	return n, nil
}

// SendLast causes the peer's blocked SendRecv or RecvFirst call to
// return with a datagram of dataLen bytes already written to ep.Data().
// It does not itself block.
func (ep *Endpoint) SendLast(dataLen uint32) error {
	if dataLen > ep.win.dataCap() {
		panic(fmt.Sprintf("shmchannel: datagram length %d exceeds maximum %d", dataLen, ep.win.dataCap()))
	}
	if ep.isShutdown() {
		return shutdownError{}
	}
	ep.win.storeLen(dataLen)
	return ep.toPeer.wake()
}
