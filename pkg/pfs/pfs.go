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

// Package pfs is the SDK façade: the POSIX-like entry points an
// application links against (spec.md §4.H), grounded directly on the
// pfsd_* public functions in original_source/src/pfs_sdk/pfsd_sdk.cc and
// pfsd_sdk_mount.cc. Every exported function here wraps a CHECK_MOUNT /
// send-request / CHECK_STALE / translate-errno sequence matching that
// source's macros.
package pfs

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/channel"
	"github.com/polarfs/pfs-go/pkg/fdtable"
	"github.com/polarfs/pfs-go/pkg/mount"
	"github.com/polarfs/pfs-go/pkg/pfserrno"
	"github.com/polarfs/pfs-go/pkg/pfspath"
	"github.com/polarfs/pfs-go/pkg/wire"
)

// IOSizeMax bounds a single READ/WRITE wire request; larger application
// requests are chunked by the façade, matching PFS_MAX_IOSIZE in the
// original.
const IOSizeMax = 4 * 1024 * 1024

// retryInterval is how long a request loop sleeps between EAGAIN
// retries — the daemon-side equivalent of PFSD_USLEEP in the original's
// poller loop.
const retryInterval = time.Microsecond

// ConnFactory constructs a fresh channel.Client for a newly-registered
// mount; it is a func rather than a fixed implementation so tests can
// wire in an in-process pfsdaemon.Handler via shmchannel instead of a
// real daemon socket.
type ConnFactory func(pbd string) (channel.Client, error)

// SDK is the process-wide façade state: the mount registry, fd table,
// working directory, and connection factory every exported method
// shares, equivalent to the file-scope statics in pfsd_sdk.cc /
// pfsd_sdk_file.cc.
type SDK struct {
	registry *mount.Registry
	fds      *fdtable.Table
	wd       pfspath.WorkDir

	connect ConnFactory

	// connMu serializes mount/umount/remount against concurrent file
	// operations that are mid-lookup of a mount record, matching the
	// rwlock ranking spec.md §5 describes ("mount-affecting operations
	// take the registry's write-side lock").
	connMu sync.Mutex
	conns  map[string]channel.Client

	// rnMu serializes unlink/rename against each other SDK-locally, in
	// addition to whatever the daemon does, per spec.md §5.
	rnMu sync.Mutex

	connectTimeout time.Duration

	cfgMu   sync.Mutex
	mode    ProcessModel
	svrAddr string
}

// ProcessModel selects whether the SDK expects to be linked into a
// single-threaded worker-per-process caller (ProcessModel) or a
// multi-threaded single-process caller (ThreadModel), matching
// pfsd_set_mode's PROCESS/THREADS distinction (spec.md §6's
// set_mode(0|1)). This SDK's locking is thread-safe either way; the
// setting exists so ProcessModel callers can be refused after they've
// already mounted something as a thread-model process would, matching
// the original's restriction that the mode be fixed before first mount.
type ProcessModel int

const (
	ProcessModelProcess ProcessModel = iota
	ProcessModelThreads
)

// New returns an SDK with an empty registry, empty fd table, and no
// working directory set. connect is called once per successful mount to
// obtain that mount's channel.Client.
func New(connect ConnFactory) *SDK {
	return &SDK{
		registry:       mount.NewRegistry(),
		fds:            fdtable.New(),
		connect:        connect,
		conns:          make(map[string]channel.Client),
		connectTimeout: 20 * time.Second,
	}
}

// SetConnectTimeout overrides the default connect timeout (20s, matching
// s_timeout_ms in pfsd_sdk.cc).
func (s *SDK) SetConnectTimeout(d time.Duration) { s.connectTimeout = d }

// SetMode selects the process/threads model, failing with EBUSY once
// any PBD is already mounted: the original requires the mode be fixed
// before the first mount, since it governs whether fencing locks are
// process-exclusive or may be shared across threads of the same host.
func (s *SDK) SetMode(mode ProcessModel) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.registry.Any() {
		return unix.EBUSY
	}
	s.mode = mode
	return nil
}

// Mode returns the currently configured ProcessModel.
func (s *SDK) Mode() ProcessModel {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.mode
}

// SetSvrAddr records the daemon shared-memory address/directory new
// connections should be made against. It does not itself open any
// connection; a ConnFactory passed to New is expected to read SvrAddr
// back when dialing, the same dependency-inversion pattern ConnFactory
// already uses for the handshake itself.
func (s *SDK) SetSvrAddr(addr string) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.svrAddr = addr
}

// SvrAddr returns the address last set by SetSvrAddr, or "" if none has
// been set.
func (s *SDK) SvrAddr() string {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.svrAddr
}

// Reinit resets all in-memory bookkeeping after a fork, without
// releasing fencing locks the parent still owns (spec.md §5's atfork
// semantics, resolved as an explicit method since Go cannot safely run
// arbitrary code between fork and exec).
func (s *SDK) Reinit() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.registry.Reinit()
	s.fds = fdtable.New()
	for _, c := range s.conns {
		c.AtforkChildPost()
	}
}

// withRetry runs op until it returns something other than EAGAIN,
// mirroring the retry loop every pfsd_sdk.cc entry point builds around
// its CHECK_STALE macro.
func withRetry(op func() error) error {
	for {
		err := op()
		if !pfserrno.IsRetry(err) {
			return err
		}
		time.Sleep(retryInterval)
	}
}

// clientFor returns the channel.Client for an already-registered pbd.
func (s *SDK) clientFor(pbd string) (channel.Client, error) {
	s.connMu.Lock()
	c, ok := s.conns[pbd]
	s.connMu.Unlock()
	if !ok {
		return nil, unix.ENODEV
	}
	return c, nil
}

// call sends req over pbd's channel and decodes into rsp, translating
// daemon-side staleness into a single forced retry (spec.md §4.F): on
// ESTALE the SDK refreshes nothing itself (metadata refresh is the
// daemon's job on reconnect) and simply retries once more, bounded by
// the surrounding withRetry loop via EAGAIN if the daemon is still
// catching up.
func (s *SDK) call(ctx context.Context, pbd string, req *wire.Request, rsp *wire.Response) error {
	c, err := s.clientFor(pbd)
	if err != nil {
		return err
	}
	if err := c.SendRecv(ctx, req, rsp); err != nil {
		glog.Errorf("pfs: sendrecv PBD(%s) type(%v): %v", pbd, req.Type, err)
		return unix.EIO
	}
	if rsp.Errno != 0 {
		errno := unix.Errno(rsp.Errno)
		if pfserrno.IsStale(errno) {
			return unix.EAGAIN
		}
		return errno
	}
	return nil
}

// findMount resolves pbd to its Record in the requested lock mode,
// translating a miss to ENODEV as CHECK_MOUNT2 does.
func (s *SDK) findMount(pbd string, mode mount.LockMode) (*mount.Record, error) {
	m, err := s.registry.Find(pbd, mode)
	if err != nil {
		return nil, unix.ENODEV
	}
	return m, nil
}
