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

package pfsd

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/polarfs/pfs-go/pkg/pfsdaemon"
	"github.com/polarfs/pfs-go/pkg/shmchannel"
)

// janitorInterval is how often the daemon sweeps for work, matching the
// periodic bookkeeping pfsd's main loop performs between request polls.
const janitorInterval = 5 * time.Second

// conn tracks one client connection's Serve goroutine. gone is set once
// that goroutine returns for any reason — a clean Close, a severed pipe,
// or a decode error — which in this pipe-based transport is the only
// signal the daemon has that the client on the other end went away,
// taking the place of the original's per-connection liveness heartbeat.
type conn struct {
	server *shmchannel.Server
	gone   int32
}

// Daemon runs the embedded pfsdaemon.Handler against zero or more
// shmchannel connections, and is what cmd/pfsd and an embedded
// in-process mount both start.
type Daemon struct {
	opts    Options
	handler *pfsdaemon.Handler

	started int32
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu    sync.Mutex
	conns []*conn
}

// New returns a Daemon for opts, which must already be Validate'd.
func New(opts Options) *Daemon {
	return &Daemon{
		opts:    opts,
		handler: pfsdaemon.New(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Handler exposes the daemon's in-memory filesystem tree handler, used
// by an embedded mount to hand the daemon side of a shmchannel.NewPair
// to Serve without a second process.
func (d *Daemon) Handler() *pfsdaemon.Handler { return d.handler }

// IsStarted reports whether Start has been called and Stop has not yet
// completed.
func (d *Daemon) IsStarted() bool {
	return atomic.LoadInt32(&d.started) != 0
}

// Start validates opts and launches the janitor goroutine. It returns
// immediately; use WaitStop to block until the daemon has fully
// stopped.
func (d *Daemon) Start() error {
	if err := d.opts.Validate(); err != nil {
		return err
	}
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return nil
	}
	glog.Infof("pfsd: starting PBD(%s) pollers(%d) workers(%d)", d.opts.PBDName, d.opts.Pollers, d.opts.Workers)
	go d.run()
	return nil
}

func (d *Daemon) run() {
	defer close(d.doneCh)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reapClosedConns()
		}
	}
}

// reapClosedConns drops every conn whose Serve goroutine has already
// exited, recycling the requests of a client that disappeared without
// an orderly Umount (spec.md §4.I). The simplified pipe transport has no
// separate heartbeat: a gone client surfaces as Serve's blocking pipe
// read returning an error, which is exactly the signal recorded in
// conn.gone.
func (d *Daemon) reapClosedConns() {
	d.mu.Lock()
	live := d.conns[:0]
	var reaped int
	for _, c := range d.conns {
		if atomic.LoadInt32(&c.gone) != 0 {
			c.server.Close()
			reaped++
			continue
		}
		live = append(live, c)
	}
	d.conns = live
	d.mu.Unlock()

	if reaped > 0 {
		glog.Infof("pfsd: janitor reaped %d disconnected client(s)", reaped)
	}
}

// Serve registers a new client connection's server Endpoint and spawns
// its request loop. Intended for an embedded in-process mount: the SDK
// calls shmchannel.NewPair once per Mount and hands the server half
// here.
func (d *Daemon) Serve(server *shmchannel.Server) {
	c := &conn{server: server}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	go func() {
		if err := server.Serve(); err != nil {
			glog.Warningf("pfsd: connection serve loop exited: %v", err)
		}
		atomic.StoreInt32(&c.gone, 1)
	}()
}

// Stop signals the daemon to shut down. It does not block; call
// WaitStop to wait for completion.
func (d *Daemon) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.started, 1, 0) {
		return nil
	}
	close(d.stopCh)

	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()
	for _, c := range conns {
		c.server.Close()
	}
	return nil
}

// WaitStop blocks until the daemon's run loop has exited.
func (d *Daemon) WaitStop() {
	<-d.doneCh
}
