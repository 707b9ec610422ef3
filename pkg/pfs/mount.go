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

package pfs

import (
	"context"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/mount"
	"github.com/polarfs/pfs-go/pkg/wire"
)

// Mount registers pbd for access with the given hostid and flags,
// connecting to its daemon and assigning the mount a ConnID — the
// Prepare/connect/Register/InProgress handshake from
// original_source/src/pfs_sdk/pfsd_sdk_mount.cc's pfs_mount.
func (s *SDK) Mount(ctx context.Context, pbd string, hostid int, flags mount.Flags) error {
	done, err := s.registry.InProgress(pbd)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			done()
		}
	}()

	m, err := mount.Prepare(pbd, hostid, flags)
	if err != nil {
		return err
	}

	c, err := s.connect(pbd)
	if err != nil {
		m = mount.PreparePost(m, false)
		return unix.ENODEV
	}

	connCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	connID, err := c.Connect(connCtx)
	if err != nil {
		m = mount.PreparePost(m, false)
		c.Close()
		return unix.ETIMEDOUT
	}
	m.ConnID = connID

	m = mount.PreparePost(m, true)
	if err := s.registry.Register(m); err != nil {
		c.Close()
		return err
	}

	s.connMu.Lock()
	s.conns[pbd] = c
	s.connMu.Unlock()

	ok = true
	done()
	glog.Infof("pfs: mounted PBD(%s) hostid(%d) flags(%#x) connid(%d)", pbd, hostid, flags, connID)
	return nil
}

// Umount unregisters pbd, failing with EBUSY only while another call
// still holds the mount record, matching pfs_umount's refcount check.
// Files still open on pbd do not block it: their fds are invalidated
// and later operations on them fail with ENODEV.
func (s *SDK) Umount(pbd string) error {
	m, err := s.registry.Unregister(pbd)
	if err != nil {
		return err
	}
	s.teardownConn(pbd, m)
	glog.Infof("pfs: unmounted PBD(%s)", pbd)
	return nil
}

// UmountForce unregisters pbd unconditionally, invalidating any fds
// still open on it instead of failing with EBUSY, matching
// pfs_umount_force's use in shedding a misbehaving or crashed client's
// state without restarting the daemon.
func (s *SDK) UmountForce(pbd string) error {
	m, err := s.registry.UnregisterForce(pbd)
	if err != nil {
		return err
	}
	s.teardownConn(pbd, m)
	glog.Infof("pfs: force-unmounted PBD(%s)", pbd)
	return nil
}

// teardownConn invalidates every fd still open against m so that a
// later mount of the same PBD name can never resolve a stale fd against
// its new connection, then closes and drops pbd's channel client.
func (s *SDK) teardownConn(pbd string, m *mount.Record) {
	s.fds.InvalidateByMount(m)

	s.connMu.Lock()
	c, ok := s.conns[pbd]
	delete(s.conns, pbd)
	s.connMu.Unlock()

	if ok {
		c.Close()
	}
}

// AbortRequest cancels every outstanding request submitted on pbd's
// channel, used to shed the requests of a crashed child after a fork
// (spec.md's abort_request(pid), applied here per-PBD since the façade
// tracks channels by PBD name rather than by submitting pid).
func (s *SDK) AbortRequest(pbd string) error {
	c, err := s.clientFor(pbd)
	if err != nil {
		return err
	}
	c.Abort()
	return nil
}

// Remount upgrades an existing read-only mount to read-write in place,
// requiring the same hostid and connection the original mount used —
// pfs_remount's same-host restriction.
func (s *SDK) Remount(pbd string, hostid int) error {
	m, err := s.findMount(pbd, mount.LockRead)
	if err != nil {
		return err
	}
	connID := m.ConnID
	s.registry.Put(m, mount.LockRead)

	return s.registry.Upgrade(m, hostid, connID)
}

// Growfs broadcasts a GROWFS request to pbd's daemon, instructing it to
// re-read the block device's capacity (spec.md §6).
func (s *SDK) Growfs(ctx context.Context, pbd string) error {
	m, err := s.findMount(pbd, mount.LockWrite)
	if err != nil {
		return err
	}
	defer s.registry.Put(m, mount.LockWrite)

	req := &wire.Request{Type: wire.TypeGrowfs, Growfs: wire.GrowfsReq{PBDName: pbd}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// IncreaseEpoch asks pbd's daemon to bump its mount epoch and returns
// the new value (spec.md §4.F). The reference daemon in pkg/pfsdaemon
// only counts epochs; nothing there reads the counter.
func (s *SDK) IncreaseEpoch(ctx context.Context, pbd string) (int64, error) {
	m, err := s.findMount(pbd, mount.LockWrite)
	if err != nil {
		return 0, err
	}
	defer s.registry.Put(m, mount.LockWrite)

	req := &wire.Request{Type: wire.TypeIncreaseEpoch}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return 0, pfserrnoTranslate(err)
	}
	return rsp.Increase.Epoch, nil
}
