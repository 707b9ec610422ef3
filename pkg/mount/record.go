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

// Package mount implements the mount registry: the lifecycle of a mount
// (prepare/register/find/put/unregister), its reference counting, and the
// fencing locks that enforce one writer per host-id per PBD (spec.md §4.C),
// grounded on pfs_mountargs_* in
// original_source/src/pfs_sdk/pfsd_sdk_mount.cc.
package mount

import (
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/fence"
)

// Flags is the mount-flags bitmask from spec.md §6.
type Flags uint32

const (
	FlagRD Flags = 1 << iota
	FlagWR
	FlagLog
	FlagTool
	FlagPaxosByForce
	FlagAutoIncreaseEpoch
)

// Writable reports whether f implies write access. WR implies RD.
func (f Flags) Writable() bool { return f&FlagWR != 0 }

// Valid rejects invalid flag combinations: a mask with neither RD nor WR,
// and any flag bits outside the known set. WR alone is accepted, since WR
// implies RD.
func (f Flags) Valid() bool {
	const known = FlagRD | FlagWR | FlagLog | FlagTool | FlagPaxosByForce | FlagAutoIncreaseEpoch
	if f&^known != 0 {
		return false
	}
	if f&FlagRD == 0 && f&FlagWR == 0 {
		return false
	}
	return true
}

// PBDLenMax is the maximum PBD name length, PFS_MAX_PBDLEN in the original.
const PBDLenMax = 64

// Record is a MountRecord (spec.md §3): the registered state for one
// mounted PBD. Exported fields are read-only to callers outside this
// package; all mutation goes through Registry methods or the rwlock
// accessors below.
type Record struct {
	PBDName string
	HostID  int
	Flags   Flags
	ConnID  int64

	hostidLock *fence.Handle
	metaLock   *fence.Handle

	rwlock sync.RWMutex

	refCount int32
	onList   bool
}

// RLock/RUnlock/Lock/Unlock implement the "many-readers/one-writer gate
// for all operations using the record" from spec.md §3. A read lock is
// taken for ordinary file operations; a write lock is taken for
// mount-affecting operations (umount, remount).
func (m *Record) RLock()   { m.rwlock.RLock() }
func (m *Record) RUnlock() { m.rwlock.RUnlock() }
func (m *Record) Lock()    { m.rwlock.Lock() }
func (m *Record) Unlock()  { m.rwlock.Unlock() }

func (m *Record) incRef() { atomic.AddInt32(&m.refCount, 1) }

func (m *Record) decRef() bool {
	return atomic.AddInt32(&m.refCount, -1) == 0
}

// releaseLocks drops the fencing locks still held by m, if any.
func (m *Record) releaseLocks() {
	fence.Release(m.hostidLock)
	m.hostidLock = nil
	fence.Release(m.metaLock)
	m.metaLock = nil
}

// growfsMetaHostID and toolHostZeroHostID are the reserved fence regions
// used to serialize mount-handshake against growfs, matching
// DEFAULT_MAX_HOSTS+1/+2 in pfs_mount_prepare.
const (
	growfsMetaHostID   = fence.DefaultMaxHosts + 1
	toolHostZeroHostID = fence.DefaultMaxHosts + 2
)

// Prepare constructs a Record for (pbd, hostid, flags), validating
// argument lengths and, for a writable mount, acquiring the meta-lock
// (unless TOOL is set) and the host-id lock, in that order — mirroring
// pfs_mount_prepare. A read-only mount takes no locks. Any
// failure releases whatever partial locks were taken.
func Prepare(pbd string, hostid int, flags Flags) (*Record, error) {
	if pbd == "" {
		return nil, unix.EINVAL
	}
	if len(pbd) >= PBDLenMax {
		glog.Errorf("mount: pbdname %q too long", pbd)
		return nil, unix.EINVAL
	}
	if !flags.Valid() {
		return nil, unix.EINVAL
	}

	glog.V(2).Infof("mount: begin prepare PBD(%s) hostid(%d) flags(%#x)", pbd, hostid, flags)

	m := &Record{PBDName: pbd, HostID: hostid, Flags: flags, ConnID: -1}

	if !flags.Writable() {
		return m, nil
	}

	if flags&FlagTool == 0 {
		h, err := fence.Acquire(pbd, growfsMetaHostID)
		if err != nil {
			glog.Errorf("mount: meta-lock PBD(%s) hostid(%d): %v", pbd, hostid, err)
			return nil, err
		}
		m.metaLock = h
	}

	lockHostID := hostid
	if flags&FlagTool != 0 && hostid == 0 {
		lockHostID = toolHostZeroHostID
	}
	h, err := fence.Acquire(pbd, lockHostID)
	if err != nil {
		glog.Errorf("mount: hostid-lock PBD(%s) hostid(%d): %v", pbd, hostid, err)
		m.releaseLocks()
		return nil, err
	}
	m.hostidLock = h

	glog.V(2).Infof("mount: prepare success PBD(%s) hostid(%d)", pbd, hostid)
	return m, nil
}

// PreparePost finalizes a Prepare: on success it drops the meta-lock
// (held only for the handshake window) and returns m ready for
// Registry.Register; on failure it releases everything and returns nil,
// matching pfs_mount_post.
func PreparePost(m *Record, ok bool) *Record {
	fence.Release(m.metaLock)
	m.metaLock = nil
	if !ok {
		fence.Release(m.hostidLock)
		m.hostidLock = nil
		return nil
	}
	return m
}
