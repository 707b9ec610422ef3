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

// Package fence implements the node-local advisory byte-range locks that
// fence "one writer per host-id per PBD" (spec.md §4.B), grounded on
// pfsd_paxos_hostid_local_lock/_unlock in
// original_source/src/pfs_sdk/pfsd_sdk_mount.cc.
package fence

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// FlkLen is the byte-range width reserved per host-id, matching FLK_LEN in
// the original source.
const FlkLen = 1024

// DefaultMaxHosts bounds the normal host-id range; regions beyond it are
// reserved for the growfs meta-lock and the TOOL+hostid-0 region.
const DefaultMaxHosts = 1024

// MountPrepareTimeout is the ceiling on how long a writer mount will poll
// for the hostid lock before giving up with ETIMEDOUT (spec.md §4.B). It
// is a var, not a const, so tests can shrink it.
var MountPrepareTimeout = 30 * time.Second

const pollInterval = 10 * time.Millisecond

// Dir is the directory holding the per-PBD fence files, overridable for
// tests; it defaults to /var/run/pfs as spec.md §6 requires.
var Dir = "/var/run/pfs"

// Handle is an acquired advisory lock. The zero Handle is not valid; use
// Acquire to obtain one.
type Handle struct {
	fd int
}

// path returns the fence-file path for pbd, matching
// "/var/run/pfs/<pbd>-paxos-hostid".
func path(pbd string) string {
	return fmt.Sprintf("%s/%s-paxos-hostid", Dir, pbd)
}

// lockOnce opens (creating if necessary, mode 0666) the per-PBD fence file
// and attempts a single non-blocking F_OFD_SETLK write lock over the byte
// range owned by hostid. The lock belongs to the open file description,
// so two handles conflict even within one process, and closing one
// handle's fd never drops a lock held through another. hostid 0 locks the entire file (mkfs/growfs
// semantics); hostid > 0 locks [hostid*FlkLen, (hostid+1)*FlkLen).
func lockOnce(pbd string, hostid int) (int, error) {
	p := path(pbd)
	fd, err := unix.Open(p, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0666)
	if err != nil {
		glog.Errorf("fence: open %s: %v", p, err)
		return -1, unix.EACCES
	}

	flk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  int64(hostid) * FlkLen,
	}
	if hostid > 0 {
		flk.Len = FlkLen
	}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_OFD_SETLK, &flk); err != nil {
		glog.Errorf("fence: lock %s [%d,%d): %v", p, flk.Start, flk.Start+flk.Len, err)
		unix.Close(fd)
		return -1, unix.EACCES
	}
	return fd, nil
}

// Acquire takes the fence lock for (pbd, hostid). For hostid > 0 it polls
// every 10ms until MountPrepareTimeout elapses, matching the original's
// busy-wait in pfs_mount_prepare; hostid 0 (mkfs/growfs, whole-file lock)
// is attempted exactly once, since it is never contended by a peer mount.
func Acquire(pbd string, hostid int) (*Handle, error) {
	if hostid == 0 {
		fd, err := lockOnce(pbd, hostid)
		if err != nil {
			return nil, err
		}
		return &Handle{fd: fd}, nil
	}

	deadline := time.Now().Add(MountPrepareTimeout)
	for {
		fd, err := lockOnce(pbd, hostid)
		if err == nil {
			return &Handle{fd: fd}, nil
		}
		if time.Now().After(deadline) {
			return nil, unix.ETIMEDOUT
		}
		time.Sleep(pollInterval)
	}
}

// Release drops the fence lock. It is safe to call on a nil Handle.
func Release(h *Handle) {
	if h == nil || h.fd < 0 {
		return
	}
	unix.Close(h.fd)
	h.fd = -1
}
