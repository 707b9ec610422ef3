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

package mount

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// LockMode selects the rwlock discipline Find applies to the record it
// returns, matching the RD/WR distinction spec.md §4.C draws between
// ordinary file operations and mount-affecting ones.
type LockMode int

const (
	// LockRead takes the record's read lock: any number of concurrent
	// file operations may proceed.
	LockRead LockMode = iota
	// LockWrite takes the record's write lock: exclusive access, used
	// for umount/remount.
	LockWrite
)

// Registry is the process-wide mount table (spec.md §3's MountRegistry):
// the set of currently-registered Records plus the set of PBDs with a
// mount handshake in flight, grounded on the global mountargs list and
// inprogress list in pfsd_sdk_mount.cc.
type Registry struct {
	mu sync.Mutex

	byName map[string]*Record

	// inProgress tracks PBDs between Prepare and Register/unregistering
	// a failed prepare, so a concurrent mounter of the same PBD waits
	// rather than racing the handshake (pfs_mountargs_add_inprogress /
	// remove_inprogress).
	inProgress map[string]chan struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*Record),
		inProgress: make(map[string]chan struct{}),
	}
}

// InProgress marks pbd as having a mount handshake in flight. It returns
// an error if pbd is already in progress or already registered. The
// returned done func must be called exactly once to clear the mark,
// whether or not the handshake succeeded.
func (r *Registry) InProgress(pbd string) (done func(), err error) {
	r.mu.Lock()
	if _, ok := r.byName[pbd]; ok {
		r.mu.Unlock()
		return nil, unix.EEXIST
	}
	if _, ok := r.inProgress[pbd]; ok {
		r.mu.Unlock()
		return nil, unix.EAGAIN
	}
	ch := make(chan struct{})
	r.inProgress[pbd] = ch
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.inProgress, pbd)
			r.mu.Unlock()
			close(ch)
		})
	}, nil
}

// WaitInProgress blocks until any in-flight handshake for pbd completes.
// Callers typically loop: WaitInProgress, then re-check Find/InProgress.
func (r *Registry) WaitInProgress(pbd string) {
	r.mu.Lock()
	ch, ok := r.inProgress[pbd]
	r.mu.Unlock()
	if ok {
		<-ch
	}
}

// Register adds a prepared Record to the registry, rejecting a duplicate
// PBD with EEXIST (mirrors pfs_mountargs_register's on-list check).
func (r *Registry) Register(m *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[m.PBDName]; ok {
		return unix.EEXIST
	}
	m.onList = true
	r.byName[m.PBDName] = m
	glog.V(2).Infof("mount: registered PBD(%s) hostid(%d) connid(%d)", m.PBDName, m.HostID, m.ConnID)
	return nil
}

// Find looks up pbd and takes the record's lock in the requested mode,
// returning ENOENT if no such PBD is mounted. The caller must call Put
// when done, which both releases the rwlock and drops the reference
// taken by Find.
func (r *Registry) Find(pbd string, mode LockMode) (*Record, error) {
	r.mu.Lock()
	m, ok := r.byName[pbd]
	if ok {
		m.incRef()
	}
	r.mu.Unlock()
	if !ok {
		return nil, unix.ENOENT
	}

	if mode == LockWrite {
		m.Lock()
	} else {
		m.RLock()
	}
	return m, nil
}

// Put releases the lock Find took (in the same mode) and drops the
// reference. It never removes m from the registry; only Unregister does.
func (r *Registry) Put(m *Record, mode LockMode) {
	if mode == LockWrite {
		m.Unlock()
	} else {
		m.RUnlock()
	}
	m.decRef()
}

// Exists reports whether pbd is currently registered.
func (r *Registry) Exists(pbd string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[pbd]
	return ok
}

// Any reports whether any PBD is currently registered, used to gate
// configuration that must be fixed before the first mount.
func (r *Registry) Any() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName) > 0
}

// Unregister removes pbd from the registry and releases its fencing
// locks, returning the removed Record so the caller can invalidate any
// fd table state that still points at it. It fails with EBUSY if the
// record still has outstanding references taken by Find and not yet
// returned by Put, matching the refcount check in
// pfs_mountargs_unregister. Open files hold no such reference, so they
// do not make it fail.
func (r *Registry) Unregister(pbd string) (*Record, error) {
	r.mu.Lock()
	m, ok := r.byName[pbd]
	if !ok {
		r.mu.Unlock()
		return nil, unix.ENOENT
	}
	if m.refCount != 0 {
		r.mu.Unlock()
		return nil, unix.EBUSY
	}
	delete(r.byName, pbd)
	m.onList = false
	r.mu.Unlock()

	m.releaseLocks()
	glog.V(2).Infof("mount: unregistered PBD(%s)", pbd)
	return m, nil
}

// UnregisterForce removes pbd regardless of outstanding references,
// matching pfs_mountargs_unregister's force path (used by umount_force
// to recover from a client that leaked open files on a PBD being torn
// down out from under it). The caller is responsible for invalidating
// any fd table entries still referencing the returned Record.
func (r *Registry) UnregisterForce(pbd string) (*Record, error) {
	r.mu.Lock()
	m, ok := r.byName[pbd]
	if !ok {
		r.mu.Unlock()
		return nil, unix.ENOENT
	}
	delete(r.byName, pbd)
	m.onList = false
	r.mu.Unlock()

	m.releaseLocks()
	glog.V(2).Infof("mount: force-unregistered PBD(%s) outstanding_refs(%d)", pbd, m.refCount)
	return m, nil
}

// Upgrade changes a registered record's flags from read-only to
// read-write in place, acquiring the write-side fencing locks that a
// read-only mount never took. It requires the same hostid and connid as
// the original mount, matching pfs_remount's same-host restriction.
func (r *Registry) Upgrade(m *Record, hostid int, connid int64) error {
	m.Lock()
	defer m.Unlock()

	if m.Flags.Writable() {
		return nil
	}
	if m.HostID != hostid || m.ConnID != connid {
		return unix.EINVAL
	}

	prepared, err := Prepare(m.PBDName, hostid, m.Flags|FlagWR)
	if err != nil {
		return err
	}
	prepared = PreparePost(prepared, true)
	m.hostidLock = prepared.hostidLock
	m.Flags |= FlagWR
	return nil
}

// ForEach calls fn for every currently-registered record, in the manner
// of pfs_mountargs_foreach: used by growfs/increase_epoch broadcasts and
// by diagnostics. fn must not call back into the Registry.
func (r *Registry) ForEach(fn func(*Record)) {
	r.mu.Lock()
	records := make([]*Record, 0, len(r.byName))
	for _, m := range r.byName {
		records = append(records, m)
	}
	r.mu.Unlock()

	for _, m := range records {
		fn(m)
	}
}

// Reinit clears all bookkeeping without releasing fencing locks,
// matching the child side of an atfork: the child inherited the locks'
// fds but must never believe it owns the registrations that produced
// them, since a second Release in the child would unlock state the
// parent still depends on.
func (r *Registry) Reinit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*Record)
	r.inProgress = make(map[string]chan struct{})
}
