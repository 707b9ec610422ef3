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

// Package fdtable implements the process-wide file-descriptor table: a
// fixed-size slot array with an embedded free-list threaded through the
// unused slots themselves (spec.md §4.D), grounded on fd_get_free /
// fd_put_free / fd_to_file in original_source/src/pfs_sdk/pfsd_sdk_file.cc.
package fdtable

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/mount"
)

// MaxNFD is PFSD_MAX_NFD: the fixed slot count of the fd table.
const MaxNFD = 102400

// File is a FileHandle (spec.md §3): the per-open-file state referenced
// by a slot.
type File struct {
	fd     int
	Inode  int64
	Flags  int
	ConnID int64
	Mount  *mount.Record

	offsetMu sync.Mutex
	offset   int64

	// lseekMu serializes the read-modify-write of offset across
	// concurrent lseek/read/write calls on the same fd, mirroring
	// f_lseek_lock.
	lseekMu sync.Mutex

	rwlock sync.RWMutex

	refcnt int
}

// Fd returns the slot this file occupies. It is meaningful only after
// Alloc has succeeded; a File that was never allocated reports 0.
func (f *File) Fd() int { return f.fd }

// Offset returns the current file position.
func (f *File) Offset() int64 {
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()
	return f.offset
}

// SetOffset replaces the current file position.
func (f *File) SetOffset(off int64) {
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()
	f.offset = off
}

// LockSeek serializes a read/write/lseek sequence that must observe and
// update the offset atomically with respect to other such sequences on
// the same fd (f_lseek_lock in the original).
func (f *File) LockSeek()   { f.lseekMu.Lock() }
func (f *File) UnlockSeek() { f.lseekMu.Unlock() }

// RLock/RUnlock/Lock/Unlock gate a file's own per-handle rwlock
// (f_rwlock), separate from the Mount's rwlock: it protects the File
// struct's fields, not mount-wide state.
func (f *File) RLock()   { f.rwlock.RLock() }
func (f *File) RUnlock() { f.rwlock.RUnlock() }
func (f *File) Lock()    { f.rwlock.Lock() }
func (f *File) Unlock()  { f.rwlock.Unlock() }

// Table is the fd table: an array of MaxNFD slots, with free slots
// chained into a singly-linked list so allocation and release are O(1)
// without scanning.
//
// A free slot has slots[i] == nil, and freeTag[i] holds the index of
// the next free slot, or -1 for the last one; freeLast is the head of
// that list. An occupied slot holds a non-nil *File. Slots at or above
// highWater have never been handed out and are not on the list.
type Table struct {
	mu        sync.Mutex
	slots     []*File
	freeTag   []int // parallel array: free-list encoding for slot i, valid only when slots[i] == nil
	freeLast  int
	nopen     int // number of currently-occupied slots
	highWater int // one past the highest slot index ever handed out
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		slots:    make([]*File, MaxNFD),
		freeTag:  make([]int, MaxNFD),
		freeLast: -1,
	}
}

// getFree pops a slot from the free list (or extends the high-water
// mark), returning -1 if the table is full. Callers must hold mu.
func (t *Table) getFree() int {
	if t.freeLast < 0 {
		if t.highWater >= MaxNFD {
			return -1
		}
		fd := t.highWater
		t.highWater++
		t.nopen++
		return fd
	}
	fd := t.freeLast
	t.freeLast = t.freeTag[fd]
	t.nopen++
	return fd
}

// putFree pushes fd back onto the free list. Callers must hold mu.
func (t *Table) putFree(fd int) {
	t.freeTag[fd] = t.freeLast
	t.freeLast = fd
	t.slots[fd] = nil
	t.nopen--
}

// Alloc assigns f to a free slot and returns its fd, or -1 if the table
// is exhausted (EMFILE).
func (t *Table) Alloc(f *File) int {
	t.mu.Lock()
	fd := t.getFree()
	if fd >= 0 {
		t.slots[fd] = f
		f.fd = fd
	}
	t.mu.Unlock()

	if fd < 0 {
		glog.Errorf("fdtable: alloc failed, table full at %d", MaxNFD)
	}
	return fd
}

// Get returns the File at fd with its reference count bumped and its
// per-handle lock taken (read or write per writeLock), or nil if fd is
// out of range or not currently allocated. The caller must call Put when
// done.
func (t *Table) Get(fd int, writeLock bool) *File {
	t.mu.Lock()
	var f *File
	if fd >= 0 && fd < MaxNFD {
		f = t.slots[fd]
	}
	if f != nil {
		f.refcnt++
	}
	t.mu.Unlock()

	if f == nil {
		return nil
	}
	if writeLock {
		f.Lock()
	} else {
		f.RLock()
	}
	return f
}

// Put releases the lock Get took (in the same mode) and drops the
// reference taken by Get.
func (t *Table) Put(f *File, writeLock bool) {
	if f == nil {
		return
	}
	if writeLock {
		f.Unlock()
	} else {
		f.RUnlock()
	}
	t.mu.Lock()
	f.refcnt--
	t.mu.Unlock()
}

// Close retires fd, returning EAGAIN while any reference taken via Get
// is still outstanding and EBADF for an out-of-range or already-free
// fd. The caller must not hold a Get reference of its own when calling
// Close (pkg/pfs's Close drops its reference first), so any outstanding
// reference belongs to another goroutine still using the file.
func (t *Table) Close(f *File) error {
	if f == nil {
		return unix.EINVAL
	}
	if f.fd < 0 || f.fd >= MaxNFD {
		return unix.EBADF
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[f.fd] != f {
		return unix.EBADF
	}
	if f.refcnt > 0 {
		return unix.EAGAIN
	}
	t.putFree(f.fd)
	return nil
}

// InvalidateByMount scans the table for every file whose Mount is m and,
// under that file's own write lock, sets ConnID to -1 and Mount to nil —
// it does not retire the fd itself. A subsequent operation on such a
// file observes a nil Mount and fails ENODEV, but close(2) still
// succeeds and frees the slot normally, matching invalidate_by_mount in
// original_source/src/pfs_sdk/pfsd_sdk_file.cc.
func (t *Table) InvalidateByMount(m *mount.Record) []*File {
	t.mu.Lock()
	var victims []*File
	for fd := 0; fd < t.highWater; fd++ {
		if f := t.slots[fd]; f != nil && f.Mount == m {
			victims = append(victims, f)
		}
	}
	t.mu.Unlock()

	for _, f := range victims {
		f.Lock()
		f.ConnID = -1
		f.Mount = nil
		f.Unlock()
	}
	return victims
}

// Len reports the number of currently-open descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nopen
}
