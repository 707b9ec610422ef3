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

// Package pfsdaemon is a net-new in-memory reference implementation of
// the wire protocol's server side: a process-local inode tree that lets
// pkg/pfs, pkg/shmchannel and pkg/wire be exercised end to end without
// the real pfs_core block-device engine, which is out of scope here
// (spec.md's Non-goals exclude the storage engine itself; this package
// exists only to give the client stack something real to talk to).
package pfsdaemon

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// inode is one file or directory in the reference filesystem tree.
type inode struct {
	id    int64
	name  string
	isDir bool
	mode  uint32

	mu       sync.RWMutex
	parent   *inode
	children map[string]*inode // valid only if isDir
	data     []byte            // valid only if !isDir
	mtime    int64
	ctime    int64
	xattrs   map[string][]byte
}

// Tree is a single mounted PBD's in-memory filesystem: one root
// directory inode plus an id-indexed lookup table so FSTAT/READ/WRITE
// by inode number (as the wire protocol requires once a file is opened)
// doesn't need a path walk.
type Tree struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*inode
	root    *inode
	epoch   int64
}

// NewTree returns an empty Tree containing only the root directory.
func NewTree() *Tree {
	t := &Tree{byID: make(map[int64]*inode)}
	t.root = t.newInodeLocked("/", true, 0755)
	return t
}

func (t *Tree) newInodeLocked(name string, isDir bool, mode uint32) *inode {
	t.nextID++
	n := &inode{id: t.nextID, name: name, isDir: isDir, mode: mode}
	if isDir {
		n.children = make(map[string]*inode)
	}
	t.byID[n.id] = n
	return n
}

// Epoch returns the current increase-epoch counter, bumped by
// IncreaseEpoch.
func (t *Tree) Epoch() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// IncreaseEpoch bumps and returns the epoch counter in answer to the
// INCREASEEPOCH request. Nothing else in this package reads the
// counter.
func (t *Tree) IncreaseEpoch() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	return t.epoch
}

// segments splits rel (a "/"-rooted path already normalized by
// pkg/pfspath) into its non-empty components.
func segments(rel string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(rel); i++ {
		if i == len(rel) || rel[i] == '/' {
			if i > start {
				segs = append(segs, rel[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

// walk resolves rel from the root, returning the parent directory of
// the final component and the final component's name. It does not
// require the final component to exist.
func (t *Tree) walk(rel string) (parent *inode, name string, err error) {
	segs := segments(rel)
	if len(segs) == 0 {
		return nil, "", unix.EINVAL
	}
	cur := t.root
	for _, s := range segs[:len(segs)-1] {
		cur.mu.RLock()
		next, ok := cur.children[s]
		isDir := cur.isDir
		cur.mu.RUnlock()
		if !isDir {
			return nil, "", unix.ENOTDIR
		}
		if !ok {
			return nil, "", unix.ENOENT
		}
		cur = next
	}
	cur.mu.RLock()
	isDir := cur.isDir
	cur.mu.RUnlock()
	if !isDir {
		return nil, "", unix.ENOTDIR
	}
	return cur, segs[len(segs)-1], nil
}

// Lookup resolves rel to its inode, or ENOENT if it does not exist.
func (t *Tree) Lookup(rel string) (*inode, error) {
	if rel == "/" {
		return t.root, nil
	}
	parent, name, err := t.walk(rel)
	if err != nil {
		return nil, err
	}
	parent.mu.RLock()
	defer parent.mu.RUnlock()
	n, ok := parent.children[name]
	if !ok {
		return nil, unix.ENOENT
	}
	return n, nil
}

// ByID returns the inode previously assigned id, or ENOENT.
func (t *Tree) ByID(id int64) (*inode, error) {
	t.mu.Lock()
	n, ok := t.byID[id]
	t.mu.Unlock()
	if !ok {
		return nil, unix.ENOENT
	}
	return n, nil
}

// Setxattr sets name to value on the inode identified by id, honoring
// unix.XATTR_CREATE/XATTR_REPLACE in flags the same way fsetxattr(2)
// does.
func (t *Tree) Setxattr(id int64, name string, value []byte, flags int32) error {
	n, err := t.ByID(id)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, exists := n.xattrs[name]
	if flags&int32(unix.XATTR_CREATE) != 0 && exists {
		return unix.EEXIST
	}
	if flags&int32(unix.XATTR_REPLACE) != 0 && !exists {
		return unix.ENODATA
	}
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[name] = append([]byte(nil), value...)
	return nil
}

// Create makes a regular file at rel with the given mode, failing with
// EEXIST if it is already present and EACCES-equivalent ENOTDIR if an
// ancestor path component is not a directory.
func (t *Tree) Create(rel string, mode uint32) (*inode, error) {
	parent, name, err := t.walk(rel)
	if err != nil {
		return nil, err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if _, ok := parent.children[name]; ok {
		return nil, unix.EEXIST
	}
	t.mu.Lock()
	n := t.newInodeLocked(name, false, mode)
	t.mu.Unlock()
	n.parent = parent
	parent.children[name] = n
	return n, nil
}

// Mkdir makes a directory at rel, failing with EEXIST if already
// present.
func (t *Tree) Mkdir(rel string, mode uint32) error {
	parent, name, err := t.walk(rel)
	if err != nil {
		return err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if _, ok := parent.children[name]; ok {
		return unix.EEXIST
	}
	t.mu.Lock()
	n := t.newInodeLocked(name, true, mode)
	t.mu.Unlock()
	n.parent = parent
	parent.children[name] = n
	return nil
}

// Rmdir removes the empty directory at rel.
func (t *Tree) Rmdir(rel string) error {
	parent, name, err := t.walk(rel)
	if err != nil {
		return err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	n, ok := parent.children[name]
	if !ok {
		return unix.ENOENT
	}
	if !n.isDir {
		return unix.ENOTDIR
	}
	n.mu.RLock()
	empty := len(n.children) == 0
	n.mu.RUnlock()
	if !empty {
		return unix.ENOTEMPTY
	}
	delete(parent.children, name)
	return nil
}

// Unlink removes the regular file at rel.
func (t *Tree) Unlink(rel string) error {
	parent, name, err := t.walk(rel)
	if err != nil {
		return err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	n, ok := parent.children[name]
	if !ok {
		return unix.ENOENT
	}
	if n.isDir {
		return unix.EISDIR
	}
	delete(parent.children, name)
	return nil
}

// Rename moves the entry at oldRel to newRel, replacing any existing
// entry at newRel (no RENAME_NOREPLACE support — matching the SDK
// façade's rename, not rename2's extra flags).
func (t *Tree) Rename(oldRel, newRel string) error {
	return t.Rename2(oldRel, newRel, 0)
}

// Rename2 is Rename with renameat2(2)'s flags: RENAME_NOREPLACE rejects
// the rename with EEXIST if newRel already exists, rather than silently
// overwriting it.
func (t *Tree) Rename2(oldRel, newRel string, flags int32) error {
	oldParent, oldName, err := t.walk(oldRel)
	if err != nil {
		return err
	}
	newParent, newName, err := t.walk(newRel)
	if err != nil {
		return err
	}

	if flags&int32(unix.RENAME_NOREPLACE) != 0 {
		newParent.mu.Lock()
		_, exists := newParent.children[newName]
		newParent.mu.Unlock()
		if exists {
			return unix.EEXIST
		}
	}

	oldParent.mu.Lock()
	n, ok := oldParent.children[oldName]
	if ok {
		delete(oldParent.children, oldName)
	}
	oldParent.mu.Unlock()
	if !ok {
		return unix.ENOENT
	}

	n.mu.Lock()
	n.name = newName
	n.parent = newParent
	n.mu.Unlock()

	newParent.mu.Lock()
	newParent.children[newName] = n
	newParent.mu.Unlock()
	return nil
}

// Readdir returns up to limit entries of the directory at inode dino,
// taken from its name-sorted entry list starting at index afterOffset,
// plus the index to resume from and whether the directory is now
// exhausted — the
// server-side half of the dirbuf.PageFetcher contract.
func (t *Tree) Readdir(dino int64, afterOffset int64, limit int) (names []string, nextOffset int64, eof bool, err error) {
	n, err := t.ByID(dino)
	if err != nil {
		return nil, 0, false, err
	}
	if !n.isDir {
		return nil, 0, false, unix.ENOTDIR
	}

	n.mu.RLock()
	all := make([]string, 0, len(n.children))
	for name := range n.children {
		all = append(all, name)
	}
	n.mu.RUnlock()

	// A stable order is required so successive pages don't skip or
	// repeat entries; names are sorted lexically since the reference
	// tree has no on-disk directory order to preserve.
	sort.Strings(all)

	start := int(afterOffset)
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	eof = end >= len(all)
	return page, int64(end), eof, nil
}

