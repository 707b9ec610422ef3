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
	"sync"

	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/dirbuf"
	"github.com/polarfs/pfs-go/pkg/mount"
	"github.com/polarfs/pfs-go/pkg/pfspath"
	"github.com/polarfs/pfs-go/pkg/wire"
)

// Dir is an open directory cursor, returned by Opendir and consumed by
// Readdir until Closedir.
type Dir struct {
	pbd  string
	iter *dirbuf.Iterator

	mu sync.Mutex
}

// Mkdir creates a directory at path.
func (s *SDK) Mkdir(ctx context.Context, path string, mode uint32) error {
	pbd, rel, err := s.splitPath(path)
	if err != nil {
		return err
	}
	m, err := s.findMount(pbd, mount.LockRead)
	if err != nil {
		return err
	}
	defer s.registry.Put(m, mount.LockRead)
	if !m.Flags.Writable() {
		return unix.EROFS
	}

	req := &wire.Request{Type: wire.TypeMkdir, Mkdir: wire.MkdirReq{Path: rel, Mode: mode}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// Rmdir removes the empty directory at path.
func (s *SDK) Rmdir(ctx context.Context, path string) error {
	pbd, rel, err := s.splitPath(path)
	if err != nil {
		return err
	}
	m, err := s.findMount(pbd, mount.LockRead)
	if err != nil {
		return err
	}
	defer s.registry.Put(m, mount.LockRead)
	if !m.Flags.Writable() {
		return unix.EROFS
	}

	req := &wire.Request{Type: wire.TypeRmdir, Path: wire.PathReq{Path: rel}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// Unlink removes the file at path.
func (s *SDK) Unlink(ctx context.Context, path string) error {
	s.rnMu.Lock()
	defer s.rnMu.Unlock()

	pbd, rel, err := s.splitPath(path)
	if err != nil {
		return err
	}
	m, err := s.findMount(pbd, mount.LockRead)
	if err != nil {
		return err
	}
	defer s.registry.Put(m, mount.LockRead)
	if !m.Flags.Writable() {
		return unix.EROFS
	}

	req := &wire.Request{Type: wire.TypeUnlink, Path: wire.PathReq{Path: rel}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// Rename moves oldPath to newPath, which must name the same PBD
// (cross-PBD rename is rejected with EXDEV, matching the original's
// single-device rename).
func (s *SDK) Rename(ctx context.Context, oldPath, newPath string) error {
	s.rnMu.Lock()
	defer s.rnMu.Unlock()

	oldPBD, oldRel, err := s.splitPath(oldPath)
	if err != nil {
		return err
	}
	newPBD, newRel, err := s.splitPath(newPath)
	if err != nil {
		return err
	}
	if oldPBD != newPBD {
		return unix.EXDEV
	}

	m, err := s.findMount(oldPBD, mount.LockRead)
	if err != nil {
		return err
	}
	defer s.registry.Put(m, mount.LockRead)
	if !m.Flags.Writable() {
		return unix.EROFS
	}

	req := &wire.Request{Type: wire.TypeRename, Rename: wire.RenameReq{OldPath: oldRel, NewPath: newRel}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, oldPBD, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// Rename2 is Rename with renameat2(2)'s flags argument (RENAME_NOREPLACE,
// RENAME_EXCHANGE, ...) threaded through to the daemon; cross-PBD rename
// is still rejected with EXDEV regardless of flags.
func (s *SDK) Rename2(ctx context.Context, oldPath, newPath string, flags int32) error {
	s.rnMu.Lock()
	defer s.rnMu.Unlock()

	oldPBD, oldRel, err := s.splitPath(oldPath)
	if err != nil {
		return err
	}
	newPBD, newRel, err := s.splitPath(newPath)
	if err != nil {
		return err
	}
	if oldPBD != newPBD {
		return unix.EXDEV
	}

	m, err := s.findMount(oldPBD, mount.LockRead)
	if err != nil {
		return err
	}
	defer s.registry.Put(m, mount.LockRead)
	if !m.Flags.Writable() {
		return unix.EROFS
	}

	req := &wire.Request{Type: wire.TypeRename, Rename: wire.RenameReq{OldPath: oldRel, NewPath: newRel, Flags: flags}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, oldPBD, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// Access checks path for existence (mode is accepted for POSIX
// signature compatibility; the reference daemon has no permission bits
// to check beyond existence).
func (s *SDK) Access(ctx context.Context, path string, mode int32) error {
	pbd, rel, err := s.splitPath(path)
	if err != nil {
		return err
	}
	m, err := s.findMount(pbd, mount.LockRead)
	if err != nil {
		return err
	}
	defer s.registry.Put(m, mount.LockRead)

	req := &wire.Request{Type: wire.TypeAccess, Access: wire.AccessReq{Path: rel, Mode: mode}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// Chdir changes the process-wide working directory to path, which must
// exist and be a directory.
func (s *SDK) Chdir(ctx context.Context, path string) error {
	pbd, rel, err := s.splitPath(path)
	if err != nil {
		return err
	}
	m, err := s.findMount(pbd, mount.LockRead)
	if err != nil {
		return err
	}
	defer s.registry.Put(m, mount.LockRead)

	req := &wire.Request{Type: wire.TypeChdir, Chdir: wire.ChdirReq{Path: rel}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}

	abs, err := pfspath.MakeAbsolute(path, &s.wd)
	if err != nil {
		return err
	}
	norm, err := pfspath.Normalize(abs)
	if err != nil {
		return err
	}
	return s.wd.Set(norm)
}

// Getcwd returns the current working directory, or ENOENT if none has
// been set yet.
func (s *SDK) Getcwd() (string, error) {
	wd := s.wd.Get()
	if wd == "" {
		return "", unix.ENOENT
	}
	return wd, nil
}

// Opendir opens path for reading with Readdir.
func (s *SDK) Opendir(ctx context.Context, path string) (*Dir, error) {
	pbd, rel, err := s.splitPath(path)
	if err != nil {
		return nil, err
	}
	m, err := s.findMount(pbd, mount.LockRead)
	if err != nil {
		return nil, err
	}
	defer s.registry.Put(m, mount.LockRead)

	req := &wire.Request{Type: wire.TypeOpendir, Path: wire.PathReq{Path: rel}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return nil, pfserrnoTranslate(err)
	}

	dirIno := rsp.Opendir.Inode
	fetch := func(nextInode, nextOffset int64) ([]wire.DirEntry, int64, int64, bool, error) {
		req := &wire.Request{Type: wire.TypeReaddir, Readdir: wire.ReaddirReq{DirInode: dirIno, NextInode: nextInode, NextOff: nextOffset}}
		var rsp wire.Response
		if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
			return nil, 0, 0, false, pfserrnoTranslate(err)
		}
		return rsp.Readdir.Entries, rsp.Readdir.NextInode, rsp.Readdir.NextOff, rsp.Readdir.EOF, nil
	}

	return &Dir{pbd: pbd, iter: dirbuf.NewIterator(dirIno, fetch)}, nil
}

// Readdir returns the next entry of d, or ok == false at end of
// directory.
func (s *SDK) Readdir(d *Dir) (entry wire.DirEntry, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iter.Next()
}

// Closedir releases d. The reference daemon holds no per-Dir state
// server-side, so this is purely a client-local bookkeeping release.
func (s *SDK) Closedir(d *Dir) error {
	return nil
}

// Du recursively sums the apparent size of path and everything beneath
// it, the same STAT+READDIR walk pfsd_du performs in
// original_source/src/pfs_sdk/pfsd_sdk.cc.
func (s *SDK) Du(ctx context.Context, path string) (int64, error) {
	st, err := s.Stat(ctx, path)
	if err != nil {
		return 0, err
	}
	if !st.IsDir {
		return st.Size, nil
	}

	d, err := s.Opendir(ctx, path)
	if err != nil {
		return 0, err
	}
	defer s.Closedir(d)

	var total int64
	for {
		e, ok, err := s.Readdir(d)
		if err != nil {
			return total, err
		}
		if !ok {
			break
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		sub, err := s.Du(ctx, joinPath(path, e.Name))
		if err != nil {
			return total, err
		}
		total += sub
	}
	return total, nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
