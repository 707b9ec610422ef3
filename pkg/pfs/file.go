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

	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/fdtable"
	"github.com/polarfs/pfs-go/pkg/mount"
	"github.com/polarfs/pfs-go/pkg/pfserrno"
	"github.com/polarfs/pfs-go/pkg/pfspath"
	"github.com/polarfs/pfs-go/pkg/wire"
)

// Open resolves path against the working directory, finds its mount,
// and asks the daemon to open (optionally creating) it, returning an fd
// from the process-wide table. Rejects a write-intent flag (O_WRONLY,
// O_RDWR) against a read-only mount with EROFS, matching CHECK_WRITABLE.
func (s *SDK) Open(ctx context.Context, path string, flags int, mode uint32) (int, error) {
	pbd, rel, err := s.splitPath(path)
	if err != nil {
		return -1, err
	}

	m, err := s.findMount(pbd, mount.LockRead)
	if err != nil {
		return -1, err
	}
	defer s.registry.Put(m, mount.LockRead)

	if writeIntent(flags) && !m.Flags.Writable() {
		return -1, unix.EROFS
	}

	req := &wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: rel}, Open: wire.OpenReq{Flags: int32(flags), Mode: mode}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return -1, pfserrnoTranslate(err)
	}

	f := &fdtable.File{Inode: rsp.Open.Inode, Flags: flags, ConnID: m.ConnID, Mount: m}
	fd := s.fds.Alloc(f)
	if fd < 0 {
		return -1, unix.EMFILE
	}
	if flags&unix.O_APPEND != 0 {
		f.SetOffset(wire.OffsetFileSize)
	}
	return fd, nil
}

func writeIntent(flags int) bool {
	return flags&unix.O_WRONLY != 0 || flags&unix.O_RDWR != 0
}

// Creat opens path with O_CREAT|O_WRONLY|O_TRUNC, matching creat(2)'s
// definition as a thin wrapper over open.
func (s *SDK) Creat(ctx context.Context, path string, mode uint32) (int, error) {
	return s.Open(ctx, path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, mode)
}

// mountOf returns f's mount record, failing with ENODEV instead of a
// nil-pointer dereference once f has been invalidated by an
// UmountForce/Umount racing with an in-flight call on the same fd.
func mountOf(f *fdtable.File) (*mount.Record, error) {
	if f.Mount == nil {
		return nil, unix.ENODEV
	}
	return f.Mount, nil
}

// Close retires fd. While another goroutine still holds a reference to
// it, fdtable's Close reports EAGAIN and this call retries until that
// reference is released, so EAGAIN is never returned to the caller.
func (s *SDK) Close(fd int) error {
	f := s.fds.Get(fd, true)
	if f == nil {
		return unix.EBADF
	}
	s.fds.Put(f, true)
	return withRetry(func() error { return s.fds.Close(f) })
}

// chunk splits an IOSizeMax-bounded length into wire-request-sized
// pieces, matching pfs_file_pread/pwrite's chunking loop.
func chunk(total int) []int {
	if total == 0 {
		return []int{0}
	}
	var sizes []int
	for total > 0 {
		n := total
		if n > IOSizeMax {
			n = IOSizeMax
		}
		sizes = append(sizes, n)
		total -= n
	}
	return sizes
}

// Pread reads len(buf) bytes from fd at off without affecting the file
// descriptor's offset, chunking at IOSizeMax.
func (s *SDK) Pread(ctx context.Context, fd int, buf []byte, off int64) (int, error) {
	f := s.fds.Get(fd, false)
	if f == nil {
		return 0, unix.EBADF
	}
	defer s.fds.Put(f, false)

	m, err := mountOf(f)
	if err != nil {
		return 0, err
	}
	pbd := m.PBDName
	total := 0
	for _, n := range chunk(len(buf)) {
		if n == 0 {
			break
		}
		req := &wire.Request{Type: wire.TypeRead, Read: wire.ReadReq{Inode: f.Inode, Offset: off + int64(total), Len: int32(n)}}
		var rsp wire.Response
		if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, pfserrnoTranslate(err)
		}
		got := copy(buf[total:total+n], rsp.Read.Data)
		total += got
		if got < n {
			break
		}
	}
	return total, nil
}

// Preadv reads into each of iov in order starting at off, without
// affecting fd's offset, matching preadv(2)'s definition as a sequence
// of pread calls over contiguous offsets.
func (s *SDK) Preadv(ctx context.Context, fd int, iov [][]byte, off int64) (int, error) {
	total := 0
	for _, buf := range iov {
		n, err := s.Pread(ctx, fd, buf, off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// Readv reads into each of iov in order from fd's current offset,
// advancing it by the total read, matching readv(2).
func (s *SDK) Readv(ctx context.Context, fd int, iov [][]byte) (int, error) {
	f := s.fds.Get(fd, false)
	if f == nil {
		return 0, unix.EBADF
	}
	s.fds.Put(f, false)

	f.LockSeek()
	defer f.UnlockSeek()
	off := f.Offset()
	n, err := s.Preadv(ctx, fd, iov, off)
	if err != nil {
		return n, err
	}
	f.SetOffset(off + int64(n))
	return n, nil
}

// Read reads into buf from fd's current offset, advancing it.
func (s *SDK) Read(ctx context.Context, fd int, buf []byte) (int, error) {
	f := s.fds.Get(fd, false)
	if f == nil {
		return 0, unix.EBADF
	}
	s.fds.Put(f, false)

	f.LockSeek()
	defer f.UnlockSeek()
	off := f.Offset()
	n, err := s.Pread(ctx, fd, buf, off)
	if err != nil {
		return 0, err
	}
	f.SetOffset(off + int64(n))
	return n, nil
}

// Pwrite writes buf to fd at off without affecting the file
// descriptor's offset, chunking at IOSizeMax. off may be
// wire.OffsetFileSize to request daemon-resolved append semantics.
func (s *SDK) Pwrite(ctx context.Context, fd int, buf []byte, off int64) (int, error) {
	f := s.fds.Get(fd, false)
	if f == nil {
		return 0, unix.EBADF
	}
	defer s.fds.Put(f, false)

	m, err := mountOf(f)
	if err != nil {
		return 0, err
	}
	if !m.Flags.Writable() {
		return 0, unix.EROFS
	}

	pbd := m.PBDName
	total := 0
	for _, n := range chunk(len(buf)) {
		if n == 0 {
			break
		}
		reqOff := off
		if reqOff != wire.OffsetFileSize {
			reqOff = off + int64(total)
		}
		req := &wire.Request{Type: wire.TypeWrite, Write: wire.WriteReq{Inode: f.Inode, Offset: reqOff, Len: int32(n), Flags: int32(f.Flags), Data: buf[total : total+n]}}
		var rsp wire.Response
		// O_APPEND writes are serialized daemon-side by OffsetFileSize;
		// they must never be retried as if they were an ordinary
		// staleness race, since a retried append would double-write
		// (spec.md §4.F's O_APPEND note). Every other write goes through
		// withRetry like any other request.
		send := func() error { return s.call(ctx, pbd, req, &rsp) }
		if reqOff == wire.OffsetFileSize {
			err = send()
		} else {
			err = withRetry(send)
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, pfserrnoTranslate(err)
		}
		total += int(rsp.Write.Written)
		if reqOff == wire.OffsetFileSize {
			off = rsp.Write.NewOffset
		}
		if int(rsp.Write.Written) < n {
			break
		}
	}
	return total, nil
}

// Write writes buf to fd at its current offset (or appends, for
// O_APPEND fds), advancing the offset.
func (s *SDK) Write(ctx context.Context, fd int, buf []byte) (int, error) {
	f := s.fds.Get(fd, false)
	if f == nil {
		return 0, unix.EBADF
	}
	s.fds.Put(f, false)

	f.LockSeek()
	defer f.UnlockSeek()

	off := f.Offset()
	n, err := s.Pwrite(ctx, fd, buf, off)
	if err != nil {
		return 0, err
	}
	if off == wire.OffsetFileSize {
		// The offset stays pinned at OffsetFileSize for an O_APPEND fd:
		// every subsequent write re-resolves against the then-current
		// end of file, rather than the offset this write landed at.
		return n, nil
	}
	f.SetOffset(off + int64(n))
	return n, nil
}

// Pwritev writes each of iov in order starting at off, without
// affecting fd's offset, matching pwritev(2)'s definition as a sequence
// of pwrite calls over contiguous offsets. off must not be
// wire.OffsetFileSize; use Writev on an O_APPEND fd instead.
func (s *SDK) Pwritev(ctx context.Context, fd int, iov [][]byte, off int64) (int, error) {
	total := 0
	for _, buf := range iov {
		n, err := s.Pwrite(ctx, fd, buf, off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// Writev writes each of iov in order to fd at its current offset (or
// appends, for O_APPEND fds), advancing the offset by the total
// written, matching writev(2).
func (s *SDK) Writev(ctx context.Context, fd int, iov [][]byte) (int, error) {
	total := 0
	for _, buf := range iov {
		n, err := s.Write(ctx, fd, buf)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// WriteZero writes length zero bytes to fd starting at off, matching
// write_zero's use as a cheaper alternative to building a zeroed buffer
// for hole-punching callers that don't need posix_fallocate's
// preallocation guarantee.
func (s *SDK) WriteZero(ctx context.Context, fd int, off int64, length int64) (int, error) {
	const zeroChunk = 1 << 20
	buf := make([]byte, zeroChunk)
	total := 0
	for int64(total) < length {
		n := zeroChunk
		if remaining := length - int64(total); remaining < int64(n) {
			n = int(remaining)
		}
		written, err := s.Pwrite(ctx, fd, buf[:n], off+int64(total))
		total += written
		if err != nil {
			return total, err
		}
		if written < n {
			break
		}
	}
	return total, nil
}

// Lseek repositions fd. SEEK_END is delegated to the daemon (it alone
// knows the file's current size); SEEK_SET and SEEK_CUR are resolved
// locally against the cached offset, matching pfs_lseek's split.
func (s *SDK) Lseek(ctx context.Context, fd int, offset int64, whence int) (int64, error) {
	f := s.fds.Get(fd, false)
	if f == nil {
		return -1, unix.EBADF
	}
	defer s.fds.Put(f, false)

	f.LockSeek()
	defer f.UnlockSeek()

	switch whence {
	case unix.SEEK_SET:
		if offset < 0 {
			return -1, unix.EINVAL
		}
		f.SetOffset(offset)
		return offset, nil
	case unix.SEEK_CUR:
		cur := f.Offset()
		if cur == wire.OffsetFileSize {
			return -1, unix.EINVAL
		}
		next := cur + offset
		if next < 0 {
			return -1, unix.EINVAL
		}
		f.SetOffset(next)
		return next, nil
	case unix.SEEK_END:
		m, err := mountOf(f)
		if err != nil {
			return -1, err
		}
		req := &wire.Request{Type: wire.TypeLseek, Lseek: wire.LseekReq{Inode: f.Inode, Offset: offset, Whence: int32(unix.SEEK_END)}}
		var rsp wire.Response
		if err := withRetry(func() error { return s.call(ctx, m.PBDName, req, &rsp) }); err != nil {
			return -1, pfserrnoTranslate(err)
		}
		f.SetOffset(rsp.Lseek.Offset)
		return rsp.Lseek.Offset, nil
	default:
		return -1, unix.EINVAL
	}
}

// Ftruncate resizes the open file fd to length.
func (s *SDK) Ftruncate(ctx context.Context, fd int, length int64) error {
	f := s.fds.Get(fd, true)
	if f == nil {
		return unix.EBADF
	}
	defer s.fds.Put(f, true)
	m, err := mountOf(f)
	if err != nil {
		return err
	}
	if !m.Flags.Writable() {
		return unix.EROFS
	}

	req := &wire.Request{Type: wire.TypeFtruncate, Ftruncate: wire.FtruncateReq{Inode: f.Inode, Length: length}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, m.PBDName, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// Truncate resizes the file at path to length.
func (s *SDK) Truncate(ctx context.Context, path string, length int64) error {
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

	req := &wire.Request{Type: wire.TypeTruncate, Truncate: wire.TruncateReq{Path: rel, Length: length}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, pbd, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// Fallocate reserves [offset, offset+length) for fd.
func (s *SDK) Fallocate(ctx context.Context, fd int, mode int32, offset, length int64) error {
	f := s.fds.Get(fd, true)
	if f == nil {
		return unix.EBADF
	}
	defer s.fds.Put(f, true)
	m, err := mountOf(f)
	if err != nil {
		return err
	}
	if !m.Flags.Writable() {
		return unix.EROFS
	}

	req := &wire.Request{Type: wire.TypeFallocate, Fallocate: wire.FallocateReq{Inode: f.Inode, Mode: mode, Offset: offset, Len: length}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, m.PBDName, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// SetXattr sets an extended attribute on the open file fd, matching
// fsetxattr(2); flags carries XATTR_CREATE/XATTR_REPLACE.
func (s *SDK) SetXattr(ctx context.Context, fd int, name string, value []byte, flags int32) error {
	f := s.fds.Get(fd, false)
	if f == nil {
		return unix.EBADF
	}
	defer s.fds.Put(f, false)

	m, err := mountOf(f)
	if err != nil {
		return err
	}

	req := &wire.Request{Type: wire.TypeSetxattr, Setxattr: wire.SetxattrReq{Inode: f.Inode, Name: name, Value: value, Flags: flags}}
	var rsp wire.Response
	if err := withRetry(func() error { return s.call(ctx, m.PBDName, req, &rsp) }); err != nil {
		return pfserrnoTranslate(err)
	}
	return nil
}

// PosixFallocate reserves [offset, offset+length) for fd, returning an
// errno directly (per posix_fallocate(2)'s convention) rather than
// setting it; implemented as Fallocate with mode 0 (no FALLOC_FL_*
// flags), matching pfsd_sdk.cc's posix_fallocate wrapper.
func (s *SDK) PosixFallocate(ctx context.Context, fd int, offset, length int64) error {
	return s.Fallocate(ctx, fd, 0, offset, length)
}

// splitPath resolves path against the working directory and splits it
// into (pbdName, relPath).
func (s *SDK) splitPath(path string) (pbd, rel string, err error) {
	return pfspath.Split(path, &s.wd)
}

// pfserrnoTranslate narrows err to the façade's allow-listed errno
// namespace; a non-nil err reaching here (after withRetry has already
// consumed EAGAIN) is always terminal.
func pfserrnoTranslate(err error) error {
	return pfserrno.Translate(err)
}
