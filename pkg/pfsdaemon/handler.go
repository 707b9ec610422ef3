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

package pfsdaemon

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/wire"
)

// ReaddirPageSize bounds how many entries a single READDIR response
// returns, mirroring PFSD_DIRENT_BUFFER_SIZE's effect of capping a page
// to what fits in one packet window.
const ReaddirPageSize = 256

// Handler implements shmchannel.Handler against a Tree, giving the SDK
// stack a real (if storage-engine-free) daemon to round-trip requests
// through.
type Handler struct {
	tree *Tree

	mu       sync.Mutex
	nextConn int64
}

// New returns a Handler serving an empty Tree.
func New() *Handler {
	return &Handler{tree: NewTree()}
}

// Tree exposes the underlying filesystem, primarily for test setup.
func (h *Handler) Tree() *Tree { return h.tree }

// Handle implements shmchannel.Handler.
func (h *Handler) Handle(req *wire.Request, rsp *wire.Response) {
	switch req.Type {
	case wire.TypeConnect:
		h.handleConnect(rsp)
	case wire.TypeOpen:
		h.handleOpen(req, rsp)
	case wire.TypeRead:
		h.handleRead(req, rsp)
	case wire.TypeWrite:
		h.handleWrite(req, rsp)
	case wire.TypeLseek:
		h.handleLseek(req, rsp)
	case wire.TypeStat:
		h.handleStat(req, rsp)
	case wire.TypeFstat:
		h.handleFstat(req, rsp)
	case wire.TypeTruncate:
		h.handleTruncate(req, rsp)
	case wire.TypeFtruncate:
		h.handleFtruncate(req, rsp)
	case wire.TypeFallocate:
		h.handleFallocate(req, rsp)
	case wire.TypeUnlink:
		h.setErr(rsp, h.tree.Unlink(req.Path.Path))
	case wire.TypeRename:
		h.setErr(rsp, h.tree.Rename2(req.Rename.OldPath, req.Rename.NewPath, req.Rename.Flags))
	case wire.TypeMkdir:
		h.setErr(rsp, h.tree.Mkdir(req.Mkdir.Path, req.Mkdir.Mode))
	case wire.TypeRmdir:
		h.setErr(rsp, h.tree.Rmdir(req.Path.Path))
	case wire.TypeOpendir:
		h.handleOpendir(req, rsp)
	case wire.TypeReaddir:
		h.handleReaddir(req, rsp)
	case wire.TypeAccess:
		h.handleAccess(req, rsp)
	case wire.TypeGrowfs:
		// The reference tree has no physical capacity to grow; GROWFS
		// is accepted as a no-op so callers exercising the protocol
		// path see success.
	case wire.TypeIncreaseEpoch:
		rsp.Increase.Epoch = h.tree.IncreaseEpoch()
	case wire.TypeChdir:
		h.setErr(rsp, h.chdirErr(req.Chdir.Path))
	case wire.TypeSetxattr:
		h.setErr(rsp, h.tree.Setxattr(req.Setxattr.Inode, req.Setxattr.Name, req.Setxattr.Value, req.Setxattr.Flags))
	default:
		glog.Errorf("pfsdaemon: unknown request type %v", req.Type)
		rsp.Errno = int32(unix.EINVAL)
	}
}

func (h *Handler) handleConnect(rsp *wire.Response) {
	h.mu.Lock()
	h.nextConn++
	rsp.ConnID = h.nextConn
	h.mu.Unlock()
}

func (h *Handler) setErr(rsp *wire.Response, err error) {
	if err == nil {
		return
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		errno = unix.EIO
	}
	rsp.Errno = int32(errno)
}

func (h *Handler) chdirErr(path string) error {
	n, err := h.tree.Lookup(path)
	if err != nil {
		return err
	}
	if !n.isDir {
		return unix.ENOTDIR
	}
	return nil
}

func (h *Handler) handleOpen(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.Lookup(req.Path.Path)
	if err != nil {
		if err != unix.ENOENT || req.Open.Flags&unix.O_CREAT == 0 {
			h.setErr(rsp, err)
			return
		}
		n, err = h.tree.Create(req.Path.Path, req.Open.Mode)
		if err != nil {
			h.setErr(rsp, err)
			return
		}
	} else if req.Open.Flags&(unix.O_CREAT|unix.O_EXCL) == unix.O_CREAT|unix.O_EXCL {
		rsp.Errno = int32(unix.EEXIST)
		return
	}
	rsp.Open.Inode = n.id
}

func (h *Handler) handleRead(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.ByID(req.Read.Inode)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	off := req.Read.Offset
	if off >= int64(len(n.data)) {
		rsp.Read.Data = nil
		return
	}
	end := off + int64(req.Read.Len)
	if end > int64(len(n.data)) {
		end = int64(len(n.data))
	}
	out := make([]byte, end-off)
	copy(out, n.data[off:end])
	rsp.Read.Data = out
}

func (h *Handler) handleWrite(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.ByID(req.Write.Inode)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	off := req.Write.Offset
	if off == wire.OffsetFileSize {
		off = int64(len(n.data))
	}
	need := off + int64(len(req.Write.Data))
	if need > int64(len(n.data)) {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], req.Write.Data)
	rsp.Write.Written = int32(len(req.Write.Data))
	rsp.Write.NewOffset = off + int64(len(req.Write.Data))
}

func (h *Handler) handleLseek(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.ByID(req.Lseek.Inode)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	n.mu.RLock()
	size := int64(len(n.data))
	n.mu.RUnlock()

	var off int64
	switch req.Lseek.Whence {
	case unix.SEEK_SET:
		off = req.Lseek.Offset
	case unix.SEEK_CUR:
		// The reference daemon is never asked to resolve SEEK_CUR: the
		// façade resolves it locally from the cached offset and only
		// delegates SEEK_END (spec.md §4.H), so this arm exists only
		// to reject a malformed request rather than silently misbehave.
		rsp.Errno = int32(unix.EINVAL)
		return
	case unix.SEEK_END:
		off = size + req.Lseek.Offset
	default:
		rsp.Errno = int32(unix.EINVAL)
		return
	}
	if off < 0 {
		rsp.Errno = int32(unix.EINVAL)
		return
	}
	rsp.Lseek.Offset = off
}

func (h *Handler) fillStat(n *inode, out *wire.StatResp) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out.Size = int64(len(n.data))
	out.Mode = n.mode
	out.Mtime = n.mtime
	out.Ctime = n.ctime
	out.Nlink = 1
	out.IsDir = n.isDir
	out.Blocks = (out.Size + 511) / 512
}

func (h *Handler) handleStat(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.Lookup(req.Path.Path)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	h.fillStat(n, &rsp.Stat)
}

func (h *Handler) handleFstat(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.ByID(req.Fstat.Inode)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	h.fillStat(n, &rsp.Stat)
}

func (h *Handler) handleTruncate(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.Lookup(req.Truncate.Path)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	h.truncateTo(n, req.Truncate.Length)
}

func (h *Handler) handleFtruncate(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.ByID(req.Ftruncate.Inode)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	h.truncateTo(n, req.Ftruncate.Length)
}

func (h *Handler) truncateTo(n *inode, length int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if length <= int64(len(n.data)) {
		n.data = n.data[:length]
		return
	}
	grown := make([]byte, length)
	copy(grown, n.data)
	n.data = grown
}

func (h *Handler) handleFallocate(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.ByID(req.Fallocate.Inode)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	need := req.Fallocate.Offset + req.Fallocate.Len
	n.mu.Lock()
	defer n.mu.Unlock()
	if need > int64(len(n.data)) {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
}

func (h *Handler) handleOpendir(req *wire.Request, rsp *wire.Response) {
	n, err := h.tree.Lookup(req.Path.Path)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	if !n.isDir {
		rsp.Errno = int32(unix.ENOTDIR)
		return
	}
	rsp.Opendir.Inode = n.id
}

func (h *Handler) handleReaddir(req *wire.Request, rsp *wire.Response) {
	names, nextOffset, eof, err := h.tree.Readdir(req.Readdir.DirInode, req.Readdir.NextOff, ReaddirPageSize)
	if err != nil {
		h.setErr(rsp, err)
		return
	}
	n, err := h.tree.ByID(req.Readdir.DirInode)
	if err != nil {
		h.setErr(rsp, err)
		return
	}

	entries := make([]wire.DirEntry, 0, len(names))
	n.mu.RLock()
	for _, name := range names {
		child := n.children[name]
		entries = append(entries, wire.DirEntry{Name: name, Inode: child.id, IsDir: child.isDir})
	}
	n.mu.RUnlock()

	rsp.Readdir.Entries = entries
	rsp.Readdir.NextInode = req.Readdir.DirInode
	rsp.Readdir.NextOff = nextOffset
	rsp.Readdir.EOF = eof
}

func (h *Handler) handleAccess(req *wire.Request, rsp *wire.Response) {
	_, err := h.tree.Lookup(req.Access.Path)
	h.setErr(rsp, err)
}
