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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/wire"
)

func TestOpenCreateThenWriteThenRead(t *testing.T) {
	h := New()

	var rsp wire.Response
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/a"}, Open: wire.OpenReq{Flags: unix.O_CREAT, Mode: 0644}}, &rsp)
	require.Zero(t, rsp.Errno)
	ino := rsp.Open.Inode

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeWrite, Write: wire.WriteReq{Inode: ino, Offset: 0, Data: []byte("hello")}}, &rsp)
	require.Zero(t, rsp.Errno)
	require.Equal(t, int32(5), rsp.Write.Written)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeRead, Read: wire.ReadReq{Inode: ino, Offset: 0, Len: 5}}, &rsp)
	require.Zero(t, rsp.Errno)
	require.Equal(t, "hello", string(rsp.Read.Data))
}

func TestOpenExistingWithoutCreateSucceeds(t *testing.T) {
	h := New()
	var rsp wire.Response
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/a"}, Open: wire.OpenReq{Flags: unix.O_CREAT}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/a"}}, &rsp)
	require.Zero(t, rsp.Errno)
}

func TestOpenMissingWithoutCreateReturnsENOENT(t *testing.T) {
	h := New()
	var rsp wire.Response
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/missing"}}, &rsp)
	require.Equal(t, int32(unix.ENOENT), rsp.Errno)
}

func TestOpenExclWithExistingReturnsEEXIST(t *testing.T) {
	h := New()
	var rsp wire.Response
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/a"}, Open: wire.OpenReq{Flags: unix.O_CREAT}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/a"}, Open: wire.OpenReq{Flags: unix.O_CREAT | unix.O_EXCL}}, &rsp)
	require.Equal(t, int32(unix.EEXIST), rsp.Errno)
}

func TestAppendWriteResolvesOffsetFileSize(t *testing.T) {
	h := New()
	var rsp wire.Response
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/a"}, Open: wire.OpenReq{Flags: unix.O_CREAT}}, &rsp)
	ino := rsp.Open.Inode

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeWrite, Write: wire.WriteReq{Inode: ino, Offset: 0, Data: []byte("ab")}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeWrite, Write: wire.WriteReq{Inode: ino, Offset: wire.OffsetFileSize, Data: []byte("cd")}}, &rsp)
	require.Zero(t, rsp.Errno)
	require.Equal(t, int64(4), rsp.Write.NewOffset)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeRead, Read: wire.ReadReq{Inode: ino, Offset: 0, Len: 4}}, &rsp)
	require.Equal(t, "abcd", string(rsp.Read.Data))
}

func TestMkdirRmdirUnlinkRename(t *testing.T) {
	h := New()
	var rsp wire.Response

	h.Handle(&wire.Request{Type: wire.TypeMkdir, Mkdir: wire.MkdirReq{Path: "/d", Mode: 0755}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/d/f"}, Open: wire.OpenReq{Flags: unix.O_CREAT}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeRmdir, Path: wire.PathReq{Path: "/d"}}, &rsp)
	require.Equal(t, int32(unix.ENOTEMPTY), rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeRename, Rename: wire.RenameReq{OldPath: "/d/f", NewPath: "/d/g"}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeUnlink, Path: wire.PathReq{Path: "/d/g"}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeRmdir, Path: wire.PathReq{Path: "/d"}}, &rsp)
	require.Zero(t, rsp.Errno)
}

func TestReaddirPaging(t *testing.T) {
	h := New()
	for _, name := range []string{"a", "b", "c"} {
		var rsp wire.Response
		h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/" + name}, Open: wire.OpenReq{Flags: unix.O_CREAT}}, &rsp)
		require.Zero(t, rsp.Errno)
	}

	var rsp wire.Response
	h.Handle(&wire.Request{Type: wire.TypeOpendir, Path: wire.PathReq{Path: "/"}}, &rsp)
	require.Zero(t, rsp.Errno)
	dirIno := rsp.Opendir.Inode

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeReaddir, Readdir: wire.ReaddirReq{DirInode: dirIno}}, &rsp)
	require.Zero(t, rsp.Errno)
	require.True(t, rsp.Readdir.EOF)

	names := make([]string, len(rsp.Readdir.Entries))
	for i, e := range rsp.Readdir.Entries {
		names[i] = e.Name
	}
	require.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestIncreaseEpochMonotonic(t *testing.T) {
	h := New()
	var rsp wire.Response
	h.Handle(&wire.Request{Type: wire.TypeIncreaseEpoch}, &rsp)
	require.Equal(t, int64(1), rsp.Increase.Epoch)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeIncreaseEpoch}, &rsp)
	require.Equal(t, int64(2), rsp.Increase.Epoch)
}

func TestTruncateGrowsAndShrinks(t *testing.T) {
	h := New()
	var rsp wire.Response
	h.Handle(&wire.Request{Type: wire.TypeOpen, Path: wire.PathReq{Path: "/a"}, Open: wire.OpenReq{Flags: unix.O_CREAT}}, &rsp)
	ino := rsp.Open.Inode

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeFtruncate, Ftruncate: wire.FtruncateReq{Inode: ino, Length: 10}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeFstat, Fstat: wire.FstatReq{Inode: ino}}, &rsp)
	require.Equal(t, int64(10), rsp.Stat.Size)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeFtruncate, Ftruncate: wire.FtruncateReq{Inode: ino, Length: 2}}, &rsp)
	require.Zero(t, rsp.Errno)

	rsp = wire.Response{}
	h.Handle(&wire.Request{Type: wire.TypeFstat, Fstat: wire.FstatReq{Inode: ino}}, &rsp)
	require.Equal(t, int64(2), rsp.Stat.Size)
}
