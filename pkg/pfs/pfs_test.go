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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/channel"
	"github.com/polarfs/pfs-go/pkg/fence"
	"github.com/polarfs/pfs-go/pkg/mount"
	"github.com/polarfs/pfs-go/pkg/pfsdaemon"
	"github.com/polarfs/pfs-go/pkg/shmchannel"
)

// withTempFenceDir points pkg/fence's lock files at a scratch directory
// so tests never touch /var/run/pfs.
func withTempFenceDir(t *testing.T) {
	t.Helper()
	orig := fence.Dir
	fence.Dir = t.TempDir()
	t.Cleanup(func() { fence.Dir = orig })
}

// newTestSDK wires an SDK to an in-process pfsdaemon.Handler over a real
// shmchannel pair, so every façade method in this package exercises the
// full wire/channel/daemon stack without a second process.
func newTestSDK(t *testing.T) (*SDK, *pfsdaemon.Handler) {
	t.Helper()
	withTempFenceDir(t)

	h := pfsdaemon.New()
	connect := func(pbd string) (channel.Client, error) {
		win, err := shmchannel.NewWindow(shmchannel.DefaultWindowSize)
		if err != nil {
			return nil, err
		}
		clientEp, serverEp, err := shmchannel.NewPair(win)
		if err != nil {
			return nil, err
		}
		srv := shmchannel.NewServer(serverEp, h)
		go func() { _ = srv.Serve() }()
		return shmchannel.NewClient(clientEp), nil
	}

	s := New(connect)
	t.Cleanup(s.Reinit)
	return s, h
}

func TestMountOpenWriteReadUmount(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)

	require.NoError(t, s.Mount(ctx, "pbd1", 1, mount.FlagRD|mount.FlagWR))

	fd, err := s.Open(ctx, "/pbd1/a.txt", unix.O_CREAT|unix.O_RDWR, 0644)
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, 0)

	n, err := s.Write(ctx, fd, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	_, err = s.Lseek(ctx, fd, 0, unix.SEEK_SET)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err = s.Read(ctx, fd, buf)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf[:n]))

	require.NoError(t, s.Close(fd))
	require.NoError(t, s.Umount("pbd1"))
}

// TestStaleFdAfterRemountFailsENODEV covers the scenario spec.md §8
// Scenario 2 exercises: an fd opened against one mount of a PBD name
// must never resolve against a later mount of the same name once the
// first has been unmounted, even though the fd table has no way to
// distinguish the two mounts by name alone.
func TestStaleFdAfterRemountFailsENODEV(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)

	require.NoError(t, s.Mount(ctx, "dup1", 1, mount.FlagRD|mount.FlagWR))
	fd, err := s.Open(ctx, "/dup1/a.txt", unix.O_CREAT|unix.O_RDWR, 0644)
	require.NoError(t, err)

	require.NoError(t, s.Umount("dup1"))
	require.NoError(t, s.Mount(ctx, "dup1", 1, mount.FlagRD|mount.FlagWR))

	_, err = s.Pwrite(ctx, fd, []byte("stale"), 0)
	require.Equal(t, unix.ENODEV, err)

	_, err = s.Pread(ctx, fd, make([]byte, 8), 0)
	require.Equal(t, unix.ENODEV, err)

	require.NoError(t, s.Umount("dup1"))
}

func TestOpenAgainstReadOnlyMountRejectsWrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)

	require.NoError(t, s.Mount(ctx, "pbd1", 1, mount.FlagRD))
	_, err := s.Open(ctx, "/pbd1/a.txt", unix.O_CREAT|unix.O_RDWR, 0644)
	require.Equal(t, unix.EROFS, err)
}

func TestAppendWriteSerializesAtEndOfFile(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)
	require.NoError(t, s.Mount(ctx, "pbd1", 1, mount.FlagRD|mount.FlagWR))

	fd, err := s.Open(ctx, "/pbd1/log", unix.O_CREAT|unix.O_RDWR|unix.O_APPEND, 0644)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		n, err := s.Write(ctx, fd, []byte("xxx"))
		require.NoError(t, err)
		require.Equal(t, 3, n)
	}

	st, err := s.Fstat(ctx, fd)
	require.NoError(t, err)
	require.Equal(t, int64(15), st.Size)
}

func TestMkdirReaddirUnlinkRmdir(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)
	require.NoError(t, s.Mount(ctx, "pbd1", 1, mount.FlagRD|mount.FlagWR))

	require.NoError(t, s.Mkdir(ctx, "/pbd1/dir", 0755))
	fd, err := s.Open(ctx, "/pbd1/dir/f1", unix.O_CREAT|unix.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = s.Write(ctx, fd, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close(fd))

	d, err := s.Opendir(ctx, "/pbd1/dir")
	require.NoError(t, err)
	var names []string
	for {
		e, ok, err := s.Readdir(d)
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, e.Name)
	}
	require.Contains(t, names, "f1")
	require.NoError(t, s.Closedir(d))

	require.NoError(t, s.Unlink(ctx, "/pbd1/dir/f1"))
	require.NoError(t, s.Rmdir(ctx, "/pbd1/dir"))
}

func TestRenameAcrossPBDsRejectedWithEXDEV(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)
	require.NoError(t, s.Mount(ctx, "pbd1", 1, mount.FlagRD|mount.FlagWR))
	require.NoError(t, s.Mount(ctx, "pbd2", 1, mount.FlagRD|mount.FlagWR))

	err := s.Rename(ctx, "/pbd1/a", "/pbd2/b")
	require.Equal(t, unix.EXDEV, err)
}

func TestStatAndTruncate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)
	require.NoError(t, s.Mount(ctx, "pbd1", 1, mount.FlagRD|mount.FlagWR))

	fd, err := s.Open(ctx, "/pbd1/a.txt", unix.O_CREAT|unix.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = s.Write(ctx, fd, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, s.Ftruncate(ctx, fd, 4))
	st, err := s.Fstat(ctx, fd)
	require.NoError(t, err)
	require.Equal(t, int64(4), st.Size)

	st2, err := s.Stat(ctx, "/pbd1/a.txt")
	require.NoError(t, err)
	require.Equal(t, int64(4), st2.Size)
}

func TestIncreaseEpochMonotonic(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)
	require.NoError(t, s.Mount(ctx, "pbd1", 1, mount.FlagRD|mount.FlagWR))

	e1, err := s.IncreaseEpoch(ctx, "pbd1")
	require.NoError(t, err)
	e2, err := s.IncreaseEpoch(ctx, "pbd1")
	require.NoError(t, err)
	require.Greater(t, e2, e1)
}

func TestOpenWithoutMountFailsENODEV(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)
	_, err := s.Open(ctx, "/pbd1/a.txt", unix.O_RDONLY, 0)
	require.Equal(t, unix.ENODEV, err)
}

func TestMountTwiceFailsAlreadyMounted(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSDK(t)
	require.NoError(t, s.Mount(ctx, "pbd1", 1, mount.FlagRD|mount.FlagWR))
	err := s.Mount(ctx, "pbd1", 1, mount.FlagRD|mount.FlagWR)
	require.Error(t, err)
}
