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

package fdtable

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/polarfs/pfs-go/pkg/mount"
)

func TestAllocAssignsIncreasingFds(t *testing.T) {
	tbl := New()

	f1 := &File{}
	f2 := &File{}
	fd1 := tbl.Alloc(f1)
	fd2 := tbl.Alloc(f2)

	require.Equal(t, 0, fd1)
	require.Equal(t, 1, fd2)
	require.Equal(t, 2, tbl.Len())
}

func TestCloseRecyclesFdViaFreeList(t *testing.T) {
	tbl := New()

	f1 := &File{}
	fd1 := tbl.Alloc(f1)
	require.NoError(t, tbl.Close(f1))
	require.Equal(t, 0, tbl.Len())

	f2 := &File{}
	fd2 := tbl.Alloc(f2)
	require.Equal(t, fd1, fd2, "closed slot should be reused before extending the high-water mark")
}

func TestCloseStackOrderingOfFreedSlots(t *testing.T) {
	tbl := New()

	fA := &File{}
	fB := &File{}
	fC := &File{}
	tbl.Alloc(fA)
	tbl.Alloc(fB)
	tbl.Alloc(fC)

	require.NoError(t, tbl.Close(fA))
	require.NoError(t, tbl.Close(fB))

	// Free list is LIFO: B was freed last, so it is handed out first.
	fD := &File{}
	fdD := tbl.Alloc(fD)
	require.Equal(t, fB.fd, fdD)

	fE := &File{}
	fdE := tbl.Alloc(fE)
	require.Equal(t, fA.fd, fdE)
}

func TestGetPutRoundTrip(t *testing.T) {
	tbl := New()
	f := &File{}
	tbl.Alloc(f)

	got := tbl.Get(f.fd, false)
	require.Same(t, f, got)
	tbl.Put(got, false)
}

func TestGetOutOfRangeReturnsNil(t *testing.T) {
	tbl := New()
	require.Nil(t, tbl.Get(-1, false))
	require.Nil(t, tbl.Get(MaxNFD, false))
	require.Nil(t, tbl.Get(5, false))
}

func TestCloseWithOutstandingRefReturnsEAGAIN(t *testing.T) {
	tbl := New()
	f := &File{}
	tbl.Alloc(f)

	held := tbl.Get(f.fd, false)
	require.Equal(t, unix.EAGAIN, tbl.Close(f))

	tbl.Put(held, false)
	require.NoError(t, tbl.Close(f))
}

func TestCloseTwiceReturnsEBADF(t *testing.T) {
	tbl := New()
	f := &File{}
	tbl.Alloc(f)
	require.NoError(t, tbl.Close(f))
	require.Equal(t, unix.EBADF, tbl.Close(f))
}

func TestInvalidateByMountNilsMatchingFilesOnly(t *testing.T) {
	tbl := New()

	target := &mount.Record{}
	other := &mount.Record{}
	f1 := &File{Mount: target, ConnID: 7}
	f2 := &File{Mount: target, ConnID: 8}
	f3 := &File{Mount: other, ConnID: 9}
	tbl.Alloc(f1)
	tbl.Alloc(f2)
	tbl.Alloc(f3)

	victims := tbl.InvalidateByMount(target)
	require.Len(t, victims, 2)
	require.Equal(t, 3, tbl.Len())

	require.Nil(t, f1.Mount)
	require.Nil(t, f2.Mount)
	require.Equal(t, int64(-1), f1.ConnID)
	require.Equal(t, int64(-1), f2.ConnID)
	require.Same(t, other, f3.Mount)
	require.Equal(t, int64(9), f3.ConnID)

	require.NoError(t, tbl.Close(f1))
	require.NoError(t, tbl.Close(f2))
	require.NoError(t, tbl.Close(f3))
}
