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

package dirbuf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarfs/pfs-go/pkg/wire"
)

func TestIteratorDrainsPagesThenEOF(t *testing.T) {
	pages := [][]wire.DirEntry{
		{{Name: "a"}, {Name: "b"}},
		{{Name: "c"}},
	}
	calls := 0
	fetch := func(nextInode, nextOffset int64) ([]wire.DirEntry, int64, int64, bool, error) {
		page := pages[calls]
		calls++
		eof := calls == len(pages)
		return page, int64(calls), 0, eof, nil
	}

	it := NewIterator(1, fetch)

	var names []string
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, e.Name)
	}

	require.Equal(t, []string{"a", "b", "c"}, names)
	require.Equal(t, 2, calls)
}

func TestIteratorEmptyDirectory(t *testing.T) {
	fetch := func(nextInode, nextOffset int64) ([]wire.DirEntry, int64, int64, bool, error) {
		return nil, 0, 0, true, nil
	}
	it := NewIterator(1, fetch)
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIteratorStickyError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	fetch := func(nextInode, nextOffset int64) ([]wire.DirEntry, int64, int64, bool, error) {
		calls++
		return nil, 0, 0, false, boom
	}
	it := NewIterator(1, fetch)

	_, ok, err := it.Next()
	require.False(t, ok)
	require.Equal(t, boom, err)

	_, ok, err = it.Next()
	require.False(t, ok)
	require.Equal(t, boom, err)
	require.Equal(t, 1, calls, "a fetch error should mark the iterator exhausted, not retry")
}

func TestResetRewindsToFirstPage(t *testing.T) {
	calls := 0
	fetch := func(nextInode, nextOffset int64) ([]wire.DirEntry, int64, int64, bool, error) {
		calls++
		return []wire.DirEntry{{Name: "x"}}, 2, 0, true, nil
	}
	it := NewIterator(1, fetch)

	e, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", e.Name)

	it.Reset()
	e, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", e.Name)
	require.Equal(t, 2, calls)
}
