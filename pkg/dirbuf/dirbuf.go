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

// Package dirbuf implements the client-side page buffer a readdir
// cursor drains before issuing another READDIR request (spec.md §4.G),
// grounded on the d_data/d_data_offset/d_data_size page cache in
// pfsd_readdir_r, original_source/src/pfs_sdk/pfsd_sdk.cc.
package dirbuf

import "github.com/polarfs/pfs-go/pkg/wire"

// PageFetcher requests the next page of directory entries starting
// after (nextInode, nextOffset), returning the page, the cursor to
// resume from, and whether the directory is now exhausted.
type PageFetcher func(nextInode, nextOffset int64) (entries []wire.DirEntry, resumeInode, resumeOffset int64, eof bool, err error)

// Iterator is a readdir cursor: it drains one buffered page of entries
// at a time, fetching the next page only once the current one is
// exhausted, mirroring the original's single-page d_data cache.
type Iterator struct {
	dirInode int64
	fetch    PageFetcher

	page []wire.DirEntry
	off  int

	nextInode  int64
	nextOffset int64
	eof        bool
}

// NewIterator returns an Iterator over dirInode, fetching pages through
// fetch. The iterator starts with an empty page, so the first Next call
// always fetches.
func NewIterator(dirInode int64, fetch PageFetcher) *Iterator {
	return &Iterator{dirInode: dirInode, fetch: fetch, nextInode: dirInode}
}

// Next returns the next directory entry, or ok == false once the
// directory is exhausted. An error from the underlying fetch is returned
// once and marks the iterator exhausted: later calls return ok == false
// with a nil error and do not fetch again, until Reset.
func (it *Iterator) Next() (entry wire.DirEntry, ok bool, err error) {
	if it.off < len(it.page) {
		e := it.page[it.off]
		it.off++
		return e, true, nil
	}

	it.page = nil
	it.off = 0

	if it.eof {
		return wire.DirEntry{}, false, nil
	}

	page, resumeInode, resumeOffset, eof, err := it.fetch(it.nextInode, it.nextOffset)
	if err != nil {
		it.eof = true
		return wire.DirEntry{}, false, err
	}

	it.nextInode = resumeInode
	it.nextOffset = resumeOffset
	it.eof = eof

	if len(page) == 0 {
		return wire.DirEntry{}, false, nil
	}

	it.page = page
	it.off = 1
	return page[0], true, nil
}

// Reset rewinds the iterator to the beginning of the directory,
// discarding any buffered page — used by rewinddir-equivalent calls.
func (it *Iterator) Reset() {
	it.page = nil
	it.off = 0
	it.nextInode = it.dirInode
	it.nextOffset = 0
	it.eof = false
}
