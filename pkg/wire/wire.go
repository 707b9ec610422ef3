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

// Package wire defines the request/response envelopes exchanged between
// the SDK façade and the daemon over a channel.Client (spec.md §4.E/§4.F),
// grounded on the req->type / rsp->type discriminated unions built in
// original_source/src/pfs_sdk/pfsd_sdk.cc (PFSD_REQUEST_OPEN,
// PFSD_REQUEST_READ, ... and their *_req payload structs).
package wire

// Type discriminates a Request's payload, mirroring the PFSD_REQUEST_*
// enum.
type Type int32

const (
	// TypeConnect is the zero Type: an empty Request sent as the first
	// message of a session, asking the daemon to assign a ConnID.
	TypeConnect Type = iota
	TypeOpen
	TypeRead
	TypeWrite
	TypeLseek
	TypeStat
	TypeFstat
	TypeTruncate
	TypeFtruncate
	TypeFallocate
	TypeUnlink
	TypeRename
	TypeMkdir
	TypeRmdir
	TypeOpendir
	TypeReaddir
	TypeAccess
	TypeGrowfs
	TypeIncreaseEpoch
	TypeChdir
	TypeSetxattr
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeOpen:
		return "OPEN"
	case TypeRead:
		return "READ"
	case TypeWrite:
		return "WRITE"
	case TypeLseek:
		return "LSEEK"
	case TypeStat:
		return "STAT"
	case TypeFstat:
		return "FSTAT"
	case TypeTruncate:
		return "TRUNCATE"
	case TypeFtruncate:
		return "FTRUNCATE"
	case TypeFallocate:
		return "FALLOCATE"
	case TypeUnlink:
		return "UNLINK"
	case TypeRename:
		return "RENAME"
	case TypeMkdir:
		return "MKDIR"
	case TypeRmdir:
		return "RMDIR"
	case TypeOpendir:
		return "OPENDIR"
	case TypeReaddir:
		return "READDIR"
	case TypeAccess:
		return "ACCESS"
	case TypeGrowfs:
		return "GROWFS"
	case TypeIncreaseEpoch:
		return "INCREASEEPOCH"
	case TypeChdir:
		return "CHDIR"
	case TypeSetxattr:
		return "SETXATTR"
	default:
		return "UNKNOWN"
	}
}

// OffsetFileSize is the sentinel offset meaning "append at the current
// end of file," resolved daemon-side so that concurrent O_APPEND writers
// serialize through the daemon instead of racing a client-computed
// offset (spec.md §4.F / §5 O_APPEND semantics).
const OffsetFileSize = -1

// Request is the envelope for every daemon call. Exactly one of the
// payload fields below is populated, selected by Type; unused payload
// fields are left at their zero value.
type Request struct {
	Type   Type
	ConnID int64
	Mtime  int64 // last known mount epoch/mtime; neither pkg/pfs nor pkg/pfsdaemon sets or reads it

	Open      OpenReq
	Read      ReadReq
	Write     WriteReq
	Lseek     LseekReq
	Path      PathReq
	Fstat     FstatReq
	Truncate  TruncateReq
	Ftruncate FtruncateReq
	Fallocate FallocateReq
	Rename    RenameReq
	Mkdir     MkdirReq
	Opendir   OpendirReq
	Readdir   ReaddirReq
	Access    AccessReq
	Growfs    GrowfsReq
	Chdir     ChdirReq
	Setxattr  SetxattrReq
}

// OpenReq carries OPEN's path, flags and mode. Path is carried out of
// band in Request.Path for every path-taking request type, including
// OPEN; OpenReq holds only the fields unique to OPEN.
type OpenReq struct {
	Flags int32
	Mode  uint32
}

// PathReq carries the path argument shared by OPEN, STAT, UNLINK, RMDIR
// and OPENDIR. MKDIR and ACCESS carry theirs in MkdirReq and AccessReq.
type PathReq struct {
	Path string
}

type ReadReq struct {
	Inode  int64
	Offset int64
	Len    int32
}

type WriteReq struct {
	Inode  int64
	Offset int64
	Len    int32
	Flags  int32
	Data   []byte
}

type LseekReq struct {
	Inode  int64
	Offset int64
	Whence int32
}

type FstatReq struct {
	Inode int64
}

type TruncateReq struct {
	Path   string
	Length int64
}

type FtruncateReq struct {
	Inode  int64
	Length int64
}

type FallocateReq struct {
	Inode  int64
	Mode   int32
	Offset int64
	Len    int64
}

type RenameReq struct {
	OldPath string
	NewPath string
	Flags   int32
}

type MkdirReq struct {
	Path string
	Mode uint32
}

type OpendirReq struct {
	Path string
}

type ReaddirReq struct {
	DirInode  int64
	NextInode int64
	NextOff   int64
}

type AccessReq struct {
	Path string
	Mode int32
}

type GrowfsReq struct {
	PBDName string
}

type ChdirReq struct {
	Path string
}

// SetxattrReq carries fsetxattr's inode-addressed attribute write; Flags
// mirrors XATTR_CREATE/XATTR_REPLACE.
type SetxattrReq struct {
	Inode int64
	Name  string
	Value []byte
	Flags int32
}

// Response is the envelope every daemon call returns. Errno is 0 on
// success; a non-zero Errno invalidates every other field except Type
// and ConnID.
type Response struct {
	Type   Type
	ConnID int64
	Errno  int32

	Open      OpenResp
	Read      ReadResp
	Write     WriteResp
	Lseek     LseekResp
	Stat      StatResp
	Mkdir     MkdirResp
	Opendir   OpendirResp
	Readdir   ReaddirResp
	Growfs    GrowfsResp
	Increase  IncreaseEpochResp
}

type OpenResp struct {
	Inode int64
}

type ReadResp struct {
	Data []byte
}

type WriteResp struct {
	Written  int32
	NewOffset int64 // resolved OffsetFileSize position, valid for O_APPEND writes
}

type LseekResp struct {
	Offset int64
}

// StatResp carries the subset of struct stat the SDK façade promises
// (spec.md §4.H), used for both STAT and FSTAT responses.
type StatResp struct {
	Size    int64
	Mode    uint32
	Mtime   int64
	Ctime   int64
	Blocks  int64
	Nlink   uint32
	IsDir   bool
}

type MkdirResp struct{}

type OpendirResp struct {
	Inode int64
}

// ReaddirResp carries one page of directory entries; dirbuf.Iterator
// consumes these pages (spec.md §4.G).
type ReaddirResp struct {
	Entries   []DirEntry
	NextInode int64
	NextOff   int64
	EOF       bool
}

type DirEntry struct {
	Name  string
	Inode int64
	IsDir bool
}

type GrowfsResp struct{}

type IncreaseEpochResp struct {
	Epoch int64
}
