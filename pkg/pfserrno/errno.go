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

// Package pfserrno translates errno values coming back from the daemon (or
// raised internally) into the narrow POSIX namespace the SDK façade
// promises callers. Anything outside the allow-list collapses to EIO, so
// an unexpected daemon error such as ESTALE never reaches application
// code as itself. EAGAIN is on the allow-list and passes through
// unchanged.
package pfserrno

import "golang.org/x/sys/unix"

// allowed is the allow-list from spec.md §4.H / §7. Errno values not in
// this set are mapped to EIO by Translate.
var allowed = map[unix.Errno]struct{}{
	unix.EACCES:       {},
	unix.EAGAIN:       {},
	unix.EBADF:        {},
	unix.EEXIST:       {},
	unix.EFBIG:        {},
	unix.EINVAL:       {},
	unix.EISDIR:       {},
	unix.EMFILE:       {},
	unix.ENAMETOOLONG: {},
	unix.ENODATA:      {},
	unix.ENODEV:       {},
	unix.ENOENT:       {},
	unix.ENOTEMPTY:    {},
	unix.ENOMEM:       {},
	unix.ENOSPC:       {},
	unix.ENOTDIR:      {},
	unix.EXDEV:        {},
	unix.EOVERFLOW:    {},
	unix.EROFS:        {},
	unix.EBUSY:        {},
	unix.ERANGE:       {},
}

// Translate maps err to the POSIX errno namespace the façade promises,
// collapsing anything not in the allow-list to EIO. It must never be
// called with EAGAIN or ESTALE still attached to a value that is about to
// be returned to a caller — both are internal-only signals (spec.md §7)
// and callers of Translate are expected to have already handled retry
// and staleness before translating a terminal error.
func Translate(err error) unix.Errno {
	if err == nil {
		return 0
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		return unix.EIO
	}
	if _, ok := allowed[errno]; ok {
		return errno
	}
	return unix.EIO
}

// IsRetry reports whether err is the internal "try again" signal that
// every façade entry point must loop on rather than surface to a caller.
func IsRetry(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && errno == unix.EAGAIN
}

// IsStale reports whether err is the internal staleness signal that the
// request/response protocol consumes via a metadata refresh and retry
// (spec.md §4.F); it must never reach Translate.
func IsStale(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && errno == unix.ESTALE
}
