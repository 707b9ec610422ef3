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

// Package pfspath implements the absolute-path construction, normalization
// and PBD-name extraction every name-based SDK operation preconditions on
// (spec.md §4.A), grounded on pfsd_name_init/pfsd_normalize_path in
// original_source/src/pfs_sdk/pfsd_sdk_file.cc.
package pfspath

import (
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxPathLen and MaxNameLen mirror PFS_MAX_PATHLEN / PFS_MAX_NAMELEN from
// the original source.
const (
	MaxPathLen = 4096
	MaxNameLen = 256
)

// WorkDir is the process-wide current working directory used by relative
// path resolution, guarded by a reader/writer lock (spec.md §4.A). The
// zero value has an empty working directory, matching pfsd's initial
// state before any Chdir call.
type WorkDir struct {
	mu  sync.RWMutex
	dir string
}

// Get returns the current working directory, or "" if none has been set.
func (w *WorkDir) Get() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dir
}

// Set replaces the current working directory. path must already be an
// absolute, normalized path.
func (w *WorkDir) Set(path string) error {
	if len(path) >= MaxPathLen {
		return unix.ENAMETOOLONG
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dir = path
	return nil
}

// MakeAbsolute turns path into an absolute path, prepending the working
// directory for relative paths. It rejects a nil/empty path with EINVAL
// and an over-long result with ENAMETOOLONG, per spec.md §4.A.
func MakeAbsolute(path string, wd *WorkDir) (string, error) {
	if path == "" {
		return "", unix.EINVAL
	}

	var abs string
	if path[0] == '/' {
		abs = path
	} else {
		cwd := ""
		if wd != nil {
			cwd = wd.Get()
		}
		if cwd == "" {
			return "", unix.ENOENT
		}
		abs = cwd + "/" + path
	}

	if len(abs) >= MaxPathLen {
		return "", unix.ENAMETOOLONG
	}
	return abs, nil
}

// Normalize tokenizes path by "/", drops "." components, rejects
// components of MaxNameLen or longer, and pops one directory per ".."
// component without ever popping above the leading PBD segment. A
// normalized result with exactly one segment gets a trailing "/" appended
// so that "/pbd" canonicalizes to "/pbd/", matching pfsd_normalize_path.
func Normalize(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	var segs []string
	for _, name := range strings.Split(path, "/") {
		if name == "" || name == "." {
			continue
		}
		if len(name) >= MaxNameLen {
			return "", unix.ENAMETOOLONG
		}
		if name == ".." {
			if len(segs) > 1 {
				segs = segs[:len(segs)-1]
			}
			continue
		}
		segs = append(segs, name)
	}

	if len(segs) == 0 {
		return "", unix.EINVAL
	}

	out := "/" + strings.Join(segs, "/")
	if len(segs) == 1 {
		out += "/"
	}
	return out, nil
}

// ExtractPBDName returns the first non-empty segment of an absolute,
// normalized path — the PBD name that names a mount. A path with no
// segments (e.g. "/") yields EINVAL.
func ExtractPBDName(path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return "", unix.EINVAL
	}
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx], nil
	}
	return trimmed, nil
}

// Split resolves path (relative or absolute) against wd, normalizes it,
// and splits it into the PBD name and the remaining path relative to the
// PBD root (always beginning with "/"). This is the precondition every
// name-based façade operation in pkg/pfs runs before talking to a mount.
func Split(path string, wd *WorkDir) (pbd string, rel string, err error) {
	abs, err := MakeAbsolute(path, wd)
	if err != nil {
		return "", "", err
	}
	norm, err := Normalize(abs)
	if err != nil {
		return "", "", err
	}
	pbd, err = ExtractPBDName(norm)
	if err != nil {
		return "", "", err
	}
	rel = strings.TrimPrefix(norm, "/"+pbd)
	if rel == "" {
		rel = "/"
	}
	return pbd, rel, nil
}
