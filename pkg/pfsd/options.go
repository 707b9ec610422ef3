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

// Package pfsd controls the embedded daemon's lifecycle: Start, Stop,
// WaitStop, IsStarted, and the janitor goroutine that retires
// connections whose client has gone away (spec.md §4.I), grounded on pfsd_start/pfsd_stop/
// pfsd_is_started/pfsd_wait_stop in
// original_source/src/pfsd/pfsd_api.h and the pfsd_option_t fields in
// pfsd_option.h.
package pfsd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Options mirrors pfsd_option_t field for field.
type Options struct {
	Pollers             int
	Workers             int
	UsleepMicros         int
	PBDName             string
	ShmDir              string
	Daemon              bool
	AutoIncreaseEpoch    bool
	ServerID            int
}

// DefaultOptions returns the option set pfsd_option_init fills in:
// 2 pollers, 20 workers, a 1-microsecond worker poll interval.
func DefaultOptions() Options {
	return Options{
		Pollers:      2,
		Workers:      20,
		UsleepMicros: 1,
		ShmDir:       "/var/run/pfs",
	}
}

// MaxPBDNameLen and MaxShmDirLen mirror o_pbdname[64] and o_shm_dir[1024].
const (
	MaxPBDNameLen = 64
	MaxShmDirLen  = 1024
)

// Validate rejects an Options that pfsd_start would reject.
func (o Options) Validate() error {
	if o.PBDName == "" {
		return unix.EINVAL
	}
	if len(o.PBDName) >= MaxPBDNameLen {
		return fmt.Errorf("pfsd: pbdname %q exceeds %d bytes: %w", o.PBDName, MaxPBDNameLen, unix.ENAMETOOLONG)
	}
	if len(o.ShmDir) >= MaxShmDirLen {
		return fmt.Errorf("pfsd: shm_dir %q exceeds %d bytes: %w", o.ShmDir, MaxShmDirLen, unix.ENAMETOOLONG)
	}
	if o.Pollers <= 0 || o.Workers <= 0 {
		return unix.EINVAL
	}
	return nil
}
