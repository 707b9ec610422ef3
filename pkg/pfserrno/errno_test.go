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

package pfserrno

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTranslateAllowListedPassesThrough(t *testing.T) {
	require.Equal(t, unix.ENOENT, Translate(unix.ENOENT))
	require.Equal(t, unix.EROFS, Translate(unix.EROFS))
}

func TestTranslateUnlistedCollapsesToEIO(t *testing.T) {
	require.Equal(t, unix.EIO, Translate(unix.EDEADLK))
	require.Equal(t, unix.EIO, Translate(errors.New("not an errno")))
}

func TestIsRetry(t *testing.T) {
	require.True(t, IsRetry(unix.EAGAIN))
	require.False(t, IsRetry(unix.ENOENT))
	require.False(t, IsRetry(errors.New("boom")))
}

func TestIsStale(t *testing.T) {
	require.True(t, IsStale(unix.ESTALE))
	require.False(t, IsStale(unix.EAGAIN))
}
