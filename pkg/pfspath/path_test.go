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

package pfspath

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMakeAbsoluteAlreadyAbsolute(t *testing.T) {
	abs, err := MakeAbsolute("/pbd1/a/b", nil)
	require.NoError(t, err)
	require.Equal(t, "/pbd1/a/b", abs)
}

func TestMakeAbsoluteRelativeNeedsWorkDir(t *testing.T) {
	var wd WorkDir
	_, err := MakeAbsolute("a/b", &wd)
	require.Equal(t, unix.ENOENT, err)

	require.NoError(t, wd.Set("/pbd1/dir"))
	abs, err := MakeAbsolute("a/b", &wd)
	require.NoError(t, err)
	require.Equal(t, "/pbd1/dir/a/b", abs)
}

func TestMakeAbsoluteRejectsEmpty(t *testing.T) {
	_, err := MakeAbsolute("", nil)
	require.Equal(t, unix.EINVAL, err)
}

func TestMakeAbsoluteRejectsOverlong(t *testing.T) {
	long := "/" + strings.Repeat("a", MaxPathLen)
	_, err := MakeAbsolute(long, nil)
	require.Equal(t, unix.ENAMETOOLONG, err)
}

func TestNormalizeDropsDotAndCollapsesSlashes(t *testing.T) {
	out, err := Normalize("/pbd1/./a//b/")
	require.NoError(t, err)
	require.Equal(t, "/pbd1/a/b", out)
}

func TestNormalizeDotDotPopsOneSegment(t *testing.T) {
	out, err := Normalize("/pbd1/a/b/../c")
	require.NoError(t, err)
	require.Equal(t, "/pbd1/a/c", out)
}

func TestNormalizeDotDotNeverPopsAbovePBD(t *testing.T) {
	out, err := Normalize("/pbd1/../../etc")
	require.NoError(t, err)
	require.Equal(t, "/pbd1/etc", out)
}

func TestNormalizeSingleSegmentGetsTrailingSlash(t *testing.T) {
	out, err := Normalize("/pbd1")
	require.NoError(t, err)
	require.Equal(t, "/pbd1/", out)
}

func TestNormalizeRejectsOverlongComponent(t *testing.T) {
	_, err := Normalize("/pbd1/" + strings.Repeat("a", MaxNameLen))
	require.Equal(t, unix.ENAMETOOLONG, err)
}

func TestNormalizeEmptyPathYieldsEmpty(t *testing.T) {
	out, err := Normalize("")
	require.NoError(t, err)
	require.Equal(t, "", out)
}

func TestNormalizeRootOnlyIsInvalid(t *testing.T) {
	_, err := Normalize("/")
	require.Equal(t, unix.EINVAL, err)
}

func TestExtractPBDName(t *testing.T) {
	name, err := ExtractPBDName("/pbd1/a/b")
	require.NoError(t, err)
	require.Equal(t, "pbd1", name)

	name, err = ExtractPBDName("/pbd1/")
	require.NoError(t, err)
	require.Equal(t, "pbd1", name)
}

func TestExtractPBDNameRejectsRoot(t *testing.T) {
	_, err := ExtractPBDName("/")
	require.Equal(t, unix.EINVAL, err)
}

func TestSplitAbsolute(t *testing.T) {
	pbd, rel, err := Split("/pbd1/a/b", nil)
	require.NoError(t, err)
	require.Equal(t, "pbd1", pbd)
	require.Equal(t, "/a/b", rel)
}

func TestSplitPBDRoot(t *testing.T) {
	pbd, rel, err := Split("/pbd1", nil)
	require.NoError(t, err)
	require.Equal(t, "pbd1", pbd)
	require.Equal(t, "/", rel)
}

func TestSplitRelativeUsesWorkDir(t *testing.T) {
	var wd WorkDir
	require.NoError(t, wd.Set("/pbd1/dir/"))
	pbd, rel, err := Split("sub/file", &wd)
	require.NoError(t, err)
	require.Equal(t, "pbd1", pbd)
	require.Equal(t, "/dir/sub/file", rel)
}

func TestSplitRejectsEmptyPath(t *testing.T) {
	_, _, err := Split("", nil)
	require.Equal(t, unix.EINVAL, err)
}

func TestWorkDirSetRejectsOverlong(t *testing.T) {
	var wd WorkDir
	long := "/" + strings.Repeat("a", MaxPathLen)
	require.Equal(t, unix.ENAMETOOLONG, wd.Set(long))
}

func TestWorkDirGetDefaultsToEmpty(t *testing.T) {
	var wd WorkDir
	require.Equal(t, "", wd.Get())
}
