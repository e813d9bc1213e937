// Copyright 2026 chanfs Authors
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

package common

import (
	"path"
	"strings"
)

// Separator is the path separator used by every path in the tree, independent
// of the host OS.
const Separator = "/"

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes.
// Paths are rooted before cleaning, so ".." can never climb above the root.
func NormalizePath(p string) string {
	return strings.TrimPrefix(path.Clean(Separator+p), Separator)
}

// SplitPath splits a path into its components
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, Separator)
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// ParentPath returns the parent directory of a path
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the base name of a path
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// FolderPath renders a normalized path in folder form: a leading separator
// and, except for the root, a trailing one ("/", "/a/", "/a/b/").
func FolderPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return Separator
	}
	return Separator + p + Separator
}

// AbsPath renders a normalized path with a leading separator ("/a/b.txt").
func AbsPath(p string) string {
	return Separator + NormalizePath(p)
}

// ValidName reports whether name can be used as a single path component.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}

// IsWithin reports whether p equals ancestor or lives below it. Both paths
// are normalized first; the root contains everything.
func IsWithin(p, ancestor string) bool {
	p = NormalizePath(p)
	ancestor = NormalizePath(ancestor)
	if ancestor == "" || p == ancestor {
		return true
	}
	return strings.HasPrefix(p, ancestor+Separator)
}

// Overlaps reports whether one of the two paths contains the other.
func Overlaps(a, b string) bool {
	return IsWithin(a, b) || IsWithin(b, a)
}
