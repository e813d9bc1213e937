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

package vfs

import (
	"context"
	"errors"
	"syscall"

	"chanfs/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT    = syscall.ENOENT    // No such file or directory
	EEXIST    = syscall.EEXIST    // File exists
	ENOTDIR   = syscall.ENOTDIR   // Not a directory
	EISDIR    = syscall.EISDIR    // Is a directory
	EBADF     = syscall.EBADF     // Bad file descriptor
	EINVAL    = syscall.EINVAL    // Invalid argument
	ENOTSUP   = syscall.ENOTSUP   // Operation not supported
	EIO       = syscall.EIO       // I/O error
	EACCES    = syscall.EACCES    // Permission denied
	EPERM     = syscall.EPERM     // Operation not permitted
	EFBIG     = syscall.EFBIG     // File too large
	EINTR     = syscall.EINTR     // Interrupted
	ENOTEMPTY = syscall.ENOTEMPTY // Directory not empty
)

// ToErrno maps an error from the storage layers to the errno a protocol
// server should report. Unknown errors become EIO.
func ToErrno(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, common.ErrExists):
		return EEXIST
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrInvalidOperation):
		return EINVAL
	case errors.Is(err, common.ErrChunkTooLarge):
		return EFBIG
	case errors.Is(err, context.Canceled):
		return EINTR
	default:
		// ErrRemoteUnavailable, ErrCorruptMetadata, ErrChecksumMismatch
		return EIO
	}
}
