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

// Package common holds the error taxonomy and path helpers shared by every
// chanfs layer.
package common

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrExists            = errors.New("already exists")
	ErrNotDir            = errors.New("not a directory")
	ErrIsDir             = errors.New("is a directory")
	ErrNotEmpty          = errors.New("directory not empty")
	ErrInvalidPath       = errors.New("invalid path")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrChunkTooLarge     = errors.New("chunk too large")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrCorruptMetadata   = errors.New("corrupt metadata")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
)

// IsPermanent reports whether err is a deterministic failure that retrying
// cannot fix. Everything else coming back from the transport is treated as
// transient.
func IsPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExists),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrInvalidOperation),
		errors.Is(err, ErrChunkTooLarge),
		errors.Is(err, ErrCorruptMetadata):
		return true
	}
	return false
}
