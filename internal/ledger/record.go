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

package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chanfs/internal/chunk"
	"chanfs/internal/common"
)

// RecordVersion is the current record format.
const RecordVersion = 1

// Kind distinguishes file records from folder records.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// ChunkEntry is the persisted form of a chunk reference. The ordinal is the
// position in Record.Chunks.
type ChunkEntry struct {
	MessageID string `json:"messageId"`
	Length    int64  `json:"length"`
	Checksum  string `json:"checksum,omitempty"`
}

// Record is the JSON document describing one node. It is stored as the single
// attachment of a message in the metadata channel; ID is that message.
type Record struct {
	ID string `json:"-"`

	Version    int       `json:"version"`
	Kind       Kind      `json:"kind"`
	Filename   string    `json:"filename"`
	ParentPath string    `json:"parentPath"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`

	// File-only fields.
	Size        int64        `json:"size,omitempty"`
	Encrypted   bool         `json:"encrypted,omitempty"`
	Compression string       `json:"compression,omitempty"`
	KeySalt     []byte       `json:"keySalt,omitempty"`
	Chunks      []ChunkEntry `json:"chunks,omitempty"`
}

// Path returns the normalized path of the node, without a leading slash.
func (r *Record) Path() string {
	return common.JoinPath(common.NormalizePath(r.ParentPath), r.Filename)
}

// Depth is the number of ancestors between the node and the root.
func (r *Record) Depth() int {
	parent := common.NormalizePath(r.ParentPath)
	if parent == "" {
		return 0
	}
	return strings.Count(parent, common.Separator) + 1
}

// Manifest converts the chunk entries into a chunk manifest.
func (r *Record) Manifest() chunk.Manifest {
	if len(r.Chunks) == 0 {
		return nil
	}
	m := make(chunk.Manifest, len(r.Chunks))
	for i, c := range r.Chunks {
		m[i] = chunk.Ref{Ordinal: i, MessageID: c.MessageID, Length: c.Length, Checksum: c.Checksum}
	}
	return m
}

// SetManifest replaces the chunk entries and the size.
func (r *Record) SetManifest(m chunk.Manifest) {
	r.Chunks = nil
	for _, ref := range m {
		r.Chunks = append(r.Chunks, ChunkEntry{MessageID: ref.MessageID, Length: ref.Length, Checksum: ref.Checksum})
	}
	r.Size = m.Size()
}

// Validate rejects records that cannot be installed in the tree. Every
// failure wraps common.ErrCorruptMetadata.
func (r *Record) Validate() error {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), common.ErrCorruptMetadata)
	}
	if r.Version < 1 || r.Version > RecordVersion {
		return corrupt("unsupported record version %d", r.Version)
	}
	if !common.ValidName(r.Filename) {
		return corrupt("invalid filename %q", r.Filename)
	}
	if !strings.HasPrefix(r.ParentPath, common.Separator) || !strings.HasSuffix(r.ParentPath, common.Separator) {
		return corrupt("parent path %q is not an absolute folder path", r.ParentPath)
	}
	if common.FolderPath(common.NormalizePath(r.ParentPath)) != r.ParentPath {
		return corrupt("parent path %q is not normalized", r.ParentPath)
	}
	if r.ModifiedAt.IsZero() {
		return corrupt("record for %q has no modification time", r.Filename)
	}

	switch r.Kind {
	case KindFolder:
		if len(r.Chunks) > 0 || r.Size != 0 {
			return corrupt("folder record %q carries content", r.Filename)
		}
	case KindFile:
		if r.Size < 0 {
			return corrupt("negative size %d", r.Size)
		}
		if err := r.Manifest().Validate(); err != nil {
			return err
		}
		if sum := r.Manifest().Size(); sum != r.Size {
			return corrupt("size %d does not match chunk total %d", r.Size, sum)
		}
		if _, err := chunk.ParseCompression(r.Compression); err != nil {
			return corrupt("%v", err)
		}
		if r.Encrypted && len(r.KeySalt) != 0 && len(r.KeySalt) != chunk.SaltSize {
			return corrupt("key salt is %d bytes", len(r.KeySalt))
		}
	default:
		return corrupt("unknown record kind %q", r.Kind)
	}
	return nil
}

// Encode serializes the record.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record %q: %w", r.Filename, err)
	}
	return data, nil
}

// DecodeRecord parses and validates a record attachment.
func DecodeRecord(id string, data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("record %s: %w: %v", id, common.ErrCorruptMetadata, err)
	}
	r.ID = id
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	return &r, nil
}
