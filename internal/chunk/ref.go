package chunk

import (
	"fmt"

	"chanfs/internal/common"
)

// Ref points at one chunk stored as the attachment of a remote message.
// Length is the plaintext length, before any transform.
type Ref struct {
	Ordinal   int
	MessageID string
	Length    int64
	Checksum  string
}

// Manifest is the ordered list of chunk references that reconstitutes a file.
type Manifest []Ref

// Size returns the total plaintext size described by the manifest.
func (m Manifest) Size() int64 {
	var total int64
	for _, ref := range m {
		total += ref.Length
	}
	return total
}

// Validate checks that ordinals run 0..N-1 without gaps and that every entry
// names a message.
func (m Manifest) Validate() error {
	for i, ref := range m {
		if ref.Ordinal != i {
			return fmt.Errorf("chunk %d has ordinal %d: %w", i, ref.Ordinal, common.ErrCorruptMetadata)
		}
		if ref.MessageID == "" {
			return fmt.Errorf("chunk %d has no message id: %w", i, common.ErrCorruptMetadata)
		}
		if ref.Length < 0 {
			return fmt.Errorf("chunk %d has negative length: %w", i, common.ErrCorruptMetadata)
		}
	}
	return nil
}

// Locate returns the index of the chunk covering offset and the offset
// within that chunk. Chunk lengths are not assumed to be uniform. ok is
// false when offset lies at or beyond the end of the content.
func (m Manifest) Locate(offset int64) (index int, within int64, ok bool) {
	if offset < 0 {
		return 0, 0, false
	}
	var start int64
	for i, ref := range m {
		if offset < start+ref.Length {
			return i, offset - start, true
		}
		start += ref.Length
	}
	return len(m), 0, false
}

// Clone returns a copy that shares nothing with m.
func (m Manifest) Clone() Manifest {
	if m == nil {
		return nil
	}
	out := make(Manifest, len(m))
	copy(out, m)
	return out
}
