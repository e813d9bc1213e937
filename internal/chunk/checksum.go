package chunk

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"chanfs/internal/common"
)

// Checksum returns the hex BLAKE3-256 digest of a plaintext chunk.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares data against want. An empty want always passes.
func VerifyChecksum(data []byte, want string) error {
	if want == "" {
		return nil
	}
	if got := Checksum(data); got != want {
		return fmt.Errorf("%w: got %s, want %s", common.ErrChecksumMismatch, got[:12], abbreviate(want))
	}
	return nil
}

func abbreviate(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
