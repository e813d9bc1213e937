package chunk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanfs/internal/common"
)

// sliceSource replays chunks produced by a splitter.
type sliceSource struct {
	chunks []Chunk
	pos    int
}

func (s *sliceSource) Next() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func splitAll(t *testing.T, codec *Codec, data []byte) []Chunk {
	t.Helper()
	sp := codec.Split(bytes.NewReader(data))
	var out []Chunk
	for {
		c, err := sp.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, c)
	}
	assert.Equal(t, int64(len(data)), sp.Total())
	return out
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestNewCodec_RejectsUnusableCap(t *testing.T) {
	_, err := NewCodec(0, false)
	assert.ErrorIs(t, err, common.ErrChunkTooLarge)

	_, err = NewCodec(-1, false)
	assert.ErrorIs(t, err, common.ErrChunkTooLarge)

	// Compression header alone consumes the whole cap.
	_, err = NewCodec(compressHeaderSize, false, NewCompressor(CompressionZstd))
	assert.ErrorIs(t, err, common.ErrChunkTooLarge)

	codec, err := NewCodec(compressHeaderSize+1, false, NewCompressor(CompressionZstd))
	require.NoError(t, err)
	assert.Equal(t, 1, codec.PayloadSize())
}

func TestSplit_ChunkCount(t *testing.T) {
	const capSize = 16
	codec, err := NewCodec(capSize, true)
	require.NoError(t, err)

	tests := []struct {
		length int
		want   int
	}{
		{0, 0},
		{1, 1},
		{15, 1},
		{16, 1},
		{17, 2},
		{32, 2},
		{33, 3},
		{160, 10},
	}
	for _, tt := range tests {
		chunks := splitAll(t, codec, randomBytes(t, tt.length))
		assert.Len(t, chunks, tt.want, "length %d", tt.length)
		for i, c := range chunks {
			assert.Equal(t, i, c.Ordinal)
			assert.LessOrEqual(t, c.Length, capSize)
			assert.LessOrEqual(t, len(c.Data), capSize)
			if i < len(chunks)-1 {
				assert.Equal(t, capSize, c.Length, "only the last chunk may be short")
			}
		}
	}
}

func TestSplitJoin_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	ring, err := NewKeyring(key)
	require.NoError(t, err)
	salt, err := ring.NewSalt()
	require.NoError(t, err)
	sealer, err := ring.Sealer(salt)
	require.NoError(t, err)

	compressible := bytes.Repeat([]byte("chanfs chunk payload "), 500)

	cases := []struct {
		name       string
		capSize    int
		transforms []Transform
		data       []byte
	}{
		{"empty", 64, nil, []byte{}},
		{"single", 64, nil, randomBytes(t, 10)},
		{"exact multiple", 64, nil, randomBytes(t, 64*4)},
		{"multi chunk", 64, nil, randomBytes(t, 64*4+7)},
		{"zstd", 256, []Transform{NewCompressor(CompressionZstd)}, compressible},
		{"lz4", 256, []Transform{NewCompressor(CompressionLZ4)}, compressible},
		{"zstd incompressible", 256, []Transform{NewCompressor(CompressionZstd)}, randomBytes(t, 1000)},
		{"sealed", 128, []Transform{sealer}, randomBytes(t, 1000)},
		{"compressed and sealed", 256, []Transform{NewCompressor(CompressionLZ4), sealer}, compressible},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			codec, err := NewCodec(tc.capSize, true, tc.transforms...)
			require.NoError(t, err)

			chunks := splitAll(t, codec, tc.data)
			for _, c := range chunks {
				assert.LessOrEqual(t, len(c.Data), tc.capSize)
			}

			out, err := io.ReadAll(codec.Join(&sliceSource{chunks: chunks}))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.data, out), "round trip mismatch")
		})
	}
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	codec, err := NewCodec(32, true)
	require.NoError(t, err)

	chunks := splitAll(t, codec, []byte("hello, world"))
	require.Len(t, chunks, 1)

	corrupted := bytes.Clone(chunks[0].Data)
	corrupted[0] ^= 0xff
	_, err = codec.Decode(0, corrupted, chunks[0].Checksum)
	assert.ErrorIs(t, err, common.ErrChecksumMismatch)

	// Without a recorded checksum the bytes are taken as-is.
	plain, err := codec.Decode(0, corrupted, "")
	require.NoError(t, err)
	assert.Equal(t, corrupted, plain)
}

func TestSealer_WrongKeyAndReorder(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	ring, err := NewKeyring(key)
	require.NoError(t, err)

	saltA, err := ring.NewSalt()
	require.NoError(t, err)
	saltB, err := ring.NewSalt()
	require.NoError(t, err)

	a, err := ring.Sealer(saltA)
	require.NoError(t, err)
	b, err := ring.Sealer(saltB)
	require.NoError(t, err)

	sealed, err := a.Seal(3, []byte("secret"))
	require.NoError(t, err)
	assert.Len(t, sealed, len("secret")+SealOverhead)

	plain, err := a.Open(3, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plain)

	_, err = b.Open(3, sealed)
	assert.Error(t, err, "a different file key must not open the chunk")

	_, err = a.Open(4, sealed)
	assert.Error(t, err, "the ordinal is authenticated")

	_, err = a.Open(3, sealed[:SealOverhead-1])
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = ParseKey("0011")
	assert.Error(t, err)

	_, err = ParseKey("zz")
	assert.Error(t, err)

	_, err = NewKeyring([]byte("short"))
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{
		"":     CompressionNone,
		"none": CompressionNone,
		"LZ4":  CompressionLZ4,
		"zstd": CompressionZstd,
	} {
		got, err := ParseCompression(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}

func TestCompressor_RawFallback(t *testing.T) {
	c := NewCompressor(CompressionZstd)
	data := randomBytes(t, 512)

	frame, err := c.Seal(0, data)
	require.NoError(t, err)
	assert.Equal(t, byte(CompressionNone), frame[0])
	assert.Len(t, frame, len(data)+compressHeaderSize)

	out, err := c.Open(0, frame)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = c.Open(0, frame[:3])
	assert.Error(t, err)
}

func TestManifest(t *testing.T) {
	m := Manifest{
		{Ordinal: 0, MessageID: "a", Length: 10},
		{Ordinal: 1, MessageID: "b", Length: 10},
		{Ordinal: 2, MessageID: "c", Length: 5},
	}
	require.NoError(t, m.Validate())
	assert.Equal(t, int64(25), m.Size())

	idx, within, ok := m.Locate(0)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, int64(0), within)

	idx, within, ok = m.Locate(12)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, int64(2), within)

	_, _, ok = m.Locate(25)
	assert.False(t, ok)

	gap := Manifest{{Ordinal: 0, MessageID: "a"}, {Ordinal: 2, MessageID: "b"}}
	assert.ErrorIs(t, gap.Validate(), common.ErrCorruptMetadata)

	clone := m.Clone()
	clone[0].MessageID = "z"
	assert.Equal(t, "a", m[0].MessageID)
}
