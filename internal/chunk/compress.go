package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to a chunk. Tags are written
// into every compressed frame and persisted in file records, so the values
// are fixed.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// compressHeaderSize is the frame header: tag byte plus uint32 plaintext length.
const compressHeaderSize = 1 + 4

var errIncompressible = errors.New("data is incompressible")

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "off":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("chunk: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("chunk: zstd decoder initialization failed: " + err.Error())
	}
}

// Compressor compresses each chunk with one algorithm. Chunks that do not
// shrink are stored raw under CompressionNone, so a frame is never larger
// than the plaintext plus the header.
type Compressor struct {
	algo Compression
}

// NewCompressor returns a compressor for algo.
func NewCompressor(algo Compression) *Compressor {
	return &Compressor{algo: algo}
}

func (c *Compressor) Name() string  { return "compress/" + c.algo.String() }
func (c *Compressor) Overhead() int { return compressHeaderSize }

func (c *Compressor) Seal(_ int, plain []byte) ([]byte, error) {
	tag := c.algo
	var body []byte
	var err error
	switch c.algo {
	case CompressionLZ4:
		body, err = compressLZ4(plain)
	case CompressionZstd:
		body, err = compressZstd(plain)
	default:
		err = errIncompressible
	}
	if errors.Is(err, errIncompressible) {
		tag, body, err = CompressionNone, plain, nil
	}
	if err != nil {
		return nil, err
	}

	frame := make([]byte, compressHeaderSize, compressHeaderSize+len(body))
	frame[0] = byte(tag)
	binary.BigEndian.PutUint32(frame[1:], uint32(len(plain)))
	return append(frame, body...), nil
}

func (c *Compressor) Open(_ int, sealed []byte) ([]byte, error) {
	if len(sealed) < compressHeaderSize {
		return nil, fmt.Errorf("compressed frame is %d bytes, header needs %d", len(sealed), compressHeaderSize)
	}
	tag := Compression(sealed[0])
	size := int(binary.BigEndian.Uint32(sealed[1:compressHeaderSize]))
	body := sealed[compressHeaderSize:]
	switch tag {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("raw frame holds %d bytes, header says %d", len(body), size)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	case CompressionLZ4:
		return decompressLZ4(body, size)
	case CompressionZstd:
		return decompressZstd(body, size)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
