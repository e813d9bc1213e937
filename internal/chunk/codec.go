package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"chanfs/internal/common"
)

// Transform is a reversible per-chunk transformation. Seal may grow its
// input by at most Overhead bytes.
type Transform interface {
	Name() string
	Overhead() int
	Seal(ordinal int, plain []byte) ([]byte, error)
	Open(ordinal int, sealed []byte) ([]byte, error)
}

// Chunk is one unit produced by Split and consumed by Join. Data holds the
// sealed bytes; Length and Checksum describe the plaintext.
type Chunk struct {
	Ordinal  int
	Length   int
	Checksum string
	Data     []byte
}

// Codec splits and joins chunk streams under a fixed attachment cap.
type Codec struct {
	maxChunkSize int
	payloadSize  int
	checksums    bool
	transforms   []Transform
}

// NewCodec builds a codec whose sealed chunks never exceed maxChunkSize.
// Returns common.ErrChunkTooLarge when the cap leaves no room for payload.
func NewCodec(maxChunkSize int, checksums bool, transforms ...Transform) (*Codec, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("chunk cap %d: %w", maxChunkSize, common.ErrChunkTooLarge)
	}
	payload := maxChunkSize
	for _, t := range transforms {
		payload -= t.Overhead()
	}
	if payload <= 0 {
		return nil, fmt.Errorf("chunk cap %d leaves no payload after transform overhead: %w",
			maxChunkSize, common.ErrChunkTooLarge)
	}
	return &Codec{
		maxChunkSize: maxChunkSize,
		payloadSize:  payload,
		checksums:    checksums,
		transforms:   transforms,
	}, nil
}

// MaxChunkSize returns the cap on sealed chunk size.
func (c *Codec) MaxChunkSize() int { return c.maxChunkSize }

// PayloadSize returns the largest plaintext chunk Split will emit.
func (c *Codec) PayloadSize() int { return c.payloadSize }

// Encrypted reports whether a Sealer is part of the transform chain.
func (c *Codec) Encrypted() bool {
	for _, t := range c.transforms {
		if _, ok := t.(*Sealer); ok {
			return true
		}
	}
	return false
}

// Encode applies the forward transforms to one plaintext chunk.
func (c *Codec) Encode(ordinal int, plain []byte) ([]byte, error) {
	data := plain
	for _, t := range c.transforms {
		sealed, err := t.Seal(ordinal, data)
		if err != nil {
			return nil, fmt.Errorf("%s seal chunk %d: %w", t.Name(), ordinal, err)
		}
		data = sealed
	}
	if len(data) > c.maxChunkSize {
		return nil, fmt.Errorf("sealed chunk %d is %d bytes, cap %d: %w",
			ordinal, len(data), c.maxChunkSize, common.ErrChunkTooLarge)
	}
	if len(c.transforms) == 0 {
		data = bytes.Clone(plain)
	}
	return data, nil
}

// Decode reverses Encode and verifies checksum when it is non-empty.
func (c *Codec) Decode(ordinal int, sealed []byte, checksum string) ([]byte, error) {
	data := sealed
	for i := len(c.transforms) - 1; i >= 0; i-- {
		t := c.transforms[i]
		plain, err := t.Open(ordinal, data)
		if err != nil {
			return nil, fmt.Errorf("%s open chunk %d: %w", t.Name(), ordinal, err)
		}
		data = plain
	}
	if err := VerifyChecksum(data, checksum); err != nil {
		return nil, fmt.Errorf("chunk %d: %w", ordinal, err)
	}
	return data, nil
}

// Split returns a lazy splitter over r. The splitter is forward-only; a
// fresh call re-reads from whatever r yields next.
func (c *Codec) Split(r io.Reader) *Splitter {
	return &Splitter{codec: c, r: r, buf: make([]byte, c.payloadSize)}
}

// Splitter emits chunks of at most PayloadSize plaintext bytes, holding only
// one chunk in memory at a time.
type Splitter struct {
	codec   *Codec
	r       io.Reader
	buf     []byte
	ordinal int
	total   int64
	done    bool
}

// Next returns the next chunk or io.EOF once the source is drained. Empty
// input yields no chunks at all.
func (s *Splitter) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
		return Chunk{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	case err != nil:
		return Chunk{}, fmt.Errorf("read chunk %d: %w", s.ordinal, err)
	}

	plain := s.buf[:n]
	sealed, err := s.codec.Encode(s.ordinal, plain)
	if err != nil {
		return Chunk{}, err
	}
	out := Chunk{
		Ordinal: s.ordinal,
		Length:  n,
		Data:    sealed,
	}
	if s.codec.checksums {
		out.Checksum = Checksum(plain)
	}
	s.ordinal++
	s.total += int64(n)
	return out, nil
}

// Total returns the plaintext bytes emitted so far.
func (s *Splitter) Total() int64 { return s.total }

// Source yields sealed chunks in ascending ordinal order, returning io.EOF
// after the last one.
type Source interface {
	Next() (Chunk, error)
}

// Join returns a reader over the decoded concatenation of src. The caller
// guarantees a contiguous 0..N-1 sequence.
func (c *Codec) Join(src Source) io.Reader {
	return &joinReader{codec: c, src: src}
}

type joinReader struct {
	codec *Codec
	src   Source
	cur   []byte
	err   error
}

func (j *joinReader) Read(p []byte) (int, error) {
	for len(j.cur) == 0 {
		if j.err != nil {
			return 0, j.err
		}
		next, err := j.src.Next()
		if err != nil {
			j.err = err
			continue
		}
		plain, err := j.codec.Decode(next.Ordinal, next.Data, next.Checksum)
		if err == nil && len(plain) != next.Length {
			err = fmt.Errorf("chunk %d decoded to %d bytes, expected %d: %w",
				next.Ordinal, len(plain), next.Length, common.ErrChecksumMismatch)
		}
		if err != nil {
			j.err = err
			continue
		}
		j.cur = plain
	}
	n := copy(p, j.cur)
	j.cur = j.cur[n:]
	return n, nil
}
