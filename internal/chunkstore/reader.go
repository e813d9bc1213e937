package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"chanfs/internal/chunk"
)

// Reader streams the plaintext of a manifest. Read and Seek share one
// cursor; ReadAt is independent of it and safe for concurrent use.
//
// Ranges always fetch whole covering chunks and trim in memory, since chunk
// boundaries carry no relation to read offsets.
type Reader struct {
	store    *Store
	ctx      context.Context
	manifest chunk.Manifest
	codec    *chunk.Codec
	size     int64

	mu     sync.Mutex
	offset int64
	curIdx int
	cur    []byte
	closed bool
}

var (
	_ io.ReadSeekCloser = (*Reader)(nil)
	_ io.ReaderAt       = (*Reader)(nil)
	_ io.WriterTo       = (*Reader)(nil)
)

// Size returns the plaintext size of the manifest.
func (r *Reader) Size() int64 { return r.size }

func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fs.ErrClosed
	}
	n, err := r.readAt(p, r.offset, true)
	r.offset += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return 0, fs.ErrClosed
	}
	return r.readAt(p, off, false)
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fs.ErrClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek to negative offset %d", abs)
	}
	r.offset = abs
	return abs, nil
}

// WriteTo streams everything from the cursor to the end into w, decoding
// through the codec's joiner. Chunks fetched this way bypass the cache.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fs.ErrClosed
	}
	idx, within, ok := r.manifest.Locate(r.offset)
	if !ok {
		return 0, nil
	}

	joined := r.codec.Join(&manifestSource{r: r, idx: idx})
	if within > 0 {
		if _, err := io.CopyN(io.Discard, joined, within); err != nil {
			return 0, err
		}
	}
	n, err := io.Copy(w, joined)
	r.offset += n
	return n, err
}

// Close releases the buffered chunk. Pending fetches are not interrupted;
// cancel the context passed to Open for that.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cur = nil
	r.curIdx = -1
	return nil
}

// readAt fills p from off. sequential readers keep the last chunk so that
// small consecutive reads decode it once; callers must hold mu then.
func (r *Reader) readAt(p []byte, off int64, sequential bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	idx, within, ok := r.manifest.Locate(off)
	if !ok {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && idx < len(r.manifest) {
		data, err := r.chunkData(idx, sequential)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], data[within:])
		idx++
		within = 0
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *Reader) chunkData(idx int, sequential bool) ([]byte, error) {
	if sequential && r.curIdx == idx {
		return r.cur, nil
	}
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	data, err := r.store.fetch(r.ctx, r.codec, r.manifest[idx])
	if err != nil {
		return nil, err
	}
	if sequential {
		r.curIdx = idx
		r.cur = data
	}
	return data, nil
}

// manifestSource feeds sealed chunks of a manifest to a joiner, starting
// at idx.
type manifestSource struct {
	r   *Reader
	idx int
}

func (s *manifestSource) Next() (chunk.Chunk, error) {
	if s.idx >= len(s.r.manifest) {
		return chunk.Chunk{}, io.EOF
	}
	if err := s.r.ctx.Err(); err != nil {
		return chunk.Chunk{}, err
	}
	ref := s.r.manifest[s.idx]
	sealed, err := s.r.store.fetchSealed(s.r.ctx, ref)
	if err != nil {
		return chunk.Chunk{}, err
	}
	s.idx++
	return chunk.Chunk{
		Ordinal:  ref.Ordinal,
		Length:   int(ref.Length),
		Checksum: ref.Checksum,
		Data:     sealed,
	}, nil
}
