package chunkstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanfs/internal/cache"
	"chanfs/internal/channel/memory"
	"chanfs/internal/chunk"
	"chanfs/internal/common"
	"chanfs/internal/metrics"
	"chanfs/internal/util"
)

const dataChannel = "data"

func fastPolicy() util.RetryPolicy {
	return util.RetryPolicy{
		Attempts:    3,
		Delay:       time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		CallTimeout: time.Second,
	}
}

func newTestStore(t *testing.T, capSize int, withCache bool) (*Store, *memory.Client, *chunk.Codec) {
	t.Helper()
	client := memory.New(capSize, dataChannel)
	opts := Options{ChannelID: dataChannel, Policy: fastPolicy(), Metrics: metrics.New()}
	if withCache {
		opts.Cache = cache.NewChunkCache(time.Minute, 64)
	}
	codec, err := chunk.NewCodec(capSize, true)
	require.NoError(t, err)
	return New(client, opts), client, codec
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestUpload_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 100, false)

	for _, size := range []int{0, 1, 99, 100, 101, 1000, 1050} {
		data := randomData(t, size)
		m, err := store.Upload(ctx, bytes.NewReader(data), codec)
		require.NoError(t, err)
		assert.Len(t, m, (size+99)/100, "size %d", size)
		assert.Equal(t, int64(size), m.Size())
		require.NoError(t, m.Validate())

		out, err := io.ReadAll(store.Open(ctx, m, codec))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, out), "size %d", size)
	}
	assert.NotEmpty(t, client.MessageIDs(dataChannel))
}

func TestUpload_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 10, false)
	client.FailNext(memory.OpSend, 2, errors.New("503 service unavailable"))

	m, err := store.Upload(ctx, bytes.NewReader(randomData(t, 25)), codec)
	require.NoError(t, err)
	assert.Len(t, m, 3)
	assert.Len(t, client.MessageIDs(dataChannel), 3, "failed attempts leave no messages")
}

func TestUpload_FailureDeletesSentChunks(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 10, false)
	client.FailAfter(memory.OpSend, 2, errors.New("connection reset"))

	m, err := store.Upload(ctx, bytes.NewReader(randomData(t, 50)), codec)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, common.ErrRemoteUnavailable)

	store.Wait()
	assert.Empty(t, client.MessageIDs(dataChannel))
}

func TestUpload_Cancelled(t *testing.T) {
	store, client, codec := newTestStore(t, 10, false)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel after the first chunk is accepted.
	client.SetFault(memory.OpSend, func(n int, _, _ string) error {
		if n == 2 {
			cancel()
		}
		return nil
	})

	m, err := store.Upload(ctx, bytes.NewReader(randomData(t, 50)), codec)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, context.Canceled)

	store.Wait()
	assert.Empty(t, client.MessageIDs(dataChannel))
	assert.LessOrEqual(t, client.Calls(memory.OpSend), 3, "no chunk requests after cancellation")
}

func TestUpload_CodecLargerThanAttachmentCap(t *testing.T) {
	store, _, _ := newTestStore(t, 10, false)
	codec, err := chunk.NewCodec(11, false)
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), bytes.NewReader([]byte("x")), codec)
	assert.ErrorIs(t, err, common.ErrChunkTooLarge)
}

func TestReader_ReadAtRanges(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 16, false)
	data := randomData(t, 100)

	m, err := store.Upload(ctx, bytes.NewReader(data), codec)
	require.NoError(t, err)
	r := store.Open(ctx, m, codec)
	assert.Equal(t, int64(100), r.Size())

	tests := []struct {
		off, length int
	}{
		{0, 10},
		{10, 20}, // crosses a boundary
		{15, 2},
		{32, 16}, // exactly one chunk
		{90, 10},
	}
	for _, tt := range tests {
		buf := make([]byte, tt.length)
		n, err := r.ReadAt(buf, int64(tt.off))
		require.NoError(t, err)
		assert.Equal(t, tt.length, n)
		assert.Equal(t, data[tt.off:tt.off+tt.length], buf)
	}

	buf := make([]byte, 20)
	n, err := r.ReadAt(buf, 90)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 10, n)

	_, err = r.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)

	// A range inside chunk 2 touches only chunk 2.
	before := client.Calls(memory.OpFetch)
	_, err = r.ReadAt(make([]byte, 4), 35)
	require.NoError(t, err)
	assert.Equal(t, before+1, client.Calls(memory.OpFetch))
}

func TestReader_SeekAndSequentialReuse(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 16, false)
	data := randomData(t, 40)

	m, err := store.Upload(ctx, bytes.NewReader(data), codec)
	require.NoError(t, err)
	r := store.Open(ctx, m, codec)

	pos, err := r.Seek(20, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(20), pos)

	before := client.Calls(memory.OpFetch)
	small := make([]byte, 2)
	for i := 0; i < 4; i++ {
		_, err := io.ReadFull(r, small)
		require.NoError(t, err)
		assert.Equal(t, data[20+2*i:22+2*i], small)
	}
	assert.Equal(t, before+1, client.Calls(memory.OpFetch), "small reads reuse the current chunk")

	pos, err = r.Seek(-4, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(36), pos)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[36:], rest)

	require.NoError(t, r.Close())
	_, err = r.Read(small)
	assert.Error(t, err)
}

func TestReader_WriteToStreamsFromCursor(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 16, false)
	data := randomData(t, 40)

	m, err := store.Upload(ctx, bytes.NewReader(data), codec)
	require.NoError(t, err)
	r := store.Open(ctx, m, codec)
	_, err = r.Seek(int64(m[0].Length)+3, io.SeekStart)
	require.NoError(t, err)

	before := client.Calls(memory.OpFetch)
	var out bytes.Buffer
	n, err := io.Copy(&out, r)
	require.NoError(t, err)
	assert.Equal(t, data[m[0].Length+3:], out.Bytes())
	assert.Equal(t, int64(out.Len()), n)
	assert.Equal(t, before+len(m)-1, client.Calls(memory.OpFetch), "chunks before the cursor are skipped")

	n, err = r.WriteTo(&out)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReader_WriteToCorruptChunk(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 16, false)

	m, err := store.Upload(ctx, bytes.NewReader(randomData(t, 20)), codec)
	require.NoError(t, err)
	require.NoError(t, client.Corrupt(dataChannel, m[1].MessageID, []byte("garbage")))

	_, err = io.Copy(io.Discard, store.Open(ctx, m, codec))
	assert.ErrorIs(t, err, common.ErrChecksumMismatch)
}

func TestReader_CacheAvoidsRefetch(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 16, true)
	data := randomData(t, 48)

	m, err := store.Upload(ctx, bytes.NewReader(data), codec)
	require.NoError(t, err)

	_, err = io.ReadAll(store.Open(ctx, m, codec))
	require.NoError(t, err)
	fetched := client.Calls(memory.OpFetch)

	out, err := io.ReadAll(store.Open(ctx, m, codec))
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, fetched, client.Calls(memory.OpFetch))
}

func TestReader_CorruptChunk(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 16, false)

	m, err := store.Upload(ctx, bytes.NewReader(randomData(t, 20)), codec)
	require.NoError(t, err)
	require.NoError(t, client.Corrupt(dataChannel, m[1].MessageID, []byte("garbage")))

	_, err = io.ReadAll(store.Open(ctx, m, codec))
	assert.ErrorIs(t, err, common.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, common.ErrChecksumMismatch)
}

func TestReader_MissingChunk(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 16, false)

	m, err := store.Upload(ctx, bytes.NewReader(randomData(t, 20)), codec)
	require.NoError(t, err)
	require.NoError(t, client.DeleteMessage(ctx, dataChannel, m[0].MessageID))

	before := client.Calls(memory.OpFetch)
	_, err = io.ReadAll(store.Open(ctx, m, codec))
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, before+1, client.Calls(memory.OpFetch), "not found is not retried")
}

func TestDelete_BestEffort(t *testing.T) {
	ctx := context.Background()
	store, client, codec := newTestStore(t, 16, false)

	m, err := store.Upload(ctx, bytes.NewReader(randomData(t, 40)), codec)
	require.NoError(t, err)
	require.Len(t, m, 3)

	// Deleting one chunk twice and failing another never surfaces an error.
	require.NoError(t, client.DeleteMessage(ctx, dataChannel, m[0].MessageID))
	client.SetFault(memory.OpDelete, func(_ int, _, messageID string) error {
		if messageID == m[1].MessageID {
			return errors.New("timeout")
		}
		return nil
	})
	store.Delete(ctx, m)
	assert.Equal(t, []string{m[1].MessageID}, client.MessageIDs(dataChannel))

	client.SetFault(memory.OpDelete, nil)
	store.DeleteAsync(m)
	store.Wait()
	assert.Empty(t, client.MessageIDs(dataChannel))
}
