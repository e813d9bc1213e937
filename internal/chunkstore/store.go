// Package chunkstore moves chunk manifests to and from a message channel.
//
// Uploads are sequential per file so that send order equals ordinal order.
// Any number of files may upload concurrently against the same Store.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"chanfs/internal/cache"
	"chanfs/internal/channel"
	"chanfs/internal/chunk"
	"chanfs/internal/common"
	"chanfs/internal/metrics"
	"chanfs/internal/util"
)

// cleanupTimeout bounds the background deletion of an abandoned upload.
const cleanupTimeout = 5 * time.Minute

// Options configures a Store.
type Options struct {
	// ChannelID is the data channel chunks are sent to.
	ChannelID string
	Policy    util.RetryPolicy
	Cache     *cache.ChunkCache
	Metrics   *metrics.Metrics
}

// Store uploads, downloads and deletes chunk manifests.
type Store struct {
	client    channel.Client
	channelID string
	policy    util.RetryPolicy
	cache     *cache.ChunkCache
	metrics   *metrics.Metrics

	background sync.WaitGroup
}

// New creates a store over client.
func New(client channel.Client, opts Options) *Store {
	policy := opts.Policy
	if policy.Attempts == 0 {
		policy = util.DefaultRetryPolicy()
	}
	if m := opts.Metrics; m != nil && policy.OnRetry == nil {
		policy.OnRetry = func(op string, _ uint, _ error) { m.Retry(op) }
	}
	return &Store{
		client:    client,
		channelID: opts.ChannelID,
		policy:    policy,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
	}
}

// MaxAttachmentSize is the transport's attachment cap, the upper bound for
// any codec used with this store.
func (s *Store) MaxAttachmentSize() int {
	return s.client.MaxAttachmentSize()
}

// Wait blocks until background deletions have finished.
func (s *Store) Wait() {
	s.background.Wait()
}

// Upload splits r with codec and sends every chunk in ordinal order. On
// failure or cancellation nothing is returned and already-sent chunks are
// deleted in the background.
func (s *Store) Upload(ctx context.Context, r io.Reader, codec *chunk.Codec) (chunk.Manifest, error) {
	if codec.MaxChunkSize() > s.client.MaxAttachmentSize() {
		return nil, fmt.Errorf("codec cap %d exceeds attachment cap %d: %w",
			codec.MaxChunkSize(), s.client.MaxAttachmentSize(), common.ErrChunkTooLarge)
	}

	upload := uuid.NewString()
	splitter := codec.Split(r)
	var manifest chunk.Manifest

	for {
		if err := ctx.Err(); err != nil {
			s.abandon(upload, manifest)
			return nil, err
		}
		c, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.abandon(upload, manifest)
			return nil, fmt.Errorf("upload %s: %w", upload, err)
		}

		name := fmt.Sprintf("%s.%06d.chunk", upload, c.Ordinal)
		start := time.Now()
		id, err := util.CallRemote(ctx, s.policy, "send", func(ctx context.Context) (string, error) {
			return s.client.SendBlob(ctx, s.channelID, name, c.Data)
		})
		s.metrics.ObserveChunk("send", start, err)
		if err != nil {
			s.abandon(upload, manifest)
			return nil, fmt.Errorf("upload %s chunk %d: %w", upload, c.Ordinal, err)
		}

		manifest = append(manifest, chunk.Ref{
			Ordinal:   c.Ordinal,
			MessageID: id,
			Length:    int64(c.Length),
			Checksum:  c.Checksum,
		})
		s.metrics.AddBytes("upload", c.Length)
	}

	log.WithFields(log.Fields{
		"upload": upload,
		"chunks": len(manifest),
		"bytes":  splitter.Total(),
	}).Debug("chunkstore: upload complete")
	return manifest, nil
}

// abandon deletes the chunks of a failed upload without blocking the caller.
func (s *Store) abandon(upload string, sent chunk.Manifest) {
	if len(sent) == 0 {
		return
	}
	log.WithFields(log.Fields{"upload": upload, "chunks": len(sent)}).
		Warn("chunkstore: upload abandoned, deleting sent chunks")
	s.deleteAsync(sent.Clone())
}

func (s *Store) deleteAsync(m chunk.Manifest) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		s.Delete(ctx, m)
	}()
}

// DeleteAsync is Delete run in the background and tracked by Wait.
func (s *Store) DeleteAsync(m chunk.Manifest) {
	if len(m) == 0 {
		return
	}
	s.deleteAsync(m.Clone())
}

// Delete removes every message in the manifest. Failures are logged and
// otherwise ignored: an undeleted chunk is orphaned but inert.
func (s *Store) Delete(ctx context.Context, m chunk.Manifest) {
	for _, ref := range m {
		s.cache.InvalidateMessage(ref.MessageID)
		start := time.Now()
		_, err := util.CallRemote(ctx, s.policy, "delete", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.client.DeleteMessage(ctx, s.channelID, ref.MessageID)
		})
		s.metrics.ObserveChunk("delete", start, err)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			log.WithFields(log.Fields{"message": ref.MessageID, "ordinal": ref.Ordinal}).
				Warnf("chunkstore: delete failed, chunk orphaned: %v", err)
		}
	}
}

// fetch returns the decoded plaintext of one chunk. Checksum mismatches are
// retried like transport errors.
func (s *Store) fetch(ctx context.Context, codec *chunk.Codec, ref chunk.Ref) ([]byte, error) {
	if data, ok := s.cache.Get(ref.MessageID); ok {
		s.metrics.CacheLookup(true)
		return data, nil
	}
	if s.cache != nil {
		s.metrics.CacheLookup(false)
	}

	start := time.Now()
	plain, err := util.CallRemote(ctx, s.policy, "fetch", func(ctx context.Context) ([]byte, error) {
		sealed, err := s.client.FetchBlob(ctx, s.channelID, ref.MessageID)
		if err != nil {
			return nil, err
		}
		plain, err := codec.Decode(ref.Ordinal, sealed, ref.Checksum)
		if err != nil {
			return nil, err
		}
		if int64(len(plain)) != ref.Length {
			return nil, fmt.Errorf("chunk %d decoded to %d bytes, expected %d: %w",
				ref.Ordinal, len(plain), ref.Length, common.ErrChecksumMismatch)
		}
		return plain, nil
	})
	s.metrics.ObserveChunk("fetch", start, err)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %d (%s): %w", ref.Ordinal, ref.MessageID, err)
	}

	s.metrics.AddBytes("download", len(plain))
	s.cache.Set(ref.MessageID, plain)
	return plain, nil
}

// fetchSealed downloads a chunk without decoding it or touching the cache.
func (s *Store) fetchSealed(ctx context.Context, ref chunk.Ref) ([]byte, error) {
	start := time.Now()
	sealed, err := util.CallRemote(ctx, s.policy, "fetch", func(ctx context.Context) ([]byte, error) {
		return s.client.FetchBlob(ctx, s.channelID, ref.MessageID)
	})
	s.metrics.ObserveChunk("fetch", start, err)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %d (%s): %w", ref.Ordinal, ref.MessageID, err)
	}
	s.metrics.AddBytes("download", len(sealed))
	return sealed, nil
}

// Open returns a lazy reader over the manifest. No chunk is fetched until
// the first read.
func (s *Store) Open(ctx context.Context, m chunk.Manifest, codec *chunk.Codec) *Reader {
	return &Reader{
		store:    s,
		ctx:      ctx,
		manifest: m.Clone(),
		codec:    codec,
		size:     m.Size(),
		curIdx:   -1,
	}
}
