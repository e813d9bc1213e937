package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"chanfs/internal/chunk"
	"chanfs/internal/common"
	"chanfs/internal/vfs"
)

// Writer streams new content for one path. Bytes are chunked and uploaded
// as they arrive; nothing becomes visible until Close publishes the file.
type Writer struct {
	s           *Service
	path        string
	compression chunk.Compression
	encrypted   bool
	salt        []byte

	ctx    context.Context
	cancel context.CancelFunc
	pw     *io.PipeWriter
	done   chan struct{}

	// Set by the upload goroutine before done is closed.
	manifest  chunk.Manifest
	uploadErr error

	once   sync.Once
	result vfs.Entry
	err    error
}

// OpenWrite starts a write to p. The parent folder must exist and p must
// not be a folder. An existing file is replaced when the writer is closed.
func (s *Service) OpenWrite(ctx context.Context, p string) (*Writer, error) {
	p = common.NormalizePath(p)
	if p == "" {
		return nil, fmt.Errorf("root: %w", common.ErrIsDir)
	}
	if !common.ValidName(common.BaseName(p)) {
		return nil, fmt.Errorf("%q: %w", p, common.ErrInvalidPath)
	}
	if s.opts.Filter.Excluded(p, false) {
		return nil, fmt.Errorf("%s is excluded from writes: %w", common.AbsPath(p), common.ErrInvalidOperation)
	}

	tree := s.currentTree()
	if err := s.checkParent(tree, p); err != nil {
		return nil, err
	}
	existing, err := tree.Resolve(p)
	switch {
	case err == nil && existing.Dir:
		return nil, fmt.Errorf("%s: %w", existing.AbsPath(), common.ErrIsDir)
	case err != nil && !errors.Is(err, common.ErrNotFound):
		return nil, err
	}

	w := &Writer{
		s:           s,
		path:        p,
		compression: s.opts.Compression,
		encrypted:   s.opts.Keyring != nil,
		done:        make(chan struct{}),
	}
	if w.encrypted {
		if w.salt, err = s.opts.Keyring.NewSalt(); err != nil {
			return nil, err
		}
	}
	codec, err := s.newCodec(w.compression, w.encrypted, w.salt)
	if err != nil {
		return nil, err
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	pr, pw := io.Pipe()
	w.pw = pw
	go func() {
		defer close(w.done)
		m, err := s.store.Upload(w.ctx, pr, codec)
		// Unblocks a writer stuck in Write after a failed upload.
		if err != nil {
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}
		w.manifest, w.uploadErr = m, err
	}()
	return w, nil
}

// Path returns the normalized target path.
func (w *Writer) Path() string { return w.path }

// Write queues p for upload. It fails once the upload has failed.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", common.AbsPath(w.path), err)
	}
	return n, nil
}

// Close finishes the upload and publishes the file. Calling Close again
// returns the first result.
func (w *Writer) Close() error {
	_, err := w.Commit()
	return err
}

// Commit is Close returning the published entry.
func (w *Writer) Commit() (vfs.Entry, error) {
	w.once.Do(func() {
		defer w.cancel()
		w.pw.Close()
		<-w.done
		if w.uploadErr != nil {
			w.err = w.uploadErr
			w.s.opts.Metrics.ObservePublish(w.err)
			return
		}
		w.result, w.err = w.s.publish(w.ctx, w)
		w.s.opts.Metrics.ObservePublish(w.err)
	})
	return w.result, w.err
}

// Abort stops the upload and discards everything sent so far. Nothing is
// published.
func (w *Writer) Abort() {
	w.once.Do(func() {
		w.cancel()
		w.pw.CloseWithError(context.Canceled)
		<-w.done
		if w.uploadErr == nil {
			w.s.store.DeleteAsync(w.manifest)
		}
		w.err = context.Canceled
	})
}

// publish records the uploaded manifest and installs it in the tree.
func (s *Service) publish(ctx context.Context, w *Writer) (vfs.Entry, error) {
	manifest := w.manifest
	fail := func(err error) (vfs.Entry, error) {
		s.store.DeleteAsync(manifest)
		return vfs.Entry{}, err
	}

	unlock, err := s.locks.Lock(ctx, w.path)
	if err != nil {
		return fail(err)
	}
	defer unlock()
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	tree := s.currentTree()
	if err := s.checkParent(tree, w.path); err != nil {
		return fail(err)
	}
	now := s.opts.Now()
	meta := vfs.Meta{
		CreatedAt:   now,
		ModifiedAt:  now,
		Size:        manifest.Size(),
		Manifest:    manifest,
		Encrypted:   w.encrypted,
		Compression: w.compression,
		KeySalt:     w.salt,
	}
	existing, err := tree.Resolve(w.path)
	replacing := err == nil
	switch {
	case replacing && existing.Dir:
		return fail(fmt.Errorf("%s: %w", existing.AbsPath(), common.ErrIsDir))
	case replacing:
		meta.CreatedAt = existing.CreatedAt
		meta.RecordID = existing.RecordID
	case !errors.Is(err, common.ErrNotFound):
		return fail(err)
	}

	id, err := s.ledger.Persist(ctx, recordFor(w.path, vfs.Entry{Path: w.path, Meta: meta}))
	if err != nil {
		return fail(err)
	}
	meta.RecordID = id

	var entry vfs.Entry
	if replacing {
		var old vfs.Entry
		old, err = tree.ReplaceFile(w.path, meta)
		if err == nil {
			s.store.DeleteAsync(old.Manifest)
			entry, err = tree.Resolve(w.path)
		}
	} else {
		entry, err = tree.AttachFile(w.path, meta)
		if err != nil {
			s.retractQuiet(id)
		}
	}
	if err != nil {
		return fail(err)
	}
	s.updateTreeMetrics()

	log.WithFields(log.Fields{
		"path":    entry.AbsPath(),
		"record":  id,
		"chunks":  len(manifest),
		"size":    meta.Size,
		"replace": replacing,
	}).Debug("service: file published")
	return entry, nil
}

// WriteFile uploads r to p and publishes it.
func (s *Service) WriteFile(ctx context.Context, p string, r io.Reader) (vfs.Entry, error) {
	w, err := s.OpenWrite(ctx, p)
	if err != nil {
		return vfs.Entry{}, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return vfs.Entry{}, err
	}
	return w.Commit()
}
