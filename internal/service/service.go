// Package service is the storage façade the protocol server talks to. It
// orders every mutation so that remote state is published before the tree
// changes: a failure before the tree step leaves nothing visible.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"chanfs/internal/chunk"
	"chanfs/internal/chunkstore"
	"chanfs/internal/common"
	"chanfs/internal/ledger"
	"chanfs/internal/metrics"
	"chanfs/internal/vfs"
)

// cleanupTimeout bounds rollback work done after the caller's context.
const cleanupTimeout = 5 * time.Minute

// Options configures a Service.
type Options struct {
	// ChunkSize caps sealed chunks; it must not exceed the transport cap.
	ChunkSize   int
	Compression chunk.Compression
	Checksums   bool
	// Keyring enables encryption of new files when set.
	Keyring *chunk.Keyring
	Filter  *WriteFilter
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service owns the tree and mediates every access to it.
type Service struct {
	store  *chunkstore.Store
	ledger *ledger.Ledger
	opts   Options
	locks  *PathLocks

	mu   sync.RWMutex
	tree *vfs.Tree
}

// New validates opts against the store and returns a service with an
// empty tree. Call Load to populate it.
func New(store *chunkstore.Store, l *ledger.Ledger, opts Options) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ChunkSize <= 0 || opts.ChunkSize > store.MaxAttachmentSize() {
		return nil, fmt.Errorf("chunk size %d outside (0, %d]: %w",
			opts.ChunkSize, store.MaxAttachmentSize(), common.ErrChunkTooLarge)
	}
	s := &Service{
		store:  store,
		ledger: l,
		opts:   opts,
		locks:  NewPathLocks(),
		tree:   vfs.New(opts.Now()),
	}
	// Fail fast if the configured transforms leave no payload.
	if _, err := s.newCodec(opts.Compression, opts.Keyring != nil, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// newCodec builds the codec for one file. Compression precedes sealing. An
// empty salt seals with the master key.
func (s *Service) newCodec(compression chunk.Compression, encrypted bool, salt []byte) (*chunk.Codec, error) {
	var transforms []chunk.Transform
	if compression != chunk.CompressionNone {
		transforms = append(transforms, chunk.NewCompressor(compression))
	}
	if encrypted {
		if s.opts.Keyring == nil {
			return nil, fmt.Errorf("file is encrypted but no key is configured: %w", common.ErrInvalidOperation)
		}
		sealer, err := s.opts.Keyring.Sealer(salt)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, sealer)
	}
	return chunk.NewCodec(s.opts.ChunkSize, s.opts.Checksums, transforms...)
}

func (s *Service) codecFor(e vfs.Entry) (*chunk.Codec, error) {
	return s.newCodec(e.Compression, e.Encrypted, e.KeySalt)
}

func (s *Service) currentTree() *vfs.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

func (s *Service) updateTreeMetrics() {
	files, folders := s.currentTree().Counts()
	s.opts.Metrics.SetTree(files, folders)
}

// Close waits for background chunk deletions.
func (s *Service) Close() error {
	s.store.Wait()
	return nil
}

// --- Load ---

// Conflict is a record that could not be placed in the tree.
type Conflict struct {
	Record *ledger.Record
	Err    error
}

// LoadReport summarizes a startup rebuild.
type LoadReport struct {
	Rebuild     *ledger.Rebuild
	Synthesized []string
	Conflicts   []Conflict
}

// Load rebuilds the tree from the metadata channel and installs it. Missing
// parents are synthesized along each record's path; they carry no record
// until something makes them durable.
func (s *Service) Load(ctx context.Context) (*LoadReport, error) {
	rebuild, err := s.ledger.RebuildAll(ctx)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	tree := vfs.New(now)
	report := &LoadReport{Rebuild: rebuild}

	for _, rec := range rebuild.Records {
		parent := common.NormalizePath(rec.ParentPath)
		created, err := tree.EnsureFolders(parent, vfs.Meta{CreatedAt: rec.CreatedAt, ModifiedAt: rec.ModifiedAt})
		report.Synthesized = append(report.Synthesized, created...)
		if err != nil {
			report.Conflicts = append(report.Conflicts, Conflict{Record: rec, Err: err})
			continue
		}
		if err := installRecord(tree, rec); err != nil {
			report.Conflicts = append(report.Conflicts, Conflict{Record: rec, Err: err})
		}
	}

	for _, c := range report.Conflicts {
		log.WithFields(log.Fields{"record": c.Record.ID, "path": c.Record.Path()}).
			Warnf("service: record not installed: %v", c.Err)
	}

	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()
	s.updateTreeMetrics()

	files, folders := tree.Counts()
	log.WithFields(log.Fields{
		"files":       files,
		"folders":     folders,
		"synthesized": len(report.Synthesized),
		"conflicts":   len(report.Conflicts),
	}).Info("service: tree loaded")
	return report, nil
}

func installRecord(tree *vfs.Tree, rec *ledger.Record) error {
	meta := vfs.Meta{CreatedAt: rec.CreatedAt, ModifiedAt: rec.ModifiedAt, RecordID: rec.ID}
	if rec.Kind == ledger.KindFolder {
		_, err := tree.CreateFolder(rec.Path(), meta)
		if errors.Is(err, common.ErrExists) {
			// Adopt a folder synthesized for a deeper record.
			existing, rerr := tree.Resolve(rec.Path())
			if rerr == nil && existing.Dir && existing.RecordID == "" {
				_, err = tree.Update(rec.Path(), func(m *vfs.Meta) { *m = meta })
			}
		}
		return err
	}
	compression, err := chunk.ParseCompression(rec.Compression)
	if err != nil {
		return err
	}
	meta.Size = rec.Size
	meta.Manifest = rec.Manifest()
	meta.Encrypted = rec.Encrypted
	meta.Compression = compression
	meta.KeySalt = rec.KeySalt
	_, err = tree.AttachFile(rec.Path(), meta)
	return err
}

// recordFor renders the ledger record describing e at path p.
func recordFor(p string, e vfs.Entry) *ledger.Record {
	rec := &ledger.Record{
		ID:         e.RecordID,
		Version:    ledger.RecordVersion,
		Filename:   common.BaseName(p),
		ParentPath: common.FolderPath(common.ParentPath(p)),
		CreatedAt:  e.CreatedAt,
		ModifiedAt: e.ModifiedAt,
	}
	if e.Dir {
		rec.Kind = ledger.KindFolder
		return rec
	}
	rec.Kind = ledger.KindFile
	rec.Encrypted = e.Encrypted
	if e.Compression != chunk.CompressionNone {
		rec.Compression = e.Compression.String()
	}
	rec.KeySalt = e.KeySalt
	rec.SetManifest(e.Manifest)
	return rec
}

// --- Reads ---

// Stat returns the entry at p.
func (s *Service) Stat(p string) (vfs.Entry, error) {
	return s.currentTree().Resolve(p)
}

// ReadDir lists the folder at p, sorted by name.
func (s *Service) ReadDir(p string) ([]vfs.Entry, error) {
	return s.currentTree().List(p)
}

// Counts returns the number of files and folders in the tree.
func (s *Service) Counts() (files, folders int) {
	return s.currentTree().Counts()
}

// Walk visits the subtree at p.
func (s *Service) Walk(p string, order vfs.Order, fn func(vfs.Entry) error) error {
	return s.currentTree().Walk(p, order, fn)
}

// OpenRead returns a reader over the version of p current at the call. The
// chunks of that version are deleted once a newer one is published.
func (s *Service) OpenRead(ctx context.Context, p string) (*chunkstore.Reader, vfs.Entry, error) {
	e, err := s.Stat(p)
	if err != nil {
		return nil, vfs.Entry{}, err
	}
	if e.Dir {
		return nil, vfs.Entry{}, fmt.Errorf("%s: %w", e.AbsPath(), common.ErrIsDir)
	}
	codec, err := s.codecFor(e)
	if err != nil {
		return nil, vfs.Entry{}, err
	}
	return s.store.Open(ctx, e.Manifest, codec), e, nil
}

// Excluded reports whether the write filter rejects p.
func (s *Service) Excluded(p string) bool {
	return s.opts.Filter.Excluded(p, false)
}

// --- Folders ---

// Mkdir creates one folder. The parent must exist.
func (s *Service) Mkdir(ctx context.Context, p string) error {
	p = common.NormalizePath(p)
	unlock, err := s.locks.Lock(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = s.mkdirLocked(ctx, p)
	return err
}

func (s *Service) mkdirLocked(ctx context.Context, p string) (vfs.Entry, error) {
	if p == "" {
		return vfs.Entry{}, fmt.Errorf("root: %w", common.ErrExists)
	}
	if !common.ValidName(common.BaseName(p)) {
		return vfs.Entry{}, fmt.Errorf("%q: %w", p, common.ErrInvalidPath)
	}
	if s.opts.Filter.Excluded(p, true) {
		return vfs.Entry{}, fmt.Errorf("%s is excluded from writes: %w", common.FolderPath(p), common.ErrInvalidOperation)
	}
	tree := s.currentTree()
	if err := s.checkParent(tree, p); err != nil {
		return vfs.Entry{}, err
	}
	if _, err := tree.Resolve(p); err == nil {
		return vfs.Entry{}, fmt.Errorf("%s: %w", common.AbsPath(p), common.ErrExists)
	}

	now := s.opts.Now()
	e := vfs.Entry{Path: p, Dir: true, Meta: vfs.Meta{CreatedAt: now, ModifiedAt: now}}
	id, err := s.ledger.Persist(ctx, recordFor(p, e))
	if err != nil {
		return vfs.Entry{}, err
	}
	e.RecordID = id

	created, err := tree.CreateFolder(p, e.Meta)
	if err != nil {
		s.retractQuiet(id)
		return vfs.Entry{}, err
	}
	s.updateTreeMetrics()
	return created, nil
}

// MkdirAll creates p and any missing ancestors.
func (s *Service) MkdirAll(ctx context.Context, p string) error {
	p = common.NormalizePath(p)
	unlock, err := s.locks.Lock(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()

	cur := ""
	for _, part := range common.SplitPath(p) {
		cur = common.JoinPath(cur, part)
		e, err := s.currentTree().Resolve(cur)
		switch {
		case err == nil && e.Dir:
			continue
		case err == nil:
			return fmt.Errorf("%s: %w", common.AbsPath(cur), common.ErrNotDir)
		case !errors.Is(err, common.ErrNotFound):
			return err
		}
		if _, err := s.mkdirLocked(ctx, cur); err != nil && !errors.Is(err, common.ErrExists) {
			return err
		}
	}
	return nil
}

func (s *Service) checkParent(tree *vfs.Tree, p string) error {
	parent, err := tree.Resolve(common.ParentPath(p))
	if err != nil {
		return err
	}
	if !parent.Dir {
		return fmt.Errorf("%s: %w", parent.AbsPath(), common.ErrNotDir)
	}
	return nil
}

func (s *Service) retractQuiet(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.ledger.Retract(ctx, id); err != nil {
		log.WithField("record", id).Warnf("service: rollback retract failed: %v", err)
	}
}
