package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"chanfs/internal/common"
	"chanfs/internal/service"
)

// stagedInodeBase keeps spool inode numbers clear of tree inodes.
const stagedInodeBase = 1 << 48

// StagedInfo describes a path with unpublished writes.
type StagedInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	Inode   uint64
}

// staged is one path being rewritten in the spool.
type staged struct {
	path  string
	name  string
	inode uint64

	// flush serializes publishing; mu guards the file and the fields below.
	flush   sync.Mutex
	mu      sync.Mutex
	file    billy.File
	size    int64
	modTime time.Time
	gen     uint64
	removed bool
	timer   *time.Timer
}

// Spool stages NFS writes in local files. NFS sends every WRITE as an
// independent open/seek/write/close, which the chunked store cannot take
// directly; the spool collects them and publishes the whole file through
// the service once writes to it stop for the flush delay.
type Spool struct {
	fs    billy.Filesystem
	svc   *service.Service
	delay time.Duration
	now   func() time.Time

	mu      sync.Mutex
	files   map[string]*staged
	inodes  uint64
	closed  bool
	flushes sync.WaitGroup
}

// NewSpool opens the spool directory, discarding files left by a previous
// run; their target paths are unknown.
func NewSpool(dir string, svc *service.Service, delay time.Duration) (*Spool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	fs := osfs.New(dir)
	leftovers, err := fs.ReadDir("/")
	if err != nil {
		return nil, err
	}
	for _, fi := range leftovers {
		log.WithField("file", fi.Name()).Warn("spool: discarding leftover staged file")
		fs.Remove(fi.Name())
	}
	return &Spool{
		fs:     fs,
		svc:    svc,
		delay:  delay,
		now:    time.Now,
		files:  make(map[string]*staged),
		inodes: stagedInodeBase,
	}, nil
}

// Stage makes p writable in the spool. Unless truncate is set, the
// published content of p is copied in first. A new path must have an
// existing parent folder and pass the write filter.
func (s *Spool) Stage(ctx context.Context, p string, truncate bool) error {
	st, err := s.acquire(ctx, common.NormalizePath(p), truncate)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()
	if truncate && st.size > 0 {
		if err := st.file.Truncate(0); err != nil {
			return err
		}
		st.size = 0
		s.touch(st)
	}
	return nil
}

// acquire returns the live staged entry for p with st.mu held, creating it
// if needed.
func (s *Spool) acquire(ctx context.Context, p string, truncate bool) (*staged, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("spool closed: %w", common.ErrInvalidOperation)
		}
		st, ok := s.files[p]
		s.mu.Unlock()
		if !ok {
			var err error
			if st, err = s.create(ctx, p, truncate); err != nil {
				return nil, err
			}
		}
		st.mu.Lock()
		if !st.removed {
			return st, nil
		}
		// Published or discarded meanwhile.
		st.mu.Unlock()
	}
}

func (s *Spool) create(ctx context.Context, p string, truncate bool) (*staged, error) {
	if p == "" {
		return nil, fmt.Errorf("root: %w", common.ErrIsDir)
	}
	if s.svc.Excluded(p) {
		return nil, fmt.Errorf("%s is excluded from writes: %w", common.AbsPath(p), common.ErrInvalidOperation)
	}
	parent, err := s.svc.Stat(common.ParentPath(p))
	if err != nil {
		return nil, err
	}
	if !parent.Dir {
		return nil, fmt.Errorf("%s: %w", parent.AbsPath(), common.ErrNotDir)
	}

	st := &staged{path: p, name: uuid.NewString() + ".spool", modTime: s.now()}
	existing, err := s.svc.Stat(p)
	switch {
	case err == nil && existing.Dir:
		return nil, fmt.Errorf("%s: %w", existing.AbsPath(), common.ErrIsDir)
	case err == nil:
		st.inode = existing.Inode
		st.modTime = existing.ModifiedAt
	case errors.Is(err, common.ErrNotFound):
		truncate = true
	default:
		return nil, err
	}

	if st.file, err = s.fs.Create(st.name); err != nil {
		return nil, err
	}
	if !truncate && existing.Size > 0 {
		if err := s.copyPublished(ctx, st); err != nil {
			st.file.Close()
			s.fs.Remove(st.name)
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.files[p]; ok {
		// Lost a race with another stager.
		st.file.Close()
		s.fs.Remove(st.name)
		return other, nil
	}
	if st.inode == 0 {
		s.inodes++
		st.inode = s.inodes
	}
	s.files[p] = st
	if truncate {
		// Empty content is still a change to publish.
		st.gen = 1
		s.schedule(st)
	}
	log.WithFields(log.Fields{"path": common.AbsPath(p), "size": st.size}).Debug("spool: staged")
	return st, nil
}

func (s *Spool) copyPublished(ctx context.Context, st *staged) error {
	r, _, err := s.svc.OpenRead(ctx, st.path)
	if err != nil {
		return err
	}
	defer r.Close()
	n, err := io.Copy(st.file, r)
	if err != nil {
		return fmt.Errorf("stage %s: %w", common.AbsPath(st.path), err)
	}
	st.size = n
	return nil
}

// touch records a modification and restarts the idle timer. st.mu is held.
func (s *Spool) touch(st *staged) {
	st.gen++
	st.modTime = s.now()
	s.schedule(st)
}

func (s *Spool) schedule(st *staged) {
	if st.timer != nil {
		st.timer.Stop()
	}
	p := st.path
	st.timer = time.AfterFunc(s.delay, func() {
		if err := s.Flush(context.Background(), p); err != nil {
			log.WithField("path", common.AbsPath(p)).Warnf("spool: flush failed, will retry: %v", err)
		}
	})
}

// WriteAt writes data at off, staging p first if needed.
func (s *Spool) WriteAt(ctx context.Context, p string, data []byte, off int64) (int, error) {
	st, err := s.acquire(ctx, common.NormalizePath(p), false)
	if err != nil {
		return 0, err
	}
	defer st.mu.Unlock()
	if _, err := st.file.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := st.file.Write(data)
	if end := off + int64(n); end > st.size {
		st.size = end
	}
	if n > 0 {
		s.touch(st)
	}
	return n, err
}

// Truncate sets the staged size of p.
func (s *Spool) Truncate(ctx context.Context, p string, size int64) error {
	st, err := s.acquire(ctx, common.NormalizePath(p), size == 0)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()
	if err := st.file.Truncate(size); err != nil {
		return err
	}
	st.size = size
	s.touch(st)
	return nil
}

// ReadAt reads staged content of p. ok is false when p is not staged.
func (s *Spool) ReadAt(p string, buf []byte, off int64) (n int, ok bool, err error) {
	s.mu.Lock()
	st, ok := s.files[common.NormalizePath(p)]
	s.mu.Unlock()
	if !ok {
		return 0, false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.removed {
		return 0, false, nil
	}
	if off >= st.size {
		return 0, true, io.EOF
	}
	n, err = st.file.ReadAt(buf, off)
	if err == nil && n < len(buf) {
		err = io.EOF
	}
	return n, true, err
}

// Stat returns the staged state of p.
func (s *Spool) Stat(p string) (StagedInfo, bool) {
	s.mu.Lock()
	st, ok := s.files[common.NormalizePath(p)]
	s.mu.Unlock()
	if !ok {
		return StagedInfo{}, false
	}
	return st.info(), true
}

func (st *staged) info() StagedInfo {
	st.mu.Lock()
	defer st.mu.Unlock()
	return StagedInfo{Path: st.path, Size: st.size, ModTime: st.modTime, Inode: st.inode}
}

// List returns the staged children of dir, sorted by path.
func (s *Spool) List(dir string) []StagedInfo {
	dir = common.NormalizePath(dir)
	s.mu.Lock()
	var matches []*staged
	for p, st := range s.files {
		if common.ParentPath(p) == dir {
			matches = append(matches, st)
		}
	}
	s.mu.Unlock()

	infos := make([]StagedInfo, 0, len(matches))
	for _, st := range matches {
		infos = append(infos, st.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// Pending returns the number of staged paths.
func (s *Spool) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Flush publishes the staged content of p. Writes that arrive while the
// upload runs keep p staged for a later flush. Flushing an unstaged path is
// a no-op.
func (s *Spool) Flush(ctx context.Context, p string) error {
	p = common.NormalizePath(p)
	s.mu.Lock()
	st, ok := s.files[p]
	if ok {
		s.flushes.Add(1)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	defer s.flushes.Done()

	st.flush.Lock()
	defer st.flush.Unlock()

	snapshot, gen, err := s.snapshot(st)
	if err != nil || snapshot == "" {
		return err
	}
	defer s.fs.Remove(snapshot)

	f, err := s.fs.Open(snapshot)
	if err != nil {
		return err
	}
	_, err = s.svc.WriteFile(ctx, p, f)
	f.Close()
	if err != nil {
		s.mu.Lock()
		st.mu.Lock()
		switch {
		case st.removed:
		case common.IsPermanent(err):
			log.WithField("path", common.AbsPath(p)).Errorf("spool: dropping unpublishable writes: %v", err)
			s.dropLocked(st)
		default:
			s.schedule(st)
		}
		st.mu.Unlock()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	st.mu.Lock()
	if st.gen == gen && !st.removed {
		s.dropLocked(st)
	}
	st.mu.Unlock()
	s.mu.Unlock()
	log.WithField("path", common.AbsPath(p)).Debug("spool: flushed")
	return nil
}

// snapshot copies the staged file so the upload does not hold st.mu. An
// empty name means st was removed.
func (s *Spool) snapshot(st *staged) (string, uint64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.removed {
		return "", 0, nil
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	name := uuid.NewString() + ".snapshot"
	dst, err := s.fs.Create(name)
	if err != nil {
		return "", 0, err
	}
	defer dst.Close()
	if _, err := st.file.Seek(0, io.SeekStart); err != nil {
		s.fs.Remove(name)
		return "", 0, err
	}
	if _, err := io.CopyN(dst, st.file, st.size); err != nil && !errors.Is(err, io.EOF) {
		s.fs.Remove(name)
		return "", 0, err
	}
	return name, st.gen, nil
}

// dropLocked forgets st and deletes its file. s.mu and st.mu are held.
func (s *Spool) dropLocked(st *staged) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.removed = true
	st.file.Close()
	s.fs.Remove(st.name)
	if s.files[st.path] == st {
		delete(s.files, st.path)
	}
}

// Discard drops staged writes to p without publishing them. It reports
// whether p was staged.
func (s *Spool) Discard(p string) bool {
	p = common.NormalizePath(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.files[p]
	if !ok {
		return false
	}
	st.mu.Lock()
	s.dropLocked(st)
	st.mu.Unlock()
	return true
}

// FlushAll publishes every staged path.
func (s *Spool) FlushAll(ctx context.Context) error {
	return s.FlushWithin(ctx, "")
}

// FlushWithin publishes every staged path at or under dir.
func (s *Spool) FlushWithin(ctx context.Context, dir string) error {
	dir = common.NormalizePath(dir)
	s.mu.Lock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		if common.IsWithin(p, dir) {
			paths = append(paths, p)
		}
	}
	s.mu.Unlock()
	sort.Strings(paths)

	var errs []error
	for _, p := range paths {
		if err := s.Flush(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", common.AbsPath(p), err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes everything and refuses further staging. Paths that fail to
// publish are logged and their staged content is lost.
func (s *Spool) Close(ctx context.Context) error {
	err := s.FlushAll(ctx)

	s.mu.Lock()
	s.closed = true
	for _, st := range s.files {
		st.mu.Lock()
		log.WithField("path", common.AbsPath(st.path)).Error("spool: unpublished writes lost at shutdown")
		s.dropLocked(st)
		st.mu.Unlock()
	}
	s.mu.Unlock()
	s.flushes.Wait()
	return err
}
