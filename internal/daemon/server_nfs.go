package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"chanfs/internal/chunkstore"
	"chanfs/internal/common"
	"chanfs/internal/service"
	"chanfs/internal/vfs"
)

// NFSServer wraps the go-nfs server
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
}

// NewNFSServer creates an NFS server exporting svc, with writes staged in spool
func NewNFSServer(svc *service.Service, spool *Spool) *NFSServer {
	ctx, cancel := context.WithCancel(context.Background())
	billyFS := NewBillyAdapter(ctx, svc, spool)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	return &NFSServer{
		server: &nfs.Server{
			Handler: cacheHelper,
			Context: ctx,
		},
		cancel: cancel,
	}
}

// Listen binds the server address. Serve must follow.
func (s *NFSServer) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *NFSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks serving NFS requests until Shutdown.
func (s *NFSServer) Serve() error {
	if s.listener == nil {
		return errors.New("nfs server is not listening")
	}
	return s.server.Serve(s.listener)
}

// Shutdown stops accepting connections and cancels in-flight handlers
func (s *NFSServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	// Settle time for requests already read off the wire.
	time.Sleep(100 * time.Millisecond)
	s.cancel()
}

// BillyAdapter adapts the storage service to the billy filesystem interface
// go-nfs serves. Published content comes from the service; files being
// written live in the spool until they are flushed.
type BillyAdapter struct {
	ctx   context.Context
	svc   *service.Service
	spool *Spool
	uid   uint32 // cached os.Getuid()
	gid   uint32 // cached os.Getgid()
}

// NewBillyAdapter creates a billy adapter. ctx bounds every service call.
func NewBillyAdapter(ctx context.Context, svc *service.Service, spool *Spool) *BillyAdapter {
	return &BillyAdapter{
		ctx:   ctx,
		svc:   svc,
		spool: spool,
		uid:   uint32(os.Getuid()),
		gid:   uint32(os.Getgid()),
	}
}

// fsError converts a storage error into the *os.PathError go-nfs inspects.
func fsError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	errno := vfs.ToErrno(err)
	if errno == vfs.EIO {
		log.WithFields(log.Fields{"op": op, "path": name}).Warnf("nfs: %v", err)
	} else {
		log.WithFields(log.Fields{"op": op, "path": name}).Debugf("nfs: %v", err)
	}
	return &os.PathError{Op: op, Path: name, Err: errno}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	p := common.NormalizePath(filename)
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) == 0 {
		return b.openRead(filename, p)
	}

	if flag&os.O_CREATE == 0 {
		if _, err := b.stat(p); err != nil {
			return nil, fsError("open", filename, err)
		}
	} else if flag&os.O_EXCL != 0 {
		if _, err := b.stat(p); err == nil {
			return nil, fsError("open", filename, common.ErrExists)
		}
	}
	if err := b.spool.Stage(b.ctx, p, flag&os.O_TRUNC != 0); err != nil {
		return nil, fsError("open", filename, err)
	}
	f := &BillyFile{adapter: b, name: filename, path: p}
	if flag&os.O_APPEND != 0 {
		if info, ok := b.spool.Stat(p); ok {
			f.offset = info.Size
		}
	}
	return f, nil
}

func (b *BillyAdapter) openRead(filename, p string) (billy.File, error) {
	if _, ok := b.spool.Stat(p); ok {
		return &BillyFile{adapter: b, name: filename, path: p}, nil
	}
	e, err := b.svc.Stat(p)
	if err != nil {
		return nil, fsError("open", filename, err)
	}
	if e.Dir {
		return nil, fsError("open", filename, common.ErrIsDir)
	}
	return &BillyFile{adapter: b, name: filename, path: p}, nil
}

// stat resolves p, preferring staged state.
func (b *BillyAdapter) stat(p string) (*BillyFileInfo, error) {
	if info, ok := b.spool.Stat(p); ok {
		return b.stagedInfo(info), nil
	}
	e, err := b.svc.Stat(p)
	if err != nil {
		return nil, err
	}
	return b.entryInfo(e), nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	fi, err := b.stat(common.NormalizePath(filename))
	if err != nil {
		return nil, fsError("stat", filename, err)
	}
	return fi, nil
}

// Lstat and Stat are identical: there are no symlinks.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

// Rename has POSIX semantics: an existing file at newpath is replaced.
func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	src := common.NormalizePath(oldpath)
	dst := common.NormalizePath(newpath)
	if err := b.spool.FlushWithin(b.ctx, src); err != nil {
		return fsError("rename", oldpath, err)
	}
	if src == dst {
		return nil
	}

	srcInfo, err := b.svc.Stat(src)
	if err != nil {
		return fsError("rename", oldpath, err)
	}
	if dstInfo, err := b.svc.Stat(dst); err == nil {
		if dstInfo.Dir || srcInfo.Dir {
			return fsError("rename", newpath, common.ErrExists)
		}
		err = b.svc.MoveReplace(b.ctx, src, dst)
	} else {
		err = b.svc.Move(b.ctx, src, dst)
	}
	if err != nil {
		return fsError("rename", oldpath, err)
	}
	// Staged writes to the old dst must not publish over the moved file.
	b.spool.Discard(dst)
	return nil
}

// Remove deletes a file or an empty folder.
func (b *BillyAdapter) Remove(filename string) error {
	p := common.NormalizePath(filename)
	wasStaged := b.spool.Discard(p)

	e, err := b.svc.Stat(p)
	if errors.Is(err, common.ErrNotFound) && wasStaged {
		return nil
	}
	if err != nil {
		return fsError("remove", filename, err)
	}
	if e.Dir {
		children, err := b.svc.ReadDir(p)
		if err != nil {
			return fsError("remove", filename, err)
		}
		if len(children) > 0 || len(b.spool.List(p)) > 0 {
			return fsError("remove", filename, common.ErrNotEmpty)
		}
	}
	return fsError("remove", filename, b.svc.Delete(b.ctx, p))
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, fsError("tempfile", dir, vfs.ENOTSUP)
}

// ReadDir lists published children merged with staged ones.
func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	p := common.NormalizePath(dirname)
	entries, err := b.svc.ReadDir(p)
	if err != nil {
		return nil, fsError("readdir", dirname, err)
	}

	byName := make(map[string]os.FileInfo, len(entries))
	for _, e := range entries {
		byName[e.Name] = b.entryInfo(e)
	}
	for _, info := range b.spool.List(p) {
		byName[common.BaseName(info.Path)] = b.stagedInfo(info)
	}

	result := make([]os.FileInfo, 0, len(byName))
	for _, fi := range byName {
		result = append(result, fi)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, _ os.FileMode) error {
	return fsError("mkdir", filename, b.svc.MkdirAll(b.ctx, filename))
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return fsError("symlink", link, vfs.ENOTSUP)
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return "", fsError("readlink", link, vfs.EINVAL)
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, fsError("chroot", path, vfs.ENOTSUP)
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// Permissions, ownership and times are not stored.
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error { return nil }
func (b *BillyAdapter) Lchown(name string, uid, gid int) error { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error { return nil }
func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error { return nil }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

func (b *BillyAdapter) entryInfo(e vfs.Entry) *BillyFileInfo {
	return &BillyFileInfo{
		name:    e.Name,
		size:    e.Size,
		dir:     e.Dir,
		modTime: e.ModifiedAt,
		inode:   e.Inode,
		adapter: b,
	}
}

func (b *BillyAdapter) stagedInfo(info StagedInfo) *BillyFileInfo {
	return &BillyFileInfo{
		name:    common.BaseName(info.Path),
		size:    info.Size,
		modTime: info.ModTime,
		inode:   info.Inode,
		adapter: b,
	}
}

// BillyFile is one open of a path. go-nfs opens and closes a file for
// every READ and WRITE, so it holds no staged state of its own.
type BillyFile struct {
	adapter *BillyAdapter
	name    string
	path    string
	offset  int64

	mu     sync.Mutex
	reader *chunkstore.Reader
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (int, error) {
	n, err := f.adapter.spool.WriteAt(f.adapter.ctx, f.path, p, f.offset)
	f.offset += int64(n)
	if err != nil {
		return n, fsError("write", f.name, err)
	}
	return n, nil
}

func (f *BillyFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *BillyFile) ReadAt(p []byte, off int64) (int, error) {
	if n, ok, err := f.adapter.spool.ReadAt(f.path, p, off); ok {
		return n, err
	}
	r, err := f.published()
	if err != nil {
		return 0, fsError("read", f.name, err)
	}
	n, err := r.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fsError("read", f.name, err)
	}
	return n, err
}

// published opens the published content on first use.
func (f *BillyFile) published() (*chunkstore.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reader == nil {
		r, _, err := f.adapter.svc.OpenRead(f.adapter.ctx, f.path)
		if err != nil {
			return nil, err
		}
		f.reader = r
	}
	return f.reader, nil
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		fi, err := f.adapter.stat(f.path)
		if err != nil {
			return 0, fsError("seek", f.name, err)
		}
		f.offset = fi.size + offset
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, fsError("seek", f.name, vfs.EINVAL)
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reader != nil {
		f.reader.Close()
		f.reader = nil
	}
	return nil
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	return fsError("truncate", f.name, f.adapter.spool.Truncate(f.adapter.ctx, f.path, size))
}

type BillyFileInfo struct {
	name    string
	size    int64
	dir     bool
	modTime time.Time
	inode   uint64
	adapter *BillyAdapter
}

func (fi *BillyFileInfo) Name() string {
	if fi.name == "" {
		return "/"
	}
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	return fi.size
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0755
	}
	return 0644
}

func (fi *BillyFileInfo) ModTime() time.Time {
	return fi.modTime
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.dir
}

func (fi *BillyFileInfo) Sys() interface{} {
	// go-nfs's GetInfo() only recognizes file.FileInfo or *file.FileInfo types
	return &nfsfile.FileInfo{
		Nlink:  1,
		UID:    fi.adapter.uid,
		GID:    fi.adapter.gid,
		Fileid: fi.inode,
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
)
