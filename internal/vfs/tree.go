// Package vfs holds the in-memory directory tree. It is the only index of
// what exists: every node is derived from ledger records at startup and
// mutated only after the matching record has been persisted.
package vfs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chanfs/internal/chunk"
	"chanfs/internal/common"
)

// RootIno is the inode number of the root folder.
const RootIno uint64 = 1

// Meta is the mutable metadata of a node. Content fields are only used for
// files.
type Meta struct {
	CreatedAt  time.Time
	ModifiedAt time.Time
	RecordID   string

	Size        int64
	Manifest    chunk.Manifest
	Encrypted   bool
	Compression chunk.Compression
	KeySalt     []byte
}

func (m Meta) clone() Meta {
	m.Manifest = m.Manifest.Clone()
	if m.KeySalt != nil {
		m.KeySalt = append([]byte(nil), m.KeySalt...)
	}
	return m
}

// Entry is a point-in-time copy of a node. Holding one does not pin the node.
type Entry struct {
	Path  string
	Name  string
	Dir   bool
	Inode uint64
	Meta
}

// ETag identifies a version of a file's content. It is derived from the
// modification time and size and never stored.
func (e *Entry) ETag() string {
	return fmt.Sprintf("%x-%x", e.ModifiedAt.UnixNano(), e.Size)
}

// AbsPath returns the path with a leading separator.
func (e *Entry) AbsPath() string {
	if e.Dir {
		return common.FolderPath(e.Path)
	}
	return common.AbsPath(e.Path)
}

type node struct {
	name     string
	parent   *node // non-owning; nil for the root
	dir      bool
	children map[string]*node
	ino      uint64
	meta     Meta
}

func (n *node) path() string {
	if n.parent == nil {
		return ""
	}
	return common.JoinPath(n.parent.path(), n.name)
}

func (n *node) entry() Entry {
	return Entry{
		Path:  n.path(),
		Name:  n.name,
		Dir:   n.dir,
		Inode: n.ino,
		Meta:  n.meta.clone(),
	}
}

// Tree is a folder hierarchy guarded by a single RWMutex, so each operation
// is atomic with respect to every other.
type Tree struct {
	mu      sync.RWMutex
	root    *node
	nextIno uint64
	files   int
	folders int
}

// New returns a tree holding only the root folder.
func New(now time.Time) *Tree {
	return &Tree{
		root: &node{
			dir:      true,
			children: make(map[string]*node),
			ino:      RootIno,
			meta:     Meta{CreatedAt: now, ModifiedAt: now},
		},
		nextIno: RootIno + 1,
	}
}

// lookup walks p. Callers hold mu.
func (t *Tree) lookup(p string) (*node, error) {
	cur := t.root
	for _, part := range common.SplitPath(p) {
		if !cur.dir {
			return nil, fmt.Errorf("%s: %w", common.AbsPath(p), common.ErrNotDir)
		}
		next, ok := cur.children[part]
		if !ok {
			return nil, fmt.Errorf("%s: %w", common.AbsPath(p), common.ErrNotFound)
		}
		cur = next
	}
	return cur, nil
}

// parentFor resolves the folder that will hold p and validates the name.
func (t *Tree) parentFor(p string) (*node, string, error) {
	p = common.NormalizePath(p)
	if p == "" {
		return nil, "", fmt.Errorf("root: %w", common.ErrExists)
	}
	name := common.BaseName(p)
	if !common.ValidName(name) {
		return nil, "", fmt.Errorf("%q: %w", name, common.ErrInvalidPath)
	}
	parent, err := t.lookup(common.ParentPath(p))
	if err != nil {
		return nil, "", err
	}
	if !parent.dir {
		return nil, "", fmt.Errorf("%s: %w", common.AbsPath(common.ParentPath(p)), common.ErrNotDir)
	}
	if _, taken := parent.children[name]; taken {
		return nil, "", fmt.Errorf("%s: %w", common.AbsPath(p), common.ErrExists)
	}
	return parent, name, nil
}

func (t *Tree) insert(parent *node, name string, dir bool, meta Meta) *node {
	n := &node{name: name, parent: parent, dir: dir, ino: t.nextIno, meta: meta.clone()}
	t.nextIno++
	if dir {
		n.children = make(map[string]*node)
		t.folders++
	} else {
		t.files++
	}
	parent.children[name] = n
	return n
}

// Resolve returns the node at p.
func (t *Tree) Resolve(p string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.lookup(p)
	if err != nil {
		return Entry{}, err
	}
	return n.entry(), nil
}

// CreateFolder adds a folder at p. The parent must exist.
func (t *Tree) CreateFolder(p string, meta Meta) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, name, err := t.parentFor(p)
	if err != nil {
		return Entry{}, err
	}
	return t.insert(parent, name, true, meta).entry(), nil
}

// EnsureFolders creates every missing folder along p with meta and returns
// the paths it created, shallowest first. Existing folders are left alone.
func (t *Tree) EnsureFolders(p string, meta Meta) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var created []string
	cur := t.root
	for _, part := range common.SplitPath(p) {
		next, ok := cur.children[part]
		if !ok {
			if !common.ValidName(part) {
				return created, fmt.Errorf("%q: %w", part, common.ErrInvalidPath)
			}
			next = t.insert(cur, part, true, meta)
			created = append(created, next.path())
		}
		if !next.dir {
			return created, fmt.Errorf("%s: %w", common.AbsPath(next.path()), common.ErrNotDir)
		}
		cur = next
	}
	return created, nil
}

// AttachFile adds a file at p. The parent must exist and the name be free.
func (t *Tree) AttachFile(p string, meta Meta) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, name, err := t.parentFor(p)
	if err != nil {
		return Entry{}, err
	}
	return t.insert(parent, name, false, meta).entry(), nil
}

// ReplaceFile swaps the metadata of an existing file and returns the
// previous version. The inode number is kept.
func (t *Tree) ReplaceFile(p string, meta Meta) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.lookup(p)
	if err != nil {
		return Entry{}, err
	}
	if n.dir {
		return Entry{}, fmt.Errorf("%s: %w", common.AbsPath(p), common.ErrIsDir)
	}
	old := n.entry()
	n.meta = meta.clone()
	return old, nil
}

// Update applies fn to the metadata of the node at p.
func (t *Tree) Update(p string, fn func(*Meta)) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.lookup(p)
	if err != nil {
		return Entry{}, err
	}
	fn(&n.meta)
	return n.entry(), nil
}

// Move relocates the node at src to dst, carrying its subtree. The root
// cannot move, a folder cannot move into itself, and dst must be free.
func (t *Tree) Move(src, dst string) error {
	src = common.NormalizePath(src)
	dst = common.NormalizePath(dst)

	t.mu.Lock()
	defer t.mu.Unlock()

	if src == "" {
		return fmt.Errorf("move root: %w", common.ErrInvalidOperation)
	}
	n, err := t.lookup(src)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if n.dir && common.IsWithin(dst, src) {
		return fmt.Errorf("move %s into itself: %w", common.AbsPath(src), common.ErrInvalidOperation)
	}
	if dst == "" {
		return fmt.Errorf("move onto root: %w", common.ErrExists)
	}
	parent, name, err := t.parentFor(dst)
	if err != nil {
		return err
	}

	delete(n.parent.children, n.name)
	n.name = name
	n.parent = parent
	parent.children[name] = n
	return nil
}

// MoveOver relocates the file at src onto the existing file at dst, which
// is dropped from the tree and returned.
func (t *Tree) MoveOver(src, dst string) (Entry, error) {
	src = common.NormalizePath(src)
	dst = common.NormalizePath(dst)

	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookup(src)
	if err != nil {
		return Entry{}, err
	}
	if n.dir {
		return Entry{}, fmt.Errorf("%s: %w", common.FolderPath(src), common.ErrIsDir)
	}
	if src == dst {
		return Entry{}, fmt.Errorf("move %s onto itself: %w", common.AbsPath(src), common.ErrInvalidOperation)
	}
	old, err := t.lookup(dst)
	if err != nil {
		return Entry{}, err
	}
	if old.dir {
		return Entry{}, fmt.Errorf("%s: %w", common.FolderPath(dst), common.ErrIsDir)
	}

	replaced := old.entry()
	parent := old.parent
	delete(parent.children, old.name)
	old.parent = nil
	t.files--

	delete(n.parent.children, n.name)
	n.name = old.name
	n.parent = parent
	parent.children[n.name] = n
	return replaced, nil
}

// Remove deletes the node at p. Folders must be empty.
func (t *Tree) Remove(p string) (Entry, error) {
	p = common.NormalizePath(p)
	t.mu.Lock()
	defer t.mu.Unlock()

	if p == "" {
		return Entry{}, fmt.Errorf("remove root: %w", common.ErrInvalidOperation)
	}
	n, err := t.lookup(p)
	if err != nil {
		return Entry{}, err
	}
	if n.dir && len(n.children) > 0 {
		return Entry{}, fmt.Errorf("%s: %w", common.FolderPath(p), common.ErrNotEmpty)
	}
	e := n.entry()
	delete(n.parent.children, n.name)
	n.parent = nil
	if n.dir {
		t.folders--
	} else {
		t.files--
	}
	return e, nil
}

// List returns the children of the folder at p, sorted by name.
func (t *Tree) List(p string) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.lookup(p)
	if err != nil {
		return nil, err
	}
	if !n.dir {
		return nil, fmt.Errorf("%s: %w", common.AbsPath(p), common.ErrNotDir)
	}
	return sortedEntries(n), nil
}

func sortedEntries(n *node) []Entry {
	out := make([]Entry, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c.entry())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Order selects the visiting order of Walk.
type Order int

const (
	// PreOrder visits a folder before its children.
	PreOrder Order = iota
	// PostOrder visits children first, so the deepest nodes come first.
	PostOrder
)

// Walk visits p and everything below it depth-first, children sorted by
// name. The visited entries are a snapshot taken under one read lock; fn may
// call back into the tree.
func (t *Tree) Walk(p string, order Order, fn func(Entry) error) error {
	t.mu.RLock()
	n, err := t.lookup(p)
	if err != nil {
		t.mu.RUnlock()
		return err
	}
	var entries []Entry
	var visit func(n *node)
	visit = func(n *node) {
		if order == PreOrder {
			entries = append(entries, n.entry())
		}
		if n.dir {
			names := make([]string, 0, len(n.children))
			for name := range n.children {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				visit(n.children[name])
			}
		}
		if order == PostOrder {
			entries = append(entries, n.entry())
		}
	}
	visit(n)
	t.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns the number of files and folders, the root excluded.
func (t *Tree) Counts() (files, folders int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.files, t.folders
}
