package vfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanfs/internal/chunk"
	"chanfs/internal/common"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fileMeta(size int64) Meta {
	m := Meta{CreatedAt: now, ModifiedAt: now, Size: size}
	if size > 0 {
		m.Manifest = chunk.Manifest{{Ordinal: 0, MessageID: "m1", Length: size}}
	}
	return m
}

func buildTree(t *testing.T) *Tree {
	t.Helper()
	tree := New(now)
	_, err := tree.CreateFolder("docs", Meta{CreatedAt: now, ModifiedAt: now})
	require.NoError(t, err)
	_, err = tree.CreateFolder("docs/old", Meta{CreatedAt: now, ModifiedAt: now})
	require.NoError(t, err)
	_, err = tree.AttachFile("docs/a.txt", fileMeta(3))
	require.NoError(t, err)
	_, err = tree.AttachFile("docs/old/b.txt", fileMeta(5))
	require.NoError(t, err)
	_, err = tree.AttachFile("top.bin", fileMeta(0))
	require.NoError(t, err)
	return tree
}

func TestTree_Resolve(t *testing.T) {
	tree := buildTree(t)

	root, err := tree.Resolve("/")
	require.NoError(t, err)
	assert.True(t, root.Dir)
	assert.Equal(t, RootIno, root.Inode)
	assert.Equal(t, "/", root.AbsPath())

	e, err := tree.Resolve("/docs/old/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/old/b.txt", e.Path)
	assert.Equal(t, "/docs/old/b.txt", e.AbsPath())
	assert.Equal(t, int64(5), e.Size)

	folder, err := tree.Resolve("docs/old")
	require.NoError(t, err)
	assert.Equal(t, "/docs/old/", folder.AbsPath())

	_, err = tree.Resolve("docs/missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = tree.Resolve("top.bin/child")
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestTree_NameUniqueness(t *testing.T) {
	tree := buildTree(t)

	_, err := tree.AttachFile("docs/a.txt", fileMeta(1))
	assert.ErrorIs(t, err, common.ErrExists)

	_, err = tree.CreateFolder("docs/a.txt", Meta{})
	assert.ErrorIs(t, err, common.ErrExists)

	_, err = tree.CreateFolder("/", Meta{})
	assert.ErrorIs(t, err, common.ErrExists)

	_, err = tree.AttachFile("nowhere/x", fileMeta(1))
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = tree.AttachFile("top.bin/x", fileMeta(1))
	assert.ErrorIs(t, err, common.ErrNotDir)

	files, folders := tree.Counts()
	assert.Equal(t, 3, files)
	assert.Equal(t, 2, folders)
}

func TestTree_ReplaceFile(t *testing.T) {
	tree := buildTree(t)
	before, err := tree.Resolve("docs/a.txt")
	require.NoError(t, err)

	later := fileMeta(9)
	later.ModifiedAt = now.Add(time.Minute)
	old, err := tree.ReplaceFile("docs/a.txt", later)
	require.NoError(t, err)
	assert.Equal(t, int64(3), old.Size)

	after, err := tree.Resolve("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(9), after.Size)
	assert.Equal(t, before.Inode, after.Inode)
	assert.NotEqual(t, before.ETag(), after.ETag())

	_, err = tree.ReplaceFile("docs", later)
	assert.ErrorIs(t, err, common.ErrIsDir)
	_, err = tree.ReplaceFile("nope", later)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestTree_Move(t *testing.T) {
	tree := buildTree(t)

	require.NoError(t, tree.Move("docs", "archive"))
	_, err := tree.Resolve("docs")
	assert.ErrorIs(t, err, common.ErrNotFound)
	e, err := tree.Resolve("archive/old/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "archive/old/b.txt", e.Path)

	require.NoError(t, tree.Move("top.bin", "archive/old/top.bin"))
	list, err := tree.List("archive/old")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Same path is a no-op.
	require.NoError(t, tree.Move("archive", "archive"))

	assert.ErrorIs(t, tree.Move("", "x"), common.ErrInvalidOperation)
	assert.ErrorIs(t, tree.Move("archive", "archive/old/inner"), common.ErrInvalidOperation)
	assert.ErrorIs(t, tree.Move("archive/a.txt", "archive/old/b.txt"), common.ErrExists)
	assert.ErrorIs(t, tree.Move("missing", "x"), common.ErrNotFound)
	assert.ErrorIs(t, tree.Move("archive/a.txt", "ghost/a.txt"), common.ErrNotFound)
	assert.ErrorIs(t, tree.Move("archive", "/"), common.ErrExists)

	files, folders := tree.Counts()
	assert.Equal(t, 3, files)
	assert.Equal(t, 2, folders)
}

func TestTree_MoveOver(t *testing.T) {
	tree := buildTree(t)
	src, err := tree.Resolve("top.bin")
	require.NoError(t, err)
	dst, err := tree.Resolve("docs/a.txt")
	require.NoError(t, err)

	replaced, err := tree.MoveOver("top.bin", "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, dst.Inode, replaced.Inode)

	e, err := tree.Resolve("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, src.Inode, e.Inode)
	_, err = tree.Resolve("top.bin")
	assert.ErrorIs(t, err, common.ErrNotFound)

	files, _ := tree.Counts()
	assert.Equal(t, 2, files)

	_, err = tree.MoveOver("docs", "docs/a.txt")
	assert.ErrorIs(t, err, common.ErrIsDir)
	_, err = tree.MoveOver("docs/a.txt", "docs/old")
	assert.ErrorIs(t, err, common.ErrIsDir)
	_, err = tree.MoveOver("docs/a.txt", "docs/missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = tree.MoveOver("docs/a.txt", "docs/a.txt")
	assert.ErrorIs(t, err, common.ErrInvalidOperation)
}

func TestTree_Remove(t *testing.T) {
	tree := buildTree(t)

	_, err := tree.Remove("docs")
	assert.ErrorIs(t, err, common.ErrNotEmpty)
	_, err = tree.Remove("")
	assert.ErrorIs(t, err, common.ErrInvalidOperation)

	removed, err := tree.Remove("docs/old/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "m1", removed.Manifest[0].MessageID)

	_, err = tree.Remove("docs/old")
	require.NoError(t, err)
	_, err = tree.Remove("docs/old")
	assert.ErrorIs(t, err, common.ErrNotFound)

	files, folders := tree.Counts()
	assert.Equal(t, 2, files)
	assert.Equal(t, 1, folders)
}

func TestTree_ListSorted(t *testing.T) {
	tree := New(now)
	for _, name := range []string{"zeta", "alpha", "Mid", "beta"} {
		_, err := tree.AttachFile(name, fileMeta(1))
		require.NoError(t, err)
	}
	list, err := tree.List("")
	require.NoError(t, err)

	var names []string
	for _, e := range list {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Mid", "alpha", "beta", "zeta"}, names)

	_, err = tree.List("alpha")
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestTree_WalkOrders(t *testing.T) {
	tree := buildTree(t)

	collect := func(order Order) []string {
		var paths []string
		require.NoError(t, tree.Walk("docs", order, func(e Entry) error {
			paths = append(paths, e.Path)
			return nil
		}))
		return paths
	}

	assert.Equal(t, []string{"docs", "docs/a.txt", "docs/old", "docs/old/b.txt"}, collect(PreOrder))
	assert.Equal(t, []string{"docs/a.txt", "docs/old/b.txt", "docs/old", "docs"}, collect(PostOrder))

	// Post order permits removing while walking.
	require.NoError(t, tree.Walk("docs", PostOrder, func(e Entry) error {
		_, err := tree.Remove(e.Path)
		return err
	}))
	files, folders := tree.Counts()
	assert.Equal(t, 1, files)
	assert.Equal(t, 0, folders)
}

func TestTree_EnsureFolders(t *testing.T) {
	tree := buildTree(t)

	created, err := tree.EnsureFolders("docs/new/deeper", Meta{CreatedAt: now, ModifiedAt: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/new", "docs/new/deeper"}, created)

	created, err = tree.EnsureFolders("docs/new", Meta{})
	require.NoError(t, err)
	assert.Empty(t, created)

	_, err = tree.EnsureFolders("top.bin/x", Meta{})
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestEntry_SnapshotIsolation(t *testing.T) {
	tree := buildTree(t)
	e, err := tree.Resolve("docs/a.txt")
	require.NoError(t, err)

	e.Manifest[0].MessageID = "changed"
	again, err := tree.Resolve("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "m1", again.Manifest[0].MessageID)
}
