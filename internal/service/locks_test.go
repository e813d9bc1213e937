package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathLocks_DisjointPathsProceed(t *testing.T) {
	l := NewPathLocks()
	ctx := context.Background()

	a, err := l.Lock(ctx, "docs/a.txt")
	require.NoError(t, err)
	b, err := l.Lock(ctx, "docs/b.txt")
	require.NoError(t, err)
	c, err := l.Lock(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, 3, l.Held())

	a()
	b()
	c()
	a() // release is idempotent
	assert.Equal(t, 0, l.Held())
}

func TestPathLocks_AncestorBlocksDescendant(t *testing.T) {
	l := NewPathLocks()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "docs")
	require.NoError(t, err)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		release, err := l.Lock(ctx, "docs/deep/file.txt")
		if err == nil {
			acquired.Store(true)
			release()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load(), "descendant must wait for the ancestor")

	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("descendant lock never granted")
	}
	assert.True(t, acquired.Load())
}

func TestPathLocks_DescendantBlocksAncestor(t *testing.T) {
	l := NewPathLocks()
	unlock, err := l.Lock(context.Background(), "a/b/c")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The root overlaps everything.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = l.Lock(ctx2, "/")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPathLocks_MultiPathAllOrNothing(t *testing.T) {
	l := NewPathLocks()
	ctx := context.Background()

	held, err := l.Lock(ctx, "dst")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "src", "dst/x")
	assert.Error(t, err)

	// "src" was not left held by the failed request.
	src, err := l.Lock(ctx, "src")
	require.NoError(t, err)
	src()
	held()
}
