package service

import (
	"context"
	"sync"

	"chanfs/internal/common"
)

// PathLocks serializes mutations on overlapping paths. A lock on P conflicts
// with any held lock on P, an ancestor of P or a descendant of P. A request
// for several paths is granted all at once or not at all, so callers cannot
// deadlock on acquisition order.
type PathLocks struct {
	mu      sync.Mutex
	held    map[string]int
	changed chan struct{}
}

// NewPathLocks returns an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{
		held:    make(map[string]int),
		changed: make(chan struct{}),
	}
}

// Lock blocks until every path can be held, or ctx ends. The returned
// function releases them.
func (l *PathLocks) Lock(ctx context.Context, paths ...string) (func(), error) {
	normalized := make([]string, len(paths))
	for i, p := range paths {
		normalized[i] = common.NormalizePath(p)
	}

	for {
		l.mu.Lock()
		if l.freeLocked(normalized) {
			for _, p := range normalized {
				l.held[p]++
			}
			l.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { l.release(normalized) }) }, nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *PathLocks) freeLocked(paths []string) bool {
	for held := range l.held {
		for _, p := range paths {
			if common.Overlaps(held, p) {
				return false
			}
		}
	}
	return true
}

func (l *PathLocks) release(paths []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range paths {
		if l.held[p]--; l.held[p] <= 0 {
			delete(l.held, p)
		}
	}
	close(l.changed)
	l.changed = make(chan struct{})
}

// Held returns the number of distinct held paths.
func (l *PathLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
