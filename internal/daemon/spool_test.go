package daemon

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"chanfs/internal/common"
)

func TestSpool_PublishesAfterIdle(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	spool := newTestSpool(t, svc)
	ctx := context.Background()

	g.Expect(spool.Stage(ctx, "notes.txt", true)).To(Succeed())
	_, err := spool.WriteAt(ctx, "notes.txt", []byte("hello "), 0)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = spool.WriteAt(ctx, "notes.txt", []byte("world"), 6)
	g.Expect(err).NotTo(HaveOccurred())

	// Visible from the spool before it is published
	info, ok := spool.Stat("notes.txt")
	g.Expect(ok).To(BeTrue())
	g.Expect(info.Size).To(Equal(int64(11)))
	buf := make([]byte, 5)
	n, ok, err := spool.ReadAt("notes.txt", buf, 6)
	g.Expect(ok).To(BeTrue())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(buf[:n])).To(Equal("world"))

	g.Eventually(func() ([]byte, error) {
		return published(svc, "notes.txt")
	}, 2*time.Second, 10*time.Millisecond).Should(Equal([]byte("hello world")))
	g.Eventually(spool.Pending, time.Second, 10*time.Millisecond).Should(BeZero())
}

func TestSpool_EmptyCreatePublishes(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	spool := newTestSpool(t, svc)

	g.Expect(spool.Stage(context.Background(), "empty", true)).To(Succeed())
	g.Eventually(func() error {
		_, err := svc.Stat("empty")
		return err
	}, 2*time.Second, 10*time.Millisecond).Should(Succeed())
}

func TestSpool_PartialWriteKeepsPublishedContent(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	spool := newTestSpool(t, svc)
	ctx := context.Background()
	publish(t, svc, "data.bin", []byte("aaaaaaaaaa"))

	_, err := spool.WriteAt(ctx, "data.bin", []byte("BB"), 4)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(spool.Flush(ctx, "data.bin")).To(Succeed())

	g.Expect(published(svc, "data.bin")).To(Equal([]byte("aaaaBBaaaa")))
	g.Expect(spool.Pending()).To(BeZero())
}

func TestSpool_TruncateAndInodeReuse(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	spool := newTestSpool(t, svc)
	ctx := context.Background()
	publish(t, svc, "log.txt", []byte("0123456789"))
	e, err := svc.Stat("log.txt")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(spool.Truncate(ctx, "log.txt", 3)).To(Succeed())
	info, ok := spool.Stat("log.txt")
	g.Expect(ok).To(BeTrue())
	g.Expect(info.Inode).To(Equal(e.Inode))
	g.Expect(info.Size).To(Equal(int64(3)))

	g.Expect(spool.Flush(ctx, "log.txt")).To(Succeed())
	g.Expect(published(svc, "log.txt")).To(Equal([]byte("012")))
}

func TestSpool_Rejections(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	spool := newTestSpool(t, svc)
	ctx := context.Background()
	g.Expect(svc.Mkdir(ctx, "dir")).To(Succeed())

	g.Expect(spool.Stage(ctx, "", true)).To(MatchError(common.ErrIsDir))
	g.Expect(spool.Stage(ctx, "dir", true)).To(MatchError(common.ErrIsDir))
	g.Expect(spool.Stage(ctx, "missing/file", true)).To(MatchError(common.ErrNotFound))
	g.Expect(spool.Stage(ctx, "dir/.DS_Store", true)).To(MatchError(common.ErrInvalidOperation))
	g.Expect(spool.Pending()).To(BeZero())
}

func TestSpool_DiscardDropsWrites(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	spool := newTestSpool(t, svc)
	ctx := context.Background()

	_, err := spool.WriteAt(ctx, "scratch", []byte("temp"), 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(spool.Discard("scratch")).To(BeTrue())
	g.Expect(spool.Discard("scratch")).To(BeFalse())

	g.Consistently(func() error {
		_, err := svc.Stat("scratch")
		return err
	}, 3*flushDelay, 10*time.Millisecond).Should(MatchError(common.ErrNotFound))
}

func TestSpool_ListAndClose(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	spool, err := NewSpool(t.TempDir(), svc, time.Hour)
	g.Expect(err).NotTo(HaveOccurred())
	ctx := context.Background()
	g.Expect(svc.Mkdir(ctx, "a")).To(Succeed())

	for _, p := range []string{"a/two", "a/one", "top"} {
		_, err := spool.WriteAt(ctx, p, []byte(p), 0)
		g.Expect(err).NotTo(HaveOccurred())
	}
	listed := spool.List("a")
	g.Expect(listed).To(HaveLen(2))
	g.Expect(listed[0].Path).To(Equal("a/one"))
	g.Expect(listed[1].Path).To(Equal("a/two"))

	g.Expect(spool.Close(ctx)).To(Succeed())
	for _, p := range []string{"a/two", "a/one", "top"} {
		g.Expect(published(svc, p)).To(Equal([]byte(p)))
	}
	g.Expect(spool.Stage(ctx, "late", true)).To(MatchError(common.ErrInvalidOperation))
}

func TestSpool_DiscardsLeftovers(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	dir := t.TempDir()
	g.Expect(os.WriteFile(dir+"/stale.spool", []byte("x"), 0600)).To(Succeed())

	_, err := NewSpool(dir, svc, flushDelay)
	g.Expect(err).NotTo(HaveOccurred())
	entries, err := os.ReadDir(dir)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(BeEmpty())
}

func TestSpool_ReadPastEnd(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newTestService(t)
	spool := newTestSpool(t, svc)

	_, err := spool.WriteAt(context.Background(), "short", []byte("abc"), 0)
	g.Expect(err).NotTo(HaveOccurred())
	buf := make([]byte, 8)
	n, ok, err := spool.ReadAt("short", buf, 1)
	g.Expect(ok).To(BeTrue())
	g.Expect(err).To(Equal(io.EOF))
	g.Expect(string(buf[:n])).To(Equal("bc"))

	_, ok, _ = spool.ReadAt("other", buf, 0)
	g.Expect(ok).To(BeFalse())
}
