package daemon

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chanfs/internal/channel/memory"
	"chanfs/internal/chunkstore"
	"chanfs/internal/ledger"
	"chanfs/internal/metrics"
	"chanfs/internal/service"
	"chanfs/internal/util"
)

const (
	testData   = "data"
	testMeta   = "meta"
	testChunk  = 64 << 10
	flushDelay = 50 * time.Millisecond
)

func testPolicy() util.RetryPolicy {
	return util.RetryPolicy{Attempts: 2, Delay: time.Millisecond, MaxDelay: time.Millisecond, CallTimeout: 5 * time.Second}
}

func newTestService(t *testing.T) (*service.Service, *memory.Client) {
	t.Helper()
	client := memory.New(testChunk, testData, testMeta)
	m := metrics.New()
	store := chunkstore.New(client, chunkstore.Options{ChannelID: testData, Policy: testPolicy(), Metrics: m})
	l := ledger.New(client, ledger.Options{ChannelID: testMeta, Policy: testPolicy(), Metrics: m})
	svc, err := service.New(store, l, service.Options{
		ChunkSize: testChunk,
		Checksums: true,
		Filter:    service.NewWriteFilter(service.DefaultExcludes, nil),
		Metrics:   m,
	})
	require.NoError(t, err)
	_, err = svc.Load(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, client
}

func newTestSpool(t *testing.T, svc *service.Service) *Spool {
	t.Helper()
	spool, err := NewSpool(t.TempDir(), svc, flushDelay)
	require.NoError(t, err)
	t.Cleanup(func() { spool.Close(context.Background()) })
	return spool
}

func publish(t *testing.T, svc *service.Service, p string, data []byte) {
	t.Helper()
	_, err := svc.WriteFile(context.Background(), p, bytes.NewReader(data))
	require.NoError(t, err)
}

func published(svc *service.Service, p string) ([]byte, error) {
	r, _, err := svc.OpenRead(context.Background(), p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
