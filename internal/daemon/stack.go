package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"chanfs/internal/cache"
	"chanfs/internal/channel"
	"chanfs/internal/channel/discord"
	"chanfs/internal/channel/memory"
	"chanfs/internal/chunk"
	"chanfs/internal/chunkstore"
	"chanfs/internal/config"
	"chanfs/internal/ledger"
	"chanfs/internal/metrics"
	"chanfs/internal/service"
	"chanfs/internal/storage"
)

// Stack is a storage service wired to its configured backend.
type Stack struct {
	Client  channel.Client
	Store   *chunkstore.Store
	Ledger  *ledger.Ledger
	Service *service.Service
	Metrics *metrics.Metrics

	closer io.Closer
}

// Open connects the configured backend, checks both channels and builds
// the service. The tree is not loaded; call Service.Load.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*Stack, error) {
	client, closer, err := openClient(cfg.Backend)
	if err != nil {
		return nil, err
	}
	st := &Stack{Client: client, Metrics: m, closer: closer}
	fail := func(err error) (*Stack, error) {
		st.Close()
		return nil, err
	}

	for _, id := range []string{cfg.Backend.DataChannel, cfg.Backend.MetaChannel} {
		if err := client.ResolveChannel(ctx, id); err != nil {
			return fail(fmt.Errorf("resolve channel %s: %w", id, err))
		}
	}

	policy := cfg.Remote.Policy()
	st.Store = chunkstore.New(client, chunkstore.Options{
		ChannelID: cfg.Backend.DataChannel,
		Policy:    policy,
		Cache:     cache.NewChunkCache(cfg.Cache.TTL, cfg.Cache.Entries),
		Metrics:   m,
	})
	st.Ledger = ledger.New(client, ledger.Options{
		ChannelID: cfg.Backend.MetaChannel,
		Policy:    policy,
		Metrics:   m,
	})

	opts, err := serviceOptions(cfg, m)
	if err != nil {
		return fail(err)
	}
	if st.Service, err = service.New(st.Store, st.Ledger, opts); err != nil {
		return fail(err)
	}
	return st, nil
}

func serviceOptions(cfg *config.Config, m *metrics.Metrics) (service.Options, error) {
	compression, err := chunk.ParseCompression(cfg.Chunking.Compression)
	if err != nil {
		return service.Options{}, err
	}
	filter, err := service.LoadWriteFilter(cfg.Filter.Excludes, cfg.Filter.Includes, cfg.Filter.IgnoreFile)
	if err != nil {
		return service.Options{}, fmt.Errorf("load write filter: %w", err)
	}
	opts := service.Options{
		ChunkSize:   cfg.Chunking.Size,
		Compression: compression,
		Checksums:   cfg.Chunking.ChecksumsEnabled(),
		Filter:      filter,
		Metrics:     m,
	}
	if cfg.Encryption.Enabled {
		key, err := cfg.Encryption.MasterKey()
		if err != nil {
			return service.Options{}, err
		}
		if opts.Keyring, err = chunk.NewKeyring(key); err != nil {
			return service.Options{}, err
		}
	}
	return opts, nil
}

func openClient(b config.BackendConfig) (channel.Client, io.Closer, error) {
	switch b.Type {
	case config.BackendDiscord:
		client, err := discord.New(b.Token, b.MaxAttachmentSize)
		return client, nil, err
	case config.BackendLocal:
		if err := os.MkdirAll(filepath.Dir(b.Database), 0700); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cf, err := storage.Open(b.Database, storage.Options{MaxAttachmentSize: b.MaxAttachmentSize},
			b.DataChannel, b.MetaChannel)
		if err != nil {
			return nil, nil, err
		}
		return cf, cf, nil
	case config.BackendMemory:
		log.Warn("daemon: memory backend selected, nothing will persist")
		return memory.New(b.MaxAttachmentSize, b.DataChannel, b.MetaChannel), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown backend type %q", b.Type)
}

// Close waits for background deletions and releases the backend.
func (st *Stack) Close() error {
	var errs []error
	if st.Service != nil {
		errs = append(errs, st.Service.Close())
	}
	if st.closer != nil {
		errs = append(errs, st.closer.Close())
	}
	return errors.Join(errs...)
}
