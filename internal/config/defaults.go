package config

import (
	"strings"
	"time"

	"chanfs/internal/service"
)

// ApplyDefaults fills zero-value fields with their defaults. Explicit values
// are preserved; names are normalized to lower case.
func ApplyDefaults(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	b := &cfg.Backend
	b.Type = strings.ToLower(b.Type)
	if b.Type == "" {
		b.Type = BackendLocal
	}
	if b.DataChannel == "" {
		b.DataChannel = "data"
	}
	if b.MetaChannel == "" {
		b.MetaChannel = "meta"
	}
	if b.Database == "" && b.Type == BackendLocal {
		b.Database = DefaultDatabasePath()
	}
	if b.MaxAttachmentSize == 0 {
		b.MaxAttachmentSize = 8 << 20
	}

	c := &cfg.Chunking
	if c.Size == 0 {
		c.Size = b.MaxAttachmentSize
	}
	c.Compression = strings.ToLower(c.Compression)
	if c.Compression == "" || c.Compression == "off" {
		c.Compression = "none"
	}
	if c.Checksums == nil {
		t := true
		c.Checksums = &t
	}

	r := &cfg.Remote
	if r.Attempts == 0 {
		r.Attempts = 5
	}
	if r.Delay == 0 {
		r.Delay = 200 * time.Millisecond
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 5 * time.Second
	}
	if r.CallTimeout == 0 {
		r.CallTimeout = 60 * time.Second
	}

	if cfg.NFS.Listen == "" {
		cfg.NFS.Listen = "127.0.0.1:11049"
	}
	if cfg.NFS.SpoolDir == "" {
		cfg.NFS.SpoolDir = DefaultSpoolDir()
	}
	if cfg.NFS.FlushDelay == 0 {
		cfg.NFS.FlushDelay = 2 * time.Second
	}

	if cfg.Filter.Excludes == nil {
		cfg.Filter.Excludes = append([]string(nil), service.DefaultExcludes...)
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
}
