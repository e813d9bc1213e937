package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanfs/internal/chunk"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	return dir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "")
		assert.True(t, strings.HasSuffix(ConfigDir(), ".chanfs"), "should end with .chanfs")
	})

	t.Run("override with CHANFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "/tmp/test-chanfs-config")
		assert.Equal(t, "/tmp/test-chanfs-config", ConfigDir())
		assert.Equal(t, "/tmp/test-chanfs-config/config.yaml", ConfigPath())
		assert.Equal(t, "/tmp/test-chanfs-config/chanfs.lock", LockPath())
	})
}

func TestLoad_NoFileUsesTemplate(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, BackendLocal, cfg.Backend.Type)
	assert.Equal(t, filepath.Join(dir, "channels.db"), cfg.Backend.Database)
	assert.Equal(t, 8<<20, cfg.Chunking.Size)
	assert.True(t, cfg.Chunking.ChecksumsEnabled())
	assert.Equal(t, "none", cfg.Chunking.Compression)
	assert.Equal(t, 200*time.Millisecond, cfg.Remote.Delay)
	assert.Equal(t, 60*time.Second, cfg.Remote.CallTimeout)
	assert.Equal(t, filepath.Join(dir, "spool"), cfg.NFS.SpoolDir)
	assert.Equal(t, 64, cfg.Cache.Entries)
	assert.Contains(t, cfg.Filter.Excludes, ".DS_Store")
	assert.Empty(t, cfg.Metrics.Listen)

	def := Default()
	assert.Equal(t, def.Backend, cfg.Backend)
	assert.Equal(t, def.Remote, cfg.Remote)
	assert.Equal(t, def.NFS, cfg.NFS)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
backend:
  type: memory
chunking:
  size: 1024
  compression: ZSTD
  checksums: false
remote:
  delay: 1s
  max_delay: 2s
cache:
  entries: 0
filter:
  excludes: ["*.tmp"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend.Type)
	assert.Empty(t, cfg.Backend.Database)
	assert.Equal(t, 1024, cfg.Chunking.Size)
	assert.Equal(t, "zstd", cfg.Chunking.Compression)
	assert.False(t, cfg.Chunking.ChecksumsEnabled())
	assert.Equal(t, time.Second, cfg.Remote.Delay)
	assert.Equal(t, uint(5), cfg.Remote.Attempts)
	assert.Zero(t, cfg.Cache.Entries)
	assert.Equal(t, []string{"*.tmp"}, cfg.Filter.Excludes)

	policy := cfg.Remote.Policy()
	assert.Equal(t, 2*time.Second, policy.MaxDelay)
}

func TestLoad_DefaultLocationAndEnv(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, "logging:\n  level: warn\n")
	t.Setenv("CHANFS_LOGGING_LEVEL", "debug")
	t.Setenv("CHANFS_CHUNKING_COMPRESSION", "lz4")
	t.Setenv("CHANFS_BACKEND_META_CHANNEL", "records")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "lz4", cfg.Chunking.Compression)
	assert.Equal(t, "records", cfg.Backend.MetaChannel)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"bad backend", "backend:\n  type: s3\n", "Type"},
		{"discord without token", "backend:\n  type: discord\n", "token"},
		{"same channels", "backend:\n  data_channel: x\n  meta_channel: x\n", "must differ"},
		{"chunk over cap", "backend:\n  max_attachment_size: 100\nchunking:\n  size: 200\n", "exceeds"},
		{"bad compression", "chunking:\n  compression: brotli\n", "Compression"},
		{"encryption without key", "encryption:\n  enabled: true\n", "no key"},
		{"short key", "encryption:\n  enabled: true\n  key: abcd\n", "Key"},
		{"max delay below delay", "remote:\n  delay: 2s\n  max_delay: 1s\n", "MaxDelay"},
		{"bad listen", "nfs:\n  listen: nowhere\n", "Listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			_, err := Load(writeConfig(t, dir, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(writeConfig(t, dir, "logging: [unterminated\n"))
	assert.Error(t, err)
}

func TestEncryption_MasterKey(t *testing.T) {
	dir := isolate(t)
	key, err := chunk.GenerateKey()
	require.NoError(t, err)

	inline := EncryptionConfig{Enabled: true, Key: KeyHex(key)}
	got, err := inline.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	keyFile := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte(KeyHex(key)+"\n"), 0600))
	path := writeConfig(t, dir, "encryption:\n  enabled: true\n  key_file: "+keyFile+"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	got, err = cfg.Encryption.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestInit_WritesTemplateOnce(t *testing.T) {
	dir := isolate(t)

	written, err := Init("")
	require.NoError(t, err)
	assert.True(t, written)
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# chanfs configuration")

	require.NoError(t, os.WriteFile(ConfigPath(), []byte("logging:\n  level: none\n"), 0600))
	written, err = Init("")
	require.NoError(t, err)
	assert.False(t, written)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Logging.Level)
}

func TestSave_LoadsBack(t *testing.T) {
	dir := isolate(t)
	cfg := Default()
	cfg.Backend.Type = BackendDiscord
	cfg.Backend.Token = "bot-token"
	cfg.Remote.CallTimeout = 90 * time.Second

	path := filepath.Join(dir, "saved.yaml")
	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bot-token", loaded.Backend.Token)
	assert.Equal(t, 90*time.Second, loaded.Remote.CallTimeout)
}
