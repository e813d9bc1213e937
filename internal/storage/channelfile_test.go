package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"chanfs/internal/common"
)

func openTestFile(t *testing.T, channels ...string) *ChannelFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.db")
	cf, err := Open(path, Options{MaxAttachmentSize: 64}, channels...)
	if err != nil {
		t.Fatalf("Failed to open channel file: %v", err)
	}
	t.Cleanup(func() { cf.Close() })
	return cf
}

func TestChannelFile_SendFetch(t *testing.T) {
	cf := openTestFile(t, "data")
	ctx := context.Background()

	id, err := cf.SendBlob(ctx, "data", "chunk-0", []byte("hello"))
	if err != nil {
		t.Fatalf("SendBlob failed: %v", err)
	}

	got, err := cf.FetchBlob(ctx, "data", id)
	if err != nil {
		t.Fatalf("FetchBlob failed: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("Expected %q, got %q", "hello", got)
	}

	// Attachments over the cap are rejected before touching the database
	if _, err := cf.SendBlob(ctx, "data", "big", make([]byte, 65)); !errors.Is(err, common.ErrChunkTooLarge) {
		t.Errorf("Expected ErrChunkTooLarge, got %v", err)
	}

	// Empty attachments are legal
	emptyID, err := cf.SendBlob(ctx, "data", "empty", nil)
	if err != nil {
		t.Fatalf("SendBlob(empty) failed: %v", err)
	}
	got, err = cf.FetchBlob(ctx, "data", emptyID)
	if err != nil || len(got) != 0 {
		t.Errorf("Expected empty attachment, got %q (err=%v)", got, err)
	}
}

func TestChannelFile_UnknownChannelAndMessage(t *testing.T) {
	cf := openTestFile(t, "data")
	ctx := context.Background()

	if err := cf.ResolveChannel(ctx, "data"); err != nil {
		t.Errorf("ResolveChannel(data) failed: %v", err)
	}
	if err := cf.ResolveChannel(ctx, "nope"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown channel, got %v", err)
	}
	if _, err := cf.SendBlob(ctx, "nope", "x", []byte("x")); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound sending to unknown channel, got %v", err)
	}
	if _, err := cf.FetchBlob(ctx, "data", "12345"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing message, got %v", err)
	}
	if _, err := cf.FetchBlob(ctx, "data", "not-a-number"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for malformed ID, got %v", err)
	}
	if err := cf.DeleteMessage(ctx, "data", "12345"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting missing message, got %v", err)
	}
}

func TestChannelFile_EditAndDelete(t *testing.T) {
	cf := openTestFile(t, "meta", "data")
	ctx := context.Background()

	id, err := cf.SendBlob(ctx, "meta", "record.json", []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("SendBlob failed: %v", err)
	}
	if err := cf.EditMessage(ctx, "meta", id, "record.json", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}
	got, _ := cf.FetchBlob(ctx, "meta", id)
	if string(got) != `{"v":2}` {
		t.Errorf("Expected edited content, got %q", got)
	}

	// Messages are scoped to their channel
	if _, err := cf.FetchBlob(ctx, "data", id); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound across channels, got %v", err)
	}

	if err := cf.DeleteMessage(ctx, "meta", id); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if err := cf.EditMessage(ctx, "meta", id, "record.json", nil); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound editing deleted message, got %v", err)
	}
}

func TestChannelFile_HistoryPaging(t *testing.T) {
	cf := openTestFile(t, "meta", "other")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := cf.SendBlob(ctx, "meta", "r", []byte{byte(i)})
		if err != nil {
			t.Fatalf("SendBlob %d failed: %v", i, err)
		}
		ids = append(ids, id)
		// Interleave another channel to make sure paging filters by channel
		if _, err := cf.SendBlob(ctx, "other", "x", nil); err != nil {
			t.Fatalf("SendBlob other failed: %v", err)
		}
	}

	var seen []string
	cursor := ""
	for {
		page, err := cf.ListChannelHistory(ctx, "meta", cursor, 2)
		if err != nil {
			t.Fatalf("ListChannelHistory failed: %v", err)
		}
		for _, m := range page.Messages {
			seen = append(seen, m.ID)
			if m.Size != 1 {
				t.Errorf("Expected size 1 for %s, got %d", m.ID, m.Size)
			}
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	if len(seen) != len(ids) {
		t.Fatalf("Expected %d messages, got %d", len(ids), len(seen))
	}
	for i := range ids {
		if seen[i] != ids[i] {
			t.Errorf("Position %d: expected %s, got %s", i, ids[i], seen[i])
		}
	}
}

func TestChannelFile_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.db")
	ctx := context.Background()

	cf, err := Open(path, Options{}, "data")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id, err := cf.SendBlob(ctx, "data", "a", []byte("persisted"))
	if err != nil {
		t.Fatalf("SendBlob failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cf, err = Open(path, Options{})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer cf.Close()

	got, err := cf.FetchBlob(ctx, "data", id)
	if err != nil {
		t.Fatalf("FetchBlob after reopen failed: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Expected persisted content, got %q", got)
	}
	if cf.MaxAttachmentSize() != DefaultMaxAttachmentSize {
		t.Errorf("Expected default cap, got %d", cf.MaxAttachmentSize())
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(channelFileSchema)
	if len(stmts) != 4 {
		t.Errorf("Expected 4 statements, got %d", len(stmts))
	}
	for _, s := range stmts {
		if s == "" {
			t.Error("Unexpected empty statement")
		}
	}
}
