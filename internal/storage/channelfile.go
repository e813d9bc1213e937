// Copyright 2026 chanfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"

	"chanfs/internal/channel"
	"chanfs/internal/common"
)

// ChannelFile is a SQLite-backed message log that stands in for a remote
// chat service. Each channel is an append-only sequence of messages with
// one attachment each, addressed by a monotonic integer ID.
type ChannelFile struct {
	path    string
	db      *sql.DB
	bunDB   *BunDB
	maxSize int

	closeOnce sync.Once
	closeErr  error
}

var _ channel.Client = (*ChannelFile)(nil)

// Options tunes a channel file.
type Options struct {
	// MaxAttachmentSize caps attachments; 0 selects DefaultMaxAttachmentSize.
	MaxAttachmentSize int
	// BusyTimeout in milliseconds; 0 selects the env override or the default.
	BusyTimeout int
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, busyTimeout int) error {
	// Busy timeout first, so journal_mode=WAL waits for locks instead of
	// failing with "database is locked".
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// Open opens the channel file at path, creating it and its schema when it
// does not exist yet. channelIDs are created if missing.
func Open(path string, opts Options, channelIDs ...string) (*ChannelFile, error) {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	fail := func(err error) (*ChannelFile, error) {
		db.Close()
		if fresh {
			os.Remove(path)
		}
		return nil, err
	}

	if err := applyPragmas(db, GetBusyTimeout(opts.BusyTimeout)); err != nil {
		return fail(err)
	}

	if fresh {
		// Create schema (execute statements individually for libsql compatibility)
		if err := execStatements(db, channelFileSchema); err != nil {
			return fail(fmt.Errorf("failed to create schema: %w", err))
		}
		if err := execStatements(db, initChannelFile, SchemaVersion, schemaType); err != nil {
			return fail(fmt.Errorf("failed to initialize schema info: %w", err))
		}
	}

	bunDB := NewBunDB(db)
	ctx := context.Background()

	fileType, err := bunDB.GetSchemaInfo(ctx, "type")
	if err != nil {
		return fail(fmt.Errorf("failed to read schema info: %w", err))
	}
	if fileType != schemaType {
		return fail(fmt.Errorf("not a channel file (type=%s)", fileType))
	}

	maxSize := opts.MaxAttachmentSize
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	cf := &ChannelFile{path: path, db: db, bunDB: bunDB, maxSize: maxSize}

	now := time.Now().Unix()
	for _, id := range channelIDs {
		if err := bunDB.CreateChannel(ctx, id, now); err != nil {
			return fail(fmt.Errorf("failed to create channel %s: %w", id, err))
		}
	}

	log.WithFields(log.Fields{"path": path, "fresh": fresh}).Debug("storage: channel file opened")
	return cf, nil
}

// Close checkpoints the WAL into the main database and closes the connection.
func (cf *ChannelFile) Close() error {
	cf.closeOnce.Do(func() {
		// PRAGMA wal_checkpoint returns rows, so Query() not Exec()
		if err := execPragma(cf.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			log.Warnf("storage: WAL checkpoint failed: %v", err)
		}
		cf.closeErr = cf.db.Close()
	})
	return cf.closeErr
}

// Path returns the file path
func (cf *ChannelFile) Path() string {
	return cf.path
}

// BunDB returns the Bun database wrapper.
func (cf *ChannelFile) BunDB() *BunDB {
	return cf.bunDB
}

// CreateChannel adds a channel to the file.
func (cf *ChannelFile) CreateChannel(ctx context.Context, id string) error {
	return cf.bunDB.CreateChannel(ctx, id, time.Now().Unix())
}

func (cf *ChannelFile) MaxAttachmentSize() int { return cf.maxSize }

func (cf *ChannelFile) ResolveChannel(ctx context.Context, channelID string) error {
	ok, err := cf.bunDB.ChannelExists(ctx, channelID)
	if err != nil {
		return fmt.Errorf("resolve channel %s: %w", channelID, err)
	}
	if !ok {
		return fmt.Errorf("channel %s: %w", channelID, common.ErrNotFound)
	}
	return nil
}

func (cf *ChannelFile) SendBlob(ctx context.Context, channelID, filename string, data []byte) (string, error) {
	if len(data) > cf.maxSize {
		return "", fmt.Errorf("attachment of %d bytes exceeds cap %d: %w", len(data), cf.maxSize, common.ErrChunkTooLarge)
	}
	if err := cf.ResolveChannel(ctx, channelID); err != nil {
		return "", err
	}
	if data == nil {
		data = []byte{}
	}
	id, err := cf.bunDB.InsertMessage(ctx, &MessageModel{
		ChannelID: channelID,
		Filename:  filename,
		Data:      data,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("send to channel %s: %w", channelID, err)
	}
	return formatMessageID(id), nil
}

func (cf *ChannelFile) FetchBlob(ctx context.Context, channelID, messageID string) ([]byte, error) {
	id, err := parseMessageID(messageID)
	if err != nil {
		return nil, err
	}
	m, err := cf.bunDB.GetMessage(ctx, channelID, id)
	if err != nil {
		return nil, err
	}
	return m.Data, nil
}

func (cf *ChannelFile) EditMessage(ctx context.Context, channelID, messageID, filename string, data []byte) error {
	if len(data) > cf.maxSize {
		return fmt.Errorf("attachment of %d bytes exceeds cap %d: %w", len(data), cf.maxSize, common.ErrChunkTooLarge)
	}
	id, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	return cf.bunDB.UpdateMessage(ctx, channelID, id, filename, data, time.Now().UnixNano())
}

func (cf *ChannelFile) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	id, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	return cf.bunDB.DeleteMessage(ctx, channelID, id)
}

func (cf *ChannelFile) ListChannelHistory(ctx context.Context, channelID, cursor string, limit int) (channel.Page, error) {
	if err := cf.ResolveChannel(ctx, channelID); err != nil {
		return channel.Page{}, err
	}
	if limit <= 0 {
		limit = channel.DefaultPageSize
	}
	var after int64
	if cursor != "" {
		v, err := parseMessageID(cursor)
		if err != nil {
			return channel.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, common.ErrInvalidOperation)
		}
		after = v
	}

	// One extra row tells whether another page follows.
	rows, err := cf.bunDB.ListMessages(ctx, channelID, after, limit+1)
	if err != nil {
		return channel.Page{}, fmt.Errorf("list channel %s: %w", channelID, err)
	}
	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}

	page := channel.Page{Messages: make([]channel.Message, 0, len(rows))}
	for i := range rows {
		page.Messages = append(page.Messages, rows[i].ToMessage())
	}
	if more {
		page.Next = formatMessageID(rows[len(rows)-1].ID)
	}
	return page, nil
}
