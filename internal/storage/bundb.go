package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"chanfs/internal/common"
	"chanfs/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

func formatMessageID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// parseMessageID maps a foreign or malformed ID to ErrNotFound: such a
// message cannot exist in this file.
func parseMessageID(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("message %q: %w", id, common.ErrNotFound)
	}
	return v, nil
}

// --- Schema Info ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Channel Operations ---

// CreateChannel inserts a channel row; an existing channel is left untouched.
func (db *BunDB) CreateChannel(ctx context.Context, id string, createdAt int64) error {
	return util.Retry(ctx, func() error {
		_, err := db.NewInsert().
			Model(&ChannelModel{ID: id, CreatedAt: createdAt}).
			On("CONFLICT (id) DO NOTHING").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// ChannelExists reports whether a channel row exists.
func (db *BunDB) ChannelExists(ctx context.Context, id string) (bool, error) {
	return db.NewSelect().
		Model((*ChannelModel)(nil)).
		Where("id = ?", id).
		Exists(ctx)
}

// ListChannels returns every channel ID in creation order.
func (db *BunDB) ListChannels(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.NewSelect().
		Model((*ChannelModel)(nil)).
		Column("id").
		Order("created_at ASC", "id ASC").
		Scan(ctx, &ids)
	return ids, err
}

// --- Message Operations ---

// InsertMessage appends a message and returns its ID.
// Uses retry logic to handle transient "database is locked" errors when the
// CLI and the daemon share the file.
func (db *BunDB) InsertMessage(ctx context.Context, m *MessageModel) (int64, error) {
	return util.RetryWithResult(ctx, func() (int64, error) {
		m.ID = 0
		if _, err := db.NewInsert().Model(m).Returning("id").Exec(ctx); err != nil {
			return 0, err
		}
		return m.ID, nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// GetMessage returns a message with its attachment.
func (db *BunDB) GetMessage(ctx context.Context, channelID string, id int64) (*MessageModel, error) {
	var m MessageModel
	err := db.NewSelect().
		Model(&m).
		Where("channel_id = ?", channelID).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d in channel %s: %w", id, channelID, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessage replaces a message's attachment in place.
func (db *BunDB) UpdateMessage(ctx context.Context, channelID string, id int64, filename string, data []byte, editedAt int64) error {
	affected, err := util.RetryWithResult(ctx, func() (int64, error) {
		res, err := db.NewUpdate().
			Model((*MessageModel)(nil)).
			Set("filename = ?", filename).
			Set("data = ?", data).
			Set("size = ?", len(data)).
			Set("edited_at = ?", editedAt).
			Where("channel_id = ?", channelID).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("message %d in channel %s: %w", id, channelID, common.ErrNotFound)
	}
	return nil
}

// DeleteMessage removes one message.
func (db *BunDB) DeleteMessage(ctx context.Context, channelID string, id int64) error {
	affected, err := util.RetryWithResult(ctx, func() (int64, error) {
		res, err := db.NewDelete().
			Model((*MessageModel)(nil)).
			Where("channel_id = ?", channelID).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("message %d in channel %s: %w", id, channelID, common.ErrNotFound)
	}
	return nil
}

// ListMessages returns up to limit messages with ID greater than after,
// ascending. Attachment bodies are not loaded.
func (db *BunDB) ListMessages(ctx context.Context, channelID string, after int64, limit int) ([]MessageModel, error) {
	var msgs []MessageModel
	err := db.NewSelect().
		Model(&msgs).
		Column("id", "channel_id", "filename", "size", "created_at", "edited_at").
		Where("channel_id = ?", channelID).
		Where("id > ?", after).
		Order("id ASC").
		Limit(limit).
		Scan(ctx)
	return msgs, err
}

// CountMessages returns the number of messages in a channel.
func (db *BunDB) CountMessages(ctx context.Context, channelID string) (int, error) {
	return db.NewSelect().
		Model((*MessageModel)(nil)).
		Where("channel_id = ?", channelID).
		Count(ctx)
}
