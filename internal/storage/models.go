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
	"time"

	"github.com/uptrace/bun"

	"chanfs/internal/channel"
)

// Bun ORM models for channel file tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// ChannelModel represents the channels table
type ChannelModel struct {
	bun.BaseModel `bun:"table:channels"`

	ID        string `bun:"id,pk"`
	CreatedAt int64  `bun:"created_at,notnull"` // Unix timestamp
}

// MessageModel represents the messages table.
// Times are stored as Unix nanoseconds.
type MessageModel struct {
	bun.BaseModel `bun:"table:messages"`

	ID        int64  `bun:"id,pk,autoincrement"`
	ChannelID string `bun:"channel_id,notnull"`
	Filename  string `bun:"filename,notnull"`
	Data      []byte `bun:"data,notnull"`
	Size      int64  `bun:"size,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"`
	EditedAt  int64  `bun:"edited_at,notnull"`
}

// ToMessage converts a MessageModel to the transport's history entry.
func (m *MessageModel) ToMessage() channel.Message {
	return channel.Message{
		ID:        formatMessageID(m.ID),
		Filename:  m.Filename,
		Size:      int(m.Size),
		Timestamp: time.Unix(0, m.CreatedAt),
	}
}
