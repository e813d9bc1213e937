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

// Package channel defines the narrow transport contract chanfs needs from a
// chat-style messaging service: an append-only log of messages per channel,
// each carrying one attachment.
//
// Implementations:
//   - channel/memory: in-process log with fault injection, for tests
//   - channel/discord: Discord bot session
//   - storage: SQLite-backed local log
package channel

import (
	"context"
	"time"
)

// DefaultPageSize is the page size requested from ListChannelHistory when
// callers do not pick one. Discord caps history pages at 100.
const DefaultPageSize = 100

// Message is one entry of a channel log as returned by ListChannelHistory.
// The attachment body is fetched separately with FetchBlob.
type Message struct {
	ID        string
	Filename  string
	Size      int
	Timestamp time.Time
}

// Page is one slice of channel history, oldest first. Next is the cursor for
// the following page, or empty when the history is exhausted.
type Page struct {
	Messages []Message
	Next     string
}

// Client is the transport used by the chunk store and the metadata ledger.
//
// Error contract:
//   - a missing channel or message wraps common.ErrNotFound
//   - an attachment over MaxAttachmentSize wraps common.ErrChunkTooLarge
//   - anything else is treated as transient by callers and retried
type Client interface {
	// ResolveChannel verifies that the channel exists and is usable.
	ResolveChannel(ctx context.Context, channelID string) error

	// SendBlob appends one message carrying data as its single attachment
	// and returns the new message ID.
	SendBlob(ctx context.Context, channelID, filename string, data []byte) (string, error)

	// FetchBlob returns the attachment of a message.
	FetchBlob(ctx context.Context, channelID, messageID string) ([]byte, error)

	// EditMessage replaces the attachment of an existing message.
	EditMessage(ctx context.Context, channelID, messageID, filename string, data []byte) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// ListChannelHistory returns up to limit messages posted after cursor,
	// oldest first. An empty cursor starts at the beginning of the channel.
	ListChannelHistory(ctx context.Context, channelID, cursor string, limit int) (Page, error)

	// MaxAttachmentSize is the largest attachment the backend accepts.
	MaxAttachmentSize() int
}
