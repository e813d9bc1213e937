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

// Package discord implements channel.Client on a Discord bot session.
// Every blob is a message with one attachment. History pages are requested
// with an "after" cursor and re-sorted oldest first by snowflake, since the
// API returns newest first.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"chanfs/internal/channel"
	"chanfs/internal/common"
)

// DefaultMaxAttachmentSize is the upload cap for bots without a boosted guild.
const DefaultMaxAttachmentSize = 8 * 1024 * 1024

// Client wraps a discordgo session.
type Client struct {
	session *discordgo.Session
	maxSize int
}

var _ channel.Client = (*Client)(nil)

// New opens a REST-only session for a bot token. No gateway connection is
// made; chanfs never consumes events.
func New(token string, maxAttachmentSize int) (*Client, error) {
	if token == "" {
		return nil, errors.New("discord bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if maxAttachmentSize <= 0 {
		maxAttachmentSize = DefaultMaxAttachmentSize
	}
	return &Client{session: session, maxSize: maxAttachmentSize}, nil
}

func (c *Client) MaxAttachmentSize() int { return c.maxSize }

func (c *Client) ResolveChannel(ctx context.Context, channelID string) error {
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return classify(fmt.Sprintf("resolve channel %s", channelID), err)
	}
	log.WithFields(log.Fields{"channel": ch.ID, "name": ch.Name}).Debug("discord: channel resolved")
	return nil
}

func (c *Client) SendBlob(ctx context.Context, channelID, filename string, data []byte) (string, error) {
	if len(data) > c.maxSize {
		return "", fmt.Errorf("attachment of %d bytes exceeds cap %d: %w", len(data), c.maxSize, common.ErrChunkTooLarge)
	}
	msg, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: "application/octet-stream",
			Reader:      bytes.NewReader(data),
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(fmt.Sprintf("send to channel %s", channelID), err)
	}
	return msg.ID, nil
}

func (c *Client) FetchBlob(ctx context.Context, channelID, messageID string) ([]byte, error) {
	msg, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(fmt.Sprintf("fetch message %s", messageID), err)
	}
	if len(msg.Attachments) == 0 {
		return nil, fmt.Errorf("message %s has no attachment: %w", messageID, common.ErrNotFound)
	}

	// Attachment URLs are signed and short-lived, so they are resolved per fetch.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.Attachments[0].URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build attachment request: %w", err)
	}
	resp, err := c.session.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment of %s: %w", messageID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("attachment of %s: %w", messageID, common.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("download attachment of %s: HTTP %d", messageID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment of %s: %w", messageID, err)
	}
	if len(data) > c.maxSize {
		return nil, fmt.Errorf("attachment of %s exceeds cap %d: %w", messageID, c.maxSize, common.ErrCorruptMetadata)
	}
	return data, nil
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID, filename string, data []byte) error {
	if len(data) > c.maxSize {
		return fmt.Errorf("attachment of %d bytes exceeds cap %d: %w", len(data), c.maxSize, common.ErrChunkTooLarge)
	}
	edit := discordgo.NewMessageEdit(channelID, messageID)
	// An empty attachment list drops the previous file; Files supplies the new one.
	none := []*discordgo.MessageAttachment{}
	edit.Attachments = &none
	edit.Files = []*discordgo.File{{
		Name:        filename,
		ContentType: "application/octet-stream",
		Reader:      bytes.NewReader(data),
	}}
	if _, err := c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return classify(fmt.Sprintf("edit message %s", messageID), err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := c.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return classify(fmt.Sprintf("delete message %s", messageID), err)
	}
	return nil
}

func (c *Client) ListChannelHistory(ctx context.Context, channelID, cursor string, limit int) (channel.Page, error) {
	if limit <= 0 || limit > channel.DefaultPageSize {
		limit = channel.DefaultPageSize
	}
	after := cursor
	if after == "" {
		after = "0"
	}
	msgs, err := c.session.ChannelMessages(channelID, limit, "", after, "", discordgo.WithContext(ctx))
	if err != nil {
		return channel.Page{}, classify(fmt.Sprintf("list channel %s", channelID), err)
	}
	return toPage(msgs, limit), nil
}

// toPage converts an API page into oldest-first order. A full page means
// more history may follow.
func toPage(msgs []*discordgo.Message, limit int) channel.Page {
	sort.Slice(msgs, func(i, j int) bool {
		return snowflake(msgs[i].ID) < snowflake(msgs[j].ID)
	})
	page := channel.Page{Messages: make([]channel.Message, 0, len(msgs))}
	for _, m := range msgs {
		entry := channel.Message{ID: m.ID, Timestamp: m.Timestamp}
		if len(m.Attachments) > 0 {
			entry.Filename = m.Attachments[0].Filename
			entry.Size = m.Attachments[0].Size
		}
		page.Messages = append(page.Messages, entry)
	}
	if len(msgs) == limit && len(msgs) > 0 {
		page.Next = msgs[len(msgs)-1].ID
	}
	return page
}

func snowflake(id string) uint64 {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// classify maps REST failures onto the common sentinels. Unknown channel and
// unknown message become ErrNotFound; a 413 becomes ErrChunkTooLarge.
func classify(op string, err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Message != nil {
			switch rest.Message.Code {
			case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
				return fmt.Errorf("%s: %w", op, common.ErrNotFound)
			}
		}
		if rest.Response != nil {
			switch rest.Response.StatusCode {
			case http.StatusNotFound:
				return fmt.Errorf("%s: %w", op, common.ErrNotFound)
			case http.StatusRequestEntityTooLarge:
				return fmt.Errorf("%s: %w", op, common.ErrChunkTooLarge)
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
