// Package memory is an in-process channel.Client. It keeps every channel in
// memory, orders messages by a monotonic ID and supports injected faults, so
// tests can drive retry and rollback paths deterministically.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chanfs/internal/channel"
	"chanfs/internal/common"
)

// Op names a client operation for fault injection and call counting.
type Op string

const (
	OpResolve Op = "resolve"
	OpSend    Op = "send"
	OpFetch   Op = "fetch"
	OpEdit    Op = "edit"
	OpDelete  Op = "delete"
	OpList    Op = "list"
)

// FaultFunc decides whether call number n (1-based, counted per Op) fails.
// Returning nil lets the call through.
type FaultFunc func(n int, channelID, messageID string) error

type message struct {
	id        string
	filename  string
	data      []byte
	timestamp time.Time
}

type log struct {
	order    []string
	messages map[string]*message
}

// Client is safe for concurrent use.
type Client struct {
	mu       sync.Mutex
	maxSize  int
	seq      uint64
	channels map[string]*log
	faults   map[Op]FaultFunc
	calls    map[Op]int
	now      func() time.Time
}

var _ channel.Client = (*Client)(nil)

// New creates a client with the given attachment cap and pre-created channels.
func New(maxAttachmentSize int, channelIDs ...string) *Client {
	c := &Client{
		maxSize:  maxAttachmentSize,
		channels: make(map[string]*log),
		faults:   make(map[Op]FaultFunc),
		calls:    make(map[Op]int),
		now:      time.Now,
	}
	for _, id := range channelIDs {
		c.CreateChannel(id)
	}
	return c
}

// CreateChannel adds an empty channel. Existing channels are left alone.
func (c *Client) CreateChannel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[id]; !ok {
		c.channels[id] = &log{messages: make(map[string]*message)}
	}
}

// SetFault installs fn for op, replacing any previous fault. A nil fn clears it.
func (c *Client) SetFault(op Op, fn FaultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.faults, op)
		return
	}
	c.faults[op] = fn
}

// FailNext makes the next count calls of op return err.
func (c *Client) FailNext(op Op, count int, err error) {
	c.mu.Lock()
	start := c.calls[op]
	c.mu.Unlock()
	c.SetFault(op, func(n int, _, _ string) error {
		if n <= start+count {
			return err
		}
		return nil
	})
}

// FailAfter lets the first ok calls of op succeed, counting from now, and
// fails every later one with err.
func (c *Client) FailAfter(op Op, ok int, err error) {
	c.mu.Lock()
	start := c.calls[op]
	c.mu.Unlock()
	c.SetFault(op, func(n int, _, _ string) error {
		if n > start+ok {
			return err
		}
		return nil
	})
}

// Calls returns how many times op has been invoked, failed calls included.
func (c *Client) Calls(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// MessageIDs returns the IDs currently in a channel, oldest first.
func (c *Client) MessageIDs(channelID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	return append([]string(nil), l.order...)
}

// Corrupt overwrites a stored attachment without going through the client
// API, bypassing faults and the size cap.
func (c *Client) Corrupt(channelID, messageID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookupLocked(channelID, messageID)
	if err != nil {
		return err
	}
	m.data = bytes.Clone(data)
	return nil
}

func (c *Client) enter(op Op, channelID, messageID string) error {
	c.calls[op]++
	if fn := c.faults[op]; fn != nil {
		return fn(c.calls[op], channelID, messageID)
	}
	return nil
}

func (c *Client) channelLocked(channelID string) (*log, error) {
	l, ok := c.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, common.ErrNotFound)
	}
	return l, nil
}

func (c *Client) lookupLocked(channelID, messageID string) (*message, error) {
	l, err := c.channelLocked(channelID)
	if err != nil {
		return nil, err
	}
	m, ok := l.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s in channel %s: %w", messageID, channelID, common.ErrNotFound)
	}
	return m, nil
}

func (c *Client) ResolveChannel(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpResolve, channelID, ""); err != nil {
		return err
	}
	_, err := c.channelLocked(channelID)
	return err
}

func (c *Client) SendBlob(ctx context.Context, channelID, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpSend, channelID, ""); err != nil {
		return "", err
	}
	if len(data) > c.maxSize {
		return "", fmt.Errorf("attachment of %d bytes exceeds cap %d: %w", len(data), c.maxSize, common.ErrChunkTooLarge)
	}
	l, err := c.channelLocked(channelID)
	if err != nil {
		return "", err
	}
	c.seq++
	id := fmt.Sprintf("%020d", c.seq)
	l.messages[id] = &message{
		id:        id,
		filename:  filename,
		data:      bytes.Clone(data),
		timestamp: c.now(),
	}
	l.order = append(l.order, id)
	return id, nil
}

func (c *Client) FetchBlob(ctx context.Context, channelID, messageID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpFetch, channelID, messageID); err != nil {
		return nil, err
	}
	m, err := c.lookupLocked(channelID, messageID)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(m.data), nil
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpEdit, channelID, messageID); err != nil {
		return err
	}
	if len(data) > c.maxSize {
		return fmt.Errorf("attachment of %d bytes exceeds cap %d: %w", len(data), c.maxSize, common.ErrChunkTooLarge)
	}
	m, err := c.lookupLocked(channelID, messageID)
	if err != nil {
		return err
	}
	m.filename = filename
	m.data = bytes.Clone(data)
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpDelete, channelID, messageID); err != nil {
		return err
	}
	l, err := c.channelLocked(channelID)
	if err != nil {
		return err
	}
	if _, ok := l.messages[messageID]; !ok {
		return fmt.Errorf("message %s in channel %s: %w", messageID, channelID, common.ErrNotFound)
	}
	delete(l.messages, messageID)
	i := sort.SearchStrings(l.order, messageID)
	if i < len(l.order) && l.order[i] == messageID {
		l.order = append(l.order[:i], l.order[i+1:]...)
	}
	return nil
}

func (c *Client) ListChannelHistory(ctx context.Context, channelID, cursor string, limit int) (channel.Page, error) {
	if err := ctx.Err(); err != nil {
		return channel.Page{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpList, channelID, cursor); err != nil {
		return channel.Page{}, err
	}
	l, err := c.channelLocked(channelID)
	if err != nil {
		return channel.Page{}, err
	}
	if limit <= 0 {
		limit = channel.DefaultPageSize
	}

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(l.order, cursor)
		if start < len(l.order) && l.order[start] == cursor {
			start++
		}
	}
	end := min(start+limit, len(l.order))

	page := channel.Page{Messages: make([]channel.Message, 0, end-start)}
	for _, id := range l.order[start:end] {
		m := l.messages[id]
		page.Messages = append(page.Messages, channel.Message{
			ID:        m.id,
			Filename:  m.filename,
			Size:      len(m.data),
			Timestamp: m.timestamp,
		})
	}
	if end < len(l.order) {
		page.Next = l.order[end-1]
	}
	return page, nil
}

func (c *Client) MaxAttachmentSize() int { return c.maxSize }
