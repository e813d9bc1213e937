// Package ledger persists node records in the metadata channel and rebuilds
// the full record set from channel history at startup.
//
// Rebuild reads the entire history. That is a deliberate scaling limit: one
// fetch per record, paid once per process start.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"chanfs/internal/channel"
	"chanfs/internal/common"
	"chanfs/internal/metrics"
	"chanfs/internal/util"
)

// recordFilename is the attachment name of every record message.
const recordFilename = "chanfs-record.json"

// Options configures a Ledger.
type Options struct {
	// ChannelID is the metadata channel.
	ChannelID string
	Policy    util.RetryPolicy
	Metrics   *metrics.Metrics
	// PageSize is the history page size; 0 selects channel.DefaultPageSize.
	PageSize int
}

// Ledger owns the metadata channel.
type Ledger struct {
	client    channel.Client
	channelID string
	policy    util.RetryPolicy
	metrics   *metrics.Metrics
	pageSize  int
}

// New creates a ledger over client.
func New(client channel.Client, opts Options) *Ledger {
	policy := opts.Policy
	if policy.Attempts == 0 {
		policy = util.DefaultRetryPolicy()
	}
	if m := opts.Metrics; m != nil && policy.OnRetry == nil {
		policy.OnRetry = func(op string, _ uint, _ error) { m.Retry(op) }
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = channel.DefaultPageSize
	}
	return &Ledger{
		client:    client,
		channelID: opts.ChannelID,
		policy:    policy,
		metrics:   opts.Metrics,
		pageSize:  pageSize,
	}
}

// Persist writes rec. A record without an ID is sent as a new message and
// rec.ID is set; otherwise the existing message is edited in place. If that
// message has vanished, a new one is sent.
func (l *Ledger) Persist(ctx context.Context, rec *Record) (string, error) {
	rec.Version = RecordVersion
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("persist %s: %w", rec.Path(), err)
	}
	data, err := rec.Encode()
	if err != nil {
		return "", err
	}
	if len(data) > l.client.MaxAttachmentSize() {
		return "", fmt.Errorf("record for %s is %d bytes: %w", rec.Path(), len(data), common.ErrChunkTooLarge)
	}

	if rec.ID != "" {
		_, err := util.CallRemote(ctx, l.policy, "edit", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, l.client.EditMessage(ctx, l.channelID, rec.ID, recordFilename, data)
		})
		if err == nil {
			l.metrics.ObserveLedger("persist", nil)
			return rec.ID, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			l.metrics.ObserveLedger("persist", err)
			return "", fmt.Errorf("persist %s: %w", rec.Path(), err)
		}
		log.WithFields(log.Fields{"record": rec.ID, "path": rec.Path()}).
			Warn("ledger: record message missing, sending a new one")
	}

	id, err := util.CallRemote(ctx, l.policy, "send", func(ctx context.Context) (string, error) {
		return l.client.SendBlob(ctx, l.channelID, recordFilename, data)
	})
	l.metrics.ObserveLedger("persist", err)
	if err != nil {
		return "", fmt.Errorf("persist %s: %w", rec.Path(), err)
	}
	rec.ID = id
	return id, nil
}

// Retract deletes a record message. A message that is already gone counts
// as retracted, so retrying a partially failed delete is safe.
func (l *Ledger) Retract(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := util.CallRemote(ctx, l.policy, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.client.DeleteMessage(ctx, l.channelID, id)
	})
	if errors.Is(err, common.ErrNotFound) {
		err = nil
	}
	l.metrics.ObserveLedger("retract", err)
	if err != nil {
		return fmt.Errorf("retract %s: %w", id, err)
	}
	return nil
}

// Skipped describes a history message that did not yield a usable record.
type Skipped struct {
	MessageID string
	Reason    string
}

// Rebuild is the result of RebuildAll.
type Rebuild struct {
	// Records holds the surviving record per path, parents before children.
	Records []*Record
	// Corrupt lists messages that could not be decoded or validated.
	Corrupt []Skipped
	// Duplicates lists records shadowed by a newer record for the same path.
	Duplicates []*Record
	// Scanned is the number of history messages examined.
	Scanned  int
	Duration time.Duration
}

// RebuildAll reads the whole metadata channel, oldest first, and returns
// every valid record. Malformed records are reported, never fatal. Transport
// failures that survive retries abort the rebuild.
func (l *Ledger) RebuildAll(ctx context.Context) (*Rebuild, error) {
	start := time.Now()
	result := &Rebuild{}

	type candidate struct {
		rec *Record
		seq int
	}
	byPath := make(map[string]candidate)

	cursor := ""
	for {
		page, err := util.CallRemote(ctx, l.policy, "list", func(ctx context.Context) (channel.Page, error) {
			return l.client.ListChannelHistory(ctx, l.channelID, cursor, l.pageSize)
		})
		if err != nil {
			l.metrics.ObserveLedger("rebuild", err)
			return nil, fmt.Errorf("rebuild: list history: %w", err)
		}

		for _, msg := range page.Messages {
			seq := result.Scanned
			result.Scanned++

			rec, skip, err := l.load(ctx, msg)
			if err != nil {
				l.metrics.ObserveLedger("rebuild", err)
				return nil, fmt.Errorf("rebuild: %w", err)
			}
			if skip != nil {
				log.WithField("message", skip.MessageID).Warnf("ledger: skipping record: %s", skip.Reason)
				result.Corrupt = append(result.Corrupt, *skip)
				continue
			}

			key := rec.Path()
			prev, seen := byPath[key]
			if !seen {
				byPath[key] = candidate{rec: rec, seq: seq}
				continue
			}
			// Newest modification wins; ties go to the later message.
			if rec.ModifiedAt.After(prev.rec.ModifiedAt) ||
				(rec.ModifiedAt.Equal(prev.rec.ModifiedAt) && seq > prev.seq) {
				result.Duplicates = append(result.Duplicates, prev.rec)
				byPath[key] = candidate{rec: rec, seq: seq}
			} else {
				result.Duplicates = append(result.Duplicates, rec)
			}
		}

		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	result.Records = make([]*Record, 0, len(byPath))
	for _, c := range byPath {
		result.Records = append(result.Records, c.rec)
	}
	sort.Slice(result.Records, func(i, j int) bool {
		a, b := result.Records[i], result.Records[j]
		if da, db := a.Depth(), b.Depth(); da != db {
			return da < db
		}
		return a.Path() < b.Path()
	})

	result.Duration = time.Since(start)
	l.metrics.ObserveLedger("rebuild", nil)
	l.metrics.ObserveRebuild(result.Duration, len(result.Corrupt), len(result.Duplicates))
	log.WithFields(log.Fields{
		"scanned":    result.Scanned,
		"records":    len(result.Records),
		"corrupt":    len(result.Corrupt),
		"duplicates": len(result.Duplicates),
		"duration":   result.Duration,
	}).Info("ledger: rebuild complete")
	return result, nil
}

// load fetches and decodes one history message. A non-nil Skipped means the
// message is not a usable record; an error means the transport failed.
func (l *Ledger) load(ctx context.Context, msg channel.Message) (*Record, *Skipped, error) {
	if msg.Filename == "" {
		return nil, &Skipped{MessageID: msg.ID, Reason: "message has no attachment"}, nil
	}
	data, err := util.CallRemote(ctx, l.policy, "fetch", func(ctx context.Context) ([]byte, error) {
		return l.client.FetchBlob(ctx, l.channelID, msg.ID)
	})
	switch {
	case errors.Is(err, common.ErrNotFound):
		return nil, &Skipped{MessageID: msg.ID, Reason: "message deleted during rebuild"}, nil
	case err != nil:
		return nil, nil, fmt.Errorf("fetch record %s: %w", msg.ID, err)
	}

	rec, err := DecodeRecord(msg.ID, data)
	if err != nil {
		return nil, &Skipped{MessageID: msg.ID, Reason: err.Error()}, nil
	}
	return rec, nil, nil
}
