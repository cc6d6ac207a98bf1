package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mail-sync-infra/internal/batch"
	"github.com/Martian-dev/mail-sync-infra/internal/deletion"
	"github.com/Martian-dev/mail-sync-infra/internal/events"
	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/store"
)

// Config is the orchestrator's immutable configuration.
type Config struct {
	// FullWindowMax caps a full-window sync. First sync on a large mailbox
	// is bounded, not exhaustive.
	FullWindowMax int
	// RemovalWorkers bounds the parallel deletion-handling group.
	RemovalWorkers int
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		FullWindowMax:  200,
		RemovalWorkers: 8,
	}
}

// Orchestrator drives one sync job end to end: strategy selection, adapter
// calls, batch reconciliation, deletion routing and cursor commit.
type Orchestrator struct {
	cfg       Config
	store     *store.Store
	processor *batch.Processor
	deletions *deletion.Machine
	notifier  *events.Notifier
	log       *logrus.Entry
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, st *store.Store, processor *batch.Processor, deletions *deletion.Machine, notifier *events.Notifier, log *logrus.Entry) *Orchestrator {
	if cfg.FullWindowMax <= 0 {
		cfg.FullWindowMax = DefaultConfig().FullWindowMax
	}
	if cfg.RemovalWorkers <= 0 {
		cfg.RemovalWorkers = DefaultConfig().RemovalWorkers
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{cfg: cfg, store: st, processor: processor, deletions: deletions, notifier: notifier, log: log}
}

// Run executes one sync pass for a connection. On failure the persisted
// cursor keeps its last successfully committed value so the next attempt
// resumes safely; dedup on the (connection, external id) key absorbs the
// resulting redelivery.
func (o *Orchestrator) Run(ctx context.Context, job mail.SyncJob, adapter Adapter) (*mail.SyncResult, error) {
	start := time.Now()
	log := o.log.WithFields(logrus.Fields{
		"connection": job.ConnectionID,
		"provider":   job.Provider,
		"type":       job.Type,
	})

	state, err := o.store.LoadSyncState(ctx, job.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	cursor := state.Cursor

	if err := o.store.SaveSyncState(ctx, job.ConnectionID, job.Provider, cursor, store.SyncStatusSyncing); err != nil {
		log.WithError(err).Warn("failed to mark connection syncing")
	}

	res := &mail.SyncResult{}
	var newCursor mail.Cursor

	if job.Type == mail.SyncFull || cursor.IsZero() {
		newCursor, err = o.runFull(ctx, job, adapter, res)
	} else {
		newCursor, err = o.runIncremental(ctx, job, adapter, cursor, res)
		if errors.Is(err, ErrCursorExpired) {
			log.Info("cursor expired, falling back to full window")
			newCursor, err = o.runFull(ctx, job, adapter, res)
		}
	}

	if err != nil {
		_ = o.store.UpdateSyncStatus(ctx, job.ConnectionID, store.SyncStatusError, err.Error())
		res.Success = false
		res.Errors = append(res.Errors, err.Error())
		res.SyncDurationMs = time.Since(start).Milliseconds()
		return res, err
	}

	// Cursors never regress except on an explicit reset; a stale value from
	// a capped or overlapping pass keeps the committed one.
	if !cursor.Advances(newCursor) {
		newCursor = cursor
	}
	if err := o.store.SaveSyncState(ctx, job.ConnectionID, job.Provider, newCursor, store.SyncStatusIdle); err != nil {
		return nil, fmt.Errorf("failed to commit cursor: %w", err)
	}

	res.Success = true
	res.SyncDurationMs = time.Since(start).Milliseconds()
	res.LastSyncToken = newCursor.Encode()
	res.Metadata = cursorMetadata(job.Provider, newCursor)

	if o.notifier != nil {
		o.notifier.Notify(events.Notification{
			TenantID:     job.TenantID,
			ConnectionID: job.ConnectionID,
			Reason:       events.ReasonSyncComplete,
		})
	}
	log.WithFields(logrus.Fields{
		"processed": res.MessagesProcessed,
		"new":       res.NewMessages,
		"duration":  time.Since(start),
	}).Info("sync pass complete")
	return res, nil
}

// runFull performs a capped, newest-first window sync and establishes the
// incremental cursor. If the adapter could not establish one, degrade to a
// timestamp cursor rather than failing the job.
func (o *Orchestrator) runFull(ctx context.Context, job mail.SyncJob, adapter Adapter, res *mail.SyncResult) (mail.Cursor, error) {
	msgs, newCursor, err := adapter.FetchFullWindow(ctx, o.cfg.FullWindowMax)
	if err != nil {
		return mail.Cursor{}, fmt.Errorf("full window sync failed: %w", err)
	}

	pr, err := o.processor.Process(ctx, msgs, job.ConnectionID, job.TenantID, adapter)
	if err != nil {
		return mail.Cursor{}, fmt.Errorf("failed to process full window: %w", err)
	}
	res.MessagesProcessed += pr.Processed
	res.NewMessages += pr.Created
	res.Errors = append(res.Errors, pr.Errors...)

	if newCursor.IsZero() {
		newCursor = mail.TimestampCursor(latestReceived(msgs))
		o.log.WithField("connection", job.ConnectionID).
			Warn("cursor establishment failed after full sync, degrading to timestamp cursor")
	}
	return newCursor, nil
}

// runIncremental applies one change-set pass: upserts through the batch
// processor, removals through the deletion machine as a settled-in-parallel
// group with per-item isolation.
func (o *Orchestrator) runIncremental(ctx context.Context, job mail.SyncJob, adapter Adapter, cursor mail.Cursor, res *mail.SyncResult) (mail.Cursor, error) {
	changes, newCursor, err := adapter.FetchChanges(ctx, cursor)
	if err != nil {
		return mail.Cursor{}, err
	}

	pr, err := o.processor.Process(ctx, changes.Messages, job.ConnectionID, job.TenantID, adapter)
	if err != nil {
		return mail.Cursor{}, fmt.Errorf("failed to process changes: %w", err)
	}
	res.MessagesProcessed += pr.Processed
	res.NewMessages += pr.Created
	res.Errors = append(res.Errors, pr.Errors...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.RemovalWorkers)
	for _, rm := range changes.Removals {
		g.Go(func() error {
			sig := deletion.SignalNotFound
			if rm.Permanent {
				sig = deletion.SignalPermanent
			}
			if err := o.deletions.HandleRemoval(gctx, job.ConnectionID, job.TenantID, rm.ExternalID, sig); err != nil {
				o.log.WithField("external_id", rm.ExternalID).WithError(err).Warn("removal handling failed")
				mu.Lock()
				res.Errors = append(res.Errors, fmt.Sprintf("removal %s: %v", rm.ExternalID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	res.MessagesProcessed += len(changes.Removals)
	return newCursor, nil
}

// cursorMetadata derives the provider-specific cursor-mode updates the job
// result carries back to the caller.
func cursorMetadata(provider mail.ProviderKind, cursor mail.Cursor) map[string]string {
	md := map[string]string{}
	if provider == mail.ProviderMicrosoft {
		switch cursor.Kind {
		case mail.CursorTimestamp:
			md["deltaMode"] = "timestamp"
			md["lastSyncTimestamp"] = cursor.Time.Format(time.RFC3339)
		default:
			md["deltaMode"] = "delta"
		}
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// latestReceived is the timestamp-cursor fallback: the latest observed
// receivedAt, or now for an empty window.
func latestReceived(msgs []mail.ParsedMessage) time.Time {
	var latest time.Time
	for _, m := range msgs {
		if m.ReceivedAt.After(latest) {
			latest = m.ReceivedAt
		}
	}
	if latest.IsZero() {
		return time.Now().UTC()
	}
	return latest
}
