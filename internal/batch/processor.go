// Package batch reconciles freshly fetched messages against the store and
// fans out downstream work per message.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mail-sync-infra/internal/events"
	"github.com/Martian-dev/mail-sync-infra/internal/folder"
	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/store"
)

// AttachmentFetcher downloads attachment bytes for one message. Implemented
// by the provider adapters; nil bytes mean the attachment is gone remotely.
type AttachmentFetcher interface {
	DownloadAttachment(ctx context.Context, externalMessageID, externalAttachmentID string) ([]byte, error)
}

// BlobStore uploads attachment bytes to object storage and returns the blob
// key.
type BlobStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// Config is the processor's immutable configuration.
type Config struct {
	// Workers bounds the per-message fan-out parallelism.
	Workers int
	// EagerAttachmentMaxSize is the largest attachment fetched during sync;
	// anything bigger stays a pending reference for on-demand fetch.
	EagerAttachmentMaxSize int64
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                8,
		EagerAttachmentMaxSize: 1 << 20, // 1 MiB
	}
}

// Result summarizes one processed batch. Errors holds isolated per-item
// fan-out failures; they never abort the batch.
type Result struct {
	Processed int
	Created   int
	Errors    []string
}

// Processor implements the batch upsert pipeline.
type Processor struct {
	cfg      Config
	store    *store.Store
	sink     events.Sink
	notifier *events.Notifier
	blobs    BlobStore
	log      *logrus.Entry
}

// NewProcessor creates a processor. sink, notifier and blobs may be nil when
// the corresponding fan-out is disabled (tests, dry runs).
func NewProcessor(cfg Config, st *store.Store, sink events.Sink, notifier *events.Notifier, blobs BlobStore, log *logrus.Entry) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.EagerAttachmentMaxSize <= 0 {
		cfg.EagerAttachmentMaxSize = DefaultConfig().EagerAttachmentMaxSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{cfg: cfg, store: st, sink: sink, notifier: notifier, blobs: blobs, log: log}
}

// Process reconciles a batch of parsed messages for one connection: creates
// or updates rows, then fans out embedding enqueues and attachment handling
// with per-item isolation.
func (p *Processor) Process(ctx context.Context, msgs []mail.ParsedMessage, connectionID, tenantID string, fetcher AttachmentFetcher) (*Result, error) {
	res := &Result{}
	if len(msgs) == 0 {
		return res, nil
	}

	// Provider pages can overlap; collapse duplicates inside the batch,
	// last occurrence wins.
	byExternal := make(map[string]mail.ParsedMessage, len(msgs))
	order := make([]string, 0, len(msgs))
	for _, pm := range msgs {
		if pm.ExternalID == "" {
			continue
		}
		if _, seen := byExternal[pm.ExternalID]; !seen {
			order = append(order, pm.ExternalID)
		}
		byExternal[pm.ExternalID] = pm
	}

	existing, err := p.store.GetByExternalIDs(ctx, connectionID, order)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing rows: %w", err)
	}

	now := time.Now()
	var creates []*store.Message
	for _, extID := range order {
		pm := byExternal[extID]
		row, ok := existing[extID]
		if !ok {
			creates = append(creates, p.toRow(pm, connectionID, tenantID))
			continue
		}
		p.applyUpdate(row, pm, now)
		if err := p.store.Update(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to update message %s: %w", extID, err)
		}
	}

	if err := p.store.InsertBatch(ctx, creates); err != nil {
		return nil, fmt.Errorf("failed to insert batch: %w", err)
	}

	// Re-read so fan-out works with stable local ids, including rows a
	// concurrent run inserted first.
	rows, err := p.store.GetByExternalIDs(ctx, connectionID, order)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read batch: %w", err)
	}

	res.Processed = len(order)
	res.Created = len(creates)

	p.fanOut(ctx, res, rows, byExternal, tenantID, fetcher)
	return res, nil
}

// toRow builds a new store row from a parsed message.
func (p *Processor) toRow(pm mail.ParsedMessage, connectionID, tenantID string) *store.Message {
	return &store.Message{
		ConnectionID: connectionID,
		TenantID:     tenantID,
		ExternalID:   pm.ExternalID,
		ThreadID:     pm.ThreadID,
		Subject:      pm.Subject,
		From:         pm.From,
		To:           pm.To,
		Cc:           pm.Cc,
		Bcc:          pm.Bcc,
		Snippet:      pm.Snippet,
		BodyText:     pm.BodyText,
		BodyHTML:     pm.BodyHTML,
		Folder:       string(resolveFolder(pm)),
		Labels:       pm.Labels,
		IsRead:       pm.IsRead,
		IsStarred:    pm.IsStarred,
		Status:       mail.StatusMetadata{Status: mail.StatusActive},
		SentAt:       pm.SentAt,
		ReceivedAt:   pm.ReceivedAt,
		Size:         pm.Size,
	}
}

// applyUpdate merges a fresh fetch into an existing row: labels, folder and
// flags follow the fetch (last write wins), status metadata merges through
// the deletion-status rule.
func (p *Processor) applyUpdate(row *store.Message, pm mail.ParsedMessage, now time.Time) {
	f := resolveFolder(pm)

	target := mail.StatusActive
	if f == folder.Trash {
		target = mail.StatusDeleted
	}
	row.Status = row.Status.Merge(target, now)
	row.IsDeleted = row.Status.Deleted()

	row.ThreadID = pm.ThreadID
	row.Subject = pm.Subject
	row.From = pm.From
	row.To = pm.To
	row.Cc = pm.Cc
	row.Bcc = pm.Bcc
	if pm.Snippet != "" {
		row.Snippet = pm.Snippet
	}
	if pm.BodyText != "" {
		row.BodyText = pm.BodyText
	}
	if pm.BodyHTML != "" {
		row.BodyHTML = pm.BodyHTML
	}
	row.Folder = string(f)
	row.Labels = pm.Labels
	row.IsRead = pm.IsRead
	row.IsStarred = pm.IsStarred
	if !pm.SentAt.IsZero() {
		row.SentAt = pm.SentAt
	}
	if !pm.ReceivedAt.IsZero() {
		row.ReceivedAt = pm.ReceivedAt
	}
	if pm.Size > 0 {
		row.Size = pm.Size
	}
}

func resolveFolder(pm mail.ParsedMessage) folder.Folder {
	if len(pm.Labels) > 0 {
		return folder.FromLabels(pm.Labels)
	}
	return folder.Normalize(pm.RawFolder)
}

// fanOut runs the per-message downstream work with bounded parallelism. Each
// item's failure is captured and logged; none blocks the others.
func (p *Processor) fanOut(ctx context.Context, res *Result, rows map[string]*store.Message, parsed map[string]mail.ParsedMessage, tenantID string, fetcher AttachmentFetcher) {
	var mu sync.Mutex
	capture := func(extID string, err error) {
		p.log.WithField("external_id", extID).WithError(err).Warn("fan-out failed for message")
		mu.Lock()
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", extID, err))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for extID, row := range rows {
		g.Go(func() error {
			if err := p.enqueueEmbedding(gctx, row); err != nil {
				capture(extID, err)
			}
			if pm, ok := parsed[extID]; ok && len(pm.Attachments) > 0 {
				if err := p.handleAttachments(gctx, row, pm.Attachments, fetcher); err != nil {
					capture(extID, err)
				}
			}
			if p.notifier != nil {
				p.notifier.Notify(events.Notification{
					TenantID:     tenantID,
					ConnectionID: row.ConnectionID,
					Reason:       events.ReasonMessageProcessed,
					EmailID:      row.ID,
					ExternalID:   row.ExternalID,
					Folder:       row.Folder,
				})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// enqueueEmbedding submits exactly one embedding job per not-yet-embedded
// message. Dedup is on the consumer's own index, not on job uniqueness.
func (p *Processor) enqueueEmbedding(ctx context.Context, row *store.Message) error {
	if p.sink == nil {
		return nil
	}
	embedded, err := p.store.HasEmbedding(ctx, row.ID)
	if err != nil {
		return err
	}
	if embedded {
		return nil
	}

	var receivedAt *time.Time
	if !row.ReceivedAt.IsZero() {
		t := row.ReceivedAt
		receivedAt = &t
	}
	return events.EnqueueEmbedding(p.sink, events.EmbeddingJob{
		TenantID:     row.TenantID,
		ConnectionID: row.ConnectionID,
		MessageID:    row.ID,
		Subject:      row.Subject,
		Snippet:      row.Snippet,
		BodyText:     row.BodyText,
		BodyHTML:     row.BodyHTML,
		From:         row.From,
		ReceivedAt:   receivedAt,
	})
}

// handleAttachments records references and eagerly stores the small,
// text-extractable, non-inline ones. Everything else stays pending for
// on-demand fetch.
func (p *Processor) handleAttachments(ctx context.Context, row *store.Message, refs []mail.AttachmentRef, fetcher AttachmentFetcher) error {
	if err := p.store.UpsertAttachments(ctx, row.ID, refs); err != nil {
		return err
	}
	if p.blobs == nil || fetcher == nil {
		return nil
	}

	stored, err := p.store.ListAttachments(ctx, row.ID)
	if err != nil {
		return err
	}
	storedState := make(map[string]string, len(stored))
	for _, a := range stored {
		storedState[a.ExternalID] = a.StorageState
	}

	for _, ref := range refs {
		if storedState[ref.ExternalID] != store.AttachmentPending {
			continue
		}
		if !p.eagerFetch(ref) {
			continue
		}

		data, err := fetcher.DownloadAttachment(ctx, row.ExternalID, ref.ExternalID)
		if err != nil {
			return fmt.Errorf("failed to download attachment %s: %w", ref.ExternalID, err)
		}
		if data == nil {
			continue
		}

		key := fmt.Sprintf("%s/%s/%s", row.ConnectionID, row.ID, ref.ExternalID)
		blobKey, err := p.blobs.Put(ctx, key, ref.MimeType, data)
		if err != nil {
			return fmt.Errorf("failed to store attachment %s: %w", ref.ExternalID, err)
		}
		if err := p.store.MarkAttachmentStored(ctx, row.ID, ref.ExternalID, blobKey); err != nil {
			return err
		}
	}
	return nil
}

// eagerFetch decides whether an attachment is worth fetching during sync:
// small, text-extractable documents that are not inline images.
func (p *Processor) eagerFetch(ref mail.AttachmentRef) bool {
	if ref.IsInline || ref.Size <= 0 || ref.Size > p.cfg.EagerAttachmentMaxSize {
		return false
	}
	return textExtractable(ref.MimeType)
}

func textExtractable(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/pdf",
		"application/json",
		"application/rtf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel":
		return true
	}
	return false
}
