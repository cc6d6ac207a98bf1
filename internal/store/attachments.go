package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Martian-dev/mail-sync-infra/internal/mail"
)

// UpsertAttachments records pending attachment references for a message.
// Existing references (same message, same external id) are left untouched so
// a stored reference never falls back to pending.
func (s *Store) UpsertAttachments(ctx context.Context, messageID string, refs []mail.AttachmentRef) error {
	if len(refs) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ref := range refs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments
				(id, message_id, external_id, filename, mime_type, size, is_inline, content_id, storage_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id, external_id) DO NOTHING
		`, uuid.NewString(), messageID, ref.ExternalID, ref.Filename, ref.MimeType,
			ref.Size, ref.IsInline, ref.ContentID, AttachmentPending)
		if err != nil {
			return fmt.Errorf("failed to insert attachment %s: %w", ref.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attachments: %w", err)
	}
	return nil
}

// MarkAttachmentStored transitions a pending reference to stored with its
// blob key. The transition is one-way: a reference already stored is a no-op.
func (s *Store) MarkAttachmentStored(ctx context.Context, messageID, externalID, storageRef string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE attachments
		SET storage_state = ?, storage_ref = ?
		WHERE message_id = ? AND external_id = ? AND storage_state = ?
	`, AttachmentStored, storageRef, messageID, externalID, AttachmentPending)
	if err != nil {
		return fmt.Errorf("failed to mark attachment stored: %w", err)
	}
	return nil
}

// ListAttachments returns all attachment references owned by a message.
func (s *Store) ListAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, message_id, external_id, filename, mime_type, size, is_inline,
		       content_id, storage_state, storage_ref
		FROM attachments WHERE message_id = ?
		ORDER BY external_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ExternalID, &a.Filename, &a.MimeType,
			&a.Size, &a.IsInline, &a.ContentID, &a.StorageState, &a.StorageRef); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
