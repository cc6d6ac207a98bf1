package store

import (
	"context"
	"fmt"
	"time"
)

// HasEmbedding reports whether the embedding consumer has already indexed a
// message. Used to deduplicate embedding enqueues across re-syncs.
func (s *Store) HasEmbedding(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_embeddings WHERE message_id = ?
	`, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check embedding: %w", err)
	}
	return n > 0, nil
}

// RecordEmbedding marks a message as indexed. Written by the embedding
// consumer; exposed here so purge cleanup and tests share one schema.
func (s *Store) RecordEmbedding(ctx context.Context, messageID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO message_embeddings (message_id, created_at) VALUES (?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record embedding: %w", err)
	}
	return nil
}

// DeleteEmbedding removes a message's embedding index entry on purge.
func (s *Store) DeleteEmbedding(ctx context.Context, messageID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM message_embeddings WHERE message_id = ?
	`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}
