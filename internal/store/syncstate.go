package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-sync-infra/internal/mail"
)

// Sync run statuses persisted in connection_sync_state.
const (
	SyncStatusSyncing = "SYNCING"
	SyncStatusIdle    = "IDLE"
	SyncStatusError   = "ERROR"
)

// SyncState is the persisted resume state for one connection.
type SyncState struct {
	ConnectionID string
	Provider     mail.ProviderKind
	Cursor       mail.Cursor
	Status       string
	LastError    string
	RetryCount   int
	LastSyncedAt time.Time
	UpdatedAt    time.Time
}

// LoadSyncState loads the state for a connection; zero state when none
// exists yet.
func (s *Store) LoadSyncState(ctx context.Context, connectionID string) (*SyncState, error) {
	var (
		st                       SyncState
		provider, cursor         string
		lastSyncedAt, updatedAt  int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT connection_id, provider, cursor, status, last_error, retry_count,
		       last_synced_at, updated_at
		FROM connection_sync_state WHERE connection_id = ?
	`, connectionID).Scan(&st.ConnectionID, &provider, &cursor, &st.Status,
		&st.LastError, &st.RetryCount, &lastSyncedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return &SyncState{ConnectionID: connectionID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	st.Provider = mail.ProviderKind(provider)
	st.Cursor, err = mail.ParseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cursor for %s: %w", connectionID, err)
	}
	st.LastSyncedAt = time.Unix(lastSyncedAt, 0).UTC()
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &st, nil
}

// SaveSyncState commits a new cursor and status for a connection.
func (s *Store) SaveSyncState(ctx context.Context, connectionID string, provider mail.ProviderKind, cursor mail.Cursor, status string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO connection_sync_state
			(connection_id, provider, cursor, status, last_error, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			provider = excluded.provider,
			cursor = excluded.cursor,
			status = excluded.status,
			last_error = '',
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, connectionID, string(provider), cursor.Encode(), status, now, now)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// UpdateSyncStatus records a status transition without touching the cursor.
// A non-empty error message bumps the retry counter.
func (s *Store) UpdateSyncStatus(ctx context.Context, connectionID, status, errorMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE connection_sync_state
		SET status = ?,
		    last_error = ?,
		    retry_count = CASE WHEN ? != '' THEN retry_count + 1 ELSE 0 END,
		    updated_at = ?
		WHERE connection_id = ?
	`, status, errorMsg, errorMsg, time.Now().Unix(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}
