// Package store is the persistent message store: sqlite keyed by
// (connection_id, external_id), safe under concurrent writers for the same
// key through the table's uniqueness constraint.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mail-sync-infra/internal/mail"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the engine database.
type Store struct {
	DB *sql.DB
}

// Message is one stored message row.
type Message struct {
	ID           string
	ConnectionID string
	TenantID     string
	ExternalID   string
	ThreadID     string
	Subject      string
	From         string
	To           []string
	Cc           []string
	Bcc          []string
	Snippet      string
	BodyText     string
	BodyHTML     string
	Folder       string
	Labels       []string
	IsRead       bool
	IsStarred    bool
	IsDeleted    bool
	Status       mail.StatusMetadata
	SentAt       time.Time
	ReceivedAt   time.Time
	Size         int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Attachment is one stored attachment reference.
type Attachment struct {
	ID           string
	MessageID    string
	ExternalID   string
	Filename     string
	MimeType     string
	Size         int64
	IsInline     bool
	ContentID    string
	StorageState string
	StorageRef   string
}

const (
	AttachmentPending = "pending"
	AttachmentStored  = "stored"
)

// Open opens or creates the engine database and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

const messageColumns = `id, connection_id, tenant_id, external_id, thread_id, subject, sender,
	to_addrs, cc_addrs, bcc_addrs, snippet, body_text, body_html, folder, labels,
	is_read, is_starred, is_deleted, status, deleted_at, sent_at, received_at, size,
	created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var (
		m                               Message
		toJSON, ccJSON, bccJSON, labels string
		deletedAt                       sql.NullInt64
		sentAt, receivedAt              int64
		createdAt, updatedAt            int64
		status                          string
	)
	err := row.Scan(&m.ID, &m.ConnectionID, &m.TenantID, &m.ExternalID, &m.ThreadID,
		&m.Subject, &m.From, &toJSON, &ccJSON, &bccJSON, &m.Snippet, &m.BodyText,
		&m.BodyHTML, &m.Folder, &labels, &m.IsRead, &m.IsStarred, &m.IsDeleted,
		&status, &deletedAt, &sentAt, &receivedAt, &m.Size, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(toJSON), &m.To)
	_ = json.Unmarshal([]byte(ccJSON), &m.Cc)
	_ = json.Unmarshal([]byte(bccJSON), &m.Bcc)
	_ = json.Unmarshal([]byte(labels), &m.Labels)

	m.Status = mail.StatusMetadata{Status: mail.MessageStatus(status)}
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0).UTC()
		m.Status.DeletedAt = &t
	}
	m.SentAt = time.Unix(sentAt, 0).UTC()
	m.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}

func mustJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// InsertBatch bulk-inserts message rows. Duplicate keys are ignored so a race
// against another run on the same connection never raises.
func (s *Store) InsertBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (connection_id, external_id) DO NOTHING
		`, m.ID, m.ConnectionID, m.TenantID, m.ExternalID, m.ThreadID, m.Subject, m.From,
			mustJSON(m.To), mustJSON(m.Cc), mustJSON(m.Bcc), m.Snippet, m.BodyText,
			m.BodyHTML, m.Folder, mustJSON(m.Labels), m.IsRead, m.IsStarred, m.IsDeleted,
			string(m.Status.Status), nullableUnix(m.Status.DeletedAt),
			m.SentAt.Unix(), m.ReceivedAt.Unix(), m.Size, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", m.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch insert: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of a message row, last write wins.
func (s *Store) Update(ctx context.Context, m *Message) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET
			thread_id = ?, subject = ?, sender = ?, to_addrs = ?, cc_addrs = ?,
			bcc_addrs = ?, snippet = ?, body_text = ?, body_html = ?, folder = ?,
			labels = ?, is_read = ?, is_starred = ?, is_deleted = ?, status = ?,
			deleted_at = ?, sent_at = ?, received_at = ?, size = ?, updated_at = ?
		WHERE id = ?
	`, m.ThreadID, m.Subject, m.From, mustJSON(m.To), mustJSON(m.Cc), mustJSON(m.Bcc),
		m.Snippet, m.BodyText, m.BodyHTML, m.Folder, mustJSON(m.Labels), m.IsRead,
		m.IsStarred, m.IsDeleted, string(m.Status.Status), nullableUnix(m.Status.DeletedAt),
		m.SentAt.Unix(), m.ReceivedAt.Unix(), m.Size, time.Now().Unix(), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", m.ID, err)
	}
	return nil
}

// GetByExternalIDs loads the rows for a batch of external ids on one
// connection, keyed by external id.
func (s *Store) GetByExternalIDs(ctx context.Context, connectionID string, externalIDs []string) (map[string]*Message, error) {
	out := make(map[string]*Message, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(externalIDs)), ",")
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, connectionID)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE connection_id = ? AND external_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out[m.ExternalID] = m
	}
	return out, rows.Err()
}

// GetByExternalID loads one row, nil when absent.
func (s *Store) GetByExternalID(ctx context.Context, connectionID, externalID string) (*Message, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE connection_id = ? AND external_id = ?
	`, connectionID, externalID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", externalID, err)
	}
	return m, nil
}

// SoftDelete marks a message trashed: folder becomes TRASH, status metadata
// merges deleted. deleted_at is only set on the first transition.
func (s *Store) SoftDelete(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET
			folder = 'TRASH',
			is_deleted = 1,
			status = 'deleted',
			deleted_at = COALESCE(deleted_at, ?),
			updated_at = ?
		WHERE id = ?
	`, now.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete message %s: %w", id, err)
	}
	return nil
}

// Delete hard-deletes a message row. Attachment references cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// CountMessages returns the row count for one connection.
func (s *Store) CountMessages(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE connection_id = ?
	`, connectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
