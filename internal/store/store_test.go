package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-sync-infra/internal/mail"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(connID, externalID string) *Message {
	return &Message{
		ConnectionID: connID,
		TenantID:     "tenant-1",
		ExternalID:   externalID,
		Subject:      "hello",
		From:         "alice@example.com",
		To:           []string{"bob@example.com"},
		Folder:       "INBOX",
		Labels:       []string{"INBOX", "UNREAD"},
		Status:       mail.StatusMetadata{Status: mail.StatusActive},
		SentAt:       time.Unix(1700000000, 0),
		ReceivedAt:   time.Unix(1700000060, 0),
		Size:         2048,
	}
}

func TestInsertBatchIsDuplicateSafe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := testMessage("conn-1", "ext-1")
	m2 := testMessage("conn-1", "ext-2")
	require.NoError(t, s.InsertBatch(ctx, []*Message{m1, m2}))

	// A racing run inserting the same keys must not raise.
	again := testMessage("conn-1", "ext-1")
	require.NoError(t, s.InsertBatch(ctx, []*Message{again}))

	n, err := s.CountMessages(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetByExternalIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatch(ctx, []*Message{
		testMessage("conn-1", "ext-1"),
		testMessage("conn-1", "ext-2"),
		testMessage("conn-2", "ext-1"),
	}))

	got, err := s.GetByExternalIDs(ctx, "conn-1", []string{"ext-1", "ext-2", "ext-3"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "hello", got["ext-1"].Subject)
	assert.Equal(t, []string{"bob@example.com"}, got["ext-1"].To)
	assert.Equal(t, []string{"INBOX", "UNREAD"}, got["ext-2"].Labels)
}

func TestUpdateOverwritesMutableFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("conn-1", "ext-1")
	require.NoError(t, s.InsertBatch(ctx, []*Message{m}))

	m.Folder = "ARCHIVE"
	m.Labels = []string{"ARCHIVE"}
	m.IsRead = true
	require.NoError(t, s.Update(ctx, m))

	got, err := s.GetByExternalID(ctx, "conn-1", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVE", got.Folder)
	assert.True(t, got.IsRead)
}

func TestSoftDeleteSetsDeletedAtOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("conn-1", "ext-1")
	require.NoError(t, s.InsertBatch(ctx, []*Message{m}))

	first := time.Unix(1700001000, 0)
	require.NoError(t, s.SoftDelete(ctx, m.ID, first))

	got, err := s.GetByExternalID(ctx, "conn-1", "ext-1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, "TRASH", got.Folder)
	require.NotNil(t, got.Status.DeletedAt)
	assert.Equal(t, first.Unix(), got.Status.DeletedAt.Unix())

	// Second soft delete must not move the deletion timestamp.
	require.NoError(t, s.SoftDelete(ctx, m.ID, time.Unix(1700002000, 0)))
	got, err = s.GetByExternalID(ctx, "conn-1", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, first.Unix(), got.Status.DeletedAt.Unix())
}

func TestDeleteCascadesAttachments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("conn-1", "ext-1")
	require.NoError(t, s.InsertBatch(ctx, []*Message{m}))
	require.NoError(t, s.UpsertAttachments(ctx, m.ID, []mail.AttachmentRef{
		{ExternalID: "att-1", Filename: "report.pdf", MimeType: "application/pdf", Size: 1024},
	}))

	require.NoError(t, s.Delete(ctx, m.ID))

	got, err := s.GetByExternalID(ctx, "conn-1", "ext-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	atts, err := s.ListAttachments(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, atts)
}

func TestAttachmentStoredTransitionIsOneWay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("conn-1", "ext-1")
	require.NoError(t, s.InsertBatch(ctx, []*Message{m}))
	ref := mail.AttachmentRef{ExternalID: "att-1", Filename: "a.txt", MimeType: "text/plain", Size: 10}
	require.NoError(t, s.UpsertAttachments(ctx, m.ID, []mail.AttachmentRef{ref}))

	require.NoError(t, s.MarkAttachmentStored(ctx, m.ID, "att-1", "blob/key-1"))

	// Re-upserting and re-marking must leave the original blob key in place.
	require.NoError(t, s.UpsertAttachments(ctx, m.ID, []mail.AttachmentRef{ref}))
	require.NoError(t, s.MarkAttachmentStored(ctx, m.ID, "att-1", "blob/key-2"))

	atts, err := s.ListAttachments(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, AttachmentStored, atts[0].StorageState)
	assert.Equal(t, "blob/key-1", atts[0].StorageRef)
}

func TestEmbeddingIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasEmbedding(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.RecordEmbedding(ctx, "msg-1"))
	require.NoError(t, s.RecordEmbedding(ctx, "msg-1"))

	has, err = s.HasEmbedding(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.DeleteEmbedding(ctx, "msg-1"))
	has, err = s.HasEmbedding(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.LoadSyncState(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, st.Cursor.IsZero())

	cur := mail.HistoryCursor(42)
	require.NoError(t, s.SaveSyncState(ctx, "conn-1", mail.ProviderGoogle, cur, SyncStatusIdle))

	st, err = s.LoadSyncState(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, cur, st.Cursor)
	assert.Equal(t, SyncStatusIdle, st.Status)

	require.NoError(t, s.UpdateSyncStatus(ctx, "conn-1", SyncStatusError, "boom"))
	st, err = s.LoadSyncState(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, SyncStatusError, st.Status)
	assert.Equal(t, "boom", st.LastError)
	assert.Equal(t, 1, st.RetryCount)
	// Cursor survives a failed run untouched.
	assert.Equal(t, cur, st.Cursor)
}
