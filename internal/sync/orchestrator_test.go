package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-sync-infra/internal/batch"
	"github.com/Martian-dev/mail-sync-infra/internal/deletion"
	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/store"
)

// fakeAdapter scripts the provider side of a run.
type fakeAdapter struct {
	window       []mail.ParsedMessage
	windowCursor mail.Cursor
	changes      *mail.ChangeSet
	nextCursor   mail.Cursor
	changesErr   error

	fullCalls    int
	changesCalls int
}

func (f *fakeAdapter) FetchChanges(ctx context.Context, cursor mail.Cursor) (*mail.ChangeSet, mail.Cursor, error) {
	f.changesCalls++
	if f.changesErr != nil {
		return nil, mail.Cursor{}, f.changesErr
	}
	cs := f.changes
	if cs == nil {
		cs = &mail.ChangeSet{}
	}
	return cs, f.nextCursor, nil
}

func (f *fakeAdapter) FetchFullWindow(ctx context.Context, limit int) ([]mail.ParsedMessage, mail.Cursor, error) {
	f.fullCalls++
	if limit < len(f.window) {
		return f.window[:limit], f.windowCursor, nil
	}
	return f.window, f.windowCursor, nil
}

func (f *fakeAdapter) FetchMessage(ctx context.Context, externalID string) (*mail.ParsedMessage, error) {
	return nil, ErrNotFound
}

func (f *fakeAdapter) DownloadAttachment(ctx context.Context, externalMessageID, externalAttachmentID string) ([]byte, error) {
	return nil, ErrNotFound
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	processor := batch.NewProcessor(batch.Config{}, s, nil, nil, nil, nil)
	deletions := deletion.NewMachine(s, nil, nil)
	return NewOrchestrator(Config{FullWindowMax: 200}, s, processor, deletions, nil, nil), s
}

func job(t mail.SyncType) mail.SyncJob {
	return mail.SyncJob{
		TenantID:     "tenant-1",
		ConnectionID: "conn-1",
		Provider:     mail.ProviderGoogle,
		Type:         t,
	}
}

func msg(externalID string, received time.Time) mail.ParsedMessage {
	return mail.ParsedMessage{
		ExternalID: externalID,
		Subject:    "subject " + externalID,
		Labels:     []string{"INBOX"},
		ReceivedAt: received,
	}
}

func TestRunFullEstablishesCursor(t *testing.T) {
	o, s := newTestOrchestrator(t)
	a := &fakeAdapter{
		window:       []mail.ParsedMessage{msg("ext-1", time.Unix(1700000000, 0)), msg("ext-2", time.Unix(1700000100, 0))},
		windowCursor: mail.HistoryCursor(500),
	}

	res, err := o.Run(t.Context(), job(mail.SyncFull), a)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.MessagesProcessed)
	assert.Equal(t, 2, res.NewMessages)
	assert.Equal(t, "history:500", res.LastSyncToken)

	st, err := s.LoadSyncState(t.Context(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, mail.HistoryCursor(500), st.Cursor)
	assert.Equal(t, store.SyncStatusIdle, st.Status)
}

func TestRunFullIsIdempotent(t *testing.T) {
	o, s := newTestOrchestrator(t)
	a := &fakeAdapter{
		window:       []mail.ParsedMessage{msg("ext-1", time.Unix(1700000000, 0))},
		windowCursor: mail.HistoryCursor(500),
	}

	res, err := o.Run(t.Context(), job(mail.SyncFull), a)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewMessages)

	// Unchanged mailbox: second full run creates nothing.
	res, err = o.Run(t.Context(), job(mail.SyncFull), a)
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewMessages)

	n, err := s.CountMessages(t.Context(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunFullDegradesToTimestampCursor(t *testing.T) {
	o, s := newTestOrchestrator(t)
	received := time.Unix(1700000100, 0).UTC()
	a := &fakeAdapter{window: []mail.ParsedMessage{msg("ext-1", received)}}

	res, err := o.Run(t.Context(), job(mail.SyncFull), a)
	require.NoError(t, err)
	assert.True(t, res.Success)

	st, err := s.LoadSyncState(t.Context(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, mail.CursorTimestamp, st.Cursor.Kind)
	assert.Equal(t, received, st.Cursor.Time)
}

func TestRunIncrementalAppliesChangesAndRemovals(t *testing.T) {
	o, s := newTestOrchestrator(t)

	// Seed via a full run.
	seed := &fakeAdapter{
		window:       []mail.ParsedMessage{msg("ext-1", time.Unix(1700000000, 0)), msg("ext-2", time.Unix(1700000000, 0))},
		windowCursor: mail.HistoryCursor(100),
	}
	_, err := o.Run(t.Context(), job(mail.SyncFull), seed)
	require.NoError(t, err)

	inc := &fakeAdapter{
		changes: &mail.ChangeSet{
			Messages: []mail.ParsedMessage{msg("ext-3", time.Unix(1700000200, 0))},
			Removals: []mail.Removal{{ExternalID: "ext-1"}},
		},
		nextCursor: mail.HistoryCursor(150),
	}
	res, err := o.Run(t.Context(), job(mail.SyncIncremental), inc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.NewMessages)
	assert.Equal(t, 2, res.MessagesProcessed)

	// ext-1 was active: the 404 signal soft-deletes it.
	got, err := s.GetByExternalID(t.Context(), "conn-1", "ext-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, "TRASH", got.Folder)

	st, err := s.LoadSyncState(t.Context(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, mail.HistoryCursor(150), st.Cursor)
}

func TestRunCursorNeverRegresses(t *testing.T) {
	o, s := newTestOrchestrator(t)

	seed := &fakeAdapter{windowCursor: mail.HistoryCursor(100)}
	_, err := o.Run(t.Context(), job(mail.SyncFull), seed)
	require.NoError(t, err)

	// A buggy or overlapping pass reporting an older cursor keeps 100.
	inc := &fakeAdapter{changes: &mail.ChangeSet{}, nextCursor: mail.HistoryCursor(50)}
	_, err = o.Run(t.Context(), job(mail.SyncIncremental), inc)
	require.NoError(t, err)

	st, err := s.LoadSyncState(t.Context(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), st.Cursor.HistoryID)
}

func TestRunFailedPassKeepsCursor(t *testing.T) {
	o, s := newTestOrchestrator(t)

	seed := &fakeAdapter{windowCursor: mail.HistoryCursor(100)}
	_, err := o.Run(t.Context(), job(mail.SyncFull), seed)
	require.NoError(t, err)

	inc := &fakeAdapter{changesErr: errors.New("provider exploded")}
	_, err = o.Run(t.Context(), job(mail.SyncIncremental), inc)
	require.Error(t, err)

	st, err := s.LoadSyncState(t.Context(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, mail.HistoryCursor(100), st.Cursor)
	assert.Equal(t, store.SyncStatusError, st.Status)
}

func TestRunExpiredCursorFallsBackToFull(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	seed := &fakeAdapter{windowCursor: mail.HistoryCursor(100)}
	_, err := o.Run(t.Context(), job(mail.SyncFull), seed)
	require.NoError(t, err)

	a := &fakeAdapter{
		changesErr:   ErrCursorExpired,
		window:       []mail.ParsedMessage{msg("ext-1", time.Unix(1700000000, 0))},
		windowCursor: mail.HistoryCursor(300),
	}
	res, err := o.Run(t.Context(), job(mail.SyncIncremental), a)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, a.changesCalls)
	assert.Equal(t, 1, a.fullCalls)
	assert.Equal(t, "history:300", res.LastSyncToken)
}

func TestCursorMetadataForDeltaProvider(t *testing.T) {
	md := cursorMetadata(mail.ProviderMicrosoft, mail.DeltaCursor("https://graph/delta?x"))
	assert.Equal(t, "delta", md["deltaMode"])

	ts := time.Unix(1700000000, 0).UTC()
	md = cursorMetadata(mail.ProviderMicrosoft, mail.TimestampCursor(ts))
	assert.Equal(t, "timestamp", md["deltaMode"])
	assert.Equal(t, ts.Format(time.RFC3339), md["lastSyncTimestamp"])

	assert.Nil(t, cursorMetadata(mail.ProviderGoogle, mail.HistoryCursor(1)))
}
