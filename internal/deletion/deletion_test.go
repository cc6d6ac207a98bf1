package deletion

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/store"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		folder    string
		isDeleted bool
		sig       Signal
		want      Outcome
	}{
		{"not found in inbox soft-deletes", "INBOX", false, SignalNotFound, OutcomeSoftDelete},
		{"not found in trash purges", "TRASH", false, SignalNotFound, OutcomePurge},
		{"not found already deleted purges", "INBOX", true, SignalNotFound, OutcomePurge},
		{"explicit permanent purges from anywhere", "INBOX", false, SignalPermanent, OutcomePurge},
		{"trashed label soft-deletes", "INBOX", false, SignalTrashed, OutcomeSoftDelete},
		{"trashed on deleted row stays soft", "TRASH", true, SignalTrashed, OutcomeSoftDelete},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.folder, tc.isDeleted, tc.sig))
		})
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessage(t *testing.T, s *store.Store, externalID string) *store.Message {
	t.Helper()
	m := &store.Message{
		ConnectionID: "conn-1",
		TenantID:     "tenant-1",
		ExternalID:   externalID,
		Folder:       "INBOX",
		Status:       mail.StatusMetadata{Status: mail.StatusActive},
		SentAt:       time.Unix(1700000000, 0),
		ReceivedAt:   time.Unix(1700000000, 0),
	}
	require.NoError(t, s.InsertBatch(t.Context(), []*store.Message{m}))
	return m
}

func TestHandleRemovalSoftDeleteBranch(t *testing.T) {
	s := newTestStore(t)
	m := seedMessage(t, s, "ext-1")
	machine := NewMachine(s, nil, nil)

	// INBOX + 404 -> TRASH, isDeleted=true, row retained.
	require.NoError(t, machine.HandleRemoval(t.Context(), "conn-1", "tenant-1", "ext-1", SignalNotFound))

	got, err := s.GetByExternalID(t.Context(), "conn-1", "ext-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "TRASH", got.Folder)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, m.ID, got.ID)
}

func TestHandleRemovalPurgeBranch(t *testing.T) {
	s := newTestStore(t)
	m := seedMessage(t, s, "ext-1")
	require.NoError(t, s.RecordEmbedding(t.Context(), m.ID))
	machine := NewMachine(s, nil, nil)

	// First 404 trashes, second 404 purges.
	require.NoError(t, machine.HandleRemoval(t.Context(), "conn-1", "tenant-1", "ext-1", SignalNotFound))
	require.NoError(t, machine.HandleRemoval(t.Context(), "conn-1", "tenant-1", "ext-1", SignalNotFound))

	got, err := s.GetByExternalID(t.Context(), "conn-1", "ext-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	has, err := s.HasEmbedding(t.Context(), m.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHandleRemovalUnknownMessageIsNoop(t *testing.T) {
	s := newTestStore(t)
	machine := NewMachine(s, nil, nil)
	require.NoError(t, machine.HandleRemoval(t.Context(), "conn-1", "tenant-1", "ghost", SignalNotFound))
}

func TestStatusMergeIdempotence(t *testing.T) {
	now := time.Unix(1700000000, 0)
	meta := mail.StatusMetadata{Status: mail.StatusActive}

	first := meta.Merge(mail.StatusDeleted, now)
	require.NotNil(t, first.DeletedAt)
	assert.Equal(t, now.UTC(), *first.DeletedAt)

	// Merging deleted again must not move deletedAt.
	second := first.Merge(mail.StatusDeleted, now.Add(time.Hour))
	assert.Equal(t, first.DeletedAt, second.DeletedAt)

	// Reactivation clears it; the next deletion sets it fresh.
	active := second.Merge(mail.StatusActive, now)
	assert.Nil(t, active.DeletedAt)
	assert.Equal(t, mail.StatusActive, active.Status)
}
