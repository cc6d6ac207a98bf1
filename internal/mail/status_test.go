package mail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMergeSetsDeletedAtOnce(t *testing.T) {
	t1 := time.Unix(1700000000, 0)
	t2 := time.Unix(1700000500, 0)

	m := StatusMetadata{Status: StatusActive}
	m = m.Merge(StatusDeleted, t1)
	assert.True(t, m.Deleted())
	require.NotNil(t, m.DeletedAt)
	assert.Equal(t, t1.UTC(), *m.DeletedAt)

	// Re-observing the deletion keeps the original timestamp.
	m = m.Merge(StatusDeleted, t2)
	assert.Equal(t, t1.UTC(), *m.DeletedAt)
}

func TestStatusMergeReactivationClears(t *testing.T) {
	t1 := time.Unix(1700000000, 0)

	m := StatusMetadata{}.Merge(StatusDeleted, t1)
	m = m.Merge(StatusActive, t1.Add(time.Hour))
	assert.False(t, m.Deleted())
	assert.Nil(t, m.DeletedAt)

	// Delete again after reactivation: a fresh timestamp.
	t3 := time.Unix(1700009000, 0)
	m = m.Merge(StatusDeleted, t3)
	require.NotNil(t, m.DeletedAt)
	assert.Equal(t, t3.UTC(), *m.DeletedAt)
}
