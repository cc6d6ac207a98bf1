package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	msgIDs   []string
}

func (f *fakeSink) PublishMsg(subject string, payload []byte, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	f.msgIDs = append(f.msgIDs, msgID)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

func TestNotifierCoalescesDuplicateBursts(t *testing.T) {
	sink := &fakeSink{}
	n := NewNotifier(sink, 20*time.Millisecond, nil)

	ev := Notification{TenantID: "t1", ConnectionID: "c1", Reason: ReasonMessageProcessed, ExternalID: "ext-1"}
	for i := 0; i < 10; i++ {
		n.Notify(ev)
	}
	n.Notify(Notification{TenantID: "t1", ConnectionID: "c1", Reason: ReasonMessageProcessed, ExternalID: "ext-2"})

	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	// The window elapsed with nothing new pending; nothing further flushes.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, sink.count())
}

func TestNotifierFlushOnClose(t *testing.T) {
	sink := &fakeSink{}
	n := NewNotifier(sink, time.Hour, nil)

	n.Notify(Notification{TenantID: "t1", Reason: ReasonSyncComplete, ConnectionID: "c1"})
	n.Close()

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "tenant.t1.notify.sync-complete", sink.subjects[0])
}

func TestEnqueueEmbedding(t *testing.T) {
	sink := &fakeSink{}
	err := EnqueueEmbedding(sink, EmbeddingJob{
		TenantID:     "t1",
		ConnectionID: "c1",
		MessageID:    "m1",
		Subject:      "hello",
	})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "tenant.t1.embed.message", sink.subjects[0])
	assert.Equal(t, "embed|c1|m1", sink.msgIDs[0])

	var job EmbeddingJob
	require.NoError(t, json.Unmarshal(sink.payloads[0], &job))
	assert.Equal(t, "hello", job.Subject)
}
