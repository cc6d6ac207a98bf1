package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EmbeddingJob is the payload handed to the vector-embedding pipeline for one
// message. Delivery is at-least-once; the consumer dedups on messageId.
type EmbeddingJob struct {
	TenantID     string     `json:"tenantId"`
	ConnectionID string     `json:"connectionId"`
	MessageID    string     `json:"messageId"`
	Subject      string     `json:"subject"`
	Snippet      string     `json:"snippet,omitempty"`
	BodyText     string     `json:"bodyText,omitempty"`
	BodyHTML     string     `json:"bodyHtml,omitempty"`
	From         string     `json:"from,omitempty"`
	ReceivedAt   *time.Time `json:"receivedAt,omitempty"`
}

// EnqueueEmbedding publishes one embedding job, deduplicated on the message
// id within the stream's duplicate window.
func EnqueueEmbedding(sink Sink, job EmbeddingJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding job: %w", err)
	}

	subject := fmt.Sprintf("tenant.%s.embed.message", job.TenantID)
	msgID := fmt.Sprintf("embed|%s|%s", job.ConnectionID, job.MessageID)
	if err := sink.PublishMsg(subject, payload, msgID); err != nil {
		return fmt.Errorf("failed to enqueue embedding job: %w", err)
	}
	return nil
}
