package mail

import "time"

// MessageStatus is the lifecycle state carried in a message's status
// metadata.
type MessageStatus string

const (
	StatusActive  MessageStatus = "active"
	StatusDeleted MessageStatus = "deleted"
)

// StatusMetadata records whether a message is deleted and when the deletion
// transition happened. DeletedAt is set exactly once per deletion and
// cleared on reactivation.
type StatusMetadata struct {
	Status    MessageStatus
	DeletedAt *time.Time
}

// Merge applies a target status to the metadata and returns the result.
// Merging deleted sets DeletedAt only if it is not already set; merging
// active clears it. Merge is pure and idempotent under repeated application
// with the same target.
func (m StatusMetadata) Merge(target MessageStatus, now time.Time) StatusMetadata {
	switch target {
	case StatusDeleted:
		out := StatusMetadata{Status: StatusDeleted, DeletedAt: m.DeletedAt}
		if out.DeletedAt == nil {
			t := now.UTC()
			out.DeletedAt = &t
		}
		return out
	default:
		return StatusMetadata{Status: StatusActive}
	}
}

// Deleted reports whether the metadata marks the message deleted.
func (m StatusMetadata) Deleted() bool {
	return m.Status == StatusDeleted
}
