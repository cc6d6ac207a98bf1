package mail

import "time"

// ParsedMessage is a provider-agnostic message as fetched and decoded by an
// adapter, before reconciliation against the local store.
type ParsedMessage struct {
	ExternalID string
	ThreadID   string
	Subject    string
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Snippet    string
	BodyText   string
	BodyHTML   string

	// Labels holds raw provider label ids; RawFolder holds the provider
	// folder name for folder-based providers. Canonical folder resolution
	// happens in the batch processor.
	Labels    []string
	RawFolder string

	IsRead     bool
	IsStarred  bool
	SentAt     time.Time
	ReceivedAt time.Time
	Size       int64

	Attachments []AttachmentRef
}

// AttachmentRef describes one attachment owned by a message. ExternalID plus
// the owning message's external id is sufficient to fetch the bytes on
// demand while the reference is still pending.
type AttachmentRef struct {
	ExternalID string
	Filename   string
	MimeType   string
	Size       int64
	IsInline   bool
	ContentID  string
}

// Removal is a remote signal that a message is gone. Permanent removals
// bypass the soft-delete stage.
type Removal struct {
	ExternalID string
	Permanent  bool
}

// ChangeSet is the result of one incremental pass against a provider:
// messages to upsert (added or relabeled, refetched fresh) and removal
// signals to route through the deletion state machine.
type ChangeSet struct {
	Messages []ParsedMessage
	Removals []Removal
}
