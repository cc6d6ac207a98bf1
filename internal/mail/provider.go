package mail

import "time"

// ProviderKind identifies the remote change-tracking family a connection
// belongs to.
type ProviderKind string

const (
	// ProviderGoogle tracks changes through a monotonically increasing
	// history id.
	ProviderGoogle ProviderKind = "GOOGLE"
	// ProviderMicrosoft tracks changes through an opaque delta link, with a
	// timestamp fallback for accounts without change tracking.
	ProviderMicrosoft ProviderKind = "MICROSOFT"
	// ProviderIMAP tracks changes through a UID watermark on a single
	// mailbox.
	ProviderIMAP ProviderKind = "IMAP"
)

// SyncType selects the sync strategy for a run.
type SyncType string

const (
	SyncFull        SyncType = "FULL"
	SyncIncremental SyncType = "INCREMENTAL"
)

// SyncJob is one unit of work consumed from the job queue: one connection,
// one run.
type SyncJob struct {
	TenantID     string       `json:"tenantId"`
	ConnectionID string       `json:"connectionId"`
	Provider     ProviderKind `json:"providerKind"`
	Email        string       `json:"email"`
	Priority     int          `json:"priority"`
	Type         SyncType     `json:"syncType"`
	LastSyncedAt *time.Time   `json:"lastSyncedAt,omitempty"`
}

// SyncResult summarizes a completed run. Metadata carries provider-specific
// cursor-mode updates the caller must persist onto the connection before the
// next run.
type SyncResult struct {
	Success           bool              `json:"success"`
	MessagesProcessed int               `json:"messagesProcessed"`
	NewMessages       int               `json:"newMessages"`
	Errors            []string          `json:"errors,omitempty"`
	SyncDurationMs    int64             `json:"syncDurationMs"`
	LastSyncToken     string            `json:"lastSyncToken,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}
