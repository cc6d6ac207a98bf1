package sync

import (
	"context"
	"errors"

	"github.com/Martian-dev/mail-sync-infra/internal/mail"
)

var (
	// ErrNotFound is returned by adapters when the remote answers 404/410
	// for a single message or attachment. Routed to the deletion state
	// machine, never surfaced as a job failure.
	ErrNotFound = errors.New("remote message not found")

	// ErrCursorExpired is returned when the remote rejects the resume token
	// as too old or invalid. The orchestrator falls back to a full window.
	ErrCursorExpired = errors.New("sync cursor expired")

	// ErrAuthFailed marks credential problems. Fatal for the run, never
	// retried, no cursor advancement.
	ErrAuthFailed = errors.New("provider authentication failed")
)

// Adapter is the shared provider contract. Each variant implements change
// detection in its own protocol; the orchestrator composes them with the
// batch processor and the deletion state machine.
type Adapter interface {
	// FetchChanges returns the changes since cursor and the cursor to
	// persist on success. Implementations bound their page walks and may
	// leave remaining changes for the next run.
	FetchChanges(ctx context.Context, cursor mail.Cursor) (*mail.ChangeSet, mail.Cursor, error)

	// FetchFullWindow fetches the most recent messages, newest first, up to
	// limit, plus a fresh cursor for subsequent incremental runs. A zero
	// cursor means cursor establishment failed; the orchestrator degrades
	// to a timestamp cursor instead of failing the run.
	FetchFullWindow(ctx context.Context, limit int) ([]mail.ParsedMessage, mail.Cursor, error)

	// FetchMessage fetches one message by external id. ErrNotFound when the
	// remote no longer has it.
	FetchMessage(ctx context.Context, externalID string) (*mail.ParsedMessage, error)

	// DownloadAttachment fetches attachment bytes. ErrNotFound when gone.
	DownloadAttachment(ctx context.Context, externalMessageID, externalAttachmentID string) ([]byte, error)
}
