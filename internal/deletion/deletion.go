// Package deletion decides how remote removal signals converge the local
// store: unreachable messages soft-delete into Trash first, and only purge
// once the remote confirms the message is gone from Trash too.
package deletion

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-sync-infra/internal/events"
	"github.com/Martian-dev/mail-sync-infra/internal/folder"
	"github.com/Martian-dev/mail-sync-infra/internal/store"
)

// Signal is the remote event routed into the state machine.
type Signal int

const (
	// SignalTrashed: the remote reports the message moved to a
	// trash-equivalent label or folder.
	SignalTrashed Signal = iota
	// SignalNotFound: the remote answered 404/410 or an equivalent
	// "removed" marker for the message.
	SignalNotFound
	// SignalPermanent: the removal event unambiguously indicates permanent
	// deletion.
	SignalPermanent
)

// Outcome is the decided transition.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSoftDelete
	OutcomePurge
)

// Decide maps (local state, signal) to a transition. A not-found on a message
// that is not already trashed soft-deletes rather than purges: the message
// may reappear. A not-found on a message already in Trash purges.
func Decide(localFolder string, isDeleted bool, sig Signal) Outcome {
	switch sig {
	case SignalPermanent:
		return OutcomePurge
	case SignalNotFound:
		if localFolder == string(folder.Trash) || isDeleted {
			return OutcomePurge
		}
		return OutcomeSoftDelete
	case SignalTrashed:
		return OutcomeSoftDelete
	default:
		return OutcomeNone
	}
}

// Machine applies decided transitions against the store and the notification
// sink.
type Machine struct {
	store    *store.Store
	notifier *events.Notifier
	log      *logrus.Entry
}

// NewMachine creates a deletion machine.
func NewMachine(st *store.Store, notifier *events.Notifier, log *logrus.Entry) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{store: st, notifier: notifier, log: log}
}

// HandleRemoval routes one removal signal for a message. Unknown messages are
// ignored: there is nothing local to converge.
func (m *Machine) HandleRemoval(ctx context.Context, connectionID, tenantID, externalID string, sig Signal) error {
	msg, err := m.store.GetByExternalID(ctx, connectionID, externalID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	switch Decide(msg.Folder, msg.IsDeleted, sig) {
	case OutcomeSoftDelete:
		if err := m.store.SoftDelete(ctx, msg.ID, time.Now()); err != nil {
			return err
		}
	case OutcomePurge:
		// Embedding cleanup is best-effort: a stale vector is preferable to
		// keeping the row around.
		if err := m.store.DeleteEmbedding(ctx, msg.ID); err != nil {
			m.log.WithField("message", msg.ID).WithError(err).Warn("failed to delete embedding on purge")
		}
		if err := m.store.Delete(ctx, msg.ID); err != nil {
			return err
		}
	default:
		return nil
	}

	if m.notifier != nil {
		m.notifier.Notify(events.Notification{
			TenantID:     tenantID,
			ConnectionID: connectionID,
			Reason:       events.ReasonMessageDeleted,
			EmailID:      msg.ID,
			ExternalID:   externalID,
			Folder:       string(folder.Trash),
		})
	}
	return nil
}
