package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NotifyReason labels a realtime notification.
type NotifyReason string

const (
	ReasonMessageProcessed NotifyReason = "message-processed"
	ReasonMessageDeleted   NotifyReason = "message-deleted"
	ReasonLabelsUpdated    NotifyReason = "labels-updated"
	ReasonSyncComplete     NotifyReason = "sync-complete"
)

// Notification is one realtime push event. Best-effort: failures are logged,
// never surfaced to the sync run.
type Notification struct {
	TenantID     string       `json:"-"`
	ConnectionID string       `json:"connectionId"`
	Reason       NotifyReason `json:"reason"`
	EmailID      string       `json:"emailId,omitempty"`
	ExternalID   string       `json:"externalId,omitempty"`
	Folder       string       `json:"folder,omitempty"`
}

// Notifier buffers notifications over a short window and collapses bursts
// with the same (tenant, reason, externalId) key, which bulk sync produces
// constantly.
type Notifier struct {
	sink   Sink
	window time.Duration
	log    *logrus.Entry

	mu      sync.Mutex
	pending map[string]Notification
	timer   *time.Timer
	closed  bool
}

// NewNotifier creates a notifier flushing every window. A zero window
// defaults to 200ms.
func NewNotifier(sink Sink, window time.Duration, log *logrus.Entry) *Notifier {
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Notifier{
		sink:    sink,
		window:  window,
		log:     log,
		pending: make(map[string]Notification),
	}
}

// Notify enqueues a notification for the next flush. Later notifications with
// the same key replace earlier ones.
func (n *Notifier) Notify(ev Notification) {
	key := fmt.Sprintf("%s|%s|%s", ev.TenantID, ev.Reason, ev.ExternalID)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending[key] = ev
	if n.timer == nil {
		n.timer = time.AfterFunc(n.window, n.flush)
	}
}

func (n *Notifier) flush() {
	n.mu.Lock()
	batch := n.pending
	n.pending = make(map[string]Notification)
	n.timer = nil
	n.mu.Unlock()

	for key, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		subject := fmt.Sprintf("tenant.%s.notify.%s", ev.TenantID, ev.Reason)
		if err := n.sink.PublishMsg(subject, payload, "notify|"+key); err != nil {
			n.log.WithFields(logrus.Fields{
				"reason":     ev.Reason,
				"connection": ev.ConnectionID,
			}).WithError(err).Warn("failed to publish realtime notification")
		}
	}
}

// Close flushes whatever is pending and stops the notifier.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()
	n.flush()
}
