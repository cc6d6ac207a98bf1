package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-sync-infra/internal/auth"
	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/retry"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

// Gmail API quota units per call, from the published pricing table.
const (
	unitsMessagesGet    = 5
	unitsMessagesList   = 5
	unitsHistoryList    = 2
	unitsAttachmentsGet = 5
	unitsGetProfile     = 1
)

const (
	// historyPageCap bounds one incremental pass. Remaining history is
	// picked up by the next run from the committed cursor.
	historyPageCap = 25
	pageSize       = 100
	fetchWorkers   = 8
)

// Adapter syncs a Gmail mailbox through the history API. The history id is
// the change cursor; an expired one falls back to a full window upstream.
type Adapter struct {
	svc     *gmail.Service
	retry   *retry.Executor
	limiter *rate.Limiter
	log     *logrus.Entry
}

// New creates a Gmail adapter from an OAuth credential.
func New(ctx context.Context, cred *auth.Credential, log *logrus.Entry) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}
	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		svc:   svc,
		retry: retry.New(retry.DefaultConfig(), log),
		// 250 quota units/user/second is the documented ceiling; stay under it.
		limiter: rate.NewLimiter(rate.Limit(200), 250),
		log:     log,
	}, nil
}

// FetchChanges walks the history API from the cursor's history id.
func (a *Adapter) FetchChanges(ctx context.Context, cursor mail.Cursor) (*mail.ChangeSet, mail.Cursor, error) {
	if cursor.Kind != mail.CursorHistoryID || cursor.HistoryID == 0 {
		return nil, mail.Cursor{}, sync.ErrCursorExpired
	}

	latest := cursor.HistoryID
	var addedIDs []string
	var changedIDs []string
	var removals []mail.Removal
	seen := make(map[string]bool)

	pageToken := ""
	for page := 0; page < historyPageCap; page++ {
		if err := a.limiter.WaitN(ctx, unitsHistoryList); err != nil {
			return nil, mail.Cursor{}, err
		}

		resp, err := retry.Do(ctx, a.retry, "gmail.history.list", func() (*gmail.ListHistoryResponse, error) {
			call := a.svc.Users.History.List("me").
				StartHistoryId(cursor.HistoryID).
				MaxResults(pageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			return call.Do()
		})
		if err != nil {
			// Gmail answers 404 when the start history id has aged out.
			if retry.StatusOf(err) == 404 {
				return nil, mail.Cursor{}, sync.ErrCursorExpired
			}
			return nil, mail.Cursor{}, fmt.Errorf("failed to list history: %w", err)
		}

		for _, h := range resp.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, rec := range h.MessagesAdded {
				if !seen[rec.Message.Id] {
					seen[rec.Message.Id] = true
					addedIDs = append(addedIDs, rec.Message.Id)
				}
			}
			for _, rec := range h.LabelsAdded {
				if !seen[rec.Message.Id] {
					seen[rec.Message.Id] = true
					changedIDs = append(changedIDs, rec.Message.Id)
				}
			}
			for _, rec := range h.LabelsRemoved {
				if !seen[rec.Message.Id] {
					seen[rec.Message.Id] = true
					changedIDs = append(changedIDs, rec.Message.Id)
				}
			}
			for _, rec := range h.MessagesDeleted {
				removals = append(removals, mail.Removal{ExternalID: rec.Message.Id, Permanent: true})
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	msgs, gone, err := a.fetchMessages(ctx, append(addedIDs, changedIDs...))
	if err != nil {
		return nil, mail.Cursor{}, err
	}
	// A message that vanished between history listing and the fetch is an
	// ordinary trash signal, not a permanent delete.
	for _, id := range gone {
		removals = append(removals, mail.Removal{ExternalID: id})
	}

	return &mail.ChangeSet{Messages: msgs, Removals: removals}, mail.HistoryCursor(latest), nil
}

// FetchFullWindow lists the most recent messages up to limit and anchors the
// history cursor at the profile's current history id.
func (a *Adapter) FetchFullWindow(ctx context.Context, limit int) ([]mail.ParsedMessage, mail.Cursor, error) {
	var ids []string
	pageToken := ""
	for len(ids) < limit {
		if err := a.limiter.WaitN(ctx, unitsMessagesList); err != nil {
			return nil, mail.Cursor{}, err
		}

		resp, err := retry.Do(ctx, a.retry, "gmail.messages.list", func() (*gmail.ListMessagesResponse, error) {
			call := a.svc.Users.Messages.List("me").
				IncludeSpamTrash(false).
				MaxResults(int64(min(pageSize, limit-len(ids)))).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			return call.Do()
		})
		if err != nil {
			return nil, mail.Cursor{}, fmt.Errorf("failed to list messages: %w", err)
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	msgs, _, err := a.fetchMessages(ctx, ids)
	if err != nil {
		return nil, mail.Cursor{}, err
	}

	cursor := mail.Cursor{}
	if err := a.limiter.WaitN(ctx, unitsGetProfile); err == nil {
		profile, err := retry.Do(ctx, a.retry, "gmail.getprofile", func() (*gmail.Profile, error) {
			return a.svc.Users.GetProfile("me").Context(ctx).Do()
		})
		if err == nil && profile.HistoryId != 0 {
			cursor = mail.HistoryCursor(profile.HistoryId)
		} else if err != nil {
			a.log.WithError(err).Warn("failed to read profile history id")
		}
	}
	return msgs, cursor, nil
}

// FetchMessage fetches one message in full format.
func (a *Adapter) FetchMessage(ctx context.Context, externalID string) (*mail.ParsedMessage, error) {
	if err := a.limiter.WaitN(ctx, unitsMessagesGet); err != nil {
		return nil, err
	}

	m, err := retry.Do(ctx, a.retry, "gmail.messages.get", func() (*gmail.Message, error) {
		return a.svc.Users.Messages.Get("me", externalID).Format("full").Context(ctx).Do()
	})
	if err != nil {
		if retry.StatusOf(err) == 404 {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %s: %w", externalID, err)
	}

	pm := parseMessage(m)
	return &pm, nil
}

// DownloadAttachment fetches and decodes one attachment body.
func (a *Adapter) DownloadAttachment(ctx context.Context, externalMessageID, externalAttachmentID string) ([]byte, error) {
	if err := a.limiter.WaitN(ctx, unitsAttachmentsGet); err != nil {
		return nil, err
	}

	body, err := retry.Do(ctx, a.retry, "gmail.attachments.get", func() (*gmail.MessagePartBody, error) {
		return a.svc.Users.Messages.Attachments.Get("me", externalMessageID, externalAttachmentID).Context(ctx).Do()
	})
	if err != nil {
		if retry.StatusOf(err) == 404 {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attachment %s: %w", externalAttachmentID, err)
	}

	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(body.Data, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %s: %w", externalAttachmentID, err)
	}
	return data, nil
}

// fetchMessages fetches full messages with bounded parallelism. Ids the
// remote no longer has come back in gone instead of failing the batch.
func (a *Adapter) fetchMessages(ctx context.Context, ids []string) ([]mail.ParsedMessage, []string, error) {
	msgs := make([]*mail.ParsedMessage, len(ids))
	goneFlags := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchWorkers)
	for i, id := range ids {
		g.Go(func() error {
			if err := a.limiter.WaitN(gctx, unitsMessagesGet); err != nil {
				return err
			}
			m, err := retry.Do(gctx, a.retry, "gmail.messages.get", func() (*gmail.Message, error) {
				return a.svc.Users.Messages.Get("me", id).Format("full").Context(gctx).Do()
			})
			if err != nil {
				if retry.StatusOf(err) == 404 {
					goneFlags[i] = true
					return nil
				}
				return fmt.Errorf("failed to get message %s: %w", id, err)
			}
			pm := parseMessage(m)
			msgs[i] = &pm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make([]mail.ParsedMessage, 0, len(ids))
	var gone []string
	for i, pm := range msgs {
		if goneFlags[i] {
			gone = append(gone, ids[i])
			continue
		}
		if pm != nil {
			out = append(out, *pm)
		}
	}
	return out, gone, nil
}

// parseMessage converts a full-format Gmail message into the normalized form.
func parseMessage(m *gmail.Message) mail.ParsedMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	pm := mail.ParsedMessage{
		ExternalID: m.Id,
		ThreadID:   m.ThreadId,
		Subject:    headers["subject"],
		From:       headers["from"],
		To:         splitAddrs(headers["to"]),
		Cc:         splitAddrs(headers["cc"]),
		Bcc:        splitAddrs(headers["bcc"]),
		Snippet:    m.Snippet,
		Labels:     m.LabelIds,
		Size:       m.SizeEstimate,
		ReceivedAt: time.UnixMilli(m.InternalDate).UTC(),
	}

	pm.IsRead = !hasLabel(m.LabelIds, "UNREAD")
	pm.IsStarred = hasLabel(m.LabelIds, "STARRED")

	if sent, err := netmail.ParseDate(headers["date"]); err == nil {
		pm.SentAt = sent.UTC()
	} else {
		pm.SentAt = pm.ReceivedAt
	}

	if m.Payload != nil {
		walkParts(m.Payload, &pm)
	}
	return pm
}

// walkParts recurses the MIME tree collecting bodies and attachment refs.
func walkParts(part *gmail.MessagePart, pm *mail.ParsedMessage) {
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		pm.Attachments = append(pm.Attachments, mail.AttachmentRef{
			ExternalID: part.Body.AttachmentId,
			Filename:   part.Filename,
			MimeType:   part.MimeType,
			Size:       part.Body.Size,
			IsInline:   partIsInline(part),
			ContentID:  partContentID(part),
		})
	} else if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(part.Body.Data, "="))
		if err == nil {
			switch part.MimeType {
			case "text/plain":
				if pm.BodyText == "" {
					pm.BodyText = string(data)
				}
			case "text/html":
				if pm.BodyHTML == "" {
					pm.BodyHTML = string(data)
				}
			}
		}
	}

	for _, child := range part.Parts {
		walkParts(child, pm)
	}
}

func partIsInline(part *gmail.MessagePart) bool {
	for _, kv := range part.Headers {
		if strings.EqualFold(kv.Name, "Content-Disposition") {
			return strings.HasPrefix(strings.ToLower(kv.Value), "inline")
		}
	}
	return partContentID(part) != ""
}

func partContentID(part *gmail.MessagePart) string {
	for _, kv := range part.Headers {
		if strings.EqualFold(kv.Name, "Content-ID") {
			return strings.Trim(kv.Value, "<>")
		}
	}
	return ""
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// splitAddrs parses a comma-separated address header.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	if addrs, err := netmail.ParseAddressList(s); err == nil {
		result := make([]string, 0, len(addrs))
		for _, a := range addrs {
			result = append(result, a.Address)
		}
		return result
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

