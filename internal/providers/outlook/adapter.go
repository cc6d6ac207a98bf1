package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mail-sync-infra/internal/auth"
	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/retry"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

const (
	graphBase    = "https://graph.microsoft.com/v1.0"
	inboxFolder  = "inbox"
	pageSize     = 100
	deltaPageCap = 10
	fetchWorkers = 8
)

// Adapter syncs an Outlook inbox through Microsoft Graph. Incremental change
// detection uses delta queries; the opaque delta link is the cursor. Mailboxes
// whose backing store rejects delta run in timestamp mode instead, filtering
// on receivedDateTime.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	http   *http.Client
	userID string
	retry  *retry.Executor
	log    *logrus.Entry
}

// New creates an Outlook adapter from an OAuth credential.
func New(ctx context.Context, cred *auth.Credential, userID string, log *logrus.Entry) (*Adapter, error) {
	tokenCred := &staticTokenCredential{token: cred.AccessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tokenCred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	// Delta links are opaque absolute URLs the SDK cannot walk; follow them
	// with a plain authorized client.
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken}))
	httpClient.Timeout = 30 * time.Second

	return &Adapter{
		client: client,
		http:   httpClient,
		userID: userID,
		retry:  retry.New(retry.DefaultConfig(), log),
		log:    log,
	}, nil
}

// FetchChanges walks delta pages from the cursor, or runs a timestamp filter
// query when the connection has been downgraded to timestamp mode.
func (a *Adapter) FetchChanges(ctx context.Context, cursor mail.Cursor) (*mail.ChangeSet, mail.Cursor, error) {
	switch cursor.Kind {
	case mail.CursorDeltaLink:
		return a.fetchDelta(ctx, cursor.DeltaLink)
	case mail.CursorTimestamp:
		return a.fetchSince(ctx, cursor.Time)
	default:
		return nil, mail.Cursor{}, sync.ErrCursorExpired
	}
}

// fetchDelta follows nextLink pages until the service hands back a deltaLink.
func (a *Adapter) fetchDelta(ctx context.Context, link string) (*mail.ChangeSet, mail.Cursor, error) {
	var changedIDs []string
	var removals []mail.Removal
	nextCursor := mail.Cursor{}

	for page := 0; page < deltaPageCap && link != ""; page++ {
		dp, err := a.getDeltaPage(ctx, link)
		if err != nil {
			if retry.StatusOf(err) == http.StatusGone {
				return nil, mail.Cursor{}, sync.ErrCursorExpired
			}
			return nil, mail.Cursor{}, fmt.Errorf("failed to walk delta page: %w", err)
		}

		for _, item := range dp.Value {
			if item.Removed != nil {
				removals = append(removals, mail.Removal{
					ExternalID: item.ID,
					Permanent:  item.Removed.Reason == "deleted",
				})
				continue
			}
			changedIDs = append(changedIDs, item.ID)
		}

		if dp.DeltaLink != "" {
			nextCursor = mail.DeltaCursor(dp.DeltaLink)
			break
		}
		link = dp.NextLink
		if link != "" {
			// Mid-walk interruption resumes from the nextLink.
			nextCursor = mail.DeltaCursor(link)
		}
	}

	msgs, gone, err := a.fetchMessages(ctx, changedIDs)
	if err != nil {
		return nil, mail.Cursor{}, err
	}
	for _, id := range gone {
		removals = append(removals, mail.Removal{ExternalID: id})
	}
	return &mail.ChangeSet{Messages: msgs, Removals: removals}, nextCursor, nil
}

// fetchSince is timestamp mode: everything received at or after the mark.
// Deletions are invisible here; the state machine converges them from
// later not-found signals.
func (a *Adapter) fetchSince(ctx context.Context, since time.Time) (*mail.ChangeSet, mail.Cursor, error) {
	filter := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
	requestConfig := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(pageSize),
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
		},
	}

	result, err := retry.Do(ctx, a.retry, "graph.messages.filter", func() (models.MessageCollectionResponseable, error) {
		res, err := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId(inboxFolder).Messages().Get(ctx, requestConfig)
		return res, graphErr(err)
	})
	if err != nil {
		return nil, mail.Cursor{}, fmt.Errorf("failed to query messages since %s: %w", since, err)
	}

	latest := since
	var msgs []mail.ParsedMessage
	for _, m := range result.GetValue() {
		pm := parseMessage(m)
		if err := a.attachRefs(ctx, m, &pm); err != nil {
			a.log.WithField("message", pm.ExternalID).WithError(err).Warn("failed to list attachments")
		}
		msgs = append(msgs, pm)
		if pm.ReceivedAt.After(latest) {
			latest = pm.ReceivedAt
		}
	}
	return &mail.ChangeSet{Messages: msgs}, mail.TimestampCursor(latest), nil
}

// FetchFullWindow lists the newest inbox messages and establishes a delta
// cursor at the current state. A mailbox that rejects delta gets a zero
// cursor back and runs in timestamp mode from then on.
func (a *Adapter) FetchFullWindow(ctx context.Context, limit int) ([]mail.ParsedMessage, mail.Cursor, error) {
	requestConfig := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(int32(min(pageSize, limit))),
			Orderby: []string{"receivedDateTime desc"},
		},
	}

	var msgs []mail.ParsedMessage
	result, err := retry.Do(ctx, a.retry, "graph.messages.list", func() (models.MessageCollectionResponseable, error) {
		res, err := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId(inboxFolder).Messages().Get(ctx, requestConfig)
		return res, graphErr(err)
	})
	if err != nil {
		return nil, mail.Cursor{}, fmt.Errorf("failed to list messages: %w", err)
	}
	for _, m := range result.GetValue() {
		pm := parseMessage(m)
		if err := a.attachRefs(ctx, m, &pm); err != nil {
			a.log.WithField("message", pm.ExternalID).WithError(err).Warn("failed to list attachments")
		}
		msgs = append(msgs, pm)
		if len(msgs) >= limit {
			break
		}
	}

	cursor, err := a.establishDelta(ctx)
	if err != nil {
		a.log.WithError(err).Warn("delta not available, connection downgrades to timestamp mode")
		return msgs, mail.Cursor{}, nil
	}
	return msgs, cursor, nil
}

// establishDelta asks for a delta link describing the current state without
// replaying history.
func (a *Adapter) establishDelta(ctx context.Context) (mail.Cursor, error) {
	link := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages/delta?%s",
		graphBase, url.PathEscape(a.userID), inboxFolder,
		url.Values{"$deltaToken": {"latest"}}.Encode())

	dp, err := a.getDeltaPage(ctx, link)
	if err != nil {
		return mail.Cursor{}, err
	}
	if dp.DeltaLink == "" {
		return mail.Cursor{}, fmt.Errorf("delta response missing deltaLink")
	}
	return mail.DeltaCursor(dp.DeltaLink), nil
}

// FetchMessage fetches one message by id.
func (a *Adapter) FetchMessage(ctx context.Context, externalID string) (*mail.ParsedMessage, error) {
	m, err := retry.Do(ctx, a.retry, "graph.messages.get", func() (models.Messageable, error) {
		res, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(externalID).Get(ctx, nil)
		return res, graphErr(err)
	})
	if err != nil {
		if retry.StatusOf(err) == http.StatusNotFound {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %s: %w", externalID, err)
	}

	pm := parseMessage(m)
	if err := a.attachRefs(ctx, m, &pm); err != nil {
		a.log.WithField("message", externalID).WithError(err).Warn("failed to list attachments")
	}
	return &pm, nil
}

// DownloadAttachment fetches one attachment's content bytes.
func (a *Adapter) DownloadAttachment(ctx context.Context, externalMessageID, externalAttachmentID string) ([]byte, error) {
	att, err := retry.Do(ctx, a.retry, "graph.attachments.get", func() (models.Attachmentable, error) {
		res, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(externalMessageID).
			Attachments().ByAttachmentId(externalAttachmentID).Get(ctx, nil)
		return res, graphErr(err)
	})
	if err != nil {
		if retry.StatusOf(err) == http.StatusNotFound {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attachment %s: %w", externalAttachmentID, err)
	}

	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, fmt.Errorf("attachment %s is not a file attachment", externalAttachmentID)
	}
	return file.GetContentBytes(), nil
}

// fetchMessages fetches changed messages with bounded parallelism, separating
// ids the remote no longer has.
func (a *Adapter) fetchMessages(ctx context.Context, ids []string) ([]mail.ParsedMessage, []string, error) {
	msgs := make([]*mail.ParsedMessage, len(ids))
	goneFlags := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchWorkers)
	for i, id := range ids {
		g.Go(func() error {
			pm, err := a.FetchMessage(gctx, id)
			if err != nil {
				if errors.Is(err, sync.ErrNotFound) {
					goneFlags[i] = true
					return nil
				}
				return err
			}
			msgs[i] = pm
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

// attachRefs lists attachment metadata for a message that reports some.
func (a *Adapter) attachRefs(ctx context.Context, m models.Messageable, pm *mail.ParsedMessage) error {
	if has := m.GetHasAttachments(); has == nil || !*has {
		return nil
	}

	result, err := retry.Do(ctx, a.retry, "graph.attachments.list", func() (models.AttachmentCollectionResponseable, error) {
		res, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(pm.ExternalID).Attachments().Get(ctx, nil)
		return res, graphErr(err)
	})
	if err != nil {
		return err
	}

	for _, att := range result.GetValue() {
		ref := mail.AttachmentRef{}
		if id := att.GetId(); id != nil {
			ref.ExternalID = *id
		}
		if name := att.GetName(); name != nil {
			ref.Filename = *name
		}
		if ct := att.GetContentType(); ct != nil {
			ref.MimeType = *ct
		}
		if size := att.GetSize(); size != nil {
			ref.Size = int64(*size)
		}
		if inline := att.GetIsInline(); inline != nil {
			ref.IsInline = *inline
		}
		if file, ok := att.(models.FileAttachmentable); ok {
			if cid := file.GetContentId(); cid != nil {
				ref.ContentID = *cid
			}
		}
		pm.Attachments = append(pm.Attachments, ref)
	}
	return nil
}

// getDeltaPage performs one GET against a delta or nextLink URL and decodes
// the page envelope.
func (a *Adapter) getDeltaPage(ctx context.Context, link string) (*deltaPage, error) {
	var dp deltaPage
	err := a.retry.Do(ctx, "graph.messages.delta", func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", link, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Prefer", fmt.Sprintf("odata.maxpagesize=%d", pageSize))

		resp, err := a.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &retry.StatusError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("delta request returned %d: %s", resp.StatusCode, string(body)),
			}
		}

		dp = deltaPage{}
		if err := json.NewDecoder(resp.Body).Decode(&dp); err != nil {
			return fmt.Errorf("decode delta page: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dp, nil
}

// deltaPage is the wire envelope of one delta query page.
type deltaPage struct {
	Value     []deltaItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

type deltaItem struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// parseMessage converts a Graph message into the normalized form. The inbox
// scope fixes the raw folder name.
func parseMessage(m models.Messageable) mail.ParsedMessage {
	pm := mail.ParsedMessage{RawFolder: "Inbox"}

	if id := m.GetId(); id != nil {
		pm.ExternalID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		pm.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		pm.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				pm.From = *addr
			}
		}
	}
	pm.To = extractAddresses(m.GetToRecipients())
	pm.Cc = extractAddresses(m.GetCcRecipients())
	pm.Bcc = extractAddresses(m.GetBccRecipients())

	if preview := m.GetBodyPreview(); preview != nil {
		pm.Snippet = *preview
	}
	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		content := *body.GetContent()
		if ct := body.GetContentType(); ct != nil && *ct == models.TEXT_BODYTYPE {
			pm.BodyText = content
		} else {
			pm.BodyHTML = content
		}
	}
	if isRead := m.GetIsRead(); isRead != nil {
		pm.IsRead = *isRead
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			pm.IsStarred = true
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		pm.ReceivedAt = rcvd.UTC()
	}
	if sent := m.GetSentDateTime(); sent != nil {
		pm.SentAt = sent.UTC()
	} else {
		pm.SentAt = pm.ReceivedAt
	}
	return pm
}

// extractAddresses flattens Graph recipients to bare addresses.
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// graphErr surfaces the OData status code so the retry executor can classify
// throttling and server errors.
func graphErr(err error) error {
	if err == nil {
		return nil
	}
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) && odataErr.ResponseStatusCode != 0 {
		return &retry.StatusError{StatusCode: odataErr.ResponseStatusCode, Err: err}
	}
	return err
}

// staticTokenCredential adapts a bearer token to the Azure credential
// interface the Graph SDK wants.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
