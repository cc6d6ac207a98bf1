package gmail

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
)

func b64(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func TestParseMessageFullFormat(t *testing.T) {
	m := &gmail.Message{
		Id:           "msg-1",
		ThreadId:     "thread-1",
		Snippet:      "hello there",
		LabelIds:     []string{"INBOX", "UNREAD", "STARRED"},
		SizeEstimate: 2048,
		InternalDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Quarterly report"},
				{Name: "From", Value: "Alice <alice@example.com>"},
				{Name: "To", Value: "Bob <bob@example.com>, carol@example.com"},
				{Name: "Date", Value: "Sun, 01 Mar 2026 11:58:00 +0000"},
			},
			Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain body")}},
						{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>html body</p>")}},
					},
				},
				{
					MimeType: "application/pdf",
					Filename: "report.pdf",
					Body:     &gmail.MessagePartBody{AttachmentId: "att-1", Size: 4096},
				},
				{
					MimeType: "image/png",
					Filename: "logo.png",
					Headers: []*gmail.MessagePartHeader{
						{Name: "Content-Disposition", Value: `inline; filename="logo.png"`},
						{Name: "Content-ID", Value: "<logo@cid>"},
					},
					Body: &gmail.MessagePartBody{AttachmentId: "att-2", Size: 100},
				},
			},
		},
	}

	pm := parseMessage(m)

	assert.Equal(t, "msg-1", pm.ExternalID)
	assert.Equal(t, "thread-1", pm.ThreadID)
	assert.Equal(t, "Quarterly report", pm.Subject)
	assert.Equal(t, "Alice <alice@example.com>", pm.From)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, pm.To)
	assert.Equal(t, "plain body", pm.BodyText)
	assert.Equal(t, "<p>html body</p>", pm.BodyHTML)
	assert.False(t, pm.IsRead)
	assert.True(t, pm.IsStarred)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), pm.ReceivedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 58, 0, 0, time.UTC), pm.SentAt)

	require.Len(t, pm.Attachments, 2)
	assert.Equal(t, "att-1", pm.Attachments[0].ExternalID)
	assert.Equal(t, "report.pdf", pm.Attachments[0].Filename)
	assert.False(t, pm.Attachments[0].IsInline)
	assert.True(t, pm.Attachments[1].IsInline)
	assert.Equal(t, "logo@cid", pm.Attachments[1].ContentID)
}

func TestParseMessageMissingDateFallsBackToInternal(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &gmail.Message{
		Id:           "msg-2",
		InternalDate: received.UnixMilli(),
		LabelIds:     []string{"SENT"},
		Payload:      &gmail.MessagePart{},
	}

	pm := parseMessage(m)
	assert.Equal(t, received, pm.SentAt)
	assert.True(t, pm.IsRead)
}

func TestSplitAddrs(t *testing.T) {
	assert.Nil(t, splitAddrs(""))
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, splitAddrs("A <a@x.com>, b@x.com"))
	// Unparseable header degrades to comma splitting.
	assert.Equal(t, []string{"not-an-address"}, splitAddrs("not-an-address"))
}
