package imapuid

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-sync-infra/internal/auth"
	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

const mailboxName = "INBOX"

// Adapter syncs a generic IMAP inbox. The change cursor is a UID watermark:
// every message with a UID above it is new. UIDs only grow within a mailbox
// generation; a server that hands out smaller ones reset the mailbox and the
// cursor is expired.
type Adapter struct {
	addr     string
	username string
	password string
	log      *logrus.Entry

	// dial is swappable in tests.
	dial func(addr string) (*client.Client, error)
}

// New creates an IMAP adapter from host credentials.
func New(cred *auth.Credential, log *logrus.Entry) (*Adapter, error) {
	if cred.IMAPHost == "" || cred.IMAPUsername == "" {
		return nil, fmt.Errorf("credential missing IMAP host or username")
	}
	port := cred.IMAPPort
	if port == 0 {
		port = 993
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		addr:     fmt.Sprintf("%s:%d", cred.IMAPHost, port),
		username: cred.IMAPUsername,
		password: cred.IMAPPassword,
		log:      log,
		dial: func(addr string) (*client.Client, error) {
			return client.DialTLS(addr, nil)
		},
	}, nil
}

// connect dials, authenticates and selects the inbox read-only.
func (a *Adapter) connect(ctx context.Context) (*client.Client, *imap.MailboxStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	c, err := a.dial(a.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", a.addr, err)
	}

	if err := c.Login(a.username, a.password); err != nil {
		_ = c.Logout()
		return nil, nil, fmt.Errorf("imap login: %w", sync.ErrAuthFailed)
	}

	mbox, err := c.Select(mailboxName, true)
	if err != nil {
		_ = c.Logout()
		return nil, nil, fmt.Errorf("failed to select %s: %w", mailboxName, err)
	}
	return c, mbox, nil
}

// FetchChanges fetches every message above the UID watermark.
func (a *Adapter) FetchChanges(ctx context.Context, cursor mail.Cursor) (*mail.ChangeSet, mail.Cursor, error) {
	if cursor.Kind != mail.CursorUIDWatermark || cursor.UID == 0 {
		return nil, mail.Cursor{}, sync.ErrCursorExpired
	}

	c, mbox, err := a.connect(ctx)
	if err != nil {
		return nil, mail.Cursor{}, err
	}
	defer c.Logout()

	// UidNext at or below the watermark means the mailbox generation
	// changed under us.
	if mbox.UidNext != 0 && mbox.UidNext <= cursor.UID {
		return nil, mail.Cursor{}, sync.ErrCursorExpired
	}
	if mbox.Messages == 0 || mbox.UidNext == cursor.UID+1 {
		return &mail.ChangeSet{}, cursor, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(cursor.UID+1, 0)

	msgs, maxUID, err := a.fetchParsed(ctx, c, seqset, true, cursor.UID)
	if err != nil {
		return nil, mail.Cursor{}, err
	}

	next := cursor
	if maxUID > next.UID {
		next = mail.UIDCursor(maxUID)
	}
	return &mail.ChangeSet{Messages: msgs}, next, nil
}

// FetchFullWindow fetches the most recent limit messages by sequence number
// and sets the watermark at the highest UID seen.
func (a *Adapter) FetchFullWindow(ctx context.Context, limit int) ([]mail.ParsedMessage, mail.Cursor, error) {
	c, mbox, err := a.connect(ctx)
	if err != nil {
		return nil, mail.Cursor{}, err
	}
	defer c.Logout()

	if mbox.Messages == 0 {
		// Empty mailbox still yields a valid watermark.
		if mbox.UidNext > 1 {
			return nil, mail.UIDCursor(mbox.UidNext - 1), nil
		}
		return nil, mail.UIDCursor(1), nil
	}

	from := uint32(1)
	if uint32(limit) < mbox.Messages {
		from = mbox.Messages - uint32(limit) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	msgs, maxUID, err := a.fetchParsed(ctx, c, seqset, false, 0)
	if err != nil {
		return nil, mail.Cursor{}, err
	}
	if maxUID == 0 {
		return msgs, mail.Cursor{}, nil
	}
	return msgs, mail.UIDCursor(maxUID), nil
}

// FetchMessage fetches one message by its UID.
func (a *Adapter) FetchMessage(ctx context.Context, externalID string) (*mail.ParsedMessage, error) {
	uid, err := parseUID(externalID)
	if err != nil {
		return nil, err
	}

	c, _, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	msgs, _, err := a.fetchParsed(ctx, c, seqset, true, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, sync.ErrNotFound
	}
	return &msgs[0], nil
}

// DownloadAttachment fetches one MIME part's decoded bytes. The attachment id
// is the dotted part path recorded during parsing.
func (a *Adapter) DownloadAttachment(ctx context.Context, externalMessageID, externalAttachmentID string) ([]byte, error) {
	uid, err := parseUID(externalMessageID)
	if err != nil {
		return nil, err
	}
	path, err := parsePartPath(externalAttachmentID)
	if err != nil {
		return nil, err
	}

	c, _, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.EntireSpecifier, Path: path},
		Peek:         true,
	}
	structItem := imap.FetchBodyStructure

	ch := make(chan *imap.Message, 1)
	if err := c.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), structItem, imap.FetchUid}, ch); err != nil {
		return nil, fmt.Errorf("failed to fetch attachment part: %w", err)
	}

	msg := <-ch
	if msg == nil {
		return nil, sync.ErrNotFound
	}
	body := msg.GetBody(section)
	if body == nil {
		return nil, sync.ErrNotFound
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment part: %w", err)
	}

	encoding := ""
	if msg.BodyStructure != nil {
		if part := partAt(msg.BodyStructure, path); part != nil {
			encoding = part.Encoding
		}
	}
	return decodeTransfer(raw, encoding)
}

// fetchParsed runs one fetch over seqset and parses every returned message.
// With byUID the set addresses UIDs; minUID filters the last-message echo an
// open-ended UID range produces when nothing is new.
func (a *Adapter) fetchParsed(ctx context.Context, c *client.Client, seqset *imap.SeqSet, byUID bool, minUID uint32) ([]mail.ParsedMessage, uint32, error) {
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchUid,
		imap.FetchBodyStructure,
	}

	ch := make(chan *imap.Message, 32)
	errCh := make(chan error, 1)
	go func() {
		if byUID {
			errCh <- c.UidFetch(seqset, items, ch)
		} else {
			errCh <- c.Fetch(seqset, items, ch)
		}
	}()

	type pending struct {
		pm        mail.ParsedMessage
		textPaths map[string][]int // mime type -> part path
	}
	var out []pending
	var maxUID uint32

	for msg := range ch {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if msg.Uid <= minUID {
			continue
		}
		if msg.Uid > maxUID {
			maxUID = msg.Uid
		}
		pm, textPaths := parseMessage(msg)
		out = append(out, pending{pm: pm, textPaths: textPaths})
	}
	if err := <-errCh; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch messages: %w", err)
	}

	// Second pass per message for the text bodies the structure pointed at.
	msgs := make([]mail.ParsedMessage, 0, len(out))
	for _, p := range out {
		for mimeType, path := range p.textPaths {
			text, err := a.fetchTextPart(c, parseUIDMust(p.pm.ExternalID), path)
			if err != nil {
				a.log.WithField("uid", p.pm.ExternalID).WithError(err).Warn("failed to fetch body part")
				continue
			}
			switch mimeType {
			case "text/plain":
				p.pm.BodyText = text
			case "text/html":
				p.pm.BodyHTML = text
			}
		}
		msgs = append(msgs, p.pm)
	}
	return msgs, maxUID, nil
}

func (a *Adapter) fetchTextPart(c *client.Client, uid uint32, path []int) (string, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.EntireSpecifier, Path: path},
		Peek:         true,
	}
	if len(path) == 0 {
		section = &imap.BodySectionName{
			BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
			Peek:         true,
		}
	}

	ch := make(chan *imap.Message, 1)
	if err := c.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchBodyStructure, imap.FetchUid}, ch); err != nil {
		return "", err
	}
	msg := <-ch
	if msg == nil {
		return "", sync.ErrNotFound
	}
	body := msg.GetBody(section)
	if body == nil {
		return "", nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	encoding := ""
	if msg.BodyStructure != nil {
		if part := partAt(msg.BodyStructure, path); part != nil {
			encoding = part.Encoding
		}
	}
	decoded, err := decodeTransfer(raw, encoding)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// parseMessage converts envelope, flags and body structure into the
// normalized form and returns the part paths holding the text bodies.
func parseMessage(msg *imap.Message) (mail.ParsedMessage, map[string][]int) {
	pm := mail.ParsedMessage{
		ExternalID: strconv.FormatUint(uint64(msg.Uid), 10),
		RawFolder:  mailboxName,
		Size:       int64(msg.Size),
	}

	if env := msg.Envelope; env != nil {
		pm.Subject = env.Subject
		pm.From = formatAddress(env.From)
		pm.To = addressList(env.To)
		pm.Cc = addressList(env.Cc)
		pm.Bcc = addressList(env.Bcc)
		pm.SentAt = env.Date.UTC()
		pm.ReceivedAt = env.Date.UTC()
	}

	for _, f := range msg.Flags {
		switch f {
		case imap.SeenFlag:
			pm.IsRead = true
		case imap.FlaggedFlag:
			pm.IsStarred = true
		}
	}

	textPaths := make(map[string][]int)
	if msg.BodyStructure != nil {
		walkStructure(msg.BodyStructure, nil, &pm, textPaths)
	}
	return pm, textPaths
}

// walkStructure recurses the body structure collecting text part paths and
// attachment references. Part paths are 1-based dotted indices.
func walkStructure(bs *imap.BodyStructure, path []int, pm *mail.ParsedMessage, textPaths map[string][]int) {
	if len(bs.Parts) > 0 {
		for i, child := range bs.Parts {
			childPath := append(append([]int{}, path...), i+1)
			walkStructure(child, childPath, pm, textPaths)
		}
		return
	}

	mimeType := strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType)
	disposition := strings.ToLower(bs.Disposition)
	filename := partFilename(bs)

	if disposition == "attachment" || (filename != "" && disposition != "inline") {
		pm.Attachments = append(pm.Attachments, mail.AttachmentRef{
			ExternalID: formatPartPath(path),
			Filename:   filename,
			MimeType:   mimeType,
			Size:       int64(bs.Size),
			ContentID:  strings.Trim(bs.Id, "<>"),
		})
		return
	}
	if disposition == "inline" && filename != "" {
		pm.Attachments = append(pm.Attachments, mail.AttachmentRef{
			ExternalID: formatPartPath(path),
			Filename:   filename,
			MimeType:   mimeType,
			Size:       int64(bs.Size),
			IsInline:   true,
			ContentID:  strings.Trim(bs.Id, "<>"),
		})
		return
	}

	switch mimeType {
	case "text/plain", "text/html":
		if _, taken := textPaths[mimeType]; !taken {
			textPaths[mimeType] = append([]int{}, path...)
		}
	}
}

func partFilename(bs *imap.BodyStructure) string {
	if bs.DispositionParams != nil {
		if name, ok := bs.DispositionParams["filename"]; ok {
			return name
		}
	}
	if bs.Params != nil {
		if name, ok := bs.Params["name"]; ok {
			return name
		}
	}
	return ""
}

// partAt resolves a part path inside a body structure.
func partAt(bs *imap.BodyStructure, path []int) *imap.BodyStructure {
	cur := bs
	for _, idx := range path {
		if idx < 1 || idx > len(cur.Parts) {
			return nil
		}
		cur = cur.Parts[idx-1]
	}
	return cur
}

// decodeTransfer reverses the content transfer encoding of a fetched part.
func decodeTransfer(raw []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, string(raw))
		data, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 part: %w", err)
		}
		return data, nil
	case "quoted-printable":
		data, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable part: %w", err)
		}
		return data, nil
	default:
		return raw, nil
	}
}

func formatAddress(addrs []*imap.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	a := addrs[0]
	addr := a.MailboxName + "@" + a.HostName
	if a.PersonalName != "" {
		return fmt.Sprintf("%s <%s>", a.PersonalName, addr)
	}
	return addr
}

func addressList(addrs []*imap.Address) []string {
	var out []string
	for _, a := range addrs {
		out = append(out, a.MailboxName+"@"+a.HostName)
	}
	return out
}

func formatPartPath(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

func parsePartPath(s string) ([]int, error) {
	var path []int
	for _, seg := range strings.Split(s, ".") {
		n, err := strconv.Atoi(seg)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid attachment part path %q", s)
		}
		path = append(path, n)
	}
	return path, nil
}

func parseUID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid message uid %q", s)
	}
	return uint32(n), nil
}

func parseUIDMust(s string) uint32 {
	n, _ := strconv.ParseUint(s, 10, 32)
	return uint32(n)
}
