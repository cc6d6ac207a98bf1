// Package folder maps provider-native folder and label identifiers onto the
// canonical mailbox vocabulary used by the rest of the engine.
package folder

import "strings"

// Folder is a canonical mailbox location.
type Folder string

const (
	Inbox     Folder = "INBOX"
	Sent      Folder = "SENT"
	Drafts    Folder = "DRAFTS"
	Trash     Folder = "TRASH"
	Spam      Folder = "SPAM"
	Archive   Folder = "ARCHIVE"
	Important Folder = "IMPORTANT"

	// Provider-specific extras.
	Social     Folder = "SOCIAL"
	Promotions Folder = "PROMOTIONS"
	Updates    Folder = "UPDATES"
	Forums     Folder = "FORUMS"
	Outbox     Folder = "OUTBOX"
)

// synonyms maps lower-cased provider folder names to canonical folders.
// Covers English, Italian and German localized names alongside the label ids
// the label-based providers emit.
var synonyms = map[string]Folder{
	"inbox":           Inbox,
	"posta in arrivo": Inbox,
	"posteingang":     Inbox,

	"sent":               Sent,
	"sent items":         Sent,
	"sent mail":          Sent,
	"sent messages":      Sent,
	"posta inviata":      Sent,
	"gesendet":           Sent,
	"gesendete elemente": Sent,

	"draft":     Drafts,
	"drafts":    Drafts,
	"bozze":     Drafts,
	"entwürfe":  Drafts,
	"entwuerfe": Drafts,

	"trash":              Trash,
	"bin":                Trash,
	"deleted":            Trash,
	"deleted items":      Trash,
	"deleted messages":   Trash,
	"cestino":            Trash,
	"papierkorb":         Trash,
	"gelöschte elemente": Trash,

	"spam":               Spam,
	"junk":               Spam,
	"junk email":         Spam,
	"junk e-mail":        Spam,
	"posta indesiderata": Spam,

	"archive":  Archive,
	"all mail": Archive,
	"archivio": Archive,
	"archiv":   Archive,

	"important":  Important,
	"importante": Important,
	"wichtig":    Important,

	"outbox":        Outbox,
	"posta in uscita": Outbox,
	"postausgang":   Outbox,

	"category_social":     Social,
	"category_promotions": Promotions,
	"category_updates":    Updates,
	"category_forums":     Forums,
}

// categoryLabels are the label-provider category signals, in the order they
// win over a bare INBOX signal.
var categoryLabels = map[string]Folder{
	"CATEGORY_SOCIAL":     Social,
	"CATEGORY_PROMOTIONS": Promotions,
	"CATEGORY_UPDATES":    Updates,
	"CATEGORY_FORUMS":     Forums,
}

// Normalize maps one raw provider folder identifier to a canonical folder.
// Matching is case-insensitive across the locale synonym table; anything
// unmatched falls back to the raw name upper-cased.
func Normalize(raw string) Folder {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return Inbox
	}
	if f, ok := synonyms[name]; ok {
		return f
	}
	return Folder(strings.ToUpper(strings.TrimSpace(raw)))
}

// FromLabels resolves the canonical folder for a label-based provider, which
// attaches several signals to one message at once. Priority:
// TRASH > SPAM > SENT > DRAFTS > category labels > INBOX > fallback.
// Category labels outrank a bare INBOX signal because the provider sets both
// simultaneously.
func FromLabels(labels []string) Folder {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[strings.ToUpper(l)] = true
	}

	switch {
	case set["TRASH"]:
		return Trash
	case set["SPAM"], set["JUNK"]:
		return Spam
	case set["SENT"]:
		return Sent
	case set["DRAFT"], set["DRAFTS"]:
		return Drafts
	}

	for label, f := range categoryLabels {
		if set[label] {
			return f
		}
	}

	if set["INBOX"] {
		return Inbox
	}

	for _, l := range labels {
		if !systemLabel(l) {
			return Normalize(l)
		}
	}
	return Archive
}

// systemLabel filters label ids that never name a mailbox location.
func systemLabel(l string) bool {
	switch strings.ToUpper(l) {
	case "UNREAD", "STARRED", "IMPORTANT", "CHAT", "MUTED":
		return true
	}
	return false
}
