package mail

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CursorKind tags the resume-token variant held by a Cursor.
type CursorKind string

const (
	CursorNone         CursorKind = ""
	CursorHistoryID    CursorKind = "history"
	CursorDeltaLink    CursorKind = "delta"
	CursorUIDWatermark CursorKind = "uid"
	CursorTimestamp    CursorKind = "ts"
)

// Cursor is the opaque resume token for incremental sync. Exactly one of the
// payload fields is meaningful, selected by Kind. It is mutated only by the
// orchestrator at the end of a successful pass.
type Cursor struct {
	Kind      CursorKind
	HistoryID uint64
	DeltaLink string
	UID       uint32
	Time      time.Time
}

// HistoryCursor returns a history-id cursor.
func HistoryCursor(id uint64) Cursor {
	return Cursor{Kind: CursorHistoryID, HistoryID: id}
}

// DeltaCursor returns a delta-link cursor.
func DeltaCursor(link string) Cursor {
	return Cursor{Kind: CursorDeltaLink, DeltaLink: link}
}

// UIDCursor returns a UID-watermark cursor.
func UIDCursor(uid uint32) Cursor {
	return Cursor{Kind: CursorUIDWatermark, UID: uid}
}

// TimestampCursor returns a timestamp cursor.
func TimestampCursor(t time.Time) Cursor {
	return Cursor{Kind: CursorTimestamp, Time: t.UTC()}
}

// IsZero reports whether the cursor carries no resume state.
func (c Cursor) IsZero() bool {
	return c.Kind == CursorNone
}

// Encode renders the cursor as a single string suitable for the sync-state
// table. The inverse is ParseCursor.
func (c Cursor) Encode() string {
	switch c.Kind {
	case CursorHistoryID:
		return fmt.Sprintf("%s:%d", CursorHistoryID, c.HistoryID)
	case CursorDeltaLink:
		return fmt.Sprintf("%s:%s", CursorDeltaLink, c.DeltaLink)
	case CursorUIDWatermark:
		return fmt.Sprintf("%s:%d", CursorUIDWatermark, c.UID)
	case CursorTimestamp:
		return fmt.Sprintf("%s:%s", CursorTimestamp, c.Time.UTC().Format(time.RFC3339Nano))
	default:
		return ""
	}
}

// ParseCursor decodes a cursor previously produced by Encode. An empty string
// decodes to the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}

	kind, payload, found := strings.Cut(s, ":")
	if !found {
		return Cursor{}, fmt.Errorf("malformed cursor %q", s)
	}

	switch CursorKind(kind) {
	case CursorHistoryID:
		id, err := strconv.ParseUint(payload, 10, 64)
		if err != nil {
			return Cursor{}, fmt.Errorf("invalid history id in cursor: %w", err)
		}
		return HistoryCursor(id), nil
	case CursorDeltaLink:
		return DeltaCursor(payload), nil
	case CursorUIDWatermark:
		uid, err := strconv.ParseUint(payload, 10, 32)
		if err != nil {
			return Cursor{}, fmt.Errorf("invalid uid watermark in cursor: %w", err)
		}
		return UIDCursor(uint32(uid)), nil
	case CursorTimestamp:
		t, err := time.Parse(time.RFC3339Nano, payload)
		if err != nil {
			return Cursor{}, fmt.Errorf("invalid timestamp in cursor: %w", err)
		}
		return TimestampCursor(t), nil
	default:
		return Cursor{}, fmt.Errorf("unknown cursor kind %q", kind)
	}
}

// Advances reports whether next moves the cursor forward relative to c.
// History ids and UID watermarks never regress; a kind change (mode
// downgrade or explicit reset) always counts as an advance.
func (c Cursor) Advances(next Cursor) bool {
	if next.IsZero() {
		return false
	}
	if c.IsZero() || c.Kind != next.Kind {
		return true
	}
	switch c.Kind {
	case CursorHistoryID:
		return next.HistoryID >= c.HistoryID
	case CursorUIDWatermark:
		return next.UID >= c.UID
	case CursorTimestamp:
		return !next.Time.Before(c.Time)
	default:
		return true
	}
}
