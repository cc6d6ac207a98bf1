package mail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorEncodeParseRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	cursors := []Cursor{
		HistoryCursor(123456),
		DeltaCursor("https://graph.microsoft.com/v1.0/me/messages/delta?$deltatoken=abc:def"),
		UIDCursor(42),
		TimestampCursor(ts),
	}

	for _, c := range cursors {
		parsed, err := ParseCursor(c.Encode())
		require.NoError(t, err, c.Encode())
		assert.Equal(t, c, parsed)
	}
}

func TestParseCursorEdgeCases(t *testing.T) {
	c, err := ParseCursor("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())

	_, err = ParseCursor("garbage")
	assert.Error(t, err)

	_, err = ParseCursor("history:not-a-number")
	assert.Error(t, err)

	_, err = ParseCursor("martian:1")
	assert.Error(t, err)
}

func TestCursorAdvances(t *testing.T) {
	tests := []struct {
		name string
		cur  Cursor
		next Cursor
		want bool
	}{
		{"zero never advances", HistoryCursor(10), Cursor{}, false},
		{"from zero always advances", Cursor{}, HistoryCursor(1), true},
		{"history forward", HistoryCursor(10), HistoryCursor(11), true},
		{"history equal holds", HistoryCursor(10), HistoryCursor(10), true},
		{"history regression blocked", HistoryCursor(10), HistoryCursor(9), false},
		{"uid forward", UIDCursor(5), UIDCursor(6), true},
		{"uid regression blocked", UIDCursor(5), UIDCursor(4), false},
		{"timestamp regression blocked", TimestampCursor(time.Unix(200, 0)), TimestampCursor(time.Unix(100, 0)), false},
		{"kind change is a reset", DeltaCursor("https://a"), TimestampCursor(time.Unix(1, 0)), true},
		{"delta links always advance", DeltaCursor("https://a"), DeltaCursor("https://b"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cur.Advances(tt.next))
		})
	}
}
