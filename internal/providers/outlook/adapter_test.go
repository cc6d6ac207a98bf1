package outlook

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/retry"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

func newTestAdapter(t *testing.T, handler http.Handler) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.NewEntry(logrus.New())
	return &Adapter{
		http:  srv.Client(),
		retry: retry.New(retry.DefaultConfig(), log),
		log:   log,
	}, srv
}

func TestFetchDeltaRemovalsAndCursor(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/delta", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"value": [
				{"id": "gone-1", "@removed": {"reason": "changed"}},
				{"id": "gone-2", "@removed": {"reason": "deleted"}}
			],
			"@odata.nextLink": %q
		}`, base+"/delta-page-2")
	})
	mux.HandleFunc("/delta-page-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value": [], "@odata.deltaLink": %q}`, base+"/delta?token=final")
	})

	a, srv := newTestAdapter(t, mux)
	base = srv.URL

	cs, cursor, err := a.fetchDelta(t.Context(), base+"/delta")
	require.NoError(t, err)

	require.Len(t, cs.Removals, 2)
	assert.Equal(t, mail.Removal{ExternalID: "gone-1", Permanent: false}, cs.Removals[0])
	assert.Equal(t, mail.Removal{ExternalID: "gone-2", Permanent: true}, cs.Removals[1])
	assert.Empty(t, cs.Messages)

	assert.Equal(t, mail.CursorDeltaLink, cursor.Kind)
	assert.Equal(t, base+"/delta?token=final", cursor.DeltaLink)
}

func TestFetchDeltaGoneMeansExpiredCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/delta", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"syncStateNotFound"}}`, http.StatusGone)
	})

	a, srv := newTestAdapter(t, mux)

	_, _, err := a.fetchDelta(t.Context(), srv.URL+"/delta")
	assert.ErrorIs(t, err, sync.ErrCursorExpired)
}

func TestFetchDeltaPageCapKeepsResumableCursor(t *testing.T) {
	var base string
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/delta", func(w http.ResponseWriter, r *http.Request) {
		calls++
		// Endless nextLink chain; the walk must stop at the page cap.
		fmt.Fprintf(w, `{"value": [], "@odata.nextLink": %q}`, base+"/delta")
	})

	a, srv := newTestAdapter(t, mux)
	base = srv.URL

	_, cursor, err := a.fetchDelta(t.Context(), base+"/delta")
	require.NoError(t, err)
	assert.Equal(t, deltaPageCap, calls)
	// The interrupted walk resumes from the last nextLink.
	assert.Equal(t, mail.CursorDeltaLink, cursor.Kind)
	assert.Equal(t, base+"/delta", cursor.DeltaLink)
}

func TestFetchChangesRejectsForeignCursor(t *testing.T) {
	a := &Adapter{retry: retry.New(retry.DefaultConfig(), nil), log: logrus.NewEntry(logrus.New())}
	_, _, err := a.FetchChanges(t.Context(), mail.HistoryCursor(42))
	assert.ErrorIs(t, err, sync.ErrCursorExpired)
}
