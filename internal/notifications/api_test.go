package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

func historyServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer token-1"
	}
	mux.HandleFunc("/api/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(UnreadCountResponse{UnreadCount: 4})
	})
	mux.HandleFunc("/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		start := (page - 1) * limit
		items := make([]protocol.Notification, 0, limit)
		for index := start; index < total && index < start+limit; index++ {
			items = append(items, protocol.Notification{
				ID:        protocol.ID("n-" + strconv.Itoa(index)),
				Kind:      "message",
				Title:     "Title",
				CreatedAt: storeEpoch.Add(-time.Duration(index) * time.Minute),
			})
		}
		_ = json.NewEncoder(w).Encode(PageResponse{
			Items:       items,
			Page:        page,
			Limit:       limit,
			HasMore:     start+limit < total,
			UnreadCount: total,
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestNewAPIClientValidatesConfig(t *testing.T) {
	_, err := NewAPIClient(APIConfig{Token: "x"})
	require.ErrorIs(t, err, ErrMissingBaseURL)
	_, err = NewAPIClient(APIConfig{BaseURL: "http://localhost"})
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestAPIClientUnreadCount(t *testing.T) {
	server := historyServer(t, 0)
	client, err := NewAPIClient(APIConfig{BaseURL: server.URL + "/api/", Token: "token-1"})
	require.NoError(t, err)

	count, err := client.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestAPIClientReportsStatusErrors(t *testing.T) {
	server := historyServer(t, 0)
	client, err := NewAPIClient(APIConfig{BaseURL: server.URL + "/api", Token: "wrong"})
	require.NoError(t, err)

	_, err = client.UnreadCount(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestAPIClientSyncWalksPagesIntoStore(t *testing.T) {
	server := historyServer(t, 5)
	client, err := NewAPIClient(APIConfig{BaseURL: server.URL + "/api", Token: "token-1"})
	require.NoError(t, err)
	store := newTestStore(t)

	unread, err := client.Sync(context.Background(), store, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, unread)

	listed, err := store.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 5)
	assert.Equal(t, "n-0", listed[0].ID)
}
