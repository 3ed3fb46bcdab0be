package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-sync/internal/config"
)

func testFamily() *config.Family {
	return &config.Family{
		Name: "sars",
		Tracker: config.FamilyTracker{
			StatusCodes:       map[string]int{"Pendente": 1, "Em Andamento": 2, "Concluído": 3, "Cancelado": 5},
			DefaultStatusCode: 1,
			Attempts:          3,
			RetryDelaySeconds: 0,
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(config.TrackerConfig{
		BaseURL:        srv.URL,
		APIKey:         "secret",
		TimeoutSeconds: 5,
	}, zap.NewNop())
	return client, srv
}

func TestUpdateIssueSendsRedminePayload(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Redmine-API-Key")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusNoContent)
	})

	assignee := 7
	ok := client.UpdateIssue(context.Background(), testFamily(), 42, IssueUpdate{
		StatusID: 2,
		Notes:    "assumido por alice",
		Assignee: &assignee,
	})
	require.True(t, ok)
	require.Equal(t, "/issues/42.json", gotPath)
	require.Equal(t, "secret", gotKey)

	issue, ok := gotBody["issue"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(2), issue["status_id"])
	require.Equal(t, "assumido por alice", issue["notes"])
	require.Equal(t, float64(7), issue["assigned_to_id"])
}

func TestUpdateIssueClearsAssigneeWithExplicitNull(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusNoContent)
	})

	cleared := 0
	require.True(t, client.UpdateIssue(context.Background(), testFamily(), 9, IssueUpdate{
		StatusID: 1,
		Assignee: &cleared,
	}))

	issue := gotBody["issue"].(map[string]any)
	val, present := issue["assigned_to_id"]
	require.True(t, present)
	require.Nil(t, val)
}

func TestUpdateIssueOmitsAssigneeWhenNil(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusNoContent)
	})

	require.True(t, client.UpdateIssue(context.Background(), testFamily(), 9, IssueUpdate{StatusID: 3}))

	issue := gotBody["issue"].(map[string]any)
	_, present := issue["assigned_to_id"]
	require.False(t, present)
}

func TestUpdateIssueTreatsNotFoundAsSuccess(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})

	require.True(t, client.UpdateIssue(context.Background(), testFamily(), 42, IssueUpdate{StatusID: 5}))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUpdateIssueRetriesServerErrors(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.True(t, client.UpdateIssue(context.Background(), testFamily(), 42, IssueUpdate{StatusID: 2}))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestUpdateIssueGivesUpAfterAttemptsExhausted(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	require.False(t, client.UpdateIssue(context.Background(), testFamily(), 42, IssueUpdate{StatusID: 2}))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestUpdateIssueStopsOnValidationError(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	require.False(t, client.UpdateIssue(context.Background(), testFamily(), 42, IssueUpdate{StatusID: 2}))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUpdateIssueFailsWithoutBaseURL(t *testing.T) {
	client := NewClient(config.TrackerConfig{}, zap.NewNop())
	require.False(t, client.UpdateIssue(context.Background(), testFamily(), 42, IssueUpdate{StatusID: 2}))
}
