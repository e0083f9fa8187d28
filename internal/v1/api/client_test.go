package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/types"
)

// mockTokens is a TokenSource with a scripted refresh.
type mockTokens struct {
	mu           sync.Mutex
	token        string
	next         string
	refreshErr   error
	refreshCalls int
}

func (m *mockTokens) AccessToken(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *mockTokens) Refresh(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	if m.refreshErr != nil {
		return "", m.refreshErr
	}
	m.token = m.next
	return m.token, nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens TokenSource) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, Tokens: tokens, BreakerMaxFailures: 3})
	require.NoError(t, err)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestGetSession_SendsHeaders(t *testing.T) {
	var gotAuth, gotCorrelation, gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get(HeaderXCorrelationID)
		gotPath = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{
			"id":                 42,
			"topic":              map[string]any{"id": 1, "title": "Energy"},
			"created_by":         map[string]any{"id": 1, "username": "mod", "role": "MODERATOR"},
			"max_participants":   10,
			"participants_count": 3,
			"is_ongoing":         true,
			"user_has_joined":    true,
		})
	}, &mockTokens{token: "tok"})

	ctx := logging.WithCorrelationID(context.Background(), "corr-1")
	s, err := c.GetSession(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "corr-1", gotCorrelation)
	assert.Equal(t, "/api/debates/sessions/42/", gotPath)
	assert.Equal(t, types.SessionIDType(42), s.ID)
	assert.True(t, s.UserHasJoined)
	assert.Equal(t, types.SessionStatusOngoing, s.Status())
}

func TestGetSession_GeneratesCorrelationID(t *testing.T) {
	var gotCorrelation string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(HeaderXCorrelationID)
		writeJSON(w, http.StatusOK, map[string]any{"id": 1})
	}, &mockTokens{token: "tok"})

	_, err := c.GetSession(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, gotCorrelation, 36)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		sentinel error
		message  string
	}{
		{"not found", http.StatusNotFound, map[string]string{"detail": "Not found."}, ErrNotFound, "Not found."},
		{"forbidden", http.StatusForbidden, map[string]string{"error": "Only the creator can do that"}, ErrForbidden, "Only the creator can do that"},
		{"bad request", http.StatusBadRequest, map[string]string{"error": "Session has reached maximum participants"}, ErrBadRequest, "Session has reached maximum participants"},
		{"validation", http.StatusBadRequest, map[string][]string{"start_time": {"Must be in the future."}}, ErrBadRequest, "start_time: Must be in the future."},
		{"conflict", http.StatusConflict, "", ErrConflict, "Conflict"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}, &mockTokens{token: "tok"})

			err := c.JoinSession(context.Background(), 7)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			apiErr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, "join_session", apiErr.Op)
		})
	}
}

func TestUnauthorized_RefreshAndRetry(t *testing.T) {
	var hits int32
	tokens := &mockTokens{token: "stale", next: "fresh"}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": 3, "username": "alice", "role": "STUDENT"})
	}, tokens)

	u, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestUnauthorized_RefreshFails(t *testing.T) {
	var hits int32
	tokens := &mockTokens{token: "stale", refreshErr: errors.New("refresh expired")}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid"})
	}, tokens)

	_, err := c.GetSession(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestUnauthorized_RetriedOnlyOnce(t *testing.T) {
	var hits int32
	tokens := &mockTokens{token: "stale", next: "still-bad"}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}, tokens)

	_, err := c.GetSession(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestCircuitBreaker_OpensOnServerErrors(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream down"})
	}, &mockTokens{token: "tok"})

	for i := 0; i < 3; i++ {
		_, err := c.GetSession(context.Background(), 1)
		assert.ErrorIs(t, err, ErrServer)
	}

	_, err := c.GetSession(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "open breaker must not reach the server")
}

func TestCircuitBreaker_IgnoresClientErrors(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
	}, &mockTokens{token: "tok"})

	for i := 0; i < 5; i++ {
		_, err := c.GetSession(context.Background(), 1)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}

func TestListMessages(t *testing.T) {
	t.Run("paginated", func(t *testing.T) {
		var gotQuery string
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			_, _ = io.WriteString(w, `{"results":[{"id":1,"user":{"id":2,"username":"bob"},"content":"hi","created_at":"2025-06-22T10:00:00Z"}],"count":1,"user_role":"participant"}`)
		}, &mockTokens{token: "tok"})

		page, err := c.ListMessages(context.Background(), 42, 50)
		require.NoError(t, err)
		assert.Equal(t, "page_size=50", gotQuery)
		require.Len(t, page.Results, 1)
		assert.Equal(t, types.MessageIDType("1"), page.Results[0].ID)
		assert.Equal(t, types.ChatRoleParticipant, page.UserRole)
		require.NotNil(t, page.Results[0].CreatedAt)
	})

	t.Run("bare list", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `[{"id":"a","user":null,"content":"x"},{"id":"b","content":"y"}]`)
		}, &mockTokens{token: "tok"})

		page, err := c.ListMessages(context.Background(), 42, 0)
		require.NoError(t, err)
		assert.Len(t, page.Results, 2)
		assert.Equal(t, 2, page.Count)
		assert.Nil(t, page.Results[0].User)
	})
}

func TestModerationEndpoints(t *testing.T) {
	type captured struct {
		method string
		path   string
		body   map[string]any
	}
	var mu sync.Mutex
	var calls []captured

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, captured{r.Method, r.URL.Path, body})
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}, &mockTokens{token: "tok"})

	ctx := context.Background()
	start := time.Date(2025, 7, 1, 18, 30, 0, 0, time.UTC)
	capacity := 12

	require.NoError(t, c.StartNow(ctx, 42))
	require.NoError(t, c.Reschedule(ctx, 42, start))
	require.NoError(t, c.UpdateSession(ctx, 42, SessionPatch{MaxParticipants: &capacity}))
	require.NoError(t, c.ModerateParticipant(ctx, 42, 9, ActionMute))
	require.NoError(t, c.LeaveSession(ctx, 42))

	require.Len(t, calls, 5)
	assert.Equal(t, captured{http.MethodPost, "/api/debates/sessions/42/start_now/", nil}, calls[0])
	assert.Equal(t, "/api/debates/sessions/42/reschedule/", calls[1].path)
	assert.Equal(t, "2025-07-01T18:30:00Z", calls[1].body["start_time"])
	assert.Equal(t, http.MethodPatch, calls[2].method)
	assert.Equal(t, map[string]any{"max_participants": float64(12)}, calls[2].body)
	assert.Equal(t, map[string]any{"participant_id": float64(9), "action": "mute"}, calls[3].body)
	assert.Equal(t, "/api/debates/sessions/42/leave/", calls[4].path)
}

func TestEnterChat(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/debates/sessions/42/enter_chat/", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"session":            map[string]any{"id": 42},
			"user_role":          "moderator",
			"is_session_creator": true,
		})
	}, &mockTokens{token: "tok"})

	out, err := c.EnterChat(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, types.ChatRoleModerator, out.UserRole)
	assert.True(t, out.IsSessionCreator)
	assert.Equal(t, types.SessionIDType(42), out.Session.ID)
}

func TestRefreshToken_NoAuthHeader(t *testing.T) {
	tokens := &mockTokens{token: "stale"}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh"] != "r1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access": "new-access"})
	}, tokens)

	access, rotated, err := c.RefreshToken(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", access)
	assert.Empty(t, rotated)

	_, _, err = c.RefreshToken(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, tokens.refreshCalls, "refresh must not recurse")
}

func TestRefreshToken_ReturnsRotatedRefresh(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"access": "a2", "refresh": "r2"})
	}, &mockTokens{token: "stale"})

	access, rotated, err := c.RefreshToken(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", access)
	assert.Equal(t, "r2", rotated)
}
