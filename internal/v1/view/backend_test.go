package view

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/debatehub/session-chat/internal/v1/api"
	"github.com/debatehub/session-chat/internal/v1/types"
)

var (
	moderatorUser = types.User{ID: 1, Username: "mod", Role: types.AccountRoleModerator}
	studentUser   = types.User{ID: 7, Username: "alice", Role: types.AccountRoleStudent}
)

// backend is an in-process stand-in for the debate REST API and WebSocket server.
type backend struct {
	mu        sync.Mutex
	session   types.Session
	joined    bool
	history   []map[string]any
	gets      int
	joins     int
	startNows int
	leaves    int
	wsDials   int
	nextID    int
	conns     []*websocket.Conn

	// getHold blocks session GETs until closed. getStarted is signalled per GET.
	getHold    chan struct{}
	getStarted chan struct{}

	srv      *httptest.Server
	handlers sync.WaitGroup
	upgrader websocket.Upgrader
}

func newBackend(t *testing.T, session types.Session) *backend {
	t.Helper()
	b := &backend{
		session:    session,
		joined:     session.UserHasJoined,
		getStarted: make(chan struct{}, 64),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/debates/sessions/42/", b.getSession)
	mux.HandleFunc("/api/debates/sessions/42/join/", b.join)
	mux.HandleFunc("/api/debates/sessions/42/leave/", b.leave)
	mux.HandleFunc("/api/debates/sessions/42/enter_chat/", b.enterChat)
	mux.HandleFunc("/api/debates/sessions/42/messages/", b.messages)
	mux.HandleFunc("/api/debates/sessions/42/start_now/", b.startNow)
	mux.HandleFunc("/ws/debate/42/", b.serveWS)
	b.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		b.mu.Lock()
		if b.getHold != nil {
			select {
			case <-b.getHold:
			default:
				close(b.getHold)
			}
		}
		for _, c := range b.conns {
			_ = c.Close()
		}
		b.mu.Unlock()
		b.srv.Close()
		b.handlers.Wait()
	})
	return b
}

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *backend) client(t *testing.T) *api.Client {
	t.Helper()
	c, err := api.NewClient(api.Options{
		BaseURL: b.srv.URL,
		HTTPClient: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	})
	require.NoError(t, err)
	return c
}

func (b *backend) counts() (gets, joins, startNows, wsDials int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets, b.joins, b.startNows, b.wsDials
}

func (b *backend) update(fn func(s *types.Session)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.session)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backend) getSession(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/debates/sessions/42/" || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	b.mu.Lock()
	b.gets++
	hold := b.getHold
	b.mu.Unlock()
	b.getStarted <- struct{}{}
	if hold != nil {
		<-hold
	}

	b.mu.Lock()
	s := b.session
	s.UserHasJoined = b.joined
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, s)
}

func (b *backend) join(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins++
	switch {
	case !b.session.IsOngoing:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Cannot join a session that has not started yet. Wait for it to go live."})
	case b.joined:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "You are already a participant in this session"})
	case b.session.ParticipantsCount >= b.session.MaxParticipants:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Session has reached maximum participants"})
	default:
		b.joined = true
		b.session.ParticipantsCount++
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1})
	}
}

func (b *backend) leave(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves++
	if !b.joined {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "You are not a participant in this session"})
		return
	}
	b.joined = false
	b.session.ParticipantsCount--
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully left the session"})
}

func (b *backend) leaveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaves
}

func (b *backend) enterChat(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session
	s.UserHasJoined = b.joined

	// The caller identity travels in a test header.
	if r.Header.Get("X-Test-User") == "creator" {
		writeJSON(w, http.StatusOK, map[string]any{"session": s, "user_role": "moderator", "is_session_creator": true})
		return
	}
	if !b.joined {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "You must be a participant or the session moderator to enter the chat"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s, "user_role": "participant", "is_session_creator": false})
}

func (b *backend) messages(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"results": b.history, "count": len(b.history)})
}

func (b *backend) startNow(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startNows++
	b.session.IsOngoing = true
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session started"})
}

func (b *backend) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.handlers.Add(1)
	defer b.handlers.Done()
	defer conn.Close()

	b.mu.Lock()
	b.wsDials++
	b.conns = append(b.conns, conn)
	s := b.session
	_ = conn.WriteJSON(map[string]any{
		"type":               "connection_established",
		"online_count":       1,
		"total_participants": s.ParticipantsCount,
	})
	b.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in map[string]any
		if json.Unmarshal(data, &in) != nil || in["type"] != "chat_message" {
			continue
		}

		b.mu.Lock()
		b.nextID++
		frame := map[string]any{
			"type": "chat_message",
			"message": map[string]any{
				"id":        b.nextID,
				"user":      map[string]any{"id": studentUser.ID, "username": studentUser.Username},
				"content":   in["content"],
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		}
		b.broadcastLocked(frame)
		// Some server paths deliver the same message twice.
		b.broadcastLocked(frame)
		b.mu.Unlock()
	}
}

// push sends a server frame to every open socket.
func (b *backend) push(frame map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked(frame)
}

func (b *backend) broadcastLocked(frame map[string]any) {
	for _, c := range b.conns {
		_ = c.WriteJSON(frame)
	}
}

// staticTokens always returns the same token.
type staticTokens string

func (s staticTokens) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

// headerTransport tags every request so the backend answers enter_chat as the creator.
type headerTransport struct {
	next   http.RoundTripper
	header string
}

func (h headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("X-Test-User", h.header)
	return h.next.RoundTrip(r)
}

func (b *backend) creatorClient(t *testing.T) *api.Client {
	t.Helper()
	c, err := api.NewClient(api.Options{
		BaseURL: b.srv.URL,
		HTTPClient: &http.Client{
			Timeout:   5 * time.Second,
			Transport: headerTransport{next: &http.Transport{DisableKeepAlives: true}, header: "creator"},
		},
	})
	require.NoError(t, err)
	return c
}
