package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/debatehub/session-chat/internal/v1/types"
)

// ModerationAction is an action accepted by moderate_participant.
type ModerationAction string

const (
	ActionMute   ModerationAction = "mute"
	ActionWarn   ModerationAction = "warn"
	ActionRemove ModerationAction = "remove"
)

// EnterChat is the enter_chat response.
type EnterChat struct {
	Session          types.Session  `json:"session"`
	UserRole         types.ChatRole `json:"user_role"`
	IsSessionCreator bool           `json:"is_session_creator"`
}

// HistoryMessage is a history entry as served by the messages endpoint.
// Author and timestamps are optional on the wire.
type HistoryMessage struct {
	ID        types.MessageIDType `json:"id"`
	User      *types.User         `json:"user"`
	Content   string              `json:"content"`
	CreatedAt *time.Time          `json:"created_at"`
	Timestamp *time.Time          `json:"timestamp"`
	SessionID types.SessionIDType `json:"session"`
}

// MessagePage is the messages endpoint response.
type MessagePage struct {
	Results  []HistoryMessage `json:"results"`
	Count    int              `json:"count"`
	UserRole types.ChatRole   `json:"user_role"`
}

// UnmarshalJSON accepts both the paginated envelope and a bare list.
func (p *MessagePage) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var results []HistoryMessage
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return err
		}
		*p = MessagePage{Results: results, Count: len(results)}
		return nil
	}
	type page MessagePage
	var out page
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return err
	}
	*p = MessagePage(out)
	return nil
}

// SessionPatch is a partial session update. Nil fields are left untouched.
// duration_minutes is derived server-side from the start and end times.
type SessionPatch struct {
	MaxParticipants *int `json:"max_participants,omitempty"`
}

func sessionPath(id types.SessionIDType, action string) string {
	p := "/api/debates/sessions/" + id.String() + "/"
	if action != "" {
		p += action + "/"
	}
	return p
}

// GetSession fetches one session record.
func (c *Client) GetSession(ctx context.Context, id types.SessionIDType) (*types.Session, error) {
	var s types.Session
	err := c.do(ctx, request{op: "get_session", method: http.MethodGet, path: sessionPath(id, "")}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// JoinSession adds the caller to the session's participants.
func (c *Client) JoinSession(ctx context.Context, id types.SessionIDType) error {
	return c.do(ctx, request{op: "join_session", method: http.MethodPost, path: sessionPath(id, "join")}, nil)
}

// LeaveSession removes the caller from the session's participants.
func (c *Client) LeaveSession(ctx context.Context, id types.SessionIDType) error {
	return c.do(ctx, request{op: "leave_session", method: http.MethodPost, path: sessionPath(id, "leave")}, nil)
}

// EnterChat resolves the caller's chat role for the session.
func (c *Client) EnterChat(ctx context.Context, id types.SessionIDType) (*EnterChat, error) {
	var out EnterChat
	err := c.do(ctx, request{op: "enter_chat", method: http.MethodPost, path: sessionPath(id, "enter_chat")}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages fetches one page of chat history. pageSize <= 0 uses the server default.
func (c *Client) ListMessages(ctx context.Context, id types.SessionIDType, pageSize int) (*MessagePage, error) {
	var q url.Values
	if pageSize > 0 {
		q = url.Values{"page_size": []string{strconv.Itoa(pageSize)}}
	}
	var page MessagePage
	err := c.do(ctx, request{op: "list_messages", method: http.MethodGet, path: sessionPath(id, "messages"), query: q}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// StartNow starts a scheduled session immediately.
func (c *Client) StartNow(ctx context.Context, id types.SessionIDType) error {
	return c.do(ctx, request{op: "start_now", method: http.MethodPost, path: sessionPath(id, "start_now")}, nil)
}

// Reschedule moves a session's start time.
func (c *Client) Reschedule(ctx context.Context, id types.SessionIDType, start time.Time) error {
	body := map[string]string{"start_time": start.UTC().Format(time.RFC3339)}
	return c.do(ctx, request{op: "reschedule", method: http.MethodPost, path: sessionPath(id, "reschedule"), body: body}, nil)
}

// UpdateSession applies a partial update to the session record.
func (c *Client) UpdateSession(ctx context.Context, id types.SessionIDType, patch SessionPatch) error {
	return c.do(ctx, request{op: "update_session", method: http.MethodPatch, path: sessionPath(id, ""), body: patch}, nil)
}

// ModerateParticipant applies a moderator action to one participant.
func (c *Client) ModerateParticipant(ctx context.Context, id types.SessionIDType, participantID types.UserIDType, action ModerationAction) error {
	body := struct {
		ParticipantID types.UserIDType `json:"participant_id"`
		Action        ModerationAction `json:"action"`
	}{participantID, action}
	return c.do(ctx, request{op: "moderate_participant", method: http.MethodPost, path: sessionPath(id, "moderate_participant"), body: body}, nil)
}

// CurrentUser fetches the caller's profile.
func (c *Client) CurrentUser(ctx context.Context) (*types.User, error) {
	var u types.User
	if err := c.do(ctx, request{op: "current_user", method: http.MethodGet, path: "/api/users/profile/"}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// RefreshToken exchanges a refresh token for a new access token.
// rotated is the replacement refresh token when the server rotates it, else empty.
// It is sent without credentials and never triggers a nested refresh.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (access, rotated string, err error) {
	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	err = c.do(ctx, request{
		op:     "refresh_token",
		method: http.MethodPost,
		path:   "/api/users/token/refresh/",
		body:   map[string]string{"refresh": refresh},
		noAuth: true,
	}, &out)
	if err != nil {
		return "", "", err
	}
	if out.Access == "" {
		return "", "", fmt.Errorf("refresh_token: empty access token in response")
	}
	return out.Access, out.Refresh, nil
}
