package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// --- Core Domain Types ---

// UserIDType identifies a platform user.
type UserIDType int64

// SessionIDType identifies a debate session.
type SessionIDType int64

// MessageIDType identifies a chat message. The backend emits numeric ids on some
// paths and string ids on others, so ids are normalized to their decimal string.
type MessageIDType string

// AccountRole is the platform-wide role of a user account.
type AccountRole string

// ChatRole is the role resolved for a user inside one session's chat.
type ChatRole string

// SessionStatus is the derived lifecycle status of a session.
type SessionStatus string

// Role constants.
const (
	AccountRoleStudent   AccountRole = "STUDENT"
	AccountRoleModerator AccountRole = "MODERATOR"

	ChatRoleModerator   ChatRole = "moderator"
	ChatRoleParticipant ChatRole = "participant"
	ChatRoleUnknown     ChatRole = "unknown"

	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusOngoing   SessionStatus = "ongoing"
	SessionStatusEnded     SessionStatus = "ended"
)

// MaxMessageLength is the longest chat message the client will send.
const MaxMessageLength = 1000

// ParseSessionID converts a route parameter into a session id.
func ParseSessionID(raw string) (SessionIDType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("session id not provided")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", raw)
	}
	return SessionIDType(id), nil
}

func (id SessionIDType) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id UserIDType) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *MessageIDType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageIDType(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = MessageIDType(n.String())
	return nil
}

// --- Records ---

// User is the author/identity snapshot carried by sessions and messages.
type User struct {
	ID       UserIDType  `json:"id"`
	Username string      `json:"username"`
	Email    string      `json:"email,omitempty"`
	Role     AccountRole `json:"role,omitempty"`
}

// IsModerator reports whether the account holds the moderator role.
func (u User) IsModerator() bool {
	return u.Role == AccountRoleModerator
}

// Topic is the debate topic a session belongs to.
type Topic struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Session is the read-mostly session record as served by the REST API.
type Session struct {
	ID                SessionIDType `json:"id"`
	Topic             Topic         `json:"topic"`
	CreatedBy         User          `json:"created_by"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time,omitempty"`
	DurationMinutes   int           `json:"duration_minutes"`
	MaxParticipants   int           `json:"max_participants"`
	ParticipantsCount int           `json:"participants_count"`
	IsOngoing         bool          `json:"is_ongoing"`
	HasStarted        bool          `json:"has_started,omitempty"`
	HasEnded          bool          `json:"has_ended,omitempty"`
	UserHasJoined     bool          `json:"user_has_joined"`
	RawStatus         SessionStatus `json:"status,omitempty"`
}

// Status derives the lifecycle status of the session.
func (s Session) Status() SessionStatus {
	switch {
	case s.RawStatus != "":
		return s.RawStatus
	case s.IsOngoing:
		return SessionStatusOngoing
	case s.HasEnded:
		return SessionStatusEnded
	default:
		return SessionStatusScheduled
	}
}

// IsCreator reports whether the given user created the session.
func (s Session) IsCreator(userID UserIDType) bool {
	return userID != 0 && s.CreatedBy.ID == userID
}

// IsFull reports whether the session has reached capacity.
func (s Session) IsFull() bool {
	return s.MaxParticipants > 0 && s.ParticipantsCount >= s.MaxParticipants
}

// ChatMessage is one transcript entry.
type ChatMessage struct {
	ID        MessageIDType `json:"id"`
	User      User          `json:"user"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	SessionID SessionIDType `json:"session_id"`
}

// Presence holds the online/total participant counters pushed by the server.
type Presence struct {
	OnlineCount       int `json:"online_count"`
	TotalParticipants int `json:"total_participants"`
}

// Outbound content refusals.
var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
)

// ValidateContent trims and checks outbound chat content.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}

// --- Connection State ---

// ConnectionState is the lifecycle state of the real-time channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateClosing      ConnectionState = "closing"
)

// CanSend reports whether outbound chat content is permitted in this state.
func (s ConnectionState) CanSend() bool {
	return s == StateConnected
}

// Capabilities is the role-conditional surface a view exposes to its user.
type Capabilities struct {
	CanCompose  bool `json:"can_compose"`
	CanModerate bool `json:"can_moderate"`
}
