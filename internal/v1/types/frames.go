package types

import (
	"encoding/json"
	"fmt"
)

// FrameType is the discriminant tag carried by every WebSocket frame.
type FrameType string

// Client -> server frame tags.
const (
	FrameChatMessage FrameType = "chat_message"
	FrameTyping      FrameType = "typing"
)

// Server -> client frame tags.
const (
	FrameConnectionEstablished FrameType = "connection_established"
	FrameOnlineCountUpdate     FrameType = "online_count_update"
	FrameTypingIndicator       FrameType = "typing_indicator"
	FrameError                 FrameType = "error"
	FrameSessionStarted        FrameType = "session_started"
	FrameSessionEnded          FrameType = "session_ended"
	FrameUserJoined            FrameType = "user_joined"
	FrameUserLeft              FrameType = "user_left"
)

// Close codes.
const (
	CloseIntentional = 1000
)

// Frame is a decoded inbound frame. Raw keeps the full payload so the
// tag-specific body can be decoded lazily.
type Frame struct {
	Type FrameType       `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// DecodeFrame reads the discriminant tag of an inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return f, nil
}

// Decode unmarshals the frame body into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// PresenceUpdate carries presence counters as they appear on the wire.
// Either field may be absent.
type PresenceUpdate struct {
	OnlineCount       *int `json:"online_count,omitempty"`
	TotalParticipants *int `json:"total_participants,omitempty"`
}

// Empty reports whether the update carries no counters.
func (u PresenceUpdate) Empty() bool {
	return u.OnlineCount == nil && u.TotalParticipants == nil
}

// Apply overlays the present counters on cur. Absent counters keep their value.
func (u PresenceUpdate) Apply(cur Presence) Presence {
	if u.OnlineCount != nil {
		cur.OnlineCount = *u.OnlineCount
	}
	if u.TotalParticipants != nil {
		cur.TotalParticipants = *u.TotalParticipants
	}
	return cur
}

// ConnectionEstablishedFrame optionally carries initial presence counts.
type ConnectionEstablishedFrame struct {
	Message string `json:"message,omitempty"`
	PresenceUpdate
}

// ChatMessageFrame wraps a broadcast chat message.
type ChatMessageFrame struct {
	Message ChatMessage `json:"message"`
}

// OnlineCountFrame updates the presence counters.
type OnlineCountFrame struct {
	PresenceUpdate
}

// TypingIndicatorFrame adds or removes a username from the typing set.
type TypingIndicatorFrame struct {
	User     string `json:"user"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorFrame is a non-fatal server-side error.
type ErrorFrame struct {
	Message string `json:"message"`
}

// MembershipFrame is emitted when a participant joins or leaves.
type MembershipFrame struct {
	User User `json:"user"`
}

// OutboundChatFrame is the client chat payload.
type OutboundChatFrame struct {
	Type    FrameType `json:"type"`
	Content string    `json:"content"`
}

// OutboundTypingFrame is the client typing payload.
type OutboundTypingFrame struct {
	Type     FrameType `json:"type"`
	IsTyping bool      `json:"is_typing"`
}

// NewChatFrame builds an outbound chat frame.
func NewChatFrame(content string) OutboundChatFrame {
	return OutboundChatFrame{Type: FrameChatMessage, Content: content}
}

// NewTypingFrame builds an outbound typing frame.
func NewTypingFrame(isTyping bool) OutboundTypingFrame {
	return OutboundTypingFrame{Type: FrameTyping, IsTyping: isTyping}
}
