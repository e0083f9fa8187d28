package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debatehub/session-chat/internal/v1/api"
	"github.com/debatehub/session-chat/internal/v1/bus"
	"github.com/debatehub/session-chat/internal/v1/chat"
	"github.com/debatehub/session-chat/internal/v1/transport"
	"github.com/debatehub/session-chat/internal/v1/types"
	"github.com/debatehub/session-chat/internal/v1/view"
)

func TestParseCommand(t *testing.T) {
	start := time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		line string
		want command
	}{
		{"hello there", command{kind: cmdSend, text: "hello there"}},
		{"//not a command", command{kind: cmdSend, text: "/not a command"}},
		{"/quit", command{kind: cmdQuit}},
		{"/exit", command{kind: cmdQuit}},
		{"/help", command{kind: cmdHelp}},
		{"/retry", command{kind: cmdRetry}},
		{"/reload", command{kind: cmdReload}},
		{"/leave", command{kind: cmdLeave}},
		{"/who", command{kind: cmdWho}},
		{"/typing", command{kind: cmdTyping}},
		{"/start", command{kind: cmdStart}},
		{"/reschedule 2026-10-16T18:00:00Z", command{kind: cmdReschedule, start: start}},
		{"  /capacity 8 ", command{kind: cmdCapacity, capacity: 8}},
		{"/mute 7", command{kind: cmdMute, participant: 7}},
		{"/warn 7", command{kind: cmdWarn, participant: 7}},
		{"/remove 7", command{kind: cmdRemove, participant: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want.kind, got.kind)
			assert.Equal(t, tt.want.text, got.text)
			assert.True(t, tt.want.start.Equal(got.start))
			assert.Equal(t, tt.want.capacity, got.capacity)
			assert.Equal(t, tt.want.participant, got.participant)
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	for _, line := range []string{
		"/dance",
		"/reschedule",
		"/reschedule tomorrow",
		"/capacity lots",
		"/capacity",
		"/mute",
		"/remove bob",
	} {
		_, err := parseCommand(line)
		assert.Error(t, err, line)
	}

	_, err := parseCommand("/dance")
	assert.ErrorIs(t, err, errUnknownCommand)
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 10, 16, 9, 30, 0, 0, time.Local)
	msg := types.ChatMessage{ID: "1", User: types.User{Username: "alice"}, Content: "hello", Timestamp: ts}
	session := types.Session{Topic: types.Topic{Title: "Remote work"}, IsOngoing: true, ParticipantsCount: 2, MaxParticipants: 5}

	tests := []struct {
		name string
		ev   chat.Event
		want string
	}{
		{"message", chat.Event{Kind: chat.EventMessage, Message: &msg}, "[09:30] alice: hello"},
		{"presence", chat.Event{Kind: chat.EventPresence, Presence: &types.Presence{OnlineCount: 2, TotalParticipants: 3}}, "* 2 online / 3 participants"},
		{"one typing", chat.Event{Kind: chat.EventTyping, Typing: []string{"bob"}}, "* bob is typing..."},
		{"many typing", chat.Event{Kind: chat.EventTyping, Typing: []string{"bob", "carol"}}, "* bob, carol are typing..."},
		{"nobody typing", chat.Event{Kind: chat.EventTyping}, ""},
		{"banner", chat.Event{Kind: chat.EventBanner, Banner: transport.BannerReconnecting}, "! " + transport.BannerReconnecting},
		{"banner cleared", chat.Event{Kind: chat.EventBanner}, "* connection restored"},
		{"connection", chat.Event{Kind: chat.EventConnection, State: types.StateConnected}, "* connected"},
		{"session", chat.Event{Kind: chat.EventSession, Session: &session}, "# Remote work [ongoing] 2/5 participants"},
		{"reset", chat.Event{Kind: chat.EventReset}, "* view reset"},
		{"empty message", chat.Event{Kind: chat.EventMessage}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev))
		})
	}
}

func TestFormatEnvelope(t *testing.T) {
	payload, err := json.Marshal(chat.Event{Kind: chat.EventPresence, Presence: &types.Presence{OnlineCount: 1, TotalParticipants: 2}})
	require.NoError(t, err)

	line := formatEnvelope(bus.Envelope{SessionID: 42, Event: "presence", Payload: payload, SenderID: "0123456789abcdef"})
	assert.Equal(t, "<01234567> * 1 online / 2 participants", line)

	assert.Empty(t, formatEnvelope(bus.Envelope{Payload: json.RawMessage(`"nope"`)}))
}

func TestSendRefusal(t *testing.T) {
	assert.Contains(t, sendRefusal(transport.ErrNotConnected), "not connected")
	assert.Contains(t, sendRefusal(fmt.Errorf("send: %w", transport.ErrRateLimited)), "slow down")
	assert.Contains(t, sendRefusal(view.ErrCannotCompose), "join the session")
	assert.Contains(t, sendRefusal(types.ErrEmptyMessage), "empty")
	assert.Contains(t, sendRefusal(errors.New("boom")), "message not sent: boom")
}

type fixedIdentity struct {
	id types.UserIDType
	ok bool
}

func (f fixedIdentity) UserID() (types.UserIDType, bool) { return f.id, f.ok }

func TestTokenOwnerMatches(t *testing.T) {
	me := types.User{ID: 7, Username: "alice"}
	assert.True(t, tokenOwnerMatches(fixedIdentity{id: 7, ok: true}, me))
	assert.False(t, tokenOwnerMatches(fixedIdentity{id: 8, ok: true}, me))
	assert.True(t, tokenOwnerMatches(fixedIdentity{}, me), "opaque tokens are accepted")
}

func TestLeaveOutcome(t *testing.T) {
	assert.Contains(t, leaveOutcome(nil), "/reload")
	assert.Equal(t, "! not in a session", leaveOutcome(view.ErrNotMounted))
	assert.Contains(t, leaveOutcome(view.ErrNotParticipant), "only participants")

	err := fmt.Errorf("leave session: %w", &api.Error{Status: 400, Message: "You are not a participant in this session"})
	assert.Equal(t, "! You are not a participant in this session", leaveOutcome(err))
}

func TestConsole_SkipsEmptyLines(t *testing.T) {
	var buf bytes.Buffer
	c := &console{w: &buf}
	c.println("")
	c.println("hello")
	assert.Equal(t, "hello\n", buf.String())
}
