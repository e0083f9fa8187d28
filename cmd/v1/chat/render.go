package main

import (
	"fmt"
	"strings"

	"github.com/debatehub/session-chat/internal/v1/chat"
	"github.com/debatehub/session-chat/internal/v1/types"
)

const timeLayout = "15:04"

// formatEvent renders one view event as a terminal line. Events with nothing
// to show render as "".
func formatEvent(ev chat.Event) string {
	switch ev.Kind {
	case chat.EventMessage:
		if ev.Message == nil {
			return ""
		}
		return formatMessage(*ev.Message)
	case chat.EventPresence:
		if ev.Presence == nil {
			return ""
		}
		return fmt.Sprintf("* %d online / %d participants", ev.Presence.OnlineCount, ev.Presence.TotalParticipants)
	case chat.EventTyping:
		return formatTyping(ev.Typing)
	case chat.EventBanner:
		if ev.Banner == "" {
			return "* connection restored"
		}
		return "! " + ev.Banner
	case chat.EventConnection:
		return "* " + string(ev.State)
	case chat.EventSession:
		if ev.Session == nil {
			return ""
		}
		return formatSession(*ev.Session)
	case chat.EventReset:
		return "* view reset"
	}
	return ""
}

func formatMessage(m types.ChatMessage) string {
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format(timeLayout), m.User.Username, m.Content)
}

func formatTyping(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("* %s is typing...", users[0])
	default:
		return fmt.Sprintf("* %s are typing...", strings.Join(users, ", "))
	}
}

func formatSession(s types.Session) string {
	return fmt.Sprintf("# %s [%s] %d/%d participants", s.Topic.Title, s.Status(), s.ParticipantsCount, s.MaxParticipants)
}
