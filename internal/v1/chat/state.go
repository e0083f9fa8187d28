package chat

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/debatehub/session-chat/internal/v1/metrics"
	"github.com/debatehub/session-chat/internal/v1/types"
)

// EventKind names a change to the view state.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventPresence   EventKind = "presence"
	EventTyping     EventKind = "typing"
	EventBanner     EventKind = "banner"
	EventConnection EventKind = "connection"
	EventSession    EventKind = "session"
	EventReset      EventKind = "reset"
)

// Event describes one state change. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind             `json:"kind"`
	Message  *types.ChatMessage    `json:"message,omitempty"`
	Presence *types.Presence       `json:"presence,omitempty"`
	Typing   []string              `json:"typing,omitempty"`
	Banner   string                `json:"banner,omitempty"`
	State    types.ConnectionState `json:"state,omitempty"`
	Session  *types.Session        `json:"session,omitempty"`
	At       time.Time             `json:"at"`
}

// Listener receives state changes in the order they were applied. It is
// called without the state lock held but must not mutate the State.
type Listener func(Event)

// Snapshot is an immutable copy of the view state.
type Snapshot struct {
	Session      *types.Session        `json:"session,omitempty"`
	Messages     []types.ChatMessage   `json:"messages"`
	Presence     types.Presence        `json:"presence"`
	Typing       []string              `json:"typing"`
	Banner       string                `json:"banner,omitempty"`
	Connection   types.ConnectionState `json:"connection"`
	Role         types.ChatRole        `json:"role,omitempty"`
	Capabilities types.Capabilities    `json:"capabilities"`
}

// State is the mounted view's state: session record, transcript, presence,
// typing set, connectivity banner and connection state.
type State struct {
	mu         sync.Mutex
	session    *types.Session
	role       types.ChatRole
	caps       types.Capabilities
	transcript *Transcript
	typing     *TypingSet
	presence   types.Presence
	banner     string
	conn       types.ConnectionState

	clock clock.WithDelayedExecution

	// notifyMu serializes listener delivery so events arrive in apply order.
	notifyMu  sync.Mutex
	listeners []Listener
}

// NewState returns an empty state. typingTTL <= 0 disables local typing expiry.
func NewState(clk clock.WithDelayedExecution, typingTTL time.Duration) *State {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &State{
		transcript: NewTranscript(),
		conn:       types.StateDisconnected,
		clock:      clk,
	}
	s.typing = NewTypingSet(clk, typingTTL, s.expireTyping)
	return s
}

// Subscribe registers a listener for subsequent changes.
func (s *State) Subscribe(l Listener) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// mutate applies fn under the state lock and delivers the resulting events.
func (s *State) mutate(fn func() []Event) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	events := fn()
	s.mu.Unlock()

	now := s.clock.Now()
	for _, ev := range events {
		ev.At = now
		for _, l := range s.listeners {
			l(ev)
		}
	}
}

// SetSession replaces the session record and the role-derived capabilities.
func (s *State) SetSession(session types.Session, role types.ChatRole, caps types.Capabilities) {
	s.mutate(func() []Event {
		s.session = &session
		s.role = role
		s.caps = caps
		cp := session
		return []Event{{Kind: EventSession, Session: &cp}}
	})
}

// Session returns a copy of the current session record, if any.
func (s *State) Session() (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return types.Session{}, false
	}
	return *s.session, true
}

// Capabilities returns the current role-derived capabilities.
func (s *State) Capabilities() types.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// SeedHistory appends history in order, dropping ids already present.
func (s *State) SeedHistory(history []types.ChatMessage) int {
	added := 0
	s.mutate(func() []Event {
		var events []Event
		for _, msg := range history {
			if s.transcript.Append(msg) {
				added++
				m := msg
				events = append(events, Event{Kind: EventMessage, Message: &m})
			}
		}
		return events
	})
	return added
}

// AppendMessage applies an inbound chat message. Duplicates are dropped silently.
func (s *State) AppendMessage(msg types.ChatMessage) bool {
	added := false
	s.mutate(func() []Event {
		if !s.transcript.Append(msg) {
			metrics.DuplicateMessages.Inc()
			return nil
		}
		added = true
		return []Event{{Kind: EventMessage, Message: &msg}}
	})
	return added
}

// UpdatePresence merges the counters present in u into the current presence.
func (s *State) UpdatePresence(u types.PresenceUpdate) {
	s.mutate(func() []Event {
		p := u.Apply(s.presence)
		s.presence = p
		metrics.SetPresence(p.OnlineCount, p.TotalParticipants)
		cp := p
		return []Event{{Kind: EventPresence, Presence: &cp}}
	})
}

// SetTyping adds or removes user from the typing set.
func (s *State) SetTyping(user string, typing bool) {
	s.mutate(func() []Event {
		if !s.typing.Set(user, typing) {
			return nil
		}
		return []Event{{Kind: EventTyping, Typing: s.typing.Users()}}
	})
}

func (s *State) expireTyping(user string) {
	s.mutate(func() []Event {
		if !s.typing.Expire(user) {
			return nil
		}
		return []Event{{Kind: EventTyping, Typing: s.typing.Users()}}
	})
}

// SetBanner shows a non-fatal connectivity or server message. Empty clears it.
func (s *State) SetBanner(msg string) {
	s.mutate(func() []Event {
		if s.banner == msg {
			return nil
		}
		s.banner = msg
		return []Event{{Kind: EventBanner, Banner: msg}}
	})
}

// Banner returns the current banner text.
func (s *State) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

// SetConnection records the channel state.
func (s *State) SetConnection(state types.ConnectionState) {
	s.mutate(func() []Event {
		if s.conn == state {
			return nil
		}
		s.conn = state
		metrics.SetConnectionState(string(state))
		return []Event{{Kind: EventConnection, State: state}}
	})
}

// Connection returns the recorded channel state.
func (s *State) Connection() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Reset discards everything. Used when the view is unmounted.
func (s *State) Reset() {
	s.mutate(func() []Event {
		s.session = nil
		s.role = ""
		s.caps = types.Capabilities{}
		s.transcript.Reset()
		s.typing.Reset()
		s.presence = types.Presence{}
		s.banner = ""
		s.conn = types.StateDisconnected
		return []Event{{Kind: EventReset}}
	})
}

// Snapshot returns an immutable copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Messages:     s.transcript.Messages(),
		Presence:     s.presence,
		Typing:       s.typing.Users(),
		Banner:       s.banner,
		Connection:   s.conn,
		Role:         s.role,
		Capabilities: s.caps,
	}
	if s.session != nil {
		cp := *s.session
		snap.Session = &cp
	}
	return snap
}
