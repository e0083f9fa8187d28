package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/debatehub/session-chat/internal/v1/types"
)

func msg(id, user, content string) types.ChatMessage {
	return types.ChatMessage{ID: types.MessageIDType(id), User: types.User{Username: user}, Content: content}
}

// recorder collects listener events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func TestTranscript_DedupAndOrder(t *testing.T) {
	tr := NewTranscript()
	assert.True(t, tr.Append(msg("1", "a", "first")))
	assert.True(t, tr.Append(msg("2", "b", "second")))
	assert.False(t, tr.Append(msg("1", "a", "first again")))
	assert.True(t, tr.Append(msg("3", "a", "third")))

	got := tr.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
	assert.Equal(t, "third", got[2].Content)
	assert.True(t, tr.Has("2"))

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
	assert.True(t, tr.Append(msg("1", "a", "after reset")))
}

func TestTranscript_MessagesWithoutIDAreKept(t *testing.T) {
	tr := NewTranscript()
	tr.Append(msg("", "a", "x"))
	tr.Append(msg("", "a", "x"))
	assert.Equal(t, 2, tr.Len())
}

func TestTranscript_MessagesIsACopy(t *testing.T) {
	tr := NewTranscript()
	tr.Append(msg("1", "a", "x"))
	got := tr.Messages()
	got[0].Content = "mutated"
	assert.Equal(t, "x", tr.Messages()[0].Content)
}

func TestState_IdempotentMerge(t *testing.T) {
	s := NewState(clocktesting.NewFakeClock(time.Now()), 0)
	rec := &recorder{}
	s.Subscribe(rec.listen)

	m := msg("7", "bob", "hello")
	assert.True(t, s.AppendMessage(m))
	assert.False(t, s.AppendMessage(m))
	assert.False(t, s.AppendMessage(m))

	snap := s.Snapshot()
	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, []EventKind{EventMessage}, rec.kinds())
}

func TestState_HistoryThenLiveDuplicates(t *testing.T) {
	s := NewState(nil, 0)
	added := s.SeedHistory([]types.ChatMessage{msg("1", "a", "h1"), msg("2", "b", "h2"), msg("1", "a", "h1")})
	assert.Equal(t, 2, added)

	// The live echo of a history message must not duplicate it.
	assert.False(t, s.AppendMessage(msg("2", "b", "h2")))
	assert.True(t, s.AppendMessage(msg("3", "c", "live")))

	var contents []string
	for _, m := range s.Snapshot().Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"h1", "h2", "live"}, contents)
}

func TestState_TypingSetSemantics(t *testing.T) {
	s := NewState(nil, 0)
	rec := &recorder{}
	s.Subscribe(rec.listen)

	s.SetTyping("alice", true)
	s.SetTyping("alice", true)
	s.SetTyping("bob", true)
	assert.Equal(t, []string{"alice", "bob"}, s.Snapshot().Typing)

	s.SetTyping("alice", false)
	s.SetTyping("alice", false)
	s.SetTyping("", true)
	assert.Equal(t, []string{"bob"}, s.Snapshot().Typing)

	// Only membership changes produce events.
	assert.Equal(t, []EventKind{EventTyping, EventTyping, EventTyping}, rec.kinds())
}

func TestState_TypingTTL(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 22, 10, 0, 0, 0, time.UTC))
	s := NewState(clk, 5*time.Second)

	s.SetTyping("alice", true)
	clk.Step(3 * time.Second)
	s.SetTyping("alice", true) // refresh
	clk.Step(3 * time.Second)

	// Six seconds after the first signal but only three after the refresh.
	assert.Equal(t, []string{"alice"}, s.Snapshot().Typing)

	clk.Step(3 * time.Second)
	assert.Eventually(t, func() bool { return len(s.Snapshot().Typing) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestState_TypingWithoutTTLNeverExpires(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	s := NewState(clk, 0)
	s.SetTyping("alice", true)
	clk.Step(time.Hour)
	assert.Equal(t, []string{"alice"}, s.Snapshot().Typing)
	assert.False(t, clk.HasWaiters())
}

func TestState_PresenceBannerConnection(t *testing.T) {
	s := NewState(nil, 0)
	rec := &recorder{}
	s.Subscribe(rec.listen)

	online, total := 2, 4
	s.UpdatePresence(types.PresenceUpdate{OnlineCount: &online, TotalParticipants: &total})
	s.SetBanner("Connection lost. Reconnecting...")
	s.SetBanner("Connection lost. Reconnecting...")
	s.SetConnection(types.StateConnecting)
	s.SetConnection(types.StateConnecting)
	s.SetBanner("")

	snap := s.Snapshot()
	assert.Equal(t, types.Presence{OnlineCount: 2, TotalParticipants: 4}, snap.Presence)
	assert.Empty(t, snap.Banner)
	assert.Equal(t, types.StateConnecting, snap.Connection)
	assert.Equal(t, []EventKind{EventPresence, EventBanner, EventConnection, EventBanner}, rec.kinds())
}

func TestState_PartialPresenceKeepsOtherCounter(t *testing.T) {
	s := NewState(nil, 0)

	online, total := 5, 7
	s.UpdatePresence(types.PresenceUpdate{OnlineCount: &online, TotalParticipants: &total})

	online = 3
	s.UpdatePresence(types.PresenceUpdate{OnlineCount: &online})
	assert.Equal(t, types.Presence{OnlineCount: 3, TotalParticipants: 7}, s.Snapshot().Presence)

	total = 9
	s.UpdatePresence(types.PresenceUpdate{TotalParticipants: &total})
	assert.Equal(t, types.Presence{OnlineCount: 3, TotalParticipants: 9}, s.Snapshot().Presence)
}

func TestState_SessionAndReset(t *testing.T) {
	s := NewState(nil, 0)
	_, ok := s.Session()
	assert.False(t, ok)

	caps := types.Capabilities{CanCompose: true, CanModerate: true}
	s.SetSession(types.Session{ID: 42}, types.ChatRoleModerator, caps)
	s.AppendMessage(msg("1", "a", "x"))
	s.SetTyping("a", true)

	got, ok := s.Session()
	require.True(t, ok)
	assert.Equal(t, types.SessionIDType(42), got.ID)
	assert.Equal(t, caps, s.Capabilities())
	assert.Equal(t, types.ChatRoleModerator, s.Snapshot().Role)

	s.Reset()
	snap := s.Snapshot()
	assert.Nil(t, snap.Session)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Typing)
	assert.Equal(t, types.Capabilities{}, snap.Capabilities)
	assert.Equal(t, types.StateDisconnected, snap.Connection)

	// Ids seen before the reset are forgotten with the transcript.
	assert.True(t, s.AppendMessage(msg("1", "a", "x")))
}

func TestState_SnapshotIsImmutable(t *testing.T) {
	s := NewState(nil, 0)
	s.SetSession(types.Session{ID: 1, MaxParticipants: 2}, types.ChatRoleParticipant, types.Capabilities{})
	s.AppendMessage(msg("1", "a", "x"))

	snap := s.Snapshot()
	snap.Session.MaxParticipants = 99
	snap.Messages[0].Content = "changed"

	again := s.Snapshot()
	assert.Equal(t, 2, again.Session.MaxParticipants)
	assert.Equal(t, "x", again.Messages[0].Content)
}

func TestState_ConcurrentAppendsKeepUniqueness(t *testing.T) {
	s := NewState(nil, 0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.AppendMessage(msg(string(rune('a'+i%26))+"-id", "u", "c"))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.Snapshot().Messages, 26)
}
