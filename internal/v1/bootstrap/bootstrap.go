// Package bootstrap prepares a session view: it loads the session, makes sure
// the caller is a member, resolves the chat role and loads recent history.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/api"
	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/types"
)

// Terminal bootstrap errors. A view that gets one of these never opens a socket.
var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrNotFound         = errors.New("session not found")
	ErrUnauthorized     = errors.New("not authorized")
	ErrSessionFull      = errors.New("session is full")
	ErrSessionNotActive = errors.New("session is not active")
	ErrForbidden        = errors.New("chat access denied")
	ErrJoinFailed       = errors.New("could not join session")
)

// UnknownUser is shown for history entries whose author has no username.
const UnknownUser = "Unknown User"

// DefaultHistoryPageSize bounds the initial history fetch.
const DefaultHistoryPageSize = 100

// API is the subset of the REST client used during bootstrap.
type API interface {
	GetSession(ctx context.Context, id types.SessionIDType) (*types.Session, error)
	JoinSession(ctx context.Context, id types.SessionIDType) error
	EnterChat(ctx context.Context, id types.SessionIDType) (*api.EnterChat, error)
	ListMessages(ctx context.Context, id types.SessionIDType, pageSize int) (*api.MessagePage, error)
}

// Result is everything a view needs before it opens the channel.
type Result struct {
	Session      types.Session
	History      []types.ChatMessage
	Role         types.ChatRole
	IsCreator    bool
	Joined       bool
	Capabilities types.Capabilities
}

// Bootstrapper runs the bootstrap sequence against the REST API.
type Bootstrapper struct {
	api             API
	historyPageSize int
	now             func() time.Time
}

// New returns a Bootstrapper. historyPageSize <= 0 uses DefaultHistoryPageSize.
func New(client API, historyPageSize int) *Bootstrapper {
	if historyPageSize <= 0 {
		historyPageSize = DefaultHistoryPageSize
	}
	return &Bootstrapper{api: client, historyPageSize: historyPageSize, now: time.Now}
}

// ParseRoute converts a raw route parameter into a session id.
func ParseRoute(raw string) (types.SessionIDType, error) {
	id, err := types.ParseSessionID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	return id, nil
}

// Run executes the bootstrap sequence for sessionID on behalf of me.
func (b *Bootstrapper) Run(ctx context.Context, sessionID types.SessionIDType, me types.User) (*Result, error) {
	if sessionID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSessionID, sessionID)
	}
	ctx = logging.WithSession(ctx, sessionID.String(), me.ID.String())

	session, err := b.api.GetSession(ctx, sessionID)
	if err != nil {
		return nil, classifyFetch(err)
	}

	isCreator := session.IsCreator(me.ID)
	joined := session.UserHasJoined
	if !isCreator && !joined {
		// A live session already at capacity would only bounce the join.
		if session.IsOngoing && session.IsFull() {
			logging.Info(ctx, "Session is full, not joining",
				zap.Int("participants", session.ParticipantsCount),
				zap.Int("max", session.MaxParticipants))
			return nil, fmt.Errorf("%w: %d/%d participants", ErrSessionFull, session.ParticipantsCount, session.MaxParticipants)
		}
		if err := b.join(ctx, sessionID); err != nil {
			return nil, err
		}
		joined = true

		// Re-fetch so membership counters come from the server.
		refreshed, err := b.api.GetSession(ctx, sessionID)
		if err != nil {
			return nil, classifyFetch(err)
		}
		session = refreshed
	}

	entry, err := b.api.EnterChat(ctx, sessionID)
	if err != nil {
		return nil, classifyEnter(err)
	}
	role := entry.UserRole
	if role == "" {
		role = types.ChatRoleUnknown
	}
	isCreator = isCreator || entry.IsSessionCreator

	history := b.history(ctx, sessionID)

	caps := types.Capabilities{
		CanCompose:  joined || isCreator || me.IsModerator() || role == types.ChatRoleModerator,
		CanModerate: (me.IsModerator() || role == types.ChatRoleModerator) && isCreator,
	}

	logging.Info(ctx, "Session bootstrap complete",
		zap.String("role", string(role)),
		zap.Bool("creator", isCreator),
		zap.Int("history", len(history)))

	return &Result{
		Session:      *session,
		History:      history,
		Role:         role,
		IsCreator:    isCreator,
		Joined:       joined,
		Capabilities: caps,
	}, nil
}

func (b *Bootstrapper) join(ctx context.Context, id types.SessionIDType) error {
	err := b.api.JoinSession(ctx, id)
	if err == nil {
		logging.Info(ctx, "Joined session")
		return nil
	}

	apiErr, ok := api.AsError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "already a participant"):
		logging.Debug(ctx, "Already a participant, continuing")
		return nil
	case errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	case errors.Is(err, api.ErrUnauthorized), errors.Is(err, api.ErrForbidden):
		return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
	case strings.Contains(msg, "maximum participants"), strings.Contains(msg, "full"):
		return fmt.Errorf("%w: %s", ErrSessionFull, apiErr.Message)
	case strings.Contains(msg, "not started"), strings.Contains(msg, "ended"), strings.Contains(msg, "not active"):
		return fmt.Errorf("%w: %s", ErrSessionNotActive, apiErr.Message)
	}
	return fmt.Errorf("%w: %s", ErrJoinFailed, apiErr.Message)
}

// history loads the initial transcript. Failures degrade to an empty one.
func (b *Bootstrapper) history(ctx context.Context, id types.SessionIDType) []types.ChatMessage {
	page, err := b.api.ListMessages(ctx, id, b.historyPageSize)
	if err != nil {
		logging.Warn(ctx, "Failed to fetch message history, starting empty", zap.Error(err))
		return nil
	}

	out := make([]types.ChatMessage, 0, len(page.Results))
	for _, m := range page.Results {
		msg, ok := b.normalize(id, m)
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	if dropped := len(page.Results) - len(out); dropped > 0 {
		logging.Debug(ctx, "Dropped incomplete history entries", zap.Int("dropped", dropped))
	}
	return out
}

func (b *Bootstrapper) normalize(id types.SessionIDType, m api.HistoryMessage) (types.ChatMessage, bool) {
	if m.User == nil || m.Content == "" {
		return types.ChatMessage{}, false
	}
	user := *m.User
	if user.Username == "" {
		user.Username = UnknownUser
	}
	if user.Role == "" {
		user.Role = types.AccountRoleStudent
	}

	var ts time.Time
	switch {
	case m.CreatedAt != nil && !m.CreatedAt.IsZero():
		ts = *m.CreatedAt
	case m.Timestamp != nil && !m.Timestamp.IsZero():
		ts = *m.Timestamp
	default:
		ts = b.now()
	}

	return types.ChatMessage{
		ID:        m.ID,
		User:      user,
		Content:   m.Content,
		Timestamp: ts,
		SessionID: id,
	}, true
}

func classifyFetch(err error) error {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, api.ErrUnauthorized), errors.Is(err, api.ErrForbidden):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return fmt.Errorf("load session: %w", err)
}

func classifyEnter(err error) error {
	switch {
	case errors.Is(err, api.ErrForbidden):
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	case errors.Is(err, api.ErrUnauthorized):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("enter chat: %w", err)
}

// Describe returns the message shown on the terminal error screen.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var detail string
	if apiErr, ok := api.AsError(err); ok {
		detail = apiErr.Message
	}

	switch {
	case errors.Is(err, ErrInvalidSessionID):
		return "Session ID not provided or invalid."
	case errors.Is(err, ErrNotFound):
		return "Session not found. It may have been removed."
	case errors.Is(err, ErrUnauthorized):
		return "Your login has expired or you are not allowed to view this session. Please log in again."
	case errors.Is(err, ErrSessionFull):
		return "This session has reached its maximum number of participants."
	case errors.Is(err, ErrSessionNotActive):
		if msg := wrappedMessage(err); msg != "" {
			return msg
		}
		return "This session is not live. Wait for it to start, or pick another session."
	case errors.Is(err, ErrForbidden):
		return "You must be a participant or the session moderator to enter the chat."
	case errors.Is(err, ErrJoinFailed):
		if msg := wrappedMessage(err); msg != "" {
			return "Could not join session: " + msg
		}
		return "Could not join session."
	case errors.Is(err, api.ErrUnavailable):
		return "The debate service is unavailable. Try again shortly."
	}
	if detail != "" {
		return "Failed to load session: " + detail
	}
	return "Failed to load session: " + err.Error()
}

// wrappedMessage returns the server text after the sentinel prefix.
func wrappedMessage(err error) string {
	_, msg, ok := strings.Cut(err.Error(), ": ")
	if !ok {
		return ""
	}
	return msg
}
