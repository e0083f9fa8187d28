// Package moderation implements the moderator controls of a session view.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/api"
	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/metrics"
	"github.com/debatehub/session-chat/internal/v1/types"
)

var (
	// ErrNotPermitted is returned without a REST call when the view cannot moderate.
	ErrNotPermitted = errors.New("moderator controls are not available to this user")
	ErrRateLimited  = errors.New("too many moderator actions, slow down")

	ErrInvalidStartTime   = errors.New("start time is required")
	ErrInvalidCapacity    = errors.New("capacity must be at least 1")
	ErrInvalidParticipant = errors.New("participant id is required")
)

// API is the subset of the REST client the controls call.
type API interface {
	StartNow(ctx context.Context, id types.SessionIDType) error
	Reschedule(ctx context.Context, id types.SessionIDType, start time.Time) error
	UpdateSession(ctx context.Context, id types.SessionIDType, patch api.SessionPatch) error
	ModerateParticipant(ctx context.Context, id types.SessionIDType, participantID types.UserIDType, action api.ModerationAction) error
}

// Session is the view side the controls depend on: current capabilities and
// a way to re-fetch the session record after an action.
type Session interface {
	Capabilities() types.Capabilities
	RefreshSession(ctx context.Context) error
}

// Limiter gates moderator actions.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Controls issues moderator actions for one session.
type Controls struct {
	api       API
	session   Session
	sessionID types.SessionIDType
	limiter   Limiter
}

// New returns the controls for sessionID. limiter may be nil.
func New(client API, session Session, sessionID types.SessionIDType, limiter Limiter) *Controls {
	return &Controls{api: client, session: session, sessionID: sessionID, limiter: limiter}
}

// StartNow starts a scheduled session immediately.
func (c *Controls) StartNow(ctx context.Context) error {
	return c.run(ctx, "start_now", func(ctx context.Context) error {
		return c.api.StartNow(ctx, c.sessionID)
	})
}

// Reschedule moves the session start.
func (c *Controls) Reschedule(ctx context.Context, start time.Time) error {
	if start.IsZero() {
		return ErrInvalidStartTime
	}
	return c.run(ctx, "reschedule", func(ctx context.Context) error {
		return c.api.Reschedule(ctx, c.sessionID, start)
	})
}

// SetCapacity changes the participant cap.
func (c *Controls) SetCapacity(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidCapacity, n)
	}
	return c.run(ctx, "set_capacity", func(ctx context.Context) error {
		return c.api.UpdateSession(ctx, c.sessionID, api.SessionPatch{MaxParticipants: &n})
	})
}

// Mute mutes a participant.
func (c *Controls) Mute(ctx context.Context, participantID types.UserIDType) error {
	return c.moderate(ctx, participantID, api.ActionMute)
}

// Warn sends a participant a warning.
func (c *Controls) Warn(ctx context.Context, participantID types.UserIDType) error {
	return c.moderate(ctx, participantID, api.ActionWarn)
}

// Remove removes a participant from the session.
func (c *Controls) Remove(ctx context.Context, participantID types.UserIDType) error {
	return c.moderate(ctx, participantID, api.ActionRemove)
}

func (c *Controls) moderate(ctx context.Context, participantID types.UserIDType, action api.ModerationAction) error {
	if participantID == 0 {
		return ErrInvalidParticipant
	}
	return c.run(ctx, string(action), func(ctx context.Context) error {
		return c.api.ModerateParticipant(ctx, c.sessionID, participantID, action)
	})
}

// run gates, issues one REST call and re-fetches the session. Session state is
// only ever replaced by the re-fetch.
func (c *Controls) run(ctx context.Context, action string, call func(context.Context) error) error {
	if !c.session.Capabilities().CanModerate {
		metrics.ModerationActions.WithLabelValues(action, "not_permitted").Inc()
		return ErrNotPermitted
	}

	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx)
		if err != nil {
			logging.Warn(ctx, "Moderation rate limiter unavailable, allowing action", zap.Error(err))
		} else if !allowed {
			metrics.ModerationActions.WithLabelValues(action, "rate_limited").Inc()
			return ErrRateLimited
		}
	}

	if err := call(ctx); err != nil {
		metrics.ModerationActions.WithLabelValues(action, "failure").Inc()
		logging.Warn(ctx, "Moderator action failed", zap.String("action", action), zap.Error(err))
		return fmt.Errorf("%s: %w", action, err)
	}
	metrics.ModerationActions.WithLabelValues(action, "success").Inc()
	logging.Info(ctx, "Moderator action applied",
		zap.String("action", action), zap.String("session_id", c.sessionID.String()))

	if err := c.session.RefreshSession(ctx); err != nil {
		// The action itself went through.
		logging.Warn(ctx, "Session refresh after moderator action failed", zap.Error(err))
	}
	return nil
}

// Message returns the alert text for a failed action.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotPermitted), errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrInvalidStartTime), errors.Is(err, ErrInvalidCapacity), errors.Is(err, ErrInvalidParticipant):
		return err.Error()
	case errors.Is(err, api.ErrForbidden):
		return "Only the session moderator can do that."
	case errors.Is(err, api.ErrUnavailable):
		return "The debate service is unavailable. Try again shortly."
	}
	if apiErr, ok := api.AsError(err); ok {
		return apiErr.Message
	}
	return err.Error()
}
