package transport

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/metrics"
	"github.com/debatehub/session-chat/internal/v1/types"
)

// handleFrame applies one inbound frame. Frames from a superseded socket are dropped.
func (m *Manager) handleFrame(gen uint64, data []byte) {
	start := time.Now()

	frame, err := types.DecodeFrame(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("unknown", "invalid").Inc()
		logging.Warn(m.ctx, "Dropping undecodable frame", zap.Error(err))
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		metrics.FramesReceived.WithLabelValues(string(frame.Type), "stale").Inc()
		return
	}
	status, lifecycle := m.applyFrameLocked(frame)
	m.mu.Unlock()

	metrics.FramesReceived.WithLabelValues(string(frame.Type), status).Inc()
	metrics.FrameProcessingDuration.WithLabelValues(string(frame.Type)).Observe(time.Since(start).Seconds())

	if lifecycle && m.onLifecycle != nil {
		m.onLifecycle(frame.Type)
	}
}

// applyFrameLocked routes a frame to the sink. It returns the metrics status
// and whether the frame changes the session record.
func (m *Manager) applyFrameLocked(frame types.Frame) (status string, lifecycle bool) {
	switch frame.Type {
	case types.FrameConnectionEstablished:
		var body types.ConnectionEstablishedFrame
		if err := frame.Decode(&body); err != nil {
			return m.invalid(frame, err), false
		}
		if !body.Empty() {
			m.sink.UpdatePresence(body.PresenceUpdate)
		}

	case types.FrameChatMessage:
		var body types.ChatMessageFrame
		if err := frame.Decode(&body); err != nil {
			return m.invalid(frame, err), false
		}
		if body.Message.ID == "" && body.Message.Content == "" {
			logging.Warn(m.ctx, "Dropping empty chat message frame")
			return "invalid", false
		}
		if !m.sink.AppendMessage(body.Message) {
			return "duplicate", false
		}

	case types.FrameOnlineCountUpdate:
		var body types.OnlineCountFrame
		if err := frame.Decode(&body); err != nil {
			return m.invalid(frame, err), false
		}
		if body.Empty() {
			return m.invalid(frame, errors.New("no presence counters")), false
		}
		m.sink.UpdatePresence(body.PresenceUpdate)

	case types.FrameTypingIndicator:
		var body types.TypingIndicatorFrame
		if err := frame.Decode(&body); err != nil {
			return m.invalid(frame, err), false
		}
		m.sink.SetTyping(body.User, body.IsTyping)

	case types.FrameError:
		var body types.ErrorFrame
		if err := frame.Decode(&body); err != nil {
			return m.invalid(frame, err), false
		}
		logging.Warn(m.ctx, "Server reported chat error", zap.String("message", body.Message))
		m.sink.SetBanner(body.Message)

	case types.FrameSessionStarted, types.FrameSessionEnded:
		logging.Info(m.ctx, "Session lifecycle event", zap.String("type", string(frame.Type)))
		return "ok", true

	case types.FrameUserJoined, types.FrameUserLeft:
		var body types.MembershipFrame
		_ = frame.Decode(&body)
		logging.Info(m.ctx, "Session membership changed",
			zap.String("type", string(frame.Type)), zap.String("user", body.User.Username))
		return "ok", true

	default:
		logging.Debug(m.ctx, "Ignoring unknown frame", zap.String("type", string(frame.Type)))
		return "ignored", false
	}
	return "ok", false
}

func (m *Manager) invalid(frame types.Frame, err error) string {
	logging.Warn(m.ctx, "Dropping malformed frame", zap.String("type", string(frame.Type)), zap.Error(err))
	return "invalid"
}
