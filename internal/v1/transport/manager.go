// Package transport manages the session's real-time WebSocket channel.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/metrics"
	"github.com/debatehub/session-chat/internal/v1/types"
)

// Send refusals. None of them touch the socket.
var (
	ErrNotConnected   = errors.New("chat is not connected")
	ErrEmptyMessage   = types.ErrEmptyMessage
	ErrMessageTooLong = types.ErrMessageTooLong
	ErrRateLimited    = errors.New("sending too fast, slow down")
	ErrSendBufferFull = errors.New("outbound buffer full")

	ErrClosed = errors.New("channel closed")
)

// Banner texts shown while the channel is degraded.
const (
	BannerReconnecting = "Connection lost. Reconnecting..."
	BannerGaveUp       = "Failed to connect to chat. Retry to reconnect."
	BannerServerClosed = "Chat connection closed by the server."
)

const maxReconnectDelay = time.Minute

// Sink receives the state the channel derives from the socket.
// Its methods are called with the manager lock held and must not call back
// into the Manager.
type Sink interface {
	AppendMessage(msg types.ChatMessage) bool
	UpdatePresence(u types.PresenceUpdate)
	SetTyping(user string, typing bool)
	SetBanner(msg string)
	SetConnection(state types.ConnectionState)
}

// TokenSource supplies the access token placed on the socket URL.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Limiter gates outbound chat messages.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// LifecycleHandler is told about session lifecycle and membership frames.
// It runs on the read goroutine and must not block.
type LifecycleHandler func(frameType types.FrameType)

// Config holds the channel settings.
type Config struct {
	BaseURL   string
	SessionID types.SessionIDType

	ReconnectDelay       time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxAttempts int

	TypingDebounce    time.Duration
	TypingIdleTimeout time.Duration

	WriteWait  time.Duration
	SendBuffer int
}

func (c *Config) setDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = 1
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = time.Second
	}
	if c.TypingIdleTimeout <= 0 {
		c.TypingIdleTimeout = time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock replaces the wall clock driving reconnect and typing timers.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLimiter gates SendMessage.
func WithLimiter(l Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithLifecycleHandler registers the lifecycle frame callback.
func WithLifecycleHandler(h LifecycleHandler) Option {
	return func(m *Manager) { m.onLifecycle = h }
}

// Manager owns the socket lifecycle for one mounted session view.
//
// disconnected -> connecting -> connected -> disconnected, with an automatic
// reconnect after abnormal closes, and -> closing -> disconnected on Close.
// Each dial gets a new generation; callbacks from older generations are dropped.
type Manager struct {
	cfg         Config
	tokens      TokenSource
	sink        Sink
	dialer      Dialer
	clock       clock.WithDelayedExecution
	limiter     Limiter
	onLifecycle LifecycleHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	state          types.ConnectionState
	client         *client
	gen            uint64
	attempts       int
	gaveUp         bool
	closed         bool
	reconnectTimer clock.Timer

	typingActive   bool
	lastTypingSent time.Time
	typingSeq      uint64
	idleTimer      clock.Timer
}

// NewManager builds a Manager in the disconnected state.
func NewManager(cfg Config, tokens TokenSource, sink Sink, opts ...Option) (*Manager, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("invalid websocket base URL %q", cfg.BaseURL)
	}
	if cfg.SessionID <= 0 {
		return nil, fmt.Errorf("invalid session id %d", cfg.SessionID)
	}
	if tokens == nil || sink == nil {
		return nil, errors.New("token source and sink are required")
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		tokens: tokens,
		sink:   sink,
		dialer: GorillaDialer{},
		clock:  clock.RealClock{},
		ctx:    ctx,
		cancel: cancel,
		state:  types.StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// URL returns the socket URL for the given access token.
func (m *Manager) URL(token string) string {
	return fmt.Sprintf("%s/ws/debate/%s/?token=%s",
		strings.TrimRight(m.cfg.BaseURL, "/"), m.cfg.SessionID, url.QueryEscape(token))
}

// Connect starts a dial if the channel is disconnected. The dial runs in the
// background; progress is reported through the Sink.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.state != types.StateDisconnected {
		return nil
	}
	m.stopReconnectLocked()
	m.startDialLocked()
	return nil
}

// Retry resets the consecutive-attempt counter and connects again.
func (m *Manager) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.attempts = 0
	m.gaveUp = false
	if m.state != types.StateDisconnected {
		return nil
	}
	m.stopReconnectLocked()
	m.sink.SetBanner("")
	m.startDialLocked()
	return nil
}

// Close tears the channel down: cancels an in-flight dial, stops every timer,
// sends close code 1000 on an open socket and waits for the socket goroutines.
// Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	m.gen++
	m.stopReconnectLocked()
	m.stopTypingLocked()
	c := m.client
	m.client = nil
	m.setStateLocked(types.StateClosing)
	m.cancel()
	m.mu.Unlock()

	if c != nil {
		c.shutdown(types.CloseIntentional)
	}
	m.wg.Wait()

	m.mu.Lock()
	m.setStateLocked(types.StateDisconnected)
	m.mu.Unlock()
	logging.Info(m.ctx, "Chat channel closed", zap.String("session_id", m.cfg.SessionID.String()))
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GaveUp reports whether automatic reconnection stopped at the attempt cap.
func (m *Manager) GaveUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gaveUp
}

// Attempts returns the number of consecutive reconnect attempts scheduled.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// SendMessage writes one chat message. Refusals are checked in order:
// not connected, empty, too long, rate limited.
func (m *Manager) SendMessage(ctx context.Context, content string) error {
	if m.State() != types.StateConnected {
		return refuse("not_connected", ErrNotConnected)
	}

	trimmed, err := types.ValidateContent(content)
	if err != nil {
		if errors.Is(err, ErrEmptyMessage) {
			return refuse("empty", err)
		}
		return refuse("too_long", err)
	}

	if m.limiter != nil {
		allowed, err := m.limiter.Allow(ctx)
		if err != nil {
			logging.Warn(ctx, "Send rate limiter unavailable, allowing message", zap.Error(err))
		} else if !allowed {
			return refuse("rate_limited", ErrRateLimited)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateConnected || m.client == nil {
		return refuse("not_connected", ErrNotConnected)
	}
	if m.typingActive {
		_ = m.enqueueLocked(types.NewTypingFrame(false))
		m.stopTypingLocked()
	}
	if err := m.enqueueLocked(types.NewChatFrame(trimmed)); err != nil {
		return refuse("buffer_full", err)
	}
	return nil
}

// NotifyTyping records local input activity. typing:true is sent at most once
// per debounce window; typing:false follows after the idle timeout, which
// further input re-arms. Ignored while not connected.
func (m *Manager) NotifyTyping() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateConnected || m.client == nil {
		return
	}

	now := m.clock.Now()
	if !m.typingActive || now.Sub(m.lastTypingSent) >= m.cfg.TypingDebounce {
		if err := m.enqueueLocked(types.NewTypingFrame(true)); err != nil {
			return
		}
		m.typingActive = true
		m.lastTypingSent = now
	}

	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.typingSeq++
	seq := m.typingSeq
	m.idleTimer = m.clock.AfterFunc(m.cfg.TypingIdleTimeout, func() {
		go m.typingIdle(seq)
	})
}

// StopTyping sends typing:false immediately if the signal is active.
func (m *Manager) StopTyping() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.typingActive || m.client == nil {
		return
	}
	_ = m.enqueueLocked(types.NewTypingFrame(false))
	m.stopTypingLocked()
}

func (m *Manager) typingIdle(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.typingSeq || !m.typingActive || m.client == nil {
		return
	}
	_ = m.enqueueLocked(types.NewTypingFrame(false))
	m.typingActive = false
	m.idleTimer = nil
}

func (m *Manager) stopTypingLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.typingSeq++
	m.typingActive = false
}

func (m *Manager) enqueueLocked(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if !m.client.enqueue(data) {
		logging.Warn(m.ctx, "Outbound buffer full, dropping frame")
		return ErrSendBufferFull
	}
	switch f := frame.(type) {
	case types.OutboundChatFrame:
		metrics.FramesSent.WithLabelValues(string(f.Type)).Inc()
	case types.OutboundTypingFrame:
		metrics.FramesSent.WithLabelValues(string(f.Type)).Inc()
	}
	return nil
}

func refuse(reason string, err error) error {
	metrics.SendRefusals.WithLabelValues(reason).Inc()
	return err
}

func (m *Manager) setStateLocked(state types.ConnectionState) {
	if m.state == state {
		return
	}
	m.state = state
	m.sink.SetConnection(state)
}

func (m *Manager) startDialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.ctx)
	m.setStateLocked(types.StateConnecting)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.dial(ctx, gen)
	}()
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	token, err := m.tokens.AccessToken(ctx)
	var conn wsConnection
	if err == nil {
		conn, err = m.dialer.Dial(ctx, m.URL(token))
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if conn != nil {
			// Completed after unmount or after a newer dial started.
			metrics.DialAttempts.WithLabelValues("discarded").Inc()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(types.CloseIntentional, ""))
			_ = conn.Close()
		}
		return
	}
	defer m.mu.Unlock()

	if err != nil {
		metrics.DialAttempts.WithLabelValues("failure").Inc()
		logging.Warn(ctx, "Chat channel dial failed", zap.Int("attempt", m.attempts), zap.Error(err))
		m.setStateLocked(types.StateDisconnected)
		m.afterCloseLocked(websocket.CloseAbnormalClosure)
		return
	}

	metrics.DialAttempts.WithLabelValues("success").Inc()
	c := newClient(conn, m.cfg.SendBuffer, m.cfg.WriteWait)
	m.client = c
	m.attempts = 0
	m.gaveUp = false
	m.setStateLocked(types.StateConnected)
	m.sink.SetBanner("")
	logging.Info(ctx, "Chat channel connected", zap.String("session_id", m.cfg.SessionID.String()))

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		c.writePump()
	}()
	go func() {
		defer m.wg.Done()
		c.readPump(
			func(data []byte) { m.handleFrame(gen, data) },
			func(code int) { m.handleClose(gen, c, code) },
		)
	}()
}

func (m *Manager) handleClose(gen uint64, c *client, code int) {
	metrics.CloseCodes.WithLabelValues(strconv.Itoa(code)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	c.shutdown(0)
	if gen != m.gen || m.client != c {
		return
	}
	m.client = nil
	m.stopTypingLocked()
	m.setStateLocked(types.StateDisconnected)
	logging.Info(m.ctx, "Chat channel closed by peer", zap.Int("code", code))
	m.afterCloseLocked(code)
}

// afterCloseLocked decides whether a close earns a reconnect attempt.
func (m *Manager) afterCloseLocked(code int) {
	if m.closed {
		return
	}
	if code == types.CloseIntentional {
		m.sink.SetBanner(BannerServerClosed)
		return
	}

	if m.attempts >= m.cfg.ReconnectMaxAttempts {
		m.gaveUp = true
		metrics.ReconnectGiveUps.Inc()
		m.sink.SetBanner(BannerGaveUp)
		logging.Warn(m.ctx, "Giving up on automatic reconnection", zap.Int("attempts", m.attempts))
		return
	}

	m.attempts++
	delay := m.backoff(m.attempts)
	gen := m.gen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		go m.reconnect(gen)
	})
	metrics.ReconnectsScheduled.Inc()
	m.sink.SetBanner(BannerReconnecting)
	logging.Info(m.ctx, "Reconnect scheduled",
		zap.Int("attempt", m.attempts), zap.Int("max_attempts", m.cfg.ReconnectMaxAttempts), zap.Duration("delay", delay))
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen || m.state != types.StateDisconnected {
		return
	}
	m.reconnectTimer = nil
	m.startDialLocked()
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	limit := maxReconnectDelay
	if m.cfg.ReconnectDelay > limit {
		limit = m.cfg.ReconnectDelay
	}
	d := float64(m.cfg.ReconnectDelay) * math.Pow(m.cfg.ReconnectMultiplier, float64(attempt-1))
	if d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}
