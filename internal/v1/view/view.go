// Package view mounts one session chat view: bootstrap, then the real-time
// channel, with the state fanned out to the host and an optional Redis mirror.
package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/debatehub/session-chat/internal/v1/bootstrap"
	"github.com/debatehub/session-chat/internal/v1/chat"
	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/moderation"
	"github.com/debatehub/session-chat/internal/v1/transport"
	"github.com/debatehub/session-chat/internal/v1/types"
)

var (
	ErrClosed         = errors.New("view closed")
	ErrAlreadyMounted = errors.New("view already mounted")
	ErrNotMounted     = errors.New("view not mounted")
	ErrCannotCompose  = errors.New("join the session to send messages")
	ErrNotParticipant = errors.New("only participants can leave the session")
	// ErrUnmounted is returned by a Mount whose view was unmounted while the
	// bootstrap was still running. Its result is discarded.
	ErrUnmounted = errors.New("view unmounted during bootstrap")
)

const (
	refreshTimeout = 10 * time.Second
	mirrorTimeout  = 2 * time.Second
	eventBuffer    = 256
)

// API is the REST surface a view uses.
type API interface {
	bootstrap.API
	moderation.API
	LeaveSession(ctx context.Context, id types.SessionIDType) error
}

// Mirror publishes view events to other processes.
type Mirror interface {
	Publish(ctx context.Context, sessionID types.SessionIDType, event string, payload any, senderID string) error
	RegisterViewer(ctx context.Context, sessionID types.SessionIDType, viewerID string) error
	UnregisterViewer(ctx context.Context, sessionID types.SessionIDType, viewerID string) error
}

// Options configures a View.
type Options struct {
	SessionID types.SessionIDType
	Me        types.User

	API    API
	Tokens transport.TokenSource

	// Channel carries the socket settings; its SessionID is overwritten.
	Channel         transport.Config
	HistoryPageSize int
	TypingTTL       time.Duration

	Dialer            transport.Dialer
	Clock             clock.WithDelayedExecution
	SendLimiter       transport.Limiter
	ModerationLimiter moderation.Limiter
	Mirror            Mirror
}

// View is one mounted session chat view.
type View struct {
	opts     Options
	state    *chat.State
	boot     *bootstrap.Bootstrapper
	controls *moderation.Controls
	viewerID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	closed          bool
	mounted         bool
	mountGen        uint64
	cancelBootstrap context.CancelFunc
	manager         *transport.Manager
	result          *bootstrap.Result

	refresh singleflight.Group

	queue  *eventQueue
	events chan chat.Event
}

// New builds an unmounted view and starts its event dispatcher.
func New(opts Options) (*View, error) {
	if opts.SessionID <= 0 {
		return nil, fmt.Errorf("%w: %d", bootstrap.ErrInvalidSessionID, opts.SessionID)
	}
	if opts.API == nil || opts.Tokens == nil {
		return nil, errors.New("view: API and token source are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	opts.Channel.SessionID = opts.SessionID

	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		opts:     opts,
		state:    chat.NewState(opts.Clock, opts.TypingTTL),
		boot:     bootstrap.New(opts.API, opts.HistoryPageSize),
		viewerID: uuid.New().String(),
		ctx:      ctx,
		cancel:   cancel,
		queue:    newEventQueue(),
		events:   make(chan chat.Event, eventBuffer),
	}
	v.controls = moderation.New(opts.API, v, opts.SessionID, opts.ModerationLimiter)
	v.state.Subscribe(v.queue.push)

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(v.events)
		v.dispatch()
	}()
	return v, nil
}

// Events delivers state changes in apply order. Closed by Close.
func (v *View) Events() <-chan chat.Event {
	return v.events
}

// ViewerID identifies this view instance on the mirror.
func (v *View) ViewerID() string {
	return v.viewerID
}

// Controls returns the moderator controls. They refuse every action unless
// the mounted view's capabilities allow moderation.
func (v *View) Controls() *moderation.Controls {
	return v.controls
}

// Mount runs the bootstrap and, on success, seeds the transcript and starts
// the channel. Bootstrap errors are terminal and leave the view unmounted.
func (v *View) Mount(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.mounted {
		v.mu.Unlock()
		return ErrAlreadyMounted
	}
	v.mounted = true
	v.mountGen++
	gen := v.mountGen
	bctx, cancel := context.WithCancel(ctx)
	v.cancelBootstrap = cancel
	v.mu.Unlock()

	res, err := v.boot.Run(bctx, v.opts.SessionID, v.opts.Me)
	cancel()

	v.mu.Lock()
	if gen != v.mountGen || !v.mounted {
		v.mu.Unlock()
		logging.Info(ctx, "Discarding bootstrap result of an unmounted view")
		return ErrUnmounted
	}
	v.cancelBootstrap = nil
	if err != nil {
		v.mounted = false
		v.mu.Unlock()
		logging.Warn(ctx, "Session bootstrap failed", zap.Error(err))
		return err
	}

	v.result = res
	v.state.SetSession(res.Session, res.Role, res.Capabilities)
	v.state.SeedHistory(res.History)

	mgr, err := transport.NewManager(v.opts.Channel, v.opts.Tokens, v.state, v.managerOptions()...)
	if err != nil {
		v.mounted = false
		v.result = nil
		v.mu.Unlock()
		v.state.Reset()
		return fmt.Errorf("start channel: %w", err)
	}
	v.manager = mgr
	err = mgr.Connect()
	v.mu.Unlock()
	if err != nil {
		return err
	}

	v.registerViewer()
	return nil
}

func (v *View) managerOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithClock(v.opts.Clock),
		transport.WithLifecycleHandler(v.onLifecycle),
	}
	if v.opts.Dialer != nil {
		opts = append(opts, transport.WithDialer(v.opts.Dialer))
	}
	if v.opts.SendLimiter != nil {
		opts = append(opts, transport.WithLimiter(v.opts.SendLimiter))
	}
	return opts
}

// Unmount cancels an in-flight bootstrap, closes the channel and discards the
// transcript. Safe to call at any time and more than once.
func (v *View) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	v.mountGen++
	if v.cancelBootstrap != nil {
		v.cancelBootstrap()
		v.cancelBootstrap = nil
	}
	mgr := v.manager
	wasLive := v.result != nil
	v.manager = nil
	v.result = nil
	v.mu.Unlock()

	if mgr != nil {
		mgr.Close()
	}
	v.state.Reset()
	if wasLive {
		v.unregisterViewer()
	}
}

// Leave gives up the caller's participant seat and unmounts the view.
// A failed leave keeps the view mounted.
func (v *View) Leave(ctx context.Context) error {
	v.mu.Lock()
	res := v.result
	var joined, creator bool
	if res != nil {
		joined, creator = res.Joined, res.IsCreator
	}
	v.mu.Unlock()

	if res == nil {
		return ErrNotMounted
	}
	if creator || !joined {
		return ErrNotParticipant
	}

	if err := v.opts.API.LeaveSession(ctx, v.opts.SessionID); err != nil {
		logging.Warn(ctx, "Leaving session failed", zap.Error(err))
		return fmt.Errorf("leave session: %w", err)
	}
	logging.Info(ctx, "Left session", zap.String("session_id", v.opts.SessionID.String()))
	v.Unmount()
	return nil
}

// Reset is the reload command: unmount followed by a fresh mount.
func (v *View) Reset(ctx context.Context) error {
	v.Unmount()
	return v.Mount(ctx)
}

// Close unmounts the view and stops the dispatcher, which closes Events.
// Undelivered events are dropped.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.Unmount()
	v.cancel()
	v.wg.Wait()
}

// RefreshSession re-fetches the session record. Concurrent calls share one request.
func (v *View) RefreshSession(ctx context.Context) error {
	v.mu.Lock()
	gen := v.mountGen
	live := v.result != nil
	v.mu.Unlock()
	if !live {
		return ErrNotMounted
	}

	_, err, shared := v.refresh.Do("session", func() (interface{}, error) {
		session, err := v.opts.API.GetSession(ctx, v.opts.SessionID)
		if err != nil {
			return nil, err
		}

		v.mu.Lock()
		defer v.mu.Unlock()
		if gen != v.mountGen || v.result == nil {
			return nil, ErrUnmounted
		}
		caps := v.result.Capabilities
		if session.UserHasJoined {
			caps.CanCompose = true
		}
		v.result.Session = *session
		v.result.Capabilities = caps
		v.state.SetSession(*session, v.result.Role, caps)
		return nil, nil
	})
	if err != nil {
		logging.Warn(ctx, "Session refresh failed", zap.Error(err))
		return fmt.Errorf("refresh session: %w", err)
	}
	logging.Debug(ctx, "Session refreshed", zap.Bool("shared", shared))
	return nil
}

// onLifecycle runs on the read goroutine; the refresh happens elsewhere.
func (v *View) onLifecycle(frameType types.FrameType) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(v.ctx, refreshTimeout)
		defer cancel()
		if err := v.RefreshSession(ctx); err != nil && !errors.Is(err, ErrNotMounted) {
			logging.Debug(ctx, "Refresh after lifecycle frame failed",
				zap.String("type", string(frameType)), zap.Error(err))
		}
	}()
}

// Snapshot returns an immutable copy of the view state.
func (v *View) Snapshot() chat.Snapshot {
	return v.state.Snapshot()
}

// Capabilities returns the mounted view's capabilities.
func (v *View) Capabilities() types.Capabilities {
	return v.state.Capabilities()
}

// Result returns the bootstrap result of the current mount.
func (v *View) Result() (*bootstrap.Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.result == nil {
		return nil, false
	}
	cp := *v.result
	return &cp, true
}

func (v *View) currentManager() *transport.Manager {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.manager
}

// SendMessage sends chat content over the channel.
func (v *View) SendMessage(ctx context.Context, content string) error {
	mgr := v.currentManager()
	if mgr == nil {
		return transport.ErrNotConnected
	}
	if !v.state.Capabilities().CanCompose {
		return ErrCannotCompose
	}
	return mgr.SendMessage(ctx, content)
}

// NotifyTyping forwards local input activity.
func (v *View) NotifyTyping() {
	if mgr := v.currentManager(); mgr != nil {
		mgr.NotifyTyping()
	}
}

// StopTyping clears the local typing signal.
func (v *View) StopTyping() {
	if mgr := v.currentManager(); mgr != nil {
		mgr.StopTyping()
	}
}

// Retry reconnects after automatic reconnection gave up.
func (v *View) Retry() error {
	mgr := v.currentManager()
	if mgr == nil {
		return ErrNotMounted
	}
	return mgr.Retry()
}

// ConnectionState returns the channel state.
func (v *View) ConnectionState() types.ConnectionState {
	if mgr := v.currentManager(); mgr != nil {
		return mgr.State()
	}
	return types.StateDisconnected
}

// dispatch forwards queued events to the host and the mirror.
func (v *View) dispatch() {
	for {
		batch, ok := v.queue.wait(v.ctx)
		if !ok {
			return
		}
		for _, ev := range batch {
			select {
			case v.events <- ev:
			case <-v.ctx.Done():
				return
			}
			v.mirror(ev)
		}
	}
}

func (v *View) mirror(ev chat.Event) {
	if v.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(v.ctx, mirrorTimeout)
	defer cancel()
	if err := v.opts.Mirror.Publish(ctx, v.opts.SessionID, string(ev.Kind), ev, v.viewerID); err != nil {
		logging.Debug(ctx, "Mirror publish failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (v *View) registerViewer() {
	if v.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(v.ctx, mirrorTimeout)
	defer cancel()
	if err := v.opts.Mirror.RegisterViewer(ctx, v.opts.SessionID, v.viewerID); err != nil {
		logging.Warn(ctx, "Failed to register viewer", zap.Error(err))
	}
}

func (v *View) unregisterViewer() {
	if v.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := v.opts.Mirror.UnregisterViewer(ctx, v.opts.SessionID, v.viewerID); err != nil {
		logging.Warn(ctx, "Failed to unregister viewer", zap.Error(err))
	}
}
