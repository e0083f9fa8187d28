package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/api"
	"github.com/debatehub/session-chat/internal/v1/auth"
	"github.com/debatehub/session-chat/internal/v1/bootstrap"
	"github.com/debatehub/session-chat/internal/v1/bus"
	"github.com/debatehub/session-chat/internal/v1/chat"
	"github.com/debatehub/session-chat/internal/v1/config"
	"github.com/debatehub/session-chat/internal/v1/health"
	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/moderation"
	"github.com/debatehub/session-chat/internal/v1/ratelimit"
	"github.com/debatehub/session-chat/internal/v1/server"
	"github.com/debatehub/session-chat/internal/v1/tracing"
	"github.com/debatehub/session-chat/internal/v1/transport"
	"github.com/debatehub/session-chat/internal/v1/types"
	"github.com/debatehub/session-chat/internal/v1/view"
)

const usage = `usage: chat <session-id>
       chat follow <session-id>   (print events mirrored over Redis)`

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := ""
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = path
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return 1
	}
	defer func() { _ = logging.GetLogger().Sync() }()

	if envLoaded != "" {
		logging.Info(context.Background(), "Loaded environment", zap.String("path", envLoaded))
	} else {
		logging.Debug(context.Background(), "No .env file found, relying on environment variables")
	}

	args := os.Args[1:]
	follow := len(args) == 2 && args[0] == "follow"
	if follow {
		args = args[1:]
	}
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	sessionID, err := bootstrap.ParseRoute(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, bootstrap.Describe(err))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, tracing.ServiceName, tracing.Options{
			CollectorAddr: cfg.OTelCollectorAddr,
			Insecure:      cfg.OTelInsecure,
			SkipVerify:    cfg.OTelSkipVerify,
		})
		if err != nil {
			logging.Error(ctx, "Tracing disabled", zap.Error(err))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(sctx)
			}()
		}
	}

	// --- Redis mirror (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, mirror disabled", zap.Error(err))
			busService = nil
		}
	}
	defer func() { _ = busService.Close() }()

	if follow {
		return runFollow(ctx, busService, sessionID, os.Stdout)
	}

	// --- REST client and identity ---
	store, err := auth.NewStore(cfg.AccessToken, cfg.RefreshToken, cfg.TokenFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load credentials:", err)
		return 1
	}
	client, err := api.NewClient(api.Options{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.RequestTimeout,
		Tokens:  store,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	store.SetRefresher(client)

	if id, ok := store.UserID(); ok {
		ctx = logging.WithSession(ctx, sessionID.String(), id.String())
	}
	me, err := client.CurrentUser(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load your profile:", err)
		return 1
	}
	if !tokenOwnerMatches(store, *me) {
		fmt.Fprintln(os.Stderr, "The access token belongs to a different account than the loaded profile. Log in again.")
		return 1
	}
	ctx = logging.WithSession(ctx, sessionID.String(), me.ID.String())

	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	opts := view.Options{
		SessionID: sessionID,
		Me:        *me,
		API:       client,
		Tokens:    store,
		Channel: transport.Config{
			BaseURL:              cfg.WSBaseURL,
			ReconnectDelay:       cfg.ReconnectDelay,
			ReconnectMultiplier:  cfg.ReconnectMultiplier,
			ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
			TypingDebounce:       cfg.TypingDebounce,
			TypingIdleTimeout:    cfg.TypingIdleTimeout,
		},
		HistoryPageSize:   cfg.HistoryPageSize,
		TypingTTL:         cfg.TypingTTL,
		SendLimiter:       limiter.Gate(ratelimit.ScopeSend, me.ID.String()),
		ModerationLimiter: limiter.Gate(ratelimit.ScopeModeration, me.ID.String()),
	}
	if busService != nil {
		opts.Mirror = busService
	}
	v, err := view.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if cfg.StatusEnabled {
		sopts := server.Options{
			Addr:           cfg.StatusAddr,
			AllowedOrigins: auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			SessionID:      sessionID,
			View:           v,
			RateLimit:      limiter.Middleware(),
		}
		collector := ""
		if cfg.TracingEnabled {
			collector = cfg.OTelCollectorAddr
		}
		sopts.Health = health.NewHandler(busService, v, collector)
		if busService != nil {
			sopts.Viewers = busService
		}
		srv := server.New(sopts)
		if _, err := srv.Start(); err != nil {
			logging.Error(ctx, "Failed to start status server", zap.Error(err))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}
	}

	out := &console{w: os.Stdout}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range v.Events() {
			out.println(formatEvent(ev))
		}
	}()
	// Close ends Events, which stops the printer.
	defer func() {
		v.Close()
		wg.Wait()
	}()

	if err := v.Mount(ctx); err != nil {
		fmt.Fprintln(os.Stderr, bootstrap.Describe(err))
		return 1
	}
	out.println(helpText)

	h := &host{view: v, busService: busService, sessionID: sessionID, out: out}
	h.loop(ctx, os.Stdin)
	return 0
}

// console serializes writes from the event printer and the command loop.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) println(line string) {
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.w, line)
}

// tokenIdentity is the user id carried by the stored access token.
type tokenIdentity interface {
	UserID() (types.UserIDType, bool)
}

// tokenOwnerMatches reports whether the token was issued to me. Tokens
// without a readable user id are accepted.
func tokenOwnerMatches(tokens tokenIdentity, me types.User) bool {
	id, ok := tokens.UserID()
	return !ok || id == me.ID
}

type host struct {
	view       *view.View
	busService *bus.Service
	sessionID  types.SessionIDType
	out        *console
}

// loop reads stdin until EOF, /quit or cancellation.
func (h *host) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				h.out.println(err.Error())
				continue
			}
			if cmd.kind == cmdQuit {
				return
			}
			h.execute(ctx, cmd)
		}
	}
}

func (h *host) execute(ctx context.Context, cmd command) {
	controls := h.view.Controls()
	var err error

	switch cmd.kind {
	case cmdSend:
		if err := h.view.SendMessage(ctx, cmd.text); err != nil {
			h.out.println(sendRefusal(err))
		}
		return
	case cmdHelp:
		h.out.println(helpText)
		return
	case cmdTyping:
		h.view.NotifyTyping()
		return
	case cmdWho:
		h.who(ctx)
		return
	case cmdRetry:
		if err := h.view.Retry(); err != nil {
			h.out.println("Cannot retry: " + err.Error())
		}
		return
	case cmdReload:
		if err := h.view.Reset(ctx); err != nil {
			h.out.println(bootstrap.Describe(err))
		}
		return
	case cmdLeave:
		h.out.println(leaveOutcome(h.view.Leave(ctx)))
		return
	case cmdStart:
		err = controls.StartNow(ctx)
	case cmdReschedule:
		err = controls.Reschedule(ctx, cmd.start)
	case cmdCapacity:
		err = controls.SetCapacity(ctx, cmd.capacity)
	case cmdMute:
		err = controls.Mute(ctx, cmd.participant)
	case cmdWarn:
		err = controls.Warn(ctx, cmd.participant)
	case cmdRemove:
		err = controls.Remove(ctx, cmd.participant)
	}
	if err != nil {
		h.out.println("! " + moderation.Message(err))
		return
	}
	h.out.println("* done")
}

func (h *host) who(ctx context.Context) {
	snap := h.view.Snapshot()
	h.out.println(fmt.Sprintf("* %d online / %d participants, you are %s (%s)",
		snap.Presence.OnlineCount, snap.Presence.TotalParticipants, snap.Role, snap.Connection))
	h.out.println(formatTyping(snap.Typing))

	viewers, err := h.busService.Viewers(ctx, h.sessionID)
	if err != nil {
		h.out.println("! viewer registry unavailable")
		return
	}
	if len(viewers) > 0 {
		h.out.println(fmt.Sprintf("* %d mirrored viewers", len(viewers)))
	}
}

// leaveOutcome is the notice printed after /leave.
func leaveOutcome(err error) string {
	switch {
	case err == nil:
		return "* you left the session, /reload to join again"
	case errors.Is(err, view.ErrNotMounted):
		return "! not in a session"
	case errors.Is(err, view.ErrNotParticipant):
		return "! " + view.ErrNotParticipant.Error()
	}
	return "! " + moderation.Message(err)
}

// sendRefusal turns a send error into a short notice. The typed input is
// not lost; the user can resend it.
func sendRefusal(err error) string {
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		return "! not connected, message not sent"
	case errors.Is(err, view.ErrCannotCompose):
		return "! " + view.ErrCannotCompose.Error()
	case errors.Is(err, transport.ErrRateLimited):
		return "! " + transport.ErrRateLimited.Error()
	case errors.Is(err, types.ErrEmptyMessage), errors.Is(err, types.ErrMessageTooLong):
		return "! " + err.Error()
	default:
		return "! message not sent: " + err.Error()
	}
}

// runFollow prints the events another process mirrors for the session.
func runFollow(ctx context.Context, busService *bus.Service, sessionID types.SessionIDType, w io.Writer) int {
	if busService == nil {
		fmt.Fprintln(os.Stderr, "follow mode needs REDIS_ENABLED=true and a reachable Redis")
		return 1
	}

	out := &console{w: w}
	var wg sync.WaitGroup
	err := busService.Subscribe(ctx, sessionID, &wg, func(env bus.Envelope) {
		out.println(formatEnvelope(env))
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out.println(fmt.Sprintf("* following session %s", sessionID))

	<-ctx.Done()
	wg.Wait()
	return 0
}

// formatEnvelope renders a mirrored event, prefixed by the short id of the
// viewer that produced it.
func formatEnvelope(env bus.Envelope) string {
	var ev chat.Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return ""
	}
	line := formatEvent(ev)
	if line == "" {
		return ""
	}
	sender := env.SenderID
	if len(sender) > 8 {
		sender = sender[:8]
	}
	return fmt.Sprintf("<%s> %s", sender, line)
}
