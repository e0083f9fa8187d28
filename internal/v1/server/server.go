// Package server is the optional local status server: health probes,
// Prometheus metrics and a read-only view of the mounted session.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/chat"
	"github.com/debatehub/session-chat/internal/v1/health"
	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/middleware"
	"github.com/debatehub/session-chat/internal/v1/tracing"
	"github.com/debatehub/session-chat/internal/v1/types"
)

// StateSource is the mounted view as seen by the status endpoints.
type StateSource interface {
	Snapshot() chat.Snapshot
	ConnectionState() types.ConnectionState
	ViewerID() string
}

// ViewerLister lists the client instances mounted on a session.
type ViewerLister interface {
	Viewers(ctx context.Context, sessionID types.SessionIDType) ([]string, error)
}

// Options configures the status server.
type Options struct {
	Addr string
	// AllowedOrigins enables CORS for the listed origins. Empty leaves CORS off.
	AllowedOrigins []string
	SessionID      types.SessionIDType

	View   StateSource
	Health *health.Handler
	// Optional.
	RateLimit gin.HandlerFunc
	Viewers   ViewerLister
}

// NewRouter builds the status routes.
func NewRouter(opts Options) *gin.Engine {
	router := gin.New()

	if len(opts.AllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = opts.AllowedOrigins
		corsConfig.AllowMethods = []string{http.MethodGet}
		router.Use(cors.New(corsConfig))
	}

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(tracing.ServiceName))
	router.Use(middleware.RequestLogger())

	// Probes and scrapes are never rate limited.
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.Health != nil {
		router.GET("/health/live", opts.Health.Liveness)
		router.GET("/health/ready", opts.Health.Readiness)
	}

	v1 := router.Group("/v1")
	if opts.RateLimit != nil {
		v1.Use(opts.RateLimit)
	}
	{
		v1.GET("/state", stateHandler(opts.View))
		v1.GET("/viewers", viewersHandler(opts.SessionID, opts.View, opts.Viewers))
	}
	return router
}

func stateHandler(view StateSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		if view == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session mounted"})
			return
		}
		c.JSON(http.StatusOK, view.Snapshot())
	}
}

func viewersHandler(sessionID types.SessionIDType, view StateSource, lister ViewerLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		self := ""
		if view != nil {
			self = view.ViewerID()
		}
		if lister == nil {
			// Mirror disabled: this process is the only known viewer.
			viewers := []string{}
			if self != "" {
				viewers = append(viewers, self)
			}
			c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "self": self, "viewers": viewers})
			return
		}

		viewers, err := lister.Viewers(c.Request.Context(), sessionID)
		if err != nil {
			logging.Error(c.Request.Context(), "Failed to list viewers", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "viewer registry unavailable"})
			return
		}
		if viewers == nil {
			viewers = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "self": self, "viewers": viewers})
	}
}

// Server runs the status router on its own listener.
type Server struct {
	srv *http.Server
}

// New builds a stopped server.
func New(opts Options) *Server {
	return &Server{srv: &http.Server{
		Addr:              opts.Addr,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start listens on the configured address and serves in the background.
// The returned address is the bound one.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return "", err
	}
	go func() {
		logging.Info(context.Background(), "Status server starting", zap.String("addr", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(context.Background(), "Status server failed", zap.Error(err))
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
