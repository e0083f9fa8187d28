package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/debatehub/session-chat/internal/v1/bus"
	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/types"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// GRPCChecker probes a gRPC endpoint with the standard health protocol.
type GRPCChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultGRPCChecker dials addr and asks for the overall serving status.
type DefaultGRPCChecker struct{}

// Check verifies gRPC connectivity using the health check protocol
func (c *DefaultGRPCChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "Failed to connect for health check", zap.Error(err), zap.String("addr", addr))
		return statusUnhealthy
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: "", // Empty string checks overall server health
	})
	if err != nil {
		logging.Error(ctx, "gRPC health check failed", zap.Error(err), zap.String("addr", addr))
		return statusUnhealthy
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "gRPC endpoint is not serving", zap.String("status", resp.Status.String()))
		return statusUnhealthy
	}
	return statusHealthy
}

// ChannelProbe reports the state of the real-time chat channel.
type ChannelProbe interface {
	ConnectionState() types.ConnectionState
}

// Handler manages health check endpoints
type Handler struct {
	redisService *bus.Service
	channel      ChannelProbe

	collectorAddr    string
	collectorEnabled bool
	collectorChecker GRPCChecker
}

// NewHandler creates a health handler. redisService and channel may be nil.
// collectorAddr is only probed when non-empty.
func NewHandler(redisService *bus.Service, channel ChannelProbe, collectorAddr string) *Handler {
	return &Handler{
		redisService:     redisService,
		channel:          channel,
		collectorAddr:    collectorAddr,
		collectorEnabled: collectorAddr != "",
		collectorChecker: &DefaultGRPCChecker{},
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only while the chat channel is connected and every enabled
// dependency is healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	checks["redis"] = h.checkRedis(ctx)
	if checks["redis"] != statusHealthy {
		allHealthy = false
	}

	checks["channel"] = h.checkChannel()
	if checks["channel"] != string(types.StateConnected) {
		allHealthy = false
	}

	if h.collectorEnabled {
		checks["otel_collector"] = h.checkCollector(ctx)
		if checks["otel_collector"] != statusHealthy {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// Mirror disabled
	if h.redisService == nil {
		return statusHealthy
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return statusUnhealthy
	}
	return statusHealthy
}

func (h *Handler) checkChannel() string {
	if h.channel == nil {
		return string(types.StateDisconnected)
	}
	return string(h.channel.ConnectionState())
}

func (h *Handler) checkCollector(ctx context.Context) string {
	if h.collectorChecker == nil {
		return statusUnhealthy
	}
	return h.collectorChecker.Check(ctx, h.collectorAddr)
}
