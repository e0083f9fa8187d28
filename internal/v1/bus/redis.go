// Package bus mirrors session view events over Redis Pub/Sub.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/metrics"
	"github.com/debatehub/session-chat/internal/v1/types"
)

// Envelope is the container published for every mirrored view event.
type Envelope struct {
	SessionID types.SessionIDType `json:"sessionId"`
	Event     string              `json:"event"`   // The event kind (e.g., "message", "presence")
	Payload   json.RawMessage     `json:"payload"` // The event body
	SenderID  string              `json:"senderId"`
}

// Channel returns the Pub/Sub channel for a session: "debate:session:{id}".
func Channel(sessionID types.SessionIDType) string {
	return fmt.Sprintf("debate:session:%s", sessionID)
}

// viewersKey is the set of client instances currently mounted on a session.
func viewersKey(sessionID types.SessionIDType) string {
	return fmt.Sprintf("debate:session:%s:viewers", sessionID)
}

// Service handles all interaction with Redis.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection with a PING.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     4,
		MinIdleConns: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "Redis circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	logging.Info(context.Background(), "Connected to Redis", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// execute runs op behind the breaker and records metrics. An open breaker is
// reported as (nil, gobreaker.ErrOpenState).
func (s *Service) execute(operation string, op func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := s.cb.Execute(op)
	metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.RedisOperationsTotal.WithLabelValues(operation, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		metrics.RedisOperationsTotal.WithLabelValues(operation, "rejected").Inc()
		return nil, gobreaker.ErrOpenState
	default:
		metrics.RedisOperationsTotal.WithLabelValues(operation, "failure").Inc()
	}
	return res, err
}

// Publish mirrors one event to every follower of the session.
// While the breaker is open events are dropped.
func (s *Service) Publish(ctx context.Context, sessionID types.SessionIDType, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // Mirror disabled
	}

	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal inner payload: %w", err)
	}
	data, err := json.Marshal(Envelope{
		SessionID: sessionID,
		Event:     event,
		Payload:   inner,
		SenderID:  senderID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = s.execute("publish", func() (interface{}, error) {
		return nil, s.client.Publish(ctx, Channel(sessionID), data).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			logging.Debug(ctx, "Redis circuit breaker open: dropping publish", zap.String("event", event))
			return nil
		}
		logging.Error(ctx, "Redis publish failed", zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe starts a background goroutine delivering envelopes published for
// the session until ctx is cancelled. The subscription is confirmed before
// Subscribe returns.
func (s *Service) Subscribe(ctx context.Context, sessionID types.SessionIDType, wg *sync.WaitGroup, handler func(Envelope)) error {
	if s == nil || s.client == nil {
		return nil
	}

	channel := Channel(sessionID)
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to Redis channel", zap.String("channel", channel))
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "Failed to unmarshal Redis message", zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
	return nil
}

// RegisterViewer records a mounted client instance on the session.
func (s *Service) RegisterViewer(ctx context.Context, sessionID types.SessionIDType, viewerID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute("sadd", func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, viewersKey(sessionID), viewerID).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil
		}
		return fmt.Errorf("failed to register viewer: %w", err)
	}
	return nil
}

// UnregisterViewer removes a client instance from the session's viewer set.
func (s *Service) UnregisterViewer(ctx context.Context, sessionID types.SessionIDType, viewerID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute("srem", func() (interface{}, error) {
		return nil, s.client.SRem(ctx, viewersKey(sessionID), viewerID).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil
		}
		return fmt.Errorf("failed to unregister viewer: %w", err)
	}
	return nil
}

// Viewers lists the client instances mounted on the session.
func (s *Service) Viewers(ctx context.Context, sessionID types.SessionIDType) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.execute("smembers", func() (interface{}, error) {
		return s.client.SMembers(ctx, viewersKey(sessionID)).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get viewers: %w", err)
	}
	return res.([]string), nil
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute("ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
