package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/logging"
)

// Config holds validated environment configuration
type Config struct {
	// Collaborator endpoints
	APIBaseURL string `env:"API_BASE_URL" envDefault:"http://localhost:8000"`
	WSBaseURL  string `env:"WS_BASE_URL" envDefault:"ws://localhost:8001"`

	// Credentials (written by the separate login flow)
	AccessToken  string `env:"ACCESS_TOKEN"`
	RefreshToken string `env:"REFRESH_TOKEN"`
	TokenFile    string `env:"TOKEN_FILE"`

	// REST
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	HistoryPageSize int           `env:"HISTORY_PAGE_SIZE" envDefault:"50"`

	// Real-time channel
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	ReconnectMultiplier  float64       `env:"RECONNECT_MULTIPLIER" envDefault:"1"`
	TypingDebounce       time.Duration `env:"TYPING_DEBOUNCE" envDefault:"1s"`
	TypingIdleTimeout    time.Duration `env:"TYPING_IDLE_TIMEOUT" envDefault:"1s"`
	TypingTTL            time.Duration `env:"TYPING_TTL" envDefault:"0s"`

	// Rate Limits (M = Minute, H = Hour)
	RateLimitSend       string `env:"RATE_LIMIT_SEND" envDefault:"30-M"`
	RateLimitModeration string `env:"RATE_LIMIT_MODERATION" envDefault:"10-M"`
	RateLimitStatus     string `env:"RATE_LIMIT_STATUS" envDefault:"120-M"`

	// Redis mirror
	RedisEnabled  bool   `env:"REDIS_ENABLED"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Local status server
	StatusEnabled  bool   `env:"STATUS_ENABLED"`
	StatusAddr     string `env:"STATUS_ADDR" envDefault:"127.0.0.1:9464"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	// Tracing
	TracingEnabled    bool   `env:"OTEL_ENABLED"`
	OTelCollectorAddr string `env:"OTEL_COLLECTOR_ADDR" envDefault:"localhost:4317"`
	OTelInsecure      bool   `env:"OTEL_INSECURE"`
	OTelSkipVerify    bool   `env:"OTEL_INSECURE_SKIP_VERIFY"`

	GoEnv           string `env:"GO_ENV" envDefault:"production"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	DevelopmentMode bool   `env:"DEVELOPMENT_MODE"`
}

// parseErrors reports env parse failures under the variable name rather than
// the struct field.
// The returned set holds the variables that failed to parse.
func parseErrors(err error) ([]string, map[string]bool) {
	failed := map[string]bool{}
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return []string{err.Error()}, failed
	}

	out := make([]string, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			key := envKey(pe.Name)
			failed[key] = true
			out = append(out, fmt.Sprintf("%s is invalid: %v", key, pe.Err))
			continue
		}
		out = append(out, e.Error())
	}
	return out, failed
}

// envKey maps a Config field name to its env tag.
func envKey(field string) string {
	f, ok := reflect.TypeOf(Config{}).FieldByName(field)
	if !ok {
		return field
	}
	key, _, _ := strings.Cut(f.Tag.Get("env"), ",")
	if key == "" {
		return field
	}
	return key
}

// ValidateEnv parses and validates the environment and returns a Config object.
// Returns an error listing every missing or invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string
	var failed map[string]bool

	// Fields that fail to parse keep their zero value; the checks below still run.
	if err := env.Parse(cfg); err != nil {
		errors, failed = parseErrors(err)
	}

	if !isValidURL(cfg.APIBaseURL, "http", "https") {
		errors = append(errors, fmt.Sprintf("API_BASE_URL must be an http(s) URL (got '%s')", cfg.APIBaseURL))
	}
	if !isValidURL(cfg.WSBaseURL, "ws", "wss") {
		errors = append(errors, fmt.Sprintf("WS_BASE_URL must be a ws(s) URL (got '%s')", cfg.WSBaseURL))
	}

	// Required: one credential source
	if cfg.AccessToken == "" && cfg.TokenFile == "" {
		errors = append(errors, "ACCESS_TOKEN or TOKEN_FILE is required")
	}

	if cfg.RequestTimeout <= 0 {
		errors = append(errors, "REQUEST_TIMEOUT must be positive")
	}
	if cfg.HistoryPageSize < 0 {
		errors = append(errors, fmt.Sprintf("HISTORY_PAGE_SIZE must not be negative (got %d)", cfg.HistoryPageSize))
	}
	if cfg.ReconnectDelay <= 0 {
		errors = append(errors, "RECONNECT_DELAY must be positive")
	}
	if cfg.ReconnectMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("RECONNECT_MAX_ATTEMPTS must be at least 1 (got %d)", cfg.ReconnectMaxAttempts))
	}
	if cfg.ReconnectMultiplier < 1 {
		errors = append(errors, fmt.Sprintf("RECONNECT_MULTIPLIER must be at least 1 (got %v)", cfg.ReconnectMultiplier))
	}
	if cfg.TypingDebounce <= 0 || cfg.TypingIdleTimeout <= 0 {
		errors = append(errors, "TYPING_DEBOUNCE and TYPING_IDLE_TIMEOUT must be positive")
	}
	if cfg.TypingTTL < 0 {
		errors = append(errors, "TYPING_TTL must not be negative")
	}

	for name, rate := range map[string]string{
		"RATE_LIMIT_SEND":       cfg.RateLimitSend,
		"RATE_LIMIT_MODERATION": cfg.RateLimitModeration,
		"RATE_LIMIT_STATUS":     cfg.RateLimitStatus,
	} {
		if _, err := limiter.NewRateFromFormatted(rate); err != nil {
			errors = append(errors, fmt.Sprintf("%s must look like '<limit>-<S|M|H|D>' (got '%s')", name, rate))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	if cfg.RedisEnabled {
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			logging.Warn(context.Background(), "REDIS_ADDR not set, using default", zap.String("addr", cfg.RedisAddr))
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
	}

	if cfg.StatusEnabled && !isValidListenAddr(cfg.StatusAddr) {
		errors = append(errors, fmt.Sprintf("STATUS_ADDR must be in format '[host]:port' (got '%s')", cfg.StatusAddr))
	}

	if cfg.TracingEnabled && !isValidHostPort(cfg.OTelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTelCollectorAddr))
	}

	errors = dropRangeErrors(errors, failed)
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// dropRangeErrors removes range complaints about variables that already failed
// to parse, since their zero value says nothing about the input.
func dropRangeErrors(errs []string, failed map[string]bool) []string {
	if len(failed) == 0 {
		return errs
	}
	out := errs[:0]
	for _, msg := range errs {
		key, _, _ := strings.Cut(msg, " ")
		if failed[key] && !strings.HasPrefix(msg, key+" is invalid") {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// isValidURL checks the URL parses with one of the given schemes and a host.
func isValidURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	return isValidPort(port)
}

// isValidListenAddr accepts "host:port" and ":port".
func isValidListenAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return isValidPort(port)
}

func isValidPort(raw string) bool {
	port, err := strconv.Atoi(raw)
	return err == nil && port >= 1 && port <= 65535
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "Environment configuration validated",
		zap.String("api_base_url", cfg.APIBaseURL),
		zap.String("ws_base_url", cfg.WSBaseURL),
		zap.String("access_token", redactSecret(cfg.AccessToken)),
		zap.String("token_file", cfg.TokenFile),
		zap.Duration("reconnect_delay", cfg.ReconnectDelay),
		zap.Int("reconnect_max_attempts", cfg.ReconnectMaxAttempts),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Bool("status_enabled", cfg.StatusEnabled),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("development_mode", cfg.DevelopmentMode),
	)
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
