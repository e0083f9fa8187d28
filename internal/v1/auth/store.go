package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/types"
)

var (
	ErrNoCredentials  = errors.New("no access token available")
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// DefaultRefreshWindow is how far ahead of expiry an access token is renewed.
const DefaultRefreshWindow = 30 * time.Second

// Refresher exchanges a refresh token for a new access token. A non-empty
// rotated value replaces the refresh token.
type Refresher interface {
	RefreshToken(ctx context.Context, refresh string) (access, rotated string, err error)
}

// tokenFile is the on-disk format written by the login flow.
type tokenFile struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Store holds the caller's credentials and renews them on demand.
// It is safe for concurrent use; concurrent refreshes are coalesced.
type Store struct {
	mu        sync.RWMutex
	access    string
	refresh   string
	path      string
	refresher Refresher

	window time.Duration
	now    func() time.Time
	group  singleflight.Group
}

// NewStore builds a Store from explicit tokens and an optional token file.
// Explicit tokens take precedence over the file contents.
func NewStore(access, refresh, path string) (*Store, error) {
	s := &Store{
		access:  access,
		refresh: refresh,
		path:    path,
		window:  DefaultRefreshWindow,
		now:     time.Now,
	}

	if path != "" {
		tf, err := readTokenFile(path)
		if err != nil {
			return nil, err
		}
		if s.access == "" {
			s.access = tf.Access
		}
		if s.refresh == "" {
			s.refresh = tf.Refresh
		}
	}

	if s.access == "" {
		return nil, ErrNoCredentials
	}
	return s, nil
}

// SetRefresher installs the refresh collaborator. Without one, Refresh always fails.
func (s *Store) SetRefresher(r Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresher = r
}

// AccessToken returns the current access token, renewing it first when it is
// about to expire and a refresh path exists. A failed proactive renewal falls
// back to the current token; the server will answer 401 if it is really dead.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	access, canRefresh := s.access, s.refresh != "" && s.refresher != nil
	s.mu.RUnlock()

	if access == "" {
		return "", ErrNoCredentials
	}

	if canRefresh {
		if claims, err := ParseClaims(access); err == nil && claims.ExpiresWithin(s.now(), s.window) {
			fresh, err := s.Refresh(ctx)
			if err == nil {
				return fresh, nil
			}
			logging.Warn(ctx, "Proactive token refresh failed", zap.Error(err))
		}
	}
	return access, nil
}

// Refresh exchanges the refresh token for a new access token and persists it,
// along with the refresh token when the server rotated it.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		s.mu.RLock()
		refresh, refresher := s.refresh, s.refresher
		s.mu.RUnlock()

		if refresh == "" || refresher == nil {
			return "", ErrNoRefreshToken
		}

		access, rotated, err := refresher.RefreshToken(ctx, refresh)
		if err != nil {
			return "", fmt.Errorf("refresh access token: %w", err)
		}

		s.mu.Lock()
		s.access = access
		if rotated != "" {
			s.refresh = rotated
		}
		s.mu.Unlock()

		if err := s.persist(); err != nil {
			logging.Warn(ctx, "Failed to persist refreshed token", zap.String("path", s.path), zap.Error(err))
		}
		logging.Info(ctx, "Access token refreshed", zap.String("token", logging.RedactToken(access)))
		return access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// UserID returns the user id carried by the current access token, if any.
func (s *Store) UserID() (types.UserIDType, bool) {
	s.mu.RLock()
	access := s.access
	s.mu.RUnlock()

	claims, err := ParseClaims(access)
	if err != nil || claims.UserID == 0 {
		return 0, false
	}
	return claims.UserID, true
}

func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	tf := tokenFile{Access: s.access, Refresh: s.refresh}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func readTokenFile(path string) (tokenFile, error) {
	var tf tokenFile
	data, err := os.ReadFile(path)
	if err != nil {
		return tf, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(data, &tf); err != nil {
		return tf, fmt.Errorf("parse token file %s: %w", path, err)
	}
	return tf, nil
}
