// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package submission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/golang-jwt/jwt/v5"
)

// Credentials supplies bearer tokens for submissions.
type Credentials interface {
	// Token returns the current bearer token.
	Token(ctx context.Context) (string, error)

	// Refresh obtains a new token. The orchestrator calls it after a 401.
	Refresh(ctx context.Context) error
}

// StaticCredentials is a fixed token. Refresh is a no-op.
type StaticCredentials string

func (s StaticCredentials) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredentials
	}
	return string(s), nil
}

func (s StaticCredentials) Refresh(context.Context) error { return nil }

// RefreshFunc exchanges the current session for a new bearer token.
type RefreshFunc func(ctx context.Context) (string, error)

// SessionCredentials holds a session token and refreshes it through a
// RefreshFunc. When the token is a JWT its exp claim is read (without
// verification; the server verifies) so the token can be refreshed before it
// expires instead of after a 401.
type SessionCredentials struct {
	refresh RefreshFunc
	skew    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewSessionCredentials creates credentials seeded with token.
func NewSessionCredentials(token string, refresh RefreshFunc, skew time.Duration) *SessionCredentials {
	c := &SessionCredentials{refresh: refresh, skew: skew, now: time.Now}
	c.set(token)
	return c
}

// Token returns the session token, refreshing it first when it is missing
// or expires within the configured skew.
func (c *SessionCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.token, c.expiry
	c.mu.Unlock()

	stale := token == "" || (!expiry.IsZero() && c.now().Add(c.skew).After(expiry))
	if !stale {
		return token, nil
	}
	if c.refresh == nil {
		if token == "" {
			return "", ErrNoCredentials
		}
		return token, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if token != "" {
			logging.Warn().Err(err).Msg("Proactive token refresh failed, using current token")
			return token, nil
		}
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// Refresh replaces the token using the RefreshFunc.
func (c *SessionCredentials) Refresh(ctx context.Context) error {
	if c.refresh == nil {
		return nil
	}

	token, err := c.refresh(ctx)
	if err != nil {
		credentialRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("refresh session: %w", err)
	}
	if token == "" {
		credentialRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("refresh session: %w", ErrNoCredentials)
	}

	c.set(token)
	credentialRefreshes.WithLabelValues("success").Inc()
	logging.Debug().Msg("Session token refreshed")
	return nil
}

func (c *SessionCredentials) set(token string) {
	expiry := tokenExpiry(token)
	c.mu.Lock()
	c.token = token
	c.expiry = expiry
	c.mu.Unlock()
}

// tokenExpiry returns the exp claim of a JWT, or zero if token is not a JWT
// or carries no expiry.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
