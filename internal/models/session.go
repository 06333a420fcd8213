package models

import (
	"context"
	"time"
)

const (
	RoleDriver = "driver"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type Session struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Active && now.Before(s.ExpiresAt)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type RateLimitWindow struct {
	Key         string        `json:"key"`
	Operation   string        `json:"operation"`
	PrincipalID string        `json:"principal_id"`
	Count       int           `json:"count"`
	WindowStart time.Time     `json:"window_start"`
	WindowSize  time.Duration `json:"window_size"`
}
