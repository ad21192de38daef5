package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultSessionLifetime = time.Hour
	sessionRefreshMargin   = 60 * time.Second
	defaultLoginTimeout    = 30 * time.Second
)

// LoginFunc establishes a fresh session and returns its cookie value.
type LoginFunc func(ctx context.Context) (string, error)

type session struct {
	token     string
	expiresAt time.Time
}

// SessionCache keeps one session per gateway and refreshes it single-flight.
type SessionCache struct {
	mu       sync.Mutex
	sessions map[uint64]session
	group    singleflight.Group
	lifetime time.Duration
	// loginTimeout bounds a shared login, which outlives the caller that started it.
	loginTimeout time.Duration
	now          func() time.Time
}

// NewSessionCache creates a cache whose sessions live for lifetime.
func NewSessionCache(lifetime time.Duration) *SessionCache {
	if lifetime <= 0 {
		lifetime = defaultSessionLifetime
	}
	return &SessionCache{
		sessions:     make(map[uint64]session),
		lifetime:     lifetime,
		loginTimeout: defaultLoginTimeout,
		now:          time.Now,
	}
}

// Get returns a valid session token, logging in when none is cached or the cached one is about to expire.
// Concurrent callers share one login; a caller whose ctx ends stops waiting without failing the others.
func (c *SessionCache) Get(ctx context.Context, gatewayID uint64, login LoginFunc) (string, error) {
	if token, ok := c.lookup(gatewayID); ok {
		return token, nil
	}
	key := strconv.FormatUint(gatewayID, 10)
	ch := c.group.DoChan(key, func() (any, error) {
		if token, ok := c.lookup(gatewayID); ok {
			return token, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loginTimeout)
		defer cancel()
		token, errLogin := login(loginCtx)
		if errLogin != nil {
			return "", errLogin
		}
		c.mu.Lock()
		c.sessions[gatewayID] = session{token: token, expiresAt: c.now().Add(c.lifetime)}
		c.mu.Unlock()
		return token, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached session of a gateway.
func (c *SessionCache) Invalidate(gatewayID uint64) {
	c.mu.Lock()
	delete(c.sessions, gatewayID)
	c.mu.Unlock()
}

// InvalidateToken drops the cached session only when it still holds token,
// so a session refreshed by a concurrent caller survives.
func (c *SessionCache) InvalidateToken(gatewayID uint64, token string) {
	c.mu.Lock()
	if current, ok := c.sessions[gatewayID]; ok && current.token == token {
		delete(c.sessions, gatewayID)
	}
	c.mu.Unlock()
}

func (c *SessionCache) lookup(gatewayID uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.sessions[gatewayID]
	if !ok {
		return "", false
	}
	if !c.now().Add(sessionRefreshMargin).Before(current.expiresAt) {
		delete(c.sessions, gatewayID)
		return "", false
	}
	return current.token, true
}
