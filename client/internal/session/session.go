// Package session owns the signed-in user's encrypted session state: the
// auth token, the profile, the route permission table and a few ancillary
// values. Everything is stored encrypted and re-read on every access, so a
// second process sharing the store sees the same session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drivewhip/crmlink/client/internal/crypt"
	"github.com/drivewhip/crmlink/client/internal/store"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

// Storage keys.
const (
	KeyToken            = "session.token"
	KeyProfile          = "session.user"
	KeyPermissions      = "session.permissions"
	KeySelectedLocation = "selected_location"
	KeyLastPhone        = "last_phone"
)

// allKeys are purged together on logout and on 401.
var allKeys = []string{KeyToken, KeyProfile, KeyPermissions, KeySelectedLocation, KeyLastPhone}

var (
	ErrNotSignedIn = errors.New("not signed in")
	ErrNoToken     = errors.New("no cached token")
)

// Store is the key/value persistence the authority needs.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Update(ctx context.Context, key string, fn func(current string, ok bool) (string, error)) error
	Watch(ctx context.Context, interval time.Duration) <-chan store.Change
}

// Authority is the single owner of session state.
type Authority struct {
	store         Store
	box           *crypt.Box
	logger        *slog.Logger
	watchInterval time.Duration

	mu      sync.RWMutex
	profile *protocol.UserProfile
	route   string
}

// New creates an Authority. watchInterval controls how often Watch polls for
// writes from other processes.
func New(st Store, box *crypt.Box, watchInterval time.Duration, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	if watchInterval <= 0 {
		watchInterval = 2 * time.Second
	}
	return &Authority{
		store:         st,
		box:           box,
		logger:        logger.With("component", "session"),
		watchInterval: watchInterval,
		route:         "/",
	}
}

// load reads and decrypts key into a T. Missing keys, storage errors and
// undecryptable values all read as absent.
func load[T any](ctx context.Context, a *Authority, key string) (T, bool) {
	var zero T
	raw, ok, err := a.store.Get(ctx, key)
	if err != nil {
		a.logger.Warn("session read failed", "key", key, "error", err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	return crypt.Decrypt[T](a.box, raw)
}

func (a *Authority) save(ctx context.Context, key string, v any) error {
	ct, err := a.box.Encrypt(v)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	if err := a.store.Put(ctx, key, ct); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// --- Token ---

// CachedToken returns the cached auth token, or "" when there is none.
func (a *Authority) CachedToken(ctx context.Context) string {
	token, _ := load[string](ctx, a, KeyToken)
	return token
}

func (a *Authority) CacheToken(ctx context.Context, token string) error {
	return a.save(ctx, KeyToken, token)
}

// TokenClaims decodes the cached JWT's registered claims without verifying
// the signature. Only the backend can verify tokens.
func (a *Authority) TokenClaims(ctx context.Context) (*jwt.RegisteredClaims, error) {
	token := a.CachedToken(ctx)
	if token == "" {
		return nil, ErrNoToken
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// --- Profile ---

func (a *Authority) CacheProfile(ctx context.Context, p protocol.UserProfile) error {
	if err := a.save(ctx, KeyProfile, p); err != nil {
		return err
	}
	a.setProfile(&p)
	return nil
}

// Profile re-reads the profile from storage and refreshes the snapshot
// returned by CurrentUser.
func (a *Authority) Profile(ctx context.Context) (protocol.UserProfile, bool) {
	p, ok := load[protocol.UserProfile](ctx, a, KeyProfile)
	if !ok {
		a.setProfile(nil)
		return protocol.UserProfile{}, false
	}
	a.setProfile(&p)
	return p, true
}

// CurrentUser returns a copy of the last known profile.
func (a *Authority) CurrentUser() (protocol.UserProfile, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.profile == nil {
		return protocol.UserProfile{}, false
	}
	return *a.profile, true
}

func (a *Authority) setProfile(p *protocol.UserProfile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p == nil {
		a.profile = nil
		return
	}
	cp := *p
	a.profile = &cp
}

// UpdateProfile applies fn to the stored profile inside a single
// read-modify-write transaction.
func (a *Authority) UpdateProfile(ctx context.Context, fn func(*protocol.UserProfile) error) error {
	var updated protocol.UserProfile
	err := a.store.Update(ctx, KeyProfile, func(current string, ok bool) (string, error) {
		if !ok {
			return "", ErrNotSignedIn
		}
		p, ok := crypt.Decrypt[protocol.UserProfile](a.box, current)
		if !ok {
			return "", ErrNotSignedIn
		}
		if err := fn(&p); err != nil {
			return "", err
		}
		updated = p
		return a.box.Encrypt(p)
	})
	if err != nil {
		return err
	}
	a.setProfile(&updated)
	return nil
}

// Watch emits the profile (nil when signed out) now and whenever it changes,
// including changes written by another process. The channel is closed when
// ctx is done.
func (a *Authority) Watch(ctx context.Context) <-chan *protocol.UserProfile {
	out := make(chan *protocol.UserProfile, 1)
	changes := a.store.Watch(ctx, a.watchInterval)

	go func() {
		defer close(out)

		var last *protocol.UserProfile
		first := true
		emit := func() bool {
			var cur *protocol.UserProfile
			if p, ok := a.Profile(ctx); ok {
				cur = &p
			}
			if !first && sameProfile(last, cur) {
				return true
			}
			first = false
			last = cur
			select {
			case out <- cur:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				if c.Key != "" && c.Key != KeyProfile {
					continue
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return out
}

func sameProfile(a, b *protocol.UserProfile) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// --- Lifecycle ---

// ClearSession purges every session key, ancillary values included.
func (a *Authority) ClearSession(ctx context.Context) error {
	a.setProfile(nil)
	if err := a.store.Delete(ctx, allKeys...); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	a.logger.Info("session cleared")
	return nil
}

// --- Ancillary values ---

func (a *Authority) SetSelectedLocation(ctx context.Context, location map[string]any) error {
	return a.save(ctx, KeySelectedLocation, location)
}

func (a *Authority) SelectedLocation(ctx context.Context) (map[string]any, bool) {
	return load[map[string]any](ctx, a, KeySelectedLocation)
}

func (a *Authority) SetLastPhone(ctx context.Context, phone string) error {
	return a.save(ctx, KeyLastPhone, phone)
}

func (a *Authority) LastPhone(ctx context.Context) (string, bool) {
	return load[string](ctx, a, KeyLastPhone)
}
