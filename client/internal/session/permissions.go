package session

import (
	"context"

	"github.com/drivewhip/crmlink/pkg/protocol"
)

// CachePermissions replaces the stored permission table. Paths are stored in
// canonical form.
func (a *Authority) CachePermissions(ctx context.Context, perms []protocol.RoutePermission) error {
	normalized := make([]protocol.RoutePermission, len(perms))
	for i, p := range perms {
		p.Path = NormalizePath(p.Path)
		normalized[i] = p
	}
	return a.save(ctx, KeyPermissions, normalized)
}

// Permissions returns the permission table freshly decrypted from storage.
func (a *Authority) Permissions(ctx context.Context) []protocol.RoutePermission {
	perms, _ := load[[]protocol.RoutePermission](ctx, a, KeyPermissions)
	return perms
}

// Can reports whether the current role may perform action on pathOrURL. The
// most specific record wins: the exact path, then each ancestor, then "/".
// No matching record denies.
func (a *Authority) Can(ctx context.Context, pathOrURL string, action protocol.Action) bool {
	perms := a.Permissions(ctx)
	if len(perms) == 0 {
		return false
	}

	byPath := make(map[string]protocol.RoutePermission, len(perms))
	for _, p := range perms {
		key := NormalizePath(p.Path)
		if _, dup := byPath[key]; !dup {
			byPath[key] = p
		}
	}

	p := NormalizePath(pathOrURL)
	for {
		if rec, ok := byPath[p]; ok {
			return rec.Allows(action)
		}
		if p == "/" {
			return false
		}
		p = parentPath(p)
	}
}

// SetCurrentRoute records the route the consumer is showing.
func (a *Authority) SetCurrentRoute(route string) {
	a.mu.Lock()
	a.route = NormalizePath(route)
	a.mu.Unlock()
}

// CurrentRoute returns the route set by SetCurrentRoute ("/" initially).
func (a *Authority) CurrentRoute() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.route
}

func (a *Authority) CanCurrent(ctx context.Context, action protocol.Action) bool {
	return a.Can(ctx, a.CurrentRoute(), action)
}

// Ensure is Can with a warning logged on denial.
func (a *Authority) Ensure(ctx context.Context, pathOrURL string, action protocol.Action) bool {
	if a.Can(ctx, pathOrURL, action) {
		return true
	}
	role := ""
	if p, ok := a.CurrentUser(); ok {
		role = p.Role
	}
	a.logger.Warn("permission denied", "path", NormalizePath(pathOrURL), "action", string(action), "role", role)
	return false
}

func (a *Authority) EnsureCurrent(ctx context.Context, action protocol.Action) bool {
	return a.Ensure(ctx, a.CurrentRoute(), action)
}
