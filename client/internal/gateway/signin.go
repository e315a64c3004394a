package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drivewhip/crmlink/pkg/protocol"
)

// ErrNoToken is returned by SignIn when the login response carries no token.
var ErrNoToken = errors.New("login response has no token")

// profileFields mirrors UserProfile with the backend's loose boolean.
type profileFields struct {
	User      string        `json:"user"`
	FirstName string        `json:"firstname"`
	LastName  string        `json:"lastname"`
	Role      string        `json:"role"`
	Active    protocol.Flag `json:"active"`
}

// SignIn logs in, caches the token and profile, and replaces the permission
// table. Permissions come from the login response when present, otherwise
// from the permissions command for the user's role. A failure after the
// token is stored clears the whole session.
func (c *Client) SignIn(ctx context.Context, user, secret string) (*protocol.UserProfile, error) {
	body, err := c.Login(ctx, user, secret)
	if err != nil {
		return nil, err
	}
	if ok, present := body["ok"].(bool); present && !ok {
		msg, _ := body["error"].(string)
		if msg == "" {
			msg = protocol.DefaultFailureMessage
		}
		return nil, errors.New(msg)
	}

	data, _ := body["data"].(map[string]any)
	if data == nil {
		return nil, ErrNoToken
	}
	token, _ := data["token"].(string)
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoToken
	}

	profile, err := c.cacheSession(ctx, user, token, data)
	if err != nil {
		if cerr := c.session.ClearSession(ctx); cerr != nil {
			c.logger.Warn("clear partial session", "error", cerr)
		}
		return nil, err
	}
	return profile, nil
}

// cacheSession stores the token, profile and permission table of a fresh
// login. The previous permission table is emptied before the new token is
// stored.
func (c *Client) cacheSession(ctx context.Context, user, token string, data map[string]any) (*protocol.UserProfile, error) {
	if err := c.session.CachePermissions(ctx, nil); err != nil {
		return nil, fmt.Errorf("reset permissions: %w", err)
	}
	if err := c.session.CacheToken(ctx, token); err != nil {
		return nil, fmt.Errorf("cache token: %w", err)
	}

	src := data
	if u, ok := data["user"].(map[string]any); ok {
		src = u
	}
	var fields profileFields
	if err := remarshal(src, &fields); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	profile := protocol.UserProfile{
		User:      fields.User,
		FirstName: fields.FirstName,
		LastName:  fields.LastName,
		Role:      fields.Role,
		Active:    bool(fields.Active),
	}
	if profile.User == "" {
		profile.User = user
	}
	if err := c.session.CacheProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("cache profile: %w", err)
	}

	perms, err := c.loadPermissions(ctx, data, profile.Role)
	if err != nil {
		return nil, err
	}
	if err := c.session.CachePermissions(ctx, perms); err != nil {
		return nil, fmt.Errorf("cache permissions: %w", err)
	}

	c.logger.Info("signed in", "user", profile.User, "role", profile.Role, "permissions", len(perms))
	return &profile, nil
}

func (c *Client) loadPermissions(ctx context.Context, data map[string]any, role string) ([]protocol.RoutePermission, error) {
	if raw, ok := data["permissions"]; ok && raw != nil {
		var perms []protocol.RoutePermission
		if err := remarshal(raw, &perms); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
		return perms, nil
	}

	res, err := c.ExecuteCommand(ctx, protocol.NewCommand(c.opts.PermissionsCommand, role))
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	if !res.OK {
		return nil, fmt.Errorf("load permissions: %s", res.ErrorMessage())
	}
	perms, err := protocol.Rows[protocol.RoutePermission](res)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	return perms, nil
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
