package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/drivewhip/crmlink/client/internal/eventbus"
)

// SessionExpiredMessage is shown when the backend rejects the cached token.
const SessionExpiredMessage = "Your session has expired. Please sign in again."

// HTTPError is returned for every transport failure. Status is 0 when the
// request never produced a response.
type HTTPError struct {
	Status  int
	Message string
	Raw     []byte
}

func (e *HTTPError) Error() string {
	if e.Status == 0 {
		return "request failed: " + e.Message
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Unauthorized reports whether the backend rejected the credentials.
func (e *HTTPError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// newStatusError builds an HTTPError from a non-2xx response, preferring the
// backend's own error text.
func newStatusError(status int, body []byte) *HTTPError {
	msg := ""
	var decoded map[string]any
	if json.Unmarshal(body, &decoded) == nil {
		for _, k := range []string{"error", "message", "Message", "title"} {
			if s, ok := decoded[k].(string); ok && strings.TrimSpace(s) != "" {
				msg = cleanErrorMessage(s)
				break
			}
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = "unexpected status"
	}
	return &HTTPError{Status: status, Message: msg, Raw: body}
}

// fail is the single failure handler: 401 runs the unauthorized flow, any
// other failure is toasted. The error is always returned to the caller.
func (c *Client) fail(ctx context.Context, e *HTTPError) error {
	if e.Unauthorized() {
		c.unauthorized(ctx)
		return e
	}
	c.logger.Warn("request failed", "status", e.Status, "error", e.Message)
	c.toaster.Error(e.Message)
	return e
}

// unauthorized purges the session and sends the user to the login screen.
// Concurrent 401s are collapsed into one flow by the latch, which is held
// until navigation returns.
func (c *Client) unauthorized(ctx context.Context) {
	if !c.latch.TryEnter() {
		return
	}
	defer c.latch.Exit()

	ctx = context.WithoutCancel(ctx)
	c.logger.Warn("backend rejected session, signing out")

	if err := c.session.ClearSession(ctx); err != nil {
		c.logger.Error("clear session failed", "error", err)
	}
	c.toaster.Warn(SessionExpiredMessage)
	if c.pub != nil {
		c.pub.PublishType(eventbus.SessionCleared, nil)
	}

	if c.nav == nil {
		if c.pub != nil {
			c.pub.PublishType(eventbus.NavigateToLogin, nil)
		}
		return
	}
	if err := c.nav.ToLogin(ctx); err != nil {
		c.logger.Error("navigate to login failed", "error", err)
	}
}
