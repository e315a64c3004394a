// Package gateway is the single entry point for CRM backend calls. Every
// request goes through one pipeline: uniform headers, bounded response reads,
// embedded business-error detection, toasts, and the one-shot sign-out flow
// when the backend answers 401.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drivewhip/crmlink/client/internal/config"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

// Session is the part of the session authority the gateway needs.
type Session interface {
	CachedToken(ctx context.Context) string
	CacheToken(ctx context.Context, token string) error
	CacheProfile(ctx context.Context, p protocol.UserProfile) error
	CachePermissions(ctx context.Context, perms []protocol.RoutePermission) error
	ClearSession(ctx context.Context) error
}

// Navigator moves the consumer to its login screen.
type Navigator interface {
	ToLogin(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	BaseURL               string
	Tenant                string
	Timeout               time.Duration
	ToastWindow           time.Duration
	MaxResponseBytes      int64
	PermissionsCommand    string
	PrepareMessageCommand string
	HTTPClient            *http.Client
}

// OptionsFromConfig builds Options for the active environment.
func OptionsFromConfig(cfg *config.Config) Options {
	env := cfg.Active()
	tenant := env.Tenant
	if tenant == "" {
		tenant = cfg.Environment
	}
	return Options{
		BaseURL:               env.BaseURL,
		Tenant:                tenant,
		Timeout:               cfg.Gateway.Timeout.Duration,
		ToastWindow:           cfg.Gateway.ToastWindow.Duration,
		MaxResponseBytes:      cfg.Gateway.MaxResponseBytes,
		PermissionsCommand:    cfg.Gateway.PermissionsCommand,
		PrepareMessageCommand: cfg.Gateway.PrepareMessageCommand,
	}
}

// Client executes backend calls.
type Client struct {
	baseURL  string
	tenant   string
	opts     Options
	http     *http.Client
	session  Session
	pub      Publisher
	nav      Navigator
	toaster  *Toaster
	latch    Latch
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Client. pub and nav may be nil; without a navigator the
// unauthorized flow publishes a navigate.login event instead.
func New(opts Options, sess Session, pub Publisher, nav Navigator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ToastWindow <= 0 {
		opts.ToastWindow = 1500 * time.Millisecond
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 8 << 20
	}
	if opts.PermissionsCommand == "" {
		opts.PermissionsCommand = "crm_route_permissions_by_role"
	}
	if opts.PrepareMessageCommand == "" {
		opts.PrepareMessageCommand = "crm_notification_prepare_message"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		baseURL:  config.NormalizeBaseURL(opts.BaseURL),
		tenant:   opts.Tenant,
		opts:     opts,
		http:     hc,
		session:  sess,
		pub:      pub,
		nav:      nav,
		toaster:  NewToaster(pub, opts.ToastWindow),
		maxBytes: opts.MaxResponseBytes,
		logger:   logger.With("component", "gateway"),
	}
}

// Toaster returns the client's toaster so consumers share its de-duplication.
func (c *Client) Toaster() *Toaster { return c.toaster }

// --- Session pass-through ---

func (c *Client) CachedToken(ctx context.Context) string { return c.session.CachedToken(ctx) }

func (c *Client) CacheToken(ctx context.Context, token string) error {
	return c.session.CacheToken(ctx, token)
}

func (c *Client) CacheUserProfile(ctx context.Context, p protocol.UserProfile) error {
	return c.session.CacheProfile(ctx, p)
}

func (c *Client) ClearCachedAuth(ctx context.Context) error {
	return c.session.ClearSession(ctx)
}

// --- Transport ---

type response struct {
	status      int
	contentType string
	body        []byte
}

// do sends one request. Every failure is routed through fail.
func (c *Client) do(ctx context.Context, method, path string, payload any, withAuth bool) (*response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.tenant != "" {
		req.Header.Set("X-Environment", c.tenant)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if withAuth {
		if token := c.session.CachedToken(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(ctx, &HTTPError{Message: err.Error()})
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, c.fail(ctx, &HTTPError{Status: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)})
	}
	if int64(len(data)) > c.maxBytes {
		return nil, c.fail(ctx, &HTTPError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("response exceeds %d bytes", c.maxBytes),
		})
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.fail(ctx, newStatusError(resp.StatusCode, data))
	}

	return &response{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        data,
	}, nil
}

// normalize decodes a JSON body and applies the result rules: an embedded
// tricode error wins over everything and forces ok=false; ok=false always
// carries an error; an absent ok means success.
func (c *Client) normalize(data []byte) (*protocol.CommandResult, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &protocol.CommandResult{OK: true, Body: map[string]any{}}, nil
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	body, isObject := decoded.(map[string]any)
	if !isObject {
		if msg := findTricode(decoded); msg != "" {
			c.toaster.Warn(msg)
			return &protocol.CommandResult{OK: false, Data: decoded, Error: msg}, nil
		}
		return &protocol.CommandResult{OK: true, Data: decoded}, nil
	}

	if msg := findTricode(body); msg != "" {
		body["ok"] = false
		body["error"] = msg
		c.toaster.Warn(msg)
	} else if ok, present := body["ok"].(bool); present && !ok {
		if s, isString := body["error"].(string); isString && strings.TrimSpace(s) != "" {
			c.toaster.Error(s)
		}
	}

	res := &protocol.CommandResult{OK: true, Data: body["data"], Error: body["error"], Body: body}
	if ok, present := body["ok"].(bool); present {
		res.OK = ok
	}
	if !res.OK && strings.TrimSpace(res.ErrorMessage()) == "" {
		res.Error = protocol.DefaultFailureMessage
		body["error"] = protocol.DefaultFailureMessage
	}
	return res, nil
}

// --- Operations ---

// ExecuteCommand runs a named server procedure.
func (c *Client) ExecuteCommand(ctx context.Context, cmd protocol.Command) (*protocol.CommandResult, error) {
	if cmd.Parameters == nil {
		cmd.Parameters = []any{}
	}
	resp, err := c.do(ctx, http.MethodPost, "execute", cmd, true)
	if err != nil {
		return nil, err
	}
	res, err := c.normalize(resp.body)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", cmd.Name, err)
	}
	c.logger.Debug("command executed", "command", cmd.Name, "ok", res.OK)
	return res, nil
}

// Login posts credentials and returns the decoded response body. No token is
// required or sent.
func (c *Client) Login(ctx context.Context, user, secret string) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodPost, "auth/login", protocol.LoginRequest{User: user, Secret: secret}, false)
	if err != nil {
		return nil, err
	}
	res, err := c.normalize(resp.body)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if res.Body == nil {
		return map[string]any{"ok": res.OK, "data": res.Data}, nil
	}
	return res.Body, nil
}

// FetchFile downloads a stored file. JSON responses go through the result
// rules; anything else is returned as raw bytes with OK set.
func (c *Client) FetchFile(ctx context.Context, folder, name string) (*protocol.CommandResult, error) {
	path := "Files/" + url.PathEscape(folder) + "/" + url.PathEscape(name)
	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	if !isJSON(resp.contentType, resp.body) {
		return &protocol.CommandResult{OK: true, Raw: resp.body}, nil
	}
	res, err := c.normalize(resp.body)
	if err != nil {
		// Declared JSON but unparseable: hand back the bytes.
		return &protocol.CommandResult{OK: true, Raw: resp.body}, nil
	}
	return res, nil
}

func isJSON(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "json") {
		return true
	}
	if ct != "" {
		return false
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// SendTemplateEmail sends an email built from a server-side template.
func (c *Client) SendTemplateEmail(ctx context.Context, req protocol.EmailTemplateRequest) (*protocol.CommandResult, error) {
	if req.To == nil {
		req.To = []string{}
	}
	return c.post(ctx, "Email/send-template", req)
}

// SendSMS sends a chat SMS to an applicant.
func (c *Client) SendSMS(ctx context.Context, req protocol.SMSChatRequest) (*protocol.CommandResult, error) {
	return c.post(ctx, "SMS/sendChat", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (*protocol.CommandResult, error) {
	resp, err := c.do(ctx, http.MethodPost, path, payload, true)
	if err != nil {
		return nil, err
	}
	res, err := c.normalize(resp.body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}
