// Package protocol defines the wire formats exchanged between crmlink and the
// CRM backend: the generic command endpoint, the auth and notification
// endpoints, and the realtime chat hub.
//
// All HTTP bodies are JSON. Hub records are JSON objects terminated by the
// 0x1E record separator (see hub.go).
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command is a named, parameterized request for a server procedure.
// Parameter order and arity must match the procedure signature; mismatches
// surface as server-side errors.
type Command struct {
	Name       string `json:"commandName"`
	Parameters []any  `json:"parameters"`
}

// NewCommand builds a Command. A nil parameter list is sent as [].
func NewCommand(name string, params ...any) Command {
	if params == nil {
		params = []any{}
	}
	return Command{Name: name, Parameters: params}
}

// DefaultFailureMessage is substituted when the backend reports ok=false
// without an error text.
const DefaultFailureMessage = "The operation could not be completed."

// CommandResult is the normalized response of the command endpoint.
type CommandResult struct {
	OK    bool `json:"ok"`
	Data  any  `json:"data"`
	Error any  `json:"error,omitempty"` // string or structured

	// Body is the decoded response body after normalization. Nil for
	// non-JSON responses.
	Body map[string]any `json:"-"`
	// Raw holds the undecoded body for non-JSON responses.
	Raw []byte `json:"-"`
}

// ErrorMessage returns the error as text. Structured errors are reduced to
// their "message" field when present, otherwise to their JSON encoding.
func (r *CommandResult) ErrorMessage() string {
	if r == nil {
		return ""
	}
	switch e := r.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	case map[string]any:
		for _, k := range []string{"message", "Message", "error"} {
			if s, ok := e[k].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	b, err := json.Marshal(r.Error)
	if err != nil {
		return fmt.Sprint(r.Error)
	}
	return string(b)
}

// Rows decodes the result data into typed rows. A single level of
// [[rows]] nesting is flattened.
func Rows[T any](r *CommandResult) ([]T, error) {
	if r == nil || r.Data == nil {
		return nil, nil
	}
	data := r.Data
	if outer, ok := data.([]any); ok && len(outer) > 0 {
		if _, nested := outer[0].([]any); nested {
			flat := make([]any, 0, len(outer))
			for _, item := range outer {
				if inner, ok := item.([]any); ok {
					flat = append(flat, inner...)
				} else {
					flat = append(flat, item)
				}
			}
			data = flat
		}
	}
	if _, ok := data.([]any); !ok {
		data = []any{data}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal rows: %w", err)
	}
	var rows []T
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// FirstRow returns the first row of the result data as a map, flattening
// [[rows]] nesting.
func FirstRow(r *CommandResult) (map[string]any, bool) {
	rows, err := Rows[map[string]any](r)
	if err != nil || len(rows) == 0 || rows[0] == nil {
		return nil, false
	}
	return rows[0], true
}

// --- Auth ---

// LoginRequest is the body of POST auth/login.
type LoginRequest struct {
	User   string `json:"user"`
	Secret string `json:"secret"`
}

// UserProfile is the cached profile of the signed-in user.
type UserProfile struct {
	User      string `json:"user"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
}

// DisplayName returns "First Last", falling back to the user name.
func (p UserProfile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.User
	}
	return name
}

// --- Notifications ---

// EmailTemplateRequest is the body of POST Email/send-template.
type EmailTemplateRequest struct {
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	TemplateID string   `json:"templateId"`
	To         []string `json:"to"`
}

// SMSChatRequest is the body of POST SMS/sendChat.
type SMSChatRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Message     string `json:"message"`
	ApplicantID int64  `json:"id_applicant"`
}

// Notification channels accepted by the prepare-message procedure.
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)
