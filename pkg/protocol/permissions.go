package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Action is a CRUD verb checked against a route permission.
type Action string

const (
	ActionCreate Action = "Create"
	ActionRead   Action = "Read"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

// ParseAction maps a case-insensitive verb to an Action.
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return ActionCreate, true
	case "read":
		return ActionRead, true
	case "update":
		return ActionUpdate, true
	case "delete":
		return ActionDelete, true
	}
	return "", false
}

// RoutePermission is one row of the role's route permission table.
type RoutePermission struct {
	Role       string `json:"role"`
	Path       string `json:"path"`
	ParentID   any    `json:"parentId,omitempty"`
	IsActive   Flag   `json:"isActive"`
	IsAssigned Flag   `json:"isAssigned"`
	Create     Flag   `json:"Create"`
	Read       Flag   `json:"Read"`
	Update     Flag   `json:"Update"`
	Delete     Flag   `json:"Delete"`
}

// Allows reports the flag for the given action.
func (p RoutePermission) Allows(a Action) bool {
	switch a {
	case ActionCreate:
		return bool(p.Create)
	case ActionRead:
		return bool(p.Read)
	case ActionUpdate:
		return bool(p.Update)
	case ActionDelete:
		return bool(p.Delete)
	}
	return false
}

// Flag is a boolean that also accepts the backend's loose encodings:
// true, 1, "1" and "true" (any case) are true, everything else is false.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case bool:
		*f = Flag(val)
	case float64:
		*f = val == 1
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		*f = s == "1" || s == "true"
	default:
		*f = false
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}
