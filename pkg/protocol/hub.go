package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordSeparator terminates every JSON hub record.
const RecordSeparator byte = 0x1e

// Hub message types.
const (
	HubInvocation = 1
	HubCompletion = 3
	HubPing       = 6
	HubClose      = 7
)

// Hub method names.
const (
	MethodJoinPhone             = "JoinPhone"
	MethodLeavePhone            = "LeavePhone"
	EventReceiveInboundMessage  = "ReceiveInboundMessage"
	EventReceiveOutboundMessage = "ReceiveOutboundMessage"
)

// HandshakeRequest is the first record a client sends after the socket opens.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is the server's reply; a non-empty Error rejects the
// connection.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// HubMessage is the union of all hub records. Type selects the fields in use.
type HubMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// EncodeRecord marshals v and appends the record separator.
func EncodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal hub record: %w", err)
	}
	return append(data, RecordSeparator), nil
}

// SplitRecords splits a websocket frame into its JSON records. Empty
// records are skipped.
func SplitRecords(frame []byte) [][]byte {
	parts := bytes.Split(frame, []byte{RecordSeparator})
	records := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		records = append(records, p)
	}
	return records
}
