package realtime

import (
	"encoding/json"
	"testing"

	"github.com/drivewhip/crmlink/pkg/protocol"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{" (555) 123-4567 ", "+5551234567", true},
		{"555.123.4567", "+5551234567", true},
		{"+1 555 123 4567", "+15551234567", true},
		{"+15551234567", "+15551234567", true},
		{"", "", false},
		{"  ", "", false},
		{"n/a", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhone(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizePhone(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func args(t *testing.T, vs ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = b
	}
	return out
}

func TestNormalize_CamelCase(t *testing.T) {
	msg, ok := Normalize(protocol.EventReceiveInboundMessage, args(t, map[string]any{
		"applicantId":  42,
		"body":         "  Hello  ",
		"from":         "(555) 123-4567",
		"to":           "555.000.1111",
		"status":       "delivered",
		"sentAtUtc":    "2024-05-01T10:00:00.1234567",
		"createdAtUtc": "2024-05-01T12:00:00+02:00",
		"metadata":     map[string]any{"sid": "SM1"},
	}))
	if !ok {
		t.Fatal("expected message")
	}
	if msg.ApplicantID == nil || *msg.ApplicantID != 42 {
		t.Errorf("applicantId = %v", msg.ApplicantID)
	}
	if msg.Body != "Hello" || msg.From != "+5551234567" || msg.To != "+5550001111" {
		t.Errorf("unexpected fields %+v", msg)
	}
	if msg.Direction != protocol.DirectionInbound || msg.Channel != "sms" || msg.Status != "delivered" {
		t.Errorf("defaults %+v", msg)
	}
	if msg.SentAtUTC != "2024-05-01T10:00:00.1234567Z" {
		t.Errorf("sentAtUtc = %q", msg.SentAtUTC)
	}
	if msg.CreatedAtUTC != "2024-05-01T10:00:00Z" {
		t.Errorf("createdAtUtc = %q", msg.CreatedAtUTC)
	}
	if msg.Metadata["sid"] != "SM1" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestNormalize_PascalCaseStringPayload(t *testing.T) {
	inner, _ := json.Marshal(map[string]any{
		"ApplicantId": "7",
		"Body":        "Running late",
		"From":        "+15550001111",
		"To":          "+15552223333",
		"Channel":     "WhatsApp",
		"SentAtUtc":   1714557600000,
	})
	msg, ok := Normalize(protocol.EventReceiveOutboundMessage, args(t, string(inner)))
	if !ok {
		t.Fatal("expected message")
	}
	if msg.ApplicantID == nil || *msg.ApplicantID != 7 {
		t.Errorf("applicantId = %v", msg.ApplicantID)
	}
	if msg.Direction != protocol.DirectionOutbound || msg.Channel != "whatsapp" {
		t.Errorf("direction/channel %+v", msg)
	}
	if msg.SentAtUTC != "2024-05-01T10:00:00Z" {
		t.Errorf("sentAtUtc = %q", msg.SentAtUTC)
	}
}

func TestNormalize_Guards(t *testing.T) {
	msg, ok := Normalize(protocol.EventReceiveInboundMessage, args(t, map[string]any{
		"applicantId": "NaN",
		"body":        "x",
		"direction":   "Outbound",
		"sentAtUtc":   "not a date",
	}))
	if !ok {
		t.Fatal("expected message")
	}
	if msg.ApplicantID != nil {
		t.Errorf("NaN id should be absent, got %d", *msg.ApplicantID)
	}
	if msg.Direction != protocol.DirectionOutbound {
		t.Errorf("explicit direction ignored: %s", msg.Direction)
	}
	if msg.SentAtUTC != "" {
		t.Errorf("bad timestamp should be absent, got %q", msg.SentAtUTC)
	}

	if msg, _ := Normalize(protocol.EventReceiveInboundMessage, args(t, map[string]any{"body": "x", "applicantId": 12.5})); msg.ApplicantID != nil {
		t.Error("fractional id should be absent")
	}

	dropped := [][]json.RawMessage{
		nil,
		args(t, map[string]any{}),
		args(t, map[string]any{"status": "sent"}),
		args(t, []int{1, 2}),
		args(t, "not json"),
		args(t, nil),
	}
	for i, a := range dropped {
		if _, ok := Normalize(protocol.EventReceiveInboundMessage, a); ok {
			t.Errorf("payload %d should be dropped", i)
		}
	}
}
