package realtime

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/drivewhip/crmlink/pkg/protocol"
)

// Normalize converts a ReceiveInboundMessage/ReceiveOutboundMessage
// invocation into a ChatMessage. Payloads may use camelCase or PascalCase
// keys and may arrive JSON-encoded inside a string. Empty or malformed
// payloads report false.
func Normalize(target string, args []json.RawMessage) (protocol.ChatMessage, bool) {
	if len(args) == 0 {
		return protocol.ChatMessage{}, false
	}
	obj, ok := decodeObject(args[0])
	if !ok {
		return protocol.ChatMessage{}, false
	}

	msg := protocol.ChatMessage{
		Direction: defaultDirection(target),
		Channel:   protocol.ChannelSMS,
	}

	if v, ok := firstPresent(obj, "body", "Body", "message", "Message"); ok {
		msg.Body = stringValue(v)
	}
	if v, ok := firstPresent(obj, "from", "From"); ok {
		msg.From = phoneValue(v)
	}
	if v, ok := firstPresent(obj, "to", "To"); ok {
		msg.To = phoneValue(v)
	}
	if msg.Body == "" && msg.From == "" && msg.To == "" {
		return protocol.ChatMessage{}, false
	}

	if v, ok := firstPresent(obj, "applicantId", "ApplicantId", "applicantID", "ApplicantID"); ok {
		msg.ApplicantID = int64Value(v)
	}
	if v, ok := firstPresent(obj, "direction", "Direction"); ok {
		switch strings.ToLower(stringValue(v)) {
		case string(protocol.DirectionInbound):
			msg.Direction = protocol.DirectionInbound
		case string(protocol.DirectionOutbound):
			msg.Direction = protocol.DirectionOutbound
		}
	}
	if v, ok := firstPresent(obj, "status", "Status"); ok {
		msg.Status = stringValue(v)
	}
	if v, ok := firstPresent(obj, "channel", "Channel"); ok {
		if ch := strings.ToLower(stringValue(v)); ch != "" {
			msg.Channel = ch
		}
	}
	if v, ok := firstPresent(obj, "sentAtUtc", "SentAtUtc"); ok {
		msg.SentAtUTC = timestampValue(v)
	}
	if v, ok := firstPresent(obj, "createdAtUtc", "CreatedAtUtc"); ok {
		msg.CreatedAtUTC = timestampValue(v)
	}
	if v, ok := firstPresent(obj, "metadata", "Metadata"); ok {
		if m, isMap := v.(map[string]any); isMap && len(m) > 0 {
			msg.Metadata = m
		}
	}
	return msg, true
}

func defaultDirection(target string) protocol.Direction {
	if strings.EqualFold(target, protocol.EventReceiveOutboundMessage) {
		return protocol.DirectionOutbound
	}
	return protocol.DirectionInbound
}

// decodeObject accepts a JSON object or a JSON string containing one.
func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, false
		}
	}
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil, false
	}
	return obj, true
}

// firstPresent returns the value of the first key present with a non-null
// value.
func firstPresent(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func phoneValue(v any) string {
	s := stringValue(v)
	if p, ok := NormalizePhone(s); ok {
		return p
	}
	return s
}

func int64Value(v any) *int64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return nil
	}
	n := int64(f)
	return &n
}

// Timestamps without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// timestampValue converts a string or epoch-millisecond value to RFC 3339
// UTC. Unparseable values yield "".
func timestampValue(v any) string {
	var ts time.Time
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return ""
		}
		parsed := false
		for _, layout := range timestampLayouts {
			if p, err := time.Parse(layout, s); err == nil {
				ts, parsed = p, true
				break
			}
		}
		if !parsed {
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return ""
			}
			ts = time.UnixMilli(ms)
		}
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return ""
		}
		ts = time.UnixMilli(int64(t))
	default:
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}
