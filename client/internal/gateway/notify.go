package gateway

import (
	"context"
	"strings"

	"github.com/drivewhip/crmlink/pkg/protocol"
)

// preparedMessageKeys are checked in order, case-insensitively, in the first
// row of the prepare-message result.
var preparedMessageKeys = []string{"message", "prepared_message", "preparedMessage", "body", "text", "result"}

// PrepareNotificationMessage asks the backend to expand placeholders in text
// for an applicant. The original text is returned whenever preparation is
// not possible.
func (c *Client) PrepareNotificationMessage(ctx context.Context, channel, applicantID, text string) string {
	if strings.TrimSpace(applicantID) == "" || strings.TrimSpace(text) == "" {
		return text
	}

	res, err := c.ExecuteCommand(ctx, protocol.NewCommand(c.opts.PrepareMessageCommand, channel, applicantID, text))
	if err != nil || !res.OK {
		return text
	}
	row, ok := protocol.FirstRow(res)
	if !ok {
		return text
	}
	if msg, ok := lookupString(row, preparedMessageKeys...); ok {
		return msg
	}
	return text
}

// lookupString returns the first non-empty string value among keys, matching
// key names case-insensitively.
func lookupString(row map[string]any, keys ...string) (string, bool) {
	for _, want := range keys {
		for k, v := range row {
			if !strings.EqualFold(k, want) {
				continue
			}
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}
