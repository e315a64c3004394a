package protocol

// Direction of a chat message relative to the CRM.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChatMessage is the canonical shape of a realtime chat event.
type ChatMessage struct {
	ApplicantID  *int64         `json:"applicantId,omitempty"`
	Body         string         `json:"body"`
	Direction    Direction      `json:"direction"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Status       string         `json:"status,omitempty"`
	Channel      string         `json:"channel"`
	SentAtUTC    string         `json:"sentAtUtc,omitempty"`
	CreatedAtUTC string         `json:"createdAtUtc,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
