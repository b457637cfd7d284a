package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSubscribe: true,
	TypePing:      true,
	TypePrompt:    true,
	TypePresence:  true,
}

// ValidateClientMessage validates a raw JSON message from a client and
// returns the parsed envelope.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	switch msg.Type {
	case TypeSubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ClientID == "" {
			return nil, fmt.Errorf("missing required field 'clientId' in %s payload", msg.Type)
		}

	case TypePrompt:
		var p PromptPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Content == "" {
			return nil, fmt.Errorf("missing required field 'content' in %s payload", msg.Type)
		}

	case TypePresence:
		var p PresencePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Status == "" {
			return nil, fmt.Errorf("missing required field 'status' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}
