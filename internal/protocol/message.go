// Package protocol defines the WebSocket wire protocol between the session
// actor and its subscribed clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// CloseAuthFailure is the close code sent when subscription authentication
// fails (empty, unknown or expired token).
const CloseAuthFailure = 4001

// ReasonTokenExpired is the close reason for an expired subscription token.
const ReasonTokenExpired = "Token expired"

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Client → Server message types.
const (
	TypeSubscribe = "subscribe"
	TypePing      = "ping"
	TypePrompt    = "prompt"
	TypePresence  = "presence"
)

// Server → Client message types.
const (
	TypeSubscribed     = "subscribed"
	TypePong           = "pong"
	TypePromptQueued   = "prompt_queued"
	TypePresenceSync   = "presence_sync"
	TypePresenceUpdate = "presence_update"
	TypeSandboxEvent   = "sandbox_event"
	TypeSandboxWarming = "sandbox_warming"
	TypeError          = "error"
)

// Client → Server payloads.

type SubscribePayload struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
	Cursor   string `json:"cursor,omitempty"` // resume replay after this point
}

type PromptPayload struct {
	Content string `json:"content"`
}

type PresencePayload struct {
	Status string `json:"status"` // "active" | "idle" | "typing"
	Cursor string `json:"cursor,omitempty"`
}

// Server → Client payloads.

type SubscribedPayload struct {
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	State         json.RawMessage `json:"state"`
	Events        json.RawMessage `json:"events"`
	HasMore       bool            `json:"hasMore"`
	Cursor        *string         `json:"cursor"`
}

type PongPayload struct {
	ServerTime string `json:"serverTime"`
}

type PromptQueuedPayload struct {
	MessageID string `json:"messageId"`
}

type PresenceListPayload struct {
	Participants  json.RawMessage `json:"participants"`
	ParticipantID string          `json:"participantId,omitempty"` // who changed, on updates
}

type SandboxEventPayload struct {
	Event json.RawMessage `json:"event"`
}

type SandboxWarmingPayload struct {
	SessionID string `json:"sessionId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{Code: code, Message: message})
}
