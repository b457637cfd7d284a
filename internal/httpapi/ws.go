package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
	"github.com/p-blackswan/session-orchestrator/internal/protocol"
	"github.com/p-blackswan/session-orchestrator/internal/session"
	"github.com/p-blackswan/session-orchestrator/pkg/tokenstore"
)

const (
	subscribeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	promptTimeout    = 15 * time.Second
)

// upgradeRequired rejects plain HTTP requests to the WebSocket endpoint.
func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// wsHandler serves GET /sessions/:id/ws. The first frame must be a subscribe;
// an unauthenticated socket is closed, never written to.
func (s *Server) wsHandler() fiber.Handler {
	reg := s.handlers.registry
	logger := s.logger.With().Str("component", "ws").Logger()

	return websocket.New(func(conn *websocket.Conn) {
		sessionID := conn.Params("id")
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		actor, err := reg.Get(ctx, sessionID)
		if err != nil {
			cancel()
			closeSocket(conn, websocket.ClosePolicyViolation, "unknown session")
			return
		}

		conn.SetReadDeadline(time.Now().Add(subscribeTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			cancel()
			return
		}
		msg, err := protocol.ValidateClientMessage(raw)
		if err != nil || msg.Type != protocol.TypeSubscribe {
			cancel()
			closeSocket(conn, websocket.ClosePolicyViolation, "expected subscribe")
			return
		}

		var sub protocol.SubscribePayload
		if err := json.Unmarshal(msg.Payload, &sub); err != nil {
			cancel()
			closeSocket(conn, websocket.ClosePolicyViolation, "malformed subscribe")
			return
		}

		client, ack, err := actor.Subscribe(ctx, sub.Token, sub.ClientID, sub.Cursor)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("subscribe rejected")
			if errors.Is(err, apperr.ErrInvalidInput) {
				closeSocket(conn, websocket.ClosePolicyViolation, "malformed replay cursor")
				return
			}
			reason := "unauthorized"
			if errors.Is(err, tokenstore.ErrTokenExpired) {
				reason = protocol.ReasonTokenExpired
			}
			closeSocket(conn, protocol.CloseAuthFailure, reason)
			return
		}
		defer actor.Unsubscribe(client)

		// The subscribed ack goes out before the write pump starts, so it is
		// always the first frame the client sees.
		ackMsg, err := protocol.NewMessage(protocol.TypeSubscribed, ack)
		if err != nil {
			return
		}
		ackData, _ := json.Marshal(ackMsg)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, ackData); err != nil {
			return
		}

		done := make(chan struct{})
		go writePump(conn, client, done)

		conn.SetReadDeadline(time.Time{})
		readLoop(conn, actor, client, logger)

		// Unregistering closes the outbound channel, which lets the write
		// pump drain and exit before the connection is torn down.
		actor.Unsubscribe(client)
		<-done
	})
}

func writePump(conn *websocket.Conn, client *session.Client, done chan<- struct{}) {
	defer close(done)
	for data := range client.Outbound() {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func readLoop(conn *websocket.Conn, actor *session.Actor, client *session.Client, logger zerolog.Logger) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.ValidateClientMessage(raw)
		if err != nil {
			sendError(actor, client, "invalid_message", err.Error())
			continue
		}

		switch msg.Type {
		case protocol.TypePing:
			actor.HandlePing(client)

		case protocol.TypePrompt:
			var p protocol.PromptPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				sendError(actor, client, "invalid_message", "malformed prompt payload")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), promptTimeout)
			err := actor.HandlePrompt(ctx, client, p)
			cancel()
			if err != nil {
				code := "prompt_rejected"
				if errors.Is(err, apperr.ErrConflict) {
					code = "session_terminal"
				}
				sendError(actor, client, code, err.Error())
			}

		case protocol.TypePresence:
			var p protocol.PresencePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}
			actor.HandlePresence(client, p)

		case protocol.TypeSubscribe:
			sendError(actor, client, "already_subscribed", "connection is already subscribed")
		}
	}
}

func sendError(actor *session.Actor, client *session.Client, code, detail string) {
	if msg, err := protocol.NewErrorMessage(code, detail); err == nil {
		actor.Hub().Send(client, msg)
	}
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
