package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/p-blackswan/session-orchestrator/internal/protocol"
)

// Presence is best effort: failures here are logged, never surfaced to the
// connection, and never close it.

// HandlePing answers a client keepalive.
func (a *Actor) HandlePing(c *Client) {
	msg, err := protocol.NewMessage(protocol.TypePong, protocol.PongPayload{
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	a.hub.Send(c, msg)
}

// HandlePrompt submits a prompt received over the socket and acks the sender.
func (a *Actor) HandlePrompt(ctx context.Context, c *Client, p protocol.PromptPayload) error {
	msg, err := a.SubmitPrompt(ctx, PromptInput{
		Content:  p.Content,
		AuthorID: c.ParticipantID,
		Source:   "web",
	})
	if err != nil {
		return err
	}
	ack, err := protocol.NewMessage(protocol.TypePromptQueued, protocol.PromptQueuedPayload{MessageID: msg.ID})
	if err != nil {
		return nil
	}
	a.hub.Send(c, ack)
	return nil
}

// HandlePresence updates the sender's presence record and broadcasts the
// refreshed participant list to every client. A sender without a participant
// record raced a disconnect and is dropped without a broadcast. A typing
// signal also pre-warms the sandbox so it is closer to ready by the time the
// prompt lands.
func (a *Actor) HandlePresence(c *Client, p protocol.PresencePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return
	}

	part := a.byID[c.ParticipantID]
	if part == nil {
		return
	}
	switch p.Status {
	case "idle":
		part.Status = "idle"
	default:
		part.Status = "active"
	}
	part.LastSeen = time.Now().UTC()

	if p.Status == "typing" && !a.sess.Status.Terminal() {
		a.ensureWarmLocked()
	}
	a.broadcastPresenceLocked(c.ParticipantID)
}

// PresenceList returns a snapshot of the known participants.
func (a *Actor) PresenceList() []*Participant {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Participant, 0, len(a.participants))
	for _, p := range a.participants {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// sendPresenceLocked pushes the full participant list to a single client as
// a presence_sync.
func (a *Actor) sendPresenceLocked(c *Client) {
	list, err := json.Marshal(a.participants)
	if err != nil {
		a.logger.Error().Err(err).Msg("marshaling presence list")
		return
	}
	if msg, err := protocol.NewMessage(protocol.TypePresenceSync, protocol.PresenceListPayload{Participants: list}); err == nil {
		a.hub.Send(c, msg)
	}
}

// broadcastPresenceLocked pushes the full participant list to every client as
// a presence_update. changedID names the participant whose presence moved.
func (a *Actor) broadcastPresenceLocked(changedID string) {
	list, err := json.Marshal(a.participants)
	if err != nil {
		a.logger.Error().Err(err).Msg("marshaling presence list")
		return
	}
	payload := protocol.PresenceListPayload{Participants: list, ParticipantID: changedID}
	if msg, err := protocol.NewMessage(protocol.TypePresenceUpdate, payload); err == nil {
		a.hub.Broadcast(msg)
	}
}
