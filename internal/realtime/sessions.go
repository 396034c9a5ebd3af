package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

// Interaction kinds exchanged in live sessions.
const (
	InteractionVideo     = "video"
	InteractionAudio     = "audio"
	InteractionHandRaise = "hand_raise"
	InteractionReaction  = "reaction"
)

// Interaction is a live-session signal from a participant.
type Interaction struct {
	SessionID string
	UserID    string
	Kind      string
	Payload   json.RawMessage
}

type sessionState struct {
	courseID string
	refs     int
}

// JoinSession subscribes to the session room and registers the user as a
// participant. The registration is repeated after every reconnect.
func (c *Client) JoinSession(sessionID, courseID string) (*Subscription, error) {
	sessionID = strings.TrimSpace(sessionID)
	id, err := ParseChannelID(string(SessionChannel(sessionID)))
	if err != nil {
		return nil, err
	}
	var subscription *Subscription
	if err := c.call(func() {
		subscription = c.subscribe(id)
		subscription.sessionID = sessionID
		state, ok := c.sessions[sessionID]
		if !ok {
			state = &sessionState{}
			c.sessions[sessionID] = state
		}
		state.refs++
		if courseID = strings.TrimSpace(courseID); courseID != "" {
			state.courseID = courseID
		}
		if state.refs == 1 {
			c.sendSessionJoin(sessionID, state.courseID)
		}
	}); err != nil {
		return nil, err
	}
	return subscription, nil
}

// LeaveSession releases a subscription obtained from JoinSession.
func (c *Client) LeaveSession(subscription *Subscription) error {
	if subscription == nil {
		return nil
	}
	if subscription.sessionID == "" {
		return ErrNotSessionSubscription
	}
	return c.call(func() { c.unsubscribe(subscription) })
}

// releaseSession drops one hold on a session; the last one sends session.leave.
func (c *Client) releaseSession(sessionID string) {
	state, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	state.refs--
	if state.refs > 0 {
		return
	}
	delete(c.sessions, sessionID)
	envelope, err := protocol.NewEnvelope(protocol.TypeSessionLeave, protocol.SessionLeave{SessionID: sessionID})
	if err == nil {
		c.writeNow(envelope)
	}
}

// SendInteraction broadcasts a live-session signal. Interactions are
// perishable: under buffer pressure they are dropped before anything else.
func (c *Client) SendInteraction(sessionID, kind string, payload any) error {
	sessionID = strings.TrimSpace(sessionID)
	kind = strings.TrimSpace(kind)
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidChannel)
	}
	if kind == "" {
		return errors.New("realtime: interaction kind required")
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("realtime: encode interaction: %w", err)
		}
		raw = encoded
	}
	envelope, err := protocol.NewEnvelope(protocol.TypeSessionInteraction, protocol.SessionInteraction{
		SessionID: protocol.ID(sessionID),
		Kind:      kind,
		Payload:   raw,
	})
	if err != nil {
		return err
	}
	var sendErr error
	if callErr := c.call(func() {
		sendErr = c.transmit(outboundFrame{envelope: envelope, channel: SessionChannel(sessionID)})
	}); callErr != nil {
		return callErr
	}
	if errors.Is(sendErr, errFrameDropped) {
		return nil
	}
	return sendErr
}

// OnInteraction registers a listener for live-session signals.
func (c *Client) OnInteraction(listener func(Interaction)) (unsubscribe func()) {
	return c.listeners.interaction.add(listener)
}

func (c *Client) sendSessionJoin(sessionID, courseID string) {
	envelope, err := protocol.NewEnvelope(protocol.TypeSessionJoin, protocol.SessionJoin{SessionID: sessionID, CourseID: courseID})
	if err != nil {
		return
	}
	if !c.writeNow(envelope) {
		c.logger.Debug("session join deferred until connected", zap.String("session_id", sessionID))
	}
}

func (c *Client) handleSessionInteraction(envelope protocol.Envelope) error {
	var interaction protocol.SessionInteraction
	if err := envelope.DecodePayload(&interaction); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(interaction.SessionID.String())
	if sessionID == "" || strings.TrimSpace(interaction.Kind) == "" {
		return fmt.Errorf("%w: interaction without session or kind", protocol.ErrMalformedFrame)
	}
	notify(c.dispatch, &c.listeners.interaction, Interaction{
		SessionID: sessionID,
		UserID:    interaction.UserID.String(),
		Kind:      interaction.Kind,
		Payload:   interaction.Payload,
	})
	return nil
}
