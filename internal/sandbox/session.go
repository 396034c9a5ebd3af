package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/realtime"
)

const (
	writeWait         = 10 * time.Second
	maxInboundBytes   = 64 << 10
	defaultIdleExpiry = 90 * time.Second
)

var errForeignAccountChannel = errors.New("account channel belongs to another user")

// session serves one websocket connection.
type session struct {
	peer       *peer
	conn       *websocket.Conn
	hub        *Hub
	store      *Store
	logger     *zap.Logger
	idleExpiry time.Duration
}

func (s *session) run(ctx context.Context) {
	defer s.finish()
	go s.writePump()

	s.conn.SetReadLimit(maxInboundBytes)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleExpiry)); err != nil {
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket closed", zap.Error(err))
			}
			return
		}
		envelope, err := protocol.Decode(data, protocol.Type.IsOutbound)
		if err != nil {
			s.logger.Warn("dropping inbound frame", zap.Error(err))
			continue
		}
		if err := s.handle(ctx, envelope); err != nil {
			s.logger.Warn("frame rejected", zap.String("type", envelope.Type.String()), zap.Error(err))
		}
	}
}

func (s *session) finish() {
	changed := s.hub.unregister(s.peer)
	for sessionID, count := range changed {
		s.broadcastCount(sessionID, count)
	}
	_ = s.conn.Close()
	s.logger.Debug("websocket session ended", zap.Int64("peer", s.peer.id))
}

func (s *session) writePump() {
	for {
		select {
		case frame := <-s.peer.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = s.conn.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.peer.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *session) handle(ctx context.Context, envelope protocol.Envelope) error {
	switch envelope.Type {
	case protocol.TypeChannelJoin, protocol.TypeChannelLeave:
		return s.handleMembership(envelope)
	case protocol.TypeMessageSend:
		return s.handleMessageSend(ctx, envelope)
	case protocol.TypeTypingSet:
		return s.handleTypingSet(envelope)
	case protocol.TypeSessionJoin:
		return s.handleSessionJoin(envelope)
	case protocol.TypeSessionLeave:
		return s.handleSessionLeave(envelope)
	case protocol.TypeSessionInteraction:
		return s.handleInteraction(envelope)
	case protocol.TypeNotificationMarkRead:
		return s.handleMarkRead(ctx, envelope)
	case protocol.TypeNotificationClearAll:
		return s.store.ClearAll(ctx, s.peer.userID)
	case protocol.TypePing:
		return s.handlePing(envelope)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownFrameType, envelope.Type)
	}
}

func (s *session) handleMembership(envelope protocol.Envelope) error {
	var membership protocol.ChannelMembership
	if err := envelope.DecodePayload(&membership); err != nil {
		return err
	}
	channel, err := realtime.ParseChannelID(membership.ChannelID)
	if err != nil {
		return err
	}
	if channel.Kind() == realtime.ChannelAccount && channel.Key() != s.peer.userID {
		return errForeignAccountChannel
	}
	if envelope.Type == protocol.TypeChannelJoin {
		s.hub.join(s.peer, channel.String())
	} else {
		s.hub.leave(s.peer, channel.String())
	}
	return nil
}

func (s *session) handleMessageSend(ctx context.Context, envelope protocol.Envelope) error {
	var send protocol.MessageSend
	if err := envelope.DecodePayload(&send); err != nil {
		return err
	}
	if strings.TrimSpace(send.TempID) == "" {
		return fmt.Errorf("%w: message.send without tempId", protocol.ErrMalformedFrame)
	}
	message, created, err := s.store.SaveMessage(ctx, s.peer.userID, send)
	if err != nil {
		return err
	}

	ack, err := encodeFrame(protocol.TypeMessageAck, protocol.MessageAck{
		TempID: send.TempID,
		ID:     protocol.ID(message.ID),
		SentAt: message.SentAt,
	})
	if err != nil {
		return err
	}
	s.peer.deliver(ack)
	if !created {
		s.logger.Debug("repeated message.send acknowledged", zap.String("temp_id", send.TempID), zap.String("message_id", message.ID))
		return nil
	}

	delivered, err := encodeFrame(protocol.TypeMessageNew, protocol.MessageNew{
		ID:           protocol.ID(message.ID),
		SenderID:     protocol.ID(message.SenderID),
		ReceiverID:   protocol.ID(message.ReceiverID),
		SessionID:    protocol.ID(message.SessionID),
		Content:      message.Content,
		Kind:         message.Kind,
		SentAt:       message.SentAt,
		ClientTempID: message.ClientTempID,
	})
	if err != nil {
		return err
	}
	if message.SessionID != "" {
		s.hub.publish(realtime.SessionChannel(message.SessionID).String(), delivered, s.peer)
		return nil
	}
	s.hub.publish(realtime.AccountChannel(message.ReceiverID).String(), delivered, nil)
	if message.ReceiverID != s.peer.userID {
		s.hub.publish(realtime.AccountChannel(s.peer.userID).String(), delivered, s.peer)
	}
	return nil
}

func (s *session) handleTypingSet(envelope protocol.Envelope) error {
	var typing protocol.TypingSet
	if err := envelope.DecodePayload(&typing); err != nil {
		return err
	}
	channel, err := realtime.ParseChannelID(typing.ChannelID)
	if err != nil {
		return err
	}
	update := protocol.TypingUpdate{
		UserID:      protocol.ID(s.peer.userID),
		DisplayName: s.peer.displayName,
		IsTyping:    typing.IsTyping,
	}
	switch channel.Kind() {
	case realtime.ChannelDirect:
		// the recipient sees the thread under the sender's id
		update.ChannelID = realtime.DirectChannel(s.peer.userID).String()
		frame, err := encodeFrame(protocol.TypeTypingUpdate, update)
		if err != nil {
			return err
		}
		s.hub.publish(realtime.AccountChannel(channel.Key()).String(), frame, nil)
	case realtime.ChannelSession:
		update.ChannelID = channel.String()
		frame, err := encodeFrame(protocol.TypeTypingUpdate, update)
		if err != nil {
			return err
		}
		s.hub.publish(channel.String(), frame, s.peer)
	default:
		return fmt.Errorf("%w: typing on %s", realtime.ErrInvalidChannel, channel)
	}
	return nil
}

func (s *session) handleSessionJoin(envelope protocol.Envelope) error {
	var join protocol.SessionJoin
	if err := envelope.DecodePayload(&join); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(join.SessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session.join without sessionId", protocol.ErrMalformedFrame)
	}
	s.hub.join(s.peer, realtime.SessionChannel(sessionID).String())
	count, _ := s.hub.joinSession(s.peer, sessionID)
	// a rejoining peer needs the current count even when it did not change
	s.broadcastCount(sessionID, count)
	return nil
}

func (s *session) handleSessionLeave(envelope protocol.Envelope) error {
	var leave protocol.SessionLeave
	if err := envelope.DecodePayload(&leave); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(leave.SessionID)
	if count, changed := s.hub.leaveSession(s.peer, sessionID); changed {
		s.broadcastCount(sessionID, count)
	}
	return nil
}

func (s *session) handleInteraction(envelope protocol.Envelope) error {
	var interaction protocol.SessionInteraction
	if err := envelope.DecodePayload(&interaction); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(interaction.SessionID.String())
	if sessionID == "" {
		return fmt.Errorf("%w: interaction without sessionId", protocol.ErrMalformedFrame)
	}
	interaction.SessionID = protocol.ID(sessionID)
	interaction.UserID = protocol.ID(s.peer.userID)
	frame, err := encodeFrame(protocol.TypeSessionInteraction, interaction)
	if err != nil {
		return err
	}
	s.hub.publish(realtime.SessionChannel(sessionID).String(), frame, s.peer)
	return nil
}

func (s *session) handleMarkRead(ctx context.Context, envelope protocol.Envelope) error {
	var markRead protocol.NotificationMarkRead
	if err := envelope.DecodePayload(&markRead); err != nil {
		return err
	}
	changed, err := s.store.MarkRead(ctx, s.peer.userID, markRead.IDs)
	if err != nil {
		return err
	}
	s.logger.Debug("notifications marked read", zap.String("user_id", s.peer.userID), zap.Int("changed", changed))
	return nil
}

func (s *session) handlePing(envelope protocol.Envelope) error {
	var ping protocol.Ping
	if len(envelope.Payload) > 0 {
		if err := envelope.DecodePayload(&ping); err != nil {
			return err
		}
	}
	frame, err := encodeFrame(protocol.TypePong, protocol.Pong{Nonce: ping.Nonce})
	if err != nil {
		return err
	}
	s.peer.deliver(frame)
	return nil
}

func (s *session) broadcastCount(sessionID string, count int) {
	frame, err := encodeFrame(protocol.TypePresenceCount, protocol.PresenceCount{SessionID: protocol.ID(sessionID), Count: count})
	if err != nil {
		s.logger.Error("failed to encode presence count", zap.Error(err))
		return
	}
	s.hub.publish(realtime.SessionChannel(sessionID).String(), frame, nil)
}

func encodeFrame(frameType protocol.Type, payload any) ([]byte, error) {
	envelope, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(envelope)
}
