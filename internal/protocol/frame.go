package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type names a frame on the wire.
type Type string

// Server to client frames.
const (
	TypeMessageNew         Type = "message.new"
	TypeMessageAck         Type = "message.ack"
	TypeTypingUpdate       Type = "typing.update"
	TypePresenceCount      Type = "presence.count"
	TypeNotificationPush   Type = "notification.push"
	TypeSessionInteraction Type = "session.interaction"
	TypePong               Type = "connection.pong"
)

// Client to server frames. session.interaction travels in both directions.
const (
	TypeChannelJoin          Type = "channel.join"
	TypeChannelLeave         Type = "channel.leave"
	TypeMessageSend          Type = "message.send"
	TypeTypingSet            Type = "typing.set"
	TypeSessionJoin          Type = "session.join"
	TypeSessionLeave         Type = "session.leave"
	TypeNotificationMarkRead Type = "notification.markRead"
	TypeNotificationClearAll Type = "notification.clearAll"
	TypePing                 Type = "connection.ping"
)

var (
	// ErrMalformedFrame indicates the bytes were not a JSON envelope with a type.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownFrameType indicates a well-formed envelope carrying an unrecognised type.
	ErrUnknownFrameType = errors.New("protocol: unknown frame type")
)

// String returns the wire name.
func (t Type) String() string {
	return string(t)
}

// IsInbound reports whether the server may send this frame type.
func (t Type) IsInbound() bool {
	switch t {
	case TypeMessageNew, TypeMessageAck, TypeTypingUpdate, TypePresenceCount,
		TypeNotificationPush, TypeSessionInteraction, TypePong:
		return true
	default:
		return false
	}
}

// IsOutbound reports whether the client may send this frame type.
func (t Type) IsOutbound() bool {
	switch t {
	case TypeChannelJoin, TypeChannelLeave, TypeMessageSend, TypeTypingSet, TypeSessionJoin,
		TypeSessionLeave, TypeSessionInteraction, TypeNotificationMarkRead,
		TypeNotificationClearAll, TypePing:
		return true
	default:
		return false
	}
}

// Perishable reports whether a queued frame of this type may be discarded under pressure.
// Typing pings, interaction echoes and heartbeats lose their meaning once stale.
func (t Type) Perishable() bool {
	switch t {
	case TypeTypingSet, TypeSessionInteraction, TypePing:
		return true
	default:
		return false
	}
}

// Envelope is the JSON wire format shared by every frame.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(frameType Type, payload any) (Envelope, error) {
	if strings.TrimSpace(string(frameType)) == "" {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrMalformedFrame)
	}
	if payload == nil {
		return Envelope{Type: frameType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s payload: %w", frameType, err)
	}
	return Envelope{Type: frameType, Payload: raw}, nil
}

// Encode serialises the envelope.
func Encode(envelope Envelope) ([]byte, error) {
	if strings.TrimSpace(string(envelope.Type)) == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedFrame)
	}
	return json.Marshal(envelope)
}

// Decode parses raw bytes into an envelope. Unknown types are reported with
// ErrUnknownFrameType together with the envelope so callers can log the name.
func Decode(data []byte, known func(Type) bool) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	var envelope Envelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if strings.TrimSpace(string(envelope.Type)) == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if known != nil && !known(envelope.Type) {
		return envelope, fmt.Errorf("%w: %s", ErrUnknownFrameType, envelope.Type)
	}
	return envelope, nil
}

// DecodePayload unmarshals the envelope payload into target.
func (e Envelope) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedFrame, e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, e.Type, err)
	}
	return nil
}
