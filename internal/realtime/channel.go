package realtime

import (
	"fmt"
	"strings"
)

// ChannelKind is the tag prefix of a channel id.
type ChannelKind string

const (
	// ChannelDirect is a direct-message thread with one peer.
	ChannelDirect ChannelKind = "user"
	// ChannelSession is a live-session room.
	ChannelSession ChannelKind = "session"
	// ChannelAccount is the implicit per-user channel joined on connect.
	ChannelAccount ChannelKind = "account"
)

const maxChannelKeyLength = 190

// ChannelID identifies a logical channel multiplexed over the connection.
type ChannelID string

// ParseChannelID validates "<kind>:<key>".
func ParseChannelID(raw string) (ChannelID, error) {
	trimmed := strings.TrimSpace(raw)
	prefix, key, found := strings.Cut(trimmed, ":")
	if !found {
		return "", fmt.Errorf("%w: %q has no kind prefix", ErrInvalidChannel, raw)
	}
	switch ChannelKind(prefix) {
	case ChannelDirect, ChannelSession, ChannelAccount:
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidChannel, prefix)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: %q has an empty key", ErrInvalidChannel, raw)
	}
	if len(key) > maxChannelKeyLength {
		return "", fmt.Errorf("%w: key exceeds %d characters", ErrInvalidChannel, maxChannelKeyLength)
	}
	return ChannelID(prefix + ":" + key), nil
}

// DirectChannel returns the thread channel for a peer.
func DirectChannel(peerID string) ChannelID {
	return ChannelID(string(ChannelDirect) + ":" + strings.TrimSpace(peerID))
}

// SessionChannel returns the room channel for a live session.
func SessionChannel(sessionID string) ChannelID {
	return ChannelID(string(ChannelSession) + ":" + strings.TrimSpace(sessionID))
}

// AccountChannel returns the implicit channel for the authenticated user.
func AccountChannel(userID string) ChannelID {
	return ChannelID(string(ChannelAccount) + ":" + strings.TrimSpace(userID))
}

// Kind returns the tag prefix.
func (id ChannelID) Kind() ChannelKind {
	prefix, _, _ := strings.Cut(string(id), ":")
	return ChannelKind(prefix)
}

// Key returns the part after the prefix (peer id, session id or user id).
func (id ChannelID) Key() string {
	_, key, _ := strings.Cut(string(id), ":")
	return key
}

func (id ChannelID) String() string {
	return string(id)
}

// ChannelInfo is a snapshot of one registry entry.
type ChannelInfo struct {
	ID             ChannelID
	RefCount       int
	JoinedOnServer bool
}

// Subscription is the handle returned by Subscribe and JoinSession.
type Subscription struct {
	id        uint64
	channel   ChannelID
	sessionID string
}

// ChannelID returns the subscribed channel.
func (s *Subscription) ChannelID() ChannelID {
	if s == nil {
		return ""
	}
	return s.channel
}
