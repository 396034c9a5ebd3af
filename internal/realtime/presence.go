package realtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

// TypingUser is a remote participant currently typing on a channel.
type TypingUser struct {
	UserID      string
	DisplayName string
	LastSeenAt  time.Time
}

// TypingEvent carries the typing set of one channel after it changed.
type TypingEvent struct {
	ChannelID ChannelID
	Users     []TypingUser
}

// ParticipantEvent carries the server's participant count for a session.
type ParticipantEvent struct {
	SessionID string
	Count     int
}

var timerTypingSweepKey = timerKey{kind: timerTypingSweep}

func typingIdleKey(id ChannelID) timerKey {
	return timerKey{kind: timerTypingIdle, name: string(id)}
}

// SetTyping reports local typing activity. A false-to-true edge is sent at
// once; while calls keep arriving nothing more is sent, and once they stop for
// the idle period a false update is sent automatically.
func (c *Client) SetTyping(channelID string, isTyping bool) error {
	id, err := ParseChannelID(channelID)
	if err != nil {
		return err
	}
	return c.call(func() { c.setTyping(id, isTyping) })
}

// TypingUsers returns the users typing on a channel, excluding the local user
// and entries older than the liveness window.
func (c *Client) TypingUsers(channelID string) []TypingUser {
	id, err := ParseChannelID(channelID)
	if err != nil {
		return nil
	}
	var users []TypingUser
	_ = c.call(func() { users = c.typingSnapshot(id, c.clock.Now()) })
	return users
}

// ParticipantCount returns the last count reported by the server, 0 if none.
func (c *Client) ParticipantCount(sessionID string) int {
	var count int
	_ = c.call(func() { count = c.participants[strings.TrimSpace(sessionID)] })
	return count
}

// OnTyping registers a listener for typing-set changes.
func (c *Client) OnTyping(listener func(TypingEvent)) (unsubscribe func()) {
	return c.listeners.typing.add(listener)
}

// OnParticipantCount registers a listener for participant count updates.
func (c *Client) OnParticipantCount(listener func(ParticipantEvent)) (unsubscribe func()) {
	return c.listeners.participants.add(listener)
}

func (c *Client) setTyping(id ChannelID, isTyping bool) {
	key := typingIdleKey(id)
	if !isTyping {
		c.timers.cancel(key)
		if c.localTyping[id] {
			delete(c.localTyping, id)
			c.sendTyping(id, false)
		}
		return
	}
	if !c.localTyping[id] {
		c.localTyping[id] = true
		c.sendTyping(id, true)
	}
	c.timers.schedule(key, c.cfg.TypingIdle, func() {
		if c.localTyping[id] {
			delete(c.localTyping, id)
			c.sendTyping(id, false)
		}
	})
}

func (c *Client) sendTyping(id ChannelID, isTyping bool) {
	envelope, err := protocol.NewEnvelope(protocol.TypeTypingSet, protocol.TypingSet{ChannelID: string(id), IsTyping: isTyping})
	if err != nil {
		return
	}
	if err := c.transmit(outboundFrame{envelope: envelope, channel: id}); err != nil && !errors.Is(err, errFrameDropped) {
		c.logger.Debug("typing update not queued", zap.String("channel", string(id)), zap.Error(err))
	}
}

func (c *Client) forgetLocalTyping(id ChannelID) {
	c.timers.cancel(typingIdleKey(id))
	delete(c.localTyping, id)
}

func (c *Client) handleTypingUpdate(envelope protocol.Envelope) error {
	var update protocol.TypingUpdate
	if err := envelope.DecodePayload(&update); err != nil {
		return err
	}
	id, err := ParseChannelID(update.ChannelID)
	if err != nil {
		return err
	}
	userID := strings.TrimSpace(update.UserID.String())
	if userID == "" {
		return fmt.Errorf("%w: typing update without user", protocol.ErrMalformedFrame)
	}
	if userID == c.identity.UserID {
		return nil
	}
	now := c.clock.Now()
	users := c.typing[id]
	if update.IsTyping {
		if users == nil {
			users = make(map[string]TypingUser)
			c.typing[id] = users
		}
		users[userID] = TypingUser{UserID: userID, DisplayName: update.DisplayName, LastSeenAt: now}
		c.ensureTypingSweep()
	} else {
		if _, ok := users[userID]; !ok {
			return nil
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(c.typing, id)
		}
	}
	notify(c.dispatch, &c.listeners.typing, TypingEvent{ChannelID: id, Users: c.typingSnapshot(id, now)})
	return nil
}

func (c *Client) ensureTypingSweep() {
	if !c.timers.pending(timerTypingSweepKey) {
		c.timers.schedule(timerTypingSweepKey, c.cfg.TypingSweep, c.sweepTyping)
	}
}

func (c *Client) sweepTyping() {
	now := c.clock.Now()
	changed := make([]ChannelID, 0)
	for id, users := range c.typing {
		for userID, user := range users {
			if now.Sub(user.LastSeenAt) >= c.cfg.TypingLiveness {
				delete(users, userID)
				if len(changed) == 0 || changed[len(changed)-1] != id {
					changed = append(changed, id)
				}
			}
		}
		if len(users) == 0 {
			delete(c.typing, id)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	for _, id := range changed {
		notify(c.dispatch, &c.listeners.typing, TypingEvent{ChannelID: id, Users: c.typingSnapshot(id, now)})
	}
	if len(c.typing) > 0 {
		c.ensureTypingSweep()
	}
}

func (c *Client) typingSnapshot(id ChannelID, now time.Time) []TypingUser {
	users := c.typing[id]
	snapshot := make([]TypingUser, 0, len(users))
	for _, user := range users {
		if now.Sub(user.LastSeenAt) >= c.cfg.TypingLiveness {
			continue
		}
		snapshot = append(snapshot, user)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].DisplayName != snapshot[j].DisplayName {
			return snapshot[i].DisplayName < snapshot[j].DisplayName
		}
		return snapshot[i].UserID < snapshot[j].UserID
	})
	return snapshot
}

func (c *Client) handlePresenceCount(envelope protocol.Envelope) error {
	var count protocol.PresenceCount
	if err := envelope.DecodePayload(&count); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(count.SessionID.String())
	if sessionID == "" {
		return fmt.Errorf("%w: presence count without session", protocol.ErrMalformedFrame)
	}
	value := count.Count
	if value < 0 {
		value = 0
	}
	if previous, ok := c.participants[sessionID]; ok && previous == value {
		return nil
	}
	c.participants[sessionID] = value
	notify(c.dispatch, &c.listeners.participants, ParticipantEvent{SessionID: sessionID, Count: value})
	return nil
}

// resetPresence drops everything learned from the server; it is rebuilt after reconnect.
// Buffered typing frames go too: the local typing state they describe was just reset.
func (c *Client) resetPresence() {
	ids := make([]ChannelID, 0, len(c.typing))
	for id := range c.typing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	c.typing = make(map[ChannelID]map[string]TypingUser)
	for _, id := range ids {
		notify(c.dispatch, &c.listeners.typing, TypingEvent{ChannelID: id})
	}
	c.timers.cancel(timerTypingSweepKey)

	sessionIDs := make([]string, 0, len(c.participants))
	for sessionID := range c.participants {
		sessionIDs = append(sessionIDs, sessionID)
	}
	sort.Strings(sessionIDs)
	c.participants = make(map[string]int)
	for _, sessionID := range sessionIDs {
		notify(c.dispatch, &c.listeners.participants, ParticipantEvent{SessionID: sessionID})
	}

	c.timers.cancelKind(timerTypingIdle)
	c.localTyping = make(map[ChannelID]bool)
	if dropped := c.outbox.dropType(protocol.TypeTypingSet); dropped > 0 {
		c.logger.Debug("dropped buffered typing updates", zap.Int("count", dropped))
	}
}
