package realtime

import (
	"sort"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

type channelState struct {
	id             ChannelID
	refCount       int
	joinedOnServer bool
	pinned         bool
}

func leaveKey(id ChannelID) timerKey {
	return timerKey{kind: timerLeave, name: string(id)}
}

// Subscribe declares interest in a channel. The first subscription joins it on
// the server (immediately when connected, otherwise on the next connect).
func (c *Client) Subscribe(channelID string) (*Subscription, error) {
	id, err := ParseChannelID(channelID)
	if err != nil {
		return nil, err
	}
	var subscription *Subscription
	if err := c.call(func() { subscription = c.subscribe(id) }); err != nil {
		return nil, err
	}
	return subscription, nil
}

// Unsubscribe releases a subscription. Releasing the last one leaves the
// channel after a short grace period; subscribing again within it keeps the
// membership without a leave/join round trip. Repeated calls are no-ops.
// A handle from JoinSession also releases its session hold, as LeaveSession does.
func (c *Client) Unsubscribe(subscription *Subscription) error {
	if subscription == nil {
		return nil
	}
	return c.call(func() { c.unsubscribe(subscription) })
}

// Channels returns the desired membership, sorted by id.
func (c *Client) Channels() []ChannelInfo {
	var infos []ChannelInfo
	_ = c.call(func() {
		infos = make([]ChannelInfo, 0, len(c.channels))
		for _, channel := range c.channels {
			infos = append(infos, ChannelInfo{
				ID:             channel.id,
				RefCount:       channel.refCount,
				JoinedOnServer: channel.joinedOnServer,
			})
		}
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (c *Client) subscribe(id ChannelID) *Subscription {
	channel, ok := c.channels[id]
	if !ok {
		channel = &channelState{id: id}
		c.channels[id] = channel
	}
	channel.refCount++
	if c.timers.cancel(leaveKey(id)) {
		c.logger.Debug("leave cancelled by resubscribe", zap.String("channel", string(id)))
	}
	c.joinChannel(channel)

	c.nextSubscription++
	subscription := &Subscription{id: c.nextSubscription, channel: id}
	c.subscriptions[subscription.id] = subscription
	return subscription
}

func (c *Client) unsubscribe(subscription *Subscription) {
	if _, ok := c.subscriptions[subscription.id]; !ok {
		return
	}
	delete(c.subscriptions, subscription.id)
	if subscription.sessionID != "" {
		c.releaseSession(subscription.sessionID)
	}
	channel, ok := c.channels[subscription.channel]
	if !ok {
		return
	}
	channel.refCount--
	if channel.refCount > 0 || channel.pinned {
		return
	}
	channel.refCount = 0
	c.outbox.dropPerishable(channel.id)
	c.scheduleLeave(channel.id)
}

func (c *Client) scheduleLeave(id ChannelID) {
	c.timers.schedule(leaveKey(id), c.cfg.LeaveGrace, func() { c.expireLeave(id) })
}

func (c *Client) expireLeave(id ChannelID) {
	channel, ok := c.channels[id]
	if !ok || channel.refCount > 0 {
		return
	}
	if c.outbox.hasCritical(id) {
		c.scheduleLeave(id)
		return
	}
	if channel.joinedOnServer {
		if envelope, err := protocol.NewEnvelope(protocol.TypeChannelLeave, protocol.ChannelMembership{ChannelID: string(id)}); err == nil {
			c.writeNow(envelope)
		}
	}
	delete(c.channels, id)
	c.outbox.dropPerishable(id)
	c.forgetLocalTyping(id)
	if _, ok := c.typing[id]; ok {
		delete(c.typing, id)
		notify(c.dispatch, &c.listeners.typing, TypingEvent{ChannelID: id})
	}
}

func joinRetryKey(id ChannelID) timerKey {
	return timerKey{kind: timerJoinRetry, name: string(id)}
}

// joinChannel sends channel.join when connected and the server does not know
// about the channel yet. A failed write while connected is retried after the
// reconnect base delay; offline channels are joined by the next resync.
func (c *Client) joinChannel(channel *channelState) {
	if channel.joinedOnServer {
		return
	}
	envelope, err := protocol.NewEnvelope(protocol.TypeChannelJoin, protocol.ChannelMembership{ChannelID: string(channel.id)})
	if err != nil {
		return
	}
	if c.writeNow(envelope) {
		channel.joinedOnServer = true
		c.timers.cancel(joinRetryKey(channel.id))
		return
	}
	if c.status.State != StateConnected {
		return
	}
	id := channel.id
	c.timers.schedule(joinRetryKey(id), c.cfg.ReconnectBaseDelay, func() {
		if current, ok := c.channels[id]; ok && current.refCount > 0 {
			c.joinChannel(current)
		}
	})
}

func (c *Client) markChannelsUnjoined() {
	for _, channel := range c.channels {
		channel.joinedOnServer = false
	}
}
