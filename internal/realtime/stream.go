package realtime

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

// MessageKind distinguishes direct threads from session rooms.
type MessageKind string

const (
	MessageDirect  MessageKind = "DIRECT"
	MessageSession MessageKind = "SESSION"
)

// MessageStatus tracks an entry through the optimistic send lifecycle.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// Message is one entry of a channel stream. TempID is set for messages sent
// from this client; ID is set once the server has assigned one.
type Message struct {
	ID         string
	TempID     string
	ChannelID  ChannelID
	SenderID   string
	ReceiverID string
	SessionID  string
	Content    string
	Kind       MessageKind
	SentAt     time.Time
	Seq        uint64
	Status     MessageStatus
}

// MessagesEvent carries the stream of one channel after it changed.
type MessagesEvent struct {
	ChannelID ChannelID
	Messages  []Message
}

// PendingMessage tracks an optimistic send.
type PendingMessage struct {
	TempID    string
	ChannelID ChannelID
	done      chan error
}

// Done yields nil once the server acknowledged the message, or the send error.
// It is closed after the single value.
func (p *PendingMessage) Done() <-chan error {
	return p.done
}

type pendingSend struct {
	tempID   string
	channel  ChannelID
	envelope protocol.Envelope
	inflight bool
	timeouts int
	done     chan error
}

func (p *pendingSend) resolve(err error) {
	p.done <- err
	close(p.done)
}

func ackKey(tempID string) timerKey {
	return timerKey{kind: timerAck, name: tempID}
}

// SendMessage appends an optimistic entry and transmits it. For DIRECT the
// target is the receiver's user id, for SESSION the session id.
func (c *Client) SendMessage(target, content string, kind MessageKind) (*PendingMessage, error) {
	target = strings.TrimSpace(target)
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	var channel ChannelID
	switch kind {
	case MessageDirect:
		channel = DirectChannel(target)
	case MessageSession:
		channel = SessionChannel(target)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageKind, kind)
	}
	if _, err := ParseChannelID(string(channel)); err != nil {
		return nil, err
	}
	tempID, err := c.cfg.NewTempID()
	if err != nil {
		return nil, fmt.Errorf("realtime: temp id: %w", err)
	}
	var pending *PendingMessage
	var sendErr error
	if err := c.call(func() {
		pending, sendErr = c.sendMessage(tempID, channel, target, content, kind)
	}); err != nil {
		return nil, err
	}
	return pending, sendErr
}

// RetryMessage resends a failed message under its original temp id.
func (c *Client) RetryMessage(tempID string) (*PendingMessage, error) {
	var pending *PendingMessage
	var retryErr error
	if err := c.call(func() { pending, retryErr = c.retryMessage(strings.TrimSpace(tempID)) }); err != nil {
		return nil, err
	}
	return pending, retryErr
}

// Messages returns a copy of a channel's stream in display order.
func (c *Client) Messages(channelID string) []Message {
	id, err := ParseChannelID(channelID)
	if err != nil {
		return nil
	}
	var messages []Message
	_ = c.call(func() { messages = c.streamSnapshot(id) })
	return messages
}

// ClearMessages empties a channel's stream, or every stream when channelID is
// empty. Unacknowledged entries are kept.
func (c *Client) ClearMessages(channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return c.call(func() {
			for id := range c.streams {
				c.clearStream(id)
			}
		})
	}
	id, err := ParseChannelID(channelID)
	if err != nil {
		return err
	}
	return c.call(func() { c.clearStream(id) })
}

// OnMessages registers a listener for stream changes.
func (c *Client) OnMessages(listener func(MessagesEvent)) (unsubscribe func()) {
	return c.listeners.messages.add(listener)
}

// OnSendFailed registers a listener for sends that ended in failure.
func (c *Client) OnSendFailed(listener func(*SendError)) (unsubscribe func()) {
	return c.listeners.sendFailed.add(listener)
}

func (c *Client) sendMessage(tempID string, channel ChannelID, target, content string, kind MessageKind) (*PendingMessage, error) {
	payload := protocol.MessageSend{TempID: tempID, Content: content, Kind: string(kind)}
	message := Message{
		TempID:    tempID,
		ChannelID: channel,
		SenderID:  c.identity.UserID,
		Content:   content,
		Kind:      kind,
		SentAt:    c.clock.Now(),
		Status:    MessagePending,
	}
	if kind == MessageDirect {
		payload.ReceiverID = target
		message.ReceiverID = target
	} else {
		payload.SessionID = target
		message.SessionID = target
	}
	envelope, err := protocol.NewEnvelope(protocol.TypeMessageSend, payload)
	if err != nil {
		return nil, err
	}
	c.arrivalSeq++
	message.Seq = c.arrivalSeq
	stream := c.stream(channel)
	stream.insert(message)
	stream.evict(c.cfg.MessageRetention)

	send := c.track(tempID, channel, envelope)
	c.publishStream(channel)
	if err := c.transmitSend(send); err != nil {
		return nil, c.failSend(send, err)
	}
	return &PendingMessage{TempID: tempID, ChannelID: channel, done: send.done}, nil
}

func (c *Client) retryMessage(tempID string) (*PendingMessage, error) {
	for channel, stream := range c.streams {
		index := stream.indexOfTemp(tempID)
		if index < 0 {
			continue
		}
		message := stream.entries[index]
		if message.Status != MessageFailed {
			return nil, fmt.Errorf("%w: %s is %s", ErrUnknownMessage, tempID, message.Status)
		}
		payload := protocol.MessageSend{
			TempID:     tempID,
			ReceiverID: message.ReceiverID,
			SessionID:  message.SessionID,
			Content:    message.Content,
			Kind:       string(message.Kind),
		}
		envelope, err := protocol.NewEnvelope(protocol.TypeMessageSend, payload)
		if err != nil {
			return nil, err
		}
		stream.entries[index].Status = MessagePending
		send := c.track(tempID, channel, envelope)
		c.publishStream(channel)
		if err := c.transmitSend(send); err != nil {
			return nil, c.failSend(send, err)
		}
		return &PendingMessage{TempID: tempID, ChannelID: channel, done: send.done}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
}

func (c *Client) track(tempID string, channel ChannelID, envelope protocol.Envelope) *pendingSend {
	send := &pendingSend{tempID: tempID, channel: channel, envelope: envelope, done: make(chan error, 1)}
	c.pending[tempID] = send
	c.pendingOrder = append(c.pendingOrder, tempID)
	return send
}

func (c *Client) untrack(tempID string) {
	delete(c.pending, tempID)
	for index, id := range c.pendingOrder {
		if id == tempID {
			c.pendingOrder = append(c.pendingOrder[:index:index], c.pendingOrder[index+1:]...)
			break
		}
	}
	c.timers.cancel(ackKey(tempID))
	c.outbox.dropSend(tempID)
}

// transmitSend writes a message.send and arms its ack timer, or buffers it.
func (c *Client) transmitSend(send *pendingSend) error {
	if c.status.State == StateConnected && c.conn != nil {
		if err := c.write(send.envelope); err == nil {
			send.inflight = true
			c.timers.schedule(ackKey(send.tempID), c.cfg.AckTimeout, func() { c.handleAckTimeout(send.tempID) })
			return nil
		}
	}
	send.inflight = false
	return c.outbox.push(outboundFrame{envelope: send.envelope, channel: send.channel, tempID: send.tempID})
}

func (c *Client) handleAckTimeout(tempID string) {
	send, ok := c.pending[tempID]
	if !ok || !send.inflight {
		return
	}
	send.inflight = false
	send.timeouts++
	if send.timeouts >= c.cfg.MaxSendAttempts {
		c.failSend(send, ErrSendTimeout)
		return
	}
	c.logger.Debug("resending unacknowledged message", zap.String("temp_id", tempID), zap.Int("attempt", send.timeouts+1))
	if err := c.transmitSend(send); err != nil {
		c.failSend(send, err)
	}
}

// requeueInflight moves written-but-unacknowledged sends back to the head of
// the outbox in send order.
func (c *Client) requeueInflight() {
	var frames []outboundFrame
	for _, tempID := range c.pendingOrder {
		send := c.pending[tempID]
		if send == nil || !send.inflight {
			continue
		}
		send.inflight = false
		c.timers.cancel(ackKey(tempID))
		frames = append(frames, outboundFrame{envelope: send.envelope, channel: send.channel, tempID: tempID})
	}
	c.outbox.prepend(frames)
}

func (c *Client) failSend(send *pendingSend, cause error) *SendError {
	if _, ok := c.pending[send.tempID]; !ok {
		return &SendError{TempID: send.tempID, ChannelID: send.channel, Err: cause}
	}
	c.untrack(send.tempID)
	if stream, ok := c.streams[send.channel]; ok {
		if index := stream.indexOfTemp(send.tempID); index >= 0 {
			stream.entries[index].Status = MessageFailed
			c.publishStream(send.channel)
		}
	}
	sendErr := &SendError{TempID: send.tempID, ChannelID: send.channel, Err: cause}
	c.logger.Warn("message send failed", zap.String("temp_id", send.tempID), zap.String("channel", string(send.channel)), zap.Error(cause))
	notify(c.dispatch, &c.listeners.sendFailed, sendErr)
	send.resolve(sendErr)
	return sendErr
}

func (c *Client) failAllSends(cause error) {
	order := append([]string(nil), c.pendingOrder...)
	for _, tempID := range order {
		if send, ok := c.pending[tempID]; ok {
			c.failSend(send, cause)
		}
	}
}

// confirmSend swaps the optimistic entry for the acknowledged one in a single change.
func (c *Client) confirmSend(send *pendingSend, id string, sentAt time.Time) {
	c.untrack(send.tempID)
	stream := c.stream(send.channel)
	if index := stream.indexOfTemp(send.tempID); index >= 0 {
		message := stream.removeAt(index)
		if stream.indexOfID(id) < 0 {
			message.ID = id
			message.Status = MessageSent
			if !sentAt.IsZero() {
				message.SentAt = sentAt
			}
			stream.insert(message)
		}
		stream.evict(c.cfg.MessageRetention)
		c.publishStream(send.channel)
	}
	send.resolve(nil)
}

func (c *Client) handleMessageAck(envelope protocol.Envelope) error {
	var ack protocol.MessageAck
	if err := envelope.DecodePayload(&ack); err != nil {
		return err
	}
	id := strings.TrimSpace(ack.ID.String())
	if ack.TempID == "" || id == "" {
		return fmt.Errorf("%w: ack without ids", protocol.ErrMalformedFrame)
	}
	send, ok := c.pending[ack.TempID]
	if !ok {
		c.logger.Debug("ignoring ack for unknown send", zap.String("temp_id", ack.TempID))
		return nil
	}
	c.confirmSend(send, id, ack.SentAt)
	return nil
}

func (c *Client) handleMessageNew(envelope protocol.Envelope) error {
	var incoming protocol.MessageNew
	if err := envelope.DecodePayload(&incoming); err != nil {
		return err
	}
	id := strings.TrimSpace(incoming.ID.String())
	if id == "" {
		return fmt.Errorf("%w: message without id", protocol.ErrMalformedFrame)
	}
	message := Message{
		ID:         id,
		SenderID:   incoming.SenderID.String(),
		ReceiverID: incoming.ReceiverID.String(),
		SessionID:  incoming.SessionID.String(),
		Content:    incoming.Content,
		SentAt:     incoming.SentAt,
		Status:     MessageSent,
	}
	switch {
	case message.SessionID != "":
		message.Kind = MessageSession
		message.ChannelID = SessionChannel(message.SessionID)
	case message.SenderID == c.identity.UserID && message.ReceiverID != "":
		message.Kind = MessageDirect
		message.ChannelID = DirectChannel(message.ReceiverID)
	case message.SenderID != "":
		message.Kind = MessageDirect
		message.ChannelID = DirectChannel(message.SenderID)
	default:
		return fmt.Errorf("%w: message without sender or session", protocol.ErrMalformedFrame)
	}
	if message.SentAt.IsZero() {
		message.SentAt = c.clock.Now()
	}

	if incoming.ClientTempID != "" {
		if send, ok := c.pending[incoming.ClientTempID]; ok {
			c.confirmSend(send, id, message.SentAt)
			return nil
		}
	}
	stream := c.stream(message.ChannelID)
	if stream.indexOfID(id) >= 0 {
		return nil
	}
	if index := stream.indexOfTemp(incoming.ClientTempID); index >= 0 {
		// Echo of a send this client had given up on: the server did store it.
		previous := stream.removeAt(index)
		message.TempID = previous.TempID
		message.Seq = previous.Seq
		stream.insert(message)
		c.publishStream(message.ChannelID)
		return nil
	}
	c.arrivalSeq++
	message.Seq = c.arrivalSeq
	stream.insert(message)
	stream.evict(c.cfg.MessageRetention)
	c.publishStream(message.ChannelID)
	return nil
}

func (c *Client) stream(id ChannelID) *messageLog {
	stream, ok := c.streams[id]
	if !ok {
		stream = &messageLog{}
		c.streams[id] = stream
	}
	return stream
}

func (c *Client) streamSnapshot(id ChannelID) []Message {
	stream, ok := c.streams[id]
	if !ok {
		return []Message{}
	}
	return append([]Message(nil), stream.entries...)
}

func (c *Client) publishStream(id ChannelID) {
	notify(c.dispatch, &c.listeners.messages, MessagesEvent{ChannelID: id, Messages: c.streamSnapshot(id)})
}

func (c *Client) clearStream(id ChannelID) {
	stream, ok := c.streams[id]
	if !ok {
		return
	}
	if stream.clearAcknowledged() > 0 {
		c.publishStream(id)
	}
	if len(stream.entries) == 0 {
		delete(c.streams, id)
	}
}

// messageLog keeps a channel's messages ordered by (SentAt, Seq).
type messageLog struct {
	entries []Message
}

func messageBefore(left, right Message) bool {
	if !left.SentAt.Equal(right.SentAt) {
		return left.SentAt.Before(right.SentAt)
	}
	return left.Seq < right.Seq
}

// insert walks back from the tail, so in-order arrivals cost O(1).
func (l *messageLog) insert(message Message) {
	index := len(l.entries)
	for index > 0 && messageBefore(message, l.entries[index-1]) {
		index--
	}
	l.entries = append(l.entries, Message{})
	copy(l.entries[index+1:], l.entries[index:])
	l.entries[index] = message
}

func (l *messageLog) removeAt(index int) Message {
	message := l.entries[index]
	l.entries = append(l.entries[:index], l.entries[index+1:]...)
	return message
}

func (l *messageLog) indexOfID(id string) int {
	for index := len(l.entries) - 1; index >= 0; index-- {
		if l.entries[index].ID == id {
			return index
		}
	}
	return -1
}

func (l *messageLog) indexOfTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	for index := len(l.entries) - 1; index >= 0; index-- {
		if l.entries[index].TempID == tempID {
			return index
		}
	}
	return -1
}

// evict drops the oldest acknowledged entries until the log fits. Pending and
// failed entries are never evicted.
func (l *messageLog) evict(limit int) {
	for len(l.entries) > limit {
		removed := false
		for index, message := range l.entries {
			if message.Status == MessageSent {
				l.removeAt(index)
				removed = true
				break
			}
		}
		if !removed {
			return
		}
	}
}

func (l *messageLog) clearAcknowledged() int {
	kept := l.entries[:0]
	removed := 0
	for _, message := range l.entries {
		if message.Status == MessageSent {
			removed++
			continue
		}
		kept = append(kept, message)
	}
	l.entries = kept
	return removed
}
