package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

func messageIDs(messages []Message) []string {
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		if message.ID != "" {
			ids = append(ids, message.ID)
			continue
		}
		ids = append(ids, message.TempID)
	}
	return ids
}

func TestSendThenAckLeavesSingleAuthoritativeEntry(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	var events recorder[MessagesEvent]
	h.client.OnMessages(events.record)

	pending, err := h.client.SendMessage("peer-7", "hi", MessageDirect)
	require.NoError(t, err)
	assert.Equal(t, ChannelID("user:peer-7"), pending.ChannelID)

	optimistic := h.client.Messages("user:peer-7")
	require.Len(t, optimistic, 1)
	assert.Equal(t, MessagePending, optimistic[0].Status)
	assert.Equal(t, pending.TempID, optimistic[0].TempID)

	sends := conn.framesOf(protocol.TypeMessageSend)
	require.Len(t, sends, 1)
	var send protocol.MessageSend
	require.NoError(t, sends[0].DecodePayload(&send))
	assert.Equal(t, protocol.MessageSend{TempID: pending.TempID, ReceiverID: "peer-7", Content: "hi", Kind: "DIRECT"}, send)

	sentAt := h.clock.Now().Add(-time.Second)
	h.push(conn, protocol.TypeMessageAck, protocol.MessageAck{TempID: pending.TempID, ID: "srv-1", SentAt: sentAt})

	messages := h.client.Messages("user:peer-7")
	require.Len(t, messages, 1)
	assert.Equal(t, "srv-1", messages[0].ID)
	assert.Equal(t, MessageSent, messages[0].Status)
	assert.True(t, messages[0].SentAt.Equal(sentAt))

	select {
	case err := <-pending.Done():
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("pending send not resolved")
	}

	h.flush()
	recorded := events.all()
	require.Len(t, recorded, 2, "one event for the optimistic append, one for the swap")
	assert.Len(t, recorded[1].Messages, 1)
}

func TestEchoAfterAckIsDeduplicated(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	pending, err := h.client.SendMessage("peer-7", "hi", MessageDirect)
	require.NoError(t, err)
	h.push(conn, protocol.TypeMessageAck, protocol.MessageAck{TempID: pending.TempID, ID: "srv-1", SentAt: h.clock.Now()})

	h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{
		ID: "srv-1", SenderID: "me", ReceiverID: "peer-7", Content: "hi", SentAt: h.clock.Now(), ClientTempID: pending.TempID,
	})
	assert.Len(t, h.client.Messages("user:peer-7"), 1)
}

func TestEchoBeforeAckResolvesSend(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	pending, err := h.client.SendMessage("peer-7", "hi", MessageDirect)
	require.NoError(t, err)

	h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{
		ID: "srv-1", SenderID: "me", ReceiverID: "peer-7", Content: "hi", SentAt: h.clock.Now(), ClientTempID: pending.TempID,
	})
	h.push(conn, protocol.TypeMessageAck, protocol.MessageAck{TempID: pending.TempID, ID: "srv-1", SentAt: h.clock.Now()})

	messages := h.client.Messages("user:peer-7")
	require.Len(t, messages, 1)
	assert.Equal(t, "srv-1", messages[0].ID)
	require.NoError(t, <-pending.Done())
}

func TestDuplicateInboundMessageLeavesStreamUnchanged(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	message := protocol.MessageNew{ID: "m-1", SenderID: "peer-1", ReceiverID: "me", Content: "hello", SentAt: h.clock.Now()}

	h.push(conn, protocol.TypeMessageNew, message)
	before := h.client.Messages("user:peer-1")
	h.push(conn, protocol.TypeMessageNew, message)
	after := h.client.Messages("user:peer-1")

	assert.Len(t, before, 1)
	assert.Equal(t, before, after)
}

func TestLateMessageIsInsertedInOrder(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	base := h.clock.Now()

	h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{ID: "m-2", SessionID: "42", SenderID: "a", Content: "two", SentAt: base.Add(2 * time.Second)})
	h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{ID: "m-3", SessionID: "42", SenderID: "b", Content: "three", SentAt: base.Add(3 * time.Second)})
	h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{ID: "m-1", SessionID: "42", SenderID: "c", Content: "one", SentAt: base.Add(time.Second)})
	h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{ID: "m-2b", SessionID: "42", SenderID: "d", Content: "tie", SentAt: base.Add(2 * time.Second)})

	messages := h.client.Messages("session:42")
	assert.Equal(t, []string{"m-1", "m-2", "m-2b", "m-3"}, messageIDs(messages))
	assert.Equal(t, MessageSession, messages[0].Kind)
}

func TestRetentionNeverEvictsPendingEntries(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MessageRetention = 3 })
	conn := h.connect()

	pending, err := h.client.SendMessage("peer-1", "mine", MessageDirect)
	require.NoError(t, err)
	base := h.clock.Now()
	for index, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{
			ID: protocol.ID(id), SenderID: "peer-1", ReceiverID: "me", Content: id, SentAt: base.Add(time.Duration(index+1) * time.Second),
		})
	}

	assert.Equal(t, []string{pending.TempID, "m-3", "m-4"}, messageIDs(h.client.Messages("user:peer-1")))
}

func TestAckTimeoutRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	var failures recorder[*SendError]
	h.client.OnSendFailed(failures.record)

	pending, err := h.client.SendMessage("peer-7", "anyone?", MessageDirect)
	require.NoError(t, err)

	h.advance(3 * time.Second)
	assert.Len(t, conn.framesOf(protocol.TypeMessageSend), 2)
	h.advance(3 * time.Second)
	assert.Len(t, conn.framesOf(protocol.TypeMessageSend), 3)
	h.advance(3 * time.Second)
	assert.Len(t, conn.framesOf(protocol.TypeMessageSend), 3)

	select {
	case err := <-pending.Done():
		require.ErrorIs(t, err, ErrSendTimeout)
	case <-time.After(time.Second):
		t.Fatalf("pending send not failed")
	}
	messages := h.client.Messages("user:peer-7")
	require.Len(t, messages, 1)
	assert.Equal(t, MessageFailed, messages[0].Status)

	h.flush()
	recorded := failures.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, pending.TempID, recorded[0].TempID)
}

func TestRetryFailedMessage(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxSendAttempts = 1 })
	conn := h.connect()
	pending, err := h.client.SendMessage("peer-7", "again", MessageDirect)
	require.NoError(t, err)
	h.advance(3 * time.Second)
	require.ErrorIs(t, <-pending.Done(), ErrSendTimeout)

	_, err = h.client.RetryMessage("unknown")
	require.ErrorIs(t, err, ErrUnknownMessage)

	retried, err := h.client.RetryMessage(pending.TempID)
	require.NoError(t, err)
	assert.Equal(t, MessagePending, h.client.Messages("user:peer-7")[0].Status)
	h.push(conn, protocol.TypeMessageAck, protocol.MessageAck{TempID: pending.TempID, ID: "srv-9"})
	require.NoError(t, <-retried.Done())

	messages := h.client.Messages("user:peer-7")
	require.Len(t, messages, 1)
	assert.Equal(t, "srv-9", messages[0].ID)
}

func TestInFlightSendIsRequeuedAfterDrop(t *testing.T) {
	h := newHarness(t)
	first := h.connect()
	pending, err := h.client.SendMessage("peer-7", "survive", MessageDirect)
	require.NoError(t, err)
	require.Len(t, first.framesOf(protocol.TypeMessageSend), 1)

	h.dropConnection(first)
	h.advance(100 * time.Millisecond)
	h.waitState(StateConnected)
	second := h.transport.lastConn()

	sends := second.framesOf(protocol.TypeMessageSend)
	require.Len(t, sends, 1)
	h.push(second, protocol.TypeMessageAck, protocol.MessageAck{TempID: pending.TempID, ID: "srv-1"})
	require.NoError(t, <-pending.Done())
}

func TestSendsKeepProgramOrderAcrossReconnect(t *testing.T) {
	h := newHarness(t)
	first := h.connect()
	a, err := h.client.SendMessage("42", "a", MessageSession)
	require.NoError(t, err)
	h.dropConnection(first)
	b, err := h.client.SendMessage("42", "b", MessageSession)
	require.NoError(t, err)

	h.advance(100 * time.Millisecond)
	h.waitState(StateConnected)
	var order []string
	for _, envelope := range h.transport.lastConn().framesOf(protocol.TypeMessageSend) {
		var send protocol.MessageSend
		require.NoError(t, envelope.DecodePayload(&send))
		order = append(order, send.TempID)
	}
	assert.Equal(t, []string{a.TempID, b.TempID}, order)
}

func TestClearKeepsUnacknowledgedEntries(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{ID: "m-1", SenderID: "peer-1", ReceiverID: "me", Content: "old", SentAt: h.clock.Now()})
	pending, err := h.client.SendMessage("peer-1", "unsent", MessageDirect)
	require.NoError(t, err)
	h.push(conn, protocol.TypeMessageNew, protocol.MessageNew{ID: "m-2", SessionID: "42", SenderID: "peer-2", Content: "room", SentAt: h.clock.Now()})

	require.NoError(t, h.client.ClearMessages("user:peer-1"))
	assert.Equal(t, []string{pending.TempID}, messageIDs(h.client.Messages("user:peer-1")))
	assert.Len(t, h.client.Messages("session:42"), 1)

	require.NoError(t, h.client.ClearMessages(""))
	assert.Empty(t, h.client.Messages("session:42"))
	assert.Len(t, h.client.Messages("user:peer-1"), 1)
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.SendMessage("peer-1", "   ", MessageDirect)
	require.ErrorIs(t, err, ErrEmptyContent)
	_, err = h.client.SendMessage("peer-1", "hi", MessageKind("GROUP"))
	require.ErrorIs(t, err, ErrUnknownMessageKind)
	_, err = h.client.SendMessage(" ", "hi", MessageDirect)
	require.ErrorIs(t, err, ErrInvalidChannel)
}

func TestOutboxFullRejectsCriticalSend(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.OutboxCapacity = 2 })
	_, err := h.client.SendMessage("peer-1", "one", MessageDirect)
	require.NoError(t, err)
	_, err = h.client.SendMessage("peer-1", "two", MessageDirect)
	require.NoError(t, err)

	_, err = h.client.SendMessage("peer-1", "three", MessageDirect)
	require.ErrorIs(t, err, ErrOutboxFull)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	messages := h.client.Messages("user:peer-1")
	require.Len(t, messages, 3)
	assert.Equal(t, MessageFailed, messages[2].Status)
}
