package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

func pushNotification(h *harness, conn *fakeConn, id string, unread int) {
	h.push(conn, protocol.TypeNotificationPush, protocol.NotificationPush{
		Notification: protocol.Notification{ID: protocol.ID(id), Kind: "course_update", Title: "Update " + id, CreatedAt: h.clock.Now()},
		UnreadCount:  unread,
	})
}

func TestPushAppliesStoreAndAuthoritativeCount(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	var events recorder[NotificationEvent]
	var counts recorder[int]
	h.client.OnNotification(events.record)
	h.client.OnUnreadCount(counts.record)

	require.NoError(t, h.client.BootstrapUnreadCount(4))
	pushNotification(h, conn, "n-1", 9)

	assert.Equal(t, 9, h.client.UnreadCount(), "server count wins over local arithmetic")
	h.flush()
	require.Len(t, events.all(), 1)
	assert.Equal(t, "n-1", events.all()[0].Notification.ID)
	assert.Equal(t, []int{4, 9}, counts.all())
	require.Len(t, h.store.applied, 1)
	assert.Equal(t, "Update n-1", h.store.applied[0].Title)
}

func TestStoreFailureDoesNotBlockCounter(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	h.store.mu.Lock()
	h.store.applyErr = errors.New("disk full")
	h.store.mu.Unlock()

	pushNotification(h, conn, "n-1", 2)
	assert.Equal(t, 2, h.client.UnreadCount())
}

func TestMarkReadIsOptimistic(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	pushNotification(h, conn, "n-1", 1)
	pushNotification(h, conn, "n-2", 2)

	require.NoError(t, h.client.MarkNotificationsRead([]string{"n-1", "n-1", " ", "unknown"}))
	assert.Equal(t, 1, h.client.UnreadCount())

	frames := conn.framesOf(protocol.TypeNotificationMarkRead)
	require.Len(t, frames, 1)
	var markRead protocol.NotificationMarkRead
	require.NoError(t, frames[0].DecodePayload(&markRead))
	assert.Equal(t, []string{"n-1", "unknown"}, markRead.IDs)

	require.NoError(t, h.client.MarkNotificationsRead([]string{"n-1"}))
	assert.Equal(t, 1, h.client.UnreadCount(), "already-read ids do not decrement again")
}

func TestMarkReadWhileOfflineIsQueuedAndKept(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	pushNotification(h, conn, "n-1", 1)
	h.dropConnection(conn)

	require.NoError(t, h.client.MarkNotificationsRead([]string{"n-1"}))
	assert.Equal(t, 0, h.client.UnreadCount())

	h.advance(100 * time.Millisecond)
	h.waitState(StateConnected)
	assert.Len(t, h.transport.lastConn().framesOf(protocol.TypeNotificationMarkRead), 1)
}

func TestClearAllResetsCounter(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	pushNotification(h, conn, "n-1", 5)

	require.NoError(t, h.client.ClearNotifications())
	assert.Equal(t, 0, h.client.UnreadCount())
	assert.Equal(t, 1, h.store.cleared)
	assert.Len(t, conn.framesOf(protocol.TypeNotificationClearAll), 1)
}

func TestBootstrapClampsNegativeCounts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.BootstrapUnreadCount(-3))
	assert.Equal(t, 0, h.client.UnreadCount())
}
