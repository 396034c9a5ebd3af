package realtime

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

// Notification is an account-wide notification.
type Notification struct {
	ID        string
	Kind      string
	Title     string
	Body      string
	Link      string
	CreatedAt time.Time
	Read      bool
}

// NotificationEvent is delivered for every notification.push.
type NotificationEvent struct {
	Notification Notification
	UnreadCount  int
}

// NotificationStore is the local notification collection mutated by the relay.
// MarkRead reports how many of the ids were unread before the call.
type NotificationStore interface {
	Apply(notification Notification) error
	MarkRead(ids []string) (int, error)
	ClearAll() error
}

type nopNotificationStore struct{}

func (nopNotificationStore) Apply(Notification) error { return nil }

func (nopNotificationStore) MarkRead(ids []string) (int, error) { return len(ids), nil }

func (nopNotificationStore) ClearAll() error { return nil }

// MarkNotificationsRead marks notifications read locally, lowers the unread
// counter and tells the server.
func (c *Client) MarkNotificationsRead(ids []string) error {
	cleaned := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	if len(cleaned) == 0 {
		return nil
	}
	var err error
	if callErr := c.call(func() { err = c.markRead(cleaned) }); callErr != nil {
		return callErr
	}
	return err
}

// ClearNotifications empties the store, zeroes the counter and tells the server.
func (c *Client) ClearNotifications() error {
	var err error
	if callErr := c.call(func() { err = c.clearNotifications() }); callErr != nil {
		return callErr
	}
	return err
}

// BootstrapUnreadCount seeds the counter from the HTTP API before the first push.
func (c *Client) BootstrapUnreadCount(count int) error {
	return c.call(func() { c.setUnread(count) })
}

// UnreadCount returns the current unread counter.
func (c *Client) UnreadCount() int {
	var count int
	_ = c.call(func() { count = c.unread })
	return count
}

// OnNotification registers a listener for pushed notifications.
func (c *Client) OnNotification(listener func(NotificationEvent)) (unsubscribe func()) {
	return c.listeners.notification.add(listener)
}

// OnUnreadCount registers a listener for unread counter changes.
func (c *Client) OnUnreadCount(listener func(int)) (unsubscribe func()) {
	return c.listeners.unread.add(listener)
}

func (c *Client) handleNotificationPush(envelope protocol.Envelope) error {
	var push protocol.NotificationPush
	if err := envelope.DecodePayload(&push); err != nil {
		return err
	}
	notification := Notification{
		ID:        strings.TrimSpace(push.Notification.ID.String()),
		Kind:      push.Notification.Kind,
		Title:     push.Notification.Title,
		Body:      push.Notification.Body,
		Link:      push.Notification.Link,
		CreatedAt: push.Notification.CreatedAt,
		Read:      push.Notification.Read,
	}
	if notification.ID == "" {
		return fmt.Errorf("%w: notification without id", protocol.ErrMalformedFrame)
	}
	if err := c.cfg.Store.Apply(notification); err != nil {
		c.logger.Error("storing notification", zap.String("notification_id", notification.ID), zap.Error(err))
	}
	count := max(push.UnreadCount, 0)
	notify(c.dispatch, &c.listeners.notification, NotificationEvent{Notification: notification, UnreadCount: count})
	c.setUnread(count)
	return nil
}

func (c *Client) markRead(ids []string) error {
	changed, err := c.cfg.Store.MarkRead(ids)
	if err != nil {
		return err
	}
	c.setUnread(c.unread - changed)
	envelope, err := protocol.NewEnvelope(protocol.TypeNotificationMarkRead, protocol.NotificationMarkRead{IDs: ids})
	if err != nil {
		return err
	}
	return c.transmit(outboundFrame{envelope: envelope})
}

func (c *Client) clearNotifications() error {
	if err := c.cfg.Store.ClearAll(); err != nil {
		return err
	}
	c.setUnread(0)
	envelope, err := protocol.NewEnvelope(protocol.TypeNotificationClearAll, nil)
	if err != nil {
		return err
	}
	return c.transmit(outboundFrame{envelope: envelope})
}

func (c *Client) setUnread(count int) {
	count = max(count, 0)
	if count == c.unread {
		return
	}
	c.unread = count
	notify(c.dispatch, &c.listeners.unread, count)
}
