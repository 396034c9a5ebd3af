package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

const maxContentLength = 4000

var (
	errMissingDatabase   = errors.New("database handle required")
	errMissingIDProvider = errors.New("id provider required")
	errInvalidMessage    = errors.New("message requires content and exactly one of receiver or session")
	errMissingUser       = errors.New("user id required")
	errMissingTitle      = errors.New("notification title required")
)

// ServiceError carries an operation-scoped code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew           = "sandbox.store.new"
	opSaveMessage        = "sandbox.save_message"
	opCreateNotification = "sandbox.create_notification"
	opListNotifications  = "sandbox.list_notifications"
	opUnreadCount        = "sandbox.unread_count"
	opMarkRead           = "sandbox.mark_read"
	opClearAll           = "sandbox.clear_all"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoredMessage is a message accepted by the sandbox.
type StoredMessage struct {
	ID           string    `gorm:"column:id;primaryKey;size:64;not null"`
	SenderID     string    `gorm:"column:sender_id;size:190;not null;index;uniqueIndex:idx_sandbox_messages_sender_temp,priority:1"`
	ReceiverID   string    `gorm:"column:receiver_id;size:190;index"`
	SessionID    string    `gorm:"column:session_id;size:190;index"`
	Kind         string    `gorm:"column:kind;size:16;not null"`
	Content      string    `gorm:"column:content;type:text;not null"`
	ClientTempID string    `gorm:"column:client_temp_id;size:64;not null;uniqueIndex:idx_sandbox_messages_sender_temp,priority:2"`
	SentAt       time.Time `gorm:"column:sent_at;not null;index"`
}

func (StoredMessage) TableName() string {
	return "sandbox_messages"
}

// StoredNotification is a notification addressed to one user.
type StoredNotification struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Kind      string    `gorm:"column:kind;size:64;not null"`
	Title     string    `gorm:"column:title;size:320;not null"`
	Body      string    `gorm:"column:body;type:text"`
	Link      string    `gorm:"column:link;size:512"`
	IsRead    bool      `gorm:"column:is_read;not null;default:false;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

func (StoredNotification) TableName() string {
	return "sandbox_notifications"
}

func (n StoredNotification) wire() protocol.Notification {
	return protocol.Notification{
		ID:        protocol.ID(n.ID),
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		Link:      n.Link,
		CreatedAt: n.CreatedAt,
		Read:      n.IsRead,
	}
}

// Models lists the sandbox schema.
func Models() []any {
	return []any{&StoredMessage{}, &StoredNotification{}}
}

// IDProvider issues identifiers for stored records.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// StoreConfig wires the sandbox persistence layer.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists what the sandbox accepts.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

// NewStore validates the configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, ids: cfg.IDProvider, logger: logger}, nil
}

// SaveMessage assigns an id and timestamp to an accepted message.send. A
// repeated (sender, tempId) pair returns the stored message with created false.
func (s *Store) SaveMessage(ctx context.Context, senderID string, send protocol.MessageSend) (StoredMessage, bool, error) {
	receiverID := strings.TrimSpace(send.ReceiverID)
	sessionID := strings.TrimSpace(send.SessionID)
	content := strings.TrimSpace(send.Content)
	tempID := strings.TrimSpace(send.TempID)
	if tempID == "" || content == "" || len(content) > maxContentLength || (receiverID == "") == (sessionID == "") {
		return StoredMessage{}, false, newServiceError(opSaveMessage, "invalid", errInvalidMessage)
	}
	kind := "DIRECT"
	if sessionID != "" {
		kind = "SESSION"
	}
	id, err := s.ids.NewID()
	if err != nil {
		return StoredMessage{}, false, newServiceError(opSaveMessage, "id", err)
	}
	message := StoredMessage{
		ID:           id,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		SessionID:    sessionID,
		Kind:         kind,
		Content:      content,
		ClientTempID: tempID,
		SentAt:       s.clock().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sender_id"}, {Name: "client_temp_id"}},
		DoNothing: true,
	}).Create(&message)
	if result.Error != nil {
		return StoredMessage{}, false, newServiceError(opSaveMessage, "persist", result.Error)
	}
	if result.RowsAffected > 0 {
		return message, true, nil
	}

	var existing StoredMessage
	if err := s.db.WithContext(ctx).
		Where("sender_id = ? AND client_temp_id = ?", senderID, tempID).
		Take(&existing).Error; err != nil {
		return StoredMessage{}, false, newServiceError(opSaveMessage, "lookup", err)
	}
	return existing, false, nil
}

// NotificationInput is a notification to deliver.
type NotificationInput struct {
	UserID string
	Kind   string
	Title  string
	Body   string
	Link   string
}

// CreateNotification persists a notification and returns it with the user's unread count.
func (s *Store) CreateNotification(ctx context.Context, input NotificationInput) (protocol.Notification, int, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return protocol.Notification{}, 0, newServiceError(opCreateNotification, "missing_user", errMissingUser)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return protocol.Notification{}, 0, newServiceError(opCreateNotification, "missing_title", errMissingTitle)
	}
	kind := strings.ToLower(strings.TrimSpace(input.Kind))
	if kind == "" {
		kind = "system"
	}
	id, err := s.ids.NewID()
	if err != nil {
		return protocol.Notification{}, 0, newServiceError(opCreateNotification, "id", err)
	}
	record := StoredNotification{
		ID:        id,
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Body:      strings.TrimSpace(input.Body),
		Link:      strings.TrimSpace(input.Link),
		CreatedAt: s.clock().UTC(),
	}
	var unread int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Model(&StoredNotification{}).Where("user_id = ? AND is_read = ?", userID, false).Count(&unread).Error
	})
	if err != nil {
		return protocol.Notification{}, 0, newServiceError(opCreateNotification, "persist", err)
	}
	return record.wire(), int(unread), nil
}

// ListNotifications returns a page of the user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, page, limit int) ([]protocol.Notification, bool, error) {
	if page < 1 {
		page = 1
	}
	var records []StoredNotification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit + 1).
		Offset((page - 1) * limit).
		Find(&records).Error
	if err != nil {
		return nil, false, newServiceError(opListNotifications, "query", err)
	}
	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	items := make([]protocol.Notification, 0, len(records))
	for _, record := range records {
		items = append(items, record.wire())
	}
	return items, hasMore, nil
}

// UnreadCount counts the user's unread notifications.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&StoredNotification{}).Where("user_id = ? AND is_read = ?", userID, false).Count(&count).Error
	if err != nil {
		return 0, newServiceError(opUnreadCount, "query", err)
	}
	return int(count), nil
}

// MarkRead flags the user's notifications read and reports how many changed.
func (s *Store) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&StoredNotification{}).
		Where("user_id = ? AND id IN ? AND is_read = ?", userID, ids, false).
		Update("is_read", true)
	if result.Error != nil {
		return 0, newServiceError(opMarkRead, "persist", result.Error)
	}
	return int(result.RowsAffected), nil
}

// ClearAll deletes every notification of the user.
func (s *Store) ClearAll(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&StoredNotification{}).Error; err != nil {
		return newServiceError(opClearAll, "persist", err)
	}
	return nil
}
