package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/realtime"
)

var (
	errMissingDatabase = errors.New("database handle required")
	errMissingID       = errors.New("notification id required")
)

// StoreError carries an operation-scoped code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew    = "notifications.store.new"
	opApply       = "notifications.apply"
	opMarkRead    = "notifications.mark_read"
	opClearAll    = "notifications.clear_all"
	opList        = "notifications.list"
	opUnreadCount = "notifications.unread_count"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig wires the store's dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists notifications pushed through the realtime relay. It satisfies
// realtime.NotificationStore.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ realtime.NotificationStore = (*Store)(nil)

// NewStore validates the configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Apply inserts or replaces a notification.
func (s *Store) Apply(notification realtime.Notification) error {
	record := recordFromNotification(notification)
	if record.ID == "" {
		return newStoreError(opApply, "missing_id", errMissingID)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock().UTC()
	}
	if record.IsRead {
		readAt := s.clock().UTC()
		record.ReadAt = &readAt
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "title", "body", "link", "is_read", "read_at", "created_at", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return newStoreError(opApply, "persist", err)
	}
	return nil
}

// ApplyAll stores a page of notifications fetched over HTTP.
func (s *Store) ApplyAll(notifications []realtime.Notification) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		scoped := &Store{db: tx, clock: s.clock, logger: s.logger}
		for _, notification := range notifications {
			if err := scoped.Apply(notification); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkRead flags the notifications read and reports how many were unread.
// Unknown ids are ignored.
func (s *Store) MarkRead(ids []string) (int, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return 0, nil
	}
	readAt := s.clock().UTC()
	result := s.db.Model(&Record{}).
		Where("id IN ? AND is_read = ?", cleaned, false).
		Updates(map[string]any{"is_read": true, "read_at": readAt})
	if result.Error != nil {
		return 0, newStoreError(opMarkRead, "persist", result.Error)
	}
	s.logger.Debug("notifications marked read", zap.Int("requested", len(cleaned)), zap.Int64("updated", result.RowsAffected))
	return int(result.RowsAffected), nil
}

// ClearAll removes every stored notification.
func (s *Store) ClearAll() error {
	if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Record{}).Error; err != nil {
		return newStoreError(opClearAll, "persist", err)
	}
	return nil
}

// List returns notifications newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]realtime.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, newStoreError(opList, "query", err)
	}
	notifications := make([]realtime.Notification, 0, len(records))
	for _, record := range records {
		notifications = append(notifications, record.notification())
	}
	return notifications, nil
}

// UnreadCount counts locally stored unread notifications.
func (s *Store) UnreadCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("is_read = ?", false).Count(&count).Error; err != nil {
		return 0, newStoreError(opUnreadCount, "query", err)
	}
	return int(count), nil
}
