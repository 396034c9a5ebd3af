package notifications

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/database"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/realtime"
)

const migrationNormalizeKinds = "2026-09-20_normalize_notification_kinds"

// Record is the locally persisted copy of a notification.
type Record struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null"`
	Kind      string     `gorm:"column:kind;size:64;not null"`
	Title     string     `gorm:"column:title;size:320;not null"`
	Body      string     `gorm:"column:body;type:text"`
	Link      string     `gorm:"column:link;size:512"`
	IsRead    bool       `gorm:"column:is_read;not null;default:false;index"`
	ReadAt    *time.Time `gorm:"column:read_at"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;index"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing notifications.
func (Record) TableName() string {
	return "notifications"
}

// Models lists the schema the store needs.
func Models() []any {
	return []any{&Record{}}
}

// Migrations lists the data fixes the store relies on.
func Migrations() []database.Migration {
	return []database.Migration{
		{Name: migrationNormalizeKinds, Apply: normalizeKinds},
	}
}

// normalizeKinds folds kinds written by older producers ("Message ", "LIVE_SESSION").
func normalizeKinds(db *gorm.DB) error {
	return db.Model(&Record{}).
		Where("kind <> lower(trim(kind))").
		Update("kind", gorm.Expr("lower(trim(kind))")).Error
}

func recordFromNotification(notification realtime.Notification) Record {
	return Record{
		ID:        strings.TrimSpace(notification.ID),
		Kind:      strings.ToLower(strings.TrimSpace(notification.Kind)),
		Title:     notification.Title,
		Body:      notification.Body,
		Link:      notification.Link,
		IsRead:    notification.Read,
		CreatedAt: notification.CreatedAt.UTC(),
	}
}

func (r Record) notification() realtime.Notification {
	return realtime.Notification{
		ID:        r.ID,
		Kind:      r.Kind,
		Title:     r.Title,
		Body:      r.Body,
		Link:      r.Link,
		CreatedAt: r.CreatedAt,
		Read:      r.IsRead,
	}
}
