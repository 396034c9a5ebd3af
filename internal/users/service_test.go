package users

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/auth"
)

func newTestService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return *now
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestTouchCreatesAndUpdatesProfiles(t *testing.T) {
	now := time.Unix(1, 0).UTC()
	service := newTestService(t, &now)

	profile, err := service.Touch(auth.Claims{UserID: " user-1 ", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if profile.UserID != "user-1" || profile.DisplayName != "Ada" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	now = time.Unix(60, 0).UTC()
	profile, err = service.Touch(auth.Claims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("second touch failed: %v", err)
	}
	if profile.DisplayName != "Ada" {
		t.Fatalf("blank display name must keep the stored one, got %q", profile.DisplayName)
	}

	var stored Profile
	if err := service.db.Where("user_id = ?", "user-1").First(&stored).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !stored.LastSeenAt.Equal(now) {
		t.Fatalf("expected last seen %v, got %v", now, stored.LastSeenAt)
	}

	if _, err := service.Touch(auth.Claims{UserID: "user-1", DisplayName: "Ada L."}); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if name := service.DisplayName("user-1"); name != "Ada L." {
		t.Fatalf("expected renamed display name, got %q", name)
	}
}

func TestTouchRejectsBlankUser(t *testing.T) {
	now := time.Unix(1, 0)
	service := newTestService(t, &now)
	if _, err := service.Touch(auth.Claims{UserID: "  "}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestDisplayNameFallsBackToUserID(t *testing.T) {
	now := time.Unix(1, 0)
	service := newTestService(t, &now)
	if name := service.DisplayName("stranger"); name != "stranger" {
		t.Fatalf("expected fallback to user id, got %q", name)
	}
	if _, err := service.Touch(auth.Claims{UserID: "quiet"}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if name := service.DisplayName("quiet"); name != "quiet" {
		t.Fatalf("expected fallback for blank display name, got %q", name)
	}
}
