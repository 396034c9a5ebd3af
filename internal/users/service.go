package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/auth"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records who connected and under which display name.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Touch records a connection for the token's user and returns the profile.
// A blank display name in the token keeps the stored one.
func (s *Service) Touch(claims auth.Claims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	displayName := normalize(claims.DisplayName)

	var profile Profile
	err := s.db.Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:      userID,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if displayName != "" && displayName != profile.DisplayName {
			updates["user_display_name"] = displayName
			profile.DisplayName = displayName
		}
		if err := s.db.Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
		profile.LastSeenAt = s.now()
	}

	s.cache.Store(userID, profile.DisplayName)
	return profile, nil
}

// DisplayName returns the known display name, falling back to the user id.
func (s *Service) DisplayName(userID string) string {
	userID = normalize(userID)
	if cached, ok := s.cache.Load(userID); ok {
		if name, ok := cached.(string); ok && name != "" {
			return name
		}
		return userID
	}
	var profile Profile
	if err := s.db.Where("user_id = ?", userID).First(&profile).Error; err != nil || profile.DisplayName == "" {
		return userID
	}
	s.cache.Store(userID, profile.DisplayName)
	return profile.DisplayName
}
