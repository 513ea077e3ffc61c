// Package device resolves the stable identity stamped on every queued operation.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies required for device identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewID    func() (string, error)
}

// Service loads or creates the device identity once per process.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	newID func() (string, error)

	mu       sync.RWMutex
	resolved *Identity
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("device: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	return &Service{db: cfg.Database, now: clock, newID: newID}, nil
}

// Resolve returns the persisted identity, creating it on first run. A non-empty label
// replaces the stored one.
func (s *Service) Resolve(ctx context.Context, label string) (Identity, error) {
	s.mu.RLock()
	if s.resolved != nil && (normalize(label) == "" || normalize(label) == s.resolved.Label) {
		identity := *s.resolved
		s.mu.RUnlock()
		return identity, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var identity Identity
	err := s.db.WithContext(ctx).Order("created_at ASC").First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		deviceID, idErr := s.newID()
		if idErr != nil {
			return Identity{}, fmt.Errorf("device: generate id: %w", idErr)
		}
		identity = Identity{
			DeviceID:   deviceID,
			Label:      normalize(label),
			LastSeenAt: s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	case err != nil:
		return Identity{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if trimmed := normalize(label); trimmed != "" && trimmed != identity.Label {
			updates["label"] = trimmed
			identity.Label = trimmed
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("device_id = ?", identity.DeviceID).
			Updates(updates).
			Error; err != nil {
			return Identity{}, err
		}
	}

	s.resolved = &identity
	return identity, nil
}

// Origin returns the resolved identity as a queue origin. It is the zero Origin before Resolve.
func (s *Service) Origin() queue.Origin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.resolved == nil {
		return queue.Origin{}
	}
	return queue.Origin{DeviceID: s.resolved.DeviceID, Label: s.resolved.Label}
}
