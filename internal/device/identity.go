package device

import (
	"strings"
	"time"
)

// Identity is the single persisted row naming this installation.
type Identity struct {
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:64;not null"`
	Label      string    `gorm:"column:label;size:190"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing the device identity.
func (Identity) TableName() string {
	return "device_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
