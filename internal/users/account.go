package users

import (
	"strings"
	"time"
)

// Account captures one person known to the platform, whether they registered
// themselves or were created implicitly when their lead was captured.
type Account struct {
	ID          string    `gorm:"column:id;primaryKey;size:36"`
	Email       string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name;size:190"`
	Phone       string    `gorm:"column:phone;size:32"`
	Credential  string    `gorm:"column:credential;size:190;not null"`
	Unclaimed   bool      `gorm:"column:unclaimed;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// normalizeEmail lowercases and trims an address for the uniqueness check.
func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
