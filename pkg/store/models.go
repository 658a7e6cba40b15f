package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID                     string  `gorm:"primaryKey"`
	Email                  string  `gorm:"not null;index"`
	StripeCustomerID       *string `gorm:"uniqueIndex"`
	StripeSubscriptionID   *string `gorm:"uniqueIndex"`
	StripePriceID          string
	StripeCurrentPeriodEnd *time.Time
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

type FileModel struct {
	ID           string    `gorm:"primaryKey"`
	Key          string    `gorm:"uniqueIndex;not null"`
	Name         string    `gorm:"not null"`
	URL          string    `gorm:"not null"`
	UserID       string    `gorm:"not null;index"`
	UploadStatus string    `gorm:"not null;default:PENDING"`
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID            string    `gorm:"primaryKey"`
	Text          string    `gorm:"type:text;not null"`
	IsUserMessage bool      `gorm:"not null"`
	FileID        string    `gorm:"not null;index:idx_message_file_created,priority:1"`
	UserID        string    `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null;index:idx_message_file_created,priority:2"`
}
