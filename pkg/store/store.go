package store

import (
	"errors"
	"time"

	"scribeai/pkg/domain"
)

// DefaultMessagePageSize is the page size used when a caller does not ask for one.
const DefaultMessagePageSize = 10

// MaxMessagePageSize bounds a single message page.
const MaxMessagePageSize = 100

// ErrDuplicateKey reports that an object key is already registered to a file.
var ErrDuplicateKey = errors.New("file key already exists")

// Store defines persistence operations for users, files, and messages.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserBySubscriptionID(subscriptionID string) (domain.User, bool, error)
	UpdateSubscription(userID string, update SubscriptionUpdate) error

	// files
	CreateFile(domain.File) error
	GetFile(id string) (domain.File, bool, error)
	GetOwnedFile(id, userID string) (domain.File, bool, error)
	GetOwnedFileByKey(key, userID string) (domain.File, bool, error)
	ListFilesByUser(userID string) ([]domain.File, error)
	CountFilesSince(userID string, since time.Time) (int, error)
	SetFileStatus(id string, status domain.UploadStatus) error
	DeleteOwnedFile(id, userID string) (domain.File, bool, error)

	// messages
	AppendMessage(domain.Message) error
	RecentMessages(fileID string, limit int) ([]domain.Message, error)
	ListMessagesPage(fileID, cursor string, limit int) (domain.MessagePage, error)
}

// SubscriptionUpdate carries billing fields written by the payments webhook.
// Empty strings leave the stored value unchanged.
type SubscriptionUpdate struct {
	CustomerID       string
	SubscriptionID   string
	PriceID          string
	CurrentPeriodEnd *time.Time
}

// NormalizePageSize clamps a requested page size into [1, MaxMessagePageSize].
func NormalizePageSize(limit int) int {
	if limit <= 0 {
		return DefaultMessagePageSize
	}
	if limit > MaxMessagePageSize {
		return MaxMessagePageSize
	}
	return limit
}
