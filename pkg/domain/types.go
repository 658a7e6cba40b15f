package domain

import "time"

type UploadStatus string

const (
	// StatusPending is reported for files whose record does not exist yet.
	StatusPending    UploadStatus = "PENDING"
	StatusProcessing UploadStatus = "PROCESSING"
	StatusSuccess    UploadStatus = "SUCCESS"
	StatusFailed     UploadStatus = "FAILED"
)

// CanTransition reports whether a persisted file may move from one status to another.
func CanTransition(from, to UploadStatus) bool {
	return from == StatusProcessing && (to == StatusSuccess || to == StatusFailed)
}

type User struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	StripeCustomerID       string     `json:"-"`
	StripeSubscriptionID   string     `json:"-"`
	StripePriceID          string     `json:"-"`
	StripeCurrentPeriodEnd *time.Time `json:"-"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

type File struct {
	ID           string       `json:"id"`
	Key          string       `json:"key"`
	Name         string       `json:"name"`
	URL          string       `json:"url"`
	UserID       string       `json:"userId"`
	UploadStatus UploadStatus `json:"uploadStatus"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

type Message struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	IsUserMessage bool      `json:"isUserMessage"`
	FileID        string    `json:"-"`
	UserID        string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// MessagePage is one newest-first slice of a file conversation.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Passage is one page of extracted document text stored in a vector namespace.
type Passage struct {
	ID      string  `json:"id"`
	FileID  string  `json:"fileId"`
	Page    int     `json:"page"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Plan is a subscription tier.
type Plan struct {
	Name         string `json:"name" yaml:"name"`
	Slug         string `json:"slug" yaml:"slug"`
	Quota        int    `json:"quota" yaml:"quota"`
	PagesPerFile int    `json:"pagesPerFile" yaml:"pagesPerFile"`
	PriceAmount  int    `json:"priceAmount" yaml:"priceAmount"`
	PriceID      string `json:"-" yaml:"priceId"`
}

// Subscription is the caller's resolved billing state.
type Subscription struct {
	Plan             Plan       `json:"plan"`
	IsSubscribed     bool       `json:"isSubscribed"`
	IsCanceled       bool       `json:"isCanceled"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	CustomerID       string     `json:"-"`
	SubscriptionID   string     `json:"-"`
}
