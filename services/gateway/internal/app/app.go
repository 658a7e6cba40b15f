package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"scribeai/pkg/billing"
	"scribeai/pkg/domain"
	"scribeai/pkg/queue"
	"scribeai/pkg/storage"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
)

// ErrBillingUnavailable is returned by billing operations when no payments
// provider is configured.
var ErrBillingUnavailable = errors.New("billing unavailable")

// BillingProvider is the hosted payments API used for checkout and portal
// sessions. *billing.Client satisfies it.
type BillingProvider interface {
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (string, error)
	GetSubscription(ctx context.Context, id string) (billing.ProviderSubscription, error)
}

// Config holds runtime dependencies for the gateway core.
type Config struct {
	Store   store.Store
	Objects storage.ObjectStore
	Vectors vectorstore.Store
	Jobs    queue.Enqueuer
	Plans   *billing.Catalog

	Billing       BillingProvider
	WebhookSecret string
	// PublicURL is the browser-facing origin used for billing return URLs.
	PublicURL string

	QuotaWindow time.Duration
	Now         func() time.Time
}

// App implements the query layer, upload registration and billing flows.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	vectors       vectorstore.Store
	jobs          queue.Enqueuer
	plans         *billing.Catalog
	billing       BillingProvider
	webhookSecret string
	publicURL     string
	quotaWindow   time.Duration
	now           func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("job queue required")
	}
	a := &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		vectors:       cfg.Vectors,
		jobs:          cfg.Jobs,
		plans:         cfg.Plans,
		billing:       cfg.Billing,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		publicURL:     strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/"),
		quotaWindow:   cfg.QuotaWindow,
		now:           cfg.Now,
	}
	if a.plans == nil {
		a.plans = billing.NewCatalog(nil)
	}
	if a.quotaWindow <= 0 {
		a.quotaWindow = 30 * 24 * time.Hour
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// SyncUser records the identity asserted by the identity provider. An
// existing user only has its email refreshed; billing fields are untouched.
func (a *App) SyncUser(userID, email string) (domain.User, error) {
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(email)
	if userID == "" || email == "" {
		return domain.User{}, domain.ErrUnauthorized
	}
	now := a.now()
	if err := a.store.SaveUser(domain.User{ID: userID, Email: email, CreatedAt: now, UpdatedAt: now}); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	u, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, fmt.Errorf("user %s vanished after save", userID)
	}
	return u, nil
}

func (a *App) requireUser(userID string) (domain.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.User{}, domain.ErrUnauthorized
	}
	u, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, domain.ErrUnauthorized
	}
	return u, nil
}
