package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"scribeai/internal/util"
	"scribeai/pkg/billing"
	"scribeai/pkg/domain"
	"scribeai/pkg/store"
)

// ErrInvalidWebhook marks a payments webhook that failed verification or
// could not be decoded.
var ErrInvalidWebhook = errors.New("invalid webhook")

const billingPath = "/dashboard/billing"

// BillingSession returns where the caller should go to manage billing: the
// provider's portal for an active subscriber with a customer reference,
// otherwise a checkout for the paid plan.
func (a *App) BillingSession(ctx context.Context, userID string) (string, error) {
	u, err := a.requireUser(userID)
	if err != nil {
		return "", err
	}
	if a.billing == nil {
		return "", ErrBillingUnavailable
	}
	returnURL := a.publicURL + billingPath
	sub := a.plans.Resolve(u, a.now())
	if sub.IsSubscribed && sub.CustomerID != "" {
		return a.billing.CreatePortalSession(ctx, sub.CustomerID, returnURL)
	}
	paid, ok := a.plans.Paid()
	if !ok {
		return "", fmt.Errorf("%w: no paid plan configured", ErrBillingUnavailable)
	}
	return a.billing.CreateCheckoutSession(ctx, billing.CheckoutParams{
		PriceID:    paid.PriceID,
		UserID:     u.ID,
		Email:      u.Email,
		SuccessURL: returnURL,
		CancelURL:  returnURL,
	})
}

// CurrentPlan resolves the caller's plan. Cancellation is looked up at the
// provider only for active subscriptions; a lookup failure leaves it false.
func (a *App) CurrentPlan(ctx context.Context, userID string) (domain.Subscription, error) {
	u, err := a.requireUser(userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub := a.plans.Resolve(u, a.now())
	if sub.IsSubscribed && sub.SubscriptionID != "" && a.billing != nil {
		remote, err := a.billing.GetSubscription(ctx, sub.SubscriptionID)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("subscription lookup failed", "user_id", u.ID, "err", err)
		} else {
			sub.IsCanceled = remote.CancelAtPeriodEnd
		}
	}
	return sub, nil
}

// HandleBillingWebhook verifies and applies a payments webhook. Event types
// other than checkout completion and invoice payment are acknowledged and
// ignored.
func (a *App) HandleBillingWebhook(ctx context.Context, payload []byte, signature string) error {
	if a.webhookSecret == "" || a.billing == nil {
		return ErrBillingUnavailable
	}
	ev, err := billing.ParseWebhook(payload, signature, a.webhookSecret, billing.DefaultTolerance)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	logger := util.LoggerFromContext(ctx).With("event_id", ev.ID, "event_type", ev.Type)

	switch ev.Type {
	case billing.EventCheckoutCompleted:
		userID := strings.TrimSpace(ev.Object.Metadata["userId"])
		if userID == "" {
			return fmt.Errorf("%w: checkout session without userId metadata", ErrInvalidWebhook)
		}
		remote, err := a.billing.GetSubscription(ctx, ev.Object.Subscription)
		if err != nil {
			return err
		}
		end := remote.CurrentPeriodEnd
		customer := remote.CustomerID
		if customer == "" {
			customer = ev.Object.Customer
		}
		if err := a.store.UpdateSubscription(userID, store.SubscriptionUpdate{
			CustomerID:       customer,
			SubscriptionID:   remote.ID,
			PriceID:          remote.PriceID,
			CurrentPeriodEnd: &end,
		}); err != nil {
			return fmt.Errorf("record checkout for %s: %w", userID, err)
		}
		logger.Info("subscription started", "user_id", userID)
	case billing.EventInvoicePaid:
		remote, err := a.billing.GetSubscription(ctx, ev.Object.Subscription)
		if err != nil {
			return err
		}
		u, ok, err := a.store.GetUserBySubscriptionID(remote.ID)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warn("invoice for unknown subscription", "subscription_id", remote.ID)
			return nil
		}
		end := remote.CurrentPeriodEnd
		if err := a.store.UpdateSubscription(u.ID, store.SubscriptionUpdate{
			PriceID:          remote.PriceID,
			CurrentPeriodEnd: &end,
		}); err != nil {
			return fmt.Errorf("record renewal for %s: %w", u.ID, err)
		}
		logger.Info("subscription renewed", "user_id", u.ID)
	default:
		logger.Debug("ignored billing event")
	}
	return nil
}
