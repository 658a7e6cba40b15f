package billing

import (
	"strings"
	"time"

	"scribeai/pkg/domain"
)

// gracePeriod keeps a subscription active for a day past its period end so
// a late renewal webhook does not downgrade the user.
const gracePeriod = 24 * time.Hour

// Catalog holds the subscription tiers. The first plan is the free tier.
type Catalog struct {
	plans []domain.Plan
}

// DefaultPlans returns the Free and Pro tiers. proPriceID is the payment
// provider's price reference for Pro.
func DefaultPlans(proPriceID string) []domain.Plan {
	return []domain.Plan{
		{Name: "Free", Slug: "free", Quota: 10, PagesPerFile: 5, PriceAmount: 0},
		{Name: "Pro", Slug: "pro", Quota: 50, PagesPerFile: 100, PriceAmount: 100, PriceID: strings.TrimSpace(proPriceID)},
	}
}

// NewCatalog uses DefaultPlans when plans is empty.
func NewCatalog(plans []domain.Plan) *Catalog {
	if len(plans) == 0 {
		plans = DefaultPlans("")
	}
	out := make([]domain.Plan, len(plans))
	copy(out, plans)
	return &Catalog{plans: out}
}

func (c *Catalog) Free() domain.Plan {
	return c.plans[0]
}

// Paid returns the first plan with a price id, used for checkout.
func (c *Catalog) Paid() (domain.Plan, bool) {
	for _, p := range c.plans {
		if p.PriceID != "" {
			return p, true
		}
	}
	return domain.Plan{}, false
}

func (c *Catalog) ByPriceID(priceID string) (domain.Plan, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return domain.Plan{}, false
	}
	for _, p := range c.plans {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return domain.Plan{}, false
}

func (c *Catalog) Plans() []domain.Plan {
	out := make([]domain.Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Resolve derives the user's subscription state at now. IsCanceled is left
// false; it needs a provider lookup.
func (c *Catalog) Resolve(u domain.User, now time.Time) domain.Subscription {
	sub := domain.Subscription{
		Plan:             c.Free(),
		CurrentPeriodEnd: u.StripeCurrentPeriodEnd,
		CustomerID:       u.StripeCustomerID,
		SubscriptionID:   u.StripeSubscriptionID,
	}
	if u.StripePriceID == "" || u.StripeCurrentPeriodEnd == nil {
		return sub
	}
	if !u.StripeCurrentPeriodEnd.Add(gracePeriod).After(now) {
		return sub
	}
	sub.IsSubscribed = true
	if plan, ok := c.ByPriceID(u.StripePriceID); ok {
		sub.Plan = plan
	}
	return sub
}
