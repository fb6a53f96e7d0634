package model

import (
	"time"
)

type SubscriptionPlan struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	Kind              PlanKind  `db:"kind" json:"kind"`
	MaxScreens        int       `db:"max_screens" json:"maxScreens"`
	ParentPlanID      *string   `db:"parent_plan_id" json:"parentPlanId,omitempty"`
	ExternalProductID string    `db:"external_product_id" json:"externalProductId"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// Allowance is the per-unit screen allowance of a main plan. Plans that were
// configured without one still grant a single screen.
func (p *SubscriptionPlan) Allowance() int {
	return allowance(p.MaxScreens)
}

func allowance(maxScreens int) int {
	if maxScreens <= 0 {
		return 1
	}
	return maxScreens
}

type Subscription struct {
	ID                     string             `db:"id" json:"id"`
	AccountID              string             `db:"account_id" json:"accountId"`
	PlanID                 string             `db:"plan_id" json:"planId"`
	ExternalSubscriptionID string             `db:"external_subscription_id" json:"externalSubscriptionId"`
	Status                 SubscriptionStatus `db:"status" json:"status"`
	Quantity               int                `db:"quantity" json:"quantity"`
	CurrentMaxScreens      int                `db:"current_max_screens" json:"currentMaxScreens"`
	UsedScreens            int                `db:"used_screens" json:"usedScreens"`
	CurrentPeriodStart     *time.Time         `db:"current_period_start" json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd       *time.Time         `db:"current_period_end" json:"currentPeriodEnd,omitempty"`
	CancelReason           *string            `db:"cancel_reason" json:"cancelReason,omitempty"`
	ReplacedBy             *string            `db:"replaced_by" json:"replacedBy,omitempty"`
	CanceledAt             *time.Time         `db:"canceled_at" json:"canceledAt,omitempty"`
	CreatedAt              time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updatedAt"`
}

// SubscriptionWithPlan is a subscription joined with the kind and allowance
// of its plan.
type SubscriptionWithPlan struct {
	Subscription
	PlanKind       PlanKind `db:"plan_kind" json:"planKind"`
	PlanMaxScreens int      `db:"plan_max_screens" json:"planMaxScreens"`
}

// BaseScreens is what a main subscription grants on its own, before options.
func (s *SubscriptionWithPlan) BaseScreens() int {
	quantity := s.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	return allowance(s.PlanMaxScreens) * quantity
}

type CreateSubscriptionParams struct {
	AccountID              string
	PlanID                 string
	ExternalSubscriptionID string
	Quantity               int
	UsedScreens            int
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
}

// Entitlement is the screen quota an account currently holds.
type Entitlement struct {
	AccountID          string  `json:"accountId"`
	MainSubscriptionID *string `json:"mainSubscriptionId"`
	CurrentMaxScreens  int     `json:"currentMaxScreens"`
	UsedScreens        int     `json:"usedScreens"`
	OwnedDevices       int     `json:"ownedDevices"`
}

// HasEntitlement reports whether the account may pair screens at all.
func (e *Entitlement) HasEntitlement() bool {
	return e.MainSubscriptionID != nil && e.CurrentMaxScreens > 0
}

// Remaining is how many more screens can be paired.
func (e *Entitlement) Remaining() int {
	if r := e.CurrentMaxScreens - e.UsedScreens; r > 0 {
		return r
	}
	return 0
}
