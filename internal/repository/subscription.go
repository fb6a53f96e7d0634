package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rdsconnect/screen-server/internal/model"
)

type PlanRepository interface {
	FindByExternalProductID(ctx context.Context, productID string) (*model.SubscriptionPlan, error)
}

type planRepo struct {
	db sqlxDB
}

func NewPlanRepository(db *sqlx.DB) PlanRepository {
	return &planRepo{db: db}
}

func (r *planRepo) FindByExternalProductID(ctx context.Context, productID string) (*model.SubscriptionPlan, error) {
	var plan model.SubscriptionPlan
	err := r.db.GetContext(ctx, &plan, `
		SELECT * FROM subscription_plans WHERE external_product_id = $1
	`, productID)
	return HandleNotFound(&plan, err)
}

type SubscriptionRepository interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.SubscriptionWithPlan, error)
	FindActiveMain(ctx context.Context, accountID string) (*model.SubscriptionWithPlan, error)
	// LockActiveMain is FindActiveMain holding the row lock until the
	// transaction ends. Concurrent IncrementUsedScreens calls wait on it.
	LockActiveMain(ctx context.Context, accountID string) (*model.SubscriptionWithPlan, error)
	SumActiveOptionQuantity(ctx context.Context, accountID string) (int, error)
	Create(ctx context.Context, params model.CreateSubscriptionParams) (*model.Subscription, error)
	Cancel(ctx context.Context, id, reason string, replacedBy *string) error
	UpdateMaxScreens(ctx context.Context, id string, maxScreens int) error
	// IncrementUsedScreens consumes one screen of an active subscription if
	// any remain. It reports false when the quota is exhausted.
	IncrementUsedScreens(ctx context.Context, id string) (bool, error)
	UpdatePeriod(ctx context.Context, externalID string, start, end *time.Time) (int64, error)
	WithTx(tx *sqlx.Tx) SubscriptionRepository
}

type subscriptionRepo struct {
	db sqlxDB
}

func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepo{db: db}
}

func (r *subscriptionRepo) WithTx(tx *sqlx.Tx) SubscriptionRepository {
	return &subscriptionRepo{db: tx}
}

const subscriptionWithPlanColumns = `
	s.*, p.kind AS plan_kind, p.max_screens AS plan_max_screens
`

func (r *subscriptionRepo) FindByExternalID(ctx context.Context, externalID string) (*model.SubscriptionWithPlan, error) {
	var sub model.SubscriptionWithPlan
	err := r.db.GetContext(ctx, &sub, `
		SELECT `+subscriptionWithPlanColumns+`
		FROM subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.external_subscription_id = $1
	`, externalID)
	return HandleNotFound(&sub, err)
}

func (r *subscriptionRepo) FindActiveMain(ctx context.Context, accountID string) (*model.SubscriptionWithPlan, error) {
	var sub model.SubscriptionWithPlan
	err := r.db.GetContext(ctx, &sub, `
		SELECT `+subscriptionWithPlanColumns+`
		FROM subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.account_id = $1 AND s.status = $2 AND p.kind = $3
		ORDER BY s.created_at DESC
		LIMIT 1
	`, accountID, model.SubscriptionStatusActive, model.PlanKindMain)
	return HandleNotFound(&sub, err)
}

func (r *subscriptionRepo) LockActiveMain(ctx context.Context, accountID string) (*model.SubscriptionWithPlan, error) {
	var sub model.SubscriptionWithPlan
	err := r.db.GetContext(ctx, &sub, `
		SELECT `+subscriptionWithPlanColumns+`
		FROM subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.account_id = $1 AND s.status = $2 AND p.kind = $3
		ORDER BY s.created_at DESC
		LIMIT 1
		FOR UPDATE OF s
	`, accountID, model.SubscriptionStatusActive, model.PlanKindMain)
	return HandleNotFound(&sub, err)
}

func (r *subscriptionRepo) SumActiveOptionQuantity(ctx context.Context, accountID string) (int, error) {
	var total int
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(s.quantity), 0)
		FROM subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.account_id = $1 AND s.status = $2 AND p.kind = $3
	`, accountID, model.SubscriptionStatusActive, model.PlanKindOption)
	return total, err
}

func (r *subscriptionRepo) Create(ctx context.Context, params model.CreateSubscriptionParams) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `
		INSERT INTO subscriptions (
			account_id, plan_id, external_subscription_id, status, quantity,
			used_screens, current_period_start, current_period_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *
	`, params.AccountID, params.PlanID, params.ExternalSubscriptionID, model.SubscriptionStatusActive,
		params.Quantity, params.UsedScreens, params.CurrentPeriodStart, params.CurrentPeriodEnd)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepo) Cancel(ctx context.Context, id, reason string, replacedBy *string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = $2,
			cancel_reason = $3,
			replaced_by = $4,
			canceled_at = $5,
			updated_at = $5
		WHERE id = $1 AND status = $6
	`, id, model.SubscriptionStatusCanceled, reason, replacedBy, now, model.SubscriptionStatusActive)
	return err
}

func (r *subscriptionRepo) UpdateMaxScreens(ctx context.Context, id string, maxScreens int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET current_max_screens = $2, updated_at = $3 WHERE id = $1
	`, id, maxScreens, time.Now())
	return err
}

func (r *subscriptionRepo) IncrementUsedScreens(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			used_screens = used_screens + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND used_screens < current_max_screens
	`, id, model.SubscriptionStatusActive)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *subscriptionRepo) UpdatePeriod(ctx context.Context, externalID string, start, end *time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			current_period_start = COALESCE($2, current_period_start),
			current_period_end = COALESCE($3, current_period_end),
			updated_at = NOW()
		WHERE external_subscription_id = $1
	`, externalID, start, end)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
