package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/audit"
	"github.com/rdsconnect/screen-server/internal/database"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/events"
	"github.com/rdsconnect/screen-server/internal/metrics"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/repository"
)

// SubscriptionCompleted is a paid checkout for a plan, as reported by the
// payment provider.
type SubscriptionCompleted struct {
	// AccountID is used when the checkout carried it; otherwise the account
	// is looked up by Email.
	AccountID              string
	Email                  string
	ExternalSubscriptionID string
	ExternalProductID      string
	Quantity               int
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
}

type ApplyResult struct {
	Duplicate      bool               `json:"duplicate"`
	AccountID      string             `json:"accountId"`
	Kind           model.PlanKind     `json:"kind,omitempty"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	ReplacedMainID string             `json:"replacedMainId,omitempty"`
	Entitlement    *model.Entitlement `json:"entitlement,omitempty"`
}

// EntitlementLedger keeps each account's screen quota in step with its
// subscriptions. Writes for one account are serialized by a row lock on the
// account.
type EntitlementLedger struct {
	tx          TxRunner
	accountRepo repository.AccountRepository
	planRepo    repository.PlanRepository
	subRepo     repository.SubscriptionRepository
	deviceRepo  repository.DeviceRepository
	publisher   events.Publisher
	metrics     *metrics.Metrics
}

func NewEntitlementLedger(
	tx TxRunner,
	accountRepo repository.AccountRepository,
	planRepo repository.PlanRepository,
	subRepo repository.SubscriptionRepository,
	deviceRepo repository.DeviceRepository,
	publisher events.Publisher,
	m *metrics.Metrics,
) *EntitlementLedger {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &EntitlementLedger{
		tx:          tx,
		accountRepo: accountRepo,
		planRepo:    planRepo,
		subRepo:     subRepo,
		deviceRepo:  deviceRepo,
		publisher:   publisher,
		metrics:     m,
	}
}

// RecomputeCapacity sets currentMaxScreens on the account's active main
// subscription to its base allowance plus every active option. usedScreens
// is left alone.
func (l *EntitlementLedger) RecomputeCapacity(ctx context.Context, accountID string) (*model.Entitlement, error) {
	var ent *model.Entitlement
	err := l.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		account, err := l.accountRepo.WithTx(tx).LockForUpdate(ctx, accountID)
		if err != nil {
			return apperrors.Database(err)
		}
		if account == nil {
			return apperrors.NotFound("Account")
		}
		ent, err = l.recompute(ctx, l.subRepo.WithTx(tx), accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.publishEntitlement(ctx, ent)
	return ent, nil
}

func (l *EntitlementLedger) recompute(
	ctx context.Context,
	subs repository.SubscriptionRepository,
	accountID string,
) (*model.Entitlement, error) {
	main, err := subs.FindActiveMain(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if main == nil {
		return nil, apperrors.NoMainSubscription()
	}

	options, err := subs.SumActiveOptionQuantity(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	maxScreens := main.BaseScreens() + options
	if maxScreens != main.CurrentMaxScreens {
		if err := subs.UpdateMaxScreens(ctx, main.ID, maxScreens); err != nil {
			return nil, apperrors.Database(err)
		}
	}

	log.Debug().
		Str("accountId", accountID).
		Int("base", main.BaseScreens()).
		Int("options", options).
		Int("maxScreens", maxScreens).
		Msg("capacity recomputed")

	return &model.Entitlement{
		AccountID:          accountID,
		MainSubscriptionID: &main.ID,
		CurrentMaxScreens:  maxScreens,
		UsedScreens:        main.UsedScreens,
	}, nil
}

// ApplyWebhookEvent records a completed subscription checkout. Replaying an
// event for a subscription that already exists is a successful no-op.
func (l *EntitlementLedger) ApplyWebhookEvent(ctx context.Context, ev SubscriptionCompleted) (*ApplyResult, error) {
	if ev.ExternalSubscriptionID == "" {
		return nil, apperrors.MissingRequired("subscriptionId")
	}
	if ev.ExternalProductID == "" {
		return nil, apperrors.MissingRequired("productId")
	}
	if ev.Quantity <= 0 {
		ev.Quantity = 1
	}

	account, err := l.resolveAccount(ctx, ev)
	if err != nil {
		return nil, err
	}

	plan, err := l.planRepo.FindByExternalProductID(ctx, ev.ExternalProductID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if plan == nil {
		return nil, apperrors.UnknownPlan(ev.ExternalProductID)
	}

	result := &ApplyResult{AccountID: account.ID, Kind: plan.Kind}
	err = l.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		if locked, err := l.accountRepo.WithTx(tx).LockForUpdate(ctx, account.ID); err != nil {
			return apperrors.Database(err)
		} else if locked == nil {
			return apperrors.NotFound("Account")
		}

		subs := l.subRepo.WithTx(tx)
		existing, err := subs.FindByExternalID(ctx, ev.ExternalSubscriptionID)
		if err != nil {
			return apperrors.Database(err)
		}
		if existing != nil {
			result.Duplicate = true
			result.SubscriptionID = existing.ID
			return nil
		}

		params := model.CreateSubscriptionParams{
			AccountID:              account.ID,
			PlanID:                 plan.ID,
			ExternalSubscriptionID: ev.ExternalSubscriptionID,
			Quantity:               ev.Quantity,
			CurrentPeriodStart:     ev.PeriodStart,
			CurrentPeriodEnd:       ev.PeriodEnd,
		}

		current, err := subs.LockActiveMain(ctx, account.ID)
		if err != nil {
			return apperrors.Database(err)
		}

		switch plan.Kind {
		case model.PlanKindMain:
			// screens already paired stay paired across a plan change and
			// across a cancel followed by a new checkout
			owned, err := l.deviceRepo.WithTx(tx).CountByAccountID(ctx, account.ID)
			if err != nil {
				return apperrors.Database(err)
			}
			params.UsedScreens = owned
			if current != nil {
				if err := subs.Cancel(ctx, current.ID, model.CancelReasonPlanChange, &ev.ExternalSubscriptionID); err != nil {
					return apperrors.Database(err)
				}
				if current.UsedScreens > params.UsedScreens {
					params.UsedScreens = current.UsedScreens
				}
				result.ReplacedMainID = current.ID
			}
		case model.PlanKindOption:
			if current == nil {
				return apperrors.NoMainSubscription()
			}
		default:
			return apperrors.Internal(fmt.Sprintf("unknown plan kind %q", plan.Kind))
		}

		created, err := subs.Create(ctx, params)
		if err != nil {
			return apperrors.Database(err)
		}
		result.SubscriptionID = created.ID

		result.Entitlement, err = l.recompute(ctx, subs, account.ID)
		return err
	})
	if err != nil {
		if database.IsUniqueViolation(err, "subscriptions_external_id_key") {
			l.metrics.LedgerEvent(string(plan.Kind), "duplicate")
			return &ApplyResult{Duplicate: true, AccountID: account.ID, Kind: plan.Kind}, nil
		}
		l.metrics.LedgerEvent(string(plan.Kind), string(apperrors.GetCode(err)))
		return nil, err
	}

	if result.Duplicate {
		l.metrics.LedgerEvent(string(plan.Kind), "duplicate")
		log.Info().
			Str("accountId", account.ID).
			Str("externalSubscriptionId", ev.ExternalSubscriptionID).
			Msg("subscription already recorded, ignoring replay")
		return result, nil
	}

	l.metrics.LedgerEvent(string(plan.Kind), "applied")
	l.auditApplied(ctx, ev, plan, result)
	l.publishEntitlement(ctx, result.Entitlement)

	return result, nil
}

// CancelSubscription marks a subscription canceled by the provider. Losing
// an option shrinks capacity; losing the main plan removes the entitlement
// to pair new screens. Paired screens stay paired either way.
func (l *EntitlementLedger) CancelSubscription(ctx context.Context, externalID string) (*model.Entitlement, error) {
	sub, err := l.subRepo.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if sub == nil {
		log.Warn().Str("externalSubscriptionId", externalID).Msg("cancel for unknown subscription, ignoring")
		return nil, nil
	}
	if sub.Status == model.SubscriptionStatusCanceled {
		return nil, nil
	}

	var ent *model.Entitlement
	err = l.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := l.accountRepo.WithTx(tx).LockForUpdate(ctx, sub.AccountID); err != nil {
			return apperrors.Database(err)
		}
		subs := l.subRepo.WithTx(tx)
		if err := subs.Cancel(ctx, sub.ID, model.CancelReasonProviderCanceled, nil); err != nil {
			return apperrors.Database(err)
		}
		if sub.PlanKind != model.PlanKindOption {
			return nil
		}

		ent, err = l.recompute(ctx, subs, sub.AccountID)
		if apperrors.HasCode(err, apperrors.ErrCodeNoMainSubscription) {
			return nil
		}
		return err
	})
	if err != nil {
		l.metrics.LedgerEvent(string(sub.PlanKind), "cancel_failed")
		return nil, err
	}

	l.metrics.LedgerEvent(string(sub.PlanKind), "canceled")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSubscriptionCanceled,
		AccountID: sub.AccountID,
		Details: map[string]interface{}{
			"externalSubscriptionId": externalID,
			"kind":                   string(sub.PlanKind),
		},
	})

	if ent == nil {
		ent, err = l.Snapshot(ctx, sub.AccountID)
		if err != nil {
			return nil, err
		}
	}
	l.publishEntitlement(ctx, ent)
	return ent, nil
}

// UpdatePeriod refreshes the billing period of a subscription after a
// renewal. Capacity is unaffected.
func (l *EntitlementLedger) UpdatePeriod(ctx context.Context, externalID string, start, end *time.Time) error {
	n, err := l.subRepo.UpdatePeriod(ctx, externalID, start, end)
	if err != nil {
		return apperrors.Database(err)
	}
	if n == 0 {
		log.Debug().Str("externalSubscriptionId", externalID).Msg("period update for unknown subscription")
	}
	return nil
}

// Snapshot reads the account's current quota without changing it. An
// account without a main subscription has a zero entitlement.
func (l *EntitlementLedger) Snapshot(ctx context.Context, accountID string) (*model.Entitlement, error) {
	ent := &model.Entitlement{AccountID: accountID}

	main, err := l.subRepo.FindActiveMain(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if main != nil {
		ent.MainSubscriptionID = &main.ID
		ent.CurrentMaxScreens = main.CurrentMaxScreens
		ent.UsedScreens = main.UsedScreens
	}

	owned, err := l.deviceRepo.CountByAccountID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	ent.OwnedDevices = owned
	return ent, nil
}

func (l *EntitlementLedger) resolveAccount(ctx context.Context, ev SubscriptionCompleted) (*model.Account, error) {
	var (
		account *model.Account
		err     error
	)
	switch {
	case ev.AccountID != "":
		account, err = l.accountRepo.FindByID(ctx, ev.AccountID)
	case strings.TrimSpace(ev.Email) != "":
		account, err = l.accountRepo.FindByEmail(ctx, strings.TrimSpace(ev.Email))
	default:
		return nil, apperrors.MissingRequired("email")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}
	return account, nil
}

func (l *EntitlementLedger) auditApplied(ctx context.Context, ev SubscriptionCompleted, plan *model.SubscriptionPlan, result *ApplyResult) {
	eventType := audit.EventOptionAdded
	if plan.Kind == model.PlanKindMain {
		eventType = audit.EventMainCreated
		if result.ReplacedMainID != "" {
			eventType = audit.EventPlanChanged
		}
	}

	details := map[string]interface{}{
		"externalSubscriptionId": ev.ExternalSubscriptionID,
		"plan":                   plan.Name,
		"quantity":               ev.Quantity,
	}
	if result.Entitlement != nil {
		details["maxScreens"] = result.Entitlement.CurrentMaxScreens
	}
	if result.ReplacedMainID != "" {
		details["replacedSubscriptionId"] = result.ReplacedMainID
	}

	audit.Log(ctx, audit.Event{Type: eventType, AccountID: result.AccountID, Details: details})
}

func (l *EntitlementLedger) publishEntitlement(ctx context.Context, ent *model.Entitlement) {
	if ent == nil {
		return
	}
	if err := l.publisher.EntitlementUpdated(ctx, *ent); err != nil {
		log.Warn().Err(err).Str("accountId", ent.AccountID).Msg("failed to publish entitlement update")
	}
}
