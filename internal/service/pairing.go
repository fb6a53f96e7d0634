package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/audit"
	"github.com/rdsconnect/screen-server/internal/broadcast"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/metrics"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/registry"
	"github.com/rdsconnect/screen-server/internal/repository"
	"github.com/rdsconnect/screen-server/internal/util"
)

type PairRequest struct {
	Code      string
	AccountID string
	Conn      Connection
}

type PairResult struct {
	DeviceID     string `json:"deviceId"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId"`
	AccountID    string `json:"accountId"`
	// AlreadyOwned is set when the device was already paired to the same
	// account and no screen was consumed.
	AlreadyOwned bool `json:"alreadyOwned"`
}

// CodeUsedPayload is pushed to the device group after a successful pairing.
type CodeUsedPayload struct {
	AccountID   string `json:"accountId"`
	AccountName string `json:"accountName"`
	DeviceID    string `json:"deviceId"`
}

type PairingCoordinator struct {
	tx           TxRunner
	deviceRepo   repository.DeviceRepository
	subRepo      repository.SubscriptionRepository
	accountRepo  repository.AccountRepository
	ledger       *EntitlementLedger
	registry     *registry.Registry
	publisher    GroupPublisher
	limiter      Limiter
	attemptLimit int
	attemptWin   time.Duration
	metrics      *metrics.Metrics
}

type PairingOptions struct {
	// AttemptsPerWindow caps pairing attempts per account. Zero disables
	// the limit.
	AttemptsPerWindow int
	Window            time.Duration
}

func NewPairingCoordinator(
	tx TxRunner,
	deviceRepo repository.DeviceRepository,
	subRepo repository.SubscriptionRepository,
	accountRepo repository.AccountRepository,
	ledger *EntitlementLedger,
	reg *registry.Registry,
	publisher GroupPublisher,
	limiter Limiter,
	opts PairingOptions,
	m *metrics.Metrics,
) *PairingCoordinator {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	return &PairingCoordinator{
		tx:           tx,
		deviceRepo:   deviceRepo,
		subRepo:      subRepo,
		accountRepo:  accountRepo,
		ledger:       ledger,
		registry:     reg,
		publisher:    publisher,
		limiter:      limiter,
		attemptLimit: opts.AttemptsPerWindow,
		attemptWin:   opts.Window,
		metrics:      m,
	}
}

// Pair binds the device behind code to the account and admits the
// connection into the device's group. Every rejection leaves the store
// untouched.
func (c *PairingCoordinator) Pair(ctx context.Context, req PairRequest) (*PairResult, error) {
	result, err := c.pair(ctx, req)
	if err != nil {
		c.metrics.PairingAttempt(string(apperrors.GetCode(err)))
		audit.Log(ctx, audit.Event{
			Type:      audit.EventPairingRejected,
			AccountID: req.AccountID,
			Details: map[string]interface{}{
				"code":   util.MaskCode(req.Code),
				"reason": string(apperrors.GetCode(err)),
			},
		})
		return nil, err
	}

	outcome := "paired"
	if result.AlreadyOwned {
		outcome = "repaired"
	}
	c.metrics.PairingAttempt(outcome)
	audit.Log(ctx, audit.Event{
		Type:      audit.EventPairingSuccess,
		AccountID: result.AccountID,
		DeviceID:  result.DeviceID,
		Details: map[string]interface{}{
			"connectionId": result.ConnectionID,
			"alreadyOwned": result.AlreadyOwned,
		},
	})
	return result, nil
}

func (c *PairingCoordinator) pair(ctx context.Context, req PairRequest) (*PairResult, error) {
	if req.Code == "" {
		return nil, apperrors.MissingRequired("code")
	}
	if req.AccountID == "" {
		return nil, apperrors.MissingRequired("accountId")
	}
	if req.Conn == nil {
		return nil, apperrors.Internal("pairing requires a live connection")
	}
	if !util.IsValidUUID(req.AccountID) {
		return nil, apperrors.InvalidInput("accountId", "must be a UUID")
	}
	if !util.IsValidPairingCode(req.Code) {
		return nil, apperrors.InvalidCode()
	}

	if c.limiter != nil && c.attemptLimit > 0 {
		allowed, _ := c.limiter.CheckLimit(ctx, "pair:"+req.AccountID, c.attemptLimit, c.attemptWin)
		if !allowed {
			return nil, apperrors.RateLimitExceeded()
		}
	}

	device, err := c.deviceRepo.FindByCode(ctx, req.Code)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil {
		return nil, apperrors.InvalidCode()
	}

	alreadyOwned := false
	switch {
	case device.OwnedBy(req.AccountID):
		alreadyOwned = true
	case device.IsPaired():
		return nil, apperrors.AlreadyPaired()
	default:
		alreadyOwned, err = c.claim(ctx, device, req.AccountID)
		if err != nil {
			return nil, err
		}
	}

	c.registry.Upsert(device.ID, req.Conn.ID())
	if err := req.Conn.JoinGroup(ctx, device.ID); err != nil {
		log.Warn().Err(err).
			Str("deviceId", device.ID).
			Str("connectionId", req.Conn.ID()).
			Msg("failed to join device group")
	}

	c.notifyCodeUsed(ctx, device.ID, req.AccountID)

	return &PairResult{
		DeviceID:     device.ID,
		Name:         device.Name,
		ConnectionID: req.Conn.ID(),
		AccountID:    req.AccountID,
		AlreadyOwned: alreadyOwned,
	}, nil
}

// claim consumes one screen and sets the owner in a single transaction. It
// reports true when a concurrent pairing by the same account won the race,
// in which case nothing is consumed.
func (c *PairingCoordinator) claim(ctx context.Context, device *model.Device, accountID string) (bool, error) {
	ent, err := c.ledger.Snapshot(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !ent.HasEntitlement() {
		return false, apperrors.NoEntitlement()
	}
	if ent.UsedScreens >= ent.CurrentMaxScreens {
		return false, apperrors.QuotaExceeded(ent.CurrentMaxScreens)
	}

	err = c.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		consumed, err := c.subRepo.WithTx(tx).IncrementUsedScreens(ctx, *ent.MainSubscriptionID)
		if err != nil {
			return apperrors.Database(err)
		}
		if !consumed {
			return apperrors.QuotaExceeded(ent.CurrentMaxScreens)
		}

		assigned, err := c.deviceRepo.WithTx(tx).AssignOwner(ctx, device.ID, accountID)
		if err != nil {
			return apperrors.Database(err)
		}
		if !assigned {
			return apperrors.AlreadyPaired()
		}
		return nil
	})
	if err == nil {
		return false, nil
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeAlreadyPaired) {
		return false, err
	}

	current, findErr := c.deviceRepo.FindByID(ctx, device.ID)
	if findErr == nil && current != nil && current.OwnedBy(accountID) {
		return true, nil
	}
	return false, err
}

func (c *PairingCoordinator) notifyCodeUsed(ctx context.Context, deviceID, accountID string) {
	payload := CodeUsedPayload{AccountID: accountID, DeviceID: deviceID}
	if account, err := c.accountRepo.FindByID(ctx, accountID); err == nil && account != nil {
		payload.AccountName = account.DisplayName()
	}

	event, err := broadcast.NewEvent(broadcast.EventCodeUsed, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode code-used event")
		return
	}
	if err := c.publisher.Publish(ctx, deviceID, event); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("failed to publish code-used")
	}
}
