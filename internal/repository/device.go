package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rdsconnect/screen-server/internal/model"
)

type DeviceRepository interface {
	FindByID(ctx context.Context, id string) (*model.Device, error)
	FindByCode(ctx context.Context, code string) (*model.Device, error)
	FindByAccountID(ctx context.Context, accountID string) ([]model.Device, error)
	CountByAccountID(ctx context.Context, accountID string) (int, error)
	Create(ctx context.Context, params model.CreateDeviceParams) (*model.Device, error)
	LockForUpdate(ctx context.Context, id string) (*model.Device, error)
	// AssignOwner sets the owner of an unpaired device. It reports false when
	// the device already has an owner.
	AssignOwner(ctx context.Context, id, accountID string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status model.DeviceStatus) error
	TouchLastSeen(ctx context.Context, ids []string) (int64, error)
	MarkStaleOffline(ctx context.Context, seenBefore time.Time, exclude []string) (int64, error)
	WithTx(tx *sqlx.Tx) DeviceRepository
}

type deviceRepo struct {
	db sqlxDB
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) WithTx(tx *sqlx.Tx) DeviceRepository {
	return &deviceRepo{db: tx}
}

func (r *deviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE id = $1
	`, id)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) FindByCode(ctx context.Context, code string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE pairing_code = $1
	`, code)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) FindByAccountID(ctx context.Context, accountID string) ([]model.Device, error) {
	var devices []model.Device
	err := r.db.SelectContext(ctx, &devices, `
		SELECT * FROM devices
		WHERE account_id = $1
		ORDER BY paired_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *deviceRepo) CountByAccountID(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM devices WHERE account_id = $1`, accountID)
	return count, err
}

func (r *deviceRepo) Create(ctx context.Context, params model.CreateDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		INSERT INTO devices (name, pairing_code, status)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.Name, params.PairingCode, model.DeviceStatusOffline)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) LockForUpdate(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE id = $1 FOR UPDATE
	`, id)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) AssignOwner(ctx context.Context, id, accountID string) (bool, error) {
	now := time.Now()
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			account_id = $2,
			paired_at = $3,
			updated_at = $3
		WHERE id = $1 AND account_id IS NULL
	`, id, accountID, now)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *deviceRepo) UpdateStatus(ctx context.Context, id string, status model.DeviceStatus) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			status = $2,
			last_seen_at = $3,
			updated_at = $3
		WHERE id = $1
	`, id, status, now)
	return err
}

func (r *deviceRepo) TouchLastSeen(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			status = $2,
			last_seen_at = $3
		WHERE id::text = ANY($1)
	`, pq.Array(ids), model.DeviceStatusOnline, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *deviceRepo) MarkStaleOffline(ctx context.Context, seenBefore time.Time, exclude []string) (int64, error) {
	if exclude == nil {
		exclude = []string{}
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			status = $1,
			updated_at = NOW()
		WHERE status = $2
			AND (last_seen_at IS NULL OR last_seen_at < $3)
			AND NOT (id::text = ANY($4))
	`, model.DeviceStatusOffline, model.DeviceStatusOnline, seenBefore, pq.Array(exclude))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
