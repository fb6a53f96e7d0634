package model

import (
	"time"
)

type Device struct {
	ID          string       `db:"id" json:"id"`
	Name        string       `db:"name" json:"name"`
	PairingCode string       `db:"pairing_code" json:"pairingCode"`
	AccountID   *string      `db:"account_id" json:"accountId,omitempty"`
	Status      DeviceStatus `db:"status" json:"status"`
	LastSeenAt  *time.Time   `db:"last_seen_at" json:"lastSeenAt,omitempty"`
	PairedAt    *time.Time   `db:"paired_at" json:"pairedAt,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updatedAt"`
}

// IsPaired reports whether the device has an owner. Pairing is one-way.
func (d *Device) IsPaired() bool {
	return d.AccountID != nil
}

// OwnedBy reports whether the device is paired to accountID.
func (d *Device) OwnedBy(accountID string) bool {
	return d.AccountID != nil && *d.AccountID == accountID
}

type CreateDeviceParams struct {
	Name        string
	PairingCode string
}
